package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// fileConfig mirrors Config for TOML and YAML config files. Zero values are
// treated as "not set" so the environment defaults stay in effect.
type fileConfig struct {
	Postgres struct {
		DSN string `toml:"dsn" yaml:"dsn"`
	} `toml:"postgres" yaml:"postgres"`
	Neo4j struct {
		URI      string `toml:"uri" yaml:"uri"`
		User     string `toml:"user" yaml:"user"`
		Password string `toml:"password" yaml:"password"`
	} `toml:"neo4j" yaml:"neo4j"`
	SQLite struct {
		Path string `toml:"path" yaml:"path"`
	} `toml:"sqlite" yaml:"sqlite"`
	Server struct {
		Listen string `toml:"listen" yaml:"listen"`
	} `toml:"server" yaml:"server"`
	DataDir string `toml:"data_dir" yaml:"data_dir"`
	Ollama  struct {
		Host string `toml:"host" yaml:"host"`
	} `toml:"ollama" yaml:"ollama"`
	OpenAI struct {
		APIKey  string `toml:"api_key" yaml:"api_key"`
		BaseURL string `toml:"base_url" yaml:"base_url"`
	} `toml:"openai" yaml:"openai"`
	Embeddings struct {
		Provider          string  `toml:"provider" yaml:"provider"`
		Model             string  `toml:"model" yaml:"model"`
		Dimension         int     `toml:"dimension" yaml:"dimension"`
		RequestsPerSecond float64 `toml:"rps" yaml:"rps"`
	} `toml:"embeddings" yaml:"embeddings"`
	LLM struct {
		Provider          string  `toml:"provider" yaml:"provider"`
		Model             string  `toml:"model" yaml:"model"`
		RequestsPerSecond float64 `toml:"rps" yaml:"rps"`
	} `toml:"llm" yaml:"llm"`
	Router struct {
		TruthEnabled    *bool `toml:"truth_enabled" yaml:"truth_enabled"`
		FallbackEnabled *bool `toml:"fallback_enabled" yaml:"fallback_enabled"`
	} `toml:"router" yaml:"router"`
	Search struct {
		Limit           int    `toml:"limit" yaml:"limit"`
		K               int    `toml:"k" yaml:"k"`
		ModalityTimeout string `toml:"modality_timeout" yaml:"modality_timeout"`
	} `toml:"search" yaml:"search"`
	Auth struct {
		Required   *bool    `toml:"required" yaml:"required"`
		DevUserID  string   `toml:"dev_user_id" yaml:"dev_user_id"`
		DevTenant  string   `toml:"dev_tenant_id" yaml:"dev_tenant_id"`
		DevRoles   []string `toml:"dev_roles" yaml:"dev_roles"`
		DevGroups  []string `toml:"dev_groups" yaml:"dev_groups"`
		DevProject string   `toml:"dev_project_id" yaml:"dev_project_id"`
	} `toml:"auth" yaml:"auth"`
	Ingest struct {
		Workers int      `toml:"workers" yaml:"workers"`
		Include []string `toml:"include" yaml:"include"`
		Exclude []string `toml:"exclude" yaml:"exclude"`
	} `toml:"ingest" yaml:"ingest"`
}

// LoadFile reads a TOML or YAML config file and layers it between the
// built-in defaults and the environment: explicitly set environment
// variables always win.
func LoadFile(path string) (Config, error) {
	cfg := Load()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if err := toml.Unmarshal(data, &fc); err != nil {
			return Config{}, fmt.Errorf("parse toml config: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return Config{}, fmt.Errorf("parse yaml config: %w", err)
		}
	default:
		return Config{}, fmt.Errorf("unsupported config file extension %q", ext)
	}

	if err := fc.apply(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (fc *fileConfig) apply(cfg *Config) error {
	setString(&cfg.PostgresDSN, "POSTGRES_DSN", fc.Postgres.DSN)
	setString(&cfg.Neo4jURI, "NEO4J_URI", fc.Neo4j.URI)
	setString(&cfg.Neo4jUser, "NEO4J_USERNAME", fc.Neo4j.User)
	setString(&cfg.Neo4jPass, "NEO4J_PASSWORD", fc.Neo4j.Password)
	setString(&cfg.SQLitePath, "SQLITE_PATH", fc.SQLite.Path)
	setString(&cfg.ListenAddr, "LISTEN_ADDR", fc.Server.Listen)
	setString(&cfg.DataDir, "DATA_DIR", fc.DataDir)
	setString(&cfg.OllamaHost, "OLLAMA_HOST", fc.Ollama.Host)
	setString(&cfg.OpenAIAPIKey, "OPENAI_API_KEY", fc.OpenAI.APIKey)
	setString(&cfg.OpenAIBaseURL, "OPENAI_BASE_URL", fc.OpenAI.BaseURL)

	setString(&cfg.Embeddings.Provider, "EMBEDDINGS_PROVIDER", strings.ToLower(fc.Embeddings.Provider))
	setString(&cfg.Embeddings.Model, "EMBEDDINGS_MODEL", fc.Embeddings.Model)
	setInt(&cfg.Embeddings.Dimension, "EMBEDDINGS_DIMENSION", fc.Embeddings.Dimension)
	setFloat(&cfg.Embeddings.RequestsPerSecond, "EMBEDDINGS_RPS", fc.Embeddings.RequestsPerSecond)

	setString(&cfg.LLM.Provider, "LLM_PROVIDER", strings.ToLower(fc.LLM.Provider))
	setString(&cfg.LLM.Model, "LLM_MODEL", fc.LLM.Model)
	setFloat(&cfg.LLM.RequestsPerSecond, "LLM_RPS", fc.LLM.RequestsPerSecond)

	setBool(&cfg.Router.TruthEnabled, "ROUTER_TRUTH_ENABLED", fc.Router.TruthEnabled)
	setBool(&cfg.Router.FallbackEnabled, "ROUTER_FALLBACK_ENABLED", fc.Router.FallbackEnabled)

	setInt(&cfg.Search.Limit, "SEARCH_LIMIT", fc.Search.Limit)
	setInt(&cfg.Search.K, "SEARCH_RRF_K", fc.Search.K)
	if fc.Search.ModalityTimeout != "" && !envSet("SEARCH_MODALITY_TIMEOUT") {
		timeout, err := time.ParseDuration(fc.Search.ModalityTimeout)
		if err != nil {
			return fmt.Errorf("parse search.modality_timeout: %w", err)
		}
		cfg.Search.ModalityTimeout = timeout
	}

	setBool(&cfg.Auth.Required, "AUTH_REQUIRED", fc.Auth.Required)
	setString(&cfg.Auth.DevUserID, "DEV_USER_ID", fc.Auth.DevUserID)
	setString(&cfg.Auth.DevTenant, "DEV_TENANT_ID", fc.Auth.DevTenant)
	setList(&cfg.Auth.DevRoles, "DEV_ROLES", fc.Auth.DevRoles)
	setList(&cfg.Auth.DevGroups, "DEV_GROUPS", fc.Auth.DevGroups)
	setString(&cfg.Auth.DevProject, "DEV_PROJECT_ID", fc.Auth.DevProject)

	setInt(&cfg.Ingest.Workers, "INGEST_WORKERS", fc.Ingest.Workers)
	setList(&cfg.Ingest.Include, "INGEST_INCLUDE", fc.Ingest.Include)
	setList(&cfg.Ingest.Exclude, "INGEST_EXCLUDE", fc.Ingest.Exclude)
	return nil
}

func envSet(key string) bool {
	value, ok := os.LookupEnv(key)
	return ok && value != ""
}

func setString(dst *string, key, value string) {
	if value != "" && !envSet(key) {
		*dst = value
	}
}

func setInt(dst *int, key string, value int) {
	if value != 0 && !envSet(key) {
		*dst = value
	}
}

func setFloat(dst *float64, key string, value float64) {
	if value != 0 && !envSet(key) {
		*dst = value
	}
}

func setBool(dst *bool, key string, value *bool) {
	if value != nil && !envSet(key) {
		*dst = *value
	}
}

func setList(dst *[]string, key string, value []string) {
	if len(value) > 0 && !envSet(key) {
		*dst = append([]string(nil), value...)
	}
}
