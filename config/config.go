package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
	// ProviderNone disables the collaborator; the dependent feature degrades.
	ProviderNone = "none"
)

type Config struct {
	PostgresDSN string
	Neo4jURI    string
	Neo4jUser   string
	Neo4jPass   string
	SQLitePath  string

	ListenAddr string
	DataDir    string

	OllamaHost    string
	OpenAIAPIKey  string
	OpenAIBaseURL string

	Embeddings EmbeddingConfig
	LLM        LLMConfig
	Router     RouterConfig
	Search     SearchConfig
	Auth       AuthConfig
	Ingest     IngestConfig
}

type EmbeddingConfig struct {
	Provider  string
	Model     string
	Dimension int
	// RequestsPerSecond throttles calls to the provider; zero means unlimited.
	RequestsPerSecond float64
}

type LLMConfig struct {
	Provider          string
	Model             string
	RequestsPerSecond float64
}

type RouterConfig struct {
	TruthEnabled    bool
	FallbackEnabled bool
}

type SearchConfig struct {
	Limit           int
	K               int
	ModalityTimeout time.Duration
}

// AuthConfig controls how request identities are resolved. With Required
// unset every request runs as the configured development user.
type AuthConfig struct {
	Required   bool
	DevUserID  string
	DevTenant  string
	DevRoles   []string
	DevGroups  []string
	DevProject string
}

type IngestConfig struct {
	Workers int
	Include []string
	Exclude []string
}

func Load() Config {
	return Config{
		PostgresDSN: getEnv("POSTGRES_DSN", "postgres://localhost:5432/docrouter?sslmode=disable"),
		Neo4jURI:    getEnv("NEO4J_URI", ""),
		Neo4jUser:   getEnv("NEO4J_USERNAME", "neo4j"),
		Neo4jPass:   getEnv("NEO4J_PASSWORD", "password"),
		SQLitePath:  getEnv("SQLITE_PATH", ""),

		ListenAddr: getEnv("LISTEN_ADDR", ":8080"),
		DataDir:    getEnv("DATA_DIR", "./data"),

		OllamaHost:    getEnv("OLLAMA_HOST", "http://localhost:11434"),
		OpenAIAPIKey:  getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL: getEnv("OPENAI_BASE_URL", ""),

		Embeddings: EmbeddingConfig{
			Provider:          strings.ToLower(getEnv("EMBEDDINGS_PROVIDER", ProviderOllama)),
			Model:             getEnv("EMBEDDINGS_MODEL", "nomic-embed-text"),
			Dimension:         getEnvInt("EMBEDDINGS_DIMENSION", 768),
			RequestsPerSecond: getEnvFloat("EMBEDDINGS_RPS", 0),
		},
		LLM: LLMConfig{
			Provider:          strings.ToLower(getEnv("LLM_PROVIDER", ProviderOllama)),
			Model:             getEnv("LLM_MODEL", "llama3.1:8b"),
			RequestsPerSecond: getEnvFloat("LLM_RPS", 0),
		},
		Router: RouterConfig{
			TruthEnabled:    getEnvBool("ROUTER_TRUTH_ENABLED", true),
			FallbackEnabled: getEnvBool("ROUTER_FALLBACK_ENABLED", true),
		},
		Search: SearchConfig{
			Limit:           getEnvInt("SEARCH_LIMIT", 20),
			K:               getEnvInt("SEARCH_RRF_K", 60),
			ModalityTimeout: getEnvDuration("SEARCH_MODALITY_TIMEOUT", 10*time.Second),
		},
		Auth: AuthConfig{
			Required:   getEnvBool("AUTH_REQUIRED", false),
			DevUserID:  getEnv("DEV_USER_ID", "dev-user"),
			DevTenant:  getEnv("DEV_TENANT_ID", "default"),
			DevRoles:   getEnvList("DEV_ROLES", []string{"admin"}),
			DevGroups:  getEnvList("DEV_GROUPS", nil),
			DevProject: getEnv("DEV_PROJECT_ID", ""),
		},
		Ingest: IngestConfig{
			Workers: getEnvInt("INGEST_WORKERS", 4),
			Include: getEnvList("INGEST_INCLUDE", nil),
			Exclude: getEnvList("INGEST_EXCLUDE", []string{"**/.*", "**/.*/**"}),
		},
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvList(key string, fallback []string) []string {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	return splitList(value)
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
