package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("EMBEDDINGS_PROVIDER", "")
	t.Setenv("ROUTER_FALLBACK_ENABLED", "")

	cfg := Load()

	assert.Equal(t, ProviderOllama, cfg.Embeddings.Provider)
	assert.True(t, cfg.Router.TruthEnabled)
	assert.True(t, cfg.Router.FallbackEnabled)
	assert.Equal(t, 60, cfg.Search.K)
	assert.Equal(t, 10*time.Second, cfg.Search.ModalityTimeout)
	assert.Equal(t, []string{"admin"}, cfg.Auth.DevRoles)
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("ROUTER_FALLBACK_ENABLED", "false")
	t.Setenv("SEARCH_RRF_K", "30")
	t.Setenv("DEV_GROUPS", "eng, ops ,")

	cfg := Load()

	assert.False(t, cfg.Router.FallbackEnabled)
	assert.Equal(t, 30, cfg.Search.K)
	assert.Equal(t, []string{"eng", "ops"}, cfg.Auth.DevGroups)
}

func TestLoadFileTOMLRespectsEnvironment(t *testing.T) {
	t.Setenv("SEARCH_RRF_K", "")
	t.Setenv("LLM_MODEL", "from-env")

	path := filepath.Join(t.TempDir(), "docrouter.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[search]
k = 42
modality_timeout = "3s"

[llm]
model = "from-file"

[router]
fallback_enabled = false
`), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, 42, cfg.Search.K)
	assert.Equal(t, 3*time.Second, cfg.Search.ModalityTimeout)
	assert.Equal(t, "from-env", cfg.LLM.Model)
	assert.False(t, cfg.Router.FallbackEnabled)
}

func TestLoadFileYAML(t *testing.T) {
	t.Setenv("DEV_TENANT_ID", "")

	path := filepath.Join(t.TempDir(), "docrouter.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
auth:
  required: true
  dev_tenant_id: acme
ingest:
  workers: 8
  include: ["**/*.pdf"]
`), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.True(t, cfg.Auth.Required)
	assert.Equal(t, "acme", cfg.Auth.DevTenant)
	assert.Equal(t, 8, cfg.Ingest.Workers)
	assert.Equal(t, []string{"**/*.pdf"}, cfg.Ingest.Include)
}

func TestLoadFileRejectsUnknownExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docrouter.ini")
	require.NoError(t, os.WriteFile(path, []byte("k=1"), 0o600))

	_, err := LoadFile(path)
	require.Error(t, err)
}
