package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// TestDefaults verifies all default values are applied when loading an empty config file.
func TestDefaults(t *testing.T) {
	path := writeTempConfig(t, `# empty`)

	cfg, err := loadFromPath(path)
	require.NoError(t, err)

	assert.Equal(t, 4100, cfg.Server.Port)
	assert.Equal(t, "fs", cfg.Artifacts.Backend)
	assert.Equal(t, 10, cfg.Chat.RateLimit)
	assert.Equal(t, 10*time.Second, cfg.Chat.Timeout)
	assert.Equal(t, 10, cfg.Chat.HistoryWindow)
	assert.Equal(t, 50<<20, cfg.Upload.MaxBytes)
	assert.Equal(t, 5, cfg.Upload.MaxConcurrent)
	assert.Equal(t, 30, cfg.Retention.Days)
	assert.Equal(t, "", cfg.Cache.RedisAddr)
	assert.Equal(t, "openrouter", cfg.Proxy.Backend)
	assert.False(t, cfg.Retrieval.Rerank)
	assert.Equal(t, 5*time.Second, cfg.Retrieval.RerankTimeout)
	assert.True(t, cfg.Log.Redact)
}

// TestEnvOverride verifies that environment variables override config file values.
func TestEnvOverride(t *testing.T) {
	path := writeTempConfig(t, `[proxy]
openrouter_api_key = "file-key"

[chat]
rate_limit = 20
`)

	t.Setenv("LEARND_OPENROUTER_API_KEY", "env-key")
	t.Setenv("LEARND_CHAT_RATE_LIMIT", "3")
	t.Setenv("LEARND_CHAT_TIMEOUT", "250ms")

	cfg, err := loadFromPath(path)
	require.NoError(t, err)

	assert.Equal(t, "env-key", cfg.Proxy.OpenRouterAPIKey)
	assert.Equal(t, 3, cfg.Chat.RateLimit)
	assert.Equal(t, 250*time.Millisecond, cfg.Chat.Timeout)
}

func TestEnvOverride_InvalidValueKeepsDefault(t *testing.T) {
	path := writeTempConfig(t, ``)
	t.Setenv("LEARND_SERVER_PORT", "not-a-number")
	t.Setenv("LEARND_UPLOAD_QUEUE_WAIT", "-1s")

	cfg, err := loadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, 4100, cfg.Server.Port)
	assert.Equal(t, 2*time.Second, cfg.Upload.QueueWait)
}

// TestTOMLParsing verifies that fields are correctly read from a TOML file.
func TestTOMLParsing(t *testing.T) {
	content := `
[server]
port = 5000
mcp = true

[storage]
data_dir = "/tmp/learnd-test"

[artifacts]
backend = "gcs"
gcs_bucket = "learnd-artifacts"

[content]
workers = 8
poll_interval = "500ms"

[cache]
redis_addr = "localhost:6379"

[retrieval]
rerank = true
rerank_timeout = "2s"

[proxy]
openrouter_api_key = "toml-key-123"
default_model = "openai/gpt-4o"
`
	path := writeTempConfig(t, content)

	cfg, err := loadFromPath(path)
	require.NoError(t, err)

	assert.Equal(t, 5000, cfg.Server.Port)
	assert.True(t, cfg.Server.MCP)
	assert.Equal(t, "/tmp/learnd-test", cfg.Storage.DataDir)
	assert.Equal(t, "gcs", cfg.Artifacts.Backend)
	assert.Equal(t, "learnd-artifacts", cfg.Artifacts.GCSBucket)
	assert.Equal(t, 8, cfg.Content.Workers)
	assert.Equal(t, 500*time.Millisecond, cfg.Content.PollInterval)
	assert.Equal(t, "localhost:6379", cfg.Cache.RedisAddr)
	assert.True(t, cfg.Retrieval.Rerank)
	assert.Equal(t, 2*time.Second, cfg.Retrieval.RerankTimeout)
	assert.Equal(t, "toml-key-123", cfg.Proxy.OpenRouterAPIKey)
	assert.Equal(t, "openai/gpt-4o", cfg.Proxy.DefaultModel)
	assert.NoError(t, RequireServerSecrets(cfg))
}

func TestRequireServerSecrets(t *testing.T) {
	cfg := defaults()
	err := RequireServerSecrets(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing required config")

	cfg.Proxy.OpenRouterAPIKey = "k"
	cfg.Artifacts.Backend = "gcs"
	assert.Error(t, RequireServerSecrets(cfg))
}

func TestRequireServerSecrets_OllamaNeedsNoKey(t *testing.T) {
	t.Setenv("LEARND_PROXY_BACKEND", "ollama")
	t.Setenv("LEARND_OLLAMA_MODEL", "qwen2.5:7b")

	cfg, err := loadFromPath(writeTempConfig(t, `# empty`))
	require.NoError(t, err)
	assert.Equal(t, "ollama", cfg.Proxy.Backend)
	assert.Equal(t, "qwen2.5:7b", cfg.Ollama.Model)
	assert.NoError(t, RequireServerSecrets(cfg))

	cfg.Proxy.Backend = "bedrock"
	assert.ErrorContains(t, RequireServerSecrets(cfg), "unknown proxy.backend")
}

func TestSetKey_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "learnd", "config.toml")
	b := newFileBackend(path)

	require.NoError(t, setKeyIn(b, "server.port", "4200"))
	require.NoError(t, setKeyIn(b, "chat.timeout", "15s"))
	require.NoError(t, setKeyIn(b, "log.redact", "false"))

	cfg, err := loadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, 4200, cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Chat.Timeout)
	assert.False(t, cfg.Log.Redact)
}

func TestSetKey_Rejects(t *testing.T) {
	b := newFileBackend(filepath.Join(t.TempDir(), "config.toml"))

	assert.ErrorContains(t, setKeyIn(b, "proxy.openrouter_api_key", "x"), "cannot set secret")
	assert.ErrorContains(t, setKeyIn(b, "nope.key", "x"), "unknown config key")
	assert.ErrorContains(t, setKeyIn(b, "server.port", "abc"), "invalid integer")
	assert.ErrorContains(t, setKeyIn(b, "chat.timeout", "soon"), "invalid value")
}

func TestShowAllHidesSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Proxy.OpenRouterAPIKey = "sk-secret"
	for _, k := range ShowAll(cfg) {
		assert.NotEqual(t, "proxy.openrouter_api_key", k.Key)
		assert.NotEqual(t, "sk-secret", k.Value)
	}
	assert.NotContains(t, ValidKeys(), "websearch.tavily_api_key")
	assert.Contains(t, ValidKeys(), "retention.days")
}
