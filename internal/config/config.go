package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Artifacts ArtifactsConfig
	Content   ContentConfig
	Chat      ChatConfig
	Upload    UploadConfig
	Retention RetentionConfig
	Proxy     ProxyConfig
	Ollama    OllamaConfig
	Retrieval RetrievalConfig
	WebSearch WebSearchConfig
	Renderer  RendererConfig
	Cache     CacheConfig
	Log       LogConfig
}

type ServerConfig struct {
	Host string
	Port int
	MCP  bool
}

type StorageConfig struct {
	DataDir string
}

// ArtifactsConfig selects where generated files live. Backend is "fs" or "gcs".
type ArtifactsConfig struct {
	Backend   string
	Dir       string
	GCSBucket string
}

type ContentConfig struct {
	Workers           int
	PollInterval      time.Duration
	GenerationTimeout time.Duration
}

type ChatConfig struct {
	RateLimit     int
	Timeout       time.Duration
	HistoryWindow int
	TopK          int
}

type UploadConfig struct {
	MaxBytes      int
	MaxConcurrent int
	QueueWait     time.Duration
}

type RetentionConfig struct {
	Days     int
	Interval time.Duration
}

// ProxyConfig selects the language model backend. Backend is "openrouter"
// or "ollama".
type ProxyConfig struct {
	Backend          string
	OpenRouterAPIKey string
	BaseURL          string
	DefaultModel     string
}

type OllamaConfig struct {
	BaseURL string
	Model   string
}

type RetrievalConfig struct {
	BaseURL string
	// Rerank re-scores retrieved chunks with the generator before they
	// reach a prompt.
	Rerank        bool
	RerankTimeout time.Duration
}

type WebSearchConfig struct {
	TavilyAPIKey string
	BaseURL      string
}

type RendererConfig struct {
	BaseURL string
}

// CacheConfig configures the session live-memory cache. An empty RedisAddr
// selects the in-process LRU.
type CacheConfig struct {
	RedisAddr string
	Size      int
	TTL       time.Duration
}

type LogConfig struct {
	Level  string
	Mode   string
	Redact bool
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: dataDir,
		},
		Artifacts: ArtifactsConfig{
			Backend: "fs",
			Dir:     filepath.Join(dataDir, "content"),
		},
		Content: ContentConfig{
			Workers:           4,
			PollInterval:      2 * time.Second,
			GenerationTimeout: 10 * time.Minute,
		},
		Chat: ChatConfig{
			RateLimit:     10,
			Timeout:       10 * time.Second,
			HistoryWindow: 10,
			TopK:          5,
		},
		Upload: UploadConfig{
			MaxBytes:      50 << 20,
			MaxConcurrent: 5,
			QueueWait:     2 * time.Second,
		},
		Retention: RetentionConfig{
			Days:     30,
			Interval: 24 * time.Hour,
		},
		Proxy: ProxyConfig{
			Backend:      "openrouter",
			BaseURL:      "https://openrouter.ai/api/v1",
			DefaultModel: "openai/gpt-4o-mini",
		},
		Ollama: OllamaConfig{
			BaseURL: "http://localhost:11434",
			Model:   "llama3.1",
		},
		Retrieval: RetrievalConfig{
			BaseURL:       "http://127.0.0.1:8001",
			RerankTimeout: 5 * time.Second,
		},
		WebSearch: WebSearchConfig{
			BaseURL: "https://api.tavily.com",
		},
		Renderer: RendererConfig{
			BaseURL: "http://127.0.0.1:8002",
		},
		Cache: CacheConfig{
			Size: 1024,
			TTL:  time.Hour,
		},
		Log: LogConfig{
			Level:  "info",
			Mode:   "development",
			Redact: true,
		},
	}
}

// Load reads configuration from $XDG_CONFIG_HOME/learnd/config.toml and then
// applies LEARND_* environment overrides. Secrets may come from either, but
// `learnd config set` refuses to write them.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()))
}

func loadFromPath(path string) (Config, error) {
	return loadWith(newFileBackend(path))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

// RequireServerSecrets reports a clear error when a key needed to run the
// server is absent.
func RequireServerSecrets(cfg Config) error {
	switch cfg.Proxy.Backend {
	case "ollama":
	case "", "openrouter":
		if cfg.Proxy.OpenRouterAPIKey == "" {
			return fmt.Errorf("missing required config: OpenRouter API key. " +
				"Set it via environment variable LEARND_OPENROUTER_API_KEY")
		}
	default:
		return fmt.Errorf("unknown proxy.backend %q: want openrouter or ollama", cfg.Proxy.Backend)
	}
	if cfg.Artifacts.Backend == "gcs" && cfg.Artifacts.GCSBucket == "" {
		return fmt.Errorf("missing required config: artifacts.gcs_bucket must be set when artifacts.backend is gcs")
	}
	return nil
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "learnd-data"
		}
	}
	return filepath.Join(dir, "learnd")
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "learnd", "config.toml")
}
