package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.host", typ: kString, env: "LEARND_SERVER_HOST",
		apply:   func(cfg *Config, v any) { cfg.Server.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Host },
	},
	{
		key: "server.port", typ: kInt, env: "LEARND_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.mcp", typ: kBool, env: "LEARND_SERVER_MCP",
		apply:   func(cfg *Config, v any) { cfg.Server.MCP = v.(bool) },
		extract: func(cfg Config) any { return cfg.Server.MCP },
	},
	{
		key: "storage.data_dir", typ: kString, env: "LEARND_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "artifacts.backend", typ: kString, env: "LEARND_ARTIFACTS_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Artifacts.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Artifacts.Backend },
	},
	{
		key: "artifacts.dir", typ: kString, env: "LEARND_ARTIFACTS_DIR",
		apply:   func(cfg *Config, v any) { cfg.Artifacts.Dir = v.(string) },
		extract: func(cfg Config) any { return cfg.Artifacts.Dir },
	},
	{
		key: "artifacts.gcs_bucket", typ: kString, env: "LEARND_ARTIFACTS_GCS_BUCKET",
		apply:   func(cfg *Config, v any) { cfg.Artifacts.GCSBucket = v.(string) },
		extract: func(cfg Config) any { return cfg.Artifacts.GCSBucket },
	},
	{
		key: "content.workers", typ: kInt, env: "LEARND_CONTENT_WORKERS",
		apply:   func(cfg *Config, v any) { cfg.Content.Workers = v.(int) },
		extract: func(cfg Config) any { return cfg.Content.Workers },
	},
	{
		key: "content.poll_interval", typ: kDuration, env: "LEARND_CONTENT_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Content.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Content.PollInterval },
	},
	{
		key: "content.generation_timeout", typ: kDuration, env: "LEARND_CONTENT_GENERATION_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Content.GenerationTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Content.GenerationTimeout },
	},
	{
		key: "chat.rate_limit", typ: kInt, env: "LEARND_CHAT_RATE_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Chat.RateLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Chat.RateLimit },
	},
	{
		key: "chat.timeout", typ: kDuration, env: "LEARND_CHAT_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Chat.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Chat.Timeout },
	},
	{
		key: "chat.history_window", typ: kInt, env: "LEARND_CHAT_HISTORY_WINDOW",
		apply:   func(cfg *Config, v any) { cfg.Chat.HistoryWindow = v.(int) },
		extract: func(cfg Config) any { return cfg.Chat.HistoryWindow },
	},
	{
		key: "chat.top_k", typ: kInt, env: "LEARND_CHAT_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Chat.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Chat.TopK },
	},
	{
		key: "upload.max_bytes", typ: kInt, env: "LEARND_UPLOAD_MAX_BYTES",
		apply:   func(cfg *Config, v any) { cfg.Upload.MaxBytes = v.(int) },
		extract: func(cfg Config) any { return cfg.Upload.MaxBytes },
	},
	{
		key: "upload.max_concurrent", typ: kInt, env: "LEARND_UPLOAD_MAX_CONCURRENT",
		apply:   func(cfg *Config, v any) { cfg.Upload.MaxConcurrent = v.(int) },
		extract: func(cfg Config) any { return cfg.Upload.MaxConcurrent },
	},
	{
		key: "upload.queue_wait", typ: kDuration, env: "LEARND_UPLOAD_QUEUE_WAIT",
		apply:   func(cfg *Config, v any) { cfg.Upload.QueueWait = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Upload.QueueWait },
	},
	{
		key: "retention.days", typ: kInt, env: "LEARND_RETENTION_DAYS",
		apply:   func(cfg *Config, v any) { cfg.Retention.Days = v.(int) },
		extract: func(cfg Config) any { return cfg.Retention.Days },
	},
	{
		key: "retention.interval", typ: kDuration, env: "LEARND_RETENTION_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Retention.Interval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Retention.Interval },
	},
	{
		key: "proxy.backend", typ: kString, env: "LEARND_PROXY_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Proxy.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Proxy.Backend },
	},
	{
		key: "proxy.openrouter_api_key", typ: kString, env: "LEARND_OPENROUTER_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Proxy.OpenRouterAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Proxy.OpenRouterAPIKey },
	},
	{
		key: "proxy.base_url", typ: kString, env: "LEARND_PROXY_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Proxy.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Proxy.BaseURL },
	},
	{
		key: "proxy.default_model", typ: kString, env: "LEARND_PROXY_DEFAULT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Proxy.DefaultModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Proxy.DefaultModel },
	},
	{
		key: "ollama.base_url", typ: kString, env: "LEARND_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.model", typ: kString, env: "LEARND_OLLAMA_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.Model },
	},
	{
		key: "retrieval.base_url", typ: kString, env: "LEARND_RETRIEVAL_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Retrieval.BaseURL },
	},
	{
		key: "retrieval.rerank", typ: kBool, env: "LEARND_RETRIEVAL_RERANK",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.Rerank = v.(bool) },
		extract: func(cfg Config) any { return cfg.Retrieval.Rerank },
	},
	{
		key: "retrieval.rerank_timeout", typ: kDuration, env: "LEARND_RETRIEVAL_RERANK_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.RerankTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Retrieval.RerankTimeout },
	},
	{
		key: "websearch.tavily_api_key", typ: kString, env: "LEARND_TAVILY_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.WebSearch.TavilyAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.WebSearch.TavilyAPIKey },
	},
	{
		key: "websearch.base_url", typ: kString, env: "LEARND_WEBSEARCH_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.WebSearch.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.WebSearch.BaseURL },
	},
	{
		key: "renderer.base_url", typ: kString, env: "LEARND_RENDERER_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Renderer.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Renderer.BaseURL },
	},
	{
		key: "cache.redis_addr", typ: kString, env: "LEARND_CACHE_REDIS_ADDR",
		apply:   func(cfg *Config, v any) { cfg.Cache.RedisAddr = v.(string) },
		extract: func(cfg Config) any { return cfg.Cache.RedisAddr },
	},
	{
		key: "cache.size", typ: kInt, env: "LEARND_CACHE_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Cache.Size = v.(int) },
		extract: func(cfg Config) any { return cfg.Cache.Size },
	},
	{
		key: "cache.ttl", typ: kDuration, env: "LEARND_CACHE_TTL",
		apply:   func(cfg *Config, v any) { cfg.Cache.TTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Cache.TTL },
	},
	{
		key: "log.level", typ: kString, env: "LEARND_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.mode", typ: kString, env: "LEARND_LOG_MODE",
		apply:   func(cfg *Config, v any) { cfg.Log.Mode = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Mode },
	},
	{
		key: "log.redact", typ: kBool, env: "LEARND_LOG_REDACT",
		apply:   func(cfg *Config, v any) { cfg.Log.Redact = v.(bool) },
		extract: func(cfg Config) any { return cfg.Log.Redact },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}
		v, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || v == "" {
			continue
		}
		if parsed, err := parseValue(s.typ, v); err == nil {
			s.apply(cfg, parsed)
		} else {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, v, err)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		if parsed, err := parseValue(s.typ, raw); err == nil {
			s.apply(cfg, parsed)
		} else {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
		}
	}
}

func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kDuration:
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, err
		}
		if d <= 0 {
			return nil, fmt.Errorf("duration must be positive")
		}
		return d, nil
	default:
		return raw, nil
	}
}
