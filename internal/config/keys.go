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
		key: "server.port", typ: kInt, env: "LITSCOUT_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.token", typ: kString, env: "LITSCOUT_SERVER_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Token },
	},
	{
		key: "embed.provider", typ: kString, env: "LITSCOUT_EMBED_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Embed.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Embed.Provider },
	},
	{
		key: "embed.cache_size", typ: kInt, env: "LITSCOUT_EMBED_CACHE_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Embed.CacheSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Embed.CacheSize },
	},
	{
		key: "ollama.base_url", typ: kString, env: "LITSCOUT_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.embed_model", typ: kString, env: "LITSCOUT_OLLAMA_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedModel },
	},
	{
		key: "gemini.embed_model", typ: kString, env: "LITSCOUT_GEMINI_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Gemini.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Gemini.EmbedModel },
	},
	{
		key: "gemini.api_key", typ: kString, env: "LITSCOUT_GEMINI_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Gemini.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Gemini.APIKey },
	},
	{
		key: "storage.data_dir", typ: kString, env: "LITSCOUT_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "LITSCOUT_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "sources.min_delay", typ: kDuration, env: "LITSCOUT_SOURCES_MIN_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Sources.MinDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sources.MinDelay },
	},
	{
		key: "sources.retry_delay", typ: kDuration, env: "LITSCOUT_SOURCES_RETRY_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Sources.RetryDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sources.RetryDelay },
	},
	{
		key: "sources.request_timeout", typ: kDuration, env: "LITSCOUT_SOURCES_REQUEST_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Sources.RequestTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sources.RequestTimeout },
	},
	{
		key: "sources.max_attempts", typ: kInt, env: "LITSCOUT_SOURCES_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Sources.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Sources.MaxAttempts },
	},
	{
		key: "sources.semantic_scholar_api_key", typ: kString, env: "LITSCOUT_SEMANTIC_SCHOLAR_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Sources.SemanticScholarAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Sources.SemanticScholarAPIKey },
	},
	{
		key: "sources.ncbi_api_key", typ: kString, env: "LITSCOUT_NCBI_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Sources.NCBIAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Sources.NCBIAPIKey },
	},
	{
		key: "retrieval.task_timeout", typ: kDuration, env: "LITSCOUT_RETRIEVAL_TASK_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.TaskTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Retrieval.TaskTimeout },
	},
	{
		key: "retrieval.max_papers", typ: kInt, env: "LITSCOUT_RETRIEVAL_MAX_PAPERS",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.MaxPapers = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.MaxPapers },
	},
	{
		key: "search.default_k", typ: kInt, env: "LITSCOUT_SEARCH_DEFAULT_K",
		apply:   func(cfg *Config, v any) { cfg.Search.DefaultK = v.(int) },
		extract: func(cfg Config) any { return cfg.Search.DefaultK },
	},
	{
		key: "search.cache_size", typ: kInt, env: "LITSCOUT_SEARCH_CACHE_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Search.CacheSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Search.CacheSize },
	},
	{
		key: "index.ef_search", typ: kInt, env: "LITSCOUT_INDEX_EF_SEARCH",
		apply:   func(cfg *Config, v any) { cfg.Index.EfSearch = v.(int) },
		extract: func(cfg Config) any { return cfg.Index.EfSearch },
	},
}

// parse converts raw text into the value type of the key.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool, kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if pv, err := s.parse(v); err == nil {
					s.apply(cfg, pv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
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
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
