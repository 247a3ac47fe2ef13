package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Embed     EmbedConfig
	Ollama    OllamaConfig
	Gemini    GeminiConfig
	Storage   StorageConfig
	Log       LogConfig
	Sources   SourcesConfig
	Retrieval RetrievalConfig
	Search    SearchConfig
	Index     IndexConfig
}

type ServerConfig struct {
	Port  int
	Token string
}

type EmbedConfig struct {
	Provider  string
	CacheSize int
}

type OllamaConfig struct {
	BaseURL    string
	EmbedModel string
}

type GeminiConfig struct {
	APIKey     string
	EmbedModel string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

type SourcesConfig struct {
	MinDelay              time.Duration
	RetryDelay            time.Duration
	RequestTimeout        time.Duration
	MaxAttempts           int
	SemanticScholarAPIKey string
	NCBIAPIKey            string
}

type RetrievalConfig struct {
	TaskTimeout time.Duration
	MaxPapers   int
}

type SearchConfig struct {
	DefaultK  int
	CacheSize int
}

type IndexConfig struct {
	EfSearch int
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Embed: EmbedConfig{
			Provider:  "ollama",
			CacheSize: 1000,
		},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			EmbedModel: "nomic-embed-text",
		},
		Gemini: GeminiConfig{
			EmbedModel: "text-embedding-004",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		Sources: SourcesConfig{
			MinDelay:       time.Second,
			RetryDelay:     2 * time.Second,
			RequestTimeout: 15 * time.Second,
			MaxAttempts:    3,
		},
		Retrieval: RetrievalConfig{
			TaskTimeout: 30 * time.Second,
			MaxPapers:   10,
		},
		Search: SearchConfig{
			DefaultK:  4,
			CacheSize: 256,
		},
		Index: IndexConfig{
			EfSearch: 20,
		},
	}
}

// EmbedModel returns the model name for the selected provider.
func (c Config) EmbedModel() string {
	if c.Embed.Provider == "gemini" {
		return c.Gemini.EmbedModel
	}
	return c.Ollama.EmbedModel
}

// IndexDir is where the vector index artifacts live.
func (c Config) IndexDir() string {
	return filepath.Join(c.Storage.DataDir, "index")
}

// SessionsDir is where telemetry session logs are written.
func (c Config) SessionsDir() string {
	return filepath.Join(c.Storage.DataDir, "sessions")
}

// Load reads configuration in increasing order of precedence: defaults, the
// YAML file at $XDG_CONFIG_HOME/litscout/config.yaml, a .env file in the
// working directory, then LITSCOUT_* environment variables. Secrets still
// missing after that are looked up in the platform secret store.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "[WARN] could not read .env: %v\n", err)
	}
	return loadWith(newFileBackend(configFilePath()), keychainReader{})
}

// keychain abstracts secret store access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	for _, s := range specs {
		if !s.secret || s.extract(cfg).(string) != "" {
			continue
		}
		if v, err := kc.Get(secretService, s.key); err == nil && v != "" {
			s.apply(&cfg, v)
		}
	}

	cfg.Embed.Provider = strings.ToLower(strings.TrimSpace(cfg.Embed.Provider))
	switch cfg.Embed.Provider {
	case "ollama":
	case "gemini":
		if cfg.Gemini.APIKey == "" {
			msg := "missing required config: Gemini API key. " +
				"Set it via environment variable LITSCOUT_GEMINI_API_KEY" +
				apiKeyHint()
			return Config{}, fmt.Errorf("%s", msg)
		}
	default:
		return Config{}, fmt.Errorf("invalid embed.provider %q: want ollama or gemini", cfg.Embed.Provider)
	}

	return cfg, nil
}

// keychainReader reads from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
