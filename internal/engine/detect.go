package engine

import (
	"context"
	"fmt"
)

const (
	ProviderOllama = "ollama"
	ProviderGemini = "gemini"
)

// DetectConfig holds parameters for backend selection.
type DetectConfig struct {
	Provider      string
	OllamaBaseURL string
	GeminiAPIKey  string
}

// Detect returns the embedding backend named by cfg.Provider. An empty
// provider selects Ollama.
func Detect(ctx context.Context, cfg DetectConfig) (Engine, error) {
	switch cfg.Provider {
	case "", ProviderOllama:
		return NewOllamaEngine(cfg.OllamaBaseURL), nil
	case ProviderGemini:
		if cfg.GeminiAPIKey == "" {
			return nil, fmt.Errorf("gemini provider selected but no API key configured: %w", ErrUnavailable)
		}
		return NewGeminiEngine(ctx, cfg.GeminiAPIKey)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}
