package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// DefaultGeminiEmbedModel is used when no Gemini model is configured.
const DefaultGeminiEmbedModel = "text-embedding-004"

// ErrUnavailable is returned when a backend lacks the credentials it needs.
var ErrUnavailable = errors.New("embedding backend unavailable")

// embedContentFunc performs one EmbedContent call. It is swapped in tests.
type embedContentFunc func(ctx context.Context, model string, contents []*genai.Content) ([][]float32, error)

// GeminiEngine embeds text through the Gemini API.
type GeminiEngine struct {
	apiKey string
	embed  embedContentFunc
}

// NewGeminiEngine creates a Gemini-backed engine. An empty API key yields an
// engine whose IsRunning reports false and whose calls fail with ErrUnavailable.
func NewGeminiEngine(ctx context.Context, apiKey string) (*GeminiEngine, error) {
	apiKey = strings.TrimSpace(apiKey)
	e := &GeminiEngine{apiKey: apiKey}
	if apiKey == "" {
		return e, nil
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	e.embed = func(ctx context.Context, model string, contents []*genai.Content) ([][]float32, error) {
		resp, err := client.Models.EmbedContent(ctx, model, contents, nil)
		if err != nil {
			return nil, err
		}
		out := make([][]float32, len(resp.Embeddings))
		for i, emb := range resp.Embeddings {
			if emb == nil {
				return nil, fmt.Errorf("embedding %d missing from response", i)
			}
			out[i] = emb.Values
		}
		return out, nil
	}
	return e, nil
}

func (e *GeminiEngine) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, model, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch sends one content per text in a single EmbedContent call.
func (e *GeminiEngine) EmbedBatch(ctx context.Context, model string, texts []string) ([][]float32, error) {
	if e.embed == nil {
		return nil, ErrUnavailable
	}
	if len(texts) == 0 {
		return nil, nil
	}
	contents := make([]*genai.Content, len(texts))
	for i, t := range texts {
		contents[i] = &genai.Content{Parts: []*genai.Part{{Text: t}}}
	}

	vecs, err := e.embed(ctx, model, contents)
	if err != nil {
		return nil, fmt.Errorf("gemini embed: %w", err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("gemini embed: got %d embeddings for %d inputs", len(vecs), len(texts))
	}
	return vecs, nil
}

// IsRunning reports whether an API key is configured.
func (e *GeminiEngine) IsRunning(_ context.Context) bool {
	return e.embed != nil
}

// HasModel treats every model as available; the API validates names per call.
func (e *GeminiEngine) HasModel(_ context.Context, _ string) bool {
	return e.embed != nil
}

// PullModel is a no-op for hosted models.
func (e *GeminiEngine) PullModel(_ context.Context, _ string, onProgress func(PullProgress)) error {
	if onProgress != nil {
		onProgress(PullProgress{Status: "hosted"})
	}
	return nil
}
