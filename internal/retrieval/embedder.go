package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kalambet/litscout/internal/engine"
)

// DefaultEmbedCacheSize bounds the single-text embedding cache.
const DefaultEmbedCacheSize = 1000

// ErrDimensionMismatch is returned when a vector's length differs from the
// dimensionality fixed by the first vector (or by a loaded index).
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Embedder wraps an Engine to generate text embeddings of a fixed dimensionality.
type Embedder struct {
	engine engine.Engine
	model  string
	cache  *lru.Cache[string, []float32]

	mu   sync.Mutex
	dims int
}

// NewEmbedder creates an Embedder using the given Engine and model name.
// cacheSize <= 0 selects DefaultEmbedCacheSize.
func NewEmbedder(e engine.Engine, model string, cacheSize int) *Embedder {
	if cacheSize <= 0 {
		cacheSize = DefaultEmbedCacheSize
	}
	cache, _ := lru.New[string, []float32](cacheSize)
	return &Embedder{engine: e, model: model, cache: cache}
}

// ModelName returns the embedding model name.
func (e *Embedder) ModelName() string { return e.model }

// Dimensions returns the vector length, or 0 before the first embedding.
func (e *Embedder) Dimensions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dims
}

// ExpectDimensions pins the dimensionality, typically to the value recorded
// by a persisted index. It fails if a different size was already observed.
func (e *Embedder) ExpectDimensions(d int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dims != 0 && e.dims != d {
		return fmt.Errorf("%w: have %d, index has %d", ErrDimensionMismatch, e.dims, d)
	}
	e.dims = d
	return nil
}

func (e *Embedder) check(vec []float32) error {
	if len(vec) == 0 {
		return errors.New("empty embedding vector")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dims == 0 {
		e.dims = len(vec)
		return nil
	}
	if len(vec) != e.dims {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), e.dims)
	}
	return nil
}

func (e *Embedder) cacheKey(text string) string {
	sum := sha256.Sum256([]byte(e.model + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

// Embed returns the embedding vector for a single text. Results are cached;
// callers receive their own copy.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := e.cacheKey(text)
	if vec, ok := e.cache.Get(key); ok {
		return append([]float32(nil), vec...), nil
	}

	vec, err := e.engine.Embed(ctx, e.model, text)
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	if err := e.check(vec); err != nil {
		return nil, err
	}
	e.cache.Add(key, append([]float32(nil), vec...))
	return vec, nil
}

// EmbedBatch returns one vector per text from a single engine call.
// Returns nil (not error) for empty/nil input.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vecs, err := e.engine.EmbedBatch(ctx, e.model, texts)
	if err != nil {
		return nil, fmt.Errorf("embedding %d texts: %w", len(texts), err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("embedding %d texts: engine returned %d vectors", len(texts), len(vecs))
	}
	for i, v := range vecs {
		if err := e.check(v); err != nil {
			return nil, fmt.Errorf("embedding text %d: %w", i, err)
		}
	}
	return vecs, nil
}
