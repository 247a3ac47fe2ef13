package retrieval

import (
	"context"
	"time"

	"github.com/kalambet/litscout/internal/papers"
)

// VectorStore is the durable home of indexed chunks. The HNSW graph is an
// acceleration structure rebuilt from it when needed, so every chunk the
// index knows about must be present here.
type VectorStore interface {
	// Insert adds chunks in one transaction.
	Insert(ctx context.Context, chunks []Chunk) error

	// Search performs exact cosine similarity search, returning the top-K chunks.
	Search(ctx context.Context, vector []float32, topK int) ([]ScoredChunk, error)

	// GetByKeys returns the chunks with the given node keys, in no particular order.
	GetByKeys(ctx context.Context, keys []uint64) ([]Chunk, error)

	// All returns every chunk in insertion order.
	All(ctx context.Context) ([]Chunk, error)

	// Count returns the number of stored chunks.
	Count(ctx context.Context) (int, error)

	// Reset deletes every chunk.
	Reset(ctx context.Context) error
}

// Chunk is one indexed window of paper text with its embedding. Key doubles
// as the HNSW node key and the insertion sequence number.
type Chunk struct {
	Key       uint64
	Text      string
	Meta      papers.Metadata
	Embedding []float32
	Model     string
	CreatedAt time.Time
}

// ScoredChunk is a Chunk with a cosine similarity score attached.
type ScoredChunk struct {
	Chunk
	Score float32
}
