package retrieval

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/kalambet/litscout/internal/papers"
)

// Compile-time check that SQLiteStore implements VectorStore.
var _ VectorStore = (*SQLiteStore)(nil)

// SQLiteStore keeps chunks in the chunks table and offers brute-force cosine
// search over them. The index uses the search as a fallback when the HNSW
// graph returns too few candidates.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an existing *sql.DB for vector operations.
// The chunks table must already exist (created via migrations).
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

const chunkColumns = `node_key, text, title, source, authors, year, url, embedding, model, created_at`

// Insert adds chunks to the chunks table.
func (s *SQLiteStore) Insert(ctx context.Context, chunks []Chunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning insert transaction: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO chunks (`+chunkColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		createdAt := c.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		if _, err := stmt.ExecContext(ctx,
			int64(c.Key), c.Text, c.Meta.Title, string(c.Meta.Source), c.Meta.Authors, c.Meta.Year, c.Meta.URL,
			encodeFloat32s(c.Embedding), c.Model, createdAt.Format(time.RFC3339),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting chunk %d: %w", c.Key, err)
		}
	}

	return tx.Commit()
}

// keyScore holds only the key and score during the scan phase of Search.
// Full chunk details are fetched only for top-K winners.
type keyScore struct {
	Key   uint64
	Score float32
}

// Search performs brute-force cosine similarity search over all vectors,
// returning the top-K most similar chunks ordered by score, ties broken by
// insertion order.
func (s *SQLiteStore) Search(ctx context.Context, vector []float32, topK int) ([]ScoredChunk, error) {
	if topK <= 0 {
		return nil, nil
	}
	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	// Phase 1: scan only key + embedding to find top-K candidates.
	rows, err := s.db.QueryContext(ctx, `SELECT node_key, embedding FROM chunks ORDER BY node_key ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	h := &keyScoreHeap{}
	heap.Init(h)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32

	for rows.Next() {
		var key int64
		var blob []byte
		if err := rows.Scan(&key, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %d: %w", key, err)
		}

		item := keyScore{Key: uint64(key), Score: dotProduct(vector, buf, queryNorm)}
		if h.Len() < topK {
			heap.Push(h, item)
		} else if worse((*h)[0], item) {
			(*h)[0] = item
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	if h.Len() == 0 {
		return nil, nil
	}

	// Phase 2: fetch full chunks only for the top-K keys.
	keys := make([]uint64, h.Len())
	scores := make(map[uint64]float32, h.Len())
	for i := len(keys) - 1; i >= 0; i-- {
		item := heap.Pop(h).(keyScore)
		keys[i] = item.Key
		scores[item.Key] = item.Score
	}

	chunks, err := s.GetByKeys(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("fetching top-K chunks: %w", err)
	}

	results := make([]ScoredChunk, 0, len(chunks))
	for _, c := range chunks {
		results = append(results, ScoredChunk{Chunk: c, Score: scores[c.Key]})
	}
	sortByScore(results)
	return results, nil
}

// worse reports whether a ranks below b: lower score, or equal score and
// later insertion.
func worse(a, b keyScore) bool {
	if a.Score != b.Score {
		return a.Score < b.Score
	}
	return a.Key > b.Key
}

// sortByScore orders by score descending, then by key ascending.
func sortByScore(results []ScoredChunk) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Key < results[j].Key
	})
}

// GetByKeys returns chunks matching the given node keys.
func (s *SQLiteStore) GetByKeys(ctx context.Context, keys []uint64) ([]Chunk, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	queryArgs := make([]any, len(keys))
	for i, k := range keys {
		queryArgs[i] = int64(k)
	}

	query := `SELECT ` + chunkColumns + ` FROM chunks WHERE node_key IN (?` + strings.Repeat(",?", len(keys)-1) + `)`
	rows, err := s.db.QueryContext(ctx, query, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("querying by keys: %w", err)
	}
	defer rows.Close()
	return scanChunks(rows)
}

// All returns every chunk ordered by insertion.
func (s *SQLiteStore) All(ctx context.Context) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+chunkColumns+` FROM chunks ORDER BY node_key ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying all chunks: %w", err)
	}
	defer rows.Close()
	return scanChunks(rows)
}

// Count returns the number of stored chunks.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chunks").Scan(&count)
	return count, err
}

// Reset deletes every chunk.
func (s *SQLiteStore) Reset(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM chunks"); err != nil {
		return fmt.Errorf("deleting chunks: %w", err)
	}
	return nil
}

func scanChunks(rows *sql.Rows) ([]Chunk, error) {
	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		var key int64
		var source string
		var blob []byte
		var createdAt string
		if err := rows.Scan(&key, &c.Text, &c.Meta.Title, &source, &c.Meta.Authors, &c.Meta.Year, &c.Meta.URL, &blob, &c.Model, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		c.Key = uint64(key)
		c.Meta.Source = papers.Source(source)
		embedding, err := decodeFloat32s(blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %d: %w", key, err)
		}
		c.Embedding = embedding
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at for %d: %w", key, err)
		}
		c.CreatedAt = t
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes little-endian bytes into a new float32 slice.
// Returns an error if the byte slice length is not a multiple of 4 (indicates data corruption).
func decodeFloat32s(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

// decodeFloat32sInto decodes little-endian bytes into the provided buffer,
// reusing it to avoid per-row allocations during search scans.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// dotProduct computes cosine similarity as dot(a,b) / (aNorm * bNorm).
// aNorm is the precomputed L2 norm of vector a.
func dotProduct(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) || aNorm == 0 {
		return 0
	}
	var dot float64
	var bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}

// normalized returns a unit-length copy of v; a zero vector is copied as is.
func normalized(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	n := norm(v)
	if n == 0 {
		return out
	}
	for i := range out {
		out[i] /= n
	}
	return out
}

// keyScoreHeap is a min-heap of keyScore; the root is the worst candidate.
type keyScoreHeap []keyScore

func (h keyScoreHeap) Len() int           { return len(h) }
func (h keyScoreHeap) Less(i, j int) bool { return worse(h[i], h[j]) }
func (h keyScoreHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *keyScoreHeap) Push(x any)        { *h = append(*h, x.(keyScore)) }
func (h *keyScoreHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
