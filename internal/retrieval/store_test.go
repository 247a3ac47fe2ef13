package retrieval

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/kalambet/litscout/internal/papers"
	"github.com/kalambet/litscout/internal/storage"
)

// openTestDB opens an in-memory database with the migrated schema.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	st, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st.DB()
}

func makeTestVector(dim int, seed float32) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = seed + float32(i)*0.001
	}
	return v
}

func testChunk(key uint64, title, text string, vec []float32) Chunk {
	return Chunk{
		Key:       key,
		Text:      text,
		Meta:      papers.Metadata{Title: title, Source: papers.SourceArXiv, Authors: "A. Author", Year: "2023", URL: "https://arxiv.org/abs/" + title},
		Embedding: vec,
		Model:     "test-model",
		CreatedAt: time.Now().UTC(),
	}
}

func TestInsertAndSearch(t *testing.T) {
	db := openTestDB(t)
	s := NewSQLiteStore(db)
	ctx := context.Background()

	vec := makeTestVector(768, 0.1)
	if err := s.Insert(ctx, []Chunk{testChunk(1, "go", "Go is a compiled language", vec)}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	results, err := s.Search(ctx, vec, 1)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Score < 0.99 {
		t.Errorf("score = %f, want > 0.99", results[0].Score)
	}
	if results[0].Key != 1 {
		t.Errorf("Key = %d, want 1", results[0].Key)
	}
	if results[0].Meta.Source != papers.SourceArXiv || results[0].Meta.Year != "2023" {
		t.Errorf("metadata not round-tripped: %+v", results[0].Meta)
	}
}

func TestSearch_TopK(t *testing.T) {
	db := openTestDB(t)
	s := NewSQLiteStore(db)
	ctx := context.Background()

	var chunks []Chunk
	for i := 0; i < 10; i++ {
		chunks = append(chunks, testChunk(uint64(i+1), fmt.Sprintf("p%d", i), "text", makeTestVector(768, float32(i)*0.01)))
	}
	if err := s.Insert(ctx, chunks); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	results, err := s.Search(ctx, makeTestVector(768, 0.05), 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 3 {
		t.Errorf("got %d results, want 3", len(results))
	}
	for i := 1; i < len(results); i++ {
		if results[i].Score > results[i-1].Score {
			t.Errorf("results not sorted by score at %d", i)
		}
	}
}

func TestSearch_TiesKeepInsertionOrder(t *testing.T) {
	db := openTestDB(t)
	s := NewSQLiteStore(db)
	ctx := context.Background()

	vec := []float32{1, 0, 0}
	if err := s.Insert(ctx, []Chunk{
		testChunk(3, "c", "third", vec),
		testChunk(1, "a", "first", vec),
		testChunk(2, "b", "second", vec),
		testChunk(4, "d", "other", []float32{0, 1, 0}),
	}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	results, err := s.Search(ctx, vec, 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	for i, want := range []uint64{1, 2, 3} {
		if results[i].Key != want {
			t.Errorf("results[%d].Key = %d, want %d", i, results[i].Key, want)
		}
	}
}

func TestSearch_EmptyTable(t *testing.T) {
	db := openTestDB(t)
	s := NewSQLiteStore(db)

	results, err := s.Search(context.Background(), makeTestVector(768, 0.1), 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("got %d results, want 0", len(results))
	}
}

func TestSearch_TopKZero(t *testing.T) {
	db := openTestDB(t)
	s := NewSQLiteStore(db)

	results, err := s.Search(context.Background(), makeTestVector(768, 0.1), 0)
	if err != nil {
		t.Fatalf("Search with topK=0: %v", err)
	}
	if results != nil {
		t.Errorf("expected nil results for topK=0, got %d", len(results))
	}
}

func TestAll_InsertionOrder(t *testing.T) {
	db := openTestDB(t)
	s := NewSQLiteStore(db)
	ctx := context.Background()

	if err := s.Insert(ctx, []Chunk{
		testChunk(2, "second", "second", makeTestVector(768, 0.2)),
		testChunk(1, "first", "first", makeTestVector(768, 0.1)),
	}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	all, err := s.All(ctx)
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d chunks, want 2", len(all))
	}
	if all[0].Key != 1 || all[1].Key != 2 {
		t.Errorf("keys = [%d, %d], want [1, 2]", all[0].Key, all[1].Key)
	}
	if len(all[0].Embedding) != 768 {
		t.Errorf("embedding dim = %d, want 768", len(all[0].Embedding))
	}
}

func TestInsert_DuplicateKeyRollsBack(t *testing.T) {
	db := openTestDB(t)
	s := NewSQLiteStore(db)
	ctx := context.Background()

	err := s.Insert(ctx, []Chunk{
		testChunk(1, "a", "a", makeTestVector(4, 0.1)),
		testChunk(1, "b", "b", makeTestVector(4, 0.2)),
	})
	if err == nil {
		t.Fatal("expected duplicate key error, got nil")
	}
	count, err := s.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 0 {
		t.Errorf("count = %d after failed insert, want 0", count)
	}
}

func TestCountAndReset(t *testing.T) {
	db := openTestDB(t)
	s := NewSQLiteStore(db)
	ctx := context.Background()

	count, err := s.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 0 {
		t.Errorf("empty count = %d, want 0", count)
	}

	if err := s.Insert(ctx, []Chunk{
		testChunk(1, "a", "t", makeTestVector(768, 0.1)),
		testChunk(2, "b", "t", makeTestVector(768, 0.2)),
	}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if count, _ = s.Count(ctx); count != 2 {
		t.Errorf("count = %d, want 2", count)
	}

	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if count, _ = s.Count(ctx); count != 0 {
		t.Errorf("count after reset = %d, want 0", count)
	}
}

func TestGetByKeys(t *testing.T) {
	db := openTestDB(t)
	s := NewSQLiteStore(db)
	ctx := context.Background()

	if err := s.Insert(ctx, []Chunk{
		testChunk(1, "a", "alpha", makeTestVector(4, 0.1)),
		testChunk(2, "b", "beta", makeTestVector(4, 0.2)),
		testChunk(3, "c", "gamma", makeTestVector(4, 0.3)),
	}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, err := s.GetByKeys(ctx, []uint64{3, 1, 99})
	if err != nil {
		t.Fatalf("GetByKeys: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d chunks, want 2", len(got))
	}
	if none, err := s.GetByKeys(ctx, nil); err != nil || none != nil {
		t.Errorf("GetByKeys(nil) = %v, %v; want nil, nil", none, err)
	}
}

func TestFloat32Codec(t *testing.T) {
	in := []float32{0, 1.5, -2.25, 3e-7}
	out, err := decodeFloat32s(encodeFloat32s(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	for i := range in {
		if in[i] != out[i] {
			t.Errorf("out[%d] = %v, want %v", i, out[i], in[i])
		}
	}
	if _, err := decodeFloat32s([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for truncated blob")
	}
}
