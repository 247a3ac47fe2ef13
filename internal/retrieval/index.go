package retrieval

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/coder/hnsw"
	"github.com/gofrs/flock"

	"github.com/kalambet/litscout/internal/chunk"
	"github.com/kalambet/litscout/internal/papers"
	"github.com/kalambet/litscout/internal/telemetry"
)

// File names inside the index directory.
const (
	GraphFile   = "index.hnsw"
	MetaFile    = "index.meta.json"
	CatalogFile = "catalog.json"
	LockFile    = "index.lock"
)

const (
	formatVersion   = 1
	DefaultEfSearch = 20

	// PlaceholderText seeds a brand new index so the graph is never empty.
	PlaceholderText = "Initial document"
)

// PersistenceError wraps a failure to write or read an index artifact.
type PersistenceError struct {
	Op   string
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("index %s %s: %v", e.Op, filepath.Base(e.Path), e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Document is one text to index together with the paper it belongs to.
type Document struct {
	Text string
	Meta papers.Metadata
}

// Match is one search hit.
type Match struct {
	Key   uint64
	Text  string
	Meta  papers.Metadata
	Score float32
}

// IndexOptions configures Open.
type IndexOptions struct {
	Dir      string
	Store    VectorStore
	Embedder *Embedder
	Sink     telemetry.Sink
	EfSearch int
	Splitter chunk.Splitter
}

type indexMeta struct {
	Version    int       `json:"version"`
	Dimensions int       `json:"dimensions"`
	Model      string    `json:"model"`
	NextKey    uint64    `json:"next_key"`
	SavedAt    time.Time `json:"saved_at"`
}

// Index is the searchable vector index. Chunk rows live in the VectorStore;
// the HNSW graph and the catalog are rebuilt from them whenever the on-disk
// artifacts are missing or stale.
type Index struct {
	dir      string
	store    VectorStore
	embedder *Embedder
	sink     telemetry.Sink
	splitter chunk.Splitter
	efSearch int
	logger   *slog.Logger

	// catalogMu orders catalog file writes so an older snapshot never
	// replaces a newer one.
	catalogMu sync.Mutex

	mu      sync.RWMutex
	graph   *hnsw.Graph[uint64]
	catalog *Catalog
	nextKey uint64
	count   int
	hooks   []func()
}

func newGraph(efSearch int) *hnsw.Graph[uint64] {
	g := hnsw.NewGraph[uint64]()
	g.Distance = hnsw.CosineDistance
	g.M = 16
	g.EfSearch = efSearch
	g.Ml = 0.25
	return g
}

// Open loads the index from opts.Dir, rebuilding what it must from the store.
// A brand new index is seeded with a placeholder entry and saved immediately.
func Open(ctx context.Context, opts IndexOptions) (*Index, error) {
	if opts.Store == nil || opts.Embedder == nil {
		return nil, errors.New("index requires a store and an embedder")
	}
	if err := os.MkdirAll(opts.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating index directory: %w", err)
	}
	if opts.Sink == nil {
		opts.Sink = telemetry.Nop{}
	}
	if opts.EfSearch <= 0 {
		opts.EfSearch = DefaultEfSearch
	}
	if opts.Splitter.Validate() != nil {
		opts.Splitter = chunk.Default()
	}

	idx := &Index{
		dir:      opts.Dir,
		store:    opts.Store,
		embedder: opts.Embedder,
		sink:     opts.Sink,
		splitter: opts.Splitter,
		efSearch: opts.EfSearch,
		logger:   slog.Default(),
		graph:    newGraph(opts.EfSearch),
		catalog:  NewCatalog(),
	}

	start := time.Now()
	fresh, err := idx.load(ctx)
	if err != nil {
		return nil, err
	}
	if fresh {
		idx.logger.Info("initializing new index", "dir", opts.Dir)
		placeholder := papers.Metadata{Title: PlaceholderText, Source: papers.SourceSystem}
		if err := idx.AddDocuments(ctx, []Document{{Text: PlaceholderText, Meta: placeholder}}); err != nil {
			return nil, fmt.Errorf("seeding index: %w", err)
		}
		if err := idx.Save(ctx); err != nil {
			return nil, err
		}
		return idx, nil
	}

	idx.sink.Record(telemetry.RAGOp(telemetry.RAGOpData{
		Operation:   telemetry.OpLoad,
		ResultCount: idx.count,
	}, time.Since(start)))
	return idx, nil
}

// load restores state from disk. It reports true when there is nothing to
// restore at all.
func (idx *Index) load(ctx context.Context) (bool, error) {
	count, err := idx.store.Count(ctx)
	if err != nil {
		return false, fmt.Errorf("counting chunks: %w", err)
	}
	idx.count = count

	meta, err := idx.readMeta()
	if err != nil {
		return false, err
	}
	if meta != nil {
		if meta.Model != idx.embedder.ModelName() {
			return false, fmt.Errorf("%w: index built with model %q, configured %q", ErrDimensionMismatch, meta.Model, idx.embedder.ModelName())
		}
		if meta.Dimensions > 0 {
			if err := idx.embedder.ExpectDimensions(meta.Dimensions); err != nil {
				return false, err
			}
		}
		idx.nextKey = meta.NextKey
	}

	graphPath := filepath.Join(idx.dir, GraphFile)
	_, statErr := os.Stat(graphPath)
	hasGraph := statErr == nil

	if count == 0 && !hasGraph {
		return true, nil
	}

	imported := false
	if hasGraph && meta != nil {
		if err := idx.importGraph(graphPath); err != nil {
			idx.logger.Warn("graph artifact unreadable, rebuilding", "error", err)
		} else if idx.graph.Len() == count {
			imported = true
		} else {
			idx.logger.Warn("graph artifact out of date, rebuilding", "nodes", idx.graph.Len(), "chunks", count)
		}
	}

	var rows []Chunk
	if !imported {
		rows, err = idx.store.All(ctx)
		if err != nil {
			return false, fmt.Errorf("loading chunks: %w", err)
		}
		if err := idx.rebuildGraph(rows); err != nil {
			return false, err
		}
	}

	cat, err := readCatalog(filepath.Join(idx.dir, CatalogFile))
	switch {
	case err == nil:
		idx.catalog = cat
	case errors.Is(err, os.ErrNotExist):
	default:
		idx.logger.Warn("catalog unreadable, rebuilding from chunks", "error", err)
	}
	if err != nil && rows == nil {
		if rows, err = idx.store.All(ctx); err != nil {
			return false, fmt.Errorf("loading chunks: %w", err)
		}
	}
	// Rows written after the last Save may be missing from a readable catalog.
	for _, r := range rows {
		idx.catalog.Upsert(r.Meta)
	}

	for _, r := range rows {
		if r.Key >= idx.nextKey {
			idx.nextKey = r.Key + 1
		}
	}
	return false, nil
}

func (idx *Index) readMeta() (*indexMeta, error) {
	path := filepath.Join(idx.dir, MetaFile)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &PersistenceError{Op: "read", Path: path, Err: err}
	}
	var m indexMeta
	if err := json.Unmarshal(data, &m); err != nil {
		idx.logger.Warn("index header unreadable, ignoring", "error", err)
		return nil, nil
	}
	if m.Version != formatVersion {
		idx.logger.Warn("index header has unknown version, ignoring", "version", m.Version)
		return nil, nil
	}
	return &m, nil
}

func (idx *Index) importGraph(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	g := newGraph(idx.efSearch)
	// Import wants an io.ByteReader.
	if err := g.Import(bufio.NewReader(f)); err != nil {
		return err
	}
	idx.graph = g
	return nil
}

func (idx *Index) rebuildGraph(rows []Chunk) error {
	g := newGraph(idx.efSearch)
	for _, r := range rows {
		if len(r.Embedding) == 0 {
			continue
		}
		if err := idx.embedder.ExpectDimensions(len(r.Embedding)); err != nil {
			return err
		}
		g.Add(hnsw.MakeNode(r.Key, normalized(r.Embedding)))
		if r.Key >= idx.nextKey {
			idx.nextKey = r.Key + 1
		}
	}
	idx.graph = g
	idx.logger.Debug("rebuilt graph from chunks", "nodes", g.Len())
	return nil
}

// OnMutate registers fn to run after every successful AddDocuments.
func (idx *Index) OnMutate(fn func()) {
	idx.mu.Lock()
	idx.hooks = append(idx.hooks, fn)
	idx.mu.Unlock()
}

// AddDocuments embeds all texts in one call and appends them to the index.
func (idx *Index) AddDocuments(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	texts := make([]string, len(docs))
	for i, d := range docs {
		if err := d.Meta.Validate(); err != nil {
			return fmt.Errorf("document %d: %w", i, err)
		}
		if d.Text == "" {
			return fmt.Errorf("document %d: empty text", i)
		}
		texts[i] = d.Text
	}

	start := time.Now()
	vecs, err := idx.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return err
	}

	idx.mu.Lock()
	now := time.Now().UTC()
	chunks := make([]Chunk, len(docs))
	for i, d := range docs {
		chunks[i] = Chunk{
			Key:       idx.nextKey + uint64(i),
			Text:      d.Text,
			Meta:      d.Meta,
			Embedding: vecs[i],
			Model:     idx.embedder.ModelName(),
			CreatedAt: now,
		}
	}
	if err := idx.store.Insert(ctx, chunks); err != nil {
		idx.mu.Unlock()
		return fmt.Errorf("storing chunks: %w", err)
	}
	for _, c := range chunks {
		idx.graph.Add(hnsw.MakeNode(c.Key, normalized(c.Embedding)))
		idx.catalog.Upsert(c.Meta)
	}
	idx.nextKey += uint64(len(chunks))
	idx.count += len(chunks)
	hooks := append([]func(){}, idx.hooks...)
	idx.mu.Unlock()

	catalogPath := filepath.Join(idx.dir, CatalogFile)
	if err := idx.writeCatalog(catalogPath); err != nil {
		perr := &PersistenceError{Op: "write", Path: catalogPath, Err: err}
		idx.logger.Warn("catalog write failed", "error", perr)
		idx.sink.Record(telemetry.Error("index", perr, "writing catalog"))
	}

	for _, fn := range hooks {
		fn()
	}
	idx.sink.Record(telemetry.RAGOp(telemetry.RAGOpData{
		Operation:   telemetry.OpAddDocuments,
		Documents:   len(docs),
		ResultCount: len(chunks),
	}, time.Since(start)))
	return nil
}

// AddPaper chunks the paper's abstract and indexes the chunks. It returns
// the number of chunks added; an empty abstract adds nothing.
func (idx *Index) AddPaper(ctx context.Context, rec papers.Record) (int, error) {
	parts := idx.splitter.Split(rec.Abstract)
	if len(parts) == 0 {
		return 0, nil
	}
	meta := rec.Metadata()
	docs := make([]Document, len(parts))
	for i, p := range parts {
		docs[i] = Document{Text: p, Meta: meta}
	}
	if err := idx.AddDocuments(ctx, docs); err != nil {
		return 0, err
	}
	return len(docs), nil
}

// Search returns at most k matches for vector, best first. Ties are broken
// by insertion order.
func (idx *Index) Search(ctx context.Context, vector []float32, k int) ([]Match, error) {
	if k <= 0 || len(vector) == 0 {
		return nil, nil
	}
	if d := idx.embedder.Dimensions(); d != 0 && len(vector) != d {
		return nil, fmt.Errorf("%w: query has %d, index has %d", ErrDimensionMismatch, len(vector), d)
	}
	query := normalized(vector)
	qNorm := norm(query)

	idx.mu.RLock()
	total := idx.count
	var candidates []keyScore
	if n := idx.graph.Len(); n > 0 {
		want := max(k, idx.efSearch)
		if want > n {
			want = n
		}
		for _, node := range idx.graph.Search(query, want) {
			candidates = append(candidates, keyScore{Key: node.Key, Score: dotProduct(query, node.Value, qNorm)})
		}
	}
	idx.mu.RUnlock()

	if len(candidates) < min(k, total) {
		idx.logger.Debug("graph returned too few candidates, using exact search", "got", len(candidates), "want", k)
		scored, err := idx.store.Search(ctx, vector, k)
		if err != nil {
			return nil, fmt.Errorf("exact search: %w", err)
		}
		out := make([]Match, len(scored))
		for i, s := range scored {
			out[i] = Match{Key: s.Key, Text: s.Text, Meta: s.Meta, Score: s.Score}
		}
		return out, nil
	}

	scored := make([]ScoredChunk, len(candidates))
	for i, c := range candidates {
		scored[i] = ScoredChunk{Chunk: Chunk{Key: c.Key}, Score: c.Score}
	}
	sortByScore(scored)
	if len(scored) > k {
		scored = scored[:k]
	}

	keys := make([]uint64, len(scored))
	for i, s := range scored {
		keys[i] = s.Key
	}
	rows, err := idx.store.GetByKeys(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("fetching matches: %w", err)
	}
	byKey := make(map[uint64]Chunk, len(rows))
	for _, r := range rows {
		byKey[r.Key] = r
	}

	out := make([]Match, 0, len(scored))
	for _, s := range scored {
		r, ok := byKey[s.Key]
		if !ok {
			continue
		}
		out = append(out, Match{Key: s.Key, Text: r.Text, Meta: r.Meta, Score: s.Score})
	}
	return out, nil
}

// Save writes the graph artifact, the header and the catalog. A file lock
// keeps concurrent processes from interleaving their writes.
func (idx *Index) Save(ctx context.Context) error {
	start := time.Now()
	lock := flock.New(filepath.Join(idx.dir, LockFile))
	if _, err := lock.TryLockContext(ctx, 50*time.Millisecond); err != nil {
		return &PersistenceError{Op: "lock", Path: lock.Path(), Err: err}
	}
	defer lock.Unlock()

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	graphPath := filepath.Join(idx.dir, GraphFile)
	if err := idx.exportGraph(graphPath); err != nil {
		return &PersistenceError{Op: "write", Path: graphPath, Err: err}
	}

	metaPath := filepath.Join(idx.dir, MetaFile)
	data, err := json.MarshalIndent(indexMeta{
		Version:    formatVersion,
		Dimensions: idx.embedder.Dimensions(),
		Model:      idx.embedder.ModelName(),
		NextKey:    idx.nextKey,
		SavedAt:    time.Now().UTC(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding index header: %w", err)
	}
	if err := writeFileAtomic(metaPath, data); err != nil {
		return &PersistenceError{Op: "write", Path: metaPath, Err: err}
	}

	catalogPath := filepath.Join(idx.dir, CatalogFile)
	if err := idx.writeCatalog(catalogPath); err != nil {
		return &PersistenceError{Op: "write", Path: catalogPath, Err: err}
	}

	idx.sink.Record(telemetry.RAGOp(telemetry.RAGOpData{
		Operation:   telemetry.OpSave,
		ResultCount: idx.count,
	}, time.Since(start)))
	idx.logger.Debug("index saved", "chunks", idx.count, "dir", idx.dir)
	return nil
}

func (idx *Index) writeCatalog(path string) error {
	idx.catalogMu.Lock()
	defer idx.catalogMu.Unlock()
	return idx.catalog.WriteFile(path)
}

func (idx *Index) exportGraph(path string) error {
	tmp, err := os.CreateTemp(idx.dir, GraphFile+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	w := bufio.NewWriter(tmp)
	if err := idx.graph.Export(w); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}

// Count returns the number of indexed chunks.
func (idx *Index) Count() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.count
}

// Catalog returns a copy of the title catalog.
func (idx *Index) Catalog() map[string]papers.Metadata {
	return idx.catalog.Snapshot()
}

// Dimensions returns the embedding dimensionality of indexed vectors.
func (idx *Index) Dimensions() int {
	return idx.embedder.Dimensions()
}

// Reset removes every on-disk index artifact and all stored chunks. The next
// Open starts from scratch.
func Reset(ctx context.Context, dir string, store VectorStore) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating index directory: %w", err)
	}
	lock := flock.New(filepath.Join(dir, LockFile))
	if _, err := lock.TryLockContext(ctx, 50*time.Millisecond); err != nil {
		return &PersistenceError{Op: "lock", Path: lock.Path(), Err: err}
	}
	defer lock.Unlock()

	for _, name := range []string{GraphFile, MetaFile, CatalogFile} {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return &PersistenceError{Op: "remove", Path: filepath.Join(dir, name), Err: err}
		}
	}
	return store.Reset(ctx)
}
