// Package search answers similarity queries against the paper index and
// renders the hits as citation-handled evidence.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/kalambet/litscout/internal/retrieval"
	"github.com/kalambet/litscout/internal/telemetry"
)

const (
	DefaultK         = 4
	DefaultVerifyK   = 6
	DefaultCacheSize = 256
)

// Index is the subset of *retrieval.Index the service needs.
type Index interface {
	Search(ctx context.Context, vector []float32, k int) ([]retrieval.Match, error)
	OnMutate(fn func())
}

// Embedder turns a query into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// EvidenceItem is one passage returned for a query.
type EvidenceItem struct {
	Text    string  `json:"text"`
	Title   string  `json:"title"`
	Source  string  `json:"source"`
	Authors string  `json:"authors"`
	Year    string  `json:"year"`
	URL     string  `json:"url"`
	Score   float32 `json:"score"`
}

type cacheKey struct {
	query string
	k     int
}

// Options configures a Service.
type Options struct {
	CacheSize int
	DefaultK  int
	Sink      telemetry.Sink
}

// Service runs cached similarity searches. Results for a (query, k) pair are
// reused until the index changes.
type Service struct {
	index    Index
	embedder Embedder
	sink     telemetry.Sink
	defaultK int
	logger   *slog.Logger

	mu    sync.Mutex
	cache *lru.Cache[cacheKey, []EvidenceItem]
	gen   atomic.Uint64
	group singleflight.Group
}

// New creates a Service and subscribes it to index mutations.
func New(index Index, embedder Embedder, opts Options) *Service {
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.DefaultK <= 0 {
		opts.DefaultK = DefaultK
	}
	if opts.Sink == nil {
		opts.Sink = telemetry.Nop{}
	}
	cache, _ := lru.New[cacheKey, []EvidenceItem](opts.CacheSize)
	s := &Service{
		index:    index,
		embedder: embedder,
		sink:     opts.Sink,
		defaultK: opts.DefaultK,
		logger:   slog.Default(),
		cache:    cache,
	}
	index.OnMutate(s.Invalidate)
	return s
}

// Invalidate drops every cached result.
func (s *Service) Invalidate() {
	s.mu.Lock()
	s.gen.Add(1)
	s.cache.Purge()
	s.mu.Unlock()
}

// Search returns up to k evidence items for query, best first. k <= 0
// selects the default. The returned slice belongs to the caller.
func (s *Service) Search(ctx context.Context, query string, k int) ([]EvidenceItem, error) {
	if k <= 0 {
		k = s.defaultK
	}
	key := cacheKey{query: query, k: k}
	start := time.Now()

	if items, ok := s.cache.Get(key); ok {
		s.sink.Record(telemetry.RAGOp(telemetry.RAGOpData{
			Operation:   telemetry.OpSearch,
			Query:       query,
			K:           k,
			ResultCount: len(items),
			CacheHit:    true,
		}, time.Since(start)))
		return clone(items), nil
	}

	// The shared call outlives any single caller; each caller stops waiting on
	// its own context.
	shared := context.WithoutCancel(ctx)
	ch := s.group.DoChan(fmt.Sprintf("%d\x00%s", k, query), func() (any, error) {
		gen := s.gen.Load()
		items, err := s.compute(shared, query, k)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		if s.gen.Load() == gen {
			s.cache.Add(key, items)
		}
		s.mu.Unlock()
		return items, nil
	})
	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return nil, res.Err
	}
	v := res.Val
	items := v.([]EvidenceItem)

	s.sink.Record(telemetry.RAGOp(telemetry.RAGOpData{
		Operation:   telemetry.OpSearch,
		Query:       query,
		K:           k,
		ResultCount: len(items),
	}, time.Since(start)))
	return clone(items), nil
}

func (s *Service) compute(ctx context.Context, query string, k int) ([]EvidenceItem, error) {
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	matches, err := s.index.Search(ctx, vec, k)
	if err != nil {
		return nil, fmt.Errorf("searching index: %w", err)
	}
	items := make([]EvidenceItem, len(matches))
	for i, m := range matches {
		items[i] = EvidenceItem{
			Text:    m.Text,
			Title:   m.Meta.Title,
			Source:  string(m.Meta.Source),
			Authors: m.Meta.Authors,
			Year:    m.Meta.Year,
			URL:     m.Meta.URL,
			Score:   m.Score,
		}
	}
	return items, nil
}

func clone(items []EvidenceItem) []EvidenceItem {
	if items == nil {
		return nil
	}
	return append([]EvidenceItem(nil), items...)
}
