// Package session owns every component of one literature analysis run and
// exposes the operations the orchestration layer calls.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/kalambet/litscout/internal/config"
	"github.com/kalambet/litscout/internal/engine"
	"github.com/kalambet/litscout/internal/ingest"
	"github.com/kalambet/litscout/internal/papers"
	"github.com/kalambet/litscout/internal/retrieval"
	"github.com/kalambet/litscout/internal/search"
	"github.com/kalambet/litscout/internal/sources"
	"github.com/kalambet/litscout/internal/storage"
	"github.com/kalambet/litscout/internal/telemetry"
)

// Options configures Open.
type Options struct {
	Config config.Config

	// Engine overrides backend detection. When nil the provider named in the
	// config is detected and its embedding model pulled if missing.
	Engine engine.Engine

	// Adapters overrides the default arXiv, Semantic Scholar and PubMed set.
	Adapters []sources.Adapter

	// HTTPClient is used by the default adapters.
	HTTPClient *http.Client

	// Progress receives model pull output. Nil discards it.
	Progress io.Writer
}

// Session is the owner of the recorder, index, embedder, search service and
// retrieval coordinator.
type Session struct {
	cfg      config.Config
	store    *storage.Store
	recorder *telemetry.Recorder
	embedder *retrieval.Embedder
	index    *retrieval.Index
	search   *search.Service
	coord    *ingest.Coordinator
	logger   *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// Open builds a session from configuration. The index is loaded from the
// data directory, or created and seeded when none exists.
func Open(ctx context.Context, opts Options) (*Session, error) {
	cfg := opts.Config
	logger := slog.Default()

	e := opts.Engine
	if e == nil {
		detected, err := engine.Detect(ctx, engine.DetectConfig{
			Provider:      cfg.Embed.Provider,
			OllamaBaseURL: cfg.Ollama.BaseURL,
			GeminiAPIKey:  cfg.Gemini.APIKey,
		})
		if err != nil {
			return nil, fmt.Errorf("detecting embedding backend: %w", err)
		}
		w := opts.Progress
		if w == nil {
			w = io.Discard
		}
		if err := engine.EnsureReady(ctx, detected, cfg.EmbedModel(), w); err != nil {
			return nil, err
		}
		e = detected
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	recorder := telemetry.NewRecorder(cfg.SessionsDir())
	embedder := retrieval.NewEmbedder(e, cfg.EmbedModel(), cfg.Embed.CacheSize)

	idx, err := retrieval.Open(ctx, retrieval.IndexOptions{
		Dir:      cfg.IndexDir(),
		Store:    retrieval.NewSQLiteStore(store.DB()),
		Embedder: embedder,
		Sink:     recorder,
		EfSearch: cfg.Index.EfSearch,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("opening index: %w", err)
	}

	svc := search.New(idx, embedder, search.Options{
		CacheSize: cfg.Search.CacheSize,
		DefaultK:  cfg.Search.DefaultK,
		Sink:      recorder,
	})

	adapters := opts.Adapters
	if adapters == nil {
		policy := sources.DefaultPolicy()
		policy.MinDelay = cfg.Sources.MinDelay
		policy.RetryDelay = cfg.Sources.RetryDelay
		policy.RequestTimeout = cfg.Sources.RequestTimeout
		policy.MaxAttempts = cfg.Sources.MaxAttempts
		fetcher := sources.NewFetcher(policy, opts.HTTPClient, recorder)
		adapters = sources.DefaultAdapters(fetcher, cfg.Sources.SemanticScholarAPIKey, cfg.Sources.NCBIAPIKey)
	}

	coord := ingest.NewCoordinator(adapters, idx, ingest.CoordinatorOptions{
		TaskTimeout: cfg.Retrieval.TaskTimeout,
		MaxPapers:   cfg.Retrieval.MaxPapers,
		Sink:        recorder,
	})

	logger.Info("session opened",
		"session_id", recorder.ID(),
		"provider", cfg.Embed.Provider,
		"model", cfg.EmbedModel(),
		"chunks", idx.Count(),
	)

	return &Session{
		cfg:      cfg,
		store:    store,
		recorder: recorder,
		embedder: embedder,
		index:    idx,
		search:   svc,
		coord:    coord,
		logger:   logger,
	}, nil
}

// RetrieveAndIndex fetches papers for the research idea from every source
// and indexes them. It returns ingest.ErrNoPapers when nothing was found.
func (s *Session) RetrieveAndIndex(ctx context.Context, idea string, domains []string) ([]papers.Record, error) {
	s.recorder.SetInput("idea", idea)
	s.recorder.SetInput("domains", domains)

	found, err := s.coord.RetrieveAndIndex(ctx, idea, domains)
	if err != nil {
		if errors.Is(err, ingest.ErrNoPapers) {
			s.recorder.Record(telemetry.Error("coordinator", err, telemetry.Truncate(ingest.BuildQuery(idea, domains), 100)))
		}
		return nil, err
	}

	titles := make([]string, len(found))
	for i, p := range found {
		titles[i] = p.Title
	}
	s.recorder.SetOutput("paper_count", len(found))
	s.recorder.SetOutput("papers", titles)
	s.logger.Info("papers indexed", "count", len(found), "chunks", s.index.Count())
	return found, nil
}

// IndexUploadedPaper indexes a user-supplied document synchronously.
func (s *Session) IndexUploadedPaper(ctx context.Context, doc ingest.UploadedDocument) (*papers.Record, error) {
	return s.coord.IndexUploadedPaper(ctx, doc)
}

// SimilaritySearch returns the formatted evidence for query.
func (s *Session) SimilaritySearch(ctx context.Context, query string, k int) string {
	return s.search.SearchFormatted(ctx, query, k)
}

// Evidence returns the structured evidence items for query.
func (s *Session) Evidence(ctx context.Context, query string, k int) ([]search.EvidenceItem, error) {
	return s.search.Search(ctx, query, k)
}

// VerifyClaim returns a verification context for claim.
func (s *Session) VerifyClaim(ctx context.Context, claim string, k int) string {
	return s.search.VerifyClaim(ctx, claim, k)
}

// Checkpoint writes a partial telemetry snapshot.
func (s *Session) Checkpoint() (string, error) {
	return s.recorder.Checkpoint()
}

// Summary returns the telemetry statistics so far.
func (s *Session) Summary() telemetry.Summary {
	return s.recorder.Summary()
}

// NewWorker returns a worker draining queued uploads into this session's index.
func (s *Session) NewWorker(poll time.Duration) *ingest.Worker {
	return ingest.NewWorker(s.store, s.coord, poll)
}

func (s *Session) ID() string                    { return s.recorder.ID() }
func (s *Session) Config() config.Config         { return s.cfg }
func (s *Session) Store() *storage.Store         { return s.store }
func (s *Session) Recorder() *telemetry.Recorder { return s.recorder }
func (s *Session) Index() *retrieval.Index       { return s.index }

// Close writes the final telemetry snapshot and closes storage. It is safe
// to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		path, err := s.recorder.Finalize()
		if err != nil {
			s.logger.Warn("writing session log failed", "error", err)
		} else if path != "" {
			s.logger.Info("session log written", "path", path)
		}
		s.closeErr = s.store.Close()
	})
	return s.closeErr
}
