package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/litscout/internal/papers"
	"github.com/kalambet/litscout/internal/sources"
	"github.com/kalambet/litscout/internal/telemetry"
)

const (
	DefaultTaskTimeout = 30 * time.Second
	DefaultMaxPapers   = 10
)

// ErrNoPapers is returned when no source produced a usable paper.
var ErrNoPapers = errors.New("no relevant papers found")

// PaperIndex is where retrieved papers are indexed.
type PaperIndex interface {
	AddPaper(ctx context.Context, rec papers.Record) (int, error)
	Save(ctx context.Context) error
}

// CoordinatorOptions configures a Coordinator.
type CoordinatorOptions struct {
	TaskTimeout time.Duration
	MaxPapers   int
	Sink        telemetry.Sink
}

// Coordinator fans a query out to every source adapter, merges the results
// and indexes them.
type Coordinator struct {
	adapters    []sources.Adapter
	index       PaperIndex
	sink        telemetry.Sink
	taskTimeout time.Duration
	maxPapers   int
	logger      *slog.Logger
}

// NewCoordinator creates a Coordinator over the given adapters.
func NewCoordinator(adapters []sources.Adapter, index PaperIndex, opts CoordinatorOptions) *Coordinator {
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = DefaultTaskTimeout
	}
	if opts.MaxPapers <= 0 {
		opts.MaxPapers = DefaultMaxPapers
	}
	if opts.Sink == nil {
		opts.Sink = telemetry.Nop{}
	}
	return &Coordinator{
		adapters:    adapters,
		index:       index,
		sink:        opts.Sink,
		taskTimeout: opts.TaskTimeout,
		maxPapers:   opts.MaxPapers,
		logger:      slog.Default(),
	}
}

// BuildQuery joins the idea and its domains into one search string.
func BuildQuery(idea string, domains []string) string {
	return strings.TrimSpace(idea + " " + strings.Join(domains, " "))
}

// RetrieveAndIndex fetches papers for the idea from every source, dedups
// them by title, keeps at most MaxPapers and indexes each one. It returns
// ErrNoPapers when nothing was found.
func (c *Coordinator) RetrieveAndIndex(ctx context.Context, idea string, domains []string) ([]papers.Record, error) {
	start := time.Now()
	defer func() {
		c.sink.Record(telemetry.Timing("retrieve_and_index", time.Since(start)))
	}()

	query := BuildQuery(idea, domains)
	found := papers.Dedup(c.Fetch(ctx, query))
	if len(found) > c.maxPapers {
		found = found[:c.maxPapers]
	}
	if len(found) == 0 {
		return nil, ErrNoPapers
	}

	c.indexAll(ctx, found)
	return found, nil
}

type taskResult struct {
	source  papers.Source
	records []papers.Record
}

// Fetch queries every adapter concurrently and concatenates their results in
// arrival order. A task that has not delivered within the task timeout is
// abandoned without being cancelled; its late result is discarded.
func (c *Coordinator) Fetch(ctx context.Context, query string) []papers.Record {
	if len(c.adapters) == 0 {
		return nil
	}

	// Buffered so abandoned tasks can still deliver and exit.
	results := make(chan taskResult, len(c.adapters))
	var g errgroup.Group
	g.SetLimit(len(c.adapters))

	deadline := time.NewTimer(c.taskTimeout)
	defer deadline.Stop()

	for _, a := range c.adapters {
		g.Go(func() error {
			results <- c.runTask(ctx, a, query)
			return nil
		})
	}

	var all []papers.Record
	for pending := len(c.adapters); pending > 0; pending-- {
		select {
		case r := <-results:
			all = append(all, r.records...)
		case <-deadline.C:
			c.logger.Warn("source tasks timed out", "pending", pending, "timeout", c.taskTimeout)
			c.sink.Record(telemetry.Error("coordinator", fmt.Errorf("%d source tasks timed out", pending), telemetry.Truncate(query, 100)))
			return all
		}
	}
	return all
}

func (c *Coordinator) runTask(ctx context.Context, a sources.Adapter, query string) (res taskResult) {
	res.source = a.Name()
	defer func() {
		if p := recover(); p != nil {
			c.logger.Error("source task panicked", "source", a.Name(), "panic", p)
			c.sink.Record(telemetry.Error(string(a.Name()), fmt.Errorf("panic: %v", p), "fetch"))
			res.records = nil
		}
	}()
	res.records = a.Fetch(ctx, query, a.DefaultLimit())
	return res
}

// indexAll indexes each paper then saves the index. Failures are logged and
// recorded but never abort the batch.
func (c *Coordinator) indexAll(ctx context.Context, recs []papers.Record) int {
	total := 0
	for _, r := range recs {
		n, err := c.index.AddPaper(ctx, r)
		if err != nil {
			c.logger.Warn("indexing paper failed", "title", r.Title, "error", err)
			c.sink.Record(telemetry.Error("index", err, telemetry.Truncate(r.Title, 100)))
			continue
		}
		if n == 0 {
			c.logger.Debug("paper has no abstract, not indexed", "title", r.Title)
		}
		total += n
	}
	if err := c.index.Save(ctx); err != nil {
		c.logger.Warn("saving index failed", "error", err)
		c.sink.Record(telemetry.Error("index", err, "save"))
	}
	return total
}

// IndexUploadedPaper indexes a user-supplied document. When the sections
// carry a title and content they become one paper; otherwise any directly
// supplied papers are indexed and the first is returned. A document with
// neither yields nil.
func (c *Coordinator) IndexUploadedPaper(ctx context.Context, doc UploadedDocument) (*papers.Record, error) {
	rec, _, err := c.IndexDocument(ctx, doc)
	return rec, err
}

// IndexDocument is IndexUploadedPaper that also reports the chunk count.
func (c *Coordinator) IndexDocument(ctx context.Context, doc UploadedDocument) (*papers.Record, int, error) {
	if rec, ok := doc.Record(); ok {
		n, err := c.index.AddPaper(ctx, rec)
		if err != nil {
			return nil, 0, fmt.Errorf("indexing %q: %w", rec.Title, err)
		}
		if err := c.index.Save(ctx); err != nil {
			c.logger.Warn("saving index failed", "error", err)
			c.sink.Record(telemetry.Error("index", err, "save"))
		}
		return &rec, n, nil
	}

	supplied := papers.Dedup(doc.Papers)
	if len(supplied) == 0 {
		return nil, 0, nil
	}
	n := c.indexAll(ctx, supplied)
	first := supplied[0]
	return &first, n, nil
}
