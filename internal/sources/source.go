// Package sources fetches paper records from the public scholarly catalogs.
// Every adapter shares one fetch policy: a courtesy delay and rate limit
// before each request, bounded retries on rate-limit responses, and fail-fast
// on everything else. Adapters never return errors; a failed fetch yields an
// empty result and an api_call event.
package sources

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/kalambet/litscout/internal/papers"
)

// Adapter fetches up to limit records for query from one catalog.
type Adapter interface {
	Name() papers.Source
	Fetch(ctx context.Context, query string, limit int) []papers.Record
	// DefaultLimit is the number of records requested per analysis.
	DefaultLimit() int
}

// ErrorKind classifies a SourceError.
type ErrorKind int

const (
	// Permanent failures are not retried.
	Permanent ErrorKind = iota
	// Transient failures are rate-limit responses and are retried.
	Transient
)

func (k ErrorKind) String() string {
	if k == Transient {
		return "transient"
	}
	return "permanent"
}

// SourceError describes one failed request to a catalog.
type SourceError struct {
	Source papers.Source
	Kind   ErrorKind
	Status int
	Err    error
}

func (e *SourceError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s error (status %d): %v", e.Source, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Source, e.Kind, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable SourceError.
func IsTransient(err error) bool {
	var se *SourceError
	return errors.As(err, &se) && se.Kind == Transient
}

// Policy configures the shared fetch behaviour.
type Policy struct {
	// MinDelay is slept before every outbound attempt.
	MinDelay time.Duration
	// RetryDelay is multiplied by the attempt number after a rate-limit response.
	RetryDelay time.Duration
	// RequestTimeout bounds each HTTP attempt.
	RequestTimeout time.Duration
	MaxAttempts    int
	// RatePerSecond throttles requests per catalog across all users of it.
	// Zero disables the limiter.
	RatePerSecond float64
}

// DefaultPolicy returns the production fetch policy.
func DefaultPolicy() Policy {
	return Policy{
		MinDelay:       time.Second,
		RetryDelay:     2 * time.Second,
		RequestTimeout: 15 * time.Second,
		MaxAttempts:    3,
		RatePerSecond:  1,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.RequestTimeout <= 0 {
		p.RequestTimeout = d.RequestTimeout
	}
	if p.MinDelay < 0 {
		p.MinDelay = 0
	}
	if p.RetryDelay < 0 {
		p.RetryDelay = 0
	}
	return p
}

var (
	limitersMu sync.Mutex
	limiters   = map[papers.Source]*rate.Limiter{}
)

// limiterFor returns the process-wide limiter of a catalog so that concurrent
// sessions share one budget per source.
func limiterFor(src papers.Source, perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	limitersMu.Lock()
	defer limitersMu.Unlock()
	l, ok := limiters[src]
	if !ok {
		l = rate.NewLimiter(rate.Limit(perSecond), 1)
		limiters[src] = l
		return l
	}
	if l.Limit() != rate.Limit(perSecond) {
		l.SetLimit(rate.Limit(perSecond))
	}
	return l
}

// Options are shared by the adapter constructors.
type Options struct {
	// BaseURL overrides the catalog endpoint; used by tests.
	BaseURL string
	APIKey  string
}

// DefaultAdapters builds the three catalogs with their production limits.
func DefaultAdapters(f *Fetcher, semanticScholarKey, ncbiKey string) []Adapter {
	return []Adapter{
		NewArXiv(f, Options{}),
		NewSemanticScholar(f, Options{APIKey: semanticScholarKey}),
		NewPubMed(f, Options{APIKey: ncbiKey}),
	}
}
