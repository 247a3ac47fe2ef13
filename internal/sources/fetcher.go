package sources

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/kalambet/litscout/internal/papers"
	"github.com/kalambet/litscout/internal/telemetry"
)

// maxBodyBytes caps a catalog response body.
const maxBodyBytes = 16 << 20

const userAgent = "litscout/1.0 (+https://github.com/kalambet/litscout)"

// Fetcher applies the shared fetch policy on behalf of the adapters.
type Fetcher struct {
	policy Policy
	client *http.Client
	sink   telemetry.Sink
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewFetcher creates a Fetcher. A nil client uses a fresh http.Client with no
// global timeout; each attempt is bounded by Policy.RequestTimeout instead.
func NewFetcher(policy Policy, client *http.Client, sink telemetry.Sink) *Fetcher {
	if client == nil {
		client = &http.Client{}
	}
	if sink == nil {
		sink = telemetry.Nop{}
	}
	return &Fetcher{
		policy: policy.withDefaults(),
		client: client,
		sink:   sink,
		logger: slog.Default(),
		sleep:  sleepCtx,
	}
}

// Policy returns the effective policy.
func (f *Fetcher) Policy() Policy { return f.policy }

// attemptFunc performs one logical fetch. It may issue several HTTP requests.
type attemptFunc func(ctx context.Context) ([]papers.Record, error)

// run executes attempt under the retry policy and records exactly one
// api_call event for the terminal outcome.
func (f *Fetcher) run(ctx context.Context, src papers.Source, query string, attempt attemptFunc) []papers.Record {
	start := time.Now()
	limiter := limiterFor(src, f.policy.RatePerSecond)

	var (
		lastErr  error
		attempts int
	)
	for n := 1; n <= f.policy.MaxAttempts; n++ {
		attempts = n
		if err := f.wait(ctx, limiter); err != nil {
			lastErr = err
			break
		}

		actx, cancel := context.WithTimeout(ctx, f.policy.RequestTimeout)
		records, err := attempt(actx)
		cancel()
		if err == nil {
			f.sink.Record(telemetry.APICall(string(src), query, len(records), time.Since(start), attempts, nil))
			f.logger.Debug("catalog fetch succeeded", "source", src, "results", len(records), "attempts", attempts)
			return records
		}

		lastErr = err
		if !IsTransient(err) {
			f.logger.Warn("catalog fetch failed", "source", src, "error", err)
			break
		}
		if n == f.policy.MaxAttempts {
			f.logger.Warn("catalog rate limit persisted, giving up", "source", src, "attempts", n)
			break
		}
		delay := f.policy.RetryDelay * time.Duration(n)
		f.logger.Info("catalog rate limited, retrying", "source", src, "attempt", n, "delay", delay)
		if err := f.sleep(ctx, delay); err != nil {
			lastErr = err
			break
		}
	}

	f.sink.Record(telemetry.APICall(string(src), query, 0, time.Since(start), attempts, lastErr))
	return nil
}

func (f *Fetcher) wait(ctx context.Context, limiter *rate.Limiter) error {
	if err := f.sleep(ctx, f.policy.MinDelay); err != nil {
		return err
	}
	if limiter == nil {
		return nil
	}
	return limiter.Wait(ctx)
}

// get issues a GET and classifies failures into SourceErrors.
func (f *Fetcher) get(ctx context.Context, src papers.Source, url string, header http.Header) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &SourceError{Source: src, Kind: Permanent, Err: fmt.Errorf("creating request: %w", err)}
	}
	req.Header.Set("User-Agent", userAgent)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		// Timeouts are not retried.
		return nil, &SourceError{Source: src, Kind: Permanent, Err: fmt.Errorf("requesting %s: %w", src, err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &SourceError{Source: src, Kind: Permanent, Status: resp.StatusCode, Err: fmt.Errorf("reading body: %w", err)}
	}

	switch {
	case isRateLimited(resp):
		return nil, &SourceError{Source: src, Kind: Transient, Status: resp.StatusCode, Err: fmt.Errorf("rate limited")}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &SourceError{Source: src, Kind: Permanent, Status: resp.StatusCode, Err: fmt.Errorf("unexpected status: %s", truncateBody(body))}
	}
	return body, nil
}

// isRateLimited reports 429, and 503 only when the server says when to retry.
func isRateLimited(resp *http.Response) bool {
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return true
	case http.StatusServiceUnavailable:
		return resp.Header.Get("Retry-After") != ""
	}
	return false
}

func truncateBody(b []byte) string {
	const max = 200
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
