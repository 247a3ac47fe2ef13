package search

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/litscout/internal/papers"
	"github.com/kalambet/litscout/internal/retrieval"
	"github.com/kalambet/litscout/internal/telemetry"
)

type fakeIndex struct {
	mu       sync.Mutex
	matches  []retrieval.Match
	err      error
	searches atomic.Int32
	hooks    []func()
}

func (f *fakeIndex) Search(_ context.Context, _ []float32, k int) ([]retrieval.Match, error) {
	f.searches.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if k > len(f.matches) {
		k = len(f.matches)
	}
	return append([]retrieval.Match(nil), f.matches[:k]...), nil
}

func (f *fakeIndex) OnMutate(fn func()) { f.hooks = append(f.hooks, fn) }

func (f *fakeIndex) mutate(m retrieval.Match) {
	f.mu.Lock()
	f.matches = append([]retrieval.Match{m}, f.matches...)
	f.mu.Unlock()
	for _, fn := range f.hooks {
		fn()
	}
}

type fakeEmbedder struct {
	calls atomic.Int32
	delay time.Duration
	err   error
}

func (f *fakeEmbedder) Embed(ctx context.Context, _ string) ([]float32, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return []float32{1, 0, 0}, nil
}

func match(title, text string, score float32) retrieval.Match {
	return retrieval.Match{
		Text:  text,
		Score: score,
		Meta:  papers.Metadata{Title: title, Source: papers.SourceArXiv, Authors: "Kipf T, Welling M", Year: "2017", URL: "https://arxiv.org/abs/1609.02907"},
	}
}

func newFixture(matches ...retrieval.Match) (*Service, *fakeIndex, *fakeEmbedder, *telemetry.Recorder) {
	idx := &fakeIndex{matches: matches}
	emb := &fakeEmbedder{}
	rec := telemetry.NewRecorder("")
	return New(idx, emb, Options{Sink: rec}), idx, emb, rec
}

func searchEvents(rec *telemetry.Recorder) []telemetry.RAGOpData {
	var out []telemetry.RAGOpData
	for _, e := range rec.Events() {
		if e.Kind == telemetry.KindRAGOp && e.RAG.Operation == telemetry.OpSearch {
			out = append(out, *e.RAG)
		}
	}
	return out
}

func TestSearch_CacheHitSkipsRecomputation(t *testing.T) {
	svc, idx, emb, rec := newFixture(match("GCN", "graph convolution", 0.9), match("GAT", "graph attention", 0.8))
	ctx := context.Background()

	first, err := svc.Search(ctx, "graph neural networks", 2)
	require.NoError(t, err)
	second, err := svc.Search(ctx, "graph neural networks", 2)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.EqualValues(t, 1, emb.calls.Load())
	assert.EqualValues(t, 1, idx.searches.Load())

	events := searchEvents(rec)
	require.Len(t, events, 2)
	assert.False(t, events[0].CacheHit)
	assert.True(t, events[1].CacheHit)
	assert.Equal(t, 2, events[1].ResultCount)
}

func TestSearch_KIsPartOfCacheKey(t *testing.T) {
	svc, idx, _, _ := newFixture(match("A", "a", 0.9), match("B", "b", 0.8), match("C", "c", 0.7))
	ctx := context.Background()

	two, err := svc.Search(ctx, "q", 2)
	require.NoError(t, err)
	three, err := svc.Search(ctx, "q", 3)
	require.NoError(t, err)

	assert.Len(t, two, 2)
	assert.Len(t, three, 3)
	assert.EqualValues(t, 2, idx.searches.Load())
}

func TestSearch_DefaultK(t *testing.T) {
	svc, _, _, _ := newFixture(match("A", "a", 0.9), match("B", "b", 0.8), match("C", "c", 0.7), match("D", "d", 0.6), match("E", "e", 0.5))

	items, err := svc.Search(context.Background(), "q", 0)
	require.NoError(t, err)
	assert.Len(t, items, DefaultK)
}

func TestSearch_ReturnsCallerOwnedSlice(t *testing.T) {
	svc, _, _, _ := newFixture(match("A", "a", 0.9))
	ctx := context.Background()

	items, err := svc.Search(ctx, "q", 1)
	require.NoError(t, err)
	items[0].Title = "mutated"

	again, err := svc.Search(ctx, "q", 1)
	require.NoError(t, err)
	assert.Equal(t, "A", again[0].Title)
}

func TestSearch_InvalidatedByIndexMutation(t *testing.T) {
	svc, idx, _, _ := newFixture(match("Old", "old text", 0.5))
	ctx := context.Background()

	before, err := svc.Search(ctx, "q", 1)
	require.NoError(t, err)
	require.Equal(t, "Old", before[0].Title)

	idx.mutate(match("New", "new text", 0.99))

	after, err := svc.Search(ctx, "q", 1)
	require.NoError(t, err)
	assert.Equal(t, "New", after[0].Title)
	assert.EqualValues(t, 2, idx.searches.Load())
}

func TestSearch_ConcurrentMissesCollapse(t *testing.T) {
	svc, _, emb, _ := newFixture(match("A", "a", 0.9))
	emb.delay = 50 * time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			items, err := svc.Search(context.Background(), "same query", 1)
			assert.NoError(t, err)
			assert.Len(t, items, 1)
		}()
	}
	wg.Wait()
	assert.Less(t, emb.calls.Load(), int32(8))
}

func TestSearch_CancelledCallerDoesNotFailOthers(t *testing.T) {
	svc, _, emb, _ := newFixture(match("A", "a", 0.9))
	emb.delay = 100 * time.Millisecond

	cancelled, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := svc.Search(cancelled, "shared query", 1)
		firstErr <- err
	}()

	time.Sleep(10 * time.Millisecond)
	live := make(chan []EvidenceItem, 1)
	go func() {
		items, err := svc.Search(context.Background(), "shared query", 1)
		assert.NoError(t, err)
		live <- items
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	assert.ErrorIs(t, <-firstErr, context.Canceled)
	items := <-live
	require.Len(t, items, 1)
	assert.Equal(t, "A", items[0].Title)
	assert.True(t, strings.HasPrefix(svc.SearchFormatted(context.Background(), "shared query", 1), "[P1] A\n"))
}

func TestSearch_ErrorsAreNotCached(t *testing.T) {
	svc, _, emb, _ := newFixture(match("A", "a", 0.9))
	emb.err = errors.New("backend down")

	_, err := svc.Search(context.Background(), "q", 1)
	require.Error(t, err)

	emb.err = nil
	items, err := svc.Search(context.Background(), "q", 1)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestSearchFormatted_Handles(t *testing.T) {
	svc, _, _, _ := newFixture(match("GCN", "graph convolution", 0.9), match("GAT", "graph attention", 0.8), match("SAGE", "sampling", 0.7))

	out := svc.SearchFormatted(context.Background(), "graphs", 3)
	blocks := strings.Split(out, "\n\n---\n\n")
	require.Len(t, blocks, 3)
	for i, b := range blocks {
		assert.True(t, strings.HasPrefix(b, "[P"+string(rune('1'+i))+"] "), "block %d: %q", i, b)
	}
	assert.Contains(t, blocks[0], "Authors: Kipf T, Welling M | Year: 2017 | Source: arXiv\n")
	assert.Contains(t, blocks[0], "URL: https://arxiv.org/abs/1609.02907\n\ngraph convolution")
}

func TestSearchFormatted_NoResults(t *testing.T) {
	svc, _, _, _ := newFixture()
	assert.Equal(t, NoEvidence, svc.SearchFormatted(context.Background(), "anything", 4))
}

func TestSearchFormatted_ErrorBecomesSentinel(t *testing.T) {
	svc, idx, _, rec := newFixture(match("A", "a", 0.9))
	idx.err = errors.New("index unavailable")

	assert.Equal(t, NoEvidence, svc.SearchFormatted(context.Background(), "q", 2))
	assert.Equal(t, 1, rec.Summary().Errors)
}

func TestFormat_Defaults(t *testing.T) {
	out := Format([]EvidenceItem{{Text: "body"}})
	assert.Equal(t, "[P1] Untitled\nAuthors: Unknown | Year: n.d. | Source: N/A\n\nbody", out)
}

func TestVerifyClaim(t *testing.T) {
	svc, idx, _, _ := newFixture()
	ctx := context.Background()

	caution := svc.VerifyClaim(ctx, "GNNs beat CNNs on images", 0)
	assert.Contains(t, caution, "avoid inventing citations")

	idx.mutate(match("GCN", "graph convolution", 0.9))
	out := svc.VerifyClaim(ctx, "GNNs beat CNNs on images", 0)
	assert.True(t, strings.HasPrefix(out, "Below are the most relevant passages"))
	assert.Contains(t, out, "\n\n[P1] GCN\n")
}
