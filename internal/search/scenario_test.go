package search

import (
	"context"
	"hash/fnv"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/litscout/internal/engine"
	"github.com/kalambet/litscout/internal/papers"
	"github.com/kalambet/litscout/internal/retrieval"
	"github.com/kalambet/litscout/internal/storage"
	"github.com/kalambet/litscout/internal/telemetry"
)

// wordEngine hashes words into buckets; texts sharing vocabulary score high.
type wordEngine struct{}

func (wordEngine) Embed(_ context.Context, _ string, text string) ([]float32, error) {
	v := make([]float32, 64)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(w))
		v[h.Sum32()%63]++
	}
	v[63] = 0.01
	return v, nil
}

func (e wordEngine) EmbedBatch(ctx context.Context, model string, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i], _ = e.Embed(ctx, model, t)
	}
	return out, nil
}

func (wordEngine) IsRunning(context.Context) bool                                     { return true }
func (wordEngine) HasModel(context.Context, string) bool                              { return true }
func (wordEngine) PullModel(context.Context, string, func(engine.PullProgress)) error { return nil }

func TestScenario_HappyPath(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	st, err := storage.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	embedder := retrieval.NewEmbedder(wordEngine{}, "words", 0)
	idx, err := retrieval.Open(ctx, retrieval.IndexOptions{
		Dir:      filepath.Join(dir, "index"),
		Store:    retrieval.NewSQLiteStore(st.DB()),
		Embedder: embedder,
		Sink:     telemetry.Nop{},
	})
	require.NoError(t, err)

	docs := []retrieval.Document{
		{Text: "graph neural networks aggregate neighbor features", Meta: papers.Metadata{Title: "GNN Survey", Source: papers.SourceArXiv}},
		{Text: "message passing graph neural networks for molecules", Meta: papers.Metadata{Title: "MPNN", Source: papers.SourceSemanticScholar}},
		{Text: "randomized controlled trial of statin therapy", Meta: papers.Metadata{Title: "Statins", Source: papers.SourcePubMed}},
		{Text: "ocean temperature anomalies in the pacific", Meta: papers.Metadata{Title: "Oceans", Source: papers.SourceArXiv}},
	}
	require.NoError(t, idx.AddDocuments(ctx, docs))
	require.Equal(t, 5, idx.Count())

	svc := New(idx, embedder, Options{})
	items, err := svc.Search(ctx, "graph neural networks", 3)
	require.NoError(t, err)
	require.Len(t, items, 3)

	titles := []string{items[0].Title, items[1].Title}
	assert.ElementsMatch(t, []string{"GNN Survey", "MPNN"}, titles)

	out := svc.SearchFormatted(ctx, "graph neural networks", 3)
	assert.True(t, strings.HasPrefix(out, "[P1] "))
	assert.Equal(t, 3, strings.Count(out, "\n\n---\n\n")+1)
}
