package sources

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/litscout/internal/papers"
	"github.com/kalambet/litscout/internal/telemetry"
)

func testFetcher(rec telemetry.Sink) *Fetcher {
	f := NewFetcher(Policy{
		MinDelay:       0,
		RetryDelay:     time.Millisecond,
		RequestTimeout: 2 * time.Second,
		MaxAttempts:    3,
	}, nil, rec)
	return f
}

const atomSample = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <entry>
    <id>http://arxiv.org/abs/2101.00001v1</id>
    <published>2021-01-04T10:00:00Z</published>
    <title>Graph Neural
      Networks for Molecules</title>
    <summary>  We study GNNs
      on molecular graphs. </summary>
    <author><name>Ada Lovelace</name></author>
    <author><name>Alan Turing</name></author>
  </entry>
  <entry>
    <id>http://arxiv.org/abs/2101.00002v1</id>
    <published>2020-05-01T00:00:00Z</published>
    <title>Second</title>
    <summary>Another abstract.</summary>
  </entry>
</feed>`

func TestArXiv_Fetch(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("search_query")
		assert.Equal(t, "4", r.URL.Query().Get("max_results"))
		w.Write([]byte(atomSample))
	}))
	defer srv.Close()

	rec := telemetry.NewRecorder("")
	a := NewArXiv(testFetcher(rec), Options{BaseURL: srv.URL})
	got := a.Fetch(context.Background(), "gnn drug", a.DefaultLimit())

	assert.Equal(t, "all:gnn drug", gotQuery)
	require.Len(t, got, 2)
	assert.Equal(t, "Graph Neural Networks for Molecules", got[0].Title)
	assert.Equal(t, "We study GNNs on molecular graphs.", got[0].Abstract)
	assert.Equal(t, "Ada Lovelace, Alan Turing", got[0].Authors)
	assert.Equal(t, "2021", got[0].Year)
	assert.Equal(t, "http://arxiv.org/abs/2101.00001v1", got[0].URL)
	assert.Equal(t, papers.SourceArXiv, got[0].Source)

	events := rec.Events()
	require.Len(t, events, 1)
	assert.Equal(t, telemetry.KindAPICall, events[0].Kind)
	assert.True(t, events[0].API.Success)
	assert.Equal(t, 2, events[0].API.ResultCount)
}

func TestSemanticScholar_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("x-api-key"))
		assert.Equal(t, "title,authors,year,abstract,url", r.URL.Query().Get("fields"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":[
			{"title":"Deep <i>learning</i>","authors":[{"name":"A"},{"name":"B"}],"year":2019,"abstract":"Abs.","url":"https://s2/1"},
			{"title":"No abstract","authors":[],"year":null,"abstract":null,"url":""}
		]}`))
	}))
	defer srv.Close()

	s := NewSemanticScholar(testFetcher(telemetry.Nop{}), Options{BaseURL: srv.URL, APIKey: "secret"})
	got := s.Fetch(context.Background(), "q", 3)

	require.Len(t, got, 2)
	assert.Equal(t, "Deep learning", got[0].Title)
	assert.Equal(t, "A, B", got[0].Authors)
	assert.Equal(t, "2019", got[0].Year)
	assert.Equal(t, "", got[1].Year)
	assert.Equal(t, "", got[1].Abstract)
}

const efetchSample = `<?xml version="1.0"?>
<PubmedArticleSet>
  <PubmedArticle>
    <MedlineCitation>
      <PMID Version="1">12345</PMID>
      <Article>
        <Journal><JournalIssue><PubDate><Year>2022</Year></PubDate></JournalIssue></Journal>
        <ArticleTitle>CRISPR in <i>E. coli</i></ArticleTitle>
        <Abstract>
          <AbstractText>First part with H<sub>2</sub>O.</AbstractText>
          <AbstractText>Second part.</AbstractText>
        </Abstract>
        <AuthorList>
          <Author><LastName>Curie</LastName><ForeName>Marie</ForeName></Author>
          <Author><CollectiveName>Consortium</CollectiveName></Author>
          <Author><LastName>Franklin</LastName><ForeName>Rosalind</ForeName></Author>
        </AuthorList>
      </Article>
    </MedlineCitation>
  </PubmedArticle>
</PubmedArticleSet>`

func TestPubMed_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/esearch.fcgi"):
			assert.Equal(t, "key", r.URL.Query().Get("api_key"))
			w.Write([]byte(`{"esearchresult":{"idlist":["12345"]}}`))
		case strings.HasSuffix(r.URL.Path, "/efetch.fcgi"):
			assert.Equal(t, "12345", r.URL.Query().Get("id"))
			w.Write([]byte(efetchSample))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	rec := telemetry.NewRecorder("")
	p := NewPubMed(testFetcher(rec), Options{BaseURL: srv.URL, APIKey: "key"})
	got := p.Fetch(context.Background(), "crispr", 3)

	require.Len(t, got, 1)
	assert.Equal(t, "CRISPR in E. coli", got[0].Title)
	assert.Equal(t, "First part with H2O.", got[0].Abstract)
	assert.Equal(t, "Curie Marie, Franklin Rosalind", got[0].Authors)
	assert.Equal(t, "2022", got[0].Year)
	assert.Equal(t, "https://pubmed.ncbi.nlm.nih.gov/12345", got[0].URL)
	assert.Len(t, rec.Events(), 1, "esearch + efetch count as one fetch")
}

func TestPubMed_NoIDs(t *testing.T) {
	var efetchCalled atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/efetch.fcgi") {
			efetchCalled.Store(true)
		}
		w.Write([]byte(`{"esearchresult":{"idlist":[]}}`))
	}))
	defer srv.Close()

	rec := telemetry.NewRecorder("")
	got := NewPubMed(testFetcher(rec), Options{BaseURL: srv.URL}).Fetch(context.Background(), "q", 3)
	assert.Empty(t, got)
	assert.False(t, efetchCalled.Load())
	require.Len(t, rec.Events(), 1)
	assert.True(t, rec.Events()[0].API.Success)
}

func TestFetcher_RetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"data":[{"title":"T","authors":[],"year":2020,"abstract":"A","url":"u"}]}`))
	}))
	defer srv.Close()

	rec := telemetry.NewRecorder("")
	got := NewSemanticScholar(testFetcher(rec), Options{BaseURL: srv.URL}).Fetch(context.Background(), "q", 3)

	assert.Len(t, got, 1)
	assert.Equal(t, int32(3), calls.Load())
	events := rec.Events()
	require.Len(t, events, 1)
	assert.True(t, events[0].API.Success)
	assert.Equal(t, 3, events[0].API.Attempts)
}

func TestFetcher_GivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	rec := telemetry.NewRecorder("")
	got := NewArXiv(testFetcher(rec), Options{BaseURL: srv.URL}).Fetch(context.Background(), "q", 4)

	assert.Empty(t, got)
	assert.Equal(t, int32(3), calls.Load())
	events := rec.Events()
	require.Len(t, events, 1)
	assert.False(t, events[0].API.Success)
	assert.NotEmpty(t, events[0].API.Error)
}

func TestFetcher_FailsFastOnOtherErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	rec := telemetry.NewRecorder("")
	got := NewArXiv(testFetcher(rec), Options{BaseURL: srv.URL}).Fetch(context.Background(), "q", 4)

	assert.Empty(t, got)
	assert.Equal(t, int32(1), calls.Load())
	require.Len(t, rec.Events(), 1)
	assert.Equal(t, 1, rec.Events()[0].API.Attempts)
}

func TestFetcher_UnavailableWithoutRetryAfterFailsFast(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	rec := telemetry.NewRecorder("")
	got := NewArXiv(testFetcher(rec), Options{BaseURL: srv.URL}).Fetch(context.Background(), "q", 4)

	assert.Empty(t, got)
	assert.Equal(t, int32(1), calls.Load())
	require.Len(t, rec.Events(), 1)
	assert.False(t, rec.Events()[0].API.Success)
}

func TestFetcher_MalformedBodyIsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	got := NewSemanticScholar(testFetcher(telemetry.Nop{}), Options{BaseURL: srv.URL}).Fetch(context.Background(), "q", 3)
	assert.Empty(t, got)
}

func TestFetcher_TimeoutIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	f := NewFetcher(Policy{RequestTimeout: 50 * time.Millisecond, MaxAttempts: 3}, nil, telemetry.Nop{})
	got := NewArXiv(f, Options{BaseURL: srv.URL}).Fetch(context.Background(), "q", 4)
	assert.Empty(t, got)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetcher_TruncatesQueryInEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	rec := telemetry.NewRecorder("")
	NewSemanticScholar(testFetcher(rec), Options{BaseURL: srv.URL}).Fetch(context.Background(), strings.Repeat("q", 300), 3)
	require.Len(t, rec.Events(), 1)
	assert.Len(t, rec.Events()[0].API.Query, 100)
}

func TestSourceError(t *testing.T) {
	err := &SourceError{Source: papers.SourcePubMed, Kind: Transient, Status: 429, Err: assert.AnError}
	assert.True(t, IsTransient(err))
	assert.ErrorIs(t, err, assert.AnError)
	assert.Contains(t, err.Error(), "status 429")
	assert.False(t, IsTransient(&SourceError{Kind: Permanent}))
}

func TestStripMarkup(t *testing.T) {
	cases := []struct{ in, want string }{
		{"plain   text\n here", "plain text here"},
		{"A <i>novel</i> method", "A novel method"},
		{"Fish &amp; chips", "Fish & chips"},
		{"<jats:p>Para one</jats:p><jats:p>two</jats:p>", "Para one two"},
		{"", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, StripMarkup(tc.in), "input %q", tc.in)
	}
}

func TestDefaultAdapters(t *testing.T) {
	adapters := DefaultAdapters(testFetcher(telemetry.Nop{}), "", "")
	require.Len(t, adapters, 3)
	assert.Equal(t, papers.SourceArXiv, adapters[0].Name())
	assert.Equal(t, 4, adapters[0].DefaultLimit())
	assert.Equal(t, 3, adapters[1].DefaultLimit())
	assert.Equal(t, 3, adapters[2].DefaultLimit())
}
