package sources

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/kalambet/litscout/internal/papers"
)

const arxivBaseURL = "https://export.arxiv.org/api/query"

// ArXiv queries the arXiv Atom API.
type ArXiv struct {
	f       *Fetcher
	baseURL string
}

// NewArXiv creates the arXiv adapter.
func NewArXiv(f *Fetcher, opts Options) *ArXiv {
	base := opts.BaseURL
	if base == "" {
		base = arxivBaseURL
	}
	return &ArXiv{f: f, baseURL: base}
}

func (a *ArXiv) Name() papers.Source { return papers.SourceArXiv }
func (a *ArXiv) DefaultLimit() int   { return 4 }

type atomFeed struct {
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	ID        string `xml:"id"`
	Title     string `xml:"title"`
	Summary   string `xml:"summary"`
	Published string `xml:"published"`
	Authors   []struct {
		Name string `xml:"name"`
	} `xml:"author"`
}

// Fetch returns up to limit entries sorted by relevance.
func (a *ArXiv) Fetch(ctx context.Context, query string, limit int) []papers.Record {
	q := url.Values{}
	q.Set("search_query", "all:"+query)
	q.Set("start", "0")
	q.Set("max_results", strconv.Itoa(limit))
	q.Set("sortBy", "relevance")
	target := a.baseURL + "?" + q.Encode()

	return a.f.run(ctx, a.Name(), query, func(ctx context.Context) ([]papers.Record, error) {
		body, err := a.f.get(ctx, a.Name(), target, nil)
		if err != nil {
			return nil, err
		}
		var feed atomFeed
		if err := xml.Unmarshal(body, &feed); err != nil {
			return nil, &SourceError{Source: a.Name(), Kind: Permanent, Err: fmt.Errorf("decoding feed: %w", err)}
		}
		return a.records(feed, limit), nil
	})
}

func (a *ArXiv) records(feed atomFeed, limit int) []papers.Record {
	out := make([]papers.Record, 0, len(feed.Entries))
	for _, e := range feed.Entries {
		if limit > 0 && len(out) == limit {
			break
		}
		names := make([]string, 0, len(e.Authors))
		for _, au := range e.Authors {
			if n := collapseSpace(au.Name); n != "" {
				names = append(names, n)
			}
		}
		year := ""
		if p := strings.TrimSpace(e.Published); len(p) >= 4 {
			year = p[:4]
		}
		out = append(out, papers.Record{
			Title:    StripMarkup(e.Title),
			Authors:  strings.Join(names, ", "),
			Year:     year,
			Abstract: StripMarkup(e.Summary),
			Source:   papers.SourceArXiv,
			URL:      strings.TrimSpace(e.ID),
		})
	}
	return out
}
