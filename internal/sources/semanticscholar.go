package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/kalambet/litscout/internal/papers"
)

const semanticScholarBaseURL = "https://api.semanticscholar.org/graph/v1/paper/search"

// SemanticScholar queries the Semantic Scholar Graph API.
type SemanticScholar struct {
	f       *Fetcher
	baseURL string
	apiKey  string
}

// NewSemanticScholar creates the Semantic Scholar adapter. The API key is
// optional.
func NewSemanticScholar(f *Fetcher, opts Options) *SemanticScholar {
	base := opts.BaseURL
	if base == "" {
		base = semanticScholarBaseURL
	}
	return &SemanticScholar{f: f, baseURL: base, apiKey: opts.APIKey}
}

func (s *SemanticScholar) Name() papers.Source { return papers.SourceSemanticScholar }
func (s *SemanticScholar) DefaultLimit() int   { return 3 }

type s2Response struct {
	Data []struct {
		Title   string `json:"title"`
		Authors []struct {
			Name string `json:"name"`
		} `json:"authors"`
		Year     *int    `json:"year"`
		Abstract *string `json:"abstract"`
		URL      string  `json:"url"`
	} `json:"data"`
}

func (s *SemanticScholar) Fetch(ctx context.Context, query string, limit int) []papers.Record {
	q := url.Values{}
	q.Set("query", query)
	q.Set("limit", strconv.Itoa(limit))
	q.Set("fields", "title,authors,year,abstract,url")
	target := s.baseURL + "?" + q.Encode()

	var header http.Header
	if s.apiKey != "" {
		header = http.Header{"x-api-key": []string{s.apiKey}}
	}

	return s.f.run(ctx, s.Name(), query, func(ctx context.Context) ([]papers.Record, error) {
		body, err := s.f.get(ctx, s.Name(), target, header)
		if err != nil {
			return nil, err
		}
		var resp s2Response
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, &SourceError{Source: s.Name(), Kind: Permanent, Err: fmt.Errorf("decoding response: %w", err)}
		}

		out := make([]papers.Record, 0, len(resp.Data))
		for _, p := range resp.Data {
			names := make([]string, 0, len(p.Authors))
			for _, a := range p.Authors {
				names = append(names, a.Name)
			}
			rec := papers.Record{
				Title:   StripMarkup(p.Title),
				Authors: strings.Join(names, ", "),
				Source:  papers.SourceSemanticScholar,
				URL:     p.URL,
			}
			if p.Year != nil {
				rec.Year = papers.YearString(*p.Year)
			}
			if p.Abstract != nil {
				rec.Abstract = StripMarkup(*p.Abstract)
			}
			out = append(out, rec)
		}
		return out, nil
	})
}
