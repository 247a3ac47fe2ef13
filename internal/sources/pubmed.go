package sources

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/kalambet/litscout/internal/papers"
)

const (
	pubmedBaseURL    = "https://eutils.ncbi.nlm.nih.gov/entrez/eutils"
	pubmedArticleURL = "https://pubmed.ncbi.nlm.nih.gov/"
)

// PubMed queries NCBI E-utilities: esearch for ids, then efetch for records.
type PubMed struct {
	f       *Fetcher
	baseURL string
	apiKey  string
}

// NewPubMed creates the PubMed adapter. The NCBI API key is optional.
func NewPubMed(f *Fetcher, opts Options) *PubMed {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = pubmedBaseURL
	}
	return &PubMed{f: f, baseURL: base, apiKey: opts.APIKey}
}

func (p *PubMed) Name() papers.Source { return papers.SourcePubMed }
func (p *PubMed) DefaultLimit() int   { return 3 }

type esearchResponse struct {
	Result struct {
		IDList []string `json:"idlist"`
	} `json:"esearchresult"`
}

type pubmedArticleSet struct {
	Articles []pubmedArticle `xml:"PubmedArticle"`
}

type pubmedArticle struct {
	PMID    string `xml:"MedlineCitation>PMID"`
	Article struct {
		Title    innerXML   `xml:"ArticleTitle"`
		Abstract []innerXML `xml:"Abstract>AbstractText"`
		Authors  []struct {
			LastName string `xml:"LastName"`
			ForeName string `xml:"ForeName"`
		} `xml:"AuthorList>Author"`
		PubYear string `xml:"Journal>JournalIssue>PubDate>Year"`
	} `xml:"MedlineCitation>Article"`
}

// innerXML keeps nested inline markup so it can be stripped afterwards.
type innerXML struct {
	Inner string `xml:",innerxml"`
}

// Fetch runs esearch then efetch; both requests form one attempt.
func (p *PubMed) Fetch(ctx context.Context, query string, limit int) []papers.Record {
	return p.f.run(ctx, p.Name(), query, func(ctx context.Context) ([]papers.Record, error) {
		ids, err := p.search(ctx, query, limit)
		if err != nil || len(ids) == 0 {
			return nil, err
		}
		return p.fetchArticles(ctx, ids)
	})
}

func (p *PubMed) params() url.Values {
	q := url.Values{}
	q.Set("db", "pubmed")
	if p.apiKey != "" {
		q.Set("api_key", p.apiKey)
	}
	return q
}

func (p *PubMed) search(ctx context.Context, query string, limit int) ([]string, error) {
	q := p.params()
	q.Set("term", query)
	q.Set("retmax", strconv.Itoa(limit))
	q.Set("retmode", "json")

	body, err := p.f.get(ctx, p.Name(), p.baseURL+"/esearch.fcgi?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var resp esearchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &SourceError{Source: p.Name(), Kind: Permanent, Err: fmt.Errorf("decoding esearch: %w", err)}
	}
	return resp.Result.IDList, nil
}

func (p *PubMed) fetchArticles(ctx context.Context, ids []string) ([]papers.Record, error) {
	q := p.params()
	q.Set("id", strings.Join(ids, ","))
	q.Set("retmode", "xml")

	body, err := p.f.get(ctx, p.Name(), p.baseURL+"/efetch.fcgi?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var set pubmedArticleSet
	if err := xml.Unmarshal(body, &set); err != nil {
		return nil, &SourceError{Source: p.Name(), Kind: Permanent, Err: fmt.Errorf("decoding efetch: %w", err)}
	}

	out := make([]papers.Record, 0, len(set.Articles))
	for _, a := range set.Articles {
		var names []string
		for _, au := range a.Article.Authors {
			// Authors without both name parts are skipped.
			if au.LastName == "" || au.ForeName == "" {
				continue
			}
			names = append(names, au.LastName+" "+au.ForeName)
		}
		rec := papers.Record{
			Title:   StripMarkup(a.Article.Title.Inner),
			Authors: strings.Join(names, ", "),
			Year:    strings.TrimSpace(a.Article.PubYear),
			Source:  papers.SourcePubMed,
		}
		if len(a.Article.Abstract) > 0 {
			rec.Abstract = StripMarkup(a.Article.Abstract[0].Inner)
		}
		if pmid := strings.TrimSpace(a.PMID); pmid != "" {
			rec.URL = pubmedArticleURL + pmid
		}
		out = append(out, rec)
	}
	return out, nil
}
