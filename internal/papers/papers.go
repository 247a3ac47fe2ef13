// Package papers defines the paper records exchanged between the catalog
// adapters, the retrieval coordinator and the vector index.
package papers

import (
	"errors"
	"strconv"
	"strings"
)

// Source identifies the catalog a record came from.
type Source string

const (
	SourceArXiv           Source = "arXiv"
	SourceSemanticScholar Source = "Semantic Scholar"
	SourcePubMed          Source = "PubMed"
	SourceUserUploaded    Source = "User Uploaded"
	// SourceSystem marks entries the index creates for itself (the placeholder).
	SourceSystem Source = "System"
)

// ErrMissingTitle is returned when metadata without a title reaches the index.
var ErrMissingTitle = errors.New("paper metadata has no title")

// Record is one paper as returned by a catalog or uploaded by the user.
// Records are transient: the coordinator discards them after indexing.
type Record struct {
	Title    string `json:"title"`
	Authors  string `json:"authors"`
	Year     string `json:"year"`
	Abstract string `json:"abstract"`
	Source   Source `json:"source"`
	URL      string `json:"url"`
}

// Key returns the deduplication identity of a title.
// Matching is exact after trimming; near-duplicates stay distinct.
func Key(title string) string {
	return strings.TrimSpace(title)
}

// Content returns the text that represents the record when no abstract-only
// policy applies: the abstract, or the title when the abstract is blank.
func (r Record) Content() string {
	if strings.TrimSpace(r.Abstract) != "" {
		return r.Abstract
	}
	return r.Title
}

// Metadata returns the catalog entry for the record.
func (r Record) Metadata() Metadata {
	return Metadata{
		Title:   Key(r.Title),
		Source:  r.Source,
		Authors: r.Authors,
		Year:    r.Year,
		URL:     r.URL,
	}
}

// YearString formats an integer publication year; zero means unknown.
func YearString(year int) string {
	if year <= 0 {
		return ""
	}
	return strconv.Itoa(year)
}

// Dedup keeps the first record for every distinct title key, preserving
// order. Records with an empty title are dropped.
func Dedup(records []Record) []Record {
	seen := make(map[string]struct{}, len(records))
	out := make([]Record, 0, len(records))
	for _, r := range records {
		k := Key(r.Title)
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, r)
	}
	return out
}

// Metadata is the fixed per-paper record stored next to every embedding and
// in the human-readable catalog.
type Metadata struct {
	Title   string `json:"title"`
	Source  Source `json:"source"`
	Authors string `json:"authors,omitempty"`
	Year    string `json:"year,omitempty"`
	URL     string `json:"url,omitempty"`
}

// Validate checks the metadata at the index-write boundary.
func (m Metadata) Validate() error {
	if strings.TrimSpace(m.Title) == "" {
		return ErrMissingTitle
	}
	return nil
}
