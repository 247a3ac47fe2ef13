package ingest

import (
	"strings"

	"github.com/kalambet/litscout/internal/papers"
)

// Section is one labelled field of an uploaded document.
type Section struct {
	Field   string `json:"field"`
	Content string `json:"content"`
}

// UploadedDocument is a user-supplied paper as a list of sections, plus an
// optional list of already structured records.
type UploadedDocument struct {
	Sections []Section       `json:"sections"`
	Papers   []papers.Record `json:"papers,omitempty"`
}

// field returns the trimmed content of the first section named name,
// compared case-insensitively.
func (d UploadedDocument) field(name string) string {
	for _, s := range d.Sections {
		if strings.EqualFold(strings.TrimSpace(s.Field), name) {
			return strings.TrimSpace(s.Content)
		}
	}
	return ""
}

// Record builds a paper from the sections. It reports false when the
// sections lack a title or any content.
func (d UploadedDocument) Record() (papers.Record, bool) {
	title := d.field("title")
	if title == "" {
		return papers.Record{}, false
	}

	abstract := d.field("abstract")
	if abstract == "" {
		var parts []string
		for _, s := range d.Sections {
			if strings.EqualFold(strings.TrimSpace(s.Field), "title") {
				continue
			}
			if c := strings.TrimSpace(s.Content); c != "" {
				parts = append(parts, c)
			}
		}
		abstract = strings.Join(parts, "\n\n")
	}
	if abstract == "" {
		return papers.Record{}, false
	}

	return papers.Record{
		Title:    title,
		Authors:  d.field("authors"),
		Year:     d.field("year"),
		Abstract: abstract,
		Source:   papers.SourceUserUploaded,
		URL:      d.field("url"),
	}, true
}
