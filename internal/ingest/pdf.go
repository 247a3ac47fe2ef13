package ingest

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/ledongthuc/pdf"
)

// maxPDFText caps the extracted text kept from one PDF.
const maxPDFText = 200_000

var (
	abstractHeading     = regexp.MustCompile(`(?im)^\s*abstract\b\s*[:.]?\s*`)
	introductionHeading = regexp.MustCompile(`(?im)^\s*(\d+\.?\s*|I\.\s*)?introduction\b`)
)

// ExtractPDF reads a PDF and turns its text into an uploaded document.
func ExtractPDF(r io.ReaderAt, size int64) (UploadedDocument, error) {
	reader, err := pdf.NewReader(r, size)
	if err != nil {
		return UploadedDocument{}, fmt.Errorf("opening pdf: %w", err)
	}
	plain, err := reader.GetPlainText()
	if err != nil {
		return UploadedDocument{}, fmt.Errorf("extracting pdf text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, io.LimitReader(plain, maxPDFText)); err != nil {
		return UploadedDocument{}, fmt.Errorf("reading pdf text: %w", err)
	}
	return DocumentFromText(buf.String()), nil
}

// DocumentFromText splits plain paper text into sections. The first
// non-empty line is the title. The abstract is the text after an "Abstract"
// heading up to "Introduction", or the whole remaining text.
func DocumentFromText(text string) UploadedDocument {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")

	var title string
	rest := ""
	for i, l := range lines {
		if t := strings.TrimSpace(l); t != "" {
			title = t
			rest = strings.Join(lines[i+1:], "\n")
			break
		}
	}
	if title == "" {
		return UploadedDocument{}
	}

	body := rest
	if loc := abstractHeading.FindStringIndex(rest); loc != nil {
		body = rest[loc[1]:]
		if end := introductionHeading.FindStringIndex(body); end != nil {
			body = body[:end[0]]
		}
	}

	return UploadedDocument{Sections: []Section{
		{Field: "Title", Content: title},
		{Field: "Abstract", Content: strings.Join(strings.Fields(body), " ")},
	}}
}
