package papers

import (
	"errors"
	"testing"
)

func TestDedup_KeepsFirstOccurrence(t *testing.T) {
	in := []Record{
		{Title: "A", Source: SourceArXiv},
		{Title: "B", Source: SourceArXiv},
		{Title: "A", Source: SourcePubMed},
		{Title: " B ", Source: SourceSemanticScholar},
		{Title: "C", Source: SourcePubMed},
		{Title: "A", Source: SourceSemanticScholar},
	}

	got := Dedup(in)

	want := []struct {
		title  string
		source Source
	}{
		{"A", SourceArXiv},
		{"B", SourceArXiv},
		{"C", SourcePubMed},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d records, want %d", len(got), len(want))
	}
	for i, w := range want {
		if Key(got[i].Title) != w.title || got[i].Source != w.source {
			t.Errorf("record %d = (%q, %s), want (%q, %s)", i, got[i].Title, got[i].Source, w.title, w.source)
		}
	}
}

func TestDedup_Idempotent(t *testing.T) {
	in := []Record{{Title: "x"}, {Title: "y"}, {Title: "x"}, {Title: "z"}, {Title: "y"}}
	once := Dedup(in)
	twice := Dedup(once)
	if len(once) != len(twice) {
		t.Fatalf("second pass changed length: %d vs %d", len(once), len(twice))
	}
	for i := range once {
		if once[i].Title != twice[i].Title {
			t.Errorf("position %d: %q vs %q", i, once[i].Title, twice[i].Title)
		}
	}
}

func TestDedup_NearDuplicatesStayDistinct(t *testing.T) {
	got := Dedup([]Record{{Title: "Graph Neural Networks"}, {Title: "Graph neural networks"}, {Title: "Graph Neural Networks."}})
	if len(got) != 3 {
		t.Errorf("got %d records, want 3 (exact matching only)", len(got))
	}
}

func TestDedup_DropsUntitled(t *testing.T) {
	got := Dedup([]Record{{Title: "  "}, {Title: ""}, {Title: "kept"}})
	if len(got) != 1 || got[0].Title != "kept" {
		t.Errorf("got %+v, want only the titled record", got)
	}
}

func TestContent_FallsBackToTitle(t *testing.T) {
	r := Record{Title: "Only a title", Abstract: "  "}
	if r.Content() != "Only a title" {
		t.Errorf("Content() = %q, want title", r.Content())
	}
	r.Abstract = "An abstract"
	if r.Content() != "An abstract" {
		t.Errorf("Content() = %q, want abstract", r.Content())
	}
}

func TestMetadataValidate(t *testing.T) {
	if err := (Metadata{Title: " "}).Validate(); !errors.Is(err, ErrMissingTitle) {
		t.Errorf("Validate() = %v, want ErrMissingTitle", err)
	}
	if err := (Record{Title: " T ", Source: SourcePubMed}).Metadata().Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}

func TestYearString(t *testing.T) {
	if YearString(0) != "" {
		t.Errorf("YearString(0) = %q, want empty", YearString(0))
	}
	if YearString(2021) != "2021" {
		t.Errorf("YearString(2021) = %q", YearString(2021))
	}
}
