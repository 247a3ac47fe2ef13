package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/kalambet/litscout/internal/papers"
	"github.com/kalambet/litscout/internal/telemetry"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, val)
}

func printStep(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorCyan, "→ "+msg))
}

// writePapers lists retrieved papers, one numbered entry each.
func writePapers(w io.Writer, recs []papers.Record) {
	for i, r := range recs {
		fmt.Fprintf(w, "%2d. %s\n", i+1, colorize(colorBold, r.Title))
		var meta []string
		if r.Authors != "" {
			meta = append(meta, r.Authors)
		}
		if r.Year != "" {
			meta = append(meta, r.Year)
		}
		meta = append(meta, string(r.Source))
		fmt.Fprintf(w, "    %s\n", strings.Join(meta, " | "))
		if r.URL != "" {
			fmt.Fprintf(w, "    %s\n", r.URL)
		}
	}
}

func writeSummary(w io.Writer, s telemetry.Summary) {
	fmt.Fprintf(w, "  %s %d (%.0f%% ok)\n", colorize(colorBold, "API calls:"), s.APICalls, s.APISuccessRate*100)
	sources := make([]string, 0, len(s.CallsBySource))
	for src := range s.CallsBySource {
		sources = append(sources, src)
	}
	sort.Strings(sources)
	for _, src := range sources {
		fmt.Fprintf(w, "    %s: %d\n", src, s.CallsBySource[src])
	}
	fmt.Fprintf(w, "  %s %d\n", colorize(colorBold, "Papers fetched:"), s.PapersFetched)
	fmt.Fprintf(w, "  %s %d (cache hit rate %.0f%%)\n", colorize(colorBold, "RAG operations:"), s.RAGOps, s.CacheHitRate*100)
	if s.AgentRuns > 0 || s.LLMCalls > 0 {
		fmt.Fprintf(w, "  %s %d runs, %d LLM calls, ~%d tokens\n", colorize(colorBold, "Agents:"), s.AgentRuns, s.LLMCalls, s.EstimatedTokens)
	}
	fmt.Fprintf(w, "  %s %d\n", colorize(colorBold, "Errors:"), s.Errors)
	fmt.Fprintf(w, "  %s %.1fs\n", colorize(colorBold, "Duration:"), s.DurationMS/1000)
}
