package search

import (
	"context"
	"fmt"
	"strings"

	"github.com/kalambet/litscout/internal/telemetry"
)

// NoEvidence is returned by SearchFormatted when nothing matches.
const NoEvidence = "No supporting passages found in the indexed literature."

const blockSeparator = "\n\n---\n\n"

const verifyCaution = "Unable to find strong supporting evidence for this claim in the current corpus.\n" +
	"Use cautious language, mark this as uncertain, and avoid inventing citations."

const verifyPreamble = "Below are the most relevant passages from the indexed literature. " +
	"Only treat the claim as strongly supported if at least one passage " +
	"directly states or numerically supports it. If not, mark it as " +
	"partially supported or unsupported and explain the gap.\n"

// SearchFormatted renders the results of Search as citation blocks labelled
// [P1]..[Pn] in rank order. Failures are recorded and reported as NoEvidence.
func (s *Service) SearchFormatted(ctx context.Context, query string, k int) string {
	items, err := s.Search(ctx, query, k)
	if err != nil {
		s.logger.Warn("search failed", "error", err)
		s.sink.Record(telemetry.Error("search", err, telemetry.Truncate(query, 100)))
		return NoEvidence
	}
	return Format(items)
}

// Format renders evidence items as citation blocks.
func Format(items []EvidenceItem) string {
	if len(items) == 0 {
		return NoEvidence
	}
	blocks := make([]string, len(items))
	for i, it := range items {
		var b strings.Builder
		fmt.Fprintf(&b, "[P%d] %s\n", i+1, orDefault(it.Title, "Untitled"))
		fmt.Fprintf(&b, "Authors: %s | Year: %s | Source: %s\n",
			orDefault(it.Authors, "Unknown"), orDefault(it.Year, "n.d."), orDefault(it.Source, "N/A"))
		if it.URL != "" {
			fmt.Fprintf(&b, "URL: %s\n", it.URL)
		}
		b.WriteString("\n")
		b.WriteString(it.Text)
		blocks[i] = b.String()
	}
	return strings.Join(blocks, blockSeparator)
}

// VerifyClaim gathers evidence for a claim. Without evidence it returns a
// caution telling the caller not to invent citations.
func (s *Service) VerifyClaim(ctx context.Context, claim string, k int) string {
	if k <= 0 {
		k = DefaultVerifyK
	}
	evidence := s.SearchFormatted(ctx, claim, k)
	if evidence == NoEvidence {
		return verifyCaution
	}
	return verifyPreamble + "\n" + evidence
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
