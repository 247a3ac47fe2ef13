package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/litscout/internal/ingest"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Session Service
	Version string
}

const mcpInstructions = "litscout - academic literature retrieval and citation evidence. " +
	"Call retrieve_papers once per research idea, then rag_search and verify_claim while writing. " +
	"Cite evidence only by the [P#] handles the tools return and never invent references."

// NewMCPServer creates an MCP server with all litscout tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"litscout",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions(mcpInstructions),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("rag_search",
			mcp.WithDescription("Search the indexed literature. Returns passages labelled [P1]..[Pn]; cite them by these handles."),
			mcp.WithString("query", mcp.Description("What to look for"), mcp.Required()),
			mcp.WithNumber("k", mcp.Description("Number of passages (default 4)")),
		),
		mcpRAGSearch(deps),
	)

	s.AddTool(
		mcp.NewTool("verify_claim",
			mcp.WithDescription("Gather evidence for a claim. Passages are labelled [P#]; when nothing supports the claim a caution is returned instead."),
			mcp.WithString("claim", mcp.Description("The claim to check"), mcp.Required()),
			mcp.WithNumber("k", mcp.Description("Number of passages (default 6)")),
		),
		mcpVerifyClaim(deps),
	)

	s.AddTool(
		mcp.NewTool("retrieve_papers",
			mcp.WithDescription("Fetch papers for a research idea from arXiv, Semantic Scholar and PubMed and add them to the index."),
			mcp.WithString("idea", mcp.Description("The research idea"), mcp.Required()),
			mcp.WithArray("domains", mcp.Description("Research domains to narrow the search"), mcp.Items(map[string]any{"type": "string"})),
		),
		mcpRetrievePapers(deps),
	)

	s.AddTool(
		mcp.NewTool("index_paper",
			mcp.WithDescription("Add one paper supplied by the user to the index."),
			mcp.WithString("title", mcp.Description("Paper title"), mcp.Required()),
			mcp.WithString("abstract", mcp.Description("Abstract or main text"), mcp.Required()),
			mcp.WithString("authors", mcp.Description("Comma separated authors")),
			mcp.WithString("year", mcp.Description("Publication year")),
			mcp.WithString("url", mcp.Description("Link to the paper")),
		),
		mcpIndexPaper(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"session://metrics",
			"Session Metrics",
			mcp.WithResourceDescription("Telemetry summary of the current session"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceMetrics(deps),
	)

	return s
}

func mcpRAGSearch(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil || strings.TrimSpace(query) == "" {
			return mcpError("query is required"), nil
		}
		k := clampK(req.GetInt("k", 0))
		return mcpText(deps.Session.SimilaritySearch(ctx, query, k)), nil
	}
}

func mcpVerifyClaim(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		claim, err := req.RequireString("claim")
		if err != nil || strings.TrimSpace(claim) == "" {
			return mcpError("claim is required"), nil
		}
		k := clampK(req.GetInt("k", 0))
		return mcpText(deps.Session.VerifyClaim(ctx, claim, k)), nil
	}
}

func mcpRetrievePapers(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		idea, err := req.RequireString("idea")
		if err != nil || strings.TrimSpace(idea) == "" {
			return mcpError("idea is required"), nil
		}
		domains := req.GetStringSlice("domains", nil)

		found, err := deps.Session.RetrieveAndIndex(ctx, idea, domains)
		if errors.Is(err, ingest.ErrNoPapers) {
			return mcpError(NoPapersMessage), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("retrieval failed: %v", err)), nil
		}

		type paperResult struct {
			Title   string `json:"title"`
			Authors string `json:"authors,omitempty"`
			Year    string `json:"year,omitempty"`
			Source  string `json:"source"`
			URL     string `json:"url,omitempty"`
		}
		results := make([]paperResult, len(found))
		for i, p := range found {
			results[i] = paperResult{
				Title:   p.Title,
				Authors: p.Authors,
				Year:    p.Year,
				Source:  string(p.Source),
				URL:     p.URL,
			}
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpIndexPaper(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		title, err := req.RequireString("title")
		if err != nil || strings.TrimSpace(title) == "" {
			return mcpError("title is required"), nil
		}
		abstract, err := req.RequireString("abstract")
		if err != nil || strings.TrimSpace(abstract) == "" {
			return mcpError("abstract is required"), nil
		}

		doc := ingest.UploadedDocument{Sections: []ingest.Section{
			{Field: "title", Content: title},
			{Field: "abstract", Content: abstract},
			{Field: "authors", Content: req.GetString("authors", "")},
			{Field: "year", Content: req.GetString("year", "")},
			{Field: "url", Content: req.GetString("url", "")},
		}}
		rec, err := deps.Session.IndexUploadedPaper(ctx, doc)
		if err != nil {
			return mcpError(fmt.Sprintf("indexing failed: %v", err)), nil
		}
		if rec == nil {
			return mcpError("paper has no usable content"), nil
		}
		return mcpText(fmt.Sprintf("Indexed %q", rec.Title)), nil
	}
}

func mcpResourceMetrics(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(deps.Session.Summary())
		if err != nil {
			return nil, fmt.Errorf("failed to marshal metrics: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func clampK(k int) int {
	if k <= 0 {
		return 0
	}
	return min(k, maxK)
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
