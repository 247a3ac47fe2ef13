package main

import (
	"bytes"
	"context"
	"encoding/json"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kalambet/litscout/internal/config"
	"github.com/kalambet/litscout/internal/papers"
	"github.com/kalambet/litscout/internal/telemetry"
)

type recordedRequest struct {
	Method      string
	Path        string
	Body        string
	Auth        string
	ContentType string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method:      r.Method,
			Path:        r.URL.RequestURI(),
			Body:        body.String(),
			Auth:        r.Header.Get("Authorization"),
			ContentType: r.Header.Get("Content-Type"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

func TestRemoteSearch_URLEncoding(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /search/formatted": `"ok"`,
	})

	if _, err := remoteSearch(ctx, ts.client(), "attention & memory", 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	reqPath := ts.requests[0].Path
	if strings.Contains(reqPath, "& memory") {
		t.Errorf("query not URL-encoded: %q", reqPath)
	}
	if !strings.Contains(reqPath, "q=attention+%26+memory") {
		t.Errorf("unexpected encoded path: %q", reqPath)
	}
	if !strings.Contains(reqPath, "k=3") {
		t.Errorf("k missing from path: %q", reqPath)
	}
}

func TestRemoteSearch_DefaultKOmitted(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /search/formatted": `"ok"`,
	})

	if _, err := remoteSearch(ctx, ts.client(), "graphs", 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(ts.requests[0].Path, "k=") {
		t.Errorf("k should be omitted when zero: %q", ts.requests[0].Path)
	}
}

func TestRemoteSearch_ServerError(t *testing.T) {
	ts := newTestServer(t, map[string]string{})

	_, err := remoteSearch(ctx, ts.client(), "graphs", 0)
	if err == nil {
		t.Fatal("expected error for 404")
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Errorf("error = %q, want server message", err.Error())
	}
}

func TestUploadFile_JSON(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /papers": `{"id":"up-1","status":"queued"}`,
	})

	path := filepath.Join(t.TempDir(), "paper.json")
	doc := `{"sections":[{"field":"title","content":"Sparse Attention"},{"field":"abstract","content":"We study sparsity."}]}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	id, err := uploadFile(ctx, ts.client(), path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "up-1" {
		t.Errorf("id = %q, want up-1", id)
	}

	r := ts.requests[0]
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	sections, ok := body["sections"].([]any)
	if !ok || len(sections) != 2 {
		t.Fatalf("sections = %v, want 2 entries", body["sections"])
	}
}

func TestUploadFile_PDFMultipart(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /papers/pdf": `{"id":"up-2","status":"queued"}`,
	})

	path := filepath.Join(t.TempDir(), "paper.PDF")
	if err := os.WriteFile(path, []byte("%PDF-1.4 fake"), 0o644); err != nil {
		t.Fatal(err)
	}

	id, err := uploadFile(ctx, ts.client(), path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "up-2" {
		t.Errorf("id = %q, want up-2", id)
	}

	r := ts.requests[0]
	mediaType, params, err := mime.ParseMediaType(r.ContentType)
	if err != nil || mediaType != "multipart/form-data" {
		t.Fatalf("content type = %q, want multipart/form-data", r.ContentType)
	}
	mr := multipart.NewReader(strings.NewReader(r.Body), params["boundary"])
	part, err := mr.NextPart()
	if err != nil {
		t.Fatalf("reading part: %v", err)
	}
	if part.FormName() != "file" || part.FileName() != "paper.PDF" {
		t.Errorf("part = %q/%q, want file/paper.PDF", part.FormName(), part.FileName())
	}
	var content bytes.Buffer
	content.ReadFrom(part)
	if content.String() != "%PDF-1.4 fake" {
		t.Errorf("content = %q", content.String())
	}
}

func TestUploadFile_UnsupportedExtension(t *testing.T) {
	ts := newTestServer(t, map[string]string{})

	path := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := uploadFile(ctx, ts.client(), path); err == nil {
		t.Fatal("expected error for .txt")
	}
	if len(ts.requests) != 0 {
		t.Errorf("expected no requests, got %d", len(ts.requests))
	}
}

func TestVerifyCommand_MissingArgs(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"verify"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing args")
	}
	if !strings.Contains(err.Error(), "requires at least 1 arg") {
		t.Errorf("error = %q, want it to mention the missing arg", err.Error())
	}
}

func TestStatusCommand_Stopped(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	ts.server.Close()

	_, err := ts.client().get(ctx, "/health")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestAPIClient_NoTokenNoHeader(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /health": `{"status":"ok"}`,
	})

	client := ts.client()
	client.token = ""
	resp, err := client.get(ctx, "/health")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()

	if ts.requests[0].Auth != "" {
		t.Errorf("auth = %q, want empty", ts.requests[0].Auth)
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(401)
		w.Write([]byte(`{"error":{"message":"unauthorized","type":"auth_error"}}`))
	}))
	defer ts.Close()

	client := &apiClient{
		baseURL:    ts.URL,
		token:      "bad-token",
		httpClient: ts.Client(),
	}

	resp, err := client.get(ctx, "/metrics")
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}

	var result any
	err = decodeJSON(resp, &result)
	if err == nil {
		t.Fatal("expected error for 401 response")
	}
	if !strings.Contains(err.Error(), "401") || !strings.Contains(err.Error(), "unauthorized") {
		t.Errorf("error = %q, want status and message", err.Error())
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestWritePapers(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()
	noColor = true

	var buf bytes.Buffer
	writePapers(&buf, []papers.Record{
		{Title: "Sparse Attention", Authors: "A. Author", Year: "2021", Source: papers.SourceArXiv, URL: "https://arxiv.org/abs/1"},
		{Title: "Untitled Upload", Source: papers.SourceUserUploaded},
	})

	out := buf.String()
	for _, want := range []string{
		" 1. Sparse Attention",
		"A. Author | 2021 | arXiv",
		"https://arxiv.org/abs/1",
		" 2. Untitled Upload",
		"    User Uploaded\n",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestWriteSummary(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()
	noColor = true

	var buf bytes.Buffer
	writeSummary(&buf, telemetry.Summary{
		APICalls:       4,
		APISuccessRate: 0.75,
		CallsBySource:  map[string]int{"pubmed": 1, "arxiv": 3},
		PapersFetched:  7,
		Errors:         1,
	})

	out := buf.String()
	if !strings.Contains(out, "API calls: 4 (75% ok)") {
		t.Errorf("missing API call line:\n%s", out)
	}
	if strings.Index(out, "arxiv") > strings.Index(out, "pubmed") {
		t.Errorf("sources not sorted:\n%s", out)
	}
	if !strings.Contains(out, "Papers fetched: 7") {
		t.Errorf("missing papers line:\n%s", out)
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" nlp, ,ml ,")
	if len(got) != 2 || got[0] != "nlp" || got[1] != "ml" {
		t.Errorf("splitList = %q, want [nlp ml]", got)
	}
	if splitList("") != nil {
		t.Error("splitList(\"\") should be nil")
	}
}

func TestConfigShowAll(t *testing.T) {
	cfg := config.Config{}
	cfg.Server.Port = 4000
	cfg.Server.Token = "secret"

	keys := config.ShowAll(cfg)
	found := false
	for _, k := range keys {
		if k.Key == "server.port" && k.Value == "4000" {
			found = true
		}
		if k.Value == "secret" {
			t.Errorf("secret leaked under %s", k.Key)
		}
	}
	if !found {
		t.Error("expected to find server.port=4000 in ShowAll output")
	}
}

func TestCountLabel(t *testing.T) {
	tests := []struct {
		count, limit int
		want         string
	}{
		{5, 100, "5"},
		{0, 100, "0"},
		{100, 100, "100+"},
		{150, 100, "150+"},
	}
	for _, tt := range tests {
		got := countLabel(tt.count, tt.limit)
		if got != tt.want {
			t.Errorf("countLabel(%d, %d) = %q, want %q", tt.count, tt.limit, got, tt.want)
		}
	}
}
