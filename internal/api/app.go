package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/litscout/internal/ingest"
	"github.com/kalambet/litscout/internal/papers"
	"github.com/kalambet/litscout/internal/search"
	"github.com/kalambet/litscout/internal/storage"
	"github.com/kalambet/litscout/internal/telemetry"
)

const (
	maxRequestBodySize = 1 << 20  // 1MB
	maxUploadSize      = 32 << 20 // 32MB
	maxK               = 50
	defaultUploadList  = 20
)

// NoPapersMessage is reported when retrieval finds nothing to index.
const NoPapersMessage = "No relevant papers found."

// Service is the analysis session the handlers operate on.
type Service interface {
	RetrieveAndIndex(ctx context.Context, idea string, domains []string) ([]papers.Record, error)
	IndexUploadedPaper(ctx context.Context, doc ingest.UploadedDocument) (*papers.Record, error)
	SimilaritySearch(ctx context.Context, query string, k int) string
	Evidence(ctx context.Context, query string, k int) ([]search.EvidenceItem, error)
	VerifyClaim(ctx context.Context, claim string, k int) string
	Summary() telemetry.Summary
	Checkpoint() (string, error)
}

// UploadStore keeps uploaded documents and their indexing jobs.
type UploadStore interface {
	SaveUploadAndEnqueue(u storage.Upload, job storage.Job) error
	GetUpload(id string) (storage.Upload, error)
	ListUploads(limit int) ([]storage.Upload, error)
}

type AppDeps struct {
	Session Service
	Uploads UploadStore
	// Sink receives events reported by the orchestration layer.
	Sink  telemetry.Sink
	Token string
}

// NewAppHandler returns the HTTP API. /health is always public; every other
// route requires the bearer token when one is configured.
func NewAppHandler(deps AppDeps) http.Handler {
	if deps.Sink == nil {
		deps.Sink = telemetry.Nop{}
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/retrieve", handleRetrieve(deps))

		r.Get("/papers", handleListUploads(deps))
		r.Post("/papers", handleUploadJSON(deps))
		r.Post("/papers/pdf", handleUploadPDF(deps))
		r.Get("/papers/{id}", handleGetUpload(deps))

		r.Get("/search", handleSearch(deps))
		r.Get("/search/formatted", handleSearchFormatted(deps))
		r.Post("/verify", handleVerify(deps))

		r.Get("/metrics", handleMetrics(deps))
		r.Post("/metrics/checkpoint", handleCheckpoint(deps))
		r.Post("/metrics/events", handleReportEvent(deps))
	})

	return r
}

type RetrieveRequest struct {
	Idea    string   `json:"idea"`
	Domains []string `json:"domains"`
}

type RetrieveResponse struct {
	Count  int             `json:"count"`
	Papers []papers.Record `json:"papers"`
}

func handleRetrieve(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req RetrieveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if strings.TrimSpace(req.Idea) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "idea is required")
			return
		}

		found, err := deps.Session.RetrieveAndIndex(r.Context(), req.Idea, req.Domains)
		if errors.Is(err, ingest.ErrNoPapers) {
			httpError(w, http.StatusNotFound, "not_found_error", NoPapersMessage)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "retrieval failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, RetrieveResponse{Count: len(found), Papers: found})
	}
}

// enqueueUpload stores doc and queues it for the indexing worker.
func enqueueUpload(store UploadStore, kind, filename string, doc ingest.UploadedDocument) (string, error) {
	docJSON, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encoding document: %w", err)
	}
	uploadID := uuid.New().String()
	payload, err := json.Marshal(ingest.IndexPayload{UploadID: uploadID})
	if err != nil {
		return "", fmt.Errorf("encoding job payload: %w", err)
	}
	upload := storage.Upload{
		ID:          uploadID,
		Kind:        kind,
		Filename:    filename,
		PayloadJSON: string(docJSON),
		CreatedAt:   time.Now().UTC(),
	}
	job := storage.Job{
		ID:          uuid.New().String(),
		Type:        ingest.JobIndexPaper,
		PayloadJSON: string(payload),
	}
	if err := store.SaveUploadAndEnqueue(upload, job); err != nil {
		return "", err
	}
	return uploadID, nil
}

func hasContent(doc ingest.UploadedDocument) bool {
	_, ok := doc.Record()
	return ok || len(papers.Dedup(doc.Papers)) > 0
}

func handleUploadJSON(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var doc ingest.UploadedDocument
		if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if !hasContent(doc) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "document needs a title and content, or a list of papers")
			return
		}

		id, err := enqueueUpload(deps.Uploads, "json", "", doc)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to queue document: %v", err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": storage.UploadQueued})
	}
}

func handleUploadPDF(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
		if err := r.ParseMultipartForm(maxUploadSize); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid multipart form: %v", err)
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "file field is required")
			return
		}
		defer file.Close()

		doc, err := ingest.ExtractPDF(file, header.Size)
		if err != nil {
			httpError(w, http.StatusUnprocessableEntity, "invalid_request_error", "could not read pdf: %v", err)
			return
		}
		if !hasContent(doc) {
			httpError(w, http.StatusUnprocessableEntity, "invalid_request_error", "no text could be extracted from %s", header.Filename)
			return
		}

		id, err := enqueueUpload(deps.Uploads, "pdf", filepath.Base(header.Filename), doc)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to queue document: %v", err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": storage.UploadQueued})
	}
}

type UploadResponse struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Filename   string    `json:"filename,omitempty"`
	Status     string    `json:"status"`
	PaperTitle string    `json:"paper_title,omitempty"`
	Chunks     int       `json:"chunks"`
	LastError  string    `json:"last_error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func uploadResponse(u storage.Upload) UploadResponse {
	return UploadResponse{
		ID:         u.ID,
		Kind:       u.Kind,
		Filename:   u.Filename,
		Status:     u.Status,
		PaperTitle: u.PaperTitle,
		Chunks:     u.Chunks,
		LastError:  u.LastError,
		CreatedAt:  u.CreatedAt,
		UpdatedAt:  u.UpdatedAt,
	}
}

func handleGetUpload(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		u, err := deps.Uploads.GetUpload(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "upload %s not found", id)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load upload: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, uploadResponse(u))
	}
}

func handleListUploads(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := defaultUploadList
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "limit must be a positive integer")
				return
			}
			limit = min(n, 200)
		}
		uploads, err := deps.Uploads.ListUploads(limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list uploads: %v", err)
			return
		}
		out := make([]UploadResponse, len(uploads))
		for i, u := range uploads {
			out[i] = uploadResponse(u)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// parseK reads the k query parameter. Zero means the service default.
func parseK(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	k, err := strconv.Atoi(raw)
	if err != nil || k < 0 {
		return 0, fmt.Errorf("k must be a non-negative integer")
	}
	return min(k, maxK), nil
}

type SearchResponse struct {
	Query   string                `json:"query"`
	Results []search.EvidenceItem `json:"results"`
}

func handleSearch(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := strings.TrimSpace(r.URL.Query().Get("q"))
		if q == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "q is required")
			return
		}
		k, err := parseK(r.URL.Query().Get("k"))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		items, err := deps.Session.Evidence(r.Context(), q, k)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "search failed: %v", err)
			return
		}
		if items == nil {
			items = []search.EvidenceItem{}
		}
		writeJSON(w, http.StatusOK, SearchResponse{Query: q, Results: items})
	}
}

func handleSearchFormatted(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := strings.TrimSpace(r.URL.Query().Get("q"))
		if q == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "q is required")
			return
		}
		k, err := parseK(r.URL.Query().Get("k"))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		writeText(w, deps.Session.SimilaritySearch(r.Context(), q, k))
	}
}

type VerifyRequest struct {
	Claim string `json:"claim"`
	K     int    `json:"k"`
}

type VerifyResponse struct {
	Claim   string `json:"claim"`
	Context string `json:"context"`
}

func handleVerify(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req VerifyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if strings.TrimSpace(req.Claim) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "claim is required")
			return
		}
		if req.K < 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "k must be a non-negative integer")
			return
		}
		out := deps.Session.VerifyClaim(r.Context(), req.Claim, min(req.K, maxK))
		writeJSON(w, http.StatusOK, VerifyResponse{Claim: req.Claim, Context: out})
	}
}

func handleMetrics(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Session.Summary())
	}
}

func handleCheckpoint(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path, err := deps.Session.Checkpoint()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "checkpoint failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"path": path})
	}
}

// EventRequest is an agent_perf or llm_call event reported by an agent.
type EventRequest struct {
	Kind       telemetry.Kind `json:"kind"`
	DurationMS float64        `json:"duration_ms"`
	Success    bool           `json:"success"`

	Agent       string `json:"agent,omitempty"`
	Task        string `json:"task,omitempty"`
	OutputChars int    `json:"output_chars,omitempty"`

	Model         string `json:"model,omitempty"`
	PromptChars   int    `json:"prompt_chars,omitempty"`
	ResponseChars int    `json:"response_chars,omitempty"`
	Error         string `json:"error,omitempty"`
}

func (req EventRequest) event() (telemetry.Event, error) {
	d := time.Duration(req.DurationMS * float64(time.Millisecond))
	switch req.Kind {
	case telemetry.KindAgentPerf:
		if req.Agent == "" {
			return telemetry.Event{}, errors.New("agent is required")
		}
		return telemetry.AgentPerf(req.Agent, req.Task, d, req.Success, req.OutputChars), nil
	case telemetry.KindLLMCall:
		if req.Model == "" {
			return telemetry.Event{}, errors.New("model is required")
		}
		return telemetry.LLMCall(telemetry.LLMCallData{
			Model:         req.Model,
			PromptChars:   req.PromptChars,
			ResponseChars: req.ResponseChars,
			Success:       req.Success,
			Error:         req.Error,
		}, d), nil
	default:
		return telemetry.Event{}, fmt.Errorf("unsupported event kind %q", req.Kind)
	}
}

func handleReportEvent(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req EventRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		e, err := req.event()
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		deps.Sink.Record(e)
		w.WriteHeader(http.StatusNoContent)
	}
}
