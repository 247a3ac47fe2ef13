package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/litscout/internal/papers"
	"github.com/kalambet/litscout/internal/storage"
)

// JobIndexPaper is the job type for queued uploads.
const JobIndexPaper = "index_paper"

// JobStore abstracts the job queue and upload bookkeeping.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
	GetUpload(id string) (storage.Upload, error)
	FinishUpload(id, status, paperTitle string, chunks int, lastError string) error
}

// DocumentIndexer indexes one uploaded document.
type DocumentIndexer interface {
	IndexDocument(ctx context.Context, doc UploadedDocument) (*papers.Record, int, error)
}

// IndexPayload is the JSON payload of an index_paper job.
type IndexPayload struct {
	UploadID string `json:"upload_id"`
}

// Worker processes index_paper jobs from the SQLite job queue.
type Worker struct {
	store   JobStore
	indexer DocumentIndexer
	poll    time.Duration
	logger  *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, indexer DocumentIndexer, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:   store,
		indexer: indexer,
		poll:    pollInterval,
		logger:  slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single index_paper job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{JobIndexPaper})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	uploadID, err := w.processJob(ctx, job)
	if err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		// FailJob counts this attempt; the last one gives up on the upload.
		if uploadID != "" && job.Attempts+1 >= job.MaxAttempts {
			if finErr := w.store.FinishUpload(uploadID, storage.UploadFailed, "", 0, err.Error()); finErr != nil {
				w.logger.Error("failed to mark upload as failed", "upload_id", uploadID, "error", finErr)
			}
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) (string, error) {
	var payload IndexPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return "", fmt.Errorf("parsing payload: %w", err)
	}

	upload, err := w.store.GetUpload(payload.UploadID)
	if err != nil {
		return "", fmt.Errorf("loading upload %s: %w", payload.UploadID, err)
	}

	var doc UploadedDocument
	if err := json.Unmarshal([]byte(upload.PayloadJSON), &doc); err != nil {
		return upload.ID, fmt.Errorf("parsing upload %s: %w", upload.ID, err)
	}

	rec, chunks, err := w.indexer.IndexDocument(ctx, doc)
	if err != nil {
		return upload.ID, err
	}

	status, title := storage.UploadEmpty, ""
	if rec != nil {
		status, title = storage.UploadIndexed, rec.Title
	}
	if err := w.store.FinishUpload(upload.ID, status, title, chunks, ""); err != nil {
		return upload.ID, fmt.Errorf("updating upload %s: %w", upload.ID, err)
	}
	w.logger.Info("upload processed", "upload_id", upload.ID, "status", status, "title", title, "chunks", chunks)
	return upload.ID, nil
}
