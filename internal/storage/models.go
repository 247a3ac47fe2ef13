package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

// Upload statuses.
const (
	UploadQueued  = "queued"
	UploadIndexed = "indexed"
	// UploadEmpty means the document had no usable title or content.
	UploadEmpty  = "empty"
	UploadFailed = "failed"
)

// Upload is a user-supplied document waiting for, or done with, indexing.
type Upload struct {
	ID          string
	Kind        string // "json" or "pdf"
	Filename    string
	PayloadJSON string
	Status      string
	PaperTitle  string
	Chunks      int
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
