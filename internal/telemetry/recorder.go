package telemetry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sink receives events. Every engine component takes one explicitly.
type Sink interface {
	Record(e Event)
}

// Nop discards all events.
type Nop struct{}

func (Nop) Record(Event) {}

// Compile-time check that Recorder implements Sink.
var _ Sink = (*Recorder)(nil)

// Recorder is the append-only event log of one analysis session. It is safe
// for concurrent use.
type Recorder struct {
	mu          sync.Mutex
	id          string
	dir         string
	startedAt   time.Time
	finalizedAt time.Time
	inputs      map[string]any
	outputs     map[string]any
	events      []Event
	now         func() time.Time
	logger      *slog.Logger
}

// NewRecorder starts a session log. Snapshots are written under dir; an
// empty dir keeps the log in memory only.
func NewRecorder(dir string) *Recorder {
	return &Recorder{
		id:        uuid.New().String(),
		dir:       dir,
		startedAt: time.Now().UTC(),
		inputs:    make(map[string]any),
		outputs:   make(map[string]any),
		now:       func() time.Time { return time.Now().UTC() },
		logger:    slog.Default(),
	}
}

// ID returns the session identifier.
func (r *Recorder) ID() string { return r.id }

// Record appends e, stamping it when the caller left Timestamp zero.
func (r *Recorder) Record(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.Timestamp.IsZero() {
		e.Timestamp = r.now()
	}
	r.events = append(r.events, e)
}

// SetInput stores a session input (idea, domains, ...).
func (r *Recorder) SetInput(key string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inputs[key] = value
}

// SetOutput stores a session output.
func (r *Recorder) SetOutput(key string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputs[key] = value
}

// Events returns a copy of the log.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Summary computes the derived statistics of the log so far.
func (r *Recorder) Summary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	end := r.now()
	if !r.finalizedAt.IsZero() {
		end = r.finalizedAt
	}
	return summarize(r.events, end.Sub(r.startedAt))
}

// Snapshot is the on-disk layout of a session log.
type Snapshot struct {
	SessionID   string         `json:"session_id"`
	StartedAt   time.Time      `json:"started_at"`
	FinalizedAt *time.Time     `json:"finalized_at,omitempty"`
	Final       bool           `json:"final"`
	Inputs      map[string]any `json:"inputs"`
	Outputs     map[string]any `json:"outputs"`
	Events      []Event        `json:"events"`
	Summary     Summary        `json:"summary"`
}

// Checkpoint writes a non-final snapshot and returns its path. It returns
// an empty path when the recorder has no directory.
func (r *Recorder) Checkpoint() (string, error) {
	return r.write(false)
}

// Finalize marks the session finished and writes the final snapshot. It can
// be called more than once; each call rewrites the final file.
func (r *Recorder) Finalize() (string, error) {
	r.mu.Lock()
	if r.finalizedAt.IsZero() {
		r.finalizedAt = r.now()
	}
	r.mu.Unlock()

	path, err := r.write(true)
	if err != nil {
		return "", err
	}
	if path != "" {
		// The partial snapshot is superseded.
		_ = os.Remove(r.path(false))
	}
	return path, nil
}

func (r *Recorder) snapshot(final bool) Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	events := make([]Event, len(r.events))
	copy(events, r.events)
	end := r.now()
	snap := Snapshot{
		SessionID: r.id,
		StartedAt: r.startedAt,
		Final:     final,
		Inputs:    copyMap(r.inputs),
		Outputs:   copyMap(r.outputs),
		Events:    events,
	}
	if final {
		fin := r.finalizedAt
		snap.FinalizedAt = &fin
		end = fin
	}
	snap.Summary = summarize(events, end.Sub(r.startedAt))
	return snap
}

func (r *Recorder) path(final bool) string {
	name := r.id + ".partial.json"
	if final {
		name = r.id + ".json"
	}
	return filepath.Join(r.dir, name)
}

func (r *Recorder) write(final bool) (string, error) {
	if r.dir == "" {
		return "", nil
	}
	snap := r.snapshot(final)

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding session log: %w", err)
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return "", fmt.Errorf("creating session directory: %w", err)
	}

	path := r.path(final)
	f, err := os.CreateTemp(r.dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("creating temp session log: %w", err)
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("writing session log: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("closing session log: %w", err)
	}
	if err := os.Chmod(tmp, 0o644); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("setting session log mode: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("renaming session log: %w", err)
	}
	r.logger.Debug("session log written", "path", path, "final", final, "events", len(snap.Events))
	return path, nil
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
