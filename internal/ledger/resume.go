package ledger

import (
	"fmt"
	"time"

	"github.com/driftbox/driftbox/internal/codec"
)

const resumeKey = "resume_state"

// DefaultResumeTimeout is how long an interrupted run stays resumable.
const DefaultResumeTimeout = 24 * time.Hour

// ResumeState is the durable record of an in-flight sync run. It is written
// once at plan time, updated after every completed item, and consumed (or
// expired) by the next run.
type ResumeState struct {
	RunID            string    `json:"run_id"`
	Timestamp        time.Time `json:"timestamp"`
	SyncMode         string    `json:"sync_mode"`
	RootLabel        string    `json:"root_label"`
	PendingPaths     []string  `json:"pending_paths"`
	CompletedPaths   []string  `json:"completed_paths"`
	TotalFiles       int       `json:"total_files"`
	BytesTransferred int64     `json:"bytes_transferred"`
	TotalBytes       int64     `json:"total_bytes"`
}

// Valid reports whether the state is worth resuming: young enough and with
// work left to do.
func (s *ResumeState) Valid(timeout time.Duration) bool {
	if s == nil {
		return false
	}
	if len(s.PendingPaths) == 0 {
		return false
	}
	return time.Since(s.Timestamp) < timeout
}

// IsCompleted reports whether relPath already finished in this run.
func (s *ResumeState) IsCompleted(relPath string) bool {
	for _, p := range s.CompletedPaths {
		if p == relPath {
			return true
		}
	}
	return false
}

// MarkCompleted moves relPath from pending to completed and accounts the
// transferred bytes.
func (s *ResumeState) MarkCompleted(relPath string, bytes int64) {
	if s.IsCompleted(relPath) {
		return
	}
	s.CompletedPaths = append(s.CompletedPaths, relPath)
	s.BytesTransferred += bytes

	pending := s.PendingPaths[:0]
	for _, p := range s.PendingPaths {
		if p != relPath {
			pending = append(pending, p)
		}
	}
	s.PendingPaths = pending
}

// Resume persists ResumeState through a Store.
type Resume struct {
	store Store
}

func NewResume(store Store) *Resume {
	return &Resume{store: store}
}

// Load returns the persisted state, or nil when none exists.
func (r *Resume) Load() (*ResumeState, error) {
	data, err := r.store.Get(resumeKey)
	if err != nil {
		if err == ErrNotFound {
			return nil, nil
		}
		return nil, err
	}

	var state ResumeState
	if err := codec.JSONUnmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode resume state: %w", err)
	}
	return &state, nil
}

// Save durably writes the state. Called after every completed item, so a
// crash resumes from the last finished file.
func (r *Resume) Save(state *ResumeState) error {
	data, err := codec.JSONMarshal(state)
	if err != nil {
		return fmt.Errorf("encode resume state: %w", err)
	}
	return r.store.Set(resumeKey, data)
}

// ClearState removes any persisted state.
func (r *Resume) ClearState() error {
	return r.store.Delete(resumeKey)
}
