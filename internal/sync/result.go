package sync

import (
	"time"
)

// Status is the terminal outcome of a run.
type Status uint8

const (
	StatusSuccess Status = iota
	StatusPartialSuccess
	StatusFailed
	StatusCancelled
	StatusPaused
)

var statusNames = []string{
	"SUCCESS",
	"PARTIAL_SUCCESS",
	"FAILED",
	"CANCELLED",
	"PAUSED",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "UNKNOWN"
}

// Result summarizes one sync run.
type Result struct {
	Status   Status
	Duration time.Duration

	TotalFiles       int
	FilesUploaded    int
	FilesDownloaded  int
	FilesDeleted     int
	FilesSkipped     int
	FilesFailed      int
	// FilesResumed counts items already complete in the resume ledger
	// when the run started.
	FilesResumed     int
	BytesTransferred int64

	// Errors holds the per-file failures. Empty iff Status is SUCCESS,
	// CANCELLED or PAUSED with no failures so far.
	Errors []*FileError
}

// State of the plan executor.
type State uint8

const (
	StateIdle State = iota
	StatePreparing
	StateScanningLocal
	StateScanningRemote
	StateComparing
	StateUploading
	StateDownloading
	StateCompleted
	StateFailed
	StateCancelled
	StatePaused
)

var stateNames = []string{
	"IDLE",
	"PREPARING",
	"SCANNING_LOCAL",
	"SCANNING_REMOTE",
	"COMPARING",
	"UPLOADING",
	"DOWNLOADING",
	"COMPLETED",
	"FAILED",
	"CANCELLED",
	"PAUSED",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}
