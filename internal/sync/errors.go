package sync

import (
	"errors"
	"fmt"
)

var (
	// Precondition errors. These short-circuit before any manifest is
	// built.
	ErrNotAuthenticated   = errors.New("sync: not authenticated")
	ErrNetworkUnavailable = errors.New("sync: network policy not satisfied")
	ErrAlreadyRunning     = errors.New("sync: another operation is already running")
)

// FileError records one path's failure. Per-file errors are isolated and
// collected; they downgrade the run to PartialSuccess instead of aborting it.
type FileError struct {
	Path string
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("sync %q: %v", e.Path, e.Err)
}

func (e *FileError) Unwrap() error {
	return e.Err
}

// ChecksumMismatchError is recorded when a verified download's digest does
// not match what the remote reported. The file is kept as downloaded.
type ChecksumMismatchError struct {
	Path string
	Want string
	Got  string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch for %q: remote reported %s, got %s", e.Path, e.Want, e.Got)
}
