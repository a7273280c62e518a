package backup

import (
	"errors"
	"fmt"
)

var (
	// ErrPassphraseRequired means the archive is passphrase-encrypted and
	// no passphrase was supplied.
	ErrPassphraseRequired = errors.New("backup: archive is encrypted, passphrase required")
	// ErrWrongPassphrase means decryption failed authentication with the
	// supplied passphrase.
	ErrWrongPassphrase = errors.New("backup: wrong passphrase")
	// ErrCorruptedArchive means the artifact is not a readable backup.
	ErrCorruptedArchive = errors.New("backup: corrupted archive")
	// ErrAlreadyRunning means another backup or restore is active on this
	// instance.
	ErrAlreadyRunning = errors.New("backup: operation already running")
)

// InsufficientSpaceError aborts a backup before any write when the destination
// volume cannot hold the estimated artifact.
type InsufficientSpaceError struct {
	Required  uint64
	Available uint64
}

func (e *InsufficientSpaceError) Error() string {
	return fmt.Sprintf("backup: insufficient space: need %d bytes, %d available", e.Required, e.Available)
}

// VerificationError reports how many restored files failed checksum
// verification.
type VerificationError struct {
	Failed int
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("backup: %d restored files failed checksum verification", e.Failed)
}
