package backup

import (
	"fmt"
	"time"
)

// ManifestVersion is the current archive manifest format version.
const ManifestVersion = 1

const (
	manifestName  = "manifest.json"
	payloadPrefix = "payload/"
)

// EncryptionType selects how the archive container is sealed.
type EncryptionType string

const (
	// EncryptionNone leaves the container as plain tar.gz.
	EncryptionNone EncryptionType = "none"
	// EncryptionPassphrase derives the key from a user passphrase.
	EncryptionPassphrase EncryptionType = "passphrase"
	// EncryptionDevice derives the key from the machine identity, so the
	// archive only opens on the device that created it.
	EncryptionDevice EncryptionType = "device"
)

// Entry describes one file captured in an archive.
type Entry struct {
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	Checksum     string    `json:"checksum,omitempty"`
	ModifiedTime time.Time `json:"modified_time"`
}

// Manifest is the archive's table of contents. Written once at creation,
// read-only thereafter.
type Manifest struct {
	Version        int            `json:"version"`
	CreatedAt      time.Time      `json:"created_at"`
	AppVersion     string         `json:"app_version,omitempty"`
	FileCount      int            `json:"file_count"`
	TotalSize      int64          `json:"total_size"`
	EncryptionType EncryptionType `json:"encryption_type"`
	Entries        []Entry        `json:"entries"`
}

// Validate checks the manifest is one this build can restore.
func (m *Manifest) Validate() error {
	if m.Version <= 0 || m.Version > ManifestVersion {
		return fmt.Errorf("%w: unsupported manifest version %d", ErrCorruptedArchive, m.Version)
	}
	if m.FileCount != len(m.Entries) {
		return fmt.Errorf("%w: manifest lists %d files but carries %d entries", ErrCorruptedArchive, m.FileCount, len(m.Entries))
	}
	return nil
}

// Extension maps an encryption type to the artifact filename suffix, so users
// can tell sealed archives apart at a glance. Restore never trusts it; the
// container header decides.
func (t EncryptionType) Extension() string {
	switch t {
	case EncryptionPassphrase:
		return ".tar.gz.enc"
	case EncryptionDevice:
		return ".tar.gz.denc"
	default:
		return ".tar.gz"
	}
}
