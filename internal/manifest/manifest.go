// Package manifest builds point-in-time snapshots of a local tree or a remote
// root as path-keyed metadata maps. Manifests are immutable once built; the
// comparator diffs two of them into a sync plan.
package manifest

import (
	"time"
)

// Entry is the metadata for one file, keyed by its forward-slash relative
// path within the manifest.
type Entry struct {
	RelPath      string    `json:"rel_path"`
	Name         string    `json:"name"`
	Size         int64     `json:"size"`
	ModifiedTime time.Time `json:"modified_time"`
	// Checksum is the content digest, lowercase hex. Empty when unknown.
	Checksum string `json:"checksum,omitempty"`
	// RemoteID is the store's identifier for remote entries, empty for
	// local entries.
	RemoteID string `json:"remote_id,omitempty"`
}

// Manifest is an immutable path-keyed snapshot of one side, stamped with its
// build time. Callers must not mutate Entries after construction.
type Manifest struct {
	Entries   map[string]*Entry
	CreatedAt time.Time
}

// New builds a manifest from entries, keyed by RelPath. Later duplicates win,
// which cannot happen for a single walk or listing.
func New(entries []*Entry) *Manifest {
	m := &Manifest{
		Entries:   make(map[string]*Entry, len(entries)),
		CreatedAt: time.Now().UTC(),
	}
	for _, e := range entries {
		m.Entries[e.RelPath] = e
	}
	return m
}

// Get returns the entry for relPath, or nil.
func (m *Manifest) Get(relPath string) *Entry {
	return m.Entries[relPath]
}

// Len reports how many files the manifest covers.
func (m *Manifest) Len() int {
	return len(m.Entries)
}

// TotalSize sums all entry sizes.
func (m *Manifest) TotalSize() int64 {
	var total int64
	for _, e := range m.Entries {
		total += e.Size
	}
	return total
}
