// Package sync implements the manifest-diffing synchronization core: the
// comparator that turns two manifests into a typed plan, the conflict
// resolver, and the resumable plan-execution engine.
package sync

import (
	"time"

	"github.com/driftbox/driftbox/internal/manifest"
)

// Action is what the plan requires for one path.
type Action uint8

const (
	ActionUpload Action = iota
	ActionDownload
	ActionDeleteLocal
	ActionDeleteRemote
	ActionSkip
	ActionConflict
)

var actionNames = []string{
	"UPLOAD",
	"DOWNLOAD",
	"DELETE_LOCAL",
	"DELETE_REMOTE",
	"SKIP",
	"CONFLICT",
}

func (a Action) String() string {
	if int(a) < len(actionNames) {
		return actionNames[a]
	}
	return "UNKNOWN"
}

// Mode is the sync direction.
type Mode string

const (
	ModeUploadOnly       Mode = "UPLOAD_ONLY"
	ModeDownloadOnly     Mode = "DOWNLOAD_ONLY"
	ModeBidirectional    Mode = "BIDIRECTIONAL"
	ModeMirrorToRemote   Mode = "MIRROR_TO_REMOTE"
	ModeMirrorFromRemote Mode = "MIRROR_FROM_REMOTE"
)

func (m Mode) IsValid() bool {
	switch m {
	case ModeUploadOnly, ModeDownloadOnly, ModeBidirectional, ModeMirrorToRemote, ModeMirrorFromRemote:
		return true
	}
	return false
}

// ConflictInfo describes a both-sides-present pair whose contents differ (or
// cannot be verified). Built only for such pairs.
type ConflictInfo struct {
	RelPath           string
	LocalChecksum     string
	RemoteChecksum    string
	LocalModifiedTime time.Time
	RemoteModifiedTime time.Time
	LocalSize         int64
	RemoteSize        int64
}

// Item is one path's planned action, derived from comparing both manifests.
type Item struct {
	RelPath string
	Local   *manifest.Entry
	Remote  *manifest.Entry
	Action  Action
	// Conflict is set iff the pair went through the conflict resolver.
	Conflict *ConflictInfo
	// Resolution is set alongside Conflict; for ActionConflict items it
	// carries the KeepBoth suffix the executor needs.
	Resolution *Resolution
}

// transferBytes is how many bytes executing the item moves.
func (i *Item) transferBytes() int64 {
	switch i.Action {
	case ActionUpload:
		return i.Local.Size
	case ActionDownload:
		return i.Remote.Size
	case ActionConflict:
		// keep-both moves the local copy up and the remote copy down
		return i.Local.Size + i.Remote.Size
	default:
		return 0
	}
}
