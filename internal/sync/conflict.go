package sync

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/driftbox/driftbox/internal/manifest"
)

// ConflictPolicy selects how both-sides-modified pairs resolve.
type ConflictPolicy string

const (
	PolicyLocalWins  ConflictPolicy = "LOCAL_WINS"
	PolicyRemoteWins ConflictPolicy = "REMOTE_WINS"
	PolicyNewerWins  ConflictPolicy = "NEWER_WINS"
	PolicyKeepBoth   ConflictPolicy = "KEEP_BOTH"
	PolicySkip       ConflictPolicy = "SKIP"
	PolicyAskUser    ConflictPolicy = "ASK_USER"
)

func (p ConflictPolicy) IsValid() bool {
	switch p {
	case PolicyLocalWins, PolicyRemoteWins, PolicyNewerWins, PolicyKeepBoth, PolicySkip, PolicyAskUser:
		return true
	}
	return false
}

// ResolutionKind is the outcome variant of conflict resolution.
type ResolutionKind uint8

const (
	UseLocal ResolutionKind = iota
	UseRemote
	KeepBoth
	SkipConflict
	DeleteBoth
)

var resolutionNames = []string{"UseLocal", "UseRemote", "KeepBoth", "Skip", "DeleteBoth"}

func (k ResolutionKind) String() string {
	if int(k) < len(resolutionNames) {
		return resolutionNames[k]
	}
	return "Unknown"
}

// Resolution is a resolved conflict. Suffix is set only for KeepBoth.
type Resolution struct {
	Kind   ResolutionKind
	Suffix string
}

// Action maps a resolution onto a plan action. DeleteBoth deliberately maps
// to SKIP: the original behavior never deleted either side, and we keep that
// until someone decides it should.
func (r Resolution) Action() Action {
	switch r.Kind {
	case UseLocal:
		return ActionUpload
	case UseRemote:
		return ActionDownload
	case KeepBoth:
		return ActionConflict
	case SkipConflict, DeleteBoth:
		return ActionSkip
	default:
		return ActionSkip
	}
}

// DecisionFunc is an externally registered callback for ASK_USER. It may
// block on user input; the engine calls it with the run context.
type DecisionFunc func(ctx context.Context, info *ConflictInfo) (Resolution, error)

// Resolver applies a ConflictPolicy deterministically.
type Resolver struct {
	Policy ConflictPolicy
	// Decide is consulted only for ASK_USER. When unset (or failing),
	// NEWER_WINS semantics apply instead of blocking the run.
	Decide DecisionFunc
	// now is a clock hook for deterministic suffixes in tests.
	now func() time.Time
}

func NewResolver(policy ConflictPolicy, decide DecisionFunc) *Resolver {
	return &Resolver{Policy: policy, Decide: decide, now: time.Now}
}

// Resolve maps a conflict to its resolution.
func (r *Resolver) Resolve(ctx context.Context, info *ConflictInfo) Resolution {
	switch r.Policy {
	case PolicyLocalWins:
		return Resolution{Kind: UseLocal}
	case PolicyRemoteWins:
		return Resolution{Kind: UseRemote}
	case PolicyNewerWins:
		return r.resolveNewerWins(info)
	case PolicyKeepBoth:
		return Resolution{Kind: KeepBoth, Suffix: r.keepBothSuffix()}
	case PolicySkip:
		return Resolution{Kind: SkipConflict}
	case PolicyAskUser:
		if r.Decide == nil {
			return r.resolveNewerWins(info)
		}
		resolution, err := r.Decide(ctx, info)
		if err != nil {
			slog.Warn("conflict decision callback failed, falling back to newer-wins", "path", info.RelPath, "error", err)
			return r.resolveNewerWins(info)
		}
		return resolution
	default:
		return Resolution{Kind: SkipConflict}
	}
}

// resolveNewerWins compares modification times. A present time beats an
// absent one; both absent defaults to remote. Exact time ties go to the
// larger file, and remote wins a size tie too.
func (r *Resolver) resolveNewerWins(info *ConflictInfo) Resolution {
	localHas := !info.LocalModifiedTime.IsZero()
	remoteHas := !info.RemoteModifiedTime.IsZero()

	switch {
	case !localHas && !remoteHas:
		return Resolution{Kind: UseRemote}
	case localHas && !remoteHas:
		return Resolution{Kind: UseLocal}
	case !localHas && remoteHas:
		return Resolution{Kind: UseRemote}
	}

	if info.LocalModifiedTime.After(info.RemoteModifiedTime) {
		return Resolution{Kind: UseLocal}
	}
	if info.RemoteModifiedTime.After(info.LocalModifiedTime) {
		return Resolution{Kind: UseRemote}
	}

	// exact tie: larger file wins, remote wins a size tie
	if info.LocalSize > info.RemoteSize {
		return Resolution{Kind: UseLocal}
	}
	return Resolution{Kind: UseRemote}
}

func (r *Resolver) keepBothSuffix() string {
	return "conflict-" + r.now().UTC().Format("20060102T150405")
}

// SuffixedPath inserts the keep-both suffix before the extension, so
// "notes/a.txt" becomes "notes/a.conflict-20240829T101500.txt".
func SuffixedPath(relPath, suffix string) string {
	dir := path.Dir(relPath)
	base := path.Base(relPath)
	ext := path.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	suffixed := fmt.Sprintf("%s.%s%s", stem, suffix, ext)
	if dir == "." {
		return suffixed
	}
	return path.Join(dir, suffixed)
}

// newConflictInfo builds the ConflictInfo for a both-sides pair.
func newConflictInfo(relPath string, local, remote *manifest.Entry) *ConflictInfo {
	return &ConflictInfo{
		RelPath:            relPath,
		LocalChecksum:      local.Checksum,
		RemoteChecksum:     remote.Checksum,
		LocalModifiedTime:  local.ModifiedTime,
		RemoteModifiedTime: remote.ModifiedTime,
		LocalSize:          local.Size,
		RemoteSize:         remote.Size,
	}
}
