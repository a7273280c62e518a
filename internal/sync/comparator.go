package sync

import (
	"context"
	"sort"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/driftbox/driftbox/internal/fingerprint"
	"github.com/driftbox/driftbox/internal/manifest"
)

// Compare diffs a local and a remote manifest into a plan. Every path in the
// union of keys is classified by presence and checksum equality, then run
// through the mode's decision table; both-sides mismatches go to the
// resolver. The plan is sorted by path so execution order is stable.
func Compare(ctx context.Context, local, remote *manifest.Manifest, opts Options, resolver *Resolver) []*Item {
	paths := mapset.NewThreadUnsafeSet[string]()
	for p := range local.Entries {
		paths.Add(p)
	}
	for p := range remote.Entries {
		paths.Add(p)
	}

	sorted := paths.ToSlice()
	sort.Strings(sorted)

	items := make([]*Item, 0, len(sorted))
	for _, relPath := range sorted {
		if opts.SubdirFilter != "" && !underSubdir(relPath, opts.SubdirFilter) {
			continue
		}

		item := classify(ctx, relPath, local.Get(relPath), remote.Get(relPath), opts, resolver)
		items = append(items, item)

		if opts.MaxItems > 0 && len(items) >= opts.MaxItems {
			break
		}
	}

	return items
}

func classify(ctx context.Context, relPath string, localEntry, remoteEntry *manifest.Entry, opts Options, resolver *Resolver) *Item {
	item := &Item{RelPath: relPath, Local: localEntry, Remote: remoteEntry}

	switch {
	case localEntry != nil && remoteEntry == nil:
		item.Action = localOnlyAction(opts)
	case localEntry == nil && remoteEntry != nil:
		item.Action = remoteOnlyAction(opts)
	default:
		// both sides present: a checksum matches only when both are
		// known and equal; an unverifiable pair is conservatively a
		// mismatch
		if fingerprint.Equal(localEntry.Checksum, remoteEntry.Checksum) {
			item.Action = ActionSkip
			break
		}

		info := newConflictInfo(relPath, localEntry, remoteEntry)
		resolution := resolver.Resolve(ctx, info)
		item.Conflict = info
		item.Resolution = &resolution
		item.Action = resolution.Action()
	}

	return item
}

func localOnlyAction(opts Options) Action {
	switch opts.Mode {
	case ModeUploadOnly, ModeBidirectional, ModeMirrorToRemote:
		return ActionUpload
	case ModeDownloadOnly:
		return ActionSkip
	case ModeMirrorFromRemote:
		if opts.AllowDeletions {
			return ActionDeleteLocal
		}
		return ActionSkip
	default:
		return ActionSkip
	}
}

func remoteOnlyAction(opts Options) Action {
	switch opts.Mode {
	case ModeDownloadOnly, ModeBidirectional, ModeMirrorFromRemote:
		return ActionDownload
	case ModeUploadOnly:
		return ActionSkip
	case ModeMirrorToRemote:
		if opts.AllowDeletions {
			return ActionDeleteRemote
		}
		return ActionSkip
	default:
		return ActionSkip
	}
}

func underSubdir(relPath, subdir string) bool {
	subdir = strings.Trim(subdir, "/")
	return relPath == subdir || strings.HasPrefix(relPath, subdir+"/")
}
