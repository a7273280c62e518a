package manifest

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/driftbox/driftbox/internal/filter"
	"github.com/driftbox/driftbox/internal/fingerprint"
	"github.com/driftbox/driftbox/internal/utils"
)

// LocalBuilder walks a root directory and snapshots every file the predicate
// accepts. Checksumming fans out over a bounded worker pool and may consult a
// cache to skip re-hashing unchanged files.
type LocalBuilder struct {
	Root      string
	Include   filter.Predicate
	Algorithm fingerprint.Algorithm
	// Checksum enables content hashing. Without it entries carry only
	// size and mtime.
	Checksum bool
	// Cache, when non-nil and Checksum is set, serves digests for files
	// whose size and mtime are unchanged.
	Cache *HashCache
	// Workers bounds the hashing pool; defaults to GOMAXPROCS.
	Workers int
}

// Build walks the tree and returns the manifest. The walk itself is
// sequential; hashing is parallel.
func (b *LocalBuilder) Build(ctx context.Context) (*Manifest, error) {
	include := b.Include
	if include == nil {
		include = filter.All()
	}
	algo := b.Algorithm
	if algo == "" {
		algo = fingerprint.MD5
	}
	workers := b.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	root, err := utils.ResolvePath(b.Root)
	if err != nil {
		return nil, err
	}
	if !utils.DirExists(root) {
		return nil, fmt.Errorf("local root %q is not a directory", root)
	}

	var entries []*Entry
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			// symlinks, sockets etc. do not sync
			return nil
		}

		relPath, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		relPath = utils.NormalizeRelPath(relPath)

		info, err := d.Info()
		if err != nil {
			return err
		}

		fi := filter.FileInfo{
			RelPath: relPath,
			Name:    d.Name(),
			Size:    info.Size(),
			Hidden:  isHidden(relPath),
		}
		if !include(fi) {
			return nil
		}

		entries = append(entries, &Entry{
			RelPath:      relPath,
			Name:         d.Name(),
			Size:         info.Size(),
			ModifiedTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %q: %w", root, err)
	}

	if b.Checksum {
		if err := b.hashEntries(ctx, root, entries, algo, workers); err != nil {
			return nil, err
		}
	}

	return New(entries), nil
}

func (b *LocalBuilder) hashEntries(ctx context.Context, root string, entries []*Entry, algo fingerprint.Algorithm, workers int) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	var mu sync.Mutex // guards cache writes
	for _, entry := range entries {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			if b.Cache != nil {
				if sum, ok := b.Cache.Lookup(entry.RelPath, entry.Size, entry.ModifiedTime); ok {
					entry.Checksum = sum
					return nil
				}
			}

			sum, err := fingerprint.File(filepath.Join(root, filepath.FromSlash(entry.RelPath)), algo)
			if err != nil {
				return fmt.Errorf("hash %q: %w", entry.RelPath, err)
			}
			entry.Checksum = sum

			if b.Cache != nil {
				mu.Lock()
				err = b.Cache.Store(entry.RelPath, entry.Size, entry.ModifiedTime, sum)
				mu.Unlock()
				if err != nil {
					return fmt.Errorf("cache %q: %w", entry.RelPath, err)
				}
			}
			return nil
		})
	}

	return g.Wait()
}

func isHidden(relPath string) bool {
	for _, part := range strings.Split(relPath, "/") {
		if strings.HasPrefix(part, ".") {
			return true
		}
	}
	return false
}
