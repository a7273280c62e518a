package manifest

import (
	"context"
	"fmt"
	"path"

	"github.com/driftbox/driftbox/internal/remote"
)

// RemoteBuilder snapshots the objects under a remote root label. The store's
// reported checksums and metadata are reused as-is; nothing is re-downloaded
// or re-hashed here.
type RemoteBuilder struct {
	Store remote.Store
	Root  string
}

// Build lists the remote root and assembles the manifest.
func (b *RemoteBuilder) Build(ctx context.Context) (*Manifest, error) {
	objects, err := b.Store.List(ctx, b.Root)
	if err != nil {
		return nil, fmt.Errorf("list remote root %q: %w", b.Root, err)
	}

	entries := make([]*Entry, 0, len(objects))
	for _, obj := range objects {
		entries = append(entries, &Entry{
			RelPath:      obj.Key,
			Name:         path.Base(obj.Key),
			Size:         obj.Size,
			ModifiedTime: obj.LastModified,
			Checksum:     obj.Checksum,
			RemoteID:     obj.ID,
		})
	}

	return New(entries), nil
}
