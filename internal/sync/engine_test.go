package sync

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftbox/driftbox/internal/fingerprint"
	"github.com/driftbox/driftbox/internal/ledger"
	"github.com/driftbox/driftbox/internal/remote"
	"github.com/driftbox/driftbox/internal/retry"
)

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 1, InitialDelay: time.Millisecond, Multiplier: 2.0}
}

func newTestEngine(t *testing.T, store remote.Store) (*Engine, string) {
	t.Helper()
	root := t.TempDir()
	e, err := NewEngine(EngineConfig{
		LocalRoot:   root,
		RootLabel:   "box",
		Store:       store,
		Ledger:      ledger.NewMemoryStore(),
		RetryPolicy: fastPolicy(),
	})
	require.NoError(t, err)
	return e, root
}

func writeLocal(t *testing.T, root, relPath, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(relPath))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestRun_UploadsNewLocalFile(t *testing.T) {
	store := remote.NewMemoryStore()
	e, root := newTestEngine(t, store)
	writeLocal(t, root, "a.txt", "hello")

	result, err := e.Run(context.Background(), DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, result.Status)
	assert.Equal(t, 1, result.FilesUploaded)
	assert.Zero(t, result.FilesDownloaded)
	assert.Equal(t, []byte("hello"), store.Bytes("box/a.txt"))
	assert.Equal(t, StateCompleted, e.State())
}

func TestRun_Idempotence(t *testing.T) {
	store := remote.NewMemoryStore()
	e, root := newTestEngine(t, store)
	writeLocal(t, root, "a.txt", "alpha")
	writeLocal(t, root, "sub/b.txt", "beta")

	first, err := e.Run(context.Background(), DefaultOptions())
	require.NoError(t, err)
	require.Equal(t, 2, first.FilesUploaded)

	second, err := e.Run(context.Background(), DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, second.Status)
	assert.Zero(t, second.FilesUploaded)
	assert.Zero(t, second.FilesDownloaded)
	assert.Equal(t, second.TotalFiles, second.FilesSkipped)
}

func TestRun_NewerWinsDownloads(t *testing.T) {
	store := remote.NewMemoryStore()
	e, root := newTestEngine(t, store)

	writeLocal(t, root, "a.txt", "old local")
	older := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(root, "a.txt"), older, older))
	store.Put("box/a.txt", []byte("new remote"), time.Now())

	opts := DefaultOptions()
	opts.ConflictPolicy = PolicyNewerWins

	result, err := e.Run(context.Background(), opts)
	require.NoError(t, err)

	assert.Equal(t, 1, result.FilesDownloaded)
	data, err := os.ReadFile(filepath.Join(root, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "new remote", string(data))
}

func TestRun_KeepBothOrientation(t *testing.T) {
	store := remote.NewMemoryStore()
	e, root := newTestEngine(t, store)

	writeLocal(t, root, "a.txt", "local version")
	store.Put("box/a.txt", []byte("remote version"), time.Now())

	opts := DefaultOptions()
	opts.ConflictPolicy = PolicyKeepBoth

	result, err := e.Run(context.Background(), opts)
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, result.Status)

	// canonical local path holds the remote version
	data, err := os.ReadFile(filepath.Join(root, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "remote version", string(data))

	// the former local copy lives remotely under the suffixed name
	assert.Equal(t, 2, store.Len())
	found := false
	objects, err := store.List(context.Background(), "box")
	require.NoError(t, err)
	for _, obj := range objects {
		if obj.Key != "a.txt" {
			found = true
			assert.Contains(t, obj.Key, "conflict-")
			assert.Equal(t, []byte("local version"), store.Bytes("box/"+obj.Key))
		}
	}
	assert.True(t, found)
}

func TestRun_MirrorFromRemoteDeletesLocal(t *testing.T) {
	store := remote.NewMemoryStore()
	e, root := newTestEngine(t, store)
	writeLocal(t, root, "stale.txt", "goes away")

	opts := DefaultOptions()
	opts.Mode = ModeMirrorFromRemote
	opts.AllowDeletions = true

	result, err := e.Run(context.Background(), opts)
	require.NoError(t, err)

	assert.Equal(t, 1, result.FilesDeleted)
	assert.NoFileExists(t, filepath.Join(root, "stale.txt"))
}

func TestRun_PerFileFailureIsIsolated(t *testing.T) {
	store := remote.NewMemoryStore()
	store.FailKeys["box/bad.txt"] = remote.ErrPermissionDenied

	e, root := newTestEngine(t, store)
	writeLocal(t, root, "bad.txt", "will fail")
	writeLocal(t, root, "good.txt", "will pass")

	result, err := e.Run(context.Background(), DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, StatusPartialSuccess, result.Status)
	assert.Equal(t, 1, result.FilesUploaded)
	assert.Equal(t, 1, result.FilesFailed)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "bad.txt", result.Errors[0].Path)
	assert.Equal(t, []byte("will pass"), store.Bytes("box/good.txt"))
}

func TestRun_Preconditions(t *testing.T) {
	store := remote.NewMemoryStore()
	root := t.TempDir()

	e, err := NewEngine(EngineConfig{
		LocalRoot:     root,
		Store:         store,
		Ledger:        ledger.NewMemoryStore(),
		Authenticated: func() bool { return false },
	})
	require.NoError(t, err)
	_, err = e.Run(context.Background(), DefaultOptions())
	assert.ErrorIs(t, err, ErrNotAuthenticated)

	e, err = NewEngine(EngineConfig{
		LocalRoot: root,
		Store:     store,
		Ledger:    ledger.NewMemoryStore(),
		NetworkOK: func() bool { return false },
	})
	require.NoError(t, err)
	_, err = e.Run(context.Background(), DefaultOptions())
	assert.ErrorIs(t, err, ErrNetworkUnavailable)
}

// blockingStore parks List until released, letting tests observe a run
// mid-flight.
type blockingStore struct {
	*remote.MemoryStore
	entered chan struct{}
	release chan struct{}
}

func (b *blockingStore) List(ctx context.Context, root string) ([]*remote.Object, error) {
	close(b.entered)
	<-b.release
	return b.MemoryStore.List(ctx, root)
}

func TestRun_SecondRunRejectedWhileActive(t *testing.T) {
	store := &blockingStore{
		MemoryStore: remote.NewMemoryStore(),
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	e, root := newTestEngine(t, store)
	writeLocal(t, root, "a.txt", "x")

	done := make(chan error, 1)
	go func() {
		_, err := e.Run(context.Background(), DefaultOptions())
		done <- err
	}()

	<-store.entered
	_, err := e.Run(context.Background(), DefaultOptions())
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	close(store.release)
	require.NoError(t, <-done)
}

// cancelAfterStore cancels the run context once n uploads have completed.
type cancelAfterStore struct {
	*remote.MemoryStore
	cancel  context.CancelFunc
	after   int
	uploads int
}

func (c *cancelAfterStore) Upload(ctx context.Context, key string, body io.Reader, size int64) (*remote.Object, error) {
	obj, err := c.MemoryStore.Upload(ctx, key, body, size)
	if err == nil {
		c.uploads++
		if c.uploads == c.after {
			c.cancel()
		}
	}
	return obj, err
}

func TestRun_ResumeAfterCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := &cancelAfterStore{MemoryStore: remote.NewMemoryStore(), cancel: cancel, after: 2}

	ledgerStore := ledger.NewMemoryStore()
	root := t.TempDir()
	e, err := NewEngine(EngineConfig{
		LocalRoot:   root,
		RootLabel:   "box",
		Store:       store,
		Ledger:      ledgerStore,
		RetryPolicy: fastPolicy(),
	})
	require.NoError(t, err)

	writeLocal(t, root, "a.txt", "one")
	writeLocal(t, root, "b.txt", "two")
	writeLocal(t, root, "c.txt", "three")

	first, err := e.Run(ctx, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, first.Status)
	assert.Equal(t, 2, first.FilesUploaded)
	assert.Equal(t, StateCancelled, e.State())

	// the ledger survived the cancellation
	resume := ledger.NewResume(ledgerStore)
	state, err := resume.Load()
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Len(t, state.CompletedPaths, 2)

	// the resumed run performs exactly the one remaining transfer
	second, err := e.Run(context.Background(), DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, second.Status)
	assert.Equal(t, 1, second.FilesUploaded)
	assert.Equal(t, 2, second.FilesSkipped)

	// run to completion clears the ledger
	state, err = resume.Load()
	require.NoError(t, err)
	assert.Nil(t, state)
}

// pauseOnUpload asks the engine to pause as soon as the first upload lands.
type pauseOnUpload struct {
	*remote.MemoryStore
	engine *Engine
}

func (p *pauseOnUpload) Upload(ctx context.Context, key string, body io.Reader, size int64) (*remote.Object, error) {
	obj, err := p.MemoryStore.Upload(ctx, key, body, size)
	p.engine.Pause()
	return obj, err
}

func TestRun_PauseBetweenItems(t *testing.T) {
	store := &pauseOnUpload{MemoryStore: remote.NewMemoryStore()}
	ledgerStore := ledger.NewMemoryStore()
	root := t.TempDir()
	e, err := NewEngine(EngineConfig{
		LocalRoot:   root,
		RootLabel:   "box",
		Store:       store,
		Ledger:      ledgerStore,
		RetryPolicy: fastPolicy(),
	})
	require.NoError(t, err)
	store.engine = e

	writeLocal(t, root, "a.txt", "one")
	writeLocal(t, root, "b.txt", "two")

	result, err := e.Run(context.Background(), DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, StatusPaused, result.Status)
	assert.Equal(t, 1, result.FilesUploaded)
	assert.Equal(t, StatePaused, e.State())

	// paused runs keep their ledger
	state, err := ledger.NewResume(ledgerStore).Load()
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Len(t, state.PendingPaths, 1)
}

// tamperStore reports a bogus checksum on download to trip verification.
type tamperStore struct {
	*remote.MemoryStore
}

func (ts *tamperStore) Download(ctx context.Context, key string) (io.ReadCloser, *remote.Object, error) {
	rc, obj, err := ts.MemoryStore.Download(ctx, key)
	if obj != nil {
		obj.Checksum = "00000000000000000000000000000000"
	}
	return rc, obj, err
}

func TestRun_VerifyChecksumMismatchKeepsFile(t *testing.T) {
	store := &tamperStore{MemoryStore: remote.NewMemoryStore()}
	e, root := newTestEngine(t, store)
	store.Put("box/a.txt", []byte("payload"), time.Now())

	opts := DefaultOptions()
	opts.VerifyChecksums = true

	result, err := e.Run(context.Background(), opts)
	require.NoError(t, err)

	// the mismatch is reported but the file is not rolled back
	assert.Equal(t, StatusPartialSuccess, result.Status)
	assert.Equal(t, 1, result.FilesDownloaded)
	require.Len(t, result.Errors, 1)
	var mismatch *ChecksumMismatchError
	assert.ErrorAs(t, result.Errors[0], &mismatch)
	assert.FileExists(t, filepath.Join(root, "a.txt"))
}

func TestRun_DownloadRestoresModTime(t *testing.T) {
	store := remote.NewMemoryStore()
	e, root := newTestEngine(t, store)

	mod := time.Now().Add(-48 * time.Hour).Truncate(time.Second)
	store.Put("box/a.txt", []byte("old file"), mod)

	_, err := e.Run(context.Background(), DefaultOptions())
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(root, "a.txt"))
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(mod), "got %s want %s", info.ModTime(), mod)
}

func TestRun_UploadedChecksumMatchesLocal(t *testing.T) {
	store := remote.NewMemoryStore()
	e, root := newTestEngine(t, store)
	writeLocal(t, root, "a.txt", "content to hash")

	_, err := e.Run(context.Background(), DefaultOptions())
	require.NoError(t, err)

	want, err := fingerprint.Bytes([]byte("content to hash"), fingerprint.MD5)
	require.NoError(t, err)
	objects, err := store.List(context.Background(), "box")
	require.NoError(t, err)
	require.Len(t, objects, 1)
	assert.True(t, fingerprint.Equal(want, objects[0].Checksum))
}
