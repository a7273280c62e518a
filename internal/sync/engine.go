package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	stdsync "sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/driftbox/driftbox/internal/fingerprint"
	"github.com/driftbox/driftbox/internal/ledger"
	"github.com/driftbox/driftbox/internal/manifest"
	"github.com/driftbox/driftbox/internal/ratelimit"
	"github.com/driftbox/driftbox/internal/remote"
	"github.com/driftbox/driftbox/internal/retry"
	"github.com/driftbox/driftbox/internal/utils"
)

// EngineConfig wires an Engine. Store and Ledger are required; everything
// else has a usable default.
type EngineConfig struct {
	// LocalRoot is the directory being synchronized.
	LocalRoot string
	// RootLabel namespaces this tree's objects in the remote store.
	RootLabel string

	Store  remote.Store
	Ledger ledger.Store

	Governor    *ratelimit.Governor
	RetryPolicy retry.Policy
	// Decide handles ASK_USER conflicts. Unset falls back to NEWER_WINS.
	Decide DecisionFunc
	// Cache serves local checksums when Options.UseCache is set.
	Cache *manifest.HashCache
	// Algorithm for local hashing and download verification. Defaults to
	// MD5, matching what S3-style stores report.
	Algorithm fingerprint.Algorithm

	// Authenticated and NetworkOK are the external precondition checks.
	// Nil means always satisfied.
	Authenticated func() bool
	NetworkOK     func() bool

	// LockPath, when set, takes a cross-process file lock for the
	// duration of a run so two daemons cannot share one ledger.
	LockPath string

	// ResumeTimeout bounds how old an interrupted run may be and still
	// resume. Defaults to ledger.DefaultResumeTimeout.
	ResumeTimeout time.Duration
}

// Engine orchestrates scan, compare and execute for one sync root. Exactly
// one operation may be active per engine; a second Run is rejected with
// ErrAlreadyRunning, not queued.
type Engine struct {
	cfg      EngineConfig
	resume   *ledger.Resume
	fileLock *flock.Flock

	state atomic.Int32
	pause atomic.Bool
	mu    stdsync.Mutex
}

func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("sync: remote store is required")
	}
	if cfg.Ledger == nil {
		return nil, errors.New("sync: ledger store is required")
	}
	if cfg.LocalRoot == "" {
		return nil, errors.New("sync: local root is required")
	}
	if cfg.Algorithm == "" {
		cfg.Algorithm = fingerprint.MD5
	}
	if cfg.RetryPolicy.MaxAttempts == 0 {
		cfg.RetryPolicy = retry.DefaultPolicy()
	}
	if cfg.ResumeTimeout == 0 {
		cfg.ResumeTimeout = ledger.DefaultResumeTimeout
	}

	e := &Engine{
		cfg:    cfg,
		resume: ledger.NewResume(cfg.Ledger),
	}
	if cfg.LockPath != "" {
		e.fileLock = flock.New(cfg.LockPath)
	}
	return e, nil
}

// State reports the executor's current state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

func (e *Engine) setState(s State) {
	e.state.Store(int32(s))
}

// Pause requests a cooperative pause. The running plan stops between items
// and finishes with StatusPaused; the ledger is retained for resume.
func (e *Engine) Pause() {
	e.pause.Store(true)
}

// Run executes one full sync. The returned Result carries the terminal
// status; only precondition and scan failures surface as errors.
func (e *Engine) Run(ctx context.Context, opts Options) (*Result, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	if !e.mu.TryLock() {
		return nil, ErrAlreadyRunning
	}
	defer e.mu.Unlock()
	e.pause.Store(false)

	if e.fileLock != nil {
		locked, err := e.fileLock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("sync lock: %w", err)
		}
		if !locked {
			return nil, ErrAlreadyRunning
		}
		defer e.fileLock.Unlock()
	}

	if e.cfg.Authenticated != nil && !e.cfg.Authenticated() {
		return nil, ErrNotAuthenticated
	}
	if e.cfg.NetworkOK != nil && !e.cfg.NetworkOK() {
		return nil, ErrNetworkUnavailable
	}

	tstart := time.Now()
	result, err := e.run(ctx, opts)
	if err != nil {
		e.setState(StateFailed)
		// a failed run never resumes; the next one starts clean
		if clearErr := e.resume.ClearState(); clearErr != nil {
			slog.Warn("clear resume state", "error", clearErr)
		}
		return nil, err
	}

	result.Duration = time.Since(tstart)
	slog.Info("sync finished",
		"status", result.Status,
		"took", result.Duration,
		"uploaded", result.FilesUploaded,
		"downloaded", result.FilesDownloaded,
		"deleted", result.FilesDeleted,
		"skipped", result.FilesSkipped,
		"resumed", result.FilesResumed,
		"failed", result.FilesFailed,
		"bytes", humanize.Bytes(uint64(result.BytesTransferred)),
	)
	return result, nil
}

func (e *Engine) run(ctx context.Context, opts Options) (*Result, error) {
	e.setState(StatePreparing)
	resumeState, err := e.loadResumableState(opts)
	if err != nil {
		return nil, err
	}

	e.setState(StateScanningLocal)
	localBuilder := &manifest.LocalBuilder{
		Root:      e.cfg.LocalRoot,
		Include:   opts.Include,
		Algorithm: e.cfg.Algorithm,
		Checksum:  true,
	}
	if opts.UseCache {
		localBuilder.Cache = e.cfg.Cache
	}
	localManifest, err := localBuilder.Build(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan local: %w", err)
	}

	e.setState(StateScanningRemote)
	remoteManifest, err := (&manifest.RemoteBuilder{Store: e.cfg.Store, Root: e.cfg.RootLabel}).Build(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan remote: %w", err)
	}

	e.setState(StateComparing)
	resolver := NewResolver(opts.ConflictPolicy, e.cfg.Decide)
	items := Compare(ctx, localManifest, remoteManifest, opts, resolver)

	resumeState = e.seedResumeState(resumeState, opts, items)
	if err := e.resume.Save(resumeState); err != nil {
		return nil, fmt.Errorf("persist resume state: %w", err)
	}

	return e.execute(ctx, opts, items, resumeState)
}

// loadResumableState returns the prior run's state when it is still valid
// and belongs to the same mode and root; otherwise the ledger is cleared.
func (e *Engine) loadResumableState(opts Options) (*ledger.ResumeState, error) {
	state, err := e.resume.Load()
	if err != nil {
		return nil, fmt.Errorf("load resume state: %w", err)
	}
	if state == nil {
		return nil, nil
	}

	if !state.Valid(e.cfg.ResumeTimeout) ||
		state.SyncMode != string(opts.Mode) ||
		state.RootLabel != e.cfg.RootLabel {
		slog.Debug("discarding stale resume state", "run_id", state.RunID, "age", time.Since(state.Timestamp))
		if err := e.resume.ClearState(); err != nil {
			return nil, err
		}
		return nil, nil
	}

	slog.Info("resuming interrupted sync",
		"run_id", state.RunID,
		"completed", len(state.CompletedPaths),
		"pending", len(state.PendingPaths),
	)
	return state, nil
}

// seedResumeState builds the durable record for this plan. A resumed run
// keeps its identity and completions but re-derives pending work from the
// fresh comparison.
func (e *Engine) seedResumeState(prior *ledger.ResumeState, opts Options, items []*Item) *ledger.ResumeState {
	state := &ledger.ResumeState{
		RunID:     uuid.NewString(),
		Timestamp: time.Now().UTC(),
		SyncMode:  string(opts.Mode),
		RootLabel: e.cfg.RootLabel,
	}
	if prior != nil {
		state.RunID = prior.RunID
		state.Timestamp = prior.Timestamp
		state.CompletedPaths = prior.CompletedPaths
		state.BytesTransferred = prior.BytesTransferred
	}

	state.TotalFiles = len(items)
	for _, item := range items {
		if item.Action == ActionSkip || state.IsCompleted(item.RelPath) {
			continue
		}
		state.PendingPaths = append(state.PendingPaths, item.RelPath)
		state.TotalBytes += item.transferBytes()
	}
	return state
}

func (e *Engine) execute(ctx context.Context, opts Options, items []*Item, resumeState *ledger.ResumeState) (*Result, error) {
	result := &Result{TotalFiles: len(items)}
	executor := retry.NewExecutor(e.cfg.RetryPolicy, e.cfg.Governor)

	for _, item := range items {
		// cancellation and pause are polled between items, never
		// mid-transfer
		if ctx.Err() != nil {
			return e.finishInterrupted(result, StatusCancelled, StateCancelled), nil
		}
		if e.pause.Load() {
			return e.finishInterrupted(result, StatusPaused, StatePaused), nil
		}

		if item.Action == ActionSkip {
			result.FilesSkipped++
			continue
		}
		if resumeState.IsCompleted(item.RelPath) {
			result.FilesResumed++
			continue
		}

		switch item.Action {
		case ActionUpload, ActionDeleteRemote, ActionConflict:
			e.setState(StateUploading)
		default:
			e.setState(StateDownloading)
		}

		err := e.executeItem(ctx, executor, opts, item)

		var mismatch *ChecksumMismatchError
		switch {
		case err == nil:
			e.recordSuccess(result, resumeState, item)
		case errors.As(err, &mismatch):
			// the file stays as downloaded; the mismatch is an error
			// but not a rollback
			result.Errors = append(result.Errors, &FileError{Path: item.RelPath, Err: err})
			e.recordSuccess(result, resumeState, item)
		case errors.Is(err, context.Canceled):
			return e.finishInterrupted(result, StatusCancelled, StateCancelled), nil
		default:
			// one file's failure never aborts the run
			slog.Warn("sync item failed", "op", item.Action, "path", item.RelPath, "error", err)
			result.FilesFailed++
			result.Errors = append(result.Errors, &FileError{Path: item.RelPath, Err: err})
		}
	}

	if len(result.Errors) == 0 {
		result.Status = StatusSuccess
	} else {
		result.Status = StatusPartialSuccess
	}
	e.setState(StateCompleted)

	// the plan ran to completion; the next run starts clean
	if err := e.resume.ClearState(); err != nil {
		slog.Warn("clear resume state", "error", err)
	}
	return result, nil
}

func (e *Engine) finishInterrupted(result *Result, status Status, state State) *Result {
	// ledger is retained so the next run resumes where this one stopped
	result.Status = status
	e.setState(state)
	return result
}

func (e *Engine) recordSuccess(result *Result, resumeState *ledger.ResumeState, item *Item) {
	bytes := item.transferBytes()

	switch item.Action {
	case ActionUpload:
		result.FilesUploaded++
	case ActionDownload:
		result.FilesDownloaded++
	case ActionDeleteLocal, ActionDeleteRemote:
		result.FilesDeleted++
	case ActionConflict:
		result.FilesUploaded++
		result.FilesDownloaded++
	}
	result.BytesTransferred += bytes

	resumeState.MarkCompleted(item.RelPath, bytes)
	if err := e.resume.Save(resumeState); err != nil {
		slog.Warn("persist resume state", "path", item.RelPath, "error", err)
	}

	slog.Debug("sync", "op", item.Action, "path", item.RelPath, "size", humanize.Bytes(uint64(bytes)))
}

func (e *Engine) executeItem(ctx context.Context, executor *retry.Executor, opts Options, item *Item) error {
	switch item.Action {
	case ActionUpload:
		return e.uploadFile(ctx, executor, item.RelPath, item.RelPath)

	case ActionDownload:
		return e.downloadFile(ctx, executor, opts, item.RelPath, item.RelPath)

	case ActionDeleteLocal:
		localPath := e.localPath(item.RelPath)
		if err := os.Remove(localPath); err != nil && !os.IsNotExist(err) {
			return err
		}
		if e.cfg.Cache != nil {
			if err := e.cfg.Cache.Forget(item.RelPath); err != nil {
				slog.Debug("forget cached hash", "path", item.RelPath, "error", err)
			}
		}
		return nil

	case ActionDeleteRemote:
		key := e.remoteKey(item.RelPath)
		return executor.Do(ctx, func(ctx context.Context) error {
			return e.cfg.Store.Delete(ctx, key)
		})

	case ActionConflict:
		// keep-both: the suffixed path gets the former local copy, the
		// canonical path ends up holding the remote version
		suffixed := SuffixedPath(item.RelPath, item.Resolution.Suffix)
		if err := e.uploadFile(ctx, executor, item.RelPath, suffixed); err != nil {
			return fmt.Errorf("keep-both upload: %w", err)
		}
		if err := e.downloadFile(ctx, executor, opts, item.RelPath, item.RelPath); err != nil {
			return fmt.Errorf("keep-both download: %w", err)
		}
		return nil

	default:
		return fmt.Errorf("unexpected action %s for %q", item.Action, item.RelPath)
	}
}

// uploadFile sends the local file at localRel to the remote key derived from
// remoteRel. The file is reopened per attempt so retries never resend a
// half-consumed reader.
func (e *Engine) uploadFile(ctx context.Context, executor *retry.Executor, localRel, remoteRel string) error {
	localPath := e.localPath(localRel)
	key := e.remoteKey(remoteRel)

	return executor.Do(ctx, func(ctx context.Context) error {
		f, err := os.Open(localPath)
		if err != nil {
			return err
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return err
		}

		_, err = e.cfg.Store.Upload(ctx, key, f, info.Size())
		return err
	})
}

// downloadFile fetches the remote object at remoteRel into the local path at
// localRel, restoring the remote modification time. With VerifyChecksums the
// placed file is re-hashed against the remote-reported digest.
func (e *Engine) downloadFile(ctx context.Context, executor *retry.Executor, opts Options, remoteRel, localRel string) error {
	localPath := e.localPath(localRel)
	key := e.remoteKey(remoteRel)

	var obj *remote.Object
	err := executor.Do(ctx, func(ctx context.Context) error {
		rc, o, err := e.cfg.Store.Download(ctx, key)
		if err != nil {
			return err
		}
		defer rc.Close()

		if err := utils.EnsureParent(localPath); err != nil {
			return err
		}

		tmp, err := os.CreateTemp(filepath.Dir(localPath), ".driftbox-*")
		if err != nil {
			return err
		}
		tmpPath := tmp.Name()

		if _, err := tmp.ReadFrom(rc); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return err
		}
		if err := tmp.Close(); err != nil {
			os.Remove(tmpPath)
			return err
		}
		if err := os.Rename(tmpPath, localPath); err != nil {
			os.Remove(tmpPath)
			return err
		}

		obj = o
		return nil
	})
	if err != nil {
		return err
	}

	if !obj.LastModified.IsZero() {
		if err := os.Chtimes(localPath, obj.LastModified, obj.LastModified); err != nil {
			slog.Debug("restore mtime", "path", localRel, "error", err)
		}
	}

	if opts.VerifyChecksums && obj.Checksum != "" {
		got, err := fingerprint.File(localPath, e.cfg.Algorithm)
		if err != nil {
			return fmt.Errorf("verify download: %w", err)
		}
		if !fingerprint.Equal(got, obj.Checksum) {
			return &ChecksumMismatchError{Path: localRel, Want: obj.Checksum, Got: got}
		}
	}

	return nil
}

func (e *Engine) localPath(relPath string) string {
	return filepath.Join(e.cfg.LocalRoot, filepath.FromSlash(relPath))
}

func (e *Engine) remoteKey(relPath string) string {
	if e.cfg.RootLabel == "" {
		return relPath
	}
	return path.Join(e.cfg.RootLabel, relPath)
}
