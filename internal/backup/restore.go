package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	stdsync "sync"

	"github.com/google/uuid"

	"github.com/driftbox/driftbox/internal/codec"
	"github.com/driftbox/driftbox/internal/fingerprint"
	"github.com/driftbox/driftbox/internal/utils"
)

const snapshotPrefix = "driftbox-snapshot-"

// RestoreOptions controls one restore run.
type RestoreOptions struct {
	// Passphrase unlocks passphrase-encrypted archives.
	Passphrase string
	// VerifyChecksums re-hashes every extracted file against the manifest.
	VerifyChecksums bool
	// RollbackOnFailure restores the safety snapshot when verification
	// fails. Requires SafetyBackup and a non-empty target.
	RollbackOnFailure bool
	// ClearBeforeRestore empties the target directory before extraction.
	ClearBeforeRestore bool
	// SafetyBackup snapshots a non-empty target before any mutation.
	SafetyBackup bool
	// KeepSnapshot retains the safety snapshot after a clean restore.
	KeepSnapshot bool
	// SnapshotDir holds safety snapshots. Defaults to the target's parent.
	SnapshotDir string
}

// RestoreResult summarizes a restore run.
type RestoreResult struct {
	FilesRestored int
	FilesFailed   int
	BytesRestored int64
	// SnapshotPath is set when a safety snapshot was taken and retained.
	SnapshotPath string
}

// Restorer extracts archive artifacts back into a directory. One operation at
// a time per instance.
type Restorer struct {
	mu stdsync.Mutex
}

func NewRestorer() *Restorer {
	return &Restorer{}
}

// Restore extracts archivePath into targetDir. Encryption is detected from
// the artifact itself; a wrong passphrase or corrupt container aborts before
// the target is touched.
func (r *Restorer) Restore(ctx context.Context, archivePath, targetDir string, opts RestoreOptions) (*RestoreResult, error) {
	if !r.mu.TryLock() {
		return nil, ErrAlreadyRunning
	}
	defer r.mu.Unlock()

	targetDir, err := utils.ResolvePath(targetDir)
	if err != nil {
		return nil, err
	}

	tr, closer, err := r.openArchive(archivePath, opts.Passphrase)
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	m, err := r.readManifest(tr)
	if err != nil {
		return nil, err
	}

	snapshotPath, err := r.takeSnapshot(targetDir, opts)
	if err != nil {
		return nil, err
	}

	if opts.ClearBeforeRestore {
		if err := clearDir(targetDir); err != nil {
			return nil, fmt.Errorf("clear target: %w", err)
		}
	}

	result := &RestoreResult{SnapshotPath: snapshotPath}
	if err := r.extract(ctx, tr, targetDir, m, result); err != nil {
		return nil, err
	}

	if opts.VerifyChecksums {
		if err := r.verify(targetDir, m, result, snapshotPath, opts); err != nil {
			return result, err
		}
	}

	if snapshotPath != "" && !opts.KeepSnapshot {
		if err := os.RemoveAll(snapshotPath); err != nil {
			slog.Warn("remove safety snapshot", "path", snapshotPath, "error", err)
		} else {
			result.SnapshotPath = ""
		}
	}

	slog.Info("restore finished",
		"archive", archivePath,
		"target", targetDir,
		"restored", result.FilesRestored,
		"failed", result.FilesFailed,
	)
	return result, nil
}

// openArchive detects the sealing, unlocks it, and returns a tar reader over
// the plaintext container.
func (r *Restorer) openArchive(archivePath, passphrase string) (*tar.Reader, io.Closer, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, nil, err
	}

	encType, err := DetectEncryption(f)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, nil, err
	}

	var plain io.Reader = f
	switch encType {
	case EncryptionPassphrase:
		if passphrase == "" {
			f.Close()
			return nil, nil, ErrPassphraseRequired
		}
		plain, err = r.unseal(f, []byte(passphrase))
	case EncryptionDevice:
		var secret []byte
		secret, err = deviceSecret()
		if err == nil {
			plain, err = r.unseal(f, secret)
		}
	}
	if err != nil {
		f.Close()
		return nil, nil, err
	}

	gz, err := gzip.NewReader(plain)
	if err != nil {
		f.Close()
		if encType == EncryptionPassphrase && errors.Is(err, errKeyAuth) {
			return nil, nil, ErrWrongPassphrase
		}
		return nil, nil, fmt.Errorf("%w: %v", ErrCorruptedArchive, err)
	}

	return tar.NewReader(gz), f, nil
}

func (r *Restorer) unseal(f *os.File, secret []byte) (io.Reader, error) {
	header := make([]byte, len(sealMagic)+1+sealSaltSize)
	if _, err := io.ReadFull(f, header); err != nil {
		return nil, fmt.Errorf("%w: short container header", ErrCorruptedArchive)
	}
	salt := header[len(sealMagic)+1:]
	return newSealReader(f, secret, salt)
}

func (r *Restorer) readManifest(tr *tar.Reader) (*Manifest, error) {
	hdr, err := tr.Next()
	if err != nil {
		if errors.Is(err, errKeyAuth) {
			return nil, ErrWrongPassphrase
		}
		return nil, fmt.Errorf("%w: %v", ErrCorruptedArchive, err)
	}
	if hdr.Name != manifestName {
		return nil, fmt.Errorf("%w: expected %s as first entry, found %q", ErrCorruptedArchive, manifestName, hdr.Name)
	}

	data, err := io.ReadAll(tr)
	if err != nil {
		if errors.Is(err, errKeyAuth) {
			return nil, ErrWrongPassphrase
		}
		return nil, fmt.Errorf("%w: %v", ErrCorruptedArchive, err)
	}

	var m Manifest
	if err := codec.JSONUnmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: unreadable manifest: %v", ErrCorruptedArchive, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// takeSnapshot copies a non-empty target aside so a failed restore can roll
// back. Returns "" when no snapshot is needed.
func (r *Restorer) takeSnapshot(targetDir string, opts RestoreOptions) (string, error) {
	if !opts.SafetyBackup || !dirNonEmpty(targetDir) {
		return "", nil
	}

	snapshotDir := opts.SnapshotDir
	if snapshotDir == "" {
		snapshotDir = filepath.Dir(targetDir)
	}
	snapshotPath := filepath.Join(snapshotDir, snapshotPrefix+uuid.NewString())

	if err := utils.CopyDir(targetDir, snapshotPath); err != nil {
		return "", fmt.Errorf("safety snapshot: %w", err)
	}
	slog.Debug("safety snapshot taken", "path", snapshotPath)
	return snapshotPath, nil
}

func (r *Restorer) extract(ctx context.Context, tr *tar.Reader, targetDir string, m *Manifest, result *RestoreResult) error {
	byPath := make(map[string]Entry, len(m.Entries))
	for _, e := range m.Entries {
		byPath[e.Path] = e
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCorruptedArchive, err)
		}
		if hdr.Typeflag != tar.TypeReg || !strings.HasPrefix(hdr.Name, payloadPrefix) {
			continue
		}

		relPath := strings.TrimPrefix(hdr.Name, payloadPrefix)
		if !filepath.IsLocal(filepath.FromSlash(relPath)) {
			return fmt.Errorf("%w: unsafe path %q", ErrCorruptedArchive, hdr.Name)
		}

		dst := filepath.Join(targetDir, filepath.FromSlash(relPath))
		if err := r.extractFile(tr, dst, hdr); err != nil {
			return fmt.Errorf("extract %q: %w", relPath, err)
		}

		if entry, ok := byPath[relPath]; ok && !entry.ModifiedTime.IsZero() {
			if err := os.Chtimes(dst, entry.ModifiedTime, entry.ModifiedTime); err != nil {
				slog.Debug("restore mtime", "path", relPath, "error", err)
			}
		}

		result.FilesRestored++
		result.BytesRestored += hdr.Size
	}
}

func (r *Restorer) extractFile(tr *tar.Reader, dst string, hdr *tar.Header) error {
	if err := utils.EnsureParent(dst); err != nil {
		return err
	}
	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(hdr.Mode).Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, tr); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// verify re-hashes extracted files and rolls the target back to the snapshot
// when configured and anything mismatches.
func (r *Restorer) verify(targetDir string, m *Manifest, result *RestoreResult, snapshotPath string, opts RestoreOptions) error {
	failed := 0
	for _, entry := range m.Entries {
		if entry.Checksum == "" {
			continue
		}
		got, err := fingerprint.File(filepath.Join(targetDir, filepath.FromSlash(entry.Path)), fingerprint.SHA256)
		if err != nil || !fingerprint.Equal(got, entry.Checksum) {
			slog.Warn("restored file failed verification", "path", entry.Path)
			failed++
		}
	}
	if failed == 0 {
		return nil
	}

	result.FilesFailed = failed
	if opts.RollbackOnFailure && snapshotPath != "" {
		if err := clearDir(targetDir); err != nil {
			return fmt.Errorf("rollback: %w", err)
		}
		if err := utils.CopyDir(snapshotPath, targetDir); err != nil {
			return fmt.Errorf("rollback: %w", err)
		}
		result.FilesRestored = 0
		result.BytesRestored = 0
		slog.Warn("restore rolled back", "snapshot", snapshotPath, "failed", failed)
		return &VerificationError{Failed: failed}
	}

	// without rollback the extracted tree stands; the count tells the
	// caller what to distrust
	return nil
}

// PruneSnapshots removes the oldest safety snapshots in dir, keeping the most
// recent keep of them.
func PruneSnapshots(dir string, keep int) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	type snap struct {
		path  string
		mtime int64
	}
	var snaps []snap
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), snapshotPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		snaps = append(snaps, snap{path: filepath.Join(dir, e.Name()), mtime: info.ModTime().UnixNano()})
	}

	sort.Slice(snaps, func(i, j int) bool { return snaps[i].mtime > snaps[j].mtime })
	if keep < 0 {
		keep = 0
	}
	for i := keep; i < len(snaps); i++ {
		if err := os.RemoveAll(snaps[i].path); err != nil {
			return err
		}
	}
	return nil
}

func dirNonEmpty(dir string) bool {
	entries, err := os.ReadDir(dir)
	return err == nil && len(entries) > 0
}

func clearDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return utils.EnsureDir(dir)
		}
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}
