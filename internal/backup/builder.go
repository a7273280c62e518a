package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	stdsync "sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/disk"

	"github.com/driftbox/driftbox/internal/codec"
	"github.com/driftbox/driftbox/internal/filter"
	"github.com/driftbox/driftbox/internal/fingerprint"
	"github.com/driftbox/driftbox/internal/manifest"
	"github.com/driftbox/driftbox/internal/utils"
	"github.com/driftbox/driftbox/internal/version"
)

// spaceSafetyMargin is added to the estimated archive size during the free
// space preflight, covering manifest, tar framing and crypto overhead.
const spaceSafetyMargin = 64 * 1024 * 1024

// Options controls one backup run.
type Options struct {
	// Include filters which files enter the archive. Nil includes all.
	Include filter.Predicate
	// Checksums records a per-file digest in the manifest so restores can
	// verify extracted content.
	Checksums bool
	// Encryption selects the container sealing. EncryptionPassphrase
	// requires Passphrase.
	Encryption EncryptionType
	Passphrase string
	// OutputDir receives the artifact. Defaults to the working directory.
	OutputDir string
	// Name overrides the timestamp-derived artifact basename.
	Name string
}

// Artifact describes a produced backup.
type Artifact struct {
	Path     string
	Checksum string
	Manifest *Manifest
}

// Builder creates archive artifacts. One operation at a time; a concurrent
// call is rejected with ErrAlreadyRunning.
type Builder struct {
	mu stdsync.Mutex

	now func() time.Time
}

func NewBuilder() *Builder {
	return &Builder{now: time.Now}
}

// Create archives sourceDir into a single artifact. No byte is written until
// the source is validated and the destination volume has room.
func (b *Builder) Create(ctx context.Context, sourceDir string, opts Options) (*Artifact, error) {
	if !b.mu.TryLock() {
		return nil, ErrAlreadyRunning
	}
	defer b.mu.Unlock()

	if opts.Encryption == "" {
		opts.Encryption = EncryptionNone
	}
	if opts.Encryption == EncryptionPassphrase && opts.Passphrase == "" {
		return nil, ErrPassphraseRequired
	}
	if opts.OutputDir == "" {
		opts.OutputDir = "."
	}

	sourceDir, err := utils.ResolvePath(sourceDir)
	if err != nil {
		return nil, err
	}
	if !utils.DirExists(sourceDir) {
		return nil, fmt.Errorf("backup source %q is not a directory", sourceDir)
	}

	builder := &manifest.LocalBuilder{
		Root:      sourceDir,
		Include:   opts.Include,
		Algorithm: fingerprint.SHA256,
		Checksum:  opts.Checksums,
	}
	snapshot, err := builder.Build(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan backup source: %w", err)
	}

	if err := b.preflightSpace(opts.OutputDir, snapshot.TotalSize()); err != nil {
		return nil, err
	}

	m := b.buildManifest(snapshot, opts)
	artifactPath := filepath.Join(opts.OutputDir, b.artifactName(opts))

	if err := b.writeArtifact(ctx, sourceDir, artifactPath, m, opts); err != nil {
		os.Remove(artifactPath)
		return nil, err
	}

	sum, err := fingerprint.File(artifactPath, fingerprint.SHA256)
	if err != nil {
		return nil, fmt.Errorf("checksum artifact: %w", err)
	}
	sidecar := fmt.Sprintf("%s  %s\n", sum, filepath.Base(artifactPath))
	if err := os.WriteFile(artifactPath+".sha256", []byte(sidecar), 0o644); err != nil {
		return nil, fmt.Errorf("write artifact checksum: %w", err)
	}

	slog.Info("backup created",
		"path", artifactPath,
		"files", m.FileCount,
		"size", humanize.Bytes(uint64(m.TotalSize)),
		"encryption", m.EncryptionType,
	)
	return &Artifact{Path: artifactPath, Checksum: sum, Manifest: m}, nil
}

func (b *Builder) preflightSpace(outputDir string, estimated int64) error {
	usage, err := disk.Usage(outputDir)
	if err != nil {
		// preflight is advisory; an unreadable volume still gets the
		// write attempted
		slog.Debug("disk usage unavailable", "dir", outputDir, "error", err)
		return nil
	}
	required := uint64(estimated) + spaceSafetyMargin
	if usage.Free < required {
		return &InsufficientSpaceError{Required: required, Available: usage.Free}
	}
	return nil
}

func (b *Builder) buildManifest(snapshot *manifest.Manifest, opts Options) *Manifest {
	m := &Manifest{
		Version:        ManifestVersion,
		CreatedAt:      b.now().UTC(),
		AppVersion:     version.Version,
		FileCount:      snapshot.Len(),
		TotalSize:      snapshot.TotalSize(),
		EncryptionType: opts.Encryption,
	}

	paths := make([]string, 0, snapshot.Len())
	for p := range snapshot.Entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		entry := snapshot.Get(p)
		m.Entries = append(m.Entries, Entry{
			Path:         entry.RelPath,
			Size:         entry.Size,
			Checksum:     entry.Checksum,
			ModifiedTime: entry.ModifiedTime,
		})
	}
	return m
}

func (b *Builder) artifactName(opts Options) string {
	name := opts.Name
	if name == "" {
		name = "driftbox-backup-" + b.now().UTC().Format("20060102T150405")
	}
	return name + opts.Encryption.Extension()
}

func (b *Builder) writeArtifact(ctx context.Context, sourceDir, artifactPath string, m *Manifest, opts Options) error {
	if err := utils.EnsureParent(artifactPath); err != nil {
		return err
	}
	f, err := os.OpenFile(artifactPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	var sink io.Writer = f
	var sealer *sealWriter
	switch opts.Encryption {
	case EncryptionPassphrase:
		sealer, err = newSealWriter(f, sealTypePassphrase, []byte(opts.Passphrase))
	case EncryptionDevice:
		var secret []byte
		secret, err = deviceSecret()
		if err == nil {
			sealer, err = newSealWriter(f, sealTypeDevice, secret)
		}
	}
	if err != nil {
		return err
	}
	if sealer != nil {
		sink = sealer
	}

	gz := gzip.NewWriter(sink)
	tw := tar.NewWriter(gz)

	if err := b.writeManifest(tw, m); err != nil {
		return err
	}

	for _, entry := range m.Entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := b.writePayload(tw, sourceDir, entry); err != nil {
			return fmt.Errorf("archive %q: %w", entry.Path, err)
		}
	}

	if err := tw.Close(); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}
	if sealer != nil {
		if err := sealer.Close(); err != nil {
			return err
		}
	}
	return f.Close()
}

func (b *Builder) writeManifest(tw *tar.Writer, m *Manifest) error {
	data, err := codec.JSONMarshal(m)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	hdr := &tar.Header{
		Name:    manifestName,
		Mode:    0o644,
		Size:    int64(len(data)),
		ModTime: m.CreatedAt,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = tw.Write(data)
	return err
}

func (b *Builder) writePayload(tw *tar.Writer, sourceDir string, entry Entry) error {
	f, err := os.Open(filepath.Join(sourceDir, filepath.FromSlash(entry.Path)))
	if err != nil {
		return err
	}
	defer f.Close()

	hdr := &tar.Header{
		Name:    path.Join(payloadPrefix, entry.Path),
		Mode:    0o644,
		Size:    entry.Size,
		ModTime: entry.ModifiedTime,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}

	// the manifest size is authoritative; a file that grew since the scan
	// must not overflow its tar header
	if _, err := io.CopyN(tw, f, entry.Size); err != nil {
		return err
	}
	return nil
}
