package backup

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftbox/driftbox/internal/codec"
	"github.com/driftbox/driftbox/internal/fingerprint"
)

func writeSource(t *testing.T, root string, files map[string]string) map[string]time.Time {
	t.Helper()
	mtimes := make(map[string]time.Time)
	base := time.Now().Add(-24 * time.Hour).Truncate(time.Second)
	i := 0
	for relPath, content := range files {
		path := filepath.Join(root, filepath.FromSlash(relPath))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		mt := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, os.Chtimes(path, mt, mt))
		mtimes[relPath] = mt
		i++
	}
	return mtimes
}

func TestBackupRestore_RoundTrip(t *testing.T) {
	source := t.TempDir()
	files := map[string]string{
		"notes.txt":        "plain text",
		"docs/report.md":   "# report\nbody",
		"docs/deep/x.json": `{"k":1}`,
	}
	mtimes := writeSource(t, source, files)

	artifact, err := NewBuilder().Create(context.Background(), source, Options{
		Checksums: true,
		OutputDir: t.TempDir(),
	})
	require.NoError(t, err)
	assert.FileExists(t, artifact.Path)
	assert.FileExists(t, artifact.Path+".sha256")
	assert.Equal(t, len(files), artifact.Manifest.FileCount)
	assert.Equal(t, EncryptionNone, artifact.Manifest.EncryptionType)

	// the sidecar digest matches the artifact bytes
	sum, err := fingerprint.File(artifact.Path, fingerprint.SHA256)
	require.NoError(t, err)
	assert.Equal(t, sum, artifact.Checksum)

	target := t.TempDir()
	result, err := NewRestorer().Restore(context.Background(), artifact.Path, target, RestoreOptions{
		VerifyChecksums: true,
	})
	require.NoError(t, err)
	assert.Equal(t, len(files), result.FilesRestored)
	assert.Zero(t, result.FilesFailed)

	for relPath, content := range files {
		path := filepath.Join(target, filepath.FromSlash(relPath))
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, content, string(data), relPath)

		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.True(t, info.ModTime().Equal(mtimes[relPath]), "%s: got %s want %s", relPath, info.ModTime(), mtimes[relPath])
	}
}

func TestBackupRestore_PassphraseRoundTrip(t *testing.T) {
	source := t.TempDir()
	writeSource(t, source, map[string]string{"secret.txt": "hidden payload"})

	artifact, err := NewBuilder().Create(context.Background(), source, Options{
		Checksums:  true,
		Encryption: EncryptionPassphrase,
		Passphrase: "correct horse",
		OutputDir:  t.TempDir(),
	})
	require.NoError(t, err)
	assert.Contains(t, artifact.Path, ".tar.gz.enc")

	// the artifact is not readable as plain gzip
	f, err := os.Open(artifact.Path)
	require.NoError(t, err)
	defer f.Close()
	encType, err := DetectEncryption(f)
	require.NoError(t, err)
	assert.Equal(t, EncryptionPassphrase, encType)

	target := t.TempDir()
	result, err := NewRestorer().Restore(context.Background(), artifact.Path, target, RestoreOptions{
		Passphrase:      "correct horse",
		VerifyChecksums: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.FilesRestored)

	data, err := os.ReadFile(filepath.Join(target, "secret.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hidden payload", string(data))
}

func TestRestore_WrongPassphraseBeforeTouchingTarget(t *testing.T) {
	source := t.TempDir()
	writeSource(t, source, map[string]string{"secret.txt": "hidden"})

	artifact, err := NewBuilder().Create(context.Background(), source, Options{
		Encryption: EncryptionPassphrase,
		Passphrase: "right",
		OutputDir:  t.TempDir(),
	})
	require.NoError(t, err)

	target := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(target, "keep.txt"), []byte("untouched"), 0o644))

	_, err = NewRestorer().Restore(context.Background(), artifact.Path, target, RestoreOptions{
		Passphrase:         "wrong",
		ClearBeforeRestore: true,
	})
	assert.ErrorIs(t, err, ErrWrongPassphrase)

	// the failed unlock never mutated the target
	entries, err := os.ReadDir(target)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "keep.txt", entries[0].Name())
}

func TestRestore_PassphraseRequired(t *testing.T) {
	source := t.TempDir()
	writeSource(t, source, map[string]string{"a.txt": "x"})

	artifact, err := NewBuilder().Create(context.Background(), source, Options{
		Encryption: EncryptionPassphrase,
		Passphrase: "pw",
		OutputDir:  t.TempDir(),
	})
	require.NoError(t, err)

	_, err = NewRestorer().Restore(context.Background(), artifact.Path, t.TempDir(), RestoreOptions{})
	assert.ErrorIs(t, err, ErrPassphraseRequired)
}

func TestBackupRestore_DeviceKey(t *testing.T) {
	if _, err := deviceSecret(); err != nil {
		t.Skipf("no machine identity available: %v", err)
	}

	source := t.TempDir()
	writeSource(t, source, map[string]string{"a.txt": "device bound"})

	artifact, err := NewBuilder().Create(context.Background(), source, Options{
		Encryption: EncryptionDevice,
		OutputDir:  t.TempDir(),
	})
	require.NoError(t, err)
	assert.Contains(t, artifact.Path, ".tar.gz.denc")

	target := t.TempDir()
	result, err := NewRestorer().Restore(context.Background(), artifact.Path, target, RestoreOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.FilesRestored)
}

func TestRestore_CorruptedArtifact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.tar.gz")
	require.NoError(t, os.WriteFile(path, []byte("this is not an archive"), 0o644))

	_, err := NewRestorer().Restore(context.Background(), path, t.TempDir(), RestoreOptions{})
	assert.ErrorIs(t, err, ErrCorruptedArchive)
}

// writeRawArchive builds a plain-container artifact directly, so tests can
// plant manifests that disagree with the payload.
func writeRawArchive(t *testing.T, path string, m *Manifest, files map[string][]byte) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	data, err := codec.JSONMarshal(m)
	require.NoError(t, err)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: manifestName, Mode: 0o644, Size: int64(len(data))}))
	_, err = tw.Write(data)
	require.NoError(t, err)

	for _, entry := range m.Entries {
		content := files[entry.Path]
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: payloadPrefix + entry.Path,
			Mode: 0o644,
			Size: int64(len(content)),
		}))
		_, err = tw.Write(content)
		require.NoError(t, err)
	}

	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())
}

func TestRestore_VerificationFailureRollsBack(t *testing.T) {
	goodContent := []byte("good bytes")
	goodSum, err := fingerprint.Bytes(goodContent, fingerprint.SHA256)
	require.NoError(t, err)

	m := &Manifest{
		Version:        ManifestVersion,
		CreatedAt:      time.Now().UTC(),
		FileCount:      2,
		TotalSize:      int64(len(goodContent)) * 2,
		EncryptionType: EncryptionNone,
		Entries: []Entry{
			{Path: "good.txt", Size: int64(len(goodContent)), Checksum: goodSum},
			{Path: "bad.txt", Size: int64(len(goodContent)), Checksum: "deadbeef"},
		},
	}
	archivePath := filepath.Join(t.TempDir(), "tampered.tar.gz")
	writeRawArchive(t, archivePath, m, map[string][]byte{
		"good.txt": goodContent,
		"bad.txt":  goodContent,
	})

	target := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(target, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(target, "precious.txt"), []byte("before restore"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(target, "sub", "nested.txt"), []byte("also before"), 0o644))

	result, err := NewRestorer().Restore(context.Background(), archivePath, target, RestoreOptions{
		VerifyChecksums:    true,
		RollbackOnFailure:  true,
		SafetyBackup:       true,
		ClearBeforeRestore: true,
		SnapshotDir:        t.TempDir(),
	})

	var verr *VerificationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, 1, verr.Failed)
	require.NotNil(t, result)
	assert.Equal(t, 1, result.FilesFailed)

	// the target is bit-identical to its pre-restore state
	data, err := os.ReadFile(filepath.Join(target, "precious.txt"))
	require.NoError(t, err)
	assert.Equal(t, "before restore", string(data))
	data, err = os.ReadFile(filepath.Join(target, "sub", "nested.txt"))
	require.NoError(t, err)
	assert.Equal(t, "also before", string(data))
	assert.NoFileExists(t, filepath.Join(target, "good.txt"))
	assert.NoFileExists(t, filepath.Join(target, "bad.txt"))
}

func TestRestore_VerificationFailureWithoutRollback(t *testing.T) {
	content := []byte("payload")
	m := &Manifest{
		Version:        ManifestVersion,
		CreatedAt:      time.Now().UTC(),
		FileCount:      1,
		TotalSize:      int64(len(content)),
		EncryptionType: EncryptionNone,
		Entries: []Entry{
			{Path: "a.txt", Size: int64(len(content)), Checksum: "deadbeef"},
		},
	}
	archivePath := filepath.Join(t.TempDir(), "tampered.tar.gz")
	writeRawArchive(t, archivePath, m, map[string][]byte{"a.txt": content})

	target := t.TempDir()
	result, err := NewRestorer().Restore(context.Background(), archivePath, target, RestoreOptions{
		VerifyChecksums: true,
	})
	require.NoError(t, err)

	// success with caveats: the file stands, the failure is counted
	assert.Equal(t, 1, result.FilesFailed)
	assert.FileExists(t, filepath.Join(target, "a.txt"))
}

func TestRestore_RejectsEscapingPaths(t *testing.T) {
	m := &Manifest{
		Version:        ManifestVersion,
		CreatedAt:      time.Now().UTC(),
		FileCount:      1,
		EncryptionType: EncryptionNone,
		Entries:        []Entry{{Path: "../escape.txt", Size: 4}},
	}
	archivePath := filepath.Join(t.TempDir(), "evil.tar.gz")
	writeRawArchive(t, archivePath, m, map[string][]byte{"../escape.txt": []byte("evil")})

	parent := t.TempDir()
	target := filepath.Join(parent, "target")
	require.NoError(t, os.MkdirAll(target, 0o755))

	_, err := NewRestorer().Restore(context.Background(), archivePath, target, RestoreOptions{})
	assert.ErrorIs(t, err, ErrCorruptedArchive)
	assert.NoFileExists(t, filepath.Join(parent, "escape.txt"))
}

func TestManifestValidate(t *testing.T) {
	m := &Manifest{Version: ManifestVersion, FileCount: 0}
	assert.NoError(t, m.Validate())

	m = &Manifest{Version: ManifestVersion + 1}
	assert.ErrorIs(t, m.Validate(), ErrCorruptedArchive)

	m = &Manifest{Version: ManifestVersion, FileCount: 2, Entries: []Entry{{Path: "a"}}}
	assert.ErrorIs(t, m.Validate(), ErrCorruptedArchive)
}

func TestBuilder_SourceMustBeDirectory(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	_, err := NewBuilder().Create(context.Background(), file, Options{OutputDir: t.TempDir()})
	assert.Error(t, err)
}

func TestBuilder_PassphraseEncryptionNeedsPassphrase(t *testing.T) {
	_, err := NewBuilder().Create(context.Background(), t.TempDir(), Options{
		Encryption: EncryptionPassphrase,
		OutputDir:  t.TempDir(),
	})
	assert.ErrorIs(t, err, ErrPassphraseRequired)
}

func TestPruneSnapshots(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for i := 0; i < 3; i++ {
		p := filepath.Join(dir, snapshotPrefix+string(rune('a'+i)))
		require.NoError(t, os.MkdirAll(p, 0o755))
		mt := time.Now().Add(time.Duration(i-3) * time.Hour)
		require.NoError(t, os.Chtimes(p, mt, mt))
		paths = append(paths, p)
	}
	// unrelated dirs are never touched
	other := filepath.Join(dir, "unrelated")
	require.NoError(t, os.MkdirAll(other, 0o755))

	require.NoError(t, PruneSnapshots(dir, 1))

	assert.NoDirExists(t, paths[0])
	assert.NoDirExists(t, paths[1])
	assert.DirExists(t, paths[2])
	assert.DirExists(t, other)
}

func TestSealRoundTripAcrossChunks(t *testing.T) {
	// payload larger than one chunk exercises the framing
	payload := make([]byte, sealChunkSize*2+123)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	var buf bytes.Buffer
	w, err := newSealWriter(&buf, sealTypePassphrase, []byte("pw"))
	require.NoError(t, err)
	_, err = w.Write(payload)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	sealed := buf.Bytes()
	encType, err := DetectEncryption(bytes.NewReader(sealed))
	require.NoError(t, err)
	require.Equal(t, EncryptionPassphrase, encType)

	headerLen := len(sealMagic) + 1 + sealSaltSize
	salt := sealed[len(sealMagic)+1 : headerLen]
	r, err := newSealReader(bytes.NewReader(sealed[headerLen:]), []byte("pw"), salt)
	require.NoError(t, err)

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	// a tampered first chunk reads as a wrong key
	tampered := append([]byte(nil), sealed...)
	tampered[headerLen+10] ^= 0xff
	r, err = newSealReader(bytes.NewReader(tampered[headerLen:]), []byte("pw"), salt)
	require.NoError(t, err)
	_, err = io.ReadAll(r)
	assert.ErrorIs(t, err, errKeyAuth)
}
