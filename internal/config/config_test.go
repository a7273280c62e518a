package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.RootLabel = "work"
	cfg.S3.Bucket = "my-bucket"
	cfg.S3.Region = "eu-west-1"
	cfg.Sync.VerifyChecksums = true

	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "work", loaded.RootLabel)
	assert.Equal(t, "my-bucket", loaded.S3.Bucket)
	assert.True(t, loaded.Sync.VerifyChecksums)
	assert.Equal(t, path, loaded.Path)
	// defaults survive for fields absent from the file
	assert.Equal(t, "NEWER_WINS", loaded.Sync.ConflictPolicy)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	assert.Error(t, cfg.Validate(), "bucket missing")

	cfg.S3.Bucket = "b"
	assert.NoError(t, cfg.Validate())

	cfg.Sync.Mode = "SIDEWAYS"
	assert.Error(t, cfg.Validate())

	cfg.Sync.Mode = "BIDIRECTIONAL"
	cfg.RootLabel = ""
	assert.Error(t, cfg.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}
