package fingerprint

import (
	"bytes"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReader_IdenticalBytesIdenticalDigest(t *testing.T) {
	data := make([]byte, 3*chunkSize+17) // force multiple chunks
	_, err := rand.Read(data)
	require.NoError(t, err)

	d1, err := Reader(bytes.NewReader(data), SHA256)
	require.NoError(t, err)
	d2, err := Reader(bytes.NewReader(data), SHA256)
	require.NoError(t, err)

	assert.Equal(t, d1, d2)
	assert.Len(t, d1, 64)
}

func TestReader_DifferentAlgorithms(t *testing.T) {
	data := []byte("hello driftbox")

	md5Digest, err := Reader(bytes.NewReader(data), MD5)
	require.NoError(t, err)
	shaDigest, err := Reader(bytes.NewReader(data), SHA256)
	require.NoError(t, err)

	assert.Len(t, md5Digest, 32)
	assert.Len(t, shaDigest, 64)
	assert.NotEqual(t, md5Digest, shaDigest)
}

func TestReader_UnknownAlgorithm(t *testing.T) {
	_, err := Reader(bytes.NewReader(nil), Algorithm("crc32"))
	assert.Error(t, err)
}

func TestFile_MatchesBytes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.bin")
	data := []byte("some file content")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	fromFile, err := File(path, MD5)
	require.NoError(t, err)
	fromBytes, err := Bytes(data, MD5)
	require.NoError(t, err)

	assert.Equal(t, fromBytes, fromFile)
}

func TestEqual_CaseInsensitive(t *testing.T) {
	assert.True(t, Equal("ABCDEF01", "abcdef01"))
	assert.False(t, Equal("abc", "abd"))

	// missing digests never match, even against each other
	assert.False(t, Equal("", ""))
	assert.False(t, Equal("abc", ""))
}
