// Package fingerprint computes content digests used as dedup and verification
// keys. Digests are lowercase hex and compared case-insensitively, since
// remote stores differ in the casing they report.
package fingerprint

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"
)

// Algorithm selects the digest function.
type Algorithm string

const (
	// MD5 is the fast default, matching what S3-style stores report as ETag
	// for single-part objects.
	MD5 Algorithm = "md5"
	// SHA256 is the cryptographically strong option used for backup
	// manifests and artifact checksums.
	SHA256 Algorithm = "sha256"
)

// chunkSize bounds memory while hashing, so arbitrarily large files never get
// buffered whole.
const chunkSize = 256 * 1024

func newHasher(algo Algorithm) (hash.Hash, error) {
	switch algo {
	case MD5:
		return md5.New(), nil
	case SHA256:
		return sha256.New(), nil
	default:
		return nil, fmt.Errorf("unknown fingerprint algorithm %q", algo)
	}
}

// Reader hashes everything from r in bounded chunks and returns the lowercase
// hex digest.
func Reader(r io.Reader, algo Algorithm) (string, error) {
	hasher, err := newHasher(algo)
	if err != nil {
		return "", err
	}

	buf := make([]byte, chunkSize)
	if _, err := io.CopyBuffer(hasher, r, buf); err != nil {
		return "", fmt.Errorf("hash stream: %w", err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// File hashes the file at path.
func File(path string, algo Algorithm) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	return Reader(f, algo)
}

// Bytes hashes an in-memory buffer.
func Bytes(data []byte, algo Algorithm) (string, error) {
	hasher, err := newHasher(algo)
	if err != nil {
		return "", err
	}
	hasher.Write(data)
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// Equal reports whether two digests refer to the same content. Empty digests
// never match anything, including each other.
func Equal(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return strings.EqualFold(a, b)
}
