package backup

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/denisbrodbeck/machineid"
	"golang.org/x/crypto/argon2"
)

// Sealed container layout: magic, one type byte, a random KDF salt, then a
// sequence of framed AES-256-GCM chunks. Each frame is a final-chunk flag, a
// big-endian ciphertext length, and the ciphertext. Nonces are derived from
// the chunk counter; the counter and flag are bound as associated data so
// frames cannot be dropped, duplicated or reordered.
var sealMagic = [4]byte{'D', 'B', 'E', '1'}

const (
	sealTypePassphrase byte = 1
	sealTypeDevice     byte = 2

	sealSaltSize  = 16
	sealChunkSize = 64 * 1024
)

// machineIDAppID keys the hashed machine identity so it is unique to this
// application.
const machineIDAppID = "driftbox"

var errKeyAuth = errors.New("backup: chunk authentication failed")

func deriveKey(secret []byte, salt []byte) []byte {
	return argon2.IDKey(secret, salt, 1, 64*1024, 4, 32)
}

func deviceSecret() ([]byte, error) {
	id, err := machineid.ProtectedID(machineIDAppID)
	if err != nil {
		return nil, fmt.Errorf("resolve device identity: %w", err)
	}
	return []byte(id), nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func chunkNonce(size int, counter uint64) []byte {
	nonce := make([]byte, size)
	binary.BigEndian.PutUint64(nonce[size-8:], counter)
	return nonce
}

func chunkAAD(counter uint64, final bool) []byte {
	aad := make([]byte, 9)
	binary.BigEndian.PutUint64(aad, counter)
	if final {
		aad[8] = 1
	}
	return aad
}

// sealWriter encrypts its input into the sealed container format. Close must
// be called to emit the final chunk.
type sealWriter struct {
	w       io.Writer
	aead    cipher.AEAD
	buf     []byte
	n       int
	counter uint64
	closed  bool
}

// newSealWriter writes the container header and returns a writer encrypting
// everything that follows.
func newSealWriter(w io.Writer, sealType byte, secret []byte) (*sealWriter, error) {
	salt := make([]byte, sealSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}

	aead, err := newAEAD(deriveKey(secret, salt))
	if err != nil {
		return nil, err
	}

	if _, err := w.Write(sealMagic[:]); err != nil {
		return nil, err
	}
	if _, err := w.Write([]byte{sealType}); err != nil {
		return nil, err
	}
	if _, err := w.Write(salt); err != nil {
		return nil, err
	}

	return &sealWriter{w: w, aead: aead, buf: make([]byte, sealChunkSize)}, nil
}

func (s *sealWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		n := copy(s.buf[s.n:], p)
		s.n += n
		written += n
		p = p[n:]

		if s.n == len(s.buf) {
			if err := s.flush(false); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

// Close seals the trailing chunk. The final chunk may be empty; it still gets
// written so truncation is detectable.
func (s *sealWriter) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.flush(true)
}

func (s *sealWriter) flush(final bool) error {
	nonce := chunkNonce(s.aead.NonceSize(), s.counter)
	ct := s.aead.Seal(nil, nonce, s.buf[:s.n], chunkAAD(s.counter, final))
	s.counter++
	s.n = 0

	frame := make([]byte, 5)
	if final {
		frame[0] = 1
	}
	binary.BigEndian.PutUint32(frame[1:], uint32(len(ct)))
	if _, err := s.w.Write(frame); err != nil {
		return err
	}
	_, err := s.w.Write(ct)
	return err
}

// sealReader decrypts a sealed container. The header (magic, type, salt) must
// already have been consumed by the caller.
type sealReader struct {
	r        io.Reader
	aead     cipher.AEAD
	plain    []byte
	counter  uint64
	sawFinal bool
}

func newSealReader(r io.Reader, secret, salt []byte) (*sealReader, error) {
	aead, err := newAEAD(deriveKey(secret, salt))
	if err != nil {
		return nil, err
	}
	return &sealReader{r: r, aead: aead}, nil
}

func (s *sealReader) Read(p []byte) (int, error) {
	for len(s.plain) == 0 {
		if s.sawFinal {
			return 0, io.EOF
		}
		if err := s.readChunk(); err != nil {
			return 0, err
		}
	}
	n := copy(p, s.plain)
	s.plain = s.plain[n:]
	return n, nil
}

func (s *sealReader) readChunk() error {
	frame := make([]byte, 5)
	if _, err := io.ReadFull(s.r, frame); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return fmt.Errorf("%w: truncated container", ErrCorruptedArchive)
		}
		return err
	}

	final := frame[0] == 1
	ctLen := binary.BigEndian.Uint32(frame[1:])
	if ctLen > sealChunkSize+uint32(s.aead.Overhead()) {
		return fmt.Errorf("%w: oversized chunk", ErrCorruptedArchive)
	}

	ct := make([]byte, ctLen)
	if _, err := io.ReadFull(s.r, ct); err != nil {
		return fmt.Errorf("%w: truncated chunk", ErrCorruptedArchive)
	}

	nonce := chunkNonce(s.aead.NonceSize(), s.counter)
	plain, err := s.aead.Open(nil, nonce, ct, chunkAAD(s.counter, final))
	if err != nil {
		if s.counter == 0 {
			// the very first chunk failing authentication means the
			// key is wrong, not the data
			return errKeyAuth
		}
		return fmt.Errorf("%w: chunk %d failed authentication", ErrCorruptedArchive, s.counter)
	}

	s.counter++
	s.plain = plain
	s.sawFinal = final
	return nil
}

// gzip member header; a plain archive starts with this.
var gzipMagic = [2]byte{0x1f, 0x8b}

// DetectEncryption inspects the artifact's leading bytes and reports how it
// is sealed. Filenames are never trusted.
func DetectEncryption(r io.Reader) (EncryptionType, error) {
	head := make([]byte, len(sealMagic)+1)
	n, err := io.ReadFull(r, head)
	if err != nil && err != io.ErrUnexpectedEOF {
		return "", err
	}
	head = head[:n]

	if len(head) >= 2 && head[0] == gzipMagic[0] && head[1] == gzipMagic[1] {
		return EncryptionNone, nil
	}
	if len(head) == len(sealMagic)+1 && [4]byte(head[:4]) == sealMagic {
		switch head[4] {
		case sealTypePassphrase:
			return EncryptionPassphrase, nil
		case sealTypeDevice:
			return EncryptionDevice, nil
		}
	}
	return "", fmt.Errorf("%w: unrecognized container header", ErrCorruptedArchive)
}
