package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/driftbox/driftbox/internal/fingerprint"
)

// MemoryStore is an in-memory Store used by tests and the dry-run tooling.
// It computes MD5 checksums like a single-part S3 upload would.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]*memObject

	// FailWith, when set, is returned by every call. Tests use it to
	// exercise the error taxonomy.
	FailWith error
	// FailKeys maps specific keys to errors for per-object failures.
	FailKeys map[string]error
}

type memObject struct {
	data []byte
	obj  Object
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects:  make(map[string]*memObject),
		FailKeys: make(map[string]error),
	}
}

func (m *MemoryStore) failure(key string) error {
	if m.FailWith != nil {
		return m.FailWith
	}
	if err, ok := m.FailKeys[key]; ok {
		return err
	}
	return nil
}

func (m *MemoryStore) List(ctx context.Context, root string) ([]*Object, error) {
	if err := m.failure(""); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	root = strings.Trim(root, "/")
	var objects []*Object
	for key, mo := range m.objects {
		if root != "" && !strings.HasPrefix(key, root+"/") {
			continue
		}
		obj := mo.obj
		obj.Key = strings.TrimPrefix(key, root+"/")
		if root == "" {
			obj.Key = key
		}
		objects = append(objects, &obj)
	}
	return objects, nil
}

func (m *MemoryStore) Head(ctx context.Context, key string) (*Object, error) {
	if err := m.failure(key); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	mo, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	obj := mo.obj
	return &obj, nil
}

func (m *MemoryStore) Upload(ctx context.Context, key string, body io.Reader, size int64) (*Object, error) {
	if err := m.failure(key); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknown, err)
	}
	checksum, _ := fingerprint.Bytes(data, fingerprint.MD5)

	m.mu.Lock()
	defer m.mu.Unlock()

	obj := Object{
		Key:          key,
		ID:           key,
		Size:         int64(len(data)),
		Checksum:     checksum,
		LastModified: time.Now().UTC(),
	}
	m.objects[key] = &memObject{data: data, obj: obj}
	out := obj
	return &out, nil
}

func (m *MemoryStore) Download(ctx context.Context, key string) (io.ReadCloser, *Object, error) {
	if err := m.failure(key); err != nil {
		return nil, nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	mo, ok := m.objects[key]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	obj := mo.obj
	return io.NopCloser(bytes.NewReader(mo.data)), &obj, nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := m.failure(key); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

// Put seeds an object directly, bypassing failure injection. Test helper.
func (m *MemoryStore) Put(key string, data []byte, modified time.Time) *Object {
	checksum, _ := fingerprint.Bytes(data, fingerprint.MD5)

	m.mu.Lock()
	defer m.mu.Unlock()

	obj := Object{
		Key:          key,
		ID:           key,
		Size:         int64(len(data)),
		Checksum:     checksum,
		LastModified: modified,
	}
	m.objects[key] = &memObject{data: append([]byte(nil), data...), obj: obj}
	out := obj
	return &out
}

// Bytes returns a copy of the stored object data, or nil when absent.
func (m *MemoryStore) Bytes(key string) []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mo, ok := m.objects[key]
	if !ok {
		return nil
	}
	return append([]byte(nil), mo.data...)
}

// Len reports the number of stored objects.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

var _ Store = (*MemoryStore)(nil)
var _ Store = (*S3Store)(nil)
