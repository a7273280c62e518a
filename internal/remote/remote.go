// Package remote defines the object-store capability the sync engine talks
// to. Implementations hide pagination and transport detail; callers only see
// objects and the five-way error taxonomy below.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// Object describes one remote object as reported by the store.
type Object struct {
	// Key is the forward-slash relative path of the object under the root.
	Key string
	// ID is the store's opaque identifier for the object.
	ID string
	// Size in bytes.
	Size int64
	// Checksum reported by the store, lowercase hex. May be empty when the
	// store cannot provide one (e.g. multipart uploads).
	Checksum string
	// LastModified as reported by the store.
	LastModified time.Time
}

// Store is the remote storage collaborator. All calls fail with one of the
// taxonomy errors below (possibly wrapped) so the sync core never interprets
// transport-level detail.
type Store interface {
	// List enumerates every object under root, recursively. Pagination is
	// the implementation's problem.
	List(ctx context.Context, root string) ([]*Object, error)

	// Head fetches metadata for a single object.
	Head(ctx context.Context, key string) (*Object, error)

	// Upload stores the stream under key and returns the resulting object.
	Upload(ctx context.Context, key string, body io.Reader, size int64) (*Object, error)

	// Download opens the object for reading. Callers must Close the reader.
	Download(ctx context.Context, key string) (io.ReadCloser, *Object, error)

	// Delete removes the object. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error
}

// Error taxonomy. Implementations map their transport errors onto these.
var (
	ErrNotFound         = errors.New("remote: object not found")
	ErrPermissionDenied = errors.New("remote: permission denied")
	ErrUnavailable      = errors.New("remote: service unavailable")
	ErrUnknown          = errors.New("remote: unknown error")
)

// RateLimitError signals the store is throttling us. Directive carries the
// store's wait hint verbatim (integer seconds or an HTTP date), for the rate
// governor to parse.
type RateLimitError struct {
	Directive string
}

func (e *RateLimitError) Error() string {
	if e.Directive == "" {
		return "remote: rate limited"
	}
	return fmt.Sprintf("remote: rate limited (retry after %s)", e.Directive)
}

// IsRateLimited reports whether err is a rate-limit signal.
func IsRateLimited(err error) bool {
	var rle *RateLimitError
	return errors.As(err, &rle)
}

// IsRetryable reports whether the default retry policy should retry err.
// Not-found and permission errors are permanent; everything else (rate
// limits, unavailability, plain IO and timeouts) is worth another attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrPermissionDenied) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}
