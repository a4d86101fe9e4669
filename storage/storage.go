package storage

import (
	"context"
	"errors"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/projecteru2/lumen/types"
)

// BatchConcurrency bounds how many single-path operations a batch method may
// run at once.
const BatchConcurrency = 10

// Sentinel errors shared by all backends. Backends wrap vendor errors so
// callers can match with errors.Is.
var (
	ErrNotFound              = errors.New("blob not found")
	ErrAlreadyExists         = errors.New("blob already exists")
	ErrBackendNotInitialized = errors.New("storage backend not initialized")
	ErrAuthExpired           = errors.New("storage auth expired")
	ErrCorruptResponse       = errors.New("corrupt storage response")
	ErrNotSupported          = errors.New("operation not supported by backend")
)

// IsNotFound reports whether err means the blob does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// MovePair is one rename of a batch move.
type MovePair struct {
	From string
	To   string
}

// Storage is the contract every blob backend satisfies. Paths are
// backend-relative; a path is meaningless without the backend id it was
// stored under. All methods honor ctx cancellation.
type Storage interface {
	Type() types.BackendID

	// Upload consumes r to the end and stores it at path, returning the
	// canonicalized stored path.
	Upload(ctx context.Context, r io.Reader, path string) (string, error)
	// Download opens a read stream. The caller must Close it.
	Download(ctx context.Context, path string) (io.ReadCloser, error)

	Delete(ctx context.Context, path string) error
	// DeleteBatch deletes every path, collecting per-path results. It never
	// aborts on the first error; errs[i] corresponds to paths[i].
	DeleteBatch(ctx context.Context, paths []string) []error

	Exists(ctx context.Context, path string) (bool, error)

	// URL returns an address a third party can fetch the blob from. It may
	// be a signed URL with an expiry.
	URL(ctx context.Context, path string) (string, error)

	Move(ctx context.Context, oldPath, newPath string) error
	MoveBatch(ctx context.Context, pairs []MovePair) []error

	Stats(ctx context.Context) (types.StorageStats, error)
}

// overrideKey is the ambient context key the manager inspects for a
// per-request backend override.
type overrideKey struct{}

// WithBackend returns a context routing manager calls to the given backend
// instead of the default.
func WithBackend(ctx context.Context, id types.BackendID) context.Context {
	return context.WithValue(ctx, overrideKey{}, id)
}

// BackendFromContext extracts a routing override, if any.
func BackendFromContext(ctx context.Context) (types.BackendID, bool) {
	id, ok := ctx.Value(overrideKey{}).(types.BackendID)
	return id, ok
}

// RunBatch runs fn for every index with bounded concurrency and positional
// error collection. ctx cancellation surfaces as the per-item error of items
// that never ran.
func RunBatch(ctx context.Context, n int, fn func(ctx context.Context, i int) error) []error {
	errs := make([]error, n)
	g := &errgroup.Group{}
	g.SetLimit(BatchConcurrency)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				errs[i] = err
				return nil
			}
			errs[i] = fn(ctx, i)
			return nil
		})
	}
	g.Wait() //nolint:errcheck // per-item errors are collected in errs
	return errs
}
