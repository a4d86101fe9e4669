// Package local implements the Storage contract on a rooted directory of the
// server's own filesystem.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/projecteru2/lumen/storage"
	"github.com/projecteru2/lumen/types"
)

// compile-time interface check.
var _ storage.Storage = (*Local)(nil)

// Local stores blobs under a configured base path. Relative blob paths are
// confined to the root; attempts to escape it are rejected.
type Local struct {
	root string
}

// New creates the local backend, creating the base path if needed.
func New(basePath string) (*Local, error) {
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve base path %s: %w", basePath, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil { //nolint:gosec // shared media directory
		return nil, fmt.Errorf("create base path %s: %w", abs, err)
	}
	return &Local{root: abs}, nil
}

func (l *Local) Type() types.BackendID {
	return types.LocalBackendID
}

// abs confines a blob path to the root directory.
func (l *Local) abs(p string) (string, error) {
	clean := filepath.Clean("/" + filepath.FromSlash(p))
	if clean == "/" {
		return "", fmt.Errorf("empty blob path")
	}
	full := filepath.Join(l.root, clean)
	if !strings.HasPrefix(full, l.root+string(filepath.Separator)) {
		return "", fmt.Errorf("blob path %q escapes storage root", p)
	}
	return full, nil
}

// Upload writes the stream to the final path, creating missing parents with
// mode 0755. A failed write removes the partial file.
func (l *Local) Upload(ctx context.Context, r io.Reader, p string) (string, error) {
	full, err := l.abs(p)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil { //nolint:gosec // shared media directory
		return "", fmt.Errorf("create parent dirs for %s: %w", p, err)
	}

	f, err := os.Create(full) //nolint:gosec // path confined by abs
	if err != nil {
		return "", fmt.Errorf("create %s: %w", p, err)
	}
	if _, err := io.Copy(f, contextReader{ctx: ctx, r: r}); err != nil {
		f.Close()       //nolint:errcheck
		os.Remove(full) //nolint:errcheck
		return "", fmt.Errorf("write %s: %w", p, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(full) //nolint:errcheck
		return "", fmt.Errorf("close %s: %w", p, err)
	}
	return p, nil
}

func (l *Local) Download(ctx context.Context, p string) (io.ReadCloser, error) {
	full, err := l.abs(p)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full) //nolint:gosec // path confined by abs
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("open %s: %w", p, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("open %s: %w", p, err)
	}
	return f, nil
}

// Delete removes the blob. A missing file is success.
func (l *Local) Delete(_ context.Context, p string) error {
	full, err := l.abs(p)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", p, err)
	}
	return nil
}

func (l *Local) DeleteBatch(ctx context.Context, paths []string) []error {
	return storage.RunBatch(ctx, len(paths), func(ctx context.Context, i int) error {
		return l.Delete(ctx, paths[i])
	})
}

func (l *Local) Exists(_ context.Context, p string) (bool, error) {
	full, err := l.abs(p)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(full); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", p, err)
	}
	return true, nil
}

// URL is unsupported: local blobs are served through the API layer, which
// the manager substitutes as the fallback route.
func (l *Local) URL(_ context.Context, p string) (string, error) {
	return "", fmt.Errorf("url for %s: %w", p, storage.ErrNotSupported)
}

func (l *Local) Move(_ context.Context, oldPath, newPath string) error {
	from, err := l.abs(oldPath)
	if err != nil {
		return err
	}
	to, err := l.abs(newPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil { //nolint:gosec // shared media directory
		return fmt.Errorf("create parent dirs for %s: %w", newPath, err)
	}
	if err := os.Rename(from, to); err != nil {
		return fmt.Errorf("rename %s -> %s: %w", oldPath, newPath, err)
	}
	return nil
}

func (l *Local) MoveBatch(ctx context.Context, pairs []storage.MovePair) []error {
	return storage.RunBatch(ctx, len(pairs), func(ctx context.Context, i int) error {
		return l.Move(ctx, pairs[i].From, pairs[i].To)
	})
}

// Stats reports filesystem-level usage of the volume holding the root.
// Platforms without statfs report zeros.
func (l *Local) Stats(_ context.Context) (types.StorageStats, error) {
	return fsStats(l.root)
}

// contextReader aborts a long copy when ctx is cancelled.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
