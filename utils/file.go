package utils

import (
	"context"
	"fmt"
	"os"

	"github.com/projecteru2/core/log"
)

// EnsureDirs creates all directories with 0o750 permissions.
func EnsureDirs(dirs ...string) error {
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// RemoveTemp closes and removes a spool file. Failures are logged, not
// returned; a leaked temp file never fails the operation that spooled it.
func RemoveTemp(ctx context.Context, f *os.File) {
	logger := log.WithFunc("utils.RemoveTemp")
	if err := f.Close(); err != nil {
		logger.Warnf(ctx, "close %s: %v", f.Name(), err)
	}
	if err := os.Remove(f.Name()); err != nil && !os.IsNotExist(err) {
		logger.Warnf(ctx, "remove %s: %v", f.Name(), err)
	}
}
