package observability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"

	"go.uber.org/zap"
)

// NamedCloser pairs a backend with the name used in shutdown logs.
type NamedCloser struct {
	Name   string
	Closer io.Closer
}

// FlushTelemetry closes remote backends (cache, knowledge store) in order, then flushes logs.
// Call during graceful shutdown after in-flight requests have drained.
// Returns the joined close errors; stops early if ctx is done.
func FlushTelemetry(ctx context.Context, logger *zap.Logger, closers ...NamedCloser) error {
	var errs []error
	for _, c := range closers {
		if err := ctx.Err(); err != nil {
			errs = append(errs, fmt.Errorf("flush: %w", err))
			break
		}
		if c.Closer == nil {
			continue
		}
		if err := c.Closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", c.Name, err))
			if logger != nil {
				logger.Error("backend close failed", zap.String("backend", c.Name), zap.Error(err))
			}
			continue
		}
		if logger != nil {
			logger.Info("backend closed", zap.String("backend", c.Name))
		}
	}
	if logger != nil {
		if err := logger.Sync(); err != nil && !isStdSyncError(err) {
			errs = append(errs, fmt.Errorf("flush logs: %w", err))
		}
	}
	return errors.Join(errs...)
}

// isStdSyncError reports errors from fsync on a terminal or pipe, which zap surfaces for stdout/stderr.
func isStdSyncError(err error) bool {
	var pathErr *os.PathError
	if !errors.As(err, &pathErr) {
		return false
	}
	return errors.Is(pathErr.Err, syscall.EINVAL) || errors.Is(pathErr.Err, syscall.ENOTTY) || errors.Is(pathErr.Err, syscall.EBADF)
}
