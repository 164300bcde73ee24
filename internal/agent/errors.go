package agent

import (
	"context"
	"errors"
	"strings"
)

// categorizeCacheError returns a stable label for cache error metrics.
func categorizeCacheError(err error) string {
	switch {
	case err == nil:
		return "unknown"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}
	errStr := err.Error()
	switch {
	case strings.Contains(errStr, "timeout"):
		return "timeout"
	case strings.Contains(errStr, "connection") || strings.Contains(errStr, "network"):
		return "connection"
	}
	return "unknown"
}
