package automation

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/rendis/procflow/pkg/schema"
)

// IsRetryableError classifies whether the recovery queue should re-attempt a
// failed transition. Typed FlowErrors decide by their own code; network
// errors and timeouts are retryable; a cancelled context means shutdown and
// is not.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var ferr *schema.FlowError
	if errors.As(err, &ferr) {
		return ferr.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// String heuristics for common retryable patterns.
	msg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"internal server error",
		"too many requests",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return true
}

// ComputeBackoff calculates the delay before retry attempt n (zero-based)
// with exponential growth capped at maxDelay.
func ComputeBackoff(base, maxDelay time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if maxDelay > 0 && delay >= maxDelay {
			return maxDelay
		}
	}
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	return delay
}
