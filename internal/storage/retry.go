package storage

import (
	"context"
	"strings"
	"time"

	"modwatch/internal/retry"
)

// WAL-mode SQLite can still surface BUSY/LOCKED (and IOERR_SHORT_READ under
// contention) past busy_timeout. Writes are retried a few times.
var contentionPolicy = retry.Policy{
	MaxAttempts: 4,
	BaseDelay:   50 * time.Millisecond,
	MaxDelay:    500 * time.Millisecond,
	MaxJitter:   50 * time.Millisecond,
}

func isTransientSQLiteErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, pattern := range []string{
		"SQLITE_BUSY",
		"SQLITE_LOCKED",
		"IOERR_SHORT_READ",
		"database is locked",
		"database table is locked",
		"(5)",
		"(6)",
		"(522)",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

func retryOnContention(ctx context.Context, fn func(ctx context.Context) error) error {
	return contentionPolicy.Do(ctx, func(ctx context.Context, _ uint) error {
		return fn(ctx)
	}, isTransientSQLiteErr, nil)
}
