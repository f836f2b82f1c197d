package modrinth

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound means the upstream answered 404 for the project.
var ErrNotFound = errors.New("modrinth: project not found")

// TransientError is a failure worth retrying on a later poll: timeouts,
// network errors, 5xx and 429. Backoff is the upstream's hint, zero when it
// gave none.
type TransientError struct {
	Status  int
	Backoff time.Duration
	Err     error
}

func (e *TransientError) Error() string {
	switch {
	case e.Status != 0 && e.Backoff > 0:
		return fmt.Sprintf("modrinth: transient status %d (retry after %s)", e.Status, e.Backoff)
	case e.Status != 0:
		return fmt.Sprintf("modrinth: transient status %d", e.Status)
	case e.Err != nil:
		return "modrinth: " + e.Err.Error()
	default:
		return "modrinth: transient error"
	}
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or anything it wraps) is a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// BackoffOf returns the upstream backoff hint carried by err, if any.
func BackoffOf(err error) time.Duration {
	var te *TransientError
	if errors.As(err, &te) {
		return te.Backoff
	}
	return 0
}

// netError marks failures below HTTP; only these are retried in-call.
type netError struct{ err error }

func (e *netError) Error() string { return e.err.Error() }
func (e *netError) Unwrap() error { return e.err }

func isNetErr(err error) bool {
	var ne *netError
	return errors.As(err, &ne)
}
