package wpt

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// permanentError marks a failure that retrying cannot fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error {
	return &permanentError{err: err}
}

// maxBackoff caps the wait between two attempts.
const maxBackoff = 5 * time.Minute

// retryPolicy retries transient failures with exponential backoff. Retrying
// is safe because every caller is either a read or an idempotent ingest.
type retryPolicy struct {
	maxRetries int
	backoff    time.Duration
}

func (p retryPolicy) do(
	ctx context.Context, log logrus.FieldLogger, fn func() error,
) error {
	var lastErr error

	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}

		lastErr = err

		if ctx.Err() != nil || attempt == p.maxRetries {
			break
		}

		wait := p.wait(attempt)

		log.WithError(err).
			WithField("attempt", attempt+1).
			WithField("max_retries", p.maxRetries).
			WithField("backoff", wait).
			Warn("Request to wpt failed, retrying")

		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(wait):
		}
	}

	return lastErr
}

// wait returns the backoff before retry attempt+1: the base doubled per
// attempt, capped at maxBackoff.
func (p retryPolicy) wait(attempt int) time.Duration {
	if p.backoff <= 0 {
		return 0
	}

	d := min(p.backoff, maxBackoff)
	for i := 0; i < attempt && d < maxBackoff; i++ {
		d *= 2
	}

	return min(d, maxBackoff)
}
