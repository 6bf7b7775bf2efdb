package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/josh-kwaku/exchange-backoffice/internal/domain"
	"github.com/josh-kwaku/exchange-backoffice/internal/logging"
	"github.com/josh-kwaku/exchange-backoffice/internal/metrics"
)

const defaultRetryBackoff = 20 * time.Millisecond

// Retrier re-runs a whole unit of work after ErrConcurrentModification.
// Every attempt starts over with fresh reads; no other error is retried.
type Retrier struct {
	attempts int
	backoff  time.Duration
	metrics  *metrics.Metrics
}

func NewRetrier(attempts int, m *metrics.Metrics) *Retrier {
	if attempts < 1 {
		attempts = 1
	}
	return &Retrier{attempts: attempts, backoff: defaultRetryBackoff, metrics: m}
}

func (r *Retrier) Do(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		err = fn()
		if err == nil || !errors.Is(err, domain.ErrConcurrentModification) {
			return err
		}
		if attempt == r.attempts {
			break
		}

		r.metrics.IncConflictRetry()
		logging.FromContext(ctx).Debug("retrying after concurrent modification",
			"attempt", attempt,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return fmt.Errorf("Retrier.Do: %w", errors.Join(ctx.Err(), err))
		case <-time.After(time.Duration(attempt) * r.backoff):
		}
	}
	return fmt.Errorf("Retrier.Do: gave up after %d attempts: %w", r.attempts, err)
}
