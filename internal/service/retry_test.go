package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josh-kwaku/exchange-backoffice/internal/domain"
	"github.com/josh-kwaku/exchange-backoffice/internal/metrics"
)

func conflict() error {
	return fmt.Errorf("WithTx: %w", domain.ErrConcurrentModification)
}

func TestRetrier_SucceedsAfterConflicts(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	r := NewRetrier(3, m)
	r.backoff = time.Millisecond

	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return conflict()
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.ConflictRetries))
}

func TestRetrier_GivesUp(t *testing.T) {
	r := NewRetrier(2, nil)
	r.backoff = time.Millisecond

	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		return conflict()
	})

	require.ErrorIs(t, err, domain.ErrConcurrentModification)
	assert.Equal(t, 2, calls)
}

func TestRetrier_DoesNotRetryOtherErrors(t *testing.T) {
	r := NewRetrier(5, nil)

	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		return domain.ErrInsufficientAvailableBalance
	})

	require.ErrorIs(t, err, domain.ErrInsufficientAvailableBalance)
	assert.Equal(t, 1, calls)
}

func TestRetrier_StopsOnCanceledContext(t *testing.T) {
	r := NewRetrier(5, nil)
	r.backoff = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := r.Do(ctx, func() error {
		calls++
		cancel()
		return conflict()
	})

	require.ErrorIs(t, err, context.Canceled)
	require.ErrorIs(t, err, domain.ErrConcurrentModification)
	assert.Equal(t, 1, calls)
}

func TestNewRetrier_ClampsAttempts(t *testing.T) {
	calls := 0
	err := NewRetrier(0, nil).Do(context.Background(), func() error {
		calls++
		return conflict()
	})

	assert.True(t, errors.Is(err, domain.ErrConcurrentModification))
	assert.Equal(t, 1, calls)
}
