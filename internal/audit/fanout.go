package audit

import (
	"context"
	"errors"
	"fmt"

	"github.com/josh-kwaku/exchange-backoffice/internal/domain"
	"github.com/josh-kwaku/exchange-backoffice/internal/metrics"
)

type Sink struct {
	Name     string
	Recorder Recorder
}

// Fanout delivers each event to every sink, even after one fails.
type Fanout struct {
	sinks   []Sink
	metrics *metrics.Metrics
}

func NewFanout(m *metrics.Metrics, sinks ...Sink) *Fanout {
	return &Fanout{sinks: sinks, metrics: m}
}

func (f *Fanout) Log(ctx context.Context, event domain.AuditEvent) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Recorder.Log(ctx, event); err != nil {
			f.metrics.IncAuditFailure(s.Name)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
		}
	}
	return errors.Join(errs...)
}
