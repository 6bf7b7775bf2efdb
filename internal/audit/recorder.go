package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/josh-kwaku/exchange-backoffice/internal/domain"
	"github.com/josh-kwaku/exchange-backoffice/internal/logging"
)

// Recorder receives one event per committed state change. Events are
// recorded after the business transaction commits, so a failure here never
// undoes the change it describes.
type Recorder interface {
	Log(ctx context.Context, event domain.AuditEvent) error
}

type RecorderFunc func(ctx context.Context, event domain.AuditEvent) error

func (f RecorderFunc) Log(ctx context.Context, event domain.AuditEvent) error {
	return f(ctx, event)
}

// Nop discards every event.
var Nop Recorder = RecorderFunc(func(context.Context, domain.AuditEvent) error { return nil })

func NewEvent(actor domain.Actor, action, targetType, targetID string, metadata map[string]any) domain.AuditEvent {
	return domain.AuditEvent{
		ID:          uuid.New(),
		ActorUserID: actor.UserID,
		ActorEmail:  actor.Email,
		Action:      action,
		TargetType:  targetType,
		TargetID:    targetID,
		Metadata:    metadata,
		CreatedAt:   time.Now().UTC(),
	}
}

// Record logs event through r and reports, but does not propagate as fatal,
// any failure. The returned error is meant for the caller's result.
func Record(ctx context.Context, r Recorder, event domain.AuditEvent) error {
	if r == nil {
		return nil
	}
	if err := r.Log(ctx, event); err != nil {
		logging.FromContext(ctx).Warn("audit event not recorded",
			"action", event.Action,
			"target_type", event.TargetType,
			"target_id", event.TargetID,
			"error", err,
		)
		return err
	}
	return nil
}
