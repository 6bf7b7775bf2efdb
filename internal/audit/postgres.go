package audit

import (
	"context"
	"fmt"

	"github.com/josh-kwaku/exchange-backoffice/internal/domain"
)

type auditLogRepo interface {
	Create(ctx context.Context, event *domain.AuditEvent) error
}

// PostgresRecorder writes events to the audit_logs table on its own
// connection, outside any business transaction.
type PostgresRecorder struct {
	logs auditLogRepo
}

func NewPostgresRecorder(logs auditLogRepo) *PostgresRecorder {
	return &PostgresRecorder{logs: logs}
}

func (r *PostgresRecorder) Log(ctx context.Context, event domain.AuditEvent) error {
	if err := r.logs.Create(ctx, &event); err != nil {
		return fmt.Errorf("PostgresRecorder.Log: %w", err)
	}
	return nil
}
