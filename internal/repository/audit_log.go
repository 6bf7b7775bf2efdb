package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/josh-kwaku/exchange-backoffice/internal/domain"
)

const auditLogColumns = `id, actor_user_id, actor_email, action, target_type, target_id, metadata, created_at`

type AuditLogRepository struct {
	db *sql.DB
}

func NewAuditLogRepository(db *sql.DB) *AuditLogRepository {
	return &AuditLogRepository{db: db}
}

func (r *AuditLogRepository) Create(ctx context.Context, event *domain.AuditEvent) error {
	metadata := event.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	payload, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("Create: marshal metadata: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO audit_logs (id, actor_user_id, actor_email, action, target_type, target_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		event.ID, event.ActorUserID, event.ActorEmail, event.Action,
		event.TargetType, event.TargetID, string(payload), event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("Create: %w", err)
	}
	return nil
}

func (r *AuditLogRepository) GetByTarget(ctx context.Context, targetType, targetID string) ([]domain.AuditEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+auditLogColumns+` FROM audit_logs
		WHERE target_type = $1 AND target_id = $2 ORDER BY created_at`,
		targetType, targetID,
	)
	if err != nil {
		return nil, fmt.Errorf("GetByTarget: %w", err)
	}
	defer rows.Close()

	var events []domain.AuditEvent
	for rows.Next() {
		e, err := scanAuditEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("GetByTarget: scan: %w", err)
		}
		events = append(events, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("GetByTarget: rows: %w", err)
	}
	return events, nil
}

func scanAuditEvent(s scanner) (*domain.AuditEvent, error) {
	var e domain.AuditEvent
	var payload []byte
	err := s.Scan(
		&e.ID, &e.ActorUserID, &e.ActorEmail, &e.Action,
		&e.TargetType, &e.TargetID, &payload, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &e.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &e, nil
}
