package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"command-center/internal/models"
)

// AppendAudit inserts an immutable audit row. Audit rows are never updated or deleted.
func (s *Store) AppendAudit(ctx context.Context, entry models.AuditLog) error {
	payloadJSON, err := json.Marshal(entry.Payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO audit_logs (id, actor, action, payload, status, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`, uuid.New().String(), entry.Actor, entry.Action, payloadJSON, entry.Status, entry.Error)
	return err
}

// RecentAuditLogs returns the newest audit rows, optionally filtered by action and status.
func (s *Store) RecentAuditLogs(ctx context.Context, limit int, action, status string) ([]models.AuditLog, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT id, actor, action, payload, status, error, created_at FROM audit_logs`
	var args []any
	var where []string
	if action != "" {
		args = append(args, action)
		where = append(where, fmt.Sprintf("action = $%d", len(args)))
	}
	if status != "" {
		args = append(args, status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	for i, clause := range where {
		if i == 0 {
			query += " WHERE " + clause
		} else {
			query += " AND " + clause
		}
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit logs: %w", err)
	}
	defer rows.Close()

	var logs []models.AuditLog
	for rows.Next() {
		var entry models.AuditLog
		var payloadJSON []byte
		var errText pgtype.Text
		if err := rows.Scan(&entry.ID, &entry.Actor, &entry.Action, &payloadJSON, &entry.Status, &errText, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit log: %w", err)
		}
		if err := json.Unmarshal(payloadJSON, &entry.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal audit payload: %w", err)
		}
		entry.Error = textPtr(errText)
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}
