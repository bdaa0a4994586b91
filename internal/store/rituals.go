package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"command-center/internal/models"
)

// UpsertRitual finds or creates the ritual row for (project, name).
// Streak and last_run are preserved on conflict; schedule text is refreshed.
func (s *Store) UpsertRitual(ctx context.Context, projectID, name, cron string, enabled bool) (models.Ritual, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO rituals (id, project_id, name, cron, streak, enabled)
		VALUES ($1, $2, $3, $4, 0, $5)
		ON CONFLICT (project_id, name) DO UPDATE SET cron = EXCLUDED.cron, enabled = EXCLUDED.enabled
		RETURNING id, project_id, name, cron, streak, last_run, enabled
	`, uuid.New().String(), projectID, name, cron, enabled)
	return scanRitualRow(row)
}

// RecordRitualRun updates streak and last_run after an execution.
// last_run moves on both outcomes so a failing ritual does not re-fire
// within the same scheduling window; the streak only grows on success.
func (s *Store) RecordRitualRun(ctx context.Context, id string, success bool, at time.Time) (models.Ritual, error) {
	var query string
	if success {
		query = `UPDATE rituals SET streak = streak + 1, last_run = $2 WHERE id = $1
			RETURNING id, project_id, name, cron, streak, last_run, enabled`
	} else {
		query = `UPDATE rituals SET streak = 0, last_run = $2 WHERE id = $1
			RETURNING id, project_id, name, cron, streak, last_run, enabled`
	}
	return scanRitualRow(s.pool.QueryRow(ctx, query, id, at))
}

// ListRituals returns every persisted ritual row.
func (s *Store) ListRituals(ctx context.Context) ([]models.Ritual, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, project_id, name, cron, streak, last_run, enabled FROM rituals ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("query rituals: %w", err)
	}
	defer rows.Close()

	var rituals []models.Ritual
	for rows.Next() {
		r, err := scanRitualRow(rows)
		if err != nil {
			return nil, err
		}
		rituals = append(rituals, r)
	}
	return rituals, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRitualRow(row rowScanner) (models.Ritual, error) {
	var r models.Ritual
	var lastRun pgtype.Timestamptz
	if err := row.Scan(&r.ID, &r.ProjectID, &r.Name, &r.Cron, &r.Streak, &lastRun, &r.Enabled); err != nil {
		return models.Ritual{}, fmt.Errorf("scan ritual: %w", err)
	}
	r.LastRun = tsPtr(lastRun)
	return r, nil
}
