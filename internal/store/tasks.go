package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"command-center/internal/models"
)

// CreateTaskParams collects inputs required to insert a task row.
type CreateTaskParams struct {
	ProjectID string
	Title     string
	Notes     string
	Priority  int
	Energy    int
	Due       *time.Time
	Tags      []string
	Source    string
}

// CreateTask inserts an open task row.
func (s *Store) CreateTask(ctx context.Context, p CreateTaskParams) (models.Task, error) {
	if p.Priority == 0 {
		p.Priority = models.PriorityMedium
	}
	if p.Energy == 0 {
		p.Energy = models.EnergyNormal
	}
	if p.Source == "" {
		p.Source = "manual"
	}

	id := uuid.New().String()
	now := time.Now().UTC()

	var projectID any
	if p.ProjectID != "" {
		projectID = p.ProjectID
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tasks (id, project_id, title, notes, priority, status, due, energy, tags, source, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
	`, id, projectID, p.Title, p.Notes, p.Priority, models.TaskOpen, p.Due, p.Energy, strings.Join(p.Tags, ","), p.Source, now)
	if err != nil {
		return models.Task{}, fmt.Errorf("insert task: %w", err)
	}

	return models.Task{
		ID:        id,
		ProjectID: p.ProjectID,
		Title:     p.Title,
		Notes:     p.Notes,
		Priority:  p.Priority,
		Status:    models.TaskOpen,
		Due:       p.Due,
		Energy:    p.Energy,
		Tags:      p.Tags,
		Source:    p.Source,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

const taskColumns = `id, COALESCE(project_id, ''), title, notes, priority, status, due, energy, tags, source, created_at, updated_at`

// ListActiveTasks returns tasks still eligible for ranking, oldest first
// so ranking ties break on creation order. Project filter is optional.
func (s *Store) ListActiveTasks(ctx context.Context, projectID string) ([]models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE status IN ($1, $2, $3)`
	args := []any{models.TaskOpen, models.TaskDoing, models.TaskBlocked}
	if projectID != "" {
		query += ` AND project_id = $4`
		args = append(args, projectID)
	}
	query += ` ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// GetTask fetches a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (models.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Task{}, ErrNotFound
	}
	return task, err
}

func scanTask(row pgx.Row) (models.Task, error) {
	var task models.Task
	var due pgtype.Timestamptz
	var tags string
	if err := row.Scan(&task.ID, &task.ProjectID, &task.Title, &task.Notes, &task.Priority, &task.Status,
		&due, &task.Energy, &tags, &task.Source, &task.CreatedAt, &task.UpdatedAt); err != nil {
		return models.Task{}, err
	}
	task.Due = tsPtr(due)
	if tags != "" {
		task.Tags = strings.Split(tags, ",")
	}
	return task, nil
}

// UpdateTaskStatus moves a task to a new status, optionally repointing its due date.
func (s *Store) UpdateTaskStatus(ctx context.Context, id, status string, due *time.Time) error {
	var tag pgconn.CommandTag
	var err error
	if due != nil {
		tag, err = s.pool.Exec(ctx, `UPDATE tasks SET status = $2, due = $3, updated_at = NOW() WHERE id = $1`, id, status, due)
	} else {
		tag, err = s.pool.Exec(ctx, `UPDATE tasks SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertProject finds or creates a project by name.
func (s *Store) UpsertProject(ctx context.Context, name, description string) (models.Project, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO projects (id, name, description, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, name, description, created_at
	`, id, name, description, now)

	var p models.Project
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt); err != nil {
		return models.Project{}, fmt.Errorf("upsert project: %w", err)
	}
	return p, nil
}

// GetProjectByName fetches a project by its unique name.
func (s *Store) GetProjectByName(ctx context.Context, name string) (models.Project, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, name, description, created_at FROM projects WHERE name = $1`, name)
	var p models.Project
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Project{}, ErrNotFound
		}
		return models.Project{}, fmt.Errorf("query project: %w", err)
	}
	return p, nil
}

// UpsertKPI writes a keyed metric value for a project, replacing any previous reading.
func (s *Store) UpsertKPI(ctx context.Context, projectID, key string, value float64, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO kpis (id, project_id, key, value, at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (project_id, key) DO UPDATE SET value = EXCLUDED.value, at = EXCLUDED.at
	`, uuid.New().String(), projectID, key, value, at)
	return err
}

// CountWorks returns the work count and latest creation time for a project.
func (s *Store) CountWorks(ctx context.Context, projectID string) (int64, *time.Time, error) {
	var n int64
	var latest pgtype.Timestamptz
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*), MAX(created_at) FROM works WHERE project_id = $1
	`, projectID).Scan(&n, &latest)
	if err != nil {
		return 0, nil, fmt.Errorf("count works: %w", err)
	}
	return n, tsPtr(latest), nil
}

// CreateWork inserts a work row attributed to a project.
func (s *Store) CreateWork(ctx context.Context, projectID, title, kind string) (models.Work, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO works (id, project_id, title, kind, created_at) VALUES ($1, $2, $3, $4, $5)
	`, id, projectID, title, kind, now)
	if err != nil {
		return models.Work{}, fmt.Errorf("insert work: %w", err)
	}
	return models.Work{ID: id, ProjectID: projectID, Title: title, Kind: kind, CreatedAt: now}, nil
}
