// Package aisessions ingests AI conversation exports into tasks, insight
// work rows, and KPIs.
// Export files are JSON documents read either from a local directory or an
// S3 bucket, depending on configuration.
package aisessions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"command-center/internal/audit"
	"command-center/internal/config"
	"command-center/internal/models"
	"command-center/internal/queue"
	"command-center/internal/store"
)

const actor = "ai-session-sync"

// Source lists and fetches export documents.
type Source interface {
	List(ctx context.Context) ([]string, error)
	Fetch(ctx context.Context, key string) ([]byte, error)
}

// TaskStore is the persistence surface the sync needs.
type TaskStore interface {
	UpsertProject(ctx context.Context, name, description string) (models.Project, error)
	CreateTask(ctx context.Context, p store.CreateTaskParams) (models.Task, error)
	CreateWork(ctx context.Context, projectID, title, kind string) (models.Work, error)
	UpsertKPI(ctx context.Context, projectID, key string, value float64, at time.Time) error
}

// export mirrors the JSON layout of a conversation export file.
type export struct {
	Source   string `json:"source"`
	Sessions []struct {
		Title       string   `json:"title"`
		CreatedAt   string   `json:"created_at"`
		Project     string   `json:"project"`
		Mood        string   `json:"mood"`
		Learnings   []string `json:"learnings"`
		ActionItems []struct {
			Title    string `json:"title"`
			Notes    string `json:"notes"`
			Priority int    `json:"priority"`
			Energy   int    `json:"energy"`
			Project  string `json:"project"`
		} `json:"action_items"`
	} `json:"sessions"`
}

// Result summarizes one sync pass.
type Result struct {
	Processed    int `json:"processed"`
	ItemsCreated int `json:"itemsCreated"`
	WorksCreated int `json:"worksCreated"`
}

// Service parses conversation exports into task and KPI rows.
type Service struct {
	source         Source
	store          TaskStore
	audit          *audit.Logger
	defaultProject string
	fetchTimeout   time.Duration
	now            func() time.Time
}

// New builds the service, choosing the S3 source when a bucket is configured
// and the local export directory otherwise.
func New(ctx context.Context, cfg config.Config, st TaskStore, auditLog *audit.Logger) (*Service, error) {
	var src Source
	if cfg.SessionS3Bucket != "" {
		s3src, err := newS3Source(ctx, cfg)
		if err != nil {
			return nil, err
		}
		src = s3src
	} else {
		src = &localSource{dir: cfg.SessionExportDir, maxBytes: cfg.SessionMaxExportBytes}
	}
	svc := NewWithSource(src, st, auditLog, cfg.OwnerProject)
	svc.fetchTimeout = cfg.SessionFetchTimeout
	return svc, nil
}

// NewWithSource wires an explicit source, used directly in tests.
func NewWithSource(src Source, st TaskStore, auditLog *audit.Logger, defaultProject string) *Service {
	if defaultProject == "" {
		defaultProject = "general"
	}
	return &Service{
		source:         src,
		store:          st,
		audit:          auditLog,
		defaultProject: defaultProject,
		now:            time.Now,
	}
}

// Sync reads every export document, creates a task per action item, and
// records the processed-session KPI. Malformed documents are skipped, not
// fatal: one bad export must not block the rest.
func (s *Service) Sync(ctx context.Context) (Result, error) {
	keys, err := s.list(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("list exports: %w", err)
	}

	var result Result
	for _, key := range keys {
		raw, err := s.fetch(ctx, key)
		if err != nil {
			return result, fmt.Errorf("fetch export %s: %w", key, err)
		}
		var doc export
		if err := json.Unmarshal(raw, &doc); err != nil {
			s.audit.Failure(ctx, actor, "ai-sessions.export.skipped", map[string]any{"export": key}, err)
			continue
		}
		tasks, works, err := s.ingest(ctx, doc)
		if err != nil {
			return result, fmt.Errorf("ingest export %s: %w", key, err)
		}
		result.Processed += len(doc.Sessions)
		result.ItemsCreated += tasks
		result.WorksCreated += works
	}

	project, err := s.store.UpsertProject(ctx, s.defaultProject, "")
	if err != nil {
		return result, fmt.Errorf("upsert project: %w", err)
	}
	if err := s.store.UpsertKPI(ctx, project.ID, "ai.sessions.processed", float64(result.Processed), s.now()); err != nil {
		return result, fmt.Errorf("write sessions KPI: %w", err)
	}

	s.audit.Success(ctx, actor, "ai-sessions.sync.completed", map[string]any{
		"processed":    result.Processed,
		"itemsCreated": result.ItemsCreated,
		"worksCreated": result.WorksCreated,
	})
	return result, nil
}

func (s *Service) ingest(ctx context.Context, doc export) (int, int, error) {
	tasks, works := 0, 0
	for _, session := range doc.Sessions {
		for _, item := range session.ActionItems {
			title := strings.TrimSpace(item.Title)
			if title == "" {
				continue
			}
			projectName := item.Project
			if projectName == "" {
				projectName = s.defaultProject
			}
			project, err := s.store.UpsertProject(ctx, projectName, "")
			if err != nil {
				return tasks, works, err
			}
			notes := item.Notes
			if notes == "" {
				notes = fmt.Sprintf("From session %q", session.Title)
			}
			_, err = s.store.CreateTask(ctx, store.CreateTaskParams{
				ProjectID: project.ID,
				Title:     title,
				Notes:     notes,
				Priority:  item.Priority,
				Energy:    item.Energy,
				Tags:      []string{"ai-session"},
				Source:    "api",
			})
			if err != nil {
				return tasks, works, err
			}
			tasks++
		}

		// A session with recorded learnings or a breakthrough mood leaves
		// a work artifact behind, so manifest recomputation sees it.
		if len(session.Learnings) == 0 && session.Mood != "breakthrough" {
			continue
		}
		projectName := session.Project
		if projectName == "" {
			projectName = s.defaultProject
		}
		project, err := s.store.UpsertProject(ctx, projectName, "")
		if err != nil {
			return tasks, works, err
		}
		if _, err := s.store.CreateWork(ctx, project.ID, fmt.Sprintf("AI session insights: %s", session.Title), "ai-insight"); err != nil {
			return tasks, works, err
		}
		works++
	}
	return tasks, works, nil
}

// list and fetch bound each source call by the configured fetch timeout;
// a zero timeout leaves the caller's deadline in force.
func (s *Service) list(ctx context.Context) ([]string, error) {
	if s.fetchTimeout <= 0 {
		return s.source.List(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	defer cancel()
	return s.source.List(ctx)
}

func (s *Service) fetch(ctx context.Context, key string) ([]byte, error) {
	if s.fetchTimeout <= 0 {
		return s.source.Fetch(ctx, key)
	}
	ctx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	defer cancel()
	return s.source.Fetch(ctx, key)
}

// Handler adapts Sync to the job queue.
func (s *Service) Handler() queue.Handler {
	return func(ctx context.Context, _ map[string]any) error {
		_, err := s.Sync(ctx)
		return err
	}
}
