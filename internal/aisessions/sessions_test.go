package aisessions

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"command-center/internal/models"
	"command-center/internal/store"
)

type memTaskStore struct {
	projects map[string]models.Project
	tasks    []models.Task
	works    []models.Work
	kpis     map[string]float64
}

func newMemTaskStore() *memTaskStore {
	return &memTaskStore{
		projects: make(map[string]models.Project),
		kpis:     make(map[string]float64),
	}
}

func (m *memTaskStore) UpsertProject(_ context.Context, name, description string) (models.Project, error) {
	p, ok := m.projects[name]
	if !ok {
		p = models.Project{ID: "proj-" + name, Name: name, Description: description}
		m.projects[name] = p
	}
	return p, nil
}

func (m *memTaskStore) CreateTask(_ context.Context, p store.CreateTaskParams) (models.Task, error) {
	task := models.Task{
		ID:        "task",
		ProjectID: p.ProjectID,
		Title:     p.Title,
		Notes:     p.Notes,
		Priority:  p.Priority,
		Energy:    p.Energy,
		Tags:      p.Tags,
		Source:    p.Source,
		Status:    models.TaskOpen,
	}
	m.tasks = append(m.tasks, task)
	return task, nil
}

func (m *memTaskStore) CreateWork(_ context.Context, projectID, title, kind string) (models.Work, error) {
	work := models.Work{ID: "work", ProjectID: projectID, Title: title, Kind: kind}
	m.works = append(m.works, work)
	return work, nil
}

func (m *memTaskStore) UpsertKPI(_ context.Context, projectID, key string, value float64, _ time.Time) error {
	m.kpis[projectID+"/"+key] = value
	return nil
}

const sampleExport = `{
  "source": "claude",
  "sessions": [
    {
      "title": "planning the queue rework",
      "created_at": "2025-06-01T10:00:00Z",
      "project": "command-center",
      "learnings": ["handlers must be idempotent"],
      "action_items": [
        {"title": "write retry tests", "project": "command-center", "priority": 1},
        {"title": "  ", "project": "command-center"},
        {"title": "file cleanup ticket"}
      ]
    },
    {
      "title": "empty session",
      "created_at": "2025-06-01T11:00:00Z",
      "action_items": []
    }
  ]
}`

func writeExports(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func testSessionService(t *testing.T, dir string) (*Service, *memTaskStore) {
	t.Helper()
	st := newMemTaskStore()
	src := &localSource{dir: dir, maxBytes: 1 << 20}
	svc := NewWithSource(src, st, nil, "seth")
	svc.now = func() time.Time { return time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC) }
	return svc, st
}

func TestSyncCreatesTasksFromActionItems(t *testing.T) {
	dir := writeExports(t, map[string]string{"export-1.json": sampleExport})
	svc, st := testSessionService(t, dir)

	result, err := svc.Sync(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if result.Processed != 2 {
		t.Fatalf("processed = %d, want 2", result.Processed)
	}
	// The blank-title item is skipped.
	if result.ItemsCreated != 2 {
		t.Fatalf("items created = %d, want 2", result.ItemsCreated)
	}

	first := st.tasks[0]
	if first.Title != "write retry tests" || first.Source != "api" {
		t.Fatalf("unexpected first task: %+v", first)
	}
	if len(first.Tags) != 1 || first.Tags[0] != "ai-session" {
		t.Fatalf("tags = %v, want [ai-session]", first.Tags)
	}
	if first.ProjectID != "proj-command-center" {
		t.Fatalf("project = %s", first.ProjectID)
	}

	// The item without a project lands in the default project, and its
	// notes point back to the session.
	second := st.tasks[1]
	if second.ProjectID != "proj-seth" {
		t.Fatalf("default project = %s, want proj-seth", second.ProjectID)
	}
	if second.Notes == "" {
		t.Fatal("notes should reference the session")
	}

	if got := st.kpis["proj-seth/ai.sessions.processed"]; got != 2 {
		t.Fatalf("sessions KPI = %v, want 2", got)
	}

	// The session with learnings leaves a work artifact; the empty one does not.
	if result.WorksCreated != 1 || len(st.works) != 1 {
		t.Fatalf("works created = %d (%v), want 1", result.WorksCreated, st.works)
	}
	work := st.works[0]
	if work.ProjectID != "proj-command-center" || work.Kind != "ai-insight" {
		t.Fatalf("unexpected work: %+v", work)
	}
	if work.Title != `AI session insights: planning the queue rework` {
		t.Fatalf("work title = %q", work.Title)
	}
}

func TestSyncBreakthroughMoodCreatesWork(t *testing.T) {
	const breakthroughExport = `{
  "sessions": [
    {"title": "debugging the scheduler", "mood": "breakthrough", "action_items": []},
    {"title": "routine standup notes", "mood": "neutral", "action_items": []}
  ]
}`
	dir := writeExports(t, map[string]string{"export.json": breakthroughExport})
	svc, st := testSessionService(t, dir)

	result, err := svc.Sync(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if result.WorksCreated != 1 || len(st.works) != 1 {
		t.Fatalf("works created = %d, want 1", result.WorksCreated)
	}
	// No session project: the work lands in the default project.
	if st.works[0].ProjectID != "proj-seth" {
		t.Fatalf("work project = %s, want proj-seth", st.works[0].ProjectID)
	}
}

func TestSyncSkipsMalformedExports(t *testing.T) {
	dir := writeExports(t, map[string]string{
		"bad.json":  "{not json",
		"good.json": sampleExport,
	})
	svc, st := testSessionService(t, dir)

	result, err := svc.Sync(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if result.ItemsCreated != 2 {
		t.Fatalf("items created = %d, want 2", result.ItemsCreated)
	}
	if len(st.tasks) != 2 {
		t.Fatalf("tasks = %d, want 2", len(st.tasks))
	}
}

func TestSyncEmptyDirectory(t *testing.T) {
	svc, st := testSessionService(t, t.TempDir())

	result, err := svc.Sync(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if result.Processed != 0 || result.ItemsCreated != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if got := st.kpis["proj-seth/ai.sessions.processed"]; got != 0 {
		t.Fatalf("sessions KPI = %v, want 0", got)
	}
}

// stalledSource never returns data; it only honors cancellation.
type stalledSource struct{}

func (stalledSource) List(context.Context) ([]string, error) {
	return []string{"slow.json"}, nil
}

func (stalledSource) Fetch(ctx context.Context, _ string) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestSyncFetchTimeoutCancelsStalledSource(t *testing.T) {
	svc := NewWithSource(stalledSource{}, newMemTaskStore(), nil, "seth")
	svc.fetchTimeout = 20 * time.Millisecond

	done := make(chan error, 1)
	go func() {
		_, err := svc.Sync(context.Background())
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("err = %v, want deadline exceeded", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sync did not time out")
	}
}

func TestLocalSourceIgnoresNonJSON(t *testing.T) {
	dir := writeExports(t, map[string]string{
		"export.json": sampleExport,
		"notes.txt":   "ignore me",
	})
	src := &localSource{dir: dir, maxBytes: 1 << 20}

	keys, err := src.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 1 || keys[0] != "export.json" {
		t.Fatalf("keys = %v", keys)
	}
}

func TestLocalSourceRejectsOversizedExport(t *testing.T) {
	dir := writeExports(t, map[string]string{"big.json": sampleExport})
	src := &localSource{dir: dir, maxBytes: 10}

	if _, err := src.Fetch(context.Background(), "big.json"); err == nil {
		t.Fatal("oversized export should error")
	}
}

func TestLocalSourceMissingDirIsEmpty(t *testing.T) {
	src := &localSource{dir: filepath.Join(t.TempDir(), "missing")}
	keys, err := src.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("keys = %v, want none", keys)
	}
}
