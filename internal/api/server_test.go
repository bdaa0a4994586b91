package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"command-center/internal/config"
	"command-center/internal/models"
	"command-center/internal/queue"
	"command-center/internal/ritual"
	"command-center/internal/store"
)

type memStore struct {
	mu      sync.Mutex
	seq     int
	tasks   map[string]models.Task
	order   []string
	jobs    map[string]models.Job
	rituals []models.Ritual
	logs    []models.AuditLog
}

func newMemStore() *memStore {
	return &memStore{
		tasks: make(map[string]models.Task),
		jobs:  make(map[string]models.Job),
	}
}

func (m *memStore) nextID(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s-%d", prefix, m.seq)
}

func (m *memStore) CreateTask(_ context.Context, p store.CreateTaskParams) (models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.Priority == 0 {
		p.Priority = models.PriorityMedium
	}
	if p.Energy == 0 {
		p.Energy = models.EnergyNormal
	}
	if p.Source == "" {
		p.Source = "manual"
	}
	task := models.Task{
		ID:        m.nextID("task"),
		ProjectID: p.ProjectID,
		Title:     p.Title,
		Notes:     p.Notes,
		Priority:  p.Priority,
		Status:    models.TaskOpen,
		Due:       p.Due,
		Energy:    p.Energy,
		Tags:      p.Tags,
		Source:    p.Source,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	m.tasks[task.ID] = task
	m.order = append(m.order, task.ID)
	return task, nil
}

func (m *memStore) ListActiveTasks(_ context.Context, projectID string) ([]models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Task
	for _, id := range m.order {
		task := m.tasks[id]
		if !task.Active() {
			continue
		}
		if projectID != "" && task.ProjectID != projectID {
			continue
		}
		out = append(out, task)
	}
	return out, nil
}

func (m *memStore) GetTask(_ context.Context, id string) (models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return models.Task{}, store.ErrNotFound
	}
	return task, nil
}

func (m *memStore) UpdateTaskStatus(_ context.Context, id, status string, due *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	task.Status = status
	if due != nil {
		task.Due = due
	}
	task.UpdatedAt = time.Now().UTC()
	m.tasks[id] = task
	return nil
}

func (m *memStore) ListRituals(context.Context) ([]models.Ritual, error) {
	return m.rituals, nil
}

func (m *memStore) RecentAuditLogs(_ context.Context, limit int, action, status string) ([]models.AuditLog, error) {
	var out []models.AuditLog
	for _, l := range m.logs {
		if action != "" && l.Action != action {
			continue
		}
		if status != "" && l.Status != status {
			continue
		}
		out = append(out, l)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) ListStaleRunningJobs(_ context.Context, before time.Time) ([]models.Job, error) {
	var out []models.Job
	for _, j := range m.jobs {
		if j.Status == models.JobRunning && j.StartedAt != nil && j.StartedAt.Before(before) {
			out = append(out, j)
		}
	}
	return out, nil
}

func (m *memStore) ListRecentFailedJobs(_ context.Context, limit int) ([]models.Job, error) {
	var out []models.Job
	for _, j := range m.jobs {
		if j.Status == models.JobFailed {
			out = append(out, j)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// memStore also backs the queue in these tests.

func (m *memStore) CreateJob(_ context.Context, p store.CreateJobParams) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.MaxRetries == 0 {
		p.MaxRetries = 3
	}
	job := models.Job{
		ID:         m.nextID("job"),
		Type:       p.Type,
		Payload:    p.Payload,
		Status:     models.JobPending,
		MaxRetries: p.MaxRetries,
		RunAt:      p.RunAt,
		CreatedAt:  time.Now().UTC(),
	}
	m.jobs[job.ID] = job
	return job, nil
}

func (m *memStore) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, store.ErrNotFound
	}
	return job, nil
}

func (m *memStore) MarkJobRunning(_ context.Context, id string, attempts int, startedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := m.jobs[id]
	job.Status = models.JobRunning
	job.Attempts = attempts
	job.StartedAt = &startedAt
	m.jobs[id] = job
	return nil
}

func (m *memStore) MarkJobCompleted(_ context.Context, id string, completedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := m.jobs[id]
	job.Status = models.JobCompleted
	job.CompletedAt = &completedAt
	m.jobs[id] = job
	return nil
}

func (m *memStore) MarkJobFailed(_ context.Context, id string, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := m.jobs[id]
	job.Status = models.JobFailed
	job.LastError = &lastError
	m.jobs[id] = job
	return nil
}

func (m *memStore) ScheduleJobRetry(_ context.Context, id string, runAt time.Time, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := m.jobs[id]
	job.Status = models.JobPending
	job.RunAt = runAt
	job.LastError = &lastError
	m.jobs[id] = job
	return nil
}

func (m *memStore) CountJobsByStatus(context.Context) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[string]int)
	for _, j := range m.jobs {
		counts[j.Status]++
	}
	return counts, nil
}

func (m *memStore) DeleteCompletedJobsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted int64
	for id, j := range m.jobs {
		if j.Status == models.JobCompleted && j.CompletedAt != nil && j.CompletedAt.Before(cutoff) {
			delete(m.jobs, id)
			deleted++
		}
	}
	return deleted, nil
}

func testServer(t *testing.T) (*Server, *memStore) {
	t.Helper()
	st := newMemStore()
	q := queue.New(st, nil)
	q.Register("noop", func(context.Context, map[string]any) error { return nil })

	ritualsPath := filepath.Join(t.TempDir(), "rituals.yaml")
	if err := os.WriteFile(ritualsPath, []byte("rituals: []\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	sched := ritual.New(ritualsPath, st2ritual{}, nil, time.Second, time.UTC)

	cfg := config.Config{
		DefaultMaxRetries: 3,
		RetentionDays:     7,
		StaleRunningAfter: time.Hour,
		Timezone:          "UTC",
	}
	srv := New(cfg, st, q, sched, nil, nil)
	srv.now = func() time.Time { return time.Date(2025, 6, 2, 9, 30, 0, 0, time.UTC) }
	return srv, st
}

// st2ritual is a no-op ritual store; the rituals file above is empty so
// nothing ever writes through it.
type st2ritual struct{}

func (st2ritual) UpsertProject(context.Context, string, string) (models.Project, error) {
	return models.Project{}, nil
}
func (st2ritual) UpsertRitual(context.Context, string, string, string, bool) (models.Ritual, error) {
	return models.Ritual{}, nil
}
func (st2ritual) RecordRitualRun(context.Context, string, bool, time.Time) (models.Ritual, error) {
	return models.Ritual{}, nil
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestEnqueueValidation(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodPost, "/jobs", map[string]any{"payload": map[string]any{}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing type: status = %d, want 400", rec.Code)
	}

	rec = doJSON(t, router, http.MethodPost, "/jobs", map[string]any{
		"type":          "noop",
		"delay_seconds": 60,
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202, body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Success bool       `json:"success"`
		Data    models.Job `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Success || resp.Data.Type != "noop" || resp.Data.Status != models.JobPending {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestGetJobNotFound(t *testing.T) {
	srv, _ := testServer(t)
	rec := doJSON(t, srv.Router(), http.MethodGet, "/jobs/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestProcessJobEndpoint(t *testing.T) {
	srv, st := testServer(t)
	router := srv.Router()

	job, err := st.CreateJob(context.Background(), store.CreateJobParams{Type: "noop", RunAt: time.Now()})
	if err != nil {
		t.Fatal(err)
	}

	rec := doJSON(t, router, http.MethodPost, "/jobs/"+job.ID+"/process", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	got, _ := st.GetJob(context.Background(), job.ID)
	if got.Status != models.JobCompleted {
		t.Fatalf("job status = %s, want completed", got.Status)
	}
}

func TestTop3ReturnsRankedTasks(t *testing.T) {
	srv, st := testServer(t)
	ctx := context.Background()

	due := time.Date(2025, 6, 3, 9, 0, 0, 0, time.UTC)
	for i, p := range []struct {
		title    string
		priority int
		due      *time.Time
	}{
		{"ship release", models.PriorityHigh, &due},
		{"read newsletter", models.PriorityLow, nil},
		{"refactor parser", models.PriorityMedium, nil},
		{"water plants", models.PriorityLow, nil},
	} {
		if _, err := st.CreateTask(ctx, store.CreateTaskParams{Title: p.title, Priority: p.priority, Due: p.due}); err != nil {
			t.Fatalf("task %d: %v", i, err)
		}
	}

	rec := doJSON(t, srv.Router(), http.MethodGet, "/top3", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Top3 []struct {
			Title string  `json:"title"`
			Score float64 `json:"score"`
		} `json:"top3"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Top3) != 3 {
		t.Fatalf("len(top3) = %d, want 3", len(resp.Top3))
	}
	if resp.Top3[0].Title != "ship release" {
		t.Fatalf("top task = %q, want ship release", resp.Top3[0].Title)
	}
	for i := 1; i < len(resp.Top3); i++ {
		if resp.Top3[i].Score > resp.Top3[i-1].Score {
			t.Fatalf("scores not descending at %d", i)
		}
	}
}

func TestCreateAndCompleteTodo(t *testing.T) {
	srv, st := testServer(t)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodPost, "/todos", map[string]any{"title": "  write notes  "})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Data models.Task `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Data.Title != "write notes" {
		t.Fatalf("title = %q, want trimmed", resp.Data.Title)
	}

	rec = doJSON(t, router, http.MethodPost, "/todos/"+resp.Data.ID+"/complete", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("complete status = %d", rec.Code)
	}
	var completed struct {
		Data models.Task `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &completed); err != nil {
		t.Fatal(err)
	}
	if completed.Data.ID != resp.Data.ID || completed.Data.Status != models.TaskDone {
		t.Fatalf("complete response task = %+v, want done task", completed.Data)
	}
	got, _ := st.GetTask(context.Background(), resp.Data.ID)
	if got.Status != models.TaskDone {
		t.Fatalf("status = %s, want done", got.Status)
	}

	rec = doJSON(t, router, http.MethodPost, "/todos", map[string]any{"title": "   "})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("blank title status = %d, want 400", rec.Code)
	}
}

func TestSnoozeDefaultsToTomorrow(t *testing.T) {
	srv, st := testServer(t)
	router := srv.Router()

	task, _ := st.CreateTask(context.Background(), store.CreateTaskParams{Title: "later"})
	rec := doJSON(t, router, http.MethodPost, "/todos/"+task.ID+"/snooze", map[string]any{})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	got, _ := st.GetTask(context.Background(), task.ID)
	if got.Status != models.TaskSnoozed {
		t.Fatalf("status = %s, want snoozed", got.Status)
	}
	want := time.Date(2025, 6, 3, 9, 30, 0, 0, time.UTC)
	if got.Due == nil || !got.Due.Equal(want) {
		t.Fatalf("due = %v, want %v", got.Due, want)
	}
	var resp struct {
		Data models.Task `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Data.Status != models.TaskSnoozed || resp.Data.Due == nil || !resp.Data.Due.Equal(want) {
		t.Fatalf("snooze response task = %+v, want snoozed with due %v", resp.Data, want)
	}
}

func TestEmailCapturePriorityHeuristic(t *testing.T) {
	srv, st := testServer(t)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodPost, "/capture/email", map[string]any{
		"from":    "boss@example.com",
		"subject": "URGENT: invoice due",
		"body":    "please handle",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Data models.Task `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Data.Priority != models.PriorityHigh {
		t.Fatalf("priority = %d, want high", resp.Data.Priority)
	}
	if resp.Data.Source != "email" {
		t.Fatalf("source = %q, want email", resp.Data.Source)
	}

	rec = doJSON(t, router, http.MethodPost, "/capture/email", map[string]any{
		"from":    "list@example.com",
		"subject": "weekly digest",
	})
	var second struct {
		Data models.Task `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &second); err != nil {
		t.Fatal(err)
	}
	if second.Data.Priority != models.PriorityMedium {
		t.Fatalf("priority = %d, want medium", second.Data.Priority)
	}

	rec = doJSON(t, router, http.MethodPost, "/capture/email", map[string]any{"from": "x@example.com"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing subject status = %d, want 400", rec.Code)
	}

	tasks, _ := st.ListActiveTasks(context.Background(), "")
	if len(tasks) != 2 {
		t.Fatalf("captured %d tasks, want 2", len(tasks))
	}
}

func TestMonitorOverview(t *testing.T) {
	srv, st := testServer(t)

	stale := time.Date(2025, 6, 2, 7, 0, 0, 0, time.UTC)
	job, _ := st.CreateJob(context.Background(), store.CreateJobParams{Type: "noop", RunAt: stale})
	_ = st.MarkJobRunning(context.Background(), job.ID, 1, stale)

	rec := doJSON(t, srv.Router(), http.MethodGet, "/monitor/overview", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	for _, key := range []string{"queue", "staleRunning", "recentFailures", "rituals"} {
		if !strings.Contains(body, key) {
			t.Fatalf("overview missing %q: %s", key, body)
		}
	}
	var resp struct {
		StaleRunning []models.Job `json:"staleRunning"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.StaleRunning) != 1 {
		t.Fatalf("stale running = %d, want 1", len(resp.StaleRunning))
	}
}

func TestRitualEndpointsWithEmptyConfig(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodPost, "/rituals/check", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("check status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Data ritual.CheckResult `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Data.Checked != 0 || resp.Data.Executed != 0 {
		t.Fatalf("unexpected check result: %+v", resp.Data)
	}

	rec = doJSON(t, router, http.MethodGet, "/rituals", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
}
