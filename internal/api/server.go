// Package api exposes the command center over HTTP: job queue control,
// ritual triggers, task capture and the ranked Top 3 view.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"command-center/internal/audit"
	"command-center/internal/config"
	"command-center/internal/models"
	"command-center/internal/queue"
	"command-center/internal/ranking"
	"command-center/internal/ratelimit"
	"command-center/internal/ritual"
	"command-center/internal/store"
	"command-center/internal/telemetry"
)

// Store is the persistence surface the HTTP layer needs. *store.Store satisfies it.
type Store interface {
	CreateTask(ctx context.Context, p store.CreateTaskParams) (models.Task, error)
	ListActiveTasks(ctx context.Context, projectID string) ([]models.Task, error)
	GetTask(ctx context.Context, id string) (models.Task, error)
	UpdateTaskStatus(ctx context.Context, id, status string, due *time.Time) error
	ListRituals(ctx context.Context) ([]models.Ritual, error)
	RecentAuditLogs(ctx context.Context, limit int, action, status string) ([]models.AuditLog, error)
	ListStaleRunningJobs(ctx context.Context, before time.Time) ([]models.Job, error)
	ListRecentFailedJobs(ctx context.Context, limit int) ([]models.Job, error)
}

// Server wires the HTTP handlers.
type Server struct {
	cfg       config.Config
	store     Store
	queue     *queue.Queue
	scheduler *ritual.Scheduler
	limiter   *ratelimit.TokenBucket
	audit     *audit.Logger

	now func() time.Time
}

// New constructs the API server. The limiter may be nil, which disables
// rate limiting on the capture endpoints.
func New(cfg config.Config, st Store, q *queue.Queue, sched *ritual.Scheduler, limiter *ratelimit.TokenBucket, auditLog *audit.Logger) *Server {
	return &Server{
		cfg:       cfg,
		store:     st,
		queue:     q,
		scheduler: sched,
		limiter:   limiter,
		audit:     auditLog,
		now:       time.Now,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleEnqueue)
	r.Get("/jobs/stats", s.handleJobStats)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Post("/jobs/{id}/process", s.handleProcessJob)
	r.Post("/jobs/cleanup", s.handleCleanup)

	r.Get("/rituals", s.handleListRituals)
	r.Post("/rituals/check", s.handleRitualCheck)
	r.Post("/rituals/run", s.handleRitualRunAll)

	r.Get("/top3", s.handleTop3)

	r.Get("/todos", s.handleListTodos)
	r.Post("/todos", s.handleCreateTodo)
	r.Post("/todos/{id}/complete", s.handleCompleteTodo)
	r.Post("/todos/{id}/snooze", s.handleSnoozeTodo)

	r.Post("/capture/email", s.handleEmailCapture)

	r.Get("/audit/recent", s.handleRecentAudit)
	r.Get("/monitor/overview", s.handleMonitorOverview)

	return r
}

// envelope is the mutation response shape.
type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

type enqueueRequest struct {
	Type         string         `json:"type"`
	Payload      map[string]any `json:"payload"`
	RunAt        *time.Time     `json:"run_at"`
	DelaySeconds int            `json:"delay_seconds"`
	MaxRetries   int            `json:"max_retries"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		http.Error(w, "type is required", http.StatusBadRequest)
		return
	}
	if !s.allow(r, "enqueue") {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	runAt := time.Time{}
	if req.RunAt != nil {
		runAt = *req.RunAt
	}
	if req.DelaySeconds > 0 {
		runAt = s.now().Add(time.Duration(req.DelaySeconds) * time.Second)
	}
	if req.MaxRetries == 0 {
		req.MaxRetries = s.cfg.DefaultMaxRetries
	}

	job, err := s.queue.Enqueue(r.Context(), req.Type, req.Payload, queue.EnqueueOptions{
		RunAt:      runAt,
		MaxRetries: req.MaxRetries,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, envelope{Success: true, Message: "job enqueued", Data: job})
}

func (s *Server) handleJobStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		http.Error(w, "failed to read stats", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.queue.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleProcessJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.queue.ProcessJob(r.Context(), id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	job, err := s.queue.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: job})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	days := s.cfg.RetentionDays
	if v := r.URL.Query().Get("older_than_days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "invalid older_than_days", http.StatusBadRequest)
			return
		}
		days = n
	}
	deleted, err := s.queue.Cleanup(r.Context(), days)
	if err != nil {
		http.Error(w, "cleanup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, envelope{
		Success: true,
		Message: fmt.Sprintf("deleted %d completed jobs", deleted),
		Data:    map[string]int64{"deleted": deleted},
	})
}

func (s *Server) handleListRituals(w http.ResponseWriter, r *http.Request) {
	rituals, err := s.store.ListRituals(r.Context())
	if err != nil {
		http.Error(w, "failed to list rituals", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rituals": rituals})
}

func (s *Server) handleRitualCheck(w http.ResponseWriter, r *http.Request) {
	result, err := s.scheduler.CheckAndRun(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: result})
}

func (s *Server) handleRitualRunAll(w http.ResponseWriter, r *http.Request) {
	result, err := s.scheduler.RunAll(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: result})
}

func (s *Server) handleTop3(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ListActiveTasks(r.Context(), r.URL.Query().Get("project_id"))
	if err != nil {
		http.Error(w, "failed to list tasks", http.StatusInternalServerError)
		return
	}

	now := s.now().In(s.location())
	hour := now.Hour()
	if v := r.URL.Query().Get("hour"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > 23 {
			http.Error(w, "invalid hour", http.StatusBadRequest)
			return
		}
		hour = n
	}
	limit := ranking.DefaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 50 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	ranked := ranking.Rank(tasks, now, hour, ranking.DefaultWeights, limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"top3":         ranked,
		"focusWindows": ranking.FocusWindows(ranked, now),
		"summary":      ranking.Summarize(tasks),
	})
}

func (s *Server) handleListTodos(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ListActiveTasks(r.Context(), r.URL.Query().Get("project_id"))
	if err != nil {
		http.Error(w, "failed to list tasks", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"todos": tasks})
}

type createTodoRequest struct {
	Title     string     `json:"title"`
	Notes     string     `json:"notes"`
	ProjectID string     `json:"project_id"`
	Priority  int        `json:"priority"`
	Energy    int        `json:"energy"`
	Due       *time.Time `json:"due"`
	Tags      []string   `json:"tags"`
}

func (s *Server) handleCreateTodo(w http.ResponseWriter, r *http.Request) {
	var req createTodoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		http.Error(w, "title is required", http.StatusBadRequest)
		return
	}
	if req.Priority < 0 || req.Priority > models.PriorityLow {
		http.Error(w, "invalid priority", http.StatusBadRequest)
		return
	}

	task, err := s.store.CreateTask(r.Context(), store.CreateTaskParams{
		ProjectID: req.ProjectID,
		Title:     strings.TrimSpace(req.Title),
		Notes:     req.Notes,
		Priority:  req.Priority,
		Energy:    req.Energy,
		Due:       req.Due,
		Tags:      req.Tags,
		Source:    "manual",
	})
	if err != nil {
		http.Error(w, "failed to create task", http.StatusInternalServerError)
		return
	}
	s.audit.Success(r.Context(), "api", "todo.created", map[string]any{"taskId": task.ID, "title": task.Title})
	writeJSON(w, http.StatusCreated, envelope{Success: true, Message: "task created", Data: task})
}

func (s *Server) handleCompleteTodo(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.UpdateTaskStatus(r.Context(), id, models.TaskDone, nil); err != nil {
		s.taskUpdateError(w, err)
		return
	}
	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		s.taskUpdateError(w, err)
		return
	}
	s.audit.Success(r.Context(), "api", "todo.completed", map[string]any{"taskId": id})
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: "task completed", Data: task})
}

type snoozeRequest struct {
	Until *time.Time `json:"until"`
	Days  int        `json:"days"`
}

func (s *Server) handleSnoozeTodo(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req snoozeRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	until := s.now().Add(24 * time.Hour)
	if req.Days > 0 {
		until = s.now().Add(time.Duration(req.Days) * 24 * time.Hour)
	}
	if req.Until != nil {
		until = *req.Until
	}
	if err := s.store.UpdateTaskStatus(r.Context(), id, models.TaskSnoozed, &until); err != nil {
		s.taskUpdateError(w, err)
		return
	}
	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		s.taskUpdateError(w, err)
		return
	}
	s.audit.Success(r.Context(), "api", "todo.snoozed", map[string]any{"taskId": id, "until": until})
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: "task snoozed", Data: task})
}

type emailCaptureRequest struct {
	From    string `json:"from"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// urgentMarkers bump the captured task to high priority when they appear
// in the subject line.
var urgentMarkers = []string{"urgent", "asap", "today", "eod"}

func (s *Server) handleEmailCapture(w http.ResponseWriter, r *http.Request) {
	var req emailCaptureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Subject) == "" {
		telemetry.CapturesRejected.Inc()
		http.Error(w, "subject is required", http.StatusBadRequest)
		return
	}
	if !s.allow(r, "capture:"+req.From) {
		telemetry.CapturesRejected.Inc()
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	priority := models.PriorityMedium
	subject := strings.ToLower(req.Subject)
	for _, marker := range urgentMarkers {
		if strings.Contains(subject, marker) {
			priority = models.PriorityHigh
			break
		}
	}

	task, err := s.store.CreateTask(r.Context(), store.CreateTaskParams{
		Title:    strings.TrimSpace(req.Subject),
		Notes:    req.Body,
		Priority: priority,
		Tags:     []string{"email"},
		Source:   "email",
	})
	if err != nil {
		http.Error(w, "failed to capture task", http.StatusInternalServerError)
		return
	}
	s.audit.Success(r.Context(), "api", "capture.email", map[string]any{
		"taskId": task.ID,
		"from":   req.From,
	})
	writeJSON(w, http.StatusCreated, envelope{Success: true, Message: "task captured", Data: task})
}

func (s *Server) handleRecentAudit(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	logs, err := s.store.RecentAuditLogs(r.Context(), limit, r.URL.Query().Get("action"), r.URL.Query().Get("status"))
	if err != nil {
		http.Error(w, "failed to read audit log", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func (s *Server) handleMonitorOverview(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		http.Error(w, "failed to read stats", http.StatusInternalServerError)
		return
	}
	stale, err := s.store.ListStaleRunningJobs(r.Context(), s.now().Add(-s.cfg.StaleRunningAfter))
	if err != nil {
		http.Error(w, "failed to list stale jobs", http.StatusInternalServerError)
		return
	}
	failed, err := s.store.ListRecentFailedJobs(r.Context(), 10)
	if err != nil {
		http.Error(w, "failed to list failed jobs", http.StatusInternalServerError)
		return
	}
	rituals, err := s.store.ListRituals(r.Context())
	if err != nil {
		http.Error(w, "failed to list rituals", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"queue":          stats,
		"staleRunning":   stale,
		"recentFailures": failed,
		"rituals":        rituals,
	})
}

// allow consults the rate limiter; a nil limiter allows everything and a
// limiter error fails open so redis downtime does not block captures.
func (s *Server) allow(r *http.Request, bucket string) bool {
	if s.limiter == nil {
		return true
	}
	key := fmt.Sprintf("rl:%s:%s", bucket, clientKey(r))
	allowed, _, err := s.limiter.Allow(r.Context(), key)
	if err != nil {
		return true
	}
	return allowed
}

func (s *Server) taskUpdateError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	http.Error(w, "failed to update task", http.StatusInternalServerError)
}

func (s *Server) location() *time.Location {
	if loc, err := time.LoadLocation(s.cfg.Timezone); err == nil {
		return loc
	}
	return time.Local
}

func clientKey(r *http.Request) string {
	if v := r.Header.Get("X-Client-ID"); v != "" {
		return v
	}
	return r.RemoteAddr
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
