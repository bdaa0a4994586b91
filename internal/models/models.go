package models

import (
	"time"
)

// Job lifecycle states persisted in Postgres.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// Task lifecycle states.
const (
	TaskOpen    = "open"
	TaskDoing   = "doing"
	TaskBlocked = "blocked"
	TaskDone    = "done"
	TaskSnoozed = "snoozed"
)

// Task priority levels, 1 is highest.
const (
	PriorityHigh   = 1
	PriorityMedium = 2
	PriorityLow    = 3
)

// Energy classes describe the cognitive effort a task suits.
const (
	EnergyDeep   = 1
	EnergyNormal = 2
	EnergyLight  = 3
)

// Job is a persisted unit of deferred work.
type Job struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Payload     map[string]any `json:"payload"`
	Status      string         `json:"status"`
	Attempts    int            `json:"attempts"`
	MaxRetries  int            `json:"max_retries"`
	RunAt       time.Time      `json:"run_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	LastError   *string        `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Terminal reports whether the job can never execute again.
func (j Job) Terminal() bool {
	return j.Status == JobCompleted || j.Status == JobFailed
}

// Project groups tasks, rituals, KPIs and works.
type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Task is a trackable unit of personal work.
type Task struct {
	ID        string     `json:"id"`
	ProjectID string     `json:"project_id,omitempty"`
	Title     string     `json:"title"`
	Notes     string     `json:"notes,omitempty"`
	Priority  int        `json:"priority"`
	Status    string     `json:"status"`
	Due       *time.Time `json:"due,omitempty"`
	Energy    int        `json:"energy"`
	Tags      []string   `json:"tags,omitempty"`
	Source    string     `json:"source"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Active reports whether the task participates in ranking.
func (t Task) Active() bool {
	switch t.Status {
	case TaskOpen, TaskDoing, TaskBlocked:
		return true
	}
	return false
}

// Ritual is a named recurring action tied to a project. Streak counts
// consecutive successful runs; the schedule itself lives in rituals.yaml.
type Ritual struct {
	ID        string     `json:"id"`
	ProjectID string     `json:"project_id"`
	Name      string     `json:"name"`
	Cron      string     `json:"cron"`
	Streak    int        `json:"streak"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	Enabled   bool       `json:"enabled"`
}

// KPI is a keyed metric value scoped to a project.
type KPI struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Key       string    `json:"key"`
	Value     float64   `json:"value"`
	At        time.Time `json:"at"`
}

// Work is an externally produced artifact attributed to a project.
type Work struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Title     string    `json:"title"`
	Kind      string    `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
}

// AuditLog is an append-only record of a mutating action.
type AuditLog struct {
	ID        string         `json:"id"`
	Actor     string         `json:"actor"`
	Action    string         `json:"action"`
	Payload   map[string]any `json:"payload"`
	Status    string         `json:"status"`
	Error     *string        `json:"error,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
