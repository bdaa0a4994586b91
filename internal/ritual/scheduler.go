// Package ritual runs named recurring commands on a weekday/time-of-day
// schedule, tracking a success streak per ritual. Scheduling is best-effort:
// the caller polls CheckAndRun and a ritual fires when the current time is
// within a 5-minute window of its configured time.
package ritual

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"command-center/internal/audit"
	"command-center/internal/models"
	"command-center/internal/telemetry"
)

const actor = "ritual-scheduler"

// timeWindowMinutes bounds the polling granularity: poll at least every
// 5 minutes or scheduled times can be missed.
const timeWindowMinutes = 5

const maxCapturedOutput = 500

// scheduleDays maps schedule keywords to allowed weekdays (0=Sunday).
// An unrecognized keyword maps to nothing and the ritual never runs.
var scheduleDays = map[string][]time.Weekday{
	"daily":      {time.Sunday, time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday, time.Saturday},
	"weekdays":   {time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
	"weekends":   {time.Sunday, time.Saturday},
	"mondays":    {time.Monday},
	"tuesdays":   {time.Tuesday},
	"wednesdays": {time.Wednesday},
	"thursdays":  {time.Thursday},
	"fridays":    {time.Friday},
	"saturdays":  {time.Saturday},
	"sundays":    {time.Sunday},
}

// RitualStore persists ritual rows and their streaks. *store.Store satisfies it.
type RitualStore interface {
	UpsertProject(ctx context.Context, name, description string) (models.Project, error)
	UpsertRitual(ctx context.Context, projectID, name, cron string, enabled bool) (models.Ritual, error)
	RecordRitualRun(ctx context.Context, id string, success bool, at time.Time) (models.Ritual, error)
}

// CommandRunner executes a ritual's shell command and returns its combined output.
type CommandRunner interface {
	Run(ctx context.Context, command string) (string, error)
}

// Result is the outcome of one ritual execution.
type Result struct {
	Ritual  string `json:"ritual"`
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// CheckResult summarizes one scheduler pass.
type CheckResult struct {
	Checked  int      `json:"checked"`
	Executed int      `json:"executed"`
	Results  []Result `json:"results"`
}

// Scheduler matches ritual definitions against the clock and executes due ones.
type Scheduler struct {
	configPath string
	store      RitualStore
	audit      *audit.Logger
	runner     CommandRunner
	loc        *time.Location

	now func() time.Time
}

// New builds a scheduler reading definitions from configPath. Commands run
// through a shell with the given timeout.
func New(configPath string, st RitualStore, auditLog *audit.Logger, timeout time.Duration, loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	return &Scheduler{
		configPath: configPath,
		store:      st,
		audit:      auditLog,
		runner:     &shellRunner{timeout: timeout},
		loc:        loc,
		now:        time.Now,
	}
}

// LoadConfig parses the scheduler's rituals file.
func (s *Scheduler) LoadConfig() (Config, error) {
	return LoadConfig(s.configPath)
}

// ShouldRunToday reports whether the ritual's schedule includes today.
func (s *Scheduler) ShouldRunToday(d Definition) bool {
	days, ok := scheduleDays[strings.ToLower(d.Schedule)]
	if !ok {
		log.Printf("unknown schedule %q for ritual %s, skipping", d.Schedule, d.Name)
		return false
	}
	today := s.now().In(s.loc).Weekday()
	for _, day := range days {
		if day == today {
			return true
		}
	}
	return false
}

// IsTimeToRun reports whether the wall clock is within the ritual's window.
// A malformed time is treated like an unknown schedule: never due.
func (s *Scheduler) IsTimeToRun(d Definition) bool {
	hour, minute, err := parseClock(d.Time)
	if err != nil {
		log.Printf("invalid time %q for ritual %s: %v", d.Time, d.Name, err)
		return false
	}
	now := s.now().In(s.loc)
	if now.Hour() != hour {
		return false
	}
	diff := now.Minute() - minute
	if diff < 0 {
		diff = -diff
	}
	return diff <= timeWindowMinutes
}

// ExecuteRitual runs the ritual's command, records the audit trail and the
// streak, then fires post-actions. It reports the outcome instead of failing.
func (s *Scheduler) ExecuteRitual(ctx context.Context, d Definition) Result {
	s.audit.Success(ctx, actor, "ritual.started", map[string]any{
		"ritual":   d.Name,
		"command":  d.Command,
		"projects": d.Projects,
	})

	output, err := s.runner.Run(ctx, d.Command)
	success := err == nil
	s.recordRun(ctx, d, success)

	if err != nil {
		telemetry.RitualsFailed.Inc()
		s.audit.Failure(ctx, actor, "ritual.failed", map[string]any{
			"ritual": d.Name,
			"output": truncate(output, maxCapturedOutput),
		}, err)
		return Result{Ritual: d.Name, Success: false, Error: truncate(err.Error(), maxCapturedOutput)}
	}

	telemetry.RitualsExecuted.Inc()
	s.audit.Success(ctx, actor, "ritual.completed", map[string]any{
		"ritual": d.Name,
		"output": truncate(output, maxCapturedOutput),
	})

	for _, action := range d.PostActions {
		s.runPostAction(ctx, action, d)
	}
	return Result{Ritual: d.Name, Success: true, Output: truncate(output, maxCapturedOutput)}
}

// recordRun moves last_run on both outcomes so a failing ritual does not
// re-fire inside the same window; the streak only advances on success.
func (s *Scheduler) recordRun(ctx context.Context, d Definition, success bool) {
	projectName := "general"
	if len(d.Projects) > 0 {
		projectName = d.Projects[0]
	}
	project, err := s.store.UpsertProject(ctx, projectName, "")
	if err != nil {
		log.Printf("ritual %s: upsert project: %v", d.Name, err)
		return
	}
	row, err := s.store.UpsertRitual(ctx, project.ID, d.Name, d.Schedule+" "+d.Time, d.Enabled)
	if err != nil {
		log.Printf("ritual %s: upsert row: %v", d.Name, err)
		return
	}
	if _, err := s.store.RecordRitualRun(ctx, row.ID, success, s.now()); err != nil {
		log.Printf("ritual %s: record run: %v", d.Name, err)
	}
}

func (s *Scheduler) runPostAction(ctx context.Context, action string, d Definition) {
	switch {
	case strings.HasPrefix(action, "trigger:"):
		command := strings.TrimSpace(strings.TrimPrefix(action, "trigger:"))
		if _, err := s.runner.Run(ctx, command); err != nil {
			log.Printf("ritual %s: post-action %q failed: %v", d.Name, command, err)
		}
	case strings.HasPrefix(action, "log:"):
		log.Printf("ritual %s: %s", d.Name, strings.TrimSpace(strings.TrimPrefix(action, "log:")))
	case strings.HasPrefix(action, "notify:"):
		// Notifications are not wired up; keep the marker in the process log.
		log.Printf("ritual %s: notify %s", d.Name, strings.TrimSpace(strings.TrimPrefix(action, "notify:")))
	default:
		log.Printf("ritual %s: unknown post-action %q", d.Name, action)
	}
}

// CheckAndRun executes every enabled ritual that is due right now.
// This is the entry point an external timer calls every few minutes.
func (s *Scheduler) CheckAndRun(ctx context.Context) (CheckResult, error) {
	return s.run(ctx, false)
}

// RunAll is the manual override: it executes every enabled ritual
// immediately, ignoring schedule and time window. Streak and last_run
// semantics are identical to a scheduled run.
func (s *Scheduler) RunAll(ctx context.Context) (CheckResult, error) {
	return s.run(ctx, true)
}

func (s *Scheduler) run(ctx context.Context, force bool) (CheckResult, error) {
	cfg, err := s.LoadConfig()
	if err != nil {
		return CheckResult{}, err
	}

	result := CheckResult{Checked: len(cfg.Rituals)}
	for _, d := range cfg.Rituals {
		if !d.Enabled {
			continue
		}
		if !force && (!s.ShouldRunToday(d) || !s.IsTimeToRun(d)) {
			continue
		}
		r := s.ExecuteRitual(ctx, d)
		result.Results = append(result.Results, r)
		if r.Success {
			result.Executed++
		}
	}
	return result, nil
}

func parseClock(value string) (int, int, error) {
	parts := strings.Split(value, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected HH:MM, got %q", value)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", value)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", value)
	}
	return hour, minute, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
