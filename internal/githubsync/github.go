// Package githubsync pulls commit activity from the GitHub events API and
// mirrors it into KPI rows under the owner project.
package githubsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"command-center/internal/audit"
	"command-center/internal/config"
	"command-center/internal/models"
	"command-center/internal/queue"
)

const actor = "github-sync"

// KPIStore is the persistence surface the sync needs.
type KPIStore interface {
	UpsertProject(ctx context.Context, name, description string) (models.Project, error)
	UpsertKPI(ctx context.Context, projectID, key string, value float64, at time.Time) error
}

// Stats are the derived commit metrics.
type Stats struct {
	TodayCommits    int `json:"todayCommits"`
	ThisWeekCommits int `json:"thisWeekCommits"`
	ActiveRepos     int `json:"activeRepos"`
}

// Service fetches and persists GitHub commit stats.
type Service struct {
	apiBase      string
	user         string
	token        string
	ownerProject string
	httpClient   *http.Client
	store        KPIStore
	audit        *audit.Logger
	now          func() time.Time
}

func New(cfg config.Config, st KPIStore, auditLog *audit.Logger) *Service {
	return &Service{
		apiBase:      cfg.GitHubAPIBase,
		user:         cfg.GitHubUser,
		token:        cfg.GitHubToken,
		ownerProject: cfg.OwnerProject,
		httpClient:   &http.Client{Timeout: 15 * time.Second},
		store:        st,
		audit:        auditLog,
		now:          time.Now,
	}
}

type event struct {
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
	Repo      struct {
		Name string `json:"name"`
	} `json:"repo"`
	Payload struct {
		Size int `json:"size"`
	} `json:"payload"`
}

// FetchStats reads the user's recent public events and derives commit counts.
func (s *Service) FetchStats(ctx context.Context) (Stats, error) {
	if s.user == "" {
		return Stats{}, errors.New("github user is not configured")
	}

	url := fmt.Sprintf("%s/users/%s/events?per_page=100", s.apiBase, s.user)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Stats{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return Stats{}, fmt.Errorf("fetch events: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return Stats{}, fmt.Errorf("fetch events: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	if err != nil {
		return Stats{}, fmt.Errorf("read events: %w", err)
	}
	var events []event
	if err := json.Unmarshal(body, &events); err != nil {
		return Stats{}, fmt.Errorf("decode events: %w", err)
	}

	now := s.now()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	weekStart := now.Add(-7 * 24 * time.Hour)

	var stats Stats
	repos := make(map[string]struct{})
	for _, e := range events {
		if e.Type != "PushEvent" {
			continue
		}
		commits := e.Payload.Size
		if commits == 0 {
			commits = 1
		}
		if !e.CreatedAt.Before(weekStart) {
			stats.ThisWeekCommits += commits
			repos[e.Repo.Name] = struct{}{}
		}
		if !e.CreatedAt.Before(dayStart) {
			stats.TodayCommits += commits
		}
	}
	stats.ActiveRepos = len(repos)
	return stats, nil
}

// Sync fetches stats and upserts the github.* KPIs under the owner project.
func (s *Service) Sync(ctx context.Context) (Stats, error) {
	stats, err := s.FetchStats(ctx)
	if err != nil {
		return Stats{}, err
	}

	project, err := s.store.UpsertProject(ctx, s.ownerProject, "Personal development and coding metrics")
	if err != nil {
		return Stats{}, fmt.Errorf("upsert owner project: %w", err)
	}

	now := s.now()
	kpis := map[string]float64{
		"github.commits.today": float64(stats.TodayCommits),
		"github.commits.week":  float64(stats.ThisWeekCommits),
		"github.repos.active":  float64(stats.ActiveRepos),
	}
	for key, value := range kpis {
		if err := s.store.UpsertKPI(ctx, project.ID, key, value, now); err != nil {
			return Stats{}, fmt.Errorf("upsert %s: %w", key, err)
		}
	}

	s.audit.Success(ctx, actor, "github.sync.completed", map[string]any{
		"stats":       stats,
		"kpisUpdated": len(kpis),
	})
	return stats, nil
}

// Handler adapts Sync to the job queue. A missing user is a configuration
// error, not a transient one.
func (s *Service) Handler() queue.Handler {
	return func(ctx context.Context, _ map[string]any) error {
		if s.user == "" {
			return queue.Permanent(errors.New("github user is not configured"))
		}
		_, err := s.Sync(ctx)
		return err
	}
}
