// Package ranking scores active tasks into a prioritized "Top 3" list and
// suggests focus windows. Pure functions over in-memory slices; the same
// inputs always produce the same output.
package ranking

import (
	"sort"
	"time"

	"command-center/internal/models"
)

// Weights control the relative pull of each scoring component.
type Weights struct {
	Priority int `json:"priority"`
	Deadline int `json:"deadline"`
	Energy   int `json:"energy"`
	Recency  int `json:"recency"`
}

// DefaultWeights are the tuned defaults.
var DefaultWeights = Weights{Priority: 3, Deadline: 3, Energy: 2, Recency: 1}

// DefaultLimit is the size of the "Top 3" list.
const DefaultLimit = 3

// Breakdown carries the weighted per-component scores for transparency.
type Breakdown struct {
	Priority int `json:"priority"`
	Deadline int `json:"deadline"`
	Energy   int `json:"energy"`
	Recency  int `json:"recency"`
}

// ScoredTask is a task with its total score and component breakdown.
type ScoredTask struct {
	models.Task
	Score     int       `json:"score"`
	Breakdown Breakdown `json:"scoreBreakdown"`
}

// Rank scores every active task (open, doing, blocked) and returns the top
// limit tasks, highest score first. Ties keep the input order.
func Rank(tasks []models.Task, now time.Time, currentHour int, weights Weights, limit int) []ScoredTask {
	if limit <= 0 {
		limit = DefaultLimit
	}

	scored := make([]ScoredTask, 0, len(tasks))
	for _, task := range tasks {
		if !task.Active() {
			continue
		}
		b := Breakdown{
			Priority: priorityScore(task.Priority) * weights.Priority,
			Deadline: deadlineScore(task.Due, now) * weights.Deadline,
			Energy:   energyScore(task.Energy, currentHour) * weights.Energy,
			Recency:  recencyScore(task.CreatedAt, now) * weights.Recency,
		}
		scored = append(scored, ScoredTask{
			Task:      task,
			Score:     b.Priority + b.Deadline + b.Energy + b.Recency,
			Breakdown: b,
		})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})

	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored
}

// priorityScore inverts priority so 1=high earns the most points.
func priorityScore(priority int) int {
	return 4 - priority
}

// deadlineScore scales urgency: due within 48h scores 3, within a week 2,
// otherwise (or with no due date) 1.
func deadlineScore(due *time.Time, now time.Time) int {
	if due == nil {
		return 1
	}
	hoursUntil := due.Sub(now).Hours()
	switch {
	case hoursUntil <= 48:
		return 3
	case hoursUntil <= 168:
		return 2
	default:
		return 1
	}
}

// energyScore matches the task's energy class to the time of day: mornings
// favor deep work, afternoons normal work, evenings light work.
func energyScore(energy, currentHour int) int {
	var preferred, adjacent int
	switch {
	case currentHour >= 7 && currentHour < 12:
		preferred, adjacent = models.EnergyDeep, models.EnergyNormal
	case currentHour >= 12 && currentHour < 17:
		preferred, adjacent = models.EnergyNormal, models.EnergyDeep
	default:
		preferred, adjacent = models.EnergyLight, models.EnergyNormal
	}
	switch energy {
	case preferred:
		return 3
	case adjacent:
		return 2
	default:
		return 1
	}
}

// recencyScore gives a small bump to tasks created in the last 24 hours.
func recencyScore(createdAt, now time.Time) int {
	if now.Sub(createdAt).Hours() <= 24 {
		return 2
	}
	return 1
}

// FocusWindow is a suggested block of the day with matching tasks slotted in.
type FocusWindow struct {
	Type        string       `json:"type"`
	Start       time.Time    `json:"start"`
	End         time.Time    `json:"end"`
	Duration    int          `json:"duration"`
	Tasks       []ScoredTask `json:"tasks"`
	Description string       `json:"description"`
}

// FocusWindows builds the two fixed daily blocks, a 09:00-11:00 deep-work
// block and a 14:00-15:30 normal block, each filled with up to two ranked
// tasks of the matching energy class.
func FocusWindows(ranked []ScoredTask, day time.Time) []FocusWindow {
	at := func(hour, minute int) time.Time {
		return time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, day.Location())
	}
	return []FocusWindow{
		{
			Type:        "deep",
			Start:       at(9, 0),
			End:         at(11, 0),
			Duration:    120,
			Tasks:       pickByEnergy(ranked, models.EnergyDeep, 2),
			Description: "Deep work window for high-concentration tasks",
		},
		{
			Type:        "normal",
			Start:       at(14, 0),
			End:         at(15, 30),
			Duration:    90,
			Tasks:       pickByEnergy(ranked, models.EnergyNormal, 2),
			Description: "Regular work window for standard tasks",
		},
	}
}

func pickByEnergy(ranked []ScoredTask, energy, max int) []ScoredTask {
	picked := make([]ScoredTask, 0, max)
	for _, task := range ranked {
		if task.Energy == energy {
			picked = append(picked, task)
			if len(picked) == max {
				break
			}
		}
	}
	return picked
}

// Summary counts active tasks by priority and energy class.
type Summary struct {
	TotalActive int            `json:"totalActive"`
	ByPriority  map[string]int `json:"byPriority"`
	ByEnergy    map[string]int `json:"byEnergy"`
}

// Summarize tallies the active subset of tasks.
func Summarize(tasks []models.Task) Summary {
	s := Summary{
		ByPriority: map[string]int{"high": 0, "medium": 0, "low": 0},
		ByEnergy:   map[string]int{"deep": 0, "normal": 0, "light": 0},
	}
	for _, task := range tasks {
		if !task.Active() {
			continue
		}
		s.TotalActive++
		switch task.Priority {
		case models.PriorityHigh:
			s.ByPriority["high"]++
		case models.PriorityMedium:
			s.ByPriority["medium"]++
		case models.PriorityLow:
			s.ByPriority["low"]++
		}
		switch task.Energy {
		case models.EnergyDeep:
			s.ByEnergy["deep"]++
		case models.EnergyNormal:
			s.ByEnergy["normal"]++
		case models.EnergyLight:
			s.ByEnergy["light"]++
		}
	}
	return s
}
