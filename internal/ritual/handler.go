package ritual

import (
	"context"
	"errors"
	"fmt"

	"command-center/internal/queue"
)

// RunHandler adapts single-ritual execution to the job queue so rituals can
// be fired as deferred jobs. Payload: {"ritual": "<name>"}. Streak and
// last_run move exactly as they do for a scheduled run.
func RunHandler(s *Scheduler) queue.Handler {
	return func(ctx context.Context, payload map[string]any) error {
		name, _ := payload["ritual"].(string)
		if name == "" {
			return queue.Permanent(errors.New("ritual.run payload requires ritual name"))
		}
		cfg, err := s.LoadConfig()
		if err != nil {
			return err
		}
		for _, d := range cfg.Rituals {
			if d.Name != name {
				continue
			}
			if !d.Enabled {
				return fmt.Errorf("ritual %q is disabled", name)
			}
			res := s.ExecuteRitual(ctx, d)
			if !res.Success {
				return fmt.Errorf("ritual %q failed: %s", name, res.Error)
			}
			return nil
		}
		return queue.Permanent(fmt.Errorf("ritual not found: %q", name))
	}
}
