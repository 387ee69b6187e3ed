package supervisor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var standardCronParser = cron.NewParser(
	cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow,
)

// ParseResync parses a UTC-only standard cron expression for the resync
// schedule.
func ParseResync(expr string) (cron.Schedule, error) {
	clean := strings.TrimSpace(expr)
	if clean == "" {
		return nil, fmt.Errorf("resync cron expression is required")
	}

	upper := strings.ToUpper(clean)
	if strings.Contains(upper, "CRON_TZ=") || strings.Contains(upper, "TZ=") {
		return nil, fmt.Errorf("resync cron expression must be UTC-only (timezone prefixes are not allowed)")
	}

	schedule, err := standardCronParser.Parse(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid resync cron expression: %w", err)
	}
	return schedule, nil
}

// ResyncOnce re-enumerates the store and reconciles every output, then
// stops workers whose configuration no longer exists. It is the full
// reconciliation pass the cron schedule triggers, exported for tests and
// operational use.
func (s *Supervisor) ResyncOnce(ctx context.Context) error {
	configs, err := s.store.List(ctx)
	if err != nil {
		return fmt.Errorf("supervisor: resync enumerate: %w", err)
	}

	known := make(map[string]struct{}, len(configs))
	for _, cfg := range configs {
		known[cfg.ID] = struct{}{}
		s.reconcile(cfg)
	}

	s.mu.Lock()
	var stale []string
	for id := range s.workers {
		if _, ok := known[id]; !ok {
			stale = append(stale, id)
		}
	}
	s.mu.Unlock()

	for _, id := range stale {
		s.logger.Info("resync stopping worker for deleted output", "output_id", id)
		s.remove(id)
	}
	return nil
}

func (s *Supervisor) resyncLoop(done chan struct{}) {
	defer close(done)

	for {
		now := time.Now().UTC()
		timer := time.NewTimer(s.schedule.Next(now).Sub(now))

		select {
		case <-s.runCtx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if err := s.ResyncOnce(s.runCtx); err != nil {
				s.logger.Error("resync", "error", err)
			}
		}
	}
}
