package history

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

const defaultPruneSchedule = "0 3 * * *"

// StartRetention begins the background prune loop. Returns a cancel
// function. Does nothing when retention is disabled (RetentionDays 0)
// or the store is nil.
func (s *Store) StartRetention(ctx context.Context) func() {
	if s == nil || s.cfg.RetentionDays <= 0 {
		return func() {}
	}

	expr := s.cfg.PruneSchedule
	if expr == "" {
		expr = defaultPruneSchedule
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(expr)
	if err != nil {
		s.logger.Error("invalid prune schedule, retention disabled",
			slog.String("schedule", expr),
			slog.String("error", err.Error()),
		)
		return func() {}
	}

	ctx, cancel := context.WithCancel(ctx)

	go func() {
		s.logger.InfoContext(ctx, "history retention started",
			slog.String("schedule", expr),
			slog.Int("retention_days", s.cfg.RetentionDays),
		)

		for {
			next := schedule.Next(time.Now())
			timer := time.NewTimer(time.Until(next))

			select {
			case <-ctx.Done():
				timer.Stop()
				s.logger.Info("history retention stopped")
				return
			case <-timer.C:
				s.prune(ctx)
			}
		}
	}()

	return cancel
}

func (s *Store) prune(ctx context.Context) {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.cfg.RetentionDays)
	deleted, err := s.Prune(ctx, cutoff)
	if err != nil {
		s.logger.ErrorContext(ctx, "pruning execution history failed",
			slog.String("error", err.Error()),
		)
		return
	}
	if deleted > 0 {
		s.logger.InfoContext(ctx, "execution history pruned",
			slog.Int64("deleted", deleted),
			slog.Time("cutoff", cutoff),
		)
	}
}
