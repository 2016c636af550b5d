package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"message-coalescer/internal/usecase"
)

type sweeper interface {
	Sweep(ctx context.Context) (usecase.SweepReport, error)
}

// NewSweepCron schedules periodic sweeps for the long-running service. Runs
// never overlap; a sweep still in progress makes the next tick skip.
func NewSweepCron(schedule string, s sweeper, timeout time.Duration, logger *slog.Logger) (*cron.Cron, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if _, err := s.Sweep(ctx); err != nil {
			logger.Error("scheduled sweep failed", "err", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("app: invalid sweep schedule %q: %w", schedule, err)
	}
	return c, nil
}
