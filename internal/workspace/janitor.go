package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
)

// Janitor periodically sweeps old workspaces from the base directory. It
// runs as a background goroutine in serve mode.
type Janitor struct {
	manager  *Manager
	schedule string
	maxAge   time.Duration
	logger   *slog.Logger
	swept    prometheus.Counter

	cron *cron.Cron
}

// NewJanitor creates a Janitor that runs SweepOlderThan(maxAge) on the
// given cron schedule (standard five-field expressions).
func NewJanitor(manager *Manager, schedule string, maxAge time.Duration, logger *slog.Logger) *Janitor {
	return &Janitor{
		manager:  manager,
		schedule: schedule,
		maxAge:   maxAge,
		logger:   logger,
	}
}

// WithSweptCounter records removed workspaces on the given counter.
func (j *Janitor) WithSweptCounter(c prometheus.Counter) *Janitor {
	j.swept = c
	return j
}

// Start begins the sweep schedule. Returns a stop function (matches the
// background-service pattern used elsewhere).
func (j *Janitor) Start(ctx context.Context) (func(), error) {
	c := cron.New()
	_, err := c.AddFunc(j.schedule, func() { j.sweep(ctx) })
	if err != nil {
		return nil, fmt.Errorf("invalid janitor schedule %q: %w", j.schedule, err)
	}

	c.Start()
	j.cron = c

	j.logger.InfoContext(ctx, "workspace janitor started",
		slog.String("schedule", j.schedule),
		slog.String("max_age", j.maxAge.String()),
	)

	return func() {
		stopCtx := c.Stop()
		// Wait for any in-flight sweep before reporting stopped.
		<-stopCtx.Done()
		j.logger.Info("workspace janitor stopped")
	}, nil
}

// sweep removes workspaces older than the retention window and records the
// outcome.
func (j *Janitor) sweep(ctx context.Context) {
	removed, failed := j.manager.SweepOlderThan(j.maxAge)
	if j.swept != nil {
		j.swept.Add(float64(len(removed)))
	}
	if len(failed) > 0 {
		j.logger.WarnContext(ctx, "workspace janitor sweep incomplete",
			slog.Int("removed", len(removed)),
			slog.Int("failed", len(failed)),
		)
	}
}
