// Package scheduler provides the tick loop that drives the run executor.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/target/mmk-dispatch/internal/observability/metrics"
	"github.com/target/mmk-dispatch/internal/service"
)

// Executor is the part of service.RunExecutor the runner drives.
type Executor interface {
	RebuildRegisteredTasks(ctx context.Context) (int, error)
	Tick(ctx context.Context, now time.Time) (service.TickResult, error)
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	Executor Executor          // Required
	Interval time.Duration     // Optional: defaults to 1s
	Metrics  *metrics.Recorder // Optional
	Logger   *slog.Logger      // Optional
}

// Runner calls Executor.Tick at a fixed interval until its context ends.
type Runner struct {
	executor Executor
	interval time.Duration
	metrics  *metrics.Recorder
	logger   *slog.Logger
}

// NewRunner creates a new scheduler runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Executor == nil {
		return nil, errors.New("executor is required")
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Runner{
		executor: opts.Executor,
		interval: opts.Interval,
		metrics:  opts.Metrics,
		logger:   opts.Logger.With("component", "scheduler_runner"),
	}, nil
}

// Run rebuilds the in-process task table, ticks once immediately and then on every
// interval. Tick errors are logged and the loop keeps going.
// Returns nil on graceful shutdown (context.Canceled), error otherwise.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting scheduler runner", "interval", r.interval)

	if n, err := r.executor.RebuildRegisteredTasks(ctx); err != nil {
		// Not fatal: due jobs are registered lazily on every tick.
		r.logger.WarnContext(ctx, "rebuild registered tasks failed", "error", err)
	} else {
		r.logger.InfoContext(ctx, "registered recurring jobs", "count", n)
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.tick(ctx, time.Now())
	for {
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "scheduler runner stopping", "reason", ctx.Err())
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()

		case now := <-ticker.C:
			r.tick(ctx, now)
		}
	}
}

func (r *Runner) tick(ctx context.Context, now time.Time) {
	start := time.Now()
	res, err := r.executor.Tick(ctx, now.UTC())
	r.metrics.Tick("scheduler", time.Since(start), err)

	switch {
	case err != nil && ctx.Err() != nil:
		r.logger.DebugContext(ctx, "scheduler tick interrupted", "error", err)
	case err != nil:
		r.logger.ErrorContext(ctx, "scheduler tick error", "error", err, "errors", res.Errors)
	case res.Processed() > 0:
		r.logger.InfoContext(ctx, "scheduler tick processed work",
			"jobs_started", res.JobsStarted,
			"jobs_failed", res.JobsFailed,
			"jobs_skipped", res.JobsSkipped,
			"deliveries_claimed", res.DeliveriesClaimed,
			"deliveries_sent", res.DeliveriesSent,
			"deliveries_retried", res.DeliveriesRetried,
			"deliveries_failed", res.DeliveriesFailed,
		)
	}
}
