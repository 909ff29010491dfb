package service

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/target/mmk-dispatch/config"
	"github.com/target/mmk-dispatch/internal/core"
	"github.com/target/mmk-dispatch/internal/domain/model"
	"github.com/target/mmk-dispatch/internal/observability/metrics"
)

const (
	abandonedAttemptError = "attempt abandoned"
	abandonedRunError     = "run abandoned"

	// outcomeReplayGrace gives an executor time to record its own run outcome.
	outcomeReplayGrace = time.Minute
)

// ReaperServiceOptions groups dependencies for ReaperService.
type ReaperServiceOptions struct {
	Deliveries core.DeliveryRepository // Required: source of stale processing deliveries
	Queue      *DeliveryQueueService   // Required: applies the retry policy to abandoned attempts
	Runs       core.JobRunRepository   // Required: source of stale processing runs
	Registry   *JobRegistryService     // Required: records the failed outcome on the job
	Config     config.ReaperConfig     // Required: leases, interval and batch size
	Metrics    *metrics.Recorder       // Optional
	Clock      core.Clock              // Optional: defaults to the system clock
	Logger     *slog.Logger            // Optional: structured logger
}

// ReaperService recovers work abandoned by crashed workers.
//
// This service manages:
// - Deliveries left in processing past the delivery lease. The attempt is reported as a
// retryable failure so the retry policy decides between requeue and failure.
// - Job runs left in processing past the run lease. The run is failed and the job's
// bookkeeping records the failure.
type ReaperService struct {
	deliveries core.DeliveryRepository
	queue      *DeliveryQueueService
	runs       core.JobRunRepository
	registry   *JobRegistryService
	config     config.ReaperConfig
	metrics    *metrics.Recorder
	clock      core.Clock
	logger     *slog.Logger
}

// NewReaperService constructs a new ReaperService.
func NewReaperService(opts ReaperServiceOptions) (*ReaperService, error) {
	switch {
	case opts.Deliveries == nil:
		return nil, errors.New("DeliveryRepository is required")
	case opts.Queue == nil:
		return nil, errors.New("DeliveryQueueService is required")
	case opts.Runs == nil:
		return nil, errors.New("JobRunRepository is required")
	case opts.Registry == nil:
		return nil, errors.New("JobRegistryService is required")
	}

	cfg := opts.Config
	cfg.Sanitize()

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "reaper_service")
	logger.Debug("ReaperService initialized",
		"interval", cfg.Interval,
		"delivery_lease", cfg.DeliveryLease,
		"run_lease", cfg.RunLease,
		"batch_size", cfg.BatchSize,
	)

	clock := opts.Clock
	if clock == nil {
		clock = core.SystemClock{}
	}

	return &ReaperService{
		deliveries: opts.Deliveries,
		queue:      opts.Queue,
		runs:       opts.Runs,
		registry:   opts.Registry,
		config:     cfg,
		metrics:    opts.Metrics,
		clock:      clock,
		logger:     logger,
	}, nil
}

// MustNewReaperService constructs a new ReaperService and panics on error.
func MustNewReaperService(opts ReaperServiceOptions) *ReaperService {
	svc, err := NewReaperService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast on invalid wiring
		panic(fmt.Errorf("failed to create ReaperService: %w", err))
	}
	return svc
}

// Run starts the reaper loop and runs until the context is cancelled.
// Returns nil on graceful shutdown (context.Canceled), error otherwise.
func (s *ReaperService) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "starting reaper service", "interval", s.config.Interval)

	// Add jitter to prevent thundering herd if multiple instances start together
	s.waitWithJitter(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	if err := s.runCleanup(ctx); err != nil {
		s.logCleanupError(err, "initial cleanup")
	}

	return s.runLoop(ctx, ticker)
}

// waitWithJitter adds a random delay up to 10% of the interval.
func (s *ReaperService) waitWithJitter(ctx context.Context) {
	maxJitter := int64(s.config.Interval / 10)
	if maxJitter <= 0 {
		return
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		s.logger.WarnContext(ctx, "failed to generate jitter, skipping", "error", err)
		return
	}

	jitterNanos := binary.BigEndian.Uint64(buf[:]) % uint64(maxJitter)
	jitter := time.Duration(int64(jitterNanos)) // #nosec G115 - bounded by maxJitter which is int64

	timer := time.NewTimer(jitter)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

func (s *ReaperService) runLoop(ctx context.Context, ticker *time.Ticker) error {
	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "reaper service stopping", "reason", ctx.Err())
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()

		case <-ticker.C:
			if err := s.runCleanup(ctx); err != nil {
				s.logCleanupError(err, "cleanup")
			}
		}
	}
}

// RunOnce performs a single cleanup pass. It is used by tests and by operators
// who want to recover a stuck queue without waiting for the next tick.
func (s *ReaperService) RunOnce(ctx context.Context) error {
	return s.runCleanup(ctx)
}

func (s *ReaperService) runCleanup(ctx context.Context) error {
	start := time.Now()
	var (
		errs               []error
		allContextCanceled = true
	)

	steps := []cleanupStep{
		{fn: s.requeueStaleDeliveries, label: "reap stale deliveries", kind: "delivery"},
		{fn: s.failStaleRuns, label: "reap stale runs", kind: "run"},
		{fn: s.replayRunOutcomes, label: "replay run outcomes", kind: "run_outcome"},
	}

	for _, step := range steps {
		count, err := step.fn(ctx)
		s.metrics.Reaped(step.kind, count)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", step.label, err))
			allContextCanceled = allContextCanceled && isContextCancellation(err)
		}
	}

	var result error
	if len(errs) > 0 {
		joined := errors.Join(errs...)
		if allContextCanceled && isContextCancellation(joined) {
			return context.Canceled
		}
		result = fmt.Errorf("cleanup failed: %w", joined)
	}
	s.metrics.Tick("reaper", time.Since(start), result)
	return result
}

type cleanupStep struct {
	fn    func(context.Context) (int, error)
	label string
	kind  string
}

// requeueStaleDeliveries reports every abandoned attempt as a retryable failure.
// Loops until a short batch is returned to handle large backlogs.
func (s *ReaperService) requeueStaleDeliveries(ctx context.Context) (int, error) {
	cutoff := s.clock.Now().UTC().Add(-s.config.DeliveryLease)
	total := 0
	for {
		stale, err := s.deliveries.FindStaleProcessing(ctx, cutoff, s.config.BatchSize)
		if err != nil {
			return total, err
		}

		reaped := 0
		for _, d := range stale {
			outcome := model.OutcomeRetryable(abandonedAttemptError).ForAttempt(d.AttemptCount)
			status, err := s.queue.MarkOutcome(ctx, d.ID, outcome)
			if errors.Is(err, model.ErrDeliveryNotProcessing) {
				// The worker finished after all.
				continue
			}
			if err != nil {
				return total + reaped, fmt.Errorf("delivery %s: %w", d.ID, err)
			}
			reaped++
			s.logger.WarnContext(ctx, "reaped abandoned delivery attempt",
				"delivery_id", d.ID,
				"attempt", d.AttemptCount,
				"status", status,
			)
		}
		total += reaped

		if len(stale) < s.config.BatchSize || reaped == 0 {
			break
		}
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
	}

	if total > 0 {
		s.logger.InfoContext(ctx, "reaped stale deliveries",
			"count", total,
			"lease", s.config.DeliveryLease,
		)
	}
	return total, nil
}

// failStaleRuns fails runs that outlived the run lease and records the failure on the job.
func (s *ReaperService) failStaleRuns(ctx context.Context) (int, error) {
	now := s.clock.Now().UTC()
	cutoff := now.Add(-s.config.RunLease)
	total := 0
	for {
		stale, err := s.runs.FindStaleProcessing(ctx, cutoff, s.config.BatchSize)
		if err != nil {
			return total, err
		}

		reaped := 0
		for _, run := range stale {
			msg := abandonedRunError
			finished, err := s.runs.Finish(ctx, model.FinishRunParams{
				RunID:        run.ID,
				Status:       model.RunStatusFailed,
				CompletedAt:  now,
				ErrorMessage: &msg,
			})
			if errors.Is(err, model.ErrInvalidRunTransition) {
				continue
			}
			if err != nil {
				return total + reaped, fmt.Errorf("run %s: %w", run.ID, err)
			}
			reaped++

			if _, err := s.registry.RecordRunOutcome(ctx, finished); err != nil &&
				!errors.Is(err, model.ErrOutcomeAlreadyRecorded) {
				s.logger.ErrorContext(ctx, "record abandoned run outcome failed",
					"job_id", run.JobID,
					"run_id", run.ID,
					"error", err,
				)
			}
			s.logger.WarnContext(ctx, "reaped abandoned job run",
				"job_id", run.JobID,
				"run_id", run.ID,
				"started_at", run.StartedAt,
			)
		}
		total += reaped

		if len(stale) < s.config.BatchSize || reaped == 0 {
			break
		}
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
	}

	if total > 0 {
		s.logger.InfoContext(ctx, "reaped stale job runs",
			"count", total,
			"lease", s.config.RunLease,
		)
	}
	return total, nil
}

// replayRunOutcomes applies the job bookkeeping of finished runs whose executor could
// not record it. Runs younger than outcomeReplayGrace are left to their executor.
func (s *ReaperService) replayRunOutcomes(ctx context.Context) (int, error) {
	cutoff := s.clock.Now().UTC().Add(-outcomeReplayGrace)
	total := 0
	for {
		runs, err := s.runs.FindUnrecorded(ctx, cutoff, s.config.BatchSize)
		if err != nil {
			return total, err
		}

		replayed := 0
		for _, run := range runs {
			job, err := s.registry.RecordRunOutcome(ctx, run)
			if errors.Is(err, model.ErrOutcomeAlreadyRecorded) {
				continue
			}
			if err != nil {
				return total + replayed, fmt.Errorf("run %s: %w", run.ID, err)
			}
			replayed++
			s.logger.WarnContext(ctx, "replayed job run outcome",
				"job_id", run.JobID,
				"run_id", run.ID,
				"status", run.Status,
				"next_run_at", job.NextRunAt,
			)
		}
		total += replayed

		if len(runs) < s.config.BatchSize || replayed == 0 {
			break
		}
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
	}
	return total, nil
}

func (s *ReaperService) logCleanupError(err error, label string) {
	if err == nil {
		return
	}
	if isContextCancellation(err) {
		s.logger.Debug(label+" cancelled by context", "error", err)
		return
	}
	s.logger.Error(label+" failed", "error", err)
}

func isContextCancellation(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
