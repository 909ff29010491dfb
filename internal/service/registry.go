package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/target/mmk-dispatch/internal/core"
	"github.com/target/mmk-dispatch/internal/domain/model"
	"github.com/target/mmk-dispatch/internal/domain/schedule"
	apperrors "github.com/target/mmk-dispatch/internal/errors"
)

// DefaultDueBatchSize bounds how many due jobs or deliveries one tick pulls.
const DefaultDueBatchSize = 100

// JobRegistryServiceOptions groups dependencies for JobRegistryService.
type JobRegistryServiceOptions struct {
	Repo      core.RecurringJobRepository // Required: recurring job repository
	Clock     core.Clock                  // Optional: defaults to the system clock
	BatchSize int                         // Optional: DueJobs limit, defaults to DefaultDueBatchSize
	Logger    *slog.Logger                // Optional: structured logger
}

// JobRegistryService owns recurring job configuration: creation, schedule changes,
// due selection and post-run bookkeeping. Every schedule change recomputes NextRunAt
// from the current time.
type JobRegistryService struct {
	repo      core.RecurringJobRepository
	clock     core.Clock
	batchSize int
	logger    *slog.Logger
}

// NewJobRegistryService constructs a new JobRegistryService.
func NewJobRegistryService(opts JobRegistryServiceOptions) (*JobRegistryService, error) {
	if opts.Repo == nil {
		return nil, errors.New("RecurringJobRepository is required")
	}
	clock := opts.Clock
	if clock == nil {
		clock = core.SystemClock{}
	}
	batch := opts.BatchSize
	if batch <= 0 {
		batch = DefaultDueBatchSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &JobRegistryService{
		repo:      opts.Repo,
		clock:     clock,
		batchSize: batch,
		logger:    logger.With("component", "job_registry"),
	}, nil
}

// MustNewJobRegistryService constructs a new JobRegistryService and panics on error.
func MustNewJobRegistryService(opts JobRegistryServiceOptions) *JobRegistryService {
	svc, err := NewJobRegistryService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create JobRegistryService: %v", err))
	}
	return svc
}

// Create validates req, computes the first occurrence and stores the job.
func (s *JobRegistryService) Create(
	ctx context.Context,
	req *model.CreateRecurringJobRequest,
) (*model.RecurringJob, error) {
	if req == nil {
		return nil, apperrors.Validation("request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid recurring job")
	}

	now := s.clock.Now().UTC()
	next, err := schedule.NextRun(req.Schedule, now)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "compute first run")
	}

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}

	job, err := s.repo.Create(ctx, &model.RecurringJob{
		Name:          req.Name,
		Kind:          req.Kind,
		TemplateKind:  req.TemplateKind,
		Schedule:      req.Schedule,
		IsActive:      active,
		NextRunAt:     next,
		LastRunStatus: model.RunOutcomeNever,
		Recipients:    req.Recipients,
		Render:        req.Render,
	})
	if err != nil {
		return nil, fmt.Errorf("create recurring job: %w", err)
	}

	s.logger.InfoContext(ctx, "recurring job created",
		"job_id", job.ID,
		"name", job.Name,
		"schedule", job.Schedule.String(),
		"next_run_at", job.NextRunAt,
	)
	return job, nil
}

// Get returns the job or model.ErrRecurringJobNotFound.
func (s *JobRegistryService) Get(ctx context.Context, id string) (*model.RecurringJob, error) {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get recurring job: %w", err)
	}
	return job, nil
}

// List returns jobs newest first.
func (s *JobRegistryService) List(
	ctx context.Context,
	opts model.RecurringJobListOptions,
) ([]*model.RecurringJob, error) {
	jobs, err := s.repo.List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("list recurring jobs: %w", err)
	}
	return jobs, nil
}

// DueJobs returns active jobs whose NextRunAt is at or before now, oldest first.
func (s *JobRegistryService) DueJobs(ctx context.Context, now time.Time) ([]*model.RecurringJob, error) {
	jobs, err := s.repo.FindDue(ctx, now.UTC(), s.batchSize)
	if err != nil {
		return nil, fmt.Errorf("find due jobs: %w", err)
	}
	return jobs, nil
}

// RecordOutcome applies one execution's bookkeeping: counters, LastRunAt, LastRunStatus
// and the next occurrence computed from now. NextRunAt never moves backwards.
// A job whose schedule no longer yields an occurrence is deactivated.
func (s *JobRegistryService) RecordOutcome(
	ctx context.Context,
	jobID string,
	outcome model.RunOutcome,
	errMsg string,
) (*model.RecurringJob, error) {
	return s.recordOutcome(ctx, model.RecordOutcomeParams{JobID: jobID, Outcome: outcome}, errMsg)
}

// RecordRunOutcome is RecordOutcome for a finished run. It applies at most once per run;
// a repeat returns the current job with model.ErrOutcomeAlreadyRecorded.
func (s *JobRegistryService) RecordRunOutcome(ctx context.Context, run *model.JobRun) (*model.RecurringJob, error) {
	outcome, ok := run.Outcome()
	if !ok {
		return nil, fmt.Errorf("%w: run %s is %s", model.ErrInvalidRunTransition, run.ID, run.Status)
	}
	var errMsg string
	if run.ErrorMessage != nil {
		errMsg = *run.ErrorMessage
	}
	return s.recordOutcome(ctx, model.RecordOutcomeParams{
		JobID:   run.JobID,
		Outcome: outcome,
		RunID:   run.ID,
	}, errMsg)
}

func (s *JobRegistryService) recordOutcome(
	ctx context.Context,
	p model.RecordOutcomeParams,
	errMsg string,
) (*model.RecurringJob, error) {
	job, err := s.repo.GetByID(ctx, p.JobID)
	if err != nil {
		return nil, fmt.Errorf("record outcome: %w", err)
	}

	now := s.clock.Now().UTC()
	p.At = now
	next, err := schedule.NextRun(job.Schedule, now)
	if err != nil {
		s.logger.ErrorContext(ctx, "compute next run failed, deactivating job",
			"job_id", p.JobID,
			"schedule", job.Schedule.String(),
			"error", err,
		)
		next = job.NextRunAt
		p.Deactivate = true
	}
	p.NextRunAt = next

	updated, err := s.repo.RecordOutcome(ctx, p)
	if errors.Is(err, model.ErrOutcomeAlreadyRecorded) {
		return updated, err
	}
	if err != nil {
		return nil, fmt.Errorf("record outcome: %w", err)
	}

	attrs := []any{
		"job_id", p.JobID,
		"outcome", p.Outcome,
		"next_run_at", updated.NextRunAt,
		"run_count", updated.RunCount,
	}
	if p.RunID != "" {
		attrs = append(attrs, "run_id", p.RunID)
	}
	switch {
	case p.Deactivate:
		s.logger.WarnContext(ctx, "recurring job deactivated, schedule has no next occurrence", attrs...)
	case p.Outcome == model.RunOutcomeFailed:
		s.logger.WarnContext(ctx, "recurring job run failed", append(attrs, "error", errMsg)...)
	default:
		s.logger.DebugContext(ctx, "recurring job run recorded", attrs...)
	}
	return updated, nil
}

// SetActive toggles the job and recomputes NextRunAt from now. A run already in
// flight is not affected.
func (s *JobRegistryService) SetActive(ctx context.Context, jobID string, active bool) (*model.RecurringJob, error) {
	job, err := s.repo.GetByID(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("set active: %w", err)
	}
	return s.reschedule(ctx, job, job.Schedule, active)
}

// UpdateSchedule replaces the schedule and recomputes NextRunAt from now.
func (s *JobRegistryService) UpdateSchedule(
	ctx context.Context,
	jobID string,
	spec schedule.Spec,
) (*model.RecurringJob, error) {
	if err := spec.Validate(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid schedule")
	}
	job, err := s.repo.GetByID(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("update schedule: %w", err)
	}
	return s.reschedule(ctx, job, spec, job.IsActive)
}

// Deactivate stops a job from being selected. Jobs are never deleted.
func (s *JobRegistryService) Deactivate(ctx context.Context, jobID string) (*model.RecurringJob, error) {
	return s.SetActive(ctx, jobID, false)
}

func (s *JobRegistryService) reschedule(
	ctx context.Context,
	job *model.RecurringJob,
	spec schedule.Spec,
	active bool,
) (*model.RecurringJob, error) {
	now := s.clock.Now().UTC()
	next, err := schedule.NextRun(spec, now)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "compute next run")
	}

	updated, err := s.repo.UpdateSchedule(ctx, model.UpdateScheduleParams{
		JobID:     job.ID,
		Schedule:  spec,
		IsActive:  active,
		NextRunAt: next,
		At:        now,
	})
	if err != nil {
		return nil, fmt.Errorf("update recurring job schedule: %w", err)
	}

	s.logger.InfoContext(ctx, "recurring job rescheduled",
		"job_id", job.ID,
		"is_active", active,
		"schedule", spec.String(),
		"next_run_at", next,
	)
	return updated, nil
}
