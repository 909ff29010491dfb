package core

import (
	"context"
	"time"

	"github.com/target/mmk-dispatch/internal/domain/model"
)

// This file contains repository interface definitions (ports in hexagonal architecture).
// Service implementations depend on these interfaces; internal/data provides the
// Postgres implementations and internal/data/memory the in-process ones.

// RecurringJobRepository persists recurring job configuration and bookkeeping.
type RecurringJobRepository interface {
	Create(ctx context.Context, job *model.RecurringJob) (*model.RecurringJob, error)
	GetByID(ctx context.Context, id string) (*model.RecurringJob, error)
	List(ctx context.Context, opts model.RecurringJobListOptions) ([]*model.RecurringJob, error)
	// FindDue returns active jobs with NextRunAt <= now ordered by NextRunAt, then ID.
	FindDue(ctx context.Context, now time.Time, limit int) ([]*model.RecurringJob, error)
	// RecordOutcome increments the counters in one atomic write and never moves NextRunAt backwards.
	// With params.RunID set it marks the run recorded in the same write and returns
	// model.ErrOutcomeAlreadyRecorded when that already happened.
	RecordOutcome(ctx context.Context, params model.RecordOutcomeParams) (*model.RecurringJob, error)
	UpdateSchedule(ctx context.Context, params model.UpdateScheduleParams) (*model.RecurringJob, error)
}

// JobRunRepository persists execution records.
type JobRunRepository interface {
	// Claim creates a run and moves it from pending to processing. It returns false
	// without error when another run of the same job is already processing, or when a
	// scheduled claim's occurrence is no longer due or already has a run.
	Claim(ctx context.Context, params model.ClaimRunParams) (*model.JobRun, bool, error)
	// Finish moves a processing run to completed or failed.
	Finish(ctx context.Context, params model.FinishRunParams) (*model.JobRun, error)
	GetByID(ctx context.Context, id string) (*model.JobRun, error)
	ListByJob(ctx context.Context, jobID string, limit int) ([]*model.JobRun, error)
	// FindStaleProcessing returns processing runs started before cutoff.
	FindStaleProcessing(ctx context.Context, cutoff time.Time, limit int) ([]*model.JobRun, error)
	// FindUnrecorded returns terminal runs completed before cutoff whose outcome never
	// reached the job counters.
	FindUnrecorded(ctx context.Context, cutoff time.Time, limit int) ([]*model.JobRun, error)
}

// DeliveryRepository persists the delivery queue.
type DeliveryRepository interface {
	// Create inserts d. When the idempotency key already exists the stored delivery
	// is returned with created=false.
	Create(ctx context.Context, d *model.Delivery) (*model.Delivery, bool, error)
	GetByID(ctx context.Context, id string) (*model.Delivery, error)
	List(ctx context.Context, opts model.DeliveryListOptions) ([]*model.Delivery, error)
	// FindDue returns queued deliveries with ScheduledFor <= now ordered by priority
	// descending, then ScheduledFor ascending, then ID.
	FindDue(ctx context.Context, now time.Time, limit int) ([]*model.Delivery, error)
	// MarkProcessing atomically moves a queued delivery to processing, increments
	// AttemptCount and stamps LastAttemptAt. Exactly one concurrent caller wins and
	// gets the attempt number it now holds.
	MarkProcessing(ctx context.Context, id string, now time.Time) (int, bool, error)
	// CompleteAttempt applies params only while the delivery is processing on
	// params.Attempt. params.Counter is committed with the transition or not at all.
	CompleteAttempt(ctx context.Context, params model.CompleteAttemptParams) (bool, error)
	// Cancel moves a queued delivery to cancelled.
	Cancel(ctx context.Context, id string, now time.Time) (bool, error)
	FindStaleProcessing(ctx context.Context, cutoff time.Time, limit int) ([]*model.Delivery, error)
}

// ExperimentRepository persists per-variant outcome counters.
type ExperimentRepository interface {
	Increment(ctx context.Context, params model.IncrementParams) error
	// GetVariant returns a zero aggregate when nothing was recorded yet.
	GetVariant(ctx context.Context, experimentID, variant string) (*model.VariantAggregate, error)
	ListVariants(ctx context.Context, experimentID string) ([]*model.VariantAggregate, error)
}

// EngagementRepository persists recipient interactions with deliveries.
type EngagementRepository interface {
	// Record stores e once per delivery and event and applies counter, when non-nil,
	// in the same write. It returns false for duplicates.
	Record(ctx context.Context, e model.Engagement, counter *model.IncrementParams) (bool, error)
	BestHourLookup
}

// ArtifactRepository stores rendered job output and returns a reference to it.
type ArtifactRepository interface {
	Store(ctx context.Context, a model.Artifact) (string, error)
}
