package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/target/mmk-dispatch/internal/core"
	"github.com/target/mmk-dispatch/internal/domain/delivery"
	"github.com/target/mmk-dispatch/internal/domain/model"
	apperrors "github.com/target/mmk-dispatch/internal/errors"
	"github.com/target/mmk-dispatch/internal/observability/metrics"
	"github.com/target/mmk-dispatch/internal/observability/notify"
	"github.com/target/mmk-dispatch/internal/service/failurenotifier"
)

// ExperimentOutcomeObserver is told about terminal outcomes of experiment-bound deliveries
// after their counters were committed together with the transition.
type ExperimentOutcomeObserver interface {
	ObserveDeliveryOutcome(ctx context.Context, d *model.Delivery, status model.DeliveryStatus)
}

// DeliveryQueueServiceOptions groups dependencies for DeliveryQueueService.
type DeliveryQueueServiceOptions struct {
	Repo            core.DeliveryRepository   // Required: delivery repository
	RetryPolicy     *delivery.RetryPolicy     // Required: backoff and attempt limits
	BestHour        core.BestHourLookup       // Optional: enables the optimal send time adjustment
	Experiments     ExperimentOutcomeObserver // Optional: experiment metrics and auto evaluation
	FailureNotifier *failurenotifier.Service  // Optional: alerts on exhausted deliveries
	Metrics         *metrics.Recorder         // Optional
	Clock           core.Clock                // Optional: defaults to the system clock
	BatchSize       int                       // Optional: default DueDeliveries limit
	Logger          *slog.Logger              // Optional: structured logger
}

// DeliveryQueueService is the durable queue of individual notifications.
//
// This service manages:
// - Idempotent enqueue with a one-time optimal send hour adjustment.
// - Due selection in priority order.
// - The queued -> processing claim that gives each attempt a single owner.
// - Outcome handling through the retry policy.
type DeliveryQueueService struct {
	repo            core.DeliveryRepository
	policy          *delivery.RetryPolicy
	bestHour        core.BestHourLookup
	experiments     ExperimentOutcomeObserver
	failureNotifier *failurenotifier.Service
	metrics         *metrics.Recorder
	clock           core.Clock
	batchSize       int
	logger          *slog.Logger
}

// NewDeliveryQueueService constructs a new DeliveryQueueService.
func NewDeliveryQueueService(opts DeliveryQueueServiceOptions) (*DeliveryQueueService, error) {
	if opts.Repo == nil {
		return nil, errors.New("DeliveryRepository is required")
	}
	if opts.RetryPolicy == nil {
		return nil, errors.New("RetryPolicy is required")
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

	return &DeliveryQueueService{
		repo:            opts.Repo,
		policy:          opts.RetryPolicy,
		bestHour:        opts.BestHour,
		experiments:     opts.Experiments,
		failureNotifier: opts.FailureNotifier,
		metrics:         opts.Metrics,
		clock:           clock,
		batchSize:       batch,
		logger:          logger.With("component", "delivery_queue"),
	}, nil
}

// MustNewDeliveryQueueService constructs a new DeliveryQueueService and panics on error.
func MustNewDeliveryQueueService(opts DeliveryQueueServiceOptions) *DeliveryQueueService {
	svc, err := NewDeliveryQueueService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create DeliveryQueueService: %v", err))
	}
	return svc
}

// Enqueue adds a delivery. Replaying an idempotency key returns the stored delivery
// with created=false and changes nothing.
func (s *DeliveryQueueService) Enqueue(
	ctx context.Context,
	req *model.EnqueueDeliveryRequest,
) (*model.Delivery, bool, error) {
	if req == nil {
		return nil, false, apperrors.Validation("request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, false, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid delivery")
	}

	now := s.clock.Now().UTC()
	d := &model.Delivery{
		IdempotencyKey:   req.IdempotencyKey,
		RecipientID:      req.RecipientID,
		Recipient:        req.Recipient,
		NotificationType: req.NotificationType,
		Priority:         req.Priority,
		Channels:         req.Channels,
		Payload:          req.Payload,
		ScheduledFor:     now,
		UseOptimalTime:   req.UseOptimalTime,
		Status:           model.DeliveryQueued,
		MaxAttempts:      req.MaxAttempts,
		Experiment:       req.Experiment,
	}
	if d.IdempotencyKey == "" {
		d.IdempotencyKey = uuid.NewString()
	}
	if d.Priority == "" {
		d.Priority = model.PriorityMedium
	}
	if d.MaxAttempts == 0 {
		d.MaxAttempts = s.policy.MaxAttempts()
	}
	if req.ScheduledFor != nil {
		d.ScheduledFor = req.ScheduledFor.UTC()
	}
	if d.UseOptimalTime {
		d.ScheduledFor, d.OptimalTimeApplied = s.applyBestHour(ctx, d)
	}

	stored, created, err := s.repo.Create(ctx, d)
	if err != nil {
		return nil, false, fmt.Errorf("enqueue delivery: %w", err)
	}
	s.metrics.DeliveryEnqueued(string(stored.Priority), created)

	if created {
		s.logger.DebugContext(ctx, "delivery enqueued",
			"delivery_id", stored.ID,
			"priority", stored.Priority,
			"scheduled_for", stored.ScheduledFor,
			"optimal_time_applied", stored.OptimalTimeApplied,
		)
	} else {
		s.logger.DebugContext(ctx, "delivery already enqueued",
			"delivery_id", stored.ID,
			"idempotency_key", stored.IdempotencyKey,
		)
	}
	return stored, created, nil
}

// applyBestHour moves ScheduledFor to the recipient's best hour on the same UTC date.
// A lookup failure or missing history keeps the requested time.
func (s *DeliveryQueueService) applyBestHour(ctx context.Context, d *model.Delivery) (time.Time, bool) {
	if s.bestHour == nil {
		return d.ScheduledFor, false
	}
	hour, err := s.bestHour.BestHour(ctx, d.RecipientID, d.NotificationType)
	if err != nil {
		s.logger.WarnContext(ctx, "best hour lookup failed, keeping requested time",
			"recipient_id", d.RecipientID,
			"notification_type", d.NotificationType,
			"error", err,
		)
		return d.ScheduledFor, false
	}
	if hour == nil || *hour < 0 || *hour > 23 {
		return d.ScheduledFor, false
	}
	y, m, day := d.ScheduledFor.UTC().Date()
	return time.Date(y, m, day, *hour, 0, 0, 0, time.UTC), true
}

// Get returns a delivery or model.ErrDeliveryNotFound.
func (s *DeliveryQueueService) Get(ctx context.Context, id string) (*model.Delivery, error) {
	d, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get delivery: %w", err)
	}
	return d, nil
}

// List returns deliveries matching opts.
func (s *DeliveryQueueService) List(ctx context.Context, opts model.DeliveryListOptions) ([]*model.Delivery, error) {
	out, err := s.repo.List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	return out, nil
}

// DueDeliveries returns up to limit queued deliveries scheduled at or before now,
// highest priority first. A non-positive limit uses the configured batch size.
func (s *DeliveryQueueService) DueDeliveries(
	ctx context.Context,
	now time.Time,
	limit int,
) ([]*model.Delivery, error) {
	if limit <= 0 {
		limit = s.batchSize
	}
	out, err := s.repo.FindDue(ctx, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("find due deliveries: %w", err)
	}
	return out, nil
}

// MarkProcessing claims a queued delivery for one attempt. Exactly one of several
// concurrent callers gets true.
func (s *DeliveryQueueService) MarkProcessing(ctx context.Context, id string) (bool, error) {
	_, ok, err := s.ClaimAttempt(ctx, id)
	return ok, err
}

// ClaimAttempt is MarkProcessing that also returns the attempt number the caller now
// holds. Reporting it back through DeliveryOutcome.ForAttempt keeps a superseded worker
// from finishing someone else's attempt.
func (s *DeliveryQueueService) ClaimAttempt(ctx context.Context, id string) (int, bool, error) {
	attempt, ok, err := s.repo.MarkProcessing(ctx, id, s.clock.Now().UTC())
	if err != nil {
		return 0, false, fmt.Errorf("mark delivery processing: %w", err)
	}
	return attempt, ok, nil
}

// MarkOutcome finishes the current attempt and returns the status the delivery moved to.
// A delivery that is not processing, or no longer on outcome.Attempt, yields
// model.ErrDeliveryNotProcessing and is left untouched. Experiment counters of a
// terminal outcome are written with the transition, so a failed call can be retried.
func (s *DeliveryQueueService) MarkOutcome(
	ctx context.Context,
	id string,
	outcome model.DeliveryOutcome,
) (model.DeliveryStatus, error) {
	if outcome.Status != model.DeliverySent && outcome.Status != model.DeliveryFailed {
		return "", apperrors.Validationf("outcome status must be sent or failed, got %q", outcome.Status)
	}

	d, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return "", fmt.Errorf("mark outcome: %w", err)
	}
	if d.Status != model.DeliveryProcessing {
		return "", fmt.Errorf("%w: %s is %s", model.ErrDeliveryNotProcessing, id, d.Status)
	}
	if outcome.Attempt > 0 && outcome.Attempt != d.AttemptCount {
		return "", fmt.Errorf("%w: %s moved on to attempt %d", model.ErrDeliveryNotProcessing, id, d.AttemptCount)
	}

	now := s.clock.Now().UTC()
	params := model.CompleteAttemptParams{ID: id, Status: outcome.Status, At: now, Attempt: outcome.Attempt}
	if outcome.Status == model.DeliveryFailed {
		msg := outcome.Error
		if msg == "" {
			msg = "delivery failed"
		}
		params.LastError = &msg
		if !outcome.Permanent {
			if decision := s.policy.Decide(d.AttemptCount, d.MaxAttempts, now); decision.Retry {
				params.Status = model.DeliveryQueued
				params.ScheduledFor = &decision.NextAt
			}
		}
	}

	if params.Status.Terminal() && d.Experiment != nil {
		delta, _ := model.DeliveryOutcomeCounts(params.Status)
		params.Counter = &model.IncrementParams{
			ExperimentID: d.Experiment.ExperimentID,
			Variant:      d.Experiment.Variant,
			Delta:        delta,
			At:           now,
		}
	}

	ok, err := s.repo.CompleteAttempt(ctx, params)
	if err != nil {
		return "", fmt.Errorf("complete delivery attempt: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", model.ErrDeliveryNotProcessing, id)
	}
	s.metrics.DeliveryAttempt(string(params.Status))

	logAttrs := []any{
		"delivery_id", id,
		"status", params.Status,
		"attempt", d.AttemptCount,
		"max_attempts", d.MaxAttempts,
	}
	switch params.Status {
	case model.DeliveryQueued:
		s.logger.InfoContext(ctx, "delivery attempt failed, retry scheduled",
			append(logAttrs, "scheduled_for", *params.ScheduledFor, "error", outcome.Error)...)
	case model.DeliveryFailed:
		s.logger.WarnContext(ctx, "delivery failed permanently",
			append(logAttrs, "permanent", outcome.Permanent, "error", outcome.Error)...)
		s.notifyFailure(ctx, d, outcome, now)
	default:
		s.logger.DebugContext(ctx, "delivery sent", logAttrs...)
	}

	if params.Counter != nil && s.experiments != nil {
		s.experiments.ObserveDeliveryOutcome(ctx, d, params.Status)
	}
	return params.Status, nil
}

func (s *DeliveryQueueService) notifyFailure(
	ctx context.Context,
	d *model.Delivery,
	outcome model.DeliveryOutcome,
	at time.Time,
) {
	if !s.failureNotifier.Enabled() {
		return
	}
	errorClass := "retries_exhausted"
	if outcome.Permanent {
		errorClass = "permanent"
	}
	s.failureNotifier.NotifyFailure(ctx, notify.FailurePayload{
		Subject:    notify.SubjectDelivery,
		SubjectID:  d.ID,
		OwnerID:    d.RecipientID,
		Name:       d.NotificationType,
		Error:      outcome.Error,
		ErrorClass: errorClass,
		Severity:   notify.SeverityWarning,
		OccurredAt: at,
		Metadata: map[string]string{
			"attempts": strconv.Itoa(d.AttemptCount),
			"priority": string(d.Priority),
		},
	})
}

// Cancel withdraws a queued delivery. Deliveries that already left the queue return
// model.ErrDeliveryNotQueued.
func (s *DeliveryQueueService) Cancel(ctx context.Context, id string) error {
	ok, err := s.repo.Cancel(ctx, id, s.clock.Now().UTC())
	if err != nil {
		return fmt.Errorf("cancel delivery: %w", err)
	}
	if ok {
		s.logger.InfoContext(ctx, "delivery cancelled", "delivery_id", id)
		return nil
	}
	d, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("cancel delivery: %w", err)
	}
	return fmt.Errorf("%w: %s is %s", model.ErrDeliveryNotQueued, id, d.Status)
}
