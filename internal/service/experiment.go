package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/target/mmk-dispatch/internal/core"
	"github.com/target/mmk-dispatch/internal/domain/experiment"
	"github.com/target/mmk-dispatch/internal/domain/model"
	apperrors "github.com/target/mmk-dispatch/internal/errors"
	"github.com/target/mmk-dispatch/internal/observability/metrics"
)

// BestHourInvalidator drops cached best-hour values after new engagement arrives.
type BestHourInvalidator interface {
	Invalidate(ctx context.Context, recipientID, notificationType string) error
}

// ExperimentServiceOptions groups dependencies for ExperimentService.
type ExperimentServiceOptions struct {
	Repo        core.ExperimentRepository // Required: variant counters
	Engagements core.EngagementRepository // Optional: required by RecordEngagement
	Deliveries  core.DeliveryRepository   // Optional: required by RecordEngagement
	Evaluator   experiment.Evaluator      // Optional: zero value uses the defaults
	// AutoEvaluate lists metrics re-evaluated after every counter update. Empty disables it.
	AutoEvaluate  []model.Metric
	BestHourCache BestHourInvalidator // Optional
	Metrics       *metrics.Recorder   // Optional
	Clock         core.Clock          // Optional: defaults to the system clock
	Logger        *slog.Logger        // Optional: structured logger
}

// ExperimentService accumulates per-variant outcomes and evaluates them.
type ExperimentService struct {
	repo          core.ExperimentRepository
	engagements   core.EngagementRepository
	deliveries    core.DeliveryRepository
	evaluator     experiment.Evaluator
	autoEvaluate  []model.Metric
	bestHourCache BestHourInvalidator
	metrics       *metrics.Recorder
	clock         core.Clock
	logger        *slog.Logger
}

var _ ExperimentOutcomeObserver = (*ExperimentService)(nil)

// NewExperimentService constructs a new ExperimentService.
func NewExperimentService(opts ExperimentServiceOptions) (*ExperimentService, error) {
	if opts.Repo == nil {
		return nil, errors.New("ExperimentRepository is required")
	}
	clock := opts.Clock
	if clock == nil {
		clock = core.SystemClock{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ExperimentService{
		repo:          opts.Repo,
		engagements:   opts.Engagements,
		deliveries:    opts.Deliveries,
		evaluator:     experiment.NewEvaluator(opts.Evaluator.Alpha, opts.Evaluator.MinSampleSize),
		autoEvaluate:  opts.AutoEvaluate,
		bestHourCache: opts.BestHourCache,
		metrics:       opts.Metrics,
		clock:         clock,
		logger:        logger.With("component", "experiment_service"),
	}, nil
}

// MustNewExperimentService constructs a new ExperimentService and panics on error.
func MustNewExperimentService(opts ExperimentServiceOptions) *ExperimentService {
	svc, err := NewExperimentService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create ExperimentService: %v", err))
	}
	return svc
}

// ObserveDeliveryOutcome reports a terminal delivery whose counters the queue already
// committed with the transition, and re-runs the configured evaluations.
func (s *ExperimentService) ObserveDeliveryOutcome(
	ctx context.Context,
	d *model.Delivery,
	status model.DeliveryStatus,
) {
	if d == nil || d.Experiment == nil {
		return
	}
	s.metrics.ExperimentEvent("sent")
	switch status {
	case model.DeliverySent:
		s.metrics.ExperimentEvent("delivered")
	case model.DeliveryFailed:
		s.metrics.ExperimentEvent("bounced")
	}
	s.maybeEvaluate(ctx, d.Experiment.ExperimentID)
}

// RecordEngagement stores an interaction with a sent delivery. Each (delivery, event)
// pair is counted once; replays return false. The variant counter is written with the
// engagement row, so a failed call leaves nothing behind and can be retried.
// A zero at uses the current time.
func (s *ExperimentService) RecordEngagement(
	ctx context.Context,
	deliveryID string,
	event model.EngagementEvent,
	at time.Time,
) (bool, error) {
	if s.engagements == nil || s.deliveries == nil {
		return false, errors.New("engagement recording is not configured")
	}
	if !event.Valid() {
		return false, apperrors.ValidationField("event", fmt.Sprintf("unknown engagement event %q", event))
	}

	d, err := s.deliveries.GetByID(ctx, deliveryID)
	if err != nil {
		return false, fmt.Errorf("record engagement: %w", err)
	}
	if d.Status != model.DeliverySent {
		return false, apperrors.Conflictf("delivery %s is %s, engagement requires a sent delivery", d.ID, d.Status)
	}

	if at.IsZero() {
		at = s.clock.Now()
	}
	var counter *model.IncrementParams
	if d.Experiment != nil {
		counter = &model.IncrementParams{
			ExperimentID: d.Experiment.ExperimentID,
			Variant:      d.Experiment.Variant,
			Delta:        event.Counts(),
			At:           s.clock.Now().UTC(),
		}
	}
	recorded, err := s.engagements.Record(ctx, model.Engagement{
		DeliveryID:       d.ID,
		RecipientID:      d.RecipientID,
		NotificationType: d.NotificationType,
		Event:            event,
		OccurredAt:       at.UTC(),
	}, counter)
	if err != nil {
		return false, fmt.Errorf("record engagement: %w", err)
	}
	if !recorded {
		s.logger.DebugContext(ctx, "duplicate engagement ignored", "delivery_id", d.ID, "event", event)
		return false, nil
	}

	if s.bestHourCache != nil && event == model.EngagementOpened {
		if err := s.bestHourCache.Invalidate(ctx, d.RecipientID, d.NotificationType); err != nil {
			s.logger.WarnContext(ctx, "best hour cache invalidation failed",
				"recipient_id", d.RecipientID,
				"error", err,
			)
		}
	}

	if d.Experiment != nil {
		s.metrics.ExperimentEvent(string(event))
		s.maybeEvaluate(ctx, d.Experiment.ExperimentID)
	}
	return true, nil
}

// Variants returns the aggregates recorded for an experiment, ordered by label.
func (s *ExperimentService) Variants(ctx context.Context, experimentID string) ([]*model.VariantAggregate, error) {
	out, err := s.repo.ListVariants(ctx, experimentID)
	if err != nil {
		return nil, fmt.Errorf("list variants: %w", err)
	}
	return out, nil
}

// Evaluate compares metric between two variants of an experiment.
func (s *ExperimentService) Evaluate(
	ctx context.Context,
	experimentID, variantA, variantB string,
	metric model.Metric,
) (experiment.Result, error) {
	if strings.TrimSpace(experimentID) == "" || variantA == "" || variantB == "" {
		return experiment.Result{}, apperrors.Validation("experiment id and both variants are required")
	}
	a, err := s.repo.GetVariant(ctx, experimentID, variantA)
	if err != nil {
		return experiment.Result{}, fmt.Errorf("load variant %s: %w", variantA, err)
	}
	b, err := s.repo.GetVariant(ctx, experimentID, variantB)
	if err != nil {
		return experiment.Result{}, fmt.Errorf("load variant %s: %w", variantB, err)
	}
	res, err := s.evaluator.Evaluate(*a, *b, metric)
	if err != nil {
		return experiment.Result{}, apperrors.Wrap(err, apperrors.ErrCodeValidation, "evaluate experiment")
	}
	return res, nil
}

// maybeEvaluate compares every variant against the first one (by label) on the
// configured metrics and logs significant results.
func (s *ExperimentService) maybeEvaluate(ctx context.Context, experimentID string) {
	if len(s.autoEvaluate) == 0 {
		return
	}
	variants, err := s.repo.ListVariants(ctx, experimentID)
	if err != nil {
		s.logger.WarnContext(ctx, "auto evaluation skipped", "experiment_id", experimentID, "error", err)
		return
	}
	if len(variants) < 2 {
		return
	}
	control := variants[0]
	for _, candidate := range variants[1:] {
		for _, metric := range s.autoEvaluate {
			res, evalErr := s.evaluator.Evaluate(*control, *candidate, metric)
			if evalErr != nil {
				s.logger.WarnContext(ctx, "auto evaluation failed",
					"experiment_id", experimentID,
					"metric", metric,
					"error", evalErr,
				)
				continue
			}
			if res.IsSignificant {
				s.logger.InfoContext(ctx, "experiment result significant",
					"experiment_id", experimentID,
					"metric", metric,
					"winner", res.Winner,
					"p_value", res.PValue,
					"rate_a", res.RateA,
					"rate_b", res.RateB,
				)
			}
		}
	}
}
