// Package failurenotifier fans failure events out to the configured alerting sinks.
package failurenotifier

import (
	"context"
	"log/slog"
	"sync"

	"github.com/target/mmk-dispatch/internal/domain/model"
	"github.com/target/mmk-dispatch/internal/observability/notify"
)

// SinkRegistration pairs a sink implementation with a human-readable name for logging.
type SinkRegistration struct {
	Name string
	Sink notify.Sink
}

// Options configures the failure notifier service.
type Options struct {
	Logger *slog.Logger
	Sinks  []SinkRegistration
	// SkipManualRuns suppresses alerts for runs started through TriggerManual.
	SkipManualRuns bool
}

// Service dispatches failure events to all registered sinks.
type Service struct {
	logger         *slog.Logger
	sinks          []SinkRegistration
	skipManualRuns bool
}

// NewService constructs a failure notifier.
func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var sinks []SinkRegistration
	for _, entry := range opts.Sinks {
		if entry.Sink == nil {
			continue
		}
		name := entry.Name
		if name == "" {
			name = "sink"
		}
		sinks = append(sinks, SinkRegistration{Name: name, Sink: entry.Sink})
	}

	return &Service{
		logger:         logger.With("component", "failure_notifier"),
		sinks:          sinks,
		skipManualRuns: opts.SkipManualRuns,
	}
}

// NotifyFailure fans the payload out to all sinks and waits for them to finish.
// Sink errors are logged; they never propagate to the caller.
func (s *Service) NotifyFailure(ctx context.Context, payload notify.FailurePayload) {
	if s == nil || len(s.sinks) == 0 {
		return
	}

	if s.skipManualRuns && payload.Subject == notify.SubjectJobRun &&
		payload.Metadata["triggered_by"] == string(model.TriggerManual) {
		s.logger.DebugContext(ctx, "skipping notification for manual run",
			"run_id", payload.SubjectID,
			"job_id", payload.OwnerID,
		)
		return
	}

	if payload.Severity == "" {
		payload.Severity = notify.SeverityCritical
	}

	var wg sync.WaitGroup
	for _, entry := range s.sinks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := entry.Sink.SendFailure(ctx, payload); err != nil {
				s.logger.ErrorContext(ctx, "failure notifier delivery error",
					"sink", entry.Name,
					"subject", payload.Subject,
					"subject_id", payload.SubjectID,
					"error", err,
				)
			}
		}()
	}
	wg.Wait()
}

// Enabled reports whether the notifier has any active sinks.
func (s *Service) Enabled() bool {
	return s != nil && len(s.sinks) > 0
}
