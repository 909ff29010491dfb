// Package notify defines the failure notification payload shared by outbound sinks.
package notify

import (
	"context"
	"time"
)

// Severity constants recognised by downstream sinks.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
)

// Subject identifies what failed.
const (
	SubjectJobRun   = "job_run"
	SubjectDelivery = "delivery"
)

// FailurePayload captures the data emitted when a run fails or a delivery exhausts its attempts.
type FailurePayload struct {
	// Subject is SubjectJobRun or SubjectDelivery.
	Subject string
	// SubjectID is the run or delivery ID.
	SubjectID string
	// OwnerID is the recurring job ID for runs and the recipient ID for deliveries.
	OwnerID string
	// Name is the job name or notification type.
	Name       string
	Error      string
	ErrorClass string
	Severity   string
	OccurredAt time.Time
	Metadata   map[string]string
}

// Sink describes a destination capable of consuming failure notifications.
type Sink interface {
	SendFailure(ctx context.Context, payload FailurePayload) error
}

// SinkFunc adapts a function to the Sink interface (useful for tests).
type SinkFunc func(ctx context.Context, payload FailurePayload) error

// SendFailure implements the Sink interface.
func (f SinkFunc) SendFailure(ctx context.Context, payload FailurePayload) error {
	if f == nil {
		return nil
	}
	return f(ctx, payload)
}
