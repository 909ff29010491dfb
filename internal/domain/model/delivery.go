package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Priority orders due deliveries. Higher ranks are processed first.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank returns the numeric ordering of p, or -1 when p is unknown.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityMedium:
		return 1
	case PriorityHigh:
		return 2
	case PriorityUrgent:
		return 3
	default:
		return -1
	}
}

// PriorityFromRank is the inverse of Rank.
func PriorityFromRank(rank int) Priority {
	switch rank {
	case 0:
		return PriorityLow
	case 2:
		return PriorityHigh
	case 3:
		return PriorityUrgent
	default:
		return PriorityMedium
	}
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool { return p.Rank() >= 0 }

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Priority) UnmarshalText(text []byte) error {
	v := Priority(strings.ToLower(strings.TrimSpace(string(text))))
	if !v.Valid() {
		return fmt.Errorf("invalid Priority: %q", string(text))
	}
	*p = v
	return nil
}

// Channel is a transport a delivery can be sent over.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelSMS      Channel = "sms"
	ChannelWhatsApp Channel = "whatsapp"
)

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	return c == ChannelEmail || c == ChannelSMS || c == ChannelWhatsApp
}

// DeliveryStatus is the lifecycle state of a queued delivery.
type DeliveryStatus string

const (
	DeliveryQueued     DeliveryStatus = "queued"
	DeliveryProcessing DeliveryStatus = "processing"
	DeliverySent       DeliveryStatus = "sent"
	DeliveryFailed     DeliveryStatus = "failed"
	DeliveryCancelled  DeliveryStatus = "cancelled"
)

// Terminal reports whether the status is absorbing.
func (s DeliveryStatus) Terminal() bool {
	return s == DeliverySent || s == DeliveryFailed || s == DeliveryCancelled
}

// ExperimentBinding ties a delivery to one variant of an experiment.
type ExperimentBinding struct {
	ExperimentID string `json:"experiment_id"`
	Variant      string `json:"variant"`
}

// Delivery is one notification waiting for, or past, its send attempt.
type Delivery struct {
	ID               string          `json:"id"`
	IdempotencyKey   string          `json:"idempotency_key"`
	RecipientID      string          `json:"recipient_id"`
	Recipient        string          `json:"recipient"`
	NotificationType string          `json:"notification_type"`
	Priority         Priority        `json:"priority"`
	Channels         []Channel       `json:"channels"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	ScheduledFor     time.Time       `json:"scheduled_for"`
	UseOptimalTime   bool            `json:"use_optimal_time"`
	// OptimalTimeApplied records that ScheduledFor was moved to the recipient's best hour.
	OptimalTimeApplied bool               `json:"optimal_time_applied"`
	Status             DeliveryStatus     `json:"status"`
	AttemptCount       int                `json:"attempt_count"`
	MaxAttempts        int                `json:"max_attempts"`
	LastAttemptAt      *time.Time         `json:"last_attempt_at,omitempty"`
	LastError          *string            `json:"last_error,omitempty"`
	Experiment         *ExperimentBinding `json:"experiment,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// EnqueueDeliveryRequest is the producer-facing input for the delivery queue.
type EnqueueDeliveryRequest struct {
	// IdempotencyKey deduplicates producer retries. Generated when empty.
	IdempotencyKey   string          `json:"idempotency_key,omitempty"`
	RecipientID      string          `json:"recipient_id"`
	Recipient        string          `json:"recipient"`
	NotificationType string          `json:"notification_type"`
	Priority         Priority        `json:"priority,omitempty"`
	Channels         []Channel       `json:"channels"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	// ScheduledFor defaults to now.
	ScheduledFor   *time.Time `json:"scheduled_for,omitempty"`
	UseOptimalTime bool       `json:"use_optimal_time,omitempty"`
	// MaxAttempts falls back to the queue default when zero.
	MaxAttempts int                `json:"max_attempts,omitempty"`
	Experiment  *ExperimentBinding `json:"experiment,omitempty"`
}

// Validate validates the request fields.
func (r *EnqueueDeliveryRequest) Validate() error {
	if strings.TrimSpace(r.RecipientID) == "" {
		return errors.New("recipient id is required")
	}
	if strings.TrimSpace(r.Recipient) == "" {
		return errors.New("recipient is required")
	}
	if strings.TrimSpace(r.NotificationType) == "" {
		return errors.New("notification type is required")
	}
	if r.Priority != "" && !r.Priority.Valid() {
		return fmt.Errorf("invalid priority %q", r.Priority)
	}
	if len(r.Channels) == 0 {
		return errors.New("at least one channel is required")
	}
	for _, c := range r.Channels {
		if !c.Valid() {
			return fmt.Errorf("invalid channel %q", c)
		}
	}
	if r.MaxAttempts < 0 {
		return errors.New("max attempts must be >= 0")
	}
	if len(r.Payload) > 0 && !json.Valid(r.Payload) {
		return errors.New("payload must be valid JSON")
	}
	if r.Experiment != nil {
		if strings.TrimSpace(r.Experiment.ExperimentID) == "" || strings.TrimSpace(r.Experiment.Variant) == "" {
			return errors.New("experiment binding requires experiment id and variant")
		}
	}
	return nil
}

// DeliveryOutcome is the result of one send attempt reported to the queue.
type DeliveryOutcome struct {
	// Status is DeliverySent or DeliveryFailed.
	Status DeliveryStatus
	// Permanent marks a failure that must not be retried (bounce, validation).
	Permanent bool
	Error     string
	// Attempt is the attempt number the reporter claimed. When set, the outcome only
	// applies while the delivery is still on that attempt. Zero applies to the current one.
	Attempt int
}

// ForAttempt fences the outcome to one claimed attempt.
func (o DeliveryOutcome) ForAttempt(attempt int) DeliveryOutcome {
	o.Attempt = attempt
	return o
}

// OutcomeSent reports a successful attempt.
func OutcomeSent() DeliveryOutcome { return DeliveryOutcome{Status: DeliverySent} }

// OutcomeRetryable reports a transient failure.
func OutcomeRetryable(msg string) DeliveryOutcome {
	return DeliveryOutcome{Status: DeliveryFailed, Error: msg}
}

// OutcomePermanent reports a failure that ends the delivery immediately.
func OutcomePermanent(msg string) DeliveryOutcome {
	return DeliveryOutcome{Status: DeliveryFailed, Permanent: true, Error: msg}
}

// CompleteAttemptParams moves a processing delivery to its next status.
// Stores apply it only while the delivery is still processing.
type CompleteAttemptParams struct {
	ID string
	// Status is DeliveryQueued (retry), DeliverySent or DeliveryFailed.
	Status       DeliveryStatus
	ScheduledFor *time.Time
	LastError    *string
	At           time.Time
	// Attempt, when positive, also requires AttemptCount to equal it.
	Attempt int
	// Counter is applied in the same write as a terminal transition.
	Counter *IncrementParams
}

// DeliveryListOptions filters List results.
type DeliveryListOptions struct {
	Status      *DeliveryStatus
	RecipientID string
	Limit       int
	Offset      int
}
