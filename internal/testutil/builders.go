// Package testutil provides testing utilities and helpers for the dispatch engine.
package testutil

import (
	"encoding/json"
	"time"

	"github.com/target/mmk-dispatch/internal/domain/model"
	"github.com/target/mmk-dispatch/internal/domain/schedule"
)

// RecurringJobRequestBuilder provides a fluent interface for building CreateRecurringJobRequest objects for testing.
type RecurringJobRequestBuilder struct {
	req *model.CreateRecurringJobRequest
}

// NewRecurringJobRequest creates a builder for a daily 09:00 UTC CSV export with one email recipient.
func NewRecurringJobRequest() *RecurringJobRequestBuilder {
	return &RecurringJobRequestBuilder{
		req: &model.CreateRecurringJobRequest{
			Name:         "daily-orders",
			Kind:         model.JobKindExport,
			TemplateKind: "orders",
			Schedule: schedule.Spec{
				Cadence: schedule.CadenceDaily,
				Params:  schedule.Params{TimeOfDay: schedule.TimeOfDay{Hour: 9}},
			},
			Recipients: []model.Recipient{{Address: "ops@example.com", Channel: model.ChannelEmail}},
			Render:     model.RenderParams{Format: model.RenderFormatCSV},
		},
	}
}

// WithName sets the job name.
func (b *RecurringJobRequestBuilder) WithName(name string) *RecurringJobRequestBuilder {
	b.req.Name = name
	return b
}

// WithKind sets the job kind.
func (b *RecurringJobRequestBuilder) WithKind(kind model.JobKind) *RecurringJobRequestBuilder {
	b.req.Kind = kind
	return b
}

// WithSchedule sets the schedule.
func (b *RecurringJobRequestBuilder) WithSchedule(spec schedule.Spec) *RecurringJobRequestBuilder {
	b.req.Schedule = spec
	return b
}

// Weekly sets a weekly schedule in the given timezone.
func (b *RecurringJobRequestBuilder) Weekly(day time.Weekday, hour, minute int, tz string) *RecurringJobRequestBuilder {
	b.req.Schedule = schedule.Spec{
		Cadence:  schedule.CadenceWeekly,
		Params:   schedule.Params{DayOfWeek: day, TimeOfDay: schedule.TimeOfDay{Hour: hour, Minute: minute}},
		Timezone: tz,
	}
	return b
}

// WithRecipients replaces the recipients.
func (b *RecurringJobRequestBuilder) WithRecipients(recipients ...model.Recipient) *RecurringJobRequestBuilder {
	b.req.Recipients = recipients
	return b
}

// WithRender sets the render parameters.
func (b *RecurringJobRequestBuilder) WithRender(p model.RenderParams) *RecurringJobRequestBuilder {
	b.req.Render = p
	return b
}

// Inactive registers the job as inactive.
func (b *RecurringJobRequestBuilder) Inactive() *RecurringJobRequestBuilder {
	b.req.IsActive = BoolPtr(false)
	return b
}

// Build returns the built request.
func (b *RecurringJobRequestBuilder) Build() *model.CreateRecurringJobRequest {
	return b.req
}

// DeliveryRequestBuilder provides a fluent interface for building EnqueueDeliveryRequest objects for testing.
type DeliveryRequestBuilder struct {
	req *model.EnqueueDeliveryRequest
}

// NewDeliveryRequest creates a builder for a medium priority email delivery.
func NewDeliveryRequest() *DeliveryRequestBuilder {
	return &DeliveryRequestBuilder{
		req: &model.EnqueueDeliveryRequest{
			RecipientID:      "user-1",
			Recipient:        "user1@example.com",
			NotificationType: "digest",
			Priority:         model.PriorityMedium,
			Channels:         []model.Channel{model.ChannelEmail},
			Payload:          json.RawMessage(`{"subject":"hello"}`),
		},
	}
}

// WithIdempotencyKey sets the idempotency key.
func (b *DeliveryRequestBuilder) WithIdempotencyKey(key string) *DeliveryRequestBuilder {
	b.req.IdempotencyKey = key
	return b
}

// WithRecipient sets the recipient id and address.
func (b *DeliveryRequestBuilder) WithRecipient(id, address string) *DeliveryRequestBuilder {
	b.req.RecipientID = id
	b.req.Recipient = address
	return b
}

// WithNotificationType sets the notification type.
func (b *DeliveryRequestBuilder) WithNotificationType(typ string) *DeliveryRequestBuilder {
	b.req.NotificationType = typ
	return b
}

// WithPriority sets the priority.
func (b *DeliveryRequestBuilder) WithPriority(p model.Priority) *DeliveryRequestBuilder {
	b.req.Priority = p
	return b
}

// WithChannels sets the ordered channel fallback list.
func (b *DeliveryRequestBuilder) WithChannels(channels ...model.Channel) *DeliveryRequestBuilder {
	b.req.Channels = channels
	return b
}

// ScheduledFor sets the requested send time.
func (b *DeliveryRequestBuilder) ScheduledFor(t time.Time) *DeliveryRequestBuilder {
	b.req.ScheduledFor = TimePtr(t)
	return b
}

// WithOptimalTime requests the best-hour adjustment.
func (b *DeliveryRequestBuilder) WithOptimalTime() *DeliveryRequestBuilder {
	b.req.UseOptimalTime = true
	return b
}

// WithMaxAttempts sets the attempt budget.
func (b *DeliveryRequestBuilder) WithMaxAttempts(n int) *DeliveryRequestBuilder {
	b.req.MaxAttempts = n
	return b
}

// InExperiment binds the delivery to an experiment variant.
func (b *DeliveryRequestBuilder) InExperiment(experimentID, variant string) *DeliveryRequestBuilder {
	b.req.Experiment = &model.ExperimentBinding{ExperimentID: experimentID, Variant: variant}
	return b
}

// Build returns the built request.
func (b *DeliveryRequestBuilder) Build() *model.EnqueueDeliveryRequest {
	return b.req
}
