package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// OutcomeCounts are the monotonic counters tracked per experiment variant.
type OutcomeCounts struct {
	Sent      int64 `json:"sent"`
	Delivered int64 `json:"delivered"`
	Opened    int64 `json:"opened"`
	Clicked   int64 `json:"clicked"`
	Responded int64 `json:"responded"`
	Converted int64 `json:"converted"`
	Bounced   int64 `json:"bounced"`
}

// Validate rejects negative deltas.
func (c OutcomeCounts) Validate() error {
	for _, v := range []int64{c.Sent, c.Delivered, c.Opened, c.Clicked, c.Responded, c.Converted, c.Bounced} {
		if v < 0 {
			return errors.New("outcome counts must be non-negative")
		}
	}
	return nil
}

// IsZero reports whether no counter is set.
func (c OutcomeCounts) IsZero() bool {
	return c == OutcomeCounts{}
}

// Add returns the element-wise sum.
func (c OutcomeCounts) Add(o OutcomeCounts) OutcomeCounts {
	return OutcomeCounts{
		Sent:      c.Sent + o.Sent,
		Delivered: c.Delivered + o.Delivered,
		Opened:    c.Opened + o.Opened,
		Clicked:   c.Clicked + o.Clicked,
		Responded: c.Responded + o.Responded,
		Converted: c.Converted + o.Converted,
		Bounced:   c.Bounced + o.Bounced,
	}
}

// VariantAggregate accumulates outcomes for one experiment variant.
type VariantAggregate struct {
	ExperimentID string        `json:"experiment_id"`
	Variant      string        `json:"variant"`
	Counts       OutcomeCounts `json:"counts"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Metric names a rate derived from OutcomeCounts.
type Metric string

const (
	MetricDeliveryRate   Metric = "delivery_rate"
	MetricOpenRate       Metric = "open_rate"
	MetricClickRate      Metric = "click_rate"
	MetricResponseRate   Metric = "response_rate"
	MetricConversionRate Metric = "conversion_rate"
	MetricBounceRate     Metric = "bounce_rate"
)

// Ratio returns the numerator and denominator of metric m. Every rate is relative to Sent.
func (c OutcomeCounts) Ratio(m Metric) (int64, int64, error) {
	switch m {
	case MetricDeliveryRate:
		return c.Delivered, c.Sent, nil
	case MetricOpenRate:
		return c.Opened, c.Sent, nil
	case MetricClickRate:
		return c.Clicked, c.Sent, nil
	case MetricResponseRate:
		return c.Responded, c.Sent, nil
	case MetricConversionRate:
		return c.Converted, c.Sent, nil
	case MetricBounceRate:
		return c.Bounced, c.Sent, nil
	default:
		return 0, 0, fmt.Errorf("unknown metric %q", m)
	}
}

// Rate returns metric m as a fraction, or 0 when nothing was sent.
func (c OutcomeCounts) Rate(m Metric) float64 {
	num, den, err := c.Ratio(m)
	if err != nil || den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// IncrementParams adds Delta to one variant's counters, creating the row if needed.
type IncrementParams struct {
	ExperimentID string
	Variant      string
	Delta        OutcomeCounts
	At           time.Time
}

// Validate checks the target variant and that the delta never decrements.
func (p IncrementParams) Validate() error {
	if strings.TrimSpace(p.ExperimentID) == "" || strings.TrimSpace(p.Variant) == "" {
		return errors.New("experiment id and variant are required")
	}
	return p.Delta.Validate()
}

// DeliveryOutcomeCounts is the counter delta of a terminal delivery. Every terminal
// outcome counts as sent; a successful send also counts as delivered and a failure as bounced.
func DeliveryOutcomeCounts(status DeliveryStatus) (OutcomeCounts, bool) {
	switch status {
	case DeliverySent:
		return OutcomeCounts{Sent: 1, Delivered: 1}, true
	case DeliveryFailed:
		return OutcomeCounts{Sent: 1, Bounced: 1}, true
	default:
		return OutcomeCounts{}, false
	}
}

// EngagementEvent is a recipient interaction reported after delivery.
type EngagementEvent string

const (
	EngagementOpened    EngagementEvent = "opened"
	EngagementClicked   EngagementEvent = "clicked"
	EngagementResponded EngagementEvent = "responded"
	EngagementConverted EngagementEvent = "converted"
)

// Valid reports whether e is a known event.
func (e EngagementEvent) Valid() bool {
	switch e {
	case EngagementOpened, EngagementClicked, EngagementResponded, EngagementConverted:
		return true
	default:
		return false
	}
}

// Counts returns the single-counter delta for e.
func (e EngagementEvent) Counts() OutcomeCounts {
	switch e {
	case EngagementOpened:
		return OutcomeCounts{Opened: 1}
	case EngagementClicked:
		return OutcomeCounts{Clicked: 1}
	case EngagementResponded:
		return OutcomeCounts{Responded: 1}
	case EngagementConverted:
		return OutcomeCounts{Converted: 1}
	default:
		return OutcomeCounts{}
	}
}

// Engagement is one recorded interaction with a delivery.
type Engagement struct {
	DeliveryID       string          `json:"delivery_id"`
	RecipientID      string          `json:"recipient_id"`
	NotificationType string          `json:"notification_type"`
	Event            EngagementEvent `json:"event"`
	OccurredAt       time.Time       `json:"occurred_at"`
}
