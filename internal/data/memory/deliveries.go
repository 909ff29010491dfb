package memory

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/target/mmk-dispatch/internal/domain/model"
)

// DeliveryRepo implements core.DeliveryRepository.
type DeliveryRepo struct{ s *Store }

// Create stores d unless its idempotency key is already known, in which case the stored
// delivery is returned with created=false.
func (r *DeliveryRepo) Create(_ context.Context, d *model.Delivery) (*model.Delivery, bool, error) {
	if d == nil {
		return nil, false, errors.New("delivery is required")
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	c := cloneDelivery(d)
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.IdempotencyKey == "" {
		c.IdempotencyKey = c.ID
	}
	if id, ok := r.s.byKey[c.IdempotencyKey]; ok {
		return cloneDelivery(r.s.deliveries[id]), false, nil
	}
	if c.Status == "" {
		c.Status = model.DeliveryQueued
	}
	now := r.s.now()
	c.ScheduledFor = c.ScheduledFor.UTC()
	c.AttemptCount = 0
	c.CreatedAt, c.UpdatedAt = now, now
	r.s.deliveries[c.ID] = c
	r.s.byKey[c.IdempotencyKey] = c.ID
	return cloneDelivery(c), true, nil
}

// GetByID retrieves a delivery by its ID.
func (r *DeliveryRepo) GetByID(_ context.Context, id string) (*model.Delivery, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.deliveries[id]
	if !ok {
		return nil, model.ErrDeliveryNotFound
	}
	return cloneDelivery(d), nil
}

// List returns deliveries newest first.
func (r *DeliveryRepo) List(_ context.Context, opts model.DeliveryListOptions) ([]*model.Delivery, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []*model.Delivery
	for _, d := range r.s.deliveries {
		if opts.Status != nil && d.Status != *opts.Status {
			continue
		}
		if opts.RecipientID != "" && d.RecipientID != opts.RecipientID {
			continue
		}
		out = append(out, cloneDelivery(d))
	}
	slices.SortFunc(out, func(a, b *model.Delivery) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return page(out, opts.Limit, opts.Offset), nil
}

// FindDue returns queued deliveries with ScheduledFor <= now, highest priority first.
func (r *DeliveryRepo) FindDue(_ context.Context, now time.Time, limit int) ([]*model.Delivery, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var due []*model.Delivery
	for _, d := range r.s.deliveries {
		if d.Status == model.DeliveryQueued && !d.ScheduledFor.After(now) {
			due = append(due, cloneDelivery(d))
		}
	}
	slices.SortFunc(due, compareDue)
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func compareDue(a, b *model.Delivery) int {
	if c := cmp.Compare(b.Priority.Rank(), a.Priority.Rank()); c != 0 {
		return c
	}
	if c := a.ScheduledFor.Compare(b.ScheduledFor); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// MarkProcessing moves a queued delivery to processing and returns the attempt it now holds.
// Exactly one concurrent caller wins.
func (r *DeliveryRepo) MarkProcessing(_ context.Context, id string, now time.Time) (int, bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	d, ok := r.s.deliveries[id]
	if !ok || d.Status != model.DeliveryQueued {
		return 0, false, nil
	}
	at := now.UTC()
	d.Status = model.DeliveryProcessing
	d.AttemptCount++
	d.LastAttemptAt = &at
	d.UpdatedAt = at
	return d.AttemptCount, true, nil
}

// CompleteAttempt applies p while the delivery is processing on p.Attempt. A terminal
// transition and p.Counter happen under the same lock.
func (r *DeliveryRepo) CompleteAttempt(_ context.Context, p model.CompleteAttemptParams) (bool, error) {
	switch p.Status {
	case model.DeliveryQueued, model.DeliverySent, model.DeliveryFailed:
	default:
		return false, fmt.Errorf("invalid attempt completion status %q", p.Status)
	}
	if p.Counter != nil {
		if err := p.Counter.Validate(); err != nil {
			return false, err
		}
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	d, ok := r.s.deliveries[p.ID]
	if !ok || d.Status != model.DeliveryProcessing {
		return false, nil
	}
	if p.Attempt > 0 && d.AttemptCount != p.Attempt {
		return false, nil
	}
	if p.Counter != nil && p.Status.Terminal() {
		r.s.incrementLocked(*p.Counter)
	}
	d.Status = p.Status
	if p.ScheduledFor != nil {
		d.ScheduledFor = p.ScheduledFor.UTC()
	}
	if p.LastError != nil {
		d.LastError = cloneString(p.LastError)
	}
	d.UpdatedAt = p.At.UTC()
	if p.At.IsZero() {
		d.UpdatedAt = r.s.now()
	}
	return true, nil
}

// Cancel moves a queued delivery to cancelled.
func (r *DeliveryRepo) Cancel(_ context.Context, id string, now time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	d, ok := r.s.deliveries[id]
	if !ok || d.Status != model.DeliveryQueued {
		return false, nil
	}
	d.Status = model.DeliveryCancelled
	d.UpdatedAt = now.UTC()
	return true, nil
}

// FindStaleProcessing returns deliveries whose current attempt started before cutoff.
func (r *DeliveryRepo) FindStaleProcessing(
	_ context.Context,
	cutoff time.Time,
	limit int,
) ([]*model.Delivery, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []*model.Delivery
	for _, d := range r.s.deliveries {
		if d.Status == model.DeliveryProcessing && d.LastAttemptAt != nil && d.LastAttemptAt.Before(cutoff) {
			out = append(out, cloneDelivery(d))
		}
	}
	slices.SortFunc(out, func(a, b *model.Delivery) int { return a.LastAttemptAt.Compare(*b.LastAttemptAt) })
	return page(out, limit, 0), nil
}
