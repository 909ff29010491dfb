package memory

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/target/mmk-dispatch/internal/domain/model"
)

// ExperimentRepo implements core.ExperimentRepository.
type ExperimentRepo struct{ s *Store }

// Increment adds the delta to a variant's counters, creating the variant if needed.
func (r *ExperimentRepo) Increment(_ context.Context, p model.IncrementParams) error {
	if err := p.Validate(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.incrementLocked(p)
	return nil
}

// incrementLocked applies a validated delta. The caller holds s.mu.
func (s *Store) incrementLocked(p model.IncrementParams) {
	if p.Delta.IsZero() {
		return
	}
	key := variantKey{p.ExperimentID, p.Variant}
	agg, ok := s.variants[key]
	if !ok {
		agg = &model.VariantAggregate{ExperimentID: p.ExperimentID, Variant: p.Variant}
		s.variants[key] = agg
	}
	agg.Counts = agg.Counts.Add(p.Delta)
	agg.UpdatedAt = p.At.UTC()
	if p.At.IsZero() {
		agg.UpdatedAt = s.now()
	}
}

// GetVariant returns the variant's counters, or a zero aggregate when nothing was recorded.
func (r *ExperimentRepo) GetVariant(_ context.Context, experimentID, variant string) (*model.VariantAggregate, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if agg, ok := r.s.variants[variantKey{experimentID, variant}]; ok {
		c := *agg
		return &c, nil
	}
	return &model.VariantAggregate{ExperimentID: experimentID, Variant: variant}, nil
}

// ListVariants returns every variant recorded for the experiment ordered by label.
func (r *ExperimentRepo) ListVariants(_ context.Context, experimentID string) ([]*model.VariantAggregate, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.VariantAggregate
	for key, agg := range r.s.variants {
		if key.experimentID == experimentID {
			c := *agg
			out = append(out, &c)
		}
	}
	slices.SortFunc(out, func(a, b *model.VariantAggregate) int { return cmp.Compare(a.Variant, b.Variant) })
	return out, nil
}

// EngagementRepo implements core.EngagementRepository.
type EngagementRepo struct{ s *Store }

// Record stores e once per delivery and event. A non-nil counter is applied with the
// first recording only.
func (r *EngagementRepo) Record(
	_ context.Context,
	e model.Engagement,
	counter *model.IncrementParams,
) (bool, error) {
	if !e.Event.Valid() {
		return false, fmt.Errorf("invalid engagement event %q", e.Event)
	}
	if counter != nil {
		if err := counter.Validate(); err != nil {
			return false, err
		}
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.deliveries[e.DeliveryID]; !ok {
		return false, model.ErrDeliveryNotFound
	}
	key := engagementKey{e.DeliveryID, e.Event}
	if _, dup := r.s.engagements[key]; dup {
		return false, nil
	}
	e.OccurredAt = e.OccurredAt.UTC()
	r.s.engagements[key] = e
	if counter != nil {
		r.s.incrementLocked(*counter)
	}
	return true, nil
}

// BestHour returns the UTC hour with the most opens for the recipient and type,
// ties broken by the earlier hour, or nil without history.
func (r *EngagementRepo) BestHour(_ context.Context, recipientID, notificationType string) (*int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var hist [24]int
	seen := false
	for _, e := range r.s.engagements {
		if e.Event != model.EngagementOpened || e.RecipientID != recipientID || e.NotificationType != notificationType {
			continue
		}
		hist[e.OccurredAt.UTC().Hour()]++
		seen = true
	}
	if !seen {
		return nil, nil
	}
	best := 0
	for h := 1; h < len(hist); h++ {
		if hist[h] > hist[best] {
			best = h
		}
	}
	return &best, nil
}

// ArtifactRepo implements core.ArtifactRepository.
type ArtifactRepo struct{ s *Store }

// Store keeps a copy of the artifact and returns its reference.
func (r *ArtifactRepo) Store(_ context.Context, a model.Artifact) (string, error) {
	if a.JobID == "" || a.RunID == "" {
		return "", errors.New("artifact requires job and run ids")
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a.Content = slices.Clone(a.Content)
	if a.CreatedAt.IsZero() {
		a.CreatedAt = r.s.now()
	}
	id := uuid.NewString()
	r.s.artifacts[id] = a
	return "artifact:" + id, nil
}

// Get returns a stored artifact by reference.
func (r *ArtifactRepo) Get(ref string) (model.Artifact, bool) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.artifacts[strings.TrimPrefix(ref, "artifact:")]
	if ok {
		a.Content = slices.Clone(a.Content)
	}
	return a, ok
}
