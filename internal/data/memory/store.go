// Package memory provides in-process implementations of the repository ports.
// They back the "memory" store driver for local runs and service tests.
// Every repository shares one Store and its mutex, so cross-entity checks
// (an engagement referencing a delivery, a run referencing a job) are consistent.
package memory

import (
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/target/mmk-dispatch/internal/domain/model"
)

// Clock supplies the current time. data.TimeProvider satisfies it.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

type variantKey struct {
	experimentID string
	variant      string
}

type engagementKey struct {
	deliveryID string
	event      model.EngagementEvent
}

// Store holds all entities. Use the accessor methods to obtain repositories.
type Store struct {
	mu    sync.Mutex
	clock Clock

	jobs        map[string]*model.RecurringJob
	runs        map[string]*model.JobRun
	deliveries  map[string]*model.Delivery
	byKey       map[string]string
	variants    map[variantKey]*model.VariantAggregate
	engagements map[engagementKey]model.Engagement
	artifacts   map[string]model.Artifact
}

// NewStore creates an empty store. A nil clock uses the system clock.
func NewStore(clock Clock) *Store {
	if clock == nil {
		clock = systemClock{}
	}
	return &Store{
		clock:       clock,
		jobs:        make(map[string]*model.RecurringJob),
		runs:        make(map[string]*model.JobRun),
		deliveries:  make(map[string]*model.Delivery),
		byKey:       make(map[string]string),
		variants:    make(map[variantKey]*model.VariantAggregate),
		engagements: make(map[engagementKey]model.Engagement),
		artifacts:   make(map[string]model.Artifact),
	}
}

// RecurringJobs returns the core.RecurringJobRepository view of the store.
func (s *Store) RecurringJobs() *RecurringJobRepo { return &RecurringJobRepo{s: s} }

// JobRuns returns the core.JobRunRepository view of the store.
func (s *Store) JobRuns() *JobRunRepo { return &JobRunRepo{s: s} }

// Deliveries returns the core.DeliveryRepository view of the store.
func (s *Store) Deliveries() *DeliveryRepo { return &DeliveryRepo{s: s} }

// Experiments returns the core.ExperimentRepository view of the store.
func (s *Store) Experiments() *ExperimentRepo { return &ExperimentRepo{s: s} }

// Engagements returns the core.EngagementRepository view of the store.
func (s *Store) Engagements() *EngagementRepo { return &EngagementRepo{s: s} }

// Artifacts returns the core.ArtifactRepository view of the store.
func (s *Store) Artifacts() *ArtifactRepo { return &ArtifactRepo{s: s} }

func (s *Store) now() time.Time { return s.clock.Now().UTC() }

func page[T any](items []T, limit, offset int) []T {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	end := min(offset+limit, len(items))
	return items[offset:end]
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

func cloneJob(j *model.RecurringJob) *model.RecurringJob {
	c := *j
	c.LastRunAt = cloneTime(j.LastRunAt)
	c.Recipients = slices.Clone(j.Recipients)
	c.Render.Filters = slices.Clone(j.Render.Filters)
	c.Render.Columns = slices.Clone(j.Render.Columns)
	return &c
}

func cloneRun(r *model.JobRun) *model.JobRun {
	c := *r
	c.CompletedAt = cloneTime(r.CompletedAt)
	c.ArtifactRef = cloneString(r.ArtifactRef)
	c.ErrorMessage = cloneString(r.ErrorMessage)
	c.ErrorDetail = cloneString(r.ErrorDetail)
	c.Recipients = slices.Clone(r.Recipients)
	c.Occurrence = cloneTime(r.Occurrence)
	return &c
}

func cloneDelivery(d *model.Delivery) *model.Delivery {
	c := *d
	c.Channels = slices.Clone(d.Channels)
	c.Payload = json.RawMessage(slices.Clone([]byte(d.Payload)))
	if d.Payload == nil {
		c.Payload = nil
	}
	c.LastAttemptAt = cloneTime(d.LastAttemptAt)
	c.LastError = cloneString(d.LastError)
	if d.Experiment != nil {
		e := *d.Experiment
		c.Experiment = &e
	}
	return &c
}
