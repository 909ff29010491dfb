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

// RecurringJobRepo implements core.RecurringJobRepository.
type RecurringJobRepo struct{ s *Store }

// Create stores a copy of job. ID and timestamps are assigned when empty.
func (r *RecurringJobRepo) Create(_ context.Context, job *model.RecurringJob) (*model.RecurringJob, error) {
	if job == nil {
		return nil, errors.New("recurring job is required")
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	c := cloneJob(job)
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if _, exists := r.s.jobs[c.ID]; exists {
		return nil, fmt.Errorf("recurring job %s already exists", c.ID)
	}
	if c.LastRunStatus == "" {
		c.LastRunStatus = model.RunOutcomeNever
	}
	now := r.s.now()
	c.NextRunAt = c.NextRunAt.UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	r.s.jobs[c.ID] = c
	return cloneJob(c), nil
}

// GetByID retrieves a job by its ID.
func (r *RecurringJobRepo) GetByID(_ context.Context, id string) (*model.RecurringJob, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	j, ok := r.s.jobs[id]
	if !ok {
		return nil, model.ErrRecurringJobNotFound
	}
	return cloneJob(j), nil
}

// List returns jobs newest first.
func (r *RecurringJobRepo) List(
	_ context.Context,
	opts model.RecurringJobListOptions,
) ([]*model.RecurringJob, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	out := make([]*model.RecurringJob, 0, len(r.s.jobs))
	for _, j := range r.s.jobs {
		if opts.ActiveOnly && !j.IsActive {
			continue
		}
		out = append(out, cloneJob(j))
	}
	slices.SortFunc(out, func(a, b *model.RecurringJob) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return page(out, opts.Limit, opts.Offset), nil
}

// FindDue returns active jobs with NextRunAt <= now ordered by NextRunAt, then ID.
func (r *RecurringJobRepo) FindDue(_ context.Context, now time.Time, limit int) ([]*model.RecurringJob, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var due []*model.RecurringJob
	for _, j := range r.s.jobs {
		if j.IsActive && !j.NextRunAt.After(now) {
			due = append(due, cloneJob(j))
		}
	}
	slices.SortFunc(due, func(a, b *model.RecurringJob) int {
		if c := a.NextRunAt.Compare(b.NextRunAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// RecordOutcome applies one execution's bookkeeping. NextRunAt only moves forward.
// With p.RunID set the run is marked recorded under the same lock.
func (r *RecurringJobRepo) RecordOutcome(
	_ context.Context,
	p model.RecordOutcomeParams,
) (*model.RecurringJob, error) {
	if p.Outcome != model.RunOutcomeSuccess && p.Outcome != model.RunOutcomeFailed {
		return nil, fmt.Errorf("invalid run outcome %q", p.Outcome)
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	j, ok := r.s.jobs[p.JobID]
	if !ok {
		return nil, model.ErrRecurringJobNotFound
	}
	if p.RunID != "" {
		run, ok := r.s.runs[p.RunID]
		if !ok || run.JobID != p.JobID {
			return nil, model.ErrJobRunNotFound
		}
		if run.OutcomeRecorded {
			return cloneJob(j), model.ErrOutcomeAlreadyRecorded
		}
		run.OutcomeRecorded = true
	}
	j.RunCount++
	if p.Outcome == model.RunOutcomeSuccess {
		j.SuccessCount++
	} else {
		j.FailureCount++
	}
	at := p.At.UTC()
	j.LastRunAt = &at
	j.LastRunStatus = p.Outcome
	if next := p.NextRunAt.UTC(); next.After(j.NextRunAt) {
		j.NextRunAt = next
	}
	if p.Deactivate {
		j.IsActive = false
	}
	j.UpdatedAt = r.s.now()
	return cloneJob(j), nil
}

// UpdateSchedule replaces the schedule and activity flag and sets NextRunAt unconditionally.
func (r *RecurringJobRepo) UpdateSchedule(
	_ context.Context,
	p model.UpdateScheduleParams,
) (*model.RecurringJob, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	j, ok := r.s.jobs[p.JobID]
	if !ok {
		return nil, model.ErrRecurringJobNotFound
	}
	j.Schedule = p.Schedule
	j.IsActive = p.IsActive
	j.NextRunAt = p.NextRunAt.UTC()
	j.UpdatedAt = p.At.UTC()
	if p.At.IsZero() {
		j.UpdatedAt = r.s.now()
	}
	return cloneJob(j), nil
}

// JobRunRepo implements core.JobRunRepository.
type JobRunRepo struct{ s *Store }

// Claim creates a processing run unless the job already has one. A scheduled claim
// also requires the occurrence to still be due and unclaimed.
func (r *JobRunRepo) Claim(_ context.Context, p model.ClaimRunParams) (*model.JobRun, bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	job, ok := r.s.jobs[p.JobID]
	if !ok {
		return nil, false, model.ErrRecurringJobNotFound
	}
	started := p.Now
	if started.IsZero() {
		started = r.s.now()
	}
	if p.Occurrence != nil {
		occ := p.Occurrence.UTC()
		if !job.IsActive || !job.NextRunAt.Equal(occ) || job.NextRunAt.After(started) {
			return nil, false, nil
		}
		for _, run := range r.s.runs {
			if run.JobID == p.JobID && run.Occurrence != nil && run.Occurrence.Equal(occ) {
				return nil, false, nil
			}
		}
	}
	for _, run := range r.s.runs {
		if run.JobID == p.JobID && run.Status == model.RunStatusProcessing {
			return nil, false, nil
		}
	}

	trigger := p.TriggeredBy
	if trigger == "" {
		trigger = model.TriggerSchedule
	}
	run := &model.JobRun{
		ID:          uuid.NewString(),
		JobID:       p.JobID,
		Status:      model.RunStatusPending,
		TriggeredBy: trigger,
		StartedAt:   started.UTC(),
	}
	if p.Occurrence != nil {
		occ := p.Occurrence.UTC()
		run.Occurrence = &occ
	}
	if !run.Status.CanTransitionTo(model.RunStatusProcessing) {
		return nil, false, model.ErrInvalidRunTransition
	}
	run.Status = model.RunStatusProcessing
	r.s.runs[run.ID] = run
	return cloneRun(run), true, nil
}

// Finish moves a processing run to completed or failed.
func (r *JobRunRepo) Finish(_ context.Context, p model.FinishRunParams) (*model.JobRun, error) {
	if !model.RunStatusProcessing.CanTransitionTo(p.Status) {
		return nil, fmt.Errorf("%w: processing -> %s", model.ErrInvalidRunTransition, p.Status)
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	run, ok := r.s.runs[p.RunID]
	if !ok {
		return nil, model.ErrJobRunNotFound
	}
	if !run.Status.CanTransitionTo(p.Status) {
		return nil, fmt.Errorf("%w: %s -> %s", model.ErrInvalidRunTransition, run.Status, p.Status)
	}
	completed := p.CompletedAt
	if completed.IsZero() {
		completed = r.s.now()
	}
	completed = completed.UTC()
	run.Status = p.Status
	run.CompletedAt = &completed
	run.Duration = max(0, completed.Sub(run.StartedAt).Truncate(time.Millisecond))
	run.ArtifactRef = cloneString(p.ArtifactRef)
	run.ErrorMessage = cloneString(p.ErrorMessage)
	run.ErrorDetail = cloneString(p.ErrorDetail)
	run.Recipients = slices.Clone(p.Recipients)
	return cloneRun(run), nil
}

// GetByID retrieves a run by its ID.
func (r *JobRunRepo) GetByID(_ context.Context, id string) (*model.JobRun, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	run, ok := r.s.runs[id]
	if !ok {
		return nil, model.ErrJobRunNotFound
	}
	return cloneRun(run), nil
}

// ListByJob returns the most recent runs of a job, newest first.
func (r *JobRunRepo) ListByJob(_ context.Context, jobID string, limit int) ([]*model.JobRun, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.jobs[jobID]; !ok {
		return nil, model.ErrRecurringJobNotFound
	}
	var out []*model.JobRun
	for _, run := range r.s.runs {
		if run.JobID == jobID {
			out = append(out, cloneRun(run))
		}
	}
	slices.SortFunc(out, func(a, b *model.JobRun) int {
		if c := b.StartedAt.Compare(a.StartedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return page(out, limit, 0), nil
}

// FindStaleProcessing returns processing runs started before cutoff, oldest first.
func (r *JobRunRepo) FindStaleProcessing(_ context.Context, cutoff time.Time, limit int) ([]*model.JobRun, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.JobRun
	for _, run := range r.s.runs {
		if run.Status == model.RunStatusProcessing && run.StartedAt.Before(cutoff) {
			out = append(out, cloneRun(run))
		}
	}
	slices.SortFunc(out, func(a, b *model.JobRun) int { return a.StartedAt.Compare(b.StartedAt) })
	return page(out, limit, 0), nil
}

// FindUnrecorded returns terminal runs completed before cutoff whose outcome was never
// applied to their job, oldest first.
func (r *JobRunRepo) FindUnrecorded(_ context.Context, cutoff time.Time, limit int) ([]*model.JobRun, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.JobRun
	for _, run := range r.s.runs {
		if run.Status.Terminal() && !run.OutcomeRecorded && run.CompletedAt != nil && run.CompletedAt.Before(cutoff) {
			out = append(out, cloneRun(run))
		}
	}
	slices.SortFunc(out, func(a, b *model.JobRun) int { return a.CompletedAt.Compare(*b.CompletedAt) })
	return page(out, limit, 0), nil
}
