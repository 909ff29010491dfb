package service

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/target/mmk-dispatch/internal/domain/model"
)

// TaskState is the process-local view of one recurring job.
type TaskState struct {
	JobID       string
	Name        string
	NextRunAt   time.Time
	Running     bool
	LastOutcome model.RunOutcome
	LastRunAt   *time.Time
}

// RegisteredTasks is the explicit per-process table of recurring jobs this executor
// knows about. It guards against starting a job twice in the same process; the
// durable run claim guards across processes.
type RegisteredTasks struct {
	mu    sync.Mutex
	tasks map[string]*TaskState
}

// NewRegisteredTasks returns an empty table.
func NewRegisteredTasks() *RegisteredTasks {
	return &RegisteredTasks{tasks: make(map[string]*TaskState)}
}

// Register adds or refreshes a job. The running flag of a known job is preserved.
func (t *RegisteredTasks) Register(job *model.RecurringJob) {
	t.mu.Lock()
	defer t.mu.Unlock()
	state, ok := t.tasks[job.ID]
	if !ok {
		state = &TaskState{JobID: job.ID}
		t.tasks[job.ID] = state
	}
	state.Name = job.Name
	state.NextRunAt = job.NextRunAt
	state.LastOutcome = job.LastRunStatus
	state.LastRunAt = job.LastRunAt
}

// Replace swaps the table for the given jobs, keeping running flags of jobs still present.
func (t *RegisteredTasks) Replace(jobs []*model.RecurringJob) {
	t.mu.Lock()
	defer t.mu.Unlock()
	next := make(map[string]*TaskState, len(jobs))
	for _, job := range jobs {
		state := &TaskState{
			JobID:       job.ID,
			Name:        job.Name,
			NextRunAt:   job.NextRunAt,
			LastOutcome: job.LastRunStatus,
			LastRunAt:   job.LastRunAt,
		}
		if prev, ok := t.tasks[job.ID]; ok {
			state.Running = prev.Running
		}
		next[job.ID] = state
	}
	// Running jobs stay tracked until they finish, even if they were deactivated.
	for id, prev := range t.tasks {
		if _, ok := next[id]; !ok && prev.Running {
			next[id] = prev
		}
	}
	t.tasks = next
}

// Remove forgets a job.
func (t *RegisteredTasks) Remove(jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.tasks, jobID)
}

// TryStart marks the job running and reports false if it already was.
func (t *RegisteredTasks) TryStart(jobID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	state, ok := t.tasks[jobID]
	if !ok {
		state = &TaskState{JobID: jobID}
		t.tasks[jobID] = state
	}
	if state.Running {
		return false
	}
	state.Running = true
	return true
}

// Finish clears the running flag and records the outcome. A zero next keeps the known NextRunAt.
func (t *RegisteredTasks) Finish(jobID string, outcome model.RunOutcome, at, next time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	state, ok := t.tasks[jobID]
	if !ok {
		return
	}
	state.Running = false
	if outcome != "" {
		state.LastOutcome = outcome
		ts := at
		state.LastRunAt = &ts
	}
	if !next.IsZero() {
		state.NextRunAt = next
	}
}

// Release clears the running flag without recording an outcome.
func (t *RegisteredTasks) Release(jobID string) {
	t.Finish(jobID, "", time.Time{}, time.Time{})
}

// Get returns a copy of one entry.
func (t *RegisteredTasks) Get(jobID string) (TaskState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	state, ok := t.tasks[jobID]
	if !ok {
		return TaskState{}, false
	}
	return *state, true
}

// Snapshot returns copies of all entries ordered by NextRunAt, then JobID.
func (t *RegisteredTasks) Snapshot() []TaskState {
	t.mu.Lock()
	out := make([]TaskState, 0, len(t.tasks))
	for _, state := range t.tasks {
		out = append(out, *state)
	}
	t.mu.Unlock()

	slices.SortFunc(out, func(a, b TaskState) int {
		if c := a.NextRunAt.Compare(b.NextRunAt); c != 0 {
			return c
		}
		return cmp.Compare(a.JobID, b.JobID)
	})
	return out
}

// Len returns the number of tracked jobs.
func (t *RegisteredTasks) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tasks)
}
