package model

import (
	"time"
)

// RunStatus is the lifecycle state of a JobRun.
type RunStatus string

const (
	RunStatusPending    RunStatus = "pending"
	RunStatusProcessing RunStatus = "processing"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusFailed     RunStatus = "failed"
)

// CanTransitionTo reports whether the run lifecycle allows moving from s to next.
func (s RunStatus) CanTransitionTo(next RunStatus) bool {
	switch s {
	case RunStatusPending:
		return next == RunStatusProcessing
	case RunStatusProcessing:
		return next == RunStatusCompleted || next == RunStatusFailed
	default:
		return false
	}
}

// Terminal reports whether no further transition is possible.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// TriggerSource records why a run started.
type TriggerSource string

const (
	TriggerSchedule TriggerSource = "schedule"
	TriggerManual   TriggerSource = "manual"
)

// RecipientDelivery is the per-recipient result of sending a run's artifact.
type RecipientDelivery struct {
	Address string  `json:"address"`
	Channel Channel `json:"channel"`
	Status  string  `json:"status"`
	Error   string  `json:"error,omitempty"`
}

// JobRun is one execution of a RecurringJob.
type JobRun struct {
	ID           string              `json:"id"`
	JobID        string              `json:"job_id"`
	Status       RunStatus           `json:"status"`
	TriggeredBy  TriggerSource       `json:"triggered_by"`
	StartedAt    time.Time           `json:"started_at"`
	CompletedAt  *time.Time          `json:"completed_at,omitempty"`
	Duration     time.Duration       `json:"duration"`
	ArtifactRef  *string             `json:"artifact_ref,omitempty"`
	ErrorMessage *string             `json:"error_message,omitempty"`
	ErrorDetail  *string             `json:"error_detail,omitempty"`
	Recipients   []RecipientDelivery `json:"recipients,omitempty"`
	// Occurrence is the NextRunAt a scheduled run was started for. Nil for manual runs.
	Occurrence *time.Time `json:"occurrence,omitempty"`
	// OutcomeRecorded is set once the run's outcome has been applied to the job counters.
	OutcomeRecorded bool `json:"outcome_recorded"`
}

// Outcome maps a terminal run status to the job outcome it records.
func (r *JobRun) Outcome() (RunOutcome, bool) {
	switch r.Status {
	case RunStatusCompleted:
		return RunOutcomeSuccess, true
	case RunStatusFailed:
		return RunOutcomeFailed, true
	default:
		return "", false
	}
}

// ClaimRunParams requests a new processing run for a job.
type ClaimRunParams struct {
	JobID       string
	TriggeredBy TriggerSource
	Now         time.Time
	// Occurrence fences scheduled claims: the claim succeeds only while the job is active,
	// its NextRunAt still equals Occurrence and no run exists for that occurrence yet.
	// Manual triggers leave it nil.
	Occurrence *time.Time
}

// FinishRunParams moves a processing run to a terminal status.
type FinishRunParams struct {
	RunID        string
	Status       RunStatus
	CompletedAt  time.Time
	ArtifactRef  *string
	ErrorMessage *string
	ErrorDetail  *string
	Recipients   []RecipientDelivery
}

// Artifact is rendered job output handed to the artifact store.
type Artifact struct {
	JobID     string
	RunID     string
	Format    RenderFormat
	Content   []byte
	CreatedAt time.Time
}
