// Package model defines the entities shared by the scheduler, delivery queue and experiment engine.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/target/mmk-dispatch/internal/domain/schedule"
)

// JobKind identifies what a recurring job produces.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type JobKind string

const (
	// JobKindExport renders tabular data (CSV/Excel) for download or mailing.
	JobKindExport JobKind = "export"
	// JobKindReport renders a formatted report (PDF).
	JobKindReport JobKind = "report"
)

// Valid reports whether k is a known job kind.
func (k JobKind) Valid() bool {
	return k == JobKindExport || k == JobKindReport
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *JobKind) UnmarshalText(text []byte) error {
	v := JobKind(strings.ToLower(strings.TrimSpace(string(text))))
	if !v.Valid() {
		return fmt.Errorf("invalid JobKind: %q", string(text))
	}
	*k = v
	return nil
}

// RunOutcome is the result of one execution as recorded on the job.
type RunOutcome string

const (
	RunOutcomeNever   RunOutcome = "never_run"
	RunOutcomeSuccess RunOutcome = "success"
	RunOutcomeFailed  RunOutcome = "failed"
)

// Recipient is one destination for a job's artifact.
type Recipient struct {
	Address string  `json:"address"`
	Channel Channel `json:"channel"`
}

// RecurringJob is the configuration and bookkeeping of a job that runs on a cadence.
type RecurringJob struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Kind          JobKind       `json:"kind"`
	TemplateKind  string        `json:"template_kind"`
	Schedule      schedule.Spec `json:"schedule"`
	IsActive      bool          `json:"is_active"`
	LastRunAt     *time.Time    `json:"last_run_at,omitempty"`
	NextRunAt     time.Time     `json:"next_run_at"`
	LastRunStatus RunOutcome    `json:"last_run_status"`
	RunCount      int64         `json:"run_count"`
	SuccessCount  int64         `json:"success_count"`
	FailureCount  int64         `json:"failure_count"`
	Recipients    []Recipient   `json:"recipients"`
	Render        RenderParams  `json:"render"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// CountersConsistent reports whether every recorded run is accounted for as a success or a failure.
func (j *RecurringJob) CountersConsistent() bool {
	return j.RunCount == j.SuccessCount+j.FailureCount
}

// CreateRecurringJobRequest is the input for registering a recurring job.
type CreateRecurringJobRequest struct {
	Name         string        `json:"name"`
	Kind         JobKind       `json:"kind"`
	TemplateKind string        `json:"template_kind"`
	Schedule     schedule.Spec `json:"schedule"`
	Recipients   []Recipient   `json:"recipients"`
	Render       RenderParams  `json:"render"`
	// IsActive defaults to true when nil.
	IsActive *bool `json:"is_active,omitempty"`
}

// Validate validates the request fields.
func (r *CreateRecurringJobRequest) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return errors.New("name is required")
	}
	if !r.Kind.Valid() {
		return fmt.Errorf("invalid job kind %q", r.Kind)
	}
	if strings.TrimSpace(r.TemplateKind) == "" {
		return errors.New("template kind is required")
	}
	if err := r.Schedule.Validate(); err != nil {
		return err
	}
	for i, rc := range r.Recipients {
		if strings.TrimSpace(rc.Address) == "" {
			return fmt.Errorf("recipient %d: address is required", i)
		}
		if !rc.Channel.Valid() {
			return fmt.Errorf("recipient %d: invalid channel %q", i, rc.Channel)
		}
	}
	return r.Render.Validate()
}

// RecurringJobListOptions filters List results.
type RecurringJobListOptions struct {
	ActiveOnly bool
	Limit      int
	Offset     int
}

// RecordOutcomeParams updates a job's bookkeeping after an execution.
type RecordOutcomeParams struct {
	JobID   string
	Outcome RunOutcome
	At      time.Time
	// NextRunAt is the recomputed occurrence. Stores keep the later of this and the current value.
	NextRunAt time.Time
	// RunID, when set, makes the update apply once per run: a second call for the same run
	// returns ErrOutcomeAlreadyRecorded and changes nothing.
	RunID string
	// Deactivate takes the job out of selection, used when no next occurrence can be computed.
	Deactivate bool
}

// UpdateScheduleParams replaces a job's schedule and activity flag and forces NextRunAt.
type UpdateScheduleParams struct {
	JobID     string
	Schedule  schedule.Spec
	IsActive  bool
	NextRunAt time.Time
	At        time.Time
}
