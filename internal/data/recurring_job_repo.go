package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/target/mmk-dispatch/internal/data/pgxutil"
	"github.com/target/mmk-dispatch/internal/domain/model"
	"github.com/target/mmk-dispatch/internal/domain/schedule"
	apperrors "github.com/target/mmk-dispatch/internal/errors"
)

// RecurringJobRepo provides database operations for recurring job configuration.
type RecurringJobRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewRecurringJobRepo creates a new RecurringJobRepo instance with the given database connection.
func NewRecurringJobRepo(db *sql.DB) *RecurringJobRepo {
	return &RecurringJobRepo{DB: db, timeProvider: &RealTimeProvider{}}
}

// NewRecurringJobRepoWithTimeProvider creates a RecurringJobRepo with a custom TimeProvider (useful for testing).
func NewRecurringJobRepoWithTimeProvider(db *sql.DB, tp TimeProvider) *RecurringJobRepo {
	return &RecurringJobRepo{DB: db, timeProvider: tp}
}

const recurringJobColumns = `
  id::text AS id,
  name,
  kind,
  template_kind,
  cadence,
  schedule_params,
  timezone,
  is_active,
  last_run_at,
  next_run_at,
  last_run_status,
  run_count,
  success_count,
  failure_count,
  recipients,
  render_params,
  created_at,
  updated_at
`

type recurringJobRow struct {
	ID             string     `db:"id"`
	Name           string     `db:"name"`
	Kind           string     `db:"kind"`
	TemplateKind   string     `db:"template_kind"`
	Cadence        string     `db:"cadence"`
	ScheduleParams []byte     `db:"schedule_params"`
	Timezone       string     `db:"timezone"`
	IsActive       bool       `db:"is_active"`
	LastRunAt      *time.Time `db:"last_run_at"`
	NextRunAt      time.Time  `db:"next_run_at"`
	LastRunStatus  string     `db:"last_run_status"`
	RunCount       int64      `db:"run_count"`
	SuccessCount   int64      `db:"success_count"`
	FailureCount   int64      `db:"failure_count"`
	Recipients     []byte     `db:"recipients"`
	RenderParams   []byte     `db:"render_params"`
	CreatedAt      time.Time  `db:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
}

func (r *recurringJobRow) toModel() (*model.RecurringJob, error) {
	job := &model.RecurringJob{
		ID:            r.ID,
		Name:          r.Name,
		Kind:          model.JobKind(r.Kind),
		TemplateKind:  r.TemplateKind,
		Schedule:      schedule.Spec{Cadence: schedule.Cadence(r.Cadence), Timezone: r.Timezone},
		IsActive:      r.IsActive,
		LastRunAt:     utcPtr(r.LastRunAt),
		NextRunAt:     r.NextRunAt.UTC(),
		LastRunStatus: model.RunOutcome(r.LastRunStatus),
		RunCount:      r.RunCount,
		SuccessCount:  r.SuccessCount,
		FailureCount:  r.FailureCount,
		CreatedAt:     r.CreatedAt.UTC(),
		UpdatedAt:     r.UpdatedAt.UTC(),
	}
	if err := unmarshalJSONColumn(r.ScheduleParams, &job.Schedule.Params); err != nil {
		return nil, fmt.Errorf("decode schedule_params: %w", err)
	}
	if err := unmarshalJSONColumn(r.Recipients, &job.Recipients); err != nil {
		return nil, fmt.Errorf("decode recipients: %w", err)
	}
	if err := unmarshalJSONColumn(r.RenderParams, &job.Render); err != nil {
		return nil, fmt.Errorf("decode render_params: %w", err)
	}
	return job, nil
}

// Create inserts a job. ID, CreatedAt and UpdatedAt are assigned when empty.
func (r *RecurringJobRepo) Create(ctx context.Context, job *model.RecurringJob) (*model.RecurringJob, error) {
	if job == nil {
		return nil, errors.New("recurring job is required")
	}
	id := job.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := r.timeProvider.Now().UTC()
	status := job.LastRunStatus
	if status == "" {
		status = model.RunOutcomeNever
	}

	params, err := json.Marshal(job.Schedule.Params)
	if err != nil {
		return nil, fmt.Errorf("encode schedule params: %w", err)
	}
	recipients, err := json.Marshal(nonNilSlice(job.Recipients))
	if err != nil {
		return nil, fmt.Errorf("encode recipients: %w", err)
	}
	render, err := json.Marshal(job.Render)
	if err != nil {
		return nil, fmt.Errorf("encode render params: %w", err)
	}

	q := `
		INSERT INTO recurring_jobs (
			id, name, kind, template_kind, cadence, schedule_params, timezone, is_active,
			next_run_at, last_run_status, recipients, render_params, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
		RETURNING ` + recurringJobColumns

	return r.one(ctx, "create recurring job", q,
		id, job.Name, string(job.Kind), job.TemplateKind, string(job.Schedule.Cadence), params,
		job.Schedule.Timezone, job.IsActive, job.NextRunAt.UTC(), string(status), recipients, render, now,
	)
}

// GetByID retrieves a job by its ID.
func (r *RecurringJobRepo) GetByID(ctx context.Context, id string) (*model.RecurringJob, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, model.ErrRecurringJobNotFound
	}
	q := `SELECT ` + recurringJobColumns + ` FROM recurring_jobs WHERE id = $1`
	return r.one(ctx, "get recurring job", q, id)
}

// List retrieves jobs ordered by creation time, newest first.
func (r *RecurringJobRepo) List(
	ctx context.Context,
	opts model.RecurringJobListOptions,
) ([]*model.RecurringJob, error) {
	limit, offset := normalizePage(opts.Limit, opts.Offset)

	var qb strings.Builder
	qb.WriteString(`SELECT ` + recurringJobColumns + ` FROM recurring_jobs`)
	if opts.ActiveOnly {
		qb.WriteString(` WHERE is_active`)
	}
	qb.WriteString(` ORDER BY created_at DESC, id LIMIT $1 OFFSET $2`)

	return r.many(ctx, "list recurring jobs", qb.String(), limit, offset)
}

// FindDue returns active jobs whose next_run_at has passed, oldest first.
func (r *RecurringJobRepo) FindDue(ctx context.Context, now time.Time, limit int) ([]*model.RecurringJob, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}
	q := `
		SELECT ` + recurringJobColumns + `
		FROM recurring_jobs
		WHERE is_active AND next_run_at <= $1
		ORDER BY next_run_at ASC, id ASC
		LIMIT $2`
	return r.many(ctx, "find due recurring jobs", q, now.UTC(), limit)
}

// RecordOutcome applies the bookkeeping of one execution in a single statement so that
// run_count always equals success_count + failure_count. next_run_at only moves forward.
// With p.RunID set, a writable CTE flips the run's outcome_recorded flag in the same
// statement and the job is only updated when that flip happened.
func (r *RecurringJobRepo) RecordOutcome(
	ctx context.Context,
	p model.RecordOutcomeParams,
) (*model.RecurringJob, error) {
	if p.Outcome != model.RunOutcomeSuccess && p.Outcome != model.RunOutcomeFailed {
		return nil, fmt.Errorf("invalid run outcome %q", p.Outcome)
	}
	if _, err := uuid.Parse(p.JobID); err != nil {
		return nil, model.ErrRecurringJobNotFound
	}
	var runID *string
	if p.RunID != "" {
		if _, err := uuid.Parse(p.RunID); err != nil {
			return nil, model.ErrJobRunNotFound
		}
		runID = &p.RunID
	}
	q := `
		WITH marked AS (
			UPDATE job_runs SET outcome_recorded = TRUE
			WHERE id = $6::uuid AND job_id = $1 AND NOT outcome_recorded
			RETURNING id
		)
		UPDATE recurring_jobs SET
			run_count       = run_count + 1,
			success_count   = success_count + CASE WHEN $2::text = 'success' THEN 1 ELSE 0 END,
			failure_count   = failure_count + CASE WHEN $2::text = 'failed' THEN 1 ELSE 0 END,
			last_run_status = $2::text,
			last_run_at     = $3,
			next_run_at     = GREATEST(next_run_at, $4::timestamptz),
			is_active       = is_active AND NOT $7::boolean,
			updated_at      = $5
		WHERE id = $1 AND ($6::uuid IS NULL OR EXISTS (SELECT 1 FROM marked))
		RETURNING ` + recurringJobColumns
	job, err := r.one(ctx, "record recurring job outcome", q,
		p.JobID, string(p.Outcome), p.At.UTC(), p.NextRunAt.UTC(), r.timeProvider.Now().UTC(), runID, p.Deactivate,
	)
	if runID == nil || !errors.Is(err, model.ErrRecurringJobNotFound) {
		return job, err
	}

	// Nothing was updated: the job is missing, the run is missing or it was already recorded.
	current, getErr := r.GetByID(ctx, p.JobID)
	if getErr != nil {
		return nil, getErr
	}
	var recorded bool
	scanErr := r.DB.QueryRowContext(ctx,
		`SELECT outcome_recorded FROM job_runs WHERE id = $1 AND job_id = $2`, p.RunID, p.JobID,
	).Scan(&recorded)
	switch {
	case errors.Is(scanErr, sql.ErrNoRows):
		return nil, model.ErrJobRunNotFound
	case scanErr != nil:
		return nil, fmt.Errorf("record recurring job outcome: %w", apperrors.MapDBError(scanErr))
	case recorded:
		return current, model.ErrOutcomeAlreadyRecorded
	}
	return nil, fmt.Errorf("record recurring job outcome: run %s was not updated", p.RunID)
}

// UpdateSchedule replaces the schedule and activity flag and sets next_run_at unconditionally.
func (r *RecurringJobRepo) UpdateSchedule(
	ctx context.Context,
	p model.UpdateScheduleParams,
) (*model.RecurringJob, error) {
	if _, err := uuid.Parse(p.JobID); err != nil {
		return nil, model.ErrRecurringJobNotFound
	}
	params, err := json.Marshal(p.Schedule.Params)
	if err != nil {
		return nil, fmt.Errorf("encode schedule params: %w", err)
	}
	at := p.At
	if at.IsZero() {
		at = r.timeProvider.Now()
	}
	q := `
		UPDATE recurring_jobs SET
			cadence         = $2,
			schedule_params = $3,
			timezone        = $4,
			is_active       = $5,
			next_run_at     = $6,
			updated_at      = $7
		WHERE id = $1
		RETURNING ` + recurringJobColumns
	return r.one(ctx, "update recurring job schedule", q,
		p.JobID, string(p.Schedule.Cadence), params, p.Schedule.Timezone, p.IsActive, p.NextRunAt.UTC(), at.UTC(),
	)
}

func (r *RecurringJobRepo) one(ctx context.Context, op, q string, args ...any) (*model.RecurringJob, error) {
	row, err := pgxutil.CollectStruct[recurringJobRow](ctx, r.DB, pgxutil.Query{SQL: q, Args: args})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrRecurringJobNotFound
		}
		return nil, fmt.Errorf("%s: %w", op, apperrors.MapDBError(err))
	}
	return row.toModel()
}

func (r *RecurringJobRepo) many(ctx context.Context, op, q string, args ...any) ([]*model.RecurringJob, error) {
	rows, err := pgxutil.CollectStructs[recurringJobRow](ctx, r.DB, pgxutil.Query{SQL: q, Args: args})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	out := make([]*model.RecurringJob, 0, len(rows))
	for _, row := range rows {
		job, convErr := row.toModel()
		if convErr != nil {
			return nil, fmt.Errorf("%s: %w", op, convErr)
		}
		out = append(out, job)
	}
	return out, nil
}
