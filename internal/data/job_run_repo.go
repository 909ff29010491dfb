package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"

	"github.com/target/mmk-dispatch/internal/data/pgxutil"
	"github.com/target/mmk-dispatch/internal/domain/model"
	apperrors "github.com/target/mmk-dispatch/internal/errors"
)

// errRunBusy aborts a claim transaction when the job already has a processing run
// or a scheduled occurrence is no longer claimable.
var errRunBusy = errors.New("job run already processing")

const (
	jobRunsOneProcessingIndex    = "job_runs_one_processing"
	jobRunsOnePerOccurrenceIndex = "job_runs_one_per_occurrence"
)

// JobRunRepo provides database operations for job execution records.
type JobRunRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewJobRunRepo creates a new JobRunRepo instance with the given database connection.
func NewJobRunRepo(db *sql.DB) *JobRunRepo {
	return &JobRunRepo{DB: db, timeProvider: &RealTimeProvider{}}
}

// NewJobRunRepoWithTimeProvider creates a JobRunRepo with a custom TimeProvider (useful for testing).
func NewJobRunRepoWithTimeProvider(db *sql.DB, tp TimeProvider) *JobRunRepo {
	return &JobRunRepo{DB: db, timeProvider: tp}
}

const jobRunColumns = `
  id::text AS id,
  job_id::text AS job_id,
  status,
  triggered_by,
  started_at,
  completed_at,
  duration_ms,
  artifact_ref,
  error_message,
  error_detail,
  recipients,
  scheduled_for,
  outcome_recorded
`

type jobRunRow struct {
	ID           string     `db:"id"`
	JobID        string     `db:"job_id"`
	Status       string     `db:"status"`
	TriggeredBy  string     `db:"triggered_by"`
	StartedAt    time.Time  `db:"started_at"`
	CompletedAt  *time.Time `db:"completed_at"`
	DurationMS   int64      `db:"duration_ms"`
	ArtifactRef  *string    `db:"artifact_ref"`
	ErrorMessage *string    `db:"error_message"`
	ErrorDetail  *string    `db:"error_detail"`
	Recipients   []byte     `db:"recipients"`
	ScheduledFor *time.Time `db:"scheduled_for"`
	Recorded     bool       `db:"outcome_recorded"`
}

func (r *jobRunRow) toModel() (*model.JobRun, error) {
	run := &model.JobRun{
		ID:              r.ID,
		JobID:           r.JobID,
		Status:          model.RunStatus(r.Status),
		TriggeredBy:     model.TriggerSource(r.TriggeredBy),
		StartedAt:       r.StartedAt.UTC(),
		CompletedAt:     utcPtr(r.CompletedAt),
		Duration:        time.Duration(r.DurationMS) * time.Millisecond,
		ArtifactRef:     r.ArtifactRef,
		ErrorMessage:    r.ErrorMessage,
		ErrorDetail:     r.ErrorDetail,
		Occurrence:      utcPtr(r.ScheduledFor),
		OutcomeRecorded: r.Recorded,
	}
	if err := unmarshalJSONColumn(r.Recipients, &run.Recipients); err != nil {
		return nil, fmt.Errorf("decode run recipients: %w", err)
	}
	return run, nil
}

// Claim creates a run for the job and moves it from pending to processing inside one
// transaction. A transaction-scoped advisory lock keyed by the job ID serializes claimers;
// the partial unique indexes job_runs_one_processing and job_runs_one_per_occurrence back
// it up. A scheduled claim also re-reads the job so a stale due list cannot fire an
// occurrence that already ran. Contention returns false.
func (r *JobRunRepo) Claim(ctx context.Context, p model.ClaimRunParams) (*model.JobRun, bool, error) {
	if _, err := uuid.Parse(p.JobID); err != nil {
		return nil, false, model.ErrRecurringJobNotFound
	}
	trigger := p.TriggeredBy
	if trigger == "" {
		trigger = model.TriggerSchedule
	}
	startedAt := p.Now
	if startedAt.IsZero() {
		startedAt = r.timeProvider.Now()
	}
	startedAt = startedAt.UTC()
	runID := uuid.NewString()
	occurrence := utcPtr(p.Occurrence)

	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var locked bool
			if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1)", fnvHash("job_run:"+p.JobID)).
				Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !locked {
				return errRunBusy
			}

			if occurrence != nil {
				if err := checkOccurrence(ctx, tx, p.JobID, *occurrence, startedAt); err != nil {
					return err
				}
			}

			var busy bool
			if err := tx.QueryRowContext(ctx,
				`SELECT EXISTS (SELECT 1 FROM job_runs WHERE job_id = $1 AND status = 'processing')`, p.JobID,
			).Scan(&busy); err != nil {
				return fmt.Errorf("check processing run: %w", err)
			}
			if busy {
				return errRunBusy
			}

			if _, err := tx.ExecContext(ctx, `
				INSERT INTO job_runs (id, job_id, status, triggered_by, started_at, scheduled_for)
				VALUES ($1, $2, 'pending', $3, $4, $5)
			`, runID, p.JobID, string(trigger), startedAt, occurrence); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE job_runs SET status = 'processing' WHERE id = $1 AND status = 'pending'`, runID,
			); err != nil {
				return err
			}
			return nil
		},
	})
	if err != nil {
		switch {
		case errors.Is(err, errRunBusy):
			return nil, false, nil
		case apperrors.IsUniqueViolation(err, jobRunsOneProcessingIndex),
			apperrors.IsUniqueViolation(err, jobRunsOnePerOccurrenceIndex):
			return nil, false, nil
		case errors.Is(err, model.ErrRecurringJobNotFound):
			return nil, false, err
		case apperrors.IsPgCode(err, pgerrcode.ForeignKeyViolation, ""):
			return nil, false, model.ErrRecurringJobNotFound
		}
		return nil, false, fmt.Errorf("claim job run: %w", apperrors.MapDBError(err))
	}

	return &model.JobRun{
		ID:          runID,
		JobID:       p.JobID,
		Status:      model.RunStatusProcessing,
		TriggeredBy: trigger,
		StartedAt:   startedAt,
		Occurrence:  occurrence,
	}, true, nil
}

// checkOccurrence aborts the claim unless the job is active, still due at occurrence and
// has no run for it yet.
func checkOccurrence(ctx context.Context, tx *sql.Tx, jobID string, occurrence, now time.Time) error {
	var due, fired bool
	err := tx.QueryRowContext(ctx, `
		SELECT
			j.is_active AND j.next_run_at = $2 AND j.next_run_at <= $3,
			EXISTS (SELECT 1 FROM job_runs r WHERE r.job_id = j.id AND r.scheduled_for = $2)
		FROM recurring_jobs j
		WHERE j.id = $1
	`, jobID, occurrence, now).Scan(&due, &fired)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ErrRecurringJobNotFound
	}
	if err != nil {
		return fmt.Errorf("check occurrence: %w", err)
	}
	if !due || fired {
		return errRunBusy
	}
	return nil
}

// Finish moves a processing run to completed or failed and records its duration.
func (r *JobRunRepo) Finish(ctx context.Context, p model.FinishRunParams) (*model.JobRun, error) {
	if !model.RunStatusProcessing.CanTransitionTo(p.Status) {
		return nil, fmt.Errorf("%w: processing -> %s", model.ErrInvalidRunTransition, p.Status)
	}
	if _, err := uuid.Parse(p.RunID); err != nil {
		return nil, model.ErrJobRunNotFound
	}
	recipients, err := json.Marshal(nonNilSlice(p.Recipients))
	if err != nil {
		return nil, fmt.Errorf("encode run recipients: %w", err)
	}
	completedAt := p.CompletedAt
	if completedAt.IsZero() {
		completedAt = r.timeProvider.Now()
	}

	q := `
		UPDATE job_runs SET
			status        = $2,
			completed_at  = $3::timestamptz,
			duration_ms   = GREATEST(0, (EXTRACT(EPOCH FROM ($3::timestamptz - started_at)) * 1000)::bigint),
			artifact_ref  = $4,
			error_message = $5,
			error_detail  = $6,
			recipients    = $7
		WHERE id = $1 AND status = 'processing'
		RETURNING ` + jobRunColumns
	row, err := pgxutil.CollectStruct[jobRunRow](ctx, r.DB, pgxutil.Query{
		SQL: q,
		Args: []any{
			p.RunID, string(p.Status), completedAt.UTC(), p.ArtifactRef, p.ErrorMessage, p.ErrorDetail, recipients,
		},
	})
	if err == nil {
		return row.toModel()
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("finish job run: %w", apperrors.MapDBError(err))
	}

	// Distinguish a missing run from one that is no longer processing.
	existing, getErr := r.GetByID(ctx, p.RunID)
	if getErr != nil {
		return nil, getErr
	}
	return nil, fmt.Errorf("%w: %s -> %s", model.ErrInvalidRunTransition, existing.Status, p.Status)
}

// GetByID retrieves a run by its ID.
func (r *JobRunRepo) GetByID(ctx context.Context, id string) (*model.JobRun, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, model.ErrJobRunNotFound
	}
	row, err := pgxutil.CollectStruct[jobRunRow](ctx, r.DB, pgxutil.Query{
		SQL:  `SELECT ` + jobRunColumns + ` FROM job_runs WHERE id = $1`,
		Args: []any{id},
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrJobRunNotFound
		}
		return nil, fmt.Errorf("get job run: %w", apperrors.MapDBError(err))
	}
	return row.toModel()
}

// ListByJob returns the most recent runs of a job, newest first.
func (r *JobRunRepo) ListByJob(ctx context.Context, jobID string, limit int) ([]*model.JobRun, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return nil, model.ErrRecurringJobNotFound
	}
	limit, _ = normalizePage(limit, 0)
	rows, err := pgxutil.CollectStructs[jobRunRow](ctx, r.DB, pgxutil.Query{
		SQL: `SELECT ` + jobRunColumns + `
			FROM job_runs WHERE job_id = $1
			ORDER BY started_at DESC, id
			LIMIT $2`,
		Args: []any{jobID, limit},
	})
	if err != nil {
		return nil, fmt.Errorf("list job runs: %w", apperrors.MapDBError(err))
	}
	return jobRunsToModel(rows)
}

// FindStaleProcessing returns processing runs started before cutoff. Only one reaper
// scans at a time; the others get an empty result.
func (r *JobRunRepo) FindStaleProcessing(ctx context.Context, cutoff time.Time, limit int) ([]*model.JobRun, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}
	rows, _, err := pgxutil.CollectStructsUnderLock[jobRunRow](ctx, r.DB,
		pgxutil.AdvisoryKey{Major: advisoryLockReaperMajor, Minor: advisoryLockReaperRuns},
		pgxutil.Query{
			SQL: `SELECT ` + jobRunColumns + `
				FROM job_runs
				WHERE status = 'processing' AND started_at < $1
				ORDER BY started_at
				LIMIT $2`,
			Args: []any{cutoff.UTC(), limit},
		})
	if err != nil {
		return nil, fmt.Errorf("find stale job runs: %w", apperrors.MapDBError(err))
	}
	return jobRunsToModel(rows)
}

func jobRunsToModel(rows []*jobRunRow) ([]*model.JobRun, error) {
	out := make([]*model.JobRun, 0, len(rows))
	for _, row := range rows {
		run, err := row.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, nil
}

// FindUnrecorded returns terminal runs completed before cutoff whose outcome never reached
// the job counters, oldest first.
func (r *JobRunRepo) FindUnrecorded(ctx context.Context, cutoff time.Time, limit int) ([]*model.JobRun, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}
	rows, err := pgxutil.CollectStructs[jobRunRow](ctx, r.DB, pgxutil.Query{
		SQL: `SELECT ` + jobRunColumns + `
			FROM job_runs
			WHERE status IN ('completed', 'failed') AND NOT outcome_recorded AND completed_at < $1
			ORDER BY completed_at
			LIMIT $2`,
		Args: []any{cutoff.UTC(), limit},
	})
	if err != nil {
		return nil, fmt.Errorf("find unrecorded job runs: %w", apperrors.MapDBError(err))
	}
	return jobRunsToModel(rows)
}
