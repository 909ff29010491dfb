package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/target/mmk-dispatch/internal/data/pgxutil"
	"github.com/target/mmk-dispatch/internal/domain/model"
	apperrors "github.com/target/mmk-dispatch/internal/errors"
)

// DeliveryRepo provides database operations for the delivery queue.
type DeliveryRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewDeliveryRepo creates a new DeliveryRepo instance with the given database connection.
func NewDeliveryRepo(db *sql.DB) *DeliveryRepo {
	return &DeliveryRepo{DB: db, timeProvider: &RealTimeProvider{}}
}

// NewDeliveryRepoWithTimeProvider creates a DeliveryRepo with a custom TimeProvider (useful for testing).
func NewDeliveryRepoWithTimeProvider(db *sql.DB, tp TimeProvider) *DeliveryRepo {
	return &DeliveryRepo{DB: db, timeProvider: tp}
}

const deliveryColumns = `
  id::text AS id,
  idempotency_key,
  recipient_id,
  recipient,
  notification_type,
  priority,
  channels,
  payload,
  scheduled_for,
  use_optimal_time,
  optimal_time_applied,
  status,
  attempt_count,
  max_attempts,
  last_attempt_at,
  last_error,
  experiment_id,
  experiment_variant,
  created_at,
  updated_at
`

type deliveryRow struct {
	ID                 string     `db:"id"`
	IdempotencyKey     string     `db:"idempotency_key"`
	RecipientID        string     `db:"recipient_id"`
	Recipient          string     `db:"recipient"`
	NotificationType   string     `db:"notification_type"`
	Priority           int16      `db:"priority"`
	Channels           []byte     `db:"channels"`
	Payload            []byte     `db:"payload"`
	ScheduledFor       time.Time  `db:"scheduled_for"`
	UseOptimalTime     bool       `db:"use_optimal_time"`
	OptimalTimeApplied bool       `db:"optimal_time_applied"`
	Status             string     `db:"status"`
	AttemptCount       int32      `db:"attempt_count"`
	MaxAttempts        int32      `db:"max_attempts"`
	LastAttemptAt      *time.Time `db:"last_attempt_at"`
	LastError          *string    `db:"last_error"`
	ExperimentID       *string    `db:"experiment_id"`
	ExperimentVariant  *string    `db:"experiment_variant"`
	CreatedAt          time.Time  `db:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at"`
}

func (r *deliveryRow) toModel() (*model.Delivery, error) {
	d := &model.Delivery{
		ID:                 r.ID,
		IdempotencyKey:     r.IdempotencyKey,
		RecipientID:        r.RecipientID,
		Recipient:          r.Recipient,
		NotificationType:   r.NotificationType,
		Priority:           model.PriorityFromRank(int(r.Priority)),
		ScheduledFor:       r.ScheduledFor.UTC(),
		UseOptimalTime:     r.UseOptimalTime,
		OptimalTimeApplied: r.OptimalTimeApplied,
		Status:             model.DeliveryStatus(r.Status),
		AttemptCount:       int(r.AttemptCount),
		MaxAttempts:        int(r.MaxAttempts),
		LastAttemptAt:      utcPtr(r.LastAttemptAt),
		LastError:          r.LastError,
		CreatedAt:          r.CreatedAt.UTC(),
		UpdatedAt:          r.UpdatedAt.UTC(),
	}
	if len(r.Payload) > 0 {
		d.Payload = json.RawMessage(r.Payload)
	}
	if err := unmarshalJSONColumn(r.Channels, &d.Channels); err != nil {
		return nil, fmt.Errorf("decode channels: %w", err)
	}
	if r.ExperimentID != nil && r.ExperimentVariant != nil {
		d.Experiment = &model.ExperimentBinding{ExperimentID: *r.ExperimentID, Variant: *r.ExperimentVariant}
	}
	return d, nil
}

// Create inserts a delivery. When the idempotency key already exists nothing is written
// and the stored delivery is returned with created=false.
func (r *DeliveryRepo) Create(ctx context.Context, d *model.Delivery) (*model.Delivery, bool, error) {
	if d == nil {
		return nil, false, errors.New("delivery is required")
	}
	id := d.ID
	if id == "" {
		id = uuid.NewString()
	}
	key := d.IdempotencyKey
	if key == "" {
		key = id
	}
	status := d.Status
	if status == "" {
		status = model.DeliveryQueued
	}
	channels, err := json.Marshal(nonNilSlice(d.Channels))
	if err != nil {
		return nil, false, fmt.Errorf("encode channels: %w", err)
	}
	var payload []byte
	if len(d.Payload) > 0 {
		payload = d.Payload
	}
	var expID, expVariant *string
	if d.Experiment != nil {
		expID, expVariant = &d.Experiment.ExperimentID, &d.Experiment.Variant
	}
	now := r.timeProvider.Now().UTC()

	q := `
		INSERT INTO deliveries (
			id, idempotency_key, recipient_id, recipient, notification_type, priority, channels, payload,
			scheduled_for, use_optimal_time, optimal_time_applied, status, attempt_count, max_attempts,
			experiment_id, experiment_variant, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 0, $13, $14, $15, $16, $16)
		ON CONFLICT ON CONSTRAINT deliveries_idempotency_key_key DO NOTHING
		RETURNING ` + deliveryColumns

	row, err := pgxutil.CollectStruct[deliveryRow](ctx, r.DB, pgxutil.Query{
		SQL: q,
		Args: []any{
			id, key, d.RecipientID, d.Recipient, d.NotificationType, int16(d.Priority.Rank()), channels, payload,
			d.ScheduledFor.UTC(), d.UseOptimalTime, d.OptimalTimeApplied, string(status), d.MaxAttempts,
			expID, expVariant, now,
		},
	})
	if err == nil {
		created, convErr := row.toModel()
		return created, true, convErr
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("create delivery: %w", apperrors.MapDBError(err))
	}

	existing, err := r.one(ctx, "get delivery by idempotency key",
		`SELECT `+deliveryColumns+` FROM deliveries WHERE idempotency_key = $1`, key)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// GetByID retrieves a delivery by its ID.
func (r *DeliveryRepo) GetByID(ctx context.Context, id string) (*model.Delivery, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, model.ErrDeliveryNotFound
	}
	return r.one(ctx, "get delivery", `SELECT `+deliveryColumns+` FROM deliveries WHERE id = $1`, id)
}

// List retrieves deliveries, newest first, optionally filtered by status and recipient.
func (r *DeliveryRepo) List(ctx context.Context, opts model.DeliveryListOptions) ([]*model.Delivery, error) {
	limit, offset := normalizePage(opts.Limit, opts.Offset)

	var (
		clauses []string
		args    []any
	)
	if opts.Status != nil {
		args = append(args, string(*opts.Status))
		clauses = append(clauses, "status = $"+strconv.Itoa(len(args)))
	}
	if opts.RecipientID != "" {
		args = append(args, opts.RecipientID)
		clauses = append(clauses, "recipient_id = $"+strconv.Itoa(len(args)))
	}

	var qb strings.Builder
	qb.WriteString(`SELECT ` + deliveryColumns + ` FROM deliveries`)
	if len(clauses) > 0 {
		qb.WriteString(" WHERE ")
		qb.WriteString(strings.Join(clauses, " AND "))
	}
	args = append(args, limit, offset)
	fmt.Fprintf(&qb, " ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	return r.many(ctx, "list deliveries", qb.String(), args...)
}

// FindDue returns queued deliveries whose scheduled time has passed, highest priority first.
func (r *DeliveryRepo) FindDue(ctx context.Context, now time.Time, limit int) ([]*model.Delivery, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}
	q := `
		SELECT ` + deliveryColumns + `
		FROM deliveries
		WHERE status = 'queued' AND scheduled_for <= $1
		ORDER BY priority DESC, scheduled_for ASC, id ASC
		LIMIT $2`
	return r.many(ctx, "find due deliveries", q, now.UTC(), limit)
}

// MarkProcessing is a compare-and-set from queued to processing. Of several concurrent
// callers exactly one sees true, together with the attempt number it now holds.
func (r *DeliveryRepo) MarkProcessing(ctx context.Context, id string, now time.Time) (int, bool, error) {
	if _, err := uuid.Parse(id); err != nil {
		return 0, false, nil
	}
	var attempt int
	err := r.DB.QueryRowContext(ctx, `
		UPDATE deliveries SET
			status          = 'processing',
			attempt_count   = attempt_count + 1,
			last_attempt_at = $2,
			updated_at      = $2
		WHERE id = $1 AND status = 'queued'
		RETURNING attempt_count
	`, id, now.UTC()).Scan(&attempt)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("mark delivery processing: %w", apperrors.MapDBError(err))
	}
	return attempt, true, nil
}

// CompleteAttempt moves a processing delivery to queued (retry), sent or failed.
// It is a no-op returning false when the delivery is not processing, or is processing a
// different attempt than p.Attempt. A terminal transition commits p.Counter in the
// same transaction.
func (r *DeliveryRepo) CompleteAttempt(ctx context.Context, p model.CompleteAttemptParams) (bool, error) {
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
	if _, err := uuid.Parse(p.ID); err != nil {
		return false, nil
	}
	at := p.At
	if at.IsZero() {
		at = r.timeProvider.Now()
	}
	var scheduledFor *time.Time
	if p.ScheduledFor != nil {
		scheduledFor = utcPtr(p.ScheduledFor)
	}

	var changed bool
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx, `
				UPDATE deliveries SET
					status        = $2,
					scheduled_for = COALESCE($3, scheduled_for),
					last_error    = COALESCE($4, last_error),
					updated_at    = $5
				WHERE id = $1 AND status = 'processing' AND ($6::int = 0 OR attempt_count = $6::int)
			`, p.ID, string(p.Status), scheduledFor, p.LastError, at.UTC(), p.Attempt)
			if err != nil {
				return err
			}
			if changed, err = rowsChanged(res); err != nil || !changed {
				return err
			}
			if p.Counter == nil || !p.Status.Terminal() {
				return nil
			}
			counter := *p.Counter
			if counter.At.IsZero() {
				counter.At = at
			}
			return incrementVariant(ctx, tx, counter)
		},
	})
	if err != nil {
		return false, fmt.Errorf("complete delivery attempt: %w", apperrors.MapDBError(err))
	}
	return changed, nil
}

// Cancel moves a queued delivery to cancelled.
func (r *DeliveryRepo) Cancel(ctx context.Context, id string, now time.Time) (bool, error) {
	if _, err := uuid.Parse(id); err != nil {
		return false, nil
	}
	res, err := r.DB.ExecContext(ctx, `
		UPDATE deliveries SET status = 'cancelled', updated_at = $2
		WHERE id = $1 AND status = 'queued'
	`, id, now.UTC())
	if err != nil {
		return false, fmt.Errorf("cancel delivery: %w", apperrors.MapDBError(err))
	}
	return rowsChanged(res)
}

// FindStaleProcessing returns deliveries whose current attempt started before cutoff.
// Only one reaper scans at a time; the others get an empty result.
func (r *DeliveryRepo) FindStaleProcessing(
	ctx context.Context,
	cutoff time.Time,
	limit int,
) ([]*model.Delivery, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}
	rows, _, err := pgxutil.CollectStructsUnderLock[deliveryRow](ctx, r.DB,
		pgxutil.AdvisoryKey{Major: advisoryLockReaperMajor, Minor: advisoryLockReaperDeliveries},
		pgxutil.Query{
			SQL: `SELECT ` + deliveryColumns + `
				FROM deliveries
				WHERE status = 'processing' AND last_attempt_at < $1
				ORDER BY last_attempt_at
				LIMIT $2`,
			Args: []any{cutoff.UTC(), limit},
		})
	if err != nil {
		return nil, fmt.Errorf("find stale deliveries: %w", apperrors.MapDBError(err))
	}
	return deliveriesToModel(rows)
}

func (r *DeliveryRepo) one(ctx context.Context, op, q string, args ...any) (*model.Delivery, error) {
	row, err := pgxutil.CollectStruct[deliveryRow](ctx, r.DB, pgxutil.Query{SQL: q, Args: args})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrDeliveryNotFound
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return row.toModel()
}

func (r *DeliveryRepo) many(ctx context.Context, op, q string, args ...any) ([]*model.Delivery, error) {
	rows, err := pgxutil.CollectStructs[deliveryRow](ctx, r.DB, pgxutil.Query{SQL: q, Args: args})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return deliveriesToModel(rows)
}

func deliveriesToModel(rows []*deliveryRow) ([]*model.Delivery, error) {
	out := make([]*model.Delivery, 0, len(rows))
	for _, row := range rows {
		d, err := row.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func rowsChanged(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}
