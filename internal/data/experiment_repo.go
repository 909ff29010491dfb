package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/target/mmk-dispatch/internal/data/pgxutil"
	"github.com/target/mmk-dispatch/internal/domain/model"
	apperrors "github.com/target/mmk-dispatch/internal/errors"
)

// ExperimentRepo provides database operations for experiment variant counters.
type ExperimentRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewExperimentRepo creates a new ExperimentRepo instance with the given database connection.
func NewExperimentRepo(db *sql.DB) *ExperimentRepo {
	return &ExperimentRepo{DB: db, timeProvider: &RealTimeProvider{}}
}

const variantColumns = `experiment_id, variant, sent, delivered, opened, clicked, responded, converted, bounced, updated_at`

type variantRow struct {
	ExperimentID string    `db:"experiment_id"`
	Variant      string    `db:"variant"`
	Sent         int64     `db:"sent"`
	Delivered    int64     `db:"delivered"`
	Opened       int64     `db:"opened"`
	Clicked      int64     `db:"clicked"`
	Responded    int64     `db:"responded"`
	Converted    int64     `db:"converted"`
	Bounced      int64     `db:"bounced"`
	UpdatedAt    time.Time `db:"updated_at"`
}

func (r *variantRow) toModel() *model.VariantAggregate {
	return &model.VariantAggregate{
		ExperimentID: r.ExperimentID,
		Variant:      r.Variant,
		Counts: model.OutcomeCounts{
			Sent:      r.Sent,
			Delivered: r.Delivered,
			Opened:    r.Opened,
			Clicked:   r.Clicked,
			Responded: r.Responded,
			Converted: r.Converted,
			Bounced:   r.Bounced,
		},
		UpdatedAt: r.UpdatedAt.UTC(),
	}
}

// Increment adds the delta to a variant's counters in one upsert.
func (r *ExperimentRepo) Increment(ctx context.Context, p model.IncrementParams) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.At.IsZero() {
		p.At = r.timeProvider.Now()
	}
	return incrementVariant(ctx, r.DB, p)
}

// incrementVariant upserts a validated delta through ex, so callers can run it inside
// the transaction that performs the transition being counted.
func incrementVariant(ctx context.Context, ex execer, p model.IncrementParams) error {
	if p.Delta.IsZero() {
		return nil
	}
	at := p.At
	if at.IsZero() {
		at = time.Now()
	}
	d := p.Delta
	_, err := ex.ExecContext(ctx, `
		INSERT INTO experiment_variants (
			experiment_id, variant, sent, delivered, opened, clicked, responded, converted, bounced, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (experiment_id, variant) DO UPDATE SET
			sent       = experiment_variants.sent + EXCLUDED.sent,
			delivered  = experiment_variants.delivered + EXCLUDED.delivered,
			opened     = experiment_variants.opened + EXCLUDED.opened,
			clicked    = experiment_variants.clicked + EXCLUDED.clicked,
			responded  = experiment_variants.responded + EXCLUDED.responded,
			converted  = experiment_variants.converted + EXCLUDED.converted,
			bounced    = experiment_variants.bounced + EXCLUDED.bounced,
			updated_at = EXCLUDED.updated_at
	`, p.ExperimentID, p.Variant, d.Sent, d.Delivered, d.Opened, d.Clicked, d.Responded, d.Converted, d.Bounced, at.UTC())
	if err != nil {
		return fmt.Errorf("increment experiment variant: %w", apperrors.MapDBError(err))
	}
	return nil
}

// GetVariant returns the variant's counters, or a zero aggregate when nothing was recorded.
func (r *ExperimentRepo) GetVariant(ctx context.Context, experimentID, variant string) (*model.VariantAggregate, error) {
	row, err := pgxutil.CollectStruct[variantRow](ctx, r.DB, pgxutil.Query{
		SQL:  `SELECT ` + variantColumns + ` FROM experiment_variants WHERE experiment_id = $1 AND variant = $2`,
		Args: []any{experimentID, variant},
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &model.VariantAggregate{ExperimentID: experimentID, Variant: variant}, nil
		}
		return nil, fmt.Errorf("get experiment variant: %w", apperrors.MapDBError(err))
	}
	return row.toModel(), nil
}

// ListVariants returns every variant recorded for the experiment ordered by label.
func (r *ExperimentRepo) ListVariants(ctx context.Context, experimentID string) ([]*model.VariantAggregate, error) {
	rows, err := pgxutil.CollectStructs[variantRow](ctx, r.DB, pgxutil.Query{
		SQL:  `SELECT ` + variantColumns + ` FROM experiment_variants WHERE experiment_id = $1 ORDER BY variant`,
		Args: []any{experimentID},
	})
	if err != nil {
		return nil, fmt.Errorf("list experiment variants: %w", apperrors.MapDBError(err))
	}
	out := make([]*model.VariantAggregate, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toModel())
	}
	return out, nil
}
