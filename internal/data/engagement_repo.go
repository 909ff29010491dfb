package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"

	"github.com/target/mmk-dispatch/internal/data/pgxutil"
	"github.com/target/mmk-dispatch/internal/domain/model"
	apperrors "github.com/target/mmk-dispatch/internal/errors"
)

// EngagementRepo records recipient interactions and answers best-send-hour queries.
type EngagementRepo struct {
	DB *sql.DB
}

// NewEngagementRepo creates a new EngagementRepo instance with the given database connection.
func NewEngagementRepo(db *sql.DB) *EngagementRepo {
	return &EngagementRepo{DB: db}
}

// Record stores the engagement once per delivery and event. Duplicates return false.
// A non-nil counter is upserted in the same transaction as the first insert only.
func (r *EngagementRepo) Record(
	ctx context.Context,
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
	if _, err := uuid.Parse(e.DeliveryID); err != nil {
		return false, model.ErrDeliveryNotFound
	}

	var inserted bool
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx, `
				INSERT INTO delivery_engagements (delivery_id, recipient_id, notification_type, event, occurred_at)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (delivery_id, event) DO NOTHING
			`, e.DeliveryID, e.RecipientID, e.NotificationType, string(e.Event), e.OccurredAt.UTC())
			if err != nil {
				return err
			}
			if inserted, err = rowsChanged(res); err != nil || !inserted || counter == nil {
				return err
			}
			return incrementVariant(ctx, tx, *counter)
		},
	})
	if err != nil {
		if apperrors.IsPgCode(err, pgerrcode.ForeignKeyViolation, "") {
			return false, model.ErrDeliveryNotFound
		}
		return false, fmt.Errorf("record engagement: %w", apperrors.MapDBError(err))
	}
	return inserted, nil
}

// BestHour returns the UTC hour in which the recipient most often opened notifications of
// the given type, ties broken by the earlier hour. It returns nil without history.
func (r *EngagementRepo) BestHour(ctx context.Context, recipientID, notificationType string) (*int, error) {
	var hour int
	err := r.DB.QueryRowContext(ctx, `
		SELECT EXTRACT(HOUR FROM occurred_at AT TIME ZONE 'UTC')::int AS hour
		FROM delivery_engagements
		WHERE recipient_id = $1 AND notification_type = $2 AND event = 'opened'
		GROUP BY 1
		ORDER BY COUNT(*) DESC, hour ASC
		LIMIT 1
	`, recipientID, notificationType).Scan(&hour)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("best hour: %w", apperrors.MapDBError(err))
	}
	return &hour, nil
}
