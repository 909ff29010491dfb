package data

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/mmk-dispatch/internal/domain/model"
	"github.com/target/mmk-dispatch/internal/domain/schedule"
	"github.com/target/mmk-dispatch/internal/testutil"
)

func newTestJob(name string, next time.Time) *model.RecurringJob {
	return &model.RecurringJob{
		Name:         name,
		Kind:         model.JobKindExport,
		TemplateKind: "orders",
		Schedule: schedule.Spec{
			Cadence:  schedule.CadenceWeekly,
			Params:   schedule.Params{DayOfWeek: time.Monday, TimeOfDay: schedule.TimeOfDay{Hour: 9}},
			Timezone: "Europe/Berlin",
		},
		IsActive:   true,
		NextRunAt:  next,
		Recipients: []model.Recipient{{Address: "ops@example.com", Channel: model.ChannelEmail}},
		Render: model.RenderParams{
			Format:  model.RenderFormatCSV,
			Filters: []model.Filter{{Field: "status", Op: model.FilterEq, Value: "open"}},
			Columns: []model.Column{{Name: "id"}, {Name: "total", Expr: "amount.total"}},
		},
	}
}

func TestRecurringJobRepo_CreateAndGet(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		tp := NewFixedTimeProvider(testutil.TestTime())
		repo := NewRecurringJobRepoWithTimeProvider(db, tp)

		created, err := repo.Create(ctx, newTestJob("weekly-orders", testutil.TestTime().Add(time.Hour)))
		require.NoError(t, err)
		assert.NotEmpty(t, created.ID)
		assert.Equal(t, model.RunOutcomeNever, created.LastRunStatus)
		assert.Nil(t, created.LastRunAt)
		assert.Equal(t, testutil.TestTime(), created.CreatedAt)

		got, err := repo.GetByID(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, schedule.CadenceWeekly, got.Schedule.Cadence)
		assert.Equal(t, time.Monday, got.Schedule.Params.DayOfWeek)
		assert.Equal(t, "Europe/Berlin", got.Schedule.Timezone)
		assert.Equal(t, created.Recipients, got.Recipients)
		require.Len(t, got.Render.Columns, 2)
		assert.Equal(t, "amount.total", got.Render.Columns[1].Expr)
		require.Len(t, got.Render.Filters, 1)
		assert.Equal(t, "open", got.Render.Filters[0].Value)

		_, err = repo.GetByID(ctx, uuid.NewString())
		require.ErrorIs(t, err, model.ErrRecurringJobNotFound)
		_, err = repo.GetByID(ctx, "not-a-uuid")
		require.ErrorIs(t, err, model.ErrRecurringJobNotFound)
	})
}

func TestRecurringJobRepo_FindDue(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		repo := NewRecurringJobRepo(db)
		now := testutil.TestTime()

		later, err := repo.Create(ctx, newTestJob("later", now.Add(-time.Minute)))
		require.NoError(t, err)
		earlier, err := repo.Create(ctx, newTestJob("earlier", now.Add(-time.Hour)))
		require.NoError(t, err)
		_, err = repo.Create(ctx, newTestJob("future", now.Add(time.Hour)))
		require.NoError(t, err)

		inactive := newTestJob("inactive", now.Add(-2*time.Hour))
		inactive.IsActive = false
		_, err = repo.Create(ctx, inactive)
		require.NoError(t, err)

		due, err := repo.FindDue(ctx, now, 10)
		require.NoError(t, err)
		require.Len(t, due, 2)
		assert.Equal(t, earlier.ID, due[0].ID)
		assert.Equal(t, later.ID, due[1].ID)

		due, err = repo.FindDue(ctx, now, 1)
		require.NoError(t, err)
		require.Len(t, due, 1)

		_, err = repo.FindDue(ctx, now, 0)
		require.Error(t, err)
	})
}

func TestRecurringJobRepo_RecordOutcome(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		repo := NewRecurringJobRepo(db)
		now := testutil.TestTime()

		job, err := repo.Create(ctx, newTestJob("outcomes", now.Add(7*24*time.Hour)))
		require.NoError(t, err)

		updated, err := repo.RecordOutcome(ctx, model.RecordOutcomeParams{
			JobID: job.ID, Outcome: model.RunOutcomeSuccess, At: now, NextRunAt: now.Add(14 * 24 * time.Hour),
		})
		require.NoError(t, err)
		assert.Equal(t, int64(1), updated.RunCount)
		assert.Equal(t, int64(1), updated.SuccessCount)
		assert.Equal(t, model.RunOutcomeSuccess, updated.LastRunStatus)
		require.NotNil(t, updated.LastRunAt)
		assert.Equal(t, now, *updated.LastRunAt)
		assert.Equal(t, now.Add(14*24*time.Hour), updated.NextRunAt)

		t.Run("never moves next run backwards", func(t *testing.T) {
			again, err := repo.RecordOutcome(ctx, model.RecordOutcomeParams{
				JobID: job.ID, Outcome: model.RunOutcomeFailed, At: now, NextRunAt: now.Add(time.Hour),
			})
			require.NoError(t, err)
			assert.Equal(t, now.Add(14*24*time.Hour), again.NextRunAt)
			assert.Equal(t, int64(2), again.RunCount)
			assert.Equal(t, int64(1), again.FailureCount)
			assert.True(t, again.CountersConsistent())
		})

		t.Run("deactivate keeps next run", func(t *testing.T) {
			off, err := repo.RecordOutcome(ctx, model.RecordOutcomeParams{
				JobID: job.ID, Outcome: model.RunOutcomeFailed, At: now, Deactivate: true,
			})
			require.NoError(t, err)
			assert.False(t, off.IsActive)
			assert.Equal(t, now.Add(14*24*time.Hour), off.NextRunAt)
			assert.Equal(t, int64(3), off.RunCount)
		})

		t.Run("rejects unknown outcome", func(t *testing.T) {
			_, err := repo.RecordOutcome(ctx, model.RecordOutcomeParams{JobID: job.ID, Outcome: model.RunOutcomeNever})
			require.Error(t, err)
		})

		t.Run("missing job", func(t *testing.T) {
			_, err := repo.RecordOutcome(ctx, model.RecordOutcomeParams{
				JobID: uuid.NewString(), Outcome: model.RunOutcomeSuccess, At: now, NextRunAt: now,
			})
			require.ErrorIs(t, err, model.ErrRecurringJobNotFound)
		})
	})
}

func TestRecurringJobRepo_UpdateScheduleForcesNextRun(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		repo := NewRecurringJobRepo(db)
		now := testutil.TestTime()

		job, err := repo.Create(ctx, newTestJob("reschedule", now.Add(30*24*time.Hour)))
		require.NoError(t, err)

		spec := schedule.Spec{Cadence: schedule.CadenceDaily, Params: schedule.Params{TimeOfDay: schedule.TimeOfDay{Hour: 6}}}
		updated, err := repo.UpdateSchedule(ctx, model.UpdateScheduleParams{
			JobID: job.ID, Schedule: spec, IsActive: false, NextRunAt: now.Add(18 * time.Hour), At: now,
		})
		require.NoError(t, err)
		assert.Equal(t, schedule.CadenceDaily, updated.Schedule.Cadence)
		assert.Empty(t, updated.Schedule.Timezone)
		assert.False(t, updated.IsActive)
		assert.Equal(t, now.Add(18*time.Hour), updated.NextRunAt)

		due, err := repo.FindDue(ctx, now.Add(48*time.Hour), 10)
		require.NoError(t, err)
		assert.Empty(t, due)
	})
}
