package data

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/mmk-dispatch/internal/domain/model"
	"github.com/target/mmk-dispatch/internal/testutil"
)

func TestJobRunRepo_ClaimAndFinish(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		now := testutil.TestTime()
		job, err := NewRecurringJobRepo(db).Create(ctx, newTestJob("runs", now))
		require.NoError(t, err)
		repo := NewJobRunRepo(db)

		run, ok, err := repo.Claim(ctx, model.ClaimRunParams{JobID: job.ID, TriggeredBy: model.TriggerManual, Now: now})
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, model.RunStatusProcessing, run.Status)
		assert.Equal(t, model.TriggerManual, run.TriggeredBy)

		t.Run("second claim is contention", func(t *testing.T) {
			other, ok, err := repo.Claim(ctx, model.ClaimRunParams{JobID: job.ID, Now: now})
			require.NoError(t, err)
			assert.False(t, ok)
			assert.Nil(t, other)
		})

		ref := "artifact:1"
		finished, err := repo.Finish(ctx, model.FinishRunParams{
			RunID:       run.ID,
			Status:      model.RunStatusCompleted,
			CompletedAt: now.Add(1500 * time.Millisecond),
			ArtifactRef: &ref,
			Recipients: []model.RecipientDelivery{
				{Address: "ops@example.com", Channel: model.ChannelEmail, Status: "delivered"},
			},
		})
		require.NoError(t, err)
		assert.Equal(t, model.RunStatusCompleted, finished.Status)
		assert.Equal(t, 1500*time.Millisecond, finished.Duration)
		require.NotNil(t, finished.ArtifactRef)
		assert.Equal(t, ref, *finished.ArtifactRef)
		require.Len(t, finished.Recipients, 1)

		t.Run("finished run cannot finish again", func(t *testing.T) {
			_, err := repo.Finish(ctx, model.FinishRunParams{RunID: run.ID, Status: model.RunStatusFailed, CompletedAt: now})
			require.ErrorIs(t, err, model.ErrInvalidRunTransition)
		})

		t.Run("claim succeeds after finish", func(t *testing.T) {
			_, ok, err := repo.Claim(ctx, model.ClaimRunParams{JobID: job.ID, Now: now.Add(time.Minute)})
			require.NoError(t, err)
			assert.True(t, ok)
		})

		runs, err := repo.ListByJob(ctx, job.ID, 10)
		require.NoError(t, err)
		require.Len(t, runs, 2)
		assert.Equal(t, model.RunStatusProcessing, runs[0].Status)
	})
}

func TestJobRunRepo_ConcurrentClaimSingleWinner(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		job, err := NewRecurringJobRepo(db).Create(ctx, newTestJob("contended", testutil.TestTime()))
		require.NoError(t, err)
		repo := NewJobRunRepo(db)

		const workers = 8
		var (
			wg      sync.WaitGroup
			winners atomic.Int32
		)
		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, ok, claimErr := repo.Claim(ctx, model.ClaimRunParams{JobID: job.ID, Now: testutil.TestTime()})
				assert.NoError(t, claimErr)
				if ok {
					winners.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), winners.Load())
	})
}

func TestJobRunRepo_Errors(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		repo := NewJobRunRepo(db)

		_, _, err := repo.Claim(ctx, model.ClaimRunParams{JobID: uuid.NewString(), Now: testutil.TestTime()})
		require.ErrorIs(t, err, model.ErrRecurringJobNotFound)

		_, err = repo.Finish(ctx, model.FinishRunParams{RunID: uuid.NewString(), Status: model.RunStatusFailed})
		require.ErrorIs(t, err, model.ErrJobRunNotFound)

		_, err = repo.Finish(ctx, model.FinishRunParams{RunID: uuid.NewString(), Status: model.RunStatusPending})
		require.ErrorIs(t, err, model.ErrInvalidRunTransition)
	})
}

func TestJobRunRepo_FindStaleProcessing(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		now := testutil.TestTime()
		jobs := NewRecurringJobRepo(db)
		repo := NewJobRunRepo(db)

		oldJob, err := jobs.Create(ctx, newTestJob("old", now))
		require.NoError(t, err)
		freshJob, err := jobs.Create(ctx, newTestJob("fresh", now))
		require.NoError(t, err)

		stale, ok, err := repo.Claim(ctx, model.ClaimRunParams{JobID: oldJob.ID, Now: now.Add(-time.Hour)})
		require.NoError(t, err)
		require.True(t, ok)
		_, ok, err = repo.Claim(ctx, model.ClaimRunParams{JobID: freshJob.ID, Now: now})
		require.NoError(t, err)
		require.True(t, ok)

		found, err := repo.FindStaleProcessing(ctx, now.Add(-30*time.Minute), 10)
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, stale.ID, found[0].ID)
	})
}

func TestJobRunRepo_ClaimOccurrence(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		now := testutil.TestTime()
		occ := now.Add(-time.Minute)
		jobs := NewRecurringJobRepo(db)
		job, err := jobs.Create(ctx, newTestJob("occurrence", occ))
		require.NoError(t, err)
		repo := NewJobRunRepo(db)

		stale := occ.Add(-7 * 24 * time.Hour)
		_, ok, err := repo.Claim(ctx, model.ClaimRunParams{JobID: job.ID, Now: now, Occurrence: &stale})
		require.NoError(t, err)
		assert.False(t, ok)

		run, ok, err := repo.Claim(ctx, model.ClaimRunParams{JobID: job.ID, Now: now, Occurrence: &occ})
		require.NoError(t, err)
		require.True(t, ok)
		require.NotNil(t, run.Occurrence)
		assert.True(t, run.Occurrence.Equal(occ))

		_, err = repo.Finish(ctx, model.FinishRunParams{RunID: run.ID, Status: model.RunStatusCompleted, CompletedAt: now})
		require.NoError(t, err)

		t.Run("same occurrence is not claimed twice", func(t *testing.T) {
			_, ok, err := repo.Claim(ctx, model.ClaimRunParams{JobID: job.ID, Now: now, Occurrence: &occ})
			require.NoError(t, err)
			assert.False(t, ok)
		})

		pending, err := repo.FindUnrecorded(ctx, now.Add(time.Second), 10)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, run.ID, pending[0].ID)
		assert.False(t, pending[0].OutcomeRecorded)

		params := model.RecordOutcomeParams{
			JobID: job.ID, RunID: run.ID, Outcome: model.RunOutcomeSuccess, At: now, NextRunAt: now.Add(time.Hour),
		}
		updated, err := jobs.RecordOutcome(ctx, params)
		require.NoError(t, err)
		assert.EqualValues(t, 1, updated.RunCount)

		again, err := jobs.RecordOutcome(ctx, params)
		require.ErrorIs(t, err, model.ErrOutcomeAlreadyRecorded)
		require.NotNil(t, again)
		assert.EqualValues(t, 1, again.RunCount)

		pending, err = repo.FindUnrecorded(ctx, now.Add(time.Second), 10)
		require.NoError(t, err)
		assert.Empty(t, pending)

		_, err = jobs.RecordOutcome(ctx, model.RecordOutcomeParams{
			JobID: job.ID, RunID: uuid.NewString(), Outcome: model.RunOutcomeSuccess, At: now,
		})
		require.ErrorIs(t, err, model.ErrJobRunNotFound)
	})
}

func TestJobRunRepo_ConcurrentOccurrenceClaim(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		now := testutil.TestTime()
		job, err := NewRecurringJobRepo(db).Create(ctx, newTestJob("fire-once", now))
		require.NoError(t, err)
		repo := NewJobRunRepo(db)

		var (
			wg      sync.WaitGroup
			winners atomic.Int32
		)
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				run, ok, claimErr := repo.Claim(ctx, model.ClaimRunParams{JobID: job.ID, Now: now, Occurrence: &now})
				assert.NoError(t, claimErr)
				if !ok {
					return
				}
				winners.Add(1)
				_, finishErr := repo.Finish(ctx, model.FinishRunParams{
					RunID: run.ID, Status: model.RunStatusCompleted, CompletedAt: now,
				})
				assert.NoError(t, finishErr)
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), winners.Load())

		runs, err := repo.ListByJob(ctx, job.ID, 10)
		require.NoError(t, err)
		assert.Len(t, runs, 1)
	})
}
