package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/mmk-dispatch/internal/core"
	"github.com/target/mmk-dispatch/internal/data"
	"github.com/target/mmk-dispatch/internal/data/memory"
	"github.com/target/mmk-dispatch/internal/domain/model"
	"github.com/target/mmk-dispatch/internal/domain/schedule"
	apperrors "github.com/target/mmk-dispatch/internal/errors"
	"github.com/target/mmk-dispatch/internal/testutil"
)

func newTestRegistry(t *testing.T) (*JobRegistryService, *data.FixedTimeProvider) {
	t.Helper()
	clock := data.NewFixedTimeProvider(testutil.TestTime()) // Monday 2024-01-01 12:00 UTC
	store := memory.NewStore(clock)
	return MustNewJobRegistryService(JobRegistryServiceOptions{
		Repo:  store.RecurringJobs(),
		Clock: clock,
	}), clock
}

func TestNewJobRegistryService_RequiresRepo(t *testing.T) {
	_, err := NewJobRegistryService(JobRegistryServiceOptions{})
	require.Error(t, err)
	assert.Panics(t, func() { MustNewJobRegistryService(JobRegistryServiceOptions{}) })
}

func TestJobRegistryService_Create(t *testing.T) {
	svc, _ := newTestRegistry(t)
	ctx := context.Background()

	job, err := svc.Create(ctx, testutil.NewRecurringJobRequest().Build())
	require.NoError(t, err)

	assert.NotEmpty(t, job.ID)
	assert.True(t, job.IsActive)
	assert.Equal(t, model.RunOutcomeNever, job.LastRunStatus)
	assert.Equal(t, time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC), job.NextRunAt)
	assert.Nil(t, job.LastRunAt)

	got, err := svc.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.NextRunAt, got.NextRunAt)
}

func TestJobRegistryService_CreateReport(t *testing.T) {
	svc, _ := newTestRegistry(t)
	ctx := context.Background()

	job, err := svc.Create(ctx, testutil.NewRecurringJobRequest().
		WithName("weekly-summary").
		WithKind(model.JobKindReport).
		WithRender(model.RenderParams{Format: model.RenderFormatPDF}).
		Build())
	require.NoError(t, err)

	got, err := svc.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobKindReport, got.Kind)
	assert.Equal(t, model.RenderFormatPDF, got.Render.Format)
}

func TestJobRegistryService_CreateValidation(t *testing.T) {
	svc, _ := newTestRegistry(t)
	ctx := context.Background()

	tests := map[string]*model.CreateRecurringJobRequest{
		"nil request":  nil,
		"missing name": testutil.NewRecurringJobRequest().WithName(" ").Build(),
		"bad cadence": testutil.NewRecurringJobRequest().
			WithSchedule(schedule.Spec{Cadence: "hourly"}).Build(),
		"bad timezone": testutil.NewRecurringJobRequest().Weekly(time.Monday, 9, 0, "Mars/Olympus").Build(),
		"bad cron": testutil.NewRecurringJobRequest().WithSchedule(schedule.Spec{
			Cadence: schedule.CadenceCustom,
			Params:  schedule.Params{Expression: "not a cron"},
		}).Build(),
	}
	for name, req := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := svc.Create(ctx, req)
			require.Error(t, err)
			assert.True(t, apperrors.IsValidation(err), "want validation error, got %v", err)
		})
	}
}

func TestJobRegistryService_DueJobs(t *testing.T) {
	svc, clock := newTestRegistry(t)
	ctx := context.Background()

	early, err := svc.Create(ctx, testutil.NewRecurringJobRequest().WithName("early").
		WithSchedule(schedule.Spec{Cadence: schedule.CadenceDaily, Params: schedule.Params{
			TimeOfDay: schedule.TimeOfDay{Hour: 6},
		}}).Build())
	require.NoError(t, err)
	late, err := svc.Create(ctx, testutil.NewRecurringJobRequest().WithName("late").Build())
	require.NoError(t, err)
	_, err = svc.Create(ctx, testutil.NewRecurringJobRequest().WithName("off").Inactive().Build())
	require.NoError(t, err)

	due, err := svc.DueJobs(ctx, clock.Now())
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = svc.DueJobs(ctx, time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, early.ID, due[0].ID)
	assert.Equal(t, late.ID, due[1].ID)
}

func TestJobRegistryService_RecordOutcome(t *testing.T) {
	svc, clock := newTestRegistry(t)
	ctx := context.Background()

	job, err := svc.Create(ctx, testutil.NewRecurringJobRequest().Build())
	require.NoError(t, err)

	// The job fires late, at 09:30 on the 2nd.
	clock.SetTime(time.Date(2024, 1, 2, 9, 30, 0, 0, time.UTC))
	updated, err := svc.RecordOutcome(ctx, job.ID, model.RunOutcomeSuccess, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), updated.RunCount)
	assert.Equal(t, int64(1), updated.SuccessCount)
	assert.Equal(t, model.RunOutcomeSuccess, updated.LastRunStatus)
	require.NotNil(t, updated.LastRunAt)
	assert.Equal(t, clock.Now(), *updated.LastRunAt)
	assert.Equal(t, time.Date(2024, 1, 3, 9, 0, 0, 0, time.UTC), updated.NextRunAt)

	updated, err = svc.RecordOutcome(ctx, job.ID, model.RunOutcomeFailed, "render failed")
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.RunCount)
	assert.Equal(t, int64(1), updated.FailureCount)
	assert.True(t, updated.CountersConsistent())
	assert.Equal(t, model.RunOutcomeFailed, updated.LastRunStatus)

	_, err = svc.RecordOutcome(ctx, "missing", model.RunOutcomeSuccess, "")
	require.ErrorIs(t, err, model.ErrRecurringJobNotFound)
}

func TestJobRegistryService_RecordOutcomeNeverMovesBackwards(t *testing.T) {
	svc, clock := newTestRegistry(t)
	ctx := context.Background()

	job, err := svc.Create(ctx, testutil.NewRecurringJobRequest().Build())
	require.NoError(t, err)

	// A slow run finishing with a clock earlier than the stored NextRunAt must not rewind it.
	clock.SetTime(time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC))
	updated, err := svc.RecordOutcome(ctx, job.ID, model.RunOutcomeSuccess, "")
	require.NoError(t, err)
	assert.Equal(t, job.NextRunAt, updated.NextRunAt)
}

func TestJobRegistryService_RecordOutcomeDeactivatesUnschedulableJob(t *testing.T) {
	clock := data.NewFixedTimeProvider(testutil.TestTime())
	store := memory.NewStore(clock)
	svc := MustNewJobRegistryService(JobRegistryServiceOptions{Repo: store.RecurringJobs(), Clock: clock})
	ctx := context.Background()

	// Stored before its zone was removed from the tz database.
	past := clock.Now().Add(-time.Hour)
	job, err := store.RecurringJobs().Create(ctx, &model.RecurringJob{
		Name:      "stranded",
		Kind:      model.JobKindReport,
		IsActive:  true,
		NextRunAt: past,
		Schedule: schedule.Spec{
			Cadence:  schedule.CadenceDaily,
			Params:   schedule.Params{TimeOfDay: schedule.TimeOfDay{Hour: 9}},
			Timezone: "Mars/Olympus",
		},
	})
	require.NoError(t, err)

	due, err := svc.DueJobs(ctx, clock.Now())
	require.NoError(t, err)
	require.Len(t, due, 1)

	updated, err := svc.RecordOutcome(ctx, job.ID, model.RunOutcomeSuccess, "")
	require.NoError(t, err)
	assert.False(t, updated.IsActive)
	assert.Equal(t, past, updated.NextRunAt)
	assert.EqualValues(t, 1, updated.RunCount)
	assert.Equal(t, model.RunOutcomeSuccess, updated.LastRunStatus)

	due, err = svc.DueJobs(ctx, clock.Now())
	require.NoError(t, err)
	assert.Empty(t, due, "a deactivated job is not picked up again")
}

func TestJobRegistryService_RecordRunOutcomeAppliesOnce(t *testing.T) {
	clock := data.NewFixedTimeProvider(testutil.TestTime())
	store := memory.NewStore(clock)
	svc := MustNewJobRegistryService(JobRegistryServiceOptions{Repo: store.RecurringJobs(), Clock: clock})
	ctx := context.Background()

	job, err := svc.Create(ctx, testutil.NewRecurringJobRequest().Build())
	require.NoError(t, err)
	run, ok, err := store.JobRuns().Claim(ctx, model.ClaimRunParams{
		JobID: job.ID, TriggeredBy: model.TriggerManual, Now: clock.Now(),
	})
	require.NoError(t, err)
	require.True(t, ok)

	_, err = svc.RecordRunOutcome(ctx, run)
	require.ErrorIs(t, err, model.ErrInvalidRunTransition)

	msg := "render failed"
	finished, err := store.JobRuns().Finish(ctx, model.FinishRunParams{
		RunID: run.ID, Status: model.RunStatusFailed, ErrorMessage: &msg,
	})
	require.NoError(t, err)

	updated, err := svc.RecordRunOutcome(ctx, finished)
	require.NoError(t, err)
	assert.EqualValues(t, 1, updated.RunCount)
	assert.EqualValues(t, 1, updated.FailureCount)
	assert.Equal(t, model.RunOutcomeFailed, updated.LastRunStatus)

	again, err := svc.RecordRunOutcome(ctx, finished)
	require.ErrorIs(t, err, model.ErrOutcomeAlreadyRecorded)
	require.NotNil(t, again)
	assert.EqualValues(t, 1, again.RunCount)
}

func TestJobRegistryService_ConcurrentOutcomesKeepCountersConsistent(t *testing.T) {
	svc, _ := newTestRegistry(t)
	ctx := context.Background()

	job, err := svc.Create(ctx, testutil.NewRecurringJobRequest().Build())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := range 40 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome := model.RunOutcomeSuccess
			if i%4 == 0 {
				outcome = model.RunOutcomeFailed
			}
			_, recErr := svc.RecordOutcome(ctx, job.ID, outcome, "")
			assert.NoError(t, recErr)
		}()
	}
	wg.Wait()

	got, err := svc.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(40), got.RunCount)
	assert.Equal(t, int64(10), got.FailureCount)
	assert.True(t, got.CountersConsistent())
}

func TestJobRegistryService_SetActiveAndUpdateSchedule(t *testing.T) {
	svc, clock := newTestRegistry(t)
	ctx := context.Background()

	job, err := svc.Create(ctx, testutil.NewRecurringJobRequest().Build())
	require.NoError(t, err)

	deactivated, err := svc.Deactivate(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, deactivated.IsActive)
	assert.Equal(t, job.NextRunAt, deactivated.NextRunAt)

	// Re-activating three days later recomputes from the new now.
	clock.SetTime(time.Date(2024, 1, 4, 10, 0, 0, 0, time.UTC))
	activated, err := svc.SetActive(ctx, job.ID, true)
	require.NoError(t, err)
	assert.True(t, activated.IsActive)
	assert.Equal(t, time.Date(2024, 1, 5, 9, 0, 0, 0, time.UTC), activated.NextRunAt)

	weekly := schedule.Spec{
		Cadence:  schedule.CadenceWeekly,
		Params:   schedule.Params{DayOfWeek: time.Monday, TimeOfDay: schedule.TimeOfDay{Hour: 8}},
		Timezone: "America/New_York",
	}
	updated, err := svc.UpdateSchedule(ctx, job.ID, weekly)
	require.NoError(t, err)
	assert.Equal(t, schedule.CadenceWeekly, updated.Schedule.Cadence)
	// Monday 2024-01-08 08:00 EST is 13:00 UTC.
	assert.Equal(t, time.Date(2024, 1, 8, 13, 0, 0, 0, time.UTC), updated.NextRunAt)

	_, err = svc.UpdateSchedule(ctx, job.ID, schedule.Spec{Cadence: schedule.CadenceMonthly})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))

	_, err = svc.SetActive(ctx, "missing", true)
	require.ErrorIs(t, err, model.ErrRecurringJobNotFound)
}

type failingJobRepo struct {
	core.RecurringJobRepository
}

var errStoreDown = errors.New("store down")

func (failingJobRepo) FindDue(context.Context, time.Time, int) ([]*model.RecurringJob, error) {
	return nil, errStoreDown
}

func TestJobRegistryService_StoreFailuresPropagate(t *testing.T) {
	svc := MustNewJobRegistryService(JobRegistryServiceOptions{Repo: failingJobRepo{}})
	_, err := svc.DueJobs(context.Background(), time.Now())
	require.ErrorIs(t, err, errStoreDown)
}
