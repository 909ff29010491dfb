package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/target/mmk-dispatch/internal/core"
	"github.com/target/mmk-dispatch/internal/domain/model"
	apperrors "github.com/target/mmk-dispatch/internal/errors"
	"github.com/target/mmk-dispatch/internal/mocks"
	"github.com/target/mmk-dispatch/internal/observability/notify"
	"github.com/target/mmk-dispatch/internal/testutil"
)

type executorFixture struct {
	*testEnv
	renderer  *mocks.MockRenderer
	transport *mocks.MockTransport
	executor  *RunExecutor
}

func newExecutorFixture(t *testing.T) *executorFixture {
	t.Helper()
	env := newTestEnv(t)
	ctrl := gomock.NewController(t)
	f := &executorFixture{
		testEnv:   env,
		renderer:  mocks.NewMockRenderer(ctrl),
		transport: mocks.NewMockTransport(ctrl),
	}
	f.executor = f.newExecutor()
	return f
}

// newExecutor builds an executor over the fixture's store, as another replica would.
func (f *executorFixture) newExecutor() *RunExecutor {
	return MustNewRunExecutor(RunExecutorOptions{
		Registry:        f.registry,
		Runs:            f.store.JobRuns(),
		Queue:           f.queue,
		Renderer:        f.renderer,
		Artifacts:       f.store.Artifacts(),
		Transport:       f.transport,
		FailureNotifier: f.notifier,
		Clock:           f.clock,
		Logger:          f.logger,
	})
}

func (f *executorFixture) createJob(t *testing.T, b *testutil.RecurringJobRequestBuilder) *model.RecurringJob {
	t.Helper()
	job, err := f.registry.Create(context.Background(), b.Build())
	require.NoError(t, err)
	return job
}

func TestNewRunExecutor_Validation(t *testing.T) {
	_, err := NewRunExecutor(RunExecutorOptions{})
	require.Error(t, err)
}

func TestRunExecutor_TickRunsDueJob(t *testing.T) {
	f := newExecutorFixture(t)
	ctx := context.Background()

	// Created Monday 12:00, first run Tuesday 09:00.
	job := f.createJob(t, testutil.NewRecurringJobRequest())
	require.Equal(t, time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC), job.NextRunAt)

	res, err := f.executor.Tick(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, res.JobsDue)

	f.clock.SetTime(time.Date(2024, 1, 2, 9, 0, 30, 0, time.UTC))

	var rendered core.RenderRequest
	f.renderer.EXPECT().Render(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req core.RenderRequest) ([]byte, error) {
			rendered = req
			return []byte("id,total\n1,10\n"), nil
		})
	f.transport.EXPECT().Deliver(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, msg core.Message) (core.TransportStatus, error) {
			assert.Equal(t, "ops@example.com", msg.Recipient)
			assert.Equal(t, model.ChannelEmail, msg.Channel)
			assert.NotEmpty(t, msg.ArtifactRef)
			return core.TransportDelivered, nil
		})

	res, err = f.executor.Tick(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, res.JobsDue)
	assert.Equal(t, 1, res.JobsStarted)
	assert.Equal(t, 1, res.JobsSucceeded)
	assert.Equal(t, 0, res.Errors)
	assert.Equal(t, job.ID, rendered.JobID)
	assert.Equal(t, "orders", rendered.TemplateKind)

	updated, err := f.registry.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunOutcomeSuccess, updated.LastRunStatus)
	assert.EqualValues(t, 1, updated.RunCount)
	assert.EqualValues(t, 1, updated.SuccessCount)
	assert.True(t, updated.CountersConsistent())
	assert.Equal(t, time.Date(2024, 1, 3, 9, 0, 0, 0, time.UTC), updated.NextRunAt)

	runs, err := f.store.JobRuns().ListByJob(ctx, job.ID, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	run := runs[0]
	assert.Equal(t, model.RunStatusCompleted, run.Status)
	assert.Equal(t, model.TriggerSchedule, run.TriggeredBy)
	require.NotNil(t, run.ArtifactRef)
	require.Len(t, run.Recipients, 1)
	assert.Equal(t, string(core.TransportDelivered), run.Recipients[0].Status)

	artifact, ok := f.store.Artifacts().Get(*run.ArtifactRef)
	require.True(t, ok)
	assert.Equal(t, "id,total\n1,10\n", string(artifact.Content))

	state, ok := f.executor.Tasks().Get(job.ID)
	require.True(t, ok)
	assert.False(t, state.Running)
	assert.Equal(t, model.RunOutcomeSuccess, state.LastOutcome)
	assert.Equal(t, updated.NextRunAt, state.NextRunAt)
}

func TestRunExecutor_UnitFailuresAreIsolated(t *testing.T) {
	f := newExecutorFixture(t)
	ctx := context.Background()

	ok := f.createJob(t, testutil.NewRecurringJobRequest().WithName("ok"))
	broken := f.createJob(t, testutil.NewRecurringJobRequest().WithName("broken"))
	panicky := f.createJob(t, testutil.NewRecurringJobRequest().WithName("panicky"))

	f.clock.SetTime(time.Date(2024, 1, 2, 9, 1, 0, 0, time.UTC))
	f.renderer.EXPECT().Render(gomock.Any(), gomock.Any()).Times(3).
		DoAndReturn(func(_ context.Context, req core.RenderRequest) ([]byte, error) {
			switch req.JobID {
			case broken.ID:
				return nil, errors.New("template missing")
			case panicky.ID:
				panic("renderer exploded")
			}
			return []byte("ok"), nil
		})
	f.transport.EXPECT().Deliver(gomock.Any(), gomock.Any()).Return(core.TransportDelivered, nil)

	res, err := f.executor.Tick(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 3, res.JobsStarted)
	assert.Equal(t, 1, res.JobsSucceeded)
	assert.Equal(t, 2, res.JobsFailed)

	okJob, err := f.registry.Get(ctx, ok.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunOutcomeSuccess, okJob.LastRunStatus)

	brokenRuns, err := f.store.JobRuns().ListByJob(ctx, broken.ID, 10)
	require.NoError(t, err)
	require.Len(t, brokenRuns, 1)
	assert.Equal(t, model.RunStatusFailed, brokenRuns[0].Status)
	require.NotNil(t, brokenRuns[0].ErrorMessage)
	assert.Contains(t, *brokenRuns[0].ErrorMessage, "template missing")
	assert.Nil(t, brokenRuns[0].ErrorDetail)

	panicRuns, err := f.store.JobRuns().ListByJob(ctx, panicky.ID, 10)
	require.NoError(t, err)
	require.Len(t, panicRuns, 1)
	assert.Equal(t, model.RunStatusFailed, panicRuns[0].Status)
	require.NotNil(t, panicRuns[0].ErrorDetail)
	assert.Contains(t, *panicRuns[0].ErrorDetail, "goroutine")

	// Failed jobs still advance to their next occurrence; they are not retried in the same tick.
	for _, id := range []string{broken.ID, panicky.ID} {
		j, err := f.registry.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.RunOutcomeFailed, j.LastRunStatus)
		assert.EqualValues(t, 1, j.FailureCount)
		assert.Equal(t, time.Date(2024, 1, 3, 9, 0, 0, 0, time.UTC), j.NextRunAt)
	}

	alerts := f.alerts.all()
	require.Len(t, alerts, 2)
	classes := map[string]string{}
	for _, a := range alerts {
		assert.Equal(t, notify.SubjectJobRun, a.Subject)
		assert.Equal(t, notify.SeverityCritical, a.Severity)
		assert.Equal(t, "schedule", a.Metadata["triggered_by"])
		classes[a.OwnerID] = a.ErrorClass
	}
	assert.Equal(t, "panic", classes[panicky.ID])
}

func TestRunExecutor_RunFailsWhenNoRecipientReceivesArtifact(t *testing.T) {
	f := newExecutorFixture(t)
	ctx := context.Background()

	job := f.createJob(t, testutil.NewRecurringJobRequest().WithRecipients(
		model.Recipient{Address: "a@example.com", Channel: model.ChannelEmail},
		model.Recipient{Address: "+15550100", Channel: model.ChannelSMS},
	))
	f.clock.SetTime(job.NextRunAt)

	f.renderer.EXPECT().Render(gomock.Any(), gomock.Any()).Return([]byte("pdf"), nil)
	gomock.InOrder(
		f.transport.EXPECT().Deliver(gomock.Any(), gomock.Any()).Return(core.TransportBounced, nil),
		f.transport.EXPECT().Deliver(gomock.Any(), gomock.Any()).Return(core.TransportStatus(""), errors.New("gateway timeout")),
	)

	res, err := f.executor.Tick(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, res.JobsFailed)

	runs, err := f.store.JobRuns().ListByJob(ctx, job.ID, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	run := runs[0]
	assert.Equal(t, model.RunStatusFailed, run.Status)
	require.NotNil(t, run.ErrorMessage)
	assert.Equal(t, "no recipient received the artifact", *run.ErrorMessage)
	require.Len(t, run.Recipients, 2)
	assert.Equal(t, "bounced", run.Recipients[0].Status)
	assert.Equal(t, "error", run.Recipients[1].Status)
	assert.Equal(t, "gateway timeout", run.Recipients[1].Error)
}

func TestRunExecutor_SkipsJobWithProcessingRun(t *testing.T) {
	f := newExecutorFixture(t)
	ctx := context.Background()

	job := f.createJob(t, testutil.NewRecurringJobRequest())
	f.clock.SetTime(job.NextRunAt)

	// Another process holds the run.
	_, claimed, err := f.store.JobRuns().Claim(ctx, model.ClaimRunParams{JobID: job.ID, Now: f.clock.Now()})
	require.NoError(t, err)
	require.True(t, claimed)

	res, err := f.executor.Tick(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, res.JobsDue)
	assert.Equal(t, 1, res.JobsSkipped)
	assert.Equal(t, 0, res.JobsStarted)

	unchanged, err := f.registry.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 0, unchanged.RunCount)
	assert.Equal(t, job.NextRunAt, unchanged.NextRunAt)

	_, err = f.executor.TriggerManual(ctx, job.ID)
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))
	assert.ErrorIs(t, err, ErrRunInProgress)
}

func TestRunExecutor_ReplicaWithStaleDueListSkipsFinishedOccurrence(t *testing.T) {
	f := newExecutorFixture(t)
	replica := f.newExecutor()
	ctx := context.Background()

	job := f.createJob(t, testutil.NewRecurringJobRequest())
	f.clock.SetTime(job.NextRunAt)

	var renders atomic.Int32
	f.renderer.EXPECT().Render(gomock.Any(), gomock.Any()).AnyTimes().
		DoAndReturn(func(context.Context, core.RenderRequest) ([]byte, error) {
			renders.Add(1)
			return []byte("x"), nil
		})
	f.transport.EXPECT().Deliver(gomock.Any(), gomock.Any()).AnyTimes().Return(core.TransportDelivered, nil)

	// The replica loaded its due list before the first executor ran the job.
	due, err := f.registry.DueJobs(ctx, f.clock.Now())
	require.NoError(t, err)
	require.Len(t, due, 1)

	res, err := f.executor.Tick(ctx, f.clock.Now())
	require.NoError(t, err)
	require.Equal(t, 1, res.JobsSucceeded)

	run, err := replica.executeJob(ctx, due[0], model.TriggerSchedule)
	require.ErrorIs(t, err, ErrRunInProgress)
	assert.Nil(t, run)

	assert.EqualValues(t, 1, renders.Load())
	updated, err := f.registry.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, updated.RunCount)
	runs, err := f.store.JobRuns().ListByJob(ctx, job.ID, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestRunExecutor_UnrecordedRunBlocksOccurrenceUntilReplayed(t *testing.T) {
	f := newExecutorFixture(t)
	replica := f.newExecutor()
	reaper := newTestReaper(t, f.testEnv, nil)
	ctx := context.Background()

	job := f.createJob(t, testutil.NewRecurringJobRequest())
	f.clock.SetTime(job.NextRunAt)

	// Another replica ran the occurrence but crashed before recording it on the job.
	occ := job.NextRunAt
	run, ok, err := f.store.JobRuns().Claim(ctx, model.ClaimRunParams{
		JobID: job.ID, TriggeredBy: model.TriggerSchedule, Now: f.clock.Now(), Occurrence: &occ,
	})
	require.NoError(t, err)
	require.True(t, ok)
	_, err = f.store.JobRuns().Finish(ctx, model.FinishRunParams{RunID: run.ID, Status: model.RunStatusCompleted})
	require.NoError(t, err)

	res, err := replica.Tick(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, res.JobsDue)
	assert.Equal(t, 1, res.JobsSkipped)
	assert.Equal(t, 0, res.JobsStarted)

	f.clock.AddTime(2 * time.Minute)
	require.NoError(t, reaper.RunOnce(ctx))

	updated, err := f.registry.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, updated.RunCount)
	assert.Equal(t, model.RunOutcomeSuccess, updated.LastRunStatus)
	assert.Equal(t, time.Date(2024, 1, 3, 9, 0, 0, 0, time.UTC), updated.NextRunAt)

	// Replaying twice changes nothing.
	require.NoError(t, reaper.RunOnce(ctx))
	updated, err = f.registry.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, updated.RunCount)

	f.renderer.EXPECT().Render(gomock.Any(), gomock.Any()).Return([]byte("x"), nil)
	f.transport.EXPECT().Deliver(gomock.Any(), gomock.Any()).Return(core.TransportDelivered, nil)
	f.clock.SetTime(updated.NextRunAt)
	res, err = replica.Tick(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, res.JobsSucceeded)

	final, err := f.registry.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, final.RunCount)
	assert.True(t, final.CountersConsistent())
}

func TestRunExecutor_InProcessGuard(t *testing.T) {
	f := newExecutorFixture(t)
	ctx := context.Background()

	job := f.createJob(t, testutil.NewRecurringJobRequest())
	f.clock.SetTime(job.NextRunAt)
	require.True(t, f.executor.Tasks().TryStart(job.ID))

	res, err := f.executor.Tick(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, res.JobsSkipped)

	runs, err := f.store.JobRuns().ListByJob(ctx, job.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestRunExecutor_TriggerManual(t *testing.T) {
	f := newExecutorFixture(t)
	ctx := context.Background()

	job := f.createJob(t, testutil.NewRecurringJobRequest())
	require.True(t, job.NextRunAt.After(f.clock.Now()))

	f.renderer.EXPECT().Render(gomock.Any(), gomock.Any()).Return([]byte("x"), nil)
	f.transport.EXPECT().Deliver(gomock.Any(), gomock.Any()).Return(core.TransportDelivered, nil)

	run, err := f.executor.TriggerManual(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TriggerManual, run.TriggeredBy)
	assert.Equal(t, model.RunStatusCompleted, run.Status)

	updated, err := f.registry.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, updated.RunCount)
	assert.False(t, updated.NextRunAt.Before(job.NextRunAt))

	_, err = f.executor.TriggerManual(ctx, "missing")
	require.ErrorIs(t, err, model.ErrRecurringJobNotFound)
}

func TestRunExecutor_MissedWeeklyTickRunsOnce(t *testing.T) {
	f := newExecutorFixture(t)
	ctx := context.Background()

	// Monday 09:00 weekly; created Monday 2024-01-01 12:00, so first due Monday 2024-01-08.
	job := f.createJob(t, testutil.NewRecurringJobRequest().Weekly(time.Monday, 9, 0, ""))
	require.Equal(t, time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC), job.NextRunAt)

	var renders atomic.Int32
	f.renderer.EXPECT().Render(gomock.Any(), gomock.Any()).AnyTimes().
		DoAndReturn(func(context.Context, core.RenderRequest) ([]byte, error) {
			renders.Add(1)
			return []byte("weekly"), nil
		})
	f.transport.EXPECT().Deliver(gomock.Any(), gomock.Any()).AnyTimes().Return(core.TransportDelivered, nil)

	// The process was down over the due time and more than a week passed.
	f.clock.SetTime(time.Date(2024, 1, 17, 15, 0, 0, 0, time.UTC))
	res, err := f.executor.Tick(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, res.JobsSucceeded)

	updated, err := f.registry.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, updated.RunCount)
	assert.Equal(t, time.Date(2024, 1, 22, 9, 0, 0, 0, time.UTC), updated.NextRunAt)

	res, err = f.executor.Tick(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, res.JobsDue)
	assert.EqualValues(t, 1, renders.Load())

	f.clock.SetTime(updated.NextRunAt)
	_, err = f.executor.Tick(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.EqualValues(t, 2, renders.Load())

	final, err := f.registry.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, final.SuccessCount)
	assert.Equal(t, time.Date(2024, 1, 29, 9, 0, 0, 0, time.UTC), final.NextRunAt)
}

func TestRunExecutor_DeliveryChannelFallback(t *testing.T) {
	f := newExecutorFixture(t)
	ctx := context.Background()

	d, _, err := f.queue.Enqueue(ctx, testutil.NewDeliveryRequest().
		WithChannels(model.ChannelEmail, model.ChannelSMS).Build())
	require.NoError(t, err)

	gomock.InOrder(
		f.transport.EXPECT().Deliver(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, msg core.Message) (core.TransportStatus, error) {
				assert.Equal(t, model.ChannelEmail, msg.Channel)
				return core.TransportThrottled, nil
			}),
		f.transport.EXPECT().Deliver(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, msg core.Message) (core.TransportStatus, error) {
				assert.Equal(t, model.ChannelSMS, msg.Channel)
				assert.Equal(t, d.ID+":sms", msg.IdempotencyKey)
				return core.TransportDelivered, nil
			}),
	)

	res, err := f.executor.Tick(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, res.DeliveriesDue)
	assert.Equal(t, 1, res.DeliveriesClaimed)
	assert.Equal(t, 1, res.DeliveriesSent)

	got, err := f.queue.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliverySent, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
}

func TestRunExecutor_DeliveryOutcomeMapping(t *testing.T) {
	tests := []struct {
		name       string
		channels   []model.Channel
		statuses   []core.TransportStatus
		errs       []error
		wantStatus model.DeliveryStatus
		wantResult func(t *testing.T, res TickResult)
	}{
		{
			name:       "every channel bounced is permanent",
			channels:   []model.Channel{model.ChannelEmail, model.ChannelWhatsApp},
			statuses:   []core.TransportStatus{core.TransportBounced, core.TransportBounced},
			errs:       []error{nil, nil},
			wantStatus: model.DeliveryFailed,
			wantResult: func(t *testing.T, res TickResult) { assert.Equal(t, 1, res.DeliveriesFailed) },
		},
		{
			name:       "transport error is retried",
			channels:   []model.Channel{model.ChannelEmail},
			statuses:   []core.TransportStatus{""},
			errs:       []error{errors.New("connection reset")},
			wantStatus: model.DeliveryQueued,
			wantResult: func(t *testing.T, res TickResult) { assert.Equal(t, 1, res.DeliveriesRetried) },
		},
		{
			name:       "bounce then throttle is retried",
			channels:   []model.Channel{model.ChannelEmail, model.ChannelSMS},
			statuses:   []core.TransportStatus{core.TransportBounced, core.TransportThrottled},
			errs:       []error{nil, nil},
			wantStatus: model.DeliveryQueued,
			wantResult: func(t *testing.T, res TickResult) { assert.Equal(t, 1, res.DeliveriesRetried) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newExecutorFixture(t)
			ctx := context.Background()

			d, _, err := f.queue.Enqueue(ctx, testutil.NewDeliveryRequest().WithChannels(tt.channels...).Build())
			require.NoError(t, err)

			calls := make([]any, 0, len(tt.statuses))
			for i := range tt.statuses {
				calls = append(calls, f.transport.EXPECT().Deliver(gomock.Any(), gomock.Any()).Return(tt.statuses[i], tt.errs[i]))
			}
			gomock.InOrder(calls...)

			res, err := f.executor.Tick(ctx, f.clock.Now())
			require.NoError(t, err)
			tt.wantResult(t, res)

			got, err := f.queue.Get(ctx, d.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, got.Status)
			require.NotNil(t, got.LastError)
			if tt.wantStatus == model.DeliveryQueued {
				assert.Equal(t, f.clock.Now().Add(2*time.Minute), got.ScheduledFor)
			}
		})
	}
}

func TestRunExecutor_DeliveryPanicIsRetryable(t *testing.T) {
	f := newExecutorFixture(t)
	ctx := context.Background()

	d, _, err := f.queue.Enqueue(ctx, testutil.NewDeliveryRequest().Build())
	require.NoError(t, err)
	f.transport.EXPECT().Deliver(gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, core.Message) (core.TransportStatus, error) {
			panic("nil pointer in gateway client")
		})

	res, err := f.executor.Tick(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, res.DeliveriesRetried)

	got, err := f.queue.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryQueued, got.Status)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "panic")
}

func TestRunExecutor_RebuildRegisteredTasks(t *testing.T) {
	f := newExecutorFixture(t)
	ctx := context.Background()

	active := f.createJob(t, testutil.NewRecurringJobRequest().WithName("active"))
	f.createJob(t, testutil.NewRecurringJobRequest().WithName("paused").Inactive())

	n, err := f.executor.RebuildRegisteredTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	snap := f.executor.Tasks().Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, active.ID, snap[0].JobID)
	assert.Equal(t, active.NextRunAt, snap[0].NextRunAt)
	assert.Equal(t, model.RunOutcomeNever, snap[0].LastOutcome)
}
