package service

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/target/mmk-dispatch/internal/data"
	"github.com/target/mmk-dispatch/internal/data/memory"
	"github.com/target/mmk-dispatch/internal/domain/delivery"
	"github.com/target/mmk-dispatch/internal/domain/experiment"
	"github.com/target/mmk-dispatch/internal/domain/model"
	"github.com/target/mmk-dispatch/internal/observability/notify"
	"github.com/target/mmk-dispatch/internal/service/failurenotifier"
	"github.com/target/mmk-dispatch/internal/testutil"
)

// testEnv wires the services over one in-memory store and a controllable clock.
type testEnv struct {
	clock       *data.FixedTimeProvider
	store       *memory.Store
	registry    *JobRegistryService
	queue       *DeliveryQueueService
	experiments *ExperimentService
	alerts      *alertCapture
	notifier    *failurenotifier.Service
	logs        *syncBuffer
	logger      *slog.Logger
}

type testEnvOptions struct {
	autoEvaluate []model.Metric
	minSample    int64
}

func newTestEnv(t *testing.T, opts ...func(*testEnvOptions)) *testEnv {
	t.Helper()
	var o testEnvOptions
	for _, fn := range opts {
		fn(&o)
	}

	env := &testEnv{
		clock:  data.NewFixedTimeProvider(testutil.TestTime()),
		alerts: &alertCapture{},
		logs:   &syncBuffer{},
	}
	env.store = memory.NewStore(env.clock)
	env.logger = slog.New(slog.NewJSONHandler(env.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	env.notifier = failurenotifier.NewService(failurenotifier.Options{
		Logger: env.logger,
		Sinks:  []failurenotifier.SinkRegistration{{Name: "capture", Sink: env.alerts}},
	})

	env.registry = MustNewJobRegistryService(JobRegistryServiceOptions{
		Repo:   env.store.RecurringJobs(),
		Clock:  env.clock,
		Logger: env.logger,
	})
	env.experiments = MustNewExperimentService(ExperimentServiceOptions{
		Repo:         env.store.Experiments(),
		Engagements:  env.store.Engagements(),
		Deliveries:   env.store.Deliveries(),
		AutoEvaluate: o.autoEvaluate,
		Evaluator:    experimentEvaluatorSettings(o.minSample),
		Clock:        env.clock,
		Logger:       env.logger,
	})
	env.queue = MustNewDeliveryQueueService(DeliveryQueueServiceOptions{
		Repo: env.store.Deliveries(),
		RetryPolicy: delivery.MustNewRetryPolicy(delivery.RetryPolicyOptions{
			MaxAttempts: 3,
			BaseDelay:   time.Minute,
			MaxDelay:    time.Hour,
		}),
		BestHour:        env.store.Engagements(),
		Experiments:     env.experiments,
		FailureNotifier: env.notifier,
		Clock:           env.clock,
		Logger:          env.logger,
	})
	return env
}

// syncBuffer is a goroutine-safe log sink.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func experimentEvaluatorSettings(minSample int64) experiment.Evaluator {
	return experiment.Evaluator{MinSampleSize: minSample}
}

type alertCapture struct {
	mu       sync.Mutex
	payloads []notify.FailurePayload
}

func (a *alertCapture) SendFailure(_ context.Context, p notify.FailurePayload) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.payloads = append(a.payloads, p)
	return nil
}

func (a *alertCapture) all() []notify.FailurePayload {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]notify.FailurePayload(nil), a.payloads...)
}
