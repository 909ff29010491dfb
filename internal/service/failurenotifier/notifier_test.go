package failurenotifier

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/mmk-dispatch/internal/domain/model"
	"github.com/target/mmk-dispatch/internal/observability/notify"
)

type captureSink struct {
	mu       sync.Mutex
	payloads []notify.FailurePayload
}

func (c *captureSink) SendFailure(_ context.Context, p notify.FailurePayload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payloads = append(c.payloads, p)
	return nil
}

func TestServiceNotifyFailure(t *testing.T) {
	a, b := &captureSink{}, &captureSink{}
	svc := NewService(Options{Sinks: []SinkRegistration{{Name: "a", Sink: a}, {Sink: b}, {Name: "nil"}}})
	require.True(t, svc.Enabled())

	svc.NotifyFailure(context.Background(), notify.FailurePayload{Subject: notify.SubjectDelivery, SubjectID: "d-1"})

	require.Len(t, a.payloads, 1)
	require.Len(t, b.payloads, 1)
	assert.Equal(t, notify.SeverityCritical, a.payloads[0].Severity)
	assert.Equal(t, "d-1", b.payloads[0].SubjectID)
}

func TestServiceKeepsExplicitSeverity(t *testing.T) {
	sink := &captureSink{}
	svc := NewService(Options{Sinks: []SinkRegistration{{Name: "c", Sink: sink}}})

	svc.NotifyFailure(context.Background(), notify.FailurePayload{Severity: notify.SeverityWarning})
	require.Len(t, sink.payloads, 1)
	assert.Equal(t, notify.SeverityWarning, sink.payloads[0].Severity)
}

func TestServiceSkipsManualRuns(t *testing.T) {
	sink := &captureSink{}
	svc := NewService(Options{SkipManualRuns: true, Sinks: []SinkRegistration{{Name: "c", Sink: sink}}})

	svc.NotifyFailure(context.Background(), notify.FailurePayload{
		Subject:  notify.SubjectJobRun,
		Metadata: map[string]string{"triggered_by": string(model.TriggerManual)},
	})
	assert.Empty(t, sink.payloads)

	svc.NotifyFailure(context.Background(), notify.FailurePayload{
		Subject:  notify.SubjectJobRun,
		Metadata: map[string]string{"triggered_by": string(model.TriggerSchedule)},
	})
	assert.Len(t, sink.payloads, 1)
}

func TestServiceDisabled(t *testing.T) {
	svc := NewService(Options{})
	assert.False(t, svc.Enabled())
	svc.NotifyFailure(context.Background(), notify.FailurePayload{})

	var nilSvc *Service
	assert.False(t, nilSvc.Enabled())
	nilSvc.NotifyFailure(context.Background(), notify.FailurePayload{})
}

func TestServiceLogsErrors(t *testing.T) {
	svc := NewService(Options{
		Sinks: []SinkRegistration{{
			Name: "fail",
			Sink: notify.SinkFunc(func(context.Context, notify.FailurePayload) error {
				return errors.New("boom")
			}),
		}},
	})
	assert.NotPanics(t, func() {
		svc.NotifyFailure(context.Background(), notify.FailurePayload{SubjectID: "x"})
	})
}
