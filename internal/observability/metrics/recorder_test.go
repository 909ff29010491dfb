package metrics

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statsdCall struct {
	kind  string
	name  string
	value float64
	tags  map[string]string
}

type fakeStatsD struct {
	mu    sync.Mutex
	calls []statsdCall
}

func (f *fakeStatsD) record(c statsdCall) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
}

func (f *fakeStatsD) Count(name string, value int64, tags map[string]string) {
	f.record(statsdCall{kind: "count", name: name, value: float64(value), tags: tags})
}

func (f *fakeStatsD) Gauge(name string, value float64, tags map[string]string) {
	f.record(statsdCall{kind: "gauge", name: name, value: value, tags: tags})
}

func (f *fakeStatsD) Timing(name string, value time.Duration, tags map[string]string) {
	f.record(statsdCall{kind: "timing", name: name, value: value.Seconds(), tags: tags})
}

func TestRecorderCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := &fakeStatsD{}
	r := NewRecorder(RecorderOptions{Namespace: "test", Registerer: reg, StatsD: sink})

	r.RunFinished("report", "success", 2*time.Second)
	r.RunFinished("report", "failed", 0)
	r.RunSkipped("report")
	r.DeliveryAttempt("sent")
	r.DeliveryEnqueued("high", true)
	r.DeliveryEnqueued("high", false)
	r.ExperimentEvent("sent")
	r.Reaped("delivery", 3)
	r.Reaped("delivery", 0)

	assert.InDelta(t, 1, testutil.ToFloat64(r.runs.WithLabelValues("report", "success")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(r.runs.WithLabelValues("report", "failed")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(r.runsSkipped.WithLabelValues("report")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(r.deliveries.WithLabelValues("sent")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(r.enqueued.WithLabelValues("high", "false")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(r.experimentEvents.WithLabelValues("sent")), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(r.reaped.WithLabelValues("delivery")), 0)

	// one timing for the run with a duration
	var timings int
	for _, c := range sink.calls {
		if c.kind == "timing" {
			timings++
		}
	}
	assert.Equal(t, 1, timings)
}

func TestRecorderTickTagsErrorClass(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := &fakeStatsD{}
	r := NewRecorder(RecorderOptions{Registerer: reg, StatsD: sink})

	r.Tick("due_jobs", 10*time.Millisecond, errors.New("boom"))
	r.Tick("due_jobs", 10*time.Millisecond, nil)

	assert.InDelta(t, 1, testutil.ToFloat64(r.ticks.WithLabelValues("due_jobs", ResultError)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(r.ticks.WithLabelValues("due_jobs", ResultSuccess)), 0)

	require.NotEmpty(t, sink.calls)
	assert.Equal(t, "scheduler.tick", sink.calls[0].name)
	assert.NotEmpty(t, sink.calls[0].tags["error_class"])
}

func TestNilRecorderIsSafe(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.RunFinished("x", "y", time.Second)
		r.RunSkipped("x")
		r.DeliveryAttempt("sent")
		r.DeliveryEnqueued("low", true)
		r.ExperimentEvent("sent")
		r.Tick("t", time.Second, nil)
		r.Reaped("run", 1)
	})
}

func TestCloneTags(t *testing.T) {
	assert.Nil(t, CloneTags(nil))
	src := map[string]string{"a": "1"}
	cp := CloneTags(src)
	cp["a"] = "2"
	assert.Equal(t, "1", src["a"])
}
