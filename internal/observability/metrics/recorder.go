// Package metrics records dispatcher activity as Prometheus collectors and, when
// configured, mirrors each observation to a StatsD sink.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	apperrors "github.com/target/mmk-dispatch/internal/errors"
	"github.com/target/mmk-dispatch/internal/observability/statsd"
)

// Result constants for tick metrics.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultNoop    = "noop"
)

// RecorderOptions configures a Recorder.
type RecorderOptions struct {
	Namespace string
	// Registerer defaults to prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
	// StatsD is optional.
	StatsD statsd.Sink
}

// Recorder is safe for concurrent use. A nil *Recorder records nothing.
type Recorder struct {
	runs             *prometheus.CounterVec
	runDuration      *prometheus.HistogramVec
	runsSkipped      *prometheus.CounterVec
	deliveries       *prometheus.CounterVec
	enqueued         *prometheus.CounterVec
	experimentEvents *prometheus.CounterVec
	ticks            *prometheus.CounterVec
	tickDuration     *prometheus.HistogramVec
	reaped           *prometheus.CounterVec

	statsd statsd.Sink
}

// NewRecorder creates the collectors and registers them. Registration panics on
// duplicate names, so build one Recorder per registry.
func NewRecorder(opts RecorderOptions) *Recorder {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	ns := opts.Namespace
	if ns == "" {
		ns = "dispatch"
	}

	r := &Recorder{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "job_runs_total",
			Help:      "Finished recurring job runs by job kind and outcome",
		}, []string{"kind", "outcome"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "job_run_duration_seconds",
			Help:      "Duration of recurring job runs",
			Buckets:   []float64{.1, .5, 1, 5, 10, 30, 60, 120, 300, 900},
		}, []string{"kind"}),
		runsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "job_runs_skipped_total",
			Help:      "Due jobs that were not started because another run was in flight",
		}, []string{"kind"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "delivery_attempts_total",
			Help:      "Delivery attempts by resulting status",
		}, []string{"status"}),
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "deliveries_enqueued_total",
			Help:      "Deliveries accepted into the queue by priority",
		}, []string{"priority", "created"}),
		experimentEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "experiment_events_total",
			Help:      "Experiment counter increments by metric",
		}, []string{"metric"}),
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "scheduler_ticks_total",
			Help:      "Scheduler task ticks by result",
		}, []string{"task", "result"}),
		tickDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "scheduler_tick_duration_seconds",
			Help:      "Time spent in one scheduler task tick",
			Buckets:   prometheus.DefBuckets,
		}, []string{"task"}),
		reaped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "reaped_total",
			Help:      "Stuck records reset or failed by the reaper",
		}, []string{"kind"}),
		statsd: opts.StatsD,
	}

	reg.MustRegister(
		r.runs, r.runDuration, r.runsSkipped, r.deliveries, r.enqueued,
		r.experimentEvents, r.ticks, r.tickDuration, r.reaped,
	)
	return r
}

// RunFinished records a terminal job run.
func (r *Recorder) RunFinished(kind, outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.runs.WithLabelValues(kind, outcome).Inc()
	if d > 0 {
		r.runDuration.WithLabelValues(kind).Observe(d.Seconds())
	}
	if r.statsd != nil {
		tags := map[string]string{"kind": kind, "outcome": outcome}
		r.statsd.Count("job_run.finished", 1, tags)
		if d > 0 {
			r.statsd.Timing("job_run.duration", d, tags)
		}
	}
}

// RunSkipped records a due job whose claim lost to an in-flight run.
func (r *Recorder) RunSkipped(kind string) {
	if r == nil {
		return
	}
	r.runsSkipped.WithLabelValues(kind).Inc()
	if r.statsd != nil {
		r.statsd.Count("job_run.skipped", 1, map[string]string{"kind": kind})
	}
}

// DeliveryAttempt records the status a delivery moved to after an attempt.
func (r *Recorder) DeliveryAttempt(status string) {
	if r == nil {
		return
	}
	r.deliveries.WithLabelValues(status).Inc()
	if r.statsd != nil {
		r.statsd.Count("delivery.attempt", 1, map[string]string{"status": status})
	}
}

// DeliveryEnqueued records an Enqueue call. created is false for idempotent replays.
func (r *Recorder) DeliveryEnqueued(priority string, created bool) {
	if r == nil {
		return
	}
	r.enqueued.WithLabelValues(priority, strconv.FormatBool(created)).Inc()
	if r.statsd != nil {
		r.statsd.Count("delivery.enqueued", 1, map[string]string{
			"priority": priority,
			"created":  strconv.FormatBool(created),
		})
	}
}

// ExperimentEvent records one experiment counter increment.
func (r *Recorder) ExperimentEvent(metric string) {
	if r == nil {
		return
	}
	r.experimentEvents.WithLabelValues(metric).Inc()
	if r.statsd != nil {
		r.statsd.Count("experiment.event", 1, map[string]string{"metric": metric})
	}
}

// Tick records one scheduler task tick. Errors are tagged with their class on the StatsD mirror.
func (r *Recorder) Tick(task string, d time.Duration, err error) {
	if r == nil {
		return
	}
	result := ResultSuccess
	if err != nil {
		result = ResultError
	}
	r.ticks.WithLabelValues(task, result).Inc()
	r.tickDuration.WithLabelValues(task).Observe(d.Seconds())
	if r.statsd != nil {
		tags := map[string]string{"task": task, "result": result}
		if class := apperrors.Classify(err); class != "" {
			tags["error_class"] = class
		}
		r.statsd.Count("scheduler.tick", 1, tags)
		r.statsd.Timing("scheduler.tick_duration", d, CloneTags(tags))
	}
}

// Reaped records records recovered by the reaper.
func (r *Recorder) Reaped(kind string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.reaped.WithLabelValues(kind).Add(float64(n))
	if r.statsd != nil {
		r.statsd.Count("reaper.reaped", int64(n), map[string]string{"kind": kind})
	}
}

// CloneTags creates a shallow copy of a tag map.
func CloneTags(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
