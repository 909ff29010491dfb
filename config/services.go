package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeHTTP serves /metrics and /healthz.
	ServiceModeHTTP ServiceMode = "http"
	// ServiceModeScheduler runs the tick loop that executes due jobs and deliveries.
	ServiceModeScheduler ServiceMode = "scheduler"
	// ServiceModeReaper recovers runs and deliveries abandoned by crashed workers.
	ServiceModeReaper ServiceMode = "reaper"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModeHTTP,
		ServiceModeScheduler,
		ServiceModeReaper,
	}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// It validates that all service names are valid and returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	for part := range strings.SplitSeq(servicesStr, ",") {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		if !slices.Contains(ValidServiceModes(), mode) {
			return nil, fmt.Errorf(
				"invalid service name: %q (valid options: http, scheduler, reaper)",
				serviceName,
			)
		}
		services[mode] = true
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// SchedulerConfig contains tick loop configuration.
type SchedulerConfig struct {
	// Interval is the tick interval.
	Interval time.Duration `env:"SCHEDULER_INTERVAL" envDefault:"5s"`

	// BatchSize is the number of due jobs pulled per tick.
	BatchSize int `env:"SCHEDULER_BATCH_SIZE" envDefault:"100"`

	// JobConcurrency bounds how many job runs execute at once.
	JobConcurrency int `env:"SCHEDULER_JOB_CONCURRENCY" envDefault:"4"`
}

// Sanitize applies guardrails to scheduler configuration values.
func (s *SchedulerConfig) Sanitize() {
	if s.Interval < 100*time.Millisecond {
		s.Interval = 100 * time.Millisecond
	}
	if s.BatchSize < 1 {
		s.BatchSize = 1
	}
	if s.JobConcurrency < 1 {
		s.JobConcurrency = 1
	}
}

// DeliveryConfig contains delivery queue configuration.
type DeliveryConfig struct {
	// BatchSize is the number of due deliveries pulled per tick.
	BatchSize int `env:"DELIVERY_BATCH_SIZE" envDefault:"100"`

	// Concurrency bounds how many deliveries are attempted at once.
	Concurrency int `env:"DELIVERY_CONCURRENCY" envDefault:"8"`

	// MaxAttempts is the default attempt limit for deliveries that don't set one.
	MaxAttempts int `env:"DELIVERY_MAX_ATTEMPTS" envDefault:"3"`

	// RetryBaseDelay is doubled for every attempt already made.
	RetryBaseDelay time.Duration `env:"DELIVERY_RETRY_BASE_DELAY" envDefault:"1m"`

	// RetryMaxDelay caps the backoff.
	RetryMaxDelay time.Duration `env:"DELIVERY_RETRY_MAX_DELAY" envDefault:"1h"`

	// Per-channel minimum gap between two sends. Zero disables throttling for the channel.
	EmailDelay    time.Duration `env:"DELIVERY_EMAIL_DELAY"    envDefault:"0s"`
	SMSDelay      time.Duration `env:"DELIVERY_SMS_DELAY"      envDefault:"100ms"`
	WhatsAppDelay time.Duration `env:"DELIVERY_WHATSAPP_DELAY" envDefault:"100ms"`
}

// Sanitize applies guardrails to delivery configuration values.
func (d *DeliveryConfig) Sanitize() {
	if d.BatchSize < 1 {
		d.BatchSize = 1
	}
	if d.Concurrency < 1 {
		d.Concurrency = 1
	}
	if d.MaxAttempts < 1 {
		d.MaxAttempts = 1
	}
	if d.RetryBaseDelay < time.Second {
		d.RetryBaseDelay = time.Second
	}
	if d.RetryMaxDelay < d.RetryBaseDelay {
		d.RetryMaxDelay = d.RetryBaseDelay
	}
	d.EmailDelay = max(d.EmailDelay, 0)
	d.SMSDelay = max(d.SMSDelay, 0)
	d.WhatsAppDelay = max(d.WhatsAppDelay, 0)
}

// ExperimentConfig contains significance testing configuration.
type ExperimentConfig struct {
	// Alpha is the significance level.
	Alpha float64 `env:"EXPERIMENT_ALPHA" envDefault:"0.05"`

	// MinSampleSize is the smallest per-variant denominator considered significant.
	MinSampleSize int64 `env:"EXPERIMENT_MIN_SAMPLE_SIZE" envDefault:"30"`

	// AutoEvaluate lists metrics evaluated after every counter update, e.g. "open_rate,click_rate".
	AutoEvaluate []string `env:"EXPERIMENT_AUTO_EVALUATE" envDefault:""`
}

// Sanitize applies guardrails to experiment configuration values.
func (e *ExperimentConfig) Sanitize() {
	if e.Alpha <= 0 || e.Alpha >= 1 {
		e.Alpha = 0.05
	}
	if e.MinSampleSize < 1 {
		e.MinSampleSize = 30
	}
	metrics := e.AutoEvaluate[:0]
	for _, m := range e.AutoEvaluate {
		if m = strings.TrimSpace(m); m != "" {
			metrics = append(metrics, m)
		}
	}
	e.AutoEvaluate = metrics
}

// ReaperConfig contains crash recovery configuration.
type ReaperConfig struct {
	// Interval is the reaper tick interval.
	Interval time.Duration `env:"REAPER_INTERVAL" envDefault:"5m"`

	// DeliveryLease is how long a delivery may stay processing before its attempt is abandoned.
	DeliveryLease time.Duration `env:"REAPER_DELIVERY_LEASE" envDefault:"10m"`

	// RunLease is how long a job run may stay processing before it is failed.
	RunLease time.Duration `env:"REAPER_RUN_LEASE" envDefault:"1h"`

	// BatchSize is the maximum number of rows handled per scan.
	BatchSize int `env:"REAPER_BATCH_SIZE" envDefault:"500"`
}

// Sanitize applies guardrails to reaper configuration values.
func (r *ReaperConfig) Sanitize() {
	// Enforce minimum intervals to prevent excessive database load
	if r.Interval < 1*time.Minute {
		r.Interval = 1 * time.Minute
	}
	if r.DeliveryLease < time.Minute {
		r.DeliveryLease = time.Minute
	}
	if r.RunLease < 5*time.Minute {
		r.RunLease = 5 * time.Minute
	}

	if r.BatchSize < 1 {
		r.BatchSize = 1
	}
	if r.BatchSize > 10000 {
		r.BatchSize = 10000
	}
}
