package config

import (
	"reflect"
	"testing"
	"time"

	env "github.com/caarlos0/env/v11"
)

func TestParseServices(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		expected    map[ServiceMode]bool
		expectError bool
	}{
		{
			name:     "single service - http",
			input:    "http",
			expected: map[ServiceMode]bool{ServiceModeHTTP: true},
		},
		{
			name:     "single service - scheduler",
			input:    "scheduler",
			expected: map[ServiceMode]bool{ServiceModeScheduler: true},
		},
		{
			name:  "all services",
			input: "scheduler,reaper,http",
			expected: map[ServiceMode]bool{
				ServiceModeHTTP:      true,
				ServiceModeScheduler: true,
				ServiceModeReaper:    true,
			},
		},
		{
			name:  "services with spaces",
			input: " scheduler , reaper ",
			expected: map[ServiceMode]bool{
				ServiceModeScheduler: true,
				ServiceModeReaper:    true,
			},
		},
		{
			name:     "duplicate services",
			input:    "http,http",
			expected: map[ServiceMode]bool{ServiceModeHTTP: true},
		},
		{
			name:     "trailing comma",
			input:    "reaper,",
			expected: map[ServiceMode]bool{ServiceModeReaper: true},
		},
		{
			name:        "empty string",
			input:       "",
			expectError: true,
		},
		{
			name:        "only commas",
			input:       ",,",
			expectError: true,
		},
		{
			name:        "unknown service",
			input:       "http,rules-engine",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ParseServices(tt.input)

			if tt.expectError {
				if err == nil {
					t.Errorf("expected error but got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(result, tt.expected) {
				t.Errorf("expected %v, got %v", tt.expected, result)
			}
		})
	}
}

func TestConfig_ServiceEnabledMethods(t *testing.T) {
	tests := []struct {
		name      string
		services  string
		http      bool
		scheduler bool
		reaper    bool
	}{
		{name: "http only", services: "http", http: true},
		{name: "workers", services: "scheduler,reaper", scheduler: true, reaper: true},
		{name: "invalid", services: "bogus"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := AppConfig{Services: tt.services}
			if got := cfg.IsHTTPServerEnabled(); got != tt.http {
				t.Errorf("IsHTTPServerEnabled() = %v, want %v", got, tt.http)
			}
			if got := cfg.IsSchedulerEnabled(); got != tt.scheduler {
				t.Errorf("IsSchedulerEnabled() = %v, want %v", got, tt.scheduler)
			}
			if got := cfg.IsReaperEnabled(); got != tt.reaper {
				t.Errorf("IsReaperEnabled() = %v, want %v", got, tt.reaper)
			}
		})
	}
}

func TestValidServiceModes(t *testing.T) {
	modes := ValidServiceModes()
	expected := []ServiceMode{ServiceModeHTTP, ServiceModeScheduler, ServiceModeReaper}
	if !reflect.DeepEqual(modes, expected) {
		t.Fatalf("expected %v, got %v", expected, modes)
	}
}

func TestAppConfig_ParseDefaults(t *testing.T) {
	var cfg AppConfig
	if err := env.Parse(&cfg); err != nil {
		t.Fatalf("parse config: %v", err)
	}
	cfg.Sanitize()

	if cfg.StoreDriver != StoreDriverPostgres {
		t.Errorf("expected postgres store driver, got %q", cfg.StoreDriver)
	}
	if cfg.Services != "scheduler,reaper,http" {
		t.Errorf("unexpected default services %q", cfg.Services)
	}
	if cfg.Delivery.MaxAttempts != 3 {
		t.Errorf("expected 3 max attempts, got %d", cfg.Delivery.MaxAttempts)
	}
	if cfg.Delivery.RetryBaseDelay != time.Minute {
		t.Errorf("expected 1m retry base delay, got %v", cfg.Delivery.RetryBaseDelay)
	}
	if cfg.Experiment.MinSampleSize != 30 {
		t.Errorf("expected min sample size 30, got %d", cfg.Experiment.MinSampleSize)
	}
	if cfg.Experiment.Alpha != 0.05 {
		t.Errorf("expected alpha 0.05, got %v", cfg.Experiment.Alpha)
	}
	if len(cfg.Experiment.AutoEvaluate) != 0 {
		t.Errorf("expected auto evaluation disabled, got %v", cfg.Experiment.AutoEvaluate)
	}
	if cfg.Reaper.RunLease != time.Hour {
		t.Errorf("expected 1h run lease, got %v", cfg.Reaper.RunLease)
	}
}

func TestAppConfig_ParseDispatchEnv(t *testing.T) {
	t.Setenv("STORE_DRIVER", " Memory ")
	t.Setenv("SERVICES", "scheduler")
	t.Setenv("EXPERIMENT_MIN_SAMPLE_SIZE", "200")
	t.Setenv("EXPERIMENT_AUTO_EVALUATE", "open_rate, ,click_rate")
	t.Setenv("DELIVERY_SMS_DELAY", "250ms")
	t.Setenv("GATEWAY_RENDERER_URL", "https://render.example.com/")
	t.Setenv("GATEWAY_TRANSPORT_URL", "https://send.example.com")

	var cfg AppConfig
	if err := env.Parse(&cfg); err != nil {
		t.Fatalf("parse config: %v", err)
	}
	cfg.Sanitize()

	if cfg.StoreDriver != StoreDriverMemory {
		t.Errorf("expected memory store driver, got %q", cfg.StoreDriver)
	}
	if cfg.Experiment.MinSampleSize != 200 {
		t.Errorf("expected min sample size 200, got %d", cfg.Experiment.MinSampleSize)
	}
	if want := []string{"open_rate", "click_rate"}; !reflect.DeepEqual(cfg.Experiment.AutoEvaluate, want) {
		t.Errorf("expected auto evaluate %v, got %v", want, cfg.Experiment.AutoEvaluate)
	}
	if cfg.Delivery.SMSDelay != 250*time.Millisecond {
		t.Errorf("expected 250ms sms delay, got %v", cfg.Delivery.SMSDelay)
	}
	if cfg.Gateway.RendererURL != "https://render.example.com" {
		t.Errorf("expected trailing slash trimmed, got %q", cfg.Gateway.RendererURL)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}

func TestAppConfig_Validate(t *testing.T) {
	base := func() AppConfig {
		return AppConfig{
			StoreDriver: StoreDriverPostgres,
			Services:    "scheduler",
			Gateway: GatewayConfig{
				RendererURL:  "http://renderer:8080",
				TransportURL: "http://transport:8080",
			},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*AppConfig)
		wantErr bool
	}{
		{name: "valid", mutate: func(*AppConfig) {}},
		{name: "unknown driver", mutate: func(c *AppConfig) { c.StoreDriver = "mysql" }, wantErr: true},
		{name: "bad services", mutate: func(c *AppConfig) { c.Services = "worker" }, wantErr: true},
		{name: "missing renderer", mutate: func(c *AppConfig) { c.Gateway.RendererURL = "" }, wantErr: true},
		{name: "relative transport", mutate: func(c *AppConfig) { c.Gateway.TransportURL = "/send" }, wantErr: true},
		{
			name: "gateways not needed without scheduler",
			mutate: func(c *AppConfig) {
				c.Services = "http,reaper"
				c.Gateway = GatewayConfig{}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Fatal("expected error but got none")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestDeliveryConfig_Sanitize(t *testing.T) {
	cfg := DeliveryConfig{
		BatchSize:      0,
		Concurrency:    -1,
		MaxAttempts:    0,
		RetryBaseDelay: 10 * time.Millisecond,
		RetryMaxDelay:  0,
		SMSDelay:       -time.Second,
	}
	cfg.Sanitize()

	if cfg.BatchSize != 1 || cfg.Concurrency != 1 || cfg.MaxAttempts != 1 {
		t.Fatalf("expected counts clamped to 1, got %+v", cfg)
	}
	if cfg.RetryBaseDelay != time.Second {
		t.Fatalf("expected base delay clamped to 1s, got %v", cfg.RetryBaseDelay)
	}
	if cfg.RetryMaxDelay != time.Second {
		t.Fatalf("expected max delay raised to base delay, got %v", cfg.RetryMaxDelay)
	}
	if cfg.SMSDelay != 0 {
		t.Fatalf("expected negative delay clamped to 0, got %v", cfg.SMSDelay)
	}
}

func TestRedisConfig_Sanitize(t *testing.T) {
	cfg := RedisConfig{URI: "cache:6379", DB: -2}
	cfg.Sanitize()

	if cfg.DB != 0 {
		t.Errorf("expected negative db reset to 0, got %d", cfg.DB)
	}
	if cfg.DialTimeout != 5*time.Second {
		t.Errorf("expected dial timeout defaulted to 5s, got %v", cfg.DialTimeout)
	}

	cfg = RedisConfig{DB: 3, DialTimeout: time.Second}
	cfg.Sanitize()
	if cfg.DB != 3 || cfg.DialTimeout != time.Second {
		t.Errorf("expected valid values kept, got %+v", cfg)
	}
}

func TestReaperConfig_Sanitize(t *testing.T) {
	cfg := ReaperConfig{Interval: time.Second, DeliveryLease: 0, RunLease: time.Minute, BatchSize: 50000}
	cfg.Sanitize()

	if cfg.Interval != time.Minute {
		t.Errorf("expected interval clamped to 1m, got %v", cfg.Interval)
	}
	if cfg.DeliveryLease != time.Minute {
		t.Errorf("expected delivery lease clamped to 1m, got %v", cfg.DeliveryLease)
	}
	if cfg.RunLease != 5*time.Minute {
		t.Errorf("expected run lease clamped to 5m, got %v", cfg.RunLease)
	}
	if cfg.BatchSize != 10000 {
		t.Errorf("expected batch size clamped to 10000, got %d", cfg.BatchSize)
	}
}

func TestObservabilityMetricsConfig_Sanitize(t *testing.T) {
	cfg := ObservabilityMetricsConfig{
		Enabled:       true,
		StatsdAddress: " ",
	}

	cfg.Sanitize()

	if cfg.Enabled {
		t.Fatalf("expected enabled to be false when address is empty")
	}
	if cfg.Namespace != "dispatch" {
		t.Fatalf("expected default namespace, got %q", cfg.Namespace)
	}

	cfg = ObservabilityMetricsConfig{
		Enabled:       true,
		StatsdAddress: " statsd:1234 ",
	}

	cfg.Sanitize()

	if !cfg.IsEnabled() {
		t.Fatalf("expected metrics to remain enabled")
	}
	if cfg.StatsdAddress != "statsd:1234" {
		t.Fatalf("expected address to be trimmed, got %q", cfg.StatsdAddress)
	}
}

func TestObservabilityConfig_LogLevel(t *testing.T) {
	cfg := ObservabilityConfig{LogLevel: " DEBUG "}
	cfg.Sanitize()
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected debug, got %q", cfg.LogLevel)
	}

	cfg = ObservabilityConfig{LogLevel: "verbose"}
	cfg.Sanitize()
	if cfg.LogLevel != "info" {
		t.Fatalf("expected unknown level to fall back to info, got %q", cfg.LogLevel)
	}
}

func TestObservabilityNotificationsConfig_Sanitize(t *testing.T) {
	cfg := ObservabilityNotificationsConfig{
		Enabled:    true,
		Timeout:    0,
		RetryLimit: -1,
		Slack: SlackNotificationConfig{
			Enabled:    true,
			WebhookURL: " ",
			Channel:    "  ",
			Username:   "",
		},
		PagerDuty: PagerDutyNotificationConfig{
			Enabled:    true,
			RoutingKey: " ",
			Source:     "",
			Component:  "",
		},
	}

	cfg.Sanitize()

	if cfg.Timeout <= 0 {
		t.Fatalf("expected timeout to fall back to default, got %v", cfg.Timeout)
	}
	if cfg.RetryLimit < 0 {
		t.Fatalf("expected retry limit to be clamped to >= 0, got %d", cfg.RetryLimit)
	}
	if cfg.Slack.Enabled {
		t.Fatal("expected slack to be disabled without a webhook url")
	}
	if cfg.Slack.Username != "mmk-dispatch" {
		t.Fatalf("expected slack username default, got %q", cfg.Slack.Username)
	}
	if cfg.PagerDuty.Enabled {
		t.Fatal("expected pagerduty to be disabled without a routing key")
	}
	if cfg.PagerDuty.Source != "mmk-dispatch" {
		t.Fatalf("expected pagerduty source default, got %q", cfg.PagerDuty.Source)
	}
	if cfg.PagerDuty.Component != "dispatch" {
		t.Fatalf("expected pagerduty component default, got %q", cfg.PagerDuty.Component)
	}

	// Disabled top-level should disable child sinks.
	cfg = ObservabilityNotificationsConfig{
		Enabled: false,
		Slack: SlackNotificationConfig{
			Enabled:    true,
			WebhookURL: "https://hooks.slack.com/services/test",
		},
		PagerDuty: PagerDutyNotificationConfig{
			Enabled:    true,
			RoutingKey: "abc",
		},
	}
	cfg.Sanitize()

	if cfg.Slack.Enabled {
		t.Fatal("expected slack to be disabled when top-level notifications disabled")
	}
	if cfg.PagerDuty.Enabled {
		t.Fatal("expected pagerduty to be disabled when top-level notifications disabled")
	}
}
