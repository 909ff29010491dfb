package config

import (
	"fmt"
	"os"
	"strings"
)

// StoreDriver selects the record store implementation.
type StoreDriver string

const (
	// StoreDriverPostgres persists everything in PostgreSQL.
	StoreDriverPostgres StoreDriver = "postgres"
	// StoreDriverMemory keeps everything in process. Intended for local runs only.
	StoreDriverMemory StoreDriver = "memory"
)

// AppConfig is the main application configuration struct that composes
// domain-specific configuration from separate files.
//
// Configuration is loaded from environment variables using the
// github.com/caarlos0/env library. See individual domain config
// files for details on available environment variables:
//   - database.go: Database and cache configuration
//   - http.go: HTTP server configuration
//   - services.go: Service modes, scheduler, delivery, experiment and reaper configuration
//   - gateway.go: Renderer and transport gateway endpoints
//   - observability.go: Metrics and failure notifications
type AppConfig struct {
	// IsDev controls development mode behavior.
	// Set DEV=true or NODE_ENV=development for development mode.
	IsDev bool `env:"DEV" envDefault:"false"`

	// StoreDriver is postgres or memory.
	StoreDriver StoreDriver `env:"STORE_DRIVER" envDefault:"postgres"`

	// Database configuration
	Postgres DBConfig    `envPrefix:"DB_"`
	Redis    RedisConfig `envPrefix:"REDIS_"`
	Cache    CacheConfig

	// HTTP server configuration
	HTTP HTTPConfig

	// Service mode configuration
	Services string `env:"SERVICES" envDefault:"scheduler,reaper,http"`

	Scheduler  SchedulerConfig
	Delivery   DeliveryConfig
	Experiment ExperimentConfig
	Reaper     ReaperConfig

	// Gateway endpoints for rendering and sending
	Gateway GatewayConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// Sanitize applies guardrails to configuration values loaded from env.
// This should be called after loading configuration from environment variables.
func (c *AppConfig) Sanitize() {
	c.StoreDriver = StoreDriver(strings.ToLower(strings.TrimSpace(string(c.StoreDriver))))
	if c.StoreDriver == "" {
		c.StoreDriver = StoreDriverPostgres
	}

	c.Postgres.Sanitize()
	c.Redis.Sanitize()
	c.Cache.Sanitize()
	c.HTTP.Sanitize()
	c.Scheduler.Sanitize()
	c.Delivery.Sanitize()
	c.Experiment.Sanitize()
	c.Reaper.Sanitize()
	c.Gateway.Sanitize()
	c.Observability.Sanitize()

	c.detectDevMode()
}

// Validate reports configuration that cannot be corrected by Sanitize.
func (c *AppConfig) Validate() error {
	switch c.StoreDriver {
	case StoreDriverPostgres, StoreDriverMemory:
	default:
		return fmt.Errorf("invalid store driver %q (valid options: postgres, memory)", c.StoreDriver)
	}
	if _, err := c.GetEnabledServices(); err != nil {
		return err
	}
	if c.IsSchedulerEnabled() {
		if err := c.Gateway.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// detectDevMode checks both DEV and NODE_ENV environment variables.
// NODE_ENV is checked as a fallback (common in frontend tooling).
func (c *AppConfig) detectDevMode() {
	if !c.IsDev {
		nodeEnv := strings.ToLower(os.Getenv("NODE_ENV"))
		c.IsDev = nodeEnv == "development" || nodeEnv == "dev"
	}
}

// UsesPostgres reports whether the record store is PostgreSQL.
func (c *AppConfig) UsesPostgres() bool { return c.StoreDriver == StoreDriverPostgres }

// GetEnabledServices returns the enabled services based on the Services field.
func (c *AppConfig) GetEnabledServices() (map[ServiceMode]bool, error) {
	return ParseServices(c.Services)
}

func (c *AppConfig) isEnabled(mode ServiceMode) bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[mode]
}

// IsHTTPServerEnabled returns true if the HTTP server service is enabled.
func (c *AppConfig) IsHTTPServerEnabled() bool { return c.isEnabled(ServiceModeHTTP) }

// IsSchedulerEnabled returns true if the scheduler service is enabled.
func (c *AppConfig) IsSchedulerEnabled() bool { return c.isEnabled(ServiceModeScheduler) }

// IsReaperEnabled returns true if the reaper service is enabled.
func (c *AppConfig) IsReaperEnabled() bool { return c.isEnabled(ServiceModeReaper) }
