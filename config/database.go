package config

import "time"

// DBConfig contains PostgreSQL database configuration.
type DBConfig struct {
	Host     string `env:"HOST"                    envDefault:"localhost"`
	Port     int    `env:"PORT"                    envDefault:"5432"`
	User     string `env:"USER"                    envDefault:"dispatch"`
	Password string `env:"PASSWORD"                envDefault:"dispatch"`
	Name     string `env:"NAME"                    envDefault:"dispatch"`
	SSLMode  string `env:"SSL_MODE"                envDefault:"disable"` // Use 'disable' for local dev, 'require' for production
	// RunMigrationsOnStart controls whether the application automatically applies migrations during startup.
	RunMigrationsOnStart bool `env:"RUN_MIGRATIONS_ON_START" envDefault:"true"`
	// MaxOpenConns bounds the pool. Size it above the combined job and delivery concurrency.
	MaxOpenConns int `env:"MAX_OPEN_CONNS" envDefault:"25"`
}

// Sanitize applies guardrails to database configuration values.
func (d *DBConfig) Sanitize() {
	if d.MaxOpenConns < 2 {
		d.MaxOpenConns = 2
	}
}

// RedisConfig addresses the single Redis node behind the best send hour cache.
type RedisConfig struct {
	// URI is either host:port or a redis:// or rediss:// URL. Credentials in a URL
	// take precedence over Password.
	URI      string `env:"URI"      envDefault:"localhost:6379"`
	Password string `env:"PASSWORD" envDefault:""`
	DB       int    `env:"DB"       envDefault:"0"`
	// DialTimeout bounds connecting and the startup ping.
	DialTimeout time.Duration `env:"DIAL_TIMEOUT" envDefault:"5s"`
}

// Sanitize applies guardrails to Redis configuration values.
func (r *RedisConfig) Sanitize() {
	if r.DB < 0 {
		r.DB = 0
	}
	if r.DialTimeout <= 0 {
		r.DialTimeout = 5 * time.Second
	}
}

// CacheConfig controls the Redis-backed best send hour cache.
type CacheConfig struct {
	// Enabled turns on Redis caching of best send hour lookups.
	Enabled bool `env:"CACHE_ENABLED" envDefault:"false"`

	// KeyPrefix namespaces cache keys.
	KeyPrefix string `env:"CACHE_KEY_PREFIX" envDefault:"mmk-dispatch:"`

	// BestHourTTL is the TTL for cached best send hours.
	BestHourTTL time.Duration `env:"CACHE_BEST_HOUR_TTL" envDefault:"6h"`
}

// Sanitize applies guardrails to cache configuration values.
func (c *CacheConfig) Sanitize() {
	if c.BestHourTTL < time.Minute {
		c.BestHourTTL = time.Minute
	}
}
