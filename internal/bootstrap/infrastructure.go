package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/target/mmk-dispatch/config"
	httpx "github.com/target/mmk-dispatch/internal/http"
)

// Infrastructure holds the external connections the services run on.
// DB is nil with the memory store driver; Redis is nil unless caching is enabled.
type Infrastructure struct {
	DB    *sql.DB
	Redis redis.UniversalClient
}

// ConnectInfrastructure opens the connections cfg asks for and runs migrations
// when RunMigrationsOnStart is set.
func ConnectInfrastructure(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (*Infrastructure, error) {
	if cfg == nil {
		return nil, errors.New("app config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	infra := &Infrastructure{}
	if cfg.UsesPostgres() {
		db, err := ConnectDB(ctx, cfg.Postgres, logger)
		if err != nil {
			return nil, err
		}
		infra.DB = db

		if cfg.Postgres.RunMigrationsOnStart {
			if err := RunMigrations(ctx, db, logger); err != nil {
				return nil, errors.Join(err, infra.Close())
			}
		}
	} else {
		logger.InfoContext(ctx, "using in-memory store; state is lost on restart")
	}

	if cfg.Cache.Enabled {
		client, err := ConnectRedis(ctx, cfg.Redis, logger)
		if err != nil {
			return nil, errors.Join(err, infra.Close())
		}
		infra.Redis = client
	}

	return infra, nil
}

// HealthChecks returns one check per open connection for /healthz.
func (i *Infrastructure) HealthChecks() map[string]httpx.HealthCheck {
	checks := make(map[string]httpx.HealthCheck, 2)
	if i == nil {
		return checks
	}
	if i.DB != nil {
		checks["postgres"] = i.DB.PingContext
	}
	if i.Redis != nil {
		client := i.Redis
		checks["redis"] = func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}
	}
	return checks
}

// Close releases every open connection.
func (i *Infrastructure) Close() error {
	if i == nil {
		return nil
	}
	var errs []error
	if i.Redis != nil {
		if err := i.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if i.DB != nil {
		if err := i.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
	}
	return errors.Join(errs...)
}
