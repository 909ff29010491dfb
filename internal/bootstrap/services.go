package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/target/mmk-dispatch/config"
	"github.com/target/mmk-dispatch/internal/adapters/gateway"
	"github.com/target/mmk-dispatch/internal/adapters/scheduler"
	"github.com/target/mmk-dispatch/internal/core"
	"github.com/target/mmk-dispatch/internal/data"
	"github.com/target/mmk-dispatch/internal/data/memory"
	"github.com/target/mmk-dispatch/internal/domain/delivery"
	"github.com/target/mmk-dispatch/internal/domain/experiment"
	"github.com/target/mmk-dispatch/internal/domain/model"
	"github.com/target/mmk-dispatch/internal/observability/metrics"
	"github.com/target/mmk-dispatch/internal/observability/notify/pagerduty"
	"github.com/target/mmk-dispatch/internal/observability/notify/slack"
	"github.com/target/mmk-dispatch/internal/observability/statsd"
	"github.com/target/mmk-dispatch/internal/service"
	"github.com/target/mmk-dispatch/internal/service/failurenotifier"
)

// ServiceContainer holds all application services.
type ServiceContainer struct {
	Registry    *service.JobRegistryService
	Queue       *service.DeliveryQueueService
	Experiments *service.ExperimentService
	// Executor is nil unless the scheduler mode is enabled, since it needs the gateways.
	Executor      *service.RunExecutor
	Reaper        *service.ReaperService
	Observability ObservabilityContainer
}

// ObservabilityContainer groups shared observability dependencies.
type ObservabilityContainer struct {
	Registry        *prometheus.Registry
	Metrics         *metrics.Recorder
	MetricsSink     *statsd.Client
	FailureNotifier *failurenotifier.Service
}

// Close flushes the statsd client when one was built.
func (o ObservabilityContainer) Close() error {
	if o.MetricsSink == nil {
		return nil
	}
	return o.MetricsSink.Close()
}

// ServiceDeps groups dependencies for service initialization.
type ServiceDeps struct {
	Config *config.AppConfig
	Infra  *Infrastructure
	Clock  core.Clock
	Logger *slog.Logger
}

// serviceRepositories groups data adapters backing service ports.
type serviceRepositories struct {
	Jobs        core.RecurringJobRepository
	Runs        core.JobRunRepository
	Deliveries  core.DeliveryRepository
	Experiments core.ExperimentRepository
	Engagements core.EngagementRepository
	Artifacts   core.ArtifactRepository
	// Cache is nil when caching is disabled.
	Cache core.CacheRepository
}

// buildObservability configures metrics and notification adapters.
func buildObservability(logger *slog.Logger, cfg config.ObservabilityConfig) ObservabilityContainer {
	obsLogger := logger
	if obsLogger == nil {
		obsLogger = slog.Default()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var metricsSink *statsd.Client
	if cfg.Metrics.IsEnabled() {
		client, err := statsd.NewClient(statsd.Config{
			Enabled: true,
			Address: cfg.Metrics.StatsdAddress,
			Prefix:  cfg.Metrics.StatsdPrefix,
			Logger:  obsLogger,
		})
		if err != nil {
			obsLogger.Error("failed to initialise statsd client", "error", err)
		} else {
			metricsSink = client
		}
	}

	recorderOpts := metrics.RecorderOptions{
		Namespace:  cfg.Metrics.Namespace,
		Registerer: registry,
	}
	// A nil *statsd.Client must not reach the Sink interface.
	if metricsSink != nil {
		recorderOpts.StatsD = metricsSink
	}

	return ObservabilityContainer{
		Registry:        registry,
		Metrics:         metrics.NewRecorder(recorderOpts),
		MetricsSink:     metricsSink,
		FailureNotifier: buildFailureNotifier(obsLogger, cfg.Notifications),
	}
}

// buildRepositories picks the record store for cfg.StoreDriver; no business rules here.
func buildRepositories(cfg *config.AppConfig, infra *Infrastructure, clock core.Clock) (*serviceRepositories, error) {
	var repos *serviceRepositories
	if cfg.UsesPostgres() {
		if infra == nil || infra.DB == nil {
			return nil, errors.New("postgres store requires a database connection")
		}
		db := infra.DB
		repos = &serviceRepositories{
			Jobs:        data.NewRecurringJobRepo(db),
			Runs:        data.NewJobRunRepo(db),
			Deliveries:  data.NewDeliveryRepo(db),
			Experiments: data.NewExperimentRepo(db),
			Engagements: data.NewEngagementRepo(db),
			Artifacts:   data.NewArtifactRepo(db),
		}
	} else {
		store := memory.NewStore(clock)
		repos = &serviceRepositories{
			Jobs:        store.RecurringJobs(),
			Runs:        store.JobRuns(),
			Deliveries:  store.Deliveries(),
			Experiments: store.Experiments(),
			Engagements: store.Engagements(),
			Artifacts:   store.Artifacts(),
		}
	}

	if cfg.Cache.Enabled {
		if infra != nil && infra.Redis != nil {
			repos.Cache = data.NewRedisCacheRepo(data.RedisCacheRepoOptions{
				Client: infra.Redis,
				Prefix: cfg.Cache.KeyPrefix,
			})
		} else {
			repos.Cache = memory.NewCache(clock)
		}
	}
	return repos, nil
}

// parseMetrics converts configured metric names, rejecting unknown ones.
func parseMetrics(names []string) ([]model.Metric, error) {
	out := make([]model.Metric, 0, len(names))
	for _, name := range names {
		m := model.Metric(name)
		if _, _, err := (model.OutcomeCounts{}).Ratio(m); err != nil {
			return nil, fmt.Errorf("experiment auto evaluate: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}

// NewServices wires every service over the configured store. The executor is
// only built when the scheduler mode is enabled.
func NewServices(deps *ServiceDeps) (ServiceContainer, error) {
	if deps == nil || deps.Config == nil {
		return ServiceContainer{}, errors.New("service deps require an AppConfig")
	}
	cfg := deps.Config
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := deps.Clock
	if clock == nil {
		clock = core.SystemClock{}
	}

	observability := buildObservability(logger, cfg.Observability)

	repos, err := buildRepositories(cfg, deps.Infra, clock)
	if err != nil {
		return ServiceContainer{}, err
	}

	autoEvaluate, err := parseMetrics(cfg.Experiment.AutoEvaluate)
	if err != nil {
		return ServiceContainer{}, err
	}

	// Best-hour answers come straight from engagement history unless a cache
	// sits in front of it.
	var bestHour core.BestHourLookup = repos.Engagements
	var bestHourCache service.BestHourInvalidator
	if repos.Cache != nil {
		cached := core.NewCachedBestHourLookup(core.CachedBestHourLookupOptions{
			Cache:  repos.Cache,
			Source: repos.Engagements,
			Config: core.BestHourCacheConfig{TTL: cfg.Cache.BestHourTTL},
			Logger: logger,
		})
		bestHour = cached
		bestHourCache = cached
	}

	registry, err := service.NewJobRegistryService(service.JobRegistryServiceOptions{
		Repo:      repos.Jobs,
		Clock:     clock,
		BatchSize: cfg.Scheduler.BatchSize,
		Logger:    logger,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("job registry: %w", err)
	}

	experiments, err := service.NewExperimentService(service.ExperimentServiceOptions{
		Repo:          repos.Experiments,
		Engagements:   repos.Engagements,
		Deliveries:    repos.Deliveries,
		Evaluator:     experiment.NewEvaluator(cfg.Experiment.Alpha, cfg.Experiment.MinSampleSize),
		AutoEvaluate:  autoEvaluate,
		BestHourCache: bestHourCache,
		Metrics:       observability.Metrics,
		Clock:         clock,
		Logger:        logger,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("experiments: %w", err)
	}

	retryPolicy, err := delivery.NewRetryPolicy(delivery.RetryPolicyOptions{
		MaxAttempts: cfg.Delivery.MaxAttempts,
		BaseDelay:   cfg.Delivery.RetryBaseDelay,
		MaxDelay:    cfg.Delivery.RetryMaxDelay,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("retry policy: %w", err)
	}

	queue, err := service.NewDeliveryQueueService(service.DeliveryQueueServiceOptions{
		Repo:            repos.Deliveries,
		RetryPolicy:     retryPolicy,
		BestHour:        bestHour,
		Experiments:     experiments,
		FailureNotifier: observability.FailureNotifier,
		Metrics:         observability.Metrics,
		Clock:           clock,
		BatchSize:       cfg.Delivery.BatchSize,
		Logger:          logger,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("delivery queue: %w", err)
	}

	container := ServiceContainer{
		Registry:      registry,
		Queue:         queue,
		Experiments:   experiments,
		Observability: observability,
	}

	if cfg.IsSchedulerEnabled() {
		executor, execErr := newRunExecutor(runExecutorDeps{
			cfg:           cfg,
			repos:         repos,
			registry:      registry,
			queue:         queue,
			observability: observability,
			clock:         clock,
			logger:        logger,
		})
		if execErr != nil {
			return ServiceContainer{}, execErr
		}
		container.Executor = executor
	}

	reaper, err := service.NewReaperService(service.ReaperServiceOptions{
		Deliveries: repos.Deliveries,
		Queue:      queue,
		Runs:       repos.Runs,
		Registry:   registry,
		Config:     cfg.Reaper,
		Metrics:    observability.Metrics,
		Clock:      clock,
		Logger:     logger,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("reaper: %w", err)
	}
	container.Reaper = reaper

	return container, nil
}

type runExecutorDeps struct {
	cfg           *config.AppConfig
	repos         *serviceRepositories
	registry      *service.JobRegistryService
	queue         *service.DeliveryQueueService
	observability ObservabilityContainer
	clock         core.Clock
	logger        *slog.Logger
}

func newRunExecutor(d runExecutorDeps) (*service.RunExecutor, error) {
	gwCfg := gateway.Config{
		AuthToken: d.cfg.Gateway.AuthToken,
		Timeout:   d.cfg.Gateway.Timeout,
	}

	rendererCfg := gwCfg
	rendererCfg.BaseURL = d.cfg.Gateway.RendererURL
	renderer, err := gateway.NewRenderer(rendererCfg)
	if err != nil {
		return nil, fmt.Errorf("renderer gateway: %w", err)
	}

	transportCfg := gwCfg
	transportCfg.BaseURL = d.cfg.Gateway.TransportURL
	transport, err := gateway.NewTransport(transportCfg)
	if err != nil {
		return nil, fmt.Errorf("transport gateway: %w", err)
	}

	executor, err := service.NewRunExecutor(service.RunExecutorOptions{
		Registry:            d.registry,
		Runs:                d.repos.Runs,
		Queue:               d.queue,
		Renderer:            renderer,
		Artifacts:           d.repos.Artifacts,
		Transport:           transport,
		FailureNotifier:     d.observability.FailureNotifier,
		Metrics:             d.observability.Metrics,
		Clock:               d.clock,
		JobConcurrency:      d.cfg.Scheduler.JobConcurrency,
		DeliveryConcurrency: d.cfg.Delivery.Concurrency,
		DeliveryBatchSize:   d.cfg.Delivery.BatchSize,
		ChannelDelay: map[model.Channel]time.Duration{
			model.ChannelEmail:    d.cfg.Delivery.EmailDelay,
			model.ChannelSMS:      d.cfg.Delivery.SMSDelay,
			model.ChannelWhatsApp: d.cfg.Delivery.WhatsAppDelay,
		},
		Logger: d.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("run executor: %w", err)
	}
	return executor, nil
}

func buildFailureNotifier(logger *slog.Logger, cfg config.ObservabilityNotificationsConfig) *failurenotifier.Service {
	baseLogger := logger
	if baseLogger == nil {
		baseLogger = slog.Default()
	}

	if !cfg.Enabled {
		return failurenotifier.NewService(failurenotifier.Options{
			Logger: baseLogger.With("component", "failure_notifier"),
		})
	}

	sinks := make([]failurenotifier.SinkRegistration, 0, 2)

	if cfg.Slack.Enabled {
		client, err := slack.NewClient(slack.Config{
			WebhookURL:   cfg.Slack.WebhookURL,
			Channel:      cfg.Slack.Channel,
			Username:     cfg.Slack.Username,
			Timeout:      cfg.Timeout,
			RetryLimit:   cfg.RetryLimit,
			JobURLPrefix: cfg.Slack.JobURLPrefix,
		})
		if err != nil {
			baseLogger.Error("failed to initialise slack notifier", "error", err)
		} else {
			sinks = append(sinks, failurenotifier.SinkRegistration{
				Name: "slack",
				Sink: client,
			})
		}
	}

	if cfg.PagerDuty.Enabled {
		client, err := pagerduty.NewClient(pagerduty.Config{
			RoutingKey: cfg.PagerDuty.RoutingKey,
			Source:     cfg.PagerDuty.Source,
			Component:  cfg.PagerDuty.Component,
			Timeout:    cfg.Timeout,
			RetryLimit: cfg.RetryLimit,
		})
		if err != nil {
			baseLogger.Error("failed to initialise pagerduty notifier", "error", err)
		} else {
			sinks = append(sinks, failurenotifier.SinkRegistration{
				Name: "pagerduty",
				Sink: client,
			})
		}
	}

	return failurenotifier.NewService(failurenotifier.Options{
		Logger:         baseLogger.With("component", "failure_notifier"),
		Sinks:          sinks,
		SkipManualRuns: cfg.SkipManualRuns,
	})
}

// ServiceOrchestrationConfig contains configuration for service orchestration.
type ServiceOrchestrationConfig struct {
	Config   *config.AppConfig
	Services ServiceContainer
	Infra    *Infrastructure
	Logger   *slog.Logger
}

const (
	// shutdownWaitTimeout is the maximum time to wait for services to stop gracefully.
	shutdownWaitTimeout = 15 * time.Second
)

// serviceStartupDeps groups dependencies for service startup.
type serviceStartupDeps struct {
	ctx             context.Context
	cfg             *ServiceOrchestrationConfig
	logger          *slog.Logger
	enabledServices map[config.ServiceMode]bool
	errCh           chan error
}

// backgroundService describes a startable background component.
type backgroundService struct {
	mode  config.ServiceMode
	name  string
	start func(context.Context) error
}

// backgroundServiceHandle tracks a running background service.
type backgroundServiceHandle struct {
	mode config.ServiceMode
	name string
	done <-chan struct{}
}

// startHTTPServerIfEnabled starts the HTTP server if enabled.
func startHTTPServerIfEnabled(deps *serviceStartupDeps) *http.Server {
	if deps == nil || deps.cfg == nil || !deps.enabledServices[config.ServiceModeHTTP] {
		return nil
	}
	return StartHTTPServer(&HTTPServerConfig{
		Config:   deps.cfg.Config,
		Services: deps.cfg.Services,
		Infra:    deps.cfg.Infra,
		Logger:   deps.logger,
		ErrCh:    deps.errCh,
	})
}

func launchBackground(ctx context.Context, deps *serviceStartupDeps, descriptor backgroundService) <-chan struct{} {
	if deps == nil || !deps.enabledServices[descriptor.mode] {
		return nil
	}
	logger := deps.logger
	if logger == nil {
		logger = slog.Default()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := descriptor.start(ctx); err != nil {
			errMsg := fmt.Errorf("%s failed: %w", descriptor.name, err)
			select {
			case deps.errCh <- errMsg:
			case <-ctx.Done():
			default:
				logger.WarnContext(ctx, "dropping background service error",
					"service", descriptor.name,
					"error", errMsg,
				)
			}
		}
	}()

	logger.InfoContext(ctx, "background service started", "service", descriptor.name, "mode", descriptor.mode)
	return done
}

func startBackgroundServices(deps *serviceStartupDeps, services []backgroundService) []backgroundServiceHandle {
	if deps == nil {
		return nil
	}
	handles := make([]backgroundServiceHandle, 0, len(services))
	for _, svc := range services {
		done := launchBackground(deps.ctx, deps, svc)
		if done == nil {
			continue
		}
		handles = append(handles, backgroundServiceHandle{
			mode: svc.mode,
			name: svc.name,
			done: done,
		})
	}
	return handles
}

func newSchedulerBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeScheduler,
		name: "scheduler",
		start: func(ctx context.Context) error {
			if deps == nil || deps.cfg == nil {
				return nil
			}
			executor := deps.cfg.Services.Executor
			if executor == nil {
				return errors.New("run executor not configured")
			}
			var interval time.Duration
			if deps.cfg.Config != nil {
				interval = deps.cfg.Config.Scheduler.Interval
			}
			runner, err := scheduler.NewRunner(scheduler.RunnerOptions{
				Executor: executor,
				Interval: interval,
				Metrics:  deps.cfg.Services.Observability.Metrics,
				Logger:   deps.logger,
			})
			if err != nil {
				return err
			}
			return runner.Run(ctx)
		},
	}
}

func newReaperBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeReaper,
		name: "reaper",
		start: func(ctx context.Context) error {
			if deps == nil || deps.cfg == nil {
				return nil
			}
			reaper := deps.cfg.Services.Reaper
			if reaper == nil {
				return errors.New("reaper not configured")
			}
			return reaper.Run(ctx)
		},
	}
}

func buildBackgroundServices(deps *serviceStartupDeps) []backgroundService {
	if deps == nil {
		return nil
	}
	return []backgroundService{
		newSchedulerBackgroundService(deps),
		newReaperBackgroundService(deps),
	}
}

// ServiceStartupResult holds the results of starting all services.
type ServiceStartupResult struct {
	HTTPServer *http.Server
	Background []backgroundServiceHandle
}

// startServices starts all enabled services and returns their completion channels.
func startServices(deps *serviceStartupDeps) ServiceStartupResult {
	return ServiceStartupResult{
		HTTPServer: startHTTPServerIfEnabled(deps),
		Background: startBackgroundServices(deps, buildBackgroundServices(deps)),
	}
}

// RunServicesWithShutdown starts all enabled services and manages their lifecycle.
// This function blocks until a shutdown signal is received or a service fails.
func RunServicesWithShutdown(cfg *ServiceOrchestrationConfig) error {
	if cfg == nil {
		return errors.New("service orchestration config is required")
	}
	if cfg.Config == nil {
		return errors.New("service orchestration config missing AppConfig")
	}

	serviceCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	enabledServices, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}

	errCh := make(chan error, errorChannelBufferSize(enabledServices))

	result := startServices(&serviceStartupDeps{
		ctx:             serviceCtx,
		cfg:             cfg,
		logger:          logger,
		enabledServices: enabledServices,
		errCh:           errCh,
	})

	return waitForShutdown(shutdownConfig{
		cancel:          cancel,
		errCh:           errCh,
		httpServer:      result.HTTPServer,
		shutdownTimeout: cfg.Config.HTTP.ShutdownTimeout,
		logger:          logger,
		backgrounds:     result.Background,
	})
}

func errorChannelCapacity(enabled map[config.ServiceMode]bool) int {
	count := 0
	for _, mode := range config.ValidServiceModes() {
		if enabled[mode] {
			count++
		}
	}
	return count
}

func errorChannelBufferSize(enabled map[config.ServiceMode]bool) int {
	size := errorChannelCapacity(enabled) + 1
	if size < 1 {
		return 1
	}
	return size
}

// shutdownConfig contains dependencies for graceful shutdown.
type shutdownConfig struct {
	cancel          context.CancelFunc
	errCh           <-chan error
	httpServer      *http.Server
	shutdownTimeout time.Duration
	logger          *slog.Logger
	backgrounds     []backgroundServiceHandle
}

// waitForShutdown waits for shutdown signal or service error.
func waitForShutdown(cfg shutdownConfig) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
		cfg.logger.Info("shutting down services...")
		cfg.cancel()
		return gracefulStop(cfg)
	case err := <-cfg.errCh:
		cfg.logger.Error("service error", "error", err)
		cfg.cancel()
		if stopErr := gracefulStop(cfg); stopErr != nil {
			cfg.logger.Error("graceful stop failed", "error", stopErr)
		}
		return err
	}
}

// gracefulStop stops the HTTP server and then waits for background services.
// In-flight claims either finish or are left for the reaper.
func gracefulStop(cfg shutdownConfig) error {
	var httpErr error
	if cfg.httpServer != nil {
		httpErr = ShutdownHTTPServer(ShutdownConfig{
			Server:  cfg.httpServer,
			Timeout: cfg.shutdownTimeout,
			Logger:  cfg.logger,
		})
	}

	for _, svc := range cfg.backgrounds {
		waitForService(svc.done, svc.name, cfg.logger)
	}
	return httpErr
}

// waitForService waits for a service to finish with timeout.
func waitForService(done <-chan struct{}, name string, logger *slog.Logger) {
	if done == nil {
		return
	}
	timer := time.NewTimer(shutdownWaitTimeout)
	defer timer.Stop()

	select {
	case <-done:
		logger.Info(name + " stopped")
	case <-timer.C:
		logger.Warn("timeout waiting for " + name + " to stop")
	}
}
