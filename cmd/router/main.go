// FlowCatalyst Message Router
//
// Consumes dispatch messages from the configured broker (SQS, NATS, or
// the embedded SQLite queue) and delivers them to their HTTP targets
// through concurrency-bounded processing pools.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.flowcatalyst.tech/router/internal/common/lifecycle"
	"go.flowcatalyst.tech/router/internal/common/secrets"
	"go.flowcatalyst.tech/router/internal/config"
	"go.flowcatalyst.tech/router/internal/queue"
	natsqueue "go.flowcatalyst.tech/router/internal/queue/nats"
	sqlitequeue "go.flowcatalyst.tech/router/internal/queue/sqlite"
	sqsqueue "go.flowcatalyst.tech/router/internal/queue/sqs"
	"go.flowcatalyst.tech/router/internal/router/api"
	"go.flowcatalyst.tech/router/internal/router/breaker"
	"go.flowcatalyst.tech/router/internal/router/configsync"
	"go.flowcatalyst.tech/router/internal/router/health"
	"go.flowcatalyst.tech/router/internal/router/manager"
	"go.flowcatalyst.tech/router/internal/router/mediator"
	"go.flowcatalyst.tech/router/internal/router/notification"
	"go.flowcatalyst.tech/router/internal/router/pool"
	"go.flowcatalyst.tech/router/internal/router/standby"
	"go.flowcatalyst.tech/router/internal/router/traffic"
	"go.flowcatalyst.tech/router/internal/router/warning"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	setupLogging(cfg)

	slog.Info("Starting FlowCatalyst Message Router",
		"version", version,
		"buildTime", buildTime,
		"queueType", cfg.Queue.Type)

	ctx := context.Background()

	// Warnings feed both the health endpoints and the alert channels.
	warnings := warning.NewInMemoryService()
	notifier := setupNotifications(cfg, warnings)

	med := mediator.New(mediatorConfig(cfg))

	trafficSvc := traffic.NewService(&traffic.Config{
		Enabled:  cfg.Traffic.Enabled,
		Strategy: cfg.Traffic.Strategy,
		Webhook: traffic.WebhookConfig{
			RegisterURL:   cfg.Traffic.RegisterURL,
			DeregisterURL: cfg.Traffic.DeregisterURL,
			InstanceID:    cfg.Standby.InstanceID,
		},
	})

	// The callbacks capture routerService, which is assigned once the
	// manager exists.
	var routerService *manager.RouterService
	standbySvc := standby.NewService(&standby.Config{
		Enabled:         cfg.Standby.Enabled,
		InstanceID:      cfg.Standby.InstanceID,
		LockKey:         cfg.Standby.LockKey,
		LockTTL:         cfg.Standby.LockTTL,
		RefreshInterval: cfg.Standby.HeartbeatInterval,
		RedisURL:        cfg.Standby.RedisURL,
	}, &standby.Callbacks{
		OnBecomePrimary: func() {
			slog.Info("Became PRIMARY - resuming message processing")
			if routerService != nil {
				routerService.Resume()
			}
			trafficSvc.RegisterAsActive()
		},
		OnBecomeStandby: func() {
			slog.Info("Became STANDBY - pausing message processing")
			if routerService != nil {
				routerService.Pause()
			}
			trafficSvc.DeregisterFromActive()
		},
	})

	if cfg.Standby.Enabled {
		lockProvider, err := standby.NewRedisLockProvider(cfg.Standby.RedisURL)
		if err != nil {
			slog.Error("Failed to connect to Redis for leader election", "error", err)
			os.Exit(1)
		}
		standbySvc.SetLockProvider(lockProvider)
	}

	qm, err := manager.New(manager.Config{
		Mediator:             med,
		Warnings:             warnings,
		Standby:              standbySvc,
		MaxPools:             cfg.Router.MaxPools,
		PoolWarningThreshold: cfg.Router.PoolWarningThreshold,
		InitialPools:         initialPools(cfg),
	})
	if err != nil {
		slog.Error("Failed to create queue manager", "error", err)
		os.Exit(1)
	}
	routerService = manager.NewRouterService(qm)

	consumers, queueCleanup, err := setupQueue(ctx, cfg, qm)
	if err != nil {
		slog.Error("Failed to set up queue", "error", err)
		os.Exit(1)
	}
	defer queueCleanup()

	// Health and monitoring surfaces.
	statusSvc := health.NewStatusService(qm, warnings)
	statusSvc.SetBreakerRegistry(med.Breakers())
	statusSvc.SetStandbyProvider(standbySvc)

	infraHealth := health.NewInfrastructureHealthService(true, qm)
	brokerHealth := health.NewBrokerHealthService(queue.ParseType(cfg.Queue.Type), consumers)

	monitoring := api.NewMonitoringHandler(statusSvc, qm)
	monitoring.SetStandbyProvider(standbySvc)
	monitoring.SetTrafficProvider(trafficSvc)

	apiServer := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler: apiRouter(cfg,
			api.NewHealthHandler(infraHealth, brokerHealth),
			monitoring,
			warning.NewHandler(warnings)),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTP.MetricsPort),
		Handler: metricsRouter(),
	}

	services := []lifecycle.Service{
		lifecycle.NewHTTPService("api-server", apiServer),
		lifecycle.NewHTTPService("metrics-server", metricsServer),
		newStandbyRunner(standbySvc),
		routerService,
	}

	if notifier != nil {
		services = append(services, lifecycle.NewServiceFunc("notification-batcher",
			func(ctx context.Context) error {
				notifier.Run(ctx)
				return nil
			},
			func(ctx context.Context) error { return nil }))
	}

	if cfg.ConfigSync.Enabled {
		services = append(services, newConfigSyncRunner(cfg, qm, warnings))
	}

	slog.Info("Router ready",
		"apiPort", cfg.HTTP.Port,
		"metricsPort", cfg.HTTP.MetricsPort,
		"standby", cfg.Standby.Enabled,
		"configSync", cfg.ConfigSync.Enabled)

	if err := lifecycle.Run(ctx, services...); err != nil {
		slog.Error("Service error", "error", err)
		os.Exit(1)
	}

	slog.Info("FlowCatalyst Message Router stopped")
}

// loadConfig reads the environment (plus optional TOML file) and
// resolves secret:// references.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadWithFile()
	if err != nil {
		return nil, err
	}

	provider, err := secrets.NewProvider(secrets.LoadConfigFromEnv())
	if err != nil {
		return nil, fmt.Errorf("create secrets provider: %w", err)
	}
	if err := config.ResolveSecrets(cfg, provider); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setupLogging(cfg *config.Config) {
	if cfg.DevMode {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
		return
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))
}

func mediatorConfig(cfg *config.Config) *mediator.Config {
	mode := mediator.ModeProduction
	if cfg.DevMode {
		mode = mediator.ModeDev
	}

	breakerCfg := breaker.DefaultConfig()
	breakerCfg.PerURL = cfg.Router.CircuitBreakerPerURL

	return &mediator.Config{
		Mode:              mode,
		Timeout:           cfg.Router.MediationTimeout,
		ConnectionRetries: cfg.Router.ConnectionRetries,
		Breaker:           breakerCfg,
	}
}

// initialPools seeds the default pool; further pools arrive on demand
// or via config sync.
func initialPools(cfg *config.Config) []pool.Config {
	return []pool.Config{
		{Code: "DEFAULT", Concurrency: cfg.Router.DefaultPoolConcurrency},
	}
}

// setupQueue builds the broker consumers for the configured backend and
// registers them with the manager. The returned cleanup closes broker
// resources after the manager has shut down.
func setupQueue(ctx context.Context, cfg *config.Config, qm *manager.QueueManager) ([]queue.Consumer, func(), error) {
	switch queue.ParseType(cfg.Queue.Type) {
	case queue.TypeSQS:
		return setupSQS(ctx, cfg, qm)
	case queue.TypeNATS:
		return setupNATS(ctx, cfg, qm)
	case queue.TypeNATSEmbedded:
		return setupEmbeddedNATS(ctx, cfg, qm)
	default:
		return setupSQLite(cfg, qm)
	}
}

func setupSQS(ctx context.Context, cfg *config.Config, qm *manager.QueueManager) ([]queue.Consumer, func(), error) {
	sqsCfg := &sqsqueue.Config{
		QueueURL:          cfg.Queue.URL,
		Region:            cfg.Queue.SQS.Region,
		Endpoint:          cfg.Queue.SQS.Endpoint,
		AccessKeyID:       cfg.Queue.SQS.AccessKeyID,
		SecretAccessKey:   cfg.Queue.SQS.SecretAccessKey,
		VisibilitySeconds: cfg.Queue.VisibilityTimeout,
		WaitTimeSeconds:   cfg.Queue.WaitTimeSeconds,
	}

	client, err := sqsqueue.NewClient(ctx, sqsCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("create sqs client: %w", err)
	}

	consumer := sqsqueue.NewConsumer(client, sqsCfg)
	factory := func(ctx context.Context) (queue.Consumer, error) {
		return sqsqueue.NewConsumer(client, sqsCfg), nil
	}
	qm.RegisterConsumer(consumer, factory)

	slog.Info("Connected to SQS", "queueURL", cfg.Queue.URL, "region", cfg.Queue.SQS.Region)
	return []queue.Consumer{consumer}, func() {}, nil
}

func setupNATS(ctx context.Context, cfg *config.Config, qm *manager.QueueManager) ([]queue.Consumer, func(), error) {
	natsCfg := &natsqueue.Config{
		URL:          cfg.Queue.URL,
		StreamName:   cfg.Queue.NATS.StreamName,
		Subject:      cfg.Queue.NATS.Subject,
		ConsumerName: cfg.Queue.NATS.ConsumerName,
		AckWait:      time.Duration(cfg.Queue.VisibilityTimeout) * time.Second,
	}

	consumer, publisher, err := natsqueue.Connect(ctx, natsCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to nats: %w", err)
	}

	qm.RegisterConsumer(consumer, nil)

	slog.Info("Connected to NATS", "url", cfg.Queue.URL, "stream", natsCfg.StreamName)
	return []queue.Consumer{consumer}, func() { publisher.Close() }, nil
}

func setupEmbeddedNATS(ctx context.Context, cfg *config.Config, qm *manager.QueueManager) ([]queue.Consumer, func(), error) {
	embeddedCfg := natsqueue.DefaultEmbeddedConfig()
	embeddedCfg.DataDir = cfg.Queue.NATS.DataDir
	embeddedCfg.StreamName = cfg.Queue.NATS.StreamName

	server, err := natsqueue.NewEmbeddedServer(embeddedCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("start embedded nats: %w", err)
	}

	consumer, err := server.CreateConsumer(ctx, &natsqueue.Config{
		StreamName:   cfg.Queue.NATS.StreamName,
		Subject:      cfg.Queue.NATS.Subject,
		ConsumerName: cfg.Queue.NATS.ConsumerName,
		AckWait:      time.Duration(cfg.Queue.VisibilityTimeout) * time.Second,
	})
	if err != nil {
		server.Close()
		return nil, nil, fmt.Errorf("create embedded consumer: %w", err)
	}

	qm.RegisterConsumer(consumer, nil)
	return []queue.Consumer{consumer}, func() { server.Close() }, nil
}

func setupSQLite(cfg *config.Config, qm *manager.QueueManager) ([]queue.Consumer, func(), error) {
	path := cfg.Queue.URL
	if path == "" {
		path = cfg.DataDir + "/queue.db"
	}

	q, err := sqlitequeue.Open(&sqlitequeue.Config{
		Path:              path,
		QueueName:         "dispatch",
		VisibilitySeconds: cfg.Queue.VisibilityTimeout,
		PollWait:          time.Duration(cfg.Queue.WaitTimeSeconds) * time.Second,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("open sqlite queue: %w", err)
	}

	qm.RegisterConsumer(q, nil)

	slog.Info("Using embedded SQLite queue", "path", path)
	return []queue.Consumer{q}, func() { q.Close() }, nil
}

// setupNotifications wires the alert channels behind a batching
// service. Returns nil when no channel is configured.
func setupNotifications(cfg *config.Config, warnings *warning.InMemoryService) *notification.BatchingService {
	var delegates []notification.Service

	if cfg.Notify.TeamsWebhookURL != "" {
		delegates = append(delegates, notification.NewTeamsService(&notification.TeamsConfig{
			WebhookURL: cfg.Notify.TeamsWebhookURL,
			Enabled:    true,
		}))
	}
	if cfg.Notify.SMTPHost != "" && cfg.Notify.EmailTo != "" {
		delegates = append(delegates, notification.NewEmailService(&notification.EmailConfig{
			SMTPHost:    cfg.Notify.SMTPHost,
			SMTPPort:    cfg.Notify.SMTPPort,
			Username:    cfg.Notify.SMTPUsername,
			Password:    cfg.Notify.SMTPPassword,
			FromAddress: cfg.Notify.EmailFrom,
			ToAddress:   cfg.Notify.EmailTo,
			Enabled:     true,
		}))
	}
	if len(delegates) == 0 {
		return nil
	}

	batcher := notification.NewBatchingService(delegates, &notification.BatchingConfig{
		MinSeverity: cfg.Notify.MinSeverity,
		BatchWindow: cfg.Notify.BatchWindow,
	})
	warnings.SetNotifier(batcher)
	return batcher
}

func apiRouter(cfg *config.Config, healthHandler *api.HealthHandler, monitoring *api.MonitoringHandler, warningHandler *warning.Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.HTTP.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	healthHandler.RegisterRoutes(r)
	monitoring.RegisterRoutes(r)
	warningHandler.RegisterRoutes(r)

	return r
}

func metricsRouter() http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func newConfigSyncRunner(cfg *config.Config, qm *manager.QueueManager, warnings warning.Service) lifecycle.Service {
	sync := configsync.New(configsync.Config{
		URL:                cfg.ConfigSync.URL,
		AuthToken:          cfg.ConfigSync.AuthToken,
		Interval:           cfg.ConfigSync.Interval,
		FailOnInitialError: cfg.ConfigSync.FailOnError,
	}, qm, warnings)

	return lifecycle.NewServiceFunc("config-sync",
		func(ctx context.Context) error {
			if err := sync.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			return nil
		},
		func(ctx context.Context) error {
			sync.Stop()
			return nil
		})
}

// standbyRunner adapts the standby service to the lifecycle contract.
type standbyRunner struct {
	service *standby.Service
}

func newStandbyRunner(svc *standby.Service) *standbyRunner {
	return &standbyRunner{service: svc}
}

func (s *standbyRunner) Name() string { return "standby" }

func (s *standbyRunner) Start(ctx context.Context) error {
	if err := s.service.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

func (s *standbyRunner) Stop(ctx context.Context) error {
	s.service.Stop()
	return nil
}

func (s *standbyRunner) Health() error { return nil }
