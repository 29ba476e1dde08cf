// FlowCatalyst Outbox Processor
//
// Relays dispatch records from an application database (the
// transactional outbox pattern) to the message broker, preserving FIFO
// order per message group. Run one instance per database, or several
// with Redis leader election enabled.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/mongo"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"go.flowcatalyst.tech/router/internal/common/leader"
	"go.flowcatalyst.tech/router/internal/common/lifecycle"
	"go.flowcatalyst.tech/router/internal/common/mongo"
	"go.flowcatalyst.tech/router/internal/common/secrets"
	"go.flowcatalyst.tech/router/internal/config"
	"go.flowcatalyst.tech/router/internal/outbox"
	"go.flowcatalyst.tech/router/internal/queue"
	natsqueue "go.flowcatalyst.tech/router/internal/queue/nats"
	sqlitequeue "go.flowcatalyst.tech/router/internal/queue/sqlite"
	sqsqueue "go.flowcatalyst.tech/router/internal/queue/sqs"
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

	slog.Info("Starting FlowCatalyst Outbox Processor",
		"version", version,
		"buildTime", buildTime,
		"dbType", cfg.Outbox.DBType,
		"queueType", cfg.Queue.Type)

	ctx := context.Background()

	repo, mongoDatabase, repoCleanup, err := setupRepository(ctx, cfg)
	if err != nil {
		slog.Error("Failed to set up outbox repository", "error", err)
		os.Exit(1)
	}
	defer repoCleanup()

	if err := repo.CreateSchema(ctx); err != nil {
		slog.Error("Failed to create outbox schema", "error", err)
		os.Exit(1)
	}

	publisher, pubCleanup, err := setupPublisher(ctx, cfg)
	if err != nil {
		slog.Error("Failed to set up publisher", "error", err)
		os.Exit(1)
	}
	defer pubCleanup()

	elector, err := setupElector(cfg, mongoDatabase)
	if err != nil {
		slog.Error("Failed to set up leader election", "error", err)
		os.Exit(1)
	}

	processor := outbox.NewProcessor(repo, publisher, &outbox.ProcessorConfig{
		PollInterval: cfg.Outbox.PollInterval,
		BatchSize:    cfg.Outbox.BatchSize,
	}, elector)

	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTP.MetricsPort),
		Handler: metricsRouter(),
	}

	slog.Info("Outbox processor ready",
		"pollInterval", cfg.Outbox.PollInterval,
		"batchSize", cfg.Outbox.BatchSize,
		"leaderElection", cfg.Outbox.LeaderEnabled)

	services := []lifecycle.Service{
		lifecycle.NewHTTPService("metrics-server", metricsServer),
		processor,
	}

	if err := lifecycle.Run(ctx, services...); err != nil {
		slog.Error("Service error", "error", err)
		os.Exit(1)
	}

	slog.Info("FlowCatalyst Outbox Processor stopped")
}

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

// setupRepository opens the outbox store for the configured database.
// The mongo database handle is returned when that backend is in use so
// the leader elector can share the connection.
func setupRepository(ctx context.Context, cfg *config.Config) (outbox.Repository, *mongodriver.Database, func(), error) {
	switch cfg.Outbox.DBType {
	case "postgres":
		db, err := openSQL("pgx", cfg.Outbox.DBURL)
		if err != nil {
			return nil, nil, nil, err
		}
		repo := outbox.NewPostgresRepository(db)
		return repo, nil, func() { repo.Close() }, nil

	case "mysql":
		db, err := openSQL("mysql", cfg.Outbox.DBURL)
		if err != nil {
			return nil, nil, nil, err
		}
		repo := outbox.NewMySQLRepository(db)
		return repo, nil, func() { repo.Close() }, nil

	case "mongo":
		client, err := mongo.Connect(ctx, cfg.MongoDB)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connect to mongodb: %w", err)
		}
		repo := outbox.NewMongoRepository(client.Database())
		cleanup := func() {
			disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			client.Disconnect(disconnectCtx)
		}
		return repo, client.Database(), cleanup, nil

	case "sqlite":
		dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", cfg.Outbox.DBURL)
		db, err := openSQL("sqlite", dsn)
		if err != nil {
			return nil, nil, nil, err
		}
		// A single connection keeps SQLite locking simple.
		db.SetMaxOpenConns(1)
		repo := outbox.NewSQLiteRepository(db)
		return repo, nil, func() { repo.Close() }, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown outbox db type: %s (use sqlite, postgres, mysql, or mongo)", cfg.Outbox.DBType)
	}
}

func openSQL(driver, dsn string) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s database: %w", driver, err)
	}
	return db, nil
}

// setupPublisher connects to the broker the router consumes from.
func setupPublisher(ctx context.Context, cfg *config.Config) (queue.Publisher, func(), error) {
	switch queue.ParseType(cfg.Queue.Type) {
	case queue.TypeSQS:
		sqsCfg := &sqsqueue.Config{
			QueueURL:        cfg.Queue.URL,
			Region:          cfg.Queue.SQS.Region,
			Endpoint:        cfg.Queue.SQS.Endpoint,
			AccessKeyID:     cfg.Queue.SQS.AccessKeyID,
			SecretAccessKey: cfg.Queue.SQS.SecretAccessKey,
		}
		client, err := sqsqueue.NewClient(ctx, sqsCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("create sqs client: %w", err)
		}
		pub := sqsqueue.NewPublisher(client, sqsCfg)
		return pub, func() { pub.Close() }, nil

	case queue.TypeNATS:
		natsCfg := &natsqueue.Config{
			URL:          cfg.Queue.URL,
			StreamName:   cfg.Queue.NATS.StreamName,
			Subject:      cfg.Queue.NATS.Subject,
			ConsumerName: cfg.Queue.NATS.ConsumerName,
		}
		_, pub, err := natsqueue.Connect(ctx, natsCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to nats: %w", err)
		}
		return pub, func() { pub.Close() }, nil

	default:
		path := cfg.Queue.URL
		if path == "" {
			path = cfg.DataDir + "/queue.db"
		}
		q, err := sqlitequeue.Open(&sqlitequeue.Config{
			Path:      path,
			QueueName: "dispatch",
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite queue: %w", err)
		}
		return q, func() { q.Close() }, nil
	}
}

// setupElector returns nil when leader election is disabled. A mongo
// outbox elects through a lease document in the same database;
// everything else uses Redis.
func setupElector(cfg *config.Config, mongoDatabase *mongodriver.Database) (outbox.Elector, error) {
	if !cfg.Outbox.LeaderEnabled {
		return nil, nil
	}

	if mongoDatabase != nil {
		electorCfg := leader.DefaultElectorConfig("outbox-processor-leader")
		if cfg.Standby.InstanceID != "" {
			electorCfg.InstanceID = cfg.Standby.InstanceID
		}
		return leader.NewLeaderElector(mongoDatabase, electorCfg), nil
	}

	opts, err := redis.ParseURL(cfg.Outbox.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	electorCfg := leader.DefaultRedisElectorConfig("flowcatalyst:outbox:leader")
	if cfg.Standby.InstanceID != "" {
		electorCfg.InstanceID = cfg.Standby.InstanceID
	}
	return leader.NewRedisLeaderElector(client, electorCfg), nil
}

func metricsRouter() http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	return r
}
