package nats

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"log/slog"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// EmbeddedServer runs an in-process NATS server with JetStream, used when
// no external broker is configured.
type EmbeddedServer struct {
	server  *server.Server
	conn    *nats.Conn
	js      jetstream.JetStream
	dataDir string
}

// EmbeddedConfig holds embedded server settings.
type EmbeddedConfig struct {
	DataDir    string
	Host       string
	Port       int
	StreamName string
	Subjects   []string
	MaxAge     time.Duration
}

// DefaultEmbeddedConfig returns the conventional embedded settings.
func DefaultEmbeddedConfig() *EmbeddedConfig {
	return &EmbeddedConfig{
		DataDir:    "./data/nats",
		Host:       "127.0.0.1",
		Port:       4222,
		StreamName: "DISPATCH",
		Subjects:   []string{"dispatch.>"},
		MaxAge:     24 * time.Hour,
	}
}

// NewEmbeddedServer starts the server, connects to it, and ensures the
// dispatch stream exists.
func NewEmbeddedServer(cfg *EmbeddedConfig) (*EmbeddedServer, error) {
	if cfg == nil {
		cfg = DefaultEmbeddedConfig()
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	ns, err := server.NewServer(&server.Options{
		Host:      cfg.Host,
		Port:      cfg.Port,
		JetStream: true,
		StoreDir:  cfg.DataDir,
		NoLog:     true,
		NoSigs:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("create nats server: %w", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("nats server failed to start within timeout")
	}
	slog.Info("Embedded NATS server started", "host", cfg.Host, "port", cfg.Port, "dataDir", cfg.DataDir)

	conn, err := nats.Connect(fmt.Sprintf("nats://%s:%d", cfg.Host, cfg.Port),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("NATS reconnected")
		}),
	)
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		ns.Shutdown()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	e := &EmbeddedServer{server: ns, conn: conn, js: js, dataDir: cfg.DataDir}
	if err := e.ensureStream(context.Background(), cfg); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

func (e *EmbeddedServer) ensureStream(ctx context.Context, cfg *EmbeddedConfig) error {
	streamCfg := jetstream.StreamConfig{
		Name:      cfg.StreamName,
		Subjects:  cfg.Subjects,
		Storage:   jetstream.FileStorage,
		Retention: jetstream.WorkQueuePolicy,
		MaxAge:    cfg.MaxAge,
		Replicas:  1,
		Discard:   jetstream.DiscardOld,
		MaxMsgs:   -1,
		MaxBytes:  -1,
	}

	if _, err := e.js.Stream(ctx, cfg.StreamName); err != nil {
		if _, err := e.js.CreateStream(ctx, streamCfg); err != nil {
			return fmt.Errorf("create stream: %w", err)
		}
		slog.Info("Created JetStream stream", "stream", cfg.StreamName)
		return nil
	}
	if _, err := e.js.UpdateStream(ctx, streamCfg); err != nil {
		return fmt.Errorf("update stream: %w", err)
	}
	return nil
}

// CreateConsumer creates a durable pull consumer and wraps it in the
// poll-based Consumer.
func (e *EmbeddedServer) CreateConsumer(ctx context.Context, cfg *Config) (*Consumer, error) {
	ackWait := cfg.AckWait
	if ackWait <= 0 {
		ackWait = DefaultAckWait
	}

	consumerCfg := jetstream.ConsumerConfig{
		Name:          cfg.ConsumerName,
		Durable:       cfg.ConsumerName,
		FilterSubject: cfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       ackWait,
		MaxDeliver:    cfg.MaxDeliver,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		ReplayPolicy:  jetstream.ReplayInstantPolicy,
		MaxAckPending: 1000,
	}

	stream, err := e.js.Stream(ctx, cfg.StreamName)
	if err != nil {
		return nil, fmt.Errorf("get stream: %w", err)
	}
	consumer, err := stream.CreateOrUpdateConsumer(ctx, consumerCfg)
	if err != nil {
		return nil, fmt.Errorf("create consumer: %w", err)
	}
	return NewConsumer(consumer, cfg), nil
}

// Publisher returns a publisher for the given subject.
func (e *EmbeddedServer) Publisher(subject string) *Publisher {
	return NewPublisher(e.js, subject)
}

// JetStream returns the JetStream context.
func (e *EmbeddedServer) JetStream() jetstream.JetStream { return e.js }

// Close shuts down the connection and server.
func (e *EmbeddedServer) Close() error {
	slog.Info("Shutting down embedded NATS server")
	if e.conn != nil {
		e.conn.Close()
	}
	if e.server != nil {
		e.server.Shutdown()
		e.server.WaitForShutdown()
	}

	lockFile := filepath.Join(e.dataDir, "jetstream", "lock.lck")
	if _, err := os.Stat(lockFile); err == nil {
		os.Remove(lockFile)
	}
	return nil
}

// Connect connects to an external NATS cluster and returns a pull
// consumer plus a publisher for the configured subject.
func Connect(ctx context.Context, cfg *Config) (*Consumer, *Publisher, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("create jetstream context: %w", err)
	}

	stream, err := js.Stream(ctx, cfg.StreamName)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("get stream %s: %w", cfg.StreamName, err)
	}

	ackWait := cfg.AckWait
	if ackWait <= 0 {
		ackWait = DefaultAckWait
	}
	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          cfg.ConsumerName,
		Durable:       cfg.ConsumerName,
		FilterSubject: cfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       ackWait,
		MaxDeliver:    cfg.MaxDeliver,
		MaxAckPending: 1000,
	})
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("create consumer: %w", err)
	}

	return NewConsumer(consumer, cfg), NewPublisher(js, cfg.Subject), nil
}
