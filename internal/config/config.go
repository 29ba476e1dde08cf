// Package config loads router configuration from environment variables,
// with an optional TOML file overlay.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Env var lookups accept the FLOWCATALYST_ prefix, the FC_ short alias,
// or the bare name, in that order.
const (
	envPrefix      = "FLOWCATALYST_"
	envShortPrefix = "FC_"
)

// Config holds all configuration for the message router binaries.
type Config struct {
	HTTP HTTPConfig

	Queue QueueConfig

	Router RouterConfig

	Standby StandbyConfig

	ConfigSync ConfigSyncConfig

	Traffic TrafficConfig

	Notify NotifyConfig

	Outbox OutboxConfig

	// MongoDB is used by the outbox mongo repository.
	MongoDB MongoDBConfig

	// DataDir for embedded services (SQLite queue, embedded NATS).
	DataDir string

	DevMode bool
}

// HTTPConfig holds the API and metrics server settings.
type HTTPConfig struct {
	Port        int
	MetricsPort int
	CORSOrigins []string
}

// QueueConfig selects and configures the broker backend.
type QueueConfig struct {
	// Type is one of sqs, sqlite, nats, nats-embedded.
	Type string

	// URL is the queue location: an SQS queue URL, a NATS server URL,
	// or a SQLite file path depending on Type.
	URL string

	VisibilityTimeout int
	WaitTimeSeconds   int

	SQS  SQSConfig
	NATS NATSConfig
}

// SQSConfig holds AWS SQS settings.
type SQSConfig struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// NATSConfig holds NATS JetStream settings.
type NATSConfig struct {
	StreamName   string
	Subject      string
	ConsumerName string
	DataDir      string
}

// RouterConfig holds message routing behaviour settings.
type RouterConfig struct {
	// DefaultPoolConcurrency is used for pools created on demand.
	DefaultPoolConcurrency int

	MaxPools             int
	PoolWarningThreshold int

	// MediationTimeout overrides the mode default when positive.
	MediationTimeout time.Duration

	ConnectionRetries int

	// CircuitBreakerPerURL keys circuits by full target URL instead of
	// by host.
	CircuitBreakerPerURL bool
}

// StandbyConfig holds HA leader election settings.
type StandbyConfig struct {
	Enabled           bool
	RedisURL          string
	LockKey           string
	LockTTL           time.Duration
	HeartbeatInterval time.Duration
	InstanceID        string
}

// ConfigSyncConfig holds control plane sync settings.
type ConfigSyncConfig struct {
	Enabled     bool
	URL         string
	AuthToken   string
	Interval    time.Duration
	MaxRetries  int
	RetryDelay  time.Duration
	FailOnError bool
}

// TrafficConfig holds load balancer registration settings for HA
// deployments.
type TrafficConfig struct {
	Enabled  bool
	Strategy string

	// Webhook strategy endpoints.
	RegisterURL   string
	DeregisterURL string
}

// NotifyConfig holds alert channel settings. A channel is active when
// its destination is set.
type NotifyConfig struct {
	TeamsWebhookURL string

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	EmailFrom    string
	EmailTo      string

	// MinSeverity is the lowest severity forwarded to alert channels.
	MinSeverity string

	// BatchWindow is how long warnings accumulate before one summary
	// notification goes out.
	BatchWindow time.Duration
}

// OutboxConfig holds transactional outbox settings.
type OutboxConfig struct {
	// DBType is one of sqlite, postgres, mysql, mongo.
	DBType string
	DBURL  string

	PollInterval time.Duration
	BatchSize    int

	// LeaderEnabled gates processing behind Redis leader election so
	// only one outbox instance publishes.
	LeaderEnabled bool
	RedisURL      string
}

// MongoDBConfig holds MongoDB connection settings.
type MongoDBConfig struct {
	URI      string
	Database string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		HTTP: HTTPConfig{
			Port:        getEnvInt("API_PORT", 8080),
			MetricsPort: getEnvInt("METRICS_PORT", 9090),
			CORSOrigins: getEnvSlice("CORS_ORIGINS", []string{"*"}),
		},

		Queue: QueueConfig{
			Type:              getEnv("QUEUE_TYPE", "sqlite"),
			URL:               getEnv("QUEUE_URL", ""),
			VisibilityTimeout: getEnvInt("VISIBILITY_TIMEOUT", 30),
			WaitTimeSeconds:   getEnvInt("QUEUE_WAIT_TIME_SECONDS", 5),
			SQS: SQSConfig{
				Region:          getEnv("AWS_REGION", "us-east-1"),
				Endpoint:        getEnv("SQS_ENDPOINT", ""),
				AccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
				SecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
			},
			NATS: NATSConfig{
				StreamName:   getEnv("NATS_STREAM", "DISPATCH"),
				Subject:      getEnv("NATS_SUBJECT", "dispatch.message"),
				ConsumerName: getEnv("NATS_CONSUMER", "flowcatalyst-router"),
				DataDir:      getEnv("NATS_DATA_DIR", "./data/nats"),
			},
		},

		Router: RouterConfig{
			DefaultPoolConcurrency: getEnvInt("POOL_CONCURRENCY", 20),
			MaxPools:               getEnvInt("MAX_POOLS", 100),
			PoolWarningThreshold:   getEnvInt("POOL_WARNING_THRESHOLD", 50),
			MediationTimeout:       getEnvDuration("MEDIATION_TIMEOUT", 0),
			ConnectionRetries:      getEnvInt("CONNECTION_RETRIES", 2),
			CircuitBreakerPerURL:   getEnvBool("CB_PER_URL", false),
		},

		Standby: StandbyConfig{
			Enabled:           getEnvBool("STANDBY_ENABLED", false),
			RedisURL:          getEnv("STANDBY_REDIS_URL", "redis://localhost:6379"),
			LockKey:           getEnv("STANDBY_LOCK_KEY", "flowcatalyst:router:leader"),
			LockTTL:           getEnvDuration("STANDBY_LOCK_TTL", 30*time.Second),
			HeartbeatInterval: getEnvDuration("STANDBY_HEARTBEAT_INTERVAL", 10*time.Second),
			InstanceID:        getEnv("INSTANCE_ID", os.Getenv("HOSTNAME")),
		},

		ConfigSync: ConfigSyncConfig{
			Enabled:     getEnvBool("CONFIG_SYNC_ENABLED", false),
			URL:         getEnv("CONFIG_SYNC_URL", ""),
			AuthToken:   getEnv("CONFIG_SYNC_AUTH_TOKEN", ""),
			Interval:    getEnvDuration("CONFIG_SYNC_INTERVAL", 5*time.Minute),
			MaxRetries:  getEnvInt("CONFIG_SYNC_MAX_RETRIES", 12),
			RetryDelay:  getEnvDuration("CONFIG_SYNC_RETRY_DELAY", 5*time.Second),
			FailOnError: getEnvBool("CONFIG_SYNC_FAIL_ON_ERROR", false),
		},

		Traffic: TrafficConfig{
			Enabled:       getEnvBool("TRAFFIC_ENABLED", false),
			Strategy:      getEnv("TRAFFIC_STRATEGY", "noop"),
			RegisterURL:   getEnv("TRAFFIC_REGISTER_URL", ""),
			DeregisterURL: getEnv("TRAFFIC_DEREGISTER_URL", ""),
		},

		Notify: NotifyConfig{
			TeamsWebhookURL: getEnv("NOTIFY_TEAMS_WEBHOOK", ""),
			SMTPHost:        getEnv("NOTIFY_SMTP_HOST", ""),
			SMTPPort:        getEnvInt("NOTIFY_SMTP_PORT", 587),
			SMTPUsername:    getEnv("NOTIFY_SMTP_USERNAME", ""),
			SMTPPassword:    getEnv("NOTIFY_SMTP_PASSWORD", ""),
			EmailFrom:       getEnv("NOTIFY_EMAIL_FROM", ""),
			EmailTo:         getEnv("NOTIFY_EMAIL_TO", ""),
			MinSeverity:     getEnv("NOTIFY_MIN_SEVERITY", "WARNING"),
			BatchWindow:     getEnvDuration("NOTIFY_BATCH_WINDOW", 5*time.Minute),
		},

		Outbox: OutboxConfig{
			DBType:        getEnv("OUTBOX_DB_TYPE", "sqlite"),
			DBURL:         getEnv("OUTBOX_DB_URL", "./data/outbox.db"),
			PollInterval:  time.Duration(getEnvInt("OUTBOX_POLL_INTERVAL_MS", 1000)) * time.Millisecond,
			BatchSize:     getEnvInt("OUTBOX_BATCH_SIZE", 50),
			LeaderEnabled: getEnvBool("OUTBOX_LEADER_ENABLED", false),
			RedisURL:      getEnv("OUTBOX_REDIS_URL", "redis://localhost:6379"),
		},

		MongoDB: MongoDBConfig{
			URI:      getEnv("MONGODB_URI", "mongodb://localhost:27017"),
			Database: getEnv("MONGODB_DATABASE", "flowcatalyst"),
		},

		DataDir: getEnv("DATA_DIR", "./data"),
		DevMode: getEnvBool("DEV", false),
	}

	return cfg, nil
}

// lookupEnv checks the prefixed variants before the bare name.
func lookupEnv(key string) (string, bool) {
	for _, name := range []string{envPrefix + key, envShortPrefix + key, key} {
		if value, ok := os.LookupEnv(name); ok {
			return value, true
		}
	}
	return "", false
}

func getEnv(key, defaultValue string) string {
	if value, ok := lookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, ok := lookupEnv(key); ok {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, ok := lookupEnv(key); ok {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, ok := lookupEnv(key); ok {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
		// Bare numbers are read as seconds, matching the broker's
		// visibility timeout convention.
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value, ok := lookupEnv(key); ok {
		return strings.Split(value, ",")
	}
	return defaultValue
}
