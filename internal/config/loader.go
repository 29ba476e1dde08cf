package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"go.flowcatalyst.tech/router/internal/common/secrets"
)

// fileConfig is the TOML configuration file structure. Environment
// variables override anything set here.
type fileConfig struct {
	HTTP struct {
		Port        int      `toml:"port"`
		MetricsPort int      `toml:"metrics_port"`
		CORSOrigins []string `toml:"cors_origins"`
	} `toml:"http"`

	Queue struct {
		Type              string `toml:"type"`
		URL               string `toml:"url"`
		VisibilityTimeout int    `toml:"visibility_timeout"`
		WaitTimeSeconds   int    `toml:"wait_time_seconds"`

		SQS struct {
			Region   string `toml:"region"`
			Endpoint string `toml:"endpoint"`
		} `toml:"sqs"`

		NATS struct {
			StreamName   string `toml:"stream"`
			Subject      string `toml:"subject"`
			ConsumerName string `toml:"consumer"`
			DataDir      string `toml:"data_dir"`
		} `toml:"nats"`
	} `toml:"queue"`

	Router struct {
		PoolConcurrency      int    `toml:"pool_concurrency"`
		MaxPools             int    `toml:"max_pools"`
		MediationTimeout     string `toml:"mediation_timeout"`
		ConnectionRetries    int    `toml:"connection_retries"`
		CircuitBreakerPerURL bool   `toml:"cb_per_url"`
	} `toml:"router"`

	Standby struct {
		Enabled           bool   `toml:"enabled"`
		RedisURL          string `toml:"redis_url"`
		LockKey           string `toml:"lock_key"`
		LockTTL           string `toml:"lock_ttl"`
		HeartbeatInterval string `toml:"heartbeat_interval"`
		InstanceID        string `toml:"instance_id"`
	} `toml:"standby"`

	ConfigSync struct {
		Enabled     bool   `toml:"enabled"`
		URL         string `toml:"url"`
		AuthToken   string `toml:"auth_token"`
		Interval    string `toml:"interval"`
		MaxRetries  int    `toml:"max_retries"`
		RetryDelay  string `toml:"retry_delay"`
		FailOnError bool   `toml:"fail_on_error"`
	} `toml:"config_sync"`

	Traffic struct {
		Enabled       bool   `toml:"enabled"`
		Strategy      string `toml:"strategy"`
		RegisterURL   string `toml:"register_url"`
		DeregisterURL string `toml:"deregister_url"`
	} `toml:"traffic"`

	Notify struct {
		TeamsWebhook string `toml:"teams_webhook"`
		SMTPHost     string `toml:"smtp_host"`
		SMTPPort     int    `toml:"smtp_port"`
		SMTPUsername string `toml:"smtp_username"`
		SMTPPassword string `toml:"smtp_password"`
		EmailFrom    string `toml:"email_from"`
		EmailTo      string `toml:"email_to"`
		MinSeverity  string `toml:"min_severity"`
		BatchWindow  string `toml:"batch_window"`
	} `toml:"notify"`

	Outbox struct {
		DBType         string `toml:"db_type"`
		DBURL          string `toml:"db_url"`
		PollIntervalMS int    `toml:"poll_interval_ms"`
		BatchSize      int    `toml:"batch_size"`
		LeaderEnabled  bool   `toml:"leader_enabled"`
		RedisURL       string `toml:"redis_url"`
	} `toml:"outbox"`

	MongoDB struct {
		URI      string `toml:"uri"`
		Database string `toml:"database"`
	} `toml:"mongodb"`

	DataDir string `toml:"data_dir"`
	DevMode bool   `toml:"dev_mode"`
}

// LoadWithFile loads a TOML config file when FLOWCATALYST_CONFIG_FILE
// points at one, then applies environment variable overrides on top.
func LoadWithFile() (*Config, error) {
	path := getEnv("CONFIG_FILE", "")
	if path == "" {
		return Load()
	}

	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	// Seed the environment defaults from the file, then reload. Env
	// vars already set win because lookupEnv finds them first.
	applyFileToEnv(&fc)
	return Load()
}

// applyFileToEnv exports non-empty file values as defaults for keys not
// already present in the environment.
func applyFileToEnv(fc *fileConfig) {
	set := func(key, value string) {
		if value == "" {
			return
		}
		if _, ok := lookupEnv(key); !ok {
			os.Setenv(envPrefix+key, value)
		}
	}
	setInt := func(key string, value int) {
		if value != 0 {
			set(key, fmt.Sprintf("%d", value))
		}
	}
	setBool := func(key string, value bool) {
		if value {
			set(key, "true")
		}
	}

	setInt("API_PORT", fc.HTTP.Port)
	setInt("METRICS_PORT", fc.HTTP.MetricsPort)
	set("CORS_ORIGINS", strings.Join(fc.HTTP.CORSOrigins, ","))

	set("QUEUE_TYPE", fc.Queue.Type)
	set("QUEUE_URL", fc.Queue.URL)
	setInt("VISIBILITY_TIMEOUT", fc.Queue.VisibilityTimeout)
	setInt("QUEUE_WAIT_TIME_SECONDS", fc.Queue.WaitTimeSeconds)
	set("AWS_REGION", fc.Queue.SQS.Region)
	set("SQS_ENDPOINT", fc.Queue.SQS.Endpoint)
	set("NATS_STREAM", fc.Queue.NATS.StreamName)
	set("NATS_SUBJECT", fc.Queue.NATS.Subject)
	set("NATS_CONSUMER", fc.Queue.NATS.ConsumerName)
	set("NATS_DATA_DIR", fc.Queue.NATS.DataDir)

	setInt("POOL_CONCURRENCY", fc.Router.PoolConcurrency)
	setInt("MAX_POOLS", fc.Router.MaxPools)
	set("MEDIATION_TIMEOUT", fc.Router.MediationTimeout)
	setInt("CONNECTION_RETRIES", fc.Router.ConnectionRetries)
	setBool("CB_PER_URL", fc.Router.CircuitBreakerPerURL)

	setBool("STANDBY_ENABLED", fc.Standby.Enabled)
	set("STANDBY_REDIS_URL", fc.Standby.RedisURL)
	set("STANDBY_LOCK_KEY", fc.Standby.LockKey)
	set("STANDBY_LOCK_TTL", fc.Standby.LockTTL)
	set("STANDBY_HEARTBEAT_INTERVAL", fc.Standby.HeartbeatInterval)
	set("INSTANCE_ID", fc.Standby.InstanceID)

	setBool("CONFIG_SYNC_ENABLED", fc.ConfigSync.Enabled)
	set("CONFIG_SYNC_URL", fc.ConfigSync.URL)
	set("CONFIG_SYNC_AUTH_TOKEN", fc.ConfigSync.AuthToken)
	set("CONFIG_SYNC_INTERVAL", fc.ConfigSync.Interval)
	setInt("CONFIG_SYNC_MAX_RETRIES", fc.ConfigSync.MaxRetries)
	set("CONFIG_SYNC_RETRY_DELAY", fc.ConfigSync.RetryDelay)
	setBool("CONFIG_SYNC_FAIL_ON_ERROR", fc.ConfigSync.FailOnError)

	setBool("TRAFFIC_ENABLED", fc.Traffic.Enabled)
	set("TRAFFIC_STRATEGY", fc.Traffic.Strategy)
	set("TRAFFIC_REGISTER_URL", fc.Traffic.RegisterURL)
	set("TRAFFIC_DEREGISTER_URL", fc.Traffic.DeregisterURL)

	set("NOTIFY_TEAMS_WEBHOOK", fc.Notify.TeamsWebhook)
	set("NOTIFY_SMTP_HOST", fc.Notify.SMTPHost)
	setInt("NOTIFY_SMTP_PORT", fc.Notify.SMTPPort)
	set("NOTIFY_SMTP_USERNAME", fc.Notify.SMTPUsername)
	set("NOTIFY_SMTP_PASSWORD", fc.Notify.SMTPPassword)
	set("NOTIFY_EMAIL_FROM", fc.Notify.EmailFrom)
	set("NOTIFY_EMAIL_TO", fc.Notify.EmailTo)
	set("NOTIFY_MIN_SEVERITY", fc.Notify.MinSeverity)
	set("NOTIFY_BATCH_WINDOW", fc.Notify.BatchWindow)

	set("OUTBOX_DB_TYPE", fc.Outbox.DBType)
	set("OUTBOX_DB_URL", fc.Outbox.DBURL)
	setInt("OUTBOX_POLL_INTERVAL_MS", fc.Outbox.PollIntervalMS)
	setInt("OUTBOX_BATCH_SIZE", fc.Outbox.BatchSize)
	setBool("OUTBOX_LEADER_ENABLED", fc.Outbox.LeaderEnabled)
	set("OUTBOX_REDIS_URL", fc.Outbox.RedisURL)

	set("MONGODB_URI", fc.MongoDB.URI)
	set("MONGODB_DATABASE", fc.MongoDB.Database)

	set("DATA_DIR", fc.DataDir)
	setBool("DEV", fc.DevMode)
}

// secretScheme marks config values to be fetched from the secrets
// provider, e.g. "secret://router-auth-token".
const secretScheme = "secret://"

// ResolveSecrets replaces secret:// references in sensitive fields
// using the given provider.
func ResolveSecrets(cfg *Config, provider secrets.Provider) error {
	if provider == nil {
		return nil
	}

	fields := []*string{
		&cfg.Standby.RedisURL,
		&cfg.ConfigSync.AuthToken,
		&cfg.Outbox.DBURL,
		&cfg.Outbox.RedisURL,
		&cfg.MongoDB.URI,
		&cfg.Queue.SQS.AccessKeyID,
		&cfg.Queue.SQS.SecretAccessKey,
		&cfg.Notify.TeamsWebhookURL,
		&cfg.Notify.SMTPPassword,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, field := range fields {
		if !strings.HasPrefix(*field, secretScheme) {
			continue
		}
		name := strings.TrimPrefix(*field, secretScheme)
		value, err := provider.Get(ctx, name)
		if err != nil {
			return fmt.Errorf("resolve secret %s: %w", name, err)
		}
		*field = value
	}
	return nil
}
