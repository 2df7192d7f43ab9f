package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const EnvPrefix = ""

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

type Config struct {
	App         AppConfig
	Service     ServiceConfig
	DB          DBConfig
	Redis       RedisConfig
	Gateway     GatewayConfig
	Idempotency IdempotencyConfig
	Dedup       DedupConfig
	Reconcile   ReconcileConfig
	Outbox      OutboxConfig
	PubSub      PubSubConfig
	GCP         GCPConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Gateway.validate(); err != nil {
		return nil, err
	}
	if err := cfg.Dedup.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"VAULTBRIDGE_APP_ENV" required:"true"`
	Port         string `envconfig:"VAULTBRIDGE_APP_PORT" default:"8080"`
	LogLevel     string `envconfig:"VAULTBRIDGE_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"VAULTBRIDGE_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"VAULTBRIDGE_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"VAULTBRIDGE_DB_DSN" required:"true"`
	Driver string `envconfig:"VAULTBRIDGE_DB_DRIVER" default:"postgres"`

	MaxOpenConns    int           `envconfig:"VAULTBRIDGE_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"VAULTBRIDGE_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"VAULTBRIDGE_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"VAULTBRIDGE_DB_CONN_MAX_IDLE_TIME" default:"10m"`

	AutoMigrate bool `envconfig:"VAULTBRIDGE_DB_AUTO_MIGRATE" default:"false"`
}

type RedisConfig struct {
	URL          string        `envconfig:"VAULTBRIDGE_REDIS_URL" required:"true"`
	PoolSize     int           `envconfig:"VAULTBRIDGE_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"VAULTBRIDGE_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"VAULTBRIDGE_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"VAULTBRIDGE_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"VAULTBRIDGE_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// GatewayConfig describes the remote card-processing gateway.
type GatewayConfig struct {
	TransactURL string `envconfig:"VAULTBRIDGE_GATEWAY_TRANSACT_URL" required:"true"`
	QueryURL    string `envconfig:"VAULTBRIDGE_GATEWAY_QUERY_URL" required:"true"`
	SecurityKey string `envconfig:"VAULTBRIDGE_GATEWAY_SECURITY_KEY" required:"true"`

	// WebhookSecret signs every webhook delivery. Verification is mandatory;
	// an empty secret is a deployment misconfiguration, not a bypass.
	WebhookSecret string `envconfig:"VAULTBRIDGE_GATEWAY_WEBHOOK_SECRET"`

	Timeout     time.Duration `envconfig:"VAULTBRIDGE_GATEWAY_TIMEOUT" default:"30s"`
	MaxAttempts int           `envconfig:"VAULTBRIDGE_GATEWAY_MAX_ATTEMPTS" default:"3"`
	BaseBackoff time.Duration `envconfig:"VAULTBRIDGE_GATEWAY_BASE_BACKOFF" default:"500ms"`
}

func (g GatewayConfig) validate() error {
	if strings.TrimSpace(g.WebhookSecret) == "" {
		return fmt.Errorf("gateway webhook secret is required; refusing to run with signature verification disabled")
	}
	return nil
}

type IdempotencyConfig struct {
	// ResultTTL must cover at least the webhook redelivery horizon so a late
	// redelivery still finds the stored outcome.
	ResultTTL time.Duration `envconfig:"VAULTBRIDGE_IDEMPOTENCY_RESULT_TTL" default:"48h"`
	FlightTTL time.Duration `envconfig:"VAULTBRIDGE_IDEMPOTENCY_FLIGHT_TTL" default:"2m"`
	PollEvery time.Duration `envconfig:"VAULTBRIDGE_IDEMPOTENCY_POLL_EVERY" default:"200ms"`
}

type DedupConfig struct {
	// Retention must be at least the gateway's 24h redelivery horizon.
	Retention time.Duration `envconfig:"VAULTBRIDGE_DEDUP_RETENTION" default:"48h"`
}

const minDedupRetention = 24 * time.Hour

func (d DedupConfig) validate() error {
	if d.Retention < minDedupRetention {
		return fmt.Errorf("dedup retention %s is shorter than the gateway redelivery horizon %s", d.Retention, minDedupRetention)
	}
	return nil
}

type ReconcileConfig struct {
	Interval time.Duration `envconfig:"VAULTBRIDGE_RECONCILE_INTERVAL" default:"1h"`
	// Grace must exceed the gateway's maximum redelivery horizon so the worker
	// only touches state the webhook stream has had every chance to settle.
	Grace time.Duration `envconfig:"VAULTBRIDGE_RECONCILE_GRACE" default:"25h"`
	Limit int           `envconfig:"VAULTBRIDGE_RECONCILE_LIMIT" default:"250"`
}

type OutboxConfig struct {
	BatchSize      int `envconfig:"VAULTBRIDGE_OUTBOX_BATCH_SIZE" default:"50"`
	PollIntervalMS int `envconfig:"VAULTBRIDGE_OUTBOX_POLL_INTERVAL_MS" default:"500"`
	MaxAttempts    int `envconfig:"VAULTBRIDGE_OUTBOX_MAX_ATTEMPTS" default:"10"`
	RetentionDays  int `envconfig:"VAULTBRIDGE_OUTBOX_RETENTION_DAYS" default:"30"`
}

type PubSubConfig struct {
	BillingTopic string `envconfig:"VAULTBRIDGE_PUBSUB_BILLING_TOPIC" default:"vb-billing-events"`
}

type GCPConfig struct {
	ProjectID string `envconfig:"VAULTBRIDGE_GCP_PROJECT_ID"`
}
