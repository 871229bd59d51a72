package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName      string
	AppVersion   string
	Environment  string
	HTTPAddr     string
	SnowflakeID  int64
	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
	DBAutoMigrate     bool

	MembershipConfigPath string

	Redis       RedisConfig
	RabbitMQ    RabbitMQConfig
	Relay       RelayConfig
	Verifier    VerifierConfig
	Entitlement EntitlementConfig
	Dispatch    DispatchConfig
	Scheduler   SchedulerConfig
	Telemetry   TelemetryConfig
}

// TelemetryConfig follows the OTEL_* variable names so collectors configured for other
// services work unchanged.
type TelemetryConfig struct {
	LogLevel         string
	LogFormat        string
	OtelEnabled      bool
	ExporterEndpoint string
	ExporterProtocol string
	SamplingRatio    float64
}

type RedisConfig struct {
	Enabled       bool
	Addr          string
	Password      string
	DB            int
	PurchaseRate  float64
	PurchaseBurst int
	TxLockTTL     time.Duration
}

type RabbitMQConfig struct {
	URL         string
	Prefetch    int
	QueuePrefix string
}

type RelayConfig struct {
	Partitions     int
	PollInterval   time.Duration
	BatchSize      int
	PublishTimeout time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	LeaseTTL       time.Duration
}

type VerifierConfig struct {
	Mode        string
	Endpoint    string
	APIKey      string
	Timeout     time.Duration
	MaxAttempts int
}

type EntitlementConfig struct {
	FreeDetectionsPerPeriod int
	MaxAttempts             int
}

type DispatchConfig struct {
	Trigger string
}

type SchedulerConfig struct {
	RunInterval     time.Duration
	BatchSize       int
	JobTimeout      time.Duration
	OutboxRetention time.Duration
	EnabledJobs     []string
}

const (
	VerifierModeHTTP   = "http"
	VerifierModeStatic = "static"

	DispatchTriggerPaid    = "paid"
	DispatchTriggerCreated = "created"
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:      getenv("APP_SERVICE", "verdant"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Environment:  getenv("ENVIRONMENT", "development"),
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		SnowflakeID:  getenvInt64("SNOWFLAKE_NODE", 1),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "verdant"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", "postgres"),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		DBAutoMigrate:     getenvBool("DATABASE_AUTO_MIGRATE", true),

		MembershipConfigPath: strings.TrimSpace(getenv("MEMBERSHIP_CONFIG_PATH", "")),

		Redis: RedisConfig{
			Enabled:  getenvBool("REDIS_ENABLED", false),
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "localhost:6379")),
			Password: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			DB:       getenvInt("REDIS_DB", 0),

			PurchaseRate:  getenvFloat("PURCHASE_RATE_PER_SECOND", 0.2),
			PurchaseBurst: getenvInt("PURCHASE_BURST", 5),
			TxLockTTL:     getenvDuration("PURCHASE_TX_LOCK_TTL", 2*time.Minute),
		},
		RabbitMQ: RabbitMQConfig{
			URL:         strings.TrimSpace(getenv("RABBITMQ_URL", "")),
			Prefetch:    getenvInt("RABBITMQ_PREFETCH", 16),
			QueuePrefix: strings.TrimSpace(getenv("RABBITMQ_QUEUE_PREFIX", "verdant")),
		},
		Relay: RelayConfig{
			Partitions:     getenvInt("OUTBOX_PARTITIONS", 4),
			PollInterval:   getenvDuration("OUTBOX_POLL_INTERVAL", time.Second),
			BatchSize:      getenvInt("OUTBOX_BATCH_SIZE", 50),
			PublishTimeout: getenvDuration("OUTBOX_PUBLISH_TIMEOUT", 5*time.Second),
			InitialBackoff: getenvDuration("OUTBOX_INITIAL_BACKOFF", time.Second),
			MaxBackoff:     getenvDuration("OUTBOX_MAX_BACKOFF", 5*time.Minute),
			LeaseTTL:       getenvDuration("OUTBOX_LEASE_TTL", 30*time.Second),
		},
		Verifier: VerifierConfig{
			Mode:        strings.ToLower(getenv("VERIFIER_MODE", VerifierModeHTTP)),
			Endpoint:    strings.TrimSpace(getenv("VERIFIER_ENDPOINT", "http://localhost:8090")),
			APIKey:      strings.TrimSpace(getenv("VERIFIER_API_KEY", "")),
			Timeout:     getenvDuration("VERIFIER_TIMEOUT", 10*time.Second),
			MaxAttempts: getenvInt("VERIFIER_MAX_ATTEMPTS", 3),
		},
		Entitlement: EntitlementConfig{
			FreeDetectionsPerPeriod: getenvInt("FREE_DETECTIONS_PER_PERIOD", 3),
			MaxAttempts:             getenvInt("ENTITLEMENT_MAX_ATTEMPTS", 10),
		},
		Dispatch: DispatchConfig{
			Trigger: normalizeTrigger(getenv("DISPATCH_TRIGGER", DispatchTriggerPaid)),
		},
		Scheduler: SchedulerConfig{
			RunInterval:     getenvDuration("SCHEDULER_RUN_INTERVAL", time.Minute),
			BatchSize:       getenvInt("SCHEDULER_BATCH_SIZE", 100),
			JobTimeout:      getenvDuration("SCHEDULER_JOB_TIMEOUT", 30*time.Second),
			OutboxRetention: getenvDuration("OUTBOX_RETENTION", 7*24*time.Hour),
			EnabledJobs:     getenvList("SCHEDULER_JOBS"),
		},
		Telemetry: TelemetryConfig{
			LogLevel:         strings.ToLower(strings.TrimSpace(getenv("LOG_LEVEL", "info"))),
			LogFormat:        strings.ToLower(strings.TrimSpace(getenv("LOG_FORMAT", "json"))),
			OtelEnabled:      getenvBool("OTEL_ENABLED", false),
			ExporterProtocol: strings.ToLower(strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc"))),
			SamplingRatio:    getenvFloat("OTEL_TRACES_SAMPLER_ARG", 1),
		},
	}
	cfg.Telemetry.ExporterEndpoint = strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.OTLPEndpoint))
	cfg.Environment = getenv("DEPLOYMENT_ENV", cfg.Environment)

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// IsDevelopment reports local-style environments where debug logging is on by default.
func (c Config) IsDevelopment() bool {
	switch strings.ToLower(strings.TrimSpace(c.Environment)) {
	case "dev", "development", "local", "test":
		return true
	}
	return false
}

func normalizeTrigger(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case DispatchTriggerCreated:
		return DispatchTriggerCreated
	default:
		return DispatchTriggerPaid
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}
