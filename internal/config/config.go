package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/gonzaloobispo/Bioengine-v3/internal/models"
)

// Config holds configuration for the gateway and its admin tooling.
type Config struct {
	HTTP        HTTPConfig
	Log         LogConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Providers   []models.ProviderConfig
	Gateway     GatewayConfig
	Governor    GovernorConfig
	Router      RouterConfig
	Approval    ApprovalConfig
	EventLogger EventLoggerConfig
	UsageQueue  UsageQueueConfig
	Credentials CredentialsConfig
}

// HTTPConfig configures the ops server of cmd/gateway. An empty AdminToken
// leaves the /admin routes disabled.
type HTTPConfig struct {
	Port            string
	AdminToken      string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// LogConfig selects level and output format of the process logger
type LogConfig struct {
	Level  string
	Format string // "console" or "json"
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL             string // postgres://... or a SQLite path / sqlite:// URL
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// RedisConfig holds Redis connection settings. An empty Address disables Redis.
type RedisConfig struct {
	Address      string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Enabled reports whether a Redis server is configured.
func (r RedisConfig) Enabled() bool {
	return r.Address != ""
}

// GatewayConfig controls fallback, retry and circuit breaking
type GatewayConfig struct {
	ProvidersFile           string
	MaxAttempts             int           // attempts per provider while rate limited
	BaseDelay               time.Duration // linear backoff unit: delay = BaseDelay * attempt
	RequestTimeout          time.Duration // overall deadline for a blocking generate call
	StreamTimeout           time.Duration // overall deadline for a streaming call
	ProviderTimeout         time.Duration // HTTP timeout of a single vendor request
	BreakerEnabled          bool
	BreakerFailureThreshold int
	BreakerOpenTimeout      time.Duration
}

// GovernorConfig holds cost governor settings
type GovernorConfig struct {
	Store             string // "sql", "redis" or "memory"
	DefaultWindow     time.Duration
	DefaultMaxCostUSD float64
	RedisKeyPrefix    string
}

// RouterConfig holds specialist routing settings
type RouterConfig struct {
	ConfidenceFloor  float64
	DefaultAgent     string
	ScoreConcurrency int
}

// ApprovalConfig holds approval gate thresholds
type ApprovalConfig struct {
	Store                  string // "sql" or "memory"
	// nil thresholds keep the gate defaults; 0 is a valid value
	LoadChangeThresholdPct *float64
	HighSeverityPct        *float64
	LoadChangeTTL          time.Duration
	DefaultTTL             time.Duration
}

// EventLoggerConfig configures the JSONL gateway event log
type EventLoggerConfig struct {
	Enabled          bool
	FilePathTemplate string
	MaxSize          int64
	MaxFiles         int
	BufferSize       int
	FlushInterval    time.Duration
}

// UsageQueueConfig configures asynchronous usage accounting
type UsageQueueConfig struct {
	Enabled      bool
	Backend      string // "memory" or "redis"
	Name         string
	BatchSize    int
	BatchTimeout time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
}

// CredentialsConfig points at the provider credential sources
type CredentialsConfig struct {
	File          string // YAML map provider_id -> base64 AES-GCM ciphertext
	EncryptionKey string // base64 key
	Passphrase    string // alternative to EncryptionKey, stretched with argon2id
	Salt          string
}

func getEnvInt(key string, defaultValue int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}

	intVal, err := strconv.Atoi(val)
	if err != nil {
		return defaultValue
	}

	return intVal
}

func getEnvInt64(key string, defaultValue int64) int64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	intVal, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return defaultValue
	}
	return intVal
}

func getEnvFloat(key string, defaultValue float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return defaultValue
	}
	return f
}

func getEnvFloatPtr(key string, defaultValue float64) *float64 {
	f := getEnvFloat(key, defaultValue)
	return &f
}

func getEnvBool(key string, defaultValue bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return defaultValue
	}
	return b
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}

	duration, err := time.ParseDuration(val)
	if err != nil {
		return defaultValue
	}

	return duration
}

func getEnvString(key string, defaultValue string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	return val
}

// Load reads configuration from a .env file (when present), the environment,
// and the optional YAML provider chain file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Config{
		HTTP: HTTPConfig{
			Port:            getEnvString("HTTP_PORT", "8080"),
			AdminToken:      getEnvString("ADMIN_TOKEN", ""),
			ReadTimeout:     getEnvDuration("HTTP_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvDuration("HTTP_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:     getEnvDuration("HTTP_IDLE_TIMEOUT", 120*time.Second),
			ShutdownTimeout: getEnvDuration("HTTP_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Log: LogConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "console"),
		},
		Database: DatabaseConfig{
			URL:             getEnvString("DATABASE_URL", "bioengine.db"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			ConnMaxIdleTime: getEnvDuration("DB_CONN_MAX_IDLE_TIME", 1*time.Minute),
		},
		Redis: RedisConfig{
			Address:      getEnvString("REDIS_ADDRESS", ""),
			Password:     getEnvString("REDIS_PASSWORD", ""),
			DB:           getEnvInt("REDIS_DB", 0),
			PoolSize:     getEnvInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getEnvInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getEnvDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getEnvDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Gateway: GatewayConfig{
			ProvidersFile:           getEnvString("PROVIDERS_FILE", ""),
			MaxAttempts:             getEnvInt("GATEWAY_MAX_ATTEMPTS", 3),
			BaseDelay:               getEnvDuration("GATEWAY_BASE_DELAY", 10*time.Second),
			RequestTimeout:          getEnvDuration("GATEWAY_REQUEST_TIMEOUT", 2*time.Minute),
			StreamTimeout:           getEnvDuration("GATEWAY_STREAM_TIMEOUT", 5*time.Minute),
			ProviderTimeout:         getEnvDuration("PROVIDER_REQUEST_TIMEOUT", 60*time.Second),
			BreakerEnabled:          getEnvBool("GATEWAY_BREAKER_ENABLED", true),
			BreakerFailureThreshold: getEnvInt("GATEWAY_BREAKER_FAILURE_THRESHOLD", 5),
			BreakerOpenTimeout:      getEnvDuration("GATEWAY_BREAKER_OPEN_TIMEOUT", 60*time.Second),
		},
		Governor: GovernorConfig{
			Store:             getEnvString("GOVERNOR_STORE", "sql"),
			DefaultWindow:     getEnvDuration("PAID_WINDOW_DEFAULT_DURATION", 60*time.Minute),
			DefaultMaxCostUSD: getEnvFloat("PAID_WINDOW_DEFAULT_MAX_COST", 1.0),
			RedisKeyPrefix:    getEnvString("GOVERNOR_REDIS_PREFIX", "governor"),
		},
		Router: RouterConfig{
			ConfidenceFloor:  getEnvFloat("ROUTER_CONFIDENCE_FLOOR", 0.4),
			DefaultAgent:     getEnvString("ROUTER_DEFAULT_AGENT", "coach"),
			ScoreConcurrency: getEnvInt("ROUTER_SCORE_CONCURRENCY", 4),
		},
		Approval: ApprovalConfig{
			Store:                  getEnvString("APPROVAL_STORE", "sql"),
			LoadChangeThresholdPct: getEnvFloatPtr("APPROVAL_LOAD_THRESHOLD_PCT", 10),
			HighSeverityPct:        getEnvFloatPtr("APPROVAL_HIGH_SEVERITY_PCT", 20),
			LoadChangeTTL:          getEnvDuration("APPROVAL_LOAD_CHANGE_TTL", 48*time.Hour),
			DefaultTTL:             getEnvDuration("APPROVAL_DEFAULT_TTL", 24*time.Hour),
		},
		EventLogger: EventLoggerConfig{
			Enabled:          getEnvBool("EVENT_LOGGER_ENABLED", true),
			FilePathTemplate: getEnvString("EVENT_LOGGER_FILE_PATH_TEMPLATE", "logs/ai_model_fallback-%s.jsonl"),
			MaxSize:          getEnvInt64("EVENT_LOGGER_MAX_SIZE", 10_485_760),
			MaxFiles:         getEnvInt("EVENT_LOGGER_MAX_FILES", 5),
			BufferSize:       getEnvInt("EVENT_LOGGER_BUFFER_SIZE", 100),
			FlushInterval:    getEnvDuration("EVENT_LOGGER_FLUSH_INTERVAL", 10*time.Second),
		},
		UsageQueue: UsageQueueConfig{
			Enabled:      getEnvBool("USAGE_QUEUE_ENABLED", false),
			Backend:      getEnvString("USAGE_QUEUE_BACKEND", "memory"),
			Name:         getEnvString("USAGE_QUEUE_NAME", "usage"),
			BatchSize:    getEnvInt("USAGE_QUEUE_BATCH_SIZE", 100),
			BatchTimeout: getEnvDuration("USAGE_QUEUE_BATCH_TIMEOUT", 5*time.Second),
			MaxRetries:   getEnvInt("USAGE_QUEUE_MAX_RETRIES", 3),
			RetryBackoff: getEnvDuration("USAGE_QUEUE_RETRY_BACKOFF", 1*time.Second),
		},
		Credentials: CredentialsConfig{
			File:          getEnvString("CREDENTIALS_FILE", ""),
			EncryptionKey: getEnvString("ENCRYPTION_KEY", ""),
			Passphrase:    getEnvString("ENCRYPTION_PASSPHRASE", ""),
			Salt:          getEnvString("ENCRYPTION_SALT", "bioengine-credentials"),
		},
	}

	providers := models.DefaultProviderChain()
	if cfg.Gateway.ProvidersFile != "" {
		loaded, err := LoadProviders(cfg.Gateway.ProvidersFile)
		if err != nil {
			return nil, err
		}
		providers = loaded
	}
	cfg.Providers = models.SortByPriority(providers)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the components cannot run with.
func (c *Config) Validate() error {
	if c.Gateway.MaxAttempts < 1 {
		return fmt.Errorf("GATEWAY_MAX_ATTEMPTS must be at least 1")
	}
	if c.Router.ConfidenceFloor < 0 || c.Router.ConfidenceFloor > 1 {
		return fmt.Errorf("ROUTER_CONFIDENCE_FLOOR must be within [0,1], got %v", c.Router.ConfidenceFloor)
	}
	if t := c.Approval.LoadChangeThresholdPct; t != nil && *t < 0 {
		return fmt.Errorf("APPROVAL_LOAD_THRESHOLD_PCT must not be negative, got %v", *t)
	}
	if t, h := c.Approval.LoadChangeThresholdPct, c.Approval.HighSeverityPct; t != nil && h != nil && *h < *t {
		return fmt.Errorf("APPROVAL_HIGH_SEVERITY_PCT must not be below APPROVAL_LOAD_THRESHOLD_PCT")
	}
	switch strings.ToLower(c.Governor.Store) {
	case "sql", "memory":
	case "redis":
		if !c.Redis.Enabled() {
			return fmt.Errorf("GOVERNOR_STORE=redis requires REDIS_ADDRESS")
		}
	default:
		return fmt.Errorf("unknown GOVERNOR_STORE %q", c.Governor.Store)
	}
	if c.UsageQueue.Enabled && c.UsageQueue.Backend == "redis" && !c.Redis.Enabled() {
		return fmt.Errorf("USAGE_QUEUE_BACKEND=redis requires REDIS_ADDRESS")
	}
	for _, p := range c.Providers {
		if err := p.Validate(); err != nil {
			return err
		}
	}
	return nil
}
