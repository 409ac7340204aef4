package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds configuration for the budget gateway.
type Config struct {
	HTTPPort  string
	JWTSecret []byte
	Database  DatabaseConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Vault     VaultConfig
	Lease     LeaseConfig
	Ledger    LedgerConfig
	Breaker   BreakerConfig
	Fallback  FallbackConfig
	Workflow  WorkflowConfig
	RateLimit RateLimitConfig
	Queue     QueueConfig
	Archive   AuditArchiveConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	AgentCacheSize  int
	AgentCacheTTL   time.Duration
}

// RedisConfig holds Redis connection settings
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

// AuthConfig holds token issuance settings
type AuthConfig struct {
	IdentityTokenTTL time.Duration // IC token lifetime
	AdminTokenTTL    time.Duration // admin JWT lifetime
}

// VaultConfig holds credential sealing settings
type VaultConfig struct {
	MasterKeyBase64 string // AES master key, base64-encoded 16/24/32 bytes
}

// LeaseConfig holds budget lease settings
type LeaseConfig struct {
	DefaultGrantMicros int64         // granted when handshake omits an amount
	MaxGrantMicros     int64         // hard per-handshake ceiling (DoS bound)
	TTL                time.Duration // lease lifetime before expiry
	RefreshGrace       time.Duration // window after expiry during which refresh still 410s cleanly
	SweepInterval      time.Duration // how often the expiry sweeper runs
}

// LedgerConfig holds persistence retry settings for ledger write-through
type LedgerConfig struct {
	StoreRetryMax     int           // bounded retry count on write conflicts
	StoreRetryBackoff time.Duration // initial backoff, doubles per attempt
}

// BreakerConfig holds circuit breaker thresholds
type BreakerConfig struct {
	FailureThreshold  int           // consecutive failures before Closed -> Open
	Window            time.Duration // sliding window for error-rate tracking
	ErrorRate         float64       // window error fraction that opens the breaker
	MinWindowSamples  int           // minimum calls in window before error rate applies
	Cooldown          time.Duration // Open -> HalfOpen delay
	ProbeSuccesses    int           // consecutive HalfOpen successes before Closed
	HalfOpenMaxProbes int           // concurrent probes admitted while HalfOpen
}

// FallbackConfig holds fallback chain execution settings
type FallbackConfig struct {
	DynamicRanking bool          // rank tiers by rolling stats instead of declared priority
	DefaultTimeout time.Duration // per-tier timeout when the tier declares none
}

// WorkflowConfig holds budget change workflow settings
type WorkflowConfig struct {
	MaxRequestDeltaMicros int64 // per-request delta ceiling, enforced at creation
}

// RateLimitConfig holds per-agent handshake rate limit settings
type RateLimitConfig struct {
	HandshakePerMinute int // 0 disables rate limiting
}

// AuditArchiveConfig holds S3 audit archive settings. An empty bucket
// disables archival.
type AuditArchiveConfig struct {
	Bucket        string
	Region        string
	Prefix        string
	NodeName      string
	FlushSize     int
	FlushInterval time.Duration
}

// QueueConfig holds usage/audit queue settings
type QueueConfig struct {
	UseRedis     bool
	BatchSize    int
	BatchTimeout time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
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
	floatVal, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return defaultValue
	}
	return floatVal
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

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	port := getEnvString("HTTP_PORT", "8080")
	jwtSecret := []byte(getEnvString("JWT_SECRET", ""))
	if len(jwtSecret) == 0 {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	masterKey := os.Getenv("VAULT_MASTER_KEY")
	if masterKey == "" {
		return nil, fmt.Errorf("VAULT_MASTER_KEY is required")
	}

	cfg := &Config{
		HTTPPort:  port,
		JWTSecret: jwtSecret,
		Database: DatabaseConfig{
			URL:             dbURL,
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			ConnMaxIdleTime: getEnvDuration("DB_CONN_MAX_IDLE_TIME", 1*time.Minute),
			AgentCacheSize:  getEnvInt("CACHE_AGENT_SIZE", 1000),
			AgentCacheTTL:   getEnvDuration("CACHE_AGENT_TTL", 5*time.Minute),
		},
		Redis: RedisConfig{
			Address:      getEnvString("REDIS_ADDRESS", "localhost:6379"),
			Password:     getEnvString("REDIS_PASSWORD", ""),
			DB:           getEnvInt("REDIS_DB", 0),
			PoolSize:     getEnvInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getEnvInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getEnvDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getEnvDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Auth: AuthConfig{
			IdentityTokenTTL: getEnvDuration("IDENTITY_TOKEN_TTL", 15*time.Minute),
			AdminTokenTTL:    getEnvDuration("ADMIN_TOKEN_TTL", 1*time.Hour),
		},
		Vault: VaultConfig{
			MasterKeyBase64: masterKey,
		},
		Lease: LeaseConfig{
			DefaultGrantMicros: getEnvInt64("LEASE_DEFAULT_GRANT_MICROS", 10_000_000),  // $10
			MaxGrantMicros:     getEnvInt64("LEASE_MAX_GRANT_MICROS", 100_000_000),     // $100
			TTL:                getEnvDuration("LEASE_TTL", 15*time.Minute),
			RefreshGrace:       getEnvDuration("LEASE_REFRESH_GRACE", 1*time.Minute),
			SweepInterval:      getEnvDuration("LEASE_SWEEP_INTERVAL", 30*time.Second),
		},
		Ledger: LedgerConfig{
			StoreRetryMax:     getEnvInt("LEDGER_STORE_RETRY_MAX", 5),
			StoreRetryBackoff: getEnvDuration("LEDGER_STORE_RETRY_BACKOFF", 50*time.Millisecond),
		},
		Breaker: BreakerConfig{
			FailureThreshold:  getEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
			Window:            getEnvDuration("BREAKER_WINDOW", 60*time.Second),
			ErrorRate:         getEnvFloat("BREAKER_ERROR_RATE", 0.10),
			MinWindowSamples:  getEnvInt("BREAKER_MIN_WINDOW_SAMPLES", 10),
			Cooldown:          getEnvDuration("BREAKER_COOLDOWN", 60*time.Second),
			ProbeSuccesses:    getEnvInt("BREAKER_PROBE_SUCCESSES", 5),
			HalfOpenMaxProbes: getEnvInt("BREAKER_HALF_OPEN_MAX_PROBES", 1),
		},
		Fallback: FallbackConfig{
			DynamicRanking: getEnvString("FALLBACK_DYNAMIC_RANKING", "false") == "true",
			DefaultTimeout: getEnvDuration("FALLBACK_DEFAULT_TIMEOUT", 30*time.Second),
		},
		Workflow: WorkflowConfig{
			MaxRequestDeltaMicros: getEnvInt64("WORKFLOW_MAX_DELTA_MICROS", 10_000_000_000), // $10,000
		},
		RateLimit: RateLimitConfig{
			HandshakePerMinute: getEnvInt("RATE_LIMIT_HANDSHAKE_PER_MINUTE", 60),
		},
		Queue: QueueConfig{
			UseRedis:     getEnvString("QUEUE_USE_REDIS", "false") == "true",
			BatchSize:    getEnvInt("QUEUE_BATCH_SIZE", 100),
			BatchTimeout: getEnvDuration("QUEUE_BATCH_TIMEOUT", 5*time.Second),
			MaxRetries:   getEnvInt("QUEUE_MAX_RETRIES", 3),
			RetryBackoff: getEnvDuration("QUEUE_RETRY_BACKOFF", 1*time.Second),
		},
		Archive: AuditArchiveConfig{
			Bucket:        getEnvString("AUDIT_ARCHIVE_BUCKET", ""),
			Region:        getEnvString("AUDIT_ARCHIVE_REGION", "us-east-1"),
			Prefix:        getEnvString("AUDIT_ARCHIVE_PREFIX", "audit/"),
			NodeName:      getEnvString("AUDIT_ARCHIVE_NODE_NAME", "gateway-0"),
			FlushSize:     getEnvInt("AUDIT_ARCHIVE_FLUSH_SIZE", 500),
			FlushInterval: getEnvDuration("AUDIT_ARCHIVE_FLUSH_INTERVAL", 1*time.Minute),
		},
	}

	return cfg, nil
}
