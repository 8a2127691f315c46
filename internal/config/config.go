package config // package config loads application configuration from environment variables

import (
	"errors"  // errors joins validation failures
	"fmt"     // fmt formats validation messages
	"os"      // os provides access to environment variables
	"strconv" // strconv converts strings to other types
	"strings" // strings normalizes enum-like values
	"time"    // time parses durations and locations

	"github.com/joho/godotenv" // godotenv loads a local .env file into the environment
)

// Storage drivers accepted by STORAGE_DRIVER.
const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

// Config holds all runtime configuration values.  Each field corresponds to
// an environment variable; defaults apply when a variable is unset.
type Config struct {
	Env      string // application environment (e.g. "dev", "prod")
	Port     string // HTTP port to listen on
	LogLevel string // zerolog level name
	Timezone string // IANA zone used for day keys

	StorageDriver string // memory | redis | mysql | postgres
	DBUser        string // MySQL user
	DBPass        string // MySQL password (optional)
	DBHost        string // MySQL host
	DBPort        string // MySQL port
	DBName        string // MySQL database
	DatabaseURL   string // Postgres connection string
	KeyPrefix     string // Redis key namespace

	RabbitURL      string // AMQP broker; empty disables the publisher and consumer
	EventsExchange string // fanout exchange carrying facility events

	JWTSecret    string        // secret used to sign admin JWTs
	AccessTTL    time.Duration // admin token lifetime
	PinSecret    string        // HMAC key for PIN derivation
	PinWidth     int           // digits per PIN
	PinCacheTTL  time.Duration // lifetime of cached PIN lookups
	PinIssueAt   string        // daily issuance time, HH:MM in Timezone
	CatalogPath  string        // optional YAML station catalogue
	LockTTL      time.Duration // lease on every keyed lock
	LockRetries  int           // acquisition attempts before giving up
	LockDelay    time.Duration // first backoff between attempts
	LockTimeout  time.Duration // overall bound on an engine operation
	QueueRetries int           // queue mutation attempts under contention
	QueueKeep    time.Duration // retention of station-day queues, 0 keeps them
	RouteTTL     time.Duration // lifetime of a patient route
	Optimize     bool          // reorder routes by live load at assignment

	WeightIdle  float64 // bonus for an empty queue
	WeightSpare float64 // bonus per unit of spare capacity
	WeightLoad  float64 // penalty per queued patient (per 20)
	WeightWait  float64 // penalty per average wait (per 30 minutes)

	Breaker      BreakerConfig
	Redis        RedisConfig
	RateLimit    RateLimitConfig
	PinRateLimit RateLimitConfig
}

// BreakerConfig tunes the storage circuit breaker.
type BreakerConfig struct {
	Enabled          bool
	FailureThreshold int
	SuccessThreshold int
	OpenTimeout      time.Duration
	RequestTimeout   time.Duration
}

// Load reads configuration values from a .env file (when present) and the
// environment.  Call Validate before starting anything that needs secrets.
func Load() Config {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	return Config{
		Env:      envStr("APP_ENV", "dev"),
		Port:     envStr("APP_PORT", "8080"),
		LogLevel: envStr("LOG_LEVEL", "info"),
		Timezone: envStr("TIMEZONE", "UTC"),

		StorageDriver: strings.ToLower(envStr("STORAGE_DRIVER", DriverMemory)),
		DBUser:        envStr("DB_USER", "root"),
		DBPass:        os.Getenv("DB_PASS"),
		DBHost:        envStr("DB_HOST", "127.0.0.1"),
		DBPort:        envStr("DB_PORT", "3306"),
		DBName:        envStr("DB_NAME", "clinicflow"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		KeyPrefix:     envStr("REDIS_KEY_PREFIX", "clinicflow:"),

		RabbitURL:      os.Getenv("RABBITMQ_URL"),
		EventsExchange: envStr("EVENTS_EXCHANGE", "clinicflow.events"),

		JWTSecret:    os.Getenv("JWT_SECRET"),
		AccessTTL:    time.Duration(envInt("ACCESS_TOKEN_TTL_MIN", 720)) * time.Minute,
		PinSecret:    os.Getenv("PIN_SECRET"),
		PinWidth:     envInt("PIN_WIDTH", 6),
		PinCacheTTL:  envDur("PIN_CACHE_TTL", 30*time.Second),
		PinIssueAt:   envStr("PIN_ISSUE_AT", "05:00"),
		CatalogPath:  os.Getenv("CATALOG_PATH"),
		LockTTL:      envDur("LOCK_TTL", 5*time.Second),
		LockRetries:  envInt("LOCK_RETRIES", 10),
		LockDelay:    envDur("LOCK_RETRY_DELAY", 100*time.Millisecond),
		LockTimeout:  envDur("LOCK_TIMEOUT", 5*time.Second),
		QueueRetries: envInt("QUEUE_RETRIES", 3),
		QueueKeep:    envDur("QUEUE_RETENTION", 0),
		RouteTTL:     envDur("ROUTE_TTL", 24*time.Hour),
		Optimize:     envBool("ROUTE_OPTIMIZE", false),

		WeightIdle:  envFloat("WEIGHT_IDLE", 1.5),
		WeightSpare: envFloat("WEIGHT_SPARE", 0.5),
		WeightLoad:  envFloat("WEIGHT_LOAD", 0.8),
		WeightWait:  envFloat("WEIGHT_WAIT", 0.7),

		Breaker: BreakerConfig{
			Enabled:          envBool("BREAKER_ENABLED", true),
			FailureThreshold: envInt("BREAKER_FAILURE_THRESHOLD", 5),
			SuccessThreshold: envInt("BREAKER_SUCCESS_THRESHOLD", 2),
			OpenTimeout:      envDur("BREAKER_OPEN_TIMEOUT", 60*time.Second),
			RequestTimeout:   envDur("BREAKER_REQUEST_TIMEOUT", 5*time.Second),
		},
		Redis:        LoadRedisConfig(),
		RateLimit:    LoadRateLimitConfig(),
		PinRateLimit: LoadPinRateLimitConfig(),
	}
}

// Validate reports every setting that prevents the server from starting.
func (c Config) Validate() error {
	var errs []error
	switch c.StorageDriver {
	case DriverMemory, DriverRedis, DriverMySQL:
	case DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORAGE_DRIVER %q", c.StorageDriver))
	}
	if c.PinSecret == "" {
		errs = append(errs, errors.New("missing required env var: PIN_SECRET"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("missing required env var: JWT_SECRET"))
	}
	if c.PinWidth < 4 || c.PinWidth > 9 {
		errs = append(errs, fmt.Errorf("PIN_WIDTH must be between 4 and 9, got %d", c.PinWidth))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Location resolves Timezone.
func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// IsDev reports whether the process runs in development mode.
func (c Config) IsDev() bool { return c.Env == "dev" || c.Env == "development" }

func envStr(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func envBool(k string, d bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return d
}

func envInt(k string, d int) int {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	return d
}

func envFloat(k string, d float64) float64 {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	return d
}

func envDur(k string, d time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	if dur, err := time.ParseDuration(v); err == nil {
		return dur
	}
	return d
}
