package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	Checkin   CheckinConfig
	Access    AccessConfig
	Queue     QueueConfig
	RateLimit RateLimitConfig
	Tracing   TracingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string        `env:"PORT"                 envDefault:"8080"`
	ReadTimeout        int           `env:"READ_TIMEOUT_SEC"     envDefault:"30"`
	WriteTimeout       int           `env:"WRITE_TIMEOUT_SEC"    envDefault:"30"`
	ShutdownTimeout    time.Duration `env:"SHUTDOWN_TIMEOUT"     envDefault:"15s"`
	CORSAllowedOrigins string        `env:"CORS_ALLOWED_ORIGINS" envDefault:"http://localhost:3000,http://localhost:3001"` // comma-separated, or "*"
	LogLevel           string        `env:"LOG_LEVEL"            envDefault:"info"`
}

// Store drivers.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Driver      string `env:"STORE_DRIVER"    envDefault:"postgres"`
	URL         string `env:"DATABASE_URL"` // if set, used as-is
	Host        string `env:"DB_HOST"         envDefault:"localhost"`
	Port        string `env:"DB_PORT"         envDefault:"5432"`
	User        string `env:"DB_USER"         envDefault:"postgres"`
	Password    string `env:"DB_PASSWORD"     envDefault:"postgres"`
	DBName      string `env:"DB_NAME"         envDefault:"iconic"`
	SSLMode     string `env:"DB_SSLMODE"      envDefault:"disable"`
	AutoMigrate bool   `env:"DB_AUTO_MIGRATE" envDefault:"true"`
	TxAttempts  int    `env:"DB_TX_ATTEMPTS"  envDefault:"5"`
}

// RedisConfig holds Redis connection settings. With REDIS_DISABLED the process runs without Redis:
// joins are synchronous, rate limits are per instance and realtime delivery is local.
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR"     envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB"       envDefault:"0"`
	Disabled bool   `env:"REDIS_DISABLED" envDefault:"false"`
}

// Enabled reports whether Redis should be used.
func (c RedisConfig) Enabled() bool { return !c.Disabled && c.Addr != "" }

// JWTConfig holds JWT signing and validation settings.
type JWTConfig struct {
	Secret      string `env:"JWT_SECRET"       envDefault:"change-me-in-production"`
	ExpireHours int    `env:"JWT_EXPIRE_HOURS" envDefault:"24"`
}

// CheckinConfig fixes token timings for the life of the process.
type CheckinConfig struct {
	Window   time.Duration `env:"CHECKIN_WINDOW"   envDefault:"60s"`
	Cooldown time.Duration `env:"CHECKIN_COOLDOWN" envDefault:"15s"`
}

// AccessConfig selects how the iconic tier is evaluated: "flag" or "expiry".
type AccessConfig struct {
	MembershipMode string `env:"MEMBERSHIP_MODE" envDefault:"flag"`
}

// QueueConfig controls asynchronous joins.
type QueueConfig struct {
	Enabled         bool          `env:"REGISTRATION_QUEUE_ENABLED" envDefault:"false"`
	InProcessWorker bool          `env:"WORKER_IN_PROCESS"          envDefault:"true"`
	MonitorInterval time.Duration `env:"QUEUE_MONITOR_INTERVAL"     envDefault:"15s"`
}

// RateLimitConfig holds per-caller request budgets. A zero limit disables that limiter.
type RateLimitConfig struct {
	Window   time.Duration `env:"RATE_LIMIT_WINDOW"   envDefault:"1m"`
	Join     int           `env:"RATE_LIMIT_JOIN"     envDefault:"20"`
	Generate int           `env:"RATE_LIMIT_GENERATE" envDefault:"10"`
	Scan     int           `env:"RATE_LIMIT_SCAN"     envDefault:"120"`
}

// TracingConfig enables OTLP export when Endpoint is set.
type TracingConfig struct {
	Endpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName string `env:"OTEL_SERVICE_NAME"           envDefault:"iconic-events"`
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	cfg, err := Parse()
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse reads configuration from the process environment only.
func Parse() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the services cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case StorePostgres, StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StorePostgres, StoreMemory, c.Database.Driver))
	}
	switch c.Access.MembershipMode {
	case "flag", "expiry":
	default:
		errs = append(errs, fmt.Errorf("MEMBERSHIP_MODE must be \"flag\" or \"expiry\", got %q", c.Access.MembershipMode))
	}
	if c.Checkin.Window <= 0 {
		errs = append(errs, errors.New("CHECKIN_WINDOW must be positive"))
	}
	if c.Checkin.Cooldown <= 0 {
		errs = append(errs, errors.New("CHECKIN_COOLDOWN must be positive"))
	}
	if c.JWT.Secret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.Queue.Enabled && !c.Redis.Enabled() {
		errs = append(errs, errors.New("REGISTRATION_QUEUE_ENABLED needs Redis (REDIS_ADDR set, REDIS_DISABLED unset)"))
	}
	if c.Database.TxAttempts < 1 {
		errs = append(errs, errors.New("DB_TX_ATTEMPTS must be at least 1"))
	}
	return errors.Join(errs...)
}
