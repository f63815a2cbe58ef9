package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
)

func init() {
	// Load .env file if it exists (silent fail if not)
	_ = godotenv.Load()
}

// Config holds all application configuration loaded from environment variables.
type Config struct {
	Server       ServerConfig
	App          AppConfig
	Store        StoreConfig
	Redis        RedisConfig
	Mongo        MongoConfig
	Transition   TransitionConfig
	Notification NotificationConfig
	Auth         AuthConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `envconfig:"SERVER_HOST" default:"0.0.0.0"`
	Port            int           `envconfig:"SERVER_PORT" default:"8080"`
	ReadTimeout     time.Duration `envconfig:"SERVER_READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `envconfig:"SERVER_WRITE_TIMEOUT" default:"300s"` // confirm waits for customer responses
	ShutdownTimeout time.Duration `envconfig:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`
}

// AppConfig holds application-level settings.
type AppConfig struct {
	Name        string `envconfig:"APP_NAME" default:"rentalhub-sale-api"`
	Environment string `envconfig:"APP_ENV" default:"development"`
	Version     string `envconfig:"APP_VERSION" default:"1.0.0"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:""`
}

// StoreConfig selects the transition and ledger backend.
type StoreConfig struct {
	Type string `envconfig:"STORE_TYPE" default:"sqlite"` // memory, sqlite, mysql or postgres
	// Driver picks the postgres driver: postgres (lib/pq) or pgx.
	Driver string `envconfig:"STORE_DRIVER" default:""`
	Path   string `envconfig:"STORE_PATH" default:"./data/sale.db"`

	Host     string `envconfig:"STORE_HOST" default:"localhost"`
	Port     int    `envconfig:"STORE_PORT" default:"0"`
	Name     string `envconfig:"STORE_NAME" default:"rentalhub"`
	User     string `envconfig:"STORE_USER" default:""`
	Password string `envconfig:"STORE_PASS" default:""`
	SSLMode  string `envconfig:"STORE_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"STORE_MAX_OPEN_CONNS" default:"10"`
	MaxIdleConns    int           `envconfig:"STORE_MAX_IDLE_CONNS" default:"5"`
	ConnMaxLifetime time.Duration `envconfig:"STORE_CONN_MAX_LIFETIME" default:"5m"`
}

// RedisConfig enables the shared checkpoint store and commit lock.
type RedisConfig struct {
	Enabled   bool          `envconfig:"REDIS_ENABLED" default:"false"`
	Host      string        `envconfig:"REDIS_HOST" default:"localhost"`
	Port      int           `envconfig:"REDIS_PORT" default:"6379"`
	Password  string        `envconfig:"REDIS_PASSWORD" default:""`
	DB        int           `envconfig:"REDIS_DB" default:"0"`
	KeyPrefix string        `envconfig:"REDIS_KEY_PREFIX" default:"rentalhub:sale"`
	LockTTL   time.Duration `envconfig:"REDIS_LOCK_TTL" default:"30s"`
}

// MongoConfig configures the optional MongoDB audit sink.
type MongoConfig struct {
	AuditSink  string `envconfig:"AUDIT_SINK" default:"store"` // store or mongodb
	URI        string `envconfig:"MONGODB_URI" default:""`
	Database   string `envconfig:"MONGODB_DATABASE" default:"rentalhub"`
	Collection string `envconfig:"MONGODB_COLLECTION" default:"sale_audit"`
}

// TransitionConfig holds the approval policy and engine tuning.
type TransitionConfig struct {
	HighValueThreshold   string `envconfig:"HIGH_VALUE_THRESHOLD" required:"true"`
	MaxAffectedCustomers int    `envconfig:"MAX_AFFECTED_CUSTOMERS" required:"true"`
	// MaxFinancialImpact is optional; empty disables the check.
	MaxFinancialImpact string `envconfig:"MAX_FINANCIAL_IMPACT" default:""`

	CheckpointTTL         time.Duration `envconfig:"CHECKPOINT_TTL" default:"24h"`
	BookingHorizon        time.Duration `envconfig:"BOOKING_HORIZON" default:"8760h"`
	ResolutionConcurrency int           `envconfig:"RESOLUTION_CONCURRENCY" default:"1"`
	ResponseTimeout       time.Duration `envconfig:"RESPONSE_TIMEOUT" default:"30s"`
	RetryAttempts         int           `envconfig:"VERSION_RETRY_ATTEMPTS" default:"2"`
}

// NotificationConfig tunes the notification channel and expiry sweeper.
type NotificationConfig struct {
	DefaultChannel      string        `envconfig:"NOTIFY_DEFAULT_CHANNEL" default:"EMAIL"`
	PollInterval        time.Duration `envconfig:"NOTIFY_POLL_INTERVAL" default:"1s"`
	SweepInterval       time.Duration `envconfig:"NOTIFY_SWEEP_INTERVAL" default:"1m"`
	BreakerFailures     uint32        `envconfig:"NOTIFY_BREAKER_FAILURES" default:"5"`
	BreakerOpenTimeout  time.Duration `envconfig:"NOTIFY_BREAKER_OPEN_TIMEOUT" default:"30s"`
	BreakerHalfOpenReqs uint32        `envconfig:"NOTIFY_BREAKER_HALF_OPEN_REQUESTS" default:"1"`
}

// AuthConfig holds API keys and the roles allowed elevated actions.
type AuthConfig struct {
	APIKeys       []string `envconfig:"API_KEYS" default:""`
	ElevatedRoles []string `envconfig:"ELEVATED_ROLES" default:"admin"`
}

// Address returns the server address in host:port format.
func (s *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// IsDevelopment returns true if running in development mode.
func (a *AppConfig) IsDevelopment() bool {
	return a.Environment == "development"
}

// RedisAddress returns the Redis address in host:port format.
func (r *RedisConfig) Address() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// DSN returns the data source name for the configured SQL backend.
func (s *StoreConfig) DSN() string {
	switch s.Type {
	case "mysql":
		port := s.Port
		if port == 0 {
			port = 3306
		}
		// clientFoundRows makes an unchanged UPDATE still report its row.
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&clientFoundRows=true&loc=UTC",
			s.User, s.Password, s.Host, port, s.Name)
	case "postgres", "postgresql":
		port := s.Port
		if port == 0 {
			port = 5432
		}
		return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
			s.User, s.Password, s.Host, port, s.Name, s.SSLMode)
	}
	return s.Path
}

// Policy parses the decimal policy values.
func (t *TransitionConfig) Policy() (threshold decimal.Decimal, maxImpact decimal.NullDecimal, err error) {
	threshold, err = decimal.NewFromString(t.HighValueThreshold)
	if err != nil {
		return threshold, maxImpact, fmt.Errorf("HIGH_VALUE_THRESHOLD: %w", err)
	}
	if t.MaxFinancialImpact != "" {
		v, err := decimal.NewFromString(t.MaxFinancialImpact)
		if err != nil {
			return threshold, maxImpact, fmt.Errorf("MAX_FINANCIAL_IMPACT: %w", err)
		}
		maxImpact = decimal.NewNullDecimal(v)
	}
	return threshold, maxImpact, nil
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config

	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if _, _, err := cfg.Transition.Policy(); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Transition.MaxAffectedCustomers < 0 {
		return nil, fmt.Errorf("failed to load config: MAX_AFFECTED_CUSTOMERS must not be negative")
	}
	if cfg.Transition.RetryAttempts < 1 {
		return nil, fmt.Errorf("failed to load config: VERSION_RETRY_ATTEMPTS must be at least 1")
	}
	if cfg.Transition.ResponseTimeout > cfg.Server.WriteTimeout {
		return nil, fmt.Errorf("failed to load config: RESPONSE_TIMEOUT %s exceeds SERVER_WRITE_TIMEOUT %s",
			cfg.Transition.ResponseTimeout, cfg.Server.WriteTimeout)
	}

	return &cfg, nil
}
