package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/example/walletrecon/internal/circuitbreaker"
	"github.com/example/walletrecon/internal/ledger"
	"github.com/example/walletrecon/internal/logging"
)

// Config holds the application configuration.
type Config struct {
	Environment string `yaml:"app_env"`
	HTTPAddr    string `yaml:"http_addr"`

	DatabaseDriver string `yaml:"database_driver"`
	DatabaseURL    string `yaml:"database_url"`
	SQLitePath     string `yaml:"sqlite_path"`

	Ledger LedgerConfig `yaml:"ledger"`
	API    APIConfig    `yaml:"api"`
	Log    LogConfig    `yaml:"log"`

	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	OTLPHeaders  string `yaml:"otlp_headers"`

	// AuditLog is the path of the hash-chained audit journal. Empty
	// disables auditing.
	AuditLog string `yaml:"audit_log"`

	ConfirmBatch   int `yaml:"confirm_batch"`
	ConfirmWorkers int `yaml:"confirm_workers"`
}

type LedgerConfig struct {
	RPCURL          string        `yaml:"rpc_url"`
	Network         string        `yaml:"network"`
	Commitment      string        `yaml:"commitment"`
	ProgramID       string        `yaml:"program_id"`
	CallTimeout     time.Duration `yaml:"call_timeout"`
	RPS             float64       `yaml:"rps"`
	Burst           int           `yaml:"burst"`
	BreakerFailures int           `yaml:"breaker_failures"`
	BreakerOpen     time.Duration `yaml:"breaker_open"`
}

type APIConfig struct {
	JWTSecret         string `yaml:"jwt_secret"`
	RedisAddr         string `yaml:"redis_addr"`
	RateLimitCapacity int    `yaml:"rate_limit_capacity"`
	RateLimitRefill   int    `yaml:"rate_limit_refill_per_sec"`
	MaxBodyBytes      int64  `yaml:"max_body_bytes"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() *Config {
	return &Config{
		Environment:    "development",
		HTTPAddr:       ":3000",
		DatabaseDriver: "postgres",
		SQLitePath:     "walletrecon.db",
		Ledger: LedgerConfig{
			RPCURL:          "https://api.devnet.solana.com",
			Network:         string(ledger.Devnet),
			Commitment:      string(ledger.CommitmentConfirmed),
			CallTimeout:     10 * time.Second,
			RPS:             20,
			Burst:           5,
			BreakerFailures: 5,
			BreakerOpen:     30 * time.Second,
		},
		API: APIConfig{
			RateLimitCapacity: 20,
			RateLimitRefill:   10,
			MaxBodyBytes:      1 << 20,
		},
		Log:            LogConfig{Level: "info", Format: "json"},
		ConfirmBatch:   100,
		ConfirmWorkers: 4,
	}
}

// Load builds the configuration from defaults, the YAML file named by
// WALLETD_CONFIG when set, and then environment variables. Environment
// variables win over the file.
func Load() (*Config, error) {
	cfg := Defaults()
	if path := os.Getenv("WALLETD_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("APP_ENV", &c.Environment)
	str("HTTP_ADDR", &c.HTTPAddr)
	str("DATABASE_DRIVER", &c.DatabaseDriver)
	str("DATABASE_URL", &c.DatabaseURL)
	str("SQLITE_PATH", &c.SQLitePath)

	str("SOLANA_RPC_URL", &c.Ledger.RPCURL)
	str("SOLANA_NETWORK", &c.Ledger.Network)
	str("SOLANA_COMMITMENT", &c.Ledger.Commitment)
	str("SOLANA_PROGRAM_ID", &c.Ledger.ProgramID)
	duration("LEDGER_CALL_TIMEOUT", &c.Ledger.CallTimeout)
	if v := os.Getenv("LEDGER_RPS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("LEDGER_RPS: %w", err))
		} else {
			c.Ledger.RPS = f
		}
	}
	integer("LEDGER_BURST", &c.Ledger.Burst)
	integer("LEDGER_BREAKER_FAILURES", &c.Ledger.BreakerFailures)
	duration("LEDGER_BREAKER_OPEN", &c.Ledger.BreakerOpen)

	str("JWT_SECRET", &c.API.JWTSecret)
	str("REDIS_ADDR", &c.API.RedisAddr)
	integer("API_RATE_LIMIT_CAPACITY", &c.API.RateLimitCapacity)
	integer("API_RATE_LIMIT_REFILL_PER_SEC", &c.API.RateLimitRefill)
	if v := os.Getenv("API_MAX_BODY_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("API_MAX_BODY_BYTES: %w", err))
		} else {
			c.API.MaxBodyBytes = n
		}
	}

	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("LOG_FILE", &c.Log.File)

	str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.OTLPEndpoint)
	str("OTEL_EXPORTER_OTLP_HEADERS", &c.OTLPHeaders)
	if v := os.Getenv("OTEL_EXPORTER_OTLP_INSECURE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("OTEL_EXPORTER_OTLP_INSECURE: %w", err))
		} else {
			c.OTLPInsecure = b
		}
	}

	str("AUDIT_LOG", &c.AuditLog)
	integer("CONFIRM_BATCH", &c.ConfirmBatch)
	integer("CONFIRM_WORKERS", &c.ConfirmWorkers)

	return errors.Join(errs...)
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var missing []string

	switch c.DatabaseDriver {
	case "postgres":
		if c.DatabaseURL == "" {
			missing = append(missing, "DATABASE_URL")
		}
	case "sqlite":
		if c.SQLitePath == "" {
			missing = append(missing, "SQLITE_PATH")
		}
	default:
		return fmt.Errorf("DATABASE_DRIVER must be postgres or sqlite, got %q", c.DatabaseDriver)
	}
	if c.Ledger.RPCURL == "" {
		missing = append(missing, "SOLANA_RPC_URL")
	}
	if c.Environment == "production" && c.API.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	if len(missing) > 0 {
		return errors.New("missing required environment variables: " + strings.Join(missing, ", "))
	}

	switch c.Environment {
	case "development", "production", "test":
	default:
		return fmt.Errorf("APP_ENV must be development, production or test, got %q", c.Environment)
	}
	if _, err := ledger.ParseNetwork(c.Ledger.Network); err != nil {
		return fmt.Errorf("SOLANA_NETWORK: %w", err)
	}
	if _, err := ledger.ParseCommitment(c.Ledger.Commitment); err != nil {
		return fmt.Errorf("SOLANA_COMMITMENT: %w", err)
	}
	if c.Ledger.ProgramID != "" && !ledger.ValidAddress(c.Ledger.ProgramID) {
		return fmt.Errorf("SOLANA_PROGRAM_ID is not a valid public key: %q", c.Ledger.ProgramID)
	}
	if c.Ledger.CallTimeout <= 0 {
		return errors.New("LEDGER_CALL_TIMEOUT must be positive")
	}
	if c.Ledger.RPS <= 0 || c.Ledger.Burst <= 0 {
		return errors.New("LEDGER_RPS and LEDGER_BURST must be positive")
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	switch c.Log.Format {
	case "json", "simple":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or simple, got %q", c.Log.Format)
	}
	if c.ConfirmBatch <= 0 || c.ConfirmWorkers <= 0 {
		return errors.New("CONFIRM_BATCH and CONFIRM_WORKERS must be positive")
	}
	return nil
}

// AdapterConfig converts the ledger settings for ledger.New. Call after
// Validate.
func (c *Config) AdapterConfig() ledger.Config {
	return ledger.Config{
		RPCURL:      c.Ledger.RPCURL,
		Network:     ledger.Network(c.Ledger.Network),
		Commitment:  ledger.Commitment(c.Ledger.Commitment),
		ProgramID:   c.Ledger.ProgramID,
		CallTimeout: c.Ledger.CallTimeout,
		RateLimit:   c.Ledger.RPS,
		RateBurst:   c.Ledger.Burst,
		Breaker: circuitbreaker.Config{
			FailureThreshold: c.Ledger.BreakerFailures,
			OpenTimeout:      c.Ledger.BreakerOpen,
		},
	}
}

// LoggingConfig converts the log settings for logging.New.
func (c *Config) LoggingConfig() logging.Config {
	return logging.Config{Level: c.Log.Level, Format: c.Log.Format, File: c.Log.File}
}
