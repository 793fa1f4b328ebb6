// Package config loads service configuration from the environment, with an
// optional YAML file underneath it.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/Antoniskp/apofasifast/pkg/artifacts"
)

// StoreKind names a chain store backend.
type StoreKind string

const (
	StoreMemory   StoreKind = "memory"
	StoreSQLite   StoreKind = "sqlite"
	StorePostgres StoreKind = "postgres"
	StoreFile     StoreKind = "file"
	StoreRedis    StoreKind = "redis"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config holds service configuration.
type Config struct {
	Store         StoreKind `env:"APOFASI_STORE"          yaml:"store"`
	DatabaseURL   string    `env:"APOFASI_DATABASE_URL"   yaml:"database_url"`
	SQLitePath    string    `env:"APOFASI_SQLITE_PATH"    yaml:"sqlite_path"`
	DataDir       string    `env:"APOFASI_DATA_DIR"       yaml:"data_dir"`
	RedisAddr     string    `env:"APOFASI_REDIS_ADDR"     yaml:"redis_addr"`
	RedisPassword string    `env:"APOFASI_REDIS_PASSWORD" yaml:"redis_password"`
	RedisDB       int       `env:"APOFASI_REDIS_DB"       yaml:"redis_db"`

	ChainID       string  `env:"APOFASI_CHAIN_ID"       yaml:"chain_id"`
	AppendRate    float64 `env:"APOFASI_APPEND_RATE"    yaml:"append_rate"`
	AppendBurst   int     `env:"APOFASI_APPEND_BURST"   yaml:"append_burst"`
	AppendRetries uint    `env:"APOFASI_APPEND_RETRIES" yaml:"append_retries"`
	SequenceCheck bool    `env:"APOFASI_SEQUENCE_CHECK" yaml:"sequence_check"`
	SchemaDir     string  `env:"APOFASI_SCHEMA_DIR"     yaml:"schema_dir"`
	StrictSchemas bool    `env:"APOFASI_STRICT_SCHEMAS" yaml:"strict_schemas"`

	SigningKeyPath string `env:"APOFASI_SIGNING_KEY_PATH" yaml:"signing_key_path"`

	LogLevel  string `env:"APOFASI_LOG_LEVEL"  yaml:"log_level"`
	LogFormat string `env:"APOFASI_LOG_FORMAT" yaml:"log_format"`

	OTELEnabled  bool   `env:"APOFASI_OTEL_ENABLED"  yaml:"otel_enabled"`
	OTELEndpoint string `env:"APOFASI_OTEL_ENDPOINT" yaml:"otel_endpoint"`
	OTELInsecure bool   `env:"APOFASI_OTEL_INSECURE" yaml:"otel_insecure"`

	Artifacts artifacts.Options `yaml:"artifacts"`
}

// Default returns the configuration used when nothing is set: an in-memory
// store on the "default" chain.
func Default() Config {
	return Config{
		Store:         StoreMemory,
		SQLitePath:    "data/apofasi.db",
		DataDir:       "data/chains",
		RedisAddr:     "localhost:6379",
		ChainID:       "default",
		AppendBurst:   1,
		AppendRetries: 5,
		LogLevel:      "INFO",
		LogFormat:     "text",
		OTELEndpoint:  "localhost:4317",
		Artifacts:     artifacts.DefaultOptions(),
	}
}

// Load builds a Config from defaults, then the YAML file at path (if path is
// not empty), then APOFASI_* environment variables. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return nil, err
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("load config %q: %w", path, err)
	}
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("parse config %q: %w", path, err)
	}
	return nil
}

// Validate rejects unknown store kinds, missing connection settings and
// unusable limits.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store {
	case StoreMemory:
	case StoreSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("APOFASI_SQLITE_PATH is required for the sqlite store"))
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("APOFASI_DATABASE_URL is required for the postgres store"))
		}
	case StoreFile:
		if c.DataDir == "" {
			errs = append(errs, errors.New("APOFASI_DATA_DIR is required for the file store"))
		}
	case StoreRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("APOFASI_REDIS_ADDR is required for the redis store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store %q", c.Store))
	}

	if strings.TrimSpace(c.ChainID) == "" {
		errs = append(errs, errors.New("APOFASI_CHAIN_ID must not be blank"))
	}
	if c.AppendRate < 0 {
		errs = append(errs, errors.New("APOFASI_APPEND_RATE must not be negative"))
	}
	if c.AppendRate > 0 && c.AppendBurst < 1 {
		errs = append(errs, errors.New("APOFASI_APPEND_BURST must be at least 1 when a rate is set"))
	}
	if c.AppendRetries < 1 {
		errs = append(errs, errors.New("APOFASI_APPEND_RETRIES must be at least 1"))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	return level, nil
}
