package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/time/rate"

	"github.com/Antoniskp/apofasifast/pkg/auditlog"
	"github.com/Antoniskp/apofasifast/pkg/config"
	"github.com/Antoniskp/apofasifast/pkg/eventschema"
	"github.com/Antoniskp/apofasifast/pkg/observability"
	"github.com/Antoniskp/apofasifast/pkg/store"
	"github.com/Antoniskp/apofasifast/pkg/store/filestore"
	"github.com/Antoniskp/apofasifast/pkg/store/memory"
	"github.com/Antoniskp/apofasifast/pkg/store/redisstore"
	"github.com/Antoniskp/apofasifast/pkg/store/sqlstore"
)

// commonFlags are accepted by every command that touches a chain.
type commonFlags struct {
	configPath string
	chainID    string
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "Path to a YAML config file")
	fs.StringVar(&c.chainID, "chain", "", "Chain id (default from APOFASI_CHAIN_ID)")
}

// app is everything a command needs, built from configuration.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     store.ChainStore
	service   *auditlog.Service
	telemetry *observability.Provider
	closers   []func() error
}

func (a *app) chain(flagValue string) string {
	if strings.TrimSpace(flagValue) != "" {
		return flagValue
	}
	return a.cfg.ChainID
}

// openApp loads configuration and wires the store and service. Logs go to
// stderr so stdout stays machine-readable.
func openApp(ctx context.Context, configPath string, stderr io.Writer) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg, stderr)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	a := &app{cfg: cfg, logger: logger}

	a.telemetry = observability.Disabled()
	if cfg.OTELEnabled {
		ocfg := observability.DefaultConfig()
		ocfg.OTLPEndpoint = cfg.OTELEndpoint
		ocfg.Insecure = cfg.OTELInsecure
		tp, err := observability.New(ctx, ocfg)
		if err != nil {
			return nil, fmt.Errorf("init telemetry: %w", err)
		}
		a.telemetry = tp
	}

	st, closer, err := openStore(ctx, cfg, true)
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	a.store = st
	if closer != nil {
		a.closers = append(a.closers, closer)
	}

	opts := []auditlog.Option{
		auditlog.WithLogger(logger),
		auditlog.WithTelemetry(a.telemetry),
		auditlog.WithRetry(cfg.AppendRetries),
	}
	if cfg.SequenceCheck {
		opts = append(opts, auditlog.WithSequenceCheck())
	}
	if cfg.AppendRate > 0 {
		opts = append(opts, auditlog.WithRateLimit(rate.NewLimiter(rate.Limit(cfg.AppendRate), cfg.AppendBurst)))
	}
	if cfg.SchemaDir != "" {
		var ropts []eventschema.Option
		if cfg.StrictSchemas {
			ropts = append(ropts, eventschema.Strict())
		}
		reg := eventschema.NewRegistry(ropts...)
		if err := reg.LoadDir(cfg.SchemaDir); err != nil {
			_ = a.Close(ctx)
			return nil, fmt.Errorf("load schemas: %w", err)
		}
		opts = append(opts, auditlog.WithSchemas(reg))
	}
	a.service = auditlog.NewService(st, opts...)
	return a, nil
}

// Close releases the store and flushes telemetry.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c())
	}
	if a.telemetry != nil {
		errs = append(errs, a.telemetry.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

func newLogger(cfg *config.Config, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(cfg.LogFormat, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler), nil
}

// openStore opens the configured backend. SQLite databases are migrated on
// open when autoMigrate is set; Postgres always needs an explicit migrate.
func openStore(ctx context.Context, cfg *config.Config, autoMigrate bool) (store.ChainStore, func() error, error) {
	switch cfg.Store {
	case config.StoreMemory:
		return memory.New(), nil, nil

	case config.StoreFile:
		st, err := filestore.Open(cfg.DataDir)
		if err != nil {
			return nil, nil, err
		}
		return st, nil, nil

	case config.StoreRedis:
		st := redisstore.NewStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := st.Ping(ctx); err != nil {
			_ = st.Close()
			return nil, nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		return st, st.Close, nil

	case config.StoreSQLite:
		if cfg.SQLitePath != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o750); err != nil {
				return nil, nil, fmt.Errorf("create sqlite dir: %w", err)
			}
		}
		db, err := sqlstore.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		st := sqlstore.New(db, sqlstore.SQLite)
		if autoMigrate {
			if err := st.Init(ctx); err != nil {
				_ = st.Close()
				return nil, nil, err
			}
		}
		return st, st.Close, nil

	case config.StorePostgres:
		db, err := sqlstore.OpenPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		st := sqlstore.New(db, sqlstore.Postgres)
		return st, st.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown store %q", cfg.Store)
}
