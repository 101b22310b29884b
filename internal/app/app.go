// Package app wires the configuration, stores and services a command needs.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"promptline/internal/config"
	"promptline/internal/db"
	"promptline/internal/engine"
	"promptline/internal/engine/auth"
	"promptline/internal/logging"
	"promptline/internal/metrics"
	"promptline/internal/migrate"
	"promptline/internal/report"
	"promptline/internal/repo"
)

type Options struct {
	Workspace  string
	ConfigPath string
	// LogLevel and LogFormat override the config file when set.
	LogLevel  string
	LogFormat string
	Logger    *zap.Logger
}

type App struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Repo      repo.Repo
	Engine    engine.Engine
	Reports   report.Service
	Auth      auth.Service
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// LoadConfig reads path when given, otherwise the workspace config file,
// falling back to defaults when neither exists. Relative paths in the result
// are resolved against workspace.
func LoadConfig(workspace, path string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.FromFile(path)
	} else {
		cfg, err = config.LoadOptional(workspace)
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if workspace == "" {
		workspace = "."
	}
	cfg.Resolve(workspace)
	return cfg, nil
}

// Open loads config, opens and migrates the workspace database and builds the
// engine around them. Callers must Close the result.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg, err := LoadConfig(opts.Workspace, opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		level, format := cfg.Log.Level, cfg.Log.Format
		if opts.LogLevel != "" {
			level = opts.LogLevel
		}
		if opts.LogFormat != "" {
			format = opts.LogFormat
		}
		if logger, err = logging.New(level, format); err != nil {
			return nil, err
		}
	}

	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	applied, err := migrate.Migrate(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	for _, name := range applied {
		logger.Info("applied migration", zap.String("name", name))
	}

	m := metrics.New()
	e, err := engine.New(cfg, conn, logger, m)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &App{
		Workspace: opts.Workspace,
		Config:    cfg,
		DB:        conn,
		Repo:      repo.Repo{DB: conn},
		Engine:    e,
		Reports:   report.Service{Store: e.Submissions, Models: cfg.Models, Now: e.Now},
		Auth:      auth.Service{Admins: cfg.Admins},
		Metrics:   m,
		Logger:    logger,
	}, nil
}

func (a *App) Close() error {
	if a == nil {
		return nil
	}
	var errs []error
	if a.Logger != nil {
		// Sync fails on terminals; nothing useful to report.
		_ = a.Logger.Sync()
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}

// ReceiptOptions returns the billing settings from the receipt config section.
func (a *App) ReceiptOptions() report.ReceiptOptions {
	rc := a.Config.Receipt
	return report.ReceiptOptions{
		PricePerItem: rc.PricePerItem,
		Currency:     rc.Currency,
		Issuer:       report.Party{Name: rc.Issuer.Name, Contact: rc.Issuer.Contact},
	}
}
