package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/labfhir/internal/config"
	"github.com/JonMunkholm/labfhir/internal/core"
	"github.com/JonMunkholm/labfhir/internal/logging"
)

// app carries state shared by the subcommands.
type app struct {
	cfg *config.Config

	logLevel  string
	logFormat string
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "labfhir",
		Short: "Upload lab CSV exports to a FHIR server",
		Long: "labfhir reads a lab CSV export, validates each row, maps usable rows to a FHIR\n" +
			"Patient plus one Observation per lab value and submits them as one transaction\n" +
			"per record. Settings come from the environment (and .env); flags override them.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
	}

	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides LOG_LEVEL")
	root.PersistentFlags().StringVar(&a.logFormat, "log-format", "", "Log format (text, json); overrides LOG_FORMAT")

	root.AddCommand(newRunCmd(a))
	root.AddCommand(newServeCmd(a))
	root.AddCommand(newHistoryCmd(a))
	return root
}

// load reads and validates configuration and installs the logger.
func (a *app) load() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	if a.logFormat != "" {
		cfg.Logging.Format = a.logFormat
	}
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	a.cfg = cfg
	slog.Debug("configuration loaded", "config", cfg.String())
	return nil
}

// openHistory connects to the history database when one is configured.
// The returned close function is never nil.
func (a *app) openHistory(ctx context.Context) (*core.HistoryStore, func(), error) {
	db := a.cfg.Database
	if !db.HistoryEnabled() {
		return nil, func() {}, nil
	}

	pool, err := core.OpenPool(ctx, db.URL, core.PoolConfig{
		MaxConns:        db.MaxConns,
		MinConns:        db.MinConns,
		MaxConnLifetime: db.MaxConnLifetime,
		MaxConnIdleTime: db.MaxConnIdleTime,
	})
	if err != nil {
		return nil, func() {}, err
	}

	history := core.NewHistoryStore(pool)
	if err := history.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, func() {}, err
	}
	slog.Info("run history enabled")
	return history, pool.Close, nil
}

// newService builds the service from the loaded configuration.
func (a *app) newService(ctx context.Context) (*core.Service, func(), error) {
	history, closeHistory, err := a.openHistory(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("open run history: %w", err)
	}

	cfg := a.cfg
	svc := core.NewService(core.ServiceConfig{
		Pipeline: core.PipelineOptions{
			Timeout:       cfg.FHIR.Timeout,
			UserAgent:     cfg.FHIR.UserAgent,
			MaxConcurrent: cfg.FHIR.MaxConcurrent,
			RateLimit:     cfg.FHIR.RateLimit,
			MaxFileSize:   cfg.Pipeline.MaxFileSize,
			Logger:        slog.Default(),
		},
		FHIRBaseURL:          cfg.FHIR.BaseURL,
		PipelineVersion:      cfg.Pipeline.Version,
		DryRun:               cfg.Pipeline.DryRun,
		MaxConcurrentUploads: cfg.Upload.MaxConcurrent,
		UploadWait:           cfg.Upload.MaxWaitTime,
	}, history)
	return svc, closeHistory, nil
}
