package core

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"
)

// ErrHistoryDisabled is returned by history queries when no database is configured.
var ErrHistoryDisabled = errors.New("run history is not configured")

// ServiceConfig configures a Service.
type ServiceConfig struct {
	Pipeline        PipelineOptions
	FHIRBaseURL     string
	PipelineVersion string
	DryRun          bool

	MaxConcurrentUploads int
	UploadWait           time.Duration
}

// Service is the entry point used by the HTTP server and the CLI. It owns
// the pipeline, the optional run history and the limit on concurrent runs.
type Service struct {
	cfg      ServiceConfig
	pipeline *Pipeline
	history  *HistoryStore
	limiter  *UploadLimiter
	logger   *slog.Logger
}

// NewService creates a Service. history may be nil.
func NewService(cfg ServiceConfig, history *HistoryStore) *Service {
	if history != nil && cfg.Pipeline.Recorder == nil {
		cfg.Pipeline.Recorder = history
	}
	logger := cfg.Pipeline.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:      cfg,
		pipeline: NewPipeline(cfg.Pipeline),
		history:  history,
		limiter:  NewUploadLimiter(cfg.MaxConcurrentUploads, cfg.UploadWait),
		logger:   logger,
	}
}

// UploadOptions override service defaults for one run. Nil fields keep the default.
type UploadOptions struct {
	DryRun  *bool
	Version string
}

func (s *Service) params(opts UploadOptions) RunParams {
	params := RunParams{
		FHIRBaseURL:     s.cfg.FHIRBaseURL,
		PipelineVersion: s.cfg.PipelineVersion,
		DryRun:          s.cfg.DryRun,
	}
	if opts.DryRun != nil {
		params.DryRun = *opts.DryRun
	}
	if opts.Version != "" {
		params.PipelineVersion = opts.Version
	}
	return params
}

// Upload runs the pipeline over CSV data from r once a run slot is free.
func (s *Service) Upload(ctx context.Context, name string, r io.Reader, opts UploadOptions) (*RunSummary, error) {
	if err := s.limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	defer s.limiter.Release()

	return s.pipeline.RunReader(ctx, name, r, s.params(opts))
}

// RunFile runs the pipeline over the file at path.
func (s *Service) RunFile(ctx context.Context, path string, opts UploadOptions) (*RunSummary, error) {
	if err := s.limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	defer s.limiter.Release()

	params := s.params(opts)
	params.InputPath = path
	return s.pipeline.Run(ctx, params)
}

// ListRuns returns recent runs from history.
func (s *Service) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if s.history == nil {
		return nil, ErrHistoryDisabled
	}
	return s.history.ListRuns(ctx, limit)
}

// HistoryEnabled reports whether runs are being recorded.
func (s *Service) HistoryEnabled() bool {
	return s.history != nil
}

// UploadLimiterStatus returns the run slot usage.
func (s *Service) UploadLimiterStatus() UploadLimiterStatus {
	return s.limiter.Status()
}

// WaitForUploads blocks until in-flight runs finish or ctx is done.
func (s *Service) WaitForUploads(ctx context.Context) error {
	return s.limiter.WaitForDrain(ctx)
}
