package core

// pipeline.go drives a run: ingest the file, then map and upload each usable
// record, then summarise.
//
// Only ingestion failures abort a run. A record that cannot be mapped or
// uploaded becomes a RecordFailure and the run continues with the next one.
// Records may be processed concurrently, but their outcomes are folded into
// the counters in file order after all of them finish, so the summary is the
// same as for a sequential run.

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/JonMunkholm/labfhir/internal/fhir"
	"github.com/JonMunkholm/labfhir/internal/fhirclient"
	"github.com/JonMunkholm/labfhir/internal/logging"
)

// RunRecorder persists finished runs. Failures to record are logged only.
type RunRecorder interface {
	RecordRun(ctx context.Context, summary *RunSummary) error
}

// PipelineOptions configures a Pipeline.
type PipelineOptions struct {
	// Submitter overrides the HTTP client built from RunParams.FHIRBaseURL.
	Submitter Submitter
	// Timeout bounds each transaction round trip of the built client.
	Timeout time.Duration
	// UserAgent is sent by the built client.
	UserAgent string
	// MaxConcurrent is the number of records in flight. Values below 1 mean 1.
	MaxConcurrent int
	// RateLimit caps live submissions per second. Zero disables pacing.
	RateLimit float64
	// MaxFileSize limits files read by Run. Zero means no limit.
	MaxFileSize int64
	Recorder    RunRecorder
	Logger      *slog.Logger
}

// Pipeline orchestrates ingestion, mapping and upload.
type Pipeline struct {
	opts   PipelineOptions
	logger *slog.Logger

	newRunID func() string
}

// NewPipeline creates a Pipeline.
func NewPipeline(opts PipelineOptions) *Pipeline {
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		opts:     opts,
		logger:   logger,
		newRunID: uuid.NewString,
	}
}

// Run processes the file at params.InputPath.
func (p *Pipeline) Run(ctx context.Context, params RunParams) (*RunSummary, error) {
	runID := p.newRunID()
	ctx = logging.ContextWithRunID(ctx, runID)
	logger := logging.Enrich(ctx, p.logger)

	ingestor := NewIngestor(logger)
	ingestor.MaxBytes = p.opts.MaxFileSize

	start := time.Now()
	ingested, err := ingestor.Load(params.InputPath)
	if err != nil {
		logger.Error("run aborted", "stage", "ingest", "error", err)
		return nil, err
	}
	return p.process(ctx, runID, filepath.Base(params.InputPath), params, ingested, start)
}

// RunReader processes CSV data read from r. name identifies the input in
// logs and history.
func (p *Pipeline) RunReader(ctx context.Context, name string, r io.Reader, params RunParams) (*RunSummary, error) {
	runID := p.newRunID()
	ctx = logging.ContextWithRunID(ctx, runID)
	logger := logging.Enrich(ctx, p.logger)

	start := time.Now()
	logger.Info("reading input", "file", name)
	ingested, err := NewIngestor(logger).Read(r)
	if err != nil {
		logger.Error("run aborted", "stage", "ingest", "error", err)
		return nil, err
	}
	return p.process(ctx, runID, name, params, ingested, start)
}

// recordOutcome is the result of one record, written to its own slot.
type recordOutcome struct {
	observations int
	failure      *RecordFailure
}

func (p *Pipeline) process(ctx context.Context, runID, name string, params RunParams, ingested *IngestResult, start time.Time) (*RunSummary, error) {
	logger := logging.Enrich(ctx, p.logger)

	uploader, err := p.newUploader(params, logger)
	if err != nil {
		return nil, err
	}
	mapper := NewMapper(params.PipelineVersion).WithLogger(logger)

	records := ingested.Records
	outcomes := make([]recordOutcome, len(records))

	var g errgroup.Group
	g.SetLimit(p.opts.MaxConcurrent)
	for i, rec := range records {
		i, rec := i, rec
		g.Go(func() error {
			outcomes[i] = p.processRecord(ctx, mapper, uploader, rec)
			return nil // one record never cancels its siblings
		})
	}
	_ = g.Wait()

	summary := &RunSummary{
		RunID:           runID,
		FileName:        name,
		PipelineVersion: params.PipelineVersion,
		DryRun:          params.DryRun,
		Rejected:        ingested.Rejected,
		Header:          ingested.Header,
		StartedAt:       start,
		Counters: RunCounters{
			TotalRead: ingested.TotalRead,
			Validated: ingested.Validated,
		},
	}
	for _, out := range outcomes {
		if out.failure != nil {
			summary.Counters.Failed++
			summary.Failures = append(summary.Failures, *out.failure)
			continue
		}
		summary.Counters.Patients++
		summary.Counters.Observations += out.observations
	}
	summary.Duration = time.Since(start)

	c := summary.Counters
	logger.Info("run complete",
		"file", name,
		"total", c.TotalRead,
		"valid", c.Validated,
		"invalid", c.Invalid(),
		"patients", c.Patients,
		"observations", c.Observations,
		"failed", c.Failed,
		"dry_run", params.DryRun,
		"duration_ms", summary.Duration.Milliseconds(),
	)

	if p.opts.Recorder != nil {
		if err := p.opts.Recorder.RecordRun(ctx, summary); err != nil {
			logger.Error("failed to record run history", "error", err)
		}
	}

	return summary, nil
}

func (p *Pipeline) newUploader(params RunParams, logger *slog.Logger) (*Uploader, error) {
	opts := UploaderOptions{
		Submitter: p.opts.Submitter,
		DryRun:    params.DryRun,
		// Upload adds the context ids to every line itself.
		Logger: p.logger,
	}
	if p.opts.RateLimit > 0 {
		opts.Limiter = rate.NewLimiter(rate.Limit(p.opts.RateLimit), 1)
	}

	if !params.DryRun && opts.Submitter == nil {
		client, err := fhirclient.New(fhirclient.Options{
			BaseURL:   params.FHIRBaseURL,
			Timeout:   p.opts.Timeout,
			UserAgent: p.opts.UserAgent,
			Logger:    logger,
		})
		if err != nil {
			return nil, fmt.Errorf("create fhir client: %w", err)
		}
		opts.Submitter = client
	}
	return NewUploader(opts)
}

// processRecord maps and uploads one record. Panics are converted into a
// failure of the stage that raised them.
func (p *Pipeline) processRecord(ctx context.Context, mapper *Mapper, uploader *Uploader, rec SourceRecord) (out recordOutcome) {
	stage := StageMap
	defer func() {
		if r := recover(); r != nil {
			out = recordOutcome{failure: &RecordFailure{
				Line:     rec.Line,
				SourceID: rec.DisplayID(),
				Stage:    stage,
				Error:    fmt.Sprintf("panic: %v", r),
			}}
		}
	}()

	if err := ctx.Err(); err != nil {
		return recordOutcome{failure: &RecordFailure{
			Line:     rec.Line,
			SourceID: rec.DisplayID(),
			Stage:    StageUpload,
			Error:    err.Error(),
		}}
	}

	patient := mapper.MapPatient(rec)
	observations := mapper.MapObservations(rec, rec.SourcePatientID)

	if uploader.DryRun() {
		p.logDryRun(ctx, mapper, rec, observations)
	}

	stage = StageUpload
	if _, err := uploader.Upload(ctx, rec.SourcePatientID, patient, observations); err != nil {
		failure := &RecordFailure{
			Line:     rec.Line,
			SourceID: rec.DisplayID(),
			Stage:    StageUpload,
			Error:    err.Error(),
		}
		var outcomeErr *fhirclient.OutcomeError
		if errors.As(err, &outcomeErr) {
			failure.Outcome = string(outcomeErr.Body)
		}
		return recordOutcome{failure: failure}
	}

	return recordOutcome{observations: len(observations)}
}

// logDryRun prints a readable line per resource next to the raw payload.
func (p *Pipeline) logDryRun(ctx context.Context, mapper *Mapper, rec SourceRecord, observations []fhir.Observation) {
	logger := logging.Enrich(ctx, p.logger).With("patient_id", rec.DisplayID())
	logger.Info("dry run: patient",
		"given", rec.GivenName,
		"family", rec.FamilyName,
		"gender", NormalizeGender(rec.Gender),
	)
	for _, obs := range observations {
		coding := obs.FirstCoding()
		attrs := []any{
			"code", coding.Code,
			"display", coding.Display,
			"effective", obs.EffectiveDateTime,
			"version", mapper.Provenance().Version,
		}
		if q := obs.ValueQuantity; q != nil {
			attrs = append(attrs, "value", q.Value, "unit", q.Unit)
		}
		logger.Info("dry run: observation", attrs...)
	}
}
