package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/JonMunkholm/labfhir/internal/fhir"
	"github.com/JonMunkholm/labfhir/internal/fhirclient"
	"github.com/JonMunkholm/labfhir/internal/logging"
)

// Submitter delivers a transaction bundle to a FHIR server.
// *fhirclient.Client satisfies it.
type Submitter interface {
	Transaction(ctx context.Context, bundle *fhir.Bundle) (*fhir.Bundle, error)
}

// UploadResult describes one submitted (or previewed) transaction.
type UploadResult struct {
	PatientRef      string
	Observations    int
	ResponseEntries int
	Locations       []string
	DryRun          bool
	Payload         []byte // indented bundle JSON, set in dry-run mode
}

// UploaderOptions configures an Uploader.
type UploaderOptions struct {
	Submitter Submitter     // required unless DryRun
	DryRun    bool          // log payloads instead of sending them
	Limiter   *rate.Limiter // optional pacing of live submissions
	Logger    *slog.Logger
}

// Uploader submits one patient and its observations as a single atomic
// transaction. It is safe for concurrent use.
type Uploader struct {
	submitter Submitter
	dryRun    bool
	limiter   *rate.Limiter
	logger    *slog.Logger

	// NewRef returns the id used for the transaction-local patient reference.
	NewRef func() string
	// Now stamps the bundle.
	Now func() time.Time
}

// NewUploader creates an Uploader.
func NewUploader(opts UploaderOptions) (*Uploader, error) {
	if !opts.DryRun && opts.Submitter == nil {
		return nil, errors.New("uploader: submitter is required when not in dry-run mode")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Uploader{
		submitter: opts.Submitter,
		dryRun:    opts.DryRun,
		limiter:   opts.Limiter,
		logger:    logger,
		NewRef:    uuid.NewString,
		Now:       time.Now,
	}, nil
}

// DryRun reports whether the uploader only previews payloads.
func (u *Uploader) DryRun() bool {
	return u.dryRun
}

// Upload builds the transaction for patient and observations and either
// logs it (dry-run) or submits it. Any failure is returned so the caller can
// attribute it to sourceID; the inputs are never modified.
func (u *Uploader) Upload(ctx context.Context, sourceID string, patient fhir.Patient, observations []fhir.Observation) (UploadResult, error) {
	logger := logging.Enrich(ctx, u.logger).With("patient_id", displayID(sourceID))

	if len(observations) == 0 {
		logger.Warn("no observations for patient, submitting patient only")
	}

	ref := fhir.URNPrefix + u.NewRef()
	bundle, err := fhir.BuildTransaction(ref, patient, observations, u.Now())
	if err != nil {
		return UploadResult{}, fmt.Errorf("build transaction: %w", err)
	}

	result := UploadResult{
		PatientRef:   ref,
		Observations: len(observations),
		DryRun:       u.dryRun,
	}

	if u.dryRun {
		payload, err := json.MarshalIndent(bundle, "", "  ")
		if err != nil {
			return result, fmt.Errorf("marshal transaction: %w", err)
		}
		result.Payload = payload
		logger.Info("dry run: transaction not submitted",
			"entries", bundle.EntryCount(),
			"payload", string(payload),
		)
		return result, nil
	}

	if u.limiter != nil {
		if err := u.limiter.Wait(ctx); err != nil {
			return result, fmt.Errorf("wait for rate limit: %w", err)
		}
	}

	resp, err := u.submitter.Transaction(ctx, bundle)
	if err != nil {
		var outcomeErr *fhirclient.OutcomeError
		if errors.As(err, &outcomeErr) {
			logger.Error("transaction rejected by server",
				"status", outcomeErr.StatusCode,
				"outcome", string(outcomeErr.Body),
			)
		} else {
			logger.Error("transaction failed", "error", err)
		}
		return result, err
	}

	result.ResponseEntries = resp.EntryCount()
	result.Locations = resp.Locations()
	logger.Info("transaction submitted",
		"entries", bundle.EntryCount(),
		"response_entries", result.ResponseEntries,
	)
	return result, nil
}
