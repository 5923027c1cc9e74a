package core

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/JonMunkholm/labfhir/internal/fhir"
	"github.com/JonMunkholm/labfhir/internal/fhirclient"
)

// fakeSubmitter records submitted bundles and answers per patient id.
type fakeSubmitter struct {
	mu      sync.Mutex
	bundles []*fhir.Bundle
	// failFor maps a patient identifier value to the error returned for it.
	failFor map[string]error
	// panicFor makes Transaction panic for a patient identifier value.
	panicFor string
}

func (f *fakeSubmitter) Transaction(_ context.Context, b *fhir.Bundle) (*fhir.Bundle, error) {
	var p fhir.Patient
	if err := b.EntryResource(0, &p); err != nil {
		return nil, err
	}
	id := ""
	if len(p.Identifier) > 0 {
		id = p.Identifier[0].Value
	}
	if f.panicFor != "" && id == f.panicFor {
		panic("submitter exploded")
	}

	f.mu.Lock()
	f.bundles = append(f.bundles, b)
	f.mu.Unlock()

	if err, ok := f.failFor[id]; ok {
		return nil, err
	}

	resp := &fhir.Bundle{ResourceType: fhir.ResourceBundle, Type: fhir.BundleTypeTransactionResponse}
	for range b.Entry {
		resp.Entry = append(resp.Entry, fhir.BundleEntry{
			Response: &fhir.BundleResponse{Status: "201 Created", Location: "Observation/x"},
		})
	}
	return resp, nil
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.bundles)
}

func fixedUploader(t *testing.T, opts UploaderOptions) *Uploader {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	u, err := NewUploader(opts)
	require.NoError(t, err)
	u.NewRef = func() string { return "11111111-2222-3333-4444-555555555555" }
	u.Now = func() time.Time { return time.Date(2025, 9, 23, 12, 0, 0, 0, time.UTC) }
	return u
}

func mappedRecord() (fhir.Patient, []fhir.Observation) {
	m := NewMapper("v1")
	rec := usableRecord()
	return m.MapPatient(rec), m.MapObservations(rec, rec.SourcePatientID)
}

func TestNewUploader_RequiresSubmitterWhenLive(t *testing.T) {
	_, err := NewUploader(UploaderOptions{})
	require.Error(t, err)

	_, err = NewUploader(UploaderOptions{DryRun: true})
	require.NoError(t, err)
}

func TestUpload_DryRun(t *testing.T) {
	sub := &fakeSubmitter{}
	u := fixedUploader(t, UploaderOptions{Submitter: sub, DryRun: true})
	patient, obs := mappedRecord()

	res, err := u.Upload(context.Background(), "12345", patient, obs)
	require.NoError(t, err)

	assert.Equal(t, 0, sub.count(), "dry run must not submit")
	assert.True(t, res.DryRun)
	assert.Equal(t, 3, res.Observations)
	assert.Equal(t, "urn:uuid:11111111-2222-3333-4444-555555555555", res.PatientRef)

	var bundle fhir.Bundle
	require.NoError(t, json.Unmarshal(res.Payload, &bundle))
	require.Len(t, bundle.Entry, 4)
	assert.Equal(t, res.PatientRef, bundle.Entry[0].FullURL)

	// every observation points at the same transaction-local patient
	for i := 1; i < len(bundle.Entry); i++ {
		var o fhir.Observation
		require.NoError(t, bundle.EntryResource(i, &o))
		assert.Equal(t, res.PatientRef, o.Subject.Reference)
	}
}

func TestUpload_DryRunMatchesLivePayload(t *testing.T) {
	patient, obs := mappedRecord()

	dry := fixedUploader(t, UploaderOptions{DryRun: true})
	dryRes, err := dry.Upload(context.Background(), "12345", patient, obs)
	require.NoError(t, err)

	sub := &fakeSubmitter{}
	live := fixedUploader(t, UploaderOptions{Submitter: sub})
	liveRes, err := live.Upload(context.Background(), "12345", patient, obs)
	require.NoError(t, err)

	require.Equal(t, 1, sub.count())
	sent, err := json.Marshal(sub.bundles[0])
	require.NoError(t, err)
	assert.JSONEq(t, string(dryRes.Payload), string(sent))

	assert.Equal(t, 4, liveRes.ResponseEntries)
	assert.Len(t, liveRes.Locations, 4)
	assert.Nil(t, liveRes.Payload)
}

func TestUpload_DoesNotMutateInputs(t *testing.T) {
	patient, obs := mappedRecord()
	u := fixedUploader(t, UploaderOptions{Submitter: &fakeSubmitter{}})

	_, err := u.Upload(context.Background(), "12345", patient, obs)
	require.NoError(t, err)

	for _, o := range obs {
		assert.Equal(t, "Patient/12345", o.Subject.Reference)
	}
}

func TestUpload_PatientOnly(t *testing.T) {
	sub := &fakeSubmitter{}
	u := fixedUploader(t, UploaderOptions{Submitter: sub})
	patient, _ := mappedRecord()

	res, err := u.Upload(context.Background(), "12345", patient, nil)
	require.NoError(t, err)

	require.Equal(t, 1, sub.count())
	assert.Len(t, sub.bundles[0].Entry, 1)
	assert.Equal(t, 0, res.Observations)
	assert.Equal(t, 1, res.ResponseEntries)
}

func TestUpload_FreshReferencePerTransaction(t *testing.T) {
	sub := &fakeSubmitter{}
	u, err := NewUploader(UploaderOptions{Submitter: sub, Logger: quietLogger()})
	require.NoError(t, err)
	patient, obs := mappedRecord()

	a, err := u.Upload(context.Background(), "12345", patient, obs)
	require.NoError(t, err)
	b, err := u.Upload(context.Background(), "12345", patient, obs)
	require.NoError(t, err)

	assert.True(t, fhir.IsTransactionLocal(a.PatientRef))
	assert.NotEqual(t, a.PatientRef, b.PatientRef)
}

func TestUpload_Failures(t *testing.T) {
	outcome := &fhirclient.OutcomeError{
		StatusCode: 422,
		Outcome:    fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeInvalid, "bad code"),
		Body:       []byte(`{"resourceType":"OperationOutcome"}`),
	}
	tests := []struct {
		name string
		err  error
	}{
		{name: "structured rejection", err: outcome},
		{name: "opaque status", err: &fhirclient.StatusError{StatusCode: 502, Status: "502 Bad Gateway"}},
		{name: "transport", err: errors.New("submit transaction: connection reset")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := &fakeSubmitter{failFor: map[string]error{"12345": tt.err}}
			u := fixedUploader(t, UploaderOptions{Submitter: sub})
			patient, obs := mappedRecord()

			_, err := u.Upload(context.Background(), "12345", patient, obs)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestUpload_RateLimitHonoursContext(t *testing.T) {
	limiter := rate.NewLimiter(rate.Every(time.Hour), 1)
	require.True(t, limiter.Allow())

	sub := &fakeSubmitter{}
	u := fixedUploader(t, UploaderOptions{Submitter: sub, Limiter: limiter})
	patient, obs := mappedRecord()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := u.Upload(ctx, "12345", patient, obs)
	require.Error(t, err)
	assert.Equal(t, 0, sub.count())
}
