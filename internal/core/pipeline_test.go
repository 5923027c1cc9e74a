package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/labfhir/internal/fhir"
	"github.com/JonMunkholm/labfhir/internal/fhirclient"
)

const (
	johnRow = "John,Doe,M,12345,2025-09-23,5.5,4.2,13.1"
	janeRow = "Jane,Doe,F,,2025-09-23,5.5,4.2,13.1"
)

type fakeRecorder struct {
	mu      sync.Mutex
	runs    []*RunSummary
	failure error
}

func (f *fakeRecorder) RecordRun(_ context.Context, s *RunSummary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, s)
	return f.failure
}

func testPipeline(opts PipelineOptions) *Pipeline {
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	p := NewPipeline(opts)
	p.newRunID = func() string { return "run-1" }
	return p
}

func csvInput(rows ...string) io.Reader {
	return strings.NewReader(strings.Join(append([]string{labHeader}, rows...), "\n"))
}

func TestPipeline_EndToEnd(t *testing.T) {
	sub := &fakeSubmitter{}
	p := testPipeline(PipelineOptions{Submitter: sub})

	summary, err := p.RunReader(context.Background(), "labs.csv", csvInput(johnRow, janeRow), RunParams{
		PipelineVersion: "v1",
	})
	require.NoError(t, err)

	assert.Equal(t, RunCounters{TotalRead: 2, Validated: 1, Patients: 1, Observations: 3}, summary.Counters)
	assert.Equal(t, 1, summary.Counters.Invalid())
	assert.Equal(t, "run-1", summary.RunID)
	assert.Equal(t, "labs.csv", summary.FileName)
	require.Len(t, summary.Rejected, 1)
	assert.Equal(t, 3, summary.Rejected[0].Line)

	require.Equal(t, 1, sub.count())
	bundle := sub.bundles[0]
	require.Len(t, bundle.Entry, 4)
	assert.Equal(t, fhir.BundleTypeTransaction, bundle.Type)

	var patient fhir.Patient
	require.NoError(t, bundle.EntryResource(0, &patient))
	assert.Equal(t, fhir.GenderMale, patient.Gender)
	assert.Equal(t, "12345", patient.Identifier[0].Value)
	assert.Equal(t, PatientIdentifierSystem, patient.Identifier[0].System)

	values := map[string]float64{}
	for i := 1; i < len(bundle.Entry); i++ {
		var obs fhir.Observation
		require.NoError(t, bundle.EntryResource(i, &obs))
		assert.Equal(t, bundle.Entry[0].FullURL, obs.Subject.Reference)
		values[obs.FirstCoding().Code] = obs.ValueQuantity.Value
	}
	assert.Equal(t, map[string]float64{"6690-2": 5.5, "789-8": 4.2, "718-7": 13.1}, values)
}

func TestPipeline_FailedRecordDoesNotStopOthers(t *testing.T) {
	outcome := &fhirclient.OutcomeError{
		StatusCode: 422,
		Outcome:    fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeInvalid, "unknown code"),
		Body:       []byte(`{"resourceType":"OperationOutcome","issue":[]}`),
	}
	sub := &fakeSubmitter{failFor: map[string]error{"2": outcome}}
	p := testPipeline(PipelineOptions{Submitter: sub})

	summary, err := p.RunReader(context.Background(), "labs.csv", csvInput(
		"A,A,M,1,2025-09-23,5.5,4.2,13.1",
		"B,B,F,2,2025-09-23,5.5,4.2,13.1",
		"C,C,F,3,2025-09-23,5.5,4.2,13.1",
	), RunParams{})
	require.NoError(t, err)

	assert.Equal(t, 3, sub.count(), "every record is attempted")
	assert.Equal(t, RunCounters{TotalRead: 3, Validated: 3, Patients: 2, Observations: 6, Failed: 1}, summary.Counters)

	require.Len(t, summary.Failures, 1)
	f := summary.Failures[0]
	assert.Equal(t, 3, f.Line)
	assert.Equal(t, "2", f.SourceID)
	assert.Equal(t, StageUpload, f.Stage)
	assert.Contains(t, f.Error, "unknown code")
	assert.JSONEq(t, string(outcome.Body), f.Outcome)
}

func TestPipeline_PanicBecomesFailure(t *testing.T) {
	sub := &fakeSubmitter{panicFor: "2"}
	p := testPipeline(PipelineOptions{Submitter: sub})

	summary, err := p.RunReader(context.Background(), "labs.csv", csvInput(
		"A,A,M,1,2025-09-23,5.5,4.2,13.1",
		"B,B,F,2,2025-09-23,5.5,4.2,13.1",
		"C,C,F,3,2025-09-23,5.5,4.2,13.1",
	), RunParams{})
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Counters.Patients)
	assert.Equal(t, 1, summary.Counters.Failed)
	require.Len(t, summary.Failures, 1)
	assert.Equal(t, StageUpload, summary.Failures[0].Stage)
	assert.Contains(t, summary.Failures[0].Error, "submitter exploded")
}

func TestPipeline_ConcurrencyMatchesSequential(t *testing.T) {
	rows := make([]string, 0, 40)
	fail := map[string]error{}
	for i := 1; i <= 40; i++ {
		id := fmt.Sprint(i)
		rows = append(rows, fmt.Sprintf("P%d,Q,F,%s,2025-09-23,5.5,4.2,13.1", i, id))
		if i%7 == 0 {
			fail[id] = errors.New("server said no")
		}
	}

	run := func(concurrency int) *RunSummary {
		p := testPipeline(PipelineOptions{
			Submitter:     &fakeSubmitter{failFor: fail},
			MaxConcurrent: concurrency,
		})
		s, err := p.RunReader(context.Background(), "labs.csv", csvInput(rows...), RunParams{})
		require.NoError(t, err)
		return s
	}

	seq := run(1)
	par := run(8)

	assert.Equal(t, seq.Counters, par.Counters)
	assert.Equal(t, seq.Failures, par.Failures)
	assert.Equal(t, 5, par.Counters.Failed)
	assert.Equal(t, 35, par.Counters.Patients)
	assert.Equal(t, 105, par.Counters.Observations)

	// failures are reported in file order
	for i := 1; i < len(par.Failures); i++ {
		assert.Less(t, par.Failures[i-1].Line, par.Failures[i].Line)
	}
}

func TestPipeline_DryRunMakesNoCalls(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	p := testPipeline(PipelineOptions{})
	summary, err := p.RunReader(context.Background(), "labs.csv", csvInput(johnRow, janeRow), RunParams{
		FHIRBaseURL: srv.URL,
		DryRun:      true,
	})
	require.NoError(t, err)

	assert.Equal(t, int32(0), hits.Load())
	assert.True(t, summary.DryRun)
	assert.Equal(t, RunCounters{TotalRead: 2, Validated: 1, Patients: 1, Observations: 3}, summary.Counters)
}

func TestPipeline_LogsRunIDOnce(t *testing.T) {
	rejection := &fhirclient.OutcomeError{
		StatusCode: 422,
		Outcome:    fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeInvalid, "bad code"),
		Body:       []byte(`{"resourceType":"OperationOutcome"}`),
	}
	tests := []struct {
		name    string
		dryRun  bool
		failFor map[string]error
		message string
	}{
		{name: "dry run", dryRun: true, message: "dry run: transaction not submitted"},
		{name: "submitted", message: "transaction submitted"},
		{name: "rejected", failFor: map[string]error{"12345": rejection}, message: "transaction rejected by server"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
			p := testPipeline(PipelineOptions{Submitter: &fakeSubmitter{failFor: tt.failFor}, Logger: logger})

			_, err := p.RunReader(context.Background(), "labs.csv", csvInput(johnRow), RunParams{DryRun: tt.dryRun})
			require.NoError(t, err)

			found := false
			for _, line := range strings.Split(buf.String(), "\n") {
				assert.LessOrEqual(t, strings.Count(line, "run_id="), 1, "line: %s", line)
				if strings.Contains(line, tt.message) {
					found = true
					assert.Equal(t, 1, strings.Count(line, "run_id=run-1"), "line: %s", line)
				}
			}
			assert.True(t, found, "expected a %q line", tt.message)
		})
	}
}

func TestPipeline_LiveServer(t *testing.T) {
	var mu sync.Mutex
	var received []fhir.Bundle

	r := chi.NewRouter()
	r.Post("/fhir", func(w http.ResponseWriter, req *http.Request) {
		var b fhir.Bundle
		if err := json.NewDecoder(req.Body).Decode(&b); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		received = append(received, b)
		mu.Unlock()

		var p fhir.Patient
		_ = b.EntryResource(0, &p)
		w.Header().Set("Content-Type", fhirclient.ContentType)
		if p.Identifier[0].Value == "bad" {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_ = json.NewEncoder(w).Encode(fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeInvalid, "rejected patient"))
			return
		}
		resp := fhir.Bundle{ResourceType: fhir.ResourceBundle, Type: fhir.BundleTypeTransactionResponse}
		for i := range b.Entry {
			resp.Entry = append(resp.Entry, fhir.BundleEntry{
				Response: &fhir.BundleResponse{Status: "201 Created", Location: fmt.Sprintf("Resource/%d", i)},
			})
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	p := testPipeline(PipelineOptions{MaxConcurrent: 2})
	summary, err := p.RunReader(context.Background(), "labs.csv", csvInput(
		johnRow,
		"Bad,Row,M,bad,2025-09-23,5.5,4.2,13.1",
	), RunParams{FHIRBaseURL: srv.URL + "/fhir", PipelineVersion: "v2"})
	require.NoError(t, err)

	assert.Len(t, received, 2)
	assert.Equal(t, 1, summary.Counters.Patients)
	assert.Equal(t, 1, summary.Counters.Failed)
	require.Len(t, summary.Failures, 1)
	assert.Equal(t, "bad", summary.Failures[0].SourceID)
	assert.Contains(t, summary.Failures[0].Outcome, "rejected patient")
}

func TestPipeline_LiveRequiresBaseURL(t *testing.T) {
	p := testPipeline(PipelineOptions{})
	_, err := p.RunReader(context.Background(), "labs.csv", csvInput(johnRow), RunParams{})
	require.Error(t, err)
}

func TestPipeline_RecorderFailureIsLogged(t *testing.T) {
	rec := &fakeRecorder{failure: errors.New("db down")}
	p := testPipeline(PipelineOptions{Submitter: &fakeSubmitter{}, Recorder: rec})

	summary, err := p.RunReader(context.Background(), "labs.csv", csvInput(johnRow), RunParams{})
	require.NoError(t, err)
	require.NotNil(t, summary)
	require.Len(t, rec.runs, 1)
	assert.Same(t, summary, rec.runs[0])
}

func TestPipeline_CancelledContext(t *testing.T) {
	sub := &fakeSubmitter{}
	p := testPipeline(PipelineOptions{Submitter: sub})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := p.RunReader(ctx, "labs.csv", csvInput(johnRow, "A,A,M,1,2025-09-23,5.5,4.2,13.1"), RunParams{})
	require.NoError(t, err)

	assert.Equal(t, 0, sub.count())
	assert.Equal(t, 2, summary.Counters.Failed)
	assert.Equal(t, 0, summary.Counters.Patients)
}

func TestPipeline_IngestFailureIsFatal(t *testing.T) {
	rec := &fakeRecorder{}
	p := testPipeline(PipelineOptions{Submitter: &fakeSubmitter{}, Recorder: rec})

	_, err := p.Run(context.Background(), RunParams{InputPath: filepath.Join(t.TempDir(), "missing.csv")})
	require.ErrorIs(t, err, ErrInputUnreadable)

	_, err = p.RunReader(context.Background(), "empty.csv", strings.NewReader(""), RunParams{})
	require.ErrorIs(t, err, ErrNoHeader)

	assert.Empty(t, rec.runs)
}

func TestPipeline_RunFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nhanes.csv")
	require.NoError(t, os.WriteFile(path, []byte(labHeader+"\n"+johnRow+"\n"+janeRow+"\n"), 0o600))

	p := testPipeline(PipelineOptions{Submitter: &fakeSubmitter{}})
	summary, err := p.Run(context.Background(), RunParams{InputPath: path, PipelineVersion: "v1"})
	require.NoError(t, err)

	assert.Equal(t, "nhanes.csv", summary.FileName)
	assert.Equal(t, "v1", summary.PipelineVersion)
	assert.Equal(t, 1, summary.Counters.Patients)
}
