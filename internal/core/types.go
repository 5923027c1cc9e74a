package core

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is the interface for database operations.
// Satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// Column headers of the lab export.
const (
	ColGivenName  = "PATIENT_GIVENNAME"
	ColFamilyName = "PATIENT_FAMILYNAME"
	ColGender     = "PATIENT_GENDER"
	ColPatientID  = "PATIENT_ID"
	ColTimestamp  = "TIMESTAMP"
	ColWBC        = "WBC"
	ColRBC        = "RBC"
	ColHB         = "HB"
)

// Columns lists the expected headers in template order.
var Columns = []string{
	ColGivenName, ColFamilyName, ColGender, ColPatientID,
	ColTimestamp, ColWBC, ColRBC, ColHB,
}

// MissingIDPlaceholder stands in for a blank source patient id in logs and reports.
const MissingIDPlaceholder = "<missing>"

// SourceRecord is one decoded row of the lab export.
// Lab values are nil when the cell was blank or not a number.
type SourceRecord struct {
	Line            int // 1-based line in the source file
	GivenName       string
	FamilyName      string
	Gender          string
	SourcePatientID string
	Timestamp       time.Time
	WBC             *float64
	RBC             *float64
	HB              *float64
}

// DisplayID returns the source patient id, or MissingIDPlaceholder when blank.
func (r SourceRecord) DisplayID() string {
	return displayID(r.SourcePatientID)
}

func displayID(id string) string {
	if id == "" {
		return MissingIDPlaceholder
	}
	return id
}

// RejectedRow is an input row excluded during ingestion.
type RejectedRow struct {
	Line     int
	SourceID string
	Reason   string
	Data     []string
}

// RunCounters are the run-level tallies reported at the end of a run.
type RunCounters struct {
	TotalRead    int `json:"totalRead"`
	Validated    int `json:"validated"`
	Patients     int `json:"patients"`
	Observations int `json:"observations"`
	Failed       int `json:"failed"`
}

// Invalid returns the number of rows dropped by ingestion.
func (c RunCounters) Invalid() int {
	return c.TotalRead - c.Validated
}

// Stage names where a record-level failure happened.
const (
	StageMap    = "map"
	StageUpload = "upload"
)

// RecordFailure describes a usable record that could not be mapped or uploaded.
type RecordFailure struct {
	Line     int    `json:"line"`
	SourceID string `json:"sourceId"`
	Stage    string `json:"stage"`
	Error    string `json:"error"`
	// Outcome holds the server's OperationOutcome JSON for structured rejections.
	Outcome string `json:"outcome,omitempty"`
}

// RunParams are the inputs of a single pipeline run.
type RunParams struct {
	InputPath       string
	FHIRBaseURL     string
	PipelineVersion string
	DryRun          bool
}

// RunSummary is the result of a completed run.
type RunSummary struct {
	RunID           string          `json:"runId"`
	FileName        string          `json:"fileName"`
	PipelineVersion string          `json:"pipelineVersion"`
	DryRun          bool            `json:"dryRun"`
	Counters        RunCounters     `json:"counters"`
	Failures        []RecordFailure `json:"failures,omitempty"`
	Rejected        []RejectedRow   `json:"-"`
	Header          []string        `json:"-"` // input header, for the rejects report
	StartedAt       time.Time       `json:"startedAt"`
	Duration        time.Duration   `json:"duration"`
}
