package core

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Ingestion errors. Both abort the run.
var (
	ErrInputUnreadable = errors.New("input file cannot be read")
	ErrNoHeader        = errors.New("input has no header row")
	ErrInputTooLarge   = errors.New("input file exceeds maximum size")
)

// IngestResult is the outcome of reading one input file.
type IngestResult struct {
	Header    []string
	Records   []SourceRecord // usable records in file order
	TotalRead int            // data rows seen, excluding the header
	Validated int            // len(Records)
	Rejected  []RejectedRow
	Bytes     int64
}

// Invalid returns the number of rows that did not pass the validity gate.
func (r *IngestResult) Invalid() int {
	return r.TotalRead - r.Validated
}

// Ingestor reads lab export files into validated records.
type Ingestor struct {
	logger *slog.Logger

	// MaxBytes limits the size of files opened by Load. Zero means no limit.
	MaxBytes int64
}

// NewIngestor creates an Ingestor. A nil logger uses slog.Default().
func NewIngestor(logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{logger: logger}
}

// Load reads the file at path. The whole file is held in memory.
func (ing *Ingestor) Load(path string) (*IngestResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInputUnreadable, err)
	}
	defer f.Close()

	if ing.MaxBytes > 0 {
		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInputUnreadable, err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("%w: %s is a directory", ErrInputUnreadable, path)
		}
		if info.Size() > ing.MaxBytes {
			return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrInputTooLarge, info.Size(), ing.MaxBytes)
		}
	}

	ing.logger.Info("reading input", "path", path)
	return ing.Read(f)
}

// Read parses CSV data from r. Row-level problems are collected in the
// result; only a missing header or an I/O failure returns an error.
func (ing *Ingestor) Read(r io.Reader) (*IngestResult, error) {
	src, counter := WrapForStreaming(r)

	reader := csv.NewReader(src)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrNoHeader
	}
	if err != nil {
		return nil, readError(err)
	}

	idx := MakeHeaderIndex(header)
	if len(idx) == 0 {
		return nil, ErrNoHeader
	}

	ing.logger.Info("input header", "columns", strings.Join(header, ","))
	if missing := MissingColumns(idx); len(missing) > 0 {
		ing.logger.Warn("input is missing expected columns", "missing", strings.Join(missing, ","))
	}

	result := &IngestResult{Header: header}

	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			var parseErr *csv.ParseError
			if !errors.As(err, &parseErr) {
				return nil, readError(err)
			}
			result.TotalRead++
			ing.reject(result, RejectedRow{
				Line:   parseErr.StartLine,
				Reason: parseErr.Err.Error(),
				Data:   row,
			})
			continue
		}

		result.TotalRead++
		line, _ := reader.FieldPos(0)

		rec, problems := decodeRow(idx, row, line)
		if len(problems) > 0 {
			ing.reject(result, RejectedRow{
				Line:     line,
				SourceID: rec.SourcePatientID,
				Reason:   problems.Error(),
				Data:     row,
			})
			continue
		}

		result.Records = append(result.Records, rec)
	}

	result.Validated = len(result.Records)
	result.Bytes = counter.BytesRead

	ing.logger.Info("ingestion complete",
		"total", result.TotalRead,
		"valid", result.Validated,
		"invalid", result.Invalid(),
		"bytes", result.Bytes,
	)
	return result, nil
}

func (ing *Ingestor) reject(result *IngestResult, row RejectedRow) {
	result.Rejected = append(result.Rejected, row)
	ing.logger.Warn("row rejected",
		"line", row.Line,
		"patient_id", displayID(row.SourceID),
		"reason", row.Reason,
	)
}

func readError(err error) error {
	return fmt.Errorf("%w: %w", ErrInputUnreadable, err)
}

// decodeRow converts a CSV row into a record and reports every reason it is
// unusable.
func decodeRow(idx HeaderIndex, row []string, line int) (SourceRecord, ValidationErrors) {
	rec := SourceRecord{
		Line:            line,
		GivenName:       idx.Get(row, ColGivenName),
		FamilyName:      idx.Get(row, ColFamilyName),
		Gender:          idx.Get(row, ColGender),
		SourcePatientID: idx.Get(row, ColPatientID),
	}

	var problems ValidationErrors

	rawTS := idx.Get(row, ColTimestamp)
	ts, err := ParseTimestamp(rawTS)
	if err != nil {
		problems = append(problems, ValidationError{Field: ColTimestamp, Value: rawTS, Message: err.Error()})
	} else {
		rec.Timestamp = ts
	}

	rec.WBC = decimalCell(idx, row, ColWBC)
	rec.RBC = decimalCell(idx, row, ColRBC)
	rec.HB = decimalCell(idx, row, ColHB)

	for _, e := range ValidateRecord(rec) {
		if e.Field == ColTimestamp && err != nil {
			continue // already reported with the parse reason
		}
		problems = append(problems, e)
	}

	return rec, problems
}

func decimalCell(idx HeaderIndex, row []string, column string) *float64 {
	v, ok := ParseDecimal(idx.Get(row, column))
	if !ok {
		return nil
	}
	return &v
}
