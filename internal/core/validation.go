package core

// validation.go decides which decoded rows are usable.
//
// Validation happens at two levels:
//  1. Header validation: warns about expected columns that are absent. A
//     missing column is tolerated; every row will then fail the gate.
//  2. Record validation: a record is usable when it has a patient id, a
//     timestamp and all three lab values present and positive.
//
// ValidateRecord returns every problem with a record so the rejection reason
// shown to the user is complete.

import (
	"fmt"
	"strings"
)

// ValidationError represents a single validation error for a field.
type ValidationError struct {
	Field   string // Field/column name
	Value   string // The invalid value
	Message string // Human-readable error message
}

func (e ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

// ValidationErrors is the full list of problems with one row.
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}

// ValidateRecord applies the validity gate. An empty result means the record
// can be mapped and uploaded.
func ValidateRecord(rec SourceRecord) ValidationErrors {
	var errs ValidationErrors

	if strings.TrimSpace(rec.SourcePatientID) == "" {
		errs = append(errs, ValidationError{Field: ColPatientID, Message: "required field is empty"})
	}
	if rec.Timestamp.IsZero() {
		errs = append(errs, ValidationError{Field: ColTimestamp, Message: "required field is empty"})
	}

	for _, a := range Analytes {
		v := a.value(rec)
		switch {
		case v == nil:
			errs = append(errs, ValidationError{Field: a.Column, Message: "missing or not a number"})
		case *v <= 0:
			errs = append(errs, ValidationError{
				Field:   a.Column,
				Value:   fmt.Sprint(*v),
				Message: "must be greater than zero",
			})
		}
	}

	return errs
}

// Usable reports whether the record passes the validity gate.
func (r SourceRecord) Usable() bool {
	return len(ValidateRecord(r)) == 0
}

// MissingColumns returns the expected columns absent from the header.
func MissingColumns(idx HeaderIndex) []string {
	var missing []string
	for _, col := range Columns {
		if !idx.Has(col) {
			missing = append(missing, col)
		}
	}
	return missing
}
