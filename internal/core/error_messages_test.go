package core

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/JonMunkholm/labfhir/internal/fhir"
	"github.com/JonMunkholm/labfhir/internal/fhirclient"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
	}{
		{name: "nil error returns empty", err: nil, wantCode: ""},

		// Typed and sentinel errors
		{name: "file too large", err: fmt.Errorf("%w: 200 bytes", ErrInputTooLarge), wantCode: "FILE001"},
		{name: "no header", err: ErrNoHeader, wantCode: "FILE002"},
		{name: "unreadable", err: fmt.Errorf("%w: open x.csv: no such file", ErrInputUnreadable), wantCode: "FILE003"},
		{name: "too many uploads", err: ErrTooManyUploads, wantCode: "UPL001"},
		{name: "history disabled", err: ErrHistoryDisabled, wantCode: "DB001"},
		{
			name: "outcome rejection",
			err: fmt.Errorf("upload: %w", &fhirclient.OutcomeError{
				StatusCode: 422,
				Outcome:    fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeInvalid, "bad"),
			}),
			wantCode: "FHIR001",
		},
		{name: "opaque status", err: &fhirclient.StatusError{StatusCode: 502, Status: "502 Bad Gateway"}, wantCode: "FHIR002"},

		// Message patterns
		{name: "request body too large", err: errors.New("http: request body too large"), wantCode: "FILE001"},
		{name: "no file", err: errors.New("no file provided"), wantCode: "FILE004"},
		{name: "timestamp format", err: &FormatError{Value: "yesterday"}, wantCode: "VAL001"},
		{name: "timestamp missing", err: ErrTimestampMissing, wantCode: "VAL002"},
		{name: "lab value", err: ValidationError{Field: ColWBC, Message: "missing or not a number"}, wantCode: "VAL003"},
		{name: "required field", err: ValidationError{Field: ColPatientID, Message: "required field is empty"}, wantCode: "VAL004"},
		{name: "database refused", err: errors.New("connect to database: dial tcp: connection refused"), wantCode: "DB002"},
		{name: "fhir refused", err: errors.New("submit transaction: dial tcp 127.0.0.1:8080: connection refused"), wantCode: "FHIR003"},
		{name: "bad base url", err: errors.New(`fhir base url "x" must use http or https`), wantCode: "FHIR004"},
		{name: "cancelled", err: context.Canceled, wantCode: "UPL002"},
		{name: "deadline", err: context.DeadlineExceeded, wantCode: "UPL003"},
		{name: "client timeout", err: errors.New("Client.Timeout exceeded while awaiting headers"), wantCode: "UPL003"},
		{name: "rate limit", err: errors.New("rate limit exceeded"), wantCode: "RATE001"},
		{name: "case insensitive matching", err: errors.New("NO FILE PROVIDED"), wantCode: "FILE004"},
		{name: "unknown error returns default", err: errors.New("some random internal error"), wantCode: "ERR000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MapError(tt.err)
			if got.Code != tt.wantCode {
				t.Errorf("MapError(%v).Code = %q, want %q", tt.err, got.Code, tt.wantCode)
			}
		})
	}
}

func TestFormatUserError(t *testing.T) {
	got := FormatUserError(ErrNoHeader)
	want := "The file has no header row (Code: FILE002). Upload a CSV whose first line lists the column names"
	if got != want {
		t.Errorf("FormatUserError = %q, want %q", got, want)
	}

	if got := FormatUserError(nil); got != "" {
		t.Errorf("FormatUserError(nil) = %q, want empty", got)
	}
}

func TestIsUserFacing(t *testing.T) {
	if IsUserFacing(nil) {
		t.Error("nil should not be user facing")
	}
	if !IsUserFacing(ErrTooManyUploads) {
		t.Error("ErrTooManyUploads should be user facing")
	}
	if IsUserFacing(errors.New("segfault in module xyz")) {
		t.Error("unknown error should not be user facing")
	}
}

func TestUserError(t *testing.T) {
	if NewUserError(nil) != nil {
		t.Fatal("NewUserError(nil) should be nil")
	}

	technical := fmt.Errorf("read upload: %w", ErrNoHeader)
	ue := NewUserError(technical)

	if ue.Error() != "The file has no header row" {
		t.Errorf("Error() = %q", ue.Error())
	}
	if ue.User.Code != "FILE002" {
		t.Errorf("Code = %q, want FILE002", ue.User.Code)
	}
	if !errors.Is(ue, ErrNoHeader) {
		t.Error("UserError should unwrap to the technical error")
	}
}
