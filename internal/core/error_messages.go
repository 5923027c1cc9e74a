package core

// # Error Codes Reference
//
// User-facing errors carry a short code so operators can find the cause in
// the logs quickly. Codes are grouped by category:
//
//	FILE001 - File too large          FILE002 - No header row
//	FILE003 - File unreadable         FILE004 - No file provided
//	VAL001  - Bad timestamp format    VAL002  - Timestamp missing
//	VAL003  - Bad lab value           VAL004  - Required field empty
//	FHIR001 - Rejected by server      FHIR002 - Server error status
//	FHIR003 - Server unreachable      FHIR004 - Server URL invalid
//	UPL001  - Too many uploads        UPL002  - Request cancelled
//	UPL003  - Request timed out
//	DB001   - History disabled        DB002   - Database unavailable
//	RATE001 - Rate limited
//	ERR000  - Unknown error
//
// Known sentinel and typed errors are matched first with errors.Is/As. Other
// errors are matched case-insensitively against message patterns; the first
// matching pattern wins, so more specific patterns come first.

import (
	"errors"
	"fmt"
	"strings"

	"github.com/JonMunkholm/labfhir/internal/fhirclient"
)

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string // What happened (user-friendly)
	Action  string // What to do about it
	Code    string // Error code for support reference
}

var (
	msgFileTooLarge = UserMessage{
		Message: "File exceeds maximum size limit",
		Action:  "Split the file into smaller chunks",
		Code:    "FILE001",
	}
	msgNoHeader = UserMessage{
		Message: "The file has no header row",
		Action:  "Upload a CSV whose first line lists the column names",
		Code:    "FILE002",
	}
	msgUnreadable = UserMessage{
		Message: "The file could not be read",
		Action:  "Check the path and file permissions",
		Code:    "FILE003",
	}
	msgRejected = UserMessage{
		Message: "The FHIR server rejected the transaction",
		Action:  "Review the OperationOutcome in the run failures",
		Code:    "FHIR001",
	}
	msgServerStatus = UserMessage{
		Message: "The FHIR server returned an error",
		Action:  "Check the FHIR server status and try again",
		Code:    "FHIR002",
	}
	msgTooManyUploads = UserMessage{
		Message: "Too many uploads in progress",
		Action:  "Please wait a moment and try again",
		Code:    "UPL001",
	}
	msgCancelled = UserMessage{
		Message: "Request was cancelled",
		Action:  "Please try again",
		Code:    "UPL002",
	}
	msgTimeout = UserMessage{
		Message: "Request timed out",
		Action:  "Check the FHIR server and your connection",
		Code:    "UPL003",
	}
	msgDatabaseDown = UserMessage{
		Message: "The history database is unavailable",
		Action:  "Please try again in a few moments",
		Code:    "DB002",
	}
	msgHistoryDisabled = UserMessage{
		Message: "Run history is not enabled",
		Action:  "Set DATABASE_URL to record runs",
		Code:    "DB001",
	}
)

// errorPattern defines a pattern to match and its corresponding user message.
type errorPattern struct {
	pattern string
	msg     UserMessage
}

// errorPatterns maps technical error patterns (case-insensitive) to user messages.
var errorPatterns = []errorPattern{
	// File
	{pattern: "request body too large", msg: msgFileTooLarge},
	{pattern: "exceeds maximum size", msg: msgFileTooLarge},
	{pattern: "no header row", msg: msgNoHeader},
	{pattern: "cannot be read", msg: msgUnreadable},
	{
		pattern: "no file provided",
		msg: UserMessage{
			Message: "No file was selected",
			Action:  "Please select a CSV file to upload",
			Code:    "FILE004",
		},
	},

	// Validation
	{
		pattern: "unrecognised timestamp format",
		msg: UserMessage{
			Message: "Invalid timestamp format",
			Action:  "Use YYYY-MM-DD, YYYY-MM-DD HH:MM:SS, MM/DD/YYYY or YYYYMMDD",
			Code:    "VAL001",
		},
	},
	{
		pattern: "timestamp is missing",
		msg: UserMessage{
			Message: "Timestamp is missing",
			Action:  "Fill in the TIMESTAMP column",
			Code:    "VAL002",
		},
	},
	{
		pattern: "not a number",
		msg: UserMessage{
			Message: "A lab value is missing or not a number",
			Action:  "WBC, RBC and HB must be positive numbers",
			Code:    "VAL003",
		},
	},
	{
		pattern: "required field",
		msg: UserMessage{
			Message: "Required field is empty",
			Action:  "Ensure every row has a PATIENT_ID",
			Code:    "VAL004",
		},
	},

	// Database (before FHIR so a refused database connection is not
	// reported as an unreachable FHIR server)
	{pattern: "history is not configured", msg: msgHistoryDisabled},
	{pattern: "connect to database", msg: msgDatabaseDown},
	{pattern: "ping database", msg: msgDatabaseDown},
	{pattern: "parse database url", msg: msgDatabaseDown},

	// FHIR server
	{pattern: "rejected transaction", msg: msgRejected},
	{pattern: "fhir server returned", msg: msgServerStatus},
	{
		pattern: "connection refused",
		msg: UserMessage{
			Message: "Unable to reach the FHIR server",
			Action:  "Check FHIR_BASE_URL and that the server is running",
			Code:    "FHIR003",
		},
	},
	{
		pattern: "fhir base url",
		msg: UserMessage{
			Message: "The FHIR server URL is not valid",
			Action:  "Set FHIR_BASE_URL to an http or https address",
			Code:    "FHIR004",
		},
	},

	// Upload
	{pattern: "too many concurrent uploads", msg: msgTooManyUploads},
	{pattern: "context canceled", msg: msgCancelled},
	{pattern: "context deadline exceeded", msg: msgTimeout},
	{pattern: "timeout", msg: msgTimeout},

	// Rate limiting
	{
		pattern: "rate limit",
		msg: UserMessage{
			Message: "Too many requests",
			Action:  "Please wait a moment before trying again",
			Code:    "RATE001",
		},
	},
}

// defaultMessage is returned when nothing matches (ERR000).
var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError converts a technical error to a user-friendly message.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	var outcomeErr *fhirclient.OutcomeError
	var statusErr *fhirclient.StatusError
	switch {
	case errors.Is(err, ErrInputTooLarge):
		return msgFileTooLarge
	case errors.Is(err, ErrNoHeader):
		return msgNoHeader
	case errors.Is(err, ErrInputUnreadable):
		return msgUnreadable
	case errors.Is(err, ErrTooManyUploads):
		return msgTooManyUploads
	case errors.Is(err, ErrHistoryDisabled):
		return msgHistoryDisabled
	case errors.As(err, &outcomeErr):
		return msgRejected
	case errors.As(err, &statusErr):
		return msgServerStatus
	}

	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}

	return defaultMessage
}

// FormatUserError creates a formatted error string for display.
// The format is: "Message (Code: XXX). Action"
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether err maps to a specific message rather than ERR000.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}

// UserError pairs a technical error with the message shown to users.
type UserError struct {
	Technical error       // Original technical error for logging
	User      UserMessage // User-friendly message for display
}

func (e *UserError) Error() string {
	return e.User.Message
}

func (e *UserError) Unwrap() error {
	return e.Technical
}

// NewUserError maps err to a UserError. Returns nil if err is nil.
func NewUserError(err error) *UserError {
	if err == nil {
		return nil
	}
	return &UserError{
		Technical: err,
		User:      MapError(err),
	}
}
