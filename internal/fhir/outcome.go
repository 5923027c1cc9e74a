package fhir

import "strings"

// OperationOutcome severity levels (FHIR R4).
const (
	IssueSeverityFatal       = "fatal"
	IssueSeverityError       = "error"
	IssueSeverityWarning     = "warning"
	IssueSeverityInformation = "information"
)

// OperationOutcome issue type codes used by this package.
const (
	IssueTypeInvalid    = "invalid"
	IssueTypeProcessing = "processing"
)

// NewOperationOutcome creates an OperationOutcome with a single issue.
func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: ResourceOperationOutcome,
		Issue: []OperationOutcomeIssue{
			{
				Severity:    severity,
				Code:        code,
				Diagnostics: diagnostics,
			},
		},
	}
}

// HasErrors returns true if the outcome contains any error or fatal issues.
func (o *OperationOutcome) HasErrors() bool {
	for _, issue := range o.Issue {
		if issue.Severity == IssueSeverityError || issue.Severity == IssueSeverityFatal {
			return true
		}
	}
	return false
}

// Summary joins the diagnostics of every issue into one line, falling back to
// the details text or the issue code.
func (o *OperationOutcome) Summary() string {
	if o == nil {
		return ""
	}
	parts := make([]string, 0, len(o.Issue))
	for _, issue := range o.Issue {
		msg := issue.Diagnostics
		if msg == "" && issue.Details != nil {
			msg = issue.Details.Text
		}
		if msg == "" {
			msg = issue.Code
		}
		parts = append(parts, issue.Severity+": "+msg)
	}
	return strings.Join(parts, "; ")
}
