// Package fhir holds the FHIR R4 wire types produced by the uploader and the
// helpers that assemble them into transaction bundles.
//
// Only the subset of R4 needed for lab result ingestion is modelled: Patient,
// Observation, Bundle and OperationOutcome. Resources marshal directly to the
// JSON representation expected by a FHIR server.
package fhir

import "time"

// Resource type names.
const (
	ResourcePatient          = "Patient"
	ResourceObservation      = "Observation"
	ResourceBundle           = "Bundle"
	ResourceOperationOutcome = "OperationOutcome"
)

// AdministrativeGender values (http://hl7.org/fhir/administrative-gender).
const (
	GenderMale    = "male"
	GenderFemale  = "female"
	GenderOther   = "other"
	GenderUnknown = "unknown"
)

// ObservationStatusFinal marks an observation as complete and verified.
const ObservationStatusFinal = "final"

type Meta struct {
	VersionID   string   `json:"versionId,omitempty"`
	LastUpdated string   `json:"lastUpdated,omitempty"`
	Tag         []Coding `json:"tag,omitempty"`
}

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// NewCodeableConcept returns a concept with a single coding. The display is
// repeated as the concept text when present.
func NewCodeableConcept(system, code, display string) CodeableConcept {
	return CodeableConcept{
		Coding: []Coding{{System: system, Code: code, Display: display}},
		Text:   display,
	}
}

type Reference struct {
	Reference string `json:"reference,omitempty"`
	Display   string `json:"display,omitempty"`
}

type Identifier struct {
	System string `json:"system,omitempty"`
	Value  string `json:"value,omitempty"`
}

type HumanName struct {
	Family string   `json:"family,omitempty"`
	Given  []string `json:"given,omitempty"`
}

type Quantity struct {
	Value  float64 `json:"value"`
	Unit   string  `json:"unit,omitempty"`
	System string  `json:"system,omitempty"`
	Code   string  `json:"code,omitempty"`
}

// Patient is the demographic resource created for each source record.
type Patient struct {
	ResourceType string       `json:"resourceType"`
	ID           string       `json:"id,omitempty"`
	Meta         *Meta        `json:"meta,omitempty"`
	Identifier   []Identifier `json:"identifier,omitempty"`
	Name         []HumanName  `json:"name,omitempty"`
	Gender       string       `json:"gender,omitempty"`
}

// Observation is a single laboratory measurement.
type Observation struct {
	ResourceType      string            `json:"resourceType"`
	ID                string            `json:"id,omitempty"`
	Meta              *Meta             `json:"meta,omitempty"`
	Status            string            `json:"status"`
	Category          []CodeableConcept `json:"category,omitempty"`
	Code              CodeableConcept   `json:"code"`
	Subject           Reference         `json:"subject"`
	EffectiveDateTime string            `json:"effectiveDateTime,omitempty"`
	ValueQuantity     *Quantity         `json:"valueQuantity,omitempty"`
}

// FirstCoding returns the first coding of the observation code, or an empty
// Coding when none is set.
func (o Observation) FirstCoding() Coding {
	if len(o.Code.Coding) == 0 {
		return Coding{}
	}
	return o.Code.Coding[0]
}

// FormatDateTime renders t as a FHIR dateTime in UTC.
func FormatDateTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	ID           string                  `json:"id,omitempty"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string           `json:"severity"`
	Code        string           `json:"code"`
	Details     *CodeableConcept `json:"details,omitempty"`
	Diagnostics string           `json:"diagnostics,omitempty"`
	Expression  []string         `json:"expression,omitempty"`
}
