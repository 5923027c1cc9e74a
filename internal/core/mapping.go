package core

import (
	"log/slog"
	"strings"

	"github.com/JonMunkholm/labfhir/internal/fhir"
)

// Terminology systems used by mapped resources.
const (
	PatientIdentifierSystem = "https://hospital.smart.org"
	LOINCSystem             = "https://loinc.org"
	UCUMSystem              = "https://unitsofmeasure.org"
	ObservationCategorySys  = "https://terminology.hl7.org/CodeSystem/observation-category"
	CategoryLaboratory      = "laboratory"

	BatchTagSystem   = "https://myorg.org/fhir/tags"
	BatchTagCode     = "nhanes-upload"
	BatchTagDisplay  = "NHANES Upload"
	VersionTagSystem = "https://myorg.org/fhir/version"
	VersionTagLabel  = "Pipeline Version"
)

// Analyte describes how one lab column becomes an Observation.
type Analyte struct {
	Column  string
	Code    string // LOINC
	Display string
	Unit    string // UCUM
	value   func(SourceRecord) *float64
}

// Analytes is the closed analyte table, in emission order.
var Analytes = []Analyte{
	{Column: ColWBC, Code: "6690-2", Display: "White blood cells", Unit: "10^3/uL",
		value: func(r SourceRecord) *float64 { return r.WBC }},
	{Column: ColRBC, Code: "789-8", Display: "Red blood cells", Unit: "10^6/uL",
		value: func(r SourceRecord) *float64 { return r.RBC }},
	{Column: ColHB, Code: "718-7", Display: "Hemoglobin", Unit: "g/dL",
		value: func(r SourceRecord) *float64 { return r.HB }},
}

// Provenance is the meta stamp carried by every resource of a run.
type Provenance struct {
	Version string
	meta    *fhir.Meta
}

// NewProvenance builds the batch and version tags for a run.
func NewProvenance(version string) *Provenance {
	return &Provenance{
		Version: version,
		meta: &fhir.Meta{
			Tag: []fhir.Coding{
				{System: BatchTagSystem, Code: BatchTagCode, Display: BatchTagDisplay},
				{System: VersionTagSystem, Code: version, Display: VersionTagLabel},
			},
		},
	}
}

// Meta returns the shared meta. Callers must not modify it.
func (p *Provenance) Meta() *fhir.Meta {
	return p.meta
}

// Mapper converts usable records into FHIR resources. It has no side effects
// and may be shared between goroutines.
type Mapper struct {
	stamp  *Provenance
	logger *slog.Logger
}

// NewMapper creates a Mapper that stamps resources with version.
func NewMapper(version string) *Mapper {
	return &Mapper{stamp: NewProvenance(version)}
}

// WithLogger returns a copy of m that logs mapped resources at debug level.
func (m *Mapper) WithLogger(logger *slog.Logger) *Mapper {
	c := *m
	c.logger = logger
	return &c
}

// Provenance returns the stamp applied to every resource.
func (m *Mapper) Provenance() *Provenance {
	return m.stamp
}

// MapPatient builds the Patient for rec.
func (m *Mapper) MapPatient(rec SourceRecord) fhir.Patient {
	p := fhir.Patient{
		ResourceType: fhir.ResourcePatient,
		Meta:         m.stamp.meta,
		Identifier: []fhir.Identifier{
			{System: PatientIdentifierSystem, Value: rec.SourcePatientID},
		},
		Name: []fhir.HumanName{
			{Family: rec.FamilyName, Given: []string{rec.GivenName}},
		},
		Gender: NormalizeGender(rec.Gender),
	}

	if m.logger != nil {
		m.logger.Debug("mapped patient",
			"patient_id", rec.SourcePatientID,
			"given", rec.GivenName,
			"family", rec.FamilyName,
			"gender", p.Gender,
		)
	}
	return p
}

// MapObservations builds one Observation per present lab value, in analyte
// table order. Each refers to Patient/{patientID}.
func (m *Mapper) MapObservations(rec SourceRecord, patientID string) []fhir.Observation {
	effective := ""
	if !rec.Timestamp.IsZero() {
		effective = fhir.FormatDateTime(rec.Timestamp)
	}

	var out []fhir.Observation
	for _, a := range Analytes {
		v := a.value(rec)
		if v == nil {
			continue
		}
		obs := fhir.Observation{
			ResourceType: fhir.ResourceObservation,
			Meta:         m.stamp.meta,
			Status:       fhir.ObservationStatusFinal,
			Category: []fhir.CodeableConcept{
				fhir.NewCodeableConcept(ObservationCategorySys, CategoryLaboratory, "Laboratory"),
			},
			Code:              fhir.NewCodeableConcept(LOINCSystem, a.Code, a.Display),
			Subject:           fhir.Reference{Reference: fhir.ResourcePatient + "/" + patientID},
			EffectiveDateTime: effective,
			ValueQuantity: &fhir.Quantity{
				Value:  *v,
				Unit:   a.Unit,
				System: UCUMSystem,
				Code:   a.Unit,
			},
		}
		out = append(out, obs)

		if m.logger != nil {
			m.logger.Debug("mapped observation",
				"patient_id", patientID,
				"code", a.Code,
				"value", *v,
				"unit", a.Unit,
				"effective", effective,
				"version", m.stamp.Version,
			)
		}
	}
	return out
}

// NormalizeGender maps the raw gender cell to an administrative gender code.
func NormalizeGender(raw string) string {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "M", "MALE":
		return fhir.GenderMale
	case "F", "FEMALE":
		return fhir.GenderFemale
	case "OTHER":
		return fhir.GenderOther
	default:
		return fhir.GenderUnknown
	}
}
