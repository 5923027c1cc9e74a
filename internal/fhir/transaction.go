package fhir

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// URNPrefix is the scheme used for transaction-local references.
const URNPrefix = "urn:uuid:"

// IsTransactionLocal reports whether ref points at a resource inside the same
// transaction rather than at a server-assigned id.
func IsTransactionLocal(ref string) bool {
	return strings.HasPrefix(ref, URNPrefix)
}

// BuildTransaction assembles a transaction bundle that creates patient and
// its observations atomically.
//
// The patient entry carries patientRef as its fullUrl. Each observation is
// copied and its subject reference rewritten to patientRef so the server can
// resolve the link before permanent ids exist. The arguments are not modified.
func BuildTransaction(patientRef string, patient Patient, observations []Observation, ts time.Time) (*Bundle, error) {
	if !IsTransactionLocal(patientRef) {
		return nil, fmt.Errorf("patient reference %q is not a %s reference", patientRef, URNPrefix)
	}

	entries := make([]BundleEntry, 0, 1+len(observations))

	raw, err := json.Marshal(patient)
	if err != nil {
		return nil, fmt.Errorf("marshal patient: %w", err)
	}
	entries = append(entries, BundleEntry{
		FullURL:  patientRef,
		Resource: raw,
		Request:  &BundleRequest{Method: "POST", URL: ResourcePatient},
	})

	for i, obs := range observations {
		obs.Subject = Reference{Reference: patientRef}

		raw, err := json.Marshal(obs)
		if err != nil {
			return nil, fmt.Errorf("marshal observation %d: %w", i, err)
		}
		entries = append(entries, BundleEntry{
			Resource: raw,
			Request:  &BundleRequest{Method: "POST", URL: ResourceObservation},
		})
	}

	bundle := &Bundle{
		ResourceType: ResourceBundle,
		Type:         BundleTypeTransaction,
		Entry:        entries,
	}
	if !ts.IsZero() {
		utc := ts.UTC()
		bundle.Timestamp = &utc
	}
	return bundle, nil
}

// EntryResource decodes the resource of entry i into v.
func (b *Bundle) EntryResource(i int, v any) error {
	if b == nil || i < 0 || i >= len(b.Entry) {
		return fmt.Errorf("bundle entry %d out of range", i)
	}
	return json.Unmarshal(b.Entry[i].Resource, v)
}
