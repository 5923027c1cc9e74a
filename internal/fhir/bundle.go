package fhir

import (
	"encoding/json"
	"time"
)

// Bundle types used by the uploader.
const (
	BundleTypeTransaction         = "transaction"
	BundleTypeTransactionResponse = "transaction-response"
)

// Bundle represents a FHIR Bundle resource.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Request  *BundleRequest  `json:"request,omitempty"`
	Response *BundleResponse `json:"response,omitempty"`
}

type BundleRequest struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

type BundleResponse struct {
	Status   string          `json:"status"`
	Location string          `json:"location,omitempty"`
	Outcome  json.RawMessage `json:"outcome,omitempty"`
}

// EntryCount returns the number of entries, treating a nil bundle as empty.
func (b *Bundle) EntryCount() int {
	if b == nil {
		return 0
	}
	return len(b.Entry)
}

// Locations returns the response locations echoed by the server, skipping
// entries without one.
func (b *Bundle) Locations() []string {
	if b == nil {
		return nil
	}
	var out []string
	for _, e := range b.Entry {
		if e.Response != nil && e.Response.Location != "" {
			out = append(out, e.Response.Location)
		}
	}
	return out
}
