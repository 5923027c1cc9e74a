package web

// This file contains shared request parsing and response types.

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/JonMunkholm/labfhir/internal/core"
)

// multipartMemory is the part of a multipart form kept in memory; the rest
// spills to temporary files.
const multipartMemory = 8 << 20

// parseIntParam parses an integer query parameter with a default value.
func parseIntParam(r *http.Request, name string, defaultVal int) int {
	val := r.URL.Query().Get(name)
	if val == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(val)
	if err != nil || i < 1 {
		return defaultVal
	}
	return i
}

// parseOptionalBool parses a form value. Blank means unset.
func parseOptionalBool(r *http.Request, name string) (*bool, error) {
	val := strings.TrimSpace(r.FormValue(name))
	if val == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q", name, val)
	}
	return &b, nil
}

// RejectedRowResponse is one rejected input row.
type RejectedRowResponse struct {
	Line     int    `json:"line"`
	SourceID string `json:"sourceId,omitempty"`
	Reason   string `json:"reason"`
}

// UploadResponse is the JSON body returned for a finished run.
type UploadResponse struct {
	*core.RunSummary
	Rejected []RejectedRowResponse `json:"rejected,omitempty"`
}

func toResponse(summary *core.RunSummary) UploadResponse {
	resp := UploadResponse{RunSummary: summary}
	for _, row := range summary.Rejected {
		resp.Rejected = append(resp.Rejected, RejectedRowResponse{
			Line:     row.Line,
			SourceID: row.SourceID,
			Reason:   row.Reason,
		})
	}
	return resp
}
