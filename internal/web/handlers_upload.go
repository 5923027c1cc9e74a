package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/JonMunkholm/labfhir/internal/core"
	"github.com/JonMunkholm/labfhir/internal/logging"
)

// handleUpload runs the pipeline over an uploaded CSV and answers with the
// run summary once every record has been processed.
//
// Form fields:
//   - file: the CSV (required)
//   - dry_run: true/false, overrides PIPELINE_DRY_RUN
//   - version: pipeline version stamped on the resources
//   - rejects: "csv" answers with the rejected rows as a CSV download
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	maxSize := s.cfg.Pipeline.MaxFileSize
	r.Body = http.MaxBytesReader(w, r.Body, maxSize)

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			s.respondError(w, r, fmt.Errorf("%w: %w", core.ErrInputTooLarge, err), http.StatusRequestEntityTooLarge)
			return
		}
		s.respondError(w, r, fmt.Errorf("%w: %w", errNoFile, err), http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		s.respondError(w, r, errNoFile, http.StatusBadRequest)
		return
	}
	defer file.Close()

	dryRun, err := parseOptionalBool(r, "dry_run")
	if err != nil {
		writeJSON(w, r, http.StatusBadRequest, ErrorResponse{
			Error:   err.Error(),
			Message: "Invalid dry_run value",
			Action:  "Use true or false",
			Code:    "VAL000",
		})
		return
	}

	opts := core.UploadOptions{
		DryRun:  dryRun,
		Version: strings.TrimSpace(r.FormValue("version")),
	}

	ctx := WithRequestMetadata(r.Context(), r)
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Upload.Timeout)
	defer cancel()

	summary, err := s.service.Upload(ctx, filepath.Base(header.Filename), file, opts)
	if err != nil {
		s.respondError(w, r, err, statusFor(err))
		return
	}

	if r.FormValue("rejects") == "csv" {
		s.writeRejects(w, r, summary)
		return
	}

	writeJSON(w, r, http.StatusOK, toResponse(summary))
}

// writeRejects streams the rejected rows of summary as a CSV attachment.
func (s *Server) writeRejects(w http.ResponseWriter, r *http.Request, summary *core.RunSummary) {
	name := strings.TrimSuffix(summary.FileName, filepath.Ext(summary.FileName))
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s_rejected.csv"`, name))
	w.Header().Set("X-Run-ID", summary.RunID)

	if err := core.WriteRejects(w, summary.Header, summary.Rejected); err != nil {
		// headers are already sent
		logging.FromContext(r.Context()).Error("write rejected rows", "error", err)
	}
}
