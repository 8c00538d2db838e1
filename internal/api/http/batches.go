package http

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/covarlab/covar/internal/ingest"
	"github.com/covarlab/covar/pkg/types"
)

// multipartMemory bounds how much of a parsed upload stays in memory;
// bigger files spill to temp files.
const multipartMemory = 16 << 20

// BatchResponse summarizes one closed submission. Row-level defects are
// findings inside the report, not HTTP errors.
type BatchResponse struct {
	ID            string                  `json:"id"`
	Outcome       types.BatchOutcome      `json:"outcome"`
	TotalRows     int                     `json:"total_rows"`
	AcceptedRows  int                     `json:"accepted_rows"`
	RejectedRows  int                     `json:"rejected_rows"`
	AmbiguousRows int                     `json:"ambiguous_rows"`
	Report        *types.ValidationReport `json:"report,omitempty"`
	RequestID     string                  `json:"request_id,omitempty"`
}

// handleSubmitBatch accepts one multipart upload and runs it through
// the ingest pipeline. Re-submitting identical content from the same
// source returns the prior batch.
func (a *API) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	if a.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, a.maxUploadBytes)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		writeErrorResponse(w, r, uploadError(err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeErrorResponse(w, r, badRequest(`multipart field "file" is required`))
		return
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		writeErrorResponse(w, r, uploadError(err))
		return
	}

	sourceSystem := r.FormValue("source_system")
	if sourceSystem == "" {
		writeErrorResponse(w, r, badRequest("source_system is required"))
		return
	}

	var schemaVersion int64
	if v := r.FormValue("schema_version"); v != "" {
		schemaVersion, err = strconv.ParseInt(v, 10, 64)
		if err != nil || schemaVersion < 1 {
			writeErrorResponse(w, r, badRequest("schema_version must be a positive integer"))
			return
		}
	}

	format, err := uploadFormat(r.FormValue("format"), header.Filename)
	if err != nil {
		writeErrorResponse(w, r, err)
		return
	}

	batch, report, err := a.pipeline.Ingest(r.Context(), ingest.Request{
		Content:       content,
		Format:        format,
		SourceSystem:  sourceSystem,
		Submitter:     r.FormValue("submitter"),
		SchemaVersion: schemaVersion,
		Dataset:       r.FormValue("dataset"),
		Filename:      header.Filename,
	})
	if err != nil {
		writeErrorResponse(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, BatchResponse{
		ID:            batch.ID,
		Outcome:       batch.Outcome,
		TotalRows:     batch.TotalRows,
		AcceptedRows:  batch.AcceptedRows,
		RejectedRows:  batch.RejectedRows,
		AmbiguousRows: batch.AmbiguousRows,
		Report:        report,
		RequestID:     GetRequestID(r.Context()),
	})
}

// handleGetBatch returns one batch record.
func (a *API) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	batch, err := a.store.GetBatch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErrorResponse(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

// handleBatchReport returns the row-by-row validation report of a batch.
func (a *API) handleBatchReport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// The report query itself cannot distinguish an unknown batch from a
	// batch with no rows.
	if _, err := a.store.GetBatch(r.Context(), id); err != nil {
		writeErrorResponse(w, r, err)
		return
	}

	report, err := a.store.BatchReport(r.Context(), id)
	if err != nil {
		writeErrorResponse(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// uploadFormat decides the file format from the explicit form field or
// the uploaded filename. Empty leaves the pipeline's dataset-driven
// fallback in charge.
func uploadFormat(field, filename string) (types.SourceKind, error) {
	switch field {
	case "":
	case string(types.SourceCSV):
		return types.SourceCSV, nil
	case string(types.SourceXLSX):
		return types.SourceXLSX, nil
	default:
		return "", badRequest(fmt.Sprintf("unsupported format %q (use csv or xlsx)", field))
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv":
		return types.SourceCSV, nil
	case ".xlsx":
		return types.SourceXLSX, nil
	}
	return "", nil
}

// uploadError classifies body read failures, keeping over-limit uploads
// distinguishable from transport noise.
func uploadError(err error) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return badRequest(fmt.Sprintf("upload exceeds the %d byte limit", maxErr.Limit))
	}
	return badRequest(fmt.Sprintf("could not read request body: %v", err))
}
