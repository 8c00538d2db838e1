package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	cerrors "github.com/covarlab/covar/internal/errors"
	"github.com/covarlab/covar/internal/store"
	"github.com/covarlab/covar/pkg/types"
)

// ParticipantResponse is the participant detail view: the stored record,
// its source identifiers, and the datasets that currently carry values
// for it.
type ParticipantResponse struct {
	*types.Participant
	Datasets []string `json:"datasets"`
}

// handleGetParticipant returns one participant with identifiers and
// dataset presence.
func (a *API) handleGetParticipant(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	p, err := a.store.GetParticipant(r.Context(), id)
	if err != nil {
		writeErrorResponse(w, r, err)
		return
	}
	datasets, err := a.store.DatasetPresence(r.Context(), id)
	if err != nil {
		writeErrorResponse(w, r, err)
		return
	}
	if datasets == nil {
		datasets = []string{}
	}
	writeJSON(w, http.StatusOK, ParticipantResponse{Participant: p, Datasets: datasets})
}

// HistoryResponse is the value chain for one participant variable,
// newest first.
type HistoryResponse struct {
	ParticipantID string                `json:"participant_id"`
	Variable      string                `json:"variable"`
	Values        []types.VariableValue `json:"values"`
}

// handleValueHistory pages through a value chain. The variable is not
// checked against the current schema: history stays readable for
// variables later retired or dropped.
func (a *API) handleValueHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	variable := chi.URLParam(r, "variable")

	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeErrorResponse(w, r, err)
		return
	}
	before, err := parseBefore(r.URL.Query().Get("before"))
	if err != nil {
		writeErrorResponse(w, r, err)
		return
	}

	if _, err := a.store.GetParticipant(r.Context(), id); err != nil {
		writeErrorResponse(w, r, err)
		return
	}

	values, err := a.store.History(r.Context(), id, variable, limit, before)
	if err != nil {
		writeErrorResponse(w, r, err)
		return
	}
	if values == nil {
		values = []types.VariableValue{}
	}
	writeJSON(w, http.StatusOK, HistoryResponse{ParticipantID: id, Variable: variable, Values: values})
}

// ResolutionsResponse lists identity decisions, newest first.
type ResolutionsResponse struct {
	Resolutions []types.Resolution `json:"resolutions"`
}

// handleListResolutions serves the identity audit trail, filtered by
// participant, source system, batch, or method.
func (a *API) handleListResolutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := store.ResolutionFilter{
		ParticipantID: q.Get("participant_id"),
		SourceSystem:  q.Get("source_system"),
		BatchID:       q.Get("batch_id"),
	}
	if raw := q.Get("method"); raw != "" {
		switch m := types.ResolutionMethod(raw); m {
		case types.ResolutionExact, types.ResolutionSimilarity, types.ResolutionNew,
			types.ResolutionAmbiguous, types.ResolutionOverride:
			filter.Method = m
		default:
			writeErrorResponse(w, r, badRequest(fmt.Sprintf("unknown method %q", raw)))
			return
		}
	}

	var err error
	if filter.Limit, err = parseLimit(q.Get("limit")); err != nil {
		writeErrorResponse(w, r, err)
		return
	}
	if filter.Before, err = parseBefore(q.Get("before")); err != nil {
		writeErrorResponse(w, r, err)
		return
	}

	resolutions, err := a.store.ListResolutions(r.Context(), filter)
	if err != nil {
		writeErrorResponse(w, r, err)
		return
	}
	if resolutions == nil {
		resolutions = []types.Resolution{}
	}
	writeJSON(w, http.StatusOK, ResolutionsResponse{Resolutions: resolutions})
}

// CoverageResponse reports how many participants carry a current value
// for one variable.
type CoverageResponse struct {
	Variable     string  `json:"variable"`
	WithValue    int64   `json:"with_value"`
	Participants int64   `json:"participants"`
	Coverage     float64 `json:"coverage"`
}

// handleCoverage reports value coverage for one current-schema variable.
func (a *API) handleCoverage(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	version, err := a.registry.Current(r.Context())
	if err != nil {
		writeErrorResponse(w, r, err)
		return
	}
	if _, ok := version.Variable(name); !ok {
		writeErrorResponse(w, r, cerrors.NewNotFound("variable", name))
		return
	}

	withValue, total, err := a.store.Coverage(r.Context(), name)
	if err != nil {
		writeErrorResponse(w, r, err)
		return
	}

	resp := CoverageResponse{Variable: name, WithValue: withValue, Participants: total}
	if total > 0 {
		resp.Coverage = float64(withValue) / float64(total)
	}
	writeJSON(w, http.StatusOK, resp)
}

// OverrideRequest attaches a source identifier to a participant by
// steward decision. An empty participant_id mints a new participant.
type OverrideRequest struct {
	SourceSystem  string `json:"source_system"`
	LocalKey      string `json:"local_key"`
	ParticipantID string `json:"participant_id,omitempty"`
}

// handleOverride records a manual identity decision.
func (a *API) handleOverride(w http.ResponseWriter, r *http.Request) {
	var req OverrideRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, queryBodyLimit)).Decode(&req); err != nil {
		writeErrorResponse(w, r, badRequest(fmt.Sprintf("invalid override body: %v", err)))
		return
	}
	if req.SourceSystem == "" || req.LocalKey == "" {
		writeErrorResponse(w, r, badRequest("source_system and local_key are required"))
		return
	}

	resolution, err := a.resolver.Override(r.Context(), req.SourceSystem, req.LocalKey, req.ParticipantID)
	if err != nil {
		writeErrorResponse(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resolution)
}

// parseLimit parses a page size; zero keeps the store default.
func parseLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		return 0, badRequest("limit must be a positive integer")
	}
	return limit, nil
}

// parseBefore parses a ULID page cursor.
func parseBefore(raw string) (types.ULID, error) {
	if raw == "" {
		return types.ULID{}, nil
	}
	u, err := types.ParseULID(raw)
	if err != nil {
		return types.ULID{}, badRequest(fmt.Sprintf("before must be a ULID: %v", err))
	}
	return u, nil
}
