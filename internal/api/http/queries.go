package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	cerrors "github.com/covarlab/covar/internal/errors"
	"github.com/covarlab/covar/internal/query"
	"github.com/covarlab/covar/internal/query/parser"
	"github.com/covarlab/covar/pkg/types"
)

// queryBodyLimit caps JSON request documents.
const queryBodyLimit = 1 << 20

// QueryRequest is one cohort query. The structured fields mirror the
// query model; Filter carries the same query in the expression language
// and excludes the structured fields.
type QueryRequest struct {
	Combinator types.Combinator    `json:"combinator,omitempty"`
	Predicates []types.Predicate   `json:"predicates,omitempty"`
	Groups     []types.CohortQuery `json:"groups,omitempty"`
	Filter     string              `json:"filter,omitempty"`
}

// QueryResponse is one evaluation result. Participant IDs and the
// per-participant explanation appear only when the include parameter
// asks for them; the default response carries the count alone.
type QueryResponse struct {
	Count        int                `json:"count"`
	Participants []string           `json:"participants,omitempty"`
	Explanation  *types.Explanation `json:"explanation,omitempty"`
	Stats        query.Stats        `json:"stats"`
	RequestID    string             `json:"request_id,omitempty"`
}

// handleQuery evaluates one cohort query against the current schema
// version.
func (a *API) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, queryBodyLimit)).Decode(&req); err != nil {
		writeErrorResponse(w, r, cerrors.NewInvalidPredicate(fmt.Sprintf("invalid query body: %v", err)))
		return
	}

	includeParticipants, includeExplanation, err := parseInclude(r.URL.Query().Get("include"))
	if err != nil {
		writeErrorResponse(w, r, err)
		return
	}

	q, err := req.cohortQuery()
	if err != nil {
		writeErrorResponse(w, r, err)
		return
	}

	res, err := a.engine.Evaluate(r.Context(), q)
	if err != nil {
		writeErrorResponse(w, r, err)
		return
	}

	resp := QueryResponse{
		Count:     res.Count,
		Stats:     res.Stats,
		RequestID: GetRequestID(r.Context()),
	}
	if includeParticipants {
		resp.Participants = res.Participants
	}
	if includeExplanation {
		resp.Explanation = res.Explanation
	}
	writeJSON(w, http.StatusOK, resp)
}

// cohortQuery builds the query tree from either representation.
func (req *QueryRequest) cohortQuery() (*types.CohortQuery, error) {
	structured := req.Combinator != "" || len(req.Predicates) > 0 || len(req.Groups) > 0
	if req.Filter != "" {
		if structured {
			return nil, cerrors.NewInvalidPredicate("filter excludes combinator, predicates, and groups")
		}
		q, err := parser.Parse(req.Filter)
		if err != nil {
			return nil, cerrors.NewInvalidPredicate(err.Error())
		}
		return q, nil
	}
	return &types.CohortQuery{
		Combinator: req.Combinator,
		Predicates: req.Predicates,
		Groups:     req.Groups,
	}, nil
}

// parseInclude parses the include parameter into section flags.
func parseInclude(raw string) (participants, explanation bool, err error) {
	if raw == "" {
		return false, false, nil
	}
	for _, tok := range strings.Split(raw, ",") {
		switch strings.TrimSpace(tok) {
		case "participants":
			participants = true
		case "explanation":
			explanation = true
		case "":
		default:
			return false, false, cerrors.NewInvalidPredicate(
				fmt.Sprintf("unknown include %q (use participants, explanation)", strings.TrimSpace(tok)))
		}
	}
	return participants, explanation, nil
}

// VariableStatsResponse is one variable's tracked selectivity.
type VariableStatsResponse struct {
	Variable    string           `json:"variable"`
	Evaluations int64            `json:"evaluations"`
	Selectivity float64          `json:"selectivity"`
	LastSeen    time.Time        `json:"last_seen"`
	Operators   map[string]int64 `json:"operators,omitempty"`
}

// QueryStatsResponse reports the planner's selectivity estimates, most
// selective first.
type QueryStatsResponse struct {
	Variables []VariableStatsResponse `json:"variables"`
}

// handleQueryStats exposes the selectivity tracker snapshot.
func (a *API) handleQueryStats(w http.ResponseWriter, r *http.Request) {
	snap := a.engine.Tracker().Snapshot()

	stats := make([]VariableStatsResponse, 0, len(snap))
	for _, s := range snap {
		stats = append(stats, VariableStatsResponse{
			Variable:    s.Variable,
			Evaluations: s.Evaluations,
			Selectivity: s.Selectivity,
			LastSeen:    s.LastSeen,
			Operators:   s.Operators,
		})
	}
	writeJSON(w, http.StatusOK, QueryStatsResponse{Variables: stats})
}
