package http

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/covarlab/covar/internal/schema"
	"github.com/covarlab/covar/pkg/types"
)

// contractLimit caps schema documents; contracts are small.
const contractLimit = 1 << 20

// SchemaVersionSummary is one row of the version listing.
type SchemaVersionSummary struct {
	Version     int64     `json:"version"`
	PublishedAt time.Time `json:"published_at"`
	Datasets    int       `json:"datasets"`
	Variables   int       `json:"variables"`
}

// SchemaListResponse lists published versions oldest first.
type SchemaListResponse struct {
	Versions []SchemaVersionSummary `json:"versions"`
}

// handlePublishSchema validates and freezes a draft as the next schema
// version. YAML contracts are accepted with Content-Type
// application/yaml; everything else is decoded as a JSON draft.
func (a *API) handlePublishSchema(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, contractLimit))
	if err != nil {
		writeErrorResponse(w, r, uploadError(err))
		return
	}

	var draft *types.SchemaDraft
	if yamlContentType(r.Header.Get("Content-Type")) {
		draft, err = schema.ParseContract(body)
		if err != nil {
			writeErrorResponse(w, r, badRequest(fmt.Sprintf("schema contract: %v", err)))
			return
		}
	} else {
		draft = &types.SchemaDraft{}
		if err := json.Unmarshal(body, draft); err != nil {
			writeErrorResponse(w, r, badRequest(fmt.Sprintf("schema draft: %v", err)))
			return
		}
	}

	version, err := a.registry.Publish(r.Context(), draft)
	if err != nil {
		writeErrorResponse(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, version)
}

// yamlContentType reports whether the request declares a YAML body.
func yamlContentType(header string) bool {
	mt, _, err := mime.ParseMediaType(header)
	if err != nil {
		return false
	}
	switch mt {
	case "application/yaml", "application/x-yaml", "text/yaml", "text/x-yaml":
		return true
	}
	return false
}

// handleGetSchemaVersion returns one published version in full.
func (a *API) handleGetSchemaVersion(w http.ResponseWriter, r *http.Request) {
	version, err := strconv.ParseInt(chi.URLParam(r, "version"), 10, 64)
	if err != nil {
		writeErrorResponse(w, r, badRequest("version must be an integer"))
		return
	}

	sv, err := a.registry.Get(r.Context(), version)
	if err != nil {
		writeErrorResponse(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sv)
}

// handleCurrentSchema returns the highest published version in full.
func (a *API) handleCurrentSchema(w http.ResponseWriter, r *http.Request) {
	sv, err := a.registry.Current(r.Context())
	if err != nil {
		writeErrorResponse(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sv)
}

// handleListSchemaVersions returns version summaries without their
// variable definitions.
func (a *API) handleListSchemaVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := a.registry.List(r.Context())
	if err != nil {
		writeErrorResponse(w, r, err)
		return
	}

	summaries := make([]SchemaVersionSummary, 0, len(versions))
	for i := range versions {
		summaries = append(summaries, SchemaVersionSummary{
			Version:     versions[i].Version,
			PublishedAt: versions[i].PublishedAt,
			Datasets:    len(versions[i].Datasets),
			Variables:   versions[i].VariableCount(),
		})
	}
	writeJSON(w, http.StatusOK, SchemaListResponse{Versions: summaries})
}
