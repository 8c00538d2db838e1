package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/covarlab/covar/internal/identity"
	"github.com/covarlab/covar/internal/ingest"
	"github.com/covarlab/covar/internal/query"
	"github.com/covarlab/covar/internal/schema"
	"github.com/covarlab/covar/internal/store"
)

// API owns the HTTP surface and the components behind it.
type API struct {
	pipeline *ingest.Pipeline
	registry *schema.Registry
	engine   *query.Engine
	resolver *identity.Resolver
	store    *store.Store

	maxUploadBytes int64
	logger         *zap.Logger
}

// New creates the API. maxUploadBytes caps multipart submissions; zero
// means no cap.
func New(pipeline *ingest.Pipeline, registry *schema.Registry, engine *query.Engine,
	resolver *identity.Resolver, st *store.Store, maxUploadBytes int64, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{
		pipeline:       pipeline,
		registry:       registry,
		engine:         engine,
		resolver:       resolver,
		store:          st,
		maxUploadBytes: maxUploadBytes,
		logger:         logger,
	}
}

// Router builds the route table with the standard middleware chain.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(RequestIDMiddleware)
	r.Use(Recovery(a.logger))
	r.Use(RequestLogger(a.logger))

	r.Get("/healthz", a.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(ContentTypeMiddleware)

		r.Post("/batches", a.handleSubmitBatch)
		r.Get("/batches/{id}", a.handleGetBatch)
		r.Get("/batches/{id}/report", a.handleBatchReport)

		r.Post("/schema/versions", a.handlePublishSchema)
		r.Get("/schema/versions", a.handleListSchemaVersions)
		r.Get("/schema/versions/{version}", a.handleGetSchemaVersion)
		r.Get("/schema/current", a.handleCurrentSchema)

		r.Post("/queries", a.handleQuery)
		r.Get("/queries/stats", a.handleQueryStats)

		r.Get("/participants/{id}", a.handleGetParticipant)
		r.Get("/participants/{id}/values/{variable}/history", a.handleValueHistory)

		r.Get("/audit/resolutions", a.handleListResolutions)
		r.Get("/variables/{name}/coverage", a.handleCoverage)
		r.Post("/identity/overrides", a.handleOverride)
	})

	return r
}

// handleHealth reports liveness.
func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
