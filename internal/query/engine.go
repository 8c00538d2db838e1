package query

import (
	"time"

	"go.uber.org/zap"

	"github.com/covarlab/covar/internal/observability"
	"github.com/covarlab/covar/internal/schema"
	"github.com/covarlab/covar/internal/store"
	"github.com/covarlab/covar/pkg/types"
)

// Options bound a single evaluation.
type Options struct {
	// MaxPredicates caps the leaf count of one query; 0 means no cap
	MaxPredicates int

	// Timeout bounds one evaluation end to end; 0 disables
	Timeout time.Duration
}

// Engine compiles and evaluates cohort queries. Evaluations feed the
// shared selectivity tracker, so the engine plans better the more it
// is used.
type Engine struct {
	store    *store.Store
	registry *schema.Registry
	tracker  *observability.SelectivityTracker
	opts     Options
	logger   *zap.Logger
}

func NewEngine(st *store.Store, registry *schema.Registry, tracker *observability.SelectivityTracker, opts Options, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tracker == nil {
		tracker = observability.NewSelectivityTracker(0)
	}
	return &Engine{
		store:    st,
		registry: registry,
		tracker:  tracker,
		opts:     opts,
		logger:   logger,
	}
}

// Tracker exposes the engine's selectivity tracker for stats endpoints
// and maintenance persistence.
func (e *Engine) Tracker() *observability.SelectivityTracker {
	return e.tracker
}

// Stats describes how one evaluation went.
type Stats struct {
	// SchemaVersion the query was compiled against
	SchemaVersion int64 `json:"schema_version"`

	// Predicates is the leaf count of the compiled query
	Predicates int `json:"predicates"`

	// Evaluated counts predicate evaluations actually run; short
	// circuits make it smaller than Predicates
	Evaluated int `json:"evaluated"`

	// Probed counts evaluations that probed the running set instead of
	// scanning the variable
	Probed int `json:"probed"`

	ElapsedMS int64 `json:"elapsed_ms"`
}

// Result is one cohort evaluation: the match count, the matching
// participant IDs in sorted order, and a per-participant explanation
// whose participant set equals the match set.
type Result struct {
	Count        int                `json:"count"`
	Participants []string           `json:"participants"`
	Explanation  *types.Explanation `json:"explanation,omitempty"`
	Stats        Stats              `json:"stats"`
}
