// Package schema owns the versioned variable contract: draft validation,
// atomic publication, and immutable version retrieval.
package schema

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	cerrors "github.com/covarlab/covar/internal/errors"
	"github.com/covarlab/covar/internal/store"
	"github.com/covarlab/covar/pkg/types"
)

// Registry publishes and serves schema versions. Published versions are
// immutable, so they are cached forever in-process; only the current
// version pointer is invalidated, on publish.
type Registry struct {
	store  *store.Store
	logger *zap.Logger

	mu        sync.RWMutex
	byVersion map[int64]*types.SchemaVersion
	current   *types.SchemaVersion
}

// NewRegistry creates a registry over the given store.
func NewRegistry(st *store.Store, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		store:     st,
		logger:    logger,
		byVersion: make(map[int64]*types.SchemaVersion),
	}
}

// Publish validates the draft, assigns the next version number, and
// persists the frozen version. The store's write path serializes
// concurrent publishes; a lost race surfaces as SchemaConflict and the
// caller retries with a fresh draft if it still wants the change.
func (r *Registry) Publish(ctx context.Context, draft *types.SchemaDraft) (*types.SchemaVersion, error) {
	if err := ValidateDraft(draft); err != nil {
		return nil, err
	}

	prior, err := r.Current(ctx)
	if err != nil && !cerrors.IsCode(err, cerrors.CodeUnknownVersion) {
		return nil, err
	}
	if prior != nil {
		if err := checkAgainstPrior(draft, prior); err != nil {
			return nil, err
		}
	}

	next := int64(1)
	if prior != nil {
		next = prior.Version + 1
	}

	v := &types.SchemaVersion{
		Version:     next,
		PublishedAt: time.Now().UTC(),
		Datasets:    draft.Datasets,
	}
	if err := r.store.InsertSchemaVersion(ctx, v); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.byVersion[v.Version] = v
	r.current = v
	r.mu.Unlock()

	r.logger.Info("published schema version",
		zap.Int64("version", v.Version),
		zap.Int("datasets", len(v.Datasets)),
		zap.Int("variables", v.VariableCount()))
	return v, nil
}

// Get returns the named version, from cache when possible.
// Returns UnknownVersion when no such version was ever published.
func (r *Registry) Get(ctx context.Context, version int64) (*types.SchemaVersion, error) {
	r.mu.RLock()
	if v, ok := r.byVersion[version]; ok {
		r.mu.RUnlock()
		return v, nil
	}
	r.mu.RUnlock()

	v, err := r.store.GetSchemaVersion(ctx, version)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.byVersion[v.Version] = v
	r.mu.Unlock()
	return v, nil
}

// Current returns the latest published version. Returns UnknownVersion
// when nothing has been published yet.
func (r *Registry) Current(ctx context.Context) (*types.SchemaVersion, error) {
	r.mu.RLock()
	if r.current != nil {
		v := r.current
		r.mu.RUnlock()
		return v, nil
	}
	r.mu.RUnlock()

	v, err := r.store.CurrentSchemaVersion(ctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.byVersion[v.Version] = v
	r.current = v
	r.mu.Unlock()
	return v, nil
}

// Resolve returns the requested version, or the current one when
// version is zero. This is the lookup every ingest request goes through.
func (r *Registry) Resolve(ctx context.Context, version int64) (*types.SchemaVersion, error) {
	if version == 0 {
		return r.Current(ctx)
	}
	return r.Get(ctx, version)
}

// List returns all published versions, oldest first, without datasets
// hydrated into the cache.
func (r *Registry) List(ctx context.Context) ([]types.SchemaVersion, error) {
	return r.store.ListSchemaVersions(ctx)
}

// ValidateDraft checks a draft for internal consistency. Every failure
// is a SchemaConflict carrying the exact variable and reason.
func ValidateDraft(draft *types.SchemaDraft) error {
	if draft == nil || len(draft.Datasets) == 0 {
		return cerrors.NewSchemaConflict("draft defines no datasets")
	}

	seenDatasets := make(map[string]bool)
	owner := make(map[string]string)
	for i := range draft.Datasets {
		ds := &draft.Datasets[i]
		if ds.Name == "" {
			return cerrors.NewSchemaConflict("dataset with empty name")
		}
		if seenDatasets[ds.Name] {
			return cerrors.NewSchemaConflict(fmt.Sprintf("dataset %q defined twice", ds.Name))
		}
		seenDatasets[ds.Name] = true

		if ds.Source.Kind != "" && ds.Source.Kind != types.SourceCSV && ds.Source.Kind != types.SourceXLSX {
			return cerrors.NewSchemaConflict(fmt.Sprintf("dataset %q: unknown source kind %q", ds.Name, ds.Source.Kind))
		}
		if ds.Source.HeaderRow < 0 {
			return cerrors.NewSchemaConflict(fmt.Sprintf("dataset %q: header_row must be positive", ds.Name))
		}
		if len(ds.Variables) == 0 {
			return cerrors.NewSchemaConflict(fmt.Sprintf("dataset %q defines no variables", ds.Name))
		}

		for j := range ds.Variables {
			def := &ds.Variables[j]
			if err := validateDefinition(ds.Name, def); err != nil {
				return err
			}
			if prev, dup := owner[def.Name]; dup {
				return cerrors.NewSchemaConflict(fmt.Sprintf(
					"variable %q defined in both %q and %q", def.Name, prev, ds.Name))
			}
			owner[def.Name] = ds.Name
		}
	}
	return nil
}

// validateDefinition checks one definition's shape and constraints.
func validateDefinition(dataset string, def *types.VariableDefinition) error {
	if def.Name == "" {
		return cerrors.NewSchemaConflict(fmt.Sprintf("dataset %q: variable with empty name", dataset))
	}
	if !def.Type.Valid() {
		return cerrors.NewSchemaConflict(fmt.Sprintf("variable %q: unknown type %q", def.Name, def.Type))
	}

	switch def.Type {
	case types.VariableNumeric:
		if def.Min != nil && def.Max != nil && *def.Min > *def.Max {
			return cerrors.NewSchemaConflict(fmt.Sprintf(
				"variable %q: min %g exceeds max %g", def.Name, *def.Min, *def.Max))
		}
		if len(def.Levels) > 0 {
			return cerrors.NewSchemaConflict(fmt.Sprintf("variable %q: numeric type cannot declare levels", def.Name))
		}
	case types.VariableCategorical:
		if len(def.Levels) == 0 {
			return cerrors.NewSchemaConflict(fmt.Sprintf("variable %q: categorical type requires levels", def.Name))
		}
		seen := make(map[string]bool, len(def.Levels))
		for _, l := range def.Levels {
			if seen[l] {
				return cerrors.NewSchemaConflict(fmt.Sprintf("variable %q: duplicate level %q", def.Name, l))
			}
			seen[l] = true
		}
	case types.VariableDate:
		var minT, maxT time.Time
		var err error
		if def.MinDate != "" {
			if minT, err = time.Parse(types.DateLayout, def.MinDate); err != nil {
				return cerrors.NewSchemaConflict(fmt.Sprintf(
					"variable %q: min_date %q is not %s", def.Name, def.MinDate, types.DateLayout))
			}
		}
		if def.MaxDate != "" {
			if maxT, err = time.Parse(types.DateLayout, def.MaxDate); err != nil {
				return cerrors.NewSchemaConflict(fmt.Sprintf(
					"variable %q: max_date %q is not %s", def.Name, def.MaxDate, types.DateLayout))
			}
		}
		if def.MinDate != "" && def.MaxDate != "" && minT.After(maxT) {
			return cerrors.NewSchemaConflict(fmt.Sprintf(
				"variable %q: min_date %s after max_date %s", def.Name, def.MinDate, def.MaxDate))
		}
	case types.VariableText:
		if len(def.Levels) > 0 {
			return cerrors.NewSchemaConflict(fmt.Sprintf("variable %q: text type cannot declare levels", def.Name))
		}
	}
	return nil
}

// checkAgainstPrior rejects drafts that change a previously-published
// variable's type. Typed query evaluation reads current values across
// versions; a type flip would make that unsound. Constraints and levels
// may change freely, and retiring is just republishing with Retired set.
func checkAgainstPrior(draft *types.SchemaDraft, prior *types.SchemaVersion) error {
	priorIdx := prior.VariableIndex()
	for i := range draft.Datasets {
		for j := range draft.Datasets[i].Variables {
			def := &draft.Datasets[i].Variables[j]
			old, ok := priorIdx[def.Name]
			if !ok {
				continue
			}
			if old.Type != def.Type {
				return cerrors.NewSchemaConflict(fmt.Sprintf(
					"variable %q: type %s in version %d cannot become %s",
					def.Name, old.Type, prior.Version, def.Type))
			}
		}
	}
	return nil
}
