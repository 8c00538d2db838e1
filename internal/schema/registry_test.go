package schema

import (
	"context"
	"path/filepath"
	"testing"

	cerrors "github.com/covarlab/covar/internal/errors"
	"github.com/covarlab/covar/internal/store"
	"github.com/covarlab/covar/pkg/types"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	s, err := store.Open(store.Options{
		Dialect: store.DialectSQLite,
		Path:    filepath.Join(t.TempDir(), "covar.db"),
	})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewRegistry(s, nil)
}

func f64(v float64) *float64 { return &v }

func basicDraft() *types.SchemaDraft {
	return &types.SchemaDraft{
		Datasets: []types.DatasetDefinition{
			{
				Name:      "basic_covariates",
				Source:    types.SourceSpec{Kind: types.SourceCSV},
				IDAliases: []string{"SubjID"},
				Variables: []types.VariableDefinition{
					{Name: "age", Dataset: "basic_covariates", Type: types.VariableNumeric, Min: f64(0), Max: f64(120)},
					{Name: "dx", Dataset: "basic_covariates", Type: types.VariableCategorical, Levels: []string{"0", "1"}},
					{Name: "site_id", Dataset: "basic_covariates", Type: types.VariableText, Nullable: true},
				},
			},
		},
	}
}

func TestPublishAssignsMonotonicVersions(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	v1, err := reg.Publish(ctx, basicDraft())
	if err != nil {
		t.Fatalf("publish v1: %v", err)
	}
	if v1.Version != 1 {
		t.Errorf("expected version 1, got %d", v1.Version)
	}

	draft := basicDraft()
	draft.Datasets[0].Variables = append(draft.Datasets[0].Variables,
		types.VariableDefinition{Name: "bdi_total", Dataset: "basic_covariates", Type: types.VariableNumeric, Min: f64(0), Max: f64(63), Nullable: true})
	v2, err := reg.Publish(ctx, draft)
	if err != nil {
		t.Fatalf("publish v2: %v", err)
	}
	if v2.Version != 2 {
		t.Errorf("expected version 2, got %d", v2.Version)
	}

	cur, err := reg.Current(ctx)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if cur.Version != 2 {
		t.Errorf("expected current version 2, got %d", cur.Version)
	}
	if _, ok := cur.Variable("bdi_total"); !ok {
		t.Error("expected bdi_total in current version")
	}

	got, err := reg.Get(ctx, 1)
	if err != nil {
		t.Fatalf("get v1: %v", err)
	}
	if got.VariableCount() != 3 {
		t.Errorf("expected 3 variables in v1, got %d", got.VariableCount())
	}
}

func TestCurrentBeforePublishIsUnknownVersion(t *testing.T) {
	reg := newTestRegistry(t)
	if _, err := reg.Current(context.Background()); !cerrors.IsCode(err, cerrors.CodeUnknownVersion) {
		t.Fatalf("expected UNKNOWN_VERSION, got %v", err)
	}
}

func TestGetUnknownVersion(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	if _, err := reg.Publish(ctx, basicDraft()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := reg.Get(ctx, 42); !cerrors.IsCode(err, cerrors.CodeUnknownVersion) {
		t.Fatalf("expected UNKNOWN_VERSION, got %v", err)
	}
}

func TestResolveZeroMeansCurrent(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	if _, err := reg.Publish(ctx, basicDraft()); err != nil {
		t.Fatalf("publish: %v", err)
	}

	v, err := reg.Resolve(ctx, 0)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if v.Version != 1 {
		t.Errorf("expected version 1, got %d", v.Version)
	}
}

func TestPublishRejectsMalformedDrafts(t *testing.T) {
	tests := []struct {
		name  string
		draft *types.SchemaDraft
	}{
		{
			name:  "no datasets",
			draft: &types.SchemaDraft{},
		},
		{
			name: "empty variable name",
			draft: &types.SchemaDraft{Datasets: []types.DatasetDefinition{{
				Name:      "dti",
				Variables: []types.VariableDefinition{{Name: "", Type: types.VariableNumeric}},
			}}},
		},
		{
			name: "unknown type",
			draft: &types.SchemaDraft{Datasets: []types.DatasetDefinition{{
				Name:      "dti",
				Variables: []types.VariableDefinition{{Name: "fa_mean", Type: "float"}},
			}}},
		},
		{
			name: "min above max",
			draft: &types.SchemaDraft{Datasets: []types.DatasetDefinition{{
				Name:      "dti",
				Variables: []types.VariableDefinition{{Name: "fa_mean", Type: types.VariableNumeric, Min: f64(10), Max: f64(1)}},
			}}},
		},
		{
			name: "categorical without levels",
			draft: &types.SchemaDraft{Datasets: []types.DatasetDefinition{{
				Name:      "basic_covariates",
				Variables: []types.VariableDefinition{{Name: "sex", Type: types.VariableCategorical}},
			}}},
		},
		{
			name: "duplicate level",
			draft: &types.SchemaDraft{Datasets: []types.DatasetDefinition{{
				Name:      "basic_covariates",
				Variables: []types.VariableDefinition{{Name: "sex", Type: types.VariableCategorical, Levels: []string{"0", "0"}}},
			}}},
		},
		{
			name: "duplicate variable across datasets",
			draft: &types.SchemaDraft{Datasets: []types.DatasetDefinition{
				{
					Name:      "basic_covariates",
					Variables: []types.VariableDefinition{{Name: "age", Type: types.VariableNumeric}},
				},
				{
					Name:      "individual_symptoms",
					Variables: []types.VariableDefinition{{Name: "age", Type: types.VariableNumeric}},
				},
			}},
		},
		{
			name: "bad min_date",
			draft: &types.SchemaDraft{Datasets: []types.DatasetDefinition{{
				Name:      "basic_covariates",
				Variables: []types.VariableDefinition{{Name: "visit_date", Type: types.VariableDate, MinDate: "01/02/2006"}},
			}}},
		},
		{
			name: "dataset defined twice",
			draft: &types.SchemaDraft{Datasets: []types.DatasetDefinition{
				{Name: "dti", Variables: []types.VariableDefinition{{Name: "fa_mean", Type: types.VariableNumeric}}},
				{Name: "dti", Variables: []types.VariableDefinition{{Name: "md_mean", Type: types.VariableNumeric}}},
			}},
		},
	}

	reg := newTestRegistry(t)
	ctx := context.Background()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := reg.Publish(ctx, tt.draft)
			if !cerrors.IsCode(err, cerrors.CodeSchemaConflict) {
				t.Fatalf("expected SCHEMA_CONFLICT, got %v", err)
			}
		})
	}
}

func TestPublishRejectsCrossVersionTypeChange(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	if _, err := reg.Publish(ctx, basicDraft()); err != nil {
		t.Fatalf("publish v1: %v", err)
	}

	draft := basicDraft()
	draft.Datasets[0].Variables[0].Type = types.VariableText
	draft.Datasets[0].Variables[0].Min = nil
	draft.Datasets[0].Variables[0].Max = nil
	if _, err := reg.Publish(ctx, draft); !cerrors.IsCode(err, cerrors.CodeSchemaConflict) {
		t.Fatalf("expected SCHEMA_CONFLICT on type change, got %v", err)
	}
}

func TestPublishAllowsConstraintChangeAndRetire(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	if _, err := reg.Publish(ctx, basicDraft()); err != nil {
		t.Fatalf("publish v1: %v", err)
	}

	draft := basicDraft()
	draft.Datasets[0].Variables[0].Max = f64(110)
	draft.Datasets[0].Variables[2].Retired = true
	v2, err := reg.Publish(ctx, draft)
	if err != nil {
		t.Fatalf("publish v2: %v", err)
	}

	age, _ := v2.Variable("age")
	if age.Max == nil || *age.Max != 110 {
		t.Errorf("expected age max 110, got %v", age.Max)
	}
	site, _ := v2.Variable("site_id")
	if !site.Retired {
		t.Error("expected site_id retired in v2")
	}
}

func TestRegistryCacheSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "covar.db")

	s1, err := store.Open(store.Options{Dialect: store.DialectSQLite, Path: path})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	reg1 := NewRegistry(s1, nil)
	if _, err := reg1.Publish(ctx, basicDraft()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	s1.Close()

	s2, err := store.Open(store.Options{Dialect: store.DialectSQLite, Path: path})
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer s2.Close()

	// A fresh registry over the same catalog hydrates from disk.
	reg2 := NewRegistry(s2, nil)
	cur, err := reg2.Current(ctx)
	if err != nil {
		t.Fatalf("current after reopen: %v", err)
	}
	if cur.Version != 1 || cur.VariableCount() != 3 {
		t.Errorf("expected version 1 with 3 variables, got version %d with %d", cur.Version, cur.VariableCount())
	}
}
