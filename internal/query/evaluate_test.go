package query

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	cerrors "github.com/covarlab/covar/internal/errors"
	"github.com/covarlab/covar/internal/observability"
	"github.com/covarlab/covar/internal/schema"
	"github.com/covarlab/covar/internal/store"
	"github.com/covarlab/covar/pkg/types"
)

var testULIDs = types.NewULIDGenerator()

func mustULID(t *testing.T) types.ULID {
	t.Helper()
	id, err := testULIDs.Generate()
	if err != nil {
		t.Fatalf("failed to generate ULID: %v", err)
	}
	return id
}

func newTestEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	s, err := store.Open(store.Options{
		Dialect: store.DialectSQLite,
		Path:    filepath.Join(t.TempDir(), "covar.db"),
	})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	reg := schema.NewRegistry(s, nil)
	if _, err := reg.Publish(context.Background(), &types.SchemaDraft{
		Datasets: testVersion().Datasets,
	}); err != nil {
		t.Fatalf("failed to publish schema: %v", err)
	}

	e := NewEngine(s, reg, observability.NewSelectivityTracker(time.Hour), Options{
		MaxPredicates: 64,
		Timeout:       30 * time.Second,
	}, nil)
	return e, s
}

func seedBatch(t *testing.T, s *store.Store, id string) {
	t.Helper()
	b := &types.UploadBatch{
		ID:            id,
		SourceSystem:  "siteA",
		Submitter:     "ops@example.org",
		SchemaVersion: 1,
		Filename:      "seed.csv",
		ContentHash:   "hash-" + id,
		SubmittedAt:   time.Now(),
	}
	if _, _, err := s.CreateBatch(context.Background(), b, "siteA:hash-"+id); err != nil {
		t.Fatalf("failed to create batch: %v", err)
	}
}

// seedParticipant applies one accepted row creating the participant
// with the given current values.
func seedParticipant(t *testing.T, s *store.Store, batchID string, row int, pid string, values ...types.VariableValue) {
	t.Helper()
	now := time.Now()
	for i := range values {
		values[i].ID = mustULID(t)
		values[i].ParticipantID = pid
		values[i].BatchID = batchID
		values[i].SchemaVersion = 1
		values[i].RecordedAt = now
	}
	localKey := fmt.Sprintf("S-%03d", row)
	key := int64(row)
	err := s.ApplyRow(context.Background(), batchID, &types.RowResult{
		RowNumber:      row,
		ParticipantKey: localKey,
		ParticipantID:  pid,
		Status:         types.RowAccepted,
	}, &store.MergeParams{
		Resolution: &types.Resolution{
			ID:            mustULID(t),
			SourceSystem:  "siteA",
			LocalKey:      localKey,
			ParticipantID: pid,
			Method:        types.ResolutionNew,
			BatchID:       batchID,
			RecordedAt:    now,
		},
		NewParticipant: &types.Participant{ID: pid, CreatedAt: now},
		Identifier: &types.SourceIdentifier{
			SourceSystem:  "siteA",
			LocalKey:      localKey,
			ParticipantID: pid,
			CreatedAt:     now,
		},
		BlockingKey: &key,
		Values:      values,
	})
	if err != nil {
		t.Fatalf("failed to seed participant %s: %v", pid, err)
	}
}

func numValue(dataset, variable string, num float64) types.VariableValue {
	return types.VariableValue{
		Variable: variable,
		Dataset:  dataset,
		Text:     fmt.Sprintf("%g", num),
		Num:      &num,
	}
}

func textValue(dataset, variable, text string) types.VariableValue {
	return types.VariableValue{
		Variable: variable,
		Dataset:  dataset,
		Text:     text,
	}
}

func dateValue(t *testing.T, dataset, variable, day string) types.VariableValue {
	t.Helper()
	parsed, err := time.ParseInLocation(types.DateLayout, day, time.UTC)
	if err != nil {
		t.Fatalf("bad test date %q: %v", day, err)
	}
	num := float64(parsed.Unix())
	return types.VariableValue{
		Variable: variable,
		Dataset:  dataset,
		Text:     day,
		Num:      &num,
	}
}

// seedCohort loads the fixture the evaluation tests share:
//
//	p1: age 30, dx 1, site MGH, visit 2024-03-05, bdi 12
//	p2: age 70, dx 1, site BWH
//	p3: age 45, dx 0, site MGH, visit 2023-11-20
//	p4: enrolled with no values yet
func seedCohort(t *testing.T, s *store.Store) {
	t.Helper()
	seedBatch(t, s, "seed-1")
	seedParticipant(t, s, "seed-1", 1, "p1",
		numValue("demographics", "age", 30),
		textValue("demographics", "dx", "1"),
		textValue("demographics", "site_id", "MGH"),
		dateValue(t, "visits", "visit_date", "2024-03-05"),
		numValue("visits", "bdi_total", 12),
	)
	seedParticipant(t, s, "seed-1", 2, "p2",
		numValue("demographics", "age", 70),
		textValue("demographics", "dx", "1"),
		textValue("demographics", "site_id", "BWH"),
	)
	seedParticipant(t, s, "seed-1", 3, "p3",
		numValue("demographics", "age", 45),
		textValue("demographics", "dx", "0"),
		textValue("demographics", "site_id", "MGH"),
		dateValue(t, "visits", "visit_date", "2023-11-20"),
	)
	seedParticipant(t, s, "seed-1", 4, "p4")
}

func TestEvaluateConjunction(t *testing.T) {
	ctx := context.Background()
	e, s := newTestEngine(t)
	seedCohort(t, s)

	res, err := e.Evaluate(ctx, &types.CohortQuery{
		Combinator: types.CombinatorAnd,
		Predicates: []types.Predicate{
			{Variable: "age", Op: types.OpRange, Min: "18", Max: "65"},
			{Variable: "dx", Op: types.OpEq, Value: "1"},
		},
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	if res.Count != 1 || len(res.Participants) != 1 || res.Participants[0] != "p1" {
		t.Fatalf("got %d %v, want exactly p1", res.Count, res.Participants)
	}
	if res.Stats.SchemaVersion != 1 {
		t.Errorf("stats schema version = %d, want 1", res.Stats.SchemaVersion)
	}
	if res.Stats.Predicates != 2 || res.Stats.Evaluated != 2 {
		t.Errorf("stats = %+v, want 2 predicates evaluated", res.Stats)
	}

	if res.Explanation == nil || len(res.Explanation.Participants) != 1 {
		t.Fatalf("explanation should cover exactly the match set, got %+v", res.Explanation)
	}
	pm := res.Explanation.Participants[0]
	if pm.ParticipantID != "p1" || len(pm.Predicates) != 2 {
		t.Fatalf("unexpected explanation %+v", pm)
	}
	for _, p := range pm.Predicates {
		if !p.Matched || !p.HasValue {
			t.Errorf("predicate %s should have matched on a value, got %+v", p.Variable, p)
		}
	}
	if pm.Predicates[0].Variable != "age" || pm.Predicates[0].Value != "30" {
		t.Errorf("explanation should show the driving value, got %+v", pm.Predicates[0])
	}
}

func TestEvaluateDisjunctionDeduplicates(t *testing.T) {
	ctx := context.Background()
	e, s := newTestEngine(t)
	seedCohort(t, s)

	// p2 matches both branches and must appear once
	res, err := e.Evaluate(ctx, &types.CohortQuery{
		Combinator: types.CombinatorOr,
		Predicates: []types.Predicate{
			{Variable: "dx", Op: types.OpEq, Value: "1"},
			{Variable: "age", Op: types.OpRange, Min: "60"},
		},
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	want := []string{"p1", "p2"}
	if res.Count != 2 || res.Participants[0] != want[0] || res.Participants[1] != want[1] {
		t.Fatalf("got %v, want %v", res.Participants, want)
	}
}

func TestEvaluateNestedGroups(t *testing.T) {
	ctx := context.Background()
	e, s := newTestEngine(t)
	seedCohort(t, s)

	res, err := e.Evaluate(ctx, &types.CohortQuery{
		Combinator: types.CombinatorAnd,
		Predicates: []types.Predicate{
			{Variable: "site_id", Op: types.OpEq, Value: "MGH"},
		},
		Groups: []types.CohortQuery{
			{
				Combinator: types.CombinatorOr,
				Predicates: []types.Predicate{
					{Variable: "dx", Op: types.OpEq, Value: "0"},
					{Variable: "bdi_total", Op: types.OpRange, Max: "20"},
				},
			},
		},
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Count != 2 || res.Participants[0] != "p1" || res.Participants[1] != "p3" {
		t.Fatalf("got %v, want [p1 p3]", res.Participants)
	}
}

func TestEvaluatePresent(t *testing.T) {
	ctx := context.Background()
	e, s := newTestEngine(t)
	seedCohort(t, s)

	res, err := e.Evaluate(ctx, &types.CohortQuery{
		Predicates: []types.Predicate{{Variable: "visit_date", Op: types.OpPresent}},
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Count != 2 || res.Participants[0] != "p1" || res.Participants[1] != "p3" {
		t.Fatalf("got %v, want [p1 p3]", res.Participants)
	}
}

func TestEvaluateMissingIncludesValuelessParticipants(t *testing.T) {
	ctx := context.Background()
	e, s := newTestEngine(t)
	seedCohort(t, s)

	res, err := e.Evaluate(ctx, &types.CohortQuery{
		Predicates: []types.Predicate{{Variable: "bdi_total", Op: types.OpMissing}},
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	want := []string{"p2", "p3", "p4"}
	if res.Count != len(want) {
		t.Fatalf("got %v, want %v", res.Participants, want)
	}
	for i, id := range want {
		if res.Participants[i] != id {
			t.Fatalf("got %v, want %v", res.Participants, want)
		}
	}

	// p4 has no values at all; the explanation still covers it
	last := res.Explanation.Participants[2]
	if last.ParticipantID != "p4" || !last.Predicates[0].Matched || last.Predicates[0].HasValue {
		t.Errorf("unexpected explanation for p4: %+v", last)
	}
}

func TestEvaluateDateOperations(t *testing.T) {
	ctx := context.Background()
	e, s := newTestEngine(t)
	seedCohort(t, s)

	res, err := e.Evaluate(ctx, &types.CohortQuery{
		Predicates: []types.Predicate{
			{Variable: "visit_date", Op: types.OpRange, Min: "2024-01-01", Max: "2024-12-31"},
		},
	})
	if err != nil {
		t.Fatalf("evaluate range: %v", err)
	}
	if res.Count != 1 || res.Participants[0] != "p1" {
		t.Fatalf("range got %v, want [p1]", res.Participants)
	}

	res, err = e.Evaluate(ctx, &types.CohortQuery{
		Predicates: []types.Predicate{
			{Variable: "visit_date", Op: types.OpEq, Value: "2023-11-20"},
		},
	})
	if err != nil {
		t.Fatalf("evaluate eq: %v", err)
	}
	if res.Count != 1 || res.Participants[0] != "p3" {
		t.Fatalf("eq got %v, want [p3]", res.Participants)
	}
}

func TestEvaluateShortCircuitsEmptyConjunction(t *testing.T) {
	ctx := context.Background()
	e, s := newTestEngine(t)
	seedCohort(t, s)

	// teach the planner that age is the tighter predicate
	e.Tracker().Record("age", "range", 0, 100)
	e.Tracker().Record("dx", "eq", 90, 100)

	res, err := e.Evaluate(ctx, &types.CohortQuery{
		Combinator: types.CombinatorAnd,
		Predicates: []types.Predicate{
			{Variable: "dx", Op: types.OpEq, Value: "1"},
			{Variable: "age", Op: types.OpRange, Min: "100", Max: "120"},
		},
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Count != 0 || len(res.Participants) != 0 {
		t.Fatalf("got %v, want empty", res.Participants)
	}
	if res.Stats.Evaluated != 1 {
		t.Errorf("evaluated = %d, want 1 after the empty set short-circuit", res.Stats.Evaluated)
	}
	if len(res.Explanation.Participants) != 0 {
		t.Errorf("explanation must stay empty for an empty match set")
	}
}

func TestEvaluateExplanationShowsBranchOutcomes(t *testing.T) {
	ctx := context.Background()
	e, s := newTestEngine(t)
	seedCohort(t, s)

	res, err := e.Evaluate(ctx, &types.CohortQuery{
		Combinator: types.CombinatorOr,
		Predicates: []types.Predicate{
			{Variable: "dx", Op: types.OpEq, Value: "0"},
			{Variable: "age", Op: types.OpRange, Min: "60"},
		},
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Count != 2 {
		t.Fatalf("got %v, want [p2 p3]", res.Participants)
	}

	byID := map[string]types.ParticipantMatch{}
	for _, pm := range res.Explanation.Participants {
		byID[pm.ParticipantID] = pm
	}
	p2 := byID["p2"]
	if p2.Predicates[0].Matched || !p2.Predicates[1].Matched {
		t.Errorf("p2 matched on age only, got %+v", p2.Predicates)
	}
	p3 := byID["p3"]
	if !p3.Predicates[0].Matched || p3.Predicates[1].Matched {
		t.Errorf("p3 matched on dx only, got %+v", p3.Predicates)
	}
}

func TestEvaluateProbesNarrowedSet(t *testing.T) {
	ctx := context.Background()
	e, s := newTestEngine(t)
	seedCohort(t, s)

	res, err := e.Evaluate(ctx, &types.CohortQuery{
		Combinator: types.CombinatorAnd,
		Predicates: []types.Predicate{
			{Variable: "dx", Op: types.OpEq, Value: "1"},
			{Variable: "site_id", Op: types.OpEq, Value: "MGH"},
		},
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Count != 1 || res.Participants[0] != "p1" {
		t.Fatalf("got %v, want [p1]", res.Participants)
	}
	if res.Stats.Probed != 1 {
		t.Errorf("probed = %d, want the second member to probe the running set", res.Stats.Probed)
	}
}

func TestEvaluateFeedsSelectivityTracker(t *testing.T) {
	ctx := context.Background()
	e, s := newTestEngine(t)
	seedCohort(t, s)

	if _, ok := e.Tracker().Estimate("age"); ok {
		t.Fatal("tracker should start cold")
	}
	if _, err := e.Evaluate(ctx, &types.CohortQuery{
		Predicates: []types.Predicate{{Variable: "age", Op: types.OpRange, Min: "18", Max: "65"}},
	}); err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	sel, ok := e.Tracker().Estimate("age")
	if !ok {
		t.Fatal("evaluation should have recorded age selectivity")
	}
	// 2 of 4 participants fall inside [18, 65]
	if sel < 0.49 || sel > 0.51 {
		t.Errorf("selectivity = %v, want 0.5", sel)
	}
}

func TestEvaluateEmptyStore(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)

	res, err := e.Evaluate(ctx, &types.CohortQuery{
		Predicates: []types.Predicate{{Variable: "dx", Op: types.OpEq, Value: "1"}},
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Count != 0 || res.Participants == nil || len(res.Participants) != 0 {
		t.Fatalf("got %+v, want an empty non-nil set", res.Participants)
	}
}

func TestEvaluateRequiresPublishedSchema(t *testing.T) {
	s, err := store.Open(store.Options{
		Dialect: store.DialectSQLite,
		Path:    filepath.Join(t.TempDir(), "covar.db"),
	})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	e := NewEngine(s, schema.NewRegistry(s, nil), nil, Options{}, nil)
	_, err = e.Evaluate(context.Background(), &types.CohortQuery{
		Predicates: []types.Predicate{{Variable: "age", Op: types.OpPresent}},
	})
	if !cerrors.IsCode(err, cerrors.CodeUnknownVersion) {
		t.Fatalf("error = %v, want UNKNOWN_VERSION", err)
	}
}

func TestEvaluateRejectsInvalidQueries(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)

	_, err := e.Evaluate(ctx, &types.CohortQuery{
		Predicates: []types.Predicate{{Variable: "weight", Op: types.OpPresent}},
	})
	if !cerrors.IsCode(err, cerrors.CodeInvalidPredicate) {
		t.Fatalf("error = %v, want INVALID_PREDICATE", err)
	}

	_, err = e.Evaluate(ctx, &types.CohortQuery{})
	if !cerrors.IsCode(err, cerrors.CodeInvalidPredicate) {
		t.Fatalf("error = %v, want INVALID_PREDICATE", err)
	}
}

func TestEvaluateHonorsPredicateCap(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	e.opts.MaxPredicates = 1

	_, err := e.Evaluate(ctx, &types.CohortQuery{
		Predicates: []types.Predicate{
			{Variable: "age", Op: types.OpPresent},
			{Variable: "dx", Op: types.OpPresent},
		},
	})
	if !cerrors.IsCode(err, cerrors.CodeInvalidPredicate) {
		t.Fatalf("error = %v, want INVALID_PREDICATE", err)
	}
}

func TestEvaluateCancelledContext(t *testing.T) {
	e, s := newTestEngine(t)
	seedCohort(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.Evaluate(ctx, &types.CohortQuery{
		Predicates: []types.Predicate{{Variable: "age", Op: types.OpPresent}},
	}); err == nil {
		t.Fatal("expected an error from a cancelled context")
	}
}
