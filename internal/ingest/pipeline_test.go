package ingest

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/covarlab/covar/internal/archive"
	cerrors "github.com/covarlab/covar/internal/errors"
	"github.com/covarlab/covar/internal/identity"
	"github.com/covarlab/covar/internal/schema"
	"github.com/covarlab/covar/internal/store"
	"github.com/covarlab/covar/pkg/types"
)

func testDraft() *types.SchemaDraft {
	return &types.SchemaDraft{
		Datasets: []types.DatasetDefinition{
			{
				Name:      "demographics",
				Source:    types.SourceSpec{Kind: types.SourceCSV},
				IDAliases: []string{"SubjID"},
				Variables: []types.VariableDefinition{
					{Name: "age", Dataset: "demographics", Type: types.VariableNumeric, Min: f64(0), Max: f64(120)},
					{Name: "dx", Dataset: "demographics", Type: types.VariableCategorical, Levels: []string{"0", "1"}},
					{Name: "site_id", Dataset: "demographics", Type: types.VariableText, Nullable: true},
				},
			},
		},
	}
}

func newTestPipeline(t *testing.T) (*Pipeline, *store.Store, *archive.Uploads) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(store.Options{
		Dialect: store.DialectSQLite,
		Path:    filepath.Join(dir, "covar.db"),
	})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	reg := schema.NewRegistry(s, nil)
	if _, err := reg.Publish(context.Background(), testDraft()); err != nil {
		t.Fatalf("failed to publish schema: %v", err)
	}

	aliases := map[string][]string{
		"family_name": {"family_name", "last_name"},
		"given_name":  {"given_name", "first_name"},
		"birth_date":  {"birth_date", "dob"},
	}
	resolver := identity.NewResolver(s, identity.Config{
		BlockingAttrs: []string{"family_name", "birth_date"},
		CompareAttrs:  []string{"given_name", "family_name", "birth_date"},
		Threshold:     0.92,
		Aliases:       aliases,
	}, nil)

	local, err := archive.NewLocalStore(filepath.Join(dir, "archive"))
	if err != nil {
		t.Fatalf("failed to open archive: %v", err)
	}
	uploads := archive.NewUploads(local)

	p := NewPipeline(s, reg, resolver, uploads, aliases, Options{
		LockWait:     500 * time.Millisecond,
		LockRetries:  2,
		RetryBackoff: 10 * time.Millisecond,
	}, nil)
	return p, s, uploads
}

func TestIngestAcceptsCleanUpload(t *testing.T) {
	ctx := context.Background()
	p, s, uploads := newTestPipeline(t)

	batch, report, err := p.Ingest(ctx, Request{
		Content:      []byte("participant_id,age,dx,site_id\nS-001,42,1,MGH\nS-002,35,0,MGH\n"),
		SourceSystem: "siteA",
		Submitter:    "coordinator@sitea.example",
		Filename:     "demographics.csv",
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	if batch.Outcome != types.BatchAccepted {
		t.Fatalf("outcome = %s, want accepted", batch.Outcome)
	}
	if !batch.Closed() {
		t.Error("accepted batch must be closed")
	}
	if batch.SchemaVersion != 1 {
		t.Errorf("schema version = %d, want 1", batch.SchemaVersion)
	}
	if batch.TotalRows != 2 || batch.AcceptedRows != 2 || batch.RejectedRows != 0 {
		t.Errorf("unexpected counters: %+v", batch)
	}
	if len(report.Rows) != 2 {
		t.Fatalf("expected 2 report rows, got %d", len(report.Rows))
	}
	for _, row := range report.Rows {
		if row.Status != types.RowAccepted {
			t.Errorf("row %d status = %s", row.RowNumber, row.Status)
		}
		if row.ParticipantID == "" {
			t.Errorf("row %d has no participant", row.RowNumber)
		}
		if len(row.Findings) != 0 {
			t.Errorf("row %d findings = %v", row.RowNumber, row.Findings)
		}
	}

	// The merge is visible: three current values for the first row's
	// participant, each carrying batch provenance.
	values, err := s.CurrentValues(ctx, report.Rows[0].ParticipantID)
	if err != nil {
		t.Fatalf("current values: %v", err)
	}
	if len(values) != 3 {
		t.Fatalf("expected 3 current values, got %d", len(values))
	}
	for _, v := range values {
		if v.BatchID != batch.ID {
			t.Errorf("value %s batch = %s, want %s", v.Variable, v.BatchID, batch.ID)
		}
		if v.SchemaVersion != 1 {
			t.Errorf("value %s schema version = %d", v.Variable, v.SchemaVersion)
		}
	}

	// The raw file is archived under the batch.
	raw, err := uploads.FetchBatch(ctx, batch.ID, "demographics.csv")
	if err != nil {
		t.Fatalf("fetch archived upload: %v", err)
	}
	if !strings.HasPrefix(string(raw), "participant_id,age") {
		t.Error("archived bytes do not match the upload")
	}
}

func TestIngestPartialAcceptKeepsGoodRows(t *testing.T) {
	ctx := context.Background()
	p, s, _ := newTestPipeline(t)

	batch, report, err := p.Ingest(ctx, Request{
		Content: []byte(strings.Join([]string{
			"participant_id,age,dx",
			"S-001,42,1",
			"S-002,abc,1", // type mismatch
			"S-003,35",    // short record
			"S-004,28,0",
		}, "\n")),
		SourceSystem: "siteA",
		Filename:     "demographics.csv",
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	if batch.Outcome != types.BatchPartiallyAccepted {
		t.Fatalf("outcome = %s, want partially-accepted", batch.Outcome)
	}
	if batch.AcceptedRows != 2 || batch.RejectedRows != 2 {
		t.Errorf("unexpected counters: accepted %d rejected %d", batch.AcceptedRows, batch.RejectedRows)
	}

	byNumber := make(map[int]types.RowResult, len(report.Rows))
	for _, row := range report.Rows {
		byNumber[row.RowNumber] = row
	}
	if row := byNumber[2]; row.Status != types.RowRejected ||
		len(row.Findings) != 1 || row.Findings[0].Code != cerrors.CodeTypeMismatch {
		t.Errorf("unexpected row 2: %+v", row)
	}
	if row := byNumber[3]; row.Status != types.RowRejected ||
		len(row.Findings) != 1 || row.Findings[0].Code != cerrors.CodeMalformedRow {
		t.Errorf("unexpected row 3: %+v", row)
	}

	// Rejected rows merge nothing and create no participants.
	count, err := s.CountParticipants(ctx)
	if err != nil {
		t.Fatalf("count participants: %v", err)
	}
	if count != 2 {
		t.Errorf("participant count = %d, want 2", count)
	}
	if byNumber[2].ParticipantID != "" {
		t.Error("rejected row must not carry a participant")
	}
}

func TestIngestRejectsFileWithoutKeyColumn(t *testing.T) {
	ctx := context.Background()
	p, _, _ := newTestPipeline(t)

	batch, report, err := p.Ingest(ctx, Request{
		Content:      []byte("age,dx\n42,1\n"),
		SourceSystem: "siteA",
		Filename:     "broken.csv",
	})
	if err != nil {
		t.Fatalf("a keyless file is a rejected batch, not an error: %v", err)
	}
	if batch.Outcome != types.BatchRejected {
		t.Fatalf("outcome = %s, want rejected", batch.Outcome)
	}
	if len(report.Rows) != 1 {
		t.Fatalf("expected the header-level row, got %d rows", len(report.Rows))
	}
	row := report.Rows[0]
	if row.RowNumber != 0 || row.Status != types.RowRejected {
		t.Errorf("unexpected header-level row: %+v", row)
	}
	if len(row.Findings) != 1 || row.Findings[0].Code != cerrors.CodeMalformedRow {
		t.Errorf("unexpected findings: %v", row.Findings)
	}
	if !strings.Contains(row.Findings[0].Message, "no participant key column") {
		t.Errorf("finding message %q does not explain the defect", row.Findings[0].Message)
	}
}

func TestIngestIdenticalResubmitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	p, s, _ := newTestPipeline(t)

	content := []byte("participant_id,age,dx\nS-001,42,1\n")
	first, _, err := p.Ingest(ctx, Request{Content: content, SourceSystem: "siteA", Filename: "a.csv"})
	if err != nil {
		t.Fatalf("first ingest: %v", err)
	}

	second, report, err := p.Ingest(ctx, Request{Content: content, SourceSystem: "siteA", Filename: "a.csv"})
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("resubmit produced a new batch: %s vs %s", second.ID, first.ID)
	}
	if second.Outcome != types.BatchAccepted {
		t.Errorf("outcome = %s", second.Outcome)
	}
	if len(report.Rows) != 1 {
		t.Errorf("expected the original report, got %d rows", len(report.Rows))
	}

	// No values were appended on the resubmit.
	history, err := s.History(ctx, report.Rows[0].ParticipantID, "age", 10, types.ULID{})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 {
		t.Errorf("age history length = %d, want 1", len(history))
	}

	// The same bytes from a different source are a fresh batch.
	other, _, err := p.Ingest(ctx, Request{Content: content, SourceSystem: "siteB", Filename: "a.csv"})
	if err != nil {
		t.Fatalf("other-source ingest: %v", err)
	}
	if other.ID == first.ID {
		t.Error("idempotency key must be scoped to the source system")
	}
}

func TestIngestReingestSupersedes(t *testing.T) {
	ctx := context.Background()
	p, s, _ := newTestPipeline(t)

	if _, _, err := p.Ingest(ctx, Request{
		Content:      []byte("participant_id,age,dx\nS-001,42,1\n"),
		SourceSystem: "siteA",
		Filename:     "v1.csv",
	}); err != nil {
		t.Fatalf("first ingest: %v", err)
	}

	_, report, err := p.Ingest(ctx, Request{
		Content:      []byte("participant_id,age,dx\nS-001,43,1\n"),
		SourceSystem: "siteA",
		Filename:     "v2.csv",
	})
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	pid := report.Rows[0].ParticipantID

	values, err := s.CurrentValues(ctx, pid)
	if err != nil {
		t.Fatalf("current values: %v", err)
	}
	current := make(map[string]string, len(values))
	for _, v := range values {
		current[v.Variable] = v.Text
	}
	if current["age"] != "43" {
		t.Errorf("current age = %q, want 43", current["age"])
	}

	history, err := s.History(ctx, pid, "age", 10, types.ULID{})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("age history length = %d, want 2", len(history))
	}
	// Most recent first; the newer entry links back to the one it replaced.
	if history[0].Text != "43" || history[1].Text != "42" {
		t.Errorf("unexpected history order: %s then %s", history[0].Text, history[1].Text)
	}
	if history[0].Supersedes == nil || *history[0].Supersedes != history[1].ID {
		t.Error("newer value must link the value it superseded")
	}
	if history[1].Supersedes != nil {
		t.Error("first value in a chain supersedes nothing")
	}
}

func TestIngestResolvesIdentityAcrossSources(t *testing.T) {
	ctx := context.Background()
	p, s, _ := newTestPipeline(t)

	_, first, err := p.Ingest(ctx, Request{
		Content: []byte("participant_id,last_name,first_name,dob,age,dx\n" +
			"S-001,Garcia,Maria,1985-03-12,39,1\n"),
		SourceSystem: "siteA",
		Filename:     "sitea.csv",
	})
	if err != nil {
		t.Fatalf("siteA ingest: %v", err)
	}

	// The registry knows her under a different local key; similar
	// attributes attach the row to the same participant.
	_, second, err := p.Ingest(ctx, Request{
		Content: []byte("participant_id,last_name,first_name,dob,age,dx\n" +
			"R-9931,Garcia,Maria,1985-03-12,39,1\n"),
		SourceSystem: "registryB",
		Filename:     "registryb.csv",
	})
	if err != nil {
		t.Fatalf("registryB ingest: %v", err)
	}

	if first.Rows[0].ParticipantID != second.Rows[0].ParticipantID {
		t.Error("same person from two sources resolved to different participants")
	}
	count, err := s.CountParticipants(ctx)
	if err != nil {
		t.Fatalf("count participants: %v", err)
	}
	if count != 1 {
		t.Errorf("participant count = %d, want 1", count)
	}

	resolutions, err := s.ListResolutions(ctx, store.ResolutionFilter{SourceSystem: "registryB"})
	if err != nil {
		t.Fatalf("list resolutions: %v", err)
	}
	if len(resolutions) != 1 || resolutions[0].Method != types.ResolutionSimilarity {
		t.Errorf("unexpected registryB resolutions: %+v", resolutions)
	}
}

func TestIngestAmbiguousRowIsHeldOut(t *testing.T) {
	ctx := context.Background()
	p, s, _ := newTestPipeline(t)

	// Twins: the second sibling is separated by operator override before
	// her rows arrive, so both identities exist side by side.
	if _, _, err := p.Ingest(ctx, Request{
		Content: []byte("participant_id,last_name,first_name,dob,age,dx\n" +
			"S-001,Garcia,Maria,1985-03-12,39,1\n"),
		SourceSystem: "siteA",
		Filename:     "maria.csv",
	}); err != nil {
		t.Fatalf("maria ingest: %v", err)
	}
	if _, err := p.resolver.Override(ctx, "siteA", "S-002", ""); err != nil {
		t.Fatalf("override: %v", err)
	}
	if _, _, err := p.Ingest(ctx, Request{
		Content: []byte("participant_id,last_name,first_name,dob,age,dx\n" +
			"S-002,Garcia,Marla,1985-03-12,39,1\n"),
		SourceSystem: "siteA",
		Filename:     "marla.csv",
	}); err != nil {
		t.Fatalf("marla ingest: %v", err)
	}

	before, err := s.CountParticipants(ctx)
	if err != nil {
		t.Fatalf("count participants: %v", err)
	}

	// A registry record matching both twins cannot be attached safely.
	batch, report, err := p.Ingest(ctx, Request{
		Content: []byte("participant_id,last_name,first_name,dob,age,dx\n" +
			"R-500,Garcia,Maria,1985-03-12,39,1\n"),
		SourceSystem: "registryB",
		Filename:     "registry.csv",
	})
	if err != nil {
		t.Fatalf("registry ingest: %v", err)
	}

	if batch.Outcome != types.BatchRejected {
		t.Fatalf("outcome = %s, want rejected", batch.Outcome)
	}
	if batch.AmbiguousRows != 1 {
		t.Errorf("ambiguous rows = %d, want 1", batch.AmbiguousRows)
	}
	row := report.Rows[0]
	if row.Status != types.RowAmbiguous || row.ParticipantID != "" {
		t.Errorf("unexpected row: %+v", row)
	}
	if len(row.Findings) != 1 || row.Findings[0].Code != cerrors.CodeIdentityAmbiguous {
		t.Errorf("unexpected findings: %v", row.Findings)
	}

	after, err := s.CountParticipants(ctx)
	if err != nil {
		t.Fatalf("count participants: %v", err)
	}
	if after != before {
		t.Errorf("ambiguous row changed participant count: %d -> %d", before, after)
	}

	// The hold is on the audit log for operator review.
	resolutions, err := s.ListResolutions(ctx, store.ResolutionFilter{Method: types.ResolutionAmbiguous})
	if err != nil {
		t.Fatalf("list resolutions: %v", err)
	}
	if len(resolutions) != 1 || resolutions[0].LocalKey != "R-500" {
		t.Errorf("unexpected ambiguous resolutions: %+v", resolutions)
	}
}

func TestIngestRequestErrors(t *testing.T) {
	ctx := context.Background()
	p, _, _ := newTestPipeline(t)

	t.Run("unknown schema version", func(t *testing.T) {
		_, _, err := p.Ingest(ctx, Request{
			Content:       []byte("participant_id,age\nS-1,42\n"),
			SourceSystem:  "siteA",
			SchemaVersion: 42,
		})
		if !cerrors.IsCode(err, cerrors.CodeUnknownVersion) {
			t.Errorf("expected UNKNOWN_VERSION, got %v", err)
		}
	})

	t.Run("unknown dataset hint", func(t *testing.T) {
		_, _, err := p.Ingest(ctx, Request{
			Content:      []byte("participant_id,age\nS-1,42\n"),
			SourceSystem: "siteA",
			Dataset:      "imaging",
		})
		if !cerrors.IsCode(err, cerrors.CodeNotFound) {
			t.Errorf("expected NOT_FOUND, got %v", err)
		}
	})

	t.Run("missing source system", func(t *testing.T) {
		_, _, err := p.Ingest(ctx, Request{Content: []byte("participant_id\nS-1\n")})
		if err == nil {
			t.Error("expected an error for a missing source system")
		}
	})

	t.Run("empty content", func(t *testing.T) {
		_, _, err := p.Ingest(ctx, Request{Content: nil, SourceSystem: "siteA"})
		if !cerrors.IsCode(err, cerrors.CodeMalformedRow) {
			t.Errorf("expected MALFORMED_ROW, got %v", err)
		}
	})
}

func TestIngestDatasetHintDrivesParsing(t *testing.T) {
	ctx := context.Background()
	p, _, _ := newTestPipeline(t)

	// The hinted dataset accepts its alias as the key column and its
	// declared source kind as the default format.
	batch, report, err := p.Ingest(ctx, Request{
		Content:      []byte("SubjID,age,dx\nS-001,42,1\n"),
		SourceSystem: "siteA",
		Dataset:      "demographics",
		Filename:     "demographics.csv",
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if batch.Outcome != types.BatchAccepted {
		t.Fatalf("outcome = %s, want accepted (rows: %+v)", batch.Outcome, report.Rows)
	}
	if report.Rows[0].ParticipantKey != "S-001" {
		t.Errorf("participant key = %q", report.Rows[0].ParticipantKey)
	}
}
