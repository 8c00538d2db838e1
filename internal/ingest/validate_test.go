package ingest

import (
	"reflect"
	"testing"
	"time"

	cerrors "github.com/covarlab/covar/internal/errors"
	"github.com/covarlab/covar/pkg/types"
)

func f64(v float64) *float64 { return &v }

func testVersion() *types.SchemaVersion {
	return &types.SchemaVersion{
		Version: 3,
		Datasets: []types.DatasetDefinition{
			{
				Name:      "demographics",
				Source:    types.SourceSpec{Kind: types.SourceCSV},
				IDAliases: []string{"SubjID"},
				Variables: []types.VariableDefinition{
					{Name: "age", Dataset: "demographics", Type: types.VariableNumeric, Min: f64(0), Max: f64(120)},
					{Name: "dx", Dataset: "demographics", Type: types.VariableCategorical, Levels: []string{"0", "1"}},
					{Name: "site_id", Dataset: "demographics", Type: types.VariableText, Nullable: true},
					{Name: "legacy_score", Dataset: "demographics", Type: types.VariableNumeric, Nullable: true, Retired: true},
				},
			},
			{
				Name:   "visits",
				Source: types.SourceSpec{Kind: types.SourceCSV},
				Variables: []types.VariableDefinition{
					{Name: "visit_date", Dataset: "visits", Type: types.VariableDate, MinDate: "2000-01-01", MaxDate: "2030-12-31"},
					{Name: "bdi_total", Dataset: "visits", Type: types.VariableNumeric, Min: f64(0), Max: f64(63), Nullable: true},
				},
			},
		},
	}
}

func testAliases() map[string][]string {
	return map[string][]string{
		"family_name": {"family_name", "last_name"},
		"given_name":  {"given_name", "first_name"},
		"birth_date":  {"birth_date", "dob"},
	}
}

func TestValidateRow(t *testing.T) {
	tests := []struct {
		name      string
		headers   []string
		cells     map[string]string
		wantCodes []string
		wantVars  int
	}{
		{
			name:     "clean row",
			headers:  []string{"participant_id", "age", "dx", "site_id"},
			cells:    map[string]string{"age": "42", "dx": "1", "site_id": "MGH"},
			wantVars: 3,
		},
		{
			name:      "undeclared column fails closed",
			headers:   []string{"participant_id", "age", "dx", "wisc_iq"},
			cells:     map[string]string{"age": "42", "dx": "1", "wisc_iq": "100"},
			wantCodes: []string{cerrors.CodeUnknownVariable},
			wantVars:  2,
		},
		{
			name:     "identity columns are not variables",
			headers:  []string{"participant_id", "age", "dx", "last_name", "dob"},
			cells:    map[string]string{"age": "42", "dx": "1", "last_name": "Garcia", "dob": "1985-03-12"},
			wantVars: 2,
		},
		{
			name:      "blank required cell",
			headers:   []string{"participant_id", "age", "dx"},
			cells:     map[string]string{"age": "", "dx": "1"},
			wantCodes: []string{cerrors.CodeMissingRequired},
			wantVars:  1,
		},
		{
			name:     "blank nullable cell records nothing",
			headers:  []string{"participant_id", "age", "dx", "site_id"},
			cells:    map[string]string{"age": "42", "dx": "1", "site_id": "  "},
			wantVars: 2,
		},
		{
			name:      "numeric garbage",
			headers:   []string{"participant_id", "age", "dx"},
			cells:     map[string]string{"age": "forty", "dx": "1"},
			wantCodes: []string{cerrors.CodeTypeMismatch},
			wantVars:  1,
		},
		{
			name:      "NaN is not a numeric value",
			headers:   []string{"participant_id", "age", "dx"},
			cells:     map[string]string{"age": "NaN", "dx": "1"},
			wantCodes: []string{cerrors.CodeTypeMismatch},
			wantVars:  1,
		},
		{
			name:      "numeric above maximum",
			headers:   []string{"participant_id", "age", "dx"},
			cells:     map[string]string{"age": "130", "dx": "1"},
			wantCodes: []string{cerrors.CodeConstraintViolation},
			wantVars:  1,
		},
		{
			name:      "undeclared categorical level",
			headers:   []string{"participant_id", "age", "dx"},
			cells:     map[string]string{"age": "42", "dx": "2"},
			wantCodes: []string{cerrors.CodeConstraintViolation},
			wantVars:  1,
		},
		{
			name:      "retired variable rejects values",
			headers:   []string{"participant_id", "age", "dx", "legacy_score"},
			cells:     map[string]string{"age": "42", "dx": "1", "legacy_score": "5"},
			wantCodes: []string{cerrors.CodeConstraintViolation},
			wantVars:  2,
		},
		{
			name:     "retired variable blank is fine",
			headers:  []string{"participant_id", "age", "dx", "legacy_score"},
			cells:    map[string]string{"age": "42", "dx": "1", "legacy_score": ""},
			wantVars: 2,
		},
		{
			name:      "required column absent from header",
			headers:   []string{"participant_id", "age"},
			cells:     map[string]string{"age": "42"},
			wantCodes: []string{cerrors.CodeMissingRequired},
			wantVars:  1,
		},
		{
			name:     "datasets the upload does not carry are not demanded",
			headers:  []string{"participant_id", "age", "dx"},
			cells:    map[string]string{"age": "42", "dx": "0"},
			wantVars: 2,
		},
		{
			name:    "findings accumulate in header order",
			headers: []string{"participant_id", "age", "dx", "oops"},
			cells:   map[string]string{"age": "abc", "dx": "7", "oops": "x"},
			wantCodes: []string{
				cerrors.CodeTypeMismatch,
				cerrors.CodeConstraintViolation,
				cerrors.CodeUnknownVariable,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewRowValidator(testVersion(), "", testAliases(), tt.headers)
			values, findings := v.ValidateRow(&Row{Number: 1, Key: "P-1", Cells: tt.cells})

			var codes []string
			for _, f := range findings {
				codes = append(codes, f.Code)
			}
			if !reflect.DeepEqual(codes, tt.wantCodes) {
				t.Errorf("finding codes = %v, want %v", codes, tt.wantCodes)
			}
			if len(values) != tt.wantVars {
				t.Errorf("parsed %d values, want %d", len(values), tt.wantVars)
			}
		})
	}
}

func TestValidateRowCanonicalizes(t *testing.T) {
	// Headers match case-insensitively and values are stored trimmed
	// under the canonical variable name.
	v := NewRowValidator(testVersion(), "", testAliases(),
		[]string{"participant_id", "AGE", "Site_ID"})
	values, findings := v.ValidateRow(&Row{Number: 1, Key: "P-1", Cells: map[string]string{
		"AGE":     " 42 ",
		"Site_ID": " MGH ",
	}})
	if len(findings) != 0 {
		t.Fatalf("unexpected findings: %v", findings)
	}
	if len(values) != 2 {
		t.Fatalf("expected 2 values, got %d", len(values))
	}

	byName := make(map[string]ParsedValue, len(values))
	for _, val := range values {
		byName[val.Variable] = val
	}
	age, ok := byName["age"]
	if !ok {
		t.Fatal("age value missing under canonical name")
	}
	if age.Text != "42" || age.Num == nil || *age.Num != 42 {
		t.Errorf("unexpected age value: %+v", age)
	}
	if age.Dataset != "demographics" {
		t.Errorf("age dataset = %q", age.Dataset)
	}
	site := byName["site_id"]
	if site.Text != "MGH" || site.Num != nil {
		t.Errorf("unexpected site value: %+v", site)
	}
}

func TestValidateRowDates(t *testing.T) {
	headers := []string{"participant_id", "visit_date"}
	v := NewRowValidator(testVersion(), "visits", testAliases(), headers)

	values, findings := v.ValidateRow(&Row{Number: 1, Key: "P-1", Cells: map[string]string{
		"visit_date": "2024-03-05",
	}})
	if len(findings) != 0 {
		t.Fatalf("unexpected findings: %v", findings)
	}
	if len(values) != 1 {
		t.Fatalf("expected 1 value, got %d", len(values))
	}
	val := values[0]
	if val.Text != "2024-03-05" {
		t.Errorf("date text = %q", val.Text)
	}
	wantNum := float64(time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC).Unix())
	if val.Num == nil || *val.Num != wantNum {
		t.Errorf("date numeric image = %v, want %v", val.Num, wantNum)
	}

	tests := []struct {
		name     string
		cell     string
		wantCode string
	}{
		{"wrong layout", "03/05/2024", cerrors.CodeTypeMismatch},
		{"not a date", "soon", cerrors.CodeTypeMismatch},
		{"before minimum", "1999-12-31", cerrors.CodeConstraintViolation},
		{"after maximum", "2031-01-01", cerrors.CodeConstraintViolation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, findings := v.ValidateRow(&Row{Number: 1, Key: "P-1", Cells: map[string]string{
				"visit_date": tt.cell,
			}})
			if len(findings) != 1 || findings[0].Code != tt.wantCode {
				t.Errorf("findings = %v, want one %s", findings, tt.wantCode)
			}
			if len(findings) == 1 && findings[0].Variable != "visit_date" {
				t.Errorf("finding variable = %q", findings[0].Variable)
			}
		})
	}
}

func TestValidateRowDatasetHint(t *testing.T) {
	// A hinted dataset restricts validation to its own variables; columns
	// from other datasets fail closed.
	v := NewRowValidator(testVersion(), "demographics", testAliases(),
		[]string{"participant_id", "age", "dx", "visit_date"})
	_, findings := v.ValidateRow(&Row{Number: 1, Key: "P-1", Cells: map[string]string{
		"age": "42", "dx": "1", "visit_date": "2024-03-05",
	}})
	if len(findings) != 1 || findings[0].Code != cerrors.CodeUnknownVariable {
		t.Fatalf("findings = %v, want one UNKNOWN_VARIABLE", findings)
	}
	if findings[0].Variable != "visit_date" {
		t.Errorf("finding variable = %q", findings[0].Variable)
	}

	// The hint also makes requiredness unconditional: the dataset is
	// carried by declaration even when none of its columns showed up.
	v = NewRowValidator(testVersion(), "demographics", testAliases(),
		[]string{"participant_id", "site_id"})
	_, findings = v.ValidateRow(&Row{Number: 1, Key: "P-1", Cells: map[string]string{
		"site_id": "MGH",
	}})
	var absent []string
	for _, f := range findings {
		if f.Code != cerrors.CodeMissingRequired {
			t.Errorf("unexpected finding: %+v", f)
			continue
		}
		absent = append(absent, f.Variable)
	}
	if !reflect.DeepEqual(absent, []string{"age", "dx"}) {
		t.Errorf("absent required variables = %v, want [age dx]", absent)
	}
}

func TestValidateRowMissingRequiredNamesVariable(t *testing.T) {
	v := NewRowValidator(testVersion(), "", testAliases(),
		[]string{"participant_id", "age"})
	_, findings := v.ValidateRow(&Row{Number: 1, Key: "P-1", Cells: map[string]string{
		"age": "42",
	}})
	if len(findings) != 1 {
		t.Fatalf("findings = %v, want exactly one", findings)
	}
	f := findings[0]
	if f.Code != cerrors.CodeMissingRequired || f.Variable != "dx" {
		t.Errorf("unexpected finding: %+v", f)
	}
	if f.Message == "" {
		t.Error("finding message must be set")
	}
}
