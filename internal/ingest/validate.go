package ingest

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	cerrors "github.com/covarlab/covar/internal/errors"
	"github.com/covarlab/covar/pkg/types"
)

// ParsedValue is one validated cell ready to merge: the submitted text
// and, for numeric and date variables, the numeric image range
// predicates evaluate against.
type ParsedValue struct {
	Variable string
	Dataset  string
	Text     string
	Num      *float64
}

// RowValidator checks parsed rows against one schema version,
// fail-closed: every column must be a declared variable or a configured
// identity-attribute header. The validator is built once per batch from
// the file's header, so per-row work is cell checks only.
type RowValidator struct {
	// defs maps lowered variable names to their definitions, restricted
	// to the hinted dataset when one was given
	defs map[string]*types.VariableDefinition

	// identity holds lowered headers the resolver consumes; they are
	// not variables unless a definition shares the name
	identity map[string]bool

	// absent lists required variables with no column in the header, for
	// datasets this upload actually carries. Reported on every row so
	// rejection stays row-addressable.
	absent []*types.VariableDefinition
}

// NewRowValidator builds a validator for one batch. dataset restricts
// validation to that dataset's variables when non-empty. aliases is the
// resolver's attribute-header configuration. headers is the parsed
// file's header row; it decides which datasets are present and which
// required columns are missing outright.
func NewRowValidator(version *types.SchemaVersion, dataset string, aliases map[string][]string, headers []string) *RowValidator {
	v := &RowValidator{
		defs:     make(map[string]*types.VariableDefinition),
		identity: make(map[string]bool),
	}
	for _, accepted := range aliases {
		for _, h := range accepted {
			v.identity[strings.ToLower(strings.TrimSpace(h))] = true
		}
	}

	present := make(map[string]bool, len(headers))
	for _, h := range headers {
		present[strings.ToLower(strings.TrimSpace(h))] = true
	}

	// Requiredness applies per dataset carried by this upload: a hinted
	// dataset is carried by declaration, otherwise a dataset is carried
	// when any of its columns appears in the header.
	carried := make(map[string]bool)
	for i := range version.Datasets {
		ds := &version.Datasets[i]
		if dataset != "" {
			if ds.Name != dataset {
				continue
			}
			carried[ds.Name] = true
		}
		for j := range ds.Variables {
			def := &ds.Variables[j]
			v.defs[strings.ToLower(def.Name)] = def
			if dataset == "" && present[strings.ToLower(def.Name)] {
				carried[ds.Name] = true
			}
		}
	}

	for _, def := range v.defs {
		if def.Required() && !def.Retired && carried[def.Dataset] && !present[strings.ToLower(def.Name)] {
			v.absent = append(v.absent, def)
		}
	}
	sort.Slice(v.absent, func(i, j int) bool { return v.absent[i].Name < v.absent[j].Name })

	return v
}

// ValidateRow checks every cell of one row. Any finding rejects the
// row; values are the cells that passed. A blank cell for a nullable
// variable records nothing.
func (v *RowValidator) ValidateRow(row *Row) ([]ParsedValue, []types.RowFinding) {
	var values []ParsedValue
	var findings []types.RowFinding

	headers := make([]string, 0, len(row.Cells))
	for header := range row.Cells {
		headers = append(headers, header)
	}
	sort.Strings(headers)

	for _, header := range headers {
		name := strings.ToLower(header)
		def, ok := v.defs[name]
		if !ok {
			if v.identity[name] {
				continue
			}
			findings = append(findings, finding(cerrors.NewUnknownVariable(header)))
			continue
		}

		cell := strings.TrimSpace(row.Cells[header])
		if cell == "" {
			if def.Required() {
				findings = append(findings, finding(cerrors.NewMissingRequired(def.Name)))
			}
			continue
		}
		if def.Retired {
			findings = append(findings, finding(cerrors.NewConstraintViolation(def.Name,
				fmt.Sprintf("variable %q is retired and no longer accepts values", def.Name))))
			continue
		}

		value, err := parseValue(def, cell)
		if err != nil {
			findings = append(findings, finding(err))
			continue
		}
		values = append(values, value)
	}

	for _, def := range v.absent {
		findings = append(findings, finding(cerrors.NewMissingRequired(def.Name)))
	}

	return values, findings
}

// parseValue checks one non-blank, trimmed cell against its definition.
// Text keeps the submitted form; surrounding whitespace is not part of
// the value. Dates additionally carry their UTC-midnight Unix seconds
// so range predicates have a numeric image.
func parseValue(def *types.VariableDefinition, cell string) (ParsedValue, error) {
	value := ParsedValue{Variable: def.Name, Dataset: def.Dataset, Text: cell}

	switch def.Type {
	case types.VariableNumeric:
		n, err := strconv.ParseFloat(cell, 64)
		if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
			return value, cerrors.NewTypeMismatch(def.Name, string(def.Type), cell)
		}
		if def.Min != nil && n < *def.Min {
			return value, cerrors.NewConstraintViolation(def.Name,
				fmt.Sprintf("value %s for variable %q is below the minimum %v", cell, def.Name, *def.Min))
		}
		if def.Max != nil && n > *def.Max {
			return value, cerrors.NewConstraintViolation(def.Name,
				fmt.Sprintf("value %s for variable %q is above the maximum %v", cell, def.Name, *def.Max))
		}
		value.Num = &n

	case types.VariableDate:
		t, err := time.ParseInLocation(types.DateLayout, cell, time.UTC)
		if err != nil {
			return value, cerrors.NewTypeMismatch(def.Name, string(def.Type), cell)
		}
		if def.MinDate != "" && cell < def.MinDate {
			return value, cerrors.NewConstraintViolation(def.Name,
				fmt.Sprintf("date %s for variable %q is before the minimum %s", cell, def.Name, def.MinDate))
		}
		if def.MaxDate != "" && cell > def.MaxDate {
			return value, cerrors.NewConstraintViolation(def.Name,
				fmt.Sprintf("date %s for variable %q is after the maximum %s", cell, def.Name, def.MaxDate))
		}
		n := float64(t.Unix())
		value.Num = &n

	case types.VariableCategorical:
		if !def.HasLevel(cell) {
			return value, cerrors.NewConstraintViolation(def.Name,
				fmt.Sprintf("value %q for variable %q is not a declared level", cell, def.Name))
		}

	case types.VariableText:
		// Text carries no constraints.
	}

	return value, nil
}

// finding converts a validation or identity error into its report
// entry. The message is the error's own text without the category
// prefix; findings are read by data producers, not log scrapers.
func finding(err error) types.RowFinding {
	f := types.RowFinding{
		Code:     cerrors.GetCode(err),
		Variable: cerrors.DetailString(err, "variable"),
		Message:  err.Error(),
	}
	var ce *cerrors.CovarError
	if errors.As(err, &ce) {
		f.Message = ce.Message
	}
	return f
}
