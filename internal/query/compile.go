// Package query evaluates cohort queries against current values. A
// query is compiled against one schema version, its conjunctions are
// ordered by observed selectivity, and the whole evaluation runs
// inside a single read snapshot so every predicate sees the same data.
package query

import (
	"fmt"
	"math"
	"strconv"
	"time"

	cerrors "github.com/covarlab/covar/internal/errors"
	"github.com/covarlab/covar/internal/store"
	"github.com/covarlab/covar/pkg/types"
)

// compiledPredicate is one predicate type-checked against the schema
// version it will be evaluated under. Operands are parsed once at
// compile time; evaluation only builds set operations from them.
type compiledPredicate struct {
	src types.Predicate
	def *types.VariableDefinition

	// filter matches the predicate against the current-value index.
	// Nil for present and missing, which are existence tests.
	filter *store.ValueFilter

	// ordinal is the predicate's position in the submitted query,
	// before planning reorders its conjunction
	ordinal int
}

// compiledGroup mirrors the submitted query tree with compiled leaves.
type compiledGroup struct {
	combinator types.Combinator
	predicates []*compiledPredicate
	groups     []*compiledGroup
}

// compiled is the root of a compiled query plus its leaf predicates in
// submission order, which explanations follow.
type compiled struct {
	root    *compiledGroup
	version *types.SchemaVersion
	leaves  []*compiledPredicate
}

// compile checks every predicate of q against version and parses its
// operands. Any violation aborts with InvalidPredicate before a single
// row is read.
func compile(q *types.CohortQuery, version *types.SchemaVersion, maxPredicates int) (*compiled, error) {
	if q == nil || q.Empty() {
		return nil, cerrors.NewInvalidPredicate("query has no predicates")
	}

	c := &compiled{version: version}
	root, err := c.compileGroup(q.Combinator, q.Predicates, q.Groups)
	if err != nil {
		return nil, err
	}
	c.root = root

	if maxPredicates > 0 && len(c.leaves) > maxPredicates {
		return nil, cerrors.NewInvalidPredicate(fmt.Sprintf(
			"query has %d predicates, the limit is %d", len(c.leaves), maxPredicates))
	}
	return c, nil
}

func (c *compiled) compileGroup(comb types.Combinator, preds []types.Predicate, groups []types.CohortQuery) (*compiledGroup, error) {
	g := &compiledGroup{combinator: comb}
	switch comb {
	case "":
		g.combinator = types.CombinatorAnd
	case types.CombinatorAnd, types.CombinatorOr:
	default:
		return nil, cerrors.NewInvalidPredicate(fmt.Sprintf("unknown combinator %q", comb))
	}

	for i := range preds {
		cp, err := c.compilePredicate(preds[i])
		if err != nil {
			return nil, err
		}
		cp.ordinal = len(c.leaves)
		c.leaves = append(c.leaves, cp)
		g.predicates = append(g.predicates, cp)
	}
	for i := range groups {
		sub := &groups[i]
		if sub.Empty() {
			return nil, cerrors.NewInvalidPredicate("empty predicate group")
		}
		cg, err := c.compileGroup(sub.Combinator, sub.Predicates, sub.Groups)
		if err != nil {
			return nil, err
		}
		g.groups = append(g.groups, cg)
	}
	return g, nil
}

func (c *compiled) compilePredicate(p types.Predicate) (*compiledPredicate, error) {
	if p.Variable == "" {
		return nil, cerrors.NewInvalidPredicate("predicate is missing a variable")
	}
	def, ok := c.version.Variable(p.Variable)
	if !ok {
		return nil, cerrors.NewInvalidPredicate(fmt.Sprintf(
			"unknown variable %q in schema version %d", p.Variable, c.version.Version))
	}

	cp := &compiledPredicate{src: p, def: def}
	switch p.Op {
	case types.OpEq:
		f, err := compileEq(def, p.Value)
		if err != nil {
			return nil, err
		}
		cp.filter = f

	case types.OpRange:
		f, err := compileRange(def, p.Min, p.Max)
		if err != nil {
			return nil, err
		}
		cp.filter = f

	case types.OpIn:
		f, err := compileIn(def, p.Values)
		if err != nil {
			return nil, err
		}
		cp.filter = f

	case types.OpPresent, types.OpMissing:
		if p.Value != "" || len(p.Values) > 0 || p.Min != "" || p.Max != "" {
			return nil, cerrors.NewInvalidPredicate(fmt.Sprintf(
				"%s takes no operands, got some for %q", p.Op, def.Name))
		}

	default:
		return nil, cerrors.NewInvalidPredicate(fmt.Sprintf(
			"unsupported operator %q on %q", p.Op, def.Name))
	}
	return cp, nil
}

// compileEq parses the operand under the variable's declared type. The
// stored text is canonical, so text equality is exact for every type.
func compileEq(def *types.VariableDefinition, operand string) (*store.ValueFilter, error) {
	if operand == "" {
		return nil, cerrors.NewInvalidPredicate(fmt.Sprintf("eq on %q requires a value", def.Name))
	}

	switch def.Type {
	case types.VariableNumeric:
		n, err := parseNumber(def, operand)
		if err != nil {
			return nil, err
		}
		return &store.ValueFilter{Variable: def.Name, Min: &n, Max: &n}, nil

	case types.VariableDate:
		canonical, _, err := parseDate(def, operand)
		if err != nil {
			return nil, err
		}
		return &store.ValueFilter{Variable: def.Name, Text: &canonical}, nil

	case types.VariableCategorical:
		if !def.HasLevel(operand) {
			return nil, cerrors.NewInvalidPredicate(fmt.Sprintf(
				"%q is not a declared level of %q", operand, def.Name))
		}
		return &store.ValueFilter{Variable: def.Name, Text: &operand}, nil

	default:
		return &store.ValueFilter{Variable: def.Name, Text: &operand}, nil
	}
}

func compileRange(def *types.VariableDefinition, min, max string) (*store.ValueFilter, error) {
	if def.Type != types.VariableNumeric && def.Type != types.VariableDate {
		return nil, cerrors.NewInvalidPredicate(fmt.Sprintf(
			"range requires a numeric or date variable, %q is %s", def.Name, def.Type))
	}
	if min == "" && max == "" {
		return nil, cerrors.NewInvalidPredicate(fmt.Sprintf(
			"range on %q needs at least one bound", def.Name))
	}

	f := &store.ValueFilter{Variable: def.Name}
	if min != "" {
		lo, err := parseBound(def, min)
		if err != nil {
			return nil, err
		}
		f.Min = &lo
	}
	if max != "" {
		hi, err := parseBound(def, max)
		if err != nil {
			return nil, err
		}
		f.Max = &hi
	}
	if f.Min != nil && f.Max != nil && *f.Min > *f.Max {
		return nil, cerrors.NewInvalidPredicate(fmt.Sprintf(
			"range bounds on %q are inverted: %s > %s", def.Name, min, max))
	}
	return f, nil
}

func compileIn(def *types.VariableDefinition, operands []string) (*store.ValueFilter, error) {
	if def.Type != types.VariableCategorical {
		return nil, cerrors.NewInvalidPredicate(fmt.Sprintf(
			"in requires a categorical variable, %q is %s", def.Name, def.Type))
	}
	if len(operands) == 0 {
		return nil, cerrors.NewInvalidPredicate(fmt.Sprintf(
			"in on %q needs at least one value", def.Name))
	}

	seen := make(map[string]struct{}, len(operands))
	values := make([]string, 0, len(operands))
	for _, v := range operands {
		if !def.HasLevel(v) {
			return nil, cerrors.NewInvalidPredicate(fmt.Sprintf(
				"%q is not a declared level of %q", v, def.Name))
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		values = append(values, v)
	}
	return &store.ValueFilter{Variable: def.Name, Texts: values}, nil
}

// parseBound parses one range bound under the variable's type into the
// numeric image values are indexed by.
func parseBound(def *types.VariableDefinition, operand string) (float64, error) {
	if def.Type == types.VariableDate {
		_, n, err := parseDate(def, operand)
		return n, err
	}
	return parseNumber(def, operand)
}

func parseNumber(def *types.VariableDefinition, operand string) (float64, error) {
	n, err := strconv.ParseFloat(operand, 64)
	if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, cerrors.NewInvalidPredicate(fmt.Sprintf(
			"%q is not a number for %q", operand, def.Name))
	}
	return n, nil
}

// parseDate returns both the canonical text and the numeric image a
// stored date carries, so eq can match text and range can bound num.
func parseDate(def *types.VariableDefinition, operand string) (string, float64, error) {
	t, err := time.ParseInLocation(types.DateLayout, operand, time.UTC)
	if err != nil {
		return "", 0, cerrors.NewInvalidPredicate(fmt.Sprintf(
			"%q is not a %s date for %q", operand, types.DateLayout, def.Name))
	}
	return t.Format(types.DateLayout), float64(t.Unix()), nil
}

// matches evaluates the compiled predicate against one current value,
// used when assembling explanations. hasValue is false when the
// participant has no current value for the variable.
func (cp *compiledPredicate) matches(text string, num *float64, hasValue bool) bool {
	switch cp.src.Op {
	case types.OpPresent:
		return hasValue
	case types.OpMissing:
		return !hasValue
	}
	if !hasValue {
		return false
	}

	f := cp.filter
	if f.Text != nil {
		return text == *f.Text
	}
	if len(f.Texts) > 0 {
		for _, t := range f.Texts {
			if text == t {
				return true
			}
		}
		return false
	}
	if num == nil {
		return false
	}
	if f.Min != nil {
		if f.MinExclusive && *num <= *f.Min {
			return false
		}
		if !f.MinExclusive && *num < *f.Min {
			return false
		}
	}
	if f.Max != nil {
		if f.MaxExclusive && *num >= *f.Max {
			return false
		}
		if !f.MaxExclusive && *num > *f.Max {
			return false
		}
	}
	return true
}
