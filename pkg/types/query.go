package types

import (
	"encoding/json"
	"fmt"
)

// Combinator joins the members of a query group.
type Combinator string

const (
	CombinatorAnd Combinator = "AND"
	CombinatorOr  Combinator = "OR"
)

// Op is a predicate operator. Operator/type compatibility is checked at
// query construction time, not at evaluation time.
type Op string

const (
	// OpEq matches the current value exactly.
	OpEq Op = "eq"

	// OpRange matches numeric or date values within inclusive bounds;
	// either bound may be open.
	OpRange Op = "range"

	// OpIn matches categorical values against a declared-level set.
	OpIn Op = "in"

	// OpPresent matches participants with any current value.
	OpPresent Op = "present"

	// OpMissing matches participants with no current value.
	OpMissing Op = "missing"
)

// Predicate is one condition over a variable's current value. Operands are
// carried as strings in their submitted form; the query compiler parses
// them under the variable's declared type.
type Predicate struct {
	Variable string   `json:"variable"`
	Op       Op       `json:"op"`
	Value    string   `json:"value,omitempty"`
	Values   []string `json:"values,omitempty"`
	Min      string   `json:"min,omitempty"`
	Max      string   `json:"max,omitempty"`
}

// UnmarshalJSON accepts numeric JSON operands as well as strings, so
// {"op":"range","min":30} and {"op":"range","min":"30"} are equivalent.
func (p *Predicate) UnmarshalJSON(data []byte) error {
	var raw struct {
		Variable string            `json:"variable"`
		Op       Op                `json:"op"`
		Value    json.RawMessage   `json:"value"`
		Values   []json.RawMessage `json:"values"`
		Min      json.RawMessage   `json:"min"`
		Max      json.RawMessage   `json:"max"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p.Variable = raw.Variable
	p.Op = raw.Op

	var err error
	if p.Value, err = scalarString(raw.Value); err != nil {
		return fmt.Errorf("predicate %q: value: %w", raw.Variable, err)
	}
	if p.Min, err = scalarString(raw.Min); err != nil {
		return fmt.Errorf("predicate %q: min: %w", raw.Variable, err)
	}
	if p.Max, err = scalarString(raw.Max); err != nil {
		return fmt.Errorf("predicate %q: max: %w", raw.Variable, err)
	}
	if raw.Values != nil {
		p.Values = make([]string, len(raw.Values))
		for i, v := range raw.Values {
			if p.Values[i], err = scalarString(v); err != nil {
				return fmt.Errorf("predicate %q: values[%d]: %w", raw.Variable, i, err)
			}
		}
	} else {
		p.Values = nil
	}
	return nil
}

// scalarString renders a JSON scalar operand as its canonical string form.
func scalarString(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), nil
	}
	return "", fmt.Errorf("operand must be a string or number, got %s", string(raw))
}

// CohortQuery is a group tree of predicates with explicit AND/OR grouping.
// Queries are constructed per request and never persisted.
type CohortQuery struct {
	Combinator Combinator    `json:"combinator,omitempty"`
	Predicates []Predicate   `json:"predicates,omitempty"`
	Groups     []CohortQuery `json:"groups,omitempty"`
}

// Empty reports whether the group tree contains no predicates at all.
func (q *CohortQuery) Empty() bool {
	if len(q.Predicates) > 0 {
		return false
	}
	for i := range q.Groups {
		if !q.Groups[i].Empty() {
			return false
		}
	}
	return true
}

// PredicateMatch is one predicate's outcome for one matched participant:
// whether it matched and the current value that drove the outcome.
type PredicateMatch struct {
	Variable string `json:"variable"`
	Op       Op     `json:"op"`
	Matched  bool   `json:"matched"`

	// HasValue distinguishes "no current value" from an empty value
	HasValue bool   `json:"has_value"`
	Value    string `json:"value,omitempty"`
}

// ParticipantMatch explains why one participant is in the result set.
type ParticipantMatch struct {
	ParticipantID string           `json:"participant_id"`
	Predicates    []PredicateMatch `json:"predicates"`
}

// Explanation accompanies every query result: per matched participant,
// which predicates matched and on what values. Its participant set equals
// the result set exactly.
type Explanation struct {
	Participants []ParticipantMatch `json:"participants"`
}
