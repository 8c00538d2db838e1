package parser

import (
	"errors"
	"strings"
	"testing"

	"github.com/covarlab/covar/pkg/types"
)

func TestLexer(t *testing.T) {
	tests := []struct {
		input    string
		expected []TokenType
	}{
		{
			`age >= 18 AND dx = "1"`,
			[]TokenType{TokenIdent, TokenGe, TokenNumber, TokenAnd, TokenIdent, TokenEq, TokenString, TokenEOF},
		},
		{
			`dx IN ('1', '2') OR site_id PRESENT`,
			[]TokenType{TokenIdent, TokenIn, TokenLParen, TokenString, TokenComma, TokenString, TokenRParen, TokenOr, TokenIdent, TokenPresent, TokenEOF},
		},
		{
			`bdi_total BETWEEN -5 AND 20.5`,
			[]TokenType{TokenIdent, TokenBetween, TokenNumber, TokenAnd, TokenNumber, TokenEOF},
		},
		{
			`a != 1`,
			[]TokenType{TokenIdent, TokenNe, TokenNumber, TokenEOF},
		},
	}

	for _, tt := range tests {
		lexer := NewLexer(tt.input)
		tokens := lexer.Tokenize()

		if len(tokens) != len(tt.expected) {
			t.Errorf("input %q: expected %d tokens, got %d", tt.input, len(tt.expected), len(tokens))
			continue
		}

		for i, tok := range tokens {
			if tok.Type != tt.expected[i] {
				t.Errorf("input %q: token %d: expected %s, got %s", tt.input, i, tt.expected[i], tok.Type)
			}
		}
	}
}

func parseOne(t *testing.T, input string) types.Predicate {
	t.Helper()
	q, err := Parse(input)
	if err != nil {
		t.Fatalf("Parse(%q): %v", input, err)
	}
	if len(q.Predicates) != 1 || len(q.Groups) != 0 {
		t.Fatalf("Parse(%q) = %+v, want a single predicate", input, q)
	}
	return q.Predicates[0]
}

func TestParseSinglePredicates(t *testing.T) {
	tests := []struct {
		input string
		want  types.Predicate
	}{
		{`dx = "1"`, types.Predicate{Variable: "dx", Op: types.OpEq, Value: "1"}},
		{`dx = '1'`, types.Predicate{Variable: "dx", Op: types.OpEq, Value: "1"}},
		{`age = 42`, types.Predicate{Variable: "age", Op: types.OpEq, Value: "42"}},
		{`age >= 18`, types.Predicate{Variable: "age", Op: types.OpRange, Min: "18"}},
		{`age <= 65`, types.Predicate{Variable: "age", Op: types.OpRange, Max: "65"}},
		{`age > 40`, types.Predicate{Variable: "age", Op: types.OpRange, Min: "41"}},
		{`age < 40`, types.Predicate{Variable: "age", Op: types.OpRange, Max: "39"}},
		{`delta > -3`, types.Predicate{Variable: "delta", Op: types.OpRange, Min: "-2"}},
		{`score >= -1.5`, types.Predicate{Variable: "score", Op: types.OpRange, Min: "-1.5"}},
		{`bdi_total BETWEEN 10 AND 20`, types.Predicate{Variable: "bdi_total", Op: types.OpRange, Min: "10", Max: "20"}},
		{`visit_date >= "2024-01-01"`, types.Predicate{Variable: "visit_date", Op: types.OpRange, Min: "2024-01-01"}},
		{`visit_date between "2024-01-01" and "2024-12-31"`, types.Predicate{Variable: "visit_date", Op: types.OpRange, Min: "2024-01-01", Max: "2024-12-31"}},
		{`site_id PRESENT`, types.Predicate{Variable: "site_id", Op: types.OpPresent}},
		{`bdi_total missing`, types.Predicate{Variable: "bdi_total", Op: types.OpMissing}},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := parseOne(t, tt.input)
			if got.Variable != tt.want.Variable || got.Op != tt.want.Op ||
				got.Value != tt.want.Value || got.Min != tt.want.Min || got.Max != tt.want.Max {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseInList(t *testing.T) {
	got := parseOne(t, `dx IN ("1", "2", 3)`)
	if got.Op != types.OpIn {
		t.Fatalf("op = %s, want in", got.Op)
	}
	want := []string{"1", "2", "3"}
	if len(got.Values) != len(want) {
		t.Fatalf("values = %v, want %v", got.Values, want)
	}
	for i := range want {
		if got.Values[i] != want[i] {
			t.Fatalf("values = %v, want %v", got.Values, want)
		}
	}
}

func TestParseConjunctionFlattens(t *testing.T) {
	q, err := Parse(`age >= 18 AND dx = "1" AND site_id PRESENT`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if q.Combinator != types.CombinatorAnd {
		t.Fatalf("combinator = %q, want AND", q.Combinator)
	}
	if len(q.Predicates) != 3 || len(q.Groups) != 0 {
		t.Fatalf("got %d predicates and %d groups, want one flat group of 3", len(q.Predicates), len(q.Groups))
	}
	wantVars := []string{"age", "dx", "site_id"}
	for i, p := range q.Predicates {
		if p.Variable != wantVars[i] {
			t.Errorf("predicate %d = %q, want %q", i, p.Variable, wantVars[i])
		}
	}
}

func TestParseAndBindsTighterThanOr(t *testing.T) {
	q, err := Parse(`age >= 65 OR dx = "1" AND site_id = "MGH"`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if q.Combinator != types.CombinatorOr {
		t.Fatalf("combinator = %q, want OR", q.Combinator)
	}
	if len(q.Predicates) != 1 || q.Predicates[0].Variable != "age" {
		t.Fatalf("left branch = %+v, want the age predicate", q.Predicates)
	}
	if len(q.Groups) != 1 || q.Groups[0].Combinator != types.CombinatorAnd {
		t.Fatalf("right branch = %+v, want an AND group", q.Groups)
	}
	and := q.Groups[0]
	if len(and.Predicates) != 2 || and.Predicates[0].Variable != "dx" || and.Predicates[1].Variable != "site_id" {
		t.Fatalf("AND group = %+v, want dx and site_id", and.Predicates)
	}
}

func TestParseParenthesesOverridePrecedence(t *testing.T) {
	q, err := Parse(`(age >= 65 OR dx = "1") AND site_id = "MGH"`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if q.Combinator != types.CombinatorAnd {
		t.Fatalf("combinator = %q, want AND", q.Combinator)
	}
	if len(q.Predicates) != 1 || q.Predicates[0].Variable != "site_id" {
		t.Fatalf("leaf members = %+v, want site_id", q.Predicates)
	}
	if len(q.Groups) != 1 || q.Groups[0].Combinator != types.CombinatorOr || len(q.Groups[0].Predicates) != 2 {
		t.Fatalf("group members = %+v, want the OR pair", q.Groups)
	}
}

func TestParseRejectsNotEqual(t *testing.T) {
	for _, input := range []string{`dx != "1"`, `dx <> "1"`} {
		_, err := Parse(input)
		if err == nil {
			t.Fatalf("Parse(%q) should fail", input)
		}
		var perr *ParseError
		if !errors.As(err, &perr) {
			t.Fatalf("error type = %T, want *ParseError", err)
		}
		if !strings.Contains(err.Error(), "not supported") || !strings.Contains(err.Error(), "BETWEEN") {
			t.Errorf("error %q should name the supported operators", err.Error())
		}
	}
}

func TestParseStrictBoundsNeedIntegers(t *testing.T) {
	for _, input := range []string{
		`bdi_total > 11.5`,
		`visit_date > "2024-01-01"`,
		`age < 17.2`,
	} {
		_, err := Parse(input)
		if err == nil {
			t.Fatalf("Parse(%q) should fail", input)
		}
		if !strings.Contains(err.Error(), "integer operand") {
			t.Errorf("Parse(%q) error %q should explain the integer requirement", input, err.Error())
		}
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		input   string
		wantMsg string
	}{
		{``, "expected a variable"},
		{`age`, "expected an operator after"},
		{`age >=`, "expected a number or a quoted string"},
		{`age >= MGH`, "expected a number or a quoted string"},
		{`(age >= 18`, "expected )"},
		{`age >= 18 dx = "1"`, "unexpected input after the expression"},
		{`dx = "1`, "unterminated string"},
		{`age % 5`, "unexpected character"},
		{`dx IN ("1",)`, "expected a number or a quoted string"},
		{`dx IN "1"`, "expected ("},
		{`age BETWEEN 18 65`, "expected AND"},
		{`() AND age >= 18`, "expected a variable"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			_, err := Parse(tt.input)
			if err == nil {
				t.Fatal("expected an error")
			}
			var perr *ParseError
			if !errors.As(err, &perr) {
				t.Fatalf("error type = %T, want *ParseError", err)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q does not mention %q", err.Error(), tt.wantMsg)
			}
		})
	}
}

func TestParseErrorCarriesPosition(t *testing.T) {
	_, err := Parse(`age >= 18 AND dx != "1"`)
	var perr *ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("error = %v, want *ParseError", err)
	}
	if perr.Position != 17 {
		t.Errorf("position = %d, want 17 (the != operator)", perr.Position)
	}
}
