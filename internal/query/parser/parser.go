package parser

import (
	"fmt"
	"strconv"

	"github.com/covarlab/covar/pkg/types"
)

// ParseError represents a parsing error with location information.
type ParseError struct {
	Message  string
	Position int
	Token    Token
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at position %d: %s (got %s)", e.Position, e.Message, e.Token.Literal)
}

// supportedOperators names what the language offers, for error messages.
const supportedOperators = "=, >=, <=, >, <, IN, BETWEEN, PRESENT, MISSING"

// Parser parses filter expressions into cohort query trees.
type Parser struct {
	lexer     *Lexer
	curToken  Token
	peekToken Token
}

// NewParser creates a new Parser for the given input.
func NewParser(input string) *Parser {
	p := &Parser{
		lexer: NewLexer(input),
	}
	// Read two tokens to initialize curToken and peekToken
	p.nextToken()
	p.nextToken()
	return p
}

// Parse compiles one filter expression into a cohort query tree. The
// tree carries operand strings as written; type checking against the
// schema happens at query compile time, not here.
func Parse(input string) (*types.CohortQuery, error) {
	p := NewParser(input)
	q, err := p.parseExpression(precLowest)
	if err != nil {
		return nil, err
	}
	if !p.peekTokenIs(TokenEOF) {
		msg := "unexpected input after the expression"
		if p.peekToken.Type == TokenError {
			msg = errorTokenMessage(p.peekToken)
		}
		return nil, &ParseError{Message: msg, Position: p.peekToken.Pos, Token: p.peekToken}
	}
	return q, nil
}

// nextToken advances to the next token.
func (p *Parser) nextToken() {
	p.curToken = p.peekToken
	p.peekToken = p.lexer.NextToken()
}

// curTokenIs checks if the current token is of the given type.
func (p *Parser) curTokenIs(t TokenType) bool {
	return p.curToken.Type == t
}

// peekTokenIs checks if the peek token is of the given type.
func (p *Parser) peekTokenIs(t TokenType) bool {
	return p.peekToken.Type == t
}

// expectPeek advances if the peek token matches, otherwise returns an error.
func (p *Parser) expectPeek(t TokenType) error {
	if p.peekTokenIs(t) {
		p.nextToken()
		return nil
	}
	return &ParseError{
		Message:  fmt.Sprintf("expected %s", t.String()),
		Position: p.peekToken.Pos,
		Token:    p.peekToken,
	}
}

// Precedence levels. AND binds tighter than OR, so a OR b AND c reads
// as a OR (b AND c).
const (
	precLowest = iota
	precOr
	precAnd
)

func precedenceOf(t TokenType) int {
	switch t {
	case TokenOr:
		return precOr
	case TokenAnd:
		return precAnd
	default:
		return precLowest
	}
}

// parseExpression parses AND/OR chains above the given precedence.
func (p *Parser) parseExpression(precedence int) (*types.CohortQuery, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}

	for precedence < precedenceOf(p.peekToken.Type) {
		p.nextToken()
		comb := types.CombinatorAnd
		if p.curTokenIs(TokenOr) {
			comb = types.CombinatorOr
		}
		opPrec := precedenceOf(p.curToken.Type)

		p.nextToken()
		right, err := p.parseExpression(opPrec)
		if err != nil {
			return nil, err
		}
		left = merge(left, right, comb)
	}
	return left, nil
}

// parseUnary parses a parenthesized group or a single predicate.
func (p *Parser) parseUnary() (*types.CohortQuery, error) {
	switch p.curToken.Type {
	case TokenLParen:
		p.nextToken()
		inner, err := p.parseExpression(precLowest)
		if err != nil {
			return nil, err
		}
		if err := p.expectPeek(TokenRParen); err != nil {
			return nil, err
		}
		return inner, nil

	case TokenIdent:
		return p.parsePredicate()

	case TokenError:
		return nil, &ParseError{
			Message:  errorTokenMessage(p.curToken),
			Position: p.curToken.Pos,
			Token:    p.curToken,
		}

	default:
		return nil, &ParseError{
			Message:  "expected a variable or a parenthesized group",
			Position: p.curToken.Pos,
			Token:    p.curToken,
		}
	}
}

// parsePredicate parses one variable condition. The current token is
// the variable name.
func (p *Parser) parsePredicate() (*types.CohortQuery, error) {
	variable := p.curToken.Literal
	pred := types.Predicate{Variable: variable}

	switch p.peekToken.Type {
	case TokenEq:
		p.nextToken()
		val, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		pred.Op = types.OpEq
		pred.Value = val

	case TokenNe:
		return nil, &ParseError{
			Message:  fmt.Sprintf("%s is not supported; supported operators are %s", p.peekToken.Literal, supportedOperators),
			Position: p.peekToken.Pos,
			Token:    p.peekToken,
		}

	case TokenGe:
		p.nextToken()
		val, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		pred.Op = types.OpRange
		pred.Min = val

	case TokenLe:
		p.nextToken()
		val, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		pred.Op = types.OpRange
		pred.Max = val

	case TokenGt:
		p.nextToken()
		opTok := p.curToken
		val, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		min, err := nudgeInteger(val, 1, opTok, ">=")
		if err != nil {
			return nil, err
		}
		pred.Op = types.OpRange
		pred.Min = min

	case TokenLt:
		p.nextToken()
		opTok := p.curToken
		val, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		max, err := nudgeInteger(val, -1, opTok, "<=")
		if err != nil {
			return nil, err
		}
		pred.Op = types.OpRange
		pred.Max = max

	case TokenIn:
		p.nextToken()
		if err := p.expectPeek(TokenLParen); err != nil {
			return nil, err
		}
		for {
			val, err := p.parseOperand()
			if err != nil {
				return nil, err
			}
			pred.Values = append(pred.Values, val)
			if !p.peekTokenIs(TokenComma) {
				break
			}
			p.nextToken()
		}
		if err := p.expectPeek(TokenRParen); err != nil {
			return nil, err
		}
		pred.Op = types.OpIn

	case TokenBetween:
		p.nextToken()
		lo, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		if err := p.expectPeek(TokenAnd); err != nil {
			return nil, err
		}
		hi, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		pred.Op = types.OpRange
		pred.Min = lo
		pred.Max = hi

	case TokenPresent:
		p.nextToken()
		pred.Op = types.OpPresent

	case TokenMissing:
		p.nextToken()
		pred.Op = types.OpMissing

	case TokenError:
		return nil, &ParseError{
			Message:  errorTokenMessage(p.peekToken),
			Position: p.peekToken.Pos,
			Token:    p.peekToken,
		}

	default:
		return nil, &ParseError{
			Message:  fmt.Sprintf("expected an operator after %q; supported operators are %s", variable, supportedOperators),
			Position: p.peekToken.Pos,
			Token:    p.peekToken,
		}
	}

	return &types.CohortQuery{Predicates: []types.Predicate{pred}}, nil
}

// parseOperand advances to the next token and returns its literal,
// accepting numbers and quoted strings.
func (p *Parser) parseOperand() (string, error) {
	p.nextToken()
	switch p.curToken.Type {
	case TokenNumber, TokenString:
		return p.curToken.Literal, nil
	case TokenError:
		return "", &ParseError{
			Message:  errorTokenMessage(p.curToken),
			Position: p.curToken.Pos,
			Token:    p.curToken,
		}
	default:
		return "", &ParseError{
			Message:  "expected a number or a quoted string",
			Position: p.curToken.Pos,
			Token:    p.curToken,
		}
	}
}

// nudgeInteger turns a strict bound into the matching inclusive one:
// age > 40 compiles to the range [41, ...]. Only integer operands can
// be nudged by a whole step.
func nudgeInteger(operand string, step int64, opTok Token, inclusive string) (string, error) {
	n, err := strconv.ParseInt(operand, 10, 64)
	if err != nil {
		return "", &ParseError{
			Message:  fmt.Sprintf("%s needs an integer operand to form an inclusive bound; use %s instead", opTok.Literal, inclusive),
			Position: opTok.Pos,
			Token:    opTok,
		}
	}
	return strconv.FormatInt(n+step, 10), nil
}

func errorTokenMessage(tok Token) string {
	if tok.Literal == "unterminated string" {
		return "unterminated string"
	}
	return fmt.Sprintf("unexpected character %q", tok.Literal)
}

// leaf reports whether q is a single bare predicate.
func leaf(q *types.CohortQuery) bool {
	return q.Combinator == "" && len(q.Groups) == 0 && len(q.Predicates) == 1
}

// merge folds right into left under comb, flattening same-combinator
// chains so a AND b AND c compiles to one three-member group.
func merge(left, right *types.CohortQuery, comb types.Combinator) *types.CohortQuery {
	out := wrap(left, comb)
	switch {
	case leaf(right), right.Combinator == comb:
		out.Predicates = append(out.Predicates, right.Predicates...)
		out.Groups = append(out.Groups, right.Groups...)
	default:
		out.Groups = append(out.Groups, *right)
	}
	return out
}

// wrap lifts q into a group with the given combinator, reusing q when
// it already is one.
func wrap(q *types.CohortQuery, comb types.Combinator) *types.CohortQuery {
	if leaf(q) {
		return &types.CohortQuery{
			Combinator: comb,
			Predicates: append([]types.Predicate{}, q.Predicates...),
		}
	}
	if q.Combinator == comb {
		return q
	}
	return &types.CohortQuery{Combinator: comb, Groups: []types.CohortQuery{*q}}
}
