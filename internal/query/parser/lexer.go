// Package parser compiles the filter expression language used by the
// CLI and the query API into cohort query trees. The language covers
// exactly what the structured model can evaluate: comparisons, IN,
// BETWEEN, PRESENT, MISSING, and AND/OR grouping with parentheses.
package parser

import (
	"fmt"
	"strings"
	"unicode"
)

// TokenType represents the type of a lexical token.
type TokenType int

const (
	// Special tokens
	TokenEOF TokenType = iota
	TokenError
	TokenIdent
	TokenNumber
	TokenString

	// Keywords
	TokenAnd
	TokenOr
	TokenIn
	TokenBetween
	TokenPresent
	TokenMissing

	// Operators
	TokenEq     // =
	TokenNe     // != or <>, recognized only to reject with a clear error
	TokenLt     // <
	TokenGt     // >
	TokenLe     // <=
	TokenGe     // >=
	TokenComma  // ,
	TokenLParen // (
	TokenRParen // )
)

// Token represents a lexical token.
type Token struct {
	Type    TokenType
	Literal string
	Pos     int // Position in input
}

// String returns a string representation of the token.
func (t Token) String() string {
	return fmt.Sprintf("Token{%s, %q, %d}", t.Type.String(), t.Literal, t.Pos)
}

// String returns the string representation of a TokenType.
func (t TokenType) String() string {
	switch t {
	case TokenEOF:
		return "EOF"
	case TokenError:
		return "ERROR"
	case TokenIdent:
		return "IDENT"
	case TokenNumber:
		return "NUMBER"
	case TokenString:
		return "STRING"
	case TokenAnd:
		return "AND"
	case TokenOr:
		return "OR"
	case TokenIn:
		return "IN"
	case TokenBetween:
		return "BETWEEN"
	case TokenPresent:
		return "PRESENT"
	case TokenMissing:
		return "MISSING"
	case TokenEq:
		return "="
	case TokenNe:
		return "!="
	case TokenLt:
		return "<"
	case TokenGt:
		return ">"
	case TokenLe:
		return "<="
	case TokenGe:
		return ">="
	case TokenComma:
		return ","
	case TokenLParen:
		return "("
	case TokenRParen:
		return ")"
	default:
		return "UNKNOWN"
	}
}

// keywords maps filter keywords to their token types. Lookup is
// case-insensitive; identifiers keep their original case.
var keywords = map[string]TokenType{
	"AND":     TokenAnd,
	"OR":      TokenOr,
	"IN":      TokenIn,
	"BETWEEN": TokenBetween,
	"PRESENT": TokenPresent,
	"MISSING": TokenMissing,
}

// Lexer tokenizes filter expressions.
type Lexer struct {
	input   string
	pos     int  // Current position in input
	readPos int  // Reading position (after current char)
	ch      byte // Current character
}

// NewLexer creates a new Lexer for the given input.
func NewLexer(input string) *Lexer {
	l := &Lexer{input: input}
	l.readChar()
	return l
}

// readChar reads the next character and advances the position.
func (l *Lexer) readChar() {
	if l.readPos >= len(l.input) {
		l.ch = 0 // EOF
	} else {
		l.ch = l.input[l.readPos]
	}
	l.pos = l.readPos
	l.readPos++
}

// peekChar returns the next character without advancing.
func (l *Lexer) peekChar() byte {
	if l.readPos >= len(l.input) {
		return 0
	}
	return l.input[l.readPos]
}

// skipWhitespace skips whitespace characters.
func (l *Lexer) skipWhitespace() {
	for l.ch == ' ' || l.ch == '\t' || l.ch == '\n' || l.ch == '\r' {
		l.readChar()
	}
}

// NextToken returns the next token from the input.
func (l *Lexer) NextToken() Token {
	l.skipWhitespace()

	startPos := l.pos
	var tok Token

	switch l.ch {
	case '=':
		tok = Token{Type: TokenEq, Literal: "=", Pos: startPos}
	case '<':
		if l.peekChar() == '=' {
			l.readChar()
			tok = Token{Type: TokenLe, Literal: "<=", Pos: startPos}
		} else if l.peekChar() == '>' {
			l.readChar()
			tok = Token{Type: TokenNe, Literal: "<>", Pos: startPos}
		} else {
			tok = Token{Type: TokenLt, Literal: "<", Pos: startPos}
		}
	case '>':
		if l.peekChar() == '=' {
			l.readChar()
			tok = Token{Type: TokenGe, Literal: ">=", Pos: startPos}
		} else {
			tok = Token{Type: TokenGt, Literal: ">", Pos: startPos}
		}
	case '!':
		if l.peekChar() == '=' {
			l.readChar()
			tok = Token{Type: TokenNe, Literal: "!=", Pos: startPos}
		} else {
			tok = Token{Type: TokenError, Literal: string(l.ch), Pos: startPos}
		}
	case '-':
		if isDigit(l.peekChar()) {
			return l.readNumber()
		}
		tok = Token{Type: TokenError, Literal: string(l.ch), Pos: startPos}
	case ',':
		tok = Token{Type: TokenComma, Literal: ",", Pos: startPos}
	case '(':
		tok = Token{Type: TokenLParen, Literal: "(", Pos: startPos}
	case ')':
		tok = Token{Type: TokenRParen, Literal: ")", Pos: startPos}
	case '\'', '"':
		tok = l.readString(l.ch)
	case 0:
		tok = Token{Type: TokenEOF, Literal: "", Pos: startPos}
	default:
		if isLetter(l.ch) || l.ch == '_' {
			return l.readIdentifier()
		} else if isDigit(l.ch) {
			return l.readNumber()
		} else {
			tok = Token{Type: TokenError, Literal: string(l.ch), Pos: startPos}
		}
	}

	l.readChar()
	return tok
}

// readIdentifier reads an identifier or keyword.
func (l *Lexer) readIdentifier() Token {
	startPos := l.pos
	start := l.pos
	for isLetter(l.ch) || isDigit(l.ch) || l.ch == '_' {
		l.readChar()
	}
	literal := l.input[start:l.pos]
	upper := strings.ToUpper(literal)

	// Check for keywords
	if tokType, ok := keywords[upper]; ok {
		return Token{Type: tokType, Literal: upper, Pos: startPos}
	}

	return Token{Type: TokenIdent, Literal: literal, Pos: startPos}
}

// readNumber reads a numeric literal, with an optional leading minus.
func (l *Lexer) readNumber() Token {
	startPos := l.pos
	start := l.pos
	hasDecimal := false

	if l.ch == '-' {
		l.readChar()
	}
	for isDigit(l.ch) || (l.ch == '.' && !hasDecimal) {
		if l.ch == '.' {
			hasDecimal = true
		}
		l.readChar()
	}

	return Token{Type: TokenNumber, Literal: l.input[start:l.pos], Pos: startPos}
}

// readString reads a string literal enclosed in matching single or
// double quotes.
func (l *Lexer) readString(quote byte) Token {
	startPos := l.pos
	l.readChar() // Skip opening quote
	start := l.pos

	for l.ch != quote && l.ch != 0 {
		l.readChar()
	}

	if l.ch == 0 {
		return Token{Type: TokenError, Literal: "unterminated string", Pos: startPos}
	}

	literal := l.input[start:l.pos]
	// Don't call readChar here - it will be called by NextToken
	return Token{Type: TokenString, Literal: literal, Pos: startPos}
}

// Tokenize returns all tokens from the input.
func (l *Lexer) Tokenize() []Token {
	var tokens []Token
	for {
		tok := l.NextToken()
		tokens = append(tokens, tok)
		if tok.Type == TokenEOF || tok.Type == TokenError {
			break
		}
	}
	return tokens
}

// isLetter returns true if the character is a letter.
func isLetter(ch byte) bool {
	return unicode.IsLetter(rune(ch))
}

// isDigit returns true if the character is a digit.
func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}
