// Package reader parses the S-expression surface syntax into evaluator
// expressions.
package reader

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Position is a source location.
type Position struct {
	Offset int // byte offset
	Line   int // 1-based line number
	Column int // 1-based column number
}

func (p Position) String() string {
	return fmt.Sprintf("%d:%d", p.Line, p.Column)
}

// TokenType classifies a token.
type TokenType int

const (
	TokenEOF TokenType = iota
	TokenError
	TokenLParen
	TokenRParen
	TokenQuote   // '
	TokenNumber  // 1, 1L, 1.5, 2e3
	TokenString  // "text"
	TokenSymbol  // name, <-, ..., +
	TokenKeyword // :name
)

var tokenNames = map[TokenType]string{
	TokenEOF:     "EOF",
	TokenError:   "error",
	TokenLParen:  "'('",
	TokenRParen:  "')'",
	TokenQuote:   "'",
	TokenNumber:  "number",
	TokenString:  "string",
	TokenSymbol:  "symbol",
	TokenKeyword: "keyword",
}

func (t TokenType) String() string {
	if s, ok := tokenNames[t]; ok {
		return s
	}
	return fmt.Sprintf("token(%d)", int(t))
}

// Token is a lexical token. For TokenError, Literal holds the message.
type Token struct {
	Type    TokenType
	Literal string
	Pos     Position
}

// Lexer tokenizes source text.
type Lexer struct {
	input   string
	pos     int  // current position (start of ch)
	readPos int  // next reading position
	ch      rune // current character
	line    int
	col     int
}

// NewLexer creates a lexer for input.
func NewLexer(input string) *Lexer {
	l := &Lexer{input: input, line: 1, col: 0}
	l.readChar()
	return l
}

func (l *Lexer) readChar() {
	if l.readPos >= len(l.input) {
		l.ch = 0
		l.pos = l.readPos
		return
	}
	if l.ch == '\n' {
		l.line++
		l.col = 0
	}
	r, size := utf8.DecodeRuneInString(l.input[l.readPos:])
	l.ch = r
	l.pos = l.readPos
	l.readPos += size
	l.col++
}

func (l *Lexer) peekChar() rune {
	if l.readPos >= len(l.input) {
		return 0
	}
	r, _ := utf8.DecodeRuneInString(l.input[l.readPos:])
	return r
}

func (l *Lexer) position() Position {
	return Position{Offset: l.pos, Line: l.line, Column: l.col}
}

// NextToken returns the next token.
func (l *Lexer) NextToken() Token {
	l.skipWhitespaceAndComments()

	pos := l.position()

	switch {
	case l.ch == 0:
		return Token{Type: TokenEOF, Pos: pos}

	case l.ch == '(':
		l.readChar()
		return Token{Type: TokenLParen, Literal: "(", Pos: pos}

	case l.ch == ')':
		l.readChar()
		return Token{Type: TokenRParen, Literal: ")", Pos: pos}

	case l.ch == '\'':
		l.readChar()
		return Token{Type: TokenQuote, Literal: "'", Pos: pos}

	case l.ch == '"':
		return l.readString(pos)

	case l.ch == ':':
		l.readChar()
		if !isSymbolChar(l.ch) {
			return Token{Type: TokenError, Literal: "expected a name after ':'", Pos: pos}
		}
		name := l.readSymbolText()
		return Token{Type: TokenKeyword, Literal: name, Pos: pos}

	case isDigit(l.ch):
		return l.readNumber(pos)

	case (l.ch == '-' || l.ch == '.') && isDigit(l.peekChar()):
		return l.readNumber(pos)

	case isSymbolChar(l.ch):
		return Token{Type: TokenSymbol, Literal: l.readSymbolText(), Pos: pos}

	default:
		ch := l.ch
		l.readChar()
		return Token{Type: TokenError, Literal: fmt.Sprintf("unexpected character: %c", ch), Pos: pos}
	}
}

// skipWhitespaceAndComments skips whitespace and ';' line comments.
func (l *Lexer) skipWhitespaceAndComments() {
	for {
		for unicode.IsSpace(l.ch) {
			l.readChar()
		}
		if l.ch != ';' {
			return
		}
		for l.ch != '\n' && l.ch != 0 {
			l.readChar()
		}
	}
}

func (l *Lexer) readSymbolText() string {
	start := l.pos
	for isSymbolChar(l.ch) {
		l.readChar()
	}
	return l.input[start:l.pos]
}

// readString reads a double-quoted string with backslash escapes.
func (l *Lexer) readString(pos Position) Token {
	l.readChar() // consume opening "

	var sb strings.Builder
	for l.ch != '"' {
		switch l.ch {
		case 0:
			return Token{Type: TokenError, Literal: "unterminated string", Pos: pos}
		case '\\':
			l.readChar()
			switch l.ch {
			case 'n':
				sb.WriteRune('\n')
			case 't':
				sb.WriteRune('\t')
			case '"', '\\':
				sb.WriteRune(l.ch)
			case 0:
				return Token{Type: TokenError, Literal: "unterminated string", Pos: pos}
			default:
				return Token{Type: TokenError, Literal: fmt.Sprintf("unknown escape sequence \\%c", l.ch), Pos: pos}
			}
		default:
			sb.WriteRune(l.ch)
		}
		l.readChar()
	}
	l.readChar() // consume closing "

	return Token{Type: TokenString, Literal: sb.String(), Pos: pos}
}

// readNumber reads a numeric literal: an optional sign, digits, an
// optional fraction and exponent, and an optional L suffix.
func (l *Lexer) readNumber(pos Position) Token {
	start := l.pos
	if l.ch == '-' {
		l.readChar()
	}
	for isDigit(l.ch) {
		l.readChar()
	}
	if l.ch == '.' {
		l.readChar()
		for isDigit(l.ch) {
			l.readChar()
		}
	}
	if l.ch == 'e' || l.ch == 'E' {
		l.readChar()
		if l.ch == '+' || l.ch == '-' {
			l.readChar()
		}
		if !isDigit(l.ch) {
			return Token{Type: TokenError, Literal: "malformed exponent in " + l.input[start:l.pos], Pos: pos}
		}
		for isDigit(l.ch) {
			l.readChar()
		}
	}
	if l.ch == 'L' {
		l.readChar()
	}
	if isSymbolChar(l.ch) {
		for isSymbolChar(l.ch) {
			l.readChar()
		}
		return Token{Type: TokenError, Literal: "malformed number " + l.input[start:l.pos], Pos: pos}
	}
	return Token{Type: TokenNumber, Literal: l.input[start:l.pos], Pos: pos}
}

func isDigit(ch rune) bool {
	return ch >= '0' && ch <= '9'
}

// isSymbolChar reports whether ch may appear in a symbol. Operators such
// as <- and <<- are ordinary symbols.
func isSymbolChar(ch rune) bool {
	if ch == 0 || unicode.IsSpace(ch) {
		return false
	}
	switch ch {
	case '(', ')', '"', '\'', ';', ':':
		return false
	}
	return unicode.IsPrint(ch)
}
