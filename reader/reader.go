package reader

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/chazu/rcore/vm"
)

// SyntaxError is a parse failure at a source position.
type SyntaxError struct {
	Pos Position
	Msg string

	// Incomplete is set when more input could complete the source.
	Incomplete bool
}

func (e *SyntaxError) Error() string {
	return e.Pos.String() + ": " + e.Msg
}

// IsIncomplete reports whether err is a syntax error caused by input
// ending early, as when a REPL line leaves a list open.
func IsIncomplete(err error) bool {
	var se *SyntaxError
	return errors.As(err, &se) && se.Incomplete
}

// Parser builds expressions from tokens.
type Parser struct {
	lexer *Lexer
	cur   Token
	peek  Token
}

// NewParser creates a parser for input.
func NewParser(input string) *Parser {
	p := &Parser{lexer: NewLexer(input)}
	p.nextToken()
	p.nextToken()
	return p
}

// Parse reads every top-level expression in src.
func Parse(src string) ([]vm.Expr, error) {
	return NewParser(src).ParseAll()
}

// ParseOne reads src, which must hold exactly one expression.
func ParseOne(src string) (vm.Expr, error) {
	p := NewParser(src)
	e, err := p.ParseExpression()
	if err != nil {
		return nil, err
	}
	if p.cur.Type != TokenEOF {
		return nil, p.errorf(p.cur.Pos, "unexpected %s after expression", p.cur.Type)
	}
	return e, nil
}

func (p *Parser) nextToken() {
	p.cur = p.peek
	p.peek = p.lexer.NextToken()
}

func (p *Parser) errorf(pos Position, format string, args ...any) error {
	return &SyntaxError{Pos: pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *Parser) incomplete(pos Position, msg string) error {
	return &SyntaxError{Pos: pos, Msg: msg, Incomplete: true}
}

// ParseAll reads expressions until end of input.
func (p *Parser) ParseAll() ([]vm.Expr, error) {
	var exprs []vm.Expr
	for p.cur.Type != TokenEOF {
		e, err := p.ParseExpression()
		if err != nil {
			return nil, err
		}
		exprs = append(exprs, e)
	}
	return exprs, nil
}

// ParseExpression reads one expression.
func (p *Parser) ParseExpression() (vm.Expr, error) {
	tok := p.cur
	switch tok.Type {
	case TokenEOF:
		return nil, p.incomplete(tok.Pos, "unexpected end of input")
	case TokenError:
		if tok.Literal == "unterminated string" {
			return nil, p.incomplete(tok.Pos, tok.Literal)
		}
		return nil, p.errorf(tok.Pos, "%s", tok.Literal)
	case TokenRParen:
		return nil, p.errorf(tok.Pos, "unexpected ')'")
	case TokenKeyword:
		return nil, p.errorf(tok.Pos, "argument name :%s outside a call", tok.Literal)
	case TokenNumber:
		p.nextToken()
		v, err := parseNumber(tok.Literal)
		if err != nil {
			return nil, p.errorf(tok.Pos, "%v", err)
		}
		return vm.NewConst(v), nil
	case TokenString:
		p.nextToken()
		return vm.NewConst(vm.NewCharacter(tok.Literal)), nil
	case TokenSymbol:
		p.nextToken()
		if v, ok := constants[tok.Literal]; ok {
			return vm.NewConst(v()), nil
		}
		return vm.NewIdent(tok.Literal), nil
	case TokenQuote:
		p.nextToken()
		e, err := p.ParseExpression()
		if err != nil {
			return nil, err
		}
		return vm.NewCall(vm.NewIdent("quote"), vm.Positional(e)), nil
	case TokenLParen:
		return p.parseList()
	}
	return nil, p.errorf(tok.Pos, "unexpected %s", tok.Type)
}

var constants = map[string]func() vm.Value{
	"TRUE":          func() vm.Value { return vm.NewLogical(vm.LogicalTrue) },
	"FALSE":         func() vm.Value { return vm.NewLogical(vm.LogicalFalse) },
	"NA":            func() vm.Value { return vm.NewLogical(vm.LogicalNA) },
	"NA_integer_":   func() vm.Value { return vm.NewInteger(vm.NAInteger) },
	"NULL":          func() vm.Value { return vm.Null },
	"Inf":           func() vm.Value { return vm.NewDouble(math.Inf(1)) },
	"NaN":           func() vm.Value { return vm.NewDouble(math.NaN()) },
}

// parseNumber converts a numeric literal. A trailing L makes an integer;
// every other literal is a double.
func parseNumber(lit string) (vm.Value, error) {
	if s, ok := strings.CutSuffix(lit, "L"); ok {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid integer literal %s", lit)
		}
		return vm.NewInteger(n), nil
	}
	f, err := strconv.ParseFloat(lit, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid number %s", lit)
	}
	return vm.NewDouble(f), nil
}

// parseList reads a parenthesized form: a special form or a call.
func (p *Parser) parseList() (vm.Expr, error) {
	open := p.cur.Pos
	p.nextToken() // consume (

	if p.cur.Type == TokenRParen {
		return nil, p.errorf(open, "empty form ()")
	}
	if p.cur.Type == TokenSymbol {
		switch p.cur.Literal {
		case "function":
			p.nextToken()
			return p.parseFunction(open)
		case "<-", "<<-":
			super := p.cur.Literal == "<<-"
			p.nextToken()
			return p.parseAssign(open, super)
		case "block":
			p.nextToken()
			exprs, err := p.parseBody(open)
			if err != nil {
				return nil, err
			}
			return vm.NewBlock(exprs...), nil
		case "if":
			p.nextToken()
			return p.parseIf(open)
		}
	}

	fn, err := p.ParseExpression()
	if err != nil {
		return nil, err
	}
	args, err := p.parseArgs(open)
	if err != nil {
		return nil, err
	}
	return vm.NewCall(fn, args...), nil
}

// parseArgs reads call arguments up to and including the closing paren.
func (p *Parser) parseArgs(open Position) ([]vm.Arg, error) {
	var args []vm.Arg
	for p.cur.Type != TokenRParen {
		if p.cur.Type == TokenEOF {
			return nil, p.incomplete(open, "unclosed '('")
		}
		if p.cur.Type == TokenKeyword {
			name := p.cur.Literal
			namePos := p.cur.Pos
			p.nextToken()
			if p.cur.Type == TokenRParen || p.cur.Type == TokenKeyword {
				return nil, p.errorf(namePos, "missing value for argument :%s", name)
			}
			e, err := p.ParseExpression()
			if err != nil {
				return nil, err
			}
			args = append(args, vm.Named(name, e))
			continue
		}
		e, err := p.ParseExpression()
		if err != nil {
			return nil, err
		}
		args = append(args, vm.Positional(e))
	}
	p.nextToken() // consume )
	return args, nil
}

// parseBody reads expressions up to and including the closing paren.
func (p *Parser) parseBody(open Position) ([]vm.Expr, error) {
	var exprs []vm.Expr
	for p.cur.Type != TokenRParen {
		if p.cur.Type == TokenEOF {
			return nil, p.incomplete(open, "unclosed '('")
		}
		e, err := p.ParseExpression()
		if err != nil {
			return nil, err
		}
		exprs = append(exprs, e)
	}
	p.nextToken()
	return exprs, nil
}

// parseFunction reads (function (formals...) body...). A formal is a
// name or a (name default) pair; several body forms make a block.
func (p *Parser) parseFunction(open Position) (vm.Expr, error) {
	if p.cur.Type != TokenLParen {
		return nil, p.errorf(p.cur.Pos, "function: expected formal argument list")
	}
	p.nextToken()

	var formals []vm.Formal
	seen := make(map[string]bool)
	for p.cur.Type != TokenRParen {
		pos := p.cur.Pos
		var f vm.Formal
		switch p.cur.Type {
		case TokenSymbol:
			f.Name = p.cur.Literal
			p.nextToken()
		case TokenLParen:
			p.nextToken()
			if p.cur.Type != TokenSymbol {
				return nil, p.errorf(p.cur.Pos, "function: expected formal argument name")
			}
			f.Name = p.cur.Literal
			p.nextToken()
			d, err := p.ParseExpression()
			if err != nil {
				return nil, err
			}
			f.Default = d
			if p.cur.Type != TokenRParen {
				return nil, p.errorf(p.cur.Pos, "function: formal %s takes a single default", f.Name)
			}
			p.nextToken()
		case TokenEOF:
			return nil, p.incomplete(open, "unclosed '('")
		default:
			return nil, p.errorf(pos, "function: unexpected %s in formal argument list", p.cur.Type)
		}
		if seen[f.Name] {
			return nil, p.errorf(pos, "repeated formal argument '%s'", f.Name)
		}
		if f.Name == "..." && f.Default != nil {
			return nil, p.errorf(pos, "'...' cannot have a default")
		}
		seen[f.Name] = true
		formals = append(formals, f)
	}
	p.nextToken()

	body, err := p.parseBody(open)
	if err != nil {
		return nil, err
	}
	switch len(body) {
	case 0:
		return nil, p.errorf(open, "function: missing body")
	case 1:
		return vm.NewFunction(formals, body[0]), nil
	}
	return vm.NewFunction(formals, vm.NewBlock(body...)), nil
}

// parseAssign reads (<- target value). A call target (f x args...) is a
// replacement: x is assigned (f<- x args... :value value).
func (p *Parser) parseAssign(open Position, super bool) (vm.Expr, error) {
	target, err := p.ParseExpression()
	if err != nil {
		return nil, err
	}
	value, err := p.ParseExpression()
	if err != nil {
		return nil, err
	}
	if p.cur.Type != TokenRParen {
		return nil, p.errorf(p.cur.Pos, "assignment takes a target and a value")
	}
	p.nextToken()

	switch t := target.(type) {
	case *vm.Ident:
		return vm.NewAssign(t.Name, value, super), nil
	case *vm.CallExpr:
		fn, ok := t.Fn.(*vm.Ident)
		if !ok || len(t.Args) == 0 || t.Args[0].Name != "" {
			return nil, p.errorf(open, "invalid assignment target %s", target)
		}
		obj, ok := t.Args[0].Value.(*vm.Ident)
		if !ok {
			return nil, p.errorf(open, "invalid assignment target %s", target)
		}
		args := append([]vm.Arg{vm.Positional(vm.NewIdent(obj.Name))}, t.Args[1:]...)
		args = append(args, vm.Named("value", value))
		return vm.NewAssign(obj.Name, vm.NewCall(vm.NewIdent(fn.Name+"<-"), args...), super), nil
	}
	return nil, p.errorf(open, "invalid assignment target %s", target)
}

// parseIf reads (if cond then [else]).
func (p *Parser) parseIf(open Position) (vm.Expr, error) {
	parts, err := p.parseBody(open)
	if err != nil {
		return nil, err
	}
	switch len(parts) {
	case 2:
		return vm.NewIf(parts[0], parts[1], nil), nil
	case 3:
		return vm.NewIf(parts[0], parts[1], parts[2]), nil
	}
	return nil, p.errorf(open, "if: expected condition, consequent and optional alternative")
}
