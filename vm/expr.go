package vm

import (
	"strings"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Expression tree
// ---------------------------------------------------------------------------

// Expr is a node of the expression tree the evaluator walks. Every node
// carries a stable integer id assigned at construction; the closure cache
// is indexed by it.
type Expr interface {
	ID() int
	String() string
}

var nextExprID atomic.Int64

type node struct{ id int }

func newNode() node { return node{id: int(nextExprID.Add(1))} }

// ID returns the node's stable id.
func (n node) ID() int { return n.id }

// Const is a literal value.
type Const struct {
	node
	Value Value
}

// Ident is a variable reference. The name "..." refers to the varargs.
type Ident struct {
	node
	Name string
}

// Arg is one actual argument of a call. A nil Value is an empty argument
// (as in f(x, )), which matches as missing.
type Arg struct {
	Name  string
	Value Expr
}

// CallExpr is a function call.
type CallExpr struct {
	node
	Fn   Expr
	Args []Arg
}

// Formal is one formal argument; Default may be nil.
type Formal struct {
	Name    string
	Default Expr
}

// FunctionLit creates a closure when evaluated.
type FunctionLit struct {
	node
	Formals []Formal
	Body    Expr
}

// Assign binds a name. Super assignment (<<-) starts at the parent frame.
type Assign struct {
	node
	Name  string
	Value Expr
	Super bool
}

// Block evaluates its expressions in order and yields the last value.
type Block struct {
	node
	Exprs []Expr
}

// If is a conditional; Else may be nil.
type If struct {
	node
	Cond, Then, Else Expr
}

// NewConst creates a literal node.
func NewConst(v Value) *Const { return &Const{node: newNode(), Value: v} }

// NewIdent creates a variable reference.
func NewIdent(name string) *Ident { return &Ident{node: newNode(), Name: name} }

// NewCall creates a call node.
func NewCall(fn Expr, args ...Arg) *CallExpr {
	return &CallExpr{node: newNode(), Fn: fn, Args: args}
}

// NewFunction creates a function literal.
func NewFunction(formals []Formal, body Expr) *FunctionLit {
	return &FunctionLit{node: newNode(), Formals: formals, Body: body}
}

// NewAssign creates an assignment.
func NewAssign(name string, value Expr, super bool) *Assign {
	return &Assign{node: newNode(), Name: name, Value: value, Super: super}
}

// NewBlock creates a block.
func NewBlock(exprs ...Expr) *Block { return &Block{node: newNode(), Exprs: exprs} }

// NewIf creates a conditional.
func NewIf(cond, then, els Expr) *If {
	return &If{node: newNode(), Cond: cond, Then: then, Else: els}
}

// Positional is a convenience for an unnamed argument.
func Positional(e Expr) Arg { return Arg{Value: e} }

// Named is a convenience for a named argument.
func Named(name string, e Expr) Arg { return Arg{Name: name, Value: e} }

func (c *Const) String() string { return Format(c.Value) }
func (i *Ident) String() string { return i.Name }

func (c *CallExpr) String() string {
	var sb strings.Builder
	sb.WriteString("(")
	sb.WriteString(c.Fn.String())
	for _, a := range c.Args {
		sb.WriteString(" ")
		if a.Name != "" {
			sb.WriteString(":" + a.Name + " ")
		}
		if a.Value != nil {
			sb.WriteString(a.Value.String())
		}
	}
	sb.WriteString(")")
	return sb.String()
}

func (f *FunctionLit) String() string {
	var sb strings.Builder
	sb.WriteString("(function (")
	for i, fm := range f.Formals {
		if i > 0 {
			sb.WriteString(" ")
		}
		if fm.Default != nil {
			sb.WriteString("(" + fm.Name + " " + fm.Default.String() + ")")
		} else {
			sb.WriteString(fm.Name)
		}
	}
	sb.WriteString(") ")
	sb.WriteString(f.Body.String())
	sb.WriteString(")")
	return sb.String()
}

func (a *Assign) String() string {
	op := "<-"
	if a.Super {
		op = "<<-"
	}
	return "(" + op + " " + a.Name + " " + a.Value.String() + ")"
}

func (b *Block) String() string {
	parts := make([]string, len(b.Exprs))
	for i, e := range b.Exprs {
		parts[i] = e.String()
	}
	return "(block " + strings.Join(parts, " ") + ")"
}

func (i *If) String() string {
	s := "(if " + i.Cond.String() + " " + i.Then.String()
	if i.Else != nil {
		s += " " + i.Else.String()
	}
	return s + ")"
}
