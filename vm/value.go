package vm

import (
	"fmt"
	"math"
)

// ---------------------------------------------------------------------------
// Value: the language-level value representation
// ---------------------------------------------------------------------------

// Value is any language-level value. The concrete types are *Vector,
// *NullValue, *Closure, *Builtin, *Environment, *Language, *DotsList and
// *Promise, plus the Unset and Missing sentinels.
type Value interface {
	TypeName() string
}

// Attributable is implemented by values that carry attributes.
type Attributable interface {
	Value
	Attributes() *Attributes
}

// Well-known attribute keys.
const (
	AttrClass   = "class"
	AttrGeneric = "generic"
	AttrPackage = "package"
	AttrNames   = "names"
	AttrDim     = "dim"
	AttrMethods = "methods"
)

// NullValue is the type of the NULL singleton.
type NullValue struct{}

// TypeName implements Value.
func (*NullValue) TypeName() string { return "NULL" }

// Null is the language NULL.
var Null = &NullValue{}

type sentinel struct{ name string }

func (s *sentinel) TypeName() string { return s.name }

var (
	// Unset marks a promise slot that has not been computed yet. It is
	// distinct from every legal language value, NULL included.
	Unset Value = &sentinel{"<unset>"}

	// Missing is bound to formals that were not supplied and have no default.
	Missing Value = &sentinel{"<missing>"}
)

// ---------------------------------------------------------------------------
// Vector: tagged variant over the element kinds
// ---------------------------------------------------------------------------

// Kind identifies the element kind of a vector.
type Kind uint8

const (
	KindLogical Kind = iota
	KindInteger
	KindDouble
	KindCharacter
	KindList
)

var kindNames = [...]string{
	KindLogical:   "logical",
	KindInteger:   "integer",
	KindDouble:    "double",
	KindCharacter: "character",
	KindList:      "list",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// Logical is a three-valued logical element.
type Logical int8

const (
	LogicalFalse Logical = 0
	LogicalTrue  Logical = 1
	LogicalNA    Logical = math.MinInt8
)

// AsLogical converts a Go bool.
func AsLogical(b bool) Logical {
	if b {
		return LogicalTrue
	}
	return LogicalFalse
}

// NAInteger is the integer NA.
const NAInteger = math.MinInt64

// Vector is an attributed vector of one element kind. Only the slice
// matching kind is populated.
type Vector struct {
	kind  Kind
	lgl   []Logical
	ints  []int64
	dbls  []float64
	strs  []string
	elems []Value
	attrs *Attributes
}

// NewLogical creates a logical vector.
func NewLogical(v ...Logical) *Vector { return &Vector{kind: KindLogical, lgl: v} }

// NewInteger creates an integer vector.
func NewInteger(v ...int64) *Vector { return &Vector{kind: KindInteger, ints: v} }

// NewDouble creates a double vector.
func NewDouble(v ...float64) *Vector { return &Vector{kind: KindDouble, dbls: v} }

// NewCharacter creates a character vector.
func NewCharacter(v ...string) *Vector { return &Vector{kind: KindCharacter, strs: v} }

// NewList creates a generic vector.
func NewList(v ...Value) *Vector { return &Vector{kind: KindList, elems: v} }

// TypeName implements Value.
func (v *Vector) TypeName() string { return v.kind.String() }

// Kind returns the element kind.
func (v *Vector) Kind() Kind { return v.kind }

// Len returns the number of elements.
func (v *Vector) Len() int {
	switch v.kind {
	case KindLogical:
		return len(v.lgl)
	case KindInteger:
		return len(v.ints)
	case KindDouble:
		return len(v.dbls)
	case KindCharacter:
		return len(v.strs)
	case KindList:
		return len(v.elems)
	}
	return 0
}

// Logicals returns the logical elements (nil for other kinds).
func (v *Vector) Logicals() []Logical { return v.lgl }

// Integers returns the integer elements (nil for other kinds).
func (v *Vector) Integers() []int64 { return v.ints }

// Doubles returns the double elements (nil for other kinds).
func (v *Vector) Doubles() []float64 { return v.dbls }

// Strings returns the character elements (nil for other kinds).
func (v *Vector) Strings() []string { return v.strs }

// Elements returns the list elements (nil for other kinds).
func (v *Vector) Elements() []Value { return v.elems }

// Attributes returns the attribute list, creating it on first use.
func (v *Vector) Attributes() *Attributes {
	if v.attrs == nil {
		v.attrs = &Attributes{}
	}
	return v.attrs
}

// AttributeNames returns the attribute names without allocating a list.
func (v *Vector) AttributeNames() []string { return v.attrs.Names() }

// Copy returns a shallow copy with a copied attribute list. Vectors are
// treated as immutable once bound, so attribute replacement works on a copy.
func (v *Vector) Copy() *Vector {
	c := *v
	c.attrs = v.attrs.clone()
	return &c
}

// AsDouble coerces a numeric or logical element to float64.
func (v *Vector) AsDouble(i int) (float64, bool) {
	switch v.kind {
	case KindLogical:
		if v.lgl[i] == LogicalNA {
			return math.NaN(), false
		}
		return float64(v.lgl[i]), true
	case KindInteger:
		if v.ints[i] == NAInteger {
			return math.NaN(), false
		}
		return float64(v.ints[i]), true
	case KindDouble:
		return v.dbls[i], true
	}
	return 0, false
}

// ScalarString returns the only element of a length-one character vector.
func ScalarString(v Value) (string, bool) {
	vec, ok := v.(*Vector)
	if !ok || vec.kind != KindCharacter || len(vec.strs) != 1 {
		return "", false
	}
	return vec.strs[0], true
}

// ScalarLogical returns the first element of a logical-coercible vector.
func ScalarLogical(v Value) (Logical, bool) {
	vec, ok := v.(*Vector)
	if !ok || vec.Len() == 0 {
		return LogicalNA, false
	}
	switch vec.kind {
	case KindLogical:
		return vec.lgl[0], true
	case KindInteger, KindDouble:
		d, ok := vec.AsDouble(0)
		if !ok {
			return LogicalNA, true
		}
		return AsLogical(d != 0), true
	}
	return LogicalNA, false
}

// ---------------------------------------------------------------------------
// Attributes
// ---------------------------------------------------------------------------

// Attributes is an ordered name -> value list.
type Attributes struct {
	names  []string
	values []Value
}

// Get returns the named attribute, or nil.
func (a *Attributes) Get(name string) Value {
	if a == nil {
		return nil
	}
	for i, n := range a.names {
		if n == name {
			return a.values[i]
		}
	}
	return nil
}

// Set adds or replaces an attribute. Setting NULL removes it.
func (a *Attributes) Set(name string, v Value) {
	if v == nil || v == Value(Null) {
		a.Remove(name)
		return
	}
	for i, n := range a.names {
		if n == name {
			a.values[i] = v
			return
		}
	}
	a.names = append(a.names, name)
	a.values = append(a.values, v)
}

// Remove deletes an attribute if present.
func (a *Attributes) Remove(name string) {
	if a == nil {
		return
	}
	for i, n := range a.names {
		if n == name {
			a.names = append(a.names[:i], a.names[i+1:]...)
			a.values = append(a.values[:i], a.values[i+1:]...)
			return
		}
	}
}

// Names returns the attribute names in insertion order.
func (a *Attributes) Names() []string {
	if a == nil {
		return nil
	}
	return append([]string(nil), a.names...)
}

// Len returns the number of attributes.
func (a *Attributes) Len() int {
	if a == nil {
		return 0
	}
	return len(a.names)
}

func (a *Attributes) clone() *Attributes {
	if a == nil {
		return nil
	}
	return &Attributes{
		names:  append([]string(nil), a.names...),
		values: append([]Value(nil), a.values...),
	}
}

// ---------------------------------------------------------------------------
// Functions
// ---------------------------------------------------------------------------

// Closure is a user-defined function: formals and body closed over the
// environment it was created in.
type Closure struct {
	Def   *FunctionLit
	Env   *Environment
	attrs *Attributes

	// next is the following method in a formal-dispatch chain; when set,
	// applying the closure binds it as .nextMethod in the new frame.
	next Value
}

// TypeName implements Value.
func (*Closure) TypeName() string { return "closure" }

// Attributes implements Attributable.
func (c *Closure) Attributes() *Attributes {
	if c.attrs == nil {
		c.attrs = &Attributes{}
	}
	return c.attrs
}

// Formals returns the formal argument list.
func (c *Closure) Formals() []Formal { return c.Def.Formals }

func (c *Closure) copy() *Closure {
	n := *c
	n.attrs = c.attrs.clone()
	return &n
}

// BuiltinFunc implements a builtin. Ordinary builtins receive forced
// argument values; special builtins receive the unevaluated call.
type BuiltinFunc func(call *BuiltinCall) (Value, error)

// Builtin is a function implemented in Go.
type Builtin struct {
	Name    string
	Fn      BuiltinFunc
	Special bool
	attrs   *Attributes
}

// TypeName implements Value.
func (b *Builtin) TypeName() string {
	if b.Special {
		return "special"
	}
	return "builtin"
}

// Attributes implements Attributable.
func (b *Builtin) Attributes() *Attributes {
	if b.attrs == nil {
		b.attrs = &Attributes{}
	}
	return b.attrs
}

// IsFunction reports whether v is callable.
func IsFunction(v Value) bool {
	switch v.(type) {
	case *Closure, *Builtin:
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// Language objects and varargs
// ---------------------------------------------------------------------------

// Language is a quoted expression.
type Language struct {
	Expr  Expr
	attrs *Attributes
}

// TypeName implements Value.
func (l *Language) TypeName() string {
	if _, ok := l.Expr.(*Ident); ok {
		return "symbol"
	}
	return "language"
}

// Attributes implements Attributable.
func (l *Language) Attributes() *Attributes {
	if l.attrs == nil {
		l.attrs = &Attributes{}
	}
	return l.attrs
}

// DotsList is the value bound to "..." in a function frame: the promises
// (or values) of the actual arguments that matched no other formal.
type DotsList struct {
	Values []Value
	Names  []string
}

// TypeName implements Value.
func (*DotsList) TypeName() string { return "..." }

// Len returns the number of elements.
func (d *DotsList) Len() int {
	if d == nil {
		return 0
	}
	return len(d.Values)
}

// ---------------------------------------------------------------------------
// Attribute helpers
// ---------------------------------------------------------------------------

// GetAttr returns an attribute of v, or nil when v has none.
func GetAttr(v Value, name string) Value {
	a, ok := v.(Attributable)
	if !ok {
		return nil
	}
	switch t := a.(type) {
	case *Vector:
		return t.attrs.Get(name)
	case *Closure:
		return t.attrs.Get(name)
	case *Builtin:
		return t.attrs.Get(name)
	case *Language:
		return t.attrs.Get(name)
	}
	return a.Attributes().Get(name)
}

// WithAttr returns a copy of v with the attribute set. Functions and
// vectors are copied so bound values are never mutated in place.
func WithAttr(v Value, name string, attr Value) (Value, error) {
	switch t := v.(type) {
	case *Vector:
		c := t.Copy()
		c.Attributes().Set(name, attr)
		return c, nil
	case *Closure:
		c := t.copy()
		c.Attributes().Set(name, attr)
		return c, nil
	case *Builtin:
		c := *t
		c.attrs = t.attrs.clone()
		c.Attributes().Set(name, attr)
		return &c, nil
	case *Language:
		c := *t
		c.attrs = t.attrs.clone()
		c.Attributes().Set(name, attr)
		return &c, nil
	}
	return nil, &TypeMismatchError{Msg: fmt.Sprintf("cannot set attribute '%s' on a %s", name, v.TypeName())}
}
