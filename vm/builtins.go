package vm

import (
	"fmt"
	"math"
	"strings"
)

// ---------------------------------------------------------------------------
// Builtin calls
// ---------------------------------------------------------------------------

// BuiltinCall is what a builtin receives. Ordinary builtins see forced
// Args; special builtins see only Expr and evaluate what they need.
type BuiltinCall struct {
	Interp  *Interpreter
	Builtin *Builtin
	Expr    *CallExpr
	Env     *Environment
	Args    []Value
	Names   []string
}

// Arg returns the argument named name, else the pos-th unnamed argument,
// else nil. Missing arguments are reported as nil.
func (c *BuiltinCall) Arg(name string, pos int) Value {
	if name != "" {
		for k, n := range c.Names {
			if n == name {
				return present(c.Args[k])
			}
		}
	}
	seen := 0
	for k, n := range c.Names {
		if n != "" && c.isFormal(n) {
			continue
		}
		if seen == pos {
			return present(c.Args[k])
		}
		seen++
	}
	return nil
}

// isFormal reports whether a named argument belongs to a formal of the
// builtin rather than to the positional list.
func (c *BuiltinCall) isFormal(name string) bool {
	for _, f := range builtinFormals[c.Builtin.Name] {
		if f == name {
			return true
		}
	}
	return false
}

func present(v Value) Value {
	if v == Missing {
		return nil
	}
	return v
}

// Errorf returns a language-level error attributed to the builtin call.
func (c *BuiltinCall) Errorf(format string, args ...any) error {
	return &EvalError{Msg: fmt.Sprintf(format, args...), Call: c.Expr}
}

func (c *BuiltinCall) stringArg(name string, pos int, what string) (string, error) {
	v := c.Arg(name, pos)
	if v == nil {
		return "", c.Errorf("argument \"%s\" is missing, with no default", what)
	}
	return checkSingleString(v, false, what)
}

func (c *BuiltinCall) envArg(name string, pos int) (*Environment, error) {
	v := c.Arg(name, pos)
	if v == nil {
		return c.Env, nil
	}
	env, ok := v.(*Environment)
	if !ok {
		return nil, c.Errorf("invalid '%s' argument", name)
	}
	return env, nil
}

func (c *BuiltinCall) logicalArg(name string, pos int, def bool) bool {
	v := c.Arg(name, pos)
	if v == nil {
		return def
	}
	l, ok := ScalarLogical(v)
	if !ok || l == LogicalNA {
		return def
	}
	return l == LogicalTrue
}

// builtinFormals lists the named formals of builtins that also take
// positional arguments, so Arg can skip them when counting positions.
var builtinFormals = map[string][]string{
	"paste":      {"sep"},
	"new.env":    {"parent"},
	"ls":         {"envir", "all.names", "pattern"},
	"get":        {"envir"},
	"exists":     {"envir", "inherits"},
	"assign":     {"envir"},
	"eval":       {"envir"},
	"getGeneric": {"mustFind", "where", "package"},
}

// ---------------------------------------------------------------------------
// Builtin table
// ---------------------------------------------------------------------------

func newBuiltinTable() map[string]*Builtin {
	t := make(map[string]*Builtin)
	add := func(name string, fn BuiltinFunc) { t[name] = &Builtin{Name: name, Fn: fn} }
	special := func(name string, fn BuiltinFunc) { t[name] = &Builtin{Name: name, Fn: fn, Special: true} }

	// language
	special("quote", builtinQuote)
	special("return", builtinReturn)
	special("missing", builtinMissing)
	add("eval", builtinEval)
	add("force", builtinIdentity)
	add("invisible", builtinIdentity)
	add("stop", builtinStop)
	add("identical", builtinIdentical)

	// vectors and attributes
	add("c", builtinCombine)
	add("list", builtinList)
	add("length", builtinLength)
	add("paste", builtinPaste)
	add("class", builtinClass)
	add("oldClass", builtinOldClass)
	add("class<-", builtinSetClass)
	add("inherits", builtinInherits)
	add("attr", builtinAttr)
	add("attr<-", builtinSetAttr)
	add("structure", builtinStructure)
	add("is.null", builtinIsNull)
	add("is.function", builtinIsFunction)

	// arithmetic and comparison
	for _, op := range []string{"+", "-", "*", "/"} {
		add(op, arithmetic(op))
	}
	for _, op := range []string{"==", "!=", "<", ">", "<=", ">="} {
		add(op, comparison(op))
	}
	add("!", builtinNot)

	// environments
	add("environment", builtinEnvironment)
	add("parent.frame", builtinParentFrame)
	add("globalenv", builtinGlobalEnv)
	add("emptyenv", builtinEmptyEnv)
	add("baseenv", builtinBaseEnv)
	add("new.env", builtinNewEnv)
	add("environmentName", builtinEnvironmentName)
	add("assign", builtinAssign)
	add("get", builtinGet)
	add("exists", builtinExists)
	add("ls", builtinLs)
	add("lockBinding", builtinLockBinding)
	add("unlockBinding", builtinUnlockBinding)
	add("bindingIsLocked", builtinBindingIsLocked)

	// S3 dispatch
	add("UseMethod", builtinUseMethod)
	add("NextMethod", builtinNextMethod)
	add("registerS3method", builtinRegisterS3Method)

	// formal dispatch
	add("setGeneric", builtinSetGeneric)
	add("setMethod", builtinSetMethod)
	add("removeMethod", builtinRemoveMethod)
	add("getGeneric", builtinGetGeneric)
	add("isGeneric", builtinIsGeneric)
	add("existsMethod", builtinExistsMethod)
	add("standardGeneric", builtinStandardGeneric)
	special("callNextMethod", builtinCallNextMethod)
	add("methodsPackageMetaName", builtinMethodsPackageMetaName)
	add("getClassFromCache", builtinGetClassFromCache)
	add(".isMethodsDispatchOn", builtinSetMethodDispatch)
	add("setPrimitiveMethods", builtinSetPrimitiveMethods)
	add(".identC", builtinIdentC)
	return t
}

// ---------------------------------------------------------------------------
// Language builtins
// ---------------------------------------------------------------------------

func builtinQuote(c *BuiltinCall) (Value, error) {
	if len(c.Expr.Args) != 1 || c.Expr.Args[0].Value == nil {
		return nil, c.Errorf("%d arguments passed to 'quote' which requires 1", len(c.Expr.Args))
	}
	e := c.Expr.Args[0].Value
	if k, ok := e.(*Const); ok {
		return k.Value, nil
	}
	return &Language{Expr: e}, nil
}

func builtinReturn(c *BuiltinCall) (Value, error) {
	var v Value = Null
	if len(c.Expr.Args) > 0 && c.Expr.Args[0].Value != nil {
		var err error
		v, err = c.Interp.Eval(c.Expr.Args[0].Value, c.Env)
		if err != nil {
			return nil, err
		}
	}
	return nil, &returnSignal{value: v, frame: c.Env}
}

// builtinMissing reports whether a formal was not supplied by the caller.
func builtinMissing(c *BuiltinCall) (Value, error) {
	if len(c.Expr.Args) != 1 {
		return nil, c.Errorf("'missing' requires one argument")
	}
	id, ok := c.Expr.Args[0].Value.(*Ident)
	if !ok {
		return nil, c.Errorf("invalid use of 'missing'")
	}
	v, ok := c.Env.GetLocal(id.Name)
	if !ok {
		return nil, c.Errorf("'missing' can only be used for arguments")
	}
	missing := v == Missing
	if p, isPromise := v.(*Promise); isPromise && p.defaultArg {
		missing = true
	}
	if d, isDots := v.(*DotsList); isDots && d.Len() == 0 {
		missing = true
	}
	return NewLogical(AsLogical(missing)), nil
}

func builtinEval(c *BuiltinCall) (Value, error) {
	expr := c.Arg("expr", 0)
	env, err := c.envArg("envir", 1)
	if err != nil {
		return nil, err
	}
	lang, ok := expr.(*Language)
	if !ok {
		if expr == nil {
			return Null, nil
		}
		return expr, nil
	}
	return c.Interp.Eval(lang.Expr, env)
}

func builtinIdentity(c *BuiltinCall) (Value, error) {
	if v := c.Arg("", 0); v != nil {
		return v, nil
	}
	return Null, nil
}

func builtinStop(c *BuiltinCall) (Value, error) {
	var sb strings.Builder
	for _, a := range c.Args {
		for _, s := range asStrings(a) {
			sb.WriteString(s)
		}
	}
	return nil, newEvalError(c.Env, "%s", sb.String())
}

func builtinIdentical(c *BuiltinCall) (Value, error) {
	a, b := c.Arg("x", 0), c.Arg("y", 1)
	return NewLogical(AsLogical(Identical(a, b))), nil
}

// ---------------------------------------------------------------------------
// Vectors and attributes
// ---------------------------------------------------------------------------

func builtinCombine(c *BuiltinCall) (Value, error) {
	kind := KindLogical
	n := 0
	for _, a := range c.Args {
		switch v := a.(type) {
		case *NullValue:
		case *Vector:
			if v.kind > kind {
				kind = v.kind
			}
			n += v.Len()
		default:
			kind = KindList
			n++
		}
	}
	if n == 0 {
		return Null, nil
	}
	out := &Vector{kind: kind}
	for _, a := range c.Args {
		if a == Value(Null) {
			continue
		}
		v, ok := a.(*Vector)
		if !ok {
			out.elems = append(out.elems, a)
			continue
		}
		for k := 0; k < v.Len(); k++ {
			out.appendFrom(v, k)
		}
	}
	return out, nil
}

// appendFrom appends element k of src, coerced to v's kind.
func (v *Vector) appendFrom(src *Vector, k int) {
	switch v.kind {
	case KindLogical:
		v.lgl = append(v.lgl, src.lgl[k])
	case KindInteger:
		switch src.kind {
		case KindLogical:
			if src.lgl[k] == LogicalNA {
				v.ints = append(v.ints, NAInteger)
			} else {
				v.ints = append(v.ints, int64(src.lgl[k]))
			}
		default:
			v.ints = append(v.ints, src.ints[k])
		}
	case KindDouble:
		d, _ := src.AsDouble(k)
		v.dbls = append(v.dbls, d)
	case KindCharacter:
		v.strs = append(v.strs, elementString(src, k))
	case KindList:
		v.elems = append(v.elems, src.element(k))
	}
}

// element returns element k as a length-one vector (or the list element).
func (v *Vector) element(k int) Value {
	switch v.kind {
	case KindLogical:
		return NewLogical(v.lgl[k])
	case KindInteger:
		return NewInteger(v.ints[k])
	case KindDouble:
		return NewDouble(v.dbls[k])
	case KindCharacter:
		return NewCharacter(v.strs[k])
	}
	return v.elems[k]
}

func builtinList(c *BuiltinCall) (Value, error) {
	out := NewList(append([]Value(nil), c.Args...)...)
	named := false
	for _, n := range c.Names {
		if n != "" {
			named = true
		}
	}
	if named {
		out.Attributes().Set(AttrNames, NewCharacter(append([]string(nil), c.Names...)...))
	}
	return out, nil
}

func builtinLength(c *BuiltinCall) (Value, error) {
	switch v := c.Arg("x", 0).(type) {
	case *Vector:
		return NewInteger(int64(v.Len())), nil
	case *Environment:
		return NewInteger(int64(v.Len())), nil
	case *DotsList:
		return NewInteger(int64(v.Len())), nil
	case nil, *NullValue:
		return NewInteger(0), nil
	}
	return NewInteger(1), nil
}

func builtinPaste(c *BuiltinCall) (Value, error) {
	sep := " "
	if v := c.Arg("sep", -1); v != nil {
		s, err := checkSingleString(v, false, "sep")
		if err != nil {
			return nil, err
		}
		sep = s
	}
	var cols [][]string
	n := 0
	for k, a := range c.Args {
		if c.Names[k] == "sep" {
			continue
		}
		s := asStrings(a)
		if len(s) == 0 {
			continue
		}
		cols = append(cols, s)
		if len(s) > n {
			n = len(s)
		}
	}
	out := make([]string, n)
	for r := 0; r < n; r++ {
		parts := make([]string, len(cols))
		for k, col := range cols {
			parts[k] = col[r%len(col)]
		}
		out[r] = strings.Join(parts, sep)
	}
	return NewCharacter(out...), nil
}

func builtinClass(c *BuiltinCall) (Value, error) {
	return NewCharacter(ClassOf(c.Arg("x", 0))...), nil
}

func builtinOldClass(c *BuiltinCall) (Value, error) {
	if cls := GetAttr(c.Arg("x", 0), AttrClass); cls != nil {
		return cls, nil
	}
	return Null, nil
}

func builtinSetClass(c *BuiltinCall) (Value, error) {
	x, value := c.Arg("x", 0), c.Arg("value", 1)
	if x == nil {
		return nil, c.Errorf("argument \"x\" is missing, with no default")
	}
	if value != nil && value != Value(Null) {
		if vec, ok := value.(*Vector); !ok || vec.kind != KindCharacter {
			return nil, c.Errorf("attempt to set invalid 'class' attribute")
		}
	}
	return WithAttr(x, AttrClass, value)
}

func builtinInherits(c *BuiltinCall) (Value, error) {
	x := c.Arg("x", 0)
	what := asStrings(c.Arg("what", 1))
	for _, cls := range DispatchClass(x) {
		for _, w := range what {
			if cls == w {
				return NewLogical(LogicalTrue), nil
			}
		}
	}
	return NewLogical(LogicalFalse), nil
}

func builtinAttr(c *BuiltinCall) (Value, error) {
	which, err := c.stringArg("which", 1, "which")
	if err != nil {
		return nil, err
	}
	if v := GetAttr(c.Arg("x", 0), which); v != nil {
		return v, nil
	}
	return Null, nil
}

func builtinSetAttr(c *BuiltinCall) (Value, error) {
	which, err := c.stringArg("which", 1, "which")
	if err != nil {
		return nil, err
	}
	value := c.Arg("value", 2)
	if value == nil {
		value = Null
	}
	return WithAttr(c.Arg("x", 0), which, value)
}

func builtinStructure(c *BuiltinCall) (Value, error) {
	if len(c.Args) == 0 || c.Names[0] != "" {
		return nil, c.Errorf("argument \".Data\" is missing, with no default")
	}
	v := c.Args[0]
	for k := 1; k < len(c.Args); k++ {
		name := c.Names[k]
		if name == "" {
			return nil, c.Errorf("attributes must be named")
		}
		if name == ".Names" {
			name = AttrNames
		}
		var err error
		if v, err = WithAttr(v, name, c.Args[k]); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func builtinIsNull(c *BuiltinCall) (Value, error) {
	_, ok := c.Arg("x", 0).(*NullValue)
	return NewLogical(AsLogical(ok)), nil
}

func builtinIsFunction(c *BuiltinCall) (Value, error) {
	return NewLogical(AsLogical(IsFunction(c.Arg("x", 0)))), nil
}

// ---------------------------------------------------------------------------
// Arithmetic and comparison
// ---------------------------------------------------------------------------

func numericOperands(c *BuiltinCall) (*Vector, *Vector, error) {
	if len(c.Args) != 2 {
		return nil, nil, c.Errorf("operator needs two arguments")
	}
	a, ok1 := c.Args[0].(*Vector)
	b, ok2 := c.Args[1].(*Vector)
	if !ok1 || !ok2 || a.kind > KindDouble || b.kind > KindDouble {
		return nil, nil, c.Errorf("non-numeric argument to binary operator")
	}
	return a, b, nil
}

func recycledLen(a, b *Vector) int {
	if a.Len() == 0 || b.Len() == 0 {
		return 0
	}
	if a.Len() > b.Len() {
		return a.Len()
	}
	return b.Len()
}

func arithmetic(op string) BuiltinFunc {
	return func(c *BuiltinCall) (Value, error) {
		if op == "-" && len(c.Args) == 1 {
			c.Args = []Value{NewInteger(0), c.Args[0]}
		}
		a, b, err := numericOperands(c)
		if err != nil {
			return nil, err
		}
		n := recycledLen(a, b)
		if op != "/" && a.kind != KindDouble && b.kind != KindDouble {
			out := make([]int64, n)
			for k := range out {
				x, _ := a.AsDouble(k % a.Len())
				y, _ := b.AsDouble(k % b.Len())
				if math.IsNaN(x) || math.IsNaN(y) {
					out[k] = NAInteger
					continue
				}
				switch op {
				case "+":
					out[k] = int64(x) + int64(y)
				case "-":
					out[k] = int64(x) - int64(y)
				case "*":
					out[k] = int64(x) * int64(y)
				}
			}
			return NewInteger(out...), nil
		}
		out := make([]float64, n)
		for k := range out {
			x, _ := a.AsDouble(k % a.Len())
			y, _ := b.AsDouble(k % b.Len())
			switch op {
			case "+":
				out[k] = x + y
			case "-":
				out[k] = x - y
			case "*":
				out[k] = x * y
			case "/":
				out[k] = x / y
			}
		}
		return NewDouble(out...), nil
	}
}

func comparison(op string) BuiltinFunc {
	return func(c *BuiltinCall) (Value, error) {
		if len(c.Args) != 2 {
			return nil, c.Errorf("comparison needs two arguments")
		}
		a, ok1 := c.Args[0].(*Vector)
		b, ok2 := c.Args[1].(*Vector)
		if !ok1 || !ok2 || a.kind == KindList || b.kind == KindList {
			return nil, c.Errorf("comparison is possible only for atomic types")
		}
		n := recycledLen(a, b)
		out := make([]Logical, n)
		strs := a.kind == KindCharacter || b.kind == KindCharacter
		for k := range out {
			var cmp int
			if strs {
				cmp = strings.Compare(elementString(a, k%a.Len()), elementString(b, k%b.Len()))
			} else {
				x, okx := a.AsDouble(k % a.Len())
				y, oky := b.AsDouble(k % b.Len())
				if !okx || !oky || math.IsNaN(x) || math.IsNaN(y) {
					out[k] = LogicalNA
					continue
				}
				switch {
				case x < y:
					cmp = -1
				case x > y:
					cmp = 1
				}
			}
			var r bool
			switch op {
			case "==":
				r = cmp == 0
			case "!=":
				r = cmp != 0
			case "<":
				r = cmp < 0
			case ">":
				r = cmp > 0
			case "<=":
				r = cmp <= 0
			case ">=":
				r = cmp >= 0
			}
			out[k] = AsLogical(r)
		}
		return NewLogical(out...), nil
	}
}

func builtinNot(c *BuiltinCall) (Value, error) {
	v, ok := c.Arg("x", 0).(*Vector)
	if !ok || v.kind > KindDouble {
		return nil, c.Errorf("invalid argument type")
	}
	out := make([]Logical, v.Len())
	for k := range out {
		d, ok := v.AsDouble(k)
		if !ok {
			out[k] = LogicalNA
			continue
		}
		out[k] = AsLogical(d == 0)
	}
	return NewLogical(out...), nil
}

// ---------------------------------------------------------------------------
// Environment builtins
// ---------------------------------------------------------------------------

func builtinEnvironment(c *BuiltinCall) (Value, error) {
	switch f := c.Arg("fun", 0).(type) {
	case nil, *NullValue:
		c.Interp.MaterializeFrame(c.Env)
		return c.Env, nil
	case *Closure:
		return f.Env, nil
	case *Builtin:
		return Null, nil
	}
	return nil, c.Errorf("argument is not a function")
}

func builtinParentFrame(c *BuiltinCall) (Value, error) {
	fr := functionFrame(c.Env)
	if fr == nil || fr.call.Caller == nil {
		return c.Interp.ctx.global, nil
	}
	caller := fr.call.Caller
	c.Interp.MaterializeFrame(caller)
	return caller, nil
}

func builtinGlobalEnv(c *BuiltinCall) (Value, error) { return c.Interp.ctx.global, nil }
func builtinEmptyEnv(c *BuiltinCall) (Value, error)  { return c.Interp.ctx.empty, nil }
func builtinBaseEnv(c *BuiltinCall) (Value, error)   { return c.Interp.ctx.base, nil }

func builtinNewEnv(c *BuiltinCall) (Value, error) {
	parent, err := c.envArg("parent", 0)
	if err != nil {
		return nil, err
	}
	env := NewEnvironment("", parent)
	env.materialized = true
	return env, nil
}

func builtinEnvironmentName(c *BuiltinCall) (Value, error) {
	env, ok := c.Arg("env", 0).(*Environment)
	if !ok {
		return NewCharacter(""), nil
	}
	return NewCharacter(env.Name()), nil
}

func builtinAssign(c *BuiltinCall) (Value, error) {
	name, err := c.stringArg("x", 0, "x")
	if err != nil {
		return nil, err
	}
	value := c.Arg("value", 1)
	if value == nil {
		return nil, c.Errorf("argument \"value\" is missing, with no default")
	}
	env, err := c.envArg("envir", 2)
	if err != nil {
		return nil, err
	}
	if err := env.Put(name, value); err != nil {
		return nil, c.Errorf("%v", err)
	}
	return value, nil
}

func builtinGet(c *BuiltinCall) (Value, error) {
	name, err := c.stringArg("x", 0, "x")
	if err != nil {
		return nil, err
	}
	env, err := c.envArg("envir", 1)
	if err != nil {
		return nil, err
	}
	if _, _, ok := env.Get(name); !ok {
		return nil, c.Errorf("object '%s' not found", name)
	}
	return c.Interp.readVariable(name, env, c.Expr)
}

func builtinExists(c *BuiltinCall) (Value, error) {
	name, err := c.stringArg("x", 0, "x")
	if err != nil {
		return nil, err
	}
	env, err := c.envArg("envir", 1)
	if err != nil {
		return nil, err
	}
	var ok bool
	if c.logicalArg("inherits", -1, true) {
		_, _, ok = env.Get(name)
	} else {
		_, ok = env.GetLocal(name)
	}
	return NewLogical(AsLogical(ok)), nil
}

func builtinLs(c *BuiltinCall) (Value, error) {
	env, err := c.envArg("envir", 0)
	if err != nil {
		return nil, err
	}
	pattern := ""
	if v := c.Arg("pattern", -1); v != nil {
		if pattern, err = checkSingleString(v, false, "pattern"); err != nil {
			return nil, err
		}
	}
	names, err := env.Names(c.logicalArg("all.names", -1, false), pattern)
	if err != nil {
		return nil, c.Errorf("%v", err)
	}
	return NewCharacter(names...), nil
}

func builtinLockBinding(c *BuiltinCall) (Value, error) {
	name, err := c.stringArg("sym", 0, "sym")
	if err != nil {
		return nil, err
	}
	env, err := c.envArg("env", 1)
	if err != nil {
		return nil, err
	}
	if err := env.LockBinding(name); err != nil {
		return nil, c.Errorf("%v", err)
	}
	return Null, nil
}

func builtinUnlockBinding(c *BuiltinCall) (Value, error) {
	name, err := c.stringArg("sym", 0, "sym")
	if err != nil {
		return nil, err
	}
	env, err := c.envArg("env", 1)
	if err != nil {
		return nil, err
	}
	if err := env.UnlockBinding(name); err != nil {
		return nil, c.Errorf("%v", err)
	}
	return Null, nil
}

func builtinBindingIsLocked(c *BuiltinCall) (Value, error) {
	name, err := c.stringArg("sym", 0, "sym")
	if err != nil {
		return nil, err
	}
	env, err := c.envArg("env", 1)
	if err != nil {
		return nil, err
	}
	return NewLogical(AsLogical(env.BindingIsLocked(name))), nil
}

// ---------------------------------------------------------------------------
// Coercion helpers
// ---------------------------------------------------------------------------

// asStrings coerces an atomic vector to its character representation.
func asStrings(v Value) []string {
	vec, ok := v.(*Vector)
	if !ok {
		return nil
	}
	if vec.kind == KindCharacter {
		return vec.strs
	}
	out := make([]string, vec.Len())
	for k := range out {
		out[k] = elementString(vec, k)
	}
	return out
}

func elementString(v *Vector, k int) string {
	switch v.kind {
	case KindLogical:
		switch v.lgl[k] {
		case LogicalTrue:
			return "TRUE"
		case LogicalFalse:
			return "FALSE"
		}
		return "NA"
	case KindInteger:
		if v.ints[k] == NAInteger {
			return "NA"
		}
		return fmt.Sprintf("%d", v.ints[k])
	case KindDouble:
		return formatDouble(v.dbls[k])
	case KindCharacter:
		return v.strs[k]
	}
	return Format(v.elems[k])
}
