package vm

import (
	"fmt"
)

// ---------------------------------------------------------------------------
// Formal (S4-style) generics
// ---------------------------------------------------------------------------

// AttrDefault holds the function a formal generic falls back to.
const AttrDefault = "default"

// DispatchGeneric selects and calls the method of a formal generic for
// the class of its first argument. Methods live in the environment stored
// in the generic's "methods" attribute, keyed by class name; the first
// argument's class vector is tried in order, then "ANY", then the
// generic's default. The selected method sees the remaining candidates
// through .nextMethod. frame is the generic's own frame.
func (i *Interpreter) DispatchGeneric(generic *Closure, call *CallExpr, args []Value, names []string, frame *Environment) (Value, error) {
	name, _ := ScalarString(GetAttr(generic, AttrGeneric))
	methods, ok := GetAttr(generic, AttrMethods).(*Environment)
	if !ok {
		return nil, &InternalConsistencyError{Msg: fmt.Sprintf("generic '%s' has no methods table", name)}
	}
	caller := frame
	if frame.call != nil && frame.call.Caller != nil {
		caller = frame.call.Caller
	}

	var obj Value = Null
	classes := []string{"missing"}
	if len(args) > 0 && args[0] != Missing {
		var err error
		if obj, err = i.CheckEvaluate(args[0], frame); err != nil {
			return nil, err
		}
		classes = DispatchClass(obj)
	}

	mc, ok := i.rt.methods.chain(methods, classes)
	if !ok {
		var cands []Value
		matched := ""
		for _, cls := range append(append([]string(nil), classes...), "ANY") {
			fn, found := methods.GetLocal(cls)
			if !found || !IsFunction(fn) {
				continue
			}
			if matched == "" {
				matched = cls
			}
			cands = append(cands, fn)
		}
		if def := GetAttr(generic, AttrDefault); def != nil && IsFunction(def) {
			if matched == "" {
				matched = "ANY"
			}
			cands = append(cands, def)
		}
		if len(cands) == 0 {
			arg := "x"
			if len(generic.Def.Formals) > 0 {
				arg = generic.Def.Formals[0].Name
			}
			return nil, newEvalError(frame, "unable to find an inherited method for function '%s' for signature '%s = \"%s\"'",
				name, arg, classes[0])
		}
		mc = &methodChain{head: linkChain(cands), class: matched}
		i.rt.methods.storeChain(methods, classes, mc)
	}

	dc := &DispatchContext{
		Generic: name,
		Method:  MethodKey(name, mc.class),
		Class:   classes,
		Target:  obj,
		CallEnv: caller,
		DefEnv:  generic.Env,
	}
	i.log.Debugf("formal dispatch %s", dc)
	return i.callFunction(mc.head, call, args, names, caller, dc)
}

// linkChain copies each closure candidate so that it binds the following
// candidate as .nextMethod.
func linkChain(cands []Value) Value {
	var next Value
	for k := len(cands) - 1; k >= 0; k-- {
		cl, ok := cands[k].(*Closure)
		if !ok {
			next = cands[k]
			continue
		}
		c := cl.copy()
		c.next = next
		next = c
	}
	return next
}

// makeGeneric builds a formal generic named name. skeleton, when given,
// is the generic's definition; otherwise one is derived from existing's
// formals. existing, when a plain function, becomes the default.
func (i *Interpreter) makeGeneric(name, pkg string, skeleton *Closure, existing Value) *Closure {
	var g *Closure
	if skeleton != nil {
		g = skeleton.copy()
	} else {
		formals := []Formal{{Name: "x"}, {Name: "..."}}
		if cl, ok := existing.(*Closure); ok {
			formals = cl.Def.Formals
		}
		body := NewCall(NewIdent("standardGeneric"), Positional(NewConst(NewCharacter(name))))
		g = &Closure{Def: NewFunction(formals, body), Env: i.ctx.global}
	}

	var methods *Environment
	if prev, ok := existing.(*Closure); ok && GetAttr(prev, AttrGeneric) != nil {
		methods, _ = GetAttr(prev, AttrMethods).(*Environment)
		if def := GetAttr(prev, AttrDefault); def != nil {
			g.Attributes().Set(AttrDefault, def)
		}
	} else if existing != nil {
		g.Attributes().Set(AttrDefault, existing)
	}
	if methods == nil {
		methods = NewEnvironment("methods:"+name, i.ctx.empty)
		methods.materialized = true
	}
	g.Attributes().Set(AttrGeneric, NewCharacter(name))
	g.Attributes().Set(AttrPackage, NewCharacter(pkg))
	g.Attributes().Set(AttrMethods, methods)
	return g
}

// SetGeneric defines name as a formal generic in the global environment.
func (i *Interpreter) SetGeneric(name, pkg string, skeleton *Closure) (*Closure, error) {
	existing, _, err := i.FindFunction(name, i.ctx.global)
	if err != nil {
		return nil, err
	}
	if skeleton == nil && existing == nil {
		return nil, &EvalError{Msg: fmt.Sprintf("must supply a function skeleton for '%s', explicitly or via an existing function", name)}
	}
	g := i.makeGeneric(name, pkg, skeleton, existing)
	if err := i.ctx.global.Put(name, g); err != nil {
		return nil, err
	}
	i.rt.methods.invalidateChains(GetAttr(g, AttrMethods).(*Environment))
	i.rt.generics.Reset()
	i.log.Debugf("generic %s defined", name)
	return g, nil
}

// SetMethod stores fn as the method of the generic name for class,
// creating the generic from an existing function when needed.
func (i *Interpreter) SetMethod(name, class string, fn Value, env *Environment) error {
	gv, err := i.GetGeneric(name, false, env, "")
	if err != nil {
		return err
	}
	g, ok := gv.(*Closure)
	if !ok {
		existing, _, err := i.FindFunction(name, env)
		if err != nil {
			return err
		}
		if _, isBuiltin := existing.(*Builtin); isBuiltin && !i.ctx.allowPrimitiveMethods {
			return &EvalError{Msg: fmt.Sprintf("methods may not be defined for primitive function '%s' in this version", name)}
		}
		if existing == nil {
			return &NoGenericFunctionError{Name: name, Global: env == i.ctx.global}
		}
		if g, err = i.SetGeneric(name, ".GlobalEnv", nil); err != nil {
			return err
		}
	}
	methods := GetAttr(g, AttrMethods).(*Environment)
	if err := methods.Put(class, fn); err != nil {
		return err
	}
	i.rt.methods.invalidateChains(methods)
	i.log.Debugf("method %s defined", MethodKey(name, class))
	return nil
}

func (i *Interpreter) genericMethods(c *BuiltinCall) (*Environment, string, error) {
	name, err := c.stringArg("f", 0, "f")
	if err != nil {
		return nil, "", err
	}
	gv, err := i.GetGeneric(name, true, c.Env, "")
	if err != nil {
		return nil, "", err
	}
	methods, ok := GetAttr(gv, AttrMethods).(*Environment)
	if !ok {
		return nil, "", &InternalConsistencyError{Msg: fmt.Sprintf("generic '%s' has no methods table", name)}
	}
	return methods, name, nil
}

func builtinSetGeneric(c *BuiltinCall) (Value, error) {
	name, err := c.stringArg("name", 0, "name")
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, &TypeMismatchError{What: "'name'", Msg: "must be a non-empty string; got an empty string"}
	}
	var skeleton *Closure
	if d := c.Arg("def", 1); d != nil {
		cl, ok := d.(*Closure)
		if !ok {
			return nil, c.Errorf("'def' must be a function")
		}
		skeleton = cl
	}
	pkg := ".GlobalEnv"
	if pv := c.Arg("package", -1); pv != nil {
		if pkg, err = checkSingleString(pv, true, "package"); err != nil {
			return nil, err
		}
	}
	if _, err := c.Interp.SetGeneric(name, pkg, skeleton); err != nil {
		return nil, err
	}
	return NewCharacter(name), nil
}

func builtinSetMethod(c *BuiltinCall) (Value, error) {
	name, err := c.stringArg("f", 0, "f")
	if err != nil {
		return nil, err
	}
	class, err := c.stringArg("signature", 1, "signature")
	if err != nil {
		return nil, err
	}
	fn := c.Arg("definition", 2)
	if !IsFunction(fn) {
		return nil, c.Errorf("no function definition supplied for method '%s'", MethodKey(name, class))
	}
	if err := c.Interp.SetMethod(name, class, fn, c.Env); err != nil {
		return nil, err
	}
	return NewCharacter(name), nil
}

func builtinRemoveMethod(c *BuiltinCall) (Value, error) {
	methods, _, err := c.Interp.genericMethods(c)
	if err != nil {
		return nil, err
	}
	class, err := c.stringArg("signature", 1, "signature")
	if err != nil {
		return nil, err
	}
	found, err := methods.Remove(class)
	if err != nil {
		return nil, c.Errorf("%v", err)
	}
	c.Interp.rt.methods.invalidateChains(methods)
	return NewLogical(AsLogical(found)), nil
}

func builtinExistsMethod(c *BuiltinCall) (Value, error) {
	name, err := c.stringArg("f", 0, "f")
	if err != nil {
		return nil, err
	}
	class, err := c.stringArg("signature", 1, "signature")
	if err != nil {
		return nil, err
	}
	gv, err := c.Interp.GetGeneric(name, false, c.Env, "")
	if err != nil {
		return nil, err
	}
	methods, ok := GetAttr(gv, AttrMethods).(*Environment)
	if !ok {
		return NewLogical(LogicalFalse), nil
	}
	_, found := methods.GetLocal(class)
	return NewLogical(AsLogical(found)), nil
}

// builtinStandardGeneric dispatches the generic whose body called it.
func builtinStandardGeneric(c *BuiltinCall) (Value, error) {
	name, err := c.stringArg("f", 0, "f")
	if err != nil {
		return nil, err
	}
	frame := functionFrame(c.Env)
	if frame == nil {
		return nil, c.Errorf("call to standardGeneric(\"%s\") apparently not from the body of that generic function", name)
	}
	generic, ok := frame.call.Function.(*Closure)
	if !ok || GetAttr(generic, AttrGeneric) == nil {
		gv, err := c.Interp.GetGeneric(name, true, c.Env, "")
		if err != nil {
			return nil, err
		}
		if generic, ok = gv.(*Closure); !ok {
			return nil, &InternalConsistencyError{Msg: fmt.Sprintf("generic '%s' is not a closure", name)}
		}
	}
	info := frame.call
	if !c.Interp.ctx.dispatchOn {
		def := GetAttr(generic, AttrDefault)
		if def == nil || !IsFunction(def) {
			return nil, c.Errorf("method dispatch is off and '%s' has no default", name)
		}
		return c.Interp.callFunction(def, info.Call, info.Args, info.Names, info.Caller, nil)
	}
	return c.Interp.DispatchGeneric(generic, info.Call, info.Args, info.Names, frame)
}

// ---------------------------------------------------------------------------
// Methods-package support
// ---------------------------------------------------------------------------

// MethodsPackageMetaName returns the name of a methods-package metadata
// object: ".__<prefix>__<name>", suffixed with ":<pkg>" when pkg is set.
func MethodsPackageMetaName(prefix, name, pkg string) string {
	if pkg == "" {
		return ".__" + prefix + "__" + name
	}
	return ".__" + prefix + "__" + name + ":" + pkg
}

// GetClassFromCache looks a class up in table. A class name yields the
// cached definition, or NULL when absent or cached for another package.
// A class definition is returned as is.
func GetClassFromCache(class Value, table *Environment) (Value, error) {
	vec, ok := class.(*Vector)
	if !ok {
		return nil, &TypeMismatchError{Msg: "class should be either a character-string name or a class definition"}
	}
	switch {
	case vec.kind == KindCharacter:
		name := "NA"
		if vec.Len() > 0 {
			name = vec.strs[0]
		}
		v, found := table.GetLocal(name)
		if !found {
			return Null, nil
		}
		want, _ := ScalarString(GetAttr(vec, AttrPackage))
		have, _ := ScalarString(GetAttr(v, AttrPackage))
		if want != "" && have != "" && want != have {
			return Null, nil
		}
		return v, nil
	case vec.kind == KindList && GetAttr(vec, AttrClass) != nil:
		return vec, nil
	}
	return nil, &TypeMismatchError{Msg: "class should be either a character-string name or a class definition"}
}

// SetMethodDispatch turns formal dispatch on or off and returns the
// previous setting. NA only queries.
func (c *Context) SetMethodDispatch(onOff Logical) Logical {
	prev := AsLogical(c.dispatchOn)
	if onOff == LogicalNA {
		return prev
	}
	c.dispatchOn = onOff == LogicalTrue
	if c.dispatchOn != (prev == LogicalTrue) {
		c.log.Infof("method dispatch turned %s", map[bool]string{true: "on", false: "off"}[c.dispatchOn])
	}
	return prev
}

// SetPrimitiveMethods applies a primitive-methods code: "C" (clear)
// disallows methods on builtins and "S" (set) allows them. Other codes
// are ignored.
func (c *Context) SetPrimitiveMethods(code string) {
	if code == "" {
		return
	}
	switch code[0] {
	case 'C':
		c.allowPrimitiveMethods = false
	case 'S':
		c.allowPrimitiveMethods = true
	}
}

// IdentC reports whether a and b are both single strings and equal.
func IdentC(a, b Value) bool {
	x, ok1 := ScalarString(a)
	y, ok2 := ScalarString(b)
	return ok1 && ok2 && x == y
}

func builtinMethodsPackageMetaName(c *BuiltinCall) (Value, error) {
	var parts [3]string
	for k, what := range []string{"prefix", "name", "pkg"} {
		v := c.Arg(what, k)
		if v == nil {
			return nil, c.Errorf("argument \"%s\" is missing, with no default", what)
		}
		s, err := checkSingleString(v, false, what)
		if err != nil {
			return nil, err
		}
		parts[k] = s
	}
	return NewCharacter(MethodsPackageMetaName(parts[0], parts[1], parts[2])), nil
}

func builtinGetClassFromCache(c *BuiltinCall) (Value, error) {
	table, ok := c.Arg("table", 1).(*Environment)
	if !ok {
		return nil, c.Errorf("invalid 'table' argument")
	}
	class := c.Arg("Class", 0)
	if class == nil {
		class = Null
	}
	return GetClassFromCache(class, table)
}

func builtinSetMethodDispatch(c *BuiltinCall) (Value, error) {
	onOff := LogicalNA
	if v := c.Arg("onOff", 0); v != nil {
		l, ok := ScalarLogical(v)
		if !ok {
			return nil, c.Errorf("invalid 'onOff' argument")
		}
		onOff = l
	}
	return NewLogical(c.Interp.ctx.SetMethodDispatch(onOff)), nil
}

// builtinSetPrimitiveMethods implements setPrimitiveMethods(fname, op,
// code, fundef, mlist). Only the global switch (op = NULL) has an effect.
func builtinSetPrimitiveMethods(c *BuiltinCall) (Value, error) {
	code, ok := ScalarString(c.Arg("code", 2))
	if !ok {
		return nil, c.Errorf("argument 'code' must be a character string")
	}
	if op := c.Arg("op", 1); op == nil || op == Value(Null) {
		c.Interp.ctx.SetPrimitiveMethods(code)
	}
	return NewLogical(LogicalFalse), nil
}

func builtinIdentC(c *BuiltinCall) (Value, error) {
	return NewLogical(AsLogical(IdentC(c.Arg("e1", 0), c.Arg("e2", 1)))), nil
}
