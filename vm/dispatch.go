package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// S3 dispatch
// ---------------------------------------------------------------------------

// DispatchContext describes a dispatched call. bind writes it into the
// method's frame as the reserved variables .Generic, .Method, .Class,
// .GenericCallEnv and .GenericDefEnv.
type DispatchContext struct {
	Generic string
	Method  string
	Class   []string
	Target  Value
	CallEnv *Environment
	DefEnv  *Environment
}

func (dc *DispatchContext) bind(frame *Environment) {
	frame.define(".Generic", NewCharacter(dc.Generic))
	frame.define(".Method", NewCharacter(dc.Method))
	frame.define(".Class", NewCharacter(append([]string(nil), dc.Class...)...))
	if dc.CallEnv != nil {
		frame.define(".GenericCallEnv", dc.CallEnv)
	}
	if dc.DefEnv != nil {
		frame.define(".GenericDefEnv", dc.DefEnv)
	}
}

// S3Call is one dispatch request: the generic's name and the call whose
// arguments are passed on to the method.
type S3Call struct {
	Generic string
	Call    *CallExpr
	Args    []Value
	Names   []string
	CallEnv *Environment
	DefEnv  *Environment
}

// ResolveS3 finds the method for generic and class: a function binding
// named generic.class visible from callEnv, then from defEnv, then the
// runtime method table. Combinations longer than the configured maximum
// fail with *NameTooLongError before any lookup. The last result is
// cached.
func (i *Interpreter) ResolveS3(generic, class string, callEnv, defEnv *Environment) (Value, bool, error) {
	if len(generic)+len(class)+2 > i.rt.opts.MaxMethodNameLength {
		return nil, false, &NameTooLongError{Generic: generic, Class: class}
	}
	name := MethodKey(generic, class)
	key := lookupKey{name: name, callEnv: callEnv, defEnv: defEnv, epoch: i.lookupEpoch()}
	if fn, found, hit := i.s3.Lookup(key); hit {
		return fn, found, nil
	}

	fn, found, err := i.findMethod(name, callEnv, defEnv)
	if err != nil {
		return nil, false, err
	}
	// Forcing promises during the search may have moved the epoch; the
	// entry is keyed by the epoch observed before the search so it is
	// re-validated on next use.
	i.s3.Update(key, fn, found)
	return fn, found, nil
}

func (i *Interpreter) findMethod(name string, callEnv, defEnv *Environment) (Value, bool, error) {
	for _, env := range []*Environment{callEnv, defEnv} {
		if env == nil {
			continue
		}
		fn, ok, err := i.FindFunction(name, env)
		if err != nil || ok {
			return fn, ok, err
		}
	}
	if fn, ok := i.rt.methods.Lookup(name); ok {
		return fn, true, nil
	}
	return nil, false, nil
}

// DispatchS3 calls the first method found for classes followed by
// "default". dispatched is false when no method exists; that is not an
// error.
func (i *Interpreter) DispatchS3(sc *S3Call, classes []string, obj Value) (Value, bool, error) {
	ext := make([]string, 0, len(classes)+1)
	ext = append(ext, classes...)
	ext = append(ext, "default")
	return i.dispatchFrom(sc, ext, obj)
}

// dispatchFrom tries each class in order. ext already ends in "default"
// when the default method should be considered.
func (i *Interpreter) dispatchFrom(sc *S3Call, ext []string, obj Value) (Value, bool, error) {
	for k, cls := range ext {
		fn, found, err := i.ResolveS3(sc.Generic, cls, sc.CallEnv, sc.DefEnv)
		if err != nil {
			return nil, false, err
		}
		if !found {
			continue
		}
		dc := &DispatchContext{
			Generic: sc.Generic,
			Method:  MethodKey(sc.Generic, cls),
			Class:   ext[k:],
			Target:  obj,
			CallEnv: sc.CallEnv,
			DefEnv:  sc.DefEnv,
		}
		i.log.Debugf("dispatching %s", dc.Method)
		v, err := i.callFunction(fn, sc.Call, sc.Args, sc.Names, sc.CallEnv, dc)
		return v, true, err
	}
	return nil, false, nil
}

// builtinUseMethod dispatches on the class of the object (by default the
// first argument of the enclosing call) and returns the method's value
// from the enclosing function.
func builtinUseMethod(c *BuiltinCall) (Value, error) {
	generic, err := c.stringArg("generic", 0, "generic")
	if err != nil {
		return nil, err
	}
	frame := c.Env
	if frame.call == nil {
		return nil, c.Errorf("UseMethod called from outside a function")
	}
	info := frame.call

	obj := c.Arg("object", 1)
	if obj == nil {
		if obj, err = dispatchObject(c.Interp, frame); err != nil {
			return nil, err
		}
	}

	var defEnv *Environment
	if cl, ok := info.Function.(*Closure); ok {
		defEnv = cl.Env
	}
	sc := &S3Call{
		Generic: generic,
		Call:    info.Call,
		Args:    info.Args,
		Names:   info.Names,
		CallEnv: info.Caller,
		DefEnv:  defEnv,
	}
	classes := DispatchClass(obj)
	v, ok, err := c.Interp.DispatchS3(sc, classes, obj)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, newEvalError(frame, "no applicable method for '%s' applied to an object of class \"%s\"",
			generic, classLabel(classes))
	}
	return nil, &returnSignal{value: v, frame: frame}
}

// dispatchObject returns the value of the first argument of the call
// that created frame, forcing its promise.
func dispatchObject(i *Interpreter, frame *Environment) (Value, error) {
	info := frame.call
	if cl, ok := info.Function.(*Closure); ok && len(cl.Def.Formals) > 0 {
		first := cl.Def.Formals[0].Name
		if first != "..." {
			v, ok := frame.GetLocal(first)
			if ok && v != Missing {
				return i.CheckEvaluate(v, frame)
			}
		} else if d, ok := frame.GetLocal("..."); ok {
			if dots, isDots := d.(*DotsList); isDots && dots.Len() > 0 {
				return i.CheckEvaluate(dots.Values[0], frame)
			}
		}
	}
	if len(info.Args) == 0 {
		return Null, nil
	}
	return i.CheckEvaluate(info.Args[0], frame)
}

func classLabel(classes []string) string {
	if len(classes) == 1 {
		return classes[0]
	}
	quoted := make([]string, len(classes))
	for k, c := range classes {
		quoted[k] = "'" + c + "'"
	}
	return "c(" + strings.Join(quoted, ", ") + ")"
}

// builtinNextMethod continues S3 dispatch with the classes after the one
// that selected the current method, falling back to the builtin of the
// same name as the generic.
func builtinNextMethod(c *BuiltinCall) (Value, error) {
	frame := functionFrame(c.Env)
	if frame == nil {
		return nil, c.Errorf("NextMethod called from outside a method dispatch")
	}
	gv, ok1 := frame.GetLocal(".Generic")
	cv, ok2 := frame.GetLocal(".Class")
	if !ok1 || !ok2 {
		return nil, c.Errorf("NextMethod called from outside a method dispatch")
	}
	generic, ok := ScalarString(gv)
	if !ok {
		return nil, c.Errorf("generic function not specified")
	}
	classes := asStrings(cv)
	var rest []string
	if len(classes) > 0 {
		rest = classes[1:]
	}

	sc := &S3Call{Generic: generic, Call: frame.call.Call, Args: frame.call.Args, Names: frame.call.Names}
	if v, ok := frame.GetLocal(".GenericCallEnv"); ok {
		sc.CallEnv, _ = v.(*Environment)
	}
	if v, ok := frame.GetLocal(".GenericDefEnv"); ok {
		sc.DefEnv, _ = v.(*Environment)
	}
	if sc.CallEnv == nil {
		sc.CallEnv = frame.call.Caller
	}

	var obj Value = Null
	if len(sc.Args) > 0 {
		var err error
		if obj, err = c.Interp.CheckEvaluate(sc.Args[0], frame); err != nil {
			return nil, err
		}
	}
	v, ok, err := c.Interp.dispatchFrom(sc, rest, obj)
	if err != nil || ok {
		return v, err
	}

	if b, found := c.Interp.rt.LookupBuiltin(generic); found {
		return c.Interp.callFunction(b, sc.Call, sc.Args, sc.Names, sc.CallEnv, nil)
	}
	return nil, c.Errorf("no more methods for '%s'", generic)
}

// builtinRegisterS3Method adds a method to the runtime method table.
func builtinRegisterS3Method(c *BuiltinCall) (Value, error) {
	generic, err := c.stringArg("genname", 0, "genname")
	if err != nil {
		return nil, err
	}
	class, err := c.stringArg("class", 1, "class")
	if err != nil {
		return nil, err
	}
	method := c.Arg("method", 2)
	if !IsFunction(method) {
		return nil, c.Errorf("bad method for '%s': not a function", MethodKey(generic, class))
	}
	c.Interp.rt.methods.DefineMethod(generic, class, method)
	return Null, nil
}

func (dc *DispatchContext) String() string {
	return fmt.Sprintf("%s [%s]", dc.Method, strings.Join(dc.Class, ", "))
}
