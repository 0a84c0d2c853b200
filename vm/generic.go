package vm

import "fmt"

// LookupGeneric walks from start towards the empty environment looking
// for a function bound to name that carries the "generic" attribute.
// With a non-empty pkg, the function's "package" attribute must equal
// pkg; a mismatch continues the walk. Promises met on the way are forced.
func (i *Interpreter) LookupGeneric(name string, start *Environment, pkg string) (Value, bool, error) {
	cacheable := start != nil && (start == i.ctx.global || start == i.ctx.base)
	epoch := i.lookupEpoch()
	if cacheable {
		if v, found, hit := i.rt.generics.get(start, name, pkg, epoch); hit {
			return v, found, nil
		}
	}

	for env := start; env != nil && !env.empty; env = env.parent {
		v, ok := env.GetLocal(name)
		if !ok {
			continue
		}
		if p, isPromise := v.(*Promise); isPromise {
			fv, err := i.Force(p, env)
			if err != nil {
				return nil, false, err
			}
			v = fv
		}
		if !IsFunction(v) || GetAttr(v, AttrGeneric) == nil {
			continue
		}
		if pkg != "" {
			if gp, _ := ScalarString(GetAttr(v, AttrPackage)); gp != pkg {
				continue
			}
		}
		if cacheable {
			i.rt.generics.put(start, name, pkg, epoch, v, true)
		}
		return v, true, nil
	}
	if cacheable {
		i.rt.generics.put(start, name, pkg, epoch, nil, false)
	}
	return nil, false, nil
}

// GetGeneric is LookupGeneric with a must-find option. A failed must-find
// lookup is a *NoGenericFunctionError; a failed optional lookup returns
// NULL.
func (i *Interpreter) GetGeneric(name string, mustFind bool, env *Environment, pkg string) (Value, error) {
	v, found, err := i.LookupGeneric(name, env, pkg)
	if err != nil {
		return nil, err
	}
	if found {
		return v, nil
	}
	if mustFind {
		return nil, &NoGenericFunctionError{Name: name, Global: env == i.ctx.global}
	}
	return Null, nil
}

// checkSingleString validates that v is a character vector of length one
// and, with nonEmpty, that its element is not "".
func checkSingleString(v Value, nonEmpty bool, what string) (string, error) {
	vec, ok := v.(*Vector)
	if !ok || vec.kind != KindCharacter {
		return "", &TypeMismatchError{
			What: "'" + what + "'",
			Msg:  fmt.Sprintf("must be a single string (got an object of class \"%s\")", ClassOf(v)[0]),
		}
	}
	if vec.Len() != 1 {
		return "", &TypeMismatchError{
			What: "'" + what + "'",
			Msg:  fmt.Sprintf("must be a single string (got a character vector of length %d)", vec.Len()),
		}
	}
	s := vec.strs[0]
	if nonEmpty && s == "" {
		return "", &TypeMismatchError{What: "'" + what + "'", Msg: "must be a non-empty string; got an empty string"}
	}
	return s, nil
}

// builtinGetGeneric implements getGeneric(f, mustFind = FALSE, where, package = "").
func builtinGetGeneric(c *BuiltinCall) (Value, error) {
	fv := c.Arg("f", 0)
	if fv == nil {
		return nil, c.Errorf("argument \"f\" is missing, with no default")
	}
	if IsFunction(fv) {
		if GetAttr(fv, AttrGeneric) != nil {
			return fv, nil
		}
		return Null, nil
	}
	name, err := checkSingleString(fv, true, "f")
	if err != nil {
		return nil, err
	}
	pkg := ""
	if pv := c.Arg("package", 3); pv != nil {
		if pkg, err = checkSingleString(pv, false, "package"); err != nil {
			return nil, err
		}
	}
	env := c.Interp.ctx.global
	if c.Arg("where", 2) != nil {
		if env, err = c.envArg("where", 2); err != nil {
			return nil, err
		}
	}
	return c.Interp.GetGeneric(name, c.logicalArg("mustFind", 1, false), env, pkg)
}

func builtinIsGeneric(c *BuiltinCall) (Value, error) {
	name, err := c.stringArg("f", 0, "f")
	if err != nil {
		return nil, err
	}
	_, found, err := c.Interp.LookupGeneric(name, c.Env, "")
	if err != nil {
		return nil, err
	}
	return NewLogical(AsLogical(found)), nil
}
