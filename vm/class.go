package vm

// ---------------------------------------------------------------------------
// Class vectors
// ---------------------------------------------------------------------------

// ClassOf returns the class vector of v as reported by class(): the
// "class" attribute when set, else the implicit class.
func ClassOf(v Value) []string {
	if cls := explicitClass(v); cls != nil {
		return cls
	}
	switch t := v.(type) {
	case *Vector:
		if dim := dimCount(t); dim == 2 {
			return []string{"matrix", "array"}
		} else if dim > 0 {
			return []string{"array"}
		}
		return []string{implicitKindClass(t.kind)}
	}
	return []string{implicitClass(v)}
}

// DispatchClass returns the class vector S3 and formal dispatch walk. It
// extends the implicit class with the type hierarchy, so an integer
// matrix dispatches on matrix, array, integer, numeric in that order.
func DispatchClass(v Value) []string {
	if cls := explicitClass(v); cls != nil {
		return cls
	}
	t, ok := v.(*Vector)
	if !ok {
		return []string{implicitClass(v)}
	}
	var out []string
	if dim := dimCount(t); dim == 2 {
		out = append(out, "matrix", "array")
	} else if dim > 0 {
		out = append(out, "array")
	}
	switch t.kind {
	case KindInteger:
		out = append(out, "integer", "numeric")
	case KindDouble:
		out = append(out, "double", "numeric")
	default:
		out = append(out, implicitKindClass(t.kind))
	}
	return out
}

func explicitClass(v Value) []string {
	cls, ok := GetAttr(v, AttrClass).(*Vector)
	if !ok || cls.kind != KindCharacter || cls.Len() == 0 {
		return nil
	}
	return append([]string(nil), cls.strs...)
}

func dimCount(v *Vector) int {
	dim, ok := v.attrs.Get(AttrDim).(*Vector)
	if !ok {
		return 0
	}
	return dim.Len()
}

func implicitKindClass(k Kind) string {
	switch k {
	case KindDouble:
		return "numeric"
	}
	return k.String()
}

func implicitClass(v Value) string {
	switch t := v.(type) {
	case nil, *NullValue:
		return "NULL"
	case *Closure, *Builtin:
		return "function"
	case *Environment:
		return "environment"
	case *Language:
		if t.TypeName() == "symbol" {
			return "name"
		}
		return "call"
	case *Vector:
		return implicitKindClass(t.kind)
	}
	return v.TypeName()
}
