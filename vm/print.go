package vm

import (
	"math"
	"strconv"
	"strings"
)

// Format renders v in deparsed form: the text that would read back as v.
// Attributes other than names are shown with structure().
func Format(v Value) string {
	var sb strings.Builder
	formatValue(&sb, v)
	return sb.String()
}

func formatValue(sb *strings.Builder, v Value) {
	switch t := v.(type) {
	case nil:
		sb.WriteString("<nil>")
	case *NullValue:
		sb.WriteString("NULL")
	case *Vector:
		formatVector(sb, t)
	case *Closure:
		sb.WriteString(t.Def.String())
	case *Builtin:
		sb.WriteString(`.Primitive("` + t.Name + `")`)
	case *Environment:
		sb.WriteString(t.String())
	case *Language:
		sb.WriteString(t.Expr.String())
	case *Promise:
		sb.WriteString(t.String())
	case *DotsList:
		sb.WriteString("<...>")
	default:
		sb.WriteString(v.TypeName())
	}
}

func formatVector(sb *strings.Builder, v *Vector) {
	var extra []string
	var names []string
	for _, n := range v.attrs.Names() {
		if n == AttrNames {
			names = asStrings(v.attrs.Get(n))
			continue
		}
		extra = append(extra, n)
	}
	if len(extra) > 0 {
		sb.WriteString("structure(")
	}

	n := v.Len()
	switch {
	case n == 0:
		sb.WriteString(emptyVector(v.kind))
	case n == 1 && names == nil && v.kind != KindList:
		formatElement(sb, v, 0)
	default:
		if v.kind == KindList {
			sb.WriteString("list(")
		} else {
			sb.WriteString("c(")
		}
		for k := 0; k < n; k++ {
			if k > 0 {
				sb.WriteString(", ")
			}
			if k < len(names) && names[k] != "" {
				sb.WriteString(names[k] + " = ")
			}
			formatElement(sb, v, k)
		}
		sb.WriteString(")")
	}

	for _, n := range extra {
		sb.WriteString(", " + attrArgName(n) + " = ")
		formatValue(sb, v.attrs.Get(n))
	}
	if len(extra) > 0 {
		sb.WriteString(")")
	}
}

func attrArgName(n string) string {
	switch n {
	case AttrClass:
		return "class"
	case AttrDim:
		return "dim"
	}
	return n
}

func emptyVector(k Kind) string {
	switch k {
	case KindDouble:
		return "numeric(0)"
	case KindList:
		return "list()"
	}
	return k.String() + "(0)"
}

func formatElement(sb *strings.Builder, v *Vector, k int) {
	switch v.kind {
	case KindInteger:
		if v.ints[k] == NAInteger {
			sb.WriteString("NA")
			return
		}
		sb.WriteString(strconv.FormatInt(v.ints[k], 10) + "L")
	case KindCharacter:
		sb.WriteString(strconv.Quote(v.strs[k]))
	case KindList:
		formatValue(sb, v.elems[k])
	default:
		sb.WriteString(elementString(v, k))
	}
}

func formatDouble(d float64) string {
	switch {
	case math.IsNaN(d):
		return "NaN"
	case math.IsInf(d, 1):
		return "Inf"
	case math.IsInf(d, -1):
		return "-Inf"
	}
	return strconv.FormatFloat(d, 'g', 15, 64)
}

// Identical reports whether a and b are the same value: equal element
// kinds, elements and attributes for vectors, identity for functions
// bound to different definitions and for environments.
func Identical(a, b Value) bool {
	if a == nil || b == nil {
		return a == b
	}
	switch x := a.(type) {
	case *Vector:
		y, ok := b.(*Vector)
		return ok && identicalVectors(x, y)
	case *Closure:
		y, ok := b.(*Closure)
		return ok && x.Def == y.Def && x.Env == y.Env && identicalAttrs(x.attrs, y.attrs)
	case *Language:
		y, ok := b.(*Language)
		return ok && x.Expr.String() == y.Expr.String()
	}
	return a == b
}

func identicalVectors(x, y *Vector) bool {
	if x.kind != y.kind || x.Len() != y.Len() || !identicalAttrs(x.attrs, y.attrs) {
		return false
	}
	for k := 0; k < x.Len(); k++ {
		switch x.kind {
		case KindLogical:
			if x.lgl[k] != y.lgl[k] {
				return false
			}
		case KindInteger:
			if x.ints[k] != y.ints[k] {
				return false
			}
		case KindDouble:
			if x.dbls[k] != y.dbls[k] && !(math.IsNaN(x.dbls[k]) && math.IsNaN(y.dbls[k])) {
				return false
			}
		case KindCharacter:
			if x.strs[k] != y.strs[k] {
				return false
			}
		case KindList:
			if !Identical(x.elems[k], y.elems[k]) {
				return false
			}
		}
	}
	return true
}

func identicalAttrs(a, b *Attributes) bool {
	if a.Len() != b.Len() {
		return false
	}
	for _, n := range a.Names() {
		if !Identical(a.Get(n), b.Get(n)) {
			return false
		}
	}
	return true
}
