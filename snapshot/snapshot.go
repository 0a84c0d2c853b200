// Package snapshot saves the data bindings of an environment as a
// canonical CBOR image and restores them.
//
// Only data survives a round trip: vectors of every kind with their
// attributes, NULL and nested lists. Functions, environments and
// language objects are skipped, as are promises that were never forced;
// forced promises contribute their value. The names of skipped bindings
// are recorded in the image.
package snapshot

import (
	"errors"
	"fmt"

	"github.com/blang/semver"
	"github.com/fxamacker/cbor/v2"
	"github.com/tliron/commonlog"

	"github.com/chazu/rcore/vm"
)

// FormatVersion is the image format written by this package. Images
// with a newer major version are refused.
var FormatVersion = semver.MustParse("1.0.0")

var (
	// ErrIncompatible is returned for images written by a newer format.
	ErrIncompatible = errors.New("incompatible image format")

	// ErrNotData is returned when a value has no image representation.
	ErrNotData = errors.New("value cannot be stored in an image")
)

var log = commonlog.GetLogger("rcore.snapshot")

var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("snapshot: failed to create CBOR enc mode: %v", err))
	}
	encMode = em
}

// Image is the serialized form of an environment's data bindings.
type Image struct {
	Version  string    `cbor:"1,keyasint"`
	Bindings []Binding `cbor:"2,keyasint"`
	Skipped  []string  `cbor:"3,keyasint,omitempty"`
}

// Binding is one named value.
type Binding struct {
	Name  string `cbor:"1,keyasint"`
	Value *Node  `cbor:"2,keyasint"`
}

// Node encodes NULL or a vector. Kind is 0 for NULL and vm.Kind+1 for
// vectors; only the slice matching the kind is populated.
type Node struct {
	Kind     uint8     `cbor:"1,keyasint"`
	Logicals []int8    `cbor:"2,keyasint,omitempty"`
	Integers []int64   `cbor:"3,keyasint,omitempty"`
	Doubles  []float64 `cbor:"4,keyasint,omitempty"`
	Strings  []string  `cbor:"5,keyasint,omitempty"`
	Elements []*Node   `cbor:"6,keyasint,omitempty"`
	Attrs    []Binding `cbor:"7,keyasint,omitempty"`
}

const nullKind = 0

// Capture builds an image from the bindings of env, in binding order.
func Capture(env *vm.Environment) *Image {
	img := &Image{Version: FormatVersion.String()}
	env.Each(func(name string, v vm.Value) {
		if p, ok := v.(*vm.Promise); ok {
			if !p.IsEvaluated() {
				img.Skipped = append(img.Skipped, name)
				return
			}
			v = p.Value()
		}
		n, err := encodeValue(v)
		if err != nil {
			log.Debugf("skipping %s: %s", name, err)
			img.Skipped = append(img.Skipped, name)
			return
		}
		img.Bindings = append(img.Bindings, Binding{Name: name, Value: n})
	})
	return img
}

// Marshal serializes the image in canonical CBOR.
func (img *Image) Marshal() ([]byte, error) {
	return encMode.Marshal(img)
}

// Unmarshal parses an image and checks its format version.
func Unmarshal(data []byte) (*Image, error) {
	var img Image
	if err := cbor.Unmarshal(data, &img); err != nil {
		return nil, fmt.Errorf("snapshot: unmarshal image: %w", err)
	}
	v, err := semver.Parse(img.Version)
	if err != nil {
		return nil, fmt.Errorf("snapshot: image version %q: %w", img.Version, err)
	}
	if v.Major > FormatVersion.Major {
		return nil, fmt.Errorf("snapshot: %w: image is version %s, this build reads %d.x", ErrIncompatible, v, FormatVersion.Major)
	}
	return &img, nil
}

// Restore binds every value of the image in env.
func (img *Image) Restore(env *vm.Environment) error {
	for _, b := range img.Bindings {
		v, err := decodeNode(b.Value)
		if err != nil {
			return fmt.Errorf("snapshot: binding %q: %w", b.Name, err)
		}
		if err := env.Put(b.Name, v); err != nil {
			return fmt.Errorf("snapshot: binding %q: %w", b.Name, err)
		}
	}
	log.Debugf("restored %d bindings into %s", len(img.Bindings), env.Name())
	return nil
}

// Encode captures env and serializes it.
func Encode(env *vm.Environment) ([]byte, error) {
	return Capture(env).Marshal()
}

// Decode parses data and restores its bindings into env.
func Decode(data []byte, env *vm.Environment) (*Image, error) {
	img, err := Unmarshal(data)
	if err != nil {
		return nil, err
	}
	if err := img.Restore(env); err != nil {
		return nil, err
	}
	return img, nil
}

func encodeValue(v vm.Value) (*Node, error) {
	if v == vm.Value(vm.Null) {
		return &Node{Kind: nullKind}, nil
	}
	vec, ok := v.(*vm.Vector)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotData, v.TypeName())
	}
	n := &Node{Kind: uint8(vec.Kind()) + 1}
	switch vec.Kind() {
	case vm.KindLogical:
		n.Logicals = make([]int8, len(vec.Logicals()))
		for i, l := range vec.Logicals() {
			n.Logicals[i] = int8(l)
		}
	case vm.KindInteger:
		n.Integers = vec.Integers()
	case vm.KindDouble:
		n.Doubles = vec.Doubles()
	case vm.KindCharacter:
		n.Strings = vec.Strings()
	case vm.KindList:
		n.Elements = make([]*Node, len(vec.Elements()))
		for i, e := range vec.Elements() {
			en, err := encodeValue(e)
			if err != nil {
				return nil, err
			}
			n.Elements[i] = en
		}
	}
	for _, name := range vec.AttributeNames() {
		an, err := encodeValue(vm.GetAttr(vec, name))
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", name, err)
		}
		n.Attrs = append(n.Attrs, Binding{Name: name, Value: an})
	}
	return n, nil
}

func decodeNode(n *Node) (vm.Value, error) {
	if n == nil || n.Kind == nullKind {
		return vm.Null, nil
	}
	var vec *vm.Vector
	switch vm.Kind(n.Kind - 1) {
	case vm.KindLogical:
		lgl := make([]vm.Logical, len(n.Logicals))
		for i, l := range n.Logicals {
			lgl[i] = vm.Logical(l)
		}
		vec = vm.NewLogical(lgl...)
	case vm.KindInteger:
		vec = vm.NewInteger(n.Integers...)
	case vm.KindDouble:
		vec = vm.NewDouble(n.Doubles...)
	case vm.KindCharacter:
		vec = vm.NewCharacter(n.Strings...)
	case vm.KindList:
		elems := make([]vm.Value, len(n.Elements))
		for i, e := range n.Elements {
			v, err := decodeNode(e)
			if err != nil {
				return nil, err
			}
			elems[i] = v
		}
		vec = vm.NewList(elems...)
	default:
		return nil, fmt.Errorf("unknown node kind %d", n.Kind)
	}
	for _, a := range n.Attrs {
		v, err := decodeNode(a.Value)
		if err != nil {
			return nil, err
		}
		vec.Attributes().Set(a.Name, v)
	}
	return vec, nil
}
