package graph

import (
	"fmt"
	"slices"
)

// AttrKind tags the value held by an Attr.
type AttrKind string

// Attribute kinds.
const (
	AttrInt    AttrKind = "int"
	AttrInts   AttrKind = "ints"
	AttrFloat  AttrKind = "float"
	AttrFloats AttrKind = "floats"
	AttrString AttrKind = "string"
)

// Attr is one named node attribute. Only the field matching Kind is set.
type Attr struct {
	Name   string    `json:"name"`
	Kind   AttrKind  `json:"kind"`
	Int    int64     `json:"i,omitempty"`
	Ints   []int64   `json:"ints,omitempty"`
	Float  float32   `json:"f,omitempty"`
	Floats []float32 `json:"floats,omitempty"`
	Str    string    `json:"s,omitempty"`
}

// Attrs is an ordered attribute list. Order is kept so serialization is
// deterministic.
type Attrs []Attr

// Int builds an integer attribute.
func Int(name string, v int64) Attr { return Attr{Name: name, Kind: AttrInt, Int: v} }

// Ints builds an integer list attribute.
func Ints(name string, v ...int64) Attr { return Attr{Name: name, Kind: AttrInts, Ints: v} }

// Float builds a float attribute.
func Float(name string, v float32) Attr { return Attr{Name: name, Kind: AttrFloat, Float: v} }

// Floats builds a float list attribute.
func Floats(name string, v ...float32) Attr { return Attr{Name: name, Kind: AttrFloats, Floats: v} }

// String builds a string attribute.
func String(name, v string) Attr { return Attr{Name: name, Kind: AttrString, Str: v} }

// Get returns the attribute with the given name.
func (a Attrs) Get(name string) (Attr, bool) {
	for _, attr := range a {
		if attr.Name == name {
			return attr, true
		}
	}
	return Attr{}, false
}

// Has reports whether name is set.
func (a Attrs) Has(name string) bool {
	_, ok := a.Get(name)
	return ok
}

// Int returns an integer attribute or def.
func (a Attrs) Int(name string, def int64) int64 {
	if attr, ok := a.Get(name); ok && attr.Kind == AttrInt {
		return attr.Int
	}
	return def
}

// Ints returns an integer list attribute or def.
func (a Attrs) Ints(name string, def []int64) []int64 {
	if attr, ok := a.Get(name); ok && attr.Kind == AttrInts {
		return attr.Ints
	}
	return def
}

// Float returns a float attribute or def.
func (a Attrs) Float(name string, def float32) float32 {
	if attr, ok := a.Get(name); ok && attr.Kind == AttrFloat {
		return attr.Float
	}
	return def
}

// Floats returns a float list attribute or def.
func (a Attrs) Floats(name string, def []float32) []float32 {
	if attr, ok := a.Get(name); ok && attr.Kind == AttrFloats {
		return attr.Floats
	}
	return def
}

// String returns a string attribute or def.
func (a Attrs) String(name, def string) string {
	if attr, ok := a.Get(name); ok && attr.Kind == AttrString {
		return attr.Str
	}
	return def
}

// IntPair reads a two-element int list such as kernel_shape or strides.
func (a Attrs) IntPair(name string, def [2]int) ([2]int, error) {
	v := a.Ints(name, nil)
	if v == nil {
		return def, nil
	}
	if len(v) != 2 {
		return def, fmt.Errorf("attribute %s: want 2 values, got %d", name, len(v))
	}
	return [2]int{int(v[0]), int(v[1])}, nil
}

// Clone returns a deep copy.
func (a Attrs) Clone() Attrs {
	if a == nil {
		return nil
	}
	out := make(Attrs, len(a))
	for i, attr := range a {
		attr.Ints = slices.Clone(attr.Ints)
		attr.Floats = slices.Clone(attr.Floats)
		out[i] = attr
	}
	return out
}

// Equal compares two attribute lists by value and order.
func (a Attrs) Equal(b Attrs) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		x, y := a[i], b[i]
		if x.Name != y.Name || x.Kind != y.Kind || x.Int != y.Int || x.Float != y.Float || x.Str != y.Str ||
			!slices.Equal(x.Ints, y.Ints) || !slices.Equal(x.Floats, y.Floats) {
			return false
		}
	}
	return true
}
