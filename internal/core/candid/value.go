package candid

import (
	"math/big"
)

// Value is a typed Candid value. The zero Value is invalid.
//
// The payload depends on the kind: bool, *big.Int (nat, int), uint64
// (nat8..nat64), int64 (int8..int64), float64, string (text), []byte
// (principal, service, blob), *Value (opt, nil for none), []Value (vec,
// record fields in type order), variantData and funcRef.
type Value struct {
	Type *Type
	data any
}

type variantData struct {
	index int
	value Value
}

type funcRef struct {
	service []byte
	method  string
}

// =============================================================================
// Construction
// =============================================================================

// NullValue returns null.
func NullValue() Value { return Value{Type: Null} }

// BoolValue returns a bool.
func BoolValue(b bool) Value { return Value{Type: Bool, data: b} }

// NatValue returns a nat. n must not be negative.
func NatValue(n *big.Int) Value { return Value{Type: Nat, data: new(big.Int).Set(n)} }

// Nat64Value returns a nat64.
func Nat64Value(n uint64) Value { return Value{Type: Nat64, data: n} }

// TextValue returns a text.
func TextValue(s string) Value { return Value{Type: Text, data: s} }

// PrincipalValue returns a principal from its raw bytes.
func PrincipalValue(raw []byte) Value {
	return Value{Type: Principal, data: append([]byte{}, raw...)}
}

// BlobValue returns a vec nat8.
func BlobValue(b []byte) Value {
	return Value{Type: Blob, data: append([]byte{}, b...)}
}

// Some returns opt v.
func Some(v Value) Value {
	inner := v
	return Value{Type: Opt(v.Type), data: &inner}
}

// None returns an empty opt of the given element type.
func None(elem *Type) Value {
	return Value{Type: Opt(elem), data: (*Value)(nil)}
}

// VecValue returns a vec of items, all of type elem.
func VecValue(elem *Type, items ...Value) Value {
	return Value{Type: Vec(elem), data: append([]Value{}, items...)}
}

// NamedValue is a record field or variant alternative with its value.
type NamedValue struct {
	Name  string
	Value Value
}

// Named pairs a field name with a value.
func Named(name string, v Value) NamedValue {
	return NamedValue{Name: name, Value: v}
}

// RecordValue returns a record with the given fields.
func RecordValue(fields ...NamedValue) Value {
	typeFields := make([]Field, len(fields))
	for i, f := range fields {
		typeFields[i] = NamedField(f.Name, f.Value.Type)
	}
	t := Record(typeFields...)

	values := make([]Value, len(t.Fields))
	for _, f := range fields {
		values[t.fieldIndex(Hash(f.Name))] = f.Value
	}
	return Value{Type: t, data: values}
}

// VariantValue returns a variant whose type has the single alternative name.
func VariantValue(name string, v Value) Value {
	t := Variant(NamedField(name, v.Type))
	return Value{Type: t, data: variantData{index: 0, value: v}}
}

// =============================================================================
// Access
// =============================================================================

// Kind returns the kind of v.
func (v Value) Kind() Kind {
	if v.Type == nil {
		return 0
	}
	return v.Type.Kind
}

// Field returns the record field called name.
func (v Value) Field(name string) (Value, bool) {
	if v.Kind() != KindRecord {
		return Value{}, false
	}
	i := v.Type.fieldIndex(Hash(name))
	if i < 0 {
		return Value{}, false
	}
	return v.data.([]Value)[i], true
}

// Variant returns the hash of the chosen alternative and its value.
func (v Value) Variant() (uint32, Value, bool) {
	if v.Kind() != KindVariant {
		return 0, Value{}, false
	}
	d := v.data.(variantData)
	return v.Type.Fields[d.index].ID, d.value, true
}

// Is reports whether v is a variant with the alternative name chosen.
func (v Value) Is(name string) bool {
	id, _, ok := v.Variant()
	return ok && id == Hash(name)
}

// Opt returns the content of an opt and whether it is present.
func (v Value) Opt() (Value, bool) {
	if v.Kind() != KindOpt {
		return Value{}, false
	}
	inner := v.data.(*Value)
	if inner == nil {
		return Value{}, false
	}
	return *inner, true
}

// Vec returns the items of a vec. Blobs are reported through Blob.
func (v Value) Vec() ([]Value, bool) {
	if v.Kind() != KindVec || v.Type.isBlob() {
		return nil, false
	}
	return v.data.([]Value), true
}

// Blob returns the bytes of a vec nat8.
func (v Value) Blob() ([]byte, bool) {
	if v.Kind() != KindVec || !v.Type.isBlob() {
		return nil, false
	}
	return v.data.([]byte), true
}

// Principal returns the raw bytes of a principal.
func (v Value) Principal() ([]byte, bool) {
	if v.Kind() != KindPrincipal {
		return nil, false
	}
	return v.data.([]byte), true
}

// Nat returns a nat or int as a big integer.
func (v Value) Nat() (*big.Int, bool) {
	if v.Kind() != KindNat && v.Kind() != KindInt {
		return nil, false
	}
	return new(big.Int).Set(v.data.(*big.Int)), true
}

// Text returns a text.
func (v Value) Text() (string, bool) {
	if v.Kind() != KindText {
		return "", false
	}
	return v.data.(string), true
}

// Bool returns a bool.
func (v Value) Bool() (bool, bool) {
	if v.Kind() != KindBool {
		return false, false
	}
	return v.data.(bool), true
}
