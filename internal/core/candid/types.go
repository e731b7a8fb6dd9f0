// Package candid encodes and decodes Candid, the binary interface format the
// management canister speaks. Only what management calls need is exposed for
// building values, but any well-formed message can be decoded.
//
// This package contains pure functions with no I/O.
package candid

import "sort"

// Kind is the Candid type opcode.
type Kind int

const (
	KindNull      Kind = -1
	KindBool      Kind = -2
	KindNat       Kind = -3
	KindInt       Kind = -4
	KindNat8      Kind = -5
	KindNat16     Kind = -6
	KindNat32     Kind = -7
	KindNat64     Kind = -8
	KindInt8      Kind = -9
	KindInt16     Kind = -10
	KindInt32     Kind = -11
	KindInt64     Kind = -12
	KindFloat32   Kind = -13
	KindFloat64   Kind = -14
	KindText      Kind = -15
	KindReserved  Kind = -16
	KindEmpty     Kind = -17
	KindOpt       Kind = -18
	KindVec       Kind = -19
	KindRecord    Kind = -20
	KindVariant   Kind = -21
	KindFunc      Kind = -22
	KindService   Kind = -23
	KindPrincipal Kind = -24
)

func (k Kind) primitive() bool {
	return (k <= KindNull && k >= KindEmpty) || k == KindPrincipal
}

// Type is a Candid type. Elem is set for opt and vec, Fields for record and
// variant.
type Type struct {
	Kind   Kind
	Elem   *Type
	Fields []Field
}

// Field is a record field or variant alternative. Name is empty for types
// decoded from the wire, which only carry the hash.
type Field struct {
	ID   uint32
	Name string
	Type *Type
}

// Primitive types.
var (
	Null      = &Type{Kind: KindNull}
	Bool      = &Type{Kind: KindBool}
	Nat       = &Type{Kind: KindNat}
	Int       = &Type{Kind: KindInt}
	Nat8      = &Type{Kind: KindNat8}
	Nat16     = &Type{Kind: KindNat16}
	Nat32     = &Type{Kind: KindNat32}
	Nat64     = &Type{Kind: KindNat64}
	Int8      = &Type{Kind: KindInt8}
	Int16     = &Type{Kind: KindInt16}
	Int32     = &Type{Kind: KindInt32}
	Int64     = &Type{Kind: KindInt64}
	Float32   = &Type{Kind: KindFloat32}
	Float64   = &Type{Kind: KindFloat64}
	Text      = &Type{Kind: KindText}
	Reserved  = &Type{Kind: KindReserved}
	Empty     = &Type{Kind: KindEmpty}
	Principal = &Type{Kind: KindPrincipal}
)

var primitives = map[Kind]*Type{
	KindNull: Null, KindBool: Bool, KindNat: Nat, KindInt: Int,
	KindNat8: Nat8, KindNat16: Nat16, KindNat32: Nat32, KindNat64: Nat64,
	KindInt8: Int8, KindInt16: Int16, KindInt32: Int32, KindInt64: Int64,
	KindFloat32: Float32, KindFloat64: Float64, KindText: Text,
	KindReserved: Reserved, KindEmpty: Empty, KindPrincipal: Principal,
}

// Opt returns the type opt elem.
func Opt(elem *Type) *Type { return &Type{Kind: KindOpt, Elem: elem} }

// Vec returns the type vec elem.
func Vec(elem *Type) *Type { return &Type{Kind: KindVec, Elem: elem} }

// Blob is vec nat8.
var Blob = Vec(Nat8)

// NamedField returns a field whose ID is the hash of name.
func NamedField(name string, t *Type) Field {
	return Field{ID: Hash(name), Name: name, Type: t}
}

// Record returns a record type with fields sorted by ID.
func Record(fields ...Field) *Type {
	return &Type{Kind: KindRecord, Fields: sortFields(fields)}
}

// Variant returns a variant type with alternatives sorted by ID.
func Variant(fields ...Field) *Type {
	return &Type{Kind: KindVariant, Fields: sortFields(fields)}
}

func sortFields(fields []Field) []Field {
	out := append([]Field(nil), fields...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Hash is the Candid field-name hash.
func Hash(name string) uint32 {
	var h uint32
	for i := 0; i < len(name); i++ {
		h = h*223 + uint32(name[i])
	}
	return h
}

func (t *Type) fieldIndex(id uint32) int {
	i := sort.Search(len(t.Fields), func(i int) bool { return t.Fields[i].ID >= id })
	if i < len(t.Fields) && t.Fields[i].ID == id {
		return i
	}
	return -1
}

// isBlob reports whether t is vec nat8, which is carried as []byte.
func (t *Type) isBlob() bool {
	return t.Kind == KindVec && t.Elem != nil && t.Elem.Kind == KindNat8
}
