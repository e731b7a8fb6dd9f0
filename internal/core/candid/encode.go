package candid

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
	"unicode/utf8"
)

// magic prefixes every Candid message.
var magic = []byte("DIDL")

// Encode serializes args as one Candid message.
func Encode(args ...Value) ([]byte, error) {
	tb := &typeTable{index: make(map[*Type]int64)}
	refs := make([]int64, len(args))
	for i, a := range args {
		if a.Type == nil {
			return nil, fmt.Errorf("candid: argument %d has no type", i)
		}
		ref, err := tb.ref(a.Type)
		if err != nil {
			return nil, err
		}
		refs[i] = ref
	}

	out := append([]byte{}, magic...)
	out = appendLEB(out, uint64(len(tb.entries)))
	for _, e := range tb.entries {
		out = append(out, e...)
	}
	out = appendLEB(out, uint64(len(args)))
	for _, ref := range refs {
		out = appendSLEB(out, ref)
	}

	var err error
	for i, a := range args {
		if out, err = appendValue(out, a); err != nil {
			return nil, fmt.Errorf("candid: argument %d: %w", i, err)
		}
	}
	return out, nil
}

// typeTable collects the compound types of a message. Types are keyed by
// pointer, so shared *Type values are emitted once.
type typeTable struct {
	entries [][]byte
	index   map[*Type]int64
}

func (tb *typeTable) ref(t *Type) (int64, error) {
	if t.Kind.primitive() {
		return int64(t.Kind), nil
	}
	if i, ok := tb.index[t]; ok {
		return i, nil
	}

	i := int64(len(tb.entries))
	tb.index[t] = i
	tb.entries = append(tb.entries, nil)

	entry := appendSLEB(nil, int64(t.Kind))
	switch t.Kind {
	case KindOpt, KindVec:
		if t.Elem == nil {
			return 0, fmt.Errorf("candid: %d type without element", t.Kind)
		}
		elem, err := tb.ref(t.Elem)
		if err != nil {
			return 0, err
		}
		entry = appendSLEB(entry, elem)
	case KindRecord, KindVariant:
		entry = appendLEB(entry, uint64(len(t.Fields)))
		for _, f := range t.Fields {
			ft, err := tb.ref(f.Type)
			if err != nil {
				return 0, err
			}
			entry = appendLEB(entry, uint64(f.ID))
			entry = appendSLEB(entry, ft)
		}
	default:
		return 0, fmt.Errorf("candid: cannot encode type %d", t.Kind)
	}
	tb.entries[i] = entry
	return i, nil
}

func appendValue(b []byte, v Value) ([]byte, error) {
	t := v.Type
	switch t.Kind {
	case KindNull, KindReserved:
		return b, nil

	case KindBool:
		x, ok := v.data.(bool)
		if !ok {
			return nil, mismatch(v)
		}
		if x {
			return append(b, 1), nil
		}
		return append(b, 0), nil

	case KindNat:
		x, ok := v.data.(*big.Int)
		if !ok || x.Sign() < 0 {
			return nil, mismatch(v)
		}
		return appendBigLEB(b, x), nil

	case KindInt:
		x, ok := v.data.(*big.Int)
		if !ok {
			return nil, mismatch(v)
		}
		return appendBigSLEB(b, x), nil

	case KindNat8, KindNat16, KindNat32, KindNat64:
		x, ok := v.data.(uint64)
		if !ok {
			return nil, mismatch(v)
		}
		return appendFixed(b, x, fixedWidth(t.Kind)), nil

	case KindInt8, KindInt16, KindInt32, KindInt64:
		x, ok := v.data.(int64)
		if !ok {
			return nil, mismatch(v)
		}
		return appendFixed(b, uint64(x), fixedWidth(t.Kind)), nil

	case KindFloat32:
		x, ok := v.data.(float64)
		if !ok {
			return nil, mismatch(v)
		}
		return binary.LittleEndian.AppendUint32(b, math.Float32bits(float32(x))), nil

	case KindFloat64:
		x, ok := v.data.(float64)
		if !ok {
			return nil, mismatch(v)
		}
		return binary.LittleEndian.AppendUint64(b, math.Float64bits(x)), nil

	case KindText:
		x, ok := v.data.(string)
		if !ok || !utf8.ValidString(x) {
			return nil, mismatch(v)
		}
		b = appendLEB(b, uint64(len(x)))
		return append(b, x...), nil

	case KindPrincipal:
		x, ok := v.data.([]byte)
		if !ok {
			return nil, mismatch(v)
		}
		b = append(b, 1)
		b = appendLEB(b, uint64(len(x)))
		return append(b, x...), nil

	case KindOpt:
		x, ok := v.data.(*Value)
		if !ok {
			return nil, mismatch(v)
		}
		if x == nil {
			return append(b, 0), nil
		}
		return appendValue(append(b, 1), *x)

	case KindVec:
		if t.isBlob() {
			x, ok := v.data.([]byte)
			if !ok {
				return nil, mismatch(v)
			}
			b = appendLEB(b, uint64(len(x)))
			return append(b, x...), nil
		}
		items, ok := v.data.([]Value)
		if !ok {
			return nil, mismatch(v)
		}
		b = appendLEB(b, uint64(len(items)))
		var err error
		for _, item := range items {
			if b, err = appendValue(b, item); err != nil {
				return nil, err
			}
		}
		return b, nil

	case KindRecord:
		fields, ok := v.data.([]Value)
		if !ok || len(fields) != len(t.Fields) {
			return nil, mismatch(v)
		}
		var err error
		for _, f := range fields {
			if b, err = appendValue(b, f); err != nil {
				return nil, err
			}
		}
		return b, nil

	case KindVariant:
		d, ok := v.data.(variantData)
		if !ok || d.index < 0 || d.index >= len(t.Fields) {
			return nil, mismatch(v)
		}
		return appendValue(appendLEB(b, uint64(d.index)), d.value)
	}
	return nil, fmt.Errorf("cannot encode value of type %d", t.Kind)
}

func fixedWidth(k Kind) int {
	switch k {
	case KindNat8, KindInt8:
		return 1
	case KindNat16, KindInt16:
		return 2
	case KindNat32, KindInt32:
		return 4
	default:
		return 8
	}
}

func appendFixed(b []byte, x uint64, width int) []byte {
	for i := 0; i < width; i++ {
		b = append(b, byte(x>>(8*i)))
	}
	return b
}

func mismatch(v Value) error {
	return fmt.Errorf("value %T does not match type %d", v.data, v.Type.Kind)
}
