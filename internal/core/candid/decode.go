package candid

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"
)

// ErrInvalidMessage is returned for bytes that are not a well-formed
// Candid message.
var ErrInvalidMessage = errors.New("invalid candid message")

// maxDepth bounds value nesting, which recursive types leave to the data.
const maxDepth = 256

// maxPrincipalLen is the longest principal the IC issues.
const maxPrincipalLen = 29

// Decode parses one Candid message into its argument values. Field names of
// decoded records and variants are unknown; look them up with Field and Is.
func Decode(data []byte) ([]Value, error) {
	values, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return values, nil
}

type rawField struct {
	id  uint32
	ref int64
}

type rawEntry struct {
	kind   Kind
	elem   int64
	fields []rawField
}

func decode(data []byte) ([]Value, error) {
	if !bytes.HasPrefix(data, magic) {
		return nil, errors.New("missing DIDL prefix")
	}
	r := &reader{data: data, pos: len(magic)}

	count, err := r.leb()
	if err != nil {
		return nil, err
	}
	if count > uint64(r.remaining()) {
		return nil, errTruncated
	}
	entries := make([]rawEntry, count)
	for i := range entries {
		if entries[i], err = readEntry(r); err != nil {
			return nil, fmt.Errorf("type %d: %w", i, err)
		}
	}
	types, err := resolveTable(entries)
	if err != nil {
		return nil, err
	}

	argc, err := r.leb()
	if err != nil {
		return nil, err
	}
	if argc > uint64(r.remaining()) {
		return nil, errTruncated
	}
	argTypes := make([]*Type, argc)
	for i := range argTypes {
		ref, err := r.sleb()
		if err != nil {
			return nil, err
		}
		if argTypes[i], err = lookup(types, ref); err != nil {
			return nil, err
		}
	}

	values := make([]Value, argc)
	for i, t := range argTypes {
		if values[i], err = readValue(r, t, 0); err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
	}
	if r.remaining() != 0 {
		return nil, fmt.Errorf("%d trailing bytes", r.remaining())
	}
	return values, nil
}

func readEntry(r *reader) (rawEntry, error) {
	op, err := r.sleb()
	if err != nil {
		return rawEntry{}, err
	}
	e := rawEntry{kind: Kind(op)}
	switch e.kind {
	case KindOpt, KindVec:
		e.elem, err = r.sleb()
		return e, err

	case KindRecord, KindVariant:
		n, err := r.leb()
		if err != nil {
			return e, err
		}
		if n > uint64(r.remaining()) {
			return e, errTruncated
		}
		e.fields = make([]rawField, n)
		for i := range e.fields {
			id, err := r.leb()
			if err != nil {
				return e, err
			}
			if id > math.MaxUint32 {
				return e, fmt.Errorf("field id %d out of range", id)
			}
			if i > 0 && uint32(id) <= e.fields[i-1].id {
				return e, errors.New("field ids not strictly increasing")
			}
			ref, err := r.sleb()
			if err != nil {
				return e, err
			}
			e.fields[i] = rawField{id: uint32(id), ref: ref}
		}
		return e, nil

	case KindFunc:
		for _, section := range []string{"args", "results"} {
			n, err := r.leb()
			if err != nil {
				return e, err
			}
			for j := uint64(0); j < n; j++ {
				if _, err := r.sleb(); err != nil {
					return e, fmt.Errorf("func %s: %w", section, err)
				}
			}
		}
		n, err := r.leb()
		if err != nil {
			return e, err
		}
		_, err = r.bytes(n)
		return e, err

	case KindService:
		n, err := r.leb()
		if err != nil {
			return e, err
		}
		for j := uint64(0); j < n; j++ {
			l, err := r.leb()
			if err != nil {
				return e, err
			}
			if _, err := r.bytes(l); err != nil {
				return e, err
			}
			if _, err := r.sleb(); err != nil {
				return e, err
			}
		}
		return e, nil
	}
	return e, fmt.Errorf("unknown type opcode %d", op)
}

// resolveTable links table entries. Entries may refer to each other in any
// order, including recursively.
func resolveTable(entries []rawEntry) ([]*Type, error) {
	types := make([]*Type, len(entries))
	for i, e := range entries {
		types[i] = &Type{Kind: e.kind}
	}
	for i, e := range entries {
		t := types[i]
		switch e.kind {
		case KindOpt, KindVec:
			elem, err := lookup(types, e.elem)
			if err != nil {
				return nil, err
			}
			t.Elem = elem
		case KindRecord, KindVariant:
			t.Fields = make([]Field, len(e.fields))
			for j, f := range e.fields {
				ft, err := lookup(types, f.ref)
				if err != nil {
					return nil, err
				}
				t.Fields[j] = Field{ID: f.id, Type: ft}
			}
		}
	}
	return types, nil
}

func lookup(types []*Type, ref int64) (*Type, error) {
	if ref >= 0 {
		if ref >= int64(len(types)) {
			return nil, fmt.Errorf("type index %d out of range", ref)
		}
		return types[ref], nil
	}
	if t, ok := primitives[Kind(ref)]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("invalid type reference %d", ref)
}

func readValue(r *reader, t *Type, depth int) (Value, error) {
	if depth > maxDepth {
		return Value{}, errors.New("value nested too deeply")
	}
	v := Value{Type: t}

	switch t.Kind {
	case KindNull, KindReserved:
		return v, nil

	case KindEmpty:
		return v, errors.New("value of type empty")

	case KindBool:
		c, err := r.byte()
		if err != nil {
			return v, err
		}
		if c > 1 {
			return v, fmt.Errorf("invalid bool byte %d", c)
		}
		v.data = c == 1
		return v, nil

	case KindNat:
		n, err := r.bigLEB()
		v.data = n
		return v, err

	case KindInt:
		n, err := r.bigSLEB()
		v.data = n
		return v, err

	case KindNat8, KindNat16, KindNat32, KindNat64:
		b, err := r.bytes(uint64(fixedWidth(t.Kind)))
		if err != nil {
			return v, err
		}
		v.data = readFixed(b)
		return v, nil

	case KindInt8, KindInt16, KindInt32, KindInt64:
		width := fixedWidth(t.Kind)
		b, err := r.bytes(uint64(width))
		if err != nil {
			return v, err
		}
		shift := uint(64 - 8*width)
		v.data = int64(readFixed(b)<<shift) >> shift
		return v, nil

	case KindFloat32:
		b, err := r.bytes(4)
		if err != nil {
			return v, err
		}
		v.data = float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
		return v, nil

	case KindFloat64:
		b, err := r.bytes(8)
		if err != nil {
			return v, err
		}
		v.data = math.Float64frombits(binary.LittleEndian.Uint64(b))
		return v, nil

	case KindText:
		s, err := readText(r)
		v.data = s
		return v, err

	case KindPrincipal, KindService:
		p, err := readReference(r)
		v.data = p
		return v, err

	case KindFunc:
		p, err := readReference(r)
		if err != nil {
			return v, err
		}
		method, err := readText(r)
		v.data = funcRef{service: p, method: method}
		return v, err

	case KindOpt:
		c, err := r.byte()
		if err != nil {
			return v, err
		}
		switch c {
		case 0:
			v.data = (*Value)(nil)
			return v, nil
		case 1:
			inner, err := readValue(r, t.Elem, depth+1)
			v.data = &inner
			return v, err
		}
		return v, fmt.Errorf("invalid opt tag %d", c)

	case KindVec:
		n, err := r.leb()
		if err != nil {
			return v, err
		}
		if t.isBlob() {
			b, err := r.bytes(n)
			v.data = append([]byte{}, b...)
			return v, err
		}
		if n > uint64(r.remaining()) && !zeroSized(t.Elem, 0) {
			return v, errTruncated
		}
		if n > 1<<20 {
			return v, fmt.Errorf("vec of %d items", n)
		}
		items := make([]Value, n)
		for i := range items {
			if items[i], err = readValue(r, t.Elem, depth+1); err != nil {
				return v, err
			}
		}
		v.data = items
		return v, nil

	case KindRecord:
		fields := make([]Value, len(t.Fields))
		var err error
		for i, f := range t.Fields {
			if fields[i], err = readValue(r, f.Type, depth+1); err != nil {
				return v, err
			}
		}
		v.data = fields
		return v, nil

	case KindVariant:
		idx, err := r.leb()
		if err != nil {
			return v, err
		}
		if idx >= uint64(len(t.Fields)) {
			return v, fmt.Errorf("variant index %d out of range", idx)
		}
		inner, err := readValue(r, t.Fields[idx].Type, depth+1)
		v.data = variantData{index: int(idx), value: inner}
		return v, err
	}
	return v, fmt.Errorf("cannot decode type %d", t.Kind)
}

func readFixed(b []byte) uint64 {
	var x uint64
	for i, c := range b {
		x |= uint64(c) << (8 * i)
	}
	return x
}

func readText(r *reader) (string, error) {
	n, err := r.leb()
	if err != nil {
		return "", err
	}
	b, err := r.bytes(n)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", errors.New("text is not utf-8")
	}
	return string(b), nil
}

// readReference reads a transparent principal reference.
func readReference(r *reader) ([]byte, error) {
	c, err := r.byte()
	if err != nil {
		return nil, err
	}
	if c != 1 {
		return nil, errors.New("opaque reference")
	}
	n, err := r.leb()
	if err != nil {
		return nil, err
	}
	if n > maxPrincipalLen {
		return nil, fmt.Errorf("principal of %d bytes", n)
	}
	b, err := r.bytes(n)
	if err != nil {
		return nil, err
	}
	return append([]byte{}, b...), nil
}

// zeroSized reports whether values of t occupy no bytes. Recursive records
// are treated as sized.
func zeroSized(t *Type, depth int) bool {
	if depth > maxDepth {
		return false
	}
	switch t.Kind {
	case KindNull, KindReserved:
		return true
	case KindRecord:
		for _, f := range t.Fields {
			if !zeroSized(f.Type, depth+1) {
				return false
			}
		}
		return true
	}
	return false
}
