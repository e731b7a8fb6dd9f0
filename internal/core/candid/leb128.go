package candid

import (
	"errors"
	"math/big"
)

var errOverflow = errors.New("leb128 overflows 64 bits")

func appendLEB(b []byte, n uint64) []byte {
	for n >= 0x80 {
		b = append(b, byte(n)|0x80)
		n >>= 7
	}
	return append(b, byte(n))
}

func appendSLEB(b []byte, n int64) []byte {
	for {
		c := byte(n & 0x7f)
		n >>= 7
		if (n == 0 && c&0x40 == 0) || (n == -1 && c&0x40 != 0) {
			return append(b, c)
		}
		b = append(b, c|0x80)
	}
}

var (
	big7f     = big.NewInt(0x7f)
	bigMinus1 = big.NewInt(-1)
)

func appendBigLEB(b []byte, n *big.Int) []byte {
	n = new(big.Int).Set(n)
	low := new(big.Int)
	for {
		c := byte(low.And(n, big7f).Uint64())
		n.Rsh(n, 7)
		if n.Sign() == 0 {
			return append(b, c)
		}
		b = append(b, c|0x80)
	}
}

func appendBigSLEB(b []byte, n *big.Int) []byte {
	n = new(big.Int).Set(n)
	low := new(big.Int)
	for {
		c := byte(low.And(n, big7f).Uint64())
		n.Rsh(n, 7)
		if (n.Sign() == 0 && c&0x40 == 0) || (n.Cmp(bigMinus1) == 0 && c&0x40 != 0) {
			return append(b, c)
		}
		b = append(b, c|0x80)
	}
}

// reader consumes a message left to right.
type reader struct {
	data []byte
	pos  int
}

var errTruncated = errors.New("unexpected end of message")

func (r *reader) remaining() int { return len(r.data) - r.pos }

func (r *reader) byte() (byte, error) {
	if r.pos >= len(r.data) {
		return 0, errTruncated
	}
	c := r.data[r.pos]
	r.pos++
	return c, nil
}

func (r *reader) bytes(n uint64) ([]byte, error) {
	if n > uint64(r.remaining()) {
		return nil, errTruncated
	}
	out := r.data[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return out, nil
}

func (r *reader) leb() (uint64, error) {
	var n uint64
	for shift := uint(0); ; shift += 7 {
		c, err := r.byte()
		if err != nil {
			return 0, err
		}
		if shift == 63 && c > 1 {
			return 0, errOverflow
		}
		n |= uint64(c&0x7f) << shift
		if c&0x80 == 0 {
			return n, nil
		}
		if shift >= 63 {
			return 0, errOverflow
		}
	}
}

func (r *reader) sleb() (int64, error) {
	var n int64
	var shift uint
	for {
		c, err := r.byte()
		if err != nil {
			return 0, err
		}
		if shift >= 64 {
			return 0, errOverflow
		}
		n |= int64(c&0x7f) << shift
		shift += 7
		if c&0x80 == 0 {
			if shift < 64 && c&0x40 != 0 {
				n |= -1 << shift
			}
			return n, nil
		}
	}
}

func (r *reader) bigLEB() (*big.Int, error) {
	n := new(big.Int)
	part := new(big.Int)
	for shift := uint(0); ; shift += 7 {
		c, err := r.byte()
		if err != nil {
			return nil, err
		}
		part.SetUint64(uint64(c & 0x7f))
		n.Or(n, part.Lsh(part, shift))
		if c&0x80 == 0 {
			return n, nil
		}
	}
}

func (r *reader) bigSLEB() (*big.Int, error) {
	n := new(big.Int)
	part := new(big.Int)
	var shift uint
	for {
		c, err := r.byte()
		if err != nil {
			return nil, err
		}
		part.SetUint64(uint64(c & 0x7f))
		n.Or(n, part.Lsh(part, shift))
		shift += 7
		if c&0x80 == 0 {
			if c&0x40 != 0 {
				n.Sub(n, new(big.Int).Lsh(big.NewInt(1), shift))
			}
			return n, nil
		}
	}
}
