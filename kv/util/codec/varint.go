package codec

import (
	"math/bits"

	"github.com/pingcap/errors"
)

// Variable length encoding of non-negative integers. Values are split into 7-bit groups, most significant group
// first. A forward value marks its last byte with stopMask, a backward value marks its first byte, so that it can be
// read starting from the byte following it.
const (
	stopMask = byte(0x80)
	bitMask  = byte(0x7f)

	maxVarintLen = 10
)

// ErrVarintOverflow is returned when a varint does not terminate within the maximal length.
var ErrVarintOverflow = errors.New("codec: varint overflows a 64-bit integer")

// ErrBufferUnderflow is returned when a read runs past either end of the buffer.
var ErrBufferUnderflow = errors.New("codec: insufficient bytes")

func unsignedBitLength(v uint64) int {
	if v == 0 {
		return 1
	}
	return bits.Len64(v)
}

// PositiveLength returns the number of bytes AppendPositive uses for v.
func PositiveLength(v uint64) int {
	return (unsignedBitLength(v) + 6) / 7
}

// AppendPositive appends the forward variable length encoding of v.
func AppendPositive(b []byte, v uint64) []byte {
	return appendUnsigned(b, PositiveLength(v)*7, v)
}

func appendUnsigned(b []byte, offset int, v uint64) []byte {
	for offset > 0 {
		offset -= 7
		g := byte(v>>uint(offset)) & bitMask
		if offset == 0 {
			g |= stopMask
		}
		b = append(b, g)
	}
	return b
}

// AppendPositiveBackward appends v so that it can be read backward from the position right after it.
func AppendPositiveBackward(b []byte, v uint64) []byte {
	n := PositiveLength(v)
	for i := n - 1; i >= 0; i-- {
		g := byte(v>>uint(7*i)) & bitMask
		if i == n-1 {
			g |= stopMask
		}
		b = append(b, g)
	}
	return b
}

// AppendPositiveWithPrefix appends v and stores a prefixBits wide prefix in the high bits of the first byte.
// The first byte holds [prefix][continue bit][value bits].
func AppendPositiveWithPrefix(b []byte, v uint64, prefix uint64, prefixBits uint) []byte {
	if prefixBits == 0 || prefixBits > 5 || prefix >= 1<<prefixBits {
		panic("codec: invalid prefix")
	}
	deltaLen := 8 - prefixBits
	first := byte(prefix << deltaLen)
	valueLen := unsignedBitLength(v)
	mod := valueLen % 7
	if mod <= int(deltaLen)-1 {
		offset := valueLen - mod
		first |= byte(v >> uint(offset))
		if offset < 64 {
			v &= (uint64(1) << uint(offset)) - 1
		}
		valueLen -= mod
	} else {
		valueLen += 7 - mod
	}
	if valueLen > 0 {
		first |= 1 << (deltaLen - 1)
	}
	b = append(b, first)
	if valueLen > 0 {
		b = appendUnsigned(b, valueLen, v)
	}
	return b
}

// ReadBuffer reads encoded values from a byte slice. The position can be moved freely, which is how entries with
// backward encoded fields are decoded.
type ReadBuffer struct {
	data []byte
	pos  int
}

func NewReadBuffer(data []byte) *ReadBuffer {
	return &ReadBuffer{data: data}
}

func (r *ReadBuffer) Pos() int { return r.pos }

func (r *ReadBuffer) Len() int { return len(r.data) }

// MoveTo repositions the buffer.
func (r *ReadBuffer) MoveTo(pos int) {
	r.pos = pos
}

func (r *ReadBuffer) HasRemaining() bool { return r.pos < len(r.data) }

// Rest returns the unread bytes without consuming them.
func (r *ReadBuffer) Rest() []byte { return r.data[r.pos:] }

// Skip advances the position by n bytes.
func (r *ReadBuffer) Skip(n int) error {
	if r.pos+n > len(r.data) {
		return errors.Trace(ErrBufferUnderflow)
	}
	r.pos += n
	return nil
}

func (r *ReadBuffer) ReadByte() (byte, error) {
	if r.pos >= len(r.data) {
		return 0, errors.Trace(ErrBufferUnderflow)
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

func (r *ReadBuffer) ReadN(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.data) {
		return nil, errors.Trace(ErrBufferUnderflow)
	}
	out := r.data[r.pos : r.pos+n]
	r.pos += n
	return out, nil
}

// ReadPositive reads a value written by AppendPositive.
func (r *ReadBuffer) ReadPositive() (uint64, error) {
	v, _, err := r.readUnsigned()
	return v, err
}

func (r *ReadBuffer) readUnsigned() (uint64, int, error) {
	var v uint64
	for n := 1; n <= maxVarintLen; n++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, 0, err
		}
		v = v<<7 | uint64(b&bitMask)
		if b&stopMask != 0 {
			return v, n, nil
		}
	}
	return 0, 0, errors.Trace(ErrVarintOverflow)
}

// ReadPositiveBackward reads a value written by AppendPositiveBackward that ends right before the current position,
// and leaves the position at the first byte of that value.
func (r *ReadBuffer) ReadPositiveBackward() (uint64, error) {
	var v uint64
	pos := r.pos
	for n := 0; n < maxVarintLen; n++ {
		pos--
		if pos < 0 || pos >= len(r.data) {
			return 0, errors.Trace(ErrBufferUnderflow)
		}
		b := r.data[pos]
		if b&stopMask != 0 {
			v |= uint64(b&bitMask) << uint(7*n)
			r.pos = pos
			return v, nil
		}
		v |= uint64(b) << uint(7*n)
	}
	return 0, errors.Trace(ErrVarintOverflow)
}

// ReadPositiveWithPrefix reads a value written by AppendPositiveWithPrefix.
func (r *ReadBuffer) ReadPositiveWithPrefix(prefixBits uint) (value uint64, prefix uint64, err error) {
	first, err := r.ReadByte()
	if err != nil {
		return 0, 0, err
	}
	deltaLen := 8 - prefixBits
	prefix = uint64(first >> deltaLen)
	value = uint64(first & (1<<(deltaLen-1) - 1))
	if (first>>(deltaLen-1))&1 == 1 {
		rest, n, err := r.readUnsigned()
		if err != nil {
			return 0, 0, err
		}
		value = value<<uint(7*n) | rest
	}
	return value, prefix, nil
}

// ReadBytes reads a memcomparable byte string.
func (r *ReadBuffer) ReadBytes() ([]byte, error) {
	left, data, err := DecodeBytes(r.data[r.pos:])
	if err != nil {
		return nil, err
	}
	r.pos = len(r.data) - len(left)
	return data, nil
}

func (r *ReadBuffer) ReadUint64() (uint64, error) {
	left, v, err := DecodeUint64(r.data[r.pos:])
	if err != nil {
		return 0, errors.Trace(ErrBufferUnderflow)
	}
	r.pos = len(r.data) - len(left)
	return v, nil
}

func (r *ReadBuffer) ReadInt64() (int64, error) {
	left, v, err := DecodeInt64(r.data[r.pos:])
	if err != nil {
		return 0, errors.Trace(ErrBufferUnderflow)
	}
	r.pos = len(r.data) - len(left)
	return v, nil
}

func (r *ReadBuffer) ReadFloat64() (float64, error) {
	left, v, err := DecodeFloat64(r.data[r.pos:])
	if err != nil {
		return 0, errors.Trace(ErrBufferUnderflow)
	}
	r.pos = len(r.data) - len(left)
	return v, nil
}
