package codec

import (
	"encoding/binary"
	"math"

	"github.com/pingcap/errors"
)

const (
	signMask uint64 = 0x8000000000000000

	encGroupSize = 8
	encMarker    = byte(0xFF)
	encPad       = byte(0x0)
)

var pads = make([]byte, encGroupSize)

// EncodeBytes guarantees the encoded value is in ascending order for comparison,
// encoding with the following rule:
//  [group1][marker1]...[groupN][markerN]
//  group is 8 bytes slice which is padding with 0.
//  marker is `0xFF - padding 0 count`
// For example:
//   [] -> [0, 0, 0, 0, 0, 0, 0, 0, 247]
//   [1, 2, 3] -> [1, 2, 3, 0, 0, 0, 0, 0, 250]
//   [1, 2, 3, 0] -> [1, 2, 3, 0, 0, 0, 0, 0, 251]
//   [1, 2, 3, 4, 5, 6, 7, 8] -> [1, 2, 3, 4, 5, 6, 7, 8, 255, 0, 0, 0, 0, 0, 0, 0, 0, 247]
// Refer: https://github.com/facebook/mysql-5.6/wiki/MyRocks-record-format#memcomparable-format
func EncodeBytes(data []byte) []byte {
	return AppendBytes(make([]byte, 0, (len(data)/encGroupSize+1)*(encGroupSize+1)), data)
}

// AppendBytes appends the memcomparable form of data to b.
func AppendBytes(b []byte, data []byte) []byte {
	dLen := len(data)
	for idx := 0; idx <= dLen; idx += encGroupSize {
		remain := dLen - idx
		padCount := 0
		if remain >= encGroupSize {
			b = append(b, data[idx:idx+encGroupSize]...)
		} else {
			padCount = encGroupSize - remain
			b = append(b, data[idx:]...)
			b = append(b, pads[:padCount]...)
		}

		marker := encMarker - byte(padCount)
		b = append(b, marker)
	}
	return b
}

// DecodeBytes decodes bytes which is encoded by EncodeBytes before,
// returns the leftover bytes and decoded value if no error.
func DecodeBytes(b []byte) ([]byte, []byte, error) {
	data := make([]byte, 0, len(b))
	for {
		if len(b) < encGroupSize+1 {
			return nil, nil, errors.New("insufficient bytes to decode value")
		}

		groupBytes := b[:encGroupSize+1]

		group := groupBytes[:encGroupSize]
		marker := groupBytes[encGroupSize]

		padCount := encMarker - marker
		if padCount > encGroupSize {
			return nil, nil, errors.Errorf("invalid marker byte, group bytes %q", groupBytes)
		}

		realGroupSize := encGroupSize - padCount
		data = append(data, group[:realGroupSize]...)
		b = b[encGroupSize+1:]

		if padCount != 0 {
			var padByte = encPad
			// Check validity of padding bytes.
			for _, v := range group[realGroupSize:] {
				if v != padByte {
					return nil, nil, errors.Errorf("invalid padding byte, group bytes %q", groupBytes)
				}
			}
			break
		}
	}
	return b, data, nil
}

// AppendUint64 appends v as 8 big-endian bytes, which sort like the numbers.
func AppendUint64(b []byte, v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return append(b, buf[:]...)
}

// AppendInt64 appends v with the sign bit flipped so negative numbers sort first.
func AppendInt64(b []byte, v int64) []byte {
	return AppendUint64(b, uint64(v)^signMask)
}

// AppendFloat64 appends an order-preserving form of v.
func AppendFloat64(b []byte, v float64) []byte {
	u := math.Float64bits(v)
	if v >= 0 {
		u |= signMask
	} else {
		u = ^u
	}
	return AppendUint64(b, u)
}

// DecodeUint64 decodes 8 big-endian bytes and returns the leftover bytes.
func DecodeUint64(b []byte) ([]byte, uint64, error) {
	if len(b) < 8 {
		return nil, 0, errors.New("insufficient bytes to decode value")
	}
	return b[8:], binary.BigEndian.Uint64(b), nil
}

// DecodeInt64 decodes a value written by AppendInt64.
func DecodeInt64(b []byte) ([]byte, int64, error) {
	left, u, err := DecodeUint64(b)
	if err != nil {
		return nil, 0, err
	}
	return left, int64(u ^ signMask), nil
}

// DecodeFloat64 decodes a value written by AppendFloat64.
func DecodeFloat64(b []byte) ([]byte, float64, error) {
	left, u, err := DecodeUint64(b)
	if err != nil {
		return nil, 0, err
	}
	if u&signMask > 0 {
		u &= ^signMask
	} else {
		u = ^u
	}
	return left, math.Float64frombits(u), nil
}

// FlipBytes returns a copy of b with every bit inverted in [start, end). Flipping the same range twice
// yields the original bytes.
func FlipBytes(b []byte, start, end int) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	for i := start; i < end; i++ {
		out[i] = ^out[i]
	}
	return out
}
