package kcvs

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/pingcap/errors"
)

// Entry is a column/value pair of a row. Data holds the column immediately followed by the value, ValuePos is the
// boundary between them.
type Entry struct {
	Data     []byte
	ValuePos int
	// TTL is the time to live of a written entry, or the remaining time to live of a read entry. Zero means forever.
	TTL time.Duration
	// Timestamp is the write time in unix nanoseconds, only set on read entries.
	Timestamp int64
}

func NewEntry(column, value []byte) Entry {
	data := make([]byte, 0, len(column)+len(value))
	data = append(data, column...)
	data = append(data, value...)
	return Entry{Data: data, ValuePos: len(column)}
}

func (e Entry) Column() []byte {
	return e.Data[:e.ValuePos]
}

func (e Entry) Value() []byte {
	return e.Data[e.ValuePos:]
}

// HasValue reports whether the entry stores anything after its column.
func (e Entry) HasValue() bool {
	return e.ValuePos < len(e.Data)
}

func (e Entry) Equal(o Entry) bool {
	return e.ValuePos == o.ValuePos && bytes.Equal(e.Data, o.Data)
}

// SliceQuery selects the columns in [Start, End) of a row. A nil End is unbounded, Limit 0 is unlimited.
type SliceQuery struct {
	Start []byte
	End   []byte
	Limit int
}

// PrefixSlice selects every column starting with prefix.
func PrefixSlice(prefix []byte) SliceQuery {
	return SliceQuery{Start: prefix, End: prefixEnd(prefix)}
}

// PointSlice selects exactly column.
func PointSlice(column []byte) SliceQuery {
	end := make([]byte, len(column)+1)
	copy(end, column)
	return SliceQuery{Start: column, End: end, Limit: 1}
}

func (q SliceQuery) contains(column []byte) bool {
	if bytes.Compare(column, q.Start) < 0 {
		return false
	}
	return q.End == nil || bytes.Compare(column, q.End) < 0
}

func prefixEnd(prefix []byte) []byte {
	end := append([]byte{}, prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// Stored values carry a header of the write timestamp and the expiry time, both unix nanoseconds.
const valueHeaderLen = 16

func encodeValue(value []byte, ts int64, ttl time.Duration) []byte {
	buf := make([]byte, valueHeaderLen, valueHeaderLen+len(value))
	binary.BigEndian.PutUint64(buf, uint64(ts))
	if ttl > 0 {
		binary.BigEndian.PutUint64(buf[8:], uint64(ts+int64(ttl)))
	}
	return append(buf, value...)
}

func decodeValue(raw []byte) (value []byte, ts int64, expireAt int64, err error) {
	if len(raw) < valueHeaderLen {
		return nil, 0, 0, errors.Errorf("kcvs: stored value too short, %d bytes", len(raw))
	}
	ts = int64(binary.BigEndian.Uint64(raw))
	expireAt = int64(binary.BigEndian.Uint64(raw[8:]))
	return raw[valueHeaderLen:], ts, expireAt, nil
}
