package schema

import (
	"bytes"
	"fmt"
	"time"

	"github.com/pingcap-incubator/tinygraph/kv/util/codec"
	"github.com/pingcap/errors"
)

// DataType is the value type of a property key. Every data type has an order-preserving, self-delimiting byte
// encoding so values can be embedded in sort keys and index keys.
type DataType byte

const (
	// DataTypeAny accepts any supported value; its encoding carries a type tag.
	DataTypeAny DataType = iota
	DataTypeString
	DataTypeInt64
	DataTypeFloat64
	DataTypeBool
	DataTypeTime
	DataTypeBytes
)

// ErrInvalidValue is returned when a value does not match the data type of its key.
var ErrInvalidValue = errors.New("schema: value does not match data type")

func (d DataType) String() string {
	switch d {
	case DataTypeAny:
		return "any"
	case DataTypeString:
		return "string"
	case DataTypeInt64:
		return "int64"
	case DataTypeFloat64:
		return "float64"
	case DataTypeBool:
		return "bool"
	case DataTypeTime:
		return "time"
	case DataTypeBytes:
		return "bytes"
	}
	return fmt.Sprintf("DataType(%d)", d)
}

// TypeOf returns the concrete data type of v.
func TypeOf(v interface{}) (DataType, bool) {
	switch v.(type) {
	case string:
		return DataTypeString, true
	case int64:
		return DataTypeInt64, true
	case float64:
		return DataTypeFloat64, true
	case bool:
		return DataTypeBool, true
	case time.Time:
		return DataTypeTime, true
	case []byte:
		return DataTypeBytes, true
	}
	return DataTypeAny, false
}

// Normalize converts v to the canonical Go type of d. Plain ints are widened to int64 and float32 to float64.
func (d DataType) Normalize(v interface{}) (interface{}, error) {
	switch x := v.(type) {
	case int:
		v = int64(x)
	case int32:
		v = int64(x)
	case uint32:
		v = int64(x)
	case float32:
		v = float64(x)
	}
	actual, ok := TypeOf(v)
	if !ok {
		return nil, errors.Annotatef(ErrInvalidValue, "unsupported value %T", v)
	}
	if d != DataTypeAny && d != actual {
		return nil, errors.Annotatef(ErrInvalidValue, "expected %s, got %s", d, actual)
	}
	return v, nil
}

// AppendValue appends the order-preserving encoding of v.
func (d DataType) AppendValue(b []byte, v interface{}) ([]byte, error) {
	if d == DataTypeAny {
		actual, ok := TypeOf(v)
		if !ok {
			return nil, errors.Annotatef(ErrInvalidValue, "unsupported value %T", v)
		}
		b = append(b, byte(actual))
		return actual.AppendValue(b, v)
	}
	switch d {
	case DataTypeString:
		s, ok := v.(string)
		if !ok {
			break
		}
		return codec.AppendBytes(b, []byte(s)), nil
	case DataTypeInt64:
		i, ok := v.(int64)
		if !ok {
			break
		}
		return codec.AppendInt64(b, i), nil
	case DataTypeFloat64:
		f, ok := v.(float64)
		if !ok {
			break
		}
		return codec.AppendFloat64(b, f), nil
	case DataTypeBool:
		t, ok := v.(bool)
		if !ok {
			break
		}
		if t {
			return append(b, 1), nil
		}
		return append(b, 0), nil
	case DataTypeTime:
		t, ok := v.(time.Time)
		if !ok {
			break
		}
		return codec.AppendInt64(b, t.UnixNano()), nil
	case DataTypeBytes:
		raw, ok := v.([]byte)
		if !ok {
			break
		}
		return codec.AppendBytes(b, raw), nil
	}
	return nil, errors.Annotatef(ErrInvalidValue, "expected %s, got %T", d, v)
}

// ReadValue decodes a value written by AppendValue.
func (d DataType) ReadValue(r *codec.ReadBuffer) (interface{}, error) {
	switch d {
	case DataTypeAny:
		tag, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		actual := DataType(tag)
		if actual == DataTypeAny || actual > DataTypeBytes {
			return nil, errors.Errorf("schema: invalid value tag %d", tag)
		}
		return actual.ReadValue(r)
	case DataTypeString:
		raw, err := r.ReadBytes()
		if err != nil {
			return nil, err
		}
		return string(raw), nil
	case DataTypeInt64:
		return r.ReadInt64()
	case DataTypeFloat64:
		return r.ReadFloat64()
	case DataTypeBool:
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		return b == 1, nil
	case DataTypeTime:
		ns, err := r.ReadInt64()
		if err != nil {
			return nil, err
		}
		return time.Unix(0, ns).UTC(), nil
	case DataTypeBytes:
		return r.ReadBytes()
	}
	return nil, errors.Errorf("schema: unknown data type %d", d)
}

// ValuesEqual compares two property values of any supported type.
func ValuesEqual(a, b interface{}) bool {
	switch x := a.(type) {
	case []byte:
		y, ok := b.([]byte)
		return ok && bytes.Equal(x, y)
	case time.Time:
		y, ok := b.(time.Time)
		return ok && x.Equal(y)
	}
	return a == b
}
