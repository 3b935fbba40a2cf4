package schema

import (
	"time"

	"github.com/pingcap-incubator/tinygraph/kv/util/codec"
	"github.com/pingcap/errors"
)

// MarshalElement serializes a schema element into the payload of its definition property.
func MarshalElement(e Element) ([]byte, error) {
	b := []byte{byte(e.Kind())}
	switch x := e.(type) {
	case *RelationType:
		b = codec.AppendPositive(b, x.ID)
		b = codec.AppendBytes(b, []byte(x.Name))
		b = append(b, byte(x.Category), boolByte(x.Invisible), byte(x.Multiplicity), byte(x.Cardinality), byte(x.DataType))
		b = appendIDs(b, x.SortKey)
		b = append(b, byte(x.SortOrder))
		b = appendIDs(b, x.Signature)
		b = append(b, byte(x.Unidirected), byte(x.Consistency))
		b = codec.AppendPositive(b, uint64(x.TTL/time.Second))
		b = append(b, byte(x.Status))
		b = codec.AppendPositive(b, x.BaseType)
		b = appendIDs(b, x.RelationIndexes)
		b = appendIDs(b, x.KeyIndexes)
	case *VertexLabel:
		b = codec.AppendPositive(b, x.ID)
		b = codec.AppendBytes(b, []byte(x.Name))
		b = codec.AppendPositive(b, uint64(x.TTL/time.Second))
	case *IndexType:
		b = codec.AppendPositive(b, x.ID)
		b = codec.AppendBytes(b, []byte(x.Name))
		b = append(b, byte(x.IndexKind), byte(x.Element))
		b = codec.AppendPositive(b, uint64(len(x.Fields)))
		for _, f := range x.Fields {
			b = codec.AppendPositive(b, f.Key)
			b = append(b, byte(f.Status))
			b = codec.AppendBytes(b, []byte(f.MappedName))
		}
		b = append(b, byte(x.Cardinality), byte(x.Consistency), byte(x.Status))
		b = codec.AppendPositive(b, x.Constraint)
		b = codec.AppendBytes(b, []byte(x.BackingIndex))
		b = codec.AppendBytes(b, []byte(x.StoreName))
	default:
		return nil, errors.Errorf("schema: cannot marshal %T", e)
	}
	return b, nil
}

// UnmarshalElement parses a definition payload written by MarshalElement.
func UnmarshalElement(data []byte) (Element, error) {
	r := &elementReader{buf: codec.NewReadBuffer(data)}
	kind := ElementKind(r.byte())
	var e Element
	switch kind {
	case KindPropertyKey, KindEdgeLabel, KindRelationIndex:
		t := &RelationType{}
		t.ID = r.positive()
		t.Name = r.string()
		t.Category = RelationCategory(r.byte())
		t.Invisible = r.byte() == 1
		t.Multiplicity = Multiplicity(r.byte())
		t.Cardinality = Cardinality(r.byte())
		t.DataType = DataType(r.byte())
		t.SortKey = r.ids()
		t.SortOrder = Order(r.byte())
		t.Signature = r.ids()
		t.Unidirected = Direction(r.byte())
		t.Consistency = Consistency(r.byte())
		t.TTL = time.Duration(r.positive()) * time.Second
		t.Status = Status(r.byte())
		t.BaseType = r.positive()
		t.RelationIndexes = r.ids()
		t.KeyIndexes = r.ids()
		e = t
	case KindVertexLabel:
		l := &VertexLabel{}
		l.ID = r.positive()
		l.Name = r.string()
		l.TTL = time.Duration(r.positive()) * time.Second
		e = l
	case KindIndex:
		i := &IndexType{}
		i.ID = r.positive()
		i.Name = r.string()
		i.IndexKind = IndexKind(r.byte())
		i.Element = ElementCategory(r.byte())
		n := r.positive()
		for j := uint64(0); j < n && r.err == nil; j++ {
			f := IndexField{Key: r.positive()}
			f.Status = Status(r.byte())
			f.MappedName = r.string()
			i.Fields = append(i.Fields, f)
		}
		i.Cardinality = Cardinality(r.byte())
		i.Consistency = Consistency(r.byte())
		i.Status = Status(r.byte())
		i.Constraint = r.positive()
		i.BackingIndex = r.string()
		i.StoreName = r.string()
		e = i
	default:
		if r.err == nil {
			r.err = errors.Errorf("schema: unknown element kind %d", kind)
		}
	}
	if r.err != nil {
		return nil, errors.Annotate(r.err, "schema: corrupted definition")
	}
	return e, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func appendIDs(b []byte, ids []uint64) []byte {
	b = codec.AppendPositive(b, uint64(len(ids)))
	for _, id := range ids {
		b = codec.AppendPositive(b, id)
	}
	return b
}

// elementReader keeps the first error so field-by-field decoding stays linear.
type elementReader struct {
	buf *codec.ReadBuffer
	err error
}

func (r *elementReader) byte() byte {
	if r.err != nil {
		return 0
	}
	b, err := r.buf.ReadByte()
	r.err = err
	return b
}

func (r *elementReader) positive() uint64 {
	if r.err != nil {
		return 0
	}
	v, err := r.buf.ReadPositive()
	r.err = err
	return v
}

func (r *elementReader) string() string {
	if r.err != nil {
		return ""
	}
	raw, err := r.buf.ReadBytes()
	r.err = err
	return string(raw)
}

func (r *elementReader) ids() []uint64 {
	n := r.positive()
	var ids []uint64
	for i := uint64(0); i < n && r.err == nil; i++ {
		ids = append(ids, r.positive())
	}
	return ids
}
