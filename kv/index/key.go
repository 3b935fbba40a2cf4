package index

import (
	"context"
	"encoding/binary"

	"github.com/dgryski/go-farm"
	"github.com/pingcap-incubator/tinygraph/kv/relation"
	"github.com/pingcap-incubator/tinygraph/kv/schema"
	"github.com/pingcap-incubator/tinygraph/kv/storage/kcvs"
	"github.com/pingcap-incubator/tinygraph/kv/util/codec"
	"github.com/pingcap/errors"
)

// Composite index columns start with this byte. The owner and relation ids that follow keep entries of
// non-unique indexes apart.
const compositeColumnPrefix byte = 0

// Hit is an element found through a composite index.
type Hit struct {
	// VertexID is set for vertex indexes.
	VertexID uint64
	// Relation is set for edge and property indexes.
	Relation relation.Identifier
}

// RecordFromValues orders values keyed by property key id by the fields of idx.
func RecordFromValues(idx *schema.IndexType, values map[uint64]interface{}) (Record, error) {
	record := make(Record, len(idx.Fields))
	for i, f := range idx.Fields {
		v, ok := values[f.Key]
		if !ok || v == nil {
			return nil, errors.Errorf("index: no value for field %d of %s", f.Key, idx.Name)
		}
		record[i] = RecordEntry{Value: v, KeyID: f.Key}
	}
	return record, nil
}

// CompositeKey builds the row key of record in idx: the index id followed by the field values, prefixed by a
// fingerprint when keys are hashed.
func (m *Maintainer) CompositeKey(idx *schema.IndexType, record Record) ([]byte, error) {
	if len(record) != len(idx.Fields) {
		return nil, errors.Errorf("index: %s has %d fields, got %d values", idx.Name, len(idx.Fields), len(record))
	}
	b := codec.AppendPositive(make([]byte, 0, 16), idx.ID)
	for i, f := range idx.Fields {
		key, err := m.types.RelationType(f.Key)
		if err != nil {
			return nil, err
		}
		v, err := key.DataType.Normalize(record[i].Value)
		if err != nil {
			return nil, errors.Annotatef(err, "index %s field %s", idx.Name, key.Name)
		}
		if b, err = key.DataType.AppendValue(b, v); err != nil {
			return nil, err
		}
	}
	if m.hashKeys {
		b = hashPrefix(b, m.hashLength)
	}
	return b, nil
}

func hashPrefix(key []byte, length schema.HashLength) []byte {
	out := make([]byte, int(length), int(length)+len(key))
	switch length {
	case schema.HashLong:
		binary.BigEndian.PutUint64(out, farm.Fingerprint64(key))
	default:
		binary.BigEndian.PutUint32(out, farm.Hash32(key))
	}
	return append(out, key...)
}

// compositeEntry builds the column of record in idx. For vertex indexes vertex owns the record, otherwise rel.
func compositeEntry(idx *schema.IndexType, record Record, vertex uint64, rel *relation.Relation) kcvs.Entry {
	owner := vertex
	if idx.Element != schema.ElementVertex {
		owner = rel.ID
	}
	b := []byte{compositeColumnPrefix}
	if idx.Cardinality != schema.CardinalitySingle {
		b = codec.AppendPositive(b, owner)
	}
	if idx.Cardinality == schema.CardinalityList {
		for _, e := range record {
			b = codec.AppendPositive(b, e.RelationID)
		}
	}
	valuePos := len(b)
	if idx.Element == schema.ElementVertex {
		b = codec.AppendPositive(b, vertex)
	} else {
		id := rel.Identifier()
		b = codec.AppendPositive(b, id.RelationID)
		b = codec.AppendPositive(b, id.OutVertexID)
		b = codec.AppendPositive(b, id.TypeID)
		if id.InVertexID != 0 {
			b = codec.AppendPositive(b, id.InVertexID)
		}
	}
	return kcvs.Entry{Data: b, ValuePos: valuePos}
}

// ParseHit decodes the element stored in a composite index entry of idx.
func ParseHit(idx *schema.IndexType, e kcvs.Entry) (Hit, error) {
	r := codec.NewReadBuffer(e.Data)
	r.MoveTo(e.ValuePos)
	if idx.Element == schema.ElementVertex {
		v, err := r.ReadPositive()
		if err != nil {
			return Hit{}, errors.Annotatef(err, "index %s", idx.Name)
		}
		return Hit{VertexID: v}, nil
	}
	var ids [4]uint64
	n := 0
	for ; n < len(ids) && r.HasRemaining(); n++ {
		v, err := r.ReadPositive()
		if err != nil {
			return Hit{}, errors.Annotatef(err, "index %s", idx.Name)
		}
		ids[n] = v
	}
	if n < 3 || r.HasRemaining() {
		return Hit{}, errors.Errorf("index: malformed relation entry in %s", idx.Name)
	}
	return Hit{Relation: relation.Identifier{RelationID: ids[0], OutVertexID: ids[1], TypeID: ids[2], InVertexID: ids[3]}}, nil
}

// Lookup returns the elements indexed under values, given in field order.
func (m *Maintainer) Lookup(ctx context.Context, store *kcvs.Store, idx *schema.IndexType, values ...interface{}) ([]Hit, error) {
	if !idx.IsComposite() {
		return nil, errors.Errorf("index: %s is not a composite index", idx.Name)
	}
	record := make(Record, len(values))
	for i, v := range values {
		record[i] = RecordEntry{Value: v}
	}
	key, err := m.CompositeKey(idx, record)
	if err != nil {
		return nil, err
	}
	entries, err := store.GetSlice(ctx, key, kcvs.PrefixSlice([]byte{compositeColumnPrefix}))
	if err != nil {
		return nil, err
	}
	hits := make([]Hit, 0, len(entries))
	for _, e := range entries {
		h, err := ParseHit(idx, e)
		if err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, nil
}
