package index

import (
	"context"

	"github.com/pingcap-incubator/tinygraph/kv/relation"
	"github.com/pingcap-incubator/tinygraph/kv/schema"
)

// RecordEntry is the value one field of an index takes in a record.
type RecordEntry struct {
	Value      interface{}
	RelationID uint64
	KeyID      uint64
}

// Record is a complete assignment of values to the fields of an index, in field order.
type Record []RecordEntry

// Values returns the field values of the record.
func (r Record) Values() []interface{} {
	values := make([]interface{}, len(r))
	for i, e := range r {
		values[i] = e.Value
	}
	return values
}

// PropertySource reads the current state of vertices, including the pending changes of the reading transaction.
type PropertySource interface {
	// VertexProperties returns the properties of key on vertex.
	VertexProperties(ctx context.Context, vertex, key uint64) ([]*relation.Relation, error)
	// VertexLabel returns the label id of vertex, 0 for the default label.
	VertexLabel(ctx context.Context, vertex uint64) (uint64, error)
}

func entryOf(p *relation.Relation) RecordEntry {
	return RecordEntry{Value: p.Value, RelationID: p.ID, KeyID: p.TypeID}
}

// Records enumerates the records vertex contributes to idx. The values of the key of replace are substituted by
// replace alone, which yields the records affected by adding or removing that property.
func Records(ctx context.Context, src PropertySource, vertex uint64, idx *schema.IndexType, replace *relation.Relation) ([]Record, error) {
	candidates := make([][]RecordEntry, len(idx.Fields))
	for i, f := range idx.Fields {
		if replace != nil && replace.TypeID == f.Key {
			candidates[i] = []RecordEntry{entryOf(replace)}
			continue
		}
		props, err := src.VertexProperties(ctx, vertex, f.Key)
		if err != nil {
			return nil, err
		}
		for _, p := range props {
			if p.Value != nil {
				candidates[i] = append(candidates[i], entryOf(p))
			}
		}
		if len(candidates[i]) == 0 {
			return nil, nil
		}
	}
	return enumerate(candidates), nil
}

// enumerate returns the cross product of candidates in depth-first order. stack[d] is the candidate chosen at
// depth d.
func enumerate(candidates [][]RecordEntry) []Record {
	n := len(candidates)
	if n == 0 {
		return nil
	}
	for _, c := range candidates {
		if len(c) == 0 {
			return nil
		}
	}
	var records []Record
	stack := make([]int, 1, n)
	for len(stack) > 0 {
		d := len(stack) - 1
		if stack[d] == len(candidates[d]) {
			stack = stack[:d]
			if d > 0 {
				stack[d-1]++
			}
			continue
		}
		if d < n-1 {
			stack = append(stack, 0)
			continue
		}
		record := make(Record, n)
		for i, c := range stack {
			record[i] = candidates[i][c]
		}
		records = append(records, record)
		stack[d]++
	}
	return records
}
