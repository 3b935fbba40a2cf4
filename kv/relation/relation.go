package relation

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/pingcap-incubator/tinygraph/kv/schema"
	"github.com/pingcap-incubator/tinygraph/kv/util/codec"
	"github.com/pingcap/errors"
)

// Relation is an edge between two vertices or a property of a vertex.
type Relation struct {
	ID       uint64
	TypeID   uint64
	Category schema.RelationCategory
	// Vertices holds the out vertex at position 0 and the in vertex at position 1. A property only uses position 0,
	// its owner.
	Vertices [2]uint64
	// Value of a property.
	Value interface{}
	// Properties of the relation itself keyed by property key id.
	Properties map[uint64]interface{}
	// TTL overrides the time to live derived from the schema when positive.
	TTL time.Duration
}

func NewEdge(id, typeID, out, in uint64) *Relation {
	return &Relation{ID: id, TypeID: typeID, Category: schema.CategoryEdge, Vertices: [2]uint64{out, in}}
}

func NewProperty(id, typeID, vertex uint64, value interface{}) *Relation {
	return &Relation{ID: id, TypeID: typeID, Category: schema.CategoryProperty, Vertices: [2]uint64{vertex}, Value: value}
}

func (r *Relation) IsEdge() bool     { return r.Category == schema.CategoryEdge }
func (r *Relation) IsProperty() bool { return r.Category == schema.CategoryProperty }

// Arity is the number of vertices the relation is attached to.
func (r *Relation) Arity() int {
	if r.IsEdge() {
		return 2
	}
	return 1
}

func (r *Relation) Vertex(pos int) uint64 {
	return r.Vertices[pos]
}

// OtherVertex returns the vertex opposite to position pos of an edge.
func (r *Relation) OtherVertex(pos int) uint64 {
	return r.Vertices[(pos+1)%2]
}

// IsLoop reports whether the relation is an edge from a vertex to itself.
func (r *Relation) IsLoop() bool {
	return r.IsEdge() && r.Vertices[0] == r.Vertices[1]
}

// Property returns the value of property key on the relation.
func (r *Relation) Property(key uint64) (interface{}, bool) {
	v, ok := r.Properties[key]
	return v, ok && v != nil
}

// SetProperty sets a property on the relation.
func (r *Relation) SetProperty(key uint64, value interface{}) {
	if r.Properties == nil {
		r.Properties = make(map[uint64]interface{})
	}
	r.Properties[key] = value
}

// Identifier returns the identifier of the relation.
func (r *Relation) Identifier() Identifier {
	id := Identifier{RelationID: r.ID, OutVertexID: r.Vertices[0], TypeID: r.TypeID}
	if r.IsEdge() {
		id.InVertexID = r.Vertices[1]
	}
	return id
}

func (r *Relation) String() string {
	if r.IsEdge() {
		return fmt.Sprintf("e[%d][%d-%d->%d]", r.ID, r.Vertices[0], r.TypeID, r.Vertices[1])
	}
	return fmt.Sprintf("vp[%d][%d-%d->%v]", r.ID, r.Vertices[0], r.TypeID, r.Value)
}

// RelationCache is a relation decoded from the entry of one of its vertices.
type RelationCache struct {
	TypeID     uint64
	Direction  schema.Direction
	RelationID uint64
	// OtherVertexID is the adjacent vertex of an edge.
	OtherVertexID uint64
	// Value of a property.
	Value      interface{}
	Properties map[uint64]interface{}
}

// IDWriter selects how an identifying id is written inside an entry.
type IDWriter int

const (
	// Forward ids are read starting at their first byte.
	Forward IDWriter = iota
	// Backward ids are read starting right after their last byte, which lets them end exactly at the value
	// boundary of an entry.
	Backward
)

func (w IDWriter) Append(b []byte, v uint64) []byte {
	if w == Backward {
		return codec.AppendPositiveBackward(b, v)
	}
	return codec.AppendPositive(b, v)
}

func (w IDWriter) Read(r *codec.ReadBuffer) (uint64, error) {
	if w == Backward {
		return r.ReadPositiveBackward()
	}
	return r.ReadPositive()
}

// VertexKey is the row key of a vertex in the edge store.
func VertexKey(id uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, id)
	return key
}

// VertexIDFromKey is the inverse of VertexKey.
func VertexIDFromKey(key []byte) (uint64, error) {
	if len(key) != 8 {
		return 0, errors.Errorf("invalid vertex key %x", key)
	}
	return binary.BigEndian.Uint64(key), nil
}
