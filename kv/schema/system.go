package schema

import (
	"github.com/pingcap/errors"
)

// Ids below FirstUserID are reserved for system types.
const (
	DefinitionKeyID uint64 = 1
	TimestampKeyID  uint64 = 2
	TTLKeyID        uint64 = 3
	TypeNameKeyID   uint64 = 4
	NameIndexID     uint64 = 5
	VertexLabelID   uint64 = 6

	FirstUserID uint64 = 64
)

// ErrSchemaNotFound is returned when a schema element does not exist.
var ErrSchemaNotFound = errors.New("schema: element not found")

// DefinitionKey stores the serialized definition of a schema element on the schema vertex of the same id.
var DefinitionKey = &RelationType{
	ID:           DefinitionKeyID,
	Name:         "~definition",
	Category:     CategoryProperty,
	Invisible:    true,
	Multiplicity: Many2One,
	Cardinality:  CardinalitySingle,
	DataType:     DataTypeBytes,
	Unidirected:  DirectionBoth,
	Consistency:  ConsistencyLock,
	Status:       StatusEnabled,
}

// TimestampKey is implicit: it is never written, its value comes from the write timestamp of the entry.
var TimestampKey = &RelationType{
	ID:           TimestampKeyID,
	Name:         "~timestamp",
	Category:     CategoryProperty,
	Invisible:    true,
	Multiplicity: Many2One,
	DataType:     DataTypeInt64,
	Unidirected:  DirectionBoth,
	Status:       StatusEnabled,
}

// TTLKey is implicit: its value is the remaining time to live of the entry.
var TTLKey = &RelationType{
	ID:           TTLKeyID,
	Name:         "~ttl",
	Category:     CategoryProperty,
	Invisible:    true,
	Multiplicity: Many2One,
	DataType:     DataTypeInt64,
	Unidirected:  DirectionBoth,
	Status:       StatusEnabled,
}

// TypeNameKey holds the name of a schema element on its schema vertex.
var TypeNameKey = &RelationType{
	ID:           TypeNameKeyID,
	Name:         "~typename",
	Category:     CategoryProperty,
	Invisible:    true,
	Multiplicity: Many2One,
	Cardinality:  CardinalitySingle,
	DataType:     DataTypeString,
	Unidirected:  DirectionBoth,
	Consistency:  ConsistencyLock,
	Status:       StatusEnabled,
	KeyIndexes:   []uint64{NameIndexID},
}

// NameIndex resolves schema names to schema vertex ids and keeps names unique.
var NameIndex = &IndexType{
	ID:          NameIndexID,
	Name:        "~byName",
	IndexKind:   IndexComposite,
	Element:     ElementVertex,
	Fields:      []IndexField{{Key: TypeNameKeyID, Status: StatusEnabled}},
	Cardinality: CardinalitySingle,
	Consistency: ConsistencyLock,
	Status:      StatusEnabled,
}

// VertexLabelEdge connects a vertex to the schema vertex of its label. It is only stored at the labeled vertex.
var VertexLabelEdge = &RelationType{
	ID:           VertexLabelID,
	Name:         "~vertexlabel",
	Category:     CategoryEdge,
	Invisible:    true,
	Multiplicity: Many2One,
	Unidirected:  DirectionOut,
	Status:       StatusEnabled,
}

var systemTypes = map[uint64]*RelationType{
	DefinitionKeyID: DefinitionKey,
	TimestampKeyID:  TimestampKey,
	TTLKeyID:        TTLKey,
	TypeNameKeyID:   TypeNameKey,
	VertexLabelID:   VertexLabelEdge,
}

// SystemType returns the built-in type with id.
func SystemType(id uint64) (*RelationType, bool) {
	t, ok := systemTypes[id]
	return t, ok
}

// SystemIndex returns the built-in index with id.
func SystemIndex(id uint64) (*IndexType, bool) {
	if id == NameIndexID {
		return NameIndex, true
	}
	return nil, false
}

// IsSystemID reports whether id is reserved for built-in schema elements.
func IsSystemID(id uint64) bool {
	return id < FirstUserID
}

// IsSchemaType reports whether relations of type id define schema elements on their schema vertex.
func IsSchemaType(id uint64) bool {
	return id == DefinitionKeyID || id == TypeNameKeyID
}

// IsImplicitKey reports whether the key's value is derived from entry metadata.
func IsImplicitKey(id uint64) bool {
	return id == TimestampKeyID || id == TTLKeyID
}

// TypeInspector resolves schema elements by id.
type TypeInspector interface {
	RelationType(id uint64) (*RelationType, error)
	VertexLabel(id uint64) (*VertexLabel, error)
	Index(id uint64) (*IndexType, error)
}
