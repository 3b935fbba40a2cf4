package schema

import (
	"time"
)

// ElementKind is the kind of a schema element.
type ElementKind byte

const (
	KindPropertyKey ElementKind = iota + 1
	KindEdgeLabel
	KindVertexLabel
	KindIndex
	// KindRelationIndex is an alternate sort order materialized for a base relation type.
	KindRelationIndex
)

// Element is a schema definition identified by a unique id and name.
type Element interface {
	SchemaID() uint64
	SchemaName() string
	Kind() ElementKind
}

// RelationType defines a property key, an edge label or a relation index built on one of them.
type RelationType struct {
	ID       uint64
	Name     string
	Category RelationCategory
	// Invisible types are system types that never surface to users.
	Invisible    bool
	Multiplicity Multiplicity
	// Cardinality and DataType are only meaningful for property keys.
	Cardinality Cardinality
	DataType    DataType
	SortKey     []uint64
	SortOrder   Order
	Signature   []uint64
	// Unidirected is DirectionBoth for regular types. Unidirected edge labels are only stored at the out vertex.
	Unidirected Direction
	Consistency Consistency
	TTL         time.Duration
	Status      Status
	// BaseType is set for relation indexes and names the type they index.
	BaseType uint64
	// RelationIndexes lists the relation index types materialized in addition to the base type.
	RelationIndexes []uint64
	// KeyIndexes lists the graph indexes a property key participates in.
	KeyIndexes []uint64
}

func (t *RelationType) SchemaID() uint64   { return t.ID }
func (t *RelationType) SchemaName() string { return t.Name }

func (t *RelationType) Kind() ElementKind {
	switch {
	case t.BaseType != 0:
		return KindRelationIndex
	case t.Category == CategoryEdge:
		return KindEdgeLabel
	}
	return KindPropertyKey
}

func (t *RelationType) IsPropertyKey() bool { return t.Category == CategoryProperty }
func (t *RelationType) IsEdgeLabel() bool   { return t.Category == CategoryEdge }

// IsUnidirected reports whether relations of this type are stored for direction d.
func (t *RelationType) IsUnidirected(d Direction) bool {
	return t.Unidirected == d
}

// CoversDirection reports whether relations of this type are materialized at the vertex in direction d.
func (t *RelationType) CoversDirection(d Direction) bool {
	return t.Unidirected == DirectionBoth || t.Unidirected == d
}

// VertexLabel defines a vertex label.
type VertexLabel struct {
	ID   uint64
	Name string
	TTL  time.Duration
}

func (l *VertexLabel) SchemaID() uint64   { return l.ID }
func (l *VertexLabel) SchemaName() string { return l.Name }
func (l *VertexLabel) Kind() ElementKind  { return KindVertexLabel }

// IndexField is one indexed key of a graph index.
type IndexField struct {
	Key uint64
	// Status of the field, only used by mixed indexes where fields are added over time.
	Status Status
	// MappedName overrides the backend field name derived from the key.
	MappedName string
}

// IndexType defines a composite or a mixed graph index.
type IndexType struct {
	ID          uint64
	Name        string
	IndexKind   IndexKind
	Element     ElementCategory
	Fields      []IndexField
	Cardinality Cardinality
	Consistency Consistency
	Status      Status
	// Constraint restricts the index to elements of one vertex label, edge label or property key. Zero means none.
	Constraint uint64
	// BackingIndex names the external index backend of a mixed index.
	BackingIndex string
	// StoreName is the store inside the backing index, the index name if empty.
	StoreName string
}

func (i *IndexType) SchemaID() uint64   { return i.ID }
func (i *IndexType) SchemaName() string { return i.Name }
func (i *IndexType) Kind() ElementKind  { return KindIndex }

func (i *IndexType) IsComposite() bool { return i.IndexKind == IndexComposite }
func (i *IndexType) IsMixed() bool     { return i.IndexKind == IndexMixed }

// Field returns the index field for key.
func (i *IndexType) Field(key uint64) (IndexField, bool) {
	for _, f := range i.Fields {
		if f.Key == key {
			return f, true
		}
	}
	return IndexField{}, false
}

// IndexesKey reports whether key is one of the indexed fields.
func (i *IndexType) IndexesKey(key uint64) bool {
	_, ok := i.Field(key)
	return ok
}

// Store returns the name of the store a mixed index writes into.
func (i *IndexType) Store() string {
	if i.StoreName != "" {
		return i.StoreName
	}
	return i.Name
}
