package schema

import (
	"fmt"
)

// Direction of a relation as seen from one of its vertices.
type Direction byte

const (
	DirectionOut Direction = iota
	DirectionIn
	DirectionBoth
)

// DirectionFromPosition maps the vertex position of a relation to the direction at that vertex. Position 0 is the
// out vertex (or the owner of a property), position 1 is the in vertex.
func DirectionFromPosition(pos int) Direction {
	switch pos {
	case 0:
		return DirectionOut
	case 1:
		return DirectionIn
	}
	panic(fmt.Sprintf("invalid relation position %d", pos))
}

func (d Direction) String() string {
	switch d {
	case DirectionOut:
		return "OUT"
	case DirectionIn:
		return "IN"
	case DirectionBoth:
		return "BOTH"
	}
	return fmt.Sprintf("Direction(%d)", d)
}

// RelationCategory distinguishes edges from properties.
type RelationCategory byte

const (
	CategoryProperty RelationCategory = iota
	CategoryEdge
)

// ElementCategory is the kind of graph element an index covers.
type ElementCategory byte

const (
	ElementVertex ElementCategory = iota
	ElementEdge
	ElementProperty
)

func (e ElementCategory) String() string {
	switch e {
	case ElementVertex:
		return "vertex"
	case ElementEdge:
		return "edge"
	case ElementProperty:
		return "property"
	}
	return fmt.Sprintf("ElementCategory(%d)", e)
}

// Multiplicity constrains how many relations of a type may be attached to a pair or to a vertex.
type Multiplicity byte

const (
	// Multi allows any number of parallel relations.
	Multi Multiplicity = iota
	// Simple allows at most one relation per vertex pair.
	Simple
	// Many2One allows at most one outgoing relation per vertex.
	Many2One
	// One2Many allows at most one incoming relation per vertex.
	One2Many
	// One2One allows at most one relation in either direction.
	One2One
)

// IsConstrained reports whether the multiplicity restricts parallel relations at all.
func (m Multiplicity) IsConstrained() bool {
	return m != Multi
}

// IsUnique reports whether at most one relation exists per vertex in direction d.
func (m Multiplicity) IsUnique(d Direction) bool {
	switch d {
	case DirectionOut:
		return m == Many2One || m == One2One
	case DirectionIn:
		return m == One2Many || m == One2One
	case DirectionBoth:
		return m == One2One
	}
	return false
}

func (m Multiplicity) String() string {
	switch m {
	case Multi:
		return "MULTI"
	case Simple:
		return "SIMPLE"
	case Many2One:
		return "MANY2ONE"
	case One2Many:
		return "ONE2MANY"
	case One2One:
		return "ONE2ONE"
	}
	return fmt.Sprintf("Multiplicity(%d)", m)
}

// Cardinality of a property key, or of the entries in a composite index.
type Cardinality byte

const (
	CardinalitySingle Cardinality = iota
	CardinalitySet
	CardinalityList
)

// Multiplicity returns the multiplicity a property key with this cardinality is stored with.
func (c Cardinality) Multiplicity() Multiplicity {
	switch c {
	case CardinalitySingle:
		return Many2One
	case CardinalitySet:
		return Simple
	}
	return Multi
}

func (c Cardinality) String() string {
	switch c {
	case CardinalitySingle:
		return "SINGLE"
	case CardinalitySet:
		return "SET"
	case CardinalityList:
		return "LIST"
	}
	return fmt.Sprintf("Cardinality(%d)", c)
}

// Order is the declared sort order of a relation type's sort key.
type Order byte

const (
	OrderAsc Order = iota
	OrderDesc
)

// Consistency modifier of a relation type or index.
type Consistency byte

const (
	ConsistencyDefault Consistency = iota
	// ConsistencyLock acquires backend locks on write.
	ConsistencyLock
	// ConsistencyFork replaces modified relations by new ones instead of locking.
	ConsistencyFork
)

// Status of a schema element during its lifecycle.
type Status byte

const (
	StatusInstalled Status = iota
	StatusRegistered
	StatusEnabled
	StatusDisabled
)

func (s Status) String() string {
	switch s {
	case StatusInstalled:
		return "INSTALLED"
	case StatusRegistered:
		return "REGISTERED"
	case StatusEnabled:
		return "ENABLED"
	case StatusDisabled:
		return "DISABLED"
	}
	return fmt.Sprintf("Status(%d)", s)
}

// IndexKind distinguishes indexes kept in the graph's own store from indexes delegated to an external backend.
type IndexKind byte

const (
	IndexComposite IndexKind = iota
	IndexMixed
)

// HashLength is the size of the fingerprint prefix of hashed composite index keys.
type HashLength byte

const (
	HashShort HashLength = 4
	HashLong  HashLength = 8
)
