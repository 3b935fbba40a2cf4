package relation

import (
	"strconv"
	"strings"

	"github.com/pingcap/errors"
)

// Identifier addresses a relation from outside the graph. Its text form is the base-36 fields joined by '-':
// relation id, out vertex id, type id and, for edges, in vertex id.
type Identifier struct {
	RelationID  uint64
	OutVertexID uint64
	TypeID      uint64
	// InVertexID is zero for properties.
	InVertexID uint64
}

const identifierSeparator = "-"

func (id Identifier) String() string {
	parts := []string{
		strconv.FormatUint(id.RelationID, 36),
		strconv.FormatUint(id.OutVertexID, 36),
		strconv.FormatUint(id.TypeID, 36),
	}
	if id.InVertexID != 0 {
		parts = append(parts, strconv.FormatUint(id.InVertexID, 36))
	}
	return strings.Join(parts, identifierSeparator)
}

// ParseIdentifier parses the text form of an Identifier.
func ParseIdentifier(s string) (Identifier, error) {
	parts := strings.Split(s, identifierSeparator)
	if len(parts) != 3 && len(parts) != 4 {
		return Identifier{}, errors.Errorf("invalid relation identifier %q", s)
	}
	ids := make([]uint64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 36, 64)
		if err != nil {
			return Identifier{}, errors.Annotatef(err, "invalid relation identifier %q", s)
		}
		ids[i] = v
	}
	id := Identifier{RelationID: ids[0], OutVertexID: ids[1], TypeID: ids[2]}
	if len(ids) == 4 {
		id.InVertexID = ids[3]
	}
	return id, nil
}
