package index

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/pingcap-incubator/tinygraph/kv/config"
	"github.com/pingcap-incubator/tinygraph/kv/mixed"
	"github.com/pingcap-incubator/tinygraph/kv/relation"
	"github.com/pingcap-incubator/tinygraph/kv/schema"
	"github.com/pingcap-incubator/tinygraph/kv/storage/kcvs"
)

// Catalog resolves schema elements by id and by name.
type Catalog interface {
	schema.TypeInspector
	ElementByName(name string) (schema.Element, error)
}

type UpdateType byte

const (
	UpdateAdd UpdateType = iota
	UpdateDelete
)

func (t UpdateType) String() string {
	if t == UpdateDelete {
		return "DELETE"
	}
	return "ADD"
}

// Update is a change of one index entry caused by a mutation.
type Update struct {
	Index *schema.IndexType
	Type  UpdateType
	// Key and Entry address the change in a composite index.
	Key   []byte
	Entry kcvs.Entry
	// DocID and Field address the change in a mixed index.
	DocID string
	Field mixed.IndexEntry
	// Vertex owns the change of a vertex index, Relation the change of an edge or property index.
	Vertex   uint64
	Relation *relation.Relation
	TTL      time.Duration
}

func (u *Update) IsComposite() bool { return u.Index.IsComposite() }
func (u *Update) IsAddition() bool  { return u.Type == UpdateAdd }
func (u *Update) IsDeletion() bool  { return u.Type == UpdateDelete }

func (u *Update) String() string {
	if u.IsComposite() {
		return fmt.Sprintf("%s %s key=%x", u.Type, u.Index.Name, u.Key)
	}
	return fmt.Sprintf("%s %s doc=%s field=%s", u.Type, u.Index.Name, u.DocID, u.Field.Field)
}

// Maintainer computes the index updates caused by relation mutations.
type Maintainer struct {
	types      Catalog
	mapper     FieldMapper
	hashKeys   bool
	hashLength schema.HashLength
}

func NewMaintainer(types Catalog, conf config.Index, mapper FieldMapper) *Maintainer {
	if mapper == nil {
		mapper = DefaultFieldMapper{}
	}
	hashLength := schema.HashShort
	if conf.HashLength == "long" {
		hashLength = schema.HashLong
	}
	return &Maintainer{types: types, mapper: mapper, hashKeys: conf.HashKeys, hashLength: hashLength}
}

func (m *Maintainer) Mapper() FieldMapper {
	return m.mapper
}

// applies reports whether idx covers elements of category constrained to typeID. Disabled composite indexes are
// skipped; mixed indexes are filtered per field.
func applies(idx *schema.IndexType, category schema.ElementCategory, typeID uint64) bool {
	if idx.Element != category {
		return false
	}
	if idx.IsComposite() && idx.Status == schema.StatusDisabled {
		return false
	}
	return idx.Constraint == 0 || idx.Constraint == typeID
}

// RelationTTL is the smallest positive time to live among rel, its type rt and the labels of its vertices. 0 means
// no expiry.
func (m *Maintainer) RelationTTL(ctx context.Context, src PropertySource, rel *relation.Relation, rt *schema.RelationType) (time.Duration, error) {
	ttl := rt.TTL
	min := func(d time.Duration) {
		if d > 0 && (ttl == 0 || d < ttl) {
			ttl = d
		}
	}
	min(rel.TTL)
	for pos := 0; pos < rel.Arity(); pos++ {
		labelID, err := src.VertexLabel(ctx, rel.Vertex(pos))
		if err != nil {
			return 0, err
		}
		if labelID == 0 {
			continue
		}
		label, err := m.types.VertexLabel(labelID)
		if err != nil {
			return 0, err
		}
		min(label.TTL)
	}
	return ttl, nil
}

func elementCategory(rel *relation.Relation) schema.ElementCategory {
	if rel.IsEdge() {
		return schema.ElementEdge
	}
	return schema.ElementProperty
}

// UpdatesForRelation returns the updates of the edge and property indexes covering rel itself. Their entries expire
// with the relation, see RelationTTL.
func (m *Maintainer) UpdatesForRelation(ctx context.Context, src PropertySource, rel *relation.Relation, typ UpdateType) ([]*Update, error) {
	rt, err := m.types.RelationType(rel.TypeID)
	if err != nil {
		return nil, err
	}
	keys := make([]uint64, 0, len(rel.Properties))
	for id, v := range rel.Properties {
		if v != nil && !schema.IsImplicitKey(id) {
			keys = append(keys, id)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	if len(keys) == 0 {
		return nil, nil
	}
	ttl, err := m.RelationTTL(ctx, src, rel, rt)
	if err != nil {
		return nil, err
	}

	category := elementCategory(rel)
	seen := make(map[uint64]struct{})
	var updates []*Update
	for _, id := range keys {
		key, err := m.types.RelationType(id)
		if err != nil {
			return nil, err
		}
		for _, idxID := range key.KeyIndexes {
			if _, ok := seen[idxID]; ok {
				continue
			}
			seen[idxID] = struct{}{}
			idx, err := m.types.Index(idxID)
			if err != nil {
				return nil, err
			}
			if !applies(idx, category, rel.TypeID) {
				continue
			}
			if idx.IsComposite() {
				record, err := RecordFromValues(idx, rel.Properties)
				if err != nil {
					// The relation does not carry every field.
					continue
				}
				for i := range record {
					record[i].RelationID = rel.ID
				}
				u, err := m.compositeUpdate(idx, typ, record, 0, rel)
				if err != nil {
					return nil, err
				}
				u.TTL = ttl
				updates = append(updates, u)
				continue
			}
			for _, f := range idx.Fields {
				v, ok := rel.Property(f.Key)
				if !ok || f.Status == schema.StatusDisabled {
					continue
				}
				fieldKey, err := m.types.RelationType(f.Key)
				if err != nil {
					return nil, err
				}
				updates = append(updates, &Update{
					Index:    idx,
					Type:     typ,
					DocID:    RelationDocID(rel),
					Field:    mixed.IndexEntry{Field: m.mapper.Field(idx, f, fieldKey), Value: v},
					Relation: rel,
					TTL:      ttl,
				})
			}
		}
	}
	return updates, nil
}

// UpdatesForVertex returns the updates of the vertex indexes caused by adding or removing the property prop.
func (m *Maintainer) UpdatesForVertex(ctx context.Context, src PropertySource, prop *relation.Relation, typ UpdateType) ([]*Update, error) {
	if !prop.IsProperty() {
		return nil, nil
	}
	key, err := m.types.RelationType(prop.TypeID)
	if err != nil {
		return nil, err
	}
	if len(key.KeyIndexes) == 0 {
		return nil, nil
	}
	vertex := prop.Vertex(0)
	labelID, err := src.VertexLabel(ctx, vertex)
	if err != nil {
		return nil, err
	}
	ttl, err := m.RelationTTL(ctx, src, prop, key)
	if err != nil {
		return nil, err
	}

	var updates []*Update
	for _, idxID := range key.KeyIndexes {
		idx, err := m.types.Index(idxID)
		if err != nil {
			return nil, err
		}
		if !applies(idx, schema.ElementVertex, labelID) {
			continue
		}
		if idx.IsComposite() {
			records, err := Records(ctx, src, vertex, idx, prop)
			if err != nil {
				return nil, err
			}
			for _, record := range records {
				u, err := m.compositeUpdate(idx, typ, record, vertex, prop)
				if err != nil {
					return nil, err
				}
				u.TTL = ttl
				updates = append(updates, u)
			}
			continue
		}
		f, ok := idx.Field(key.ID)
		if !ok || f.Status == schema.StatusDisabled {
			continue
		}
		updates = append(updates, &Update{
			Index:    idx,
			Type:     typ,
			DocID:    VertexDocID(vertex),
			Field:    mixed.IndexEntry{Field: m.mapper.Field(idx, f, key), Value: prop.Value},
			Vertex:   vertex,
			Relation: prop,
			TTL:      ttl,
		})
	}
	return updates, nil
}

func (m *Maintainer) compositeUpdate(idx *schema.IndexType, typ UpdateType, record Record, vertex uint64, rel *relation.Relation) (*Update, error) {
	key, err := m.CompositeKey(idx, record)
	if err != nil {
		return nil, err
	}
	return &Update{
		Index:    idx,
		Type:     typ,
		Key:      key,
		Entry:    compositeEntry(idx, record, vertex, rel),
		Vertex:   vertex,
		Relation: rel,
	}, nil
}
