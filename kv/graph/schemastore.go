package graph

import (
	"context"

	"github.com/pingcap-incubator/tinygraph/kv/index"
	"github.com/pingcap-incubator/tinygraph/kv/relation"
	"github.com/pingcap-incubator/tinygraph/kv/schema"
	"github.com/pingcap-incubator/tinygraph/kv/storage/kcvs"
	"github.com/pingcap/errors"
)

// SchemaStore loads schema elements from their schema vertices. A definition is the ~definition property of the
// vertex, names are resolved through the ~byName index.
type SchemaStore struct {
	edges      *kcvs.Store
	indexes    *kcvs.Store
	codec      *relation.Codec
	maintainer *index.Maintainer
}

func (s *SchemaStore) RetrieveElement(id uint64) (schema.Element, error) {
	def, err := s.definition(context.Background(), id)
	if err != nil {
		return nil, err
	}
	if def == nil {
		return nil, errors.Annotatef(schema.ErrSchemaNotFound, "id %d", id)
	}
	data, ok := def.Value.([]byte)
	if !ok {
		return nil, errors.Errorf("definition of schema element %d is %T", id, def.Value)
	}
	return schema.UnmarshalElement(data)
}

// definition returns the ~definition relation of schema vertex id, nil if there is none.
func (s *SchemaStore) definition(ctx context.Context, id uint64) (*relation.Relation, error) {
	entries, err := s.edges.GetSlice(ctx, relation.VertexKey(id), relation.TypeSlice(schema.DefinitionKey, schema.DirectionOut))
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	rc, err := s.codec.ParseRelation(entries[0], true)
	if err != nil {
		return nil, err
	}
	return relation.NewProperty(rc.RelationID, schema.DefinitionKeyID, id, rc.Value), nil
}

func (s *SchemaStore) RetrieveID(name string) (uint64, error) {
	hits, err := s.maintainer.Lookup(context.Background(), s.indexes, schema.NameIndex, name)
	if err != nil {
		return 0, err
	}
	if len(hits) == 0 {
		return 0, errors.Annotatef(schema.ErrSchemaNotFound, "name %q", name)
	}
	return hits[0].VertexID, nil
}
