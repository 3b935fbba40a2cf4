package graph

import (
	"context"
	"strconv"
	"time"

	"github.com/pingcap-incubator/tinygraph/kv/config"
	"github.com/pingcap-incubator/tinygraph/kv/index"
	"github.com/pingcap-incubator/tinygraph/kv/instance"
	"github.com/pingcap-incubator/tinygraph/kv/relation"
	"github.com/pingcap-incubator/tinygraph/kv/schema"
	"github.com/pingcap-incubator/tinygraph/kv/storage"
	"github.com/pingcap-incubator/tinygraph/kv/storage/kcvs"
	"github.com/pingcap-incubator/tinygraph/kv/util/engine_util"
	"github.com/pingcap/errors"
)

// Inspector reads the stores of a graph without registering an instance. It never writes.
type Inspector struct {
	edges      *kcvs.Store
	indexes    *kcvs.Store
	cache      *schema.StandardCache
	codec      *relation.Codec
	maintainer *index.Maintainer
	registry   *instance.Registry
}

func NewInspector(conf *config.Config, engine storage.Storage) *Inspector {
	km := kcvs.NewManager(engine, conf.Locks)
	i := &Inspector{
		edges:    km.OpenDatabase(engine_util.CfEdgeStore),
		indexes:  km.OpenDatabase(engine_util.CfGraphIndex),
		registry: instance.NewRegistry(km, conf.Graph.Name),
	}
	store := &SchemaStore{edges: i.edges, indexes: i.indexes}
	i.cache = schema.NewStandardCache(store)
	i.codec = relation.NewCodec(i.cache)
	i.maintainer = index.NewMaintainer(i.cache, conf.Index, nil)
	store.codec, store.maintainer = i.codec, i.maintainer
	return i
}

// RowEntry is one decoded entry of a vertex row.
type RowEntry struct {
	Column   []byte
	Type     *schema.RelationType
	Relation *relation.RelationCache
}

// VertexRow decodes every entry stored in the row of vertex.
func (i *Inspector) VertexRow(ctx context.Context, vertex uint64) ([]RowEntry, error) {
	entries, err := i.edges.GetSlice(ctx, relation.VertexKey(vertex), kcvs.SliceQuery{})
	if err != nil {
		return nil, err
	}
	rows := make([]RowEntry, 0, len(entries))
	for _, e := range entries {
		rc, err := i.codec.ParseRelation(e, false)
		if err != nil {
			return nil, errors.Annotatef(err, "vertex %d column %x", vertex, e.Column())
		}
		t, err := i.cache.RelationType(rc.TypeID)
		if err != nil {
			return nil, err
		}
		rows = append(rows, RowEntry{Column: e.Column(), Type: t, Relation: rc})
	}
	return rows, nil
}

// Index returns the index named name.
func (i *Inspector) Index(name string) (*schema.IndexType, error) {
	e, err := i.cache.ElementByName(name)
	if err != nil {
		return nil, err
	}
	idx, ok := e.(*schema.IndexType)
	if !ok {
		return nil, errors.Annotatef(ErrWrongSchemaKind, "%s is not an index", name)
	}
	return idx, nil
}

// IndexKey builds the row key of a composite index from textual field values.
func (i *Inspector) IndexKey(name string, values []string) ([]byte, error) {
	idx, record, err := i.record(name, values)
	if err != nil {
		return nil, err
	}
	return i.maintainer.CompositeKey(idx, record)
}

// Lookup returns the elements stored under textual field values in a composite index.
func (i *Inspector) Lookup(ctx context.Context, name string, values []string) ([]index.Hit, error) {
	idx, record, err := i.record(name, values)
	if err != nil {
		return nil, err
	}
	return i.maintainer.Lookup(ctx, i.indexes, idx, record.Values()...)
}

func (i *Inspector) record(name string, values []string) (*schema.IndexType, index.Record, error) {
	idx, err := i.Index(name)
	if err != nil {
		return nil, nil, err
	}
	if !idx.IsComposite() {
		return nil, nil, errors.Errorf("index %s is not composite", name)
	}
	if len(values) != len(idx.Fields) {
		return nil, nil, errors.Errorf("index %s has %d fields, got %d values", name, len(idx.Fields), len(values))
	}
	record := make(index.Record, len(values))
	for n, f := range idx.Fields {
		key, err := i.cache.RelationType(f.Key)
		if err != nil {
			return nil, nil, err
		}
		v, err := ParseValue(key.DataType, values[n])
		if err != nil {
			return nil, nil, errors.Annotatef(err, "field %s", key.Name)
		}
		record[n] = index.RecordEntry{Value: v, KeyID: f.Key}
	}
	return idx, record, nil
}

// Instances lists the instances registered for the graph.
func (i *Inspector) Instances(ctx context.Context) ([]instance.Info, error) {
	return i.registry.Instances(ctx)
}

// ParseValue converts text to a value of data type d. Times are RFC 3339, bytes are taken as is and values of
// DataTypeAny stay strings.
func ParseValue(d schema.DataType, s string) (interface{}, error) {
	switch d {
	case schema.DataTypeInt64:
		return strconv.ParseInt(s, 10, 64)
	case schema.DataTypeFloat64:
		return strconv.ParseFloat(s, 64)
	case schema.DataTypeBool:
		return strconv.ParseBool(s)
	case schema.DataTypeTime:
		return time.Parse(time.RFC3339Nano, s)
	case schema.DataTypeBytes:
		return []byte(s), nil
	}
	return s, nil
}
