package graph

import (
	"context"
	"sort"
	"sync"

	"github.com/pingcap-incubator/tinygraph/kv/index"
	"github.com/pingcap-incubator/tinygraph/kv/management"
	"github.com/pingcap-incubator/tinygraph/kv/relation"
	"github.com/pingcap-incubator/tinygraph/kv/schema"
	"github.com/pingcap-incubator/tinygraph/kv/storage/kcvs"
	"github.com/pingcap-incubator/tinygraph/kv/transaction"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

var (
	ErrTxClosed = errors.New("graph: transaction closed")
	// ErrMultiplicity is returned when an edge would violate the multiplicity of its label.
	ErrMultiplicity = errors.New("graph: multiplicity violated")
	// ErrIndexNotEnabled is returned when querying an index that is not enabled yet.
	ErrIndexNotEnabled = errors.New("graph: index not enabled")
	ErrUnknownProvider = errors.New("graph: unknown index provider")
	ErrWrongSchemaKind = errors.New("graph: schema element of unexpected kind")
)

// QueryKeyPrefix marks key names in mixed index queries, as in "v.name:marko".
const QueryKeyPrefix = "v."

// Tx buffers changes to the graph until Commit. Reads see the committed state with the buffered changes applied.
// A Tx is used from one goroutine; only ExpireSchemaElement is called concurrently.
type Tx struct {
	g      *Graph
	id     uint64
	closed atomic.Bool

	added        []*relation.Relation
	deleted      map[uint64]*relation.Relation
	deletedOrder []uint64
	newVertices  map[uint64]struct{}
	labels       map[uint64]uint64

	// defined and updated hold schema elements whose definitions are written at commit.
	defined  []schema.Element
	updated  map[uint64]schema.Element
	triggers []management.Trigger
	evicted  <-chan struct{}

	userLog string
	meta    map[string]string

	// types pins the schema elements read by the transaction until they are expired.
	mu    sync.Mutex
	types map[uint64]schema.Element
}

// NewTx starts a transaction.
func (g *Graph) NewTx() (*Tx, error) {
	if g.IsClosed() {
		return nil, ErrClosed
	}
	id, err := g.txIDs.Next()
	if err != nil {
		return nil, err
	}
	tx := &Tx{
		g:           g,
		id:          id,
		deleted:     make(map[uint64]*relation.Relation),
		newVertices: make(map[uint64]struct{}),
		labels:      make(map[uint64]uint64),
		updated:     make(map[uint64]schema.Element),
		types:       make(map[uint64]schema.Element),
	}
	g.txs.Add(tx)
	return tx, nil
}

func (tx *Tx) ID() uint64 {
	return tx.id
}

func (tx *Tx) IsClosed() bool {
	return tx.closed.Load()
}

func (tx *Tx) ExpireSchemaElement(id uint64) {
	tx.mu.Lock()
	delete(tx.types, id)
	tx.mu.Unlock()
}

// SetUserLog makes the commit write the change set with meta to the user log called name.
func (tx *Tx) SetUserLog(name string, meta map[string]string) {
	tx.userLog, tx.meta = name, meta
}

func (tx *Tx) check() error {
	if tx.IsClosed() {
		return ErrTxClosed
	}
	if tx.g.IsClosed() {
		return ErrClosed
	}
	return nil
}

func (tx *Tx) element(id uint64) (schema.Element, error) {
	tx.mu.Lock()
	e, ok := tx.types[id]
	tx.mu.Unlock()
	if ok {
		return e, nil
	}
	e, err := tx.g.cache.Element(id)
	if err != nil {
		return nil, err
	}
	tx.mu.Lock()
	tx.types[id] = e
	tx.mu.Unlock()
	return e, nil
}

func (tx *Tx) elementByName(name string) (schema.Element, error) {
	for _, e := range tx.defined {
		if e.SchemaName() == name {
			return e, nil
		}
	}
	e, err := tx.g.cache.ElementByName(name)
	if err != nil {
		return nil, err
	}
	return tx.element(e.SchemaID())
}

func (tx *Tx) relationType(id uint64) (*schema.RelationType, error) {
	e, err := tx.element(id)
	if err != nil {
		return nil, err
	}
	rt, ok := e.(*schema.RelationType)
	if !ok {
		return nil, errors.Annotatef(ErrWrongSchemaKind, "%s is not a relation type", e.SchemaName())
	}
	return rt, nil
}

func (tx *Tx) propertyKey(name string) (*schema.RelationType, error) {
	e, err := tx.elementByName(name)
	if err != nil {
		return nil, err
	}
	rt, ok := e.(*schema.RelationType)
	if !ok || !rt.IsPropertyKey() {
		return nil, errors.Annotatef(ErrWrongSchemaKind, "%s is not a property key", name)
	}
	return rt, nil
}

func (tx *Tx) edgeLabel(name string) (*schema.RelationType, error) {
	e, err := tx.elementByName(name)
	if err != nil {
		return nil, err
	}
	rt, ok := e.(*schema.RelationType)
	if !ok || !rt.IsEdgeLabel() {
		return nil, errors.Annotatef(ErrWrongSchemaKind, "%s is not an edge label", name)
	}
	return rt, nil
}

func (tx *Tx) indexType(name string) (*schema.IndexType, error) {
	e, err := tx.elementByName(name)
	if err != nil {
		return nil, err
	}
	idx, ok := e.(*schema.IndexType)
	if !ok {
		return nil, errors.Annotatef(ErrWrongSchemaKind, "%s is not an index", name)
	}
	return idx, nil
}

// AddVertex creates a vertex with the vertex label called label, or the default label when label is empty.
func (tx *Tx) AddVertex(ctx context.Context, label string) (uint64, error) {
	if err := tx.check(); err != nil {
		return 0, err
	}
	var labelID uint64
	if label != "" {
		e, err := tx.elementByName(label)
		if err != nil {
			return 0, err
		}
		if e.Kind() != schema.KindVertexLabel {
			return 0, errors.Annotatef(ErrWrongSchemaKind, "%s is not a vertex label", label)
		}
		labelID = e.SchemaID()
	}
	id, err := tx.g.elementIDs.Next()
	if err != nil {
		return 0, err
	}
	tx.newVertices[id] = struct{}{}
	tx.labels[id] = labelID
	if labelID != 0 {
		relID, err := tx.g.relationIDs.Next()
		if err != nil {
			return 0, err
		}
		tx.added = append(tx.added, relation.NewEdge(relID, schema.VertexLabelID, id, labelID))
	}
	return id, nil
}

// AddProperty sets the property key on vertex. A single valued key replaces the current value, a set valued key
// keeps one property per distinct value.
func (tx *Tx) AddProperty(ctx context.Context, vertex uint64, key string, value interface{}) (*relation.Relation, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	rt, err := tx.propertyKey(key)
	if err != nil {
		return nil, err
	}
	return tx.addProperty(ctx, vertex, rt, value)
}

func (tx *Tx) addProperty(ctx context.Context, vertex uint64, rt *schema.RelationType, value interface{}) (*relation.Relation, error) {
	v, err := rt.DataType.Normalize(value)
	if err != nil {
		return nil, errors.Annotatef(err, "property %s", rt.Name)
	}
	current, err := tx.relations(ctx, vertex, rt, schema.DirectionOut)
	if err != nil {
		return nil, err
	}
	for _, p := range current {
		switch rt.Cardinality {
		case schema.CardinalitySingle:
			tx.remove(p)
		case schema.CardinalitySet:
			if schema.ValuesEqual(p.Value, v) {
				return p, nil
			}
		}
	}
	id, err := tx.g.relationIDs.Next()
	if err != nil {
		return nil, err
	}
	p := relation.NewProperty(id, rt.ID, vertex, v)
	tx.added = append(tx.added, p)
	return p, nil
}

// AddEdge adds an edge labeled label from out to in with the given properties keyed by name.
func (tx *Tx) AddEdge(ctx context.Context, out uint64, label string, in uint64, props map[string]interface{}) (*relation.Relation, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	rt, err := tx.edgeLabel(label)
	if err != nil {
		return nil, err
	}
	switch {
	case rt.Multiplicity.IsUnique(schema.DirectionOut) || rt.Multiplicity.IsUnique(schema.DirectionIn):
		for _, d := range []schema.Direction{schema.DirectionOut, schema.DirectionIn} {
			if !rt.Multiplicity.IsUnique(d) {
				continue
			}
			vertex := out
			if d == schema.DirectionIn {
				vertex = in
			}
			existing, err := tx.relations(ctx, vertex, rt, d)
			if err != nil {
				return nil, err
			}
			if len(existing) > 0 {
				return nil, errors.Annotatef(ErrMultiplicity, "%s %s of vertex %d", rt.Multiplicity, d, vertex)
			}
		}
	case rt.Multiplicity == schema.Simple:
		existing, err := tx.relations(ctx, out, rt, schema.DirectionOut)
		if err != nil {
			return nil, err
		}
		for _, e := range existing {
			if e.Vertex(1) == in {
				return nil, errors.Annotatef(ErrMultiplicity, "%s edge %d -> %d exists", rt.Name, out, in)
			}
		}
	}
	id, err := tx.g.relationIDs.Next()
	if err != nil {
		return nil, err
	}
	e := relation.NewEdge(id, rt.ID, out, in)
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		key, err := tx.propertyKey(name)
		if err != nil {
			return nil, err
		}
		v, err := key.DataType.Normalize(props[name])
		if err != nil {
			return nil, errors.Annotatef(err, "property %s of %s", name, rt.Name)
		}
		e.SetProperty(key.ID, v)
	}
	tx.added = append(tx.added, e)
	return e, nil
}

// RemoveRelation removes an edge or a property read through the transaction.
func (tx *Tx) RemoveRelation(rel *relation.Relation) error {
	if err := tx.check(); err != nil {
		return err
	}
	tx.remove(rel)
	return nil
}

func (tx *Tx) remove(rel *relation.Relation) {
	for i, r := range tx.added {
		if r.ID == rel.ID {
			tx.added = append(tx.added[:i], tx.added[i+1:]...)
			return
		}
	}
	if _, ok := tx.deleted[rel.ID]; !ok {
		tx.deleted[rel.ID] = rel
		tx.deletedOrder = append(tx.deletedOrder, rel.ID)
	}
}

// RemoveVertex removes every relation of vertex.
func (tx *Tx) RemoveVertex(ctx context.Context, vertex uint64) error {
	if err := tx.check(); err != nil {
		return err
	}
	rels, err := tx.vertexRelations(ctx, vertex)
	if err != nil {
		return err
	}
	for _, rel := range rels {
		tx.remove(rel)
	}
	return nil
}

// Properties returns the properties key of vertex.
func (tx *Tx) Properties(ctx context.Context, vertex uint64, key string) ([]*relation.Relation, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	rt, err := tx.propertyKey(key)
	if err != nil {
		return nil, err
	}
	return tx.relations(ctx, vertex, rt, schema.DirectionOut)
}

// Edges returns the edges labeled label in direction dir of vertex. A loop is returned once for DirectionBoth.
func (tx *Tx) Edges(ctx context.Context, vertex uint64, label string, dir schema.Direction) ([]*relation.Relation, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	rt, err := tx.edgeLabel(label)
	if err != nil {
		return nil, err
	}
	if dir != schema.DirectionBoth {
		return tx.relations(ctx, vertex, rt, dir)
	}
	out, err := tx.relations(ctx, vertex, rt, schema.DirectionOut)
	if err != nil {
		return nil, err
	}
	in, err := tx.relations(ctx, vertex, rt, schema.DirectionIn)
	if err != nil {
		return nil, err
	}
	for _, e := range in {
		if !e.IsLoop() {
			out = append(out, e)
		}
	}
	return out, nil
}

// VertexProperties implements index.PropertySource.
func (tx *Tx) VertexProperties(ctx context.Context, vertex, key uint64) ([]*relation.Relation, error) {
	rt, err := tx.relationType(key)
	if err != nil {
		return nil, err
	}
	return tx.relations(ctx, vertex, rt, schema.DirectionOut)
}

// VertexLabel implements index.PropertySource.
func (tx *Tx) VertexLabel(ctx context.Context, vertex uint64) (uint64, error) {
	if label, ok := tx.labels[vertex]; ok {
		return label, nil
	}
	entries, err := tx.g.edges.GetSlice(ctx, relation.VertexKey(vertex), relation.TypeSlice(schema.VertexLabelEdge, schema.DirectionOut))
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}
	rc, err := tx.g.codec.ParseRelation(entries[0], true)
	if err != nil {
		return 0, err
	}
	return rc.OtherVertexID, nil
}

// relations returns the relations of type rt at vertex in direction dir as the transaction sees them.
func (tx *Tx) relations(ctx context.Context, vertex uint64, rt *schema.RelationType, dir schema.Direction) ([]*relation.Relation, error) {
	var rels []*relation.Relation
	if _, isNew := tx.newVertices[vertex]; !isNew {
		committed, err := tx.committed(ctx, vertex, rt, dir)
		if err != nil {
			return nil, err
		}
		for _, rel := range committed {
			if _, ok := tx.deleted[rel.ID]; !ok {
				rels = append(rels, rel)
			}
		}
	}
	pos := 0
	if dir == schema.DirectionIn {
		pos = 1
	}
	for _, rel := range tx.added {
		if rel.TypeID == rt.ID && rel.Vertex(pos) == vertex {
			rels = append(rels, rel)
		}
	}
	return rels, nil
}

func (tx *Tx) committed(ctx context.Context, vertex uint64, rt *schema.RelationType, dir schema.Direction) ([]*relation.Relation, error) {
	entries, err := tx.g.edges.GetSlice(ctx, relation.VertexKey(vertex), relation.TypeSlice(rt, dir))
	if err != nil {
		return nil, err
	}
	rels := make([]*relation.Relation, 0, len(entries))
	for _, e := range entries {
		rc, err := tx.g.codec.ParseRelation(e, false)
		if err != nil {
			return nil, err
		}
		rels = append(rels, toRelation(vertex, rt, rc))
	}
	return rels, nil
}

// vertexRelations returns every relation stored in the row of vertex plus those added by the transaction.
func (tx *Tx) vertexRelations(ctx context.Context, vertex uint64) ([]*relation.Relation, error) {
	seen := make(map[uint64]struct{})
	var rels []*relation.Relation
	collect := func(rel *relation.Relation) {
		if _, ok := seen[rel.ID]; ok {
			return
		}
		if _, ok := tx.deleted[rel.ID]; ok {
			return
		}
		seen[rel.ID] = struct{}{}
		rels = append(rels, rel)
	}
	entries, err := tx.g.edges.GetSlice(ctx, relation.VertexKey(vertex), kcvs.SliceQuery{})
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		rc, err := tx.g.codec.ParseRelation(e, false)
		if err != nil {
			return nil, err
		}
		rt, err := tx.relationType(rc.TypeID)
		if err != nil {
			return nil, err
		}
		if rt.BaseType != 0 {
			continue
		}
		collect(toRelation(vertex, rt, rc))
	}
	for _, rel := range tx.added {
		for pos := 0; pos < rel.Arity(); pos++ {
			if rel.Vertex(pos) == vertex {
				collect(rel)
			}
		}
	}
	return rels, nil
}

func toRelation(vertex uint64, rt *schema.RelationType, rc *relation.RelationCache) *relation.Relation {
	var rel *relation.Relation
	switch {
	case rt.IsPropertyKey():
		rel = relation.NewProperty(rc.RelationID, rt.ID, vertex, rc.Value)
	case rc.Direction == schema.DirectionIn:
		rel = relation.NewEdge(rc.RelationID, rt.ID, rc.OtherVertexID, vertex)
	default:
		rel = relation.NewEdge(rc.RelationID, rt.ID, vertex, rc.OtherVertexID)
	}
	for k, v := range rc.Properties {
		if !schema.IsImplicitKey(k) {
			rel.SetProperty(k, v)
		}
	}
	return rel
}

// IndexLookup returns the elements indexed under values by the composite index called name. Only committed
// changes are visible.
func (tx *Tx) IndexLookup(ctx context.Context, name string, values ...interface{}) ([]index.Hit, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	idx, err := tx.indexType(name)
	if err != nil {
		return nil, err
	}
	if idx.Status != schema.StatusEnabled {
		return nil, errors.Annotatef(ErrIndexNotEnabled, "%s is %s", name, idx.Status)
	}
	normalized := make([]interface{}, len(values))
	for i, v := range values {
		if i >= len(idx.Fields) {
			return nil, errors.Errorf("graph: index %s has %d fields, got %d values", name, len(idx.Fields), len(values))
		}
		key, err := tx.relationType(idx.Fields[i].Key)
		if err != nil {
			return nil, err
		}
		if normalized[i], err = key.DataType.Normalize(v); err != nil {
			return nil, err
		}
	}
	return tx.g.maintainer.Lookup(ctx, tx.g.indexes, idx, normalized...)
}

// IndexQuery runs query against the mixed index called name. Keys are referenced as QueryKeyPrefix followed by the
// key name.
func (tx *Tx) IndexQuery(ctx context.Context, name, query string, limit int) ([]index.Hit, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	idx, err := tx.indexType(name)
	if err != nil {
		return nil, err
	}
	if idx.Status != schema.StatusEnabled {
		return nil, errors.Annotatef(ErrIndexNotEnabled, "%s is %s", name, idx.Status)
	}
	p, ok := tx.g.providers[idx.BackingIndex]
	if !ok {
		return nil, errors.Annotatef(ErrUnknownProvider, "%q of index %s", idx.BackingIndex, name)
	}
	return tx.g.maintainer.Query(ctx, p, idx, query, QueryKeyPrefix, limit)
}

// Evicted returns a channel closed once every instance dropped the schema elements updated by the transaction, nil
// when the committed transaction updated none.
func (tx *Tx) Evicted() <-chan struct{} {
	return tx.evicted
}

// Commit persists the changes of the transaction. Failures of mixed indexes and user logs do not fail the commit,
// they are reported in the result.
func (tx *Tx) Commit(ctx context.Context) (*transaction.Result, error) {
	if tx.closed.Swap(true) {
		return nil, ErrTxClosed
	}
	defer tx.g.txs.Remove(tx)
	if tx.g.IsClosed() {
		return nil, ErrClosed
	}
	if err := tx.writeDefinitions(ctx); err != nil {
		return nil, err
	}
	batch := &transaction.Batch{
		TxID:        tx.id,
		Added:       tx.added,
		Source:      tx,
		NewVertices: tx.newVertices,
		UserLog:     tx.userLog,
		Meta:        tx.meta,
	}
	for _, id := range tx.deletedOrder {
		batch.Deleted = append(batch.Deleted, tx.deleted[id])
	}
	if batch.IsEmpty() {
		return &transaction.Result{}, nil
	}
	// Relations of types defined by the transaction are encoded with the new definitions.
	for _, e := range tx.defined {
		tx.g.cache.Put(e)
	}
	res, err := tx.g.coord.Commit(ctx, batch)
	if err != nil {
		for _, e := range tx.defined {
			tx.g.cache.ExpireSchemaElement(e.SchemaID())
		}
		return res, err
	}
	tx.registerMixed(ctx)
	if len(tx.updated) > 0 {
		tx.evicted = tx.g.evict(ctx, tx.updatedIDs(), management.ActionExpire, tx.triggers...)
	}
	return res, nil
}

// registerMixed declares the fields of enabled mixed indexes defined by the transaction in their providers.
func (tx *Tx) registerMixed(ctx context.Context) {
	for _, e := range tx.defined {
		idx, ok := e.(*schema.IndexType)
		if !ok || !idx.IsMixed() || idx.Status != schema.StatusEnabled {
			continue
		}
		p, ok := tx.g.providers[idx.BackingIndex]
		if !ok {
			log.Error("mixed index without provider", zap.String("index", idx.Name), zap.String("provider", idx.BackingIndex))
			continue
		}
		if err := tx.g.maintainer.RegisterMixed(ctx, p, idx); err != nil {
			log.Error("register mixed index failed", zap.String("index", idx.Name), zap.Error(err))
		}
	}
}

func (tx *Tx) updatedIDs() []uint64 {
	ids := make([]uint64, 0, len(tx.updated))
	for id := range tx.updated {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Rollback discards the changes of the transaction.
func (tx *Tx) Rollback() {
	if tx.closed.Swap(true) {
		return
	}
	tx.g.txs.Remove(tx)
	tx.added, tx.deleted, tx.deletedOrder = nil, nil, nil
}
