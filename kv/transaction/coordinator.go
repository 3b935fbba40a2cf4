package transaction

import (
	"context"
	"time"

	"github.com/pingcap-incubator/tinygraph/kv/config"
	"github.com/pingcap-incubator/tinygraph/kv/index"
	"github.com/pingcap-incubator/tinygraph/kv/mixed"
	"github.com/pingcap-incubator/tinygraph/kv/relation"
	"github.com/pingcap-incubator/tinygraph/kv/schema"
	"github.com/pingcap-incubator/tinygraph/kv/storage/kcvs"
	"github.com/pingcap-incubator/tinygraph/kv/transaction/txlog"
	"github.com/pingcap-incubator/tinygraph/kv/wal"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Batch is the set of relation changes of one graph transaction.
type Batch struct {
	TxID    uint64
	Added   []*relation.Relation
	Deleted []*relation.Relation
	// Source reads the vertices as the transaction sees them, with its changes applied.
	Source index.PropertySource
	// NewVertices holds the vertices created by the transaction. Adding to them needs no locks.
	NewVertices map[uint64]struct{}
	// UserLog names the log the change set is written to after the commit. Empty for none.
	UserLog string
	Meta    map[string]string
}

func (b *Batch) isNew(vertex uint64) bool {
	_, ok := b.NewVertices[vertex]
	return ok
}

func (b *Batch) IsEmpty() bool {
	return len(b.Added) == 0 && len(b.Deleted) == 0
}

// Result describes a finished commit.
type Result struct {
	Trace *Trace
	// SchemaTrace is the trace of the schema commit that ran ahead of the main one, nil if there was none.
	SchemaTrace *Trace
	// SecondaryFailures maps the mixed index providers whose commit failed to their error.
	SecondaryFailures map[string]error
	UserLogFailed     bool
}

// Coordinator commits batches: it locks, persists the relations with their composite index entries and then the
// secondary effects.
type Coordinator struct {
	manager    *kcvs.Manager
	types      index.Catalog
	codec      *relation.Codec
	maintainer *index.Maintainer
	providers  map[string]mixed.Provider
	logs       *wal.Manager
	txLog      *wal.Log
	now        func() time.Time
}

// NewCoordinator creates a coordinator. logs may be nil when neither the transaction log nor user logs are used.
func NewCoordinator(manager *kcvs.Manager, types index.Catalog, maintainer *index.Maintainer,
	providers map[string]mixed.Provider, logs *wal.Manager, conf config.TxLog) *Coordinator {
	c := &Coordinator{
		manager:    manager,
		types:      types,
		codec:      relation.NewCodec(types),
		maintainer: maintainer,
		providers:  providers,
		logs:       logs,
		now:        time.Now,
	}
	if conf.Enabled && logs != nil {
		c.txLog = logs.OpenLog(wal.TransactionLog)
	}
	return c
}

func (c *Coordinator) Codec() *relation.Codec {
	return c.codec
}

func isSchemaRelation(rel *relation.Relation) bool {
	return schema.IsSchemaType(rel.TypeID)
}

func splitSchema(rels []*relation.Relation) (schemaRels, rest []*relation.Relation) {
	for _, rel := range rels {
		if isSchemaRelation(rel) {
			schemaRels = append(schemaRels, rel)
		} else {
			rest = append(rest, rel)
		}
	}
	return
}

// Commit persists batch. Schema changes are committed ahead of everything else when the backend has no
// transaction isolation. Errors abort the commit; failures of secondary effects are reported in the result only.
func (c *Coordinator) Commit(ctx context.Context, batch *Batch) (*Result, error) {
	start := c.now()
	res := &Result{}
	main := *batch
	if !c.manager.Features().TxIsolation {
		schemaBatch := *batch
		schemaBatch.UserLog = ""
		schemaBatch.Added, main.Added = splitSchema(batch.Added)
		schemaBatch.Deleted, main.Deleted = splitSchema(batch.Deleted)
		if !schemaBatch.IsEmpty() {
			res.SchemaTrace = newTrace()
			if err := c.commit(ctx, &schemaBatch, res.SchemaTrace, nil, false); err != nil {
				c.observe(start, "schema_abort")
				return res, errors.Annotatef(err, "commit schema of transaction %d", batch.TxID)
			}
		}
	}
	res.Trace = newTrace()
	if err := c.commit(ctx, &main, res.Trace, res, c.txLog != nil); err != nil {
		c.observe(start, "abort")
		return res, err
	}
	c.observe(start, "success")
	return res, nil
}

func (c *Coordinator) observe(start time.Time, result string) {
	commitCounter.WithLabelValues(result).Inc()
	commitDuration.WithLabelValues(result).Observe(c.now().Sub(start).Seconds())
}

type vertexMutations struct {
	additions []*relation.Relation
	deletions []*relation.Relation
}

type prepared struct {
	vertices map[uint64]*vertexMutations
	// order lists the vertices in the order they were first touched.
	order         []uint64
	updates       []*index.Update
	modifications []txlog.Modification
}

func (p *prepared) record(vertex uint64, rel *relation.Relation, deletion bool) {
	vm, ok := p.vertices[vertex]
	if !ok {
		vm = &vertexMutations{}
		p.vertices[vertex] = vm
		p.order = append(p.order, vertex)
	}
	if deletion {
		vm.deletions = append(vm.deletions, rel)
	} else {
		vm.additions = append(vm.additions, rel)
	}
}

func (c *Coordinator) commit(ctx context.Context, batch *Batch, trace *Trace, res *Result, logged bool) error {
	btx := NewBackendTransaction(c.manager, c.providers)
	abort := func(err error) error {
		btx.Rollback()
		trace.transition(StateAborted)
		log.Warn("abort commit", zap.Uint64("tx", batch.TxID), zap.Error(err))
		return err
	}

	p, err := c.prepare(ctx, batch, logged)
	if err != nil {
		return abort(err)
	}
	trace.transition(StateLocking)
	if err := c.lockRelations(ctx, btx, batch, batch.Deleted, true, trace); err != nil {
		return abort(err)
	}
	if err := c.lockRelations(ctx, btx, batch, batch.Added, false, trace); err != nil {
		return abort(err)
	}
	if err := c.lockIndexes(ctx, btx, p.updates, trace); err != nil {
		return abort(err)
	}
	if err := c.buffer(ctx, btx, batch, p); err != nil {
		return abort(err)
	}
	hasSecondary := res != nil && (btx.HasIndexMutations() || batch.UserLog != "")

	if logged {
		pre := &txlog.Entry{TxID: batch.TxID, Timestamp: c.now(), Status: txlog.StatusPreCommit, Meta: batch.Meta, Modifications: p.modifications}
		if err := c.txLog.AddWithKey(ctx, pre.Marshal(), txlog.Key(batch.TxID)); err != nil {
			return abort(errors.Annotate(err, "log precommit"))
		}
		status := txlog.StatusCompleteSuccess
		if hasSecondary {
			status = txlog.StatusPrimarySuccess
		}
		done := &txlog.Entry{TxID: batch.TxID, Timestamp: c.now(), Status: status}
		store, row, e := c.txLog.Prepare(done.Marshal(), txlog.Key(batch.TxID))
		btx.Mutate(store, row, []kcvs.Entry{e}, nil)
	}

	trace.transition(StatePrimaryPersisting)
	if err := btx.Commit(ctx); err != nil {
		return abort(err)
	}

	if hasSecondary {
		trace.transition(StateSecondaryPersisting)
		c.persistSecondary(ctx, btx, batch, p, res, logged)
	}
	btx.Release()
	trace.transition(StateDone)
	return nil
}

// prepare records every relation under the vertices it touches and computes the index updates, deletions first.
func (c *Coordinator) prepare(ctx context.Context, batch *Batch, logged bool) (*prepared, error) {
	p := &prepared{vertices: make(map[uint64]*vertexMutations)}
	src := batch.Source
	if src == nil {
		src = emptySource{}
	}
	keepModifications := logged || batch.UserLog != ""
	for _, deletion := range []bool{true, false} {
		rels, typ := batch.Added, index.UpdateAdd
		if deletion {
			rels, typ = batch.Deleted, index.UpdateDelete
		}
		for _, rel := range rels {
			rt, err := c.types.RelationType(rel.TypeID)
			if err != nil {
				return nil, err
			}
			for pos := 0; pos < rel.Arity(); pos++ {
				if pos == 0 || !rel.IsLoop() {
					p.record(rel.Vertex(pos), rel, deletion)
				}
			}
			updates, err := c.maintainer.UpdatesForRelation(ctx, src, rel, typ)
			if err != nil {
				return nil, err
			}
			p.updates = append(p.updates, updates...)
			if rel.IsProperty() {
				if updates, err = c.maintainer.UpdatesForVertex(ctx, src, rel, typ); err != nil {
					return nil, err
				}
				p.updates = append(p.updates, updates...)
			}
			if keepModifications {
				e, err := c.codec.WriteRelation(rel, rt, 0)
				if err != nil {
					return nil, err
				}
				p.modifications = append(p.modifications, txlog.Modification{Deleted: deletion, VertexID: rel.Vertex(0), Entry: e})
			}
		}
	}
	return p, nil
}

// lockOnWrite reports whether relations of rt are locked at position pos: the type is unique in that direction,
// or a simple type seen from its out vertex.
func lockOnWrite(rt *schema.RelationType, pos int) bool {
	if rt.Consistency != schema.ConsistencyLock {
		return false
	}
	return rt.Multiplicity.IsUnique(schema.DirectionFromPosition(pos)) || (pos == 0 && rt.Multiplicity == schema.Simple)
}

func (c *Coordinator) lockRelations(ctx context.Context, btx *BackendTransaction, batch *Batch, rels []*relation.Relation, deletion bool, trace *Trace) error {
	for _, rel := range rels {
		rt, err := c.types.RelationType(rel.TypeID)
		if err != nil {
			return err
		}
		for pos := 0; pos < rel.Arity(); pos++ {
			if (pos > 0 && rel.IsLoop()) || !lockOnWrite(rt, pos) {
				continue
			}
			vertex := rel.Vertex(pos)
			if !deletion && batch.isNew(vertex) {
				continue
			}
			e, err := c.codec.WriteRelation(rel, rt, pos)
			if err != nil {
				return err
			}
			var expected []byte
			if deletion {
				expected = e.Value()
			}
			key := relation.VertexKey(vertex)
			if err := btx.AcquireEdgeLock(ctx, key, e.Column(), expected); err != nil {
				return err
			}
			trace.lock(btx.EdgeStore().Name(), key, e.Column(), deletion)
		}
	}
	return nil
}

// lockIndexes locks the composite index entries of lock consistent indexes that are not LIST, deletions first.
func (c *Coordinator) lockIndexes(ctx context.Context, btx *BackendTransaction, updates []*index.Update, trace *Trace) error {
	for _, deletion := range []bool{true, false} {
		for _, u := range updates {
			if u.IsDeletion() != deletion || !u.IsComposite() {
				continue
			}
			if u.Index.Consistency != schema.ConsistencyLock || u.Index.Cardinality == schema.CardinalityList {
				continue
			}
			var expected []byte
			if deletion {
				expected = u.Entry.Value()
			}
			if err := btx.AcquireIndexLock(ctx, u.Key, u.Entry.Column(), expected); err != nil {
				return err
			}
			trace.lock(btx.IndexStore().Name(), u.Key, u.Entry.Column(), deletion)
		}
	}
	return nil
}

// ttl is the smallest positive time to live among the relation, its type and the labels of its vertices. Index
// entries of the relation use the same rule.
func (c *Coordinator) ttl(ctx context.Context, src index.PropertySource, rel *relation.Relation, rt *schema.RelationType) (time.Duration, error) {
	return c.maintainer.RelationTTL(ctx, src, rel, rt)
}

// entries encodes rel for every materialized view of its type at vertex. A loop is stored in both directions.
func (c *Coordinator) entries(rel *relation.Relation, vertex uint64, rt *schema.RelationType) ([]kcvs.Entry, error) {
	var positions []int
	for pos := 0; pos < rel.Arity(); pos++ {
		if rel.Vertex(pos) == vertex {
			positions = append(positions, pos)
		}
	}
	types := []*schema.RelationType{rt}
	for _, id := range rt.RelationIndexes {
		t, err := c.types.RelationType(id)
		if err != nil {
			return nil, err
		}
		types = append(types, t)
	}
	var entries []kcvs.Entry
	for _, pos := range positions {
		for _, t := range types {
			if t.Status == schema.StatusDisabled || !t.CoversDirection(schema.DirectionFromPosition(pos)) {
				continue
			}
			e, err := c.codec.WriteRelation(rel, t, pos)
			if err != nil {
				return nil, err
			}
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// buffer turns the prepared changes into edge and composite index mutations and mixed index changes.
func (c *Coordinator) buffer(ctx context.Context, btx *BackendTransaction, batch *Batch, p *prepared) error {
	src := batch.Source
	if src == nil {
		src = emptySource{}
	}
	for _, vertex := range p.order {
		vm := p.vertices[vertex]
		var (
			additions []kcvs.Entry
			deletions [][]byte
		)
		for _, rel := range vm.deletions {
			rt, err := c.types.RelationType(rel.TypeID)
			if err != nil {
				return err
			}
			entries, err := c.entries(rel, vertex, rt)
			if err != nil {
				return err
			}
			for _, e := range entries {
				deletions = append(deletions, e.Column())
			}
		}
		for _, rel := range vm.additions {
			rt, err := c.types.RelationType(rel.TypeID)
			if err != nil {
				return err
			}
			ttl, err := c.ttl(ctx, src, rel, rt)
			if err != nil {
				return err
			}
			entries, err := c.entries(rel, vertex, rt)
			if err != nil {
				return err
			}
			for _, e := range entries {
				e.TTL = ttl
				additions = append(additions, e)
			}
		}
		btx.MutateEdges(relation.VertexKey(vertex), additions, deletions)
	}

	for _, u := range p.updates {
		if u.IsComposite() {
			if u.IsDeletion() {
				btx.MutateIndex(u.Key, nil, [][]byte{u.Entry.Column()})
			} else {
				e := u.Entry
				e.TTL = u.TTL
				btx.MutateIndex(u.Key, []kcvs.Entry{e}, nil)
			}
			continue
		}
		itx, err := btx.IndexTransaction(u.Index.BackingIndex)
		if err != nil {
			return err
		}
		if u.IsDeletion() {
			// Removing an edge or property removes its whole document.
			itx.Delete(u.Index.Store(), u.DocID, u.Field, u.Index.Element != schema.ElementVertex)
		} else {
			isNew := u.Index.Element == schema.ElementVertex && batch.isNew(u.Vertex)
			itx.Add(u.Index.Store(), u.DocID, u.Field, isNew)
		}
	}
	return nil
}

// persistSecondary commits the mixed indexes and the user log. Failures are logged and reported, never returned.
func (c *Coordinator) persistSecondary(ctx context.Context, btx *BackendTransaction, batch *Batch, p *prepared, res *Result, logged bool) {
	res.SecondaryFailures = btx.CommitIndexes(ctx)
	for name := range res.SecondaryFailures {
		secondaryFailureCounter.WithLabelValues(name).Inc()
	}
	if batch.UserLog != "" {
		if err := c.writeUserLog(ctx, batch, p); err != nil {
			res.UserLogFailed = true
			secondaryFailureCounter.WithLabelValues("user_log").Inc()
			log.Error("write user log failed", zap.Uint64("tx", batch.TxID), zap.String("log", batch.UserLog), zap.Error(err))
		}
	}
	if !logged {
		return
	}
	status := &txlog.Entry{TxID: batch.TxID, Timestamp: c.now(), Status: txlog.StatusSecondarySuccess}
	if len(res.SecondaryFailures) > 0 || res.UserLogFailed {
		status.Status = txlog.StatusSecondaryFailure
		for name := range res.SecondaryFailures {
			status.FailedIndexes = append(status.FailedIndexes, name)
		}
		status.UserLogFailed = res.UserLogFailed
	}
	// The commit already succeeded, a missing status record is left for recovery to find.
	if err := c.txLog.AddWithKey(ctx, status.Marshal(), txlog.Key(batch.TxID)); err != nil {
		log.Error("log secondary status failed", zap.Uint64("tx", batch.TxID), zap.Stringer("status", status.Status), zap.Error(err))
	}
}

func (c *Coordinator) writeUserLog(ctx context.Context, batch *Batch, p *prepared) error {
	if c.logs == nil {
		return errors.New("no log manager configured")
	}
	e := &txlog.Entry{TxID: batch.TxID, Timestamp: c.now(), Status: txlog.StatusUserLog, Meta: batch.Meta, Modifications: p.modifications}
	return c.logs.OpenLog(batch.UserLog).AddWithKey(ctx, e.Marshal(), txlog.Key(batch.TxID))
}

type emptySource struct{}

func (emptySource) VertexProperties(ctx context.Context, vertex, key uint64) ([]*relation.Relation, error) {
	return nil, nil
}

func (emptySource) VertexLabel(ctx context.Context, vertex uint64) (uint64, error) {
	return 0, nil
}
