package transaction

import (
	"context"
	"testing"
	"time"

	"github.com/pingcap-incubator/tinygraph/kv/config"
	"github.com/pingcap-incubator/tinygraph/kv/index"
	"github.com/pingcap-incubator/tinygraph/kv/mixed"
	"github.com/pingcap-incubator/tinygraph/kv/relation"
	"github.com/pingcap-incubator/tinygraph/kv/schema"
	"github.com/pingcap-incubator/tinygraph/kv/storage"
	"github.com/pingcap-incubator/tinygraph/kv/storage/kcvs"
	"github.com/pingcap-incubator/tinygraph/kv/transaction/txlog"
	"github.com/pingcap-incubator/tinygraph/kv/util/engine_util"
	"github.com/pingcap-incubator/tinygraph/kv/wal"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	nameID uint64 = iota + schema.FirstUserID
	sinceID
	knowsID
	personID
	tempID
	byNameID
	searchID
)

type testSource struct {
	props  map[uint64]map[uint64][]*relation.Relation
	labels map[uint64]uint64
}

func newTestSource() *testSource {
	return &testSource{
		props:  make(map[uint64]map[uint64][]*relation.Relation),
		labels: make(map[uint64]uint64),
	}
}

func (s *testSource) VertexProperties(ctx context.Context, vertex, key uint64) ([]*relation.Relation, error) {
	return s.props[vertex][key], nil
}

func (s *testSource) VertexLabel(ctx context.Context, vertex uint64) (uint64, error) {
	return s.labels[vertex], nil
}

func newTestCatalog() *schema.StandardCache {
	cache := schema.NewStandardCache(nil)
	cache.Put(&schema.RelationType{
		ID: nameID, Name: "name", Category: schema.CategoryProperty, Multiplicity: schema.Many2One,
		Cardinality: schema.CardinalitySingle, DataType: schema.DataTypeString, Unidirected: schema.DirectionBoth,
		Consistency: schema.ConsistencyLock, Status: schema.StatusEnabled, KeyIndexes: []uint64{byNameID, searchID},
	})
	cache.Put(&schema.RelationType{
		ID: sinceID, Name: "since", Category: schema.CategoryProperty, Multiplicity: schema.Many2One,
		Cardinality: schema.CardinalitySingle, DataType: schema.DataTypeInt64, Unidirected: schema.DirectionBoth,
		Status: schema.StatusEnabled,
	})
	cache.Put(&schema.RelationType{
		ID: knowsID, Name: "knows", Category: schema.CategoryEdge, Multiplicity: schema.Multi,
		SortKey: []uint64{sinceID}, SortOrder: schema.OrderAsc, Unidirected: schema.DirectionBoth,
		Status: schema.StatusEnabled,
	})
	cache.Put(&schema.VertexLabel{ID: personID, Name: "person"})
	cache.Put(&schema.VertexLabel{ID: tempID, Name: "temp", TTL: time.Hour})
	cache.Put(&schema.IndexType{
		ID: byNameID, Name: "byName", IndexKind: schema.IndexComposite, Element: schema.ElementVertex,
		Fields: []schema.IndexField{{Key: nameID}}, Cardinality: schema.CardinalitySingle,
		Consistency: schema.ConsistencyLock, Status: schema.StatusEnabled, Constraint: personID,
	})
	cache.Put(&schema.IndexType{
		ID: searchID, Name: "search", IndexKind: schema.IndexMixed, Element: schema.ElementVertex,
		Fields:       []schema.IndexField{{Key: nameID, Status: schema.StatusEnabled, MappedName: "name"}},
		Status:       schema.StatusEnabled,
		BackingIndex: "search",
	})
	return cache
}

type testEnv struct {
	cache    *schema.StandardCache
	kcvs     *kcvs.Manager
	logs     *wal.Manager
	provider *mixed.MemoryProvider
	coord    *Coordinator
	src      *testSource
}

func newTestEnv(t *testing.T, txLog bool) *testEnv {
	conf := config.NewTestConfig()
	conf.Locks.Retries = 1
	conf.TxLog.Enabled = txLog
	cache := newTestCatalog()
	km := kcvs.NewManager(storage.NewMemStorage(), conf.Locks)
	logs := wal.NewManager(km, "node-1", conf.TxLog)
	p := mixed.NewMemoryProvider("search")
	maintainer := index.NewMaintainer(cache, conf.Index, nil)
	env := &testEnv{
		cache:    cache,
		kcvs:     km,
		logs:     logs,
		provider: p,
		coord:    NewCoordinator(km, cache, maintainer, map[string]mixed.Provider{"search": p}, logs, conf.TxLog),
		src:      newTestSource(),
	}
	env.src.labels[1] = personID
	env.src.labels[2] = personID
	return env
}

func (env *testEnv) registerSearch(t *testing.T) {
	idx, err := env.cache.Index(searchID)
	require.Nil(t, err)
	m := index.NewMaintainer(env.cache, config.Index{HashLength: "short"}, nil)
	require.Nil(t, m.RegisterMixed(context.Background(), env.provider, idx))
}

func (env *testEnv) relations(t *testing.T, vertex, typeID uint64, dir schema.Direction) []*relation.RelationCache {
	rt, err := env.cache.RelationType(typeID)
	require.Nil(t, err)
	entries, err := env.kcvs.OpenDatabase(engine_util.CfEdgeStore).GetSlice(context.Background(), relation.VertexKey(vertex), relation.TypeSlice(rt, dir))
	require.Nil(t, err)
	var rels []*relation.RelationCache
	for _, e := range entries {
		rc, err := env.coord.Codec().ParseRelation(e, false)
		require.Nil(t, err)
		rels = append(rels, rc)
	}
	return rels
}

func (env *testEnv) txLogStatuses(t *testing.T, start time.Time) []*txlog.Entry {
	msgs, err := env.logs.OpenLog(wal.TransactionLog).Read(context.Background(), start, time.Now().Add(time.Second))
	require.Nil(t, err)
	var entries []*txlog.Entry
	for _, m := range msgs {
		e, err := txlog.Unmarshal(m.Content)
		require.Nil(t, err)
		entries = append(entries, e)
	}
	return entries
}

func newKnows(id, out, in uint64, since int64) *relation.Relation {
	e := relation.NewEdge(id, knowsID, out, in)
	e.SetProperty(sinceID, since)
	return e
}

func TestCommitKnowsEdge(t *testing.T) {
	env := newTestEnv(t, false)
	batch := &Batch{TxID: 1, Added: []*relation.Relation{newKnows(10, 1, 2, 2020)}, Source: env.src}
	res, err := env.coord.Commit(context.Background(), batch)
	require.Nil(t, err)
	assert.Nil(t, res.SchemaTrace)
	assert.Equal(t, []State{StatePreparing, StateLocking, StatePrimaryPersisting, StateDone}, res.Trace.States())
	assert.Len(t, res.Trace.Locks(), 0)

	out := env.relations(t, 1, knowsID, schema.DirectionOut)
	require.Len(t, out, 1)
	assert.Equal(t, schema.DirectionOut, out[0].Direction)
	assert.Equal(t, uint64(2), out[0].OtherVertexID)
	assert.Equal(t, int64(2020), out[0].Properties[sinceID])

	in := env.relations(t, 2, knowsID, schema.DirectionIn)
	require.Len(t, in, 1)
	assert.Equal(t, schema.DirectionIn, in[0].Direction)
	assert.Equal(t, uint64(1), in[0].OtherVertexID)
	assert.Equal(t, out[0].RelationID, in[0].RelationID)
	assert.Equal(t, uint64(10), in[0].RelationID)
}

func TestCommitSelfLoopStoredOnce(t *testing.T) {
	env := newTestEnv(t, false)
	batch := &Batch{TxID: 1, Added: []*relation.Relation{newKnows(11, 1, 1, 2019)}, Source: env.src}
	_, err := env.coord.Commit(context.Background(), batch)
	require.Nil(t, err)
	assert.Len(t, env.relations(t, 1, knowsID, schema.DirectionOut), 1)
	assert.Len(t, env.relations(t, 1, knowsID, schema.DirectionIn), 1)
}

func TestCommitDeletionLocksFirst(t *testing.T) {
	env := newTestEnv(t, false)
	env.registerSearch(t)
	ctx := context.Background()

	first := &Batch{
		TxID:        1,
		Added:       []*relation.Relation{relation.NewProperty(20, nameID, 1, "marko")},
		Source:      env.src,
		NewVertices: map[uint64]struct{}{1: {}},
	}
	res, err := env.coord.Commit(ctx, first)
	require.Nil(t, err)
	// The vertex is new, only the index entry is locked.
	require.Len(t, res.Trace.Locks(), 1)

	second := &Batch{
		TxID:    2,
		Deleted: []*relation.Relation{relation.NewProperty(20, nameID, 1, "marko")},
		Added:   []*relation.Relation{relation.NewProperty(21, nameID, 2, "marko")},
		Source:  env.src,
	}
	res, err = env.coord.Commit(ctx, second)
	require.Nil(t, err)
	assert.Equal(t, []State{StatePreparing, StateLocking, StatePrimaryPersisting, StateSecondaryPersisting, StateDone}, res.Trace.States())
	assert.Len(t, res.SecondaryFailures, 0)

	locks := res.Trace.Locks()
	require.Len(t, locks, 4)
	assert.Equal(t, engine_util.CfEdgeStore, locks[0].Store)
	assert.True(t, locks[0].Deletion)
	assert.Equal(t, engine_util.CfEdgeStore, locks[1].Store)
	assert.False(t, locks[1].Deletion)
	assert.Equal(t, engine_util.CfGraphIndex, locks[2].Store)
	assert.True(t, locks[2].Deletion)
	assert.Equal(t, engine_util.CfGraphIndex, locks[3].Store)
	assert.False(t, locks[3].Deletion)
	assert.Equal(t, locks[2].Key, locks[3].Key)

	idx, err := env.cache.Index(byNameID)
	require.Nil(t, err)
	m := index.NewMaintainer(env.cache, config.Index{HashLength: "short"}, nil)
	hits, err := m.Lookup(ctx, env.kcvs.OpenDatabase(engine_util.CfGraphIndex), idx, "marko")
	require.Nil(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, uint64(2), hits[0].VertexID)

	assert.Len(t, env.relations(t, 1, nameID, schema.DirectionOut), 0)
	names := env.relations(t, 2, nameID, schema.DirectionOut)
	require.Len(t, names, 1)
	assert.Equal(t, "marko", names[0].Value)

	_, ok := env.provider.Document("search", index.VertexDocID(1))
	assert.False(t, ok)
	doc, ok := env.provider.Document("search", index.VertexDocID(2))
	require.True(t, ok)
	assert.Equal(t, []interface{}{"marko"}, doc["name"])
}

func TestCommitLockContentionAborts(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()
	name := relation.NewProperty(20, nameID, 1, "marko")
	rt, err := env.cache.RelationType(nameID)
	require.Nil(t, err)
	e, err := env.coord.Codec().WriteRelation(name, rt, 0)
	require.Nil(t, err)

	other := env.kcvs.BeginTransaction()
	require.Nil(t, env.kcvs.OpenDatabase(engine_util.CfEdgeStore).AcquireLock(ctx, relation.VertexKey(1), e.Column(), nil, other))

	start := time.Now().Add(-time.Second)
	res, err := env.coord.Commit(ctx, &Batch{TxID: 3, Added: []*relation.Relation{name}, Source: env.src})
	assert.Equal(t, kcvs.ErrLockContention, errors.Cause(err))
	assert.Equal(t, StateAborted, res.Trace.State())
	assert.Equal(t, []State{StatePreparing, StateLocking, StateAborted}, res.Trace.States())
	assert.Len(t, env.relations(t, 1, nameID, schema.DirectionOut), 0)
	// Nothing was logged before locking failed.
	assert.Len(t, env.txLogStatuses(t, start), 0)
	require.Nil(t, other.Rollback())
}

func TestCommitSecondaryFailureStillCommits(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()
	start := time.Now().Add(-time.Second)
	// The search field is not registered, so the mixed index rejects the change.
	batch := &Batch{
		TxID:        4,
		Added:       []*relation.Relation{relation.NewProperty(20, nameID, 1, "vadas")},
		Source:      env.src,
		NewVertices: map[uint64]struct{}{1: {}},
	}
	res, err := env.coord.Commit(ctx, batch)
	require.Nil(t, err)
	require.Contains(t, res.SecondaryFailures, "search")
	assert.Equal(t, mixed.ErrNotRegistered, errors.Cause(res.SecondaryFailures["search"]))
	assert.Equal(t, StateDone, res.Trace.State())
	assert.Len(t, env.relations(t, 1, nameID, schema.DirectionOut), 1)

	entries := env.txLogStatuses(t, start)
	require.Len(t, entries, 3)
	assert.Equal(t, txlog.StatusPreCommit, entries[0].Status)
	assert.Len(t, entries[0].Modifications, 1)
	assert.Equal(t, txlog.StatusPrimarySuccess, entries[1].Status)
	assert.Equal(t, txlog.StatusSecondaryFailure, entries[2].Status)
	assert.Equal(t, []string{"search"}, entries[2].FailedIndexes)
	for _, e := range entries {
		assert.Equal(t, uint64(4), e.TxID)
	}
}

func TestCommitCompleteSuccessLogged(t *testing.T) {
	env := newTestEnv(t, true)
	start := time.Now().Add(-time.Second)
	_, err := env.coord.Commit(context.Background(), &Batch{TxID: 5, Added: []*relation.Relation{newKnows(10, 1, 2, 2020)}})
	require.Nil(t, err)
	entries := env.txLogStatuses(t, start)
	require.Len(t, entries, 2)
	assert.Equal(t, txlog.StatusPreCommit, entries[0].Status)
	assert.Equal(t, txlog.StatusCompleteSuccess, entries[1].Status)
	assert.True(t, entries[1].Status.IsPrimarySuccess())
}

func TestCommitUserLog(t *testing.T) {
	env := newTestEnv(t, false)
	env.registerSearch(t)
	ctx := context.Background()
	start := time.Now().Add(-time.Second)
	batch := &Batch{
		TxID:    6,
		Added:   []*relation.Relation{newKnows(10, 1, 2, 2020)},
		UserLog: "audit",
		Meta:    map[string]string{"user": "marko"},
	}
	res, err := env.coord.Commit(ctx, batch)
	require.Nil(t, err)
	assert.False(t, res.UserLogFailed)
	assert.Contains(t, res.Trace.States(), StateSecondaryPersisting)

	msgs, err := env.logs.OpenLog("audit").Read(ctx, start, time.Now().Add(time.Second))
	require.Nil(t, err)
	require.Len(t, msgs, 1)
	e, err := txlog.Unmarshal(msgs[0].Content)
	require.Nil(t, err)
	assert.Equal(t, txlog.StatusUserLog, e.Status)
	assert.Equal(t, "marko", e.Meta["user"])
	require.Len(t, e.Modifications, 1)
	assert.Equal(t, uint64(1), e.Modifications[0].VertexID)
	assert.False(t, e.Modifications[0].Deleted)
}

func schemaRelations(vertex uint64, name string) []*relation.Relation {
	def, _ := schema.MarshalElement(&schema.VertexLabel{ID: vertex, Name: name})
	return []*relation.Relation{
		relation.NewProperty(vertex*10, schema.DefinitionKeyID, vertex, def),
		relation.NewProperty(vertex*10+1, schema.TypeNameKeyID, vertex, name),
	}
}

func TestCommitSchemaFirst(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	added := append(schemaRelations(100, "software"), newKnows(10, 1, 2, 2020))
	res, err := env.coord.Commit(ctx, &Batch{TxID: 7, Added: added, NewVertices: map[uint64]struct{}{100: {}}})
	require.Nil(t, err)
	require.NotNil(t, res.SchemaTrace)
	assert.Equal(t, []State{StatePreparing, StateLocking, StatePrimaryPersisting, StateDone}, res.SchemaTrace.States())
	assert.Equal(t, StateDone, res.Trace.State())

	m := index.NewMaintainer(env.cache, config.Index{HashLength: "short"}, nil)
	hits, err := m.Lookup(ctx, env.kcvs.OpenDatabase(engine_util.CfGraphIndex), schema.NameIndex, "software")
	require.Nil(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, uint64(100), hits[0].VertexID)
	assert.Len(t, env.relations(t, 1, knowsID, schema.DirectionOut), 1)
}

func TestCommitSchemaFailureAbortsAll(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	rels := schemaRelations(100, "software")
	e, err := env.coord.Codec().WriteRelation(rels[1], schema.TypeNameKey, 0)
	require.Nil(t, err)
	other := env.kcvs.BeginTransaction()
	require.Nil(t, env.kcvs.OpenDatabase(engine_util.CfEdgeStore).AcquireLock(ctx, relation.VertexKey(100), e.Column(), nil, other))

	added := append(rels, newKnows(10, 1, 2, 2020))
	res, err := env.coord.Commit(ctx, &Batch{TxID: 8, Added: added})
	assert.Equal(t, kcvs.ErrLockContention, errors.Cause(err))
	assert.Equal(t, StateAborted, res.SchemaTrace.State())
	assert.Nil(t, res.Trace)
	assert.Len(t, env.relations(t, 1, knowsID, schema.DirectionOut), 0)
	require.Nil(t, other.Rollback())
}

func TestRelationTTL(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	knows, err := env.cache.RelationType(knowsID)
	require.Nil(t, err)

	e := newKnows(10, 1, 3, 2020)
	ttl, err := env.coord.ttl(ctx, env.src, e, knows)
	require.Nil(t, err)
	assert.Equal(t, time.Duration(0), ttl)

	env.src.labels[3] = tempID
	ttl, err = env.coord.ttl(ctx, env.src, e, knows)
	require.Nil(t, err)
	assert.Equal(t, time.Hour, ttl)

	e.TTL = 10 * time.Minute
	ttl, err = env.coord.ttl(ctx, env.src, e, knows)
	require.Nil(t, err)
	assert.Equal(t, 10*time.Minute, ttl)
}

func TestTraceTerminal(t *testing.T) {
	trace := newTrace()
	trace.transition(StateLocking)
	trace.lock("graphindex", []byte("k"), []byte("c"), true)
	trace.transition(StateAborted)
	assert.True(t, trace.State().IsTerminal())
	assert.Panics(t, func() { trace.transition(StateDone) })
	require.Len(t, trace.Locks(), 1)
	assert.Equal(t, StateLocking, trace.Locks()[0].State)
	assert.Equal(t, "lock delete graphindex key=6b column=63", trace.Locks()[0].String())
}
