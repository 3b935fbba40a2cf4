package graph

import (
	"context"
	"io/ioutil"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/pingcap-incubator/tinygraph/kv/config"
	"github.com/pingcap-incubator/tinygraph/kv/index"
	"github.com/pingcap-incubator/tinygraph/kv/instance"
	"github.com/pingcap-incubator/tinygraph/kv/mixed"
	"github.com/pingcap-incubator/tinygraph/kv/schema"
	"github.com/pingcap-incubator/tinygraph/kv/storage"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(instanceID string) *config.Config {
	conf := config.NewTestConfig()
	conf.Graph.Name = "social"
	conf.Graph.InstanceID = instanceID
	conf.Graph.IDBlockSize = 10
	return conf
}

func openTestGraph(t *testing.T, engine storage.Storage, instanceID string) (*Graph, *mixed.MemoryProvider) {
	p := mixed.NewMemoryProvider("search")
	g, err := OpenWithStorage(testConfig(instanceID), engine, nil, map[string]mixed.Provider{"search": p})
	require.Nil(t, err)
	return g, p
}

func waitClosed(t *testing.T, ch <-chan struct{}) {
	require.NotNil(t, ch)
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("eviction not acknowledged")
	}
}

func nameKey() *schema.RelationType {
	return &schema.RelationType{
		Name: "name", Category: schema.CategoryProperty,
		Cardinality: schema.CardinalitySingle, DataType: schema.DataTypeString, Unidirected: schema.DirectionBoth,
		Consistency: schema.ConsistencyLock,
	}
}

func tagKey() *schema.RelationType {
	return &schema.RelationType{
		Name: "tag", Category: schema.CategoryProperty,
		Cardinality: schema.CardinalitySet, DataType: schema.DataTypeString, Unidirected: schema.DirectionBoth,
	}
}

func edgeLabel(name string, m schema.Multiplicity) *schema.RelationType {
	return &schema.RelationType{
		Name: name, Category: schema.CategoryEdge, Multiplicity: m, Unidirected: schema.DirectionBoth,
	}
}

func defineSchema(t *testing.T, g *Graph, elements ...schema.Element) []schema.Element {
	ctx := context.Background()
	tx, err := g.NewTx()
	require.Nil(t, err)
	defined := make([]schema.Element, 0, len(elements))
	for _, e := range elements {
		d, err := tx.DefineElement(ctx, e)
		require.Nil(t, err)
		defined = append(defined, d)
	}
	_, err = tx.Commit(ctx)
	require.Nil(t, err)
	return defined
}

func TestIDPoolSharedEngine(t *testing.T) {
	engine := storage.NewMemStorage()
	a := NewIDPool(engine, "ids", 64, 3)
	b := NewIDPool(engine, "ids", 64, 3)
	seen := make(map[uint64]struct{})
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, p := range []*IDPool{a, b} {
		wg.Add(1)
		go func(p *IDPool) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				id, err := p.Next()
				assert.Nil(t, err)
				mu.Lock()
				_, dup := seen[id]
				seen[id] = struct{}{}
				mu.Unlock()
				assert.False(t, dup, "id %d handed out twice", id)
				assert.True(t, id >= 64)
			}
		}(p)
	}
	wg.Wait()
	assert.Len(t, seen, 40)

	c := NewIDPool(engine, "other", 1, 5)
	id, err := c.Next()
	require.Nil(t, err)
	assert.Equal(t, uint64(1), id)
}

func TestDefineElementReloadedByOtherInstance(t *testing.T) {
	engine := storage.NewMemStorage()
	g1, _ := openTestGraph(t, engine, "node-1")
	defer g1.Close()
	g2, _ := openTestGraph(t, engine, "node-2")
	defer g2.Close()

	defined := defineSchema(t, g1, nameKey(), &schema.VertexLabel{Name: "person", TTL: time.Hour})
	name := defined[0].(*schema.RelationType)
	assert.True(t, name.ID >= schema.FirstUserID)
	assert.Equal(t, schema.StatusEnabled, name.Status)

	e, err := g2.Schema().ElementByName("name")
	require.Nil(t, err)
	assert.Equal(t, name, e)
	label, err := g2.Schema().ElementByName("person")
	require.Nil(t, err)
	assert.Equal(t, time.Hour, label.(*schema.VertexLabel).TTL)

	_, err = g2.Schema().ElementByName("nobody")
	assert.Equal(t, schema.ErrSchemaNotFound, errors.Cause(err))
}

func TestDefineElementRejectsNames(t *testing.T) {
	g, _ := openTestGraph(t, storage.NewMemStorage(), "node-1")
	defer g.Close()
	defineSchema(t, g, nameKey())

	ctx := context.Background()
	_, err := g.DefineElement(ctx, nameKey())
	assert.Equal(t, ErrSchemaExists, errors.Cause(err))
	_, err = g.DefineElement(ctx, &schema.VertexLabel{Name: "~hidden"})
	assert.Equal(t, ErrInvalidName, errors.Cause(err))
	assert.Equal(t, 0, g.OpenTransactions())
}

func TestVertexProperties(t *testing.T) {
	g, _ := openTestGraph(t, storage.NewMemStorage(), "node-1")
	defer g.Close()
	defined := defineSchema(t, g, nameKey(), tagKey(), &schema.VertexLabel{Name: "person"})
	ctx := context.Background()

	tx, err := g.NewTx()
	require.Nil(t, err)
	v, err := tx.AddVertex(ctx, "person")
	require.Nil(t, err)
	_, err = tx.AddProperty(ctx, v, "name", "marko")
	require.Nil(t, err)
	_, err = tx.AddProperty(ctx, v, "tag", "a")
	require.Nil(t, err)
	_, err = tx.AddProperty(ctx, v, "tag", "a")
	require.Nil(t, err)
	_, err = tx.AddProperty(ctx, v, "tag", "b")
	require.Nil(t, err)
	_, err = tx.AddProperty(ctx, v, "name", 42)
	assert.Equal(t, schema.ErrInvalidValue, errors.Cause(err))
	_, err = tx.Commit(ctx)
	require.Nil(t, err)

	tx, err = g.NewTx()
	require.Nil(t, err)
	defer tx.Rollback()
	label, err := tx.VertexLabel(ctx, v)
	require.Nil(t, err)
	assert.Equal(t, defined[2].SchemaID(), label)
	tags, err := tx.Properties(ctx, v, "tag")
	require.Nil(t, err)
	assert.Len(t, tags, 2)

	_, err = tx.AddProperty(ctx, v, "name", "josh")
	require.Nil(t, err)
	names, err := tx.Properties(ctx, v, "name")
	require.Nil(t, err)
	require.Len(t, names, 1)
	assert.Equal(t, "josh", names[0].Value)
	_, err = tx.Commit(ctx)
	require.Nil(t, err)

	_, err = tx.Properties(ctx, v, "name")
	assert.Equal(t, ErrTxClosed, errors.Cause(err))
	tx, err = g.NewTx()
	require.Nil(t, err)
	defer tx.Rollback()
	names, err = tx.Properties(ctx, v, "name")
	require.Nil(t, err)
	require.Len(t, names, 1)
	assert.Equal(t, "josh", names[0].Value)
}

func TestEdges(t *testing.T) {
	g, _ := openTestGraph(t, storage.NewMemStorage(), "node-1")
	defer g.Close()
	defineSchema(t, g, edgeLabel("knows", schema.Multi), edgeLabel("mother", schema.Many2One))
	ctx := context.Background()

	tx, err := g.NewTx()
	require.Nil(t, err)
	v1, err := tx.AddVertex(ctx, "")
	require.Nil(t, err)
	v2, err := tx.AddVertex(ctx, "")
	require.Nil(t, err)
	knows, err := tx.AddEdge(ctx, v1, "knows", v2, nil)
	require.Nil(t, err)
	loop, err := tx.AddEdge(ctx, v1, "knows", v1, nil)
	require.Nil(t, err)
	_, err = tx.AddEdge(ctx, v1, "mother", v2, nil)
	require.Nil(t, err)
	_, err = tx.AddEdge(ctx, v1, "mother", v1, nil)
	assert.Equal(t, ErrMultiplicity, errors.Cause(err))
	_, err = tx.Commit(ctx)
	require.Nil(t, err)

	tx, err = g.NewTx()
	require.Nil(t, err)
	out, err := tx.Edges(ctx, v1, "knows", schema.DirectionOut)
	require.Nil(t, err)
	assert.Len(t, out, 2)
	in, err := tx.Edges(ctx, v2, "knows", schema.DirectionIn)
	require.Nil(t, err)
	require.Len(t, in, 1)
	assert.Equal(t, knows.ID, in[0].ID)
	assert.Equal(t, v1, in[0].Vertex(0))
	both, err := tx.Edges(ctx, v1, "knows", schema.DirectionBoth)
	require.Nil(t, err)
	assert.Len(t, both, 2)

	require.Nil(t, tx.RemoveRelation(loop))
	require.Nil(t, tx.RemoveVertex(ctx, v2))
	_, err = tx.Commit(ctx)
	require.Nil(t, err)

	tx, err = g.NewTx()
	require.Nil(t, err)
	defer tx.Rollback()
	out, err = tx.Edges(ctx, v1, "knows", schema.DirectionBoth)
	require.Nil(t, err)
	assert.Len(t, out, 0)
	mothers, err := tx.Edges(ctx, v1, "mother", schema.DirectionOut)
	require.Nil(t, err)
	assert.Len(t, mothers, 0)
}

func TestCompositeIndexLifecycle(t *testing.T) {
	g, _ := openTestGraph(t, storage.NewMemStorage(), "node-1")
	defer g.Close()
	defineSchema(t, g, nameKey())
	ctx := context.Background()

	defined, err := g.DefineElement(ctx, &schema.IndexType{
		Name: "byName", IndexKind: schema.IndexComposite, Element: schema.ElementVertex,
		Fields: []schema.IndexField{{Key: mustID(t, g, "name")}}, Cardinality: schema.CardinalitySingle,
		Consistency: schema.ConsistencyLock,
	})
	require.Nil(t, err)
	assert.Equal(t, schema.StatusInstalled, defined.(*schema.IndexType).Status)
	key, err := g.Schema().ElementByName("name")
	require.Nil(t, err)
	assert.Equal(t, []uint64{defined.SchemaID()}, key.(*schema.RelationType).KeyIndexes)

	// Writes made before the index is enabled are indexed too.
	tx, err := g.NewTx()
	require.Nil(t, err)
	josh, err := tx.AddVertex(ctx, "")
	require.Nil(t, err)
	_, err = tx.AddProperty(ctx, josh, "name", "josh")
	require.Nil(t, err)
	_, err = tx.Commit(ctx)
	require.Nil(t, err)

	tx, err = g.NewTx()
	require.Nil(t, err)
	_, err = tx.IndexLookup(ctx, "byName", "marko")
	assert.Equal(t, ErrIndexNotEnabled, errors.Cause(err))
	tx.Rollback()

	_, err = g.ChangeIndexStatus(ctx, "byName", EnableIndex)
	assert.Equal(t, ErrIndexStatus, errors.Cause(err))
	done, err := g.ChangeIndexStatus(ctx, "byName", RegisterIndex)
	require.Nil(t, err)
	waitClosed(t, done)
	assert.Equal(t, schema.StatusRegistered, mustIndex(t, g, "byName").Status)

	done, err = g.ChangeIndexStatus(ctx, "byName", EnableIndex)
	require.Nil(t, err)
	waitClosed(t, done)
	assert.Equal(t, schema.StatusEnabled, mustIndex(t, g, "byName").Status)

	tx, err = g.NewTx()
	require.Nil(t, err)
	v, err := tx.AddVertex(ctx, "")
	require.Nil(t, err)
	_, err = tx.AddProperty(ctx, v, "name", "marko")
	require.Nil(t, err)
	_, err = tx.Commit(ctx)
	require.Nil(t, err)

	tx, err = g.NewTx()
	require.Nil(t, err)
	defer tx.Rollback()
	hits, err := tx.IndexLookup(ctx, "byName", "marko")
	require.Nil(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, v, hits[0].VertexID)
	hits, err = tx.IndexLookup(ctx, "byName", "josh")
	require.Nil(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, josh, hits[0].VertexID)

	done, err = g.ChangeIndexStatus(ctx, "byName", DisableIndex)
	require.Nil(t, err)
	waitClosed(t, done)
	assert.Equal(t, schema.StatusDisabled, mustIndex(t, g, "byName").Status)
}

func TestIndexOnNewKeysEnabled(t *testing.T) {
	g, p := openTestGraph(t, storage.NewMemStorage(), "node-1")
	defer g.Close()
	ctx := context.Background()

	tx, err := g.NewTx()
	require.Nil(t, err)
	name, err := tx.DefineElement(ctx, nameKey())
	require.Nil(t, err)
	byName, err := tx.DefineElement(ctx, &schema.IndexType{
		Name: "byName", IndexKind: schema.IndexComposite, Element: schema.ElementVertex,
		Fields: []schema.IndexField{{Key: name.SchemaID()}}, Cardinality: schema.CardinalitySingle,
		Consistency: schema.ConsistencyLock,
	})
	require.Nil(t, err)
	search, err := tx.DefineElement(ctx, &schema.IndexType{
		Name: "search", IndexKind: schema.IndexMixed, Element: schema.ElementVertex,
		Fields:       []schema.IndexField{{Key: name.SchemaID(), MappedName: "name"}},
		BackingIndex: "search",
	})
	require.Nil(t, err)
	_, err = tx.Commit(ctx)
	require.Nil(t, err)
	assert.Equal(t, schema.StatusEnabled, byName.(*schema.IndexType).Status)
	assert.Equal(t, schema.StatusEnabled, search.(*schema.IndexType).Status)
	key, err := g.Schema().ElementByName("name")
	require.Nil(t, err)
	assert.Equal(t, []uint64{byName.SchemaID(), search.SchemaID()}, key.(*schema.RelationType).KeyIndexes)

	tx, err = g.NewTx()
	require.Nil(t, err)
	v, err := tx.AddVertex(ctx, "")
	require.Nil(t, err)
	_, err = tx.AddProperty(ctx, v, "name", "marko")
	require.Nil(t, err)
	res, err := tx.Commit(ctx)
	require.Nil(t, err)
	assert.Len(t, res.SecondaryFailures, 0)

	tx, err = g.NewTx()
	require.Nil(t, err)
	hits, err := tx.IndexLookup(ctx, "byName", "marko")
	require.Nil(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, v, hits[0].VertexID)
	hits, err = tx.IndexQuery(ctx, "search", "v.name:marko", 10)
	require.Nil(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, v, hits[0].VertexID)
	doc, ok := p.Document("search", index.VertexDocID(v))
	require.True(t, ok)
	assert.Equal(t, []interface{}{"marko"}, doc["name"])

	// The name is taken, a second vertex cannot claim it.
	w, err := tx.AddVertex(ctx, "")
	require.Nil(t, err)
	_, err = tx.AddProperty(ctx, w, "name", "marko")
	require.Nil(t, err)
	_, err = tx.Commit(ctx)
	assert.NotNil(t, err)
}

func TestSchemaUpdateEvictsOtherInstance(t *testing.T) {
	engine := storage.NewMemStorage()
	g1, _ := openTestGraph(t, engine, "node-1")
	defer g1.Close()
	g2, _ := openTestGraph(t, engine, "node-2")
	defer g2.Close()
	ctx := context.Background()

	person := defineSchema(t, g1, &schema.VertexLabel{Name: "person"})[0].(*schema.VertexLabel)
	cached, err := g2.Schema().VertexLabel(person.ID)
	require.Nil(t, err)
	assert.Equal(t, time.Duration(0), cached.TTL)

	var triggered sync.WaitGroup
	triggered.Add(1)
	updated := &schema.VertexLabel{ID: person.ID, Name: "human", TTL: time.Hour}
	done, err := g1.UpdateElement(ctx, updated, func(ctx context.Context) error {
		triggered.Done()
		return nil
	})
	require.Nil(t, err)
	waitClosed(t, done)
	triggered.Wait()

	reloaded, err := g2.Schema().VertexLabel(person.ID)
	require.Nil(t, err)
	assert.Equal(t, "human", reloaded.Name)
	assert.Equal(t, time.Hour, reloaded.TTL)
	e, err := g2.Schema().ElementByName("human")
	require.Nil(t, err)
	assert.Equal(t, person.ID, e.SchemaID())
	_, err = g1.Schema().ElementByName("person")
	assert.Equal(t, schema.ErrSchemaNotFound, errors.Cause(err))
}

func TestUserLog(t *testing.T) {
	g, _ := openTestGraph(t, storage.NewMemStorage(), "node-1")
	defer g.Close()
	defineSchema(t, g, nameKey())
	ctx := context.Background()
	start := time.Now()

	tx, err := g.NewTx()
	require.Nil(t, err)
	tx.SetUserLog("audit", map[string]string{"user": "alice"})
	v, err := tx.AddVertex(ctx, "")
	require.Nil(t, err)
	_, err = tx.AddProperty(ctx, v, "name", "marko")
	require.Nil(t, err)
	res, err := tx.Commit(ctx)
	require.Nil(t, err)
	assert.False(t, res.UserLogFailed)

	msgs, err := g.Logs().OpenLog("audit").Read(ctx, start, time.Now().Add(time.Second))
	require.Nil(t, err)
	assert.Len(t, msgs, 1)
}

func TestCloseGraph(t *testing.T) {
	engine := storage.NewMemStorage()
	graphs := instance.NewGraphManager()
	g, err := OpenWithStorage(testConfig(""), engine, graphs, nil)
	require.Nil(t, err)
	assert.NotEmpty(t, g.InstanceID())
	_, ok := graphs.Get("social")
	assert.True(t, ok)

	ctx := context.Background()
	ids, err := g.Registry().InstanceIDs(ctx)
	require.Nil(t, err)
	assert.Equal(t, []string{g.InstanceID()}, ids)

	tx, err := g.NewTx()
	require.Nil(t, err)
	assert.Equal(t, 1, g.OpenTransactions())

	require.Nil(t, graphs.RemoveGraph("social"))
	assert.True(t, g.IsClosed())
	require.Nil(t, g.Close())
	_, err = tx.AddVertex(ctx, "")
	assert.Equal(t, ErrClosed, errors.Cause(err))
	_, err = g.NewTx()
	assert.Equal(t, ErrClosed, errors.Cause(err))

	ids, err = instance.NewRegistry(g.kcvs, "social").InstanceIDs(ctx)
	require.Nil(t, err)
	assert.Len(t, ids, 0)
}

func TestPersistentBackends(t *testing.T) {
	for _, backend := range []string{config.BackendBadger, config.BackendLevelDB} {
		t.Run(backend, func(t *testing.T) {
			dir, err := ioutil.TempDir("", "tinygraph-"+backend)
			require.Nil(t, err)
			defer os.RemoveAll(dir)
			conf := testConfig("node-1")
			conf.Storage.Backend = backend
			conf.Storage.DBPath = dir
			ctx := context.Background()

			g, err := Open(conf, nil, nil)
			require.Nil(t, err)
			defineSchema(t, g, nameKey())
			tx, err := g.NewTx()
			require.Nil(t, err)
			v, err := tx.AddVertex(ctx, "")
			require.Nil(t, err)
			_, err = tx.AddProperty(ctx, v, "name", "marko")
			require.Nil(t, err)
			_, err = tx.Commit(ctx)
			require.Nil(t, err)
			require.Nil(t, g.Close())

			g, err = Open(conf, nil, nil)
			require.Nil(t, err)
			defer g.Close()
			tx, err = g.NewTx()
			require.Nil(t, err)
			defer tx.Rollback()
			names, err := tx.Properties(ctx, v, "name")
			require.Nil(t, err)
			require.Len(t, names, 1)
			assert.Equal(t, "marko", names[0].Value)
			w, err := tx.AddVertex(ctx, "")
			require.Nil(t, err)
			assert.True(t, w > v)
		})
	}
}

func mustID(t *testing.T, g *Graph, name string) uint64 {
	e, err := g.Schema().ElementByName(name)
	require.Nil(t, err)
	return e.SchemaID()
}

func mustIndex(t *testing.T, g *Graph, name string) *schema.IndexType {
	e, err := g.Schema().ElementByName(name)
	require.Nil(t, err)
	return e.(*schema.IndexType)
}
