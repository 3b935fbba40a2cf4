package management

import (
	"context"
	"testing"
	"time"

	"github.com/pingcap-incubator/tinygraph/kv/config"
	"github.com/pingcap-incubator/tinygraph/kv/instance"
	"github.com/pingcap-incubator/tinygraph/kv/schema"
	"github.com/pingcap-incubator/tinygraph/kv/storage"
	"github.com/pingcap-incubator/tinygraph/kv/storage/kcvs"
	"github.com/pingcap-incubator/tinygraph/kv/wal"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

const personID = schema.FirstUserID

type testTx struct {
	closed  atomic.Bool
	expired atomic.Int64
}

func (tx *testTx) ExpireSchemaElement(id uint64) { tx.expired.Inc() }
func (tx *testTx) IsClosed() bool               { return tx.closed.Load() }

type node struct {
	id       string
	cache    *schema.StandardCache
	txs      *instance.TxRegistry
	graphs   *instance.GraphManager
	registry *instance.Registry
	logs     *wal.Manager
	inv      *Invalidator
}

func (n *node) close() {
	n.inv.Close()
	n.logs.Close()
}

type cluster struct {
	engine *storage.MemStorage
	conf   *config.Config
	nodes  []*node
}

func newCluster(t *testing.T, conf *config.Config, ids ...string) *cluster {
	c := &cluster{engine: storage.NewMemStorage(), conf: conf}
	for _, id := range ids {
		c.nodes = append(c.nodes, c.start(t, id, true))
	}
	return c
}

func (c *cluster) start(t *testing.T, id string, withGraphs bool) *node {
	km := kcvs.NewManager(c.engine, c.conf.Locks)
	n := &node{
		id:       id,
		cache:    schema.NewStandardCache(nil),
		txs:      instance.NewTxRegistry(),
		registry: instance.NewRegistry(km, "social"),
		logs:     wal.NewManager(km, id, c.conf.TxLog),
	}
	n.cache.Put(&schema.VertexLabel{ID: personID, Name: "person"})
	opts := Options{
		Graph:      "social",
		InstanceID: id,
		Log:        n.logs.OpenLog(wal.ManagementLog),
		Cache:      n.cache,
		Txs:        n.txs,
		Instances:  n.registry,
		Conf:       c.conf.Eviction,
	}
	if withGraphs {
		n.graphs = instance.NewGraphManager()
		opts.Graphs = n.graphs
	}
	n.inv = NewInvalidator(opts)
	require.Nil(t, n.registry.Register(context.Background(), id))
	require.Nil(t, n.inv.Start())
	return n
}

func (c *cluster) close() {
	for _, n := range c.nodes {
		n.close()
	}
}

func isDone(done <-chan struct{}) bool {
	select {
	case <-done:
		return true
	default:
		return false
	}
}

func waitDone(t *testing.T, done <-chan struct{}) {
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("eviction not acknowledged")
	}
}

func TestEvictionConverges(t *testing.T) {
	c := newCluster(t, config.NewTestConfig(), "n1", "n2", "n3")
	defer c.close()

	var runs atomic.Int64
	done, err := c.nodes[0].inv.Evict(context.Background(), []uint64{personID}, ActionExpire,
		func(ctx context.Context) error {
			runs.Inc()
			return nil
		})
	require.Nil(t, err)
	waitDone(t, done)
	assert.Equal(t, int64(1), runs.Load())
	assert.Equal(t, 0, c.nodes[0].inv.Pending())
	for _, n := range c.nodes {
		assert.Equal(t, 0, n.cache.Len(), n.id)
	}
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int64(1), runs.Load())
}

func TestEvictionWaitsForOpenTransactions(t *testing.T) {
	c := newCluster(t, config.NewTestConfig(), "n1", "n2")
	defer c.close()
	tx := &testTx{}
	c.nodes[1].txs.Add(tx)

	done, err := c.nodes[0].inv.Evict(context.Background(), []uint64{personID}, ActionExpire)
	require.Nil(t, err)
	assert.Eventually(t, func() bool { return tx.expired.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(300 * time.Millisecond)
	assert.False(t, isDone(done))

	tx.closed.Store(true)
	waitDone(t, done)
}

func TestEvictionAckTimeout(t *testing.T) {
	conf := config.NewTestConfig()
	conf.Eviction.AckTimeout = config.NewDuration(100 * time.Millisecond)
	c := newCluster(t, conf, "n1", "n2")
	defer c.close()
	c.nodes[1].txs.Add(&testTx{})

	done, err := c.nodes[0].inv.Evict(context.Background(), []uint64{personID}, ActionExpire)
	require.Nil(t, err)
	waitDone(t, done)
}

func TestEvictionsBeyondAckQueue(t *testing.T) {
	conf := config.NewTestConfig()
	conf.Eviction.AckWaiters = 1
	conf.Eviction.AckQueue = 1
	c := newCluster(t, conf, "n1", "n2")
	defer c.close()
	tx := &testTx{}
	c.nodes[1].txs.Add(tx)

	// One eviction holds the only waiter of n2 and one fills its queue; the reader keeps going past them.
	var dones []<-chan struct{}
	for i := 0; i < 4; i++ {
		done, err := c.nodes[0].inv.Evict(context.Background(), []uint64{personID}, ActionExpire)
		require.Nil(t, err)
		dones = append(dones, done)
	}
	assert.Eventually(t, func() bool { return tx.expired.Load() == 4 }, 5*time.Second, 10*time.Millisecond)
	for _, done := range dones {
		assert.False(t, isDone(done))
	}

	tx.closed.Store(true)
	for _, done := range dones {
		waitDone(t, done)
	}
}

func TestEvictionDropsDeadInstances(t *testing.T) {
	c := newCluster(t, config.NewTestConfig(), "n1", "n2")
	defer c.close()
	ctx := context.Background()
	require.Nil(t, c.nodes[0].registry.Register(ctx, "ghost"))

	var runs atomic.Int64
	done, err := c.nodes[0].inv.Evict(ctx, []uint64{personID}, ActionExpire, func(ctx context.Context) error {
		runs.Inc()
		return nil
	})
	require.Nil(t, err)
	time.Sleep(300 * time.Millisecond)
	assert.False(t, isDone(done))
	assert.Equal(t, int64(0), runs.Load())

	require.Nil(t, c.nodes[0].registry.Deregister(ctx, "ghost"))
	waitDone(t, done)
	assert.Equal(t, int64(1), runs.Load())
}

func TestEvictionTriggersFailuresLogged(t *testing.T) {
	c := newCluster(t, config.NewTestConfig(), "n1")
	defer c.close()
	var second atomic.Bool
	done, err := c.nodes[0].inv.Evict(context.Background(), []uint64{personID}, ActionExpire,
		func(ctx context.Context) error { return errors.New("index status update failed") },
		func(ctx context.Context) error {
			second.Store(true)
			return nil
		})
	require.Nil(t, err)
	waitDone(t, done)
	assert.True(t, second.Load())
}

type testGraph struct {
	closed atomic.Bool
}

func (g *testGraph) Close() error {
	g.closed.Store(true)
	return nil
}

func TestEvictGraph(t *testing.T) {
	conf := config.NewTestConfig()
	c := newCluster(t, conf, "n1")
	// An instance without a graph manager still acknowledges.
	c.nodes = append(c.nodes, c.start(t, "n2", false))
	defer c.close()
	g := &testGraph{}
	c.nodes[0].graphs.Put("social", g)

	done, err := c.nodes[0].inv.Evict(context.Background(), []uint64{personID}, ActionEvictGraph)
	require.Nil(t, err)
	waitDone(t, done)
	assert.Eventually(t, g.closed.Load, 5*time.Second, 10*time.Millisecond)
	_, ok := c.nodes[0].graphs.Get("social")
	assert.False(t, ok)
}

func TestEvictWithoutInstances(t *testing.T) {
	c := newCluster(t, config.NewTestConfig(), "n1")
	defer c.close()
	require.Nil(t, c.nodes[0].registry.Deregister(context.Background(), "n1"))
	done, err := c.nodes[0].inv.Evict(context.Background(), []uint64{personID}, ActionExpire)
	require.Nil(t, err)
	assert.True(t, isDone(done))

	c.nodes[0].inv.Close()
	_, err = c.nodes[0].inv.Evict(context.Background(), nil, ActionExpire)
	assert.Equal(t, wal.ErrClosed, err)
}
