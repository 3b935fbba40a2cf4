package graph

import (
	"context"
	"sync"
	"time"

	"github.com/pingcap-incubator/tinygraph/kv/config"
	"github.com/pingcap-incubator/tinygraph/kv/index"
	"github.com/pingcap-incubator/tinygraph/kv/instance"
	"github.com/pingcap-incubator/tinygraph/kv/management"
	"github.com/pingcap-incubator/tinygraph/kv/mixed"
	"github.com/pingcap-incubator/tinygraph/kv/relation"
	"github.com/pingcap-incubator/tinygraph/kv/schema"
	"github.com/pingcap-incubator/tinygraph/kv/storage"
	"github.com/pingcap-incubator/tinygraph/kv/storage/kcvs"
	"github.com/pingcap-incubator/tinygraph/kv/transaction"
	"github.com/pingcap-incubator/tinygraph/kv/util/engine_util"
	"github.com/pingcap-incubator/tinygraph/kv/wal"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// ErrClosed is returned by operations on a closed graph.
var ErrClosed = errors.New("graph: closed")

// Graph is one open instance of a graph. It owns the schema cache, the open transactions and the registration of
// the instance, and shares the storage engine with the other instances of the graph.
type Graph struct {
	conf       *config.Config
	instanceID string

	engine     storage.Storage
	ownsEngine bool
	kcvs       *kcvs.Manager
	edges      *kcvs.Store
	indexes    *kcvs.Store

	cache      *schema.StandardCache
	codec      *relation.Codec
	maintainer *index.Maintainer
	providers  map[string]mixed.Provider
	logs       *wal.Manager
	coord      *transaction.Coordinator

	txs         *instance.TxRegistry
	registry    *instance.Registry
	invalidator *management.Invalidator

	elementIDs  *IDPool
	relationIDs *IDPool
	txIDs       *IDPool

	closeOnce sync.Once
	closed    atomic.Bool
}

// Open creates the storage engine configured by conf and opens the graph on it. graphs may be nil; when set, the
// graph is added to it and removed again by graph evictions.
func Open(conf *config.Config, graphs *instance.GraphManager, providers map[string]mixed.Provider) (*Graph, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	engine, err := NewStorage(&conf.Storage)
	if err != nil {
		return nil, err
	}
	if err := engine.Start(); err != nil {
		return nil, errors.Annotatef(err, "start %s storage", conf.Storage.Backend)
	}
	g, err := open(conf, engine, graphs, providers)
	if err != nil {
		if stopErr := engine.Stop(); stopErr != nil {
			log.Warn("stop storage failed", zap.Error(stopErr))
		}
		return nil, err
	}
	g.ownsEngine = true
	return g, nil
}

// OpenWithStorage opens the graph on a started engine that may be shared with other instances. The engine is not
// stopped when the graph closes.
func OpenWithStorage(conf *config.Config, engine storage.Storage, graphs *instance.GraphManager, providers map[string]mixed.Provider) (*Graph, error) {
	return open(conf, engine, graphs, providers)
}

func open(conf *config.Config, engine storage.Storage, graphs *instance.GraphManager, providers map[string]mixed.Provider) (*Graph, error) {
	instanceID := conf.Graph.InstanceID
	if instanceID == "" {
		instanceID = instance.NewID()
	}
	if providers == nil {
		providers = make(map[string]mixed.Provider)
	}
	km := kcvs.NewManager(engine, conf.Locks)
	g := &Graph{
		conf:        conf,
		instanceID:  instanceID,
		engine:      engine,
		kcvs:        km,
		edges:       km.OpenDatabase(engine_util.CfEdgeStore),
		indexes:     km.OpenDatabase(engine_util.CfGraphIndex),
		providers:   providers,
		logs:        wal.NewManager(km, instanceID, conf.TxLog),
		txs:         instance.NewTxRegistry(),
		registry:    instance.NewRegistry(km, conf.Graph.Name),
		elementIDs:  NewIDPool(engine, conf.Graph.Name+"/"+ElementIDs, schema.FirstUserID, conf.Graph.IDBlockSize),
		relationIDs: NewIDPool(engine, conf.Graph.Name+"/"+RelationIDs, 1, conf.Graph.IDBlockSize),
		txIDs:       NewIDPool(engine, conf.Graph.Name+"/"+TransactionIDs, 1, conf.Graph.IDBlockSize),
	}
	// The schema store resolves names through the maintainer, which reads types from the cache it backs.
	store := &SchemaStore{edges: g.edges, indexes: g.indexes}
	g.cache = schema.NewStandardCache(store)
	g.codec = relation.NewCodec(g.cache)
	g.maintainer = index.NewMaintainer(g.cache, conf.Index, nil)
	store.codec, store.maintainer = g.codec, g.maintainer
	g.coord = transaction.NewCoordinator(km, g.cache, g.maintainer, providers, g.logs, conf.TxLog)

	opts := management.Options{
		Graph:      conf.Graph.Name,
		InstanceID: instanceID,
		Log:        g.logs.OpenLog(wal.ManagementLog),
		Cache:      g.cache,
		Txs:        g.txs,
		Instances:  g.registry,
		Conf:       conf.Eviction,
	}
	if graphs != nil {
		opts.Graphs = graphs
	}
	g.invalidator = management.NewInvalidator(opts)

	ctx := context.Background()
	if err := g.registry.Register(ctx, instanceID); err != nil {
		g.logs.Close()
		return nil, err
	}
	if err := g.invalidator.Start(); err != nil {
		if derr := g.registry.Deregister(ctx, instanceID); derr != nil {
			log.Warn("deregister instance failed", zap.String("instance", instanceID), zap.Error(derr))
		}
		g.logs.Close()
		return nil, err
	}
	if graphs != nil {
		graphs.Put(conf.Graph.Name, g)
	}
	log.Info("graph opened", zap.String("graph", conf.Graph.Name), zap.String("instance", instanceID),
		zap.String("backend", conf.Storage.Backend), zap.Bool("tx-isolation", engine.Features().TxIsolation))
	return g, nil
}

func (g *Graph) Name() string {
	return g.conf.Graph.Name
}

func (g *Graph) InstanceID() string {
	return g.instanceID
}

// Schema returns the schema cache of the instance.
func (g *Graph) Schema() schema.Cache {
	return g.cache
}

func (g *Graph) Maintainer() *index.Maintainer {
	return g.maintainer
}

func (g *Graph) Registry() *instance.Registry {
	return g.registry
}

// Logs returns the log manager of the instance, which opens user logs for reading.
func (g *Graph) Logs() *wal.Manager {
	return g.logs
}

// OpenTransactions returns the number of transactions neither committed nor rolled back.
func (g *Graph) OpenTransactions() int {
	return g.txs.Len()
}

func (g *Graph) IsClosed() bool {
	return g.closed.Load()
}

// Close deregisters the instance and releases everything the graph opened. Open transactions can no longer commit.
func (g *Graph) Close() error {
	var err error
	g.closeOnce.Do(func() {
		g.closed.Store(true)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if derr := g.registry.Deregister(ctx, g.instanceID); derr != nil {
			log.Warn("deregister instance failed", zap.String("instance", g.instanceID), zap.Error(derr))
		}
		if cerr := g.invalidator.Close(); cerr != nil {
			log.Warn("close invalidator failed", zap.Error(cerr))
		}
		err = g.logs.Close()
		if g.ownsEngine {
			if serr := g.engine.Stop(); serr != nil && err == nil {
				err = errors.Trace(serr)
			}
		}
		log.Info("graph closed", zap.String("graph", g.Name()), zap.String("instance", g.instanceID))
	})
	return err
}
