package management

import (
	"context"
	"sync"
	"time"

	"github.com/pingcap-incubator/tinygraph/kv/config"
	"github.com/pingcap-incubator/tinygraph/kv/instance"
	"github.com/pingcap-incubator/tinygraph/kv/util/worker"
	"github.com/pingcap-incubator/tinygraph/kv/wal"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// SchemaCache is the process schema cache the invalidator expires types from.
type SchemaCache interface {
	ExpireSchemaElement(id uint64)
}

// OpenTransactions lists the open transactions of the local graph.
type OpenTransactions interface {
	Open() []instance.Transaction
}

// Instances lists the live instances of the cluster.
type Instances interface {
	InstanceIDs(ctx context.Context) ([]string, error)
}

// GraphRemover closes a graph of this process by name.
type GraphRemover interface {
	RemoveGraph(name string) error
}

// Trigger runs once every instance acknowledged an eviction.
type Trigger func(ctx context.Context) error

type Options struct {
	Graph      string
	InstanceID string
	// Log is the management log shared by all instances.
	Log       *wal.Log
	Cache     SchemaCache
	Txs       OpenTransactions
	Instances Instances
	// Graphs may be nil, graph evictions are then only logged.
	Graphs GraphRemover
	Conf   config.Eviction
}

type eviction struct {
	id       uint64
	pending  map[string]struct{}
	triggers []Trigger
	done     chan struct{}
}

type ackTask struct {
	origin   string
	eviction *Eviction
	open     []instance.Transaction
}

// Invalidator keeps the schema caches of all instances of a graph consistent. Evict broadcasts the expired types on
// the management log, every instance expires them and acknowledges once its transactions that could still see the
// old types are closed, and the broadcaster runs the triggers of the eviction when all live instances acknowledged.
type Invalidator struct {
	opts Options

	evictionID atomic.Uint64
	mu         sync.Mutex
	pending    map[uint64]*eviction

	waiters *worker.Worker
	closed  atomic.Bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

func NewInvalidator(opts Options) *Invalidator {
	return &Invalidator{
		opts:    opts,
		pending: make(map[uint64]*eviction),
		waiters: worker.NewWorker("eviction-ack", opts.Conf.AckWaiters, opts.Conf.AckQueue),
		stop:    make(chan struct{}),
	}
}

func (inv *Invalidator) InstanceID() string {
	return inv.opts.InstanceID
}

// Start begins reading the management log and polling the instance registry.
func (inv *Invalidator) Start() error {
	inv.waiters.Start(worker.TaskHandlerFunc(inv.waitAndAck))
	if err := inv.opts.Log.RegisterReader(wal.FromNow(), inv.read); err != nil {
		inv.waiters.Stop()
		return errors.Trace(err)
	}
	inv.wg.Add(1)
	go inv.pollRegistry()
	return nil
}

// Evict broadcasts the expiry of typeIDs. The returned channel is closed after every live instance acknowledged
// and the triggers ran.
func (inv *Invalidator) Evict(ctx context.Context, typeIDs []uint64, action Action, triggers ...Trigger) (<-chan struct{}, error) {
	if inv.closed.Load() {
		return nil, wal.ErrClosed
	}
	ids, err := inv.opts.Instances.InstanceIDs(ctx)
	if err != nil {
		return nil, errors.Annotate(err, "list instances")
	}
	e := &eviction{
		id:       inv.evictionID.Inc(),
		pending:  make(map[string]struct{}, len(ids)),
		triggers: triggers,
		done:     make(chan struct{}),
	}
	for _, id := range ids {
		e.pending[id] = struct{}{}
	}
	msg := &Eviction{ID: e.id, TypeIDs: typeIDs, Action: action}
	if len(e.pending) == 0 {
		log.Warn("no live instance to acknowledge eviction", zap.Uint64("eviction", e.id))
		inv.complete(e)
		return e.done, nil
	}
	inv.mu.Lock()
	inv.pending[e.id] = e
	inv.mu.Unlock()
	if err := inv.opts.Log.Add(ctx, msg.Marshal()); err != nil {
		inv.mu.Lock()
		delete(inv.pending, e.id)
		inv.mu.Unlock()
		return nil, err
	}
	evictionCounter.WithLabelValues("sent").Inc()
	log.Info("broadcast schema eviction",
		zap.Uint64("eviction", e.id), zap.Uint64s("types", typeIDs), zap.Int("instances", len(ids)))
	return e.done, nil
}

// Pending returns the number of evictions still waiting for acknowledgments.
func (inv *Invalidator) Pending() int {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return len(inv.pending)
}

func (inv *Invalidator) read(m *wal.Message) {
	msg, err := Unmarshal(m.Content)
	if err != nil {
		log.Warn("skip management message", zap.String("sender", m.Sender), zap.Error(err))
		return
	}
	switch msg := msg.(type) {
	case *Eviction:
		inv.receive(m.Sender, msg)
	case *Ack:
		if msg.OriginID == inv.opts.InstanceID {
			inv.acknowledge(msg.EvictionID, m.Sender)
		}
	}
}

// receive expires the types locally and schedules the acknowledgment.
func (inv *Invalidator) receive(origin string, ev *Eviction) {
	for _, id := range ev.TypeIDs {
		inv.opts.Cache.ExpireSchemaElement(id)
	}
	open := inv.opts.Txs.Open()
	for _, tx := range open {
		for _, id := range ev.TypeIDs {
			tx.ExpireSchemaElement(id)
		}
	}
	log.Debug("expired schema types",
		zap.String("origin", origin), zap.Uint64("eviction", ev.ID), zap.Int("open", len(open)))
	task := &ackTask{origin: origin, eviction: ev, open: open}
	_, err := inv.waiters.Submit(task)
	switch errors.Cause(err) {
	case nil:
	case worker.ErrQueueFull:
		log.Warn("eviction ack queue full, waiting outside the pool",
			zap.String("origin", origin), zap.Uint64("eviction", ev.ID))
		go inv.waitAndAck(task)
	default:
		log.Warn("cannot acknowledge eviction", zap.String("origin", origin), zap.Uint64("eviction", ev.ID), zap.Error(err))
	}
}

func allClosed(txs []instance.Transaction) bool {
	for _, tx := range txs {
		if !tx.IsClosed() {
			return false
		}
	}
	return true
}

// waitAndAck waits, at most the ack timeout, for the transactions open at receipt to close, then acknowledges.
func (inv *Invalidator) waitAndAck(t worker.Task) {
	task := t.(*ackTask)
	ctx, cancel := context.WithTimeout(context.Background(), inv.opts.Conf.AckTimeout.Duration)
	defer cancel()
	limiter := rate.NewLimiter(rate.Every(inv.opts.Conf.AckPoll.Duration), 1)
	for !allClosed(task.open) {
		if err := limiter.Wait(ctx); err != nil {
			ackTimeoutCounter.Inc()
			log.Error("open transactions outlived the ack timeout, acknowledging anyway",
				zap.String("origin", task.origin), zap.Uint64("eviction", task.eviction.ID),
				zap.Duration("timeout", inv.opts.Conf.AckTimeout.Duration))
			break
		}
	}
	ack := &Ack{OriginID: task.origin, EvictionID: task.eviction.ID}
	if err := inv.opts.Log.Add(context.Background(), ack.Marshal()); err != nil {
		log.Error("send eviction ack failed", zap.String("origin", task.origin), zap.Uint64("eviction", task.eviction.ID), zap.Error(err))
	}
	if task.eviction.Action == ActionEvictGraph {
		// Closing the graph stops this worker, so it must not run on it.
		go inv.evictGraph()
	}
}

func (inv *Invalidator) evictGraph() {
	if inv.opts.Graphs == nil {
		log.Error("graph manager unavailable, graph not evicted", zap.String("graph", inv.opts.Graph))
		return
	}
	if err := inv.opts.Graphs.RemoveGraph(inv.opts.Graph); err != nil {
		log.Error("evict graph failed", zap.String("graph", inv.opts.Graph), zap.Error(err))
	}
}

func (inv *Invalidator) acknowledge(id uint64, sender string) {
	evictionCounter.WithLabelValues("acked").Inc()
	inv.mu.Lock()
	e, ok := inv.pending[id]
	if !ok {
		inv.mu.Unlock()
		log.Debug("ack for unknown eviction", zap.Uint64("eviction", id), zap.String("sender", sender))
		return
	}
	delete(e.pending, sender)
	done := len(e.pending) == 0
	if done {
		delete(inv.pending, id)
	}
	inv.mu.Unlock()
	if done {
		inv.complete(e)
	}
}

// pollRegistry drops instances that are no longer registered from every pending eviction.
func (inv *Invalidator) pollRegistry() {
	defer inv.wg.Done()
	ticker := time.NewTicker(inv.opts.Conf.RegistryPoll.Duration)
	defer ticker.Stop()
	for {
		select {
		case <-inv.stop:
			return
		case <-ticker.C:
		}
		if inv.Pending() == 0 {
			continue
		}
		ids, err := inv.opts.Instances.InstanceIDs(context.Background())
		if err != nil {
			log.Warn("read instance registry failed", zap.Error(err))
			continue
		}
		live := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			live[id] = struct{}{}
		}
		var completed []*eviction
		inv.mu.Lock()
		for id, e := range inv.pending {
			for instanceID := range e.pending {
				if _, ok := live[instanceID]; !ok {
					log.Info("instance left before acknowledging", zap.Uint64("eviction", id), zap.String("instance", instanceID))
					delete(e.pending, instanceID)
				}
			}
			if len(e.pending) == 0 {
				delete(inv.pending, id)
				completed = append(completed, e)
			}
		}
		inv.mu.Unlock()
		for _, e := range completed {
			inv.complete(e)
		}
	}
}

// complete runs the triggers of e. It is called once per eviction, after e left the pending set.
func (inv *Invalidator) complete(e *eviction) {
	for i, trigger := range e.triggers {
		if err := trigger(context.Background()); err != nil {
			log.Error("eviction trigger failed", zap.Uint64("eviction", e.id), zap.Int("trigger", i), zap.Error(err))
		}
	}
	evictionCounter.WithLabelValues("completed").Inc()
	log.Info("schema eviction acknowledged by all instances", zap.Uint64("eviction", e.id))
	close(e.done)
}

// Close stops reading acknowledgments and waits for running ack waiters. Pending evictions never complete.
func (inv *Invalidator) Close() error {
	if inv.closed.Swap(true) {
		return nil
	}
	close(inv.stop)
	inv.wg.Wait()
	inv.waiters.Stop()
	return nil
}
