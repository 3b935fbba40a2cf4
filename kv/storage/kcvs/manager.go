package kcvs

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pingcap-incubator/tinygraph/kv/config"
	"github.com/pingcap-incubator/tinygraph/kv/storage"
	"github.com/pingcap-incubator/tinygraph/kv/util/codec"
	"github.com/pingcap-incubator/tinygraph/kv/util/engine_util"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

var (
	// ErrLockContention is returned when a lock is held by another transaction for longer than the lock wait.
	ErrLockContention = errors.New("kcvs: lock contention")
	// ErrExpectedValueMismatch is returned when a locked column no longer holds the value it was locked with.
	ErrExpectedValueMismatch = errors.New("kcvs: expected value mismatch")
)

// Mutation is the set of changes applied to one row.
type Mutation struct {
	Additions []Entry
	Deletions [][]byte
}

// Consolidate drops deletions of columns that are also added.
func (m *Mutation) Consolidate() {
	if len(m.Additions) == 0 || len(m.Deletions) == 0 {
		return
	}
	added := make(map[string]struct{}, len(m.Additions))
	for _, e := range m.Additions {
		added[string(e.Column())] = struct{}{}
	}
	dels := m.Deletions[:0]
	for _, col := range m.Deletions {
		if _, ok := added[string(col)]; !ok {
			dels = append(dels, col)
		}
	}
	m.Deletions = dels
}

func (m *Mutation) IsEmpty() bool {
	return len(m.Additions) == 0 && len(m.Deletions) == 0
}

// Manager maps named key-column-value stores onto a storage engine and coordinates locking and batched mutations
// across them.
type Manager struct {
	engine storage.Storage
	conf   config.Locks

	mu     sync.Mutex
	stores map[string]*Store

	// now is replaced in tests.
	now func() time.Time
}

func NewManager(engine storage.Storage, conf config.Locks) *Manager {
	return &Manager{
		engine: engine,
		conf:   conf,
		stores: make(map[string]*Store),
		now:    time.Now,
	}
}

// OpenDatabase returns the store called name, creating its handle on first use.
func (m *Manager) OpenDatabase(name string) *Store {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stores[name]
	if !ok {
		s = &Store{name: name, manager: m}
		m.stores[name] = s
	}
	return s
}

func (m *Manager) Features() storage.Features {
	return m.engine.Features()
}

func (m *Manager) Engine() storage.Storage {
	return m.engine
}

// BeginTransaction starts a store transaction. Its id owns the locks it acquires.
func (m *Manager) BeginTransaction() *StoreTx {
	id := uuid.New()
	return &StoreTx{ID: id[:], manager: m, start: m.now()}
}

// MutateMany applies mutations, keyed by store name and then by row key, as one engine batch.
func (m *Manager) MutateMany(ctx context.Context, mutations map[string]map[string]*Mutation, txh *StoreTx) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ts := m.now()
	if txh != nil && !txh.CommitTime.IsZero() {
		ts = txh.CommitTime
	}
	var batch []storage.Modify
	storeNames := make([]string, 0, len(mutations))
	for name := range mutations {
		storeNames = append(storeNames, name)
	}
	sort.Strings(storeNames)
	for _, name := range storeNames {
		rows := mutations[name]
		keys := make([]string, 0, len(rows))
		for key := range rows {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			mut := rows[key]
			mut.Consolidate()
			batch = appendMutation(batch, name, []byte(key), mut, ts.UnixNano())
			mutationCounter.WithLabelValues(name, "add").Add(float64(len(mut.Additions)))
			mutationCounter.WithLabelValues(name, "delete").Add(float64(len(mut.Deletions)))
		}
	}
	if len(batch) == 0 {
		return nil
	}
	return errors.Trace(m.engine.Write(batch))
}

func appendMutation(batch []storage.Modify, store string, key []byte, mut *Mutation, ts int64) []storage.Modify {
	row := codec.EncodeBytes(key)
	for _, col := range mut.Deletions {
		batch = append(batch, storage.NewDelete(store, physicalKey(row, col)))
	}
	for _, e := range mut.Additions {
		batch = append(batch, storage.NewPut(store, physicalKey(row, e.Column()), encodeValue(e.Value(), ts, e.TTL)))
	}
	return batch
}

func physicalKey(row, column []byte) []byte {
	k := make([]byte, 0, len(row)+len(column))
	k = append(k, row...)
	return append(k, column...)
}

func lockKey(store string, key, column []byte) []byte {
	k := codec.EncodeBytes([]byte(store))
	k = codec.AppendBytes(k, key)
	return append(k, column...)
}

type lockClaim struct {
	store    string
	key      []byte
	column   []byte
	expected []byte
	lockKey  []byte
	record   []byte
}

func (m *Manager) acquireLock(ctx context.Context, store string, key, column, expected []byte, txh *StoreTx) error {
	lk := lockKey(store, key, column)
	for _, c := range txh.locks {
		if string(c.lockKey) == string(lk) {
			return nil
		}
	}
	for attempt := 0; ; attempt++ {
		now := m.now()
		record := (&Lock{Owner: txh.ID, Ts: uint64(now.UnixNano()), Ttl: uint64(m.conf.Expire.Duration / time.Millisecond)}).ToBytes()
		current, err := m.currentLock(lk)
		if err != nil {
			return err
		}
		var expectedLock []byte
		if current != nil {
			lock, err := ParseLock(current)
			if err != nil {
				return errors.Trace(err)
			}
			if !lock.IsExpired(now) {
				if attempt >= m.conf.Retries {
					lockCounter.WithLabelValues("contention").Inc()
					return errors.Annotatef(ErrLockContention, "store %s key %x column %x", store, key, column)
				}
				if err := sleepCtx(ctx, m.conf.Wait.Duration); err != nil {
					return err
				}
				continue
			}
			log.Warn("taking over expired lock", zap.String("store", store), zap.Binary("key", key))
			expectedLock = current
		}
		err = m.engine.CheckAndSet(engine_util.CfLock, lk, expectedLock, []storage.Modify{storage.NewPut(engine_util.CfLock, lk, record)})
		if errors.Cause(err) == storage.ErrCASFailed {
			continue
		}
		if err != nil {
			return errors.Trace(err)
		}
		txh.locks = append(txh.locks, lockClaim{store: store, key: key, column: column, expected: expected, lockKey: lk, record: record})
		lockCounter.WithLabelValues("acquired").Inc()
		return nil
	}
}

func (m *Manager) currentLock(lk []byte) ([]byte, error) {
	r, err := m.engine.Reader()
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer r.Close()
	val, err := r.GetCF(engine_util.CfLock, lk)
	return val, errors.Trace(err)
}

// checkLocks verifies that txh still holds its locks and that the locked columns still hold the expected values.
func (m *Manager) checkLocks(ctx context.Context, txh *StoreTx) error {
	for _, c := range txh.locks {
		current, err := m.currentLock(c.lockKey)
		if err != nil {
			return err
		}
		if string(current) != string(c.record) {
			return errors.Annotatef(ErrLockContention, "lock on store %s key %x lost", c.store, c.key)
		}
		entries, err := m.OpenDatabase(c.store).GetSlice(ctx, c.key, PointSlice(c.column))
		if err != nil {
			return err
		}
		var actual []byte
		if len(entries) > 0 {
			actual = entries[0].Value()
		}
		if !storage.MatchesExpected(actual, c.expected) {
			return errors.Annotatef(ErrExpectedValueMismatch, "store %s key %x column %x", c.store, c.key, c.column)
		}
	}
	return nil
}

func (m *Manager) releaseLocks(txh *StoreTx) {
	for _, c := range txh.locks {
		err := m.engine.CheckAndSet(engine_util.CfLock, c.lockKey, c.record, []storage.Modify{storage.NewDelete(engine_util.CfLock, c.lockKey)})
		if err != nil && errors.Cause(err) != storage.ErrCASFailed {
			log.Error("release lock failed", zap.String("store", c.store), zap.Binary("key", c.key), zap.Error(err))
		}
	}
	txh.locks = nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
