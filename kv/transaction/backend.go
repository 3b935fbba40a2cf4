package transaction

import (
	"context"

	"github.com/pingcap-incubator/tinygraph/kv/mixed"
	"github.com/pingcap-incubator/tinygraph/kv/storage/kcvs"
	"github.com/pingcap-incubator/tinygraph/kv/util/engine_util"
	"github.com/pingcap/errors"
)

// BackendTransaction groups the storage side of one commit: the locks and buffered mutations of the edge and
// index stores, and the transactions of the mixed index providers.
type BackendTransaction struct {
	manager    *kcvs.Manager
	txh        *kcvs.StoreTx
	edgeStore  *kcvs.Store
	indexStore *kcvs.Store
	indexTxs   *mixed.Transactions
	mutations  map[string]map[string]*kcvs.Mutation
}

func NewBackendTransaction(manager *kcvs.Manager, providers map[string]mixed.Provider) *BackendTransaction {
	return &BackendTransaction{
		manager:    manager,
		txh:        manager.BeginTransaction(),
		edgeStore:  manager.OpenDatabase(engine_util.CfEdgeStore),
		indexStore: manager.OpenDatabase(engine_util.CfGraphIndex),
		indexTxs:   mixed.NewTransactions(providers),
		mutations:  make(map[string]map[string]*kcvs.Mutation),
	}
}

func (b *BackendTransaction) EdgeStore() *kcvs.Store  { return b.edgeStore }
func (b *BackendTransaction) IndexStore() *kcvs.Store { return b.indexStore }

func (b *BackendTransaction) mutation(store string, key []byte) *kcvs.Mutation {
	rows, ok := b.mutations[store]
	if !ok {
		rows = make(map[string]*kcvs.Mutation)
		b.mutations[store] = rows
	}
	m, ok := rows[string(key)]
	if !ok {
		m = &kcvs.Mutation{}
		rows[string(key)] = m
	}
	return m
}

// Mutate buffers changes of row key in store until Commit.
func (b *BackendTransaction) Mutate(store string, key []byte, additions []kcvs.Entry, deletions [][]byte) {
	m := b.mutation(store, key)
	m.Additions = append(m.Additions, additions...)
	m.Deletions = append(m.Deletions, deletions...)
}

func (b *BackendTransaction) MutateEdges(key []byte, additions []kcvs.Entry, deletions [][]byte) {
	b.Mutate(b.edgeStore.Name(), key, additions, deletions)
}

func (b *BackendTransaction) MutateIndex(key []byte, additions []kcvs.Entry, deletions [][]byte) {
	b.Mutate(b.indexStore.Name(), key, additions, deletions)
}

// AcquireEdgeLock locks a column of a vertex row, see kcvs.Store.AcquireLock.
func (b *BackendTransaction) AcquireEdgeLock(ctx context.Context, key, column, expected []byte) error {
	return b.edgeStore.AcquireLock(ctx, key, column, expected, b.txh)
}

// AcquireIndexLock locks a column of a composite index row.
func (b *BackendTransaction) AcquireIndexLock(ctx context.Context, key, column, expected []byte) error {
	return b.indexStore.AcquireLock(ctx, key, column, expected, b.txh)
}

// IndexTransaction returns the transaction of the mixed index provider called name.
func (b *BackendTransaction) IndexTransaction(name string) (*mixed.IndexTransaction, error) {
	return b.indexTxs.Get(name)
}

// HasIndexMutations reports whether mixed index changes are pending.
func (b *BackendTransaction) HasIndexMutations() bool {
	return !b.indexTxs.IsEmpty()
}

// Commit verifies the locks and writes the buffered mutations as one batch.
func (b *BackendTransaction) Commit(ctx context.Context) error {
	if err := b.txh.CheckLocks(ctx); err != nil {
		return err
	}
	if err := b.manager.MutateMany(ctx, b.mutations, b.txh); err != nil {
		return errors.Trace(err)
	}
	b.mutations = make(map[string]map[string]*kcvs.Mutation)
	return nil
}

// CommitIndexes commits the mixed index transactions and returns the failures by provider name.
func (b *BackendTransaction) CommitIndexes(ctx context.Context) map[string]error {
	return b.indexTxs.Commit(ctx)
}

// Release drops the locks of the transaction.
func (b *BackendTransaction) Release() {
	_ = b.txh.Commit()
}

func (b *BackendTransaction) Rollback() {
	b.mutations = make(map[string]map[string]*kcvs.Mutation)
	b.indexTxs.Rollback()
	_ = b.txh.Rollback()
}
