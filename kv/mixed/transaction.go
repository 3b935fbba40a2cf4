package mixed

import (
	"context"
	"sync"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// IndexTransaction buffers the document mutations of one graph transaction for a provider.
type IndexTransaction struct {
	provider  Provider
	mutations map[string]map[string]*IndexMutation
}

func NewIndexTransaction(provider Provider) *IndexTransaction {
	return &IndexTransaction{
		provider:  provider,
		mutations: make(map[string]map[string]*IndexMutation),
	}
}

func (tx *IndexTransaction) mutation(store, docID string) *IndexMutation {
	docs, ok := tx.mutations[store]
	if !ok {
		docs = make(map[string]*IndexMutation)
		tx.mutations[store] = docs
	}
	m, ok := docs[docID]
	if !ok {
		m = &IndexMutation{}
		docs[docID] = m
	}
	return m
}

// Add buffers a field value of a document. isNew marks documents created by this transaction.
func (tx *IndexTransaction) Add(store, docID string, e IndexEntry, isNew bool) {
	m := tx.mutation(store, docID)
	m.Additions = append(m.Additions, e)
	m.IsNew = m.IsNew || isNew
}

// Delete buffers the removal of a field value, or of the whole document when deleteAll is set.
func (tx *IndexTransaction) Delete(store, docID string, e IndexEntry, deleteAll bool) {
	m := tx.mutation(store, docID)
	m.Deletions = append(m.Deletions, e)
	m.IsDeleted = m.IsDeleted || deleteAll
}

func (tx *IndexTransaction) IsEmpty() bool {
	return len(tx.mutations) == 0
}

// Commit sends the buffered mutations to the provider.
func (tx *IndexTransaction) Commit(ctx context.Context) error {
	if tx.IsEmpty() {
		return nil
	}
	for store, docs := range tx.mutations {
		for docID, m := range docs {
			if m.IsEmpty() {
				delete(docs, docID)
			}
		}
		if len(docs) == 0 {
			delete(tx.mutations, store)
		}
	}
	err := tx.provider.Mutate(ctx, tx.mutations)
	tx.mutations = make(map[string]map[string]*IndexMutation)
	return errors.Trace(err)
}

func (tx *IndexTransaction) Rollback() {
	tx.mutations = make(map[string]map[string]*IndexMutation)
}

// Transactions holds the index transactions of one graph transaction, one per backing index.
type Transactions struct {
	providers map[string]Provider
	txs       map[string]*IndexTransaction
}

func NewTransactions(providers map[string]Provider) *Transactions {
	return &Transactions{providers: providers, txs: make(map[string]*IndexTransaction)}
}

// Get returns the transaction of the backing index called name.
func (t *Transactions) Get(name string) (*IndexTransaction, error) {
	if tx, ok := t.txs[name]; ok {
		return tx, nil
	}
	p, ok := t.providers[name]
	if !ok {
		return nil, errors.Errorf("mixed: unknown backing index %q", name)
	}
	tx := NewIndexTransaction(p)
	t.txs[name] = tx
	return tx, nil
}

func (t *Transactions) IsEmpty() bool {
	for _, tx := range t.txs {
		if !tx.IsEmpty() {
			return false
		}
	}
	return true
}

// Commit commits all index transactions in parallel and returns the failures keyed by backing index name.
func (t *Transactions) Commit(ctx context.Context) map[string]error {
	var (
		mu       sync.Mutex
		failures map[string]error
	)
	// A failing index must not cancel the others.
	var g errgroup.Group
	for name, tx := range t.txs {
		name, tx := name, tx
		g.Go(func() error {
			if err := tx.Commit(ctx); err != nil {
				log.Error("commit of index transaction failed", zap.String("index", name), zap.Error(err))
				mu.Lock()
				if failures == nil {
					failures = make(map[string]error)
				}
				failures[name] = err
				mu.Unlock()
				return err
			}
			return nil
		})
	}
	_ = g.Wait()
	return failures
}

func (t *Transactions) Rollback() {
	for _, tx := range t.txs {
		tx.Rollback()
	}
}
