package instance

import (
	"sync"
)

// Transaction is an open graph transaction as seen by the instance.
type Transaction interface {
	// ExpireSchemaElement drops id from the transaction's own schema cache.
	ExpireSchemaElement(id uint64)
	IsClosed() bool
}

// TxRegistry is the set of open transactions of one graph instance.
type TxRegistry struct {
	mu  sync.RWMutex
	txs map[Transaction]struct{}
}

func NewTxRegistry() *TxRegistry {
	return &TxRegistry{txs: make(map[Transaction]struct{})}
}

func (r *TxRegistry) Add(tx Transaction) {
	r.mu.Lock()
	r.txs[tx] = struct{}{}
	r.mu.Unlock()
}

func (r *TxRegistry) Remove(tx Transaction) {
	r.mu.Lock()
	delete(r.txs, tx)
	r.mu.Unlock()
}

// Open returns a snapshot of the open transactions.
func (r *TxRegistry) Open() []Transaction {
	r.mu.RLock()
	defer r.mu.RUnlock()
	txs := make([]Transaction, 0, len(r.txs))
	for tx := range r.txs {
		if !tx.IsClosed() {
			txs = append(txs, tx)
		}
	}
	return txs
}

func (r *TxRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.txs)
}
