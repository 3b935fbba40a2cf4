package engine_util

import (
	"github.com/coocood/badger"
)

// DBIterator walks the keys of one column family in ascending order. Keys are returned without the column family
// prefix. Check Valid after every Seek and Next.
type DBIterator interface {
	Item() DBItem
	Valid() bool
	Next()
	// Seek positions the iterator at the first key not less than key.
	Seek(key []byte)
	Close()
}

// DBItem is the entry under a DBIterator. The slices are only valid until the iterator moves.
type DBItem interface {
	Key() []byte
	Value() ([]byte, error)
}

type cfItem struct {
	item  *badger.Item
	strip int
}

func (i cfItem) Key() []byte { return i.item.Key()[i.strip:] }

func (i cfItem) Value() ([]byte, error) { return i.item.Value() }

type cfIterator struct {
	iter   *badger.Iterator
	prefix []byte
}

// NewCFIterator iterates over the keys of cf visible to txn.
func NewCFIterator(cf string, txn *badger.Txn) DBIterator {
	it := &cfIterator{
		iter:   txn.NewIterator(badger.DefaultIteratorOptions),
		prefix: KeyWithCF(cf, nil),
	}
	it.iter.Seek(it.prefix)
	return it
}

func (it *cfIterator) Item() DBItem {
	return cfItem{item: it.iter.Item(), strip: len(it.prefix)}
}

func (it *cfIterator) Valid() bool { return it.iter.ValidForPrefix(it.prefix) }

func (it *cfIterator) Next() { it.iter.Next() }

func (it *cfIterator) Seek(key []byte) {
	n := len(it.prefix)
	it.iter.Seek(append(it.prefix[:n:n], key...))
}

func (it *cfIterator) Close() { it.iter.Close() }
