package storage

import (
	"bytes"
	"sync"

	"github.com/google/btree"
	"github.com/pingcap-incubator/tinygraph/kv/util/engine_util"
	"github.com/pingcap-incubator/tinygraph/kv/util/latches"
)

const memBTreeDegree = 16

// MemStorage is a storage engine backed by memory. Data is not written to disk. Column families are created on
// first write.
type MemStorage struct {
	mu      sync.RWMutex
	cfs     map[string]*btree.BTree
	latches *latches.Latches
}

func NewMemStorage() *MemStorage {
	return &MemStorage{
		cfs:     make(map[string]*btree.BTree),
		latches: latches.NewLatches(),
	}
}

func (s *MemStorage) Start() error {
	return nil
}

func (s *MemStorage) Stop() error {
	return nil
}

func (s *MemStorage) Features() Features {
	return Features{}
}

func (s *MemStorage) Reader() (StorageReader, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := make(map[string]*btree.BTree, len(s.cfs))
	for cf, tree := range s.cfs {
		snap[cf] = tree.Clone()
	}
	return &memReader{cfs: snap}, nil
}

func (s *MemStorage) Write(batch []Modify) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apply(batch)
	return nil
}

func (s *MemStorage) apply(batch []Modify) {
	for _, m := range batch {
		switch data := m.Data.(type) {
		case Put:
			s.tree(data.Cf).ReplaceOrInsert(memItem{key: data.Key, value: data.Value})
		case Delete:
			if tree, ok := s.cfs[data.Cf]; ok {
				tree.Delete(memItem{key: data.Key})
			}
		}
	}
}

func (s *MemStorage) tree(cf string) *btree.BTree {
	tree, ok := s.cfs[cf]
	if !ok {
		tree = btree.New(memBTreeDegree)
		s.cfs[cf] = tree
	}
	return tree
}

func (s *MemStorage) CheckAndSet(cf string, key, expected []byte, batch []Modify) error {
	return s.latches.Guard([][]byte{engine_util.KeyWithCF(cf, key)}, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if !MatchesExpected(s.get(cf, key), expected) {
			return ErrCASFailed
		}
		s.apply(batch)
		return nil
	})
}

func (s *MemStorage) get(cf string, key []byte) []byte {
	tree, ok := s.cfs[cf]
	if !ok {
		return nil
	}
	item := tree.Get(memItem{key: key})
	if item == nil {
		return nil
	}
	return item.(memItem).value
}

// Len returns the number of keys in cf.
func (s *MemStorage) Len(cf string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if tree, ok := s.cfs[cf]; ok {
		return tree.Len()
	}
	return 0
}

// memReader reads from a copy-on-write snapshot of a MemStorage.
type memReader struct {
	cfs map[string]*btree.BTree
}

func (r *memReader) GetCF(cf string, key []byte) ([]byte, error) {
	tree, ok := r.cfs[cf]
	if !ok {
		return nil, nil
	}
	item := tree.Get(memItem{key: key})
	if item == nil {
		return nil, nil
	}
	return item.(memItem).value, nil
}

func (r *memReader) IterCF(cf string) engine_util.DBIterator {
	tree, ok := r.cfs[cf]
	if !ok {
		tree = btree.New(memBTreeDegree)
	}
	it := &memIter{data: tree}
	if min := tree.Min(); min != nil {
		it.item = min.(memItem)
	}
	return it
}

func (r *memReader) Close() {}

type memIter struct {
	data *btree.BTree
	item memItem
}

func (it *memIter) Item() engine_util.DBItem {
	return it.item
}

func (it *memIter) Valid() bool {
	return it.item.key != nil
}

func (it *memIter) Next() {
	first := true
	oldItem := it.item
	it.item = memItem{}
	it.data.AscendGreaterOrEqual(oldItem, func(item btree.Item) bool {
		// Skip the first item, which will be it.item
		if first {
			first = false
			return true
		}
		it.item = item.(memItem)
		return false
	})
}

func (it *memIter) Seek(key []byte) {
	it.item = memItem{}
	it.data.AscendGreaterOrEqual(memItem{key: key}, func(item btree.Item) bool {
		it.item = item.(memItem)
		return false
	})
}

func (it *memIter) Close() {}

type memItem struct {
	key   []byte
	value []byte
}

func (it memItem) Key() []byte {
	return it.key
}

func (it memItem) Value() ([]byte, error) {
	return it.value, nil
}

func (it memItem) Less(than btree.Item) bool {
	return bytes.Compare(it.key, than.(memItem).key) < 0
}
