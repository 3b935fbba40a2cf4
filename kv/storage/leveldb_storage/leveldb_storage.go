package leveldb_storage

import (
	"os"

	"github.com/pingcap-incubator/tinygraph/kv/storage"
	"github.com/pingcap-incubator/tinygraph/kv/util/engine_util"
	"github.com/pingcap-incubator/tinygraph/kv/util/latches"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	ldbstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"
)

// LevelDBStorage stores a graph in a goleveldb database. Column families are key prefixes, the same way the badger
// engine lays them out.
type LevelDBStorage struct {
	path    string
	sync    bool
	db      *leveldb.DB
	latches *latches.Latches
}

// NewLevelDBStorage creates an engine at path. An empty path keeps the database in memory.
func NewLevelDBStorage(path string, syncWrites bool) *LevelDBStorage {
	return &LevelDBStorage{
		path:    path,
		sync:    syncWrites,
		latches: latches.NewLatches(),
	}
}

func (s *LevelDBStorage) Start() error {
	var (
		db  *leveldb.DB
		err error
	)
	if s.path == "" {
		db, err = leveldb.Open(ldbstorage.NewMemStorage(), nil)
	} else {
		if err = os.MkdirAll(s.path, os.ModePerm); err != nil {
			return errors.Trace(err)
		}
		db, err = leveldb.OpenFile(s.path, nil)
	}
	if err != nil {
		return errors.Trace(err)
	}
	s.db = db
	log.Info("leveldb storage started", zap.String("path", s.path))
	return nil
}

func (s *LevelDBStorage) Stop() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return errors.Trace(err)
}

func (s *LevelDBStorage) Features() storage.Features {
	return storage.Features{Persistent: s.path != ""}
}

func (s *LevelDBStorage) Write(batch []storage.Modify) error {
	return errors.Trace(s.db.Write(toBatch(batch), &opt.WriteOptions{Sync: s.sync}))
}

func (s *LevelDBStorage) CheckAndSet(cf string, key, expected []byte, batch []storage.Modify) error {
	physical := engine_util.KeyWithCF(cf, key)
	return s.latches.Guard([][]byte{physical}, func() error {
		current, err := s.db.Get(physical, nil)
		if err == leveldb.ErrNotFound {
			current, err = nil, nil
		}
		if err != nil {
			return errors.Trace(err)
		}
		if !storage.MatchesExpected(current, expected) {
			return storage.ErrCASFailed
		}
		return s.Write(batch)
	})
}

func (s *LevelDBStorage) Reader() (storage.StorageReader, error) {
	snap, err := s.db.GetSnapshot()
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &ldbReader{snap: snap}, nil
}

func toBatch(batch []storage.Modify) *leveldb.Batch {
	b := new(leveldb.Batch)
	for _, m := range batch {
		switch data := m.Data.(type) {
		case storage.Put:
			b.Put(engine_util.KeyWithCF(data.Cf, data.Key), data.Value)
		case storage.Delete:
			b.Delete(engine_util.KeyWithCF(data.Cf, data.Key))
		}
	}
	return b
}

type ldbReader struct {
	snap *leveldb.Snapshot
}

func (r *ldbReader) GetCF(cf string, key []byte) ([]byte, error) {
	val, err := r.snap.Get(engine_util.KeyWithCF(cf, key), nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	return val, errors.Trace(err)
}

func (r *ldbReader) IterCF(cf string) engine_util.DBIterator {
	prefix := []byte(cf + "_")
	it := &ldbIterator{
		iter:   r.snap.NewIterator(util.BytesPrefix(prefix), nil),
		prefix: prefix,
	}
	it.iter.First()
	return it
}

func (r *ldbReader) Close() {
	r.snap.Release()
}

type ldbIterator struct {
	iter   iterator.Iterator
	prefix []byte
}

func (it *ldbIterator) Item() engine_util.DBItem {
	return &ldbItem{
		key:   append([]byte{}, it.iter.Key()[len(it.prefix):]...),
		value: append([]byte{}, it.iter.Value()...),
	}
}

func (it *ldbIterator) Valid() bool { return it.iter.Valid() }

func (it *ldbIterator) Next() { it.iter.Next() }

func (it *ldbIterator) Seek(key []byte) {
	it.iter.Seek(append(append([]byte{}, it.prefix...), key...))
}

func (it *ldbIterator) Close() { it.iter.Release() }

type ldbItem struct {
	key   []byte
	value []byte
}

func (i *ldbItem) Key() []byte { return i.key }

func (i *ldbItem) Value() ([]byte, error) { return i.value, nil }
