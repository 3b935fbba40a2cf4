package standalone_storage

import (
	"github.com/coocood/badger"
	"github.com/pingcap-incubator/tinygraph/kv/config"
	"github.com/pingcap-incubator/tinygraph/kv/storage"
	"github.com/pingcap-incubator/tinygraph/kv/util/engine_util"
	"github.com/pingcap-incubator/tinygraph/kv/util/latches"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// StandAloneStorage is an implementation of `Storage` for a single-node graph. All data is stored locally in badger.
type StandAloneStorage struct {
	conf    config.Storage
	db      *badger.DB
	latches *latches.Latches
}

func NewStandAloneStorage(conf *config.Storage) *StandAloneStorage {
	return &StandAloneStorage{
		conf:    *conf,
		latches: latches.NewLatches(),
	}
}

func (s *StandAloneStorage) Start() error {
	db, err := engine_util.CreateDB(&s.conf)
	if err != nil {
		return err
	}
	s.db = db
	log.Info("badger storage started", zap.String("path", s.conf.DBPath))
	return nil
}

func (s *StandAloneStorage) Stop() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return errors.Trace(err)
}

func (s *StandAloneStorage) Features() storage.Features {
	return storage.Features{TxIsolation: true, Persistent: true}
}

func (s *StandAloneStorage) Reader() (storage.StorageReader, error) {
	return &badgerReader{txn: s.db.NewTransaction(false)}, nil
}

func (s *StandAloneStorage) Write(batch []storage.Modify) error {
	return toWriteBatch(batch).WriteToDB(s.db)
}

func (s *StandAloneStorage) CheckAndSet(cf string, key, expected []byte, batch []storage.Modify) error {
	wb := toWriteBatch(batch)
	return s.latches.Guard([][]byte{engine_util.KeyWithCF(cf, key)}, func() error {
		return s.db.Update(func(txn *badger.Txn) error {
			current, err := engine_util.GetCFFromTxn(txn, cf, key)
			if err != nil && err != badger.ErrKeyNotFound {
				return errors.Trace(err)
			}
			if err == badger.ErrKeyNotFound {
				current = nil
			}
			if !storage.MatchesExpected(current, expected) {
				return storage.ErrCASFailed
			}
			return wb.WriteToTxn(txn)
		})
	})
}

func toWriteBatch(batch []storage.Modify) *engine_util.WriteBatch {
	wb := new(engine_util.WriteBatch)
	for _, m := range batch {
		switch data := m.Data.(type) {
		case storage.Put:
			wb.SetCF(data.Cf, data.Key, data.Value)
		case storage.Delete:
			wb.DeleteCF(data.Cf, data.Key)
		}
	}
	return wb
}

type badgerReader struct {
	txn *badger.Txn
}

func (r *badgerReader) GetCF(cf string, key []byte) ([]byte, error) {
	val, err := engine_util.GetCFFromTxn(r.txn, cf, key)
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	return val, errors.Trace(err)
}

func (r *badgerReader) IterCF(cf string) engine_util.DBIterator {
	return engine_util.NewCFIterator(cf, r.txn)
}

func (r *badgerReader) Close() {
	r.txn.Discard()
}
