package graph

import (
	"github.com/pingcap-incubator/tinygraph/kv/config"
	"github.com/pingcap-incubator/tinygraph/kv/storage"
	"github.com/pingcap-incubator/tinygraph/kv/storage/leveldb_storage"
	"github.com/pingcap-incubator/tinygraph/kv/storage/standalone_storage"
	"github.com/pingcap/errors"
)

// NewStorage creates the engine configured by conf. It is not started.
func NewStorage(conf *config.Storage) (storage.Storage, error) {
	switch conf.Backend {
	case config.BackendMemory:
		return storage.NewMemStorage(), nil
	case config.BackendBadger:
		return standalone_storage.NewStandAloneStorage(conf), nil
	case config.BackendLevelDB:
		return leveldb_storage.NewLevelDBStorage(conf.DBPath, conf.SyncWrite), nil
	}
	return nil, errors.Errorf("unknown storage backend %q", conf.Backend)
}
