package engine_util

import (
	"os"

	"github.com/coocood/badger"
	"github.com/pingcap-incubator/tinygraph/kv/config"
	"github.com/pingcap/errors"
)

// CreateDB opens the badger database of a graph at conf.DBPath, creating the directory if needed.
func CreateDB(conf *config.Storage) (*badger.DB, error) {
	opts := badger.DefaultOptions
	opts.NumCompactors = conf.NumCompactors
	opts.ValueThreshold = conf.ValueThreshold
	opts.Dir = conf.DBPath
	opts.ValueDir = opts.Dir
	opts.ValueLogFileSize = int64(conf.VlogFileSize)
	opts.MaxTableSize = int64(conf.MaxTableSize)
	opts.SyncWrites = conf.SyncWrite
	if err := os.MkdirAll(opts.Dir, os.ModePerm); err != nil {
		return nil, errors.Trace(err)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return db, nil
}
