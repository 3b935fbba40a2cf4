package engine_util

import (
	"io/ioutil"
	"os"
	"testing"

	"github.com/coocood/badger"
	"github.com/pingcap-incubator/tinygraph/kv/config"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) (*badger.DB, func()) {
	dir, err := ioutil.TempDir("", "engine_util")
	require.Nil(t, err)
	conf := config.DefaultConf.Storage
	conf.DBPath = dir
	conf.SyncWrite = false
	db, err := CreateDB(&conf)
	require.Nil(t, err)
	return db, func() {
		db.Close()
		os.RemoveAll(dir)
	}
}

func collect(t *testing.T, it DBIterator) []string {
	var kvs []string
	for ; it.Valid(); it.Next() {
		val, err := it.Item().Value()
		require.Nil(t, err)
		kvs = append(kvs, string(it.Item().Key())+"="+string(val))
	}
	return kvs
}

func TestEngineUtil(t *testing.T) {
	db, cleanup := openTestDB(t)
	defer cleanup()

	batch := new(WriteBatch)
	batch.SetCF(CfEdgeStore, []byte("a"), []byte("a1"))
	batch.SetCF(CfEdgeStore, []byte("b"), []byte("b1"))
	batch.SetCF(CfEdgeStore, []byte("c"), []byte("c1"))
	batch.SetCF(CfEdgeStore, []byte("d"), []byte("d1"))
	batch.SetCF(CfGraphIndex, []byte("a"), []byte("a2"))
	batch.SetCF(CfGraphIndex, []byte("b"), []byte("b2"))
	batch.SetCF(CfGraphIndex, []byte("d"), []byte("d2"))
	batch.SetCF(CfLock, []byte("a"), []byte("a3"))
	batch.SetCF(CfLock, []byte("c"), []byte("c3"))
	batch.SetCF(CfEdgeStore, []byte("e"), []byte("e1"))
	batch.DeleteCF(CfEdgeStore, []byte("e"))
	require.Equal(t, 11, batch.Len())
	require.Nil(t, batch.WriteToDB(db))

	txn := db.NewTransaction(false)
	defer txn.Discard()
	_, err := GetCFFromTxn(txn, CfEdgeStore, []byte("e"))
	require.Equal(t, badger.ErrKeyNotFound, err)
	val, err := GetCFFromTxn(txn, CfGraphIndex, []byte("b"))
	require.Nil(t, err)
	require.Equal(t, []byte("b2"), val)

	// A new iterator starts at the first key of its column family.
	it := NewCFIterator(CfGraphIndex, txn)
	require.Equal(t, []string{"a=a2", "b=b2", "d=d2"}, collect(t, it))
	it.Close()

	it = NewCFIterator(CfEdgeStore, txn)
	it.Seek([]byte("b"))
	require.Equal(t, []string{"b=b1", "c=c1", "d=d1"}, collect(t, it))
	it.Close()

	it = NewCFIterator(CfLock, txn)
	it.Seek([]byte("d"))
	require.False(t, it.Valid())
	it.Close()

	it = NewCFIterator(CfIDs, txn)
	require.False(t, it.Valid())
	it.Close()
}

func TestWriteBatchInTxn(t *testing.T) {
	db, cleanup := openTestDB(t)
	defer cleanup()

	require.Nil(t, new(WriteBatch).WriteToDB(db))
	first := new(WriteBatch)
	first.SetCF(CfSystem, []byte("k"), []byte("v"))
	require.Nil(t, first.WriteToDB(db))

	second := new(WriteBatch)
	second.DeleteCF(CfSystem, []byte("k"))
	second.SetCF(CfSystem, []byte("l"), []byte("w"))
	require.Nil(t, db.Update(second.WriteToTxn))

	txn := db.NewTransaction(false)
	defer txn.Discard()
	_, err := GetCFFromTxn(txn, CfSystem, []byte("k"))
	require.Equal(t, badger.ErrKeyNotFound, err)
	it := NewCFIterator(CfSystem, txn)
	require.Equal(t, []string{"l=w"}, collect(t, it))
	it.Close()
}
