package engine_util

import (
	"github.com/coocood/badger"
)

// Column families of a graph. Every store of the key-column-value layer lives in its own column family, named
// after the store.
const (
	CfEdgeStore  = "edgestore"
	CfGraphIndex = "graphindex"
	CfSystem     = "system_properties"
	CfTxLog      = "txlog"
	CfSystemLog  = "systemlog"
	CfIDs        = "ids"
	// CfLock holds the lock records of every store.
	CfLock = "lock"
)

var CFs = [...]string{CfEdgeStore, CfGraphIndex, CfSystem, CfTxLog, CfSystemLog, CfIDs, CfLock}

// UserLogCF returns the column family of the user log called name.
func UserLogCF(name string) string {
	return "ulog-" + name
}

func KeyWithCF(cf string, key []byte) []byte {
	return append([]byte(cf+"_"), key...)
}

func GetCFFromTxn(txn *badger.Txn, cf string, key []byte) (val []byte, err error) {
	item, err := txn.Get(KeyWithCF(cf, key))
	if err != nil {
		return nil, err
	}
	val, err = item.ValueCopy(val)
	return
}
