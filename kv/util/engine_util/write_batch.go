package engine_util

import (
	"github.com/coocood/badger"
	"github.com/pingcap/errors"
)

// WriteBatch collects writes that are applied to badger in a single transaction. An entry with an empty value is a
// deletion.
type WriteBatch struct {
	entries []*badger.Entry
}

func (wb *WriteBatch) Len() int {
	return len(wb.entries)
}

func (wb *WriteBatch) SetCF(cf string, key, val []byte) {
	wb.entries = append(wb.entries, &badger.Entry{
		Key:   KeyWithCF(cf, key),
		Value: val,
	})
}

func (wb *WriteBatch) DeleteCF(cf string, key []byte) {
	wb.entries = append(wb.entries, &badger.Entry{
		Key: KeyWithCF(cf, key),
	})
}

// WriteToTxn applies the batch inside an open read-write transaction.
func (wb *WriteBatch) WriteToTxn(txn *badger.Txn) error {
	for _, entry := range wb.entries {
		var err error
		if len(entry.Value) == 0 {
			err = txn.Delete(entry.Key)
		} else {
			err = txn.SetEntry(entry)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (wb *WriteBatch) WriteToDB(db *badger.DB) error {
	if wb.Len() > 0 {
		err := db.Update(wb.WriteToTxn)
		if err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}
