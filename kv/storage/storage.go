package storage

import (
	"bytes"

	"github.com/pingcap-incubator/tinygraph/kv/util/engine_util"
	"github.com/pingcap/errors"
)

// Storage is an ordered key/value engine partitioned into column families. It is the bottom layer of a graph: the
// key-column-value stores, the logs and the id counters are all mapped onto it.
type Storage interface {
	Start() error
	Stop() error
	// Write applies batch atomically.
	Write(batch []Modify) error
	// Reader returns a consistent snapshot of the engine.
	Reader() (StorageReader, error)
	// CheckAndSet applies batch atomically if the value of key in cf equals expected. A nil expected value requires
	// the key to be absent. ErrCASFailed is returned otherwise.
	CheckAndSet(cf string, key, expected []byte, batch []Modify) error
	Features() Features
}

// Features describes guarantees of a storage engine.
type Features struct {
	// TxIsolation is set when a multi-key batch is applied with snapshot isolation, so that a failed commit never
	// leaves a partial batch visible to readers.
	TxIsolation bool
	// Persistent engines keep their data across restarts.
	Persistent bool
}

type StorageReader interface {
	// GetCF returns nil without an error when key does not exist.
	GetCF(cf string, key []byte) ([]byte, error)
	IterCF(cf string) engine_util.DBIterator
	Close()
}

// ErrCASFailed is returned by CheckAndSet when the current value differs from the expected one.
var ErrCASFailed = errors.New("storage: check-and-set condition failed")

// MatchesExpected reports whether current satisfies the expectation of a check-and-set.
func MatchesExpected(current, expected []byte) bool {
	if expected == nil {
		return current == nil
	}
	return current != nil && bytes.Equal(current, expected)
}
