package txlog

import (
	"fmt"
	"sort"
	"time"

	"github.com/pingcap-incubator/tinygraph/kv/storage/kcvs"
	"github.com/pingcap-incubator/tinygraph/kv/util/codec"
	"github.com/pingcap/errors"
)

// Status of a transaction as recorded in the transaction log.
type Status byte

const (
	// StatusPreCommit is written before anything is persisted and carries the modifications.
	StatusPreCommit Status = iota + 1
	// StatusPrimarySuccess is persisted together with the primary storage when secondary effects remain.
	StatusPrimarySuccess
	// StatusCompleteSuccess is persisted together with the primary storage when nothing else remains to be done.
	StatusCompleteSuccess
	StatusSecondarySuccess
	StatusSecondaryFailure
	// StatusUserLog marks the change set of a transaction written to a user log.
	StatusUserLog
)

func (s Status) String() string {
	switch s {
	case StatusPreCommit:
		return "PRECOMMIT"
	case StatusPrimarySuccess:
		return "PRIMARY_SUCCESS"
	case StatusCompleteSuccess:
		return "COMPLETE_SUCCESS"
	case StatusSecondarySuccess:
		return "SECONDARY_SUCCESS"
	case StatusSecondaryFailure:
		return "SECONDARY_FAILURE"
	case StatusUserLog:
		return "USER_LOG"
	}
	return fmt.Sprintf("Status(%d)", s)
}

// IsPrimarySuccess reports whether the primary storage of the transaction was persisted.
func (s Status) IsPrimarySuccess() bool {
	return s == StatusPrimarySuccess || s == StatusCompleteSuccess
}

// Modification is a relation change recorded by a PRECOMMIT record, as the entry of its first vertex.
type Modification struct {
	Deleted  bool
	VertexID uint64
	Entry    kcvs.Entry
}

// Entry is one record of the transaction log.
type Entry struct {
	TxID      uint64
	Timestamp time.Time
	Status    Status
	Meta      map[string]string
	// Modifications is only set for PRECOMMIT and USER_LOG records.
	Modifications []Modification
	// FailedIndexes names the backing indexes that failed, only set for SECONDARY_FAILURE records.
	FailedIndexes []string
	UserLogFailed bool
}

// Key is the routing key of the records of a transaction, keeping them in one log partition.
func Key(txID uint64) []byte {
	return codec.AppendPositive(nil, txID)
}

func appendString(b []byte, s string) []byte {
	b = codec.AppendPositive(b, uint64(len(s)))
	return append(b, s...)
}

func readString(r *codec.ReadBuffer) (string, error) {
	n, err := r.ReadPositive()
	if err != nil {
		return "", err
	}
	raw, err := r.ReadN(int(n))
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// Marshal encodes the record as timestamp, transaction id and status followed by the status specific body.
func (e *Entry) Marshal() []byte {
	b := codec.AppendInt64(nil, e.Timestamp.UnixNano())
	b = codec.AppendPositive(b, e.TxID)
	b = append(b, byte(e.Status))

	keys := make([]string, 0, len(e.Meta))
	for k := range e.Meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	b = codec.AppendPositive(b, uint64(len(keys)))
	for _, k := range keys {
		b = appendString(b, k)
		b = appendString(b, e.Meta[k])
	}

	switch e.Status {
	case StatusPreCommit, StatusUserLog:
		b = codec.AppendPositive(b, uint64(len(e.Modifications)))
		for _, m := range e.Modifications {
			if m.Deleted {
				b = append(b, 1)
			} else {
				b = append(b, 0)
			}
			b = codec.AppendPositive(b, m.VertexID)
			b = codec.AppendPositive(b, uint64(m.Entry.ValuePos))
			b = codec.AppendPositive(b, uint64(len(m.Entry.Data)))
			b = append(b, m.Entry.Data...)
		}
	case StatusSecondaryFailure:
		b = codec.AppendPositive(b, uint64(len(e.FailedIndexes)))
		for _, name := range e.FailedIndexes {
			b = appendString(b, name)
		}
		if e.UserLogFailed {
			b = append(b, 1)
		} else {
			b = append(b, 0)
		}
	}
	return b
}

// Unmarshal decodes a record written by Marshal.
func Unmarshal(data []byte) (*Entry, error) {
	e, err := unmarshal(codec.NewReadBuffer(data))
	if err != nil {
		return nil, errors.Annotate(err, "txlog: malformed record")
	}
	return e, nil
}

func unmarshal(r *codec.ReadBuffer) (*Entry, error) {
	ts, err := r.ReadInt64()
	if err != nil {
		return nil, err
	}
	e := &Entry{Timestamp: time.Unix(0, ts)}
	if e.TxID, err = r.ReadPositive(); err != nil {
		return nil, err
	}
	status, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	e.Status = Status(status)
	if e.Status < StatusPreCommit || e.Status > StatusUserLog {
		return nil, errors.Errorf("unknown status %d", status)
	}

	n, err := r.ReadPositive()
	if err != nil {
		return nil, err
	}
	if n > 0 {
		e.Meta = make(map[string]string, n)
	}
	for i := uint64(0); i < n; i++ {
		k, err := readString(r)
		if err != nil {
			return nil, err
		}
		if e.Meta[k], err = readString(r); err != nil {
			return nil, err
		}
	}

	switch e.Status {
	case StatusPreCommit, StatusUserLog:
		if n, err = r.ReadPositive(); err != nil {
			return nil, err
		}
		for i := uint64(0); i < n; i++ {
			var m Modification
			deleted, err := r.ReadByte()
			if err != nil {
				return nil, err
			}
			m.Deleted = deleted == 1
			if m.VertexID, err = r.ReadPositive(); err != nil {
				return nil, err
			}
			pos, err := r.ReadPositive()
			if err != nil {
				return nil, err
			}
			size, err := r.ReadPositive()
			if err != nil {
				return nil, err
			}
			data, err := r.ReadN(int(size))
			if err != nil {
				return nil, err
			}
			if pos > size {
				return nil, errors.Errorf("value position %d beyond entry of %d bytes", pos, size)
			}
			m.Entry = kcvs.Entry{Data: append([]byte(nil), data...), ValuePos: int(pos)}
			e.Modifications = append(e.Modifications, m)
		}
	case StatusSecondaryFailure:
		if n, err = r.ReadPositive(); err != nil {
			return nil, err
		}
		for i := uint64(0); i < n; i++ {
			name, err := readString(r)
			if err != nil {
				return nil, err
			}
			e.FailedIndexes = append(e.FailedIndexes, name)
		}
		flag, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		e.UserLogFailed = flag == 1
	}
	if r.HasRemaining() {
		return nil, errors.Errorf("%d trailing bytes", r.Len()-r.Pos())
	}
	return e, nil
}
