package kcvs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"
)

// Lock is the record stored in the lock column family while a transaction holds the lock on a store column.
type Lock struct {
	Owner []byte
	// Ts is the acquisition time in unix nanoseconds.
	Ts uint64
	// Ttl is the lifetime of the lock in milliseconds. Expired locks may be taken over.
	Ttl uint64
}

func (lock *Lock) ToBytes() []byte {
	buf := append([]byte{}, lock.Owner...)
	buf = append(buf, make([]byte, 16)...)
	binary.BigEndian.PutUint64(buf[len(lock.Owner):], lock.Ts)
	binary.BigEndian.PutUint64(buf[len(lock.Owner)+8:], lock.Ttl)
	return buf
}

// ParseLock attempts to parse a byte string into a Lock object.
func ParseLock(input []byte) (*Lock, error) {
	if len(input) <= 16 {
		return nil, fmt.Errorf("kcvs: error parsing lock, not enough input, found %d bytes", len(input))
	}
	ownerLen := len(input) - 16
	return &Lock{
		Owner: input[:ownerLen],
		Ts:    binary.BigEndian.Uint64(input[ownerLen:]),
		Ttl:   binary.BigEndian.Uint64(input[ownerLen+8:]),
	}, nil
}

// IsExpired reports whether the lock may be taken over at now.
func (lock *Lock) IsExpired(now time.Time) bool {
	expire := int64(lock.Ts) + int64(time.Duration(lock.Ttl)*time.Millisecond)
	return now.UnixNano() >= expire
}

func (lock *Lock) OwnedBy(owner []byte) bool {
	return bytes.Equal(lock.Owner, owner)
}
