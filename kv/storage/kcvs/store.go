package kcvs

import (
	"bytes"
	"context"
	"time"

	"github.com/pingcap-incubator/tinygraph/kv/util/codec"
	"github.com/pingcap/errors"
)

// Store is a named key-column-value store. Rows are identified by keys, and every row holds columns sorted in byte
// order.
type Store struct {
	name    string
	manager *Manager
}

func (s *Store) Name() string { return s.name }

// GetSlice returns the live entries of row key in q.
func (s *Store) GetSlice(ctx context.Context, key []byte, q SliceQuery) ([]Entry, error) {
	res, err := s.GetSlices(ctx, [][]byte{key}, q)
	if err != nil {
		return nil, err
	}
	return res[string(key)], nil
}

// GetSlices runs q against every row in keys.
func (s *Store) GetSlices(ctx context.Context, keys [][]byte, q SliceQuery) (map[string][]Entry, error) {
	r, err := s.manager.engine.Reader()
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer r.Close()
	now := s.manager.now().UnixNano()
	res := make(map[string][]Entry, len(keys))
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		row := codec.EncodeBytes(key)
		it := r.IterCF(s.name)
		var entries []Entry
		for it.Seek(physicalKey(row, q.Start)); it.Valid(); it.Next() {
			item := it.Item()
			k := item.Key()
			if !bytes.HasPrefix(k, row) {
				break
			}
			column := k[len(row):]
			if !q.contains(column) {
				break
			}
			raw, err := item.Value()
			if err != nil {
				it.Close()
				return nil, errors.Trace(err)
			}
			value, ts, expireAt, err := decodeValue(raw)
			if err != nil {
				it.Close()
				return nil, err
			}
			if expireAt != 0 && expireAt <= now {
				continue
			}
			e := NewEntry(column, value)
			e.Timestamp = ts
			if expireAt != 0 {
				e.TTL = time.Duration(expireAt - now)
			}
			entries = append(entries, e)
			if q.Limit > 0 && len(entries) >= q.Limit {
				break
			}
		}
		it.Close()
		res[string(key)] = entries
	}
	return res, nil
}

// GetKeys returns the row keys in [start, end) that have at least one live column in q, at most limit of them when
// limit is positive.
func (s *Store) GetKeys(ctx context.Context, start, end []byte, q SliceQuery, limit int) ([][]byte, error) {
	r, err := s.manager.engine.Reader()
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer r.Close()
	now := s.manager.now().UnixNano()
	it := r.IterCF(s.name)
	defer it.Close()
	var keys [][]byte
	var last []byte
	for it.Seek(codec.EncodeBytes(start)); it.Valid(); it.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		item := it.Item()
		column, key, err := codec.DecodeBytes(item.Key())
		if err != nil {
			return nil, errors.Annotatef(err, "kcvs: corrupted row key in %s", s.name)
		}
		if end != nil && bytes.Compare(key, end) >= 0 {
			break
		}
		if last != nil && bytes.Equal(key, last) || !q.contains(column) {
			continue
		}
		raw, err := item.Value()
		if err != nil {
			return nil, errors.Trace(err)
		}
		if _, _, expireAt, err := decodeValue(raw); err != nil || expireAt != 0 && expireAt <= now {
			continue
		}
		last = key
		keys = append(keys, key)
		if limit > 0 && len(keys) >= limit {
			break
		}
	}
	return keys, nil
}

// Mutate applies additions and deletions to row key immediately.
func (s *Store) Mutate(ctx context.Context, key []byte, additions []Entry, deletions [][]byte, txh *StoreTx) error {
	return s.manager.MutateMany(ctx, map[string]map[string]*Mutation{
		s.name: {string(key): {Additions: additions, Deletions: deletions}},
	}, txh)
}

// AcquireLock locks column of row key for txh. The lock is only valid if the column still holds expected when the
// transaction checks its locks; a nil expected value requires the column to be absent.
func (s *Store) AcquireLock(ctx context.Context, key, column, expected []byte, txh *StoreTx) error {
	return s.manager.acquireLock(ctx, s.name, key, column, expected, txh)
}
