package storage

import (
	"testing"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, r StorageReader, cf string, start []byte) []string {
	it := r.IterCF(cf)
	defer it.Close()
	var keys []string
	for it.Seek(start); it.Valid(); it.Next() {
		keys = append(keys, string(it.Item().Key()))
	}
	return keys
}

func TestMemStorageWriteRead(t *testing.T) {
	s := NewMemStorage()
	require.Nil(t, s.Start())
	defer s.Stop()

	err := s.Write([]Modify{
		NewPut("edgestore", []byte("b"), []byte("2")),
		NewPut("edgestore", []byte("a"), []byte("1")),
		NewPut("edgestore", []byte("c"), []byte("3")),
		NewPut("graphindex", []byte("a"), []byte("x")),
		NewDelete("edgestore", []byte("c")),
	})
	require.Nil(t, err)
	assert.Equal(t, 2, s.Len("edgestore"))

	r, err := s.Reader()
	require.Nil(t, err)
	defer r.Close()
	val, err := r.GetCF("edgestore", []byte("b"))
	require.Nil(t, err)
	assert.Equal(t, []byte("2"), val)
	val, err = r.GetCF("edgestore", []byte("c"))
	require.Nil(t, err)
	assert.Nil(t, val)
	val, err = r.GetCF("missing", []byte("a"))
	require.Nil(t, err)
	assert.Nil(t, val)

	assert.Equal(t, []string{"a", "b"}, collect(t, r, "edgestore", nil))
	assert.Equal(t, []string{"b"}, collect(t, r, "edgestore", []byte("ab")))
	assert.Nil(t, collect(t, r, "missing", nil))
}

func TestMemStorageSnapshot(t *testing.T) {
	s := NewMemStorage()
	require.Nil(t, s.Write([]Modify{NewPut("edgestore", []byte("a"), []byte("1"))}))
	r, err := s.Reader()
	require.Nil(t, err)
	require.Nil(t, s.Write([]Modify{
		NewPut("edgestore", []byte("b"), []byte("2")),
		NewDelete("edgestore", []byte("a")),
	}))
	assert.Equal(t, []string{"a"}, collect(t, r, "edgestore", nil))
	r.Close()

	r, err = s.Reader()
	require.Nil(t, err)
	assert.Equal(t, []string{"b"}, collect(t, r, "edgestore", nil))
	r.Close()
}

func TestMemStorageCheckAndSet(t *testing.T) {
	s := NewMemStorage()
	put := []Modify{NewPut("lock", []byte("k"), []byte("v1"))}
	require.Nil(t, s.CheckAndSet("lock", []byte("k"), nil, put))
	err := s.CheckAndSet("lock", []byte("k"), nil, put)
	assert.Equal(t, ErrCASFailed, errors.Cause(err))

	err = s.CheckAndSet("lock", []byte("k"), []byte("v0"), []Modify{NewDelete("lock", []byte("k"))})
	assert.Equal(t, ErrCASFailed, errors.Cause(err))
	require.Nil(t, s.CheckAndSet("lock", []byte("k"), []byte("v1"), []Modify{NewDelete("lock", []byte("k"))}))
	assert.Equal(t, 0, s.Len("lock"))
	assert.False(t, s.Features().TxIsolation)
}
