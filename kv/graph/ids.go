package graph

import (
	"encoding/binary"
	"sync"

	"github.com/pingcap-incubator/tinygraph/kv/storage"
	"github.com/pingcap-incubator/tinygraph/kv/util/engine_util"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Id pools.
const (
	// ElementIDs numbers vertices and schema elements, which share the vertex rows of the edge store.
	ElementIDs = "element"
	// RelationIDs numbers edges and properties.
	RelationIDs = "relation"
	// TransactionIDs numbers transactions, which are keyed by id in the transaction log.
	TransactionIDs = "transaction"
)

// IDPool hands out unique ids. Blocks of ids are reserved in the engine with check-and-set, so instances sharing an
// engine never hand out the same id.
type IDPool struct {
	engine    storage.Storage
	key       []byte
	first     uint64
	blockSize uint64

	mu    sync.Mutex
	next  uint64
	limit uint64
}

func NewIDPool(engine storage.Storage, name string, first, blockSize uint64) *IDPool {
	return &IDPool{engine: engine, key: []byte(name), first: first, blockSize: blockSize}
}

func (p *IDPool) Next() (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.next == p.limit {
		if err := p.reserve(); err != nil {
			return 0, err
		}
	}
	id := p.next
	p.next++
	return id, nil
}

func (p *IDPool) reserve() error {
	for {
		current, err := p.current()
		if err != nil {
			return err
		}
		start := p.first
		var expected []byte
		if current != nil {
			if len(current) != 8 {
				return errors.Errorf("corrupted id block %q: %x", p.key, current)
			}
			start = binary.BigEndian.Uint64(current)
			expected = current
		}
		limit := make([]byte, 8)
		binary.BigEndian.PutUint64(limit, start+p.blockSize)
		err = p.engine.CheckAndSet(engine_util.CfIDs, p.key, expected, []storage.Modify{storage.NewPut(engine_util.CfIDs, p.key, limit)})
		if errors.Cause(err) == storage.ErrCASFailed {
			continue
		}
		if err != nil {
			return errors.Trace(err)
		}
		p.next, p.limit = start, start+p.blockSize
		log.Debug("reserved id block", zap.ByteString("pool", p.key), zap.Uint64("start", start), zap.Uint64("limit", p.limit))
		return nil
	}
}

func (p *IDPool) current() ([]byte, error) {
	r, err := p.engine.Reader()
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer r.Close()
	v, err := r.GetCF(engine_util.CfIDs, p.key)
	return v, errors.Trace(err)
}
