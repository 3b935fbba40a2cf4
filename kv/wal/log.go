package wal

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/dgryski/go-farm"
	"github.com/pingcap-incubator/tinygraph/kv/config"
	"github.com/pingcap-incubator/tinygraph/kv/storage/kcvs"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrClosed is returned when a closed log is used.
var ErrClosed = errors.New("wal: log closed")

// Message is an entry of a log.
type Message struct {
	// Sender is the instance id of the writer.
	Sender    string
	Timestamp time.Time
	Content   []byte
}

// MessageReader is called for every message read from a log, in timestamp order per partition.
type MessageReader func(m *Message)

// ReadMarker selects where readers start.
type ReadMarker struct {
	start time.Time
}

// FromNow starts reading at the time of registration.
func FromNow() ReadMarker {
	return ReadMarker{}
}

// FromTime starts reading at t.
func FromTime(t time.Time) ReadMarker {
	return ReadMarker{start: t}
}

// Log is an append-only message log stored in a key-column-value store. Messages are spread over partitions by
// routing key and grouped into rows by time slice. Each column is the write timestamp, a sequence number and the
// sender.
type Log struct {
	name     string
	store    *kcvs.Store
	senderID string
	conf     config.TxLog
	now      func() time.Time

	seq    atomic.Uint64
	closed atomic.Bool

	mu      sync.Mutex
	readers []MessageReader
	stop    chan struct{}
	wg      sync.WaitGroup
}

func newLog(name string, store *kcvs.Store, senderID string, conf config.TxLog) *Log {
	if conf.Partitions <= 0 {
		conf.Partitions = 1
	}
	if conf.TimeSlice.Duration <= 0 {
		conf.TimeSlice = config.NewDuration(10 * time.Second)
	}
	return &Log{
		name:     name,
		store:    store,
		senderID: senderID,
		conf:     conf,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
}

func (l *Log) Name() string { return l.name }

func (l *Log) slice(ts int64) uint64 {
	return uint64(ts / int64(l.conf.TimeSlice.Duration))
}

func rowKey(partition uint32, slice uint64) []byte {
	key := make([]byte, 12)
	binary.BigEndian.PutUint32(key, partition)
	binary.BigEndian.PutUint64(key[4:], slice)
	return key
}

func column(ts int64, seq uint64, sender string) []byte {
	col := make([]byte, 16, 16+len(sender))
	binary.BigEndian.PutUint64(col, uint64(ts))
	binary.BigEndian.PutUint64(col[8:], seq)
	return append(col, sender...)
}

func timeBound(ts int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(ts))
	return b
}

// Add appends content to a partition picked round robin.
func (l *Log) Add(ctx context.Context, content []byte) error {
	return l.add(ctx, content, uint32(l.seq.Load()%uint64(l.conf.Partitions)))
}

// AddWithKey appends content to the partition of key, keeping messages of one key in order.
func (l *Log) AddWithKey(ctx context.Context, content, key []byte) error {
	return l.add(ctx, content, farm.Hash32(key)%uint32(l.conf.Partitions))
}

func (l *Log) add(ctx context.Context, content []byte, partition uint32) error {
	if l.closed.Load() {
		return ErrClosed
	}
	ts := l.now().UnixNano()
	seq := l.seq.Inc()
	e := kcvs.NewEntry(column(ts, seq, l.senderID), content)
	return errors.Annotatef(l.store.Mutate(ctx, rowKey(partition, l.slice(ts)), []kcvs.Entry{e}, nil, nil), "log %s", l.name)
}

// Prepare builds the mutation that appends content under routing key without writing it, so that callers can
// persist the message atomically with their own mutations.
func (l *Log) Prepare(content, key []byte) (store string, row []byte, e kcvs.Entry) {
	ts := l.now().UnixNano()
	seq := l.seq.Inc()
	row = rowKey(farm.Hash32(key)%uint32(l.conf.Partitions), l.slice(ts))
	return l.store.Name(), row, kcvs.NewEntry(column(ts, seq, l.senderID), content)
}

// Read returns the messages written in [from, to), ordered by timestamp within each partition.
func (l *Log) Read(ctx context.Context, from, to time.Time) ([]*Message, error) {
	var msgs []*Message
	for p := 0; p < l.conf.Partitions; p++ {
		part, err := l.readPartition(ctx, uint32(p), from.UnixNano(), to.UnixNano())
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, part...)
	}
	return msgs, nil
}

func (l *Log) readPartition(ctx context.Context, partition uint32, from, to int64) ([]*Message, error) {
	if to <= from {
		return nil, nil
	}
	var msgs []*Message
	q := kcvs.SliceQuery{Start: timeBound(from), End: timeBound(to)}
	for s := l.slice(from); s <= l.slice(to); s++ {
		entries, err := l.store.GetSlice(ctx, rowKey(partition, s), q)
		if err != nil {
			return nil, errors.Annotatef(err, "log %s", l.name)
		}
		for _, e := range entries {
			col := e.Column()
			if len(col) < 16 {
				log.Warn("skip malformed log column", zap.String("log", l.name), zap.Binary("column", col))
				continue
			}
			msgs = append(msgs, &Message{
				Sender:    string(col[16:]),
				Timestamp: time.Unix(0, int64(binary.BigEndian.Uint64(col))),
				Content:   append([]byte(nil), e.Value()...),
			})
		}
	}
	return msgs, nil
}

// RegisterReader delivers the messages written from marker on to readers. The first registration starts a
// polling goroutine that reads every partition once per read interval, lagging behind the clock by the read lag.
func (l *Log) RegisterReader(marker ReadMarker, readers ...MessageReader) error {
	if l.closed.Load() {
		return ErrClosed
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	first := len(l.readers) == 0
	l.readers = append(l.readers, readers...)
	if first && len(l.readers) > 0 {
		start := marker.start
		if start.IsZero() {
			start = l.now()
		}
		l.wg.Add(1)
		go l.poll(start.UnixNano())
	}
	return nil
}

func (l *Log) currentReaders() []MessageReader {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]MessageReader(nil), l.readers...)
}

func (l *Log) poll(from int64) {
	defer l.wg.Done()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-l.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	positions := make([]int64, l.conf.Partitions)
	for i := range positions {
		positions[i] = from
	}
	interval := l.conf.ReadInterval.Duration
	if interval <= 0 {
		interval = time.Second
	}
	limiter := rate.NewLimiter(rate.Every(interval), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		to := l.now().Add(-l.conf.ReadLag.Duration).UnixNano()
		readers := l.currentReaders()
		for p := range positions {
			msgs, err := l.readPartition(ctx, uint32(p), positions[p], to)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Error("read log failed", zap.String("log", l.name), zap.Int("partition", p), zap.Error(err))
				continue
			}
			for _, m := range msgs {
				for _, r := range readers {
					r(m)
				}
			}
			if to > positions[p] {
				positions[p] = to
			}
		}
	}
}

// Close stops the readers of the log. Further writes fail with ErrClosed.
func (l *Log) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	close(l.stop)
	l.wg.Wait()
	return nil
}
