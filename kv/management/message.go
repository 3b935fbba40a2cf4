package management

import (
	"fmt"

	"github.com/pingcap-incubator/tinygraph/kv/util/codec"
	"github.com/pingcap/errors"
)

// MessageType tags every message of the management log.
type MessageType byte

const (
	MessageEviction MessageType = iota + 1
	MessageEvictionAck
)

func (t MessageType) String() string {
	switch t {
	case MessageEviction:
		return "CACHED_TYPE_EVICTION"
	case MessageEvictionAck:
		return "CACHED_TYPE_EVICTION_ACK"
	}
	return fmt.Sprintf("MessageType(%d)", t)
}

// Action is what a receiver does beyond expiring the named types.
type Action byte

const (
	// ActionExpire only expires the types from the caches.
	ActionExpire Action = iota
	// ActionEvictGraph also closes the graph once its open transactions are done.
	ActionEvictGraph
)

var ErrMalformedMessage = errors.New("management: malformed message")

// Eviction asks every instance to drop schema types from its caches.
type Eviction struct {
	ID      uint64
	TypeIDs []uint64
	Action  Action
}

func (e *Eviction) Marshal() []byte {
	b := []byte{byte(MessageEviction)}
	b = codec.AppendPositive(b, e.ID)
	b = codec.AppendPositive(b, uint64(len(e.TypeIDs)))
	for _, id := range e.TypeIDs {
		b = codec.AppendPositive(b, id)
	}
	return append(b, byte(e.Action))
}

// Ack acknowledges eviction EvictionID to the instance OriginID that sent it.
type Ack struct {
	OriginID   string
	EvictionID uint64
}

func (a *Ack) Marshal() []byte {
	b := []byte{byte(MessageEvictionAck)}
	b = codec.AppendBytes(b, []byte(a.OriginID))
	return codec.AppendPositive(b, a.EvictionID)
}

// Unmarshal decodes a management log message into an *Eviction or an *Ack.
func Unmarshal(data []byte) (interface{}, error) {
	if len(data) == 0 {
		return nil, errors.Annotate(ErrMalformedMessage, "empty")
	}
	r := codec.NewReadBuffer(data[1:])
	var (
		msg interface{}
		err error
	)
	switch MessageType(data[0]) {
	case MessageEviction:
		msg, err = readEviction(r)
	case MessageEvictionAck:
		msg, err = readAck(r)
	default:
		return nil, errors.Annotatef(ErrMalformedMessage, "unknown type %d", data[0])
	}
	if err != nil {
		return nil, errors.Annotate(ErrMalformedMessage, err.Error())
	}
	if r.HasRemaining() {
		return nil, errors.Annotate(ErrMalformedMessage, "trailing bytes")
	}
	return msg, nil
}

func readEviction(r *codec.ReadBuffer) (*Eviction, error) {
	e := &Eviction{}
	var err error
	if e.ID, err = r.ReadPositive(); err != nil {
		return nil, err
	}
	n, err := r.ReadPositive()
	if err != nil {
		return nil, err
	}
	if n > uint64(len(r.Rest())) {
		return nil, errors.Errorf("%d type ids in %d bytes", n, len(r.Rest()))
	}
	e.TypeIDs = make([]uint64, n)
	for i := range e.TypeIDs {
		if e.TypeIDs[i], err = r.ReadPositive(); err != nil {
			return nil, err
		}
	}
	action, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if Action(action) > ActionEvictGraph {
		return nil, errors.Errorf("unknown action %d", action)
	}
	e.Action = Action(action)
	return e, nil
}

func readAck(r *codec.ReadBuffer) (*Ack, error) {
	origin, err := r.ReadBytes()
	if err != nil {
		return nil, err
	}
	id, err := r.ReadPositive()
	if err != nil {
		return nil, err
	}
	return &Ack{OriginID: string(origin), EvictionID: id}, nil
}
