package transaction

import (
	"fmt"
)

// State of a commit.
type State int

const (
	StatePreparing State = iota
	StateLocking
	StatePrimaryPersisting
	StateSecondaryPersisting
	StateDone
	StateAborted
)

func (s State) String() string {
	switch s {
	case StatePreparing:
		return "PREPARING"
	case StateLocking:
		return "LOCKING"
	case StatePrimaryPersisting:
		return "PRIMARY_PERSISTING"
	case StateSecondaryPersisting:
		return "SECONDARY_PERSISTING"
	case StateDone:
		return "DONE"
	case StateAborted:
		return "ABORTED"
	}
	return fmt.Sprintf("State(%d)", s)
}

// IsTerminal reports whether no transition leaves the state.
func (s State) IsTerminal() bool {
	return s == StateDone || s == StateAborted
}

type EventKind byte

const (
	EventTransition EventKind = iota
	EventLock
)

// Event is an entry of a commit trace.
type Event struct {
	Kind  EventKind
	State State
	// Lock events name the locked store, row key and column.
	Store    string
	Key      []byte
	Column   []byte
	Deletion bool
}

func (e Event) String() string {
	if e.Kind == EventTransition {
		return "-> " + e.State.String()
	}
	op := "add"
	if e.Deletion {
		op = "delete"
	}
	return fmt.Sprintf("lock %s %s key=%x column=%x", op, e.Store, e.Key, e.Column)
}

// Trace records the transitions and lock acquisitions of one commit in order.
type Trace struct {
	state  State
	events []Event
}

func newTrace() *Trace {
	t := &Trace{state: StatePreparing}
	t.events = append(t.events, Event{Kind: EventTransition, State: StatePreparing})
	return t
}

func (t *Trace) State() State {
	return t.state
}

func (t *Trace) transition(s State) {
	if t.state.IsTerminal() {
		panic(fmt.Sprintf("commit already %s, cannot move to %s", t.state, s))
	}
	t.state = s
	t.events = append(t.events, Event{Kind: EventTransition, State: s})
}

func (t *Trace) lock(store string, key, column []byte, deletion bool) {
	t.events = append(t.events, Event{Kind: EventLock, State: t.state, Store: store, Key: key, Column: column, Deletion: deletion})
}

func (t *Trace) Events() []Event {
	return t.events
}

// States returns the states the commit went through.
func (t *Trace) States() []State {
	var states []State
	for _, e := range t.events {
		if e.Kind == EventTransition {
			states = append(states, e.State)
		}
	}
	return states
}

// Locks returns the lock events in acquisition order.
func (t *Trace) Locks() []Event {
	var locks []Event
	for _, e := range t.events {
		if e.Kind == EventLock {
			locks = append(locks, e)
		}
	}
	return locks
}
