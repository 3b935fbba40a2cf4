package latches

import (
	"sort"
	"sync"
)

// Latches serialize check-and-set operations of the storage engines. A check-and-set reads a key, compares it with
// an expected value and then writes a batch; latching the key for the whole sequence keeps two such operations on the
// same key from interleaving.
//
// A latch is a per-key lock. Latching is implemented using a single map which maps keys to a WaitGroup. Access to
// this map is guarded by a mutex so that latching several keys is atomic.
type Latches struct {
	// latchMap maps each latched key to a WaitGroup. Threads who find a key locked wait on that WaitGroup.
	latchMap map[string]*sync.WaitGroup
	// A thread must hold latchGuard while it makes any change to latchMap.
	latchGuard sync.Mutex
	// Validation is called with the latched keys once they are held, only used for testing.
	Validation func(keys [][]byte)
}

// NewLatches creates a new Latches object. There should only be one such object per storage engine.
func NewLatches() *Latches {
	l := new(Latches)
	l.latchMap = make(map[string]*sync.WaitGroup)
	return l
}

// AcquireLatches tries lock all latches specified by keys. If this succeeds, nil is returned. If any of the keys are
// locked, AcquireLatches returns a WaitGroup which the thread can use to be woken when the lock is free.
func (l *Latches) AcquireLatches(keysToLatch [][]byte) *sync.WaitGroup {
	l.latchGuard.Lock()
	defer l.latchGuard.Unlock()

	for _, key := range keysToLatch {
		if latchWg, ok := l.latchMap[string(key)]; ok {
			return latchWg
		}
	}

	wg := new(sync.WaitGroup)
	wg.Add(1)
	for _, key := range keysToLatch {
		l.latchMap[string(key)] = wg
	}

	return nil
}

// ReleaseLatches releases the latches for all keys in keysToUnlatch and wakes up any threads blocked on one of them.
// All keys in keysToUnlatch must have been locked together in one call to AcquireLatches.
func (l *Latches) ReleaseLatches(keysToUnlatch [][]byte) {
	l.latchGuard.Lock()
	defer l.latchGuard.Unlock()

	first := true
	for _, key := range keysToUnlatch {
		if first {
			if wg, ok := l.latchMap[string(key)]; ok {
				wg.Done()
			}
			first = false
		}
		delete(l.latchMap, string(key))
	}
}

// WaitForLatches locks all keys in keysToLatch, waiting for conflicting holders to release them first. It may block
// for an unbounded length of time.
func (l *Latches) WaitForLatches(keysToLatch [][]byte) {
	for {
		wg := l.AcquireLatches(keysToLatch)
		if wg == nil {
			l.validate(keysToLatch)
			return
		}
		wg.Wait()
	}
}

// Guard latches keys, runs f and releases the latches again.
func (l *Latches) Guard(keys [][]byte, f func() error) error {
	keys = dedup(keys)
	l.WaitForLatches(keys)
	defer l.ReleaseLatches(keys)
	return f()
}

func (l *Latches) validate(latched [][]byte) {
	if l.Validation != nil {
		l.Validation(latched)
	}
}

func dedup(keys [][]byte) [][]byte {
	if len(keys) < 2 {
		return keys
	}
	strs := make([]string, 0, len(keys))
	for _, k := range keys {
		strs = append(strs, string(k))
	}
	sort.Strings(strs)
	out := make([][]byte, 0, len(strs))
	for i, s := range strs {
		if i > 0 && s == strs[i-1] {
			continue
		}
		out = append(out, []byte(s))
	}
	return out
}
