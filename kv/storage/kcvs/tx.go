package kcvs

import (
	"context"
	"time"
)

// StoreTx is the storage side of a graph transaction. It owns the locks acquired through any store of its manager.
type StoreTx struct {
	ID []byte
	// CommitTime is used as the write timestamp of mutations when set.
	CommitTime time.Time

	manager *Manager
	start   time.Time
	locks   []lockClaim
}

func (t *StoreTx) StartTime() time.Time { return t.start }

// HasLocks reports whether the transaction acquired any lock.
func (t *StoreTx) HasLocks() bool { return len(t.locks) > 0 }

// CheckLocks verifies every acquired lock, see Store.AcquireLock.
func (t *StoreTx) CheckLocks(ctx context.Context) error {
	return t.manager.checkLocks(ctx, t)
}

// ReleaseLocks deletes the lock records of the transaction. Locks taken over by others are left alone.
func (t *StoreTx) ReleaseLocks() {
	t.manager.releaseLocks(t)
}

func (t *StoreTx) Commit() error {
	t.ReleaseLocks()
	return nil
}

func (t *StoreTx) Rollback() error {
	t.ReleaseLocks()
	return nil
}
