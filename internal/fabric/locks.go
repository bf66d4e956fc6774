package fabric

import (
	"sync"
	"time"
)

// LockRecord marks one slot address exempt from TTL-driven eviction.
type LockRecord struct {
	LockedAt time.Time `json:"locked_at"`
	LockedBy string    `json:"locked_by"`
	Reason   string    `json:"reason,omitempty"`
}

// lockTable is the locked-slot registry, keyed by slot address. It has its
// own lock and never reaches into other components.
type lockTable struct {
	mu    sync.RWMutex
	locks map[string]LockRecord
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]LockRecord)}
}

// lock records a lock. Returns false if the address is already locked.
func (t *lockTable) lock(address, by, reason string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, held := t.locks[address]; held {
		return false
	}
	t.locks[address] = LockRecord{LockedAt: time.Now().UTC(), LockedBy: by, Reason: reason}
	return true
}

// restore installs a persisted lock record verbatim.
func (t *lockTable) restore(address string, rec LockRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.locks[address] = rec
}

func (t *lockTable) unlock(address string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, held := t.locks[address]; !held {
		return false
	}
	delete(t.locks, address)
	return true
}

func (t *lockTable) isLocked(address string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, held := t.locks[address]
	return held
}

// all returns a copy of the table.
func (t *lockTable) all() map[string]LockRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]LockRecord, len(t.locks))
	for k, v := range t.locks {
		out[k] = v
	}
	return out
}
