// Package keylock provides read-write locks keyed by string. Locks are
// created lazily on first use; distinct keys are fully independent.
package keylock

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

// Table maps keys to read-write locks. The zero value is not usable; call
// NewTable.
type Table struct {
	locks *xsync.MapOf[string, *sync.RWMutex]
}

// NewTable returns an empty lock table.
func NewTable() *Table {
	return &Table{locks: xsync.NewMapOf[string, *sync.RWMutex]()}
}

func (t *Table) get(key string) *sync.RWMutex {
	mu, _ := t.locks.LoadOrCompute(key, func() *sync.RWMutex {
		return &sync.RWMutex{}
	})
	return mu
}

// Lock acquires the exclusive lock for key.
func (t *Table) Lock(key string) {
	t.get(key).Lock()
}

// Unlock releases the exclusive lock for key.
func (t *Table) Unlock(key string) {
	t.get(key).Unlock()
}

// RLock acquires the shared lock for key.
func (t *Table) RLock(key string) {
	t.get(key).RLock()
}

// RUnlock releases the shared lock for key.
func (t *Table) RUnlock(key string) {
	t.get(key).RUnlock()
}

// Len returns the number of keys with a materialized lock.
func (t *Table) Len() int {
	return t.locks.Size()
}

// Clear drops every lock. Callers must ensure no lock is held.
func (t *Table) Clear() {
	t.locks.Clear()
}
