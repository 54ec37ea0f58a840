package keylock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExclusiveLockSerializesWriters(t *testing.T) {
	tbl := NewTable()

	var counter int
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tbl.Lock("k")
			counter++
			tbl.Unlock("k")
		}()
	}
	wg.Wait()

	require.Equal(t, 50, counter)
	require.Equal(t, 1, tbl.Len())
}

func TestSharedLocksProceedConcurrently(t *testing.T) {
	tbl := NewTable()
	tbl.RLock("k")

	done := make(chan struct{})
	go func() {
		tbl.RLock("k")
		tbl.RUnlock("k")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second reader blocked by first")
	}
	tbl.RUnlock("k")
}

func TestDistinctKeysAreIndependent(t *testing.T) {
	tbl := NewTable()
	tbl.Lock("a")

	done := make(chan struct{})
	go func() {
		tbl.Lock("b")
		tbl.Unlock("b")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("writer on key b blocked by writer on key a")
	}
	tbl.Unlock("a")
}

func TestClear(t *testing.T) {
	tbl := NewTable()
	tbl.Lock("a")
	tbl.Unlock("a")
	tbl.Clear()
	require.Equal(t, 0, tbl.Len())
}
