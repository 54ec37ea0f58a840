package cache

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/e4s-data/timeindex/bitset"
)

func newSet(vs ...uint32) *bitset.Set {
	s := bitset.New()
	s.AddAll(vs)
	return s
}

func TestPutGetRemove(t *testing.T) {
	c := NewOrdered(10)

	c.Put("a", newSet(1))
	got, ok := c.Get("a")
	require.True(t, ok)
	require.True(t, got.Contains(1))
	require.True(t, c.Contains("a"))
	require.Equal(t, 1, c.Len())

	c.Remove("a")
	require.False(t, c.Contains("a"))
	require.Equal(t, 0, c.Len())
}

func TestCapacityNeverExceeded(t *testing.T) {
	c := NewOrdered(3)
	for i := 0; i < 10; i++ {
		c.Put(fmt.Sprintf("k%d", i), newSet(uint32(i)))
		require.LessOrEqual(t, c.Len(), 3)
	}
	require.Equal(t, 3, c.Len())
}

func TestEvictsOldestInsertionFirst(t *testing.T) {
	c := NewOrdered(2)
	var evicted []string
	c.OnEvict = func(key string, _ *bitset.Set) {
		evicted = append(evicted, key)
	}

	c.Put("a", newSet(1))
	c.Put("b", newSet(2))
	_, _ = c.Get("a") // reads must not reorder eviction
	c.Put("c", newSet(3))

	require.Equal(t, []string{"a"}, evicted)
	require.False(t, c.Contains("a"))
	require.True(t, c.Contains("b"))
	require.True(t, c.Contains("c"))
}

func TestReplaceKeepsPositionAndCapacity(t *testing.T) {
	c := NewOrdered(2)
	c.Put("a", newSet(1))
	c.Put("b", newSet(2))
	c.Put("a", newSet(3))

	require.Equal(t, 2, c.Len())
	got, ok := c.Get("a")
	require.True(t, ok)
	require.True(t, got.Contains(3))

	var evicted []string
	c.OnEvict = func(key string, _ *bitset.Set) {
		evicted = append(evicted, key)
	}
	c.Put("c", newSet(4))
	require.Equal(t, []string{"a"}, evicted)
}

func TestRangeInsertionOrder(t *testing.T) {
	c := NewOrdered(5)
	c.Put("a", newSet(1))
	c.Put("b", newSet(2))
	c.Put("c", newSet(3))

	var keys []string
	c.Range(func(key string, _ *bitset.Set) bool {
		keys = append(keys, key)
		return true
	})
	require.Equal(t, []string{"a", "b", "c"}, keys)
}

func TestClearSkipsEvictionCallback(t *testing.T) {
	c := NewOrdered(2)
	fired := false
	c.OnEvict = func(string, *bitset.Set) { fired = true }

	c.Put("a", newSet(1))
	c.Clear()

	require.False(t, fired)
	require.Equal(t, 0, c.Len())
}
