package kvstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInmemGetSetDelete(t *testing.T) {
	ctx := context.Background()
	s := NewInmem()

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Nil(t, got)

	require.NoError(t, s.Set(ctx, "k", []byte("v")))
	got, err = s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("v"), got)

	require.NoError(t, s.Delete(ctx, "k", "missing"))
	got, err = s.Get(ctx, "k")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestInmemGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := NewInmem()
	require.NoError(t, s.Set(ctx, "k", []byte{1, 2}))

	got, _ := s.Get(ctx, "k")
	got[0] = 9

	again, _ := s.Get(ctx, "k")
	require.Equal(t, []byte{1, 2}, again)
}

func TestInmemSets(t *testing.T) {
	ctx := context.Background()
	s := NewInmem()

	require.NoError(t, s.SetAdd(ctx, "reg", "a"))
	require.NoError(t, s.SetAdd(ctx, "reg", "b"))
	require.NoError(t, s.SetAdd(ctx, "reg", "a"))

	ok, err := s.SetIsMember(ctx, "reg", "a")
	require.NoError(t, err)
	require.True(t, ok)

	members, err := s.SetMembers(ctx, "reg")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b"}, members)

	require.NoError(t, s.SetRemove(ctx, "reg", "a"))
	ok, err = s.SetIsMember(ctx, "reg", "a")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestInmemScanKeys(t *testing.T) {
	ctx := context.Background()
	s := NewInmem()
	require.NoError(t, s.Set(ctx, "e4s:index:m:day:1:0", nil))
	require.NoError(t, s.Set(ctx, "e4s:index:m:day:1:1", nil))
	require.NoError(t, s.Set(ctx, "e4s:index:other:day:1:0", nil))

	keys, err := s.ScanKeys(ctx, "e4s:index:m:")
	require.NoError(t, err)
	require.ElementsMatch(t,
		[]string{"e4s:index:m:day:1:0", "e4s:index:m:day:1:1"}, keys)
}
