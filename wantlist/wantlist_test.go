package wantlist

import (
	"testing"

	blocks "github.com/ipfs/go-block-format"
	"github.com/stretchr/testify/require"
)

func TestAddRemoveRefcount(t *testing.T) {
	w := New()
	c := blocks.NewBlock([]byte("hello")).Cid()

	require.True(t, w.Add(c, 1, WantBlock), "first add is net-new")
	require.False(t, w.Add(c, 1, WantBlock), "second add only bumps refcount")

	e, ok := w.Contains(c)
	require.True(t, ok)
	require.Equal(t, 2, e.RefCnt)

	require.False(t, w.Remove(c), "refcount 2 -> 1, still present")
	_, ok = w.Contains(c)
	require.True(t, ok)

	require.True(t, w.Remove(c), "refcount 1 -> 0, deleted")
	_, ok = w.Contains(c)
	require.False(t, ok)
}

func TestRemoveForce(t *testing.T) {
	w := New()
	c := blocks.NewBlock([]byte("x")).Cid()
	w.Add(c, 1, WantBlock)
	w.Add(c, 1, WantBlock)
	require.True(t, w.RemoveForce(c))
	_, ok := w.Contains(c)
	require.False(t, ok)
}

func TestSortedEntriesDeterministic(t *testing.T) {
	w1, w2 := New(), New()
	data := []string{"alpha", "bravo", "charlie", "delta"}
	for _, d := range data {
		c := blocks.NewBlock([]byte(d)).Cid()
		w1.Add(c, 1, WantBlock)
	}
	// insert into w2 in reverse order
	for i := len(data) - 1; i >= 0; i-- {
		c := blocks.NewBlock([]byte(data[i])).Cid()
		w2.Add(c, 1, WantBlock)
	}

	s1 := w1.SortedEntries()
	s2 := w2.SortedEntries()
	require.Len(t, s1, len(data))
	require.Len(t, s2, len(data))
	for i := range s1 {
		require.True(t, s1[i].Cid.Equals(s2[i].Cid), "same order regardless of insertion order")
	}
}

func TestThreadSafeWrapsWantlist(t *testing.T) {
	w := NewThreadSafe()
	c := blocks.NewBlock([]byte("y")).Cid()
	require.True(t, w.Add(c, 5, WantHave))
	require.Equal(t, 1, w.Len())
	e, ok := w.Contains(c)
	require.True(t, ok)
	require.Equal(t, WantHave, e.WantType)
}
