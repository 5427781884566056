package decision

import (
	"testing"

	blocks "github.com/ipfs/go-block-format"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/stretchr/testify/require"

	"github.com/vijayee/go-bitswap/wantlist"
)

func mustCid(t *testing.T, data string) blocks.Block {
	t.Helper()
	return blocks.NewBlock([]byte(data))
}

func TestDebtRatio(t *testing.T) {
	l := newLedger(peer.ID("p1"))
	require.Equal(t, float64(0), l.DebtRatio())

	l.addBytesSent(100)
	require.Equal(t, float64(100), l.DebtRatio())

	l.addBytesRecv(99)
	require.InDelta(t, 1.0, l.DebtRatio(), 0.0001)
}

func TestReplaceWantlistThenApplyDelta(t *testing.T) {
	l := newLedger(peer.ID("p1"))
	a := mustCid(t, "a").Cid()
	b := mustCid(t, "b").Cid()

	l.ReplaceWantlist([]wantlist.Entry{
		{Cid: a, Priority: 1, WantType: wantlist.WantBlock},
		{Cid: b, Priority: 2, WantType: wantlist.WantBlock},
	})
	require.True(t, l.WantlistContains(a))
	require.True(t, l.WantlistContains(b))

	l.ApplyDelta(a, 0, wantlist.WantBlock, true)
	require.False(t, l.WantlistContains(a))
	require.True(t, l.WantlistContains(b))
}

func TestWantlistOrderedByPriority(t *testing.T) {
	l := newLedger(peer.ID("p1"))
	a := mustCid(t, "a").Cid()
	b := mustCid(t, "b").Cid()
	c := mustCid(t, "c").Cid()

	l.ApplyDelta(a, 1, wantlist.WantBlock, false)
	l.ApplyDelta(b, 5, wantlist.WantBlock, false)
	l.ApplyDelta(c, 3, wantlist.WantBlock, false)

	entries := l.Wantlist()
	require.Len(t, entries, 3)
	require.Equal(t, b, entries[0].Cid)
	require.Equal(t, c, entries[1].Cid)
	require.Equal(t, a, entries[2].Cid)
}

func TestRemoveWant(t *testing.T) {
	l := newLedger(peer.ID("p1"))
	a := mustCid(t, "a").Cid()
	l.ApplyDelta(a, 1, wantlist.WantBlock, false)
	require.True(t, l.WantlistContains(a))
	l.RemoveWant(a)
	require.False(t, l.WantlistContains(a))
}
