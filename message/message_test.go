package message

import (
	"bytes"
	"testing"

	blocks "github.com/ipfs/go-block-format"
	"github.com/stretchr/testify/require"

	"github.com/vijayee/go-bitswap/wantlist"
)

func TestRoundTripV110(t *testing.T) {
	m := New(true)
	b := blocks.NewBlock([]byte("hello"))
	c := b.Cid()

	m.AddEntry(c, 7, wantlist.WantHave, false)
	m.AddBlock(b)
	m.AddBlockPresence(c, Have)
	m.SetPendingBytes(42)

	var buf bytes.Buffer
	require.NoError(t, m.ToNetV1(&buf))

	out, err := FromNet(&buf, ProtocolV110, nil)
	require.NoError(t, err)

	require.True(t, out.Full())
	require.Equal(t, int32(42), out.PendingBytes())

	wl := out.Wantlist()
	require.Len(t, wl, 1)
	require.True(t, wl[0].Cid.Equals(c))
	require.Equal(t, int32(7), wl[0].Priority)
	require.Equal(t, wantlist.WantHave, wl[0].WantType)

	gotBlocks := out.Blocks()
	require.Len(t, gotBlocks, 1)
	require.True(t, gotBlocks[0].Cid().Equals(c))
	require.Equal(t, b.RawData(), gotBlocks[0].RawData())

	presences := out.BlockPresences()
	require.Len(t, presences, 1)
	require.Equal(t, Have, presences[0].Type)
}

func TestRoundTripV100DropsWantTypeAndPresence(t *testing.T) {
	m := New(false)
	b := blocks.NewBlock([]byte("legacy block"))
	c := b.Cid()

	m.AddEntry(c, 3, wantlist.WantHave, false) // want-type is lost over v1.0.0
	m.AddBlock(b)
	m.AddBlockPresence(c, DontHave) // presences don't exist on v1.0.0

	var buf bytes.Buffer
	require.NoError(t, m.ToNetV0(&buf))

	out, err := FromNet(&buf, ProtocolV100, nil)
	require.NoError(t, err)

	require.False(t, out.Full())
	require.Empty(t, out.BlockPresences())

	wl := out.Wantlist()
	require.Len(t, wl, 1)
	require.Equal(t, wantlist.WantBlock, wl[0].WantType) // lost, defaults to Block

	gotBlocks := out.Blocks()
	require.Len(t, gotBlocks, 1)
	require.Equal(t, b.RawData(), gotBlocks[0].RawData())
	// v1.0.0 only ever produces CIDv0 (derived by hashing raw bytes).
	require.Equal(t, uint64(0), gotBlocks[0].Cid().Version())
}

func TestCancelEntryMarksCancelTrue(t *testing.T) {
	m := New(false)
	b := blocks.NewBlock([]byte("z"))
	m.Cancel(b.Cid())

	wl := m.Wantlist()
	require.Len(t, wl, 1)
	require.True(t, wl[0].Cancel)
}

func TestEmpty(t *testing.T) {
	m := New(false)
	require.True(t, m.Empty())
	m.AddEntry(blocks.NewBlock([]byte("a")).Cid(), 1, wantlist.WantBlock, false)
	require.False(t, m.Empty())
}

func TestCidMismatchRejected(t *testing.T) {
	b := blocks.NewBlock([]byte("real data"))
	m := New(false)
	m.AddBlock(b)

	var buf bytes.Buffer
	require.NoError(t, m.ToNetV1(&buf))
	wireBytes := buf.Bytes()

	// Corrupt the frame's payload bytes after the varint length prefix so
	// the declared prefix no longer hashes to the tampered data.
	tampered := make([]byte, len(wireBytes))
	copy(tampered, wireBytes)
	tampered[len(tampered)-1] ^= 0xFF

	_, err := FromNet(bytes.NewReader(tampered), ProtocolV110, nil)
	require.Error(t, err)
}
