package decision

import (
	"context"
	"testing"
	"time"

	blocks "github.com/ipfs/go-block-format"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/stretchr/testify/require"

	"github.com/vijayee/go-bitswap/blockstore"
	bsmsg "github.com/vijayee/go-bitswap/message"
	"github.com/vijayee/go-bitswap/wantlist"
)

func TestEngineServesHeldBlockOnWant(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bs := blockstore.NewMap()
	b := blocks.NewBlock([]byte("hello"))
	require.NoError(t, bs.Put(ctx, b))

	e := NewEngine(ctx, bs)
	defer e.Close()

	p := peer.ID("partner")
	e.PeerConnected(p)

	msg := bsmsg.New(true)
	msg.AddEntry(b.Cid(), 1, wantlist.WantBlock, false)
	e.MessageReceived(ctx, p, msg)

	select {
	case env := <-e.Outbox():
		require.Equal(t, p, env.Peer)
		got := env.Message.Blocks()
		require.Len(t, got, 1)
		require.Equal(t, b.Cid(), got[0].Cid())
		env.Sent()
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for envelope")
	}

	require.False(t, e.LedgerForPeer(p).WantlistContains(b.Cid()))
}

func TestEngineDoesNotServeMissingBlock(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bs := blockstore.NewMap()
	e := NewEngine(ctx, bs)
	defer e.Close()

	p := peer.ID("partner")
	e.PeerConnected(p)

	missing := blocks.NewBlock([]byte("absent")).Cid()
	msg := bsmsg.New(true)
	msg.AddEntry(missing, 1, wantlist.WantBlock, false)
	e.MessageReceived(ctx, p, msg)

	select {
	case env := <-e.Outbox():
		t.Fatalf("unexpected envelope for missing block: %+v", env)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEngineAccountsBytesReceived(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bs := blockstore.NewMap()
	e := NewEngine(ctx, bs)
	defer e.Close()

	p := peer.ID("partner")
	e.PeerConnected(p)

	b := blocks.NewBlock([]byte("payload-bytes"))
	msg := bsmsg.New(false)
	msg.AddBlock(b)
	e.MessageReceived(ctx, p, msg)

	require.EqualValues(t, len(b.RawData()), e.LedgerForPeer(p).BytesRecv())
}

func TestNotifyNewBlockWakesWaitingPeer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bs := blockstore.NewMap()
	e := NewEngine(ctx, bs)
	defer e.Close()

	p := peer.ID("partner")
	e.PeerConnected(p)

	b := blocks.NewBlock([]byte("late arrival"))
	msg := bsmsg.New(true)
	msg.AddEntry(b.Cid(), 1, wantlist.WantBlock, false)
	e.MessageReceived(ctx, p, msg) // we don't have it yet; no envelope

	require.NoError(t, bs.Put(ctx, b))
	e.NotifyNewBlock(b.Cid())

	select {
	case env := <-e.Outbox():
		require.Equal(t, p, env.Peer)
		env.Sent()
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for envelope after NotifyNewBlock")
	}
}

func TestEngineAnswersWantHaveWithPresenceNotBlock(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bs := blockstore.NewMap()
	b := blocks.NewBlock([]byte("have-only"))
	require.NoError(t, bs.Put(ctx, b))

	e := NewEngine(ctx, bs)
	defer e.Close()

	p := peer.ID("partner")
	e.PeerConnected(p)

	msg := bsmsg.New(true)
	msg.AddEntry(b.Cid(), 1, wantlist.WantHave, false)
	e.MessageReceived(ctx, p, msg)

	select {
	case env := <-e.Outbox():
		require.Equal(t, p, env.Peer)
		require.Empty(t, env.Message.Blocks(), "WantHave should not receive the full block")
		presences := env.Message.BlockPresences()
		require.Len(t, presences, 1)
		require.Equal(t, b.Cid(), presences[0].Cid)
		require.Equal(t, bsmsg.Have, presences[0].Type)
		env.Sent()
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for have-presence envelope")
	}

	require.False(t, e.LedgerForPeer(p).WantlistContains(b.Cid()))
}

func TestMessageSentAccountsBytesAndClearsWant(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bs := blockstore.NewMap()
	e := NewEngine(ctx, bs)
	defer e.Close()

	p := peer.ID("partner")
	e.PeerConnected(p)

	b := blocks.NewBlock([]byte("proactively pushed"))
	want := bsmsg.New(true)
	want.AddEntry(b.Cid(), 1, wantlist.WantBlock, false)
	e.MessageReceived(ctx, p, want) // record that p wants b, without satisfying it here

	sent := bsmsg.New(false)
	sent.AddBlock(b)
	e.MessageSent(p, sent)

	require.EqualValues(t, len(b.RawData()), e.LedgerForPeer(p).BytesSent())
	require.False(t, e.LedgerForPeer(p).WantlistContains(b.Cid()))
}

func TestPeerDisconnectedDropsQueuedTask(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bs := blockstore.NewMap()
	b := blocks.NewBlock([]byte("x"))
	require.NoError(t, bs.Put(ctx, b))

	e := NewEngine(ctx, bs)
	defer e.Close()

	p := peer.ID("partner")
	e.PeerConnected(p)
	e.PeerDisconnected(p)

	msg := bsmsg.New(true)
	msg.AddEntry(b.Cid(), 1, wantlist.WantBlock, false)
	e.MessageReceived(ctx, p, msg)

	select {
	case env := <-e.Outbox():
		t.Fatalf("unexpected envelope for disconnected peer: %+v", env)
	case <-time.After(100 * time.Millisecond):
	}
}
