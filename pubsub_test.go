package bitswap

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	blocks "github.com/ipfs/go-block-format"
	cid "github.com/ipfs/go-cid"
	"github.com/stretchr/testify/require"
)

func TestPubSubDeliversToWaiter(t *testing.T) {
	ps := newPubSub(nil)
	b := blocks.NewBlock([]byte("hello"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, _ := ps.subscribe(ctx, []cid.Cid{b.Cid()})

	ps.publish(b)

	select {
	case got := <-ch:
		require.Equal(t, b.Cid(), got.Cid())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published block")
	}
}

func TestPubSubIgnoresUnrelatedPublish(t *testing.T) {
	ps := newPubSub(nil)
	wanted := blocks.NewBlock([]byte("wanted"))
	other := blocks.NewBlock([]byte("other"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, _ := ps.subscribe(ctx, []cid.Cid{wanted.Cid()})

	ps.publish(other)

	select {
	case <-ch:
		t.Fatal("received a block nobody subscribed to")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPubSubUnsubscribesOnCancel(t *testing.T) {
	ps := newPubSub(nil)
	b := blocks.NewBlock([]byte("cancel-me"))

	ctx, cancel := context.WithCancel(context.Background())
	ps.subscribe(ctx, []cid.Cid{b.Cid()})
	cancel()

	require.Eventually(t, func() bool {
		ps.mu.Lock()
		defer ps.mu.Unlock()
		return len(ps.subs[b.Cid()]) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestPubSubCtxCancelNotifiesLastWaiterGone(t *testing.T) {
	b := blocks.NewBlock([]byte("last-waiter"))

	var mu sync.Mutex
	var notified []cid.Cid
	ps := newPubSub(func(c cid.Cid) {
		mu.Lock()
		notified = append(notified, c)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	ps.subscribe(ctx, []cid.Cid{b.Cid()})
	cancel()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(notified) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, b.Cid(), notified[0])
}

func TestPubSubCtxCancelSkipsNotifyWhileOtherWaiterRemains(t *testing.T) {
	b := blocks.NewBlock([]byte("shared-want"))

	var mu sync.Mutex
	notified := 0
	ps := newPubSub(func(cid.Cid) {
		mu.Lock()
		notified++
		mu.Unlock()
	})

	staying, stayingCancel := context.WithCancel(context.Background())
	defer stayingCancel()
	ps.subscribe(staying, []cid.Cid{b.Cid()})

	leaving, leavingCancel := context.WithCancel(context.Background())
	ps.subscribe(leaving, []cid.Cid{b.Cid()})
	leavingCancel()

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Zero(t, notified, "the CID still has a waiter; should not fire onLastWaiterGone")
}

func TestPubSubCancelFailsWaiterWithoutClosingChannel(t *testing.T) {
	ps := newPubSub(nil)
	b := blocks.NewBlock([]byte("unwant-me"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, failed := ps.subscribe(ctx, []cid.Cid{b.Cid()})

	sentinel := errors.New("cancelled")
	ps.cancel([]cid.Cid{b.Cid()}, sentinel)

	select {
	case err := <-failed:
		require.Equal(t, sentinel, err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for cancel to fail the waiter")
	}

	select {
	case _, ok := <-ch:
		t.Fatalf("block channel should not be closed or written to, got ok=%v", ok)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPubSubShutdownReturnsEmptyChannel(t *testing.T) {
	ps := newPubSub(nil)
	ps.shutdown()

	b := blocks.NewBlock([]byte("after-shutdown"))
	ch, _ := ps.subscribe(context.Background(), []cid.Cid{b.Cid()})

	ps.publish(b)
	select {
	case <-ch:
		t.Fatal("shutdown pubSub should not register new subscribers")
	case <-time.After(50 * time.Millisecond):
	}
}
