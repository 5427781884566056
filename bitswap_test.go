package bitswap_test

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	blocks "github.com/ipfs/go-block-format"
	cid "github.com/ipfs/go-cid"
	"github.com/stretchr/testify/require"

	bitswap "github.com/vijayee/go-bitswap"
	"github.com/vijayee/go-bitswap/internal/testutil"
	"github.com/vijayee/go-bitswap/testnet"
)

// Adapted from the teacher's exchange/bitswap/bitswap_test.go, regrounded
// onto cid.Cid/blocks.Block and this module's testnet/testutil packages
// in place of the teacher's GOPATH u.Key/mockrouting/delay types.

const testNetworkDelay = 0 * time.Millisecond

func TestClose(t *testing.T) {
	net := testnet.VirtualNetwork(testNetworkDelay)
	sg := testutil.NewTestSessionGenerator(net)
	defer sg.Close()

	block := blocks.NewBlock([]byte("block"))
	inst := sg.Next()

	require.NoError(t, inst.Exchange.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := inst.Exchange.Get(ctx, block.Cid())
	require.Error(t, err)
}

func TestGetBlockFromPeerAfterPeerAnnounces(t *testing.T) {
	net := testnet.VirtualNetwork(testNetworkDelay)
	sg := testutil.NewTestSessionGenerator(net)
	defer sg.Close()

	block := blocks.NewBlock([]byte("block"))
	peers := sg.Instances(2)
	hasBlock := peers[0]
	wantsBlock := peers[1]
	defer hasBlock.Exchange.Close()
	defer wantsBlock.Exchange.Close()

	require.NoError(t, hasBlock.Exchange.HasBlock(context.Background(), block))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	received, err := wantsBlock.Exchange.Get(ctx, block.Cid())
	require.NoError(t, err)
	require.True(t, bytes.Equal(block.RawData(), received.RawData()))
}

func TestSendToWantingPeer(t *testing.T) {
	net := testnet.VirtualNetwork(testNetworkDelay)
	sg := testutil.NewTestSessionGenerator(net)
	defer sg.Close()

	peers := sg.Instances(2)
	peerA := peers[0]
	peerB := peers[1]
	defer peerA.Exchange.Close()
	defer peerB.Exchange.Close()

	alpha := blocks.NewBlock([]byte("alpha"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	alphaPromise, err := peerA.Exchange.GetMany(ctx, []cid.Cid{alpha.Cid()})
	require.NoError(t, err)

	hbCtx, hbCancel := context.WithTimeout(context.Background(), time.Second)
	defer hbCancel()
	require.NoError(t, peerB.Exchange.HasBlock(hbCtx, alpha))

	select {
	case recvd, ok := <-alphaPromise:
		require.True(t, ok)
		require.Equal(t, alpha.Cid(), recvd.Cid())
	case <-ctx.Done():
		t.Fatal("timed out waiting for block from wanting peer")
	}
}

func TestBasicBitswap(t *testing.T) {
	net := testnet.VirtualNetwork(testNetworkDelay)
	sg := testutil.NewTestSessionGenerator(net)
	defer sg.Close()

	instances := sg.Instances(2)
	block := blocks.NewBlock([]byte("basic"))

	require.NoError(t, instances[0].Exchange.HasBlock(context.Background(), block))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	received, err := instances[1].Exchange.Get(ctx, block.Cid())
	require.NoError(t, err)
	require.Equal(t, block.Cid(), received.Cid())

	for _, inst := range instances {
		require.NoError(t, inst.Exchange.Close())
	}
}

func TestStatTracksReceivedBlocks(t *testing.T) {
	net := testnet.VirtualNetwork(testNetworkDelay)
	sg := testutil.NewTestSessionGenerator(net)
	defer sg.Close()

	peers := sg.Instances(2)
	hasBlock := peers[0]
	wantsBlock := peers[1]
	defer hasBlock.Exchange.Close()
	defer wantsBlock.Exchange.Close()

	block := blocks.NewBlock([]byte("stat-tracked"))
	require.NoError(t, hasBlock.Exchange.HasBlock(context.Background(), block))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := wantsBlock.Exchange.Get(ctx, block.Cid())
	require.NoError(t, err)

	stat := wantsBlock.Exchange.Stat()
	require.Equal(t, 1, stat.BlocksReceived)
	require.Equal(t, 0, stat.DupBlocksReceived)
}

func TestUnwantFailsPendingGetterWithUnwantedError(t *testing.T) {
	net := testnet.VirtualNetwork(testNetworkDelay)
	sg := testutil.NewTestSessionGenerator(net)
	defer sg.Close()

	inst := sg.Next()
	defer inst.Exchange.Close()

	block := blocks.NewBlock([]byte("never-arrives"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		_, err := inst.Exchange.Get(ctx, block.Cid())
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		for _, c := range inst.Exchange.GetWantlist() {
			if c.Equals(block.Cid()) {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	inst.Exchange.Unwant([]cid.Cid{block.Cid()})

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, bitswap.ErrUnwanted)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for unwanted getter to fail")
	}

	for _, c := range inst.Exchange.GetWantlist() {
		require.False(t, c.Equals(block.Cid()), "unwanted CID should be gone from the local wantlist")
	}
}

func TestDistributionAcrossSwarm(t *testing.T) {
	if testing.Short() {
		t.SkipNow()
	}
	net := testnet.VirtualNetwork(testNetworkDelay)
	sg := testutil.NewTestSessionGenerator(net)
	defer sg.Close()

	const numInstances = 10
	const numBlocks = 20

	instances := sg.Instances(numInstances)
	var blks []blocks.Block
	var keys []cid.Cid
	for i := 0; i < numBlocks; i++ {
		b := blocks.NewBlock([]byte{byte(i), byte(i >> 8), 'x'})
		blks = append(blks, b)
		keys = append(keys, b.Cid())
	}

	first := instances[0]
	for _, b := range blks {
		require.NoError(t, first.Exchange.HasBlock(context.Background(), b))
	}

	var wg sync.WaitGroup
	for _, inst := range instances[1:] {
		wg.Add(1)
		go func(inst testutil.Instance) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			out, err := inst.Exchange.GetMany(ctx, keys)
			if err != nil {
				t.Error(err)
				return
			}
			got := 0
			for got < len(keys) {
				select {
				case _, ok := <-out:
					if !ok {
						return
					}
					got++
				case <-ctx.Done():
					t.Errorf("timed out after receiving %d/%d blocks", got, len(keys))
					return
				}
			}
		}(inst)
	}
	wg.Wait()
}
