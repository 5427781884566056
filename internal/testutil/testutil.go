// Package testutil provides session-generation helpers shared by this
// module's end-to-end tests, adapted from the teacher's
// exchange/bitswap/testutils.go (SessionGenerator/Instance/session).
// The teacher's p2ptestutil.RandTestBogusIdentity is not present
// anywhere in the retrieval pack; go-libp2p-core/test.RandPeerID is its
// modern equivalent within the same dependency already used for the
// rest of the peer/routing surface (see DESIGN.md).
package testutil

import (
	"context"

	"github.com/libp2p/go-libp2p-core/peer"
	p2ptest "github.com/libp2p/go-libp2p-core/test"

	bitswap "github.com/vijayee/go-bitswap"
	"github.com/vijayee/go-bitswap/blockstore"
	"github.com/vijayee/go-bitswap/testnet"
)

// SessionGenerator hands out fresh, mutually-connected Bitswap
// instances sharing one virtual network, for use by scenario tests
// (spec.md §8).
type SessionGenerator struct {
	net    *testnet.Network
	ctx    context.Context
	cancel context.CancelFunc
}

// NewTestSessionGenerator returns a generator backed by net.
func NewTestSessionGenerator(net *testnet.Network) SessionGenerator {
	ctx, cancel := context.WithCancel(context.Background())
	return SessionGenerator{net: net, ctx: ctx, cancel: cancel}
}

// Close releases resources owned by the generator.
func (g *SessionGenerator) Close() error {
	g.cancel()
	return nil
}

// Instance is one simulated bitswap node: its peer ID, its Bitswap
// instance, and the in-memory blockstore backing it.
type Instance struct {
	Peer       peer.ID
	Exchange   *bitswap.Bitswap
	Blockstore *blockstore.MapBlockstore
}

// Next returns one freshly-identitied Instance on the generator's network.
func (g *SessionGenerator) Next() Instance {
	p, err := p2ptest.RandPeerID()
	if err != nil {
		panic("testutil: failed to generate random peer id: " + err.Error())
	}
	return g.session(p)
}

// Instances returns n Instances, each fully connected to every other.
func (g *SessionGenerator) Instances(n int) []Instance {
	instances := make([]Instance, 0, n)
	for i := 0; i < n; i++ {
		instances = append(instances, g.Next())
	}
	for i, inst := range instances {
		for j, other := range instances {
			if i == j {
				continue
			}
			inst.Exchange.PeerConnected(other.Peer)
		}
	}
	return instances
}

func (g *SessionGenerator) session(p peer.ID) Instance {
	bstore := blockstore.NewMap()
	adapter := g.net.Adapter(p)
	ex := bitswap.New(g.ctx, p, adapter, bstore)
	return Instance{Peer: p, Exchange: ex, Blockstore: bstore}
}
