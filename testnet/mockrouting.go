package testnet

import (
	"context"
	"sync"

	cid "github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/libp2p/go-libp2p-core/routing"
)

var _ routing.ContentRouting = (*mockRoutingClient)(nil)

// mockRouter is a shared in-memory provider table: Provide(c) from any
// client registers that client's peer as a provider of c, and
// find(c, max) returns up to max of the peers that have done so (all of
// them when max <= 0). This stands in
// for the teacher's mockrouting.Server, which is not present in the
// retrieval pack (see DESIGN.md).
type mockRouter struct {
	mu        sync.Mutex
	providers map[cid.Cid]map[peer.ID]struct{}
}

func newMockRouter() *mockRouter {
	return &mockRouter{providers: make(map[cid.Cid]map[peer.ID]struct{})}
}

func (r *mockRouter) clientFor(p peer.ID) *mockRoutingClient {
	return &mockRoutingClient{router: r, self: p}
}

func (r *mockRouter) provide(p peer.ID, c cid.Cid) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.providers[c] == nil {
		r.providers[c] = make(map[peer.ID]struct{})
	}
	r.providers[c][p] = struct{}{}
}

func (r *mockRouter) find(c cid.Cid, max int) []peer.ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]peer.ID, 0, len(r.providers[c]))
	for p := range r.providers[c] {
		if max > 0 && len(out) >= max {
			break
		}
		out = append(out, p)
	}
	return out
}

// mockRoutingClient is one peer's handle on the shared mockRouter,
// implementing go-libp2p-core/routing.ContentRouting.
type mockRoutingClient struct {
	router *mockRouter
	self   peer.ID
}

func (c *mockRoutingClient) Provide(ctx context.Context, k cid.Cid, announce bool) error {
	if announce {
		c.router.provide(c.self, k)
	}
	return nil
}

func (c *mockRoutingClient) findProviders(k cid.Cid, max int) []peer.ID {
	return c.router.find(k, max)
}

func (c *mockRoutingClient) FindProvidersAsync(ctx context.Context, k cid.Cid, max int) <-chan peer.AddrInfo {
	out := make(chan peer.AddrInfo)
	go func() {
		defer close(out)
		for _, p := range c.findProviders(k, max) {
			select {
			case <-ctx.Done():
				return
			case out <- peer.AddrInfo{ID: p}:
			}
		}
	}()
	return out
}
