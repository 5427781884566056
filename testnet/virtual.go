// Package testnet provides an in-memory network and content router for
// exercising the rest of this module without real libp2p transports,
// per spec.md §8's end-to-end scenario tests. Adapted from the
// teacher's exchange/bitswap/testnet/virtual.go, regrounded onto
// cid.Cid/peer.ID and this module's network.BitSwapNetwork contract in
// place of the teacher's GOPATH p2p/routing types. The teacher's
// mockrouting.Server dependency is not present anywhere in the
// retrieval pack, so the router here is a small in-package in-memory
// provider table rather than an adaptation of that package (see
// DESIGN.md).
package testnet

import (
	"context"
	"sync"
	"time"

	cid "github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/pkg/errors"

	bsmsg "github.com/vijayee/go-bitswap/message"
	bsnet "github.com/vijayee/go-bitswap/network"
)

// ErrNoSuchPeer is returned when sending to or connecting to a peer the
// network has never seen.
var ErrNoSuchPeer = errors.New("bitswap testnet: no such peer in network")

// Network is an in-memory stand-in for a libp2p-backed swarm: every
// peer's Adapter shares the same routing table and delivers messages
// to each other by calling the receiver directly in a new goroutine,
// after an optional delay.
type Network struct {
	mu      sync.Mutex
	clients map[peer.ID]bsnet.Receiver
	conns   map[peer.ID]map[peer.ID]struct{}

	router *mockRouter
	delay  time.Duration
}

// VirtualNetwork returns a Network whose message delivery is delayed
// by d (0 for no delay). Delivery is asynchronous either way.
func VirtualNetwork(d time.Duration) *Network {
	return &Network{
		clients: make(map[peer.ID]bsnet.Receiver),
		conns:   make(map[peer.ID]map[peer.ID]struct{}),
		router:  newMockRouter(),
		delay:   d,
	}
}

// Adapter returns a BitSwapNetwork for p backed by this virtual network.
func (n *Network) Adapter(p peer.ID) bsnet.BitSwapNetwork {
	return &client{local: p, net: n, router: n.router.clientFor(p)}
}

// HasPeer reports whether p's adapter is currently started on this
// network (registered by Start, removed again by Stop).
func (n *Network) HasPeer(p peer.ID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.clients[p]
	return ok
}

func (n *Network) register(p peer.ID, r bsnet.Receiver) {
	n.mu.Lock()
	n.clients[p] = r
	n.mu.Unlock()
}

func (n *Network) unregister(p peer.ID) {
	n.mu.Lock()
	delete(n.clients, p)
	peers := n.conns[p]
	delete(n.conns, p)
	for other := range peers {
		delete(n.conns[other], p)
	}
	n.mu.Unlock()

	for other := range peers {
		if r, ok := n.receiverFor(other); ok {
			r.PeerDisconnected(p)
		}
	}
}

func (n *Network) receiverFor(p peer.ID) (bsnet.Receiver, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	r, ok := n.clients[p]
	return r, ok
}

// connect records a (a,b) link and reports whether it is new, so
// PeerConnected fires at most once per pair, matching how a real
// libp2p swarm only notifies on a genuinely new connection rather than
// on every subsequent dial-if-already-connected call.
func (n *Network) connect(a, b peer.ID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conns[a] == nil {
		n.conns[a] = make(map[peer.ID]struct{})
	}
	if _, ok := n.conns[a][b]; ok {
		return false
	}
	n.conns[a][b] = struct{}{}
	if n.conns[b] == nil {
		n.conns[b] = make(map[peer.ID]struct{})
	}
	n.conns[b][a] = struct{}{}
	return true
}

func (n *Network) deliver(ctx context.Context, from, to peer.ID, m bsmsg.BitSwapMessage) error {
	r, ok := n.receiverFor(to)
	if !ok {
		return ErrNoSuchPeer
	}
	go func() {
		if n.delay > 0 {
			time.Sleep(n.delay)
		}
		r.ReceiveMessage(ctx, from, m)
	}()
	return nil
}

// client is one peer's view of the virtual network: it implements
// bsnet.BitSwapNetwork by routing everything through its owning Network.
type client struct {
	local  peer.ID
	net    *Network
	router *mockRoutingClient

	mu       sync.Mutex
	receiver bsnet.Receiver
}

func (c *client) Start(r bsnet.Receiver) error {
	c.mu.Lock()
	c.receiver = r
	c.mu.Unlock()
	c.net.register(c.local, r)
	return nil
}

func (c *client) Stop() {
	c.net.unregister(c.local)
}

func (c *client) ConnectTo(ctx context.Context, p peer.ID) error {
	if !c.net.HasPeer(p) {
		return ErrNoSuchPeer
	}
	if !c.net.connect(c.local, p) {
		return nil // already connected; no-op, like a real dial to an existing conn
	}
	if r, ok := c.net.receiverFor(p); ok {
		r.PeerConnected(c.local)
	}
	c.mu.Lock()
	r := c.receiver
	c.mu.Unlock()
	if r != nil {
		r.PeerConnected(p)
	}
	return nil
}

func (c *client) SendMessage(ctx context.Context, p peer.ID, m bsmsg.BitSwapMessage) error {
	return c.net.deliver(ctx, c.local, p, m)
}

func (c *client) NewMessageSender(ctx context.Context, p peer.ID) (bsnet.MessageSender, error) {
	if !c.net.HasPeer(p) {
		return nil, ErrNoSuchPeer
	}
	return &messageSender{c: c, p: p}, nil
}

type messageSender struct {
	c *client
	p peer.ID
}

func (ms *messageSender) SendMsg(ctx context.Context, m bsmsg.BitSwapMessage) error {
	return ms.c.SendMessage(ctx, ms.p, m)
}
func (ms *messageSender) Close() error { return nil }
func (ms *messageSender) Reset() error { return nil }

func (c *client) FindProvidersAsync(ctx context.Context, k cid.Cid, max int) <-chan bsnet.PeerInfo {
	out := make(chan bsnet.PeerInfo)
	go func() {
		defer close(out)
		for _, p := range c.router.findProviders(k, max) {
			select {
			case <-ctx.Done():
				return
			case out <- bsnet.PeerInfo{ID: p}:
			}
		}
	}()
	return out
}

func (c *client) Provide(ctx context.Context, k cid.Cid) error {
	return c.router.Provide(ctx, k, true)
}
