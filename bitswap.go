// Package bitswap implements the block-exchange protocol engine
// described in spec.md: a want-manager, a decision engine, a message
// codec/network adapter, and a session coordinator tying them together
// behind a small Get/GetMany/HasBlock surface.
package bitswap

import (
	"context"
	"sync"

	blocks "github.com/ipfs/go-block-format"
	cid "github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/jbenet/goprocess"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/pkg/errors"

	"github.com/vijayee/go-bitswap/blockstore"
	"github.com/vijayee/go-bitswap/decision"
	bsmsg "github.com/vijayee/go-bitswap/message"
	bsnet "github.com/vijayee/go-bitswap/network"
	"github.com/vijayee/go-bitswap/wantlist"
)

var log = logging.Logger("bitswap")

// Sentinel errors, per spec.md §7.
var (
	ErrClosed      = errors.New("bitswap: instance is closed")
	ErrNoSuchBlock = errors.New("bitswap: promise channel closed without a block")
	ErrUnwanted    = errors.New("bitswap: pending get cancelled by unwant")
)

// Bitswap is the session coordinator of spec.md §4.7: it exposes
// Get/GetMany/HasBlock/PutMany/Unwant and wires the want-manager,
// decision engine, and network adapter together. Adapted from the
// teacher's exchange/bitswap/bitswap.go Bitswap type, generalized from
// u.Key/*blocks.Block to cid.Cid/blocks.Block and from the GOPATH
// process/context plumbing to goprocess + context.Context directly.
type Bitswap struct {
	self peer.ID

	network bsnet.BitSwapNetwork
	bstore  blockstore.Blockstore

	wm     *wantManager
	engine *decision.Engine
	pubsub *pubSub

	options Options

	process goprocess.Process
	ctx     context.Context
	cancel  context.CancelFunc

	newBlocks chan cid.Cid

	statsLk        sync.Mutex
	blocksRecvd    int
	dupBlocksRecvd int
}

// New wires a Bitswap instance over network, backed by bstore, and
// starts its background workers. It registers itself as network's
// receiver. Runs until ctx is cancelled or Close is called (spec.md
// §4.7 "start"/"stop").
func New(ctx context.Context, self peer.ID, network bsnet.BitSwapNetwork, bstore blockstore.Blockstore, opts ...Option) *Bitswap {
	options := buildOptions(opts)
	ctx, cancel := context.WithCancel(ctx)

	px := goprocess.WithTeardown(func() error { return nil })
	go func() {
		<-px.Closing()
		cancel()
	}()
	go func() {
		<-ctx.Done()
		px.Close()
	}()

	engine := decision.NewEngine(ctx, bstore)

	bs := &Bitswap{
		self:      self,
		network:   network,
		bstore:    bstore,
		engine:    engine,
		options:   options,
		process:   px,
		ctx:       ctx,
		cancel:    cancel,
		newBlocks: make(chan cid.Cid, 256),
	}
	bs.pubsub = newPubSub(func(c cid.Cid) { bs.wm.cancelWant(c) })
	bs.wm = newWantManager(ctx, network, options)

	if err := network.Start(bs); err != nil {
		log.Errorf("bitswap: network start failed: %s", err)
	}
	bs.startWorkers(px)
	return bs
}

// Get fetches a single block, blocking until it arrives, ctx expires,
// or the CID is unwant'd out from under it (spec.md §4.7 "get").
func (bs *Bitswap) Get(ctx context.Context, c cid.Cid) (blocks.Block, error) {
	promise, failed, err := bs.getMany(ctx, []cid.Cid{c})
	if err != nil {
		return nil, err
	}
	select {
	case b, ok := <-promise:
		if !ok {
			return nil, ErrNoSuchBlock
		}
		return b, nil
	case err := <-failed:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// GetMany requests a batch of blocks, assumed likely to share providers
// (spec.md §4.7 "get_many"). The returned channel delivers each block
// as it arrives; for a non-empty cids it is never closed by GetMany
// itself (an empty cids yields an already-closed channel), so the
// caller should stop reading once ctx is done or it has every block it
// needs.
// Unwant'ing one of cids fails the batch's error channel once but
// leaves the others deliverable on promise; use Get for single-CID
// fetches when observing the Unwanted error directly matters.
func (bs *Bitswap) GetMany(ctx context.Context, cids []cid.Cid) (<-chan blocks.Block, error) {
	promise, _, err := bs.getMany(ctx, cids)
	return promise, err
}

// getMany is the shared implementation behind Get and GetMany. It
// additionally returns a one-shot channel that fires with ErrUnwanted
// if the request is cancelled via Unwant before it resolves.
func (bs *Bitswap) getMany(ctx context.Context, cids []cid.Cid) (<-chan blocks.Block, <-chan error, error) {
	select {
	case <-bs.process.Closing():
		return nil, nil, ErrClosed
	default:
	}
	if len(cids) == 0 {
		out := make(chan blocks.Block)
		close(out)
		return out, nil, nil
	}

	promise, failed := bs.pubsub.subscribe(ctx, cids)
	bs.wm.wantBlocks(cids, wantlist.WantBlock)

	go bs.findProvidersAndBroadcast(ctx, cids)

	return promise, failed, nil
}

// Unwant cancels outstanding local interest in cids (spec.md §4.7
// "unwant"): immediately fails any pending Get/GetMany waiters on them
// with ErrUnwanted, removes them from the local wantlist with force
// semantics, and broadcasts cancels.
func (bs *Bitswap) Unwant(cids []cid.Cid) {
	bs.pubsub.cancel(cids, ErrUnwanted)
	bs.wm.cancelWants(cids)
}

// HasBlock announces a locally-obtained block, writing it to the
// store, resolving any local waiters, and notifying the engine so
// peers who want it get served, per spec.md §4.7 "put".
func (bs *Bitswap) HasBlock(ctx context.Context, b blocks.Block) error {
	select {
	case <-bs.process.Closing():
		return ErrClosed
	default:
	}
	if err := bs.bstore.Put(ctx, b); err != nil {
		return err
	}
	bs.wm.cancelWants([]cid.Cid{b.Cid()})
	bs.pubsub.publish(b)
	bs.engine.NotifyNewBlock(b.Cid())

	select {
	case bs.newBlocks <- b.Cid():
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// PutMany is HasBlock for a batch (spec.md §4.7 "put_many").
func (bs *Bitswap) PutMany(ctx context.Context, blks []blocks.Block) error {
	if err := bs.bstore.PutMany(ctx, blks); err != nil {
		return err
	}
	cids := make([]cid.Cid, 0, len(blks))
	for _, b := range blks {
		cids = append(cids, b.Cid())
	}
	bs.wm.cancelWants(cids)
	for _, b := range blks {
		bs.pubsub.publish(b)
		bs.engine.NotifyNewBlock(b.Cid())
		select {
		case bs.newBlocks <- b.Cid():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Stat is a point-in-time snapshot of this instance's counters,
// exposed for tests and diagnostics (supplemented feature, see
// SPEC_FULL.md) — not a telemetry sink, just an in-process accessor.
type Stat struct {
	BlocksReceived    int
	DupBlocksReceived int
	WantlistSize      int
}

// Stat reports this instance's current counters.
func (bs *Bitswap) Stat() Stat {
	bs.statsLk.Lock()
	recvd, dup := bs.blocksRecvd, bs.dupBlocksRecvd
	bs.statsLk.Unlock()
	return Stat{
		BlocksReceived:    recvd,
		DupBlocksReceived: dup,
		WantlistSize:      bs.wm.len(),
	}
}

// WantlistForPeer returns our view of p's wantlist (spec.md §4.7
// "wantlist_for_peer").
func (bs *Bitswap) WantlistForPeer(p peer.ID) []cid.Cid {
	entries := bs.engine.WantlistForPeer(p)
	out := make([]cid.Cid, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Cid)
	}
	return out
}

// GetWantlist returns the local node's own outstanding wantlist.
func (bs *Bitswap) GetWantlist() []cid.Cid {
	entries := bs.wm.wantlistSnapshot()
	out := make([]cid.Cid, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Cid)
	}
	return out
}

// ReceiveMessage implements network.Receiver: it feeds the message to
// the decision engine, writes any delivered blocks to the store, and
// cancels our own outstanding wants for them (spec.md §4.6 steps 1-5).
func (bs *Bitswap) ReceiveMessage(ctx context.Context, p peer.ID, incoming bsmsg.BitSwapMessage) {
	delivered := bs.engine.MessageReceived(ctx, p, incoming)

	bs.statsLk.Lock()
	bs.blocksRecvd += len(delivered)
	bs.statsLk.Unlock()

	if len(delivered) == 0 {
		return
	}

	hbCtx, cancel := context.WithTimeout(ctx, bs.options.HasBlockTimeout)
	defer cancel()

	cids := make([]cid.Cid, 0, len(delivered))
	for _, b := range delivered {
		has, err := bs.bstore.Has(hbCtx, b.Cid())
		if err == nil && has {
			bs.statsLk.Lock()
			bs.dupBlocksRecvd++
			bs.statsLk.Unlock()
		}
		if err := bs.HasBlock(hbCtx, b); err != nil {
			log.Debugf("bitswap: ReceiveMessage HasBlock error for %s: %s", p, err)
			continue
		}
		cids = append(cids, b.Cid())
	}
	bs.wm.cancelWants(cids)
}

// PeerConnected implements network.Receiver (spec.md §4.3 on_connect).
func (bs *Bitswap) PeerConnected(p peer.ID) {
	bs.engine.PeerConnected(p)
	bs.wm.peerConnected(p)
}

// PeerDisconnected implements network.Receiver (spec.md §4.3 on_disconnect).
func (bs *Bitswap) PeerDisconnected(p peer.ID) {
	bs.engine.PeerDisconnected(p)
	bs.wm.peerDisconnected(p)
}

// ReceiveError implements network.Receiver.
func (bs *Bitswap) ReceiveError(err error) {
	log.Debugf("bitswap: network error: %s", err)
}

func (bs *Bitswap) findProvidersAndBroadcast(ctx context.Context, cids []cid.Cid) {
	child, cancel := context.WithTimeout(ctx, bs.options.ProviderRequestTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, c := range cids {
		wg.Add(1)
		go func(c cid.Cid) {
			defer wg.Done()
			for p := range bs.network.FindProvidersAsync(child, c, bs.options.MaxProvidersPerRequest) {
				bs.wm.peerConnected(p.ID)
			}
		}(c)
	}
	wg.Wait()
}

// Close shuts the instance down (spec.md §4.7 "stop"): stops all
// background workers and releases the engine.
func (bs *Bitswap) Close() error {
	bs.network.Stop()
	bs.pubsub.shutdown()
	bs.wm.close()
	bs.engine.Close()
	return bs.process.Close()
}
