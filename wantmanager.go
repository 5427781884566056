package bitswap

import (
	"context"
	"sync"

	cid "github.com/ipfs/go-cid"
	metrics "github.com/ipfs/go-metrics-interface"
	"github.com/libp2p/go-libp2p-core/peer"

	bsnet "github.com/vijayee/go-bitswap/network"
	"github.com/vijayee/go-bitswap/wantlist"
)

// wantManager owns the local node's wantlist and fans out want/cancel
// updates to every connected peer's msgQueue, per spec.md §4.4. Adapted
// from the teacher's peermanager.go (PeerManager/msgQueue/runQueue),
// generalized into one msgQueue-per-peer with a real debounce (see
// msgqueue.go) and regrounded onto go-libp2p-core/peer + go-cid, with
// the wantlist-size gauge grounded on
// other_examples/8a6adc73_rdbox-go-ipfs__exchange-bitswap-wantmanager.go.go
// (wantlistGauge).
type wantManager struct {
	network bsnet.BitSwapNetwork
	options Options

	mu    sync.Mutex
	wl    *wantlist.Wantlist
	peers map[peer.ID]*msgQueue

	wantlistGauge metrics.Gauge

	ctx    context.Context
	cancel context.CancelFunc
}

func newWantManager(ctx context.Context, network bsnet.BitSwapNetwork, opts Options) *wantManager {
	ctx, cancel := context.WithCancel(ctx)
	wantlistGauge := metrics.NewCtx(ctx, "wantlist_total", "Number of items in the local wantlist.").Gauge()
	return &wantManager{
		network:       network,
		options:       opts,
		wl:            wantlist.New(),
		peers:         make(map[peer.ID]*msgQueue),
		wantlistGauge: wantlistGauge,
		ctx:           ctx,
		cancel:        cancel,
	}
}

func (wm *wantManager) close() {
	wm.cancel()
}

// wantlistSnapshot returns the local wantlist, ordered by the CIDs'
// canonical bytes (Wantlist.SortedEntries).
func (wm *wantManager) wantlistSnapshot() []wantlist.Entry {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	return wm.wl.SortedEntries()
}

func (wm *wantManager) len() int {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	return wm.wl.Len()
}

// peerConnected starts a msgQueue for p and sends it our full wantlist,
// per spec.md §4.3 on_connect.
func (wm *wantManager) peerConnected(p peer.ID) {
	wm.mu.Lock()
	mq, ok := wm.peers[p]
	if !ok {
		mq = newMsgQueue(p, wm.network, wm.options.SendDebounce)
		wm.peers[p] = mq
		go mq.run(wm.ctx)
	}
	entries := wm.wl.SortedEntries()
	wm.mu.Unlock()

	mq.addEntries(entries, true, false)
}

func (wm *wantManager) peerDisconnected(p peer.ID) {
	wm.mu.Lock()
	mq, ok := wm.peers[p]
	delete(wm.peers, p)
	wm.mu.Unlock()
	if ok {
		mq.stop()
	}
}

// wantBlocks adds cids to the local wantlist at descending priority and
// broadcasts a delta want to every connected peer, per spec.md §4.4.
func (wm *wantManager) wantBlocks(cids []cid.Cid, wantType wantlist.WantType) {
	if len(cids) == 0 {
		return
	}
	entries := make([]wantlist.Entry, 0, len(cids))

	wm.mu.Lock()
	base := int32(len(cids))
	for i, c := range cids {
		priority := base - int32(i)
		if wm.wl.Add(c, priority, wantType) {
			wm.wantlistGauge.Inc()
		}
		entries = append(entries, wantlist.Entry{Cid: c, Priority: priority, WantType: wantType})
	}
	peers := wm.allQueuesLocked()
	wm.mu.Unlock()

	for _, mq := range peers {
		mq.addEntries(entries, false, false)
	}
}

// cancelWant decrements c's local refcount by one and broadcasts a
// cancel only if that was the last local interest in c (spec.md §4.5:
// "If refcount is still positive, no cancel is emitted"). Used when a
// single waiter's context ends, as opposed to cancelWants' force
// semantics used by Unwant (spec.md §4.7).
func (wm *wantManager) cancelWant(c cid.Cid) {
	wm.mu.Lock()
	if !wm.wl.Remove(c) {
		wm.mu.Unlock()
		return
	}
	wm.wantlistGauge.Dec()
	peers := wm.allQueuesLocked()
	wm.mu.Unlock()

	entries := []wantlist.Entry{{Cid: c}}
	for _, mq := range peers {
		mq.addEntries(entries, false, true)
	}
}

// cancelWants force-removes cids from the local wantlist regardless of
// refcount and broadcasts cancels to every connected peer, per spec.md
// §4.7 ("unwant" — "with force semantics, refcount dropped to 0
// regardless").
func (wm *wantManager) cancelWants(cids []cid.Cid) {
	if len(cids) == 0 {
		return
	}
	entries := make([]wantlist.Entry, 0, len(cids))

	wm.mu.Lock()
	for _, c := range cids {
		if wm.wl.RemoveForce(c) {
			wm.wantlistGauge.Dec()
		}
		entries = append(entries, wantlist.Entry{Cid: c})
	}
	peers := wm.allQueuesLocked()
	wm.mu.Unlock()

	for _, mq := range peers {
		mq.addEntries(entries, false, true)
	}
}

func (wm *wantManager) allQueuesLocked() []*msgQueue {
	out := make([]*msgQueue, 0, len(wm.peers))
	for _, mq := range wm.peers {
		out = append(out, mq)
	}
	return out
}
