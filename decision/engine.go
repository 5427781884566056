// Package decision implements the per-peer wantlist ledger and the
// outbound block dispatch described in spec.md §4.6: for each remote
// peer it tracks what they've told us they want and a ledger of
// exchanged bytes, and produces outbound block responses honoring
// priority and fair sharing.
package decision

import (
	"context"
	"sync"
	"time"

	blocks "github.com/ipfs/go-block-format"
	cid "github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p-core/peer"

	"github.com/vijayee/go-bitswap/blockstore"
	bsmsg "github.com/vijayee/go-bitswap/message"
	"github.com/vijayee/go-bitswap/wantlist"
)

var log = logging.Logger("bitswap-decision")

// Envelope is one outbound response ready to be handed to the network,
// per spec.md §4.6 step 4.
type Envelope struct {
	Peer    peer.ID
	Message bsmsg.BitSwapMessage

	// Sent must be called once the message has actually been written,
	// so the engine can release the per-peer active-send slot backing
	// the fairness scheduler.
	Sent func()
}

// taskWorkerCount bounds how many outbound blocks the engine assembles
// concurrently; the taskQueue's partnerHeap already arbitrates fairness
// across peers, so this just caps parallel store reads.
const taskWorkerCount = 8

// Engine is the decision engine of spec.md §4.6.
type Engine struct {
	ctx    context.Context
	cancel context.CancelFunc

	bs blockstore.Blockstore

	ledgerLk sync.Mutex
	ledgers  map[peer.ID]*Ledger

	taskQueue peerRequestQueue

	connLk    sync.Mutex
	connected map[peer.ID]struct{}

	wake chan struct{} // non-blocking broadcast: "a task was pushed"

	outbox chan *Envelope
}

// NewEngine constructs an Engine backed by bs and starts its fixed pool
// of task workers. The engine owns no network handle directly; the
// caller (the session coordinator's worker) sends blocks by draining
// Outbox().
func NewEngine(ctx context.Context, bs blockstore.Blockstore) *Engine {
	ctx, cancel := context.WithCancel(ctx)
	e := &Engine{
		ctx:       ctx,
		cancel:    cancel,
		bs:        bs,
		ledgers:   make(map[peer.ID]*Ledger),
		taskQueue: newPeerRequestQueue(),
		connected: make(map[peer.ID]struct{}),
		wake:      make(chan struct{}, 1),
		outbox:    make(chan *Envelope),
	}
	for i := 0; i < taskWorkerCount; i++ {
		go e.taskWorker()
	}
	return e
}

// push enqueues entry for to and wakes an idle task worker.
func (e *Engine) push(entry wantlist.Entry, to peer.ID) {
	e.taskQueue.Push(entry, to)
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Outbox yields outbound block responses as the engine's shared pool of
// task workers produces them.
func (e *Engine) Outbox() <-chan *Envelope { return e.outbox }

// Close tears down the engine's background task workers.
func (e *Engine) Close() {
	e.cancel()
}

func (e *Engine) ledgerFor(p peer.ID) *Ledger {
	e.ledgerLk.Lock()
	defer e.ledgerLk.Unlock()
	l, ok := e.ledgers[p]
	if !ok {
		l = newLedger(p)
		e.ledgers[p] = l
	}
	return l
}

// LedgerForPeer exposes a peer's ledger for introspection/tests.
func (e *Engine) LedgerForPeer(p peer.ID) *Ledger {
	return e.ledgerFor(p)
}

// WantlistForPeer returns our view of p's wantlist, highest priority
// first (spec.md §4.7 "wantlist_for_peer").
func (e *Engine) WantlistForPeer(p peer.ID) []wantlist.Entry {
	return e.ledgerFor(p).Wantlist()
}

// PeerConnected ensures a ledger exists for p (spec.md §4.6).
func (e *Engine) PeerConnected(p peer.ID) {
	e.ledgerFor(p)
	e.connLk.Lock()
	e.connected[p] = struct{}{}
	e.connLk.Unlock()
}

// PeerDisconnected retains p's ledger (accounting is cumulative per
// spec.md §4.6) but marks it no longer connected, so queued tasks for
// it are dropped rather than sent into the void.
func (e *Engine) PeerDisconnected(p peer.ID) {
	e.connLk.Lock()
	delete(e.connected, p)
	e.connLk.Unlock()
}

func (e *Engine) isConnected(p peer.ID) bool {
	e.connLk.Lock()
	defer e.connLk.Unlock()
	_, ok := e.connected[p]
	return ok
}

// taskWorker pulls the next fairness-ordered task off the shared queue
// and, if it can be satisfied, hands an Envelope to Outbox (spec.md
// §4.6 step 4). The taskQueue's partnerHeap already interleaves peers
// fairly, so any worker may serve any peer's task.
func (e *Engine) taskWorker() {
	idle := time.NewTimer(time.Hour)
	defer idle.Stop()

	for {
		task := e.taskQueue.Pop()
		if task == nil {
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(50 * time.Millisecond)
			select {
			case <-e.wake:
			case <-idle.C:
			case <-e.ctx.Done():
				return
			}
			continue
		}

		if !e.isConnected(task.Target) {
			task.Done()
			continue
		}

		env := e.buildEnvelope(task)
		if env == nil {
			task.Done()
			continue
		}

		select {
		case e.outbox <- env:
		case <-e.ctx.Done():
			return
		}
	}
}

// buildEnvelope satisfies one task by reading the block from the store.
// A WantHave entry is answered with a Have presence rather than the
// block bytes (supplemented feature, see SPEC_FULL.md); a WantBlock
// entry gets the full block, per spec.md §4.6 step 4. We only ever
// enqueue tasks for CIDs we hold (enqueueWantlistTasks), so there is no
// DontHave negative-cache response path here.
func (e *Engine) buildEnvelope(task *peerRequestTask) *Envelope {
	has, err := e.bs.Has(e.ctx, task.Entry.Cid)
	if err != nil {
		log.Debugf("bitswap decision: store.Has error: %s", err)
		return nil
	}
	if !has {
		return nil
	}

	l := e.ledgerFor(task.Target)

	if task.Entry.WantType == wantlist.WantHave {
		msg := bsmsg.New(false)
		msg.AddBlockPresence(task.Entry.Cid, bsmsg.Have)
		return &Envelope{
			Peer:    task.Target,
			Message: msg,
			Sent: func() {
				l.RemoveWant(task.Entry.Cid)
				task.Done()
			},
		}
	}

	b, err := e.bs.Get(e.ctx, task.Entry.Cid)
	if err != nil {
		log.Debugf("bitswap decision: store.Get error: %s", err)
		return nil
	}

	msg := bsmsg.New(false)
	msg.AddBlock(b)

	n := len(b.RawData())

	return &Envelope{
		Peer:    task.Target,
		Message: msg,
		Sent: func() {
			l.addBytesSent(uint64(n))
			l.RemoveWant(task.Entry.Cid)
			task.Done()
		},
	}
}

// MessageReceived processes an inbound message from p, per spec.md
// §4.6 steps 1-4, and returns the blocks it carried so the coordinator
// can write them to the store and resolve waiters (step 5).
func (e *Engine) MessageReceived(ctx context.Context, p peer.ID, m bsmsg.BitSwapMessage) []blocks.Block {
	l := e.ledgerFor(p)

	var total uint64
	incoming := m.Blocks()
	for _, b := range incoming {
		total += uint64(len(b.RawData()))
	}
	l.addBytesRecv(total)

	if m.Full() {
		full := make([]wantlist.Entry, 0, len(m.Wantlist()))
		for _, entry := range m.Wantlist() {
			full = append(full, wantlist.Entry{Cid: entry.Cid, Priority: entry.Priority, WantType: entry.WantType, Cancel: entry.Cancel})
		}
		l.ReplaceWantlist(full)
	} else {
		for _, entry := range m.Wantlist() {
			l.ApplyDelta(entry.Cid, entry.Priority, entry.WantType, entry.Cancel)
		}
	}

	// Their send of these blocks is complete; they no longer need them
	// from us (spec.md §4.6 step 3).
	for _, b := range incoming {
		l.RemoveWant(b.Cid())
	}

	e.enqueueWantlistTasks(p, l)

	return incoming
}

// enqueueWantlistTasks walks p's observed wantlist in priority order
// and enqueues a task for every CID we can presently serve, per
// spec.md §4.6 step 4.
func (e *Engine) enqueueWantlistTasks(p peer.ID, l *Ledger) {
	for _, entry := range l.Wantlist() {
		has, err := e.bs.Has(e.ctx, entry.Cid)
		if err != nil {
			log.Debugf("bitswap decision: store.Has error: %s", err)
			continue
		}
		if !has {
			continue
		}
		e.push(entry, p)
	}
}

// MessageSent is bookkeeping-only: it accounts for blocks sent outside
// of the task-queue path and removes each CID from the peer's wantlist
// if present, per spec.md §4.6. Blocks sent through Outbox are already
// accounted by Envelope.Sent, and the coordinator's put() reaches peers
// through NotifyNewBlock and the task queue, so nothing in this module
// calls MessageSent.
func (e *Engine) MessageSent(p peer.ID, m bsmsg.BitSwapMessage) {
	l := e.ledgerFor(p)
	for _, b := range m.Blocks() {
		l.addBytesSent(uint64(len(b.RawData())))
		l.RemoveWant(b.Cid())
	}
}

// NotifyNewBlock enqueues sends to any connected peer whose observed
// wantlist contains c, per spec.md §4.7 put() step 5.
func (e *Engine) NotifyNewBlock(c cid.Cid) {
	e.ledgerLk.Lock()
	peers := make([]peer.ID, 0, len(e.ledgers))
	for p, l := range e.ledgers {
		if l.WantlistContains(c) {
			peers = append(peers, p)
		}
	}
	e.ledgerLk.Unlock()

	for _, p := range peers {
		l := e.ledgerFor(p)
		entry, ok := l.wantlistEntry(c)
		if !ok {
			continue
		}
		e.push(entry, p)
	}
}
