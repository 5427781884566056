package bitswap

import (
	"context"
	"sync"
	"time"

	cid "github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p-core/peer"

	bsmsg "github.com/vijayee/go-bitswap/message"
	bsnet "github.com/vijayee/go-bitswap/network"
	"github.com/vijayee/go-bitswap/wantlist"
)

var mqlog = logging.Logger("bitswap-msgqueue")

// msgQueue coalesces one peer's outbound want/cancel entries and
// flushes them as a single message after a short debounce, per spec.md
// §4.4/§4.5 ("wantlist_send_debounce_ms"). Adapted from the teacher's
// peermanager.go msgQueue/runQueue, generalized from a plain work
// signal to a real debounce timer and from u.Key to cid.Cid. Proactive
// block sends to peers who want a CID we just learned of go through
// the decision engine's task queue/Outbox instead (decision/engine.go,
// workers.go taskWorker) — that path already owns per-peer send
// ordering and ledger accounting, so this queue only ever carries
// wantlist traffic.
type msgQueue struct {
	p        peer.ID
	network  bsnet.BitSwapNetwork
	debounce time.Duration

	lk        sync.Mutex
	wlEntries map[cid.Cid]bsmsg.Entry
	full      bool

	work chan struct{}
	done chan struct{}
}

func newMsgQueue(p peer.ID, network bsnet.BitSwapNetwork, debounce time.Duration) *msgQueue {
	return &msgQueue{
		p:         p,
		network:   network,
		debounce:  debounce,
		wlEntries: make(map[cid.Cid]bsmsg.Entry),
		work:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// addEntries merges want/cancel entries into the pending batch, per I8
// (a partial update only touches the CIDs it names).
func (mq *msgQueue) addEntries(entries []wantlist.Entry, full bool, cancel bool) {
	mq.lk.Lock()
	defer func() {
		mq.lk.Unlock()
		mq.signalWork()
	}()

	if full {
		mq.full = true
		mq.wlEntries = make(map[cid.Cid]bsmsg.Entry)
	}
	for _, e := range entries {
		mq.wlEntries[e.Cid] = bsmsg.Entry{
			Cid:      e.Cid,
			Priority: e.Priority,
			WantType: e.WantType,
			Cancel:   cancel,
		}
	}
}

func (mq *msgQueue) signalWork() {
	select {
	case mq.work <- struct{}{}:
	default:
	}
}

func (mq *msgQueue) stop() {
	close(mq.done)
}

// run waits for work, debounces briefly to coalesce rapid-fire
// add/cancel calls into one message, then flushes (spec.md §4.5).
func (mq *msgQueue) run(ctx context.Context) {
	for {
		select {
		case <-mq.work:
			select {
			case <-time.After(mq.debounce):
			case <-mq.done:
				return
			case <-ctx.Done():
				return
			}
			mq.flush(ctx)
		case <-mq.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (mq *msgQueue) flush(ctx context.Context) {
	mq.lk.Lock()
	entries := mq.wlEntries
	full := mq.full
	mq.wlEntries = make(map[cid.Cid]bsmsg.Entry)
	mq.full = false
	mq.lk.Unlock()

	if len(entries) == 0 {
		return
	}

	if err := mq.network.ConnectTo(ctx, mq.p); err != nil {
		mqlog.Debugf("bitswap msgqueue: connect to %s failed: %s", mq.p, err)
		return
	}

	m := bsmsg.New(full)
	for _, e := range entries {
		m.AddEntry(e.Cid, e.Priority, e.WantType, e.Cancel)
	}
	mq.sendMessage(ctx, m)
}

func (mq *msgQueue) sendMessage(ctx context.Context, m bsmsg.BitSwapMessage) {
	if err := mq.network.SendMessage(ctx, mq.p, m); err != nil {
		mqlog.Debugf("bitswap msgqueue: send to %s failed: %s", mq.p, err)
	}
}
