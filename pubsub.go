package bitswap

import (
	"context"
	"sync"

	blocks "github.com/ipfs/go-block-format"
	cid "github.com/ipfs/go-cid"
)

// pubSub fans newly-available blocks out to any local waiters, per
// spec.md §4.7 ("resolve every pending Get/GetMany waiting on this
// CID"). The teacher's call sites (bs.notifications.Subscribe/
// Publish/Shutdown in bitswap.go) describe this exact contract, but its
// backing notifications package was not itself part of the retrieval
// pack, so this is a fresh implementation of that contract rather than
// an adaptation of teacher source (see DESIGN.md).
//
// Each subscription also gets a one-shot failure sink: cancel() uses it
// to fail a waiter with an explicit error (spec.md §4.7 "unwant") without
// ever closing the block channel itself, and the ctx.Done cleanup path
// uses the same removal bookkeeping to tell onLastWaiterGone which CIDs
// just lost their last local waiter (spec.md §4.7 step 5, "removing the
// last notifier triggers want_manager.cancel_wants").
type pubSub struct {
	mu       sync.Mutex
	subs     map[cid.Cid]map[chan blocks.Block]struct{}
	failures map[chan blocks.Block]chan error
	done     bool

	// onLastWaiterGone is invoked (outside ps.mu) with a CID whose
	// subscriber set just became empty because a waiter's context
	// ended, not because the want resolved. nil in tests that don't
	// care about want-manager wiring.
	onLastWaiterGone func(cid.Cid)
}

func newPubSub(onLastWaiterGone func(cid.Cid)) *pubSub {
	return &pubSub{
		subs:             make(map[cid.Cid]map[chan blocks.Block]struct{}),
		failures:         make(map[chan blocks.Block]chan error),
		onLastWaiterGone: onLastWaiterGone,
	}
}

// subscribe returns a channel that receives each wanted block at most
// once as it becomes available, plus a one-shot error channel that
// fires if cancel() fails this subscription first (spec.md §4.7
// "unwant"). The block channel is never closed (a closed channel would
// race against a concurrent publish); callers must select on
// ctx.Done() and the error channel alongside it, as Get/GetMany do.
func (ps *pubSub) subscribe(ctx context.Context, keys []cid.Cid) (<-chan blocks.Block, <-chan error) {
	out := make(chan blocks.Block, len(keys))
	failed := make(chan error, 1)

	ps.mu.Lock()
	if ps.done {
		ps.mu.Unlock()
		return out, failed
	}
	remaining := make(map[cid.Cid]struct{}, len(keys))
	for _, k := range keys {
		remaining[k] = struct{}{}
		if ps.subs[k] == nil {
			ps.subs[k] = make(map[chan blocks.Block]struct{})
		}
		ps.subs[k][out] = struct{}{}
	}
	ps.failures[out] = failed
	ps.mu.Unlock()

	go func() {
		<-ctx.Done()
		ps.mu.Lock()
		var emptied []cid.Cid
		for k := range remaining {
			// A CID already resolved by publish or failed by cancel no
			// longer holds this waiter; it is not reported as emptied.
			if _, mine := ps.subs[k][out]; !mine {
				continue
			}
			delete(ps.subs[k], out)
			if len(ps.subs[k]) == 0 {
				delete(ps.subs, k)
				emptied = append(emptied, k)
			}
		}
		delete(ps.failures, out)
		ps.mu.Unlock()

		if ps.onLastWaiterGone != nil {
			for _, k := range emptied {
				ps.onLastWaiterGone(k)
			}
		}
	}()

	return out, failed
}

// publish delivers b to every waiter for b.Cid(), per spec.md §4.7.
func (ps *pubSub) publish(b blocks.Block) {
	ps.mu.Lock()
	waiters := ps.subs[b.Cid()]
	delete(ps.subs, b.Cid())
	ps.mu.Unlock()

	for ch := range waiters {
		select {
		case ch <- b:
		default:
		}
	}
}

// cancel fails every waiter subscribed to any of cids with err,
// without closing their block channels, per spec.md §4.7 ("immediately
// fail any pending waiters with an Unwanted error"). Only the
// cancelled CIDs' registrations are removed; a GetMany batch spanning
// several CIDs still receives blocks for the CIDs that were not
// unwanted, since its underlying channel is shared and left open.
func (ps *pubSub) cancel(cids []cid.Cid, err error) {
	ps.mu.Lock()
	notify := make(map[chan blocks.Block]chan error)
	for _, c := range cids {
		for ch := range ps.subs[c] {
			if sink, ok := ps.failures[ch]; ok {
				notify[ch] = sink
			}
		}
		delete(ps.subs, c)
	}
	for ch := range notify {
		delete(ps.failures, ch)
	}
	ps.mu.Unlock()

	for _, sink := range notify {
		select {
		case sink <- err:
		default:
		}
	}
}

// shutdown marks the pubSub closed; further subscribe calls return a
// block channel that is registered with nothing, so it never receives a
// block (and, like every block channel here, is never closed).
func (ps *pubSub) shutdown() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.done = true
}
