package bitswap

import (
	"context"
	"time"

	cid "github.com/ipfs/go-cid"
	"github.com/jbenet/goprocess"
)

// startWorkers launches the background goroutines that drive outbound
// traffic: task workers draining the decision engine's Outbox, a
// provide collector/worker pair announcing new local blocks to
// routing, and a rebroadcast worker resending the unresolved local
// wantlist to providers. Adapted from the teacher's workers.go
// (startWorkers/taskWorker/provideCollector/provideWorker/
// rebroadcastWorker), generalized from a fixed package-level
// TaskWorkerCount var to Options, and from the teacher's delay.D to
// plain time.Duration.
func (bs *Bitswap) startWorkers(px goprocess.Process) {
	for i := 0; i < bs.options.TaskWorkerCount; i++ {
		px.Go(func(goprocess.Process) { bs.taskWorker() })
	}

	px.Go(func(goprocess.Process) { bs.rebroadcastWorker() })

	provideKeys := make(chan cid.Cid)
	px.Go(func(goprocess.Process) { bs.provideCollector(provideKeys) })
	for i := 0; i < bs.options.ProvideWorkerCount; i++ {
		px.Go(func(goprocess.Process) { bs.provideWorker(provideKeys) })
	}
}

// taskWorker sends whatever the decision engine hands it next, per
// spec.md §4.6 step 4.
func (bs *Bitswap) taskWorker() {
	for {
		select {
		case env, ok := <-bs.engine.Outbox():
			if !ok {
				return
			}
			// env.Sent accounts bytes and clears the want on the
			// engine's ledger; it must run exactly once per envelope,
			// regardless of send outcome, so a failed send doesn't
			// wedge the peer's active-task slot.
			if err := bs.network.SendMessage(bs.ctx, env.Peer, env.Message); err != nil {
				log.Debugf("bitswap: send to %s failed: %s", env.Peer, err)
			}
			env.Sent()
		case <-bs.ctx.Done():
			return
		}
	}
}

// provideCollector relays newly stored block CIDs to provideWorker,
// draining bs.newBlocks into provideKeys without blocking callers of
// HasBlock/PutMany when no worker is immediately free.
func (bs *Bitswap) provideCollector(provideKeys chan<- cid.Cid) {
	defer close(provideKeys)
	var pending []cid.Cid
	var out chan<- cid.Cid
	var next cid.Cid

	for {
		if len(pending) > 0 {
			out = provideKeys
			next = pending[0]
		} else {
			out = nil
		}

		select {
		case c, ok := <-bs.newBlocks:
			if !ok {
				return
			}
			pending = append(pending, c)
		case out <- next:
			pending = pending[1:]
		case <-bs.ctx.Done():
			return
		}
	}
}

func (bs *Bitswap) provideWorker(provideKeys <-chan cid.Cid) {
	for {
		select {
		case c, ok := <-provideKeys:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(bs.ctx, bs.options.ProvideTimeout)
			if err := bs.network.Provide(ctx, c); err != nil {
				log.Debugf("bitswap: provide %s failed: %s", c, err)
			}
			cancel()
		case <-bs.ctx.Done():
			return
		}
	}
}

// rebroadcastWorker periodically resends the unresolved local wantlist
// to freshly discovered providers, per spec.md §4.4.
func (bs *Bitswap) rebroadcastWorker() {
	ticker := time.NewTicker(bs.options.RebroadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			entries := bs.wm.wantlistSnapshot()
			if len(entries) == 0 {
				continue
			}
			cids := make([]cid.Cid, 0, len(entries))
			for _, e := range entries {
				cids = append(cids, e.Cid)
			}
			go bs.findProvidersAndBroadcast(bs.ctx, cids)
		case <-bs.ctx.Done():
			return
		}
	}
}
