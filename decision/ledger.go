package decision

import (
	"sort"
	"sync"

	cid "github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p-core/peer"

	"github.com/vijayee/go-bitswap/wantlist"
)

// Ledger is the per-peer accounting record described in spec.md §3:
// bytes exchanged and the wantlist that peer has sent us.
type Ledger struct {
	lk sync.Mutex

	Partner peer.ID

	bytesSent uint64
	bytesRecv uint64

	// wantlist is this peer's wantlist as we've observed it via their
	// messages (spec.md §4.6 step 2).
	wantlist *wantlist.Wantlist

	exchanged uint64
}

func newLedger(p peer.ID) *Ledger {
	return &Ledger{
		Partner:  p,
		wantlist: wantlist.New(),
	}
}

// BytesSent returns total bytes sent to this peer since creation (I2).
func (l *Ledger) BytesSent() uint64 {
	l.lk.Lock()
	defer l.lk.Unlock()
	return l.bytesSent
}

// BytesRecv returns total bytes received from this peer since creation.
func (l *Ledger) BytesRecv() uint64 {
	l.lk.Lock()
	defer l.lk.Unlock()
	return l.bytesRecv
}

// DebtRatio implements I3 exactly: bytesSent / (bytesRecv + 1).
func (l *Ledger) DebtRatio() float64 {
	l.lk.Lock()
	defer l.lk.Unlock()
	return float64(l.bytesSent) / float64(l.bytesRecv+1)
}

func (l *Ledger) addBytesSent(n uint64) {
	l.lk.Lock()
	defer l.lk.Unlock()
	l.bytesSent += n
	l.exchanged += n
}

func (l *Ledger) addBytesRecv(n uint64) {
	l.lk.Lock()
	defer l.lk.Unlock()
	l.bytesRecv += n
	l.exchanged += n
}

// Exchanged returns total bytes sent and received combined.
func (l *Ledger) Exchanged() uint64 {
	l.lk.Lock()
	defer l.lk.Unlock()
	return l.exchanged
}

// ReplaceWantlist installs a brand-new wantlist, used for a full
// (non-delta) wantlist message (spec.md §4.6 step 2).
func (l *Ledger) ReplaceWantlist(entries []wantlist.Entry) {
	l.lk.Lock()
	defer l.lk.Unlock()
	l.wantlist = wantlist.New()
	for _, e := range entries {
		l.wantlist.AddEntry(e)
	}
}

// ApplyDelta adds or removes individual entries from this peer's
// observed wantlist (spec.md §4.6 step 2, and I8: a delta update never
// touches entries it doesn't mention).
func (l *Ledger) ApplyDelta(c cid.Cid, priority int32, wantType wantlist.WantType, cancel bool) {
	l.lk.Lock()
	defer l.lk.Unlock()
	if cancel {
		l.wantlist.RemoveForce(c)
		return
	}
	l.wantlist.Add(c, priority, wantType)
}

// RemoveWant drops a single CID from this peer's observed wantlist,
// e.g. once we've sent them the block (spec.md §4.6 MessageSent).
func (l *Ledger) RemoveWant(c cid.Cid) {
	l.lk.Lock()
	defer l.lk.Unlock()
	l.wantlist.RemoveForce(c)
}

// WantlistContains reports whether this peer currently wants c.
func (l *Ledger) WantlistContains(c cid.Cid) bool {
	l.lk.Lock()
	defer l.lk.Unlock()
	_, ok := l.wantlist.Contains(c)
	return ok
}

// wantlistEntry returns this peer's observed entry for c, if any.
func (l *Ledger) wantlistEntry(c cid.Cid) (wantlist.Entry, bool) {
	l.lk.Lock()
	defer l.lk.Unlock()
	return l.wantlist.Contains(c)
}

// Wantlist returns a deterministic snapshot of this peer's observed
// wantlist, highest priority first (spec.md §4.6 step 4).
func (l *Ledger) Wantlist() []wantlist.Entry {
	l.lk.Lock()
	defer l.lk.Unlock()
	entries := l.wantlist.Entries()
	sortByPriorityThenInsertion(entries)
	return entries
}

// sortByPriorityThenInsertion orders entries highest-priority-first,
// per spec.md §4.6 step 4 ("iterate ... in priority order (highest
// first, ties broken by insertion order)"). Map iteration order in Go
// is randomized, so ties are broken by CID byte order instead, which is
// deterministic and stable across calls for the same wantlist contents.
func sortByPriorityThenInsertion(entries []wantlist.Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Priority != entries[j].Priority {
			return entries[i].Priority > entries[j].Priority
		}
		return lessCidBytes(entries[i].Cid.Bytes(), entries[j].Cid.Bytes())
	})
}

func lessCidBytes(a, b []byte) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}
