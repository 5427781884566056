// Package wantlist implements an ordered multiset of wanted CIDs,
// annotated with priority and want-type, and reference counted so that
// multiple local wanters of the same block collapse into a single
// outbound want.
package wantlist

import (
	"sort"
	"sync"

	cid "github.com/ipfs/go-cid"
)

// WantType describes what a wanter is asking a remote peer for.
type WantType int

const (
	// WantBlock requests the full block bytes.
	WantBlock WantType = iota
	// WantHave requests only a Have/DontHave presence indication.
	WantHave
)

// Entry is a single wantlist record.
type Entry struct {
	Cid      cid.Cid
	Priority int32
	WantType WantType
	// RefCnt counts the number of local wanters (or, for a peer's
	// wantlist as we observe it, the number of times the peer has sent
	// an add for this CID without an intervening cancel).
	RefCnt int
	// Cancel marks an entry as a cancel rather than a want. It is carried
	// for callers; Wantlist's own methods neither set nor read it.
	Cancel bool
}

// Wantlist is a mapping of CID to Entry, refcounted on add/remove.
// It is not safe for concurrent use; see ThreadSafe for that.
type Wantlist struct {
	set map[cid.Cid]Entry
}

// New returns an empty Wantlist.
func New() *Wantlist {
	return &Wantlist{set: make(map[cid.Cid]Entry)}
}

// Add inserts c with the given priority/want-type, or increments its
// refcount if already present. Returns true if this is a net-new entry.
func (w *Wantlist) Add(c cid.Cid, priority int32, wantType WantType) bool {
	e, ok := w.set[c]
	if ok {
		e.RefCnt++
		w.set[c] = e
		return false
	}
	w.set[c] = Entry{Cid: c, Priority: priority, WantType: wantType, RefCnt: 1}
	return true
}

// AddEntry inserts a pre-built entry, refcounting identically to Add.
func (w *Wantlist) AddEntry(e Entry) bool {
	cur, ok := w.set[e.Cid]
	if ok {
		cur.RefCnt++
		w.set[e.Cid] = cur
		return false
	}
	if e.RefCnt < 1 {
		e.RefCnt = 1
	}
	w.set[e.Cid] = e
	return true
}

// Remove decrements c's refcount, deleting the entry at zero. Returns
// true if the entry was deleted (refcount reached zero).
func (w *Wantlist) Remove(c cid.Cid) bool {
	e, ok := w.set[c]
	if !ok {
		return false
	}
	e.RefCnt--
	if e.RefCnt <= 0 {
		delete(w.set, c)
		return true
	}
	w.set[c] = e
	return false
}

// RemoveForce unconditionally deletes c regardless of refcount. Returns
// true if an entry was present.
func (w *Wantlist) RemoveForce(c cid.Cid) bool {
	_, ok := w.set[c]
	delete(w.set, c)
	return ok
}

// Contains reports whether c is in the wantlist, and its entry if so.
func (w *Wantlist) Contains(c cid.Cid) (Entry, bool) {
	e, ok := w.set[c]
	return e, ok
}

// Len returns the number of distinct CIDs in the wantlist.
func (w *Wantlist) Len() int {
	return len(w.set)
}

// Entries returns an unordered snapshot of every entry.
func (w *Wantlist) Entries() []Entry {
	out := make([]Entry, 0, len(w.set))
	for _, e := range w.set {
		out = append(out, e)
	}
	return out
}

// SortedEntries returns a snapshot ordered deterministically by the
// CID's canonical byte representation, so that two peers computing the
// same wantlist produce identical wire bytes (spec I7).
func (w *Wantlist) SortedEntries() []Entry {
	out := w.Entries()
	sort.Slice(out, func(i, j int) bool {
		return lessBytes(out[i].Cid.Bytes(), out[j].Cid.Bytes())
	})
	return out
}

func lessBytes(a, b []byte) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

// ThreadSafe wraps a Wantlist with a mutex for use by multiple goroutines.
type ThreadSafe struct {
	lk sync.RWMutex
	wl *Wantlist
}

// NewThreadSafe returns an empty, mutex-guarded Wantlist.
func NewThreadSafe() *ThreadSafe {
	return &ThreadSafe{wl: New()}
}

func (w *ThreadSafe) Add(c cid.Cid, priority int32, wantType WantType) bool {
	w.lk.Lock()
	defer w.lk.Unlock()
	return w.wl.Add(c, priority, wantType)
}

func (w *ThreadSafe) AddEntry(e Entry) bool {
	w.lk.Lock()
	defer w.lk.Unlock()
	return w.wl.AddEntry(e)
}

func (w *ThreadSafe) Remove(c cid.Cid) bool {
	w.lk.Lock()
	defer w.lk.Unlock()
	return w.wl.Remove(c)
}

func (w *ThreadSafe) RemoveForce(c cid.Cid) bool {
	w.lk.Lock()
	defer w.lk.Unlock()
	return w.wl.RemoveForce(c)
}

func (w *ThreadSafe) Contains(c cid.Cid) (Entry, bool) {
	w.lk.RLock()
	defer w.lk.RUnlock()
	return w.wl.Contains(c)
}

func (w *ThreadSafe) Len() int {
	w.lk.RLock()
	defer w.lk.RUnlock()
	return w.wl.Len()
}

func (w *ThreadSafe) Entries() []Entry {
	w.lk.RLock()
	defer w.lk.RUnlock()
	return w.wl.Entries()
}

func (w *ThreadSafe) SortedEntries() []Entry {
	w.lk.RLock()
	defer w.lk.RUnlock()
	return w.wl.SortedEntries()
}
