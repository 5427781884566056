// Package blockstore declares the external block-store contract
// (spec.md §6) that the engine and coordinator are built against, plus
// a simple in-memory implementation used by tests and the in-module
// testnet harness. Persistent block storage is out of scope (spec.md
// §1); this package exists only so the rest of the module has a
// concrete type to compile and test against.
package blockstore

import (
	"context"
	"sync"

	blocks "github.com/ipfs/go-block-format"
	cid "github.com/ipfs/go-cid"
	"github.com/pkg/errors"
)

// ErrNotFound is returned by Get when the block is absent, per
// spec.md §7.
var ErrNotFound = errors.New("blockstore: block not found")

// Blockstore is the key->bytes mapping collaborator named in spec.md §6.
type Blockstore interface {
	Has(ctx context.Context, c cid.Cid) (bool, error)
	Get(ctx context.Context, c cid.Cid) (blocks.Block, error)
	Put(ctx context.Context, b blocks.Block) error
	PutMany(ctx context.Context, bs []blocks.Block) error
}

// MapBlockstore is a trivial in-memory Blockstore, safe for concurrent
// use (spec.md §5: "The block store is shared-for-read-and-write;
// writers are serialized by the store").
type MapBlockstore struct {
	mu     sync.RWMutex
	blocks map[cid.Cid]blocks.Block
}

// NewMap returns an empty MapBlockstore.
func NewMap() *MapBlockstore {
	return &MapBlockstore{blocks: make(map[cid.Cid]blocks.Block)}
}

func (m *MapBlockstore) Has(ctx context.Context, c cid.Cid) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blocks[c]
	return ok, nil
}

func (m *MapBlockstore) Get(ctx context.Context, c cid.Cid) (blocks.Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blocks[c]
	if !ok {
		return nil, ErrNotFound
	}
	return b, nil
}

func (m *MapBlockstore) Put(ctx context.Context, b blocks.Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocks[b.Cid()] = b
	return nil
}

func (m *MapBlockstore) PutMany(ctx context.Context, bs []blocks.Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range bs {
		m.blocks[b.Cid()] = b
	}
	return nil
}
