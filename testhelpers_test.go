package bitswap

import (
	"context"
	"testing"

	"github.com/libp2p/go-libp2p-core/peer"

	bsmsg "github.com/vijayee/go-bitswap/message"
)

// peerID derives a deterministic test peer.ID from a label, so tests
// reading as prose ("local", "remote") don't need real key material.
// The virtual testnet only ever compares peer.IDs for equality, so a
// plain labeled string is a sufficient stand-in.
func peerID(t *testing.T, label string) peer.ID {
	t.Helper()
	return peer.ID(label)
}

// fakeReceiver implements network.Receiver for exercising msgQueue/
// wantManager sends without a full Bitswap instance.
type fakeReceiver struct {
	onMsg func(bsmsg.BitSwapMessage)
}

func (f *fakeReceiver) ReceiveMessage(ctx context.Context, sender peer.ID, m bsmsg.BitSwapMessage) {
	if f.onMsg != nil {
		f.onMsg(m)
	}
}
func (f *fakeReceiver) ReceiveError(err error)     {}
func (f *fakeReceiver) PeerConnected(p peer.ID)    {}
func (f *fakeReceiver) PeerDisconnected(p peer.ID) {}
