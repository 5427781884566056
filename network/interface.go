// Package network implements the bitswap network adapter: protocol
// negotiation across the legacy and current wire formats, dialing,
// per-stream framing, idle timeouts, and delegation to a routing
// collaborator for provider discovery, per spec.md §4.3/§6.
package network

import (
	"context"
	"time"

	cid "github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/libp2p/go-libp2p-core/protocol"

	bsmsg "github.com/vijayee/go-bitswap/message"
)

// Protocol IDs, advertised newest-first so the remote peer picks the
// highest mutually supported protocol (spec.md §4.3).
const (
	ProtocolBitswap100 protocol.ID = "/ipfs/bitswap/1.0.0"
	ProtocolBitswap110 protocol.ID = "/ipfs/bitswap/1.1.0"
	ProtocolBitswap120 protocol.ID = "/ipfs/bitswap/1.2.0"
)

// ProtocolVersionFor maps a negotiated protocol.ID to the message wire
// variant it implies.
func ProtocolVersionFor(p protocol.ID) bsmsg.ProtocolVersion {
	if p == ProtocolBitswap100 {
		return bsmsg.ProtocolV100
	}
	return bsmsg.ProtocolV110
}

// PeerInfo is the minimal provider record surfaced by routing, per
// spec.md §6 ("find_providers(cid) -> stream of PeerInfo").
type PeerInfo struct {
	ID peer.ID
}

// Receiver is implemented by the component (the decision engine, via
// the session coordinator) that consumes inbound messages and topology
// events, per spec.md §4.3.
type Receiver interface {
	ReceiveMessage(ctx context.Context, sender peer.ID, incoming bsmsg.BitSwapMessage)
	ReceiveError(err error)
	PeerConnected(p peer.ID)
	PeerDisconnected(p peer.ID)
}

// MessageSender is a single outbound conversation with a peer: a
// reusable stream that serializes further SendMsg calls, matching
// spec.md §4.5's "at most one message being written at a time per
// stream" guarantee.
type MessageSender interface {
	SendMsg(ctx context.Context, m bsmsg.BitSwapMessage) error
	Close() error
	Reset() error
}

// BitSwapNetwork is the transport contract consumed by the rest of the
// engine (spec.md §6).
type BitSwapNetwork interface {
	Start(r Receiver) error
	Stop()

	ConnectTo(ctx context.Context, p peer.ID) error
	SendMessage(ctx context.Context, p peer.ID, m bsmsg.BitSwapMessage) error
	NewMessageSender(ctx context.Context, p peer.ID) (MessageSender, error)

	FindProvidersAsync(ctx context.Context, c cid.Cid, max int) <-chan PeerInfo
	Provide(ctx context.Context, c cid.Cid) error
}

// Settings bundles the configuration options named in spec.md §6.
type Settings struct {
	B100Only               bool
	MaxProvidersPerRequest int
	IncomingStreamTimeout  time.Duration
	MaxInboundStreams      int
	MaxOutboundStreams     int

	// HashLoader hashes incoming blocks on the legacy v1.0.0 wire, where
	// blocks arrive as raw bytes with no accompanying CID prefix, to
	// derive their CIDv0. Defaults to bsmsg.DefaultHashLoader.
	HashLoader bsmsg.HashLoader
}

// DefaultSettings returns the spec-mandated defaults.
func DefaultSettings() Settings {
	return Settings{
		MaxProvidersPerRequest: 10,
		IncomingStreamTimeout:  30 * time.Second,
		MaxInboundStreams:      32,
		MaxOutboundStreams:     128,
		HashLoader:             bsmsg.DefaultHashLoader,
	}
}

// SupportedProtocols returns the protocol list to advertise, newest
// first, honoring B100Only (spec.md §4.3).
func (s Settings) SupportedProtocols() []protocol.ID {
	if s.B100Only {
		return []protocol.ID{ProtocolBitswap100}
	}
	return []protocol.ID{ProtocolBitswap120, ProtocolBitswap110, ProtocolBitswap100}
}
