package network

import (
	"context"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pkg/errors"

	cid "github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p-core/host"
	inet "github.com/libp2p/go-libp2p-core/network"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/libp2p/go-libp2p-core/routing"
	ma "github.com/multiformats/go-multiaddr"

	bsmsg "github.com/vijayee/go-bitswap/message"
)

var log = logging.Logger("bitswap-network")

// Sentinel errors, per spec.md §7.
var (
	ErrNotRunning = errors.New("bitswap network: not running")
	ErrDial       = errors.New("bitswap network: dial failed")
)

// NewFromIpfsHost returns a BitSwapNetwork layered over an existing
// libp2p host and content router, per spec.md §4.3/§6. Adapted from the
// teacher's exchange/bitswap/network/ipfs_impl.go, regrounded onto
// go-libp2p-core in place of the teacher's GOPATH-era p2p/* packages.
func NewFromIpfsHost(h host.Host, r routing.ContentRouting, settings Settings) BitSwapNetwork {
	return &impl{
		host:     h,
		routing:  r,
		settings: settings,
	}
}

type impl struct {
	host     host.Host
	routing  routing.ContentRouting
	settings Settings

	mu       sync.Mutex
	running  bool
	receiver Receiver
}

func (bsnet *impl) Start(r Receiver) error {
	bsnet.mu.Lock()
	defer bsnet.mu.Unlock()
	bsnet.receiver = r
	bsnet.running = true

	for _, p := range bsnet.settings.SupportedProtocols() {
		bsnet.host.SetStreamHandler(p, bsnet.handleNewStream)
	}
	bsnet.host.Network().Notify((*netNotifiee)(bsnet))

	// Replay every already-open connection as on_connect, per spec.md §4.3.
	for _, p := range bsnet.host.Network().Peers() {
		r.PeerConnected(p)
	}
	return nil
}

func (bsnet *impl) Stop() {
	bsnet.mu.Lock()
	defer bsnet.mu.Unlock()
	bsnet.running = false
	for _, p := range bsnet.settings.SupportedProtocols() {
		bsnet.host.RemoveStreamHandler(p)
	}
	bsnet.host.Network().StopNotify((*netNotifiee)(bsnet))
}

func (bsnet *impl) isRunning() bool {
	bsnet.mu.Lock()
	defer bsnet.mu.Unlock()
	return bsnet.running
}

func (bsnet *impl) ConnectTo(ctx context.Context, p peer.ID) error {
	if !bsnet.isRunning() {
		return ErrNotRunning
	}
	if err := bsnet.host.Connect(ctx, peer.AddrInfo{ID: p}); err != nil {
		return errors.Wrap(ErrDial, err.Error())
	}
	return nil
}

func (bsnet *impl) newStreamToPeer(ctx context.Context, p peer.ID) (inet.Stream, error) {
	if !bsnet.isRunning() {
		return nil, ErrNotRunning
	}
	if err := bsnet.host.Connect(ctx, peer.AddrInfo{ID: p}); err != nil {
		return nil, errors.Wrap(ErrDial, err.Error())
	}
	s, err := bsnet.host.NewStream(ctx, p, bsnet.settings.SupportedProtocols()...)
	if err != nil {
		return nil, errors.Wrap(ErrDial, err.Error())
	}
	return s, nil
}

// SendMessage dials if needed, opens a new stream, serializes per the
// negotiated protocol, and closes the stream, per spec.md §4.3.
func (bsnet *impl) SendMessage(ctx context.Context, p peer.ID, m bsmsg.BitSwapMessage) error {
	s, err := bsnet.newStreamToPeer(ctx, p)
	if err != nil {
		return err
	}
	defer s.Close()
	return writeMessage(s, m)
}

func writeMessage(s inet.Stream, m bsmsg.BitSwapMessage) error {
	if ProtocolVersionFor(s.Protocol()) == bsmsg.ProtocolV100 {
		return m.ToNetV0(s)
	}
	return m.ToNetV1(s)
}

// NewMessageSender opens a single reusable stream to p; SendMsg calls
// on the result are serialized by the stream itself, satisfying
// spec.md §4.5's per-peer ordering guarantee when the msgqueue uses a
// single sender per peer.
func (bsnet *impl) NewMessageSender(ctx context.Context, p peer.ID) (MessageSender, error) {
	s, err := bsnet.newStreamToPeer(ctx, p)
	if err != nil {
		return nil, err
	}
	return &messageSender{s: s}, nil
}

type messageSender struct {
	lk sync.Mutex
	s  inet.Stream
}

func (ms *messageSender) SendMsg(ctx context.Context, m bsmsg.BitSwapMessage) error {
	ms.lk.Lock()
	defer ms.lk.Unlock()
	return writeMessage(ms.s, m)
}

func (ms *messageSender) Close() error { return ms.s.Close() }
func (ms *messageSender) Reset() error { return ms.s.Reset() }

// FindProvidersAsync delegates to the routing collaborator and
// translates each result into a PeerInfo, per spec.md §4.3/§6.
func (bsnet *impl) FindProvidersAsync(ctx context.Context, c cid.Cid, max int) <-chan PeerInfo {
	out := make(chan PeerInfo)
	go func() {
		defer close(out)
		providers := bsnet.routing.FindProvidersAsync(ctx, c, max)
		for info := range providers {
			if info.ID == bsnet.host.ID() {
				continue
			}
			select {
			case <-ctx.Done():
				return
			case out <- PeerInfo{ID: info.ID}:
			}
		}
	}()
	return out
}

func (bsnet *impl) Provide(ctx context.Context, c cid.Cid) error {
	return bsnet.routing.Provide(ctx, c, true)
}

// handleNewStream reads length-prefixed frames until the idle timeout
// fires or the stream closes, per spec.md §4.3.
func (bsnet *impl) handleNewStream(s inet.Stream) {
	defer s.Close()

	timeout := bsnet.settings.IncomingStreamTimeout
	if timeout <= 0 {
		timeout = DefaultSettings().IncomingStreamTimeout
	}
	version := ProtocolVersionFor(s.Protocol())
	remote := s.Conn().RemotePeer()

	for {
		if err := s.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			log.Debugf("bitswap network: set read deadline: %s", err)
			return
		}
		msg, err := bsmsg.FromNet(s, version, bsnet.settings.HashLoader)
		if err != nil {
			bsnet.receiver.ReceiveError(err)
			log.Debugf("bitswap network: handleNewStream from %s error: %s", remote, err)
			return
		}
		bsnet.receiver.ReceiveMessage(context.Background(), remote, msg)
	}
}

type netNotifiee impl

func (nn *netNotifiee) impl() *impl { return (*impl)(nn) }

func (nn *netNotifiee) Connected(n inet.Network, c inet.Conn) {
	nn.impl().receiver.PeerConnected(c.RemotePeer())
}

func (nn *netNotifiee) Disconnected(n inet.Network, c inet.Conn) {
	nn.impl().receiver.PeerDisconnected(c.RemotePeer())
}

func (nn *netNotifiee) Listen(inet.Network, ma.Multiaddr)      {}
func (nn *netNotifiee) ListenClose(inet.Network, ma.Multiaddr) {}
