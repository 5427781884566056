// Package message implements the in-memory representation of a bitswap
// wire message and its serialization to the two protocol variants
// (legacy v1.0.0 and current v1.1.0/v1.2.0), per spec.md §4.1.
package message

import (
	"io"

	blocks "github.com/ipfs/go-block-format"
	cid "github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	msgio "github.com/libp2p/go-msgio"
	"github.com/pkg/errors"

	pb "github.com/vijayee/go-bitswap/message/pb"
	"github.com/vijayee/go-bitswap/wantlist"
)

// Sentinel decode errors, per spec.md §4.1/§7.
var (
	ErrFormat        = errors.New("bitswap message: malformed wire data")
	ErrUnsupportedHash = errors.New("bitswap message: unsupported hash function, no hash_loader registered")
	ErrCidMismatch   = errors.New("bitswap message: reconstructed cid does not match declared prefix+digest")
)

// ProtocolVersion selects which wire variant to use.
type ProtocolVersion int

const (
	// ProtocolV100 is the legacy protocol: CIDv0 only, Block want-type
	// only, raw block bytes on the wire.
	ProtocolV100 ProtocolVersion = iota
	// ProtocolV110 adds want-type, send-dont-have, and CID prefixes.
	ProtocolV110
	// ProtocolV120 is wire-identical to V110 for this core's purposes;
	// later protocol revisions added fields this implementation does
	// not need to distinguish at the message level.
	ProtocolV120
)

// BlockPresenceType mirrors wantlist.WantType's Have/DontHave axis for
// responses rather than requests.
type BlockPresenceType int

const (
	Have BlockPresenceType = iota
	DontHave
)

// BlockPresence is a single Have/DontHave indicator for a CID.
type BlockPresence struct {
	Cid  cid.Cid
	Type BlockPresenceType
}

// Entry is a wantlist record as carried on the wire (a thin view over
// wantlist.Entry plus the Cancel bit, matching spec.md §4.1).
type Entry struct {
	Cid      cid.Cid
	Priority int32
	WantType wantlist.WantType
	Cancel   bool
}

// BitSwapMessage is the in-memory representation of a bitswap wire
// message, per spec.md §3/§4.1.
type BitSwapMessage interface {
	Full() bool
	SetFull(full bool)

	Wantlist() []Entry
	AddEntry(c cid.Cid, priority int32, wantType wantlist.WantType, cancel bool) Entry
	Cancel(c cid.Cid)

	Blocks() []blocks.Block
	AddBlock(b blocks.Block)

	BlockPresences() []BlockPresence
	AddBlockPresence(c cid.Cid, t BlockPresenceType)

	PendingBytes() int32
	SetPendingBytes(n int32)

	Empty() bool

	// ToNetV1 writes the current message using the v1.1.0/v1.2.0 wire
	// format, length-prefixed.
	ToNetV1(w io.Writer) error
	// ToNetV0 writes the current message using the legacy v1.0.0 wire
	// format, length-prefixed.
	ToNetV0(w io.Writer) error
}

type impl struct {
	full           bool
	wantlist       map[cid.Cid]Entry
	blocks         map[cid.Cid]blocks.Block
	blockPresences map[cid.Cid]BlockPresence
	pendingBytes   int32
}

// New returns a new, empty message. full sets the full-wantlist flag
// (spec.md §3: "full = true signals this is my complete wantlist").
func New(full bool) BitSwapMessage {
	return &impl{
		full:           full,
		wantlist:       make(map[cid.Cid]Entry),
		blocks:         make(map[cid.Cid]blocks.Block),
		blockPresences: make(map[cid.Cid]BlockPresence),
	}
}

func (m *impl) Full() bool      { return m.full }
func (m *impl) SetFull(f bool)  { m.full = f }

func (m *impl) Wantlist() []Entry {
	out := make([]Entry, 0, len(m.wantlist))
	for _, e := range m.wantlist {
		out = append(out, e)
	}
	return out
}

func (m *impl) AddEntry(c cid.Cid, priority int32, wantType wantlist.WantType, cancel bool) Entry {
	e := Entry{Cid: c, Priority: priority, WantType: wantType, Cancel: cancel}
	m.wantlist[c] = e
	return e
}

func (m *impl) Cancel(c cid.Cid) {
	m.wantlist[c] = Entry{Cid: c, Cancel: true}
}

func (m *impl) Blocks() []blocks.Block {
	out := make([]blocks.Block, 0, len(m.blocks))
	for _, b := range m.blocks {
		out = append(out, b)
	}
	return out
}

func (m *impl) AddBlock(b blocks.Block) {
	m.blocks[b.Cid()] = b
}

func (m *impl) BlockPresences() []BlockPresence {
	out := make([]BlockPresence, 0, len(m.blockPresences))
	for _, p := range m.blockPresences {
		out = append(out, p)
	}
	return out
}

func (m *impl) AddBlockPresence(c cid.Cid, t BlockPresenceType) {
	m.blockPresences[c] = BlockPresence{Cid: c, Type: t}
}

func (m *impl) PendingBytes() int32     { return m.pendingBytes }
func (m *impl) SetPendingBytes(n int32) { m.pendingBytes = n }

func (m *impl) Empty() bool {
	return len(m.wantlist) == 0 && len(m.blocks) == 0 && len(m.blockPresences) == 0
}

// toPBV1 builds the v1.1.0/v1.2.0 wire struct: full CIDs on wantlist
// entries, prefix+data payload blocks, block presences, pending bytes.
func (m *impl) toPBV1() *pb.Message {
	out := &pb.Message{PendingBytes: m.pendingBytes}
	out.Wantlist.Full = m.full
	for _, e := range m.wantlist {
		out.Wantlist.Entries = append(out.Wantlist.Entries, pb.Message_Wantlist_Entry{
			Block:        e.Cid.Bytes(),
			Priority:     e.Priority,
			Cancel:       e.Cancel,
			WantType:     toPBWantType(e.WantType),
			SendDontHave: false,
		})
	}
	for _, b := range m.blocks {
		out.Payload = append(out.Payload, pb.Message_Block{
			Prefix: prefixBytes(b.Cid()),
			Data:   b.RawData(),
		})
	}
	for _, p := range m.blockPresences {
		out.BlockPresences = append(out.BlockPresences, pb.Message_BlockPresence{
			Cid:  p.Cid.Bytes(),
			Type: toPBPresenceType(p.Type),
		})
	}
	return out
}

// toPBV0 builds the legacy v1.0.0 wire struct: block digests only (no
// CID version/codec), raw block bytes, no want-type/presence/pending.
func (m *impl) toPBV0() *pb.Message {
	out := &pb.Message{}
	out.Wantlist.Full = m.full
	for _, e := range m.wantlist {
		out.Wantlist.Entries = append(out.Wantlist.Entries, pb.Message_Wantlist_Entry{
			Block:    legacyDigest(e.Cid),
			Priority: e.Priority,
			Cancel:   e.Cancel,
		})
	}
	for _, b := range m.blocks {
		out.Blocks = append(out.Blocks, b.RawData())
	}
	return out
}

func toPBWantType(w wantlist.WantType) pb.Message_Wantlist_WantType {
	if w == wantlist.WantHave {
		return pb.Message_Wantlist_Have
	}
	return pb.Message_Wantlist_Block
}

func fromPBWantType(w pb.Message_Wantlist_WantType) wantlist.WantType {
	if w == pb.Message_Wantlist_Have {
		return wantlist.WantHave
	}
	return wantlist.WantBlock
}

func toPBPresenceType(t BlockPresenceType) pb.Message_BlockPresenceType {
	if t == DontHave {
		return pb.Message_DontHave
	}
	return pb.Message_Have
}

func fromPBPresenceType(t pb.Message_BlockPresenceType) BlockPresenceType {
	if t == pb.Message_DontHave {
		return DontHave
	}
	return Have
}

// prefixBytes returns the CID's bytes minus its multihash digest, i.e.
// version+codec+mh-type+mh-length, per spec.md §4.1.
func prefixBytes(c cid.Cid) []byte {
	return c.Prefix().Bytes()
}

// legacyDigest returns the raw multihash digest bytes for the v1.0.0
// wire format, which carries only a CIDv0 multihash (per spec.md §4.1).
func legacyDigest(c cid.Cid) []byte {
	return []byte(c.Hash())
}

// ToNetV1 serializes using the current (v1.1.0/v1.2.0) wire format and
// writes it length-prefixed to w.
func (m *impl) ToNetV1(w io.Writer) error {
	data, err := m.toPBV1().Marshal()
	if err != nil {
		return err
	}
	return writeFramed(w, data)
}

// ToNetV0 serializes using the legacy (v1.0.0) wire format and writes it
// length-prefixed to w.
func (m *impl) ToNetV0(w io.Writer) error {
	data, err := m.toPBV0().Marshal()
	if err != nil {
		return err
	}
	return writeFramed(w, data)
}

func writeFramed(w io.Writer, data []byte) error {
	writer := msgio.NewVarintWriter(w)
	return writer.WriteMsg(data)
}

// HashLoader resolves a multihash codec to a hash function, per
// spec.md §6 ("hash_loader"). It returns the hashed digest of data
// under the codec named by mhType, or an error if the codec is not
// registered.
type HashLoader func(mhType uint64, data []byte) ([]byte, error)

// DefaultHashLoader supports exactly sha2-256, the only hash the legacy
// v1.0.0 protocol assumes (spec.md §9 open question).
func DefaultHashLoader(mhType uint64, data []byte) ([]byte, error) {
	if mhType != mh.SHA2_256 {
		return nil, ErrUnsupportedHash
	}
	sum, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		return nil, err
	}
	return []byte(sum), nil
}

// FromNet reads one length-prefixed frame from r and decodes it as the
// wire format selected by version, registering hashLoader as the
// fallback hasher for the legacy path. hashLoader may be nil, in which
// case DefaultHashLoader is used.
func FromNet(r io.Reader, version ProtocolVersion, hashLoader HashLoader) (BitSwapMessage, error) {
	if hashLoader == nil {
		hashLoader = DefaultHashLoader
	}
	reader := msgio.NewVarintReader(r)
	data, err := reader.ReadMsg()
	if err != nil {
		return nil, errors.Wrap(err, "bitswap message: frame read failed")
	}
	return decode(data, version, hashLoader)
}

// Decode parses a single already-framed message body (no length prefix)
// according to version. Exposed for testing and for adapters that strip
// framing themselves.
func Decode(data []byte, version ProtocolVersion, hashLoader HashLoader) (BitSwapMessage, error) {
	if hashLoader == nil {
		hashLoader = DefaultHashLoader
	}
	return decode(data, version, hashLoader)
}

func decode(data []byte, version ProtocolVersion, hashLoader HashLoader) (BitSwapMessage, error) {
	var pbm pb.Message
	if err := pbm.Unmarshal(data); err != nil {
		return nil, errors.Wrap(ErrFormat, err.Error())
	}

	m := New(pbm.Wantlist.Full).(*impl)
	for _, e := range pbm.Wantlist.Entries {
		c, err := decodeEntryCid(e.Block, version)
		if err != nil {
			return nil, err
		}
		m.wantlist[c] = Entry{
			Cid:      c,
			Priority: e.Priority,
			WantType: fromPBWantType(e.WantType),
			Cancel:   e.Cancel,
		}
	}

	switch version {
	case ProtocolV100:
		for _, raw := range pbm.Blocks {
			digest, err := hashLoader(mh.SHA2_256, raw)
			if err != nil {
				return nil, err
			}
			c := cid.NewCidV0(mh.Multihash(digest))
			b, err := blocks.NewBlockWithCid(raw, c)
			if err != nil {
				return nil, errors.Wrap(ErrCidMismatch, err.Error())
			}
			m.blocks[c] = b
		}
	default:
		for _, pbb := range pbm.Payload {
			b, err := blockFromPrefixAndData(pbb.Prefix, pbb.Data)
			if err != nil {
				return nil, err
			}
			m.blocks[b.Cid()] = b
		}
		for _, pp := range pbm.BlockPresences {
			c, err := cid.Cast(pp.Cid)
			if err != nil {
				return nil, errors.Wrap(ErrFormat, err.Error())
			}
			m.blockPresences[c] = BlockPresence{Cid: c, Type: fromPBPresenceType(pp.Type)}
		}
		m.pendingBytes = pbm.PendingBytes
	}

	return m, nil
}

// decodeEntryCid interprets a wantlist entry's raw Block bytes as either
// a bare CIDv0 multihash (legacy) or a full CID (current).
func decodeEntryCid(raw []byte, version ProtocolVersion) (cid.Cid, error) {
	if version == ProtocolV100 {
		return cid.NewCidV0(mh.Multihash(raw)), nil
	}
	c, err := cid.Cast(raw)
	if err != nil {
		return cid.Undef, errors.Wrap(ErrFormat, err.Error())
	}
	return c, nil
}

// blockFromPrefixAndData reconstructs a CID from its declared prefix and
// the block data's digest, failing with ErrCidMismatch if the data does
// not hash to the prefix's declared multihash, per spec.md §4.1.
func blockFromPrefixAndData(prefixBytes, data []byte) (blocks.Block, error) {
	prefix, err := cidPrefixFromBytes(prefixBytes)
	if err != nil {
		return nil, errors.Wrap(ErrFormat, err.Error())
	}
	c, err := prefix.Sum(data)
	if err != nil {
		if err == mh.ErrSumNotSupported {
			return nil, ErrUnsupportedHash
		}
		return nil, err
	}
	b, err := blocks.NewBlockWithCid(data, c)
	if err != nil {
		return nil, errors.Wrap(ErrCidMismatch, err.Error())
	}
	return b, nil
}

func cidPrefixFromBytes(b []byte) (cid.Prefix, error) {
	return cid.PrefixFromBytes(b)
}
