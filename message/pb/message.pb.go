// Package pb holds the wire-format types for a bitswap Message and their
// hand-written protobuf marshal/unmarshal routines. This mirrors the way
// gogofaster-generated bitswap message code looks upstream: the package
// only depends on github.com/gogo/protobuf/proto for the Message marker
// interface, while Marshal/Unmarshal are written directly against the
// protobuf wire format rather than produced by reflection.
package pb

import (
	fmt "fmt"
	io "io"

	proto "github.com/gogo/protobuf/proto"
)

// WantType mirrors spec.md's WantType enumeration on the wire.
type Message_Wantlist_WantType int32

const (
	Message_Wantlist_Block Message_Wantlist_WantType = 0
	Message_Wantlist_Have  Message_Wantlist_WantType = 1
)

// BlockPresenceType mirrors the Have/DontHave indicator.
type Message_BlockPresenceType int32

const (
	Message_Have     Message_BlockPresenceType = 0
	Message_DontHave Message_BlockPresenceType = 1
)

// Message is the top-level wire message. Blocks carries raw block bytes
// for the legacy v1.0.0 wire format; Payload carries prefix+data pairs
// for v1.1.0/v1.2.0. A serializer populates exactly one of the two.
type Message struct {
	Wantlist       Message_Wantlist
	Blocks         [][]byte
	Payload        []Message_Block
	BlockPresences []Message_BlockPresence
	PendingBytes   int32
}

func (m *Message) Reset() { *m = Message{} }
func (m *Message) String() string {
	return fmt.Sprintf("bitswap.Message{wantlist: %d entries, full: %t, blocks: %d, payload: %d, presences: %d}",
		len(m.Wantlist.Entries), m.Wantlist.Full, len(m.Blocks), len(m.Payload), len(m.BlockPresences))
}
func (*Message) ProtoMessage() {}

// compile-time assertion that Message satisfies proto.Message, the
// marker interface gogofaster-generated bitswap message types implement.
var _ proto.Message = (*Message)(nil)

type Message_Wantlist struct {
	Entries []Message_Wantlist_Entry
	Full    bool
}

// Entry is a single wantlist record on the wire. Block carries the raw
// multihash digest under the legacy protocol and the full CID bytes
// under the current one.
type Message_Wantlist_Entry struct {
	Block        []byte
	Priority     int32
	Cancel       bool
	WantType     Message_Wantlist_WantType
	SendDontHave bool
}

// Block is a (cid-prefix, data) pair; Prefix is the CID's bytes minus
// its multihash digest (version+codec+mh-type+mh-length), per spec.md §4.1.
type Message_Block struct {
	Prefix []byte
	Data   []byte
}

type Message_BlockPresence struct {
	Cid  []byte
	Type Message_BlockPresenceType
}

// Field numbers. Arbitrary but fixed, used consistently by Marshal/Unmarshal.
const (
	fieldWantlist       = 1
	fieldBlocks         = 2
	fieldPayload        = 3
	fieldBlockPresences = 4
	fieldPendingBytes   = 5

	fieldWlEntries = 1
	fieldWlFull    = 2

	fieldEntryBlock        = 1
	fieldEntryPriority     = 2
	fieldEntryCancel       = 3
	fieldEntryWantType     = 4
	fieldEntrySendDontHave = 5

	fieldBlockPrefix = 1
	fieldBlockData   = 2

	fieldPresenceCid  = 1
	fieldPresenceType = 2
)

const (
	wireVarint = 0
	wireBytes  = 2
)

func tag(field int, wire int) uint64 { return uint64(field)<<3 | uint64(wire) }

func appendVarint(buf []byte, v uint64) []byte {
	for v >= 0x80 {
		buf = append(buf, byte(v)|0x80)
		v >>= 7
	}
	return append(buf, byte(v))
}

func appendTag(buf []byte, field int, wire int) []byte {
	return appendVarint(buf, tag(field, wire))
}

func appendBytesField(buf []byte, field int, data []byte) []byte {
	buf = appendTag(buf, field, wireBytes)
	buf = appendVarint(buf, uint64(len(data)))
	return append(buf, data...)
}

func appendVarintField(buf []byte, field int, v uint64) []byte {
	buf = appendTag(buf, field, wireVarint)
	return appendVarint(buf, v)
}

func appendBoolField(buf []byte, field int, v bool) []byte {
	if !v {
		return buf
	}
	return appendVarintField(buf, field, 1)
}

func marshalMessage(buf []byte, e Message_Wantlist_Entry) []byte {
	var eb []byte
	eb = appendBytesField(eb, fieldEntryBlock, e.Block)
	eb = appendVarintField(eb, fieldEntryPriority, uint64(uint32(e.Priority)))
	eb = appendBoolField(eb, fieldEntryCancel, e.Cancel)
	if e.WantType != Message_Wantlist_Block {
		eb = appendVarintField(eb, fieldEntryWantType, uint64(e.WantType))
	}
	eb = appendBoolField(eb, fieldEntrySendDontHave, e.SendDontHave)
	return appendBytesField(buf, fieldWlEntries, eb)
}

func marshalBlock(buf []byte, field int, b Message_Block) []byte {
	var bb []byte
	bb = appendBytesField(bb, fieldBlockPrefix, b.Prefix)
	bb = appendBytesField(bb, fieldBlockData, b.Data)
	return appendBytesField(buf, field, bb)
}

func marshalPresence(buf []byte, p Message_BlockPresence) []byte {
	var pb []byte
	pb = appendBytesField(pb, fieldPresenceCid, p.Cid)
	if p.Type != Message_Have {
		pb = appendVarintField(pb, fieldPresenceType, uint64(p.Type))
	}
	return appendBytesField(buf, fieldBlockPresences, pb)
}

// Marshal encodes m using the protobuf wire format described above.
func (m *Message) Marshal() ([]byte, error) {
	var buf []byte

	var wl []byte
	for _, e := range m.Wantlist.Entries {
		wl = marshalMessage(wl, e)
	}
	wl = appendBoolField(wl, fieldWlFull, m.Wantlist.Full)
	buf = appendBytesField(buf, fieldWantlist, wl)

	for _, raw := range m.Blocks {
		buf = appendBytesField(buf, fieldBlocks, raw)
	}
	for _, b := range m.Payload {
		buf = marshalBlock(buf, fieldPayload, b)
	}
	for _, p := range m.BlockPresences {
		buf = marshalPresence(buf, p)
	}
	if m.PendingBytes != 0 {
		buf = appendVarintField(buf, fieldPendingBytes, uint64(uint32(m.PendingBytes)))
	}
	return buf, nil
}

// readVarint reads a base-128 varint from buf starting at off, returning
// the value and the new offset.
func readVarint(buf []byte, off int) (uint64, int, error) {
	var v uint64
	var shift uint
	for {
		if off >= len(buf) {
			return 0, 0, io.ErrUnexpectedEOF
		}
		b := buf[off]
		off++
		v |= uint64(b&0x7f) << shift
		if b < 0x80 {
			return v, off, nil
		}
		shift += 7
		if shift >= 64 {
			return 0, 0, fmt.Errorf("pb: varint overflow")
		}
	}
}

func readField(buf []byte, off int) (field int, wire int, val uint64, data []byte, next int, err error) {
	t, off, err := readVarint(buf, off)
	if err != nil {
		return 0, 0, 0, nil, 0, err
	}
	field = int(t >> 3)
	wire = int(t & 0x7)
	switch wire {
	case wireVarint:
		val, off, err = readVarint(buf, off)
		return field, wire, val, nil, off, err
	case wireBytes:
		n, off, err := readVarint(buf, off)
		if err != nil {
			return 0, 0, 0, nil, 0, err
		}
		end := off + int(n)
		if end < off || end > len(buf) {
			return 0, 0, 0, nil, 0, io.ErrUnexpectedEOF
		}
		return field, wire, 0, buf[off:end], end, nil
	default:
		return 0, 0, 0, nil, 0, fmt.Errorf("pb: unsupported wire type %d", wire)
	}
}

func unmarshalEntry(data []byte) (Message_Wantlist_Entry, error) {
	var e Message_Wantlist_Entry
	off := 0
	for off < len(data) {
		field, wire, val, fdata, next, err := readField(data, off)
		if err != nil {
			return e, err
		}
		off = next
		switch field {
		case fieldEntryBlock:
			if wire != wireBytes {
				return e, fmt.Errorf("pb: bad wire type for Entry.Block")
			}
			e.Block = append([]byte(nil), fdata...)
		case fieldEntryPriority:
			e.Priority = int32(val)
		case fieldEntryCancel:
			e.Cancel = val != 0
		case fieldEntryWantType:
			e.WantType = Message_Wantlist_WantType(val)
		case fieldEntrySendDontHave:
			e.SendDontHave = val != 0
		}
	}
	return e, nil
}

func unmarshalBlock(data []byte) (Message_Block, error) {
	var b Message_Block
	off := 0
	for off < len(data) {
		field, wire, _, fdata, next, err := readField(data, off)
		if err != nil {
			return b, err
		}
		off = next
		if wire != wireBytes {
			continue
		}
		switch field {
		case fieldBlockPrefix:
			b.Prefix = append([]byte(nil), fdata...)
		case fieldBlockData:
			b.Data = append([]byte(nil), fdata...)
		}
	}
	return b, nil
}

func unmarshalPresence(data []byte) (Message_BlockPresence, error) {
	var p Message_BlockPresence
	off := 0
	for off < len(data) {
		field, wire, val, fdata, next, err := readField(data, off)
		if err != nil {
			return p, err
		}
		off = next
		switch field {
		case fieldPresenceCid:
			if wire == wireBytes {
				p.Cid = append([]byte(nil), fdata...)
			}
		case fieldPresenceType:
			p.Type = Message_BlockPresenceType(val)
		}
	}
	return p, nil
}

func unmarshalWantlist(data []byte) (Message_Wantlist, error) {
	var wl Message_Wantlist
	off := 0
	for off < len(data) {
		field, wire, val, fdata, next, err := readField(data, off)
		if err != nil {
			return wl, err
		}
		off = next
		switch field {
		case fieldWlEntries:
			if wire != wireBytes {
				return wl, fmt.Errorf("pb: bad wire type for Wantlist.Entries")
			}
			e, err := unmarshalEntry(fdata)
			if err != nil {
				return wl, err
			}
			wl.Entries = append(wl.Entries, e)
		case fieldWlFull:
			wl.Full = val != 0
		}
	}
	return wl, nil
}

// Unmarshal decodes buf into m, overwriting its contents.
func (m *Message) Unmarshal(buf []byte) error {
	m.Reset()
	off := 0
	for off < len(buf) {
		field, wire, val, data, next, err := readField(buf, off)
		if err != nil {
			return err
		}
		off = next
		switch field {
		case fieldWantlist:
			if wire != wireBytes {
				return fmt.Errorf("pb: bad wire type for Message.Wantlist")
			}
			wl, err := unmarshalWantlist(data)
			if err != nil {
				return err
			}
			m.Wantlist = wl
		case fieldBlocks:
			if wire != wireBytes {
				return fmt.Errorf("pb: bad wire type for Message.Blocks")
			}
			m.Blocks = append(m.Blocks, append([]byte(nil), data...))
		case fieldPayload:
			if wire != wireBytes {
				return fmt.Errorf("pb: bad wire type for Message.Payload")
			}
			b, err := unmarshalBlock(data)
			if err != nil {
				return err
			}
			m.Payload = append(m.Payload, b)
		case fieldBlockPresences:
			if wire != wireBytes {
				return fmt.Errorf("pb: bad wire type for Message.BlockPresences")
			}
			p, err := unmarshalPresence(data)
			if err != nil {
				return err
			}
			m.BlockPresences = append(m.BlockPresences, p)
		case fieldPendingBytes:
			m.PendingBytes = int32(val)
		}
	}
	return nil
}
