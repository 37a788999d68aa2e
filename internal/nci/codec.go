package nci

import (
	"fmt"

	"github.com/librescoot/nfa/internal/nfc"
)

// MsgType is the NCI message type carried in the top bits of the header
type MsgType uint8

const (
	MsgData         MsgType = 0
	MsgCommand      MsgType = 1
	MsgResponse     MsgType = 2
	MsgNotification MsgType = 3
)

func (t MsgType) String() string {
	switch t {
	case MsgData:
		return "DATA"
	case MsgCommand:
		return "CMD"
	case MsgResponse:
		return "RSP"
	case MsgNotification:
		return "NTF"
	default:
		return fmt.Sprintf("MT(%d)", uint8(t))
	}
}

const (
	msgTypeShift = 5
	pbfBit       = 0x10
	gidMask      = 0x0F
	oidMask      = 0x3F

	headerLen = 3

	// MaxPayload is the largest payload of one packet
	MaxPayload = 255

	// MaxMessageLen bounds a message reassembled from segments
	MaxMessageLen = 0x10000
)

// NCI groups
const (
	GroupCore uint8 = 0x00
	GroupRF   uint8 = 0x01
	GroupEE   uint8 = 0x02
	GroupProp uint8 = 0x0F
)

// Core group opcodes
const (
	OIDCoreReset        uint8 = 0x00
	OIDCoreInit         uint8 = 0x01
	OIDCoreSetConfig    uint8 = 0x02
	OIDCoreGetConfig    uint8 = 0x03
	OIDCoreConnCredits  uint8 = 0x06
	OIDCoreGenericError uint8 = 0x07
	OIDCoreIntfError    uint8 = 0x08
)

// RF group opcodes
const (
	OIDRFDiscoverMap       uint8 = 0x00
	OIDRFSetRouting        uint8 = 0x01
	OIDRFGetRouting        uint8 = 0x02
	OIDRFDiscover          uint8 = 0x03
	OIDRFDiscoverSelect    uint8 = 0x04
	OIDRFIntfActivated     uint8 = 0x05
	OIDRFDeactivate        uint8 = 0x06
	OIDRFFieldInfo         uint8 = 0x07
	OIDRFNFCEEAction       uint8 = 0x09
	OIDRFNFCEEDiscoveryReq uint8 = 0x0A
)

// NFCEE group opcodes
const (
	OIDNFCEEDiscover uint8 = 0x00
	OIDNFCEEModeSet  uint8 = 0x01
)

// Proprietary opcodes of the PN7150
const (
	OIDPropSetPowerMode uint8 = 0x00
	OIDPropAct          uint8 = 0x02
)

// Header is the three byte NCI packet header. For data packets GID holds
// the connection id and OID is unused.
type Header struct {
	MT  MsgType
	PBF bool
	GID uint8
	OID uint8
	Len uint8
}

// ID identifies a control message by group and opcode
func (h Header) ID() uint16 {
	return uint16(h.GID)<<8 | uint16(h.OID)
}

func (h Header) String() string {
	if h.MT == MsgData {
		return fmt.Sprintf("DATA conn=%d len=%d", h.GID, h.Len)
	}
	return fmt.Sprintf("%s %02X/%02X len=%d", h.MT, h.GID, h.OID, h.Len)
}

func (h Header) encode() [headerLen]byte {
	b0 := uint8(h.MT&0x03)<<msgTypeShift | h.GID&gidMask
	if h.PBF {
		b0 |= pbfBit
	}
	return [headerLen]byte{b0, h.OID & oidMask, h.Len}
}

// ParseHeader decodes and validates a packet header
func ParseHeader(b []byte) (Header, error) {
	if len(b) < headerLen {
		return Header{}, nfc.NewIncompleteMsgError(fmt.Sprintf("header needs %d bytes, have %d", headerLen, len(b)))
	}
	h := Header{
		MT:  MsgType(b[0]>>msgTypeShift) & 0x03,
		PBF: b[0]&pbfBit != 0,
		GID: b[0] & gidMask,
		OID: b[1] & oidMask,
		Len: b[2],
	}
	if h.MT == MsgData {
		h.OID = 0
		return h, nil
	}
	if b[1]&^oidMask != 0 {
		return Header{}, nfc.NewInvalidHeaderError(fmt.Sprintf("invalid OID byte %02X", b[1]))
	}
	return h, nil
}

// Packet is a decoded NCI packet
type Packet struct {
	Header
	Payload []byte
}

// Status returns the status byte of a response
func (p Packet) Status() nfc.Status {
	if p.MT != MsgResponse || len(p.Payload) == 0 {
		return nfc.StatusOK
	}
	return nfc.Status(p.Payload[0])
}

// Encode builds a single unsegmented packet
func Encode(mt MsgType, gid, oid uint8, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, nfc.NewInvalidParamError(fmt.Sprintf("payload of %d bytes", len(payload)))
	}
	return encodePacket(Header{MT: mt, GID: gid, OID: oid, Len: uint8(len(payload))}, payload), nil
}

func encodePacket(h Header, payload []byte) []byte {
	hb := h.encode()
	frame := make([]byte, headerLen+len(payload))
	copy(frame, hb[:])
	copy(frame[headerLen:], payload)
	return frame
}

// Segment splits a message into packets of at most maxPayload bytes. All
// packets but the last carry the packet boundary flag. A maxPayload
// outside 1..MaxPayload means MaxPayload.
func Segment(mt MsgType, gid, oid uint8, payload []byte, maxPayload int) ([][]byte, error) {
	if len(payload) > MaxMessageLen {
		return nil, nfc.NewInvalidParamError(fmt.Sprintf("message of %d bytes", len(payload)))
	}
	if maxPayload <= 0 || maxPayload > MaxPayload {
		maxPayload = MaxPayload
	}

	var frames [][]byte
	for {
		n := min(len(payload), maxPayload)
		h := Header{MT: mt, GID: gid, OID: oid, Len: uint8(n), PBF: n < len(payload)}
		frames = append(frames, encodePacket(h, payload[:n]))
		payload = payload[n:]
		if len(payload) == 0 {
			return frames, nil
		}
	}
}

// EncodeData builds a single data packet on a logical connection
func EncodeData(connID uint8, payload []byte) ([]byte, error) {
	return Encode(MsgData, connID, 0, payload)
}

// Decode parses one complete frame. The payload is copied so the caller may
// reuse its read buffer.
func Decode(frame []byte) (Packet, error) {
	h, err := ParseHeader(frame)
	if err != nil {
		return Packet{}, err
	}
	if len(frame) < headerLen+int(h.Len) {
		return Packet{}, nfc.NewIncompleteMsgError(fmt.Sprintf("payload needs %d bytes, have %d", h.Len, len(frame)-headerLen))
	}
	payload := make([]byte, h.Len)
	copy(payload, frame[headerLen:headerLen+int(h.Len)])
	return Packet{Header: h, Payload: payload}, nil
}

// Reassembler joins segmented messages. Control messages are collected
// per type, group and opcode, data per connection. It is not safe for
// concurrent use.
type Reassembler struct {
	partial map[uint32][]byte
}

// Add takes one decoded packet. It returns the complete message and true
// once the last segment arrived; the message keeps the header of that
// segment with PBF cleared.
func (r *Reassembler) Add(p Packet) (Packet, bool, error) {
	key := uint32(p.MT)<<16 | uint32(p.ID())
	prev, ok := r.partial[key]
	if !p.PBF && !ok {
		return p, true, nil
	}

	msg := append(prev, p.Payload...)
	if len(msg) > MaxMessageLen {
		delete(r.partial, key)
		return Packet{}, false, nfc.NewIncompleteMsgError(fmt.Sprintf("%s: segmented message exceeds %d bytes", p.Header, MaxMessageLen))
	}
	if p.PBF {
		if r.partial == nil {
			r.partial = make(map[uint32][]byte)
		}
		r.partial[key] = msg
		return Packet{}, false, nil
	}

	delete(r.partial, key)
	p.PBF = false
	p.Payload = msg
	return p, true, nil
}

// Reset drops every partial message
func (r *Reassembler) Reset() {
	r.partial = nil
}

// command is a message queued for the controller together with its
// expected response id
type command struct {
	gid     uint8
	oid     uint8
	payload []byte
	id      uint16
}

func newCommand(gid, oid uint8, payload []byte) (command, error) {
	if len(payload) > MaxMessageLen {
		return command{}, nfc.NewInvalidParamError(fmt.Sprintf("command of %d bytes", len(payload)))
	}
	return command{gid: gid, oid: oid, payload: payload, id: uint16(gid)<<8 | uint16(oid)}, nil
}

// packets segments the command for a controller accepting maxPayload
// bytes per control packet
func (c command) packets(maxPayload int) [][]byte {
	frames, _ := Segment(MsgCommand, c.gid, c.oid, c.payload, maxPayload)
	return frames
}
