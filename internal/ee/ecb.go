// Package ee keeps the listen-mode routing configuration of the device host
// and the NFCEEs and turns it into RF_SET_LISTEN_MODE_ROUTING commands.
package ee

import (
	"bytes"
	"fmt"

	"github.com/librescoot/nfa/internal/nfc"
)

// Status is the NFCEE status reported by NFCEE_DISCOVER / NFCEE_MODE_SET
type Status uint8

const (
	StatusActive   Status = 0x00
	StatusInactive Status = 0x01
	StatusRemoved  Status = 0x02
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusInactive:
		return "inactive"
	case StatusRemoved:
		return "removed"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// NCI power state bits of a routing entry
const (
	powerOn         = 0x01
	powerSwitchOff  = 0x02
	powerBatteryOff = 0x04
	powerScreenLock = 0x10
	powerScreenOff  = 0x08
)

// Sizes of one serialized routing entry
const (
	// tag, length, NFCEE id, power state and technology or protocol
	maskEntrySize = 5
	// tag, length, NFCEE id and power state; the AID follows
	aidEntryHeader = 4
)

// TechRouting is the default technology routing of one host, per power
// state
type TechRouting struct {
	SwitchOn   nfc.TechMask
	SwitchOff  nfc.TechMask
	BatteryOff nfc.TechMask
	ScreenLock nfc.TechMask
	ScreenOff  nfc.TechMask
}

// power returns the NCI power state byte for one technology. The screen
// states only apply to technologies routed while switched on.
func (r TechRouting) power(t nfc.TechMask) uint8 {
	var p uint8
	if r.SwitchOn&t != 0 {
		p |= powerOn
	}
	if r.SwitchOff&t != 0 {
		p |= powerSwitchOff
	}
	if r.BatteryOff&t != 0 {
		p |= powerBatteryOff
	}
	if p&powerOn != 0 {
		if r.ScreenLock&t != 0 {
			p |= powerScreenLock
		}
		if r.ScreenOff&t != 0 {
			p |= powerScreenOff
		}
	}
	return p
}

func (r TechRouting) empty() bool {
	return r.SwitchOn|r.SwitchOff|r.BatteryOff == 0
}

// ProtoRouting is the default protocol routing of one host, per power
// state
type ProtoRouting struct {
	SwitchOn   nfc.ProtocolMask
	SwitchOff  nfc.ProtocolMask
	BatteryOff nfc.ProtocolMask
	ScreenLock nfc.ProtocolMask
	ScreenOff  nfc.ProtocolMask
}

func (r ProtoRouting) power(p nfc.ProtocolMask) uint8 {
	var s uint8
	if r.SwitchOn&p != 0 {
		s |= powerOn
	}
	if r.SwitchOff&p != 0 {
		s |= powerSwitchOff
	}
	if r.BatteryOff&p != 0 {
		s |= powerBatteryOff
	}
	if s != 0 {
		if r.ScreenLock&p != 0 {
			s |= powerScreenLock
		}
		if r.ScreenOff&p != 0 {
			s |= powerScreenOff
		}
	}
	return s
}

func (r ProtoRouting) empty() bool {
	return r.SwitchOn|r.SwitchOff|r.BatteryOff == 0
}

// Technologies and protocols a routing table can name, with their NCI
// values
var (
	routedTechs = []struct {
		mask nfc.TechMask
		rf   uint8
	}{
		{nfc.TechA, 0x00},
		{nfc.TechB, 0x01},
		{nfc.TechF, 0x02},
	}

	routedProtos = []struct {
		mask  nfc.ProtocolMask
		proto nfc.Protocol
	}{
		{nfc.ProtoMaskT1T, nfc.ProtocolT1T},
		{nfc.ProtoMaskT2T, nfc.ProtocolT2T},
		{nfc.ProtoMaskT3T, nfc.ProtocolT3T},
		{nfc.ProtoMaskISODEP, nfc.ProtocolISODEP},
		{nfc.ProtoMaskNFCDEP, nfc.ProtocolNFCDEP},
	}
)

type aidEntry struct {
	aid   []byte
	power uint8
	// route is cleared when the entry is kept only for vendor data
	route bool
}

// ECB is the routing control block of one host
type ECB struct {
	ID     nfc.HostID
	Status Status

	Tech  TechRouting
	Proto ProtoRouting

	aids []aidEntry

	techDirty  bool
	protoDirty bool
	aidDirty   bool

	sizeMask int
	sizeAID  int
}

func newECB(id nfc.HostID, status Status) *ECB {
	return &ECB{ID: id, Status: status}
}

// Active reports whether the ECB's routing is programmed
func (e *ECB) Active() bool {
	return e.ID == nfc.HostDH || e.Status == StatusActive
}

// AIDs returns the AIDs routed to the host
func (e *ECB) AIDs() [][]byte {
	out := make([][]byte, 0, len(e.aids))
	for _, a := range e.aids {
		out = append(out, append([]byte(nil), a.aid...))
	}
	return out
}

func (e *ECB) dirty() bool {
	return e.techDirty || e.protoDirty || e.aidDirty
}

func (e *ECB) clean() {
	e.techDirty = false
	e.protoDirty = false
	e.aidDirty = false
}

// configured reports whether the ECB contributes anything to the table
func (e *ECB) configured() bool {
	return !e.Tech.empty() || !e.Proto.empty() || len(e.aids) > 0
}

func (e *ECB) updateMaskSize() {
	e.sizeMask = 0
	for _, t := range routedTechs {
		if e.Tech.power(t.mask)&(powerOn|powerSwitchOff|powerBatteryOff) != 0 {
			e.sizeMask += maskEntrySize
		}
	}
	for _, p := range routedProtos {
		if e.Proto.power(p.mask) != 0 {
			e.sizeMask += maskEntrySize
		}
	}
}

func (e *ECB) updateAIDSize() {
	e.sizeAID = 0
	for _, a := range e.aids {
		if a.route {
			e.sizeAID += aidEntryHeader + len(a.aid)
		}
	}
}

// aidConfigLen is the stored AID configuration length, tag and length
// included
func (e *ECB) aidConfigLen() int {
	n := 0
	for _, a := range e.aids {
		n += 2 + len(a.aid)
	}
	return n
}

func (e *ECB) findAID(aid []byte) int {
	for i, a := range e.aids {
		if bytes.Equal(a.aid, aid) {
			return i
		}
	}
	return -1
}
