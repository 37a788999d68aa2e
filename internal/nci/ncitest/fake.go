// Package ncitest provides a recording stand-in for the NCI controller
package ncitest

import (
	"github.com/librescoot/nfa/internal/nfc"
)

// RoutingBlock is one SetRouting call
type RoutingBlock struct {
	More   bool
	NumTLV int
	TLVs   []byte
}

// Select is one DiscoverySelect call
type Select struct {
	RFDiscID  uint8
	Protocol  nfc.Protocol
	Interface nfc.Interface
}

// Fake records every command instead of sending it. Err, when set, is
// returned by the next command and cleared.
type Fake struct {
	Err error

	Enables    int
	Disables   int
	PowerSleep []bool

	Discovers  [][]nfc.DiscoverParam
	Selects    []Select
	Deacts     []nfc.DeactType
	Routing    []RoutingBlock
	SetConfigs [][]byte
	GetConfigs [][]uint8
	Data       [][]byte

	NFCEEDiscovers int
}

func (f *Fake) fail() error {
	err := f.Err
	f.Err = nil
	return err
}

func (f *Fake) Enable() error {
	f.Enables++
	return f.fail()
}

func (f *Fake) Disable() error {
	f.Disables++
	return f.fail()
}

func (f *Fake) SetPowerOffSleep(sleep bool) error {
	f.PowerSleep = append(f.PowerSleep, sleep)
	return f.fail()
}

func (f *Fake) DiscoveryStart(params []nfc.DiscoverParam) error {
	f.Discovers = append(f.Discovers, append([]nfc.DiscoverParam(nil), params...))
	return f.fail()
}

func (f *Fake) DiscoverySelect(rfDiscID uint8, protocol nfc.Protocol, iface nfc.Interface) error {
	f.Selects = append(f.Selects, Select{RFDiscID: rfDiscID, Protocol: protocol, Interface: iface})
	return f.fail()
}

func (f *Fake) Deactivate(t nfc.DeactType) error {
	f.Deacts = append(f.Deacts, t)
	return f.fail()
}

func (f *Fake) SetRouting(more bool, numTLV int, tlvs []byte) error {
	f.Routing = append(f.Routing, RoutingBlock{More: more, NumTLV: numTLV, TLVs: append([]byte(nil), tlvs...)})
	return f.fail()
}

func (f *Fake) SetConfig(tlvs []byte) error {
	f.SetConfigs = append(f.SetConfigs, append([]byte(nil), tlvs...))
	return f.fail()
}

func (f *Fake) GetConfig(ids []uint8) error {
	f.GetConfigs = append(f.GetConfigs, append([]uint8(nil), ids...))
	return f.fail()
}

func (f *Fake) SendData(connID uint8, data []byte) error {
	f.Data = append(f.Data, append([]byte{connID}, data...))
	return f.fail()
}

func (f *Fake) DiscoverNFCEE() error {
	f.NFCEEDiscovers++
	return f.fail()
}

// Reset forgets every recorded call
func (f *Fake) Reset() {
	*f = Fake{}
}
