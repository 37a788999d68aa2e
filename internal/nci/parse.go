package nci

import (
	"encoding/binary"
	"fmt"

	"github.com/librescoot/nfa/internal/nfc"
)

// Info is the controller description returned by CORE_INIT_RSP
type Info struct {
	Features            uint32
	Interfaces          []nfc.Interface
	MaxLogicalConns     uint8
	MaxRoutingTableSize uint16
	MaxCtrlPayload      uint8
	MaxLargeParams      uint16
	ManufacturerID      uint8
	ManufacturerInfo    [4]byte
}

// HardwareVersion is the PN7150 hw_version byte of the manufacturer info
func (i Info) HardwareVersion() uint8 { return i.ManufacturerInfo[0] }

// ROMVersion is the PN7150 rom_version byte
func (i Info) ROMVersion() uint8 { return i.ManufacturerInfo[1] }

// FirmwareVersion returns the major and minor firmware version
func (i Info) FirmwareVersion() (uint8, uint8) {
	return i.ManufacturerInfo[2], i.ManufacturerInfo[3]
}

// parseInitRsp decodes an NCI 1.0 CORE_INIT_RSP payload, status included
func parseInitRsp(p []byte) (Info, error) {
	if len(p) < 6 {
		return Info{}, nfc.NewIncompleteMsgError(fmt.Sprintf("CORE_INIT_RSP of %d bytes", len(p)))
	}
	var info Info
	info.Features = binary.LittleEndian.Uint32(p[1:5])
	n := int(p[5])
	off := 6
	if len(p) < off+n+1+2+1+2+1+4 {
		return Info{}, nfc.NewIncompleteMsgError(fmt.Sprintf("CORE_INIT_RSP of %d bytes for %d interfaces", len(p), n))
	}
	for _, b := range p[off : off+n] {
		info.Interfaces = append(info.Interfaces, nfc.Interface(b))
	}
	off += n
	info.MaxLogicalConns = p[off]
	info.MaxRoutingTableSize = binary.LittleEndian.Uint16(p[off+1:])
	info.MaxCtrlPayload = p[off+3]
	info.MaxLargeParams = binary.LittleEndian.Uint16(p[off+4:])
	info.ManufacturerID = p[off+6]
	copy(info.ManufacturerInfo[:], p[off+7:off+11])
	return info, nil
}

// nfcidFromTechParams extracts the target identifier from RF technology
// specific parameters
func nfcidFromTechParams(mode nfc.TechMode, tp []byte) ([]byte, uint8) {
	clip := func(off, n int) []byte {
		if n <= 0 || off+n > len(tp) {
			return nil
		}
		return append([]byte(nil), tp[off:off+n]...)
	}

	switch mode {
	case nfc.PollA, nfc.PollAActive:
		// SENS_RES(2) NFCID1 len, NFCID1, SEL_RES len, SEL_RES
		if len(tp) < 3 {
			return nil, 0
		}
		l := int(tp[2])
		id := clip(3, l)
		var selRes uint8
		if 3+l < len(tp) && tp[3+l] == 1 && 4+l < len(tp) {
			selRes = tp[4+l]
		}
		return id, selRes
	case nfc.PollB:
		// SENSB_RES len, SENSB_RES starting with NFCID0
		if len(tp) < 1 {
			return nil, 0
		}
		return clip(1, 4), 0
	case nfc.PollF, nfc.PollFActive:
		// bit rate, SENSF_RES len, SENSF_RES starting with NFCID2
		if len(tp) < 2 {
			return nil, 0
		}
		return clip(2, nfc.NFCID2Len), 0
	case nfc.ListenF, nfc.ListenFActive:
		// local NFCID2 len, NFCID2
		if len(tp) < 1 {
			return nil, 0
		}
		return clip(1, int(tp[0])), 0
	case nfc.PollISO15693:
		// flags, DSFID, UID
		return clip(2, 8), 0
	case nfc.PollKovio:
		if len(tp) < 1 {
			return nil, 0
		}
		return clip(1, int(tp[0])), 0
	default:
		return nil, 0
	}
}

func parseDiscoverNtf(p []byte) (*nfc.DiscoverResult, error) {
	if len(p) < 4 {
		return nil, nfc.NewIncompleteMsgError("RF_DISCOVER_NTF too short")
	}
	l := int(p[3])
	if len(p) < 4+l+1 {
		return nil, nfc.NewIncompleteMsgError("RF_DISCOVER_NTF tech params truncated")
	}
	r := &nfc.DiscoverResult{
		RFDiscID: p[0],
		Protocol: nfc.Protocol(p[1]),
		TechMode: nfc.TechMode(p[2]),
		More:     p[4+l],
	}
	r.NFCID, _ = nfcidFromTechParams(r.TechMode, p[4:4+l])
	return r, nil
}

func parseIntfActivatedNtf(p []byte) (*nfc.ActivateParams, error) {
	if len(p) < 7 {
		return nil, nfc.NewIncompleteMsgError("RF_INTF_ACTIVATED_NTF too short")
	}
	a := &nfc.ActivateParams{
		RFDiscID:  p[0],
		Interface: nfc.Interface(p[1]),
		Protocol:  nfc.Protocol(p[2]),
		TechMode:  nfc.TechMode(p[3]),
	}
	// max data packet payload and initial credits at p[4], p[5]
	l := int(p[6])
	off := 7
	if len(p) < off+l {
		return nil, nfc.NewIncompleteMsgError("RF_INTF_ACTIVATED_NTF tech params truncated")
	}
	a.TechParams = append([]byte(nil), p[off:off+l]...)
	a.NFCID, a.SelRes = nfcidFromTechParams(a.TechMode, a.TechParams)
	off += l

	// data exchange mode, tx and rx bit rate
	off += 3
	if len(p) > off {
		al := int(p[off])
		if len(p) < off+1+al {
			return nil, nfc.NewIncompleteMsgError("RF_INTF_ACTIVATED_NTF activation params truncated")
		}
		a.ActivateInfo = append([]byte(nil), p[off+1:off+1+al]...)
	}
	return a, nil
}

func parseDeactivate(p []byte, ntf bool) (nfc.Deactivation, error) {
	d := nfc.Deactivation{IsNtf: ntf}
	if !ntf {
		return d, nil
	}
	if len(p) < 2 {
		return d, nfc.NewIncompleteMsgError("RF_DEACTIVATE_NTF too short")
	}
	d.Type = nfc.DeactType(p[0])
	d.Reason = p[1]
	return d, nil
}

// parseSetConfigRsp returns the ids of the parameters the controller
// rejected
func parseSetConfigRsp(p []byte) []uint8 {
	if len(p) < 2 {
		return nil
	}
	n := int(p[1])
	if len(p) < 2+n {
		n = len(p) - 2
	}
	return append([]uint8(nil), p[2:2+n]...)
}

// parseGetConfigRsp returns the TLV stream of a CORE_GET_CONFIG_RSP
func parseGetConfigRsp(p []byte) []byte {
	if len(p) < 2 {
		return nil
	}
	return append([]byte(nil), p[2:]...)
}

// NFCEE status values of NFCEE_DISCOVER_NTF
const (
	NFCEEEnabled  uint8 = 0x00
	NFCEEDisabled uint8 = 0x01
	NFCEERemoved  uint8 = 0x02
)

// NFCEEInfo describes one execution environment found by NFCEE_DISCOVER
type NFCEEInfo struct {
	ID        nfc.HostID `json:"id"`
	Status    uint8      `json:"status"`
	Protocols []uint8    `json:"protocols,omitempty"`
	// TLVs holds the NFCEE information TLVs as sent
	TLVs []byte `json:"tlvs,omitempty"`
}

func parseNFCEEDiscoverNtf(p []byte) (*NFCEEInfo, error) {
	if len(p) < 3 {
		return nil, nfc.NewIncompleteMsgError("NFCEE_DISCOVER_NTF too short")
	}
	info := &NFCEEInfo{ID: nfc.HostID(p[0]), Status: p[1]}
	n := int(p[2])
	off := 3
	if len(p) < off+n {
		return nil, nfc.NewIncompleteMsgError("NFCEE_DISCOVER_NTF protocols truncated")
	}
	info.Protocols = append([]uint8(nil), p[off:off+n]...)
	off += n

	if len(p) > off {
		// NCI 2.0 appends a power supply byte after the TLVs
		count := int(p[off])
		off++
		start := off
		for i := 0; i < count; i++ {
			if off+2 > len(p) || off+2+int(p[off+1]) > len(p) {
				return nil, nfc.NewIncompleteMsgError("NFCEE_DISCOVER_NTF information TLVs truncated")
			}
			off += 2 + int(p[off+1])
		}
		info.TLVs = append([]byte(nil), p[start:off]...)
	}
	return info, nil
}
