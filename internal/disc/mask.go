// Package disc implements RF discovery: the technology/protocol mask
// builder and the discovery state machine that sequences discovery,
// activation and deactivation against the controller.
package disc

import (
	"strings"

	"github.com/librescoot/nfa/internal/nfc"
)

// DiscMask is the 32-bit technology/protocol selection used by discovery
// registrations. Poll bits live in the low half, listen bits in the high half.
type DiscMask uint32

const (
	MaskPAT1T     DiscMask = 0x00000001
	MaskPAT2T     DiscMask = 0x00000002
	MaskPAISODEP  DiscMask = 0x00000004
	MaskPANFCDEP  DiscMask = 0x00000008
	MaskPBISODEP  DiscMask = 0x00000010
	MaskPFT3T     DiscMask = 0x00000020
	MaskPFNFCDEP  DiscMask = 0x00000040
	MaskPISO15693 DiscMask = 0x00000100
	MaskPBPrime   DiscMask = 0x00000200
	MaskPKovio    DiscMask = 0x00000400
	MaskPAANFCDEP DiscMask = 0x00000800
	MaskPFANFCDEP DiscMask = 0x00001000
	MaskPLegacy   DiscMask = 0x00002000
	MaskPBT3BT    DiscMask = 0x00004000

	MaskPoll DiscMask = 0x0000FFFF

	MaskLAT1T     DiscMask = 0x00010000
	MaskLAT2T     DiscMask = 0x00020000
	MaskLAISODEP  DiscMask = 0x00040000
	MaskLANFCDEP  DiscMask = 0x00080000
	MaskLBISODEP  DiscMask = 0x00100000
	MaskLFT3T     DiscMask = 0x00200000
	MaskLFNFCDEP  DiscMask = 0x00400000
	MaskLISO15693 DiscMask = 0x01000000
	MaskLBPrime   DiscMask = 0x02000000
	MaskLAANFCDEP DiscMask = 0x04000000
	MaskLFANFCDEP DiscMask = 0x08000000
	MaskLLegacy   DiscMask = 0x10000000

	MaskListen DiscMask = 0xFFFF0000

	// MaskNFCDEP is every bit that selects NFC-DEP
	MaskNFCDEP = MaskPANFCDEP | MaskPFNFCDEP | MaskPAANFCDEP | MaskPFANFCDEP |
		MaskLANFCDEP | MaskLFNFCDEP | MaskLAANFCDEP | MaskLFANFCDEP

	maskPollA   = MaskPAT1T | MaskPAT2T | MaskPAISODEP | MaskPANFCDEP | MaskPLegacy
	maskPollF   = MaskPFT3T | MaskPFNFCDEP
	maskListenA = MaskLAT1T | MaskLAT2T | MaskLAISODEP | MaskLANFCDEP
	maskListenF = MaskLFT3T | MaskLFNFCDEP
)

var maskNames = []struct {
	bit  DiscMask
	name string
}{
	{MaskPAT1T, "PA_T1T"}, {MaskPAT2T, "PA_T2T"}, {MaskPAISODEP, "PA_ISO_DEP"},
	{MaskPANFCDEP, "PA_NFC_DEP"}, {MaskPBISODEP, "PB_ISO_DEP"}, {MaskPFT3T, "PF_T3T"},
	{MaskPFNFCDEP, "PF_NFC_DEP"}, {MaskPISO15693, "P_ISO15693"}, {MaskPBPrime, "P_B_PRIME"},
	{MaskPKovio, "P_KOVIO"}, {MaskPAANFCDEP, "PAA_NFC_DEP"}, {MaskPFANFCDEP, "PFA_NFC_DEP"},
	{MaskPLegacy, "P_LEGACY"}, {MaskPBT3BT, "PB_T3BT"},
	{MaskLAT1T, "LA_T1T"}, {MaskLAT2T, "LA_T2T"}, {MaskLAISODEP, "LA_ISO_DEP"},
	{MaskLANFCDEP, "LA_NFC_DEP"}, {MaskLBISODEP, "LB_ISO_DEP"}, {MaskLFT3T, "LF_T3T"},
	{MaskLFNFCDEP, "LF_NFC_DEP"}, {MaskLISO15693, "L_ISO15693"}, {MaskLBPrime, "L_B_PRIME"},
	{MaskLAANFCDEP, "LAA_NFC_DEP"}, {MaskLFANFCDEP, "LFA_NFC_DEP"}, {MaskLLegacy, "L_LEGACY"},
}

func (m DiscMask) String() string {
	if m == 0 {
		return "0"
	}
	var parts []string
	for _, n := range maskNames {
		if m&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// MaxDiscoverParams is the most entries one RF_DISCOVER_CMD carries
const MaxDiscoverParams = 16

// Frequencies is the poll period (in discovery cycles) per technology.
// Listen entries always use 1.
type Frequencies struct {
	PA, PB, PF, PAA, PFA, PI93, PBP, PK uint8
}

// DefaultFrequencies polls every technology each cycle
var DefaultFrequencies = Frequencies{PA: 1, PB: 1, PF: 1, PAA: 1, PFA: 1, PI93: 1, PBP: 1, PK: 1}

// ParamOptions filters the mask before it is turned into discover params
type ParamOptions struct {
	ListenDisabled bool
	P2PPaused      bool
	Freq           Frequencies
}

// DiscoverParams turns an aggregated mask into the ordered RF_DISCOVER_CMD
// entries
func DiscoverParams(mask DiscMask, opts ParamOptions) []nfc.DiscoverParam {
	if opts.ListenDisabled {
		mask &= MaskPoll
	}
	if opts.P2PPaused {
		mask &^= MaskNFCDEP
	}

	f := opts.Freq
	table := []struct {
		bits DiscMask
		mode nfc.TechMode
		freq uint8
	}{
		{maskPollA, nfc.PollA, f.PA},
		{MaskPBISODEP, nfc.PollB, f.PB},
		{maskPollF, nfc.PollF, f.PF},
		{MaskPAANFCDEP, nfc.PollAActive, f.PAA},
		{MaskPFANFCDEP, nfc.PollFActive, f.PFA},
		{maskListenA, nfc.ListenA, 1},
		{MaskLBISODEP, nfc.ListenB, 1},
		{maskListenF, nfc.ListenF, 1},
		{MaskLAANFCDEP, nfc.ListenAActive, 1},
		{MaskLFANFCDEP, nfc.ListenFActive, 1},
		{MaskPISO15693, nfc.PollISO15693, f.PI93},
		{MaskPBPrime, nfc.PollBPrime, f.PBP},
		{MaskPKovio, nfc.PollKovio, f.PK},
		{MaskLISO15693, nfc.ListenISO15693, 1},
		{MaskLBPrime, nfc.ListenBPrime, 1},
	}

	var params []nfc.DiscoverParam
	for _, e := range table {
		if mask&e.bits == 0 {
			continue
		}
		freq := e.freq
		if freq == 0 {
			freq = 1
		}
		params = append(params, nfc.DiscoverParam{Mode: e.mode, Frequency: freq})
		if len(params) >= MaxDiscoverParams {
			break
		}
	}
	return params
}

// MaskFor maps an activated technology/mode and protocol to the single
// mask bit it satisfies. Unknown combinations map to the legacy bit of the
// matching side.
func MaskFor(mode nfc.TechMode, protocol nfc.Protocol) DiscMask {
	legacy := MaskPLegacy
	if mode.IsListen() {
		legacy = MaskLLegacy
	}

	switch mode {
	case nfc.PollA:
		switch protocol {
		case nfc.ProtocolT1T:
			return MaskPAT1T
		case nfc.ProtocolT2T:
			return MaskPAT2T
		case nfc.ProtocolISODEP:
			return MaskPAISODEP
		case nfc.ProtocolNFCDEP:
			return MaskPANFCDEP
		}
	case nfc.PollB:
		if protocol == nfc.ProtocolISODEP {
			return MaskPBISODEP
		}
	case nfc.PollF:
		switch protocol {
		case nfc.ProtocolT3T:
			return MaskPFT3T
		case nfc.ProtocolNFCDEP:
			return MaskPFNFCDEP
		}
	case nfc.PollISO15693:
		return MaskPISO15693
	case nfc.PollBPrime:
		return MaskPBPrime
	case nfc.PollKovio:
		return MaskPKovio
	case nfc.PollAActive:
		return MaskPAANFCDEP
	case nfc.PollFActive:
		return MaskPFANFCDEP
	case nfc.ListenA:
		switch protocol {
		case nfc.ProtocolT1T:
			return MaskLAT1T
		case nfc.ProtocolT2T:
			return MaskLAT2T
		case nfc.ProtocolISODEP:
			return MaskLAISODEP
		case nfc.ProtocolNFCDEP:
			return MaskLANFCDEP
		}
	case nfc.ListenB:
		if protocol == nfc.ProtocolISODEP {
			return MaskLBISODEP
		}
	case nfc.ListenF:
		switch protocol {
		case nfc.ProtocolT3T:
			return MaskLFT3T
		case nfc.ProtocolNFCDEP:
			return MaskLFNFCDEP
		}
	case nfc.ListenISO15693:
		return MaskLISO15693
	case nfc.ListenBPrime:
		return MaskLBPrime
	case nfc.ListenAActive:
		return MaskLAANFCDEP
	case nfc.ListenFActive:
		return MaskLFANFCDEP
	}
	return legacy
}

// PollMask converts an application poll technology mask into discovery bits
func PollMask(techs nfc.TechMask) DiscMask {
	var m DiscMask
	if techs&nfc.TechA != 0 {
		m |= maskPollA
	}
	if techs&nfc.TechAActive != 0 {
		m |= MaskPAANFCDEP
	}
	if techs&nfc.TechB != 0 {
		m |= MaskPBISODEP
	}
	if techs&nfc.TechF != 0 {
		m |= maskPollF
	}
	if techs&nfc.TechFActive != 0 {
		m |= MaskPFANFCDEP
	}
	if techs&nfc.TechISO15693 != 0 {
		m |= MaskPISO15693
	}
	if techs&nfc.TechBPrime != 0 {
		m |= MaskPBPrime
	}
	if techs&nfc.TechKovio != 0 {
		m |= MaskPKovio
	}
	return m
}

// P2PListenMask converts a listen technology mask into the NFC-DEP listen
// bits used by a P2P registration
func P2PListenMask(techs nfc.TechMask) DiscMask {
	var m DiscMask
	if techs&nfc.TechA != 0 {
		m |= MaskLANFCDEP
	}
	if techs&nfc.TechF != 0 {
		m |= MaskLFNFCDEP
	}
	if techs&nfc.TechAActive != 0 {
		m |= MaskLAANFCDEP
	}
	if techs&nfc.TechFActive != 0 {
		m |= MaskLFANFCDEP
	}
	return m
}
