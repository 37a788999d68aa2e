package disc

import (
	"encoding/binary"

	"github.com/librescoot/nfa/internal/nfc"
	"github.com/librescoot/nfa/internal/tlv"
)

// Listen-mode routing table slots
const (
	RouteA = iota
	RouteB
	RouteF
	RouteBPrime
	numRoutes
)

// ListenRoutes holds the host that owns listen-mode RF for NFC-A, NFC-B,
// NFC-F and B'
type ListenRoutes [numRoutes]nfc.HostID

// listenConfigCap bounds one listen-mode SET_CONFIG block
const listenConfigCap = 250

// ListenConfig builds the LA/LB/LF SET_CONFIG TLVs for an aggregated mask.
// Technologies routed off the device host get zero-length entries so the
// controller falls back to the NFCEE configuration.
func ListenConfig(mask DiscMask, routes ListenRoutes, p2pPaused bool) []byte {
	b := tlv.NewBuilder(listenConfigCap)

	var platform, selInfo uint8
	switch {
	case mask&MaskLAT1T != 0:
		platform = nfc.PlatformT1T
	case mask&MaskLAT2T != 0:
	default:
		if mask&MaskLAISODEP != 0 {
			selInfo |= nfc.SelInfoISODEP
		}
		if mask&MaskLANFCDEP != 0 {
			selInfo |= nfc.SelInfoNFCDEP
		}
	}

	if routes[RouteA] == nfc.HostDH {
		_ = b.AppendByte(nfc.ParamLABitFrameSDD, nfc.LABitFrameSDDDH)
		_ = b.AppendByte(nfc.ParamLAPlatformCfg, platform)
		_ = b.AppendByte(nfc.ParamLASelInfo, selInfo)
	} else {
		for _, id := range []uint8{nfc.ParamLABitFrameSDD, nfc.ParamLAPlatformCfg, nfc.ParamLASelInfo, nfc.ParamLANFCID1, nfc.ParamLAHistBytes} {
			_ = b.Append(id, nil)
		}
	}

	if routes[RouteB] == nfc.HostDH {
		var sensb uint8
		if mask&MaskLBISODEP != 0 {
			sensb = nfc.ListenProtoISO
		}
		_ = b.AppendByte(nfc.ParamLBSensBInfo, sensb)
	} else {
		for _, id := range []uint8{nfc.ParamLBSensBInfo, nfc.ParamLBNFCID0, nfc.ParamLBAppData, nfc.ParamLBADCFO, nfc.ParamLBHInfo} {
			_ = b.Append(id, nil)
		}
	}

	// NFC-F listen protocols follow NFCID2 routing, not technology routing
	var lfProto uint8
	if mask&MaskLFNFCDEP != 0 && !p2pPaused {
		lfProto = nfc.ListenProtoNFC
	}
	_ = b.AppendByte(nfc.ParamLFProtocol, lfProto)

	return b.Bytes()
}

// TotalDurationConfig builds the TOTAL_DURATION TLV
func TotalDurationConfig(ms uint16) []byte {
	v := make([]byte, 2)
	binary.LittleEndian.PutUint16(v, ms)
	b := tlv.NewBuilder(4)
	_ = b.Append(nfc.ParamTotalDuration, v)
	return b.Bytes()
}

// ListenCfg is the raw listen configuration supplied with exclusive RF
// control
type ListenCfg struct {
	LAEnable         bool
	LABitFrameSDD    uint8
	LAPlatformConfig uint8
	LASelInfo        uint8
	LANFCID1         []byte

	LBEnable    bool
	LBSensBInfo uint8
	LBNFCID0    []byte
	LBAppData   [nfc.LBAppDataLen]byte
	LBADCFO     uint8

	LFEnable        bool
	LFConBitrF      uint8
	LFProtocolType  uint8
	LFT3TFlags      uint16
	LFT3TIdentifier [nfc.MaxT3TIdentifiers][nfc.SystemCodeLen + nfc.NFCID2Len]byte
	LFT3TPMM        [nfc.T3TPMMLen]byte

	LIEnable    bool
	LIFWI       uint8
	LAHistBytes []byte
	LBHInfoResp []byte

	LNEnable         bool
	LNWT             uint8
	LNATRResGenBytes []byte
	LNATRResConfig   uint8
}

// RawListenConfig builds the SET_CONFIG blocks for an exclusive listen
// configuration and the listen mask it implies. Each block is pushed as one
// SET_CONFIG request, in order.
func RawListenConfig(cfg *ListenCfg, routes ListenRoutes) ([][]byte, DiscMask) {
	var blocks [][]byte
	var mask DiscMask

	if cfg == nil {
		return nil, 0
	}

	if routes[RouteA] == nfc.HostDH && cfg.LAEnable {
		b := tlv.NewBuilder(listenConfigCap)
		_ = b.AppendByte(nfc.ParamLABitFrameSDD, cfg.LABitFrameSDD)
		_ = b.AppendByte(nfc.ParamLAPlatformCfg, cfg.LAPlatformConfig)
		_ = b.AppendByte(nfc.ParamLASelInfo, cfg.LASelInfo)
		if cfg.LAPlatformConfig == nfc.PlatformT1T {
			mask |= MaskLAT1T
		} else {
			if cfg.LASelInfo&nfc.SelInfoISODEP != 0 {
				mask |= MaskLAISODEP
			}
			if cfg.LASelInfo&nfc.SelInfoNFCDEP != 0 {
				mask |= MaskLANFCDEP
			}
			if mask == 0 {
				mask |= MaskLAT2T
			}
		}
		_ = b.Append(nfc.ParamLANFCID1, cfg.LANFCID1)
		blocks = append(blocks, b.Bytes())
	}

	if routes[RouteB] == nfc.HostDH && cfg.LBEnable {
		b := tlv.NewBuilder(listenConfigCap)
		_ = b.AppendByte(nfc.ParamLBSensBInfo, cfg.LBSensBInfo)
		_ = b.Append(nfc.ParamLBNFCID0, cfg.LBNFCID0)
		_ = b.Append(nfc.ParamLBAppData, cfg.LBAppData[:])
		_ = b.AppendByte(nfc.ParamLBSFGI, cfg.LBADCFO)
		_ = b.AppendByte(nfc.ParamLBADCFO, cfg.LBADCFO)
		blocks = append(blocks, b.Bytes())
		if cfg.LBSensBInfo&nfc.ListenProtoISO != 0 {
			mask |= MaskLBISODEP
		}
	}

	if routes[RouteF] == nfc.HostDH && cfg.LFEnable {
		b := tlv.NewBuilder(listenConfigCap)
		_ = b.AppendByte(nfc.ParamLFConBitrF, cfg.LFConBitrF)
		_ = b.AppendByte(nfc.ParamLFProtocol, cfg.LFProtocolType)
		flags := make([]byte, 2)
		binary.LittleEndian.PutUint16(flags, cfg.LFT3TFlags)
		_ = b.Append(nfc.ParamLFT3TFlags2, flags)
		// a clear bit at position X disables SC/NFCID2 X
		for i := 0; i < nfc.MaxT3TIdentifiers; i++ {
			if cfg.LFT3TFlags&(1<<uint(i)) != 0 {
				_ = b.Append(uint8(nfc.ParamLFT3TID1+i), cfg.LFT3TIdentifier[i][:])
			}
		}
		_ = b.Append(nfc.ParamLFT3TPMM, cfg.LFT3TPMM[:])
		blocks = append(blocks, b.Bytes())
		if cfg.LFT3TFlags != nfc.T3TFlagsDisabled {
			mask |= MaskLFT3T
		}
		if cfg.LFProtocolType&nfc.ListenProtoNFC != 0 {
			mask |= MaskLFNFCDEP
		}
	}

	if mask&(MaskLAISODEP|MaskLBISODEP) != 0 && cfg.LIEnable {
		b := tlv.NewBuilder(listenConfigCap)
		_ = b.AppendByte(nfc.ParamLIFWI, cfg.LIFWI)
		if mask&MaskLAISODEP != 0 {
			_ = b.Append(nfc.ParamLAHistBytes, cfg.LAHistBytes)
		}
		if mask&MaskLBISODEP != 0 {
			_ = b.Append(nfc.ParamLBHInfo, cfg.LBHInfoResp)
		}
		blocks = append(blocks, b.Bytes())
	}

	if mask&(MaskLANFCDEP|MaskLFNFCDEP) != 0 && cfg.LNEnable {
		b := tlv.NewBuilder(listenConfigCap)
		_ = b.AppendByte(nfc.ParamWT, cfg.LNWT)
		_ = b.Append(nfc.ParamATRResGenBytes, cfg.LNATRResGenBytes)
		_ = b.AppendByte(nfc.ParamATRRspConfig, cfg.LNATRResConfig)
		blocks = append(blocks, b.Bytes())
	}

	return blocks, mask
}
