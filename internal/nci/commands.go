package nci

import (
	"fmt"

	"github.com/librescoot/nfa/internal/nfc"
	"github.com/librescoot/nfa/internal/tlv"
)

// RF interface mapping modes
const (
	MapPoll   uint8 = 0x01
	MapListen uint8 = 0x02
	MapBoth   uint8 = MapPoll | MapListen
)

// Mapping binds an RF protocol to the interface used in poll and/or
// listen mode
type Mapping struct {
	Protocol  nfc.Protocol
	Mode      uint8
	Interface nfc.Interface
}

// DefaultMappings routes ISO-DEP and NFC-DEP through their dedicated
// interfaces and every tag type through the frame interface
var DefaultMappings = []Mapping{
	{Protocol: nfc.ProtocolT1T, Mode: MapPoll, Interface: nfc.InterfaceFrame},
	{Protocol: nfc.ProtocolT2T, Mode: MapPoll, Interface: nfc.InterfaceFrame},
	{Protocol: nfc.ProtocolT3T, Mode: MapPoll, Interface: nfc.InterfaceFrame},
	{Protocol: nfc.ProtocolISODEP, Mode: MapBoth, Interface: nfc.InterfaceISODEP},
	{Protocol: nfc.ProtocolNFCDEP, Mode: MapBoth, Interface: nfc.InterfaceNFCDEP},
}

func cmdCoreReset(resetConfig bool) (command, error) {
	var v uint8
	if resetConfig {
		v = 0x01
	}
	return newCommand(GroupCore, OIDCoreReset, []byte{v})
}

func cmdCoreInit() (command, error) {
	return newCommand(GroupCore, OIDCoreInit, nil)
}

func cmdPropAct() (command, error) {
	return newCommand(GroupProp, OIDPropAct, nil)
}

func cmdPropPowerMode(standby bool) (command, error) {
	var v uint8
	if standby {
		v = 0x01
	}
	return newCommand(GroupProp, OIDPropSetPowerMode, []byte{v})
}

func cmdDiscoverMap(maps []Mapping) (command, error) {
	payload := make([]byte, 0, 1+3*len(maps))
	payload = append(payload, uint8(len(maps)))
	for _, m := range maps {
		payload = append(payload, uint8(m.Protocol), m.Mode, uint8(m.Interface))
	}
	return newCommand(GroupRF, OIDRFDiscoverMap, payload)
}

func cmdDiscover(params []nfc.DiscoverParam) (command, error) {
	if len(params) == 0 {
		return command{}, nfc.NewInvalidParamError("discover without technologies")
	}
	payload := make([]byte, 0, 1+2*len(params))
	payload = append(payload, uint8(len(params)))
	for _, p := range params {
		payload = append(payload, uint8(p.Mode), p.Frequency)
	}
	return newCommand(GroupRF, OIDRFDiscover, payload)
}

func cmdDiscoverSelect(rfDiscID uint8, protocol nfc.Protocol, iface nfc.Interface) (command, error) {
	return newCommand(GroupRF, OIDRFDiscoverSelect, []byte{rfDiscID, uint8(protocol), uint8(iface)})
}

func cmdDeactivate(t nfc.DeactType) (command, error) {
	return newCommand(GroupRF, OIDRFDeactivate, []byte{uint8(t)})
}

func cmdSetRouting(more bool, numTLV int, tlvs []byte) (command, error) {
	if numTLV > 0xFF {
		return command{}, nfc.NewInvalidParamError(fmt.Sprintf("%d routing entries", numTLV))
	}
	payload := make([]byte, 0, 2+len(tlvs))
	if more {
		payload = append(payload, 0x01)
	} else {
		payload = append(payload, 0x00)
	}
	payload = append(payload, uint8(numTLV))
	payload = append(payload, tlvs...)
	return newCommand(GroupRF, OIDRFSetRouting, payload)
}

// cmdSetConfig counts the parameters of a TLV stream and prefixes the count
func cmdSetConfig(tlvs []byte) (command, error) {
	params, err := tlv.Parse(tlvs)
	if err != nil {
		return command{}, err
	}
	if len(params) == 0 {
		return command{}, nfc.NewInvalidParamError("set config without parameters")
	}
	payload := make([]byte, 0, 1+len(tlvs))
	payload = append(payload, uint8(len(params)))
	payload = append(payload, tlvs...)
	return newCommand(GroupCore, OIDCoreSetConfig, payload)
}

func cmdGetConfig(ids []uint8) (command, error) {
	if len(ids) == 0 {
		return command{}, nfc.NewInvalidParamError("get config without parameters")
	}
	payload := make([]byte, 0, 1+len(ids))
	payload = append(payload, uint8(len(ids)))
	payload = append(payload, ids...)
	return newCommand(GroupCore, OIDCoreGetConfig, payload)
}

func cmdNFCEEDiscover(enable bool) (command, error) {
	var v uint8
	if enable {
		v = 0x01
	}
	return newCommand(GroupEE, OIDNFCEEDiscover, []byte{v})
}
