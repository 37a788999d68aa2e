package cmd

import (
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/librescoot/nfa/internal/nfc"
)

var techNames = map[string]nfc.TechMask{
	"a":        nfc.TechA,
	"b":        nfc.TechB,
	"f":        nfc.TechF,
	"v":        nfc.TechISO15693,
	"iso15693": nfc.TechISO15693,
	"bprime":   nfc.TechBPrime,
	"kovio":    nfc.TechKovio,
	"a-active": nfc.TechAActive,
	"f-active": nfc.TechFActive,
}

var protoNames = map[string]nfc.ProtocolMask{
	"t1t":    nfc.ProtoMaskT1T,
	"t2t":    nfc.ProtoMaskT2T,
	"t3t":    nfc.ProtoMaskT3T,
	"isodep": nfc.ProtoMaskISODEP,
	"nfcdep": nfc.ProtoMaskNFCDEP,
}

func parseTechs(s string) (nfc.TechMask, error) {
	var mask nfc.TechMask
	for _, name := range splitList(s) {
		t, ok := techNames[name]
		if !ok {
			return 0, errors.Errorf("unknown technology %q", name)
		}
		mask |= t
	}
	return mask, nil
}

func parseProtocols(s string) (nfc.ProtocolMask, error) {
	var mask nfc.ProtocolMask
	for _, name := range splitList(s) {
		p, ok := protoNames[name]
		if !ok {
			return 0, errors.Errorf("unknown protocol %q", name)
		}
		mask |= p
	}
	return mask, nil
}

func parseHost(s string) (nfc.HostID, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 8)
	if err != nil {
		return 0, errors.Wrapf(err, "host id %q", s)
	}
	return nfc.HostID(v), nil
}

// parseHostValue splits "host:value"
func parseHostValue(s string) (nfc.HostID, string, error) {
	host, value, ok := strings.Cut(s, ":")
	if !ok {
		return 0, "", errors.Errorf("%q is not host:value", s)
	}
	id, err := parseHost(host)
	return id, value, err
}

// parseAID splits "AID@host". The device host is the default route.
func parseAID(s string) ([]byte, nfc.HostID, error) {
	hexAID, host, ok := strings.Cut(s, "@")
	aid, err := hex.DecodeString(hexAID)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "AID %q", hexAID)
	}
	if !ok {
		return aid, nfc.HostDH, nil
	}
	id, err := parseHost(host)
	return aid, id, err
}

func splitList(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.ToLower(strings.TrimSpace(f)); f != "" {
			out = append(out, f)
		}
	}
	return out
}
