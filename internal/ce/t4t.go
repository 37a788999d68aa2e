package ce

import (
	"bytes"
	"fmt"

	"github.com/librescoot/nfa/internal/nfc"
)

// AIDHandle identifies a registered T4T AID
type AIDHandle uint8

const (
	// MaxAIDs is the number of T4T AIDs that can be registered besides the
	// wildcard
	MaxAIDs = 4

	// WildcardAID takes every AID no other registration claims
	WildcardAID AIDHandle = 0xFE

	// InvalidAIDHandle marks an AID nobody registered
	InvalidAIDHandle AIDHandle = 0xFF

	maxAIDLen = 16
)

// NDEFTagAID is the NFC Forum Type 4 Tag NDEF application
var NDEFTagAID = []byte{0xD2, 0x76, 0x00, 0x00, 0x85, 0x01, 0x01}

type aidTable struct {
	aids     [MaxAIDs][]byte
	wildcard bool
}

func (t *aidTable) register(aid []byte) (AIDHandle, error) {
	if len(aid) == 0 {
		if t.wildcard {
			return InvalidAIDHandle, nfc.NewSemanticError("ce: wildcard AID already registered")
		}
		t.wildcard = true
		return WildcardAID, nil
	}
	if len(aid) > maxAIDLen {
		return InvalidAIDHandle, nfc.NewInvalidParamError(fmt.Sprintf("ce: AID length %d", len(aid)))
	}
	if t.lookupExact(aid) != InvalidAIDHandle {
		return InvalidAIDHandle, nfc.NewSemanticError(fmt.Sprintf("ce: AID % x already registered", aid))
	}

	for i := range t.aids {
		if t.aids[i] == nil {
			t.aids[i] = append([]byte(nil), aid...)
			return AIDHandle(i), nil
		}
	}
	return InvalidAIDHandle, nfc.NewBufferFullError(fmt.Sprintf("ce: more than %d AIDs", MaxAIDs))
}

func (t *aidTable) deregister(h AIDHandle) {
	switch {
	case h == WildcardAID:
		t.wildcard = false
	case int(h) < MaxAIDs:
		t.aids[h] = nil
	}
}

func (t *aidTable) lookupExact(aid []byte) AIDHandle {
	for i, a := range t.aids {
		if a != nil && bytes.Equal(a, aid) {
			return AIDHandle(i)
		}
	}
	return InvalidAIDHandle
}

// lookup resolves a selected AID, falling back to the wildcard
func (t *aidTable) lookup(aid []byte) AIDHandle {
	if h := t.lookupExact(aid); h != InvalidAIDHandle {
		return h
	}
	if t.wildcard {
		return WildcardAID
	}
	return InvalidAIDHandle
}

// parseSelectAID returns the AID of an ISO 7816-4 SELECT by DF name
func parseSelectAID(apdu []byte) ([]byte, bool) {
	const (
		insSelect    = 0xA4
		p1SelectName = 0x04
	)
	if len(apdu) < 5 || apdu[1] != insSelect || apdu[2] != p1SelectName {
		return nil, false
	}
	lc := int(apdu[4])
	if lc == 0 || len(apdu) < 5+lc {
		return nil, false
	}
	return apdu[5 : 5+lc], true
}
