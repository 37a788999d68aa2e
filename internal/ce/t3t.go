package ce

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/librescoot/nfa/internal/nfc"
	"github.com/librescoot/nfa/internal/tlv"
)

// T3TListenParams builds the LF_T3T_IDn entries of every registration
// listening T3T, followed by LF_T3T_FLAGS2 enabling exactly those slots
func (m *Manager) T3TListenParams() []byte {
	b := tlv.NewBuilder(2+2+(2+nfc.SystemCodeLen+nfc.NFCID2Len)*nfc.MaxT3TIdentifiers)

	var enabled uint16
	slot := 0
	for i := range m.entries {
		e := &m.entries[i]
		if !e.inUse() || e.protocols&nfc.ProtoMaskT3T == 0 || slot >= nfc.MaxT3TIdentifiers {
			continue
		}
		id := make([]byte, nfc.SystemCodeLen+nfc.NFCID2Len)
		binary.BigEndian.PutUint16(id, e.systemCode)
		copy(id[nfc.SystemCodeLen:], e.nfcid2[:])
		_ = b.Append(uint8(nfc.ParamLFT3TID1+slot), id)

		enabled |= 1 << slot
		slot++
	}

	flags := make([]byte, 2)
	binary.LittleEndian.PutUint16(flags, enabled)
	_ = b.Append(nfc.ParamLFT3TFlags2, flags)
	return b.Bytes()
}

func (m *Manager) pushT3TParams() {
	if m.config == nil {
		return
	}
	if err := m.config.CheckSetConfig(m.T3TListenParams()); err != nil {
		m.log.Logf(nfc.LogLevelWarning, "ce: T3T listen params: %v", err)
	}
}

// RandomNFCID2 returns an NFCID2 for an emulated Type 3 Tag: 02:FE followed
// by six random bytes
func RandomNFCID2() [nfc.NFCID2Len]byte {
	var id [nfc.NFCID2Len]byte
	id[0], id[1] = 0x02, 0xFE
	// crypto/rand.Read never fails on supported platforms
	_, _ = rand.Read(id[2:])
	return id
}
