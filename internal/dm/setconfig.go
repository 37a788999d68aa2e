package dm

import (
	"bytes"
	"fmt"

	"github.com/librescoot/nfa/internal/nfc"
	"github.com/librescoot/nfa/internal/tlv"
)

const (
	paramATRReqGenBytes = 0x29

	lenNFCID1    = 10
	lenHistBytes = 20
	lenHInfo     = 48
	lenGenBytes  = 48
	lenT3TID     = nfc.SystemCodeLen + nfc.NFCID2Len
)

// slot is the last value sent for one parameter. Fixed length slots are
// only compared when the new value has exactly their length.
type slot struct {
	value    []byte
	maxLen   int
	variable bool
}

// paramStore mirrors the configuration parameters the controller holds so
// internal updates only send values that changed
type paramStore map[uint8]*slot

func fixed(value ...byte) *slot {
	return &slot{value: value, maxLen: len(value)}
}

func variable(maxLen int) *slot {
	return &slot{maxLen: maxLen, variable: true}
}

// newParamStore returns the values the controller holds after reset
func newParamStore() paramStore {
	p := paramStore{
		nfc.ParamTotalDuration: fixed(0, 0),

		nfc.ParamLABitFrameSDD: variable(1),
		nfc.ParamLAPlatformCfg: variable(1),
		nfc.ParamLASelInfo:     variable(1),
		nfc.ParamLANFCID1:      variable(lenNFCID1),
		nfc.ParamLAHistBytes:   variable(lenHistBytes),

		nfc.ParamLBSensBInfo: variable(1),
		nfc.ParamLBNFCID0:    variable(4),
		nfc.ParamLBAppData:   variable(nfc.LBAppDataLen),
		nfc.ParamLBADCFO:     variable(1),
		nfc.ParamLBHInfo:     variable(lenHInfo),

		nfc.ParamLFProtocol:  variable(1),
		nfc.ParamLFT3TFlags2: variable(2),
		nfc.ParamLFT3TPMM:    fixed(0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF),

		nfc.ParamLIFWI: fixed(0x04),
		nfc.ParamWT:    fixed(14),

		paramATRReqGenBytes:     variable(lenGenBytes),
		nfc.ParamATRResGenBytes: variable(lenGenBytes),
	}
	for i := 0; i < nfc.MaxT3TIdentifiers; i++ {
		id := make([]byte, lenT3TID)
		id[0], id[1], id[2], id[3] = 0xFF, 0xFF, 0x02, 0xFE
		p[uint8(nfc.ParamLFT3TID1+i)] = &slot{value: id, maxLen: lenT3TID}
	}
	return p
}

// update stores value and reports whether it differs from what the
// controller holds. Unknown parameters are always sent.
func (p paramStore) update(id uint8, value []byte) bool {
	s, ok := p[id]
	if !ok {
		return true
	}
	if len(value) > s.maxLen {
		return false
	}
	switch {
	case s.variable:
		if len(value) == len(s.value) && bytes.Equal(value, s.value) {
			return false
		}
	case len(value) == s.maxLen:
		if bytes.Equal(value, s.value) {
			return false
		}
	default:
		return false
	}
	s.value = append(s.value[:0], value...)
	return true
}

// CheckSetConfig sends the parameters of an internal TLV stream the
// controller does not hold yet. It implements disc.ConfigSink.
func (m *Manager) CheckSetConfig(tlvs []byte) error {
	return m.checkSetConfig(tlvs, false)
}

// checkSetConfig records the stream against the parameter store and
// sends it. Application streams are sent whole and marked so their
// response becomes an EventSetConfig.
func (m *Manager) checkSetConfig(stream []byte, appInit bool) error {
	if m.setcfgNum >= MaxSetConfigPending {
		return nfc.NewBufferFullError(fmt.Sprintf("dm: %d SET_CONFIG commands pending", MaxSetConfigPending))
	}

	entries, err := tlv.Parse(stream)
	if err != nil {
		return nfc.NewInvalidParamError(fmt.Sprintf("dm: SET_CONFIG stream: %v", err))
	}

	b := tlv.NewBuilder(len(stream))
	for _, e := range entries {
		if !m.params.update(e.Tag, e.Value) {
			continue
		}
		if err := b.Append(e.Tag, e.Value); err != nil {
			return err
		}
	}

	out := b.Bytes()
	if appInit {
		out = stream
	}
	if len(out) == 0 {
		return nil
	}

	if err := m.ctrl.SetConfig(out); err != nil {
		return err
	}
	if appInit {
		m.setcfgPending |= 1 << m.setcfgNum
	}
	m.setcfgNum++
	return nil
}

// onSetConfigRsp reports the response of the oldest pending SET_CONFIG if
// the application sent it
func (m *Manager) onSetConfigRsp(status nfc.Status, rejected []uint8) {
	if m.setcfgNum == 0 {
		m.log.Logf(nfc.LogLevelWarning, "dm: SET_CONFIG response with nothing pending")
		return
	}
	if m.setcfgPending&1 != 0 {
		m.notify(Event{Kind: EventSetConfig, Status: status, ParamIDs: rejected})
	}
	m.setcfgPending >>= 1
	m.setcfgNum--
}

// resetParams forgets every value sent, as after the controller was reset
func (m *Manager) resetParams() {
	m.params = newParamStore()
	m.setcfgPending = 0
	m.setcfgNum = 0
}
