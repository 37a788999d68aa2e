package ce

import (
	"bytes"

	"github.com/librescoot/nfa/internal/disc"
	"github.com/librescoot/nfa/internal/nfc"
)

// OnDiscoveryStarted implements disc.Listener
func (m *Manager) OnDiscoveryStarted(status nfc.Status) {
	if status != nfc.StatusOK {
		m.log.Logf(nfc.LogLevelWarning, "ce: listen discovery start: %s", status)
	}
}

// OnActivated implements disc.Listener. It finds the registration a listen
// activation belongs to. ISO-DEP activations of AID registrations wait
// for the reader to select an AID.
func (m *Manager) OnActivated(act *nfc.ActivateParams) {
	m.listenActive = true
	m.activation = act.Copy()

	idx := InvalidHandle
	switch {
	case act.Protocol == nfc.ProtocolT3T:
		idx = m.matchT3T(act.NFCID)

	case act.Protocol == nfc.ProtocolISODEP:
		pending := false
		for i := range m.entries {
			e := &m.entries[i]
			if !e.inUse() {
				continue
			}
			if e.protocols&nfc.ProtoMaskISODEP != 0 {
				e.activatePending = true
				if Handle(i) == HandleNDEF {
					idx = HandleNDEF
				}
				pending = true
			}
			if e.typ == TypeUICC && uiccListensISODEP(e, act.TechMode) {
				idx = Handle(i)
			}
		}
		if pending && idx == InvalidHandle {
			m.log.Logf(nfc.LogLevelDebug, "ce: ISO-DEP activation waits for AID selection")
			return
		}

	case act.Interface == nfc.InterfaceEEDirectRF:
		for i := range m.entries {
			if m.entries[i].typ == TypeUICC {
				idx = Handle(i)
				break
			}
		}
	}

	if idx == InvalidHandle {
		m.log.Logf(nfc.LogLevelWarning, "ce: no registration for %s activation", act.Protocol)
		return
	}

	e := &m.entries[idx]
	e.activatePending = false
	m.curActive = idx
	m.notify(e.listener, Event{Kind: EventActivated, Status: nfc.StatusOK, Handle: idx, Activation: m.activation})
}

func (m *Manager) matchT3T(nfcid2 []byte) Handle {
	for i := range m.entries {
		e := &m.entries[i]
		if !e.inUse() {
			continue
		}
		// the controller does not report the system code
		if e.protocols&nfc.ProtoMaskT3T != 0 && bytes.Equal(e.nfcid2[:], nfcid2) {
			return Handle(i)
		}
		if e.typ == TypeUICC && e.techs&nfc.TechF != 0 {
			return Handle(i)
		}
	}
	return InvalidHandle
}

func uiccListensISODEP(e *listenEntry, mode nfc.TechMode) bool {
	switch mode {
	case nfc.ListenA:
		return e.listening&disc.MaskLAISODEP != 0
	case nfc.ListenB:
		return e.listening&disc.MaskLBISODEP != 0
	default:
		return false
	}
}

// HandleSelectAPDU routes a command APDU received during an ISO-DEP listen
// activation. A SELECT by name resolves a pending activation to the
// registration of the selected AID; other APDUs go to the active
// registration.
func (m *Manager) HandleSelectAPDU(apdu []byte) error {
	if !m.listenActive || m.activation == nil || m.activation.Protocol != nfc.ProtocolISODEP {
		return nfc.NewNotAllowedError("ce: no ISO-DEP listen activation")
	}

	aid, ok := parseSelectAID(apdu)
	if !ok {
		if m.curActive == InvalidHandle {
			return nfc.NewNotAllowedError("ce: no AID selected")
		}
		e := &m.entries[m.curActive]
		m.notify(e.listener, Event{Kind: EventData, Status: nfc.StatusOK, Handle: m.curActive, Data: append([]byte(nil), apdu...)})
		return nil
	}

	if bytes.Equal(aid, NDEFTagAID) && m.entries[HandleNDEF].protocols&nfc.ProtoMaskISODEP != 0 {
		// the local tag was already reported as activated
		m.curActive = HandleNDEF
		m.entries[HandleNDEF].activatePending = false
		return nil
	}

	ah := m.aids.lookup(aid)
	if ah == InvalidAIDHandle {
		return nfc.NewInvalidParamError("ce: selected AID is not registered")
	}
	return m.HandleAIDSelect(ah, apdu)
}

// HandleAIDSelect makes the registration of an AID the active one,
// reporting the activation if it is still pending, and passes data on
func (m *Manager) HandleAIDSelect(ah AIDHandle, data []byte) error {
	idx := InvalidHandle
	for i := range m.entries {
		e := &m.entries[i]
		if e.typ == TypeT4TAID && e.aidHandle == ah {
			idx = Handle(i)
			break
		}
	}
	if idx == InvalidHandle {
		return nfc.NewInvalidParamError("ce: AID handle not registered")
	}

	m.curActive = idx
	e := &m.entries[idx]
	if e.activatePending {
		e.activatePending = false
		m.notify(e.listener, Event{Kind: EventActivated, Status: nfc.StatusOK, Handle: idx, Activation: m.activation})
	}
	m.notify(e.listener, Event{Kind: EventData, Status: nfc.StatusOK, Handle: idx, Data: append([]byte(nil), data...)})
	return nil
}

// OnDeactivated implements disc.Listener. Sleep keeps the activation;
// anything else ends it, completes a deregistration waiting for it and
// restarts listening.
func (m *Manager) OnDeactivated(d nfc.Deactivation) {
	// deactivations are broadcast in listen sleep
	if !m.listenActive {
		return
	}

	if d.Type.IsSleep() {
		if m.curActive == InvalidHandle {
			return
		}
		h := m.curActive
		if m.wildcard != InvalidHandle {
			h = m.wildcard
		}
		m.notify(m.entries[m.curActive].listener, Event{Kind: EventDeactivated, Status: nfc.StatusOK, Handle: h, DeactType: d.Type})
		return
	}

	m.listenActive = false
	protocol := nfc.ProtocolInvalid
	if m.activation != nil {
		protocol = m.activation.Protocol
	}

	for i := range m.entries {
		e := &m.entries[i]
		if !e.inUse() {
			continue
		}
		ev := Event{Kind: EventDeactivated, Status: nfc.StatusOK, Handle: Handle(i), DeactType: nfc.DeactIdle}
		switch {
		case e.typ == TypeUICC && Handle(i) == m.curActive:
			m.notify(e.listener, ev)
		case protocol == nfc.ProtocolISODEP && e.protocols&nfc.ProtoMaskISODEP != 0:
			// only registrations that saw the activation
			if !e.activatePending {
				m.notify(e.listener, ev)
			}
		case protocol == nfc.ProtocolT3T && e.protocols&nfc.ProtoMaskT3T != 0:
			m.notify(e.listener, ev)
		}
		e.activatePending = false
	}

	if m.appDeact {
		m.appDeact = false
		if m.curActive != InvalidHandle {
			m.remove(m.curActive, true)
		}
	}

	m.curActive = InvalidHandle
	m.activation = nil
	m.RestartListenCheck()
}
