package disc

import (
	"bytes"

	"github.com/librescoot/nfa/internal/nfc"
)

// Kovio barcode tags activate repeatedly while they stay in the field.
// The machine remembers the barcode, hides repeated activations and
// treats the tag as gone once no activation arrives for a timer period.

// handleKovioActivation reports whether the activation repeats the
// barcode already presented and must not reach the listener
func (m *Machine) handleKovioActivation(act *nfc.ActivateParams, l Listener) bool {
	if !m.kovioTimer.Running() {
		m.kovioUID = append(m.kovioUID[:0], act.NFCID...)
		m.kovioTimer.Start(m.cfg.KovioTimeout, m.onKovioTimeout)
		return false
	}

	if !bytes.Equal(m.kovioUID, act.NFCID) {
		m.log.Logf(nfc.LogLevelDebug, "disc: new Kovio barcode % x", act.NFCID)
		m.reportKovioPresence(nfc.StatusFailed)
		// the previous barcode goes away before the new one arrives
		if l != nil {
			l.OnDeactivated(nfc.Deactivation{Type: nfc.DeactIdle})
		}
		m.kovioUID = append(m.kovioUID[:0], act.NFCID...)
		m.kovioTimer.Start(m.cfg.KovioTimeout, m.onKovioTimeout)
		return false
	}

	m.reportKovioPresence(nfc.StatusOK)
	m.kovioTimer.Start(m.cfg.KovioTimeout, m.onKovioTimeout)
	return true
}

func (m *Machine) onKovioTimeout() {
	m.reportKovioPresence(nfc.StatusFailed)

	if m.state == StatePollActive {
		// the upper layer's presence check interval may be longer
		m.kovioTimer.Start(m.cfg.KovioTimeout, m.onKovioTimeout)
		return
	}

	m.kovioUID = m.kovioUID[:0]
	m.notifyDeactivation(false, nfc.Deactivation{Type: nfc.DeactDiscovery, IsNtf: true})
}

// KovioPresenceCheck checks that the last Kovio barcode is still in the
// field. The outcome is reported through Owner.OnPresenceCheckResult.
func (m *Machine) KovioPresenceCheck() nfc.Status {
	if m.act.protocol != nfc.ProtocolKovio || !m.kovioTimer.Running() {
		return nfc.StatusFailed
	}

	if m.state != StatePollActive {
		// wait for the next activation
		m.checking = true
		m.deactPending = false
		return nfc.StatusOK
	}

	m.kovioTimer.Start(m.cfg.KovioTimeout, m.onKovioTimeout)
	status := m.sendDeactivate(nfc.DeactDiscovery)
	if status == nfc.StatusOK {
		m.checking = true
		m.deactPending = false
	}
	return status
}

func (m *Machine) reportKovioPresence(status nfc.Status) {
	if !m.checking {
		return
	}
	m.checking = false
	m.owner.OnPresenceCheckResult(status)
	if m.deactPending {
		m.deactPending = false
		m.Execute(Event{Kind: EventDeactivateCmd, DeactType: m.pendingDeactType})
	}
}

// StopKovioTimer drops the remembered barcode timer
func (m *Machine) StopKovioTimer() {
	m.kovioTimer.Stop()
}
