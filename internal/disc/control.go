package disc

import "github.com/librescoot/nfa/internal/nfc"

// StartDiscovery enables RF discovery on behalf of the application. The
// outcome is reported through Owner.OnDiscoveryStarted.
func (m *Machine) StartDiscovery() {
	if m.enabled {
		m.owner.OnDiscoveryStarted(nfc.StatusOK, false)
		return
	}
	if m.state != StateIdle {
		m.log.Logf(nfc.LogLevelWarning, "disc: start discovery in %s", m.state)
		m.owner.OnDiscoveryStarted(nfc.StatusSemanticError, false)
		return
	}

	m.enabled = true
	m.notify = true
	m.startRFDiscover()
}

// StopDiscovery disables RF discovery. It clears the enabled flag, so
// discovery is not restarted until StartDiscovery. The outcome is reported
// through Owner.OnDiscoveryStopped once the controller is idle.
func (m *Machine) StopDiscovery() {
	if !m.enabled || m.state == StateIdle {
		m.enabled = false
		if m.w4Rsp {
			// completes when the pending response arrives
			m.stopping = true
		} else {
			m.owner.OnDiscoveryStopped(nfc.StatusOK)
		}
		return
	}

	m.enabled = false
	m.stopping = true
	if m.Deactivate(nfc.DeactIdle) == nfc.StatusOK {
		m.kovioTimer.Stop()
	}
}

// Disable starts a graceful shutdown of discovery. It reports whether the
// caller has to wait for Owner.OnDisabled.
func (m *Machine) Disable() bool {
	if !m.enabled {
		return m.disabling
	}
	m.enabled = false

	if m.state == StateIdle {
		if m.w4Rsp {
			m.disabling = true
		}
		return m.disabling
	}

	m.disabling = true
	m.Execute(Event{Kind: EventDeactivateCmd, DeactType: nfc.DeactIdle})
	if !m.w4Rsp && !m.w4Ntf {
		m.disabling = false
	}
	return m.disabling
}

// Restart re-runs discovery from idle, typically after the registrations
// or the routing changed
func (m *Machine) Restart() {
	if m.state != StateIdle {
		return
	}
	m.Execute(Event{Kind: EventDiscoverCmd})
}

// RestartIfDiscovering moves the controller back to idle so the next start
// picks up new registrations. It reports whether a deactivation was sent.
func (m *Machine) RestartIfDiscovering() bool {
	if m.state != StateDiscovery {
		return false
	}
	return m.Deactivate(nfc.DeactIdle) == nfc.StatusOK
}
