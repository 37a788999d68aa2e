package dm

import (
	"fmt"

	"github.com/librescoot/nfa/internal/ce"
	"github.com/librescoot/nfa/internal/disc"
	"github.com/librescoot/nfa/internal/ee"
	"github.com/librescoot/nfa/internal/nfc"
)

// staticRFConnID is the logical connection of the activated RF interface
const staticRFConnID = 0

// Every method below queues its work on the event loop and returns at
// once. An error return means the request was rejected before it was
// queued; the outcome of an accepted request arrives as an Event.

// Enable powers up and initializes the controller. EventEnabled follows.
func (m *Manager) Enable() {
	m.Post(m.enable)
}

// Disable shuts the stack down. A graceful disable first stops discovery
// and falls back to an immediate shutdown after DisableTimeout.
// EventDisabled follows.
func (m *Manager) Disable(graceful bool) {
	m.Post(func() { m.disable(graceful) })
}

// SetPowerMode moves the controller to full power or power off sleep.
// Leaving power off sleep re-pushes listen configuration, routing and
// discovery. EventPowerModeChanged follows.
func (m *Manager) SetPowerMode(mode PowerMode) {
	m.Post(func() {
		if !m.active || m.settingPower {
			m.notify(Event{Kind: EventPowerModeChanged, Status: nfc.StatusFailed, PowerMode: m.power})
			return
		}
		if mode == m.power {
			m.notify(Event{Kind: EventPowerModeChanged, Status: nfc.StatusOK, PowerMode: m.power})
			return
		}
		m.settingPower = true
		if err := m.ctrl.SetPowerOffSleep(mode == PowerOffSleep); err != nil {
			m.settingPower = false
			m.log.Logf(nfc.LogLevelError, "dm: power mode %s: %v", mode, err)
			m.notify(Event{Kind: EventPowerModeChanged, Status: nfc.StatusOf(err), PowerMode: m.power})
		}
	})
}

// SetConfig sets one controller parameter. Only the response to this call
// produces EventSetConfig; parameters the stack sets internally do not.
func (m *Manager) SetConfig(paramID uint8, value []byte) error {
	if 2+len(value) > MaxSetConfigLen {
		return nfc.NewInvalidParamError(fmt.Sprintf("dm: parameter 0x%02x of %d bytes", paramID, len(value)))
	}
	stream := append([]byte{paramID, uint8(len(value))}, value...)
	m.Post(func() {
		if err := m.checkSetConfig(stream, true); err != nil {
			m.log.Logf(nfc.LogLevelWarning, "dm: SET_CONFIG 0x%02x: %v", paramID, err)
			m.notify(Event{Kind: EventSetConfig, Status: nfc.StatusInvalidParam})
		}
	})
	return nil
}

// GetConfig reads controller parameters. EventGetConfig carries the TLVs.
func (m *Manager) GetConfig(ids []uint8) error {
	if len(ids) == 0 || len(ids) > MaxSetConfigLen {
		return nfc.NewInvalidParamError(fmt.Sprintf("dm: %d parameter ids", len(ids)))
	}
	ids = append([]uint8(nil), ids...)
	m.Post(func() {
		if err := m.ctrl.GetConfig(ids); err != nil {
			m.notify(Event{Kind: EventGetConfig, Status: nfc.StatusOf(err)})
		}
	})
	return nil
}

// EnablePolling registers the application's poll technologies with
// discovery. It takes effect the next time discovery starts.
func (m *Manager) EnablePolling(techs nfc.TechMask) {
	m.Post(func() {
		if m.poll.enabled || m.excl != nil {
			m.log.Logf(nfc.LogLevelError, "dm: polling already enabled")
			m.notify(Event{Kind: EventPollEnabled, Status: nfc.StatusFailed})
			return
		}
		if m.poll.handle == disc.InvalidHandle {
			h, err := m.disc.Add(disc.PollMask(techs), nfc.HostDH, pollListener{m})
			if err != nil {
				m.notify(Event{Kind: EventPollEnabled, Status: nfc.StatusFailed})
				return
			}
			m.poll.handle = h
		}
		m.poll.enabled = true
		m.notify(Event{Kind: EventPollEnabled, Status: nfc.StatusOK})
	})
}

// DisablePolling removes the poll registration. A target being talked to
// is deactivated first and EventPollDisabled follows its deactivation.
func (m *Manager) DisablePolling() {
	m.Post(func() {
		if m.poll.handle == disc.InvalidHandle {
			m.notify(Event{Kind: EventPollDisabled, Status: nfc.StatusFailed})
			return
		}
		m.poll.enabled = false
		if m.deactivatePolling() {
			m.poll.sendStop = true
			return
		}
		m.disc.Delete(m.poll.handle)
		m.poll.handle = disc.InvalidHandle
		m.notify(Event{Kind: EventPollDisabled, Status: nfc.StatusOK})
	})
}

// deactivatePolling ends poll activity. It reports whether the
// registration must wait for a deactivation before it goes away.
func (m *Manager) deactivatePolling() bool {
	switch m.disc.State() {
	case disc.StateW4AllDiscoveries, disc.StateW4HostSelect:
		m.disc.Deactivate(nfc.DeactIdle)
		return false
	case disc.StatePollActive:
		m.disc.Deactivate(nfc.DeactIdle)
		return true
	default:
		return false
	}
}

// EnableListening lets listen technologies into the next discovery
func (m *Manager) EnableListening() {
	m.Post(func() {
		m.disc.SetListenDisabled(false)
		m.notify(Event{Kind: EventListenEnabled, Status: nfc.StatusOK})
	})
}

// DisableListening keeps listen technologies out of the next discovery
func (m *Manager) DisableListening() {
	m.Post(func() {
		m.disc.SetListenDisabled(true)
		m.notify(Event{Kind: EventListenDisabled, Status: nfc.StatusOK})
	})
}

// PauseP2P keeps NFC-DEP out of the next discovery
func (m *Manager) PauseP2P() {
	m.Post(func() {
		m.disc.SetP2PPaused(true)
		m.notify(Event{Kind: EventP2PPaused, Status: nfc.StatusOK})
	})
}

// ResumeP2P lets NFC-DEP into the next discovery
func (m *Manager) ResumeP2P() {
	m.Post(func() {
		m.disc.SetP2PPaused(false)
		m.notify(Event{Kind: EventP2PResumed, Status: nfc.StatusOK})
	})
}

// StartRFDiscovery starts discovery with every registration. Starting it
// again reports OK; starting it while the controller is busy reports
// SEMANTIC_ERROR.
func (m *Manager) StartRFDiscovery() {
	m.Post(m.disc.StartDiscovery)
}

// StopRFDiscovery brings the controller to idle. EventDiscoveryStopped
// follows once it is.
func (m *Manager) StopRFDiscovery() {
	m.Post(m.disc.StopDiscovery)
}

// SetRFDiscDuration sets the total discovery period used from the next
// start
func (m *Manager) SetRFDiscDuration(ms uint16) {
	m.Post(func() { m.disc.SetDuration(ms) })
}

// Select activates one of the targets a multi-target discovery reported.
// EventSelectResult follows, then EventActivated.
func (m *Manager) Select(rfDiscID uint8, protocol nfc.Protocol, iface nfc.Interface) error {
	if protocol == nfc.ProtocolInvalid {
		return nfc.NewInvalidParamError("dm: select without protocol")
	}
	m.Post(func() { m.disc.Select(rfDiscID, protocol, iface) })
	return nil
}

// Deactivate ends the current activation, to sleep when sleep is set.
// Sleep is refused for T1T, NFC-DEP and Kovio targets.
// EventDeactivated, or EventDeactivateFail, follows.
func (m *Manager) Deactivate(sleep bool) {
	m.Post(func() {
		if status := m.deactivate(sleep); status != nfc.StatusOK {
			m.log.Logf(nfc.LogLevelError, "dm: deactivate(sleep=%t): invalid protocol, mode or state", sleep)
			m.notify(Event{Kind: EventDeactivateFail, Status: nfc.StatusFailed})
		}
	})
}

func (m *Manager) deactivate(sleep bool) nfc.Status {
	protocol := m.disc.ActivatedProtocol()
	state := m.disc.State()

	if sleep {
		switch protocol {
		case nfc.ProtocolT1T, nfc.ProtocolNFCDEP, nfc.ProtocolKovio:
			return nfc.StatusFailed
		}
	}

	t := nfc.DeactDiscovery
	if sleep {
		switch state {
		case disc.StateW4HostSelect:
			t = nfc.DeactIdle
		case disc.StateListenSleep:
		default:
			t = nfc.DeactSleep
		}
	}
	if state == disc.StateW4AllDiscoveries {
		t = nfc.DeactIdle
	}

	status := m.disc.Deactivate(t)
	if status == nfc.StatusOK {
		m.disc.StopKovioTimer()
	}
	return status
}

// PresenceCheck checks that the activated poll target is still in the
// field. EventPresenceCheck follows.
func (m *Manager) PresenceCheck() {
	m.Post(func() {
		var status nfc.Status
		if m.disc.ActivatedProtocol() == nfc.ProtocolKovio {
			status = m.disc.KovioPresenceCheck()
		} else {
			status = m.disc.SleepWakeup()
		}
		if status != nfc.StatusOK {
			m.notify(Event{Kind: EventPresenceCheck, Status: status})
		}
	})
}

// SendRawFrame sends data over the activated RF interface
func (m *Manager) SendRawFrame(data []byte) {
	data = append([]byte(nil), data...)
	m.Post(func() {
		switch m.disc.State() {
		case disc.StatePollActive, disc.StateListenActive:
		default:
			m.log.Logf(nfc.LogLevelWarning, "dm: raw frame in %s dropped", m.disc.State())
			return
		}
		if err := m.ctrl.SendData(staticRFConnID, data); err != nil {
			m.log.Logf(nfc.LogLevelError, "dm: raw frame: %v", err)
		}
	})
}

// RequestExclusiveRF hands RF discovery to l until ReleaseExclusiveRF.
// Discovery must be idle. l receives EventExclusiveStarted and every
// discovery event meanwhile.
func (m *Manager) RequestExclusiveRF(pollTechs nfc.TechMask, listen *disc.ListenCfg, l Listener) error {
	if l == nil {
		return nfc.NewInvalidParamError("dm: exclusive RF control without listener")
	}
	if listen != nil {
		c := *listen
		listen = &c
	}
	m.Post(func() {
		if m.excl != nil {
			m.log.Logf(nfc.LogLevelError, "dm: exclusive RF control already requested")
			l.OnNFAEvent(Event{Kind: EventExclusiveStarted, Status: nfc.StatusFailed})
			return
		}
		m.excl = l
		m.exclStarted = false
		if err := m.disc.StartExclusive(pollTechs, listen, exclListener{m}); err != nil {
			m.log.Logf(nfc.LogLevelWarning, "dm: %v", err)
			m.excl = nil
			l.OnNFAEvent(Event{Kind: EventExclusiveStarted, Status: nfc.StatusOf(err)})
		}
	})
	return nil
}

// ReleaseExclusiveRF gives up exclusive RF control. EventExclusiveStopped
// follows once discovery is idle.
func (m *Manager) ReleaseExclusiveRF() {
	m.Post(func() {
		if err := m.disc.ReleaseExclusive(); err != nil {
			m.log.Logf(nfc.LogLevelWarning, "dm: %v", err)
		}
	})
}

// Card emulation

// ConfigureLocalTag serves ndef as a local Type 3 and/or Type 4 tag. Zero
// protocols disables the tag.
func (m *Manager) ConfigureLocalTag(protocols nfc.ProtocolMask, ndef []byte, maxSize int, readOnly bool) {
	ndef = append([]byte(nil), ndef...)
	m.Post(func() {
		if err := m.ce.ConfigureLocalTag(protocols, ndef, maxSize, readOnly); err != nil {
			m.log.Logf(nfc.LogLevelWarning, "dm: local tag: %v", err)
		}
	})
}

// RegisterFelica listens for a Felica system code. l receives the
// registration result and the activations.
func (m *Manager) RegisterFelica(systemCode uint16, nfcid2 [nfc.NFCID2Len]byte, l ce.Listener) {
	m.Post(func() {
		if _, err := m.ce.RegisterFelica(systemCode, nfcid2, l); err != nil {
			m.log.Logf(nfc.LogLevelWarning, "dm: Felica 0x%04x: %v", systemCode, err)
		}
	})
}

// RegisterT4TAID listens for a reader selecting aid on the device host. An
// empty AID registers the wildcard.
func (m *Manager) RegisterT4TAID(aid []byte, l ce.Listener) error {
	if len(aid) > ee.MaxAIDLen {
		return nfc.NewInvalidParamError(fmt.Sprintf("dm: AID length %d", len(aid)))
	}
	aid = append([]byte(nil), aid...)
	m.Post(func() {
		if _, err := m.ce.RegisterT4TAID(aid, l); err != nil {
			m.log.Logf(nfc.LogLevelWarning, "dm: AID % x: %v", aid, err)
		}
	})
	return nil
}

// RegisterUICC listens on techs on behalf of an NFCEE
func (m *Manager) RegisterUICC(id nfc.HostID, techs nfc.TechMask) error {
	if id == nfc.HostDH {
		return nfc.NewInvalidParamError("dm: the device host is not an NFCEE")
	}
	m.Post(func() {
		if _, err := m.ce.RegisterUICC(id, techs); err != nil {
			m.log.Logf(nfc.LogLevelWarning, "dm: NFCEE 0x%02x listen: %v", uint8(id), err)
		}
	})
	return nil
}

// DeregisterCE removes a local tag, Felica or T4T registration
func (m *Manager) DeregisterCE(h ce.Handle) {
	m.Post(func() {
		if err := m.ce.Deregister(h); err != nil {
			m.log.Logf(nfc.LogLevelWarning, "dm: deregister %d: %v", h, err)
		}
	})
}

// DeregisterUICC removes the listen registration of an NFCEE
func (m *Manager) DeregisterUICC(id nfc.HostID) {
	m.Post(func() {
		if err := m.ce.DeregisterUICC(id); err != nil {
			m.log.Logf(nfc.LogLevelWarning, "dm: deregister NFCEE 0x%02x: %v", uint8(id), err)
		}
	})
}

// Routing

// AddNFCEE records an NFCEE or updates its status. NFCEEs the controller
// reports on enable are added without it.
func (m *Manager) AddNFCEE(id nfc.HostID, status ee.Status) {
	m.Post(func() {
		if err := m.addNFCEE(id, status); err != nil {
			m.log.Logf(nfc.LogLevelWarning, "dm: NFCEE 0x%02x: %v", uint8(id), err)
		}
	})
}

// SetDefaultTechRouting replaces the technology routing of a host.
// EventRouting with SET_TECH_CFG follows.
func (m *Manager) SetDefaultTechRouting(id nfc.HostID, r ee.TechRouting) {
	m.Post(func() { _ = m.ee.SetDefaultTechRouting(id, r) })
}

// SetDefaultProtoRouting replaces the protocol routing of a host.
// EventRouting with SET_PROTO_CFG follows.
func (m *Manager) SetDefaultProtoRouting(id nfc.HostID, r ee.ProtoRouting) {
	m.Post(func() { _ = m.ee.SetDefaultProtoRouting(id, r) })
}

// AddAIDRouting routes aid to a host. A table that would overflow is
// reported as BUFFER_FULL through EventRouting with ADD_AID and leaves the
// previous configuration in place.
func (m *Manager) AddAIDRouting(id nfc.HostID, aid []byte, power nfc.PowerState) error {
	if len(aid) == 0 || len(aid) > ee.MaxAIDLen {
		return nfc.NewInvalidParamError(fmt.Sprintf("dm: AID length %d", len(aid)))
	}
	aid = append([]byte(nil), aid...)
	m.Post(func() { _ = m.ee.AddAIDRouting(id, aid, power) })
	return nil
}

// RemoveAIDRouting removes aid from the routing table
func (m *Manager) RemoveAIDRouting(aid []byte) error {
	if len(aid) == 0 || len(aid) > ee.MaxAIDLen {
		return nfc.NewInvalidParamError(fmt.Sprintf("dm: AID length %d", len(aid)))
	}
	aid = append([]byte(nil), aid...)
	m.Post(func() { _ = m.ee.RemoveAIDRouting(aid) })
	return nil
}

// GetLMRTSize reports the free routing table space through EventRouting
// with REMAINING_SIZE
func (m *Manager) GetLMRTSize() {
	m.Post(func() { m.ee.LMRTSize() })
}

// UpdateRouting programs routing changes without waiting for the debounce
// timer. EventRouting with UPDATED follows.
func (m *Manager) UpdateRouting() {
	m.Post(func() { _ = m.ee.UpdateNow() })
}
