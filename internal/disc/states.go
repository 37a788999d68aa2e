package disc

import (
	"fmt"

	"github.com/librescoot/nfa/internal/nfc"
)

// State is the RF discovery state
type State uint8

// The order matters: newState compares against StateDiscovery
const (
	StateIdle State = iota
	StateDiscovery
	StateW4AllDiscoveries
	StateW4HostSelect
	StatePollActive
	StateListenActive
	StateListenSleep
	StateLPListen
	StateLPActive
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateDiscovery:
		return "DISCOVERY"
	case StateW4AllDiscoveries:
		return "W4_ALL_DISCOVERIES"
	case StateW4HostSelect:
		return "W4_HOST_SELECT"
	case StatePollActive:
		return "POLL_ACTIVE"
	case StateListenActive:
		return "LISTEN_ACTIVE"
	case StateListenSleep:
		return "LISTEN_SLEEP"
	case StateLPListen:
		return "LP_LISTEN"
	case StateLPActive:
		return "LP_ACTIVE"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// EventKind is a discovery state machine input
type EventKind uint8

const (
	EventDiscoverCmd EventKind = iota
	EventDiscoverRsp
	EventDiscoverNtf
	EventSelectCmd
	EventSelectRsp
	EventIntfActivatedNtf
	EventDeactivateCmd
	EventDeactivateRsp
	EventDeactivateNtf
	EventLPListenCmd
	EventCoreIntfErrorNtf
)

func (k EventKind) String() string {
	switch k {
	case EventDiscoverCmd:
		return "DISCOVER_CMD"
	case EventDiscoverRsp:
		return "DISCOVER_RSP"
	case EventDiscoverNtf:
		return "DISCOVER_NTF"
	case EventSelectCmd:
		return "SELECT_CMD"
	case EventSelectRsp:
		return "SELECT_RSP"
	case EventIntfActivatedNtf:
		return "INTF_ACTIVATED_NTF"
	case EventDeactivateCmd:
		return "DEACTIVATE_CMD"
	case EventDeactivateRsp:
		return "DEACTIVATE_RSP"
	case EventDeactivateNtf:
		return "DEACTIVATE_NTF"
	case EventLPListenCmd:
		return "LP_LISTEN_CMD"
	case EventCoreIntfErrorNtf:
		return "CORE_INTF_ERROR_NTF"
	default:
		return fmt.Sprintf("Event(%d)", uint8(k))
	}
}

// SelectParams names the target of an RF_DISCOVER_SELECT_CMD
type SelectParams struct {
	RFDiscID  uint8
	Protocol  nfc.Protocol
	Interface nfc.Interface
}

// Event is one state machine input. Only the fields of its kind are set.
type Event struct {
	Kind EventKind

	// Status of a response
	Status nfc.Status

	// DeactType requested by EventDeactivateCmd
	DeactType nfc.DeactType

	// Deactivation carried by EventDeactivateRsp and EventDeactivateNtf
	Deactivation nfc.Deactivation

	Activation *nfc.ActivateParams
	Result     *nfc.DiscoverResult
	Select     SelectParams
}

// Execute feeds one event to the handler of the current state
func (m *Machine) Execute(ev Event) {
	m.log.Logf(nfc.LogLevelDebug, "disc: %s in %s", ev.Kind, m.state)

	switch m.state {
	case StateIdle:
		m.handleIdle(ev)
	case StateDiscovery:
		m.handleDiscovery(ev)
	case StateW4AllDiscoveries:
		m.handleW4AllDiscoveries(ev)
	case StateW4HostSelect:
		m.handleW4HostSelect(ev)
	case StatePollActive:
		m.handlePollActive(ev)
	case StateListenActive:
		m.handleListenActive(ev)
	case StateListenSleep:
		m.handleListenSleep(ev)
	case StateLPListen:
		m.handleLPListen(ev)
	case StateLPActive:
		m.handleLPActive(ev)
	default:
		m.log.Logf(nfc.LogLevelError, "disc: unknown state %d", m.state)
	}
}

func (m *Machine) unhandled(ev Event) {
	m.log.Logf(nfc.LogLevelError, "disc: unexpected %s in %s", ev.Kind, m.state)
}

// activatedState picks the state an activation during discovery
// moves to
func activatedState(act *nfc.ActivateParams) State {
	if act.Interface == nfc.InterfaceEEDirectRF || act.TechMode.IsListen() {
		return StateListenActive
	}
	return StatePollActive
}

func (m *Machine) handleIdle(ev Event) {
	switch ev.Kind {
	case EventDiscoverCmd:
		m.startRFDiscover()

	case EventDiscoverRsp:
		m.w4Rsp = false
		if ev.Status != nfc.StatusOK {
			// the controller disagrees about the state; resync through idle
			m.log.Logf(nfc.LogLevelWarning, "disc: RF_DISCOVER_RSP %s, resyncing", ev.Status)
			m.w4Rsp = true
			m.deactivate(nfc.DeactIdle)
			return
		}
		m.newState(StateDiscovery)
		if m.stopping || m.disabling {
			m.w4Rsp = true
			m.deactivate(nfc.DeactIdle)
			return
		}
		m.notifyRegistrationsStarted(ev.Status)
		m.notifyStarted(ev.Status)

	case EventDeactivateRsp:
		m.w4Rsp = false
		if ev.Status != nfc.StatusOK {
			// wait for the notification
			return
		}
		if !m.w4Ntf {
			m.notifyDeactivation(false, ev.Deactivation)
			m.newState(StateIdle)
			m.startRFDiscover()
		}

	case EventDeactivateNtf:
		if !m.w4Ntf {
			if ev.Deactivation.Type == nfc.DeactDiscovery {
				m.w4Rsp = true
				m.deactivate(nfc.DeactIdle)
			} else {
				m.notifyDeactivation(false, ev.Deactivation)
				m.newState(StateIdle)
				m.startRFDiscover()
			}
		}
		m.w4Ntf = false

	case EventIntfActivatedNtf:
		m.log.Logf(nfc.LogLevelWarning, "disc: activation while idle, deactivating")
		m.w4Rsp = true
		m.w4Ntf = true
		m.deactivate(nfc.DeactIdle)

	case EventLPListenCmd:
		m.newState(StateLPListen)

	default:
		m.unhandled(ev)
	}
}

func (m *Machine) handleDiscovery(ev Event) {
	switch ev.Kind {
	case EventDeactivateCmd:
		if !m.w4Rsp {
			m.w4Rsp = true
			m.deactivate(ev.DeactType)
		}

	case EventDeactivateRsp:
		m.w4Rsp = false
		// a pending w4Ntf means an activation crossed the command
		if !m.w4Ntf {
			m.newState(StateIdle)
			m.startRFDiscover()
		}

	case EventDiscoverNtf:
		m.newState(StateW4AllDiscoveries)
		m.owner.OnDiscoveryResult(ev.Result)

	case EventIntfActivatedNtf:
		if m.w4Rsp {
			m.log.Logf(nfc.LogLevelWarning, "disc: activation raced deactivation, waiting for NTF")
			m.w4Ntf = true
			return
		}
		m.newState(activatedState(ev.Activation))
		if m.notifyActivation(ev.Activation) == nfc.StatusFailed {
			m.log.Logf(nfc.LogLevelWarning, "disc: activation not claimed, restarting")
			m.w4Rsp = true
			m.w4Ntf = true
			m.deactivate(nfc.DeactIdle)
		}

	case EventDeactivateNtf:
		if m.w4Ntf {
			m.w4Ntf = false
			if !m.w4Rsp {
				m.newState(StateIdle)
				m.startRFDiscover()
			}
		}

	case EventLPListenCmd, EventCoreIntfErrorNtf:

	default:
		m.unhandled(ev)
	}
}

func (m *Machine) handleW4AllDiscoveries(ev Event) {
	switch ev.Kind {
	case EventDeactivateCmd:
		if !m.w4Rsp {
			m.w4Rsp = true
			// only idle is allowed here
			m.deactivate(nfc.DeactIdle)
		}

	case EventDeactivateRsp:
		m.w4Rsp = false
		m.notifyDeactivation(true, ev.Deactivation)
		m.newState(StateIdle)
		m.startRFDiscover()

	case EventDiscoverNtf:
		if m.w4Rsp {
			return
		}
		if ev.Result.More != nfc.DiscoverMore {
			m.newState(StateW4HostSelect)
		}
		m.owner.OnDiscoveryResult(ev.Result)

	case EventIntfActivatedNtf:
		// ISO15693 is activated without host selection once every tag
		// answered
		m.newState(StatePollActive)
		if m.notifyActivation(ev.Activation) == nfc.StatusFailed {
			m.deactivate(nfc.DeactIdle)
		}

	default:
		m.unhandled(ev)
	}
}

func (m *Machine) handleW4HostSelect(ev Event) {
	wasChecking := m.checking
	checkEvent := false
	checkDone := false

	switch ev.Kind {
	case EventSelectCmd:
		if m.w4Rsp {
			m.notifySelect(nfc.StatusFailed)
			return
		}
		p := ev.Select
		if err := m.ctrl.DiscoverySelect(p.RFDiscID, p.Protocol, p.Interface); err != nil {
			m.log.Logf(nfc.LogLevelError, "disc: RF_DISCOVER_SELECT_CMD: %v", err)
			m.notifySelect(nfc.StatusOf(err))
		}

	case EventSelectRsp:
		checkEvent = true
		if ev.Status == nfc.StatusOK {
			checkDone = true
		}
		if !wasChecking {
			m.notifySelect(ev.Status)
		}

	case EventIntfActivatedNtf:
		m.newState(StatePollActive)
		if wasChecking {
			// the target woke up again
			m.endSleepWakeup(nfc.StatusOK)
		} else if m.notifyActivation(ev.Activation) == nfc.StatusFailed {
			m.deactivate(nfc.DeactIdle)
		}

	case EventDeactivateCmd:
		if wasChecking {
			m.deactPending = true
			m.pendingDeactType = ev.DeactType
		} else if !m.w4Rsp {
			m.w4Rsp = true
			m.deactivate(nfc.DeactIdle)
		}

	case EventDeactivateRsp:
		m.w4Rsp = false
		m.notifyDeactivation(true, ev.Deactivation)
		m.newState(StateIdle)
		m.startRFDiscover()

	case EventCoreIntfErrorNtf:
		checkEvent = true
		if !wasChecking {
			// the upper layer may select again or deactivate
			m.owner.OnSelectResult(nfc.StatusFailed)
		}

	default:
		m.unhandled(ev)
	}

	if wasChecking && checkEvent && !checkDone {
		m.endSleepWakeup(nfc.StatusFailed)
	}
}

func (m *Machine) handlePollActive(ev Event) {
	wasChecking := m.checking
	checkEvent := false
	checkDone := false

	switch ev.Kind {
	case EventDeactivateCmd:
		if wasChecking {
			m.deactPending = true
			m.pendingDeactType = ev.DeactType
			return
		}
		if status := m.sendDeactivate(ev.DeactType); status != nfc.StatusOK {
			m.log.Logf(nfc.LogLevelWarning, "disc: deactivate %s: %s", ev.DeactType, status)
		}

	case EventDeactivateRsp:
		m.w4Rsp = false
		if !m.w4Ntf {
			// the notification came first
			m.notifyDeactivation(false, nfc.Deactivation{Type: nfc.DeactIdle, IsNtf: true})
			m.newState(StateIdle)
			m.startRFDiscover()
		}

	case EventDeactivateNtf:
		m.w4Ntf = false
		m.deactTimer.Stop()
		if m.w4Rsp {
			// notified when the response arrives
			return
		}

		checkEvent = true
		m.notifyDeactivation(false, ev.Deactivation)

		switch {
		case ev.Deactivation.Type.IsSleep():
			m.newState(StateW4HostSelect)
			if wasChecking {
				checkDone = true
				if m.deactPending {
					m.endSleepWakeup(nfc.StatusOK)
				} else {
					// asleep; wake it up to finish the check
					if err := m.ctrl.DiscoverySelect(m.act.rfDiscID, m.act.protocol, m.act.iface); err != nil {
						m.log.Logf(nfc.LogLevelError, "disc: wakeup select: %v", err)
					}
				}
			}
		case ev.Deactivation.Type == nfc.DeactIdle:
			m.newState(StateIdle)
			m.startRFDiscover()
		case ev.Deactivation.Type == nfc.DeactDiscovery:
			m.newState(StateDiscovery)
			if m.stopping {
				m.deactivate(nfc.DeactIdle)
			}
		}

	case EventCoreIntfErrorNtf:
		checkEvent = true
		if !wasChecking || !m.deactPending {
			m.sendDeactivate(nfc.DeactDiscovery)
		}

	default:
		m.unhandled(ev)
	}

	if wasChecking && checkEvent && !checkDone {
		m.endSleepWakeup(nfc.StatusFailed)
	}
}

func (m *Machine) handleListenActive(ev Event) {
	switch ev.Kind {
	case EventDeactivateCmd:
		m.sendDeactivate(ev.DeactType)

	case EventDeactivateRsp:
		m.w4Rsp = false
		if !m.w4Ntf {
			m.notifyDeactivation(false, nfc.Deactivation{Type: nfc.DeactIdle, IsNtf: true})
			m.newState(StateIdle)
			m.startRFDiscover()
		}

	case EventDeactivateNtf:
		m.w4Ntf = false
		m.deactTimer.Stop()
		if m.w4Rsp {
			return
		}

		m.notifyDeactivation(false, ev.Deactivation)
		switch {
		case ev.Deactivation.Type == nfc.DeactIdle:
			m.newState(StateIdle)
			m.startRFDiscover()
		case ev.Deactivation.Type.IsSleep():
			m.newState(StateListenSleep)
		case ev.Deactivation.Type == nfc.DeactDiscovery:
			m.newState(StateDiscovery)
			if m.stopping {
				m.deactivate(nfc.DeactIdle)
			}
		}

	case EventCoreIntfErrorNtf:

	default:
		m.unhandled(ev)
	}
}

func (m *Machine) handleListenSleep(ev Event) {
	switch ev.Kind {
	case EventDeactivateCmd:
		sent := !m.w4Rsp && !m.w4Ntf
		m.sendDeactivate(ev.DeactType)
		// only a deactivation to discovery is answered with a notification
		if sent && ev.DeactType != nfc.DeactDiscovery {
			m.w4Ntf = false
			m.deactTimer.Stop()
		}

	case EventDeactivateRsp:
		m.w4Rsp = false
		if !m.w4Ntf {
			m.notifyDeactivation(true, ev.Deactivation)
			m.newState(StateIdle)
			m.startRFDiscover()
		}

	case EventDeactivateNtf:
		// link loss can cross a deactivate command
		m.w4Rsp = false
		m.w4Ntf = false
		m.deactTimer.Stop()

		// nothing is activated here, so every listener hears about it
		m.notifyDeactivation(true, ev.Deactivation)

		if ev.Deactivation.Type == nfc.DeactDiscovery {
			m.newState(StateDiscovery)
		} else {
			if ev.Deactivation.Type != nfc.DeactIdle {
				m.log.Logf(nfc.LogLevelWarning, "disc: unexpected %s deactivation in listen sleep", ev.Deactivation.Type)
			}
			m.newState(StateIdle)
			m.startRFDiscover()
		}

	case EventIntfActivatedNtf:
		m.newState(StateListenActive)
		if m.notifyActivation(ev.Activation) == nfc.StatusFailed {
			m.deactivate(nfc.DeactIdle)
		}

	default:
		m.unhandled(ev)
	}
}

func (m *Machine) handleLPListen(ev Event) {
	switch ev.Kind {
	case EventIntfActivatedNtf:
		m.newState(StateLPActive)
		if m.notifyActivation(ev.Activation) == nfc.StatusFailed {
			m.log.Logf(nfc.LogLevelWarning, "disc: low power activation not claimed")
		}

	default:
		m.unhandled(ev)
	}
}

func (m *Machine) handleLPActive(ev Event) {
	switch ev.Kind {
	case EventDeactivateNtf:
		m.newState(StateLPListen)
		m.notifyDeactivation(false, ev.Deactivation)

	default:
		m.unhandled(ev)
	}
}
