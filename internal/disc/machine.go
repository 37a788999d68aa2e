package disc

import (
	"fmt"
	"time"

	"github.com/librescoot/nfa/internal/nfc"
)

// Default timeouts
const (
	// DefaultDeactNtfTimeout bounds the wait for RF_DEACTIVATE_NTF after a
	// deactivation that expects one
	DefaultDeactNtfTimeout = 8000 * time.Millisecond

	// DefaultKovioTimeout is the Kovio presence check period
	DefaultKovioTimeout = 1000 * time.Millisecond

	// DefaultDuration is the total discovery period in milliseconds
	DefaultDuration = 500
)

// Controller issues the RF commands discovery needs. Each call only sends
// the command; the result comes back as an Event.
type Controller interface {
	DiscoveryStart(params []nfc.DiscoverParam) error
	DiscoverySelect(rfDiscID uint8, protocol nfc.Protocol, iface nfc.Interface) error
	Deactivate(t nfc.DeactType) error
}

// ConfigSink pushes internal SET_CONFIG TLV streams, skipping values the
// controller already holds
type ConfigSink interface {
	CheckSetConfig(tlvs []byte) error
}

// TechRouter reports which host owns listen-mode RF per technology
type TechRouter interface {
	TechRoute(power nfc.PowerState) ListenRoutes
}

// Owner receives the events the device manager turns into application
// events
type Owner interface {
	// OnDiscoveryStarted reports RF_DISCOVERY_STARTED, or
	// EXCLUSIVE_RF_CONTROL_STARTED when exclusive is set
	OnDiscoveryStarted(status nfc.Status, exclusive bool)
	OnDiscoveryStopped(status nfc.Status)
	OnDiscoveryResult(result *nfc.DiscoverResult)
	OnSelectResult(status nfc.Status)

	// OnDeactivated reports a deactivation no registration owned
	OnDeactivated(d nfc.Deactivation)
	OnExclusiveReleased()

	// OnDisabled is called when a graceful disable has brought discovery
	// to idle
	OnDisabled()
	OnSleepWakeupResult(status nfc.Status)
	OnPresenceCheckResult(status nfc.Status)
}

// Config holds the discovery tunables
type Config struct {
	DeactNtfTimeout time.Duration
	KovioTimeout    time.Duration
	Duration        uint16
	Frequencies     Frequencies
}

// DefaultConfig returns the defaults
func DefaultConfig() Config {
	return Config{
		DeactNtfTimeout: DefaultDeactNtfTimeout,
		KovioTimeout:    DefaultKovioTimeout,
		Duration:        DefaultDuration,
		Frequencies:     DefaultFrequencies,
	}
}

// activation tracks the currently activated target
type activation struct {
	techMode nfc.TechMode
	rfDiscID uint8
	iface    nfc.Interface
	protocol nfc.Protocol
	handle   Handle
}

// Machine is the RF discovery state machine. It is not safe for
// concurrent use; the device manager drives it from its event loop.
type Machine struct {
	ctrl   Controller
	config ConfigSink
	router TechRouter
	owner  Owner
	log    nfc.LogCallback

	cfg Config

	state State

	w4Rsp     bool
	w4Ntf     bool
	stopping  bool
	disabling bool
	checking  bool
	notify    bool
	enabled   bool

	deactPending       bool
	pendingDeactType   nfc.DeactType
	deactNotifyPending bool

	listenDisabled bool
	p2pPaused      bool

	entries    [NumEntries]entry
	excl       entry
	exclListen *ListenCfg

	discMask DiscMask
	routes   ListenRoutes
	act      activation
	kovioUID []byte

	deactTimer *nfc.Alarm
	kovioTimer *nfc.Alarm
}

// New creates a machine in the idle state. router may be nil, in which
// case every technology is routed to the device host.
func New(ctrl Controller, config ConfigSink, router TechRouter, owner Owner, clock nfc.Clock, cfg Config, log nfc.LogCallback) *Machine {
	if cfg.DeactNtfTimeout <= 0 {
		cfg.DeactNtfTimeout = DefaultDeactNtfTimeout
	}
	if cfg.KovioTimeout <= 0 {
		cfg.KovioTimeout = DefaultKovioTimeout
	}
	if cfg.Duration == 0 {
		cfg.Duration = DefaultDuration
	}

	return &Machine{
		ctrl:       ctrl,
		config:     config,
		router:     router,
		owner:      owner,
		log:        log,
		cfg:        cfg,
		state:      StateIdle,
		act:        activation{protocol: nfc.ProtocolInvalid, handle: InvalidHandle},
		deactTimer: nfc.NewAlarm(clock),
		kovioTimer: nfc.NewAlarm(clock),
	}
}

// State returns the current discovery state
func (m *Machine) State() State {
	return m.state
}

// Enabled reports whether the application started discovery
func (m *Machine) Enabled() bool {
	return m.enabled
}

// Disabling reports whether a graceful disable waits for idle
func (m *Machine) Disabling() bool {
	return m.disabling
}

// DiscMask returns the mask programmed by the last RF_DISCOVER_CMD
func (m *Machine) DiscMask() DiscMask {
	return m.discMask
}

// ActivatedProtocol returns the protocol of the current activation, or
// nfc.ProtocolInvalid
func (m *Machine) ActivatedProtocol() nfc.Protocol {
	return m.act.protocol
}

// ActivatedTechMode returns the technology and mode of the current
// activation
func (m *Machine) ActivatedTechMode() nfc.TechMode {
	return m.act.techMode
}

// ActivatedHandle returns the registration owning the current activation
func (m *Machine) ActivatedHandle() Handle {
	return m.act.handle
}

// Checking reports whether a sleep-wakeup or Kovio presence check is in
// progress
func (m *Machine) Checking() bool {
	return m.checking
}

// SetListenDisabled drops listen technologies from the next start
func (m *Machine) SetListenDisabled(disabled bool) {
	m.listenDisabled = disabled
}

// SetP2PPaused drops NFC-DEP from the next start
func (m *Machine) SetP2PPaused(paused bool) {
	m.p2pPaused = paused
}

// P2PPaused reports whether NFC-DEP is paused
func (m *Machine) P2PPaused() bool {
	return m.p2pPaused
}

// SetDuration sets the total discovery period used by the next start
func (m *Machine) SetDuration(ms uint16) {
	m.cfg.Duration = ms
}

// Duration returns the total discovery period in milliseconds
func (m *Machine) Duration() uint16 {
	return m.cfg.Duration
}

// ResetAfterRestart returns to idle after the controller was reset behind
// the machine's back
func (m *Machine) ResetAfterRestart() {
	m.w4Rsp = false
	m.w4Ntf = false
	m.deactTimer.Stop()
	m.state = StateIdle
}

// Reset forgets everything but the registrations, as after the controller
// was shut down. Exclusive RF control ends without notification.
func (m *Machine) Reset() {
	m.ResetAfterRestart()
	m.kovioTimer.Stop()
	m.stopping = false
	m.disabling = false
	m.checking = false
	m.notify = false
	m.enabled = false
	m.deactPending = false
	m.deactNotifyPending = false
	m.excl = entry{}
	m.exclListen = nil
	m.discMask = 0
	m.act = activation{protocol: nfc.ProtocolInvalid, handle: InvalidHandle}
	m.kovioUID = nil
}

// newState moves to s. Reaching idle with no response pending completes a
// stop or a graceful disable.
func (m *Machine) newState(s State) {
	old := m.state
	m.log.Logf(nfc.LogLevelDebug, "disc: state %s -> %s (w4rsp=%t w4ntf=%t)", old, s, m.w4Rsp, m.w4Ntf)
	m.state = s

	if s != StateIdle || m.w4Rsp {
		return
	}

	if m.stopping {
		m.stopping = false
		if m.excl.inUse {
			if old > StateDiscovery {
				m.owner.OnDeactivated(nfc.Deactivation{Type: nfc.DeactIdle})
			}
			m.excl = entry{}
			m.exclListen = nil
			m.owner.OnExclusiveReleased()
		} else {
			m.owner.OnDiscoveryStopped(nfc.StatusOK)
		}
	}

	if m.disabling {
		m.disabling = false
		m.owner.OnDisabled()
	}
}

// startRFDiscover programs the aggregated mask into the controller
func (m *Machine) startRFDiscover() {
	if !m.enabled && !m.excl.inUse {
		return
	}

	if m.router != nil {
		m.routes = m.router.TechRoute(nfc.PowerOn)
	}

	var mask DiscMask
	if m.excl.inUse {
		blocks, listen := RawListenConfig(m.exclListen, m.routes)
		for _, b := range blocks {
			m.setConfig(b)
		}
		mask = listen | m.excl.requested&MaskPoll
		m.excl.selected = mask
	} else {
		mask = m.aggregate()
	}

	params := DiscoverParams(mask, ParamOptions{
		ListenDisabled: m.listenDisabled,
		P2PPaused:      m.p2pPaused,
		Freq:           m.cfg.Frequencies,
	})

	if len(params) > 0 {
		if !m.excl.inUse {
			m.setConfig(ListenConfig(mask, m.routes, m.p2pPaused))
		}
		m.setConfig(TotalDurationConfig(m.cfg.Duration))

		m.discMask = mask
		m.log.Logf(nfc.LogLevelInfo, "disc: starting discovery mask %s (%d entries)", mask, len(params))
		if err := m.ctrl.DiscoveryStart(params); err != nil {
			m.log.Logf(nfc.LogLevelError, "disc: RF_DISCOVER_CMD: %v", err)
		}
		m.w4Rsp = true
	} else {
		// nothing to discover still counts as started
		m.notifyStarted(nfc.StatusOK)
	}

	// a running Kovio timer resets the activation itself when it expires
	if m.act.protocol != nfc.ProtocolKovio || !m.kovioTimer.Running() {
		m.act.protocol = nfc.ProtocolInvalid
		m.act.handle = InvalidHandle
	}
}

func (m *Machine) setConfig(tlvs []byte) {
	if m.config == nil || len(tlvs) == 0 {
		return
	}
	if err := m.config.CheckSetConfig(tlvs); err != nil {
		m.log.Logf(nfc.LogLevelWarning, "disc: SET_CONFIG: %v", err)
	}
}

// deactivate sends RF_DEACTIVATE_CMD without touching the pending flags
func (m *Machine) deactivate(t nfc.DeactType) nfc.Status {
	err := m.ctrl.Deactivate(t)
	if err != nil {
		m.log.Logf(nfc.LogLevelError, "disc: RF_DEACTIVATE_CMD(%s): %v", t, err)
	}
	return nfc.StatusOf(err)
}

// sendDeactivate sends one deactivation per response/notification pair
// and arms the notification watchdog
func (m *Machine) sendDeactivate(t nfc.DeactType) nfc.Status {
	if !m.w4Rsp && !m.w4Ntf {
		m.w4Rsp = true
		m.w4Ntf = true
		status := m.deactivate(t)
		if !m.deactTimer.Running() {
			m.deactTimer.Start(m.cfg.DeactNtfTimeout, m.onDeactNtfTimeout)
		}
		return status
	}

	switch {
	case t == nfc.DeactSleep:
		return nfc.StatusSemanticError
	case m.deactTimer.Running():
		return nfc.StatusOK
	default:
		return m.forceToIdle()
	}
}

func (m *Machine) onDeactNtfTimeout() {
	m.log.Logf(nfc.LogLevelWarning, "disc: no RF_DEACTIVATE_NTF in %s, forcing idle", m.state)
	m.forceToIdle()
}

// forceToIdle gives up waiting for RF_DEACTIVATE_NTF and moves the
// controller to idle
func (m *Machine) forceToIdle() nfc.Status {
	if !m.w4Ntf {
		return nfc.StatusSemanticError
	}
	m.w4Ntf = false
	m.w4Rsp = true
	m.newState(StateIdle)
	return m.deactivate(nfc.DeactIdle)
}

func (m *Machine) notifyStarted(status nfc.Status) {
	if !m.notify {
		return
	}
	m.notify = false
	m.owner.OnDiscoveryStarted(status, m.excl.inUse)
}

func (m *Machine) notifySelect(status nfc.Status) {
	if !m.notify {
		return
	}
	m.notify = false
	m.owner.OnSelectResult(status)
}

// notifyRegistrationsStarted tells every registration granted part of the
// programmed mask that discovery started
func (m *Machine) notifyRegistrationsStarted(status nfc.Status) {
	if m.excl.inUse {
		if m.excl.notify {
			m.excl.notify = false
			if m.excl.listener != nil {
				m.excl.listener.OnDiscoveryStarted(status)
			}
		}
		return
	}

	for i := range m.entries {
		e := &m.entries[i]
		if e.inUse && m.discMask&e.selected != 0 && e.notify {
			e.notify = false
			if e.listener != nil {
				e.listener.OnDiscoveryStarted(status)
			}
		}
	}
}

// Select asks the controller to activate one of the discovered targets.
// The outcome is reported through Owner.OnSelectResult.
func (m *Machine) Select(rfDiscID uint8, protocol nfc.Protocol, iface nfc.Interface) {
	if m.state != StateW4HostSelect {
		m.log.Logf(nfc.LogLevelWarning, "disc: select in %s", m.state)
		m.owner.OnSelectResult(nfc.StatusFailed)
		return
	}
	m.notify = true
	m.Execute(Event{
		Kind:   EventSelectCmd,
		Select: SelectParams{RFDiscID: rfDiscID, Protocol: protocol, Interface: iface},
	})
}

// Deactivate deactivates the RF link. Sleep becomes SleepAF for NFC-DEP.
// In the discovery state only idle, or flushing a Kovio activation, is
// allowed.
func (m *Machine) Deactivate(t nfc.DeactType) nfc.Status {
	if t == nfc.DeactSleep && m.act.protocol == nfc.ProtocolNFCDEP {
		t = nfc.DeactSleepAF
	}

	switch m.state {
	case StateIdle:
		return nfc.StatusFailed
	case StateDiscovery:
		switch t {
		case nfc.DeactDiscovery:
			if !m.kovioTimer.Running() {
				// raced with the controller leaving an activation
				m.log.Logf(nfc.LogLevelWarning, "disc: deactivate to discovery while discovering")
				return nfc.StatusFailed
			}
			m.kovioTimer.Stop()
			m.onKovioTimeout()
			return nfc.StatusOK
		case nfc.DeactIdle:
			if m.kovioTimer.Running() {
				m.kovioTimer.Stop()
				m.onKovioTimeout()
			}
			m.Execute(Event{Kind: EventDeactivateCmd, DeactType: t})
			return nfc.StatusOK
		default:
			return nfc.StatusFailed
		}
	default:
		m.Execute(Event{Kind: EventDeactivateCmd, DeactType: t})
		return nfc.StatusOK
	}
}

// notifyActivation routes an activation to the registration that owns it
func (m *Machine) notifyActivation(act *nfc.ActivateParams) nfc.Status {
	if m.excl.inUse {
		m.act = activation{
			techMode: act.TechMode,
			rfDiscID: act.RFDiscID,
			iface:    act.Interface,
			protocol: act.Protocol,
			handle:   InvalidHandle,
		}
		if act.Protocol == nfc.ProtocolKovio && m.handleKovioActivation(act, m.excl.listener) {
			return nfc.StatusOK
		}
		if m.excl.listener != nil {
			m.excl.listener.OnActivated(act)
		}
		return nfc.StatusOK
	}

	// NFCEE direct RF goes to the first registration listening for an NFCEE
	if act.Interface == nfc.InterfaceEEDirectRF {
		for i := range m.entries {
			e := &m.entries[i]
			if !e.inUse || e.host == nfc.HostDH {
				continue
			}
			m.act.rfDiscID = act.RFDiscID
			m.act.iface = act.Interface
			m.act.protocol = nfc.ProtocolUnknown
			m.act.handle = Handle(i)
			m.log.Logf(nfc.LogLevelDebug, "disc: EE direct RF activation to handle %d", i)
			if e.listener != nil {
				e.listener.OnActivated(act)
			}
			return nfc.StatusOK
		}
		return nfc.StatusFailed
	}

	activated := MaskFor(act.TechMode, act.Protocol)

	host := nfc.HostDH
	switch act.TechMode {
	case nfc.ListenA:
		host = m.routes[RouteA]
	case nfc.ListenB:
		host = m.routes[RouteB]
	case nfc.ListenF:
		host = m.routes[RouteF]
	case nfc.ListenBPrime:
		host = m.routes[RouteBPrime]
	}
	if act.Protocol == nfc.ProtocolNFCDEP {
		host = nfc.HostDH
	}

	found := InvalidHandle
	fallback := InvalidHandle
	for i := range m.entries {
		e := &m.entries[i]
		if !e.inUse {
			continue
		}
		if e.host == host {
			if e.selected&activated != 0 {
				found = Handle(i)
				break
			}
			continue
		}
		// ISO-DEP and T3T can be listened by a host the table does not name
		switch {
		case act.Protocol == nfc.ProtocolISODEP && act.TechMode == nfc.ListenA && e.selected&MaskLAISODEP != 0:
			fallback = Handle(i)
		case act.Protocol == nfc.ProtocolISODEP && act.TechMode == nfc.ListenB && e.selected&MaskLBISODEP != 0:
			fallback = Handle(i)
		case act.Protocol == nfc.ProtocolT3T && act.TechMode == nfc.ListenF && e.selected&MaskLFT3T != 0:
			fallback = Handle(i)
		}
	}
	if found == InvalidHandle {
		found = fallback
	}

	if found == InvalidHandle {
		m.log.Logf(nfc.LogLevelWarning, "disc: no registration for %s/%s (mask %s)", act.TechMode, act.Protocol, activated)
		m.act.protocol = nfc.ProtocolInvalid
		m.act.handle = InvalidHandle
		return nfc.StatusFailed
	}

	m.act = activation{
		techMode: act.TechMode,
		rfDiscID: act.RFDiscID,
		iface:    act.Interface,
		protocol: act.Protocol,
		handle:   found,
	}
	m.log.Logf(nfc.LogLevelDebug, "disc: activation %s/%s to handle %d", act.TechMode, act.Protocol, found)

	e := &m.entries[found]
	if act.Protocol == nfc.ProtocolKovio && m.handleKovioActivation(act, e.listener) {
		return nfc.StatusOK
	}
	if e.listener != nil {
		e.listener.OnActivated(act)
	}
	return nfc.StatusOK
}

// notifyDeactivation tells the owner of the activation that it ended.
// fromRsp marks deactivations resolved by RF_DEACTIVATE_RSP, where no
// registration is activated and LISTEN_SLEEP broadcasts to every listener.
func (m *Machine) notifyDeactivation(fromRsp bool, d nfc.Deactivation) {
	if m.checking {
		m.log.Logf(nfc.LogLevelDebug, "disc: deactivation %s hidden by presence check", d.Type)
		return
	}

	idle := nfc.Deactivation{Type: nfc.DeactIdle, Reason: d.Reason, IsNtf: d.IsNtf}

	if fromRsp {
		switch {
		case m.state == StateListenSleep:
			if m.excl.inUse {
				if m.excl.listener != nil {
					m.excl.listener.OnDeactivated(idle)
				}
				break
			}
			for i := range m.entries {
				e := &m.entries[i]
				if e.inUse && e.selected&MaskListen != 0 && e.listener != nil {
					e.listener.OnDeactivated(idle)
				}
			}
		case !m.stopping || m.deactNotifyPending:
			if l := m.activeListener(); l != nil {
				l.OnDeactivated(d)
			} else {
				m.owner.OnDeactivated(nfc.Deactivation{Type: nfc.DeactIdle})
			}
		}
	} else {
		if m.act.protocol == nfc.ProtocolKovio && m.kovioTimer.Running() {
			// the barcode is still presenting itself
			m.kovioTimer.Start(m.cfg.KovioTimeout, m.onKovioTimeout)
			return
		}
		if l := m.activeListener(); l != nil {
			l.OnDeactivated(d)
		}
	}

	m.act = activation{protocol: nfc.ProtocolInvalid, handle: InvalidHandle}
	m.deactNotifyPending = false
}

// SleepWakeup checks presence of a poll-mode target by putting it to sleep
// and selecting it again. The outcome is reported through
// Owner.OnSleepWakeupResult.
func (m *Machine) SleepWakeup() nfc.Status {
	if m.state != StatePollActive {
		return nfc.StatusFailed
	}
	status := m.sendDeactivate(nfc.DeactSleep)
	if status == nfc.StatusOK {
		m.checking = true
		m.deactPending = false
	}
	return status
}

func (m *Machine) endSleepWakeup(status nfc.Status) {
	if m.act.protocol == nfc.ProtocolKovio && m.kovioTimer.Running() {
		return
	}
	if !m.checking {
		return
	}
	m.checking = false
	m.owner.OnSleepWakeupResult(status)
	if m.deactPending {
		m.deactPending = false
		m.deactNotifyPending = true
		m.Execute(Event{Kind: EventDeactivateCmd, DeactType: m.pendingDeactType})
	}
}

// String describes the machine for debug logs
func (m *Machine) String() string {
	return fmt.Sprintf("disc{state=%s mask=%s enabled=%t excl=%t w4rsp=%t w4ntf=%t}",
		m.state, m.discMask, m.enabled, m.excl.inUse, m.w4Rsp, m.w4Ntf)
}
