// Package dm is the device manager: it owns the discovery machine, the
// card-emulation listen table and the routing builder, runs them on one
// event loop and turns controller events into application events.
package dm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/librescoot/nfa/internal/ce"
	"github.com/librescoot/nfa/internal/disc"
	"github.com/librescoot/nfa/internal/ee"
	"github.com/librescoot/nfa/internal/nci"
	"github.com/librescoot/nfa/internal/nfc"
)

// Controller is the NCI controller the manager drives. Every call only
// queues the command; results come back through Manager.OnEvent.
type Controller interface {
	disc.Controller
	ee.Sink

	Enable() error
	Disable() error
	SetPowerOffSleep(sleep bool) error
	SetConfig(tlvs []byte) error
	GetConfig(ids []uint8) error
	SendData(connID uint8, data []byte) error
	DiscoverNFCEE() error
}

// Status is a snapshot of the manager taken after every batch of events
type Status struct {
	ID        string    `json:"id"`
	Enabled   bool      `json:"enabled"`
	PowerMode PowerMode `json:"power_mode"`
	DiscState string    `json:"disc_state"`
	DiscMask  string    `json:"disc_mask"`
	Exclusive bool      `json:"exclusive"`
	// Activated is the protocol of the current activation, if any
	Activated string `json:"activated,omitempty"`
}

type pollState struct {
	handle        disc.Handle
	enabled       bool
	sendStop      bool
	sentActivated bool
	selRes        uint8
}

// Manager is one NFC stack instance. All state is owned by the event loop
// started with Run; the exported methods only queue work for it.
type Manager struct {
	id       string
	ctrl     Controller
	listener Listener
	log      nfc.LogCallback
	cfg      Config
	clock    nfc.Clock

	disc *disc.Machine
	ce   *ce.Manager
	ee   *ee.Router

	mu    sync.Mutex
	queue []func()
	wake  chan struct{}

	snapMu sync.RWMutex
	snap   Status

	active       bool
	enabling     bool
	disabling    bool
	disablingNFC bool
	disableTimer *nfc.Alarm

	power        PowerMode
	settingPower bool
	restoring    bool

	info      nci.Info
	lastDeact nfc.DeactType

	params        paramStore
	setcfgPending uint32
	setcfgNum     int

	poll        pollState
	excl        Listener
	exclStarted bool
	results     []nfc.DiscoverResult
}

// New creates a manager. Timers of every component are delivered through
// the event loop, so clock callbacks never run concurrently with it.
func New(ctrl Controller, listener Listener, clock nfc.Clock, cfg Config, log nfc.LogCallback) *Manager {
	if clock == nil {
		clock = nfc.NewRealClock()
	}
	if cfg.DisableTimeout <= 0 {
		cfg.DisableTimeout = DefaultDisableTimeout
	}

	m := &Manager{
		id:       uuid.NewString(),
		ctrl:     ctrl,
		listener: listener,
		log:      log,
		cfg:      cfg,
		wake:     make(chan struct{}, 1),
		params:   newParamStore(),
		poll:     pollState{handle: disc.InvalidHandle},
	}
	m.clock = loopClock{base: clock, post: m.Post}

	m.ee = ee.New(ctrl, routingListener{m}, m.clock, cfg.EE, log)
	m.disc = disc.New(rfController{m}, configSink{m}, m.ee, discOwner{m}, m.clock, cfg.Disc, log)
	m.ce = ce.New(m.disc, configSink{m}, m.ee, ceListener{m}, log)
	if cfg.ISODEPTechs != 0 {
		m.ce.SetISODEPTech(cfg.ISODEPTechs)
	}
	m.disableTimer = nfc.NewAlarm(m.clock)
	m.updateSnapshot()
	return m
}

// ID identifies the stack instance in logs and on the event server
func (m *Manager) ID() string {
	return m.id
}

// Status returns the snapshot taken after the last batch of events
func (m *Manager) Status() Status {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	return m.snap
}

// Post queues f to run on the event loop. It never blocks.
func (m *Manager) Post(f func()) {
	m.mu.Lock()
	m.queue = append(m.queue, f)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Run processes queued work until ctx is done
func (m *Manager) Run(ctx context.Context) error {
	m.log.Logf(nfc.LogLevelInfo, "dm: %s event loop started", m.id)
	defer m.log.Logf(nfc.LogLevelInfo, "dm: %s event loop stopped", m.id)
	for {
		m.drain()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.wake:
		}
	}
}

// drain runs queued work, including work queued meanwhile, until the
// queue is empty
func (m *Manager) drain() {
	for {
		m.mu.Lock()
		q := m.queue
		m.queue = nil
		m.mu.Unlock()

		if len(q) == 0 {
			return
		}
		for _, f := range q {
			m.run(f)
		}
		m.updateSnapshot()
	}
}

func (m *Manager) run(f func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Logf(nfc.LogLevelError, "dm: recovered from panic: %v", r)
		}
	}()
	f()
}

func (m *Manager) updateSnapshot() {
	s := Status{
		ID:        m.id,
		Enabled:   m.active,
		PowerMode: m.power,
		DiscState: m.disc.State().String(),
		DiscMask:  m.disc.DiscMask().String(),
		Exclusive: m.disc.Exclusive(),
	}
	if p := m.disc.ActivatedProtocol(); p != nfc.ProtocolInvalid {
		s.Activated = p.String()
	}
	m.snapMu.Lock()
	m.snap = s
	m.snapMu.Unlock()
}

// OnEvent queues a controller event. It is the sink handed to the NCI
// controller.
func (m *Manager) OnEvent(ev nci.Event) {
	m.Post(func() { m.handleNCI(ev) })
}

func (m *Manager) handleNCI(ev nci.Event) {
	m.log.Logf(nfc.LogLevelDebug, "dm: %s %s", ev.Kind, ev.Status)

	switch ev.Kind {
	case nci.EventEnabled:
		m.onEnabled(ev)
	case nci.EventRestarted:
		m.onRestarted(ev.Status)
	case nci.EventDisabled:
		m.onDisabled()
	case nci.EventPowerOff:
		m.power = PowerOffSleep
		m.powerModeComplete()

	case nci.EventDiscoverRsp:
		m.disc.Execute(disc.Event{Kind: disc.EventDiscoverRsp, Status: ev.Status})
	case nci.EventDiscoverNtf:
		if ev.Result != nil {
			m.disc.Execute(disc.Event{Kind: disc.EventDiscoverNtf, Result: ev.Result})
		}
	case nci.EventSelectRsp:
		m.disc.Execute(disc.Event{Kind: disc.EventSelectRsp, Status: ev.Status})
	case nci.EventIntfActivatedNtf:
		if ev.Activation != nil {
			m.disc.Execute(disc.Event{Kind: disc.EventIntfActivatedNtf, Activation: ev.Activation})
		}
	case nci.EventDeactivateRsp:
		// the response does not repeat the requested type
		d := ev.Deactivation
		d.Type = m.lastDeact
		m.disc.Execute(disc.Event{Kind: disc.EventDeactivateRsp, Status: ev.Status, Deactivation: d})
	case nci.EventDeactivateNtf:
		m.disc.Execute(disc.Event{Kind: disc.EventDeactivateNtf, Status: ev.Status, Deactivation: ev.Deactivation})
	case nci.EventIntfErrorNtf:
		m.disc.Execute(disc.Event{Kind: disc.EventCoreIntfErrorNtf, Status: ev.Status})

	case nci.EventSetConfigRsp:
		m.onSetConfigRsp(ev.Status, ev.ParamIDs)
	case nci.EventGetConfigRsp:
		if ev.Status == nfc.StatusOK {
			m.notify(Event{Kind: EventGetConfig, Status: nfc.StatusOK, TLVs: ev.TLVs})
		} else {
			m.notify(Event{Kind: EventGetConfig, Status: nfc.StatusFailed})
		}
	case nci.EventSetRoutingRsp:
		m.ee.OnSetRoutingRsp(ev.Status)
	case nci.EventNFCEEDiscoverRsp:
		if ev.Status != nfc.StatusOK {
			m.log.Logf(nfc.LogLevelWarning, "dm: NFCEE_DISCOVER failed: %s", ev.Status)
		} else {
			m.log.Logf(nfc.LogLevelInfo, "dm: %d NFCEEs", ev.NumNFCEE)
		}
	case nci.EventNFCEEDiscoverNtf:
		if ev.NFCEE != nil {
			m.onNFCEEDiscovered(ev.NFCEE)
		}

	case nci.EventRFField:
		m.notify(Event{Kind: EventRFField, Status: nfc.StatusOK, FieldOn: ev.FieldOn})
	case nci.EventData:
		m.onData(ev.ConnID, ev.Data)
	case nci.EventGenericError:
		m.log.Logf(nfc.LogLevelWarning, "dm: CORE_GENERIC_ERROR %s", ev.Status)

	case nci.EventTimeout:
		m.log.Logf(nfc.LogLevelError, "dm: controller timeout: %v", ev.Err)
		m.notify(Event{Kind: EventNFCCTimeout, Status: nfc.StatusTimeout})
		m.recover()
	case nci.EventTransportError:
		m.log.Logf(nfc.LogLevelError, "dm: transport: %v", ev.Err)
		m.notify(Event{Kind: EventNFCCTransportError, Status: nfc.StatusFailed})
		if nfc.IsUnexpectedResetError(ev.Err) {
			m.recover()
		}

	default:
		m.log.Logf(nfc.LogLevelWarning, "dm: unhandled controller event %s", ev.Kind)
	}
}

func (m *Manager) onEnabled(ev nci.Event) {
	if !m.enabling {
		m.log.Logf(nfc.LogLevelWarning, "dm: enable completion without request")
		return
	}
	m.enabling = false

	if ev.Status != nfc.StatusOK {
		m.notify(Event{Kind: EventEnabled, Status: ev.Status})
		return
	}

	m.active = true
	m.power = PowerFull
	if ev.Info != nil {
		m.info = *ev.Info
		m.ee.SetLMRTSize(int(m.info.MaxRoutingTableSize))
	}
	m.resetParams()
	m.ee.Enable()

	info := m.info
	m.notify(Event{Kind: EventEnabled, Status: nfc.StatusOK, Info: &info})

	if err := m.ctrl.DiscoverNFCEE(); err != nil {
		m.log.Logf(nfc.LogLevelError, "dm: NFCEE discovery: %v", err)
	}
}

// onNFCEEDiscovered records an NFCEE the controller reported. Its NCI
// status maps onto the routing status.
func (m *Manager) onNFCEEDiscovered(info *nci.NFCEEInfo) {
	err := m.addNFCEE(info.ID, ee.Status(info.Status))
	if err != nil {
		m.log.Logf(nfc.LogLevelWarning, "dm: NFCEE 0x%02x: %v", uint8(info.ID), err)
	}
	m.notify(Event{Kind: EventNFCEEDiscovered, Status: nfc.StatusOf(err), NFCEE: info})
}

func (m *Manager) addNFCEE(id nfc.HostID, status ee.Status) error {
	if err := m.ee.AddNFCEE(id, status); err != nil {
		return err
	}
	if status == ee.StatusActive {
		// UICC registrations wait for their NFCEE
		m.ce.RestartListenCheck()
	}
	return nil
}

// onRestarted handles the controller coming back from a reset or power
// off sleep. It starts from idle with default parameters, so listen
// configuration, routing and discovery are pushed again.
func (m *Manager) onRestarted(status nfc.Status) {
	if status == nfc.StatusOK {
		m.power = PowerFull
		m.restoring = true
		m.disc.ResetAfterRestart()
		m.resetParams()
		m.ee.Restore()
	} else {
		m.power = PowerOffSleep
	}
	m.powerModeComplete()
}

func (m *Manager) powerModeComplete() {
	if m.power != PowerOffSleep {
		m.restoring = false
		m.ce.RestartListenCheck()
		m.disc.Restart()
	}
	m.settingPower = false
	m.notify(Event{Kind: EventPowerModeChanged, Status: nfc.StatusOK, PowerMode: m.power})
}

// recover reinitializes a controller that stopped answering or reset on
// its own
func (m *Manager) recover() {
	if !m.active || m.disabling || m.settingPower {
		return
	}
	m.log.Logf(nfc.LogLevelWarning, "dm: reinitializing controller")
	m.settingPower = true
	if err := m.ctrl.SetPowerOffSleep(false); err != nil {
		m.settingPower = false
		m.log.Logf(nfc.LogLevelError, "dm: reinitialize: %v", err)
	}
}

func (m *Manager) enable() {
	if m.active || m.enabling {
		m.notify(Event{Kind: EventEnabled, Status: nfc.StatusAlreadyStarted})
		return
	}
	m.enabling = true
	if err := m.ctrl.Enable(); err != nil {
		m.enabling = false
		m.log.Logf(nfc.LogLevelError, "dm: enable: %v", err)
		m.notify(Event{Kind: EventEnabled, Status: nfc.StatusOf(err)})
	}
}

// disable shuts the stack down. A graceful disable first brings discovery
// to idle, bounded by the disable timeout.
func (m *Manager) disable(graceful bool) {
	if !m.active && !m.enabling {
		m.notify(Event{Kind: EventDisabled, Status: nfc.StatusOK})
		return
	}
	if m.disabling {
		return
	}
	m.disabling = true
	m.ee.Disable()

	if graceful {
		wait := m.disc.Disable()
		m.disableTimer.Start(m.cfg.DisableTimeout, func() {
			m.log.Logf(nfc.LogLevelWarning, "dm: graceful disable timed out after %s", m.cfg.DisableTimeout)
			m.disableComplete()
		})
		if wait {
			return
		}
	}
	m.disableComplete()
}

func (m *Manager) disableComplete() {
	if m.disablingNFC {
		return
	}
	m.disablingNFC = true
	m.disableTimer.Stop()
	if err := m.ctrl.Disable(); err != nil {
		m.log.Logf(nfc.LogLevelError, "dm: disable: %v", err)
		m.onDisabled()
	}
}

func (m *Manager) onDisabled() {
	m.disableTimer.Stop()
	m.active = false
	m.enabling = false
	m.disabling = false
	m.disablingNFC = false
	m.settingPower = false

	m.disc.Reset()
	if m.poll.handle != disc.InvalidHandle {
		m.disc.Delete(m.poll.handle)
	}
	m.poll = pollState{handle: disc.InvalidHandle}
	m.excl = nil
	m.exclStarted = false
	m.results = nil

	m.notify(Event{Kind: EventDisabled, Status: nfc.StatusOK})
}

// onData routes a frame received on the static RF connection. APDUs of
// an ISO-DEP listen activation go to card emulation.
func (m *Manager) onData(connID uint8, data []byte) {
	if m.disc.State() == disc.StateListenActive && m.disc.ActivatedProtocol() == nfc.ProtocolISODEP {
		err := m.ce.HandleSelectAPDU(data)
		if err == nil {
			return
		}
		m.log.Logf(nfc.LogLevelDebug, "dm: APDU not taken by card emulation: %v", err)
	}
	m.notify(Event{Kind: EventData, Status: nfc.StatusOK, ConnID: connID, Data: data})
}

// dmEvents are reported to the application listener even while another
// listener holds exclusive RF control
var dmEvents = map[EventKind]bool{
	EventEnabled:            true,
	EventDisabled:           true,
	EventSetConfig:          true,
	EventGetConfig:          true,
	EventPowerModeChanged:   true,
	EventNFCCTimeout:        true,
	EventNFCCTransportError: true,
	EventRFField:            true,
	EventCE:                 true,
	EventRouting:            true,
	EventNFCEEDiscovered:    true,
}

func (m *Manager) notify(ev Event) {
	l := m.listener
	if m.excl != nil && !dmEvents[ev.Kind] {
		l = m.excl
	}
	m.log.Logf(nfc.LogLevelDebug, "dm: event %s %s", ev.Kind, ev.Status)
	if l != nil {
		l.OnNFAEvent(ev)
	}
}

// loopClock delivers timer callbacks through the event loop
type loopClock struct {
	base nfc.Clock
	post func(func())
}

func (c loopClock) Now() time.Time {
	return c.base.Now()
}

func (c loopClock) AfterFunc(d time.Duration, f func()) nfc.Timer {
	return c.base.AfterFunc(d, func() { c.post(f) })
}

// rfController remembers the last deactivation type, which
// RF_DEACTIVATE_RSP does not carry
type rfController struct {
	m *Manager
}

func (c rfController) DiscoveryStart(params []nfc.DiscoverParam) error {
	return c.m.ctrl.DiscoveryStart(params)
}

func (c rfController) DiscoverySelect(rfDiscID uint8, protocol nfc.Protocol, iface nfc.Interface) error {
	return c.m.ctrl.DiscoverySelect(rfDiscID, protocol, iface)
}

func (c rfController) Deactivate(t nfc.DeactType) error {
	c.m.lastDeact = t
	return c.m.ctrl.Deactivate(t)
}

type configSink struct {
	m *Manager
}

func (s configSink) CheckSetConfig(tlvs []byte) error {
	return s.m.checkSetConfig(tlvs, false)
}

type ceListener struct {
	m *Manager
}

func (l ceListener) OnCEEvent(ev ce.Event) {
	l.m.notify(Event{Kind: EventCE, Status: ev.Status, CE: &ev})
}

type routingListener struct {
	m *Manager
}

// OnRoutingEvent forwards routing events. A table the controller accepted
// only takes effect for listen technologies once discovery restarts.
func (l routingListener) OnRoutingEvent(ev ee.Event) {
	if ev.Kind == ee.EventUpdated && ev.Status == nfc.StatusOK {
		l.m.disc.RestartIfDiscovering()
	}
	l.m.notify(Event{Kind: EventRouting, Status: ev.Status, Routing: &ev})
}

func (m *Manager) String() string {
	return fmt.Sprintf("dm{%s active=%t power=%s %s}", m.id, m.active, m.power, m.disc)
}
