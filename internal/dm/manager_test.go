package dm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/librescoot/nfa/internal/disc"
	"github.com/librescoot/nfa/internal/ee"
	"github.com/librescoot/nfa/internal/nci"
	"github.com/librescoot/nfa/internal/nci/ncitest"
	"github.com/librescoot/nfa/internal/nfc"
)

type recorder struct {
	events []Event
}

func (r *recorder) OnNFAEvent(ev Event) {
	r.events = append(r.events, ev)
}

func (r *recorder) kinds() []EventKind {
	var kinds []EventKind
	for _, ev := range r.events {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

func (r *recorder) last() Event {
	if len(r.events) == 0 {
		return Event{Kind: -1}
	}
	return r.events[len(r.events)-1]
}

func (r *recorder) count(kind EventKind) int {
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

type harness struct {
	m     *Manager
	ctrl  *ncitest.Fake
	app   *recorder
	clock *nfc.FakeClock
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		ctrl:  &ncitest.Fake{},
		app:   &recorder{},
		clock: nfc.NewFakeClock(time.Unix(0, 0)),
	}
	h.m = New(h.ctrl, h.app, h.clock, cfg, nil)
	return h
}

// nci feeds a controller event through the loop
func (h *harness) nci(ev nci.Event) {
	h.m.OnEvent(ev)
	h.m.drain()
}

func (h *harness) advance(d time.Duration) {
	h.clock.Advance(d)
	h.m.drain()
}

func (h *harness) enable(t *testing.T) {
	t.Helper()
	h.m.Enable()
	h.m.drain()
	require.Equal(t, 1, h.ctrl.Enables)

	h.nci(nci.Event{Kind: nci.EventEnabled, Status: nfc.StatusOK, Info: &nci.Info{}})
	require.Equal(t, EventEnabled, h.app.last().Kind)
	require.Equal(t, nfc.StatusOK, h.app.last().Status)
	require.True(t, h.m.Status().Enabled)
}

// discover enables polling on techs and starts discovery
func (h *harness) discover(t *testing.T, techs nfc.TechMask) {
	t.Helper()
	h.m.EnablePolling(techs)
	h.m.StartRFDiscovery()
	h.m.drain()
	require.NotEmpty(t, h.ctrl.Discovers)

	h.nci(nci.Event{Kind: nci.EventDiscoverRsp, Status: nfc.StatusOK})
	require.Equal(t, disc.StateDiscovery.String(), h.m.Status().DiscState)
}

func t2t() *nfc.ActivateParams {
	return &nfc.ActivateParams{
		RFDiscID:  1,
		Interface: nfc.InterfaceFrame,
		Protocol:  nfc.ProtocolT2T,
		TechMode:  nfc.PollA,
		NFCID:     []byte{0x04, 0xA1, 0xB2, 0xC3},
		SelRes:    0x00,
	}
}

func TestEnableTwice(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.enable(t)

	h.m.Enable()
	h.m.drain()
	assert.Equal(t, 1, h.ctrl.Enables)
	assert.Equal(t, Event{Kind: EventEnabled, Status: nfc.StatusAlreadyStarted}, h.app.last())
}

func TestEnableFailure(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.ctrl.Err = nfc.NewTimeoutError("init")

	h.m.Enable()
	h.m.drain()

	assert.Equal(t, EventEnabled, h.app.last().Kind)
	assert.NotEqual(t, nfc.StatusOK, h.app.last().Status)
	assert.False(t, h.m.Status().Enabled)
}

func TestOnlyApplicationSetConfigIsReported(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.enable(t)

	h.m.Post(func() {
		require.NoError(t, h.m.CheckSetConfig([]byte{nfc.ParamTotalDuration, 2, 0xF4, 0x01}))
	})
	require.NoError(t, h.m.SetConfig(nfc.ParamWT, []byte{10}))
	h.m.drain()
	require.Len(t, h.ctrl.SetConfigs, 2)
	assert.Equal(t, []byte{nfc.ParamWT, 1, 10}, h.ctrl.SetConfigs[1])

	h.nci(nci.Event{Kind: nci.EventSetConfigRsp, Status: nfc.StatusOK})
	assert.Zero(t, h.app.count(EventSetConfig))

	h.nci(nci.Event{Kind: nci.EventSetConfigRsp, Status: nfc.StatusOK})
	assert.Equal(t, 1, h.app.count(EventSetConfig))
	assert.Equal(t, nfc.StatusOK, h.app.last().Status)

	// a response with nothing pending is dropped
	h.nci(nci.Event{Kind: nci.EventSetConfigRsp, Status: nfc.StatusOK})
	assert.Equal(t, 1, h.app.count(EventSetConfig))
}

func TestInternalSetConfigSkipsKnownValues(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.enable(t)

	stream := []byte{nfc.ParamTotalDuration, 2, 0xE8, 0x03}
	h.m.Post(func() {
		require.NoError(t, h.m.CheckSetConfig(stream))
		require.NoError(t, h.m.CheckSetConfig(stream))
	})
	h.m.drain()
	assert.Len(t, h.ctrl.SetConfigs, 1)

	// the controller forgets everything on restart
	h.m.SetPowerMode(PowerOffSleep)
	h.m.drain()
	h.nci(nci.Event{Kind: nci.EventPowerOff})
	h.m.SetPowerMode(PowerFull)
	h.m.drain()
	h.nci(nci.Event{Kind: nci.EventRestarted, Status: nfc.StatusOK})

	h.m.Post(func() { require.NoError(t, h.m.CheckSetConfig(stream)) })
	h.m.drain()
	assert.Len(t, h.ctrl.SetConfigs, 2)
}

func TestSetConfigRejectsOversizedValue(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.enable(t)

	err := h.m.SetConfig(0x30, make([]byte, MaxSetConfigLen))
	assert.Equal(t, nfc.StatusInvalidParam, nfc.StatusOf(err))
	h.m.drain()
	assert.Empty(t, h.ctrl.SetConfigs)
}

func TestSetConfigPendingLimit(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.enable(t)

	for i := 0; i <= MaxSetConfigPending; i++ {
		require.NoError(t, h.m.SetConfig(0x30, []byte{uint8(i)}))
	}
	h.m.drain()

	assert.Len(t, h.ctrl.SetConfigs, MaxSetConfigPending)
	assert.Equal(t, Event{Kind: EventSetConfig, Status: nfc.StatusInvalidParam}, h.app.last())
}

func TestGetConfig(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.enable(t)

	require.NoError(t, h.m.GetConfig([]uint8{nfc.ParamTotalDuration}))
	h.m.drain()
	assert.Equal(t, [][]uint8{{nfc.ParamTotalDuration}}, h.ctrl.GetConfigs)

	tlvs := []byte{nfc.ParamTotalDuration, 2, 0xF4, 0x01}
	h.nci(nci.Event{Kind: nci.EventGetConfigRsp, Status: nfc.StatusOK, TLVs: tlvs})
	assert.Equal(t, Event{Kind: EventGetConfig, Status: nfc.StatusOK, TLVs: tlvs}, h.app.last())

	assert.Error(t, h.m.GetConfig(nil))
}

func TestGracefulDisableWaitsForIdle(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.enable(t)
	h.discover(t, nfc.TechA)

	h.m.Disable(true)
	h.m.drain()
	assert.Equal(t, []nfc.DeactType{nfc.DeactIdle}, h.ctrl.Deacts)
	assert.Zero(t, h.ctrl.Disables)

	h.nci(nci.Event{Kind: nci.EventDeactivateRsp, Status: nfc.StatusOK})
	assert.Equal(t, 1, h.ctrl.Disables)

	h.nci(nci.Event{Kind: nci.EventDisabled, Status: nfc.StatusOK})
	assert.Equal(t, Event{Kind: EventDisabled, Status: nfc.StatusOK}, h.app.last())
	assert.False(t, h.m.Status().Enabled)

	// the watchdog was stopped
	h.advance(DefaultDisableTimeout)
	assert.Equal(t, 1, h.ctrl.Disables)
}

func TestGracefulDisableTimesOut(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.enable(t)
	h.discover(t, nfc.TechA)

	h.m.Disable(true)
	h.m.drain()
	require.Equal(t, []nfc.DeactType{nfc.DeactIdle}, h.ctrl.Deacts)

	h.advance(DefaultDisableTimeout - time.Millisecond)
	assert.Zero(t, h.ctrl.Disables)

	h.advance(time.Millisecond)
	assert.Equal(t, 1, h.ctrl.Disables)

	h.nci(nci.Event{Kind: nci.EventDisabled, Status: nfc.StatusOK})
	assert.Equal(t, EventDisabled, h.app.last().Kind)
	assert.Equal(t, disc.StateIdle.String(), h.m.Status().DiscState)
}

func TestImmediateDisable(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.enable(t)
	h.discover(t, nfc.TechA)

	h.m.Disable(false)
	h.m.drain()
	assert.Empty(t, h.ctrl.Deacts)
	assert.Equal(t, 1, h.ctrl.Disables)
}

func TestDisableWhenNotEnabled(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	h.m.Disable(true)
	h.m.drain()
	assert.Zero(t, h.ctrl.Disables)
	assert.Equal(t, Event{Kind: EventDisabled, Status: nfc.StatusOK}, h.app.last())
}

func TestStopDiscoveryDeactivatesOnce(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.enable(t)
	h.discover(t, nfc.TechA)
	require.Equal(t, EventDiscoveryStarted, h.app.last().Kind)

	h.m.StopRFDiscovery()
	h.m.StopRFDiscovery()
	h.m.drain()
	assert.Equal(t, []nfc.DeactType{nfc.DeactIdle}, h.ctrl.Deacts)

	h.nci(nci.Event{Kind: nci.EventDeactivateRsp, Status: nfc.StatusOK})
	assert.Equal(t, Event{Kind: EventDiscoveryStopped, Status: nfc.StatusOK}, h.app.last())
	assert.Len(t, h.ctrl.Discovers, 1)
}

func TestRoutingUpdateRestartsDiscovery(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.enable(t)
	h.discover(t, nfc.TechA)

	h.m.SetDefaultTechRouting(nfc.HostDH, ee.TechRouting{SwitchOn: nfc.TechA})
	h.m.UpdateRouting()
	h.m.drain()
	require.Len(t, h.ctrl.Routing, 1)
	assert.Empty(t, h.ctrl.Deacts)

	h.nci(nci.Event{Kind: nci.EventSetRoutingRsp, Status: nfc.StatusOK})
	ev := h.app.last()
	require.Equal(t, EventRouting, ev.Kind)
	assert.Equal(t, ee.EventUpdated, ev.Routing.Kind)
	assert.Equal(t, []nfc.DeactType{nfc.DeactIdle}, h.ctrl.Deacts)

	h.nci(nci.Event{Kind: nci.EventDeactivateRsp, Status: nfc.StatusOK})
	require.Len(t, h.ctrl.Discovers, 2)
	assert.Equal(t, h.ctrl.Discovers[0], h.ctrl.Discovers[1])
}

func TestAIDOverflowReportedAsynchronously(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EE.LMRTSize = 25
	h := newHarness(t, cfg)
	h.enable(t)

	h.m.AddNFCEE(0x02, ee.StatusActive)
	require.NoError(t, h.m.AddAIDRouting(0x02, []byte{0xA0, 0, 0, 0x01, 0x51, 0, 0, 0, 0, 0x01}, nfc.PowerOn))
	h.m.GetLMRTSize()
	h.m.drain()
	before := h.app.last()
	require.Equal(t, EventRouting, before.Kind)
	require.Equal(t, ee.EventRemainingSize, before.Routing.Kind)
	assert.Equal(t, 6, before.Routing.Size)

	assert.NoError(t, h.m.AddAIDRouting(0x02, []byte{0xA0, 0x00, 0x00, 0x00, 0x03}, nfc.PowerOn))
	h.m.drain()
	ev := h.app.last()
	require.Equal(t, EventRouting, ev.Kind)
	assert.Equal(t, ee.Event{Kind: ee.EventAddAID, Status: nfc.StatusBufferFull, NFCEE: 0x02}, *ev.Routing)
	assert.Equal(t, nfc.StatusBufferFull, ev.Status)

	h.m.GetLMRTSize()
	h.m.drain()
	assert.Equal(t, before.Routing.Size, h.app.last().Routing.Size)
}

func TestNFCEEDiscoveredOnEnable(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.enable(t)
	require.Equal(t, 1, h.ctrl.NFCEEDiscovers)
	assert.False(t, h.m.ee.IsActive(0x02))

	h.nci(nci.Event{Kind: nci.EventNFCEEDiscoverRsp, Status: nfc.StatusOK, NumNFCEE: 1})
	info := &nci.NFCEEInfo{ID: 0x02, Status: nci.NFCEEEnabled, Protocols: []uint8{0x80}}
	h.nci(nci.Event{Kind: nci.EventNFCEEDiscoverNtf, Status: nfc.StatusOK, NFCEE: info})

	ev := h.app.last()
	require.Equal(t, EventNFCEEDiscovered, ev.Kind)
	assert.Equal(t, nfc.StatusOK, ev.Status)
	assert.Equal(t, info, ev.NFCEE)
	assert.True(t, h.m.ee.IsActive(0x02))

	require.NoError(t, h.m.AddAIDRouting(0x02, []byte{0xA0, 0x00, 0x00, 0x00, 0x03}, nfc.PowerOn))
	h.m.drain()
	assert.Equal(t, ee.EventAddAID, h.app.last().Routing.Kind)
	assert.Equal(t, nfc.StatusOK, h.app.last().Status)

	// a disabled NFCEE is known but not routed to
	h.nci(nci.Event{Kind: nci.EventNFCEEDiscoverNtf, Status: nfc.StatusOK,
		NFCEE: &nci.NFCEEInfo{ID: 0x03, Status: nci.NFCEEDisabled}})
	assert.Equal(t, EventNFCEEDiscovered, h.app.last().Kind)
	assert.False(t, h.m.ee.IsActive(0x03))
}

func TestAIDRoutingArgumentChecks(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	assert.Error(t, h.m.AddAIDRouting(0x02, nil, nfc.PowerOn))
	assert.Error(t, h.m.AddAIDRouting(0x02, make([]byte, ee.MaxAIDLen+1), nfc.PowerOn))
	assert.Error(t, h.m.RemoveAIDRouting(nil))
	assert.Error(t, h.m.RegisterT4TAID(make([]byte, ee.MaxAIDLen+1), nil))
	assert.Error(t, h.m.RegisterUICC(nfc.HostDH, nfc.TechA))
}

func TestPollingLifecycle(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.enable(t)
	h.discover(t, nfc.TechA)

	h.m.EnablePolling(nfc.TechA)
	h.m.drain()
	assert.Equal(t, Event{Kind: EventPollEnabled, Status: nfc.StatusFailed}, h.app.last())

	h.nci(nci.Event{Kind: nci.EventIntfActivatedNtf, Activation: t2t()})
	ev := h.app.last()
	require.Equal(t, EventActivated, ev.Kind)
	assert.Equal(t, nfc.ProtocolT2T, ev.Activation.Protocol)
	assert.Equal(t, nfc.ProtocolT2T.String(), h.m.Status().Activated)

	// the target is released before polling stops
	h.m.DisablePolling()
	h.m.drain()
	assert.Equal(t, []nfc.DeactType{nfc.DeactIdle}, h.ctrl.Deacts)
	assert.Zero(t, h.app.count(EventPollDisabled))

	h.nci(nci.Event{Kind: nci.EventDeactivateRsp, Status: nfc.StatusOK})
	kinds := h.app.kinds()
	assert.Contains(t, kinds, EventDeactivated)
	assert.Equal(t, 1, h.app.count(EventPollDisabled))

	h.m.DisablePolling()
	h.m.drain()
	assert.Equal(t, Event{Kind: EventPollDisabled, Status: nfc.StatusFailed}, h.app.last())
}

func TestDisablePollingWhileIdle(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.enable(t)

	h.m.EnablePolling(nfc.TechA | nfc.TechB)
	h.m.DisablePolling()
	h.m.drain()

	assert.Equal(t, []EventKind{EventEnabled, EventPollEnabled, EventPollDisabled}, h.app.kinds())
	assert.Equal(t, nfc.StatusOK, h.app.last().Status)
	assert.Empty(t, h.ctrl.Deacts)
}

func TestListenAndP2PToggles(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.enable(t)

	h.m.DisableListening()
	h.m.EnableListening()
	h.m.PauseP2P()
	h.m.ResumeP2P()
	h.m.drain()

	assert.Equal(t, []EventKind{
		EventEnabled, EventListenDisabled, EventListenEnabled, EventP2PPaused, EventP2PResumed,
	}, h.app.kinds())
}

func TestDeactivateToSleep(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.enable(t)
	h.discover(t, nfc.TechA)
	h.nci(nci.Event{Kind: nci.EventIntfActivatedNtf, Activation: t2t()})

	h.m.Deactivate(true)
	h.m.drain()
	assert.Equal(t, []nfc.DeactType{nfc.DeactSleep}, h.ctrl.Deacts)

	h.nci(nci.Event{Kind: nci.EventDeactivateRsp, Status: nfc.StatusOK})
	h.nci(nci.Event{Kind: nci.EventDeactivateNtf, Deactivation: nfc.Deactivation{Type: nfc.DeactSleep, IsNtf: true}})
	assert.Equal(t, Event{Kind: EventDeactivated, Status: nfc.StatusOK, Deactivation: nfc.DeactSleep}, h.app.last())
	assert.Equal(t, disc.StateW4HostSelect.String(), h.m.Status().DiscState)

	// no sleep from host select, the target goes to idle
	h.m.Deactivate(true)
	h.m.drain()
	assert.Equal(t, []nfc.DeactType{nfc.DeactSleep, nfc.DeactIdle}, h.ctrl.Deacts)
}

func TestDeactivateRefused(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.enable(t)
	h.discover(t, nfc.TechA)

	// nothing is activated
	h.m.Deactivate(false)
	h.m.drain()
	assert.Equal(t, Event{Kind: EventDeactivateFail, Status: nfc.StatusFailed}, h.app.last())

	act := t2t()
	act.Protocol = nfc.ProtocolT1T
	h.nci(nci.Event{Kind: nci.EventIntfActivatedNtf, Activation: act})
	h.m.Deactivate(true)
	h.m.drain()
	assert.Equal(t, Event{Kind: EventDeactivateFail, Status: nfc.StatusFailed}, h.app.last())
	assert.Empty(t, h.ctrl.Deacts)
}

func TestP2PPrioritySelectsNFCDEP(t *testing.T) {
	cfg := DefaultConfig()
	cfg.P2PPriority = true
	h := newHarness(t, cfg)
	h.enable(t)
	h.discover(t, nfc.TechA|nfc.TechF)

	h.nci(nci.Event{Kind: nci.EventDiscoverNtf, Result: &nfc.DiscoverResult{
		RFDiscID: 1, Protocol: nfc.ProtocolT2T, TechMode: nfc.PollA, More: nfc.DiscoverMore,
	}})
	assert.Empty(t, h.ctrl.Selects)

	h.nci(nci.Event{Kind: nci.EventDiscoverNtf, Result: &nfc.DiscoverResult{
		RFDiscID: 2, Protocol: nfc.ProtocolNFCDEP, TechMode: nfc.PollF, More: nfc.DiscoverLast,
	}})
	assert.Equal(t, []ncitest.Select{{RFDiscID: 2, Protocol: nfc.ProtocolNFCDEP, Interface: nfc.InterfaceNFCDEP}}, h.ctrl.Selects)
	assert.Equal(t, 2, h.app.count(EventDiscoveryResult))
}

func TestMultipleTargetsLeftToApplication(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.enable(t)
	h.discover(t, nfc.TechA|nfc.TechF)

	h.nci(nci.Event{Kind: nci.EventDiscoverNtf, Result: &nfc.DiscoverResult{
		RFDiscID: 1, Protocol: nfc.ProtocolT2T, TechMode: nfc.PollA, More: nfc.DiscoverMore,
	}})
	h.nci(nci.Event{Kind: nci.EventDiscoverNtf, Result: &nfc.DiscoverResult{
		RFDiscID: 2, Protocol: nfc.ProtocolNFCDEP, TechMode: nfc.PollF, More: nfc.DiscoverLast,
	}})
	assert.Empty(t, h.ctrl.Selects)

	require.NoError(t, h.m.Select(1, nfc.ProtocolT2T, nfc.InterfaceFrame))
	h.m.drain()
	assert.Equal(t, []ncitest.Select{{RFDiscID: 1, Protocol: nfc.ProtocolT2T, Interface: nfc.InterfaceFrame}}, h.ctrl.Selects)

	h.nci(nci.Event{Kind: nci.EventSelectRsp, Status: nfc.StatusOK})
	assert.Equal(t, Event{Kind: EventSelectResult, Status: nfc.StatusOK}, h.app.last())

	assert.Error(t, h.m.Select(1, nfc.ProtocolInvalid, nfc.InterfaceFrame))
}

func TestExclusiveRFControl(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.enable(t)
	h.m.EnablePolling(nfc.TechF)
	h.m.drain()
	appEvents := len(h.app.events)

	excl := &recorder{}
	require.NoError(t, h.m.RequestExclusiveRF(nfc.TechA, nil, excl))
	h.m.drain()
	require.Len(t, h.ctrl.Discovers, 1)
	assert.Equal(t, []nfc.DiscoverParam{{Mode: nfc.PollA, Frequency: 1}}, h.ctrl.Discovers[0])

	h.nci(nci.Event{Kind: nci.EventDiscoverRsp, Status: nfc.StatusOK})
	assert.Equal(t, []EventKind{EventExclusiveStarted}, excl.kinds())
	assert.True(t, h.m.Status().Exclusive)

	other := &recorder{}
	require.NoError(t, h.m.RequestExclusiveRF(nfc.TechA, nil, other))
	h.m.drain()
	assert.Equal(t, []Event{{Kind: EventExclusiveStarted, Status: nfc.StatusFailed}}, other.events)

	h.nci(nci.Event{Kind: nci.EventIntfActivatedNtf, Activation: t2t()})
	assert.Equal(t, EventActivated, excl.last().Kind)

	h.nci(nci.Event{Kind: nci.EventDeactivateNtf, Deactivation: nfc.Deactivation{Type: nfc.DeactDiscovery, IsNtf: true}})
	assert.Equal(t, EventDeactivated, excl.last().Kind)

	// controller level events still reach the application
	h.nci(nci.Event{Kind: nci.EventRFField, FieldOn: true})
	assert.Equal(t, Event{Kind: EventRFField, Status: nfc.StatusOK, FieldOn: true}, h.app.last())

	h.m.ReleaseExclusiveRF()
	h.m.drain()
	h.nci(nci.Event{Kind: nci.EventDeactivateRsp, Status: nfc.StatusOK})
	assert.Equal(t, Event{Kind: EventExclusiveStopped, Status: nfc.StatusOK}, excl.last())
	assert.False(t, h.m.Status().Exclusive)

	// only the RF field event went to the application meanwhile
	assert.Len(t, h.app.events, appEvents+1)
	assert.Nil(t, h.m.excl)
}

func TestExclusiveRFControlNeedsIdle(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.enable(t)
	h.discover(t, nfc.TechA)

	excl := &recorder{}
	require.NoError(t, h.m.RequestExclusiveRF(nfc.TechA, nil, excl))
	h.m.drain()
	require.Len(t, excl.events, 1)
	assert.Equal(t, EventExclusiveStarted, excl.events[0].Kind)
	assert.Equal(t, nfc.StatusFailed, excl.events[0].Status)
	assert.Nil(t, h.m.excl)

	assert.Error(t, h.m.RequestExclusiveRF(nfc.TechA, nil, nil))
}

func TestPowerOffSleepRoundTrip(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.enable(t)

	h.m.SetPowerMode(PowerOffSleep)
	h.m.SetPowerMode(PowerOffSleep)
	h.m.drain()
	assert.Equal(t, []bool{true}, h.ctrl.PowerSleep)
	assert.Equal(t, Event{Kind: EventPowerModeChanged, Status: nfc.StatusFailed, PowerMode: PowerFull}, h.app.last())

	h.nci(nci.Event{Kind: nci.EventPowerOff})
	assert.Equal(t, Event{Kind: EventPowerModeChanged, Status: nfc.StatusOK, PowerMode: PowerOffSleep}, h.app.last())
	assert.Equal(t, PowerOffSleep, h.m.Status().PowerMode)

	h.m.SetPowerMode(PowerFull)
	h.m.drain()
	assert.Equal(t, []bool{true, false}, h.ctrl.PowerSleep)

	h.nci(nci.Event{Kind: nci.EventRestarted, Status: nfc.StatusOK})
	assert.Equal(t, Event{Kind: EventPowerModeChanged, Status: nfc.StatusOK, PowerMode: PowerFull}, h.app.last())
}

func TestTimeoutReinitializesController(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.enable(t)

	h.nci(nci.Event{Kind: nci.EventTimeout, Err: nfc.NewTimeoutError("CORE_RESET")})
	assert.Equal(t, EventNFCCTimeout, h.app.last().Kind)
	assert.Equal(t, []bool{false}, h.ctrl.PowerSleep)

	// a second timeout while reinitializing does not stack up
	h.nci(nci.Event{Kind: nci.EventTimeout, Err: nfc.NewTimeoutError("CORE_RESET")})
	assert.Equal(t, []bool{false}, h.ctrl.PowerSleep)
}

func TestRawFrameNeedsActivation(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.enable(t)
	h.discover(t, nfc.TechA)

	h.m.SendRawFrame([]byte{0x30, 0x00})
	h.m.drain()
	assert.Empty(t, h.ctrl.Data)

	h.nci(nci.Event{Kind: nci.EventIntfActivatedNtf, Activation: t2t()})
	h.m.SendRawFrame([]byte{0x30, 0x00})
	h.m.drain()
	assert.Equal(t, [][]byte{{staticRFConnID, 0x30, 0x00}}, h.ctrl.Data)

	h.nci(nci.Event{Kind: nci.EventData, ConnID: staticRFConnID, Data: []byte{0x01, 0x02}})
	assert.Equal(t, Event{Kind: EventData, Status: nfc.StatusOK, ConnID: staticRFConnID, Data: []byte{0x01, 0x02}}, h.app.last())
}

func TestEventKindText(t *testing.T) {
	text, err := EventDiscoveryStarted.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "DISCOVERY_STARTED", string(text))
}
