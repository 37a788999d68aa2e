package ee

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/librescoot/nfa/internal/disc"
	"github.com/librescoot/nfa/internal/nfc"
)

type routingCmd struct {
	more bool
	n    int
	tlvs []byte
}

type fakeSink struct {
	cmds []routingCmd
	fail error
}

func (s *fakeSink) SetRouting(more bool, numTLV int, tlvs []byte) error {
	if s.fail != nil {
		return s.fail
	}
	s.cmds = append(s.cmds, routingCmd{more: more, n: numTLV, tlvs: tlvs})
	return nil
}

type recListener struct {
	events []Event
}

func (l *recListener) OnRoutingEvent(ev Event) {
	l.events = append(l.events, ev)
}

func (l *recListener) last() Event {
	return l.events[len(l.events)-1]
}

type harness struct {
	router   *Router
	sink     *fakeSink
	listener *recListener
	clock    *nfc.FakeClock
}

func newHarness(cfg Config) *harness {
	h := &harness{
		sink:     &fakeSink{},
		listener: &recListener{},
		clock:    nfc.NewFakeClock(time.Unix(0, 0)),
	}
	h.router = New(h.sink, h.listener, h.clock, cfg, nil)
	return h
}

var aidVisa = []byte{0xA0, 0x00, 0x00, 0x00, 0x03}

func TestAddAIDOverflowKeepsTable(t *testing.T) {
	h := newHarness(Config{LMRTSize: 25})
	require.NoError(t, h.router.AddNFCEE(0x02, StatusActive))

	// 4 + 10 bytes and the NFC-DEP route
	require.NoError(t, h.router.AddAIDRouting(0x02, []byte{0xA0, 0, 0, 0x01, 0x51, 0, 0, 0, 0, 0x01}, nfc.PowerOn))
	before := h.router.LMRTSize()
	assert.Equal(t, 6, before)

	err := h.router.AddAIDRouting(0x02, aidVisa, nfc.PowerOn)
	require.Error(t, err)
	assert.Equal(t, nfc.StatusBufferFull, nfc.StatusOf(err))
	assert.Equal(t, Event{Kind: EventAddAID, Status: nfc.StatusBufferFull, NFCEE: 0x02}, h.listener.last())

	assert.Equal(t, before, h.router.LMRTSize())
	e, ok := h.router.ECB(0x02)
	require.True(t, ok)
	assert.Len(t, e.AIDs(), 1)
}

func TestMaskRoutingOverflowReverts(t *testing.T) {
	h := newHarness(Config{LMRTSize: 12, SkipNFCDEPRoute: true})
	require.NoError(t, h.router.AddNFCEE(0x02, StatusActive))

	require.NoError(t, h.router.SetDefaultTechRouting(0x02, TechRouting{SwitchOn: nfc.TechA | nfc.TechB}))
	assert.Equal(t, 2, h.router.LMRTSize())

	err := h.router.SetDefaultProtoRouting(0x02, ProtoRouting{SwitchOn: nfc.ProtoMaskISODEP})
	assert.Equal(t, nfc.StatusBufferFull, nfc.StatusOf(err))
	assert.Equal(t, Event{Kind: EventSetProtoCfg, Status: nfc.StatusBufferFull, NFCEE: 0x02}, h.listener.last())

	err = h.router.SetDefaultTechRouting(0x02, TechRouting{SwitchOn: nfc.TechA | nfc.TechB | nfc.TechF})
	assert.Equal(t, nfc.StatusBufferFull, nfc.StatusOf(err))

	e, _ := h.router.ECB(0x02)
	assert.Equal(t, TechRouting{SwitchOn: nfc.TechA | nfc.TechB}, e.Tech)
	assert.Equal(t, ProtoRouting{}, e.Proto)
	assert.Equal(t, 2, h.router.LMRTSize())
}

func TestScreenStatesNeedSwitchOn(t *testing.T) {
	h := newHarness(Config{LMRTSize: 100, SkipNFCDEPRoute: true})
	require.NoError(t, h.router.AddNFCEE(0x02, StatusActive))

	// screen states alone route nothing
	require.NoError(t, h.router.SetDefaultTechRouting(0x02, TechRouting{ScreenLock: nfc.TechA}))
	assert.Equal(t, 100, h.router.LMRTSize())

	r := TechRouting{SwitchOn: nfc.TechA, ScreenLock: nfc.TechA, ScreenOff: nfc.TechA}
	assert.Equal(t, uint8(powerOn|powerScreenLock|powerScreenOff), r.power(nfc.TechA))
	r = TechRouting{SwitchOff: nfc.TechA, ScreenLock: nfc.TechA}
	assert.Equal(t, uint8(powerSwitchOff), r.power(nfc.TechA))

	p := ProtoRouting{BatteryOff: nfc.ProtoMaskISODEP, ScreenOff: nfc.ProtoMaskISODEP}
	assert.Equal(t, uint8(powerBatteryOff|powerScreenOff), p.power(nfc.ProtoMaskISODEP))
}

func TestAIDRoutedElsewhere(t *testing.T) {
	h := newHarness(DefaultConfig())
	require.NoError(t, h.router.AddNFCEE(0x02, StatusActive))
	require.NoError(t, h.router.AddAIDRouting(nfc.HostDH, aidVisa, nfc.PowerOn))

	err := h.router.AddAIDRouting(0x02, aidVisa, nfc.PowerOn)
	assert.Equal(t, nfc.StatusSemanticError, nfc.StatusOf(err))
}

func TestAddAIDTwiceUpdatesPower(t *testing.T) {
	h := newHarness(DefaultConfig())
	require.NoError(t, h.router.AddAIDRouting(nfc.HostDH, aidVisa, nfc.PowerOn))
	remaining := h.router.LMRTSize()

	require.NoError(t, h.router.AddAIDRouting(nfc.HostDH, aidVisa, nfc.PowerOn|nfc.PowerSwitchOff))
	assert.Equal(t, remaining, h.router.LMRTSize())

	e, _ := h.router.ECB(nfc.HostDH)
	require.Len(t, e.aids, 1)
	assert.Equal(t, uint8(nfc.PowerOn|nfc.PowerSwitchOff), e.aids[0].power)
}

func TestAIDLimits(t *testing.T) {
	h := newHarness(Config{LMRTSize: 2000})

	for i := 0; i < MaxAIDsPerHost; i++ {
		require.NoError(t, h.router.AddAIDRouting(nfc.HostDH, []byte{0xA0, 0, 0, 0, byte(i)}, nfc.PowerOn))
	}
	err := h.router.AddAIDRouting(nfc.HostDH, []byte{0xA0, 0, 0, 1, 0}, nfc.PowerOn)
	assert.Equal(t, nfc.StatusBufferFull, nfc.StatusOf(err))

	assert.Equal(t, nfc.StatusInvalidParam, nfc.StatusOf(h.router.AddAIDRouting(nfc.HostDH, nil, nfc.PowerOn)))
	assert.Equal(t, nfc.StatusInvalidParam, nfc.StatusOf(h.router.AddAIDRouting(nfc.HostDH, make([]byte, MaxAIDLen+1), nfc.PowerOn)))
	assert.Equal(t, nfc.StatusInvalidParam, nfc.StatusOf(h.router.AddAIDRouting(0x05, aidVisa, nfc.PowerOn)))
}

func TestRemoveAIDRouting(t *testing.T) {
	h := newHarness(DefaultConfig())
	require.NoError(t, h.router.AddNFCEE(0x02, StatusActive))
	require.NoError(t, h.router.AddAIDRouting(0x02, aidVisa, nfc.PowerOn))

	require.NoError(t, h.router.RemoveAIDRouting(aidVisa))
	assert.Equal(t, Event{Kind: EventRemoveAID, Status: nfc.StatusOK, NFCEE: 0x02}, h.listener.last())
	assert.Equal(t, DefaultLMRTSize-maskEntrySize, h.router.LMRTSize())

	err := h.router.RemoveAIDRouting(aidVisa)
	assert.Equal(t, nfc.StatusInvalidParam, nfc.StatusOf(err))
}

func TestDebounceCoalescesChanges(t *testing.T) {
	h := newHarness(DefaultConfig())
	h.router.Enable()
	require.NoError(t, h.router.AddNFCEE(0x02, StatusActive))

	require.NoError(t, h.router.AddAIDRouting(0x02, aidVisa, nfc.PowerOn))
	h.clock.Advance(600 * time.Millisecond)
	require.NoError(t, h.router.SetDefaultTechRouting(0x02, TechRouting{SwitchOn: nfc.TechA}))
	h.clock.Advance(600 * time.Millisecond)
	assert.Empty(t, h.sink.cmds)

	h.clock.Advance(400 * time.Millisecond)
	require.Len(t, h.sink.cmds, 1)
	cmd := h.sink.cmds[0]
	assert.False(t, cmd.more)
	assert.Equal(t, 3, cmd.n)
	assert.Equal(t, []byte{
		EntryAID, 7, 0x02, powerOn, 0xA0, 0x00, 0x00, 0x00, 0x03,
		EntryProto, 3, 0x00, powerOn, uint8(nfc.ProtocolNFCDEP),
		EntryTech, 3, 0x02, powerOn, 0x00,
	}, cmd.tlvs)

	// a response outside UpdateNow reports nothing
	n := len(h.listener.events)
	h.router.OnSetRoutingRsp(nfc.StatusOK)
	assert.Len(t, h.listener.events, n)
}

func TestNothingProgrammedWhileDisabled(t *testing.T) {
	h := newHarness(DefaultConfig())
	require.NoError(t, h.router.AddAIDRouting(nfc.HostDH, aidVisa, nfc.PowerOn))
	h.clock.Advance(2 * time.Second)
	assert.Empty(t, h.sink.cmds)

	h.router.Enable()
	h.clock.Advance(DefaultDebounce)
	assert.Len(t, h.sink.cmds, 1)
}

func TestUpdateNow(t *testing.T) {
	h := newHarness(DefaultConfig())
	h.router.Enable()
	require.NoError(t, h.router.AddAIDRouting(nfc.HostDH, aidVisa, nfc.PowerOn))

	require.NoError(t, h.router.UpdateNow())
	require.Len(t, h.sink.cmds, 1)
	assert.Zero(t, h.clock.Pending())
	assert.Equal(t, EventAddAID, h.listener.last().Kind)

	err := h.router.UpdateNow()
	assert.Equal(t, nfc.StatusSemanticError, nfc.StatusOf(err))
	assert.Equal(t, Event{Kind: EventUpdated, Status: nfc.StatusSemanticError}, h.listener.last())

	h.router.OnSetRoutingRsp(nfc.StatusOK)
	assert.Equal(t, Event{Kind: EventUpdated, Status: nfc.StatusOK}, h.listener.last())

	// nothing changed since
	require.NoError(t, h.router.UpdateNow())
	assert.Len(t, h.sink.cmds, 1)
	assert.Equal(t, Event{Kind: EventUpdated, Status: nfc.StatusOK}, h.listener.last())
}

func TestUpdateNowReportsRejection(t *testing.T) {
	h := newHarness(DefaultConfig())
	h.router.Enable()
	require.NoError(t, h.router.AddAIDRouting(nfc.HostDH, aidVisa, nfc.PowerOn))
	require.NoError(t, h.router.UpdateNow())

	h.router.OnSetRoutingRsp(nfc.StatusRejected)
	assert.Equal(t, Event{Kind: EventUpdated, Status: nfc.StatusRejected}, h.listener.last())
}

func TestTableSplitsIntoBlocks(t *testing.T) {
	h := newHarness(Config{LMRTSize: 1000})
	h.router.Enable()
	for i := 0; i < 20; i++ {
		aid := make([]byte, MaxAIDLen)
		aid[0], aid[15] = 0xA0, byte(i)
		require.NoError(t, h.router.AddAIDRouting(nfc.HostDH, aid, nfc.PowerOn))
	}
	require.NoError(t, h.router.UpdateNow())

	require.Len(t, h.sink.cmds, 2)
	assert.True(t, h.sink.cmds[0].more)
	assert.Equal(t, 12, h.sink.cmds[0].n)
	assert.Len(t, h.sink.cmds[0].tlvs, 240)
	assert.False(t, h.sink.cmds[1].more)
	// the remaining AIDs and the NFC-DEP route
	assert.Equal(t, 9, h.sink.cmds[1].n)
	assert.Len(t, h.sink.cmds[1].tlvs, 165)

	h.router.OnSetRoutingRsp(nfc.StatusOK)
	assert.Equal(t, EventAddAID, h.listener.last().Kind)
	h.router.OnSetRoutingRsp(nfc.StatusOK)
	assert.Equal(t, Event{Kind: EventUpdated, Status: nfc.StatusOK}, h.listener.last())
}

func TestTableFillsRoutingTableExactly(t *testing.T) {
	h := newHarness(Config{LMRTSize: 300})
	h.router.Enable()
	for i := 0; i < 14; i++ {
		aid := make([]byte, MaxAIDLen)
		aid[0], aid[15] = 0xA0, byte(i)
		require.NoError(t, h.router.AddAIDRouting(nfc.HostDH, aid, nfc.PowerOn))
	}
	// 14 * 20 + 15 + 5 for the NFC-DEP route
	require.NoError(t, h.router.AddAIDRouting(nfc.HostDH, make([]byte, 11), nfc.PowerOn))
	assert.Equal(t, 0, h.router.LMRTSize())

	err := h.router.AddAIDRouting(nfc.HostDH, []byte{0xA0}, nfc.PowerOn)
	assert.Equal(t, nfc.StatusBufferFull, nfc.StatusOf(err))

	require.NoError(t, h.router.UpdateNow())
	require.Len(t, h.sink.cmds, 2)
	assert.True(t, h.sink.cmds[0].more)
	assert.Equal(t, 12, h.sink.cmds[0].n)
	assert.Len(t, h.sink.cmds[0].tlvs, 240)
	assert.False(t, h.sink.cmds[1].more)
	assert.Equal(t, 4, h.sink.cmds[1].n)
	assert.Len(t, h.sink.cmds[1].tlvs, 60)
	assert.Equal(t, []byte{EntryProto, 3, 0x00, powerOn, uint8(nfc.ProtocolNFCDEP)}, h.sink.cmds[1].tlvs[55:])

	h.router.OnSetRoutingRsp(nfc.StatusOK)
	h.router.OnSetRoutingRsp(nfc.StatusOK)
	assert.Equal(t, Event{Kind: EventUpdated, Status: nfc.StatusOK}, h.listener.last())
}

func TestOversizedTableIsNotSent(t *testing.T) {
	h := newHarness(Config{LMRTSize: 30})
	h.router.Enable()
	require.NoError(t, h.router.AddNFCEE(0x02, StatusInactive))
	for i := 0; i < 2; i++ {
		aid := make([]byte, MaxAIDLen)
		aid[0], aid[15] = 0xA0, byte(i)
		require.NoError(t, h.router.AddAIDRouting(0x02, aid, nfc.PowerOn))
	}

	// the AIDs only count once the NFCEE is active
	require.NoError(t, h.router.SetStatus(0x02, StatusActive))
	n := len(h.listener.events)
	require.NoError(t, h.router.UpdateNow())
	assert.Empty(t, h.sink.cmds)
	assert.Equal(t, []Event{
		{Kind: EventRoutingError, Status: nfc.StatusBufferFull},
		{Kind: EventUpdated, Status: nfc.StatusBufferFull},
	}, h.listener.events[n:])

	aid := make([]byte, MaxAIDLen)
	aid[0] = 0xA0
	require.NoError(t, h.router.RemoveAIDRouting(aid))
	require.NoError(t, h.router.UpdateNow())
	require.Len(t, h.sink.cmds, 1)
	assert.False(t, h.sink.cmds[0].more)
	assert.Equal(t, 2, h.sink.cmds[0].n)
	assert.Len(t, h.sink.cmds[0].tlvs, 25)

	h.router.OnSetRoutingRsp(nfc.StatusOK)
	assert.Equal(t, Event{Kind: EventUpdated, Status: nfc.StatusOK}, h.listener.last())
}

func TestSinkFailureKeepsChanges(t *testing.T) {
	h := newHarness(DefaultConfig())
	h.router.Enable()
	h.sink.fail = errors.New("write failed")
	require.NoError(t, h.router.AddAIDRouting(nfc.HostDH, aidVisa, nfc.PowerOn))

	n := len(h.listener.events)
	require.NoError(t, h.router.UpdateNow())
	assert.Equal(t, []Event{
		{Kind: EventRoutingError, Status: nfc.StatusFailed},
		{Kind: EventUpdated, Status: nfc.StatusFailed},
	}, h.listener.events[n:])

	h.sink.fail = nil
	require.NoError(t, h.router.UpdateNow())
	require.Len(t, h.sink.cmds, 1)
	h.router.OnSetRoutingRsp(nfc.StatusOK)
	assert.Equal(t, Event{Kind: EventUpdated, Status: nfc.StatusOK}, h.listener.last())
}

func TestEmptiedTableIsCleared(t *testing.T) {
	h := newHarness(Config{SkipNFCDEPRoute: true})
	h.router.Enable()

	// nothing was ever programmed, so nothing is cleared
	require.NoError(t, h.router.SetDefaultTechRouting(nfc.HostDH, TechRouting{}))
	require.NoError(t, h.router.UpdateNow())
	assert.Empty(t, h.sink.cmds)

	require.NoError(t, h.router.AddAIDRouting(nfc.HostDH, aidVisa, nfc.PowerOn))
	require.NoError(t, h.router.UpdateNow())
	h.router.OnSetRoutingRsp(nfc.StatusOK)

	require.NoError(t, h.router.RemoveAIDRouting(aidVisa))
	require.NoError(t, h.router.UpdateNow())
	require.Len(t, h.sink.cmds, 2)
	assert.False(t, h.sink.cmds[1].more)
	assert.Zero(t, h.sink.cmds[1].n)
	assert.Empty(t, h.sink.cmds[1].tlvs)
}

func TestInactiveNFCEEIsLeftOut(t *testing.T) {
	h := newHarness(Config{SkipNFCDEPRoute: true})
	h.router.Enable()
	require.NoError(t, h.router.AddNFCEE(0x02, StatusInactive))
	require.NoError(t, h.router.SetDefaultTechRouting(0x02, TechRouting{SwitchOn: nfc.TechA}))
	assert.False(t, h.router.IsActive(0x02))
	assert.True(t, h.router.IsActive(nfc.HostDH))

	require.NoError(t, h.router.UpdateNow())
	assert.Empty(t, h.sink.cmds)

	// activation reprograms the table
	require.NoError(t, h.router.SetStatus(0x02, StatusActive))
	h.clock.Advance(DefaultDebounce)
	require.Len(t, h.sink.cmds, 1)
	assert.Equal(t, []byte{EntryTech, 3, 0x02, powerOn, 0x00}, h.sink.cmds[0].tlvs)
}

func TestTechRoute(t *testing.T) {
	h := newHarness(DefaultConfig())
	require.NoError(t, h.router.AddNFCEE(0x02, StatusActive))
	require.NoError(t, h.router.AddNFCEE(0x03, StatusActive))
	require.NoError(t, h.router.AddNFCEE(0x04, StatusInactive))

	require.NoError(t, h.router.SetDefaultTechRouting(0x02, TechRouting{SwitchOn: nfc.TechA, BatteryOff: nfc.TechB}))
	require.NoError(t, h.router.SetDefaultTechRouting(0x03, TechRouting{SwitchOn: nfc.TechA | nfc.TechF}))
	require.NoError(t, h.router.SetDefaultTechRouting(0x04, TechRouting{SwitchOn: nfc.TechB}))

	var want disc.ListenRoutes
	want[disc.RouteA] = 0x02
	want[disc.RouteF] = 0x03
	assert.Equal(t, want, h.router.TechRoute(nfc.PowerOn))

	want = disc.ListenRoutes{}
	want[disc.RouteB] = 0x02
	assert.Equal(t, want, h.router.TechRoute(nfc.PowerBatteryOff))
}

func TestNFCEELimit(t *testing.T) {
	h := newHarness(Config{MaxNFCEE: 1})
	require.NoError(t, h.router.AddNFCEE(0x02, StatusActive))
	assert.Equal(t, nfc.StatusBufferFull, nfc.StatusOf(h.router.AddNFCEE(0x03, StatusActive)))
	assert.Equal(t, nfc.StatusInvalidParam, nfc.StatusOf(h.router.AddNFCEE(nfc.HostDH, StatusActive)))

	// known ids update their status
	require.NoError(t, h.router.AddNFCEE(0x02, StatusRemoved))
	assert.False(t, h.router.IsActive(0x02))
}

func TestRestoreReprogramsTable(t *testing.T) {
	h := newHarness(DefaultConfig())
	h.router.Enable()
	require.NoError(t, h.router.AddAIDRouting(nfc.HostDH, aidVisa, nfc.PowerOn))
	require.NoError(t, h.router.UpdateNow())
	require.Len(t, h.sink.cmds, 1)

	// the controller lost its table before answering
	h.router.Restore()
	h.clock.Advance(DefaultDebounce)
	require.Len(t, h.sink.cmds, 2)
	assert.Equal(t, h.sink.cmds[0].tlvs, h.sink.cmds[1].tlvs)

	h.router.OnSetRoutingRsp(nfc.StatusOK)
	assert.NoError(t, h.router.UpdateNow())
}
