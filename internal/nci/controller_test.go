package nci

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/librescoot/nfa/internal/nfc"
)

type fakeTransport struct {
	written [][]byte
	rx      [][]byte
	power   []bool
	readErr error
}

func (f *fakeTransport) Write(frame []byte) error {
	f.written = append(f.written, append([]byte(nil), frame...))
	return nil
}

func (f *fakeTransport) Read(time.Duration) ([]byte, error) {
	if f.readErr != nil {
		err := f.readErr
		f.readErr = nil
		return nil, err
	}
	if len(f.rx) == 0 {
		return nil, nil
	}
	frame := f.rx[0]
	f.rx = f.rx[1:]
	return frame, nil
}

func (f *fakeTransport) SetPower(on bool) error {
	f.power = append(f.power, on)
	return nil
}

func (f *fakeTransport) Close() error { return nil }

type ctrlHarness struct {
	t      *testing.T
	tr     *fakeTransport
	clock  *nfc.FakeClock
	c      *Controller
	events []Event
}

func newCtrlHarness(t *testing.T, opts Options) *ctrlHarness {
	h := &ctrlHarness{t: t, tr: &fakeTransport{}, clock: nfc.NewFakeClock(time.Unix(0, 0))}
	h.c = NewController(h.tr, func(ev Event) { h.events = append(h.events, ev) }, h.clock, opts, nil)
	return h
}

// exchange lets the controller send its next command, then feeds it rsp
func (h *ctrlHarness) exchange(rsp string) []byte {
	h.t.Helper()
	n := len(h.tr.written)
	h.c.step()
	require.Len(h.t, h.tr.written, n+1, "no command sent")
	h.tr.rx = append(h.tr.rx, mustHex(h.t, rsp))
	h.c.step()
	return h.tr.written[n]
}

func (h *ctrlHarness) kinds() []EventKind {
	var out []EventKind
	for _, ev := range h.events {
		out = append(out, ev.Kind)
	}
	return out
}

func TestEnableSequence(t *testing.T) {
	h := newCtrlHarness(t, Options{})
	require.NoError(t, h.c.Enable())

	assert.Equal(t, mustHex(t, "20000101"), h.exchange("400003001000"))
	assert.Equal(t, []bool{true}, h.tr.power)
	assert.Equal(t, mustHex(t, "200100"), h.exchange("40011900031e030008000102038081828302d002ff020004881001a0"))
	assert.Equal(t, byte(0x21), h.exchange("41000100")[0])

	require.Equal(t, []EventKind{EventEnabled}, h.kinds())
	ev := h.events[0]
	assert.Equal(t, nfc.StatusOK, ev.Status)
	require.NotNil(t, ev.Info)
	assert.Equal(t, uint16(720), ev.Info.MaxRoutingTableSize)
	assert.Equal(t, uint16(720), h.c.Info().MaxRoutingTableSize)
}

func TestEnableNXPSendsProprietaryCommands(t *testing.T) {
	h := newCtrlHarness(t, Options{NXP: true, Standby: true})
	require.NoError(t, h.c.Enable())

	h.exchange("400003001000")
	h.exchange("40011900031e030008000102038081828302d002ff020004881001a0")
	assert.Equal(t, mustHex(t, "2f0200"), h.exchange("4f020100"))
	assert.Equal(t, mustHex(t, "2f000101"), h.exchange("4f000100"))
	h.exchange("41000100")
	assert.Equal(t, []EventKind{EventEnabled}, h.kinds())
}

func TestEnableFailureDropsRemainingSteps(t *testing.T) {
	h := newCtrlHarness(t, Options{})
	require.NoError(t, h.c.Enable())

	h.exchange("40000103")
	require.Equal(t, []EventKind{EventEnabled}, h.kinds())
	assert.Equal(t, nfc.StatusFailed, h.events[0].Status)
	assert.Nil(t, h.events[0].Info)

	n := len(h.tr.written)
	h.c.step()
	assert.Len(t, h.tr.written, n)
}

func TestCommandsAreSerialized(t *testing.T) {
	h := newCtrlHarness(t, Options{})
	require.NoError(t, h.c.DiscoveryStart([]nfc.DiscoverParam{{Mode: nfc.PollA, Frequency: 1}}))
	require.NoError(t, h.c.Deactivate(nfc.DeactIdle))

	h.c.step()
	h.c.step()
	require.Len(t, h.tr.written, 1)

	// a response to something else does not complete the discover
	h.tr.rx = append(h.tr.rx, mustHex(t, "41060100"))
	h.c.step()
	require.Len(t, h.tr.written, 1)
	assert.Empty(t, h.events)

	h.tr.rx = append(h.tr.rx, mustHex(t, "41030100"))
	h.c.step()
	h.c.step()
	require.Len(t, h.tr.written, 2)
	assert.Equal(t, mustHex(t, "21060100"), h.tr.written[1])
	assert.Equal(t, []EventKind{EventDiscoverRsp}, h.kinds())
}

func TestCommandTimeout(t *testing.T) {
	h := newCtrlHarness(t, Options{CmdTimeout: time.Second})
	require.NoError(t, h.c.Deactivate(nfc.DeactIdle))
	h.c.step()

	h.clock.Advance(999 * time.Millisecond)
	h.c.step()
	assert.Empty(t, h.events)

	h.clock.Advance(time.Millisecond)
	h.c.step()
	require.Equal(t, []EventKind{EventTimeout}, h.kinds())
	assert.Equal(t, nfc.StatusTimeout, h.events[0].Status)
	assert.True(t, nfc.IsTimeoutError(h.events[0].Err))
}

func TestNotifications(t *testing.T) {
	h := newCtrlHarness(t, Options{})
	h.tr.rx = append(h.tr.rx,
		mustHex(t, "6106020301"),
		mustHex(t, "61070101"),
		mustHex(t, "6008020300"),
		mustHex(t, "6000020001"),
		mustHex(t, "000002aabb"),
	)
	for i := 0; i < 5; i++ {
		h.c.step()
	}

	require.Equal(t, []EventKind{EventDeactivateNtf, EventRFField, EventIntfErrorNtf, EventTransportError, EventData}, h.kinds())
	assert.Equal(t, nfc.Deactivation{Type: nfc.DeactDiscovery, Reason: 1, IsNtf: true}, h.events[0].Deactivation)
	assert.True(t, h.events[1].FieldOn)
	assert.Equal(t, nfc.Status(0x03), h.events[2].Status)
	assert.True(t, nfc.IsUnexpectedResetError(h.events[3].Err))
	assert.Equal(t, []byte{0xAA, 0xBB}, h.events[4].Data)
}

func TestSetConfigAndRoutingResponses(t *testing.T) {
	h := newCtrlHarness(t, Options{})
	require.NoError(t, h.c.SetConfig([]byte{0x00, 0x02, 0xF4, 0x01}))
	require.NoError(t, h.c.SetRouting(false, 0, nil))
	require.NoError(t, h.c.GetConfig([]uint8{0x00}))

	h.exchange("400203090100")
	h.exchange("41010100")
	h.exchange("40030600010002f401")

	require.Equal(t, []EventKind{EventSetConfigRsp, EventSetRoutingRsp, EventGetConfigRsp}, h.kinds())
	assert.Equal(t, nfc.StatusInvalidParam, h.events[0].Status)
	assert.Equal(t, []uint8{0x00}, h.events[0].ParamIDs)
	assert.Equal(t, nfc.StatusOK, h.events[1].Status)
	assert.Equal(t, nfc.StatusOK, h.events[2].Status)
	assert.Equal(t, []byte{0x00, 0x02, 0xF4, 0x01}, h.events[2].TLVs)
}

func TestDisableAndSleep(t *testing.T) {
	h := newCtrlHarness(t, Options{})
	require.NoError(t, h.c.SetPowerOffSleep(true))
	h.c.step()
	require.NoError(t, h.c.Disable())
	h.c.step()

	assert.Equal(t, []EventKind{EventPowerOff, EventDisabled}, h.kinds())
	assert.Equal(t, []bool{false, false}, h.tr.power)
}

func TestWakeReportsRestart(t *testing.T) {
	h := newCtrlHarness(t, Options{})
	require.NoError(t, h.c.SetPowerOffSleep(false))

	h.exchange("400003001000")
	h.exchange("40011900031e030008000102038081828302d002ff020004881001a0")
	h.exchange("41000100")
	require.Equal(t, []EventKind{EventRestarted}, h.kinds())
	assert.Equal(t, nfc.StatusOK, h.events[0].Status)
}

func TestSegmentedActivationAndData(t *testing.T) {
	h := newCtrlHarness(t, Options{})
	// max data packet payload of 0x20 bytes
	ntf := mustHex(t, "010102"+"00"+"2001"+"0c"+"4400"+"07"+"04a1b2c3d4e5f6"+"0100"+"000000"+"00")
	h.tr.rx = append(h.tr.rx,
		append(mustHex(t, "71050a"), ntf[:10]...),
		append(mustHex(t, "61050d"), ntf[10:]...),
	)
	h.c.step()
	assert.Empty(t, h.events)
	h.c.step()
	require.Equal(t, []EventKind{EventIntfActivatedNtf}, h.kinds())
	assert.Equal(t, mustHex(t, "04a1b2c3d4e5f6"), h.events[0].Activation.NFCID)

	data := make([]byte, 40)
	require.NoError(t, h.c.SendData(0, data))
	h.c.step()
	require.Len(t, h.tr.written, 2)
	assert.Equal(t, []byte{0x10, 0x00, 0x20}, h.tr.written[0][:headerLen])
	assert.Len(t, h.tr.written[0], headerLen+0x20)
	assert.Equal(t, []byte{0x00, 0x00, 0x08}, h.tr.written[1][:headerLen])

	// segmented data is handed on once complete
	h.tr.rx = append(h.tr.rx, mustHex(t, "100002aabb"), mustHex(t, "000001cc"))
	h.c.step()
	h.c.step()
	require.Len(t, h.events, 2)
	assert.Equal(t, []byte{0xAA, 0xBB, 0xCC}, h.events[1].Data)
}

func TestCommandsSegmentedToControllerLimit(t *testing.T) {
	h := newCtrlHarness(t, Options{})
	require.NoError(t, h.c.Enable())
	h.exchange("400003001000")
	// 16 byte control packets
	h.exchange("40011900031e030008000102038081828302d002" + "10" + "020004881001a0")
	h.exchange("41000100")
	require.Equal(t, []EventKind{EventEnabled}, h.kinds())

	stream := append([]byte{0x00, 0x12}, make([]byte, 0x12)...)
	require.NoError(t, h.c.SetConfig(stream))
	n := len(h.tr.written)
	h.c.step()
	require.Len(t, h.tr.written, n+2)
	assert.Equal(t, []byte{0x30, 0x02, 0x10, 0x01}, h.tr.written[n][:4])
	assert.Equal(t, []byte{0x20, 0x02, 0x05}, h.tr.written[n+1][:headerLen])

	h.tr.rx = append(h.tr.rx, mustHex(t, "4002020000"))
	h.c.step()
	assert.Equal(t, EventSetConfigRsp, h.events[len(h.events)-1].Kind)
}

func TestNFCEEDiscovery(t *testing.T) {
	h := newCtrlHarness(t, Options{})
	require.NoError(t, h.c.DiscoverNFCEE())

	assert.Equal(t, mustHex(t, "22000101"), h.exchange("4200020001"))
	h.tr.rx = append(h.tr.rx, mustHex(t, "620005"+"0200018000"))
	h.c.step()

	require.Equal(t, []EventKind{EventNFCEEDiscoverRsp, EventNFCEEDiscoverNtf}, h.kinds())
	assert.Equal(t, nfc.StatusOK, h.events[0].Status)
	assert.Equal(t, 1, h.events[0].NumNFCEE)
	require.NotNil(t, h.events[1].NFCEE)
	assert.Equal(t, nfc.HostID(0x02), h.events[1].NFCEE.ID)
	assert.Equal(t, NFCEEEnabled, h.events[1].NFCEE.Status)
	assert.Equal(t, []uint8{0x80}, h.events[1].NFCEE.Protocols)
}
