package nci

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/librescoot/nfa/internal/nfc"
)

const (
	// DefaultCmdTimeout is how long a command may stay unanswered
	DefaultCmdTimeout = 2 * time.Second

	// DefaultPollInterval bounds how long the reader waits for a frame
	// before it looks at the command queue again
	DefaultPollInterval = 20 * time.Millisecond
)

// Options tune the controller
type Options struct {
	CmdTimeout   time.Duration
	PollInterval time.Duration
	Mappings     []Mapping

	// NXP sends the PN7150 proprietary activation and power mode commands
	// during initialization
	NXP     bool
	Standby bool

	Recorder *Recorder
}

type initStep uint8

const (
	stepNone initStep = iota
	stepReset
	stepInit
	stepPropAct
	stepPowerMode
	stepMap
)

type opKind uint8

const (
	opCommand opKind = iota
	opPower
	opData
	opDisable
)

type op struct {
	kind    opKind
	cmd     command
	step    initStep
	restart bool
	on      bool
	notify  EventKind
	connID  uint8
	data    []byte
}

// Controller drives an NCI controller over a Transport. Commands are
// queued and sent one at a time; the next one goes out when the response
// to the previous one arrived or timed out. Responses and notifications
// are decoded into Events and handed to the sink.
type Controller struct {
	t     Transport
	sink  Sink
	clock nfc.Clock
	log   nfc.LogCallback
	opts  Options

	mu      sync.Mutex
	ops     []op
	pending *op
	sentAt  time.Time
	info    Info
	// maxData is the data packet payload limit of the active RF interface
	maxData int

	// rx is only used by the reader
	rx Reassembler
}

// NewController creates a controller. Run must be started before any
// command makes progress.
func NewController(t Transport, sink Sink, clock nfc.Clock, opts Options, log nfc.LogCallback) *Controller {
	if opts.CmdTimeout <= 0 {
		opts.CmdTimeout = DefaultCmdTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Mappings == nil {
		opts.Mappings = DefaultMappings
	}
	if clock == nil {
		clock = nfc.NewRealClock()
	}
	return &Controller{t: t, sink: sink, clock: clock, log: log, opts: opts}
}

// Run reads and dispatches frames until ctx is done
func (c *Controller) Run(ctx context.Context) error {
	c.log.Logf(nfc.LogLevelDebug, "nci: reader started")
	defer c.log.Logf(nfc.LogLevelDebug, "nci: reader stopped")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if !c.step() {
			// back off after a transport failure
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.opts.PollInterval):
			}
		}
	}
}

// step runs one reader iteration. It returns false after a transport
// error.
func (c *Controller) step() bool {
	events := c.dispatch()
	ok := true

	frame, err := c.t.Read(c.opts.PollInterval)
	switch {
	case err != nil:
		c.log.Logf(nfc.LogLevelError, "nci: read: %v", err)
		events = append(events, Event{Kind: EventTransportError, Status: nfc.StatusFailed, Err: err})
		ok = false
	case frame != nil:
		c.trace(DirRX, frame)
		events = append(events, c.handleFrame(frame)...)
	}

	events = append(events, c.checkTimeout()...)
	for _, ev := range events {
		if c.sink != nil {
			c.sink(ev)
		}
	}
	return ok
}

func (c *Controller) trace(dir Direction, frame []byte) {
	c.log.Logf(nfc.LogLevelDebug, "NCI %s: % X", dir, frame)
	if err := c.opts.Recorder.Record(dir, frame); err != nil {
		c.log.Logf(nfc.LogLevelWarning, "nci: %v", err)
	}
}

func (c *Controller) enqueue(ops ...op) {
	c.mu.Lock()
	c.ops = append(c.ops, ops...)
	c.mu.Unlock()
}

func (c *Controller) enqueueCmd(cmd command, err error) error {
	if err != nil {
		return err
	}
	c.enqueue(op{kind: opCommand, cmd: cmd})
	return nil
}

// dispatch works through the queue until a command is in flight
func (c *Controller) dispatch() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	var events []Event
	for len(c.ops) > 0 && c.pending == nil {
		o := c.ops[0]
		c.ops = c.ops[1:]

		switch o.kind {
		case opCommand:
			if err := c.write(o.cmd.packets(int(c.info.MaxCtrlPayload))); err != nil {
				c.log.Logf(nfc.LogLevelError, "nci: write: %v", err)
				events = append(events, Event{Kind: EventTransportError, Status: nfc.StatusFailed, Err: err})
				if o.step != stepNone {
					events = append(events, c.abortInit(o.restart, nfc.StatusFailed))
				}
				continue
			}
			p := o
			c.pending = &p
			c.sentAt = c.clock.Now()

		case opData:
			// TODO: hold segments back while CORE_CONN_CREDITS_NTF has
			// granted no credits
			frames, err := Segment(MsgData, o.connID, 0, o.data, c.maxData)
			if err == nil {
				err = c.write(frames)
			}
			if err != nil {
				events = append(events, Event{Kind: EventTransportError, Status: nfc.StatusFailed, Err: err})
			}

		case opPower:
			if err := c.t.SetPower(o.on); err != nil {
				c.log.Logf(nfc.LogLevelWarning, "nci: power %v: %v", o.on, err)
			}
			if !o.on {
				events = append(events, Event{Kind: o.notify, Status: nfc.StatusOK})
			}

		case opDisable:
			c.ops = nil
			if err := c.t.SetPower(false); err != nil {
				c.log.Logf(nfc.LogLevelWarning, "nci: power off: %v", err)
			}
			events = append(events, Event{Kind: EventDisabled, Status: nfc.StatusOK})
		}
	}
	return events
}

// write sends the packets of one message. Caller holds mu.
func (c *Controller) write(frames [][]byte) error {
	for _, f := range frames {
		c.trace(DirTX, f)
		if err := c.t.Write(f); err != nil {
			return err
		}
	}
	return nil
}

// abortInit drops the remaining initialization steps. Caller holds mu.
func (c *Controller) abortInit(restart bool, status nfc.Status) Event {
	kept := c.ops[:0]
	for _, o := range c.ops {
		if o.step == stepNone {
			kept = append(kept, o)
		}
	}
	c.ops = kept
	return c.initDone(restart, status)
}

func (c *Controller) initDone(restart bool, status nfc.Status) Event {
	ev := Event{Kind: EventEnabled, Status: status}
	if restart {
		ev.Kind = EventRestarted
	}
	if status == nfc.StatusOK {
		info := c.info
		ev.Info = &info
	}
	return ev
}

func (c *Controller) checkTimeout() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending == nil || c.clock.Now().Sub(c.sentAt) < c.opts.CmdTimeout {
		return nil
	}
	o := *c.pending
	c.pending = nil
	c.log.Logf(nfc.LogLevelError, "nci: no response to %04X", o.cmd.id)
	if o.step != stepNone {
		return []Event{c.abortInit(o.restart, nfc.StatusTimeout)}
	}
	return []Event{{
		Kind:   EventTimeout,
		Status: nfc.StatusTimeout,
		Err:    nfc.NewTimeoutError(fmt.Sprintf("no response to command %04X", o.cmd.id)),
	}}
}

func (c *Controller) handleFrame(frame []byte) []Event {
	p, err := Decode(frame)
	if err != nil {
		c.log.Logf(nfc.LogLevelWarning, "nci: %v", err)
		return nil
	}
	p, done, err := c.rx.Add(p)
	if err != nil {
		c.log.Logf(nfc.LogLevelWarning, "nci: %v", err)
		return nil
	}
	if !done {
		return nil
	}

	switch p.MT {
	case MsgResponse:
		return c.handleResponse(p)
	case MsgNotification:
		return c.handleNotification(p)
	case MsgData:
		return []Event{{Kind: EventData, Status: nfc.StatusOK, ConnID: p.GID, Data: p.Payload}}
	default:
		c.log.Logf(nfc.LogLevelWarning, "nci: unexpected %s", p.Header)
		return nil
	}
}

func (c *Controller) handleResponse(p Packet) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending == nil || c.pending.cmd.id != p.ID() {
		c.log.Logf(nfc.LogLevelWarning, "nci: unsolicited %s", p.Header)
		return nil
	}
	o := *c.pending
	c.pending = nil

	if o.step != stepNone {
		if ev, done := c.initResponse(o, p); done {
			return []Event{ev}
		}
		return nil
	}

	status := p.Status()
	switch p.ID() {
	case uint16(GroupRF)<<8 | uint16(OIDRFDiscover):
		return []Event{{Kind: EventDiscoverRsp, Status: status}}
	case uint16(GroupRF)<<8 | uint16(OIDRFDiscoverSelect):
		return []Event{{Kind: EventSelectRsp, Status: status}}
	case uint16(GroupRF)<<8 | uint16(OIDRFDeactivate):
		d, _ := parseDeactivate(p.Payload, false)
		return []Event{{Kind: EventDeactivateRsp, Status: status, Deactivation: d}}
	case uint16(GroupRF)<<8 | uint16(OIDRFSetRouting):
		return []Event{{Kind: EventSetRoutingRsp, Status: status}}
	case uint16(GroupCore)<<8 | uint16(OIDCoreSetConfig):
		return []Event{{Kind: EventSetConfigRsp, Status: status, ParamIDs: parseSetConfigRsp(p.Payload)}}
	case uint16(GroupCore)<<8 | uint16(OIDCoreGetConfig):
		return []Event{{Kind: EventGetConfigRsp, Status: status, TLVs: parseGetConfigRsp(p.Payload)}}
	case uint16(GroupEE)<<8 | uint16(OIDNFCEEDiscover):
		var n int
		if len(p.Payload) > 1 {
			n = int(p.Payload[1])
		}
		return []Event{{Kind: EventNFCEEDiscoverRsp, Status: status, NumNFCEE: n}}
	default:
		if status != nfc.StatusOK {
			c.log.Logf(nfc.LogLevelWarning, "nci: %s failed: %s", p.Header, status)
		}
		return nil
	}
}

// initResponse advances the initialization sequence. Caller holds mu.
func (c *Controller) initResponse(o op, p Packet) (Event, bool) {
	if status := p.Status(); status != nfc.StatusOK {
		c.log.Logf(nfc.LogLevelError, "nci: init step %d failed: %s", o.step, status)
		return c.abortInit(o.restart, status), true
	}

	switch o.step {
	case stepReset:
		if len(p.Payload) >= 2 {
			c.log.Logf(nfc.LogLevelInfo, "NCI version %d.%d", p.Payload[1]>>4, p.Payload[1]&0x0F)
		}
	case stepInit:
		info, err := parseInitRsp(p.Payload)
		if err != nil {
			c.log.Logf(nfc.LogLevelError, "nci: %v", err)
			return c.abortInit(o.restart, nfc.StatusFailed), true
		}
		c.info = info
		fwMajor, fwMinor := info.FirmwareVersion()
		c.log.Logf(nfc.LogLevelInfo, "Reader info: hw_version: %d, rom_version: %d, fw_version: %d.%d, max routing table: %d",
			info.HardwareVersion(), info.ROMVersion(), fwMajor, fwMinor, info.MaxRoutingTableSize)
	case stepMap:
		return c.initDone(o.restart, nfc.StatusOK), true
	}
	return Event{}, false
}

func (c *Controller) handleNotification(p Packet) []Event {
	switch p.ID() {
	case uint16(GroupRF)<<8 | uint16(OIDRFDiscover):
		r, err := parseDiscoverNtf(p.Payload)
		if err != nil {
			c.log.Logf(nfc.LogLevelWarning, "nci: %v", err)
			return nil
		}
		return []Event{{Kind: EventDiscoverNtf, Status: nfc.StatusOK, Result: r}}

	case uint16(GroupRF)<<8 | uint16(OIDRFIntfActivated):
		a, err := parseIntfActivatedNtf(p.Payload)
		if err != nil {
			c.log.Logf(nfc.LogLevelWarning, "nci: %v", err)
			return nil
		}
		c.mu.Lock()
		c.maxData = int(p.Payload[4])
		c.mu.Unlock()
		return []Event{{Kind: EventIntfActivatedNtf, Status: nfc.StatusOK, Activation: a}}

	case uint16(GroupRF)<<8 | uint16(OIDRFDeactivate):
		d, err := parseDeactivate(p.Payload, true)
		if err != nil {
			c.log.Logf(nfc.LogLevelWarning, "nci: %v", err)
			return nil
		}
		return []Event{{Kind: EventDeactivateNtf, Status: nfc.StatusOK, Deactivation: d}}

	case uint16(GroupRF)<<8 | uint16(OIDRFFieldInfo):
		on := len(p.Payload) > 0 && p.Payload[0]&0x01 != 0
		return []Event{{Kind: EventRFField, Status: nfc.StatusOK, FieldOn: on}}

	case uint16(GroupCore)<<8 | uint16(OIDCoreIntfError):
		return []Event{{Kind: EventIntfErrorNtf, Status: payloadStatus(p.Payload)}}

	case uint16(GroupCore)<<8 | uint16(OIDCoreGenericError):
		return []Event{{Kind: EventGenericError, Status: payloadStatus(p.Payload)}}

	case uint16(GroupCore)<<8 | uint16(OIDCoreReset):
		c.log.Logf(nfc.LogLevelError, "Unexpected reset notification: % X", p.Payload)
		return []Event{{
			Kind:   EventTransportError,
			Status: nfc.StatusFailed,
			Err:    nfc.NewUnexpectedResetError("unexpected NFC controller reset"),
		}}

	case uint16(GroupCore)<<8 | uint16(OIDCoreConnCredits):
		return nil

	case uint16(GroupEE)<<8 | uint16(OIDNFCEEDiscover):
		info, err := parseNFCEEDiscoverNtf(p.Payload)
		if err != nil {
			c.log.Logf(nfc.LogLevelWarning, "nci: %v", err)
			return nil
		}
		return []Event{{Kind: EventNFCEEDiscoverNtf, Status: nfc.StatusOK, NFCEE: info}}

	default:
		c.log.Logf(nfc.LogLevelDebug, "nci: ignoring %s", p.Header)
		return nil
	}
}

func payloadStatus(p []byte) nfc.Status {
	if len(p) == 0 {
		return nfc.StatusFailed
	}
	return nfc.Status(p[0])
}

func (c *Controller) initOps(restart bool) ([]op, error) {
	type stepCmd struct {
		step initStep
		build func() (command, error)
	}
	steps := []stepCmd{
		{stepReset, func() (command, error) { return cmdCoreReset(true) }},
		{stepInit, cmdCoreInit},
	}
	if c.opts.NXP {
		steps = append(steps,
			stepCmd{stepPropAct, cmdPropAct},
			stepCmd{stepPowerMode, func() (command, error) { return cmdPropPowerMode(c.opts.Standby) }},
		)
	}
	steps = append(steps, stepCmd{stepMap, func() (command, error) { return cmdDiscoverMap(c.opts.Mappings) }})

	ops := []op{{kind: opPower, on: true}}
	for _, s := range steps {
		cmd, err := s.build()
		if err != nil {
			return nil, err
		}
		ops = append(ops, op{kind: opCommand, cmd: cmd, step: s.step, restart: restart})
	}
	return ops, nil
}

// Enable powers the controller up and initializes it. EventEnabled
// reports the outcome.
func (c *Controller) Enable() error {
	ops, err := c.initOps(false)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.maxData = 0
	c.mu.Unlock()
	c.enqueue(ops...)
	return nil
}

// Disable drops queued commands and powers the controller down.
// EventDisabled follows once the command in flight completed.
func (c *Controller) Disable() error {
	c.enqueue(op{kind: opDisable})
	return nil
}

// SetPowerOffSleep enters or leaves power off sleep. Leaving it
// reinitializes the controller and reports EventRestarted.
func (c *Controller) SetPowerOffSleep(sleep bool) error {
	if sleep {
		c.enqueue(op{kind: opPower, on: false, notify: EventPowerOff})
		return nil
	}
	ops, err := c.initOps(true)
	if err != nil {
		return err
	}
	c.enqueue(ops...)
	return nil
}

// DiscoveryStart sends RF_DISCOVER_CMD
func (c *Controller) DiscoveryStart(params []nfc.DiscoverParam) error {
	return c.enqueueCmd(cmdDiscover(params))
}

// DiscoverySelect sends RF_DISCOVER_SELECT_CMD
func (c *Controller) DiscoverySelect(rfDiscID uint8, protocol nfc.Protocol, iface nfc.Interface) error {
	return c.enqueueCmd(cmdDiscoverSelect(rfDiscID, protocol, iface))
}

// Deactivate sends RF_DEACTIVATE_CMD
func (c *Controller) Deactivate(t nfc.DeactType) error {
	return c.enqueueCmd(cmdDeactivate(t))
}

// SetRouting sends one RF_SET_LISTEN_MODE_ROUTING_CMD block
func (c *Controller) SetRouting(more bool, numTLV int, tlvs []byte) error {
	return c.enqueueCmd(cmdSetRouting(more, numTLV, tlvs))
}

// SetConfig sends CORE_SET_CONFIG_CMD with the given TLV stream
func (c *Controller) SetConfig(tlvs []byte) error {
	return c.enqueueCmd(cmdSetConfig(tlvs))
}

// GetConfig sends CORE_GET_CONFIG_CMD
func (c *Controller) GetConfig(ids []uint8) error {
	return c.enqueueCmd(cmdGetConfig(ids))
}

// SendData sends data on a logical connection, segmented to the packet
// size the active RF interface reported
func (c *Controller) SendData(connID uint8, data []byte) error {
	if len(data) > MaxMessageLen {
		return nfc.NewInvalidParamError(fmt.Sprintf("data of %d bytes", len(data)))
	}
	c.enqueue(op{kind: opData, connID: connID, data: append([]byte(nil), data...)})
	return nil
}

// DiscoverNFCEE sends NFCEE_DISCOVER_CMD. The response reports how many
// NFCEEs follow as EventNFCEEDiscoverNtf.
func (c *Controller) DiscoverNFCEE() error {
	return c.enqueueCmd(cmdNFCEEDiscover(true))
}

// Info returns the controller description of the last initialization
func (c *Controller) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

// Close releases the transport
func (c *Controller) Close() error {
	return c.t.Close()
}
