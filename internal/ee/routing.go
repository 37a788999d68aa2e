package ee

import (
	"fmt"
	"time"

	"github.com/librescoot/nfa/internal/disc"
	"github.com/librescoot/nfa/internal/nfc"
)

const (
	// DefaultLMRTSize is used until CORE_INIT_RSP reports the controller's
	// listen-mode routing table size
	DefaultLMRTSize = 540

	// DefaultDebounce delays programming so bursts of changes end up in
	// one table
	DefaultDebounce = time.Second

	// DefaultMaxNFCEE is the number of NFCEEs tracked besides the device
	// host
	DefaultMaxNFCEE = 3

	// MaxAIDsPerHost bounds the AIDs routed to one host
	MaxAIDsPerHost = 32

	// MaxAIDConfigLen bounds the stored AID configuration of one host
	MaxAIDConfigLen = 510

	// MaxAIDLen is the longest AID ISO 7816-4 allows
	MaxAIDLen = 16
)

// Sink sends RF_SET_LISTEN_MODE_ROUTING commands. Each successful call is
// answered later through Router.OnSetRoutingRsp.
type Sink interface {
	SetRouting(more bool, numTLV int, tlvs []byte) error
}

// EventKind identifies a routing event
type EventKind int

const (
	EventSetTechCfg EventKind = iota
	EventSetProtoCfg
	EventAddAID
	EventRemoveAID
	EventRemainingSize
	EventUpdated
	EventRoutingError
)

func (k EventKind) String() string {
	switch k {
	case EventSetTechCfg:
		return "SET_TECH_CFG"
	case EventSetProtoCfg:
		return "SET_PROTO_CFG"
	case EventAddAID:
		return "ADD_AID"
	case EventRemoveAID:
		return "REMOVE_AID"
	case EventRemainingSize:
		return "REMAINING_SIZE"
	case EventUpdated:
		return "UPDATED"
	case EventRoutingError:
		return "ROUTING_ERROR"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event reports the outcome of a routing operation
type Event struct {
	Kind   EventKind
	Status nfc.Status
	NFCEE  nfc.HostID
	// Size is the remaining routing table space for EventRemainingSize
	Size int
}

// Listener receives routing events
type Listener interface {
	OnRoutingEvent(ev Event)
}

// Config tunes the router
type Config struct {
	LMRTSize int
	Debounce time.Duration
	MaxNFCEE int

	// SkipNFCDEPRoute leaves out the NFC-DEP route to the device host that
	// is otherwise always programmed
	SkipNFCDEPRoute bool
}

// DefaultConfig returns the defaults
func DefaultConfig() Config {
	return Config{
		LMRTSize: DefaultLMRTSize,
		Debounce: DefaultDebounce,
		MaxNFCEE: DefaultMaxNFCEE,
	}
}

// Router owns the routing configuration of the device host and the NFCEEs.
// It is not safe for concurrent use; the device manager drives it from its
// event loop.
type Router struct {
	sink     Sink
	listener Listener
	log      nfc.LogCallback
	cfg      Config

	// ecbs[0] is the device host
	ecbs  []*ECB
	timer *nfc.Alarm

	enabled       bool
	statusChanged bool
	prevRouting   bool

	updateNow  bool
	waitUpdate bool
	waitRsp    int
	rspStatus  nfc.Status
}

// New creates a router holding only the device host
func New(sink Sink, listener Listener, clock nfc.Clock, cfg Config, log nfc.LogCallback) *Router {
	if cfg.LMRTSize <= 0 {
		cfg.LMRTSize = DefaultLMRTSize
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.MaxNFCEE <= 0 {
		cfg.MaxNFCEE = DefaultMaxNFCEE
	}

	return &Router{
		sink:     sink,
		listener: listener,
		log:      log,
		cfg:      cfg,
		ecbs:     []*ECB{newECB(nfc.HostDH, StatusActive)},
		timer:    nfc.NewAlarm(clock),
	}
}

// Enable allows the router to program the controller. Changes made while
// disabled are kept and programmed on the next update.
func (r *Router) Enable() {
	r.enabled = true
	if r.needsReconfig() {
		r.startTimer()
	}
}

// Disable stops programming and forgets outstanding responses
func (r *Router) Disable() {
	r.enabled = false
	r.timer.Stop()
	r.updateNow = false
	r.waitUpdate = false
	r.waitRsp = 0
	r.rspStatus = nfc.StatusOK
}

// Restore forgets outstanding responses and marks every configured host
// dirty, so the next update reprograms a controller that lost its table
func (r *Router) Restore() {
	r.waitUpdate = false
	r.waitRsp = 0
	r.rspStatus = nfc.StatusOK
	r.prevRouting = false
	for _, e := range r.ecbs {
		if e.configured() {
			e.techDirty = true
			e.protoDirty = true
			e.aidDirty = true
		}
	}
	r.startTimer()
}

// SetLMRTSize sets the routing table size the controller reported
func (r *Router) SetLMRTSize(size int) {
	if size > 0 {
		r.cfg.LMRTSize = size
	}
}

// AddNFCEE registers an NFCEE found by NFCEE_DISCOVER. Adding a known id
// updates its status.
func (r *Router) AddNFCEE(id nfc.HostID, status Status) error {
	if id == nfc.HostDH {
		return nfc.NewInvalidParamError("ee: the device host is always present")
	}
	if r.lookup(id) != nil {
		return r.SetStatus(id, status)
	}
	if len(r.ecbs)-1 >= r.cfg.MaxNFCEE {
		return nfc.NewBufferFullError(fmt.Sprintf("ee: more than %d NFCEEs", r.cfg.MaxNFCEE))
	}
	r.ecbs = append(r.ecbs, newECB(id, status))
	r.log.Logf(nfc.LogLevelDebug, "ee: NFCEE 0x%02x %s", uint8(id), status)
	return nil
}

// SetStatus records a status change of an NFCEE. Activating or
// deactivating a configured NFCEE reprograms the table.
func (r *Router) SetStatus(id nfc.HostID, status Status) error {
	e := r.lookup(id)
	if e == nil || id == nfc.HostDH {
		return nfc.NewInvalidParamError(fmt.Sprintf("ee: unknown NFCEE 0x%02x", uint8(id)))
	}
	if e.Status == status {
		return nil
	}
	r.log.Logf(nfc.LogLevelDebug, "ee: NFCEE 0x%02x %s -> %s", uint8(id), e.Status, status)
	e.Status = status
	if e.configured() {
		r.statusChanged = true
		r.startTimer()
	}
	return nil
}

// ECB returns the control block of a host
func (r *Router) ECB(id nfc.HostID) (*ECB, bool) {
	e := r.lookup(id)
	return e, e != nil
}

// Hosts returns the control blocks, device host first
func (r *Router) Hosts() []*ECB {
	return append([]*ECB(nil), r.ecbs...)
}

// IsActive reports whether a host's routing is programmed
func (r *Router) IsActive(id nfc.HostID) bool {
	e := r.lookup(id)
	return e != nil && e.Active()
}

// SetDefaultTechRouting replaces the technology routing of a host
func (r *Router) SetDefaultTechRouting(id nfc.HostID, routing TechRouting) error {
	err := r.setTechRouting(id, routing)
	r.report(Event{Kind: EventSetTechCfg, Status: nfc.StatusOf(err), NFCEE: id})
	return err
}

func (r *Router) setTechRouting(id nfc.HostID, routing TechRouting) error {
	e := r.lookup(id)
	if e == nil {
		return nfc.NewInvalidParamError(fmt.Sprintf("ee: unknown host 0x%02x", uint8(id)))
	}

	old, oldSize := e.Tech, e.sizeMask
	e.Tech = routing
	e.updateMaskSize()
	if r.usedSize() > r.cfg.LMRTSize {
		e.Tech, e.sizeMask = old, oldSize
		return nfc.NewBufferFullError("ee: technology routing exceeds the routing table")
	}

	e.techDirty = true
	r.startTimer()
	return nil
}

// SetDefaultProtoRouting replaces the protocol routing of a host
func (r *Router) SetDefaultProtoRouting(id nfc.HostID, routing ProtoRouting) error {
	err := r.setProtoRouting(id, routing)
	r.report(Event{Kind: EventSetProtoCfg, Status: nfc.StatusOf(err), NFCEE: id})
	return err
}

func (r *Router) setProtoRouting(id nfc.HostID, routing ProtoRouting) error {
	e := r.lookup(id)
	if e == nil {
		return nfc.NewInvalidParamError(fmt.Sprintf("ee: unknown host 0x%02x", uint8(id)))
	}

	old, oldSize := e.Proto, e.sizeMask
	e.Proto = routing
	e.updateMaskSize()
	if r.usedSize() > r.cfg.LMRTSize {
		e.Proto, e.sizeMask = old, oldSize
		return nfc.NewBufferFullError("ee: protocol routing exceeds the routing table")
	}

	e.protoDirty = true
	r.startTimer()
	return nil
}

// AddAIDRouting routes an AID to a host for the given power states.
// Adding an AID already routed to the host updates its power states.
func (r *Router) AddAIDRouting(id nfc.HostID, aid []byte, power nfc.PowerState) error {
	err := r.addAID(id, aid, power)
	r.report(Event{Kind: EventAddAID, Status: nfc.StatusOf(err), NFCEE: id})
	return err
}

func (r *Router) addAID(id nfc.HostID, aid []byte, power nfc.PowerState) error {
	if len(aid) == 0 || len(aid) > MaxAIDLen {
		return nfc.NewInvalidParamError(fmt.Sprintf("ee: AID length %d", len(aid)))
	}
	e := r.lookup(id)
	if e == nil {
		return nfc.NewInvalidParamError(fmt.Sprintf("ee: unknown host 0x%02x", uint8(id)))
	}

	for _, other := range r.ecbs {
		if other != e && other.findAID(aid) >= 0 {
			return nfc.NewSemanticError(fmt.Sprintf("ee: AID % x is routed to 0x%02x", aid, uint8(other.ID)))
		}
	}

	if i := e.findAID(aid); i >= 0 {
		entry := &e.aids[i]
		oldRoute, oldSize := entry.route, e.sizeAID
		entry.route = true
		e.updateAIDSize()
		if r.usedSize() > r.cfg.LMRTSize {
			entry.route, e.sizeAID = oldRoute, oldSize
			return nfc.NewBufferFullError("ee: AID exceeds the routing table")
		}
		entry.power = uint8(power)
	} else {
		switch {
		case e.aidConfigLen()+2+len(aid) > MaxAIDConfigLen:
			return nfc.NewBufferFullError("ee: AID configuration full")
		case len(e.aids) >= MaxAIDsPerHost:
			return nfc.NewBufferFullError(fmt.Sprintf("ee: more than %d AIDs", MaxAIDsPerHost))
		case r.usedSize()+aidEntryHeader+len(aid) > r.cfg.LMRTSize:
			return nfc.NewBufferFullError("ee: AID exceeds the routing table")
		}
		e.aids = append(e.aids, aidEntry{
			aid:   append([]byte(nil), aid...),
			power: uint8(power),
			route: true,
		})
		e.updateAIDSize()
	}

	e.aidDirty = true
	r.startTimer()
	return nil
}

// RemoveAIDRouting removes an AID from whichever host it is routed to
func (r *Router) RemoveAIDRouting(aid []byte) error {
	err := nfc.NewInvalidParamError(fmt.Sprintf("ee: AID % x is not routed", aid))
	id := nfc.HostDH
	for _, e := range r.ecbs {
		i := e.findAID(aid)
		if i < 0 {
			continue
		}
		e.aids = append(e.aids[:i], e.aids[i+1:]...)
		e.updateAIDSize()
		e.aidDirty = true
		r.startTimer()
		id, err = e.ID, nil
		break
	}
	r.report(Event{Kind: EventRemoveAID, Status: nfc.StatusOf(err), NFCEE: id})
	return err
}

// LMRTSize returns the space left in the routing table
func (r *Router) LMRTSize() int {
	remaining := r.cfg.LMRTSize - r.usedSize()
	r.report(Event{Kind: EventRemainingSize, Status: nfc.StatusOK, Size: remaining})
	return remaining
}

// UpdateNow programs pending changes without waiting for the debounce
// timer. EventUpdated follows once the controller accepted the table.
func (r *Router) UpdateNow() error {
	if r.waitUpdate || r.waitRsp > 0 {
		r.report(Event{Kind: EventUpdated, Status: nfc.StatusSemanticError})
		return nfc.NewSemanticError("ee: routing update in progress")
	}
	r.timer.Stop()
	r.updateNow = true
	r.routeTimeout()
	return nil
}

// OnSetRoutingRsp handles RF_SET_LISTEN_MODE_ROUTING_RSP
func (r *Router) OnSetRoutingRsp(status nfc.Status) {
	if r.waitRsp == 0 {
		r.log.Logf(nfc.LogLevelWarning, "ee: unexpected routing response %s", status)
		return
	}
	r.waitRsp--
	if status != nfc.StatusOK {
		r.log.Logf(nfc.LogLevelError, "ee: routing rejected: %s", status)
		if r.rspStatus == nfc.StatusOK {
			r.rspStatus = status
		}
	}
	if r.waitRsp > 0 {
		return
	}

	status, r.rspStatus = r.rspStatus, nfc.StatusOK
	if r.waitUpdate {
		r.waitUpdate = false
		r.report(Event{Kind: EventUpdated, Status: status})
	}
}

// TechRoute returns the host owning listen-mode RF per technology for a
// power state. Technologies no active NFCEE claims stay on the device
// host; among NFCEEs the first registered wins.
func (r *Router) TechRoute(power nfc.PowerState) disc.ListenRoutes {
	var routes disc.ListenRoutes
	techs := [...]nfc.TechMask{
		disc.RouteA:      nfc.TechA,
		disc.RouteB:      nfc.TechB,
		disc.RouteF:      nfc.TechF,
		disc.RouteBPrime: nfc.TechBPrime,
	}

	for i := len(r.ecbs) - 1; i >= 1; i-- {
		e := r.ecbs[i]
		if e.Status != StatusActive {
			continue
		}
		var mask nfc.TechMask
		switch power {
		case nfc.PowerSwitchOff:
			mask = e.Tech.SwitchOff
		case nfc.PowerBatteryOff:
			mask = e.Tech.BatteryOff
		default:
			mask = e.Tech.SwitchOn
		}
		for slot, t := range techs {
			if mask&t != 0 {
				routes[slot] = e.ID
			}
		}
	}
	return routes
}

func (r *Router) lookup(id nfc.HostID) *ECB {
	for _, e := range r.ecbs {
		if e.ID == id {
			return e
		}
	}
	return nil
}

// usedSize is the encoded size of the table for the active hosts,
// including the NFC-DEP route programmed for the device host
func (r *Router) usedSize() int {
	n := 0
	for _, e := range r.ecbs {
		if e.Active() {
			n += e.sizeMask + e.sizeAID
		}
	}
	if r.forceNFCDEP() && r.ecbs[0].Proto.power(nfc.ProtoMaskNFCDEP) == 0 {
		n += maskEntrySize
	}
	return n
}

// forceNFCDEP reports whether NFC-DEP is routed to the device host
// whatever its protocol routing says
func (r *Router) forceNFCDEP() bool {
	return !r.cfg.SkipNFCDEPRoute
}

func (r *Router) needsReconfig() bool {
	if r.statusChanged {
		return true
	}
	for _, e := range r.ecbs {
		if e.dirty() {
			return true
		}
	}
	return false
}

func (r *Router) startTimer() {
	if !r.enabled {
		return
	}
	r.timer.Start(r.cfg.Debounce, r.routeTimeout)
}

func (r *Router) routeTimeout() {
	var err error
	if r.enabled && r.needsReconfig() {
		err = r.program()
	}
	if !r.updateNow {
		return
	}
	r.updateNow = false
	switch {
	case r.waitRsp > 0:
		r.waitUpdate = true
	case err != nil:
		r.report(Event{Kind: EventUpdated, Status: nfc.StatusOf(err)})
	default:
		r.report(Event{Kind: EventUpdated, Status: nfc.StatusOK})
	}
}

// program sends the table. A table that does not fit the controller is
// refused before any command goes out and the hosts stay dirty, so the
// next change tries again.
func (r *Router) program() error {
	entries := r.build()
	if size := tableSize(entries); size > r.cfg.LMRTSize {
		err := nfc.NewBufferFullError(fmt.Sprintf("ee: routing table of %d bytes exceeds %d", size, r.cfg.LMRTSize))
		r.log.Logf(nfc.LogLevelError, "ee: programming routing table: %v", err)
		r.report(Event{Kind: EventRoutingError, Status: nfc.StatusBufferFull})
		return err
	}
	if len(entries) == 0 && !r.prevRouting {
		// nothing was ever programmed
		r.clean()
		return nil
	}

	tb := newTableBuilder(r.sink)
	var err error
	for _, e := range entries {
		if err = tb.add(e); err != nil {
			break
		}
	}
	if err == nil {
		err = tb.flush(false)
	}
	r.waitRsp += tb.sent
	if err != nil {
		// blocks already sent are answered, but the sequence is not
		// complete and the update fails
		r.log.Logf(nfc.LogLevelError, "ee: programming routing table: %v", err)
		if r.waitRsp > 0 {
			r.rspStatus = nfc.StatusOf(err)
		}
		r.report(Event{Kind: EventRoutingError, Status: nfc.StatusOf(err)})
		return err
	}

	r.prevRouting = len(entries) > 0
	r.clean()
	r.log.Logf(nfc.LogLevelDebug, "ee: routing table %d entries in %d commands", tb.entries, tb.sent)
	return nil
}

func (r *Router) clean() {
	r.statusChanged = false
	for _, e := range r.ecbs {
		e.clean()
	}
}

// build lists every AID first, then the protocol routes and finally the
// technology routes, which the controller matches in that order
func (r *Router) build() []routeEntry {
	var entries []routeEntry
	for _, e := range r.ecbs {
		if !e.Active() {
			continue
		}
		for _, a := range e.aids {
			if a.route {
				entries = append(entries, aidRouteEntry(e.ID, a.power, a.aid))
			}
		}
	}

	for _, e := range r.ecbs {
		if !e.Active() {
			continue
		}
		for _, p := range routedProtos {
			power := e.Proto.power(p.mask)
			if e.ID == nfc.HostDH && p.mask == nfc.ProtoMaskNFCDEP && r.forceNFCDEP() {
				// NFC-DEP always terminates on the device host
				power = powerOn
			}
			if power != 0 {
				entries = append(entries, protoEntry(e.ID, power, p.proto))
			}
		}
	}

	for _, e := range r.ecbs {
		if !e.Active() {
			continue
		}
		for _, t := range routedTechs {
			if power := e.Tech.power(t.mask); power != 0 {
				entries = append(entries, techEntry(e.ID, power, t.rf))
			}
		}
	}
	return entries
}

func (r *Router) report(ev Event) {
	if r.listener != nil {
		r.listener.OnRoutingEvent(ev)
	}
}
