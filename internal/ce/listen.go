// Package ce keeps the card-emulation listen registrations of the device
// host and the NFCEEs and dispatches listen-mode activations to them.
package ce

import (
	"fmt"

	"github.com/librescoot/nfa/internal/disc"
	"github.com/librescoot/nfa/internal/nfc"
)

// Handle identifies a listen registration
type Handle uint8

const (
	// HandleNDEF is the local NDEF tag
	HandleNDEF Handle = 0

	// InvalidHandle is reported when a registration failed
	InvalidHandle Handle = 0xFF

	// NumEntries is the size of the listen table, local NDEF tag included
	NumEntries = 5
)

// SystemCodeNDEF is the Type 3 Tag system code of the local NDEF tag
const SystemCodeNDEF uint16 = 0x12FC

// EntryType tells what a listen registration is for
type EntryType int

const (
	TypeNone EntryType = iota
	TypeNDEF
	TypeT4TAID
	TypeFelica
	TypeUICC
)

func (t EntryType) String() string {
	switch t {
	case TypeNone:
		return "none"
	case TypeNDEF:
		return "ndef"
	case TypeT4TAID:
		return "t4t-aid"
	case TypeFelica:
		return "felica"
	case TypeUICC:
		return "uicc"
	default:
		return fmt.Sprintf("EntryType(%d)", int(t))
	}
}

// EventKind identifies a card-emulation event
type EventKind int

const (
	EventLocalTagConfigured EventKind = iota
	EventUICCListenConfigured
	EventRegistered
	EventDeregistered
	EventActivated
	EventDeactivated
	EventData
)

func (k EventKind) String() string {
	switch k {
	case EventLocalTagConfigured:
		return "LOCAL_TAG_CONFIGURED"
	case EventUICCListenConfigured:
		return "UICC_LISTEN_CONFIGURED"
	case EventRegistered:
		return "REGISTERED"
	case EventDeregistered:
		return "DEREGISTERED"
	case EventActivated:
		return "ACTIVATED"
	case EventDeactivated:
		return "DEACTIVATED"
	case EventData:
		return "DATA"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is delivered to the listener of a registration
type Event struct {
	Kind   EventKind
	Status nfc.Status
	Handle Handle

	Activation *nfc.ActivateParams
	DeactType  nfc.DeactType
	Data       []byte
}

// Listener receives card-emulation events
type Listener interface {
	OnCEEvent(ev Event)
}

// Discovery is the part of the discovery machine card emulation drives
type Discovery interface {
	Add(mask disc.DiscMask, host nfc.HostID, l disc.Listener) (disc.Handle, error)
	Delete(h disc.Handle)
	Deactivate(t nfc.DeactType) nfc.Status
}

// EEState reports whether an NFCEE is active
type EEState interface {
	IsActive(id nfc.HostID) bool
}

type listenEntry struct {
	typ       EntryType
	protocols nfc.ProtocolMask
	discH     disc.Handle
	listener  Listener

	// T3T
	systemCode uint16
	nfcid2     [nfc.NFCID2Len]byte

	// T4T
	aidHandle AIDHandle
	// activatePending is set until the reader selects the entry's AID
	activatePending bool

	// UICC
	ee        nfc.HostID
	techs     nfc.TechMask
	listening disc.DiscMask
}

func (e *listenEntry) inUse() bool {
	return e.typ != TypeNone
}

// Manager owns the listen table. It is not safe for concurrent use.
type Manager struct {
	disc   Discovery
	config disc.ConfigSink
	ee     EEState
	// owner receives the events of the local NDEF tag and the UICC
	// registrations
	owner Listener
	log   nfc.LogCallback

	entries [NumEntries]listenEntry
	aids    aidTable

	isodepMask disc.DiscMask

	ndef         []byte
	ndefMaxSize  int
	ndefReadOnly bool

	// listenActive is set from activation until deactivation to idle
	listenActive bool
	appDeact     bool
	curActive    Handle
	wildcard     Handle
	activation   *nfc.ActivateParams
}

// New creates a manager with an empty listen table. ee may be nil when no
// NFCEE is managed.
func New(d Discovery, config disc.ConfigSink, ee EEState, owner Listener, log nfc.LogCallback) *Manager {
	m := &Manager{
		disc:       d,
		config:     config,
		ee:         ee,
		owner:      owner,
		log:        log,
		isodepMask: disc.MaskLAISODEP | disc.MaskLBISODEP,
		curActive:  InvalidHandle,
		wildcard:   InvalidHandle,
	}
	for i := range m.entries {
		m.entries[i].discH = disc.InvalidHandle
	}
	m.entries[HandleNDEF].nfcid2 = RandomNFCID2()
	return m
}

// Type returns the type of a registration
func (m *Manager) Type(h Handle) EntryType {
	if int(h) >= NumEntries {
		return TypeNone
	}
	return m.entries[h].typ
}

// Active returns the registration owning the current listen activation
func (m *Manager) Active() Handle {
	return m.curActive
}

// NDEF returns the message served by the local tag
func (m *Manager) NDEF() []byte {
	return m.ndef
}

// SetISODEPTech selects the technologies ISO-DEP listens on. Registrations
// already listening keep their mask until they restart.
func (m *Manager) SetISODEPTech(techs nfc.TechMask) {
	m.isodepMask = 0
	if techs&nfc.TechA != 0 {
		m.isodepMask |= disc.MaskLAISODEP
	}
	if techs&nfc.TechB != 0 {
		m.isodepMask |= disc.MaskLBISODEP
	}
}

// ConfigureLocalTag sets up the local NDEF tag. Zero protocols disables
// it, deactivating first when a reader is talking to it.
func (m *Manager) ConfigureLocalTag(protocols nfc.ProtocolMask, ndef []byte, maxSize int, readOnly bool) error {
	if protocols == 0 {
		return m.disableLocalTag()
	}

	const tagProtocols = nfc.ProtoMaskT3T | nfc.ProtoMaskISODEP
	e := &m.entries[HandleNDEF]
	if protocols&tagProtocols == 0 {
		err := nfc.NewInvalidParamError(fmt.Sprintf("ce: local tag protocols 0x%02x", uint8(protocols)))
		m.notify(m.owner, Event{Kind: EventLocalTagConfigured, Status: nfc.StatusOf(err), Handle: HandleNDEF})
		return err
	}
	if maxSize < len(ndef) {
		maxSize = len(ndef)
	}

	if e.inUse() && e.discH != disc.InvalidHandle && e.protocols&tagProtocols != protocols&tagProtocols {
		// listening for other protocols now
		m.disc.Delete(e.discH)
		e.discH = disc.InvalidHandle
	}

	m.ndef = append([]byte(nil), ndef...)
	m.ndefMaxSize = maxSize
	m.ndefReadOnly = readOnly

	e.typ = TypeNDEF
	e.protocols = protocols
	e.listener = m.owner
	e.systemCode = SystemCodeNDEF

	err := m.StartListening()
	m.notify(m.owner, Event{Kind: EventLocalTagConfigured, Status: nfc.StatusOf(err), Handle: HandleNDEF})
	return err
}

func (m *Manager) disableLocalTag() error {
	e := &m.entries[HandleNDEF]
	if !e.inUse() {
		m.notify(m.owner, Event{Kind: EventLocalTagConfigured, Status: nfc.StatusOK, Handle: HandleNDEF})
		return nil
	}
	m.stopEntry(HandleNDEF)
	return nil
}

// RegisterFelica listens for a Felica system code on NFC-F
func (m *Manager) RegisterFelica(systemCode uint16, nfcid2 [nfc.NFCID2Len]byte, l Listener) (Handle, error) {
	h, err := m.alloc(TypeFelica, 0)
	if err != nil {
		m.notify(l, Event{Kind: EventRegistered, Status: nfc.StatusOf(err), Handle: InvalidHandle})
		return InvalidHandle, err
	}

	e := &m.entries[h]
	e.protocols = nfc.ProtoMaskT3T
	e.listener = l
	e.systemCode = systemCode
	e.nfcid2 = nfcid2

	return m.startRegistration(h)
}

// RegisterT4TAID listens for an ISO-DEP reader selecting aid. An empty AID
// registers the wildcard that takes every AID nobody else claimed.
func (m *Manager) RegisterT4TAID(aid []byte, l Listener) (Handle, error) {
	h, err := m.alloc(TypeT4TAID, 0)
	if err != nil {
		m.notify(l, Event{Kind: EventRegistered, Status: nfc.StatusOf(err), Handle: InvalidHandle})
		return InvalidHandle, err
	}

	ah, err := m.aids.register(aid)
	if err != nil {
		m.entries[h] = listenEntry{discH: disc.InvalidHandle}
		m.notify(l, Event{Kind: EventRegistered, Status: nfc.StatusOf(err), Handle: InvalidHandle})
		return InvalidHandle, err
	}

	e := &m.entries[h]
	e.protocols = nfc.ProtoMaskISODEP
	e.listener = l
	e.aidHandle = ah
	if ah == WildcardAID {
		m.wildcard = h
	}

	return m.startRegistration(h)
}

// RegisterUICC listens on techs on behalf of an NFCEE
func (m *Manager) RegisterUICC(ee nfc.HostID, techs nfc.TechMask) (Handle, error) {
	h, err := m.alloc(TypeUICC, ee)
	if err != nil {
		m.notify(m.owner, Event{Kind: EventUICCListenConfigured, Status: nfc.StatusOf(err), Handle: InvalidHandle})
		return InvalidHandle, err
	}

	e := &m.entries[h]
	e.listener = m.owner
	e.ee = ee
	e.techs = techs

	return m.startRegistration(h)
}

// alloc takes the first free entry after the local tag
func (m *Manager) alloc(typ EntryType, ee nfc.HostID) (Handle, error) {
	free := InvalidHandle
	for i := 1; i < NumEntries; i++ {
		e := &m.entries[i]
		if typ == TypeUICC && e.typ == TypeUICC && e.ee == ee {
			return InvalidHandle, nfc.NewControllerError(fmt.Sprintf("ce: NFCEE 0x%02x already listening", uint8(ee)), nfc.StatusFailed)
		}
		if !e.inUse() && free == InvalidHandle {
			free = Handle(i)
		}
	}
	if free == InvalidHandle {
		return InvalidHandle, nfc.NewControllerError("ce: listen table full", nfc.StatusFailed)
	}

	m.entries[free] = listenEntry{typ: typ, discH: disc.InvalidHandle}
	return free, nil
}

// startRegistration starts listening for a new entry and reports the
// outcome. A failed start frees the entry.
func (m *Manager) startRegistration(h Handle) (Handle, error) {
	e := &m.entries[h]
	l := e.listener
	kind := EventRegistered
	if e.typ == TypeUICC {
		kind = EventUICCListenConfigured
	}

	if err := m.StartListening(); err != nil {
		m.log.Logf(nfc.LogLevelWarning, "ce: start listening for %s entry %d: %v", e.typ, h, err)
		m.release(h)
		m.notify(l, Event{Kind: kind, Status: nfc.StatusOf(err), Handle: InvalidHandle})
		return InvalidHandle, err
	}

	m.notify(l, Event{Kind: kind, Status: nfc.StatusOK, Handle: h})
	return h, nil
}

// Deregister removes a local tag, Felica or T4T registration. A
// registration a reader is talking to goes away after the deactivation.
func (m *Manager) Deregister(h Handle) error {
	if m.wildcard == h {
		m.wildcard = InvalidHandle
	}
	if int(h) >= NumEntries || !m.entries[h].inUse() {
		err := nfc.NewInvalidParamError(fmt.Sprintf("ce: handle %d not registered", h))
		m.notify(m.owner, Event{Kind: EventDeregistered, Status: nfc.StatusOf(err), Handle: h})
		return err
	}
	m.stopEntry(h)
	return nil
}

// DeregisterUICC removes the listen registration of an NFCEE
func (m *Manager) DeregisterUICC(ee nfc.HostID) error {
	for i := range m.entries {
		e := &m.entries[i]
		if e.typ == TypeUICC && e.ee == ee {
			m.stopEntry(Handle(i))
			return nil
		}
	}
	err := nfc.NewInvalidParamError(fmt.Sprintf("ce: NFCEE 0x%02x not listening", uint8(ee)))
	m.notify(m.owner, Event{Kind: EventUICCListenConfigured, Status: nfc.StatusOf(err), Handle: InvalidHandle})
	return err
}

// stopEntry removes an entry now, or deactivates first when it owns the
// current activation
func (m *Manager) stopEntry(h Handle) {
	if m.listenActive && m.curActive == h {
		m.appDeact = true
		if status := m.disc.Deactivate(nfc.DeactIdle); status != nfc.StatusOK {
			m.log.Logf(nfc.LogLevelWarning, "ce: deactivate for deregistration: %s", status)
		}
		return
	}
	m.remove(h, true)
}

// remove drops an entry and its discovery registration
func (m *Manager) remove(h Handle, notify bool) {
	e := &m.entries[h]
	if notify {
		switch {
		case h == HandleNDEF:
			m.notify(e.listener, Event{Kind: EventLocalTagConfigured, Status: nfc.StatusOK, Handle: h})
		case e.typ == TypeUICC:
			m.notify(e.listener, Event{Kind: EventUICCListenConfigured, Status: nfc.StatusOK, Handle: h})
		default:
			m.notify(e.listener, Event{Kind: EventDeregistered, Status: nfc.StatusOK, Handle: h})
		}
	}
	m.release(h)
}

func (m *Manager) release(h Handle) {
	e := &m.entries[h]
	t3t := e.protocols&nfc.ProtoMaskT3T != 0

	switch {
	case h == HandleNDEF:
		m.ndef = nil
		m.ndefMaxSize = 0
	case e.typ == TypeT4TAID:
		m.aids.deregister(e.aidHandle)
		if m.wildcard == h {
			m.wildcard = InvalidHandle
		}
	}

	if e.discH != disc.InvalidHandle {
		m.disc.Delete(e.discH)
	}

	nfcid2 := e.nfcid2
	*e = listenEntry{discH: disc.InvalidHandle}
	if h == HandleNDEF {
		e.nfcid2 = nfcid2
	}

	if t3t {
		m.pushT3TParams()
	}
}

// StartListening adds a discovery registration for every entry not yet
// listening
func (m *Manager) StartListening() error {
	ndef := &m.entries[HandleNDEF]
	if ndef.inUse() && ndef.discH == disc.InvalidHandle {
		var mask disc.DiscMask
		if ndef.protocols&nfc.ProtoMaskT3T != 0 {
			mask |= disc.MaskLFT3T
		}
		if ndef.protocols&nfc.ProtoMaskISODEP != 0 {
			mask |= m.isodepMask
		}
		if mask != 0 {
			h, err := m.disc.Add(mask, nfc.HostDH, m)
			if err != nil {
				return err
			}
			ndef.discH = h
		}
	}

	if m.listensT3T() {
		m.pushT3TParams()
	}

	for i := 1; i < NumEntries; i++ {
		e := &m.entries[i]
		if !e.inUse() || e.discH != disc.InvalidHandle {
			continue
		}

		var mask disc.DiscMask
		host := nfc.HostDH
		switch e.typ {
		case TypeFelica:
			mask = disc.MaskLFT3T
		case TypeT4TAID:
			mask = m.isodepMask
		case TypeUICC:
			if m.ee == nil || !m.ee.IsActive(e.ee) {
				return nfc.NewControllerError(fmt.Sprintf("ce: NFCEE 0x%02x is not active", uint8(e.ee)), nfc.StatusFailed)
			}
			mask = uiccListenMask(e.techs)
			host = e.ee
			if mask == 0 {
				return nfc.NewInvalidParamError(fmt.Sprintf("ce: NFCEE 0x%02x listens on no technology", uint8(e.ee)))
			}
		}

		h, err := m.disc.Add(mask, host, m)
		if err != nil {
			return err
		}
		e.discH = h
		e.listening = mask
	}
	return nil
}

// RestartListenCheck restarts listening when any registration remains. It
// reports whether one did.
func (m *Manager) RestartListenCheck() bool {
	for i := range m.entries {
		if m.entries[i].inUse() {
			if err := m.StartListening(); err != nil {
				m.log.Logf(nfc.LogLevelWarning, "ce: restart listening: %v", err)
			}
			return true
		}
	}
	return false
}

func (m *Manager) listensT3T() bool {
	for i := range m.entries {
		if m.entries[i].inUse() && m.entries[i].protocols&nfc.ProtoMaskT3T != 0 {
			return true
		}
	}
	return false
}

func uiccListenMask(techs nfc.TechMask) disc.DiscMask {
	var mask disc.DiscMask
	if techs&nfc.TechA != 0 {
		mask |= disc.MaskLAT1T | disc.MaskLAT2T | disc.MaskLAISODEP | disc.MaskLANFCDEP
	}
	if techs&nfc.TechB != 0 {
		mask |= disc.MaskLBISODEP
	}
	if techs&nfc.TechF != 0 {
		mask |= disc.MaskLFT3T | disc.MaskLFNFCDEP
	}
	if techs&nfc.TechBPrime != 0 {
		mask |= disc.MaskLBPrime
	}
	return mask
}

func (m *Manager) notify(l Listener, ev Event) {
	if l == nil {
		return
	}
	l.OnCEEvent(ev)
}
