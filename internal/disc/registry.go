package disc

import (
	"fmt"

	"github.com/librescoot/nfa/internal/nfc"
)

// NumEntries is the number of discovery registrations the machine holds
const NumEntries = 8

// Handle identifies a discovery registration
type Handle uint8

// InvalidHandle is returned when no registration applies
const InvalidHandle Handle = 0xFF

// Listener receives the discovery events of one registration
type Listener interface {
	// OnDiscoveryStarted is called once when discovery first starts with
	// the registration's technologies selected
	OnDiscoveryStarted(status nfc.Status)

	// OnActivated is called when the activation was routed to this
	// registration
	OnActivated(act *nfc.ActivateParams)

	// OnDeactivated is called when the activation owned by this
	// registration ends
	OnDeactivated(d nfc.Deactivation)
}

type entry struct {
	inUse     bool
	requested DiscMask
	selected  DiscMask
	host      nfc.HostID
	listener  Listener
	notify    bool
}

// Add registers a discovery request. The requested mask is filtered
// against the other registrations and the listen-mode routing table the
// next time discovery starts.
func (m *Machine) Add(mask DiscMask, host nfc.HostID, l Listener) (Handle, error) {
	for i := range m.entries {
		if m.entries[i].inUse {
			continue
		}
		m.entries[i] = entry{
			inUse:     true,
			requested: mask,
			host:      host,
			listener:  l,
			notify:    true,
		}
		m.log.Logf(nfc.LogLevelDebug, "disc: add handle %d mask %s host 0x%02x", i, mask, host)
		return Handle(i), nil
	}
	return InvalidHandle, nfc.NewBufferFullError(fmt.Sprintf("disc: all %d registrations in use", NumEntries))
}

// Delete removes a registration. It does not restart discovery.
func (m *Machine) Delete(h Handle) {
	if int(h) >= NumEntries {
		m.log.Logf(nfc.LogLevelError, "disc: delete of invalid handle %d", h)
		return
	}
	m.entries[h].inUse = false
	m.entries[h].listener = nil
}

// Requested returns the mask requested by a registration
func (m *Machine) Requested(h Handle) DiscMask {
	if int(h) >= NumEntries || !m.entries[h].inUse {
		return 0
	}
	return m.entries[h].requested
}

// Selected returns the mask granted to a registration by the last start
func (m *Machine) Selected(h Handle) DiscMask {
	if int(h) >= NumEntries || !m.entries[h].inUse {
		return 0
	}
	return m.entries[h].selected
}

// aggregate collects the requested masks of every registration into the
// mask programmed into the controller. Poll technologies go to the first
// registration asking for them, listen technologies only to the host the
// listen-mode routing table names. T1T/T2T win NFC-A listen and only one
// registration may listen NFC-DEP.
func (m *Machine) aggregate() DiscMask {
	var total DiscMask

	for i := range m.entries {
		e := &m.entries[i]
		if !e.inUse {
			continue
		}

		poll := e.requested & MaskPoll
		poll &^= total & MaskPoll

		var listen DiscMask
		if e.host == m.routes[RouteA] {
			listen |= e.requested & (maskListenA | MaskLAANFCDEP)
		} else {
			// ISO-DEP follows AID routing, NFC-DEP follows protocol routing
			listen |= e.requested & (MaskLAISODEP | MaskLANFCDEP | MaskLAANFCDEP)
		}

		// multiple hosts can listen ISO-DEP on NFC-B
		listen |= e.requested & MaskLBISODEP
		listen |= e.requested & (maskListenF | MaskLFANFCDEP)

		if e.host == m.routes[RouteBPrime] {
			listen |= e.requested & MaskLBPrime
		}

		if total&(MaskLAT1T|MaskLAT2T) != 0 {
			listen &^= maskListenA
		}
		if total&(MaskLAISODEP|MaskLANFCDEP) != 0 && listen&(MaskLAT1T|MaskLAT2T) != 0 {
			total &^= MaskLAISODEP | MaskLANFCDEP
		}
		if total&(MaskLANFCDEP|MaskLAANFCDEP) != 0 {
			listen &^= MaskLANFCDEP | MaskLAANFCDEP
		}

		e.selected = poll | listen
		total |= e.selected
		m.log.Logf(nfc.LogLevelDebug, "disc: handle %d host 0x%02x requested %s selected %s",
			i, e.host, e.requested, e.selected)
	}

	return total
}

// StartExclusive takes exclusive RF control: the registrations are
// ignored and discovery runs with pollTechs and the raw listen
// configuration until the exclusive owner releases it. Discovery must be
// idle.
func (m *Machine) StartExclusive(pollTechs nfc.TechMask, listen *ListenCfg, l Listener) error {
	if m.excl.inUse {
		return nfc.NewNotAllowedError("disc: exclusive RF control already active")
	}
	if m.state != StateIdle {
		return nfc.NewNotAllowedError(fmt.Sprintf("disc: exclusive RF control requested in %s", m.state))
	}

	m.excl = entry{
		inUse:     true,
		requested: PollMask(pollTechs),
		host:      nfc.HostDH,
		listener:  l,
		notify:    true,
	}
	if listen != nil {
		c := *listen
		m.exclListen = &c
	} else {
		m.exclListen = nil
	}

	m.Execute(Event{Kind: EventDiscoverCmd})
	return nil
}

// ReleaseExclusive starts giving up exclusive RF control. The owner is
// told through OnExclusiveReleased once discovery reaches idle.
func (m *Machine) ReleaseExclusive() error {
	if !m.excl.inUse {
		return nfc.NewSemanticError("disc: exclusive RF control not active")
	}

	m.stopping = true
	switch {
	case m.state == StateIdle && m.w4Rsp:
		// a DISCOVER_CMD in flight resolves on its response
	case m.state == StateIdle:
		m.newState(StateIdle)
	default:
		m.Deactivate(nfc.DeactIdle)
	}
	m.kovioTimer.Stop()
	return nil
}

// Exclusive reports whether exclusive RF control is active
func (m *Machine) Exclusive() bool {
	return m.excl.inUse
}

// activeListener returns the listener owning the current activation
func (m *Machine) activeListener() Listener {
	if m.excl.inUse {
		return m.excl.listener
	}
	h := m.act.handle
	if int(h) < NumEntries && m.entries[h].inUse {
		return m.entries[h].listener
	}
	return nil
}
