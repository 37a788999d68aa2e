package dm

import (
	"github.com/librescoot/nfa/internal/disc"
	"github.com/librescoot/nfa/internal/nfc"
)

// discOwner turns discovery machine callbacks into application events
type discOwner struct {
	m *Manager
}

func (o discOwner) OnDiscoveryStarted(status nfc.Status, exclusive bool) {
	if exclusive {
		o.m.exclusiveStarted(status)
		return
	}
	o.m.notify(Event{Kind: EventDiscoveryStarted, Status: status})
}

func (o discOwner) OnDiscoveryStopped(status nfc.Status) {
	o.m.notify(Event{Kind: EventDiscoveryStopped, Status: status})
}

// OnDiscoveryResult reports one target of a multi-target discovery. With
// P2PPriority set, an NFC-DEP target is selected without asking the
// application once the last result arrived.
func (o discOwner) OnDiscoveryResult(r *nfc.DiscoverResult) {
	m := o.m
	m.results = append(m.results, *r)
	m.notify(Event{Kind: EventDiscoveryResult, Status: nfc.StatusOK, Result: r})

	if r.More == nfc.DiscoverMore {
		return
	}
	results := m.results
	m.results = nil

	if !m.cfg.P2PPriority || m.disc.P2PPaused() || m.excl != nil {
		return
	}
	for _, res := range results {
		if res.Protocol == nfc.ProtocolNFCDEP {
			m.log.Logf(nfc.LogLevelInfo, "dm: selecting NFC-DEP target %d", res.RFDiscID)
			m.disc.Select(res.RFDiscID, nfc.ProtocolNFCDEP, nfc.InterfaceNFCDEP)
			return
		}
	}
}

func (o discOwner) OnSelectResult(status nfc.Status) {
	o.m.notify(Event{Kind: EventSelectResult, Status: status})
}

func (o discOwner) OnDeactivated(d nfc.Deactivation) {
	o.m.notify(Event{Kind: EventDeactivated, Status: nfc.StatusOK, Deactivation: appDeactType(d.Type)})
}

func (o discOwner) OnExclusiveReleased() {
	m := o.m
	m.notify(Event{Kind: EventExclusiveStopped, Status: nfc.StatusOK})
	m.excl = nil
	m.exclStarted = false
}

func (o discOwner) OnDisabled() {
	o.m.disableComplete()
}

func (o discOwner) OnSleepWakeupResult(status nfc.Status) {
	o.m.notify(Event{Kind: EventPresenceCheck, Status: status})
}

func (o discOwner) OnPresenceCheckResult(status nfc.Status) {
	o.m.notify(Event{Kind: EventPresenceCheck, Status: status})
}

// appDeactType folds the sleep variants into the sleep type the
// application sees
func appDeactType(t nfc.DeactType) nfc.DeactType {
	if t.IsSleep() {
		return nfc.DeactSleep
	}
	return nfc.DeactIdle
}

// exclusiveStarted reports EXCLUSIVE_RF_CONTROL_STARTED once per request
func (m *Manager) exclusiveStarted(status nfc.Status) {
	if m.exclStarted {
		return
	}
	m.exclStarted = status == nfc.StatusOK
	m.notify(Event{Kind: EventExclusiveStarted, Status: status})
}

// pollListener is the discovery registration behind EnablePolling
type pollListener struct {
	m *Manager
}

func (l pollListener) OnDiscoveryStarted(nfc.Status) {}

func (l pollListener) OnActivated(act *nfc.ActivateParams) {
	m := l.m
	if act.TechMode == nfc.PollA {
		m.poll.selRes = act.SelRes
	}
	m.poll.sentActivated = true
	m.notify(Event{Kind: EventActivated, Status: nfc.StatusOK, Activation: act.Copy()})
}

// OnDeactivated reports the end of a poll activation and completes a
// DisablePolling that had to wait for it
func (l pollListener) OnDeactivated(d nfc.Deactivation) {
	m := l.m
	if m.poll.sentActivated {
		m.poll.sentActivated = false
		m.notify(Event{Kind: EventDeactivated, Status: nfc.StatusOK, Deactivation: appDeactType(d.Type)})
	}
	m.poll.selRes = 0

	if m.poll.enabled || m.poll.handle == disc.InvalidHandle {
		return
	}
	m.disc.Delete(m.poll.handle)
	m.poll.handle = disc.InvalidHandle
	if m.poll.sendStop {
		m.poll.sendStop = false
		m.notify(Event{Kind: EventPollDisabled, Status: nfc.StatusOK})
	}
}

// exclListener receives the discovery events while exclusive RF control
// is active
type exclListener struct {
	m *Manager
}

func (l exclListener) OnDiscoveryStarted(status nfc.Status) {
	l.m.exclusiveStarted(status)
}

func (l exclListener) OnActivated(act *nfc.ActivateParams) {
	l.m.notify(Event{Kind: EventActivated, Status: nfc.StatusOK, Activation: act.Copy()})
}

func (l exclListener) OnDeactivated(d nfc.Deactivation) {
	l.m.notify(Event{Kind: EventDeactivated, Status: nfc.StatusOK, Deactivation: appDeactType(d.Type)})
}
