package dm

import (
	"fmt"

	"github.com/librescoot/nfa/internal/ce"
	"github.com/librescoot/nfa/internal/ee"
	"github.com/librescoot/nfa/internal/nci"
	"github.com/librescoot/nfa/internal/nfc"
)

// EventKind identifies an application event
type EventKind int

const (
	EventEnabled EventKind = iota
	EventDisabled
	EventSetConfig
	EventGetConfig
	EventPowerModeChanged
	EventNFCCTimeout
	EventNFCCTransportError
	EventRFField

	EventPollEnabled
	EventPollDisabled
	EventListenEnabled
	EventListenDisabled
	EventP2PPaused
	EventP2PResumed

	EventDiscoveryStarted
	EventDiscoveryStopped
	EventDiscoveryResult
	EventSelectResult
	EventActivated
	EventDeactivated
	EventDeactivateFail
	EventExclusiveStarted
	EventExclusiveStopped
	EventPresenceCheck
	EventData

	// EventCE carries a card-emulation event in CE
	EventCE
	// EventRouting carries a routing event in Routing
	EventRouting
	// EventNFCEEDiscovered describes an NFCEE found on enable in NFCEE
	EventNFCEEDiscovered
)

var eventNames = map[EventKind]string{
	EventEnabled:            "ENABLED",
	EventDisabled:           "DISABLED",
	EventSetConfig:          "SET_CONFIG",
	EventGetConfig:          "GET_CONFIG",
	EventPowerModeChanged:   "POWER_MODE_CHANGED",
	EventNFCCTimeout:        "NFCC_TIMEOUT",
	EventNFCCTransportError: "NFCC_TRANSPORT_ERROR",
	EventRFField:            "RF_FIELD",
	EventPollEnabled:        "POLL_ENABLED",
	EventPollDisabled:       "POLL_DISABLED",
	EventListenEnabled:      "LISTEN_ENABLED",
	EventListenDisabled:     "LISTEN_DISABLED",
	EventP2PPaused:          "P2P_PAUSED",
	EventP2PResumed:         "P2P_RESUMED",
	EventDiscoveryStarted:   "DISCOVERY_STARTED",
	EventDiscoveryStopped:   "DISCOVERY_STOPPED",
	EventDiscoveryResult:    "DISCOVERY_RESULT",
	EventSelectResult:       "SELECT_RESULT",
	EventActivated:          "ACTIVATED",
	EventDeactivated:        "DEACTIVATED",
	EventDeactivateFail:     "DEACTIVATE_FAIL",
	EventExclusiveStarted:   "EXCLUSIVE_RF_CONTROL_STARTED",
	EventExclusiveStopped:   "EXCLUSIVE_RF_CONTROL_STOPPED",
	EventPresenceCheck:      "PRESENCE_CHECK",
	EventData:               "DATA",
	EventCE:                 "CE",
	EventRouting:            "ROUTING",
	EventNFCEEDiscovered:    "NFCEE_DISCOVERED",
}

func (k EventKind) String() string {
	if s, ok := eventNames[k]; ok {
		return s
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// MarshalText lets events name their kind in JSON
func (k EventKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// PowerMode is the controller power mode
type PowerMode uint8

const (
	PowerFull PowerMode = iota
	PowerOffSleep
)

func (p PowerMode) String() string {
	if p == PowerOffSleep {
		return "OFF_SLEEP"
	}
	return "FULL"
}

// Event is delivered to the application listener. Only the fields of its
// kind are set.
type Event struct {
	Kind   EventKind  `json:"kind"`
	Status nfc.Status `json:"status"`

	Info         *nci.Info           `json:"info,omitempty"`
	Activation   *nfc.ActivateParams `json:"activation,omitempty"`
	Result       *nfc.DiscoverResult `json:"result,omitempty"`
	Deactivation nfc.DeactType       `json:"deactivation,omitempty"`
	ParamIDs     []uint8             `json:"param_ids,omitempty"`
	TLVs         []byte              `json:"tlvs,omitempty"`
	PowerMode    PowerMode           `json:"power_mode,omitempty"`
	FieldOn      bool                `json:"field_on,omitempty"`
	ConnID       uint8               `json:"conn_id,omitempty"`
	Data         []byte              `json:"data,omitempty"`

	CE      *ce.Event      `json:"ce,omitempty"`
	Routing *ee.Event      `json:"routing,omitempty"`
	NFCEE   *nci.NFCEEInfo `json:"nfcee,omitempty"`
}

// Listener receives application events. It is called from the manager's
// event loop and must not call back into the manager synchronously
// waiting for a result.
type Listener interface {
	OnNFAEvent(ev Event)
}

// ListenerFunc adapts a function to Listener
type ListenerFunc func(Event)

// OnNFAEvent calls f
func (f ListenerFunc) OnNFAEvent(ev Event) {
	f(ev)
}
