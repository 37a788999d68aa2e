package nci

import (
	"fmt"

	"github.com/librescoot/nfa/internal/nfc"
)

// EventKind classifies what the controller reported
type EventKind uint8

const (
	// EventEnabled completes Enable; Info is set on success
	EventEnabled EventKind = iota
	// EventRestarted completes a wake from power off sleep
	EventRestarted
	EventDisabled
	EventPowerOff

	EventDiscoverRsp
	EventDiscoverNtf
	EventSelectRsp
	EventIntfActivatedNtf
	EventDeactivateRsp
	EventDeactivateNtf
	EventSetConfigRsp
	EventGetConfigRsp
	EventSetRoutingRsp
	EventIntfErrorNtf
	EventGenericError
	EventRFField
	EventData

	// EventNFCEEDiscoverRsp carries the number of NFCEEs in NumNFCEE
	EventNFCEEDiscoverRsp
	// EventNFCEEDiscoverNtf describes one NFCEE in NFCEE
	EventNFCEEDiscoverNtf

	// EventTimeout reports a command the controller never answered
	EventTimeout
	EventTransportError
)

func (k EventKind) String() string {
	switch k {
	case EventEnabled:
		return "ENABLED"
	case EventRestarted:
		return "RESTARTED"
	case EventDisabled:
		return "DISABLED"
	case EventPowerOff:
		return "POWER_OFF"
	case EventDiscoverRsp:
		return "DISCOVER_RSP"
	case EventDiscoverNtf:
		return "DISCOVER_NTF"
	case EventSelectRsp:
		return "SELECT_RSP"
	case EventIntfActivatedNtf:
		return "INTF_ACTIVATED_NTF"
	case EventDeactivateRsp:
		return "DEACTIVATE_RSP"
	case EventDeactivateNtf:
		return "DEACTIVATE_NTF"
	case EventSetConfigRsp:
		return "SET_CONFIG_RSP"
	case EventGetConfigRsp:
		return "GET_CONFIG_RSP"
	case EventSetRoutingRsp:
		return "SET_ROUTING_RSP"
	case EventIntfErrorNtf:
		return "INTF_ERROR_NTF"
	case EventGenericError:
		return "GENERIC_ERROR"
	case EventRFField:
		return "RF_FIELD"
	case EventData:
		return "DATA"
	case EventNFCEEDiscoverRsp:
		return "NFCEE_DISCOVER_RSP"
	case EventNFCEEDiscoverNtf:
		return "NFCEE_DISCOVER_NTF"
	case EventTimeout:
		return "TIMEOUT"
	case EventTransportError:
		return "TRANSPORT_ERROR"
	default:
		return fmt.Sprintf("EventKind(%d)", uint8(k))
	}
}

// Event is one decoded controller message. Only the fields of its kind are
// set.
type Event struct {
	Kind   EventKind
	Status nfc.Status

	Info         *Info
	Result       *nfc.DiscoverResult
	Activation   *nfc.ActivateParams
	Deactivation nfc.Deactivation

	// ParamIDs lists rejected parameters of a SET_CONFIG_RSP
	ParamIDs []uint8
	// TLVs is the parameter stream of a GET_CONFIG_RSP
	TLVs []byte

	ConnID  uint8
	Data    []byte
	FieldOn bool

	NumNFCEE int
	NFCEE    *NFCEEInfo

	Err error
}

// Sink receives controller events. It is called from the controller's
// reader goroutine and must not block for long.
type Sink func(Event)
