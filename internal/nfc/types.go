package nfc

import "fmt"

// LogLevel represents the severity level of a log message
type LogLevel int

const (
	LogLevelNone LogLevel = iota
	LogLevelError
	LogLevelWarning
	LogLevelInfo
	LogLevelDebug
)

// String returns a string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case LogLevelNone:
		return "NONE"
	case LogLevelError:
		return "ERROR"
	case LogLevelWarning:
		return "WARNING"
	case LogLevelInfo:
		return "INFO"
	case LogLevelDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

// LogCallback is a function type for logging messages
type LogCallback func(level LogLevel, message string)

// Logf formats the message and hands it to cb. A nil callback drops it.
func (cb LogCallback) Logf(level LogLevel, format string, args ...interface{}) {
	if cb == nil {
		return
	}
	cb(level, fmt.Sprintf(format, args...))
}

// Status is the status code carried by every controller response and by
// every event reported to the upper layers.
type Status uint8

const (
	StatusOK             Status = 0x00
	StatusRejected       Status = 0x01
	StatusFailed         Status = 0x03
	StatusNotInitialized Status = 0x04
	StatusSyntaxError    Status = 0x05
	StatusSemanticError  Status = 0x06
	StatusInvalidParam   Status = 0x09
	StatusAlreadyStarted Status = 0x0A
	StatusBufferFull     Status = 0xE0
	StatusTimeout        Status = 0xE2
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusRejected:
		return "REJECTED"
	case StatusFailed:
		return "FAILED"
	case StatusNotInitialized:
		return "NOT_INITIALIZED"
	case StatusSyntaxError:
		return "SYNTAX_ERROR"
	case StatusSemanticError:
		return "SEMANTIC_ERROR"
	case StatusInvalidParam:
		return "INVALID_PARAM"
	case StatusAlreadyStarted:
		return "ALREADY_STARTED"
	case StatusBufferFull:
		return "BUFFER_FULL"
	case StatusTimeout:
		return "TIMEOUT"
	default:
		return fmt.Sprintf("STATUS_%02X", uint8(s))
	}
}

// Protocol represents the NFC protocol of an activated target
type Protocol uint8

const (
	ProtocolUnknown  Protocol = 0x00
	ProtocolT1T      Protocol = 0x01
	ProtocolT2T      Protocol = 0x02
	ProtocolT3T      Protocol = 0x03
	ProtocolISODEP   Protocol = 0x04
	ProtocolNFCDEP   Protocol = 0x05
	ProtocolISO15693 Protocol = 0x06
	ProtocolBPrime   Protocol = 0x81
	ProtocolKovio    Protocol = 0x8A

	// ProtocolInvalid marks "nothing activated"
	ProtocolInvalid Protocol = 0xFF
)

// String returns the string representation of the RF protocol
func (p Protocol) String() string {
	switch p {
	case ProtocolUnknown:
		return "Unknown"
	case ProtocolT1T:
		return "T1T"
	case ProtocolT2T:
		return "T2T"
	case ProtocolT3T:
		return "T3T"
	case ProtocolISODEP:
		return "ISO-DEP"
	case ProtocolNFCDEP:
		return "NFC-DEP"
	case ProtocolISO15693:
		return "ISO15693"
	case ProtocolBPrime:
		return "B'"
	case ProtocolKovio:
		return "Kovio"
	case ProtocolInvalid:
		return "Invalid"
	default:
		return fmt.Sprintf("Protocol(%02x)", uint8(p))
	}
}

// TechMode is the NCI RF technology and mode byte
type TechMode uint8

const (
	PollA          TechMode = 0x00
	PollB          TechMode = 0x01
	PollF          TechMode = 0x02
	PollAActive    TechMode = 0x03
	PollFActive    TechMode = 0x05
	PollISO15693   TechMode = 0x06
	PollBPrime     TechMode = 0x74
	PollKovio      TechMode = 0x77
	ListenA        TechMode = 0x80
	ListenB        TechMode = 0x81
	ListenF        TechMode = 0x82
	ListenAActive  TechMode = 0x83
	ListenFActive  TechMode = 0x85
	ListenISO15693 TechMode = 0x86
	ListenBPrime   TechMode = 0xF4
)

// IsListen reports whether the mode is a listen mode
func (m TechMode) IsListen() bool {
	return m&0x80 != 0
}

func (m TechMode) String() string {
	switch m {
	case PollA:
		return "PollA"
	case PollB:
		return "PollB"
	case PollF:
		return "PollF"
	case PollAActive:
		return "PollAActive"
	case PollFActive:
		return "PollFActive"
	case PollISO15693:
		return "PollISO15693"
	case PollBPrime:
		return "PollB'"
	case PollKovio:
		return "PollKovio"
	case ListenA:
		return "ListenA"
	case ListenB:
		return "ListenB"
	case ListenF:
		return "ListenF"
	case ListenAActive:
		return "ListenAActive"
	case ListenFActive:
		return "ListenFActive"
	case ListenISO15693:
		return "ListenISO15693"
	case ListenBPrime:
		return "ListenB'"
	default:
		return fmt.Sprintf("TechMode(%02x)", uint8(m))
	}
}

// Interface is the RF interface the controller activated
type Interface uint8

const (
	InterfaceEEDirectRF Interface = 0x00
	InterfaceFrame      Interface = 0x01
	InterfaceISODEP     Interface = 0x02
	InterfaceNFCDEP     Interface = 0x03
)

// DeactType is the RF deactivation type
type DeactType uint8

const (
	DeactIdle      DeactType = 0x00
	DeactSleep     DeactType = 0x01
	DeactSleepAF   DeactType = 0x02
	DeactDiscovery DeactType = 0x03
)

func (t DeactType) String() string {
	switch t {
	case DeactIdle:
		return "Idle"
	case DeactSleep:
		return "Sleep"
	case DeactSleepAF:
		return "SleepAF"
	case DeactDiscovery:
		return "Discovery"
	default:
		return fmt.Sprintf("DeactType(%d)", uint8(t))
	}
}

// IsSleep reports whether t is one of the sleep variants
func (t DeactType) IsSleep() bool {
	return t == DeactSleep || t == DeactSleepAF
}

// TechMask selects RF technologies for polling, listening and routing
type TechMask uint8

const (
	TechA        TechMask = 0x01
	TechB        TechMask = 0x02
	TechF        TechMask = 0x04
	TechISO15693 TechMask = 0x08
	TechBPrime   TechMask = 0x10
	TechKovio    TechMask = 0x20
	TechAActive  TechMask = 0x40
	TechFActive  TechMask = 0x80
)

// ProtocolMask selects protocols for listening and routing
type ProtocolMask uint8

const (
	ProtoMaskT1T    ProtocolMask = 0x01
	ProtoMaskT2T    ProtocolMask = 0x02
	ProtoMaskT3T    ProtocolMask = 0x04
	ProtoMaskISODEP ProtocolMask = 0x08
	ProtoMaskNFCDEP ProtocolMask = 0x10
)

// HostID identifies the device host or an NFCEE
type HostID uint8

// HostDH is the device host
const HostDH HostID = 0x00

// PowerState is a bit set of controller power states a routing entry
// applies to
type PowerState uint8

const (
	PowerOn         PowerState = 0x01
	PowerSwitchOff  PowerState = 0x02
	PowerBatteryOff PowerState = 0x04
	PowerScreenOff  PowerState = 0x08
	PowerScreenLock PowerState = 0x10
)

// DiscoverParam is one technology entry of an RF_DISCOVER_CMD
type DiscoverParam struct {
	Mode      TechMode
	Frequency uint8
}

// ActivateParams describes an RF_INTF_ACTIVATED_NTF
type ActivateParams struct {
	RFDiscID  uint8
	Interface Interface
	Protocol  Protocol
	TechMode  TechMode

	// NFCID holds NFCID1 for NFC-A, NFCID0 for NFC-B, NFCID2 for NFC-F and
	// the UID for Kovio and ISO15693
	NFCID  []byte
	SelRes uint8

	TechParams   []byte
	ActivateInfo []byte
}

// Copy returns a deep copy of the activation parameters
func (a *ActivateParams) Copy() *ActivateParams {
	if a == nil {
		return nil
	}
	c := *a
	c.NFCID = append([]byte(nil), a.NFCID...)
	c.TechParams = append([]byte(nil), a.TechParams...)
	c.ActivateInfo = append([]byte(nil), a.ActivateInfo...)
	return &c
}

// DiscoverNtf values of DiscoverResult.More
const (
	DiscoverLast      uint8 = 0
	DiscoverLastLimit uint8 = 1
	DiscoverMore      uint8 = 2
)

// DiscoverResult is one RF_DISCOVER_NTF
type DiscoverResult struct {
	RFDiscID uint8
	Protocol Protocol
	TechMode TechMode
	NFCID    []byte
	More     uint8
}

// Deactivation describes an RF deactivation reported to a listener
type Deactivation struct {
	Type   DeactType
	Reason uint8
	IsNtf  bool
}
