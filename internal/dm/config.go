package dm

import (
	"time"

	"github.com/librescoot/nfa/internal/disc"
	"github.com/librescoot/nfa/internal/ee"
	"github.com/librescoot/nfa/internal/nfc"
)

const (
	// DefaultDisableTimeout bounds a graceful disable before the manager
	// shuts the controller down regardless
	DefaultDisableTimeout = 1000 * time.Millisecond

	// MaxSetConfigPending is the number of SET_CONFIG commands that may
	// wait for a response
	MaxSetConfigPending = 32

	// MaxSetConfigLen bounds the TLV stream of one application SetConfig
	MaxSetConfigLen = 255
)

// Config holds the device manager tunables
type Config struct {
	Disc disc.Config
	EE   ee.Config

	DisableTimeout time.Duration

	// P2PPriority selects an NFC-DEP target on its own when a multi-target
	// discovery reports one, instead of leaving the choice to the
	// application
	P2PPriority bool

	// ISODEPTechs are the technologies ISO-DEP card emulation listens on
	ISODEPTechs nfc.TechMask
}

// DefaultConfig returns the defaults
func DefaultConfig() Config {
	return Config{
		Disc:           disc.DefaultConfig(),
		EE:             ee.DefaultConfig(),
		DisableTimeout: DefaultDisableTimeout,
		ISODEPTechs:    nfc.TechA | nfc.TechB,
	}
}
