package nci

import "time"

// Transport moves whole NCI frames to and from the controller
type Transport interface {
	// Write sends one complete frame
	Write(frame []byte) error

	// Read returns the next complete frame. It returns nil and no error if
	// nothing arrived within timeout.
	Read(timeout time.Duration) ([]byte, error)

	// SetPower switches the controller on or off where the transport can
	SetPower(on bool) error

	Close() error
}
