package nci

import (
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/tarm/serial"

	"github.com/librescoot/nfa/internal/nfc"
)

// DefaultBaud is the PN7150 HSU default rate
const DefaultBaud = 115200

const uartByteTimeout = 50 * time.Millisecond

// UARTTransport talks to a controller on a serial line. NCI frames are
// sent back to back without extra framing.
type UARTTransport struct {
	port io.ReadWriteCloser
	name string
	log  nfc.LogCallback
	buf  [headerLen + MaxPayload]byte
}

// OpenUART opens the serial device at the given baud rate
func OpenUART(name string, baud int, log nfc.LogCallback) (*UARTTransport, error) {
	if baud <= 0 {
		baud = DefaultBaud
	}
	c := &serial.Config{Name: name, Baud: baud, ReadTimeout: uartByteTimeout}
	port, err := serial.OpenPort(c)
	if err != nil {
		return nil, nfc.NewTransportReadError(fmt.Sprintf("failed to open %s", name), err)
	}
	return &UARTTransport{port: port, name: name, log: log}, nil
}

func (t *UARTTransport) Write(frame []byte) error {
	n, err := t.port.Write(frame)
	if err != nil {
		return nfc.NewTransportWriteError("UART write error", err)
	}
	if n != len(frame) {
		return nfc.NewTransportWriteError(fmt.Sprintf("incomplete write: %d != %d", n, len(frame)), nil)
	}
	return nil
}

// Read waits up to timeout for a header, then reads the payload it
// announces
func (t *UARTTransport) Read(timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	got := 0
	for got < headerLen {
		n, err := t.port.Read(t.buf[got:headerLen])
		got += n
		if err != nil && err != io.EOF {
			return nil, nfc.NewTransportReadError("UART read header error", err)
		}
		if n == 0 && got == 0 && !time.Now().Before(deadline) {
			return nil, nil
		}
		if n == 0 && got > 0 && !time.Now().Before(deadline.Add(uartByteTimeout)) {
			return nil, nfc.NewIncompleteMsgError(fmt.Sprintf("incomplete header read: %d", got))
		}
	}

	h, err := ParseHeader(t.buf[:headerLen])
	if err != nil {
		return nil, err
	}
	l := int(h.Len)
	if l > 0 {
		if _, err := io.ReadFull(t.port, t.buf[headerLen:headerLen+l]); err != nil {
			return nil, nfc.NewTransportReadError("UART payload read error", errors.Wrapf(err, "%s: %d byte payload", t.name, l))
		}
	}

	frame := make([]byte, headerLen+l)
	copy(frame, t.buf[:headerLen+l])
	return frame, nil
}

// SetPower is a no-op; UART modules keep VEN tied high
func (t *UARTTransport) SetPower(on bool) error {
	t.log.Logf(nfc.LogLevelDebug, "uart %s: power %v ignored", t.name, on)
	return nil
}

func (t *UARTTransport) Close() error {
	return errors.Wrapf(t.port.Close(), "close %s", t.name)
}
