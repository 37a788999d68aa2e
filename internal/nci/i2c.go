package nci

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/librescoot/nfa/internal/nfc"
)

const (
	i2cMaxRetries = 10
	i2cRetryDelay = time.Millisecond

	// pn5xx kernel driver power ioctl
	pn5xxSetPwr = 0xE901

	flushWindow = 100 * time.Millisecond
)

// I2CTransport talks to a controller through the pn5xx_i2c character
// device
type I2CTransport struct {
	fd    int
	path  string
	log   nfc.LogCallback
	rxBuf [headerLen + MaxPayload]byte
}

// OpenI2C opens the controller device node
func OpenI2C(path string, log nfc.LogCallback) (*I2CTransport, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, nfc.NewTransportReadError(fmt.Sprintf("failed to open device %s", path), err)
	}
	return &I2CTransport{fd: fd, path: path, log: log}, nil
}

// SetPower drives the VEN line through the driver ioctl
func (t *I2CTransport) SetPower(on bool) error {
	if t.fd < 0 {
		return nil
	}
	t.log.Logf(nfc.LogLevelDebug, "set power: %v", on)

	var value uintptr
	if on {
		value = 1
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(t.fd), uintptr(pn5xxSetPwr), value)
	if errno != 0 {
		return nfc.NewTransportWriteError("ioctl power control error", errno)
	}
	return nil
}

// Write sends a frame, retrying while the controller NACKs its address
func (t *I2CTransport) Write(frame []byte) error {
	var lastErr error
	for i := 0; i <= i2cMaxRetries; i++ {
		n, err := unix.Write(t.fd, frame)
		if err == nil && n == len(frame) {
			return nil
		}
		if err != nil {
			if err != unix.ENXIO && err != unix.EAGAIN {
				return nfc.NewTransportWriteError("I2C write error", err)
			}
			lastErr = err
		} else {
			lastErr = fmt.Errorf("incomplete write: %d != %d", n, len(frame))
		}
		if i < i2cMaxRetries {
			time.Sleep(i2cRetryDelay)
		}
	}
	return nfc.NewTransportWriteError("I2C write failed after retries", lastErr)
}

// Read polls the device for a frame: header first, then the payload
func (t *I2CTransport) Read(timeout time.Duration) ([]byte, error) {
	pfd := []unix.PollFd{{Fd: int32(t.fd), Events: unix.POLLIN}}
	deadline := time.Now().Add(timeout)

	for {
		ms := int(time.Until(deadline) / time.Millisecond)
		if ms < 0 {
			return nil, nil
		}
		n, err := unix.Poll(pfd, ms)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return nil, nfc.NewTransportPollError("I2C poll error", err)
		}
		if n == 0 {
			return nil, nil
		}

		got, err := t.readRetry(t.rxBuf[:headerLen])
		if err != nil {
			return nil, err
		}
		if got == 0 {
			// spurious wakeup
			continue
		}
		if got != headerLen {
			return nil, nfc.NewIncompleteMsgError(fmt.Sprintf("incomplete header read: %d", got))
		}

		h, err := ParseHeader(t.rxBuf[:headerLen])
		if err != nil || h.MT == MsgCommand {
			t.log.Logf(nfc.LogLevelWarning, "invalid header % X", t.rxBuf[:headerLen])
			t.flush()
			if err == nil {
				err = nfc.NewInvalidHeaderError("command received from controller")
			}
			return nil, err
		}

		l := int(h.Len)
		if l > 0 {
			got, err = t.readRetry(t.rxBuf[headerLen : headerLen+l])
			if err != nil {
				return nil, err
			}
			if got != l {
				return nil, nfc.NewIncompleteMsgError(fmt.Sprintf("incomplete payload read: %d != %d", got, l))
			}
		}

		frame := make([]byte, headerLen+l)
		copy(frame, t.rxBuf[:headerLen+l])
		return frame, nil
	}
}

func (t *I2CTransport) readRetry(buf []byte) (int, error) {
	for retry := 0; ; retry++ {
		n, err := unix.Read(t.fd, buf)
		switch {
		case err == nil:
			return n, nil
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
			return 0, nil
		case err == unix.ENXIO && retry < i2cMaxRetries:
			t.log.Logf(nfc.LogLevelWarning, "read NACKed, retry %d/%d", retry+1, i2cMaxRetries)
			time.Sleep(i2cRetryDelay)
			continue
		default:
			return 0, nfc.NewTransportReadError("I2C read error", err)
		}
	}
}

// flush discards whatever the controller still has queued
func (t *I2CTransport) flush() {
	buf := make([]byte, len(t.rxBuf))
	deadline := time.Now().Add(flushWindow)
	pfd := []unix.PollFd{{Fd: int32(t.fd), Events: unix.POLLIN}}

	for time.Now().Before(deadline) {
		n, err := unix.Poll(pfd, 0)
		if err != nil || n <= 0 {
			return
		}
		r, err := unix.Read(t.fd, buf)
		if err != nil {
			if err == unix.EINTR || err == unix.EAGAIN {
				continue
			}
			return
		}
		t.log.Logf(nfc.LogLevelInfo, "flushed %d bytes", r)
	}
}

// Close powers the controller down and releases the device
func (t *I2CTransport) Close() error {
	if t.fd < 0 {
		return nil
	}
	_ = t.SetPower(false)
	err := unix.Close(t.fd)
	t.fd = -1
	if err != nil {
		return nfc.NewTransportWriteError(fmt.Sprintf("failed to close %s", t.path), err)
	}
	return nil
}
