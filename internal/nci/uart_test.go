package nci

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/librescoot/nfa/internal/nfc"
)

type fakePort struct {
	*bytes.Reader
	written bytes.Buffer
}

func (p *fakePort) Write(b []byte) (int, error) { return p.written.Write(b) }
func (p *fakePort) Close() error                { return nil }

func TestUARTRead(t *testing.T) {
	port := &fakePort{Reader: bytes.NewReader(mustHex(t, "4000030010004f0001"))}
	u := &UARTTransport{port: port, name: "ttyTEST"}

	frame, err := u.Read(time.Second)
	require.NoError(t, err)
	assert.Equal(t, mustHex(t, "400003001000"), frame)

	// header announces one byte, the line ends before it
	_, err = u.Read(time.Second)
	require.Error(t, err)
	assert.True(t, nfc.IsTransportError(err))
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, io.EOF, errors.Cause(errors.Unwrap(err)))

	require.NoError(t, u.Write([]byte{0x20, 0x01, 0x00}))
	assert.Equal(t, []byte{0x20, 0x01, 0x00}, port.written.Bytes())
}
