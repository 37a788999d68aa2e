package tlv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/librescoot/nfa/internal/nfc"
)

func TestBuilderAppend(t *testing.T) {
	b := NewBuilder(8)
	require.NoError(t, b.Append(0x30, []byte{0x04}))
	require.NoError(t, b.AppendByte(0x31, 0x02))

	assert.Equal(t, []byte{0x30, 0x01, 0x04, 0x31, 0x01, 0x02}, b.Bytes())
	assert.Equal(t, 6, b.Len())
	assert.Equal(t, 2, b.Remaining())
	assert.Equal(t, 2, b.Count())
}

func TestBuilderOverflowLeavesBufferUnchanged(t *testing.T) {
	b := NewBuilder(5)
	require.NoError(t, b.Append(0x01, []byte{0xAA}))

	err := b.Append(0x02, []byte{0xBB})
	require.Error(t, err)
	assert.True(t, nfc.IsResourceError(err))
	assert.Equal(t, nfc.StatusBufferFull, nfc.StatusOf(err))
	assert.Equal(t, []byte{0x01, 0x01, 0xAA}, b.Bytes())
	assert.Equal(t, 1, b.Count())

	require.NoError(t, b.AppendRaw([]byte{0xCC, 0xDD}))
	assert.Error(t, b.AppendRaw([]byte{0xEE}))
}

func TestBuilderEmptyValue(t *testing.T) {
	b := NewBuilder(4)
	require.NoError(t, b.Append(0x38, nil))
	assert.Equal(t, []byte{0x38, 0x00}, b.Bytes())
}

func TestBuilderReset(t *testing.T) {
	b := NewBuilder(4)
	require.NoError(t, b.Append(0x01, []byte{1, 2}))
	b.Reset()
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, 0, b.Count())
	assert.Equal(t, 4, b.Remaining())
}

func TestParse(t *testing.T) {
	tlvs, err := Parse([]byte{0x00, 0x02, 0xE8, 0x03, 0x50, 0x01, 0x02, 0x38, 0x00})
	require.NoError(t, err)
	require.Len(t, tlvs, 3)
	assert.Equal(t, TLV{Tag: 0x00, Value: []byte{0xE8, 0x03}}, tlvs[0])
	assert.Equal(t, TLV{Tag: 0x50, Value: []byte{0x02}}, tlvs[1])
	assert.Equal(t, uint8(0x38), tlvs[2].Tag)
	assert.Empty(t, tlvs[2].Value)
}

func TestParseTruncated(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		good int
	}{
		{"header", []byte{0x01, 0x01, 0xAA, 0x02}, 1},
		{"value", []byte{0x01, 0x03, 0xAA}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tlvs, err := Parse(tt.data)
			assert.Error(t, err)
			assert.Len(t, tlvs, tt.good)
		})
	}
}
