// Package tlv builds and parses the tag-length-value streams carried by
// CORE_SET_CONFIG, CORE_GET_CONFIG and RF_SET_LISTEN_MODE_ROUTING.
package tlv

import (
	"fmt"

	"github.com/librescoot/nfa/internal/nfc"
)

// MaxValueLen is the largest value a one-byte length field can describe
const MaxValueLen = 0xFF

// TLV is one parsed tag-length-value element
type TLV struct {
	Tag   uint8
	Value []byte
}

// Builder accumulates TLVs into a buffer of fixed capacity. Every append is
// checked against the capacity before anything is written, so a failed
// append leaves the buffer unchanged.
type Builder struct {
	buf   []byte
	cap   int
	count int
}

// NewBuilder creates a builder that holds at most capacity bytes
func NewBuilder(capacity int) *Builder {
	return &Builder{
		buf: make([]byte, 0, capacity),
		cap: capacity,
	}
}

// Append adds tag, len(value) and value
func (b *Builder) Append(tag uint8, value []byte) error {
	if len(value) > MaxValueLen {
		return nfc.NewInvalidParamError(fmt.Sprintf("tlv 0x%02x: value length %d exceeds %d", tag, len(value), MaxValueLen))
	}
	if 2+len(value) > b.Remaining() {
		return nfc.NewBufferFullError(fmt.Sprintf("tlv 0x%02x: %d bytes do not fit in %d", tag, 2+len(value), b.Remaining()))
	}
	b.buf = append(b.buf, tag, uint8(len(value)))
	b.buf = append(b.buf, value...)
	b.count++
	return nil
}

// AppendByte adds a TLV carrying a single byte
func (b *Builder) AppendByte(tag, value uint8) error {
	return b.Append(tag, []byte{value})
}

// AppendRaw adds pre-encoded bytes that count as one element
func (b *Builder) AppendRaw(raw []byte) error {
	if len(raw) > b.Remaining() {
		return nfc.NewBufferFullError(fmt.Sprintf("tlv: %d raw bytes do not fit in %d", len(raw), b.Remaining()))
	}
	b.buf = append(b.buf, raw...)
	b.count++
	return nil
}

// Len returns the number of bytes written
func (b *Builder) Len() int {
	return len(b.buf)
}

// Remaining returns the free capacity in bytes
func (b *Builder) Remaining() int {
	return b.cap - len(b.buf)
}

// Count returns the number of elements appended since the last Reset
func (b *Builder) Count() int {
	return b.count
}

// Bytes returns a copy of the accumulated stream
func (b *Builder) Bytes() []byte {
	return append([]byte(nil), b.buf...)
}

// Reset empties the builder, keeping its capacity
func (b *Builder) Reset() {
	b.buf = b.buf[:0]
	b.count = 0
}

// Parse splits a TLV stream into its elements
func Parse(data []byte) ([]TLV, error) {
	var out []TLV
	offset := 0
	for offset < len(data) {
		if offset+2 > len(data) {
			return out, nfc.NewIncompleteMsgError(fmt.Sprintf("tlv: truncated header at offset %d", offset))
		}
		tag := data[offset]
		l := int(data[offset+1])
		if offset+2+l > len(data) {
			return out, nfc.NewIncompleteMsgError(fmt.Sprintf("tlv 0x%02x: length %d exceeds stream at offset %d", tag, l, offset))
		}
		out = append(out, TLV{
			Tag:   tag,
			Value: append([]byte(nil), data[offset+2:offset+2+l]...),
		})
		offset += 2 + l
	}
	return out, nil
}
