package ee

import (
	"github.com/librescoot/nfa/internal/nfc"
	"github.com/librescoot/nfa/internal/tlv"
)

// Routing entry tags of RF_SET_LISTEN_MODE_ROUTING
const (
	EntryTech  = 0x00
	EntryProto = 0x01
	EntryAID   = 0x02
)

// MaxBlockSize bounds the TLV payload of one RF_SET_LISTEN_MODE_ROUTING
// command
const MaxBlockSize = 0xFD

// routeEntry is one serialized routing entry
type routeEntry struct {
	tag   uint8
	value []byte
}

func (e routeEntry) size() int {
	return 2 + len(e.value)
}

func techEntry(id nfc.HostID, power, rf uint8) routeEntry {
	return routeEntry{EntryTech, []byte{uint8(id), power, rf}}
}

func protoEntry(id nfc.HostID, power uint8, proto nfc.Protocol) routeEntry {
	return routeEntry{EntryProto, []byte{uint8(id), power, uint8(proto)}}
}

func aidRouteEntry(id nfc.HostID, power uint8, aid []byte) routeEntry {
	value := make([]byte, 0, 2+len(aid))
	value = append(value, uint8(id), power)
	value = append(value, aid...)
	return routeEntry{EntryAID, value}
}

// tableSize is the serialized size of entries
func tableSize(entries []routeEntry) int {
	n := 0
	for _, e := range entries {
		n += e.size()
	}
	return n
}

// tableBuilder serializes routing entries into as many commands as the
// table needs. A block is sent with more set as soon as the next entry
// does not fit; the caller sends the final block with flush(false).
type tableBuilder struct {
	sink Sink
	b    *tlv.Builder

	entries int
	sent    int
}

func newTableBuilder(sink Sink) *tableBuilder {
	tb := &tableBuilder{sink: sink}
	tb.b = tlv.NewBuilder(MaxBlockSize)
	return tb
}

func (tb *tableBuilder) add(e routeEntry) error {
	err := tb.b.Append(e.tag, e.value)
	if err != nil && nfc.IsResourceError(err) && tb.b.Count() > 0 {
		if err := tb.flush(true); err != nil {
			return err
		}
		err = tb.b.Append(e.tag, e.value)
	}
	if err != nil {
		return err
	}
	tb.entries++
	return nil
}

func (tb *tableBuilder) flush(more bool) error {
	n, data := tb.b.Count(), tb.b.Bytes()
	tb.b.Reset()
	if err := tb.sink.SetRouting(more, n, data); err != nil {
		return err
	}
	tb.sent++
	return nil
}
