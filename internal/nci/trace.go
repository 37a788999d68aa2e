package nci

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Direction of a traced frame
type Direction uint8

const (
	DirTX Direction = 1
	DirRX Direction = 2
)

func (d Direction) String() string {
	switch d {
	case DirTX:
		return "TX"
	case DirRX:
		return "RX"
	default:
		return fmt.Sprintf("Dir(%d)", uint8(d))
	}
}

// Record is one traced frame
type Record struct {
	_     struct{} `cbor:",toarray"`
	Time  int64
	Dir   Direction
	Frame []byte
}

// At returns the capture time
func (r Record) At() time.Time {
	return time.Unix(0, r.Time)
}

// Recorder appends every frame the controller exchanges to a CBOR stream
type Recorder struct {
	mu  sync.Mutex
	enc *cbor.Encoder
	now func() time.Time
}

// NewRecorder writes deterministic CBOR records to w
func NewRecorder(w io.Writer, now func() time.Time) (*Recorder, error) {
	mode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("trace: failed to initialize encoder: %w", err)
	}
	if now == nil {
		now = time.Now
	}
	return &Recorder{enc: mode.NewEncoder(w), now: now}, nil
}

// Record stores a copy of frame. A nil recorder drops it.
func (r *Recorder) Record(dir Direction, frame []byte) error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := Record{Time: r.now().UnixNano(), Dir: dir, Frame: append([]byte(nil), frame...)}
	if err := r.enc.Encode(rec); err != nil {
		return fmt.Errorf("trace: %w", err)
	}
	return nil
}

// ReadTrace decodes every record of a trace stream
func ReadTrace(rd io.Reader) ([]Record, error) {
	mode, err := cbor.DecOptions{
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("trace: failed to initialize decoder: %w", err)
	}

	dec := mode.NewDecoder(rd)
	var out []Record
	for {
		var rec Record
		err := dec.Decode(&rec)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("trace: record %d: %w", len(out), err)
		}
		out = append(out, rec)
	}
}
