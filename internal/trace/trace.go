// Package trace records raw bus traffic as a stream of CBOR events and reads
// it back.
package trace

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/kaidokert/waveshare-stservo-go/stservo"
)

// Event is one chunk written to or read from the bus.
type Event struct {
	// Seq counts events from 1 within a recording.
	Seq uint64 `cbor:"1,keyasint"`

	// Time the chunk crossed the port (nanosecond precision).
	Time time.Time `cbor:"2,keyasint"`

	Dir  stservo.Direction `cbor:"3,keyasint"`
	Data []byte            `cbor:"4,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create trace CBOR encoder mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyQuiet,
		IndefLength: cbor.IndefLengthAllowed,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create trace CBOR decoder mode: %v", err))
	}
}

// Recorder encodes events to a writer. It implements stservo.Tracer and is
// safe for concurrent use.
type Recorder struct {
	mu      sync.Mutex
	closer  io.Closer
	encoder *cbor.Encoder
	seq     uint64
	err     error
	closed  bool

	now func() time.Time
}

// NewRecorder creates a recorder writing to w.
func NewRecorder(w io.Writer) *Recorder {
	return &Recorder{
		encoder: encMode.NewEncoder(w),
		now:     time.Now,
	}
}

// Create opens path for appending and records to it. Close releases the file.
func Create(path string) (*Recorder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	r := NewRecorder(f)
	r.closer = f
	return r, nil
}

// Trace records one chunk. Encoding failures are kept for Err and never
// reach the bus.
func (r *Recorder) Trace(dir stservo.Direction, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || r.err != nil {
		return
	}

	r.seq++
	r.err = r.encoder.Encode(Event{
		Seq:  r.seq,
		Time: r.now(),
		Dir:  dir,
		Data: data,
	})
}

// Count returns the number of events recorded.
func (r *Recorder) Count() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}

// Err returns the first encoding error, if any.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Close stops recording and closes the file opened by Create.
// It is safe to call Close multiple times.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

var _ stservo.Tracer = (*Recorder)(nil)

// Reader decodes events written by a Recorder.
type Reader struct {
	decoder *cbor.Decoder
	closer  io.Closer
}

// NewReader creates a reader over r.
func NewReader(r io.Reader) *Reader {
	return &Reader{decoder: decMode.NewDecoder(r)}
}

// Open reads events from the file at path.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r := NewReader(f)
	r.closer = f
	return r, nil
}

// Next returns the next event, or io.EOF at the end of the stream.
func (r *Reader) Next() (Event, error) {
	var event Event
	if err := r.decoder.Decode(&event); err != nil {
		if errors.Is(err, io.EOF) {
			return Event{}, io.EOF
		}
		return Event{}, err
	}
	return event, nil
}

// All reads the remaining events.
func (r *Reader) All() ([]Event, error) {
	var events []Event
	for {
		ev, err := r.Next()
		if errors.Is(err, io.EOF) {
			return events, nil
		}
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
}

// Close closes the file opened by Open.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

// Frames splits the received bytes of events into status frames, in order.
// Bytes that never form a valid frame are skipped.
func Frames(events []Event) []stservo.Packet {
	proto := stservo.NewProtocol(stservo.ProtocolSTS)

	var (
		buf     []byte
		packets []stservo.Packet
	)
	for _, ev := range events {
		if ev.Dir != stservo.DirectionRx {
			continue
		}
		buf = append(buf, ev.Data...)
		for {
			frame, consumed, ok := proto.Scan(buf)
			if ok {
				if pkt, err := proto.Decode(frame); err == nil {
					packets = append(packets, pkt)
				}
			}
			buf = buf[consumed:]
			if !ok {
				break
			}
		}
	}
	return packets
}
