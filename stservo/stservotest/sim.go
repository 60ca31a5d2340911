// Package stservotest provides an in-memory STS bus for tests and dry runs.
package stservotest

import (
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/kaidokert/waveshare-stservo-go/stservo"
)

// Device is one simulated servo and its control table.
type Device struct {
	ID     byte
	Mem    [256]byte
	Status stservo.StatusError

	// Silent devices ignore every request.
	Silent bool

	// Step, when non-zero, is how far present position moves toward goal
	// position on each read of the feedback block.
	Step int

	pending []byte // reg write: address followed by data
}

// Get returns a little-endian value from the control table.
func (d *Device) Get(address byte, width int) uint32 {
	switch width {
	case 1:
		return uint32(d.Mem[address])
	case 2:
		return uint32(binary.LittleEndian.Uint16(d.Mem[address:]))
	case 4:
		return binary.LittleEndian.Uint32(d.Mem[address:])
	}
	return 0
}

// Set stores a little-endian value in the control table.
func (d *Device) Set(address byte, width int, value uint32) {
	switch width {
	case 1:
		d.Mem[address] = byte(value)
	case 2:
		binary.LittleEndian.PutUint16(d.Mem[address:], uint16(value))
	case 4:
		binary.LittleEndian.PutUint32(d.Mem[address:], value)
	}
}

func (d *Device) advance() {
	if d.Step <= 0 {
		return
	}
	pos := int(d.Get(stservo.RegPresentPosition.Address, 2))
	goal := int(d.Get(stservo.RegGoalPosition.Address, 2))
	switch {
	case goal > pos:
		pos = min(pos+d.Step, goal)
	case goal < pos:
		pos = max(pos-d.Step, goal)
	}
	d.Set(stservo.RegPresentPosition.Address, 2, uint32(pos))
	if pos == goal {
		d.Mem[stservo.RegMoving.Address] = 0
	} else {
		d.Mem[stservo.RegMoving.Address] = 1
	}
}

// Bus is a simulated half-duplex bus. It implements stservo.Transport: every
// Write is parsed as instruction frames and the answers become readable.
type Bus struct {
	mu      sync.Mutex
	devices map[byte]*Device
	in      []byte
	out     []byte
	closed  bool
	baud    int
	timeout time.Duration

	// Requests counts instruction frames received.
	Requests int

	// Mangle, when set, may rewrite each status frame before it is queued.
	Mangle func(frame []byte) []byte
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{
		devices: make(map[byte]*Device),
		baud:    stservo.DefaultBaudRate,
	}
}

// AddServo attaches a servo with factory defaults for the given model number.
func (b *Bus) AddServo(id int, model int) *Device {
	d := &Device{ID: byte(id)}
	d.Set(stservo.RegModelNumber.Address, 2, uint32(model))
	d.Set(stservo.RegID.Address, 1, uint32(id))
	d.Set(stservo.RegMaxAngleLimit.Address, 2, stservo.MaxPosition)
	d.Set(stservo.RegTorqueLimit.Address, 2, 1000)
	d.Set(stservo.RegLock.Address, 1, 1)
	d.Set(stservo.RegPresentPosition.Address, 2, 2048)
	d.Set(stservo.RegGoalPosition.Address, 2, 2048)
	d.Set(stservo.RegPresentVoltage.Address, 1, 120)
	d.Set(stservo.RegPresentTemperature.Address, 1, 30)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.devices[d.ID] = d
	return d
}

// Device returns the servo currently answering to id.
func (b *Bus) Device(id int) *Device {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.devices[byte(id)]
}

// Remove detaches the servo at id.
func (b *Bus) Remove(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.devices, byte(id))
}

// Open lets the bus stand in for a serial port.
func (b *Bus) Open(string, int) (stservo.Transport, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = false
	return b, nil
}

func (b *Bus) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, io.ErrClosedPipe
	}
	n := copy(p, b.out)
	b.out = b.out[n:]
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (b *Bus) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, io.ErrClosedPipe
	}
	b.in = append(b.in, p...)
	for {
		frame, ok := b.nextFrame()
		if !ok {
			break
		}
		b.Requests++
		b.handle(frame)
	}
	return len(p), nil
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *Bus) SetReadTimeout(timeout time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.timeout = timeout
	return nil
}

func (b *Bus) SetBaudRate(baud int) error {
	if baud <= 0 {
		return errors.New("invalid baud rate")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.baud = baud
	return nil
}

func (b *Bus) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.out = nil
	return nil
}

// nextFrame pops one checksummed instruction frame from the input, dropping
// garbage in front of it.
func (b *Bus) nextFrame() ([]byte, bool) {
	for {
		i := 0
		for i+1 < len(b.in) && !(b.in[i] == 0xFF && b.in[i+1] == 0xFF) {
			i++
		}
		b.in = b.in[i:]
		if len(b.in) < stservo.MinFrameLen {
			return nil, false
		}

		total := 4 + int(b.in[3])
		if b.in[3] < 2 {
			b.in = b.in[1:]
			continue
		}
		if len(b.in) < total {
			return nil, false
		}

		frame := b.in[:total]
		if stservo.Checksum(frame[2:total-1]) != frame[total-1] {
			b.in = b.in[1:]
			continue
		}
		b.in = b.in[total:]
		return frame, true
	}
}

func (b *Bus) handle(frame []byte) {
	id := frame[2]
	inst := frame[4]
	params := frame[5 : len(frame)-1]

	switch inst {
	case stservo.InstSyncWrite:
		b.syncWrite(params)
		return
	case stservo.InstSyncRead:
		b.syncRead(params)
		return
	case stservo.InstAction:
		for _, d := range b.devices {
			b.apply(d)
		}
		return
	}

	if id == stservo.BroadcastID {
		if inst == stservo.InstWrite && len(params) > 1 {
			for _, d := range b.devices {
				b.write(d, params[0], params[1:])
			}
		}
		return
	}

	d, ok := b.devices[id]
	if !ok || d.Silent {
		return
	}

	switch inst {
	case stservo.InstPing:
		b.reply(d, nil)
	case stservo.InstRead:
		if len(params) != 2 {
			b.replyStatus(d.ID, stservo.ErrInstruction, nil)
			return
		}
		b.reply(d, b.read(d, params[0], int(params[1])))
	case stservo.InstWrite:
		if len(params) < 2 {
			b.replyStatus(d.ID, stservo.ErrInstruction, nil)
			return
		}
		b.write(d, params[0], params[1:])
		// the status of an id change still comes from the addressed id
		b.replyStatus(id, d.Status, nil)
	case stservo.InstRegWrite:
		d.pending = append([]byte(nil), params...)
		b.reply(d, nil)
	case stservo.InstReset:
		b.reply(d, nil)
	default:
		b.replyStatus(d.ID, stservo.ErrInstruction, nil)
	}
}

var (
	feedbackStart = int(stservo.RegPresentPosition.Address)
	feedbackEnd   = int(stservo.RegPresentCurrent.Address) + stservo.RegPresentCurrent.Size
)

func (b *Bus) read(d *Device, address byte, n int) []byte {
	if int(address) < feedbackEnd && int(address)+n > feedbackStart {
		d.advance()
	}
	end := min(int(address)+n, len(d.Mem))
	out := make([]byte, n)
	copy(out, d.Mem[address:end])
	return out
}

func (b *Bus) write(d *Device, address byte, data []byte) {
	copy(d.Mem[address:], data)

	idAddr := stservo.RegID.Address
	if address <= idAddr && int(address)+len(data) > int(idAddr) {
		newID := d.Mem[idAddr]
		if newID != d.ID && newID <= stservo.MaxServoID {
			delete(b.devices, d.ID)
			d.ID = newID
			b.devices[newID] = d
		}
	}
}

func (b *Bus) apply(d *Device) {
	if len(d.pending) < 2 {
		return
	}
	b.write(d, d.pending[0], d.pending[1:])
	d.pending = nil
}

func (b *Bus) syncWrite(params []byte) {
	if len(params) < 2 {
		return
	}
	address, n := params[0], int(params[1])
	for rest := params[2:]; len(rest) >= 1+n; rest = rest[1+n:] {
		if d, ok := b.devices[rest[0]]; ok && !d.Silent {
			b.write(d, address, rest[1:1+n])
		}
	}
}

func (b *Bus) syncRead(params []byte) {
	if len(params) < 2 {
		return
	}
	address, n := params[0], int(params[1])
	for _, id := range params[2:] {
		if d, ok := b.devices[id]; ok && !d.Silent {
			b.reply(d, b.read(d, address, n))
		}
	}
}

func (b *Bus) reply(d *Device, data []byte) {
	b.replyStatus(d.ID, d.Status, data)
}

func (b *Bus) replyStatus(id byte, status stservo.StatusError, data []byte) {
	frame := make([]byte, 0, stservo.ResponseLength(len(data)))
	frame = append(frame, 0xFF, 0xFF, id, byte(len(data)+2), byte(status))
	frame = append(frame, data...)
	frame = append(frame, stservo.Checksum(frame[2:]))

	if b.Mangle != nil {
		frame = b.Mangle(frame)
	}
	b.out = append(b.out, frame...)
}
