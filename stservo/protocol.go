// Package stservo implements the host side of the Feetech/Waveshare STS servo
// bus: packet codec, port handling, single-device exchanges and group sync
// read/write.
package stservo

import (
	"encoding/binary"
	"fmt"
)

// Protocol version constants.
const (
	ProtocolSTS = iota // STS/SMS series: little-endian
	ProtocolSCS        // SCS series: big-endian, no sync read
)

// Instruction codes.
const (
	InstPing      byte = 0x01
	InstRead      byte = 0x02
	InstWrite     byte = 0x03
	InstRegWrite  byte = 0x04
	InstAction    byte = 0x05
	InstReset     byte = 0x06
	InstSyncRead  byte = 0x82
	InstSyncWrite byte = 0x83
)

// Special ID values.
const (
	BroadcastID = 0xFE
	MaxServoID  = 0xFD
	invalidID   = 0xFF
)

// Frame layout.
const (
	headerByte1 = 0xFF
	headerByte2 = 0xFF

	pktID     = 2
	pktLength = 3
	pktInst   = 4
	pktError  = 4
	pktParam0 = 5

	// MinFrameLen is a frame without parameters: header, id, length, instr, checksum.
	MinFrameLen = 6

	// MaxParams is the largest parameter count the length byte can describe.
	MaxParams = 0xFF - 2

	// maxRxLength bounds the length byte of a plausible status frame.
	maxRxLength = 250
)

// StatusError holds the error flags a servo reports in its status frame.
type StatusError byte

const (
	ErrVoltage     StatusError = 1 << 0
	ErrAngleLimit  StatusError = 1 << 1
	ErrOverheat    StatusError = 1 << 2
	ErrRange       StatusError = 1 << 3
	ErrChecksum    StatusError = 1 << 4
	ErrOverload    StatusError = 1 << 5
	ErrInstruction StatusError = 1 << 6
)

func (e StatusError) Error() string {
	if e == 0 {
		return "no error"
	}

	var msgs []string
	if e&ErrVoltage != 0 {
		msgs = append(msgs, "input voltage")
	}
	if e&ErrAngleLimit != 0 {
		msgs = append(msgs, "angle limit")
	}
	if e&ErrOverheat != 0 {
		msgs = append(msgs, "overheat")
	}
	if e&ErrRange != 0 {
		msgs = append(msgs, "out of range")
	}
	if e&ErrChecksum != 0 {
		msgs = append(msgs, "checksum")
	}
	if e&ErrOverload != 0 {
		msgs = append(msgs, "overload")
	}
	if e&ErrInstruction != 0 {
		msgs = append(msgs, "instruction")
	}

	return fmt.Sprintf("servo status error: %v", msgs)
}

// HasError returns true if any error flag is set.
func (e StatusError) HasError() bool {
	return e != 0
}

// Packet is a decoded or to-be-encoded frame.
type Packet struct {
	ID          byte
	Instruction byte
	Parameters  []byte
	Error       StatusError // only set on status frames
}

// Protocol handles packet encoding/decoding for a specific protocol version.
type Protocol struct {
	version   int
	byteOrder binary.ByteOrder
}

// NewProtocol creates a protocol handler for the specified version.
func NewProtocol(version int) *Protocol {
	p := &Protocol{version: version}
	if version == ProtocolSCS {
		p.byteOrder = binary.BigEndian
	} else {
		p.byteOrder = binary.LittleEndian
	}
	return p
}

// ByteOrder returns the byte order for multi-byte values.
func (p *Protocol) ByteOrder() binary.ByteOrder {
	return p.byteOrder
}

// Version returns the protocol version.
func (p *Protocol) Version() int {
	return p.version
}

// EncodeWord converts a 16-bit value to bytes in protocol byte order.
func (p *Protocol) EncodeWord(value uint16) []byte {
	buf := make([]byte, 2)
	p.byteOrder.PutUint16(buf, value)
	return buf
}

// DecodeWord converts bytes to a 16-bit value using protocol byte order.
func (p *Protocol) DecodeWord(data []byte) uint16 {
	if len(data) < 2 {
		return 0
	}
	return p.byteOrder.Uint16(data)
}

// EncodeValue renders value as width bytes (1, 2 or 4) in protocol byte order.
func (p *Protocol) EncodeValue(value uint32, width int) ([]byte, error) {
	buf := make([]byte, width)
	switch width {
	case 1:
		buf[0] = byte(value)
	case 2:
		p.byteOrder.PutUint16(buf, uint16(value))
	case 4:
		p.byteOrder.PutUint32(buf, value)
	default:
		return nil, fmt.Errorf("%w: %d", ErrInvalidWidth, width)
	}
	return buf, nil
}

// DecodeValue assembles a 1, 2 or 4 byte value. Short input decodes as 0.
func (p *Protocol) DecodeValue(data []byte, width int) uint32 {
	if len(data) < width {
		return 0
	}
	switch width {
	case 1:
		return uint32(data[0])
	case 2:
		return uint32(p.byteOrder.Uint16(data))
	case 4:
		return p.byteOrder.Uint32(data)
	}
	return 0
}

// Checksum returns the one's complement of the byte sum of data.
func Checksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return ^sum
}

// Encode constructs a wire-format frame from the given packet.
func (p *Protocol) Encode(pkt Packet) ([]byte, error) {
	if pkt.ID == invalidID {
		return nil, fmt.Errorf("%w: %d", ErrInvalidID, pkt.ID)
	}
	if len(pkt.Parameters) > MaxParams {
		return nil, fmt.Errorf("%w: %d parameters (max %d)", ErrPacketTooLong, len(pkt.Parameters), MaxParams)
	}

	length := byte(len(pkt.Parameters) + 2) // params + instruction + checksum

	buf := make([]byte, 0, MinFrameLen+len(pkt.Parameters))
	buf = append(buf, headerByte1, headerByte2)
	buf = append(buf, pkt.ID)
	buf = append(buf, length)
	buf = append(buf, pkt.Instruction)
	buf = append(buf, pkt.Parameters...)
	buf = append(buf, Checksum(buf[pktID:]))

	return buf, nil
}

// Decode parses exactly one frame. Byte 4 is reported both as Instruction and,
// for status frames, as Error. Parameters are copied out of frame.
func (p *Protocol) Decode(frame []byte) (Packet, error) {
	if len(frame) < MinFrameLen {
		return Packet{}, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(frame))
	}
	if frame[0] != headerByte1 || frame[1] != headerByte2 {
		return Packet{}, fmt.Errorf("%w: % X", ErrBadHeader, frame[:2])
	}

	length := int(frame[pktLength])
	if length < 2 || len(frame)-4 != length {
		return Packet{}, fmt.Errorf("%w: length field %d, %d bytes follow", ErrLengthMismatch, length, len(frame)-4)
	}

	want := Checksum(frame[pktID : len(frame)-1])
	got := frame[len(frame)-1]
	if want != got {
		return Packet{}, fmt.Errorf("%w: expected 0x%02X, got 0x%02X", ErrChecksumMismatch, want, got)
	}

	pkt := Packet{
		ID:          frame[pktID],
		Instruction: frame[pktInst],
		Error:       StatusError(frame[pktError]),
	}
	if n := length - 2; n > 0 {
		pkt.Parameters = make([]byte, n)
		copy(pkt.Parameters, frame[pktParam0:pktParam0+n])
	}
	return pkt, nil
}

// Scan looks for the next plausible status frame in buf. It returns the frame
// when complete, and how many leading bytes the caller can drop. With ok false
// and consumed > 0 the dropped bytes were garbage; the remainder may still grow
// into a frame once more bytes arrive.
func (p *Protocol) Scan(buf []byte) (frame []byte, consumed int, ok bool) {
	i := 0
	for {
		// find header
		for i+1 < len(buf) && !(buf[i] == headerByte1 && buf[i+1] == headerByte2) {
			i++
		}
		if i+1 >= len(buf) {
			// keep a trailing 0xFF, it may start a header
			if i < len(buf) && buf[i] == headerByte1 {
				return nil, i, false
			}
			return nil, len(buf), false
		}
		if len(buf)-i < MinFrameLen {
			return nil, i, false
		}

		id := buf[i+pktID]
		length := int(buf[i+pktLength])
		errByte := buf[i+pktError]
		if id > MaxServoID || length < 2 || length > maxRxLength || errByte > 0x7F {
			i++
			continue
		}

		total := 4 + length
		if len(buf)-i < total {
			return nil, i, false
		}
		return buf[i : i+total], i + total, true
	}
}

// ResponseLength returns the wire length of a status frame carrying dataLen bytes.
func ResponseLength(dataLen int) int {
	return MinFrameLen + dataLen
}

// Instruction packet builders

// PingPacket creates a ping instruction packet.
func (p *Protocol) PingPacket(id byte) ([]byte, error) {
	return p.Encode(Packet{ID: id, Instruction: InstPing})
}

// ReadPacket creates a read instruction packet.
func (p *Protocol) ReadPacket(id, address, length byte) ([]byte, error) {
	return p.Encode(Packet{
		ID:          id,
		Instruction: InstRead,
		Parameters:  []byte{address, length},
	})
}

// WritePacket creates a write instruction packet.
func (p *Protocol) WritePacket(id, address byte, data []byte) ([]byte, error) {
	return p.Encode(Packet{
		ID:          id,
		Instruction: InstWrite,
		Parameters:  addressed(address, data),
	})
}

// RegWritePacket creates a buffered write, executed on the next action packet.
func (p *Protocol) RegWritePacket(id, address byte, data []byte) ([]byte, error) {
	return p.Encode(Packet{
		ID:          id,
		Instruction: InstRegWrite,
		Parameters:  addressed(address, data),
	})
}

// ActionPacket creates a broadcast action packet that triggers reg writes.
func (p *Protocol) ActionPacket() ([]byte, error) {
	return p.Encode(Packet{ID: BroadcastID, Instruction: InstAction})
}

// ResetPacket creates a reset instruction packet.
func (p *Protocol) ResetPacket(id byte) ([]byte, error) {
	return p.Encode(Packet{ID: id, Instruction: InstReset})
}

// SyncWriteEntry is one servo's slice of a sync write.
type SyncWriteEntry struct {
	ID   byte
	Data []byte
}

// SyncWritePacket creates a sync write packet. Entries are emitted in order,
// each id immediately followed by its data.
func (p *Protocol) SyncWritePacket(address, dataLen byte, entries []SyncWriteEntry) ([]byte, error) {
	params := make([]byte, 0, 2+len(entries)*(1+int(dataLen)))
	params = append(params, address, dataLen)

	for _, e := range entries {
		if len(e.Data) != int(dataLen) {
			return nil, fmt.Errorf("%w: servo %d has %d bytes, want %d", ErrWidthMismatch, e.ID, len(e.Data), dataLen)
		}
		params = append(params, e.ID)
		params = append(params, e.Data...)
	}

	return p.Encode(Packet{
		ID:          BroadcastID,
		Instruction: InstSyncWrite,
		Parameters:  params,
	})
}

// SyncReadPacket creates a sync read instruction packet.
func (p *Protocol) SyncReadPacket(address, dataLen byte, ids []byte) ([]byte, error) {
	params := make([]byte, 0, 2+len(ids))
	params = append(params, address, dataLen)
	params = append(params, ids...)

	return p.Encode(Packet{
		ID:          BroadcastID,
		Instruction: InstSyncRead,
		Parameters:  params,
	})
}

func addressed(address byte, data []byte) []byte {
	params := make([]byte, 1+len(data))
	params[0] = address
	copy(params[1:], data)
	return params
}
