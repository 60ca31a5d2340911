package stservo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Controller performs request/response exchanges with servos on a bus.
// Every public method holds the port for the whole exchange, so a reply can
// never be consumed by another caller.
type Controller struct {
	port     *Port
	protocol *Protocol
	logger   *zap.Logger

	// slot is a single-entry semaphore guarding the port.
	slot chan struct{}

	lastCmdTime time.Time
	minCmdGap   time.Duration

	// rx holds bytes received but not yet consumed by a frame. It is reset
	// before each transmission.
	rx []byte
}

// ControllerConfig holds configuration for NewController.
type ControllerConfig struct {
	// Protocol version: ProtocolSTS (default) or ProtocolSCS.
	Protocol int

	// MinCommandGap is the minimum time between commands. Default is 1ms.
	MinCommandGap time.Duration

	Logger *zap.Logger
}

// NewController creates a controller on top of an existing port. The port may
// be opened before or after.
func NewController(port *Port, cfg ControllerConfig) *Controller {
	if cfg.MinCommandGap == 0 {
		cfg.MinCommandGap = time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Controller{
		port:        port,
		protocol:    NewProtocol(cfg.Protocol),
		logger:      cfg.Logger,
		slot:        make(chan struct{}, 1),
		minCmdGap:   cfg.MinCommandGap,
		lastCmdTime: time.Now(),
	}
}

// BusConfig holds configuration for Open.
type BusConfig struct {
	// Transport is the underlying communication transport.
	// If nil, Port must be specified to open a serial connection.
	Transport Transport

	// Port is the serial port path (e.g., "/dev/ttyACM0").
	Port string

	// BaudRate is the communication speed. Default is 1000000.
	BaudRate int

	// Protocol version: ProtocolSTS (default) or ProtocolSCS.
	Protocol int

	// LatencyTimer feeds the reply window. Default is 50ms.
	LatencyTimer time.Duration

	// MinCommandGap is the minimum time between commands. Default is 1ms.
	MinCommandGap time.Duration

	Logger *zap.Logger
	Tracer Tracer
}

// Open creates a port, opens it and wraps it in a controller.
func Open(cfg BusConfig) (*Controller, error) {
	opener := Opener(nil)
	path := cfg.Port
	if cfg.Transport != nil {
		t := cfg.Transport
		opener = func(string, int) (Transport, error) { return t, nil }
		if path == "" {
			path = "transport"
		}
	} else if path == "" {
		return nil, errors.New("either Transport or Port must be specified")
	}

	port := NewPort(PortConfig{
		BaudRate:     cfg.BaudRate,
		LatencyTimer: cfg.LatencyTimer,
		Opener:       opener,
		Logger:       cfg.Logger,
		Tracer:       cfg.Tracer,
	})
	if err := port.Open(path); err != nil {
		return nil, err
	}

	return NewController(port, ControllerConfig{
		Protocol:      cfg.Protocol,
		MinCommandGap: cfg.MinCommandGap,
		Logger:        cfg.Logger,
	}), nil
}

// Close closes the underlying port.
func (c *Controller) Close() error {
	c.port.Close()
	return nil
}

// Port returns the port this controller talks through.
func (c *Controller) Port() *Port {
	return c.port
}

// Protocol returns the protocol handler for this bus.
func (c *Controller) Protocol() *Protocol {
	return c.protocol
}

// Ping checks that a servo answers and returns its model number. A ping to
// the broadcast id is not available.
func (c *Controller) Ping(ctx context.Context, id int) (uint16, Reply, error) {
	if err := validateID(id); err != nil {
		return 0, Reply{}, err
	}
	if id == BroadcastID {
		return 0, Reply{ID: BroadcastID, Result: CommNotAvailable}, nil
	}

	if !c.acquire(ctx) {
		return 0, Reply{ID: byte(id), Result: CommPortBusy}, nil
	}
	defer c.release()

	packet, err := c.protocol.PingPacket(byte(id))
	if err != nil {
		return 0, Reply{}, err
	}

	reply := c.exchangeLocked(byte(id), packet, 0)
	if reply.Result != CommSuccess {
		return 0, reply, nil
	}

	model, err := c.readLocked(byte(id), RegModelNumber.Address, RegModelNumber.Size)
	if err != nil {
		return 0, Reply{}, err
	}
	model.Status |= reply.Status
	if model.Result != CommSuccess {
		return 0, model, nil
	}

	return c.protocol.DecodeWord(model.Data), model, nil
}

// ReadBytes reads length bytes starting at address.
func (c *Controller) ReadBytes(ctx context.Context, id int, address byte, length int) (Reply, error) {
	if err := validateID(id); err != nil {
		return Reply{}, err
	}
	if length < 1 || length > maxRxLength-2 {
		return Reply{}, fmt.Errorf("%w: read of %d bytes", ErrInvalidWidth, length)
	}
	if id == BroadcastID {
		return Reply{ID: BroadcastID, Result: CommNotAvailable}, nil
	}

	if !c.acquire(ctx) {
		return Reply{ID: byte(id), Result: CommPortBusy}, nil
	}
	defer c.release()

	return c.readLocked(byte(id), address, length)
}

// Read reads a 1, 2 or 4 byte value at address.
func (c *Controller) Read(ctx context.Context, id int, address byte, width int) (uint32, Reply, error) {
	if err := validateWidth(width); err != nil {
		return 0, Reply{}, err
	}

	reply, err := c.ReadBytes(ctx, id, address, width)
	if err != nil || reply.Result != CommSuccess {
		return 0, reply, err
	}
	return c.protocol.DecodeValue(reply.Data, width), reply, nil
}

// ReadRegister reads a named register.
func (c *Controller) ReadRegister(ctx context.Context, id int, reg Register) (uint32, Reply, error) {
	return c.Read(ctx, id, reg.Address, reg.Size)
}

// WriteBytes writes data starting at address. A write to the broadcast id
// returns as soon as the frame is sent.
func (c *Controller) WriteBytes(ctx context.Context, id int, address byte, data []byte) (Reply, error) {
	return c.write(ctx, "write", id, address, data, c.protocol.WritePacket)
}

// Write writes a 1, 2 or 4 byte value at address.
func (c *Controller) Write(ctx context.Context, id int, address byte, width int, value uint32) (Reply, error) {
	data, err := c.protocol.EncodeValue(value, width)
	if err != nil {
		return Reply{}, err
	}
	return c.WriteBytes(ctx, id, address, data)
}

// WriteRegister writes a named register. Read-only registers are rejected.
func (c *Controller) WriteRegister(ctx context.Context, id int, reg Register, value uint32) (Reply, error) {
	if reg.ReadOnly {
		return Reply{}, fmt.Errorf("%w: register %d is read-only", ErrInvalidValue, reg.Address)
	}
	return c.Write(ctx, id, reg.Address, reg.Size, value)
}

// RegWrite writes data to a servo's buffer without immediate execution.
// Call Action to execute all buffered writes.
func (c *Controller) RegWrite(ctx context.Context, id int, address byte, data []byte) (Reply, error) {
	return c.write(ctx, "reg_write", id, address, data, c.protocol.RegWritePacket)
}

// Action triggers execution of all buffered RegWrite commands.
func (c *Controller) Action(ctx context.Context) Reply {
	if !c.acquire(ctx) {
		return Reply{ID: BroadcastID, Result: CommPortBusy}
	}
	defer c.release()

	packet, _ := c.protocol.ActionPacket()
	return Reply{ID: BroadcastID, Result: c.sendLocked(packet)}
}

// Reset restores a servo's factory settings.
func (c *Controller) Reset(ctx context.Context, id int) (Reply, error) {
	if err := validateID(id); err != nil {
		return Reply{}, err
	}

	if !c.acquire(ctx) {
		return Reply{ID: byte(id), Result: CommPortBusy}, nil
	}
	defer c.release()

	packet, err := c.protocol.ResetPacket(byte(id))
	if err != nil {
		return Reply{}, err
	}
	return c.exchangeLocked(byte(id), packet, 0), nil
}

// SyncWrite sends one broadcast frame writing width bytes at address on
// every listed servo. Nothing is sent for an empty list.
func (c *Controller) SyncWrite(ctx context.Context, address byte, width int, entries []SyncWriteEntry) (CommResult, error) {
	if width < 1 || width > MaxParams-3 {
		return CommNotAvailable, fmt.Errorf("%w: %d", ErrInvalidWidth, width)
	}
	if len(entries) == 0 {
		return CommNotAvailable, nil
	}

	seen := make(map[byte]bool, len(entries))
	for _, e := range entries {
		if e.ID > MaxServoID {
			return CommNotAvailable, fmt.Errorf("%w: %d", ErrInvalidID, e.ID)
		}
		if seen[e.ID] {
			return CommNotAvailable, fmt.Errorf("%w: %d", ErrDuplicateID, e.ID)
		}
		seen[e.ID] = true
	}

	packet, err := c.protocol.SyncWritePacket(address, byte(width), entries)
	if err != nil {
		return CommNotAvailable, err
	}

	if !c.acquire(ctx) {
		return CommPortBusy, nil
	}
	defer c.release()

	return c.sendLocked(packet), nil
}

// SyncRead sends one broadcast sync-read and collects a reply per id. Replies
// are matched to ids by the id they echo, so a servo answering out of turn is
// still attributed correctly. The returned result is CommSuccess when every
// id replied, otherwise the result of the first id that did not.
// Sync read is not available in the SCS protocol.
func (c *Controller) SyncRead(ctx context.Context, address byte, width int, ids []byte) (map[byte]Reply, CommResult, error) {
	if width < 1 || width > maxRxLength-2 {
		return nil, CommNotAvailable, fmt.Errorf("%w: %d", ErrInvalidWidth, width)
	}
	seen := make(map[byte]bool, len(ids))
	for _, id := range ids {
		if id > MaxServoID {
			return nil, CommNotAvailable, fmt.Errorf("%w: %d", ErrInvalidID, id)
		}
		if seen[id] {
			return nil, CommNotAvailable, fmt.Errorf("%w: %d", ErrDuplicateID, id)
		}
		seen[id] = true
	}
	if len(ids) == 0 || c.protocol.Version() == ProtocolSCS {
		return nil, CommNotAvailable, nil
	}

	packet, err := c.protocol.SyncReadPacket(address, byte(width), ids)
	if err != nil {
		return nil, CommNotAvailable, err
	}

	if !c.acquire(ctx) {
		replies := make(map[byte]Reply, len(ids))
		for _, id := range ids {
			replies[id] = Reply{ID: id, Result: CommPortBusy}
		}
		return replies, CommPortBusy, nil
	}
	defer c.release()

	replies, result := c.syncReadLocked(packet, width, ids)
	return replies, result, nil
}

// Internal methods

func (c *Controller) acquire(ctx context.Context) bool {
	select {
	case c.slot <- struct{}{}:
		return true
	default:
	}

	select {
	case c.slot <- struct{}{}:
		return true
	case <-ctx.Done():
		c.logger.Debug("Gave up waiting for port", zap.Error(ctx.Err()))
		return false
	}
}

func (c *Controller) release() {
	<-c.slot
}

func validateID(id int) error {
	if id < 0 || id > BroadcastID {
		return fmt.Errorf("%w: %d (valid range: 0-%d, %d for broadcast)", ErrInvalidID, id, MaxServoID, BroadcastID)
	}
	return nil
}

func validateWidth(width int) error {
	if width != 1 && width != 2 && width != 4 {
		return fmt.Errorf("%w: %d", ErrInvalidWidth, width)
	}
	return nil
}

func (c *Controller) write(ctx context.Context, op string, id int, address byte, data []byte,
	build func(id, address byte, data []byte) ([]byte, error)) (Reply, error) {
	if err := validateID(id); err != nil {
		return Reply{}, err
	}
	if len(data) == 0 {
		return Reply{}, fmt.Errorf("%w: %s of 0 bytes", ErrInvalidWidth, op)
	}

	packet, err := build(byte(id), address, data)
	if err != nil {
		return Reply{}, err
	}

	if !c.acquire(ctx) {
		return Reply{ID: byte(id), Result: CommPortBusy}, nil
	}
	defer c.release()

	return c.exchangeLocked(byte(id), packet, 0), nil
}

func (c *Controller) enforceCommandGap() {
	elapsed := time.Since(c.lastCmdTime)
	if elapsed < c.minCmdGap {
		time.Sleep(c.minCmdGap - elapsed)
	}
}

func (c *Controller) sendLocked(packet []byte) CommResult {
	if !c.port.IsOpen() {
		return CommTxFail
	}

	c.enforceCommandGap()

	// stale bytes from an earlier exchange must not satisfy this one
	c.rx = c.rx[:0]
	if err := c.port.ClearInput(); err != nil {
		c.logger.Debug("Failed to clear input", zap.Error(err))
	}

	_, err := c.port.WriteBytes(packet)
	c.lastCmdTime = time.Now()
	if err != nil {
		c.logger.Warn("Failed to send packet", zap.Error(err))
		return CommTxFail
	}
	return CommSuccess
}

func (c *Controller) readLocked(id, address byte, length int) (Reply, error) {
	packet, err := c.protocol.ReadPacket(id, address, byte(length))
	if err != nil {
		return Reply{}, err
	}
	return c.exchangeLocked(id, packet, length), nil
}

// exchangeLocked sends packet and, unless it was broadcast, waits for one
// status frame from id carrying dataLen parameter bytes.
func (c *Controller) exchangeLocked(id byte, packet []byte, dataLen int) Reply {
	reply := Reply{ID: id}

	if reply.Result = c.sendLocked(packet); reply.Result != CommSuccess {
		return reply
	}
	if id == BroadcastID {
		return reply
	}

	pkt, res := c.receiveLocked(c.port.Deadline(ResponseLength(dataLen)))
	if res != CommSuccess {
		c.logger.Debug("No valid reply", zap.Uint8("id", id), zap.Stringer("result", res))
		reply.Result = res
		return reply
	}
	if pkt.ID != id || len(pkt.Parameters) != dataLen {
		c.logger.Debug("Unexpected reply",
			zap.Uint8("id", id),
			zap.Uint8("reply_id", pkt.ID),
			zap.Int("data_len", len(pkt.Parameters)))
		reply.Result = CommRxCorrupt
		return reply
	}

	reply.Status = pkt.Error
	reply.Data = pkt.Parameters
	return reply
}

func (c *Controller) syncReadLocked(packet []byte, width int, ids []byte) (map[byte]Reply, CommResult) {
	replies := make(map[byte]Reply, len(ids))

	if res := c.sendLocked(packet); res != CommSuccess {
		for _, id := range ids {
			replies[id] = Reply{ID: id, Result: res}
		}
		return replies, res
	}

	pending := make(map[byte]bool, len(ids))
	for _, id := range ids {
		pending[id] = true
	}

	frameLen := ResponseLength(width)
	slots := make([]CommResult, len(ids))
	for i := range ids {
		pkt, res := c.receiveLocked(c.port.Deadline((i + 1) * frameLen))
		if res == CommSuccess && (!pending[pkt.ID] || len(pkt.Parameters) != width) {
			c.logger.Debug("Unexpected sync read reply",
				zap.Uint8("reply_id", pkt.ID),
				zap.Int("data_len", len(pkt.Parameters)))
			res = CommRxCorrupt
		}
		slots[i] = res
		if res != CommSuccess {
			continue
		}

		delete(pending, pkt.ID)
		replies[pkt.ID] = Reply{ID: pkt.ID, Result: CommSuccess, Status: pkt.Error, Data: pkt.Parameters}
	}

	result := CommSuccess
	for i, id := range ids {
		if !pending[id] {
			continue
		}
		res := slots[i]
		if res == CommSuccess {
			// the slot was filled by another servo's reply
			res = CommRxTimeout
		}
		replies[id] = Reply{ID: id, Result: res}
		if result == CommSuccess {
			result = res
		}
	}
	return replies, result
}

// receiveLocked reads until one plausible, checksummed status frame arrives
// or the deadline passes.
func (c *Controller) receiveLocked(deadline time.Time) (Packet, CommResult) {
	received := len(c.rx) > 0

	for {
		frame, consumed, ok := c.protocol.Scan(c.rx)
		if ok {
			pkt, err := c.protocol.Decode(frame)
			c.rx = c.rx[consumed:]
			if err != nil {
				c.logger.Debug("Dropping corrupt frame", zap.Error(err))
				return Packet{}, CommRxCorrupt
			}
			return pkt, CommSuccess
		}
		c.rx = c.rx[consumed:]

		remaining := time.Until(deadline)
		if remaining <= 0 {
			if received {
				return Packet{}, CommRxCorrupt
			}
			return Packet{}, CommRxTimeout
		}

		chunk, err := c.port.ReadBytes(c.missing(), remaining)
		if len(chunk) > 0 {
			received = true
			c.rx = append(c.rx, chunk...)
		}
		if err != nil {
			c.logger.Warn("Failed to read reply", zap.Error(err))
			return Packet{}, CommRxFail
		}
	}
}

// missing is how many more bytes could complete the frame at the start of rx.
func (c *Controller) missing() int {
	n := MinFrameLen - len(c.rx)
	if len(c.rx) > pktLength && c.rx[0] == headerByte1 && c.rx[1] == headerByte2 {
		n = 4 + int(c.rx[pktLength]) - len(c.rx)
	}
	if n < 1 {
		n = 1
	}
	return n
}
