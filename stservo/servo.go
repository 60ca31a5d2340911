package stservo

import (
	"context"
	"fmt"
)

// Servo provides a high-level interface for controlling a single servo.
// Every method is one or more Controller exchanges; transport failures and
// servo faults are both reported as errors (*CommError, *ServoError).
type Servo struct {
	ctl   *Controller
	id    int
	model *Model
	regs  RegisterMap
}

// NewServo creates a new Servo instance.
// If model is nil, defaults to STS3215.
func NewServo(ctl *Controller, id int, model *Model) *Servo {
	if model == nil {
		model = &ModelSTS3215
	}
	return &Servo{
		ctl:   ctl,
		id:    id,
		model: model,
		regs:  DefaultRegisterMap(),
	}
}

// ID returns the servo's ID.
func (s *Servo) ID() int {
	return s.id
}

// Model returns the servo's model specification.
func (s *Servo) Model() *Model {
	return s.model
}

// SetModel changes the servo's model. A nil model restores the STS3215 default.
func (s *Servo) SetModel(model *Model) {
	if model == nil {
		model = &ModelSTS3215
	}
	s.model = model
}

// SetRegisterMap replaces the table used by ReadNamed and WriteNamed.
func (s *Servo) SetRegisterMap(m RegisterMap) {
	s.regs = m
}

// Ping verifies communication with the servo and returns the model number.
func (s *Servo) Ping(ctx context.Context) (int, error) {
	model, reply, err := s.ctl.Ping(ctx, s.id)
	if err != nil {
		return 0, err
	}
	if err := reply.Err("ping"); err != nil {
		return 0, err
	}
	return int(model), nil
}

// DetectModel pings the servo and sets the model based on the returned model number.
func (s *Servo) DetectModel(ctx context.Context) error {
	modelNum, err := s.Ping(ctx)
	if err != nil {
		return err
	}

	model, ok := ModelByNumber(modelNum)
	if !ok {
		return fmt.Errorf("unknown model number: %d", modelNum)
	}
	s.model = model
	return nil
}

func (s *Servo) read(ctx context.Context, op string, reg Register) (uint32, error) {
	value, reply, err := s.ctl.ReadRegister(ctx, s.id, reg)
	if err != nil {
		return 0, err
	}
	if err := reply.Err(op); err != nil {
		return 0, err
	}
	return value, nil
}

func (s *Servo) write(ctx context.Context, op string, reg Register, value uint32) error {
	reply, err := s.ctl.WriteRegister(ctx, s.id, reg, value)
	if err != nil {
		return err
	}
	return reply.Err(op)
}

func (s *Servo) writeBytes(ctx context.Context, op string, address byte, data []byte) error {
	reply, err := s.ctl.WriteBytes(ctx, s.id, address, data)
	if err != nil {
		return err
	}
	return reply.Err(op)
}

// Position Control

// Position reads the current position.
func (s *Servo) Position(ctx context.Context) (int, error) {
	v, err := s.read(ctx, "read position", RegPresentPosition)
	return int(v), err
}

// SetPosition commands the servo to move to the specified position.
func (s *Servo) SetPosition(ctx context.Context, position int) error {
	if err := s.checkPosition(position); err != nil {
		return err
	}
	return s.write(ctx, "write position", RegGoalPosition, uint32(position))
}

// WritePosEx moves to position at speed (steps/s) with acceleration in one
// write covering acceleration, goal position, goal time and goal speed.
func (s *Servo) WritePosEx(ctx context.Context, position, speed, acc int) error {
	if err := s.checkPosition(position); err != nil {
		return err
	}
	if acc < 0 || acc > 254 {
		return fmt.Errorf("%w: acceleration %d", ErrInvalidValue, acc)
	}

	proto := s.ctl.Protocol()
	data := make([]byte, 7)
	data[0] = byte(acc)
	copy(data[1:3], proto.EncodeWord(uint16(position)))
	// goal time stays 0 so speed governs the move
	copy(data[5:7], proto.EncodeWord(encodeSignMagnitude(speed, RegGoalSpeed.SignBit)))

	return s.writeBytes(ctx, "write position", RegAcceleration.Address, data)
}

// SetPositionWithTime commands the servo to reach position in the specified time.
// Time is in milliseconds.
func (s *Servo) SetPositionWithTime(ctx context.Context, position, timeMs int) error {
	if err := s.checkPosition(position); err != nil {
		return err
	}

	proto := s.ctl.Protocol()
	data := make([]byte, 6)
	copy(data[0:2], proto.EncodeWord(uint16(position)))
	copy(data[2:4], proto.EncodeWord(uint16(timeMs)))

	return s.writeBytes(ctx, "write position", RegGoalPosition.Address, data)
}

func (s *Servo) checkPosition(position int) error {
	limit := MaxPosition
	if s.model != nil && s.model.MaxPosition > 0 {
		limit = s.model.MaxPosition
	}
	if position < MinPosition || position > limit {
		return fmt.Errorf("%w: position %d (valid range: %d-%d)", ErrInvalidValue, position, MinPosition, limit)
	}
	return nil
}

// Speed Control

// Speed reads the current speed.
// Returns a signed value; negative indicates reverse direction.
func (s *Servo) Speed(ctx context.Context) (int, error) {
	v, err := s.read(ctx, "read speed", RegPresentSpeed)
	if err != nil {
		return 0, err
	}
	return decodeSignMagnitude(uint16(v), RegPresentSpeed.SignBit), nil
}

// WheelMode switches the servo to continuous rotation.
func (s *Servo) WheelMode(ctx context.Context) error {
	return s.SetOperatingMode(ctx, ModeWheel)
}

// WriteSpeed sets the wheel-mode speed with acceleration.
// Positive values rotate one way, negative the other.
func (s *Servo) WriteSpeed(ctx context.Context, speed, acc int) error {
	if acc < 0 || acc > 254 {
		return fmt.Errorf("%w: acceleration %d", ErrInvalidValue, acc)
	}

	proto := s.ctl.Protocol()
	data := make([]byte, 7)
	data[0] = byte(acc)
	copy(data[5:7], proto.EncodeWord(encodeSignMagnitude(speed, RegGoalSpeed.SignBit)))

	return s.writeBytes(ctx, "write speed", RegAcceleration.Address, data)
}

// Torque Control

// TorqueEnabled returns whether torque is enabled.
func (s *Servo) TorqueEnabled(ctx context.Context) (bool, error) {
	v, err := s.read(ctx, "read torque", RegTorqueEnable)
	return v != 0, err
}

// SetTorqueEnabled enables or disables torque.
func (s *Servo) SetTorqueEnabled(ctx context.Context, enabled bool) error {
	var val uint32
	if enabled {
		val = 1
	}
	return s.write(ctx, "write torque", RegTorqueEnable, val)
}

// Enable is a convenience alias for SetTorqueEnabled(true).
func (s *Servo) Enable(ctx context.Context) error {
	return s.SetTorqueEnabled(ctx, true)
}

// Disable is a convenience alias for SetTorqueEnabled(false).
func (s *Servo) Disable(ctx context.Context) error {
	return s.SetTorqueEnabled(ctx, false)
}

// CalibrateMiddle makes the current position the new centre (2048).
func (s *Servo) CalibrateMiddle(ctx context.Context) error {
	return s.write(ctx, "calibrate", RegTorqueEnable, 128)
}

// Status

// Moving returns whether the servo is currently moving.
func (s *Servo) Moving(ctx context.Context) (bool, error) {
	v, err := s.read(ctx, "read moving", RegMoving)
	return v != 0, err
}

// Load reads the current load.
// Returns a signed value; negative indicates load in reverse direction.
func (s *Servo) Load(ctx context.Context) (int, error) {
	v, err := s.read(ctx, "read load", RegPresentLoad)
	if err != nil {
		return 0, err
	}
	return decodeSignMagnitude(uint16(v), RegPresentLoad.SignBit), nil
}

// Current reads the present current, signed.
func (s *Servo) Current(ctx context.Context) (int, error) {
	v, err := s.read(ctx, "read current", RegPresentCurrent)
	if err != nil {
		return 0, err
	}
	return decodeSignMagnitude(uint16(v), RegPresentCurrent.SignBit), nil
}

// Voltage reads the current supply voltage in tenths of a volt.
func (s *Servo) Voltage(ctx context.Context) (int, error) {
	v, err := s.read(ctx, "read voltage", RegPresentVoltage)
	return int(v), err
}

// Temperature reads the current temperature in degrees Celsius.
func (s *Servo) Temperature(ctx context.Context) (int, error) {
	v, err := s.read(ctx, "read temperature", RegPresentTemperature)
	return int(v), err
}

// Configuration

// OperatingMode reads the current operating mode.
func (s *Servo) OperatingMode(ctx context.Context) (int, error) {
	v, err := s.read(ctx, "read mode", RegOperatingMode)
	return int(v), err
}

// SetOperatingMode sets the operating mode.
func (s *Servo) SetOperatingMode(ctx context.Context, mode int) error {
	if mode < ModePosition || mode > ModeStep {
		return fmt.Errorf("%w: mode %d", ErrInvalidValue, mode)
	}
	return s.write(ctx, "write mode", RegOperatingMode, uint32(mode))
}

// PositionLimits reads the min and max position limits.
func (s *Servo) PositionLimits(ctx context.Context) (min, max int, err error) {
	lo, err := s.read(ctx, "read limits", RegMinAngleLimit)
	if err != nil {
		return 0, 0, err
	}
	hi, err := s.read(ctx, "read limits", RegMaxAngleLimit)
	if err != nil {
		return 0, 0, err
	}
	return int(lo), int(hi), nil
}

// EEPROM Configuration

// UnlockEEPROM allows writes to the EEPROM area to persist.
func (s *Servo) UnlockEEPROM(ctx context.Context) error {
	return s.write(ctx, "unlock eeprom", RegLock, 0)
}

// LockEEPROM protects the EEPROM area again.
func (s *Servo) LockEEPROM(ctx context.Context) error {
	return s.write(ctx, "lock eeprom", RegLock, 1)
}

// SetPositionLimits sets the min and max position limits.
func (s *Servo) SetPositionLimits(ctx context.Context, min, max int) error {
	if min < MinPosition || max > MaxPosition || min > max {
		return fmt.Errorf("%w: limits %d-%d", ErrInvalidValue, min, max)
	}
	return s.withUnlocked(ctx, func() error {
		if err := s.write(ctx, "write limits", RegMinAngleLimit, uint32(min)); err != nil {
			return err
		}
		return s.write(ctx, "write limits", RegMaxAngleLimit, uint32(max))
	})
}

// SetID changes the servo's ID: unlock, write the new id, lock at the new id.
// The servo object is updated with the new ID on success.
func (s *Servo) SetID(ctx context.Context, newID int) error {
	if newID < 0 || newID > MaxServoID {
		return fmt.Errorf("%w: %d", ErrInvalidID, newID)
	}

	if err := s.UnlockEEPROM(ctx); err != nil {
		return fmt.Errorf("failed to unlock eeprom: %w", err)
	}
	if err := s.write(ctx, "write id", RegID, uint32(newID)); err != nil {
		return err
	}

	s.id = newID
	if err := s.LockEEPROM(ctx); err != nil {
		return fmt.Errorf("failed to lock eeprom: %w", err)
	}
	return nil
}

// SetBaudRate changes the servo's baud rate.
// Takes the actual baud rate value (e.g., 1000000) not the index.
func (s *Servo) SetBaudRate(ctx context.Context, baudRate int) error {
	idx := s.model.BaudRateIndex(baudRate)
	if idx < 0 {
		return fmt.Errorf("baud rate %d not supported by model %s", baudRate, s.model.Name)
	}
	return s.withUnlocked(ctx, func() error {
		return s.write(ctx, "write baud rate", RegBaudRate, uint32(idx))
	})
}

func (s *Servo) withUnlocked(ctx context.Context, fn func() error) error {
	if err := s.UnlockEEPROM(ctx); err != nil {
		return fmt.Errorf("failed to unlock eeprom: %w", err)
	}
	fnErr := fn()
	if err := s.LockEEPROM(ctx); err != nil && fnErr == nil {
		return fmt.Errorf("failed to lock eeprom: %w", err)
	}
	return fnErr
}

// ReadNamed reads a register by its name in the servo's register map.
// Sign-magnitude registers are returned signed.
func (s *Servo) ReadNamed(ctx context.Context, name string) (int, error) {
	reg, ok := s.regs.Lookup(name)
	if !ok {
		return 0, fmt.Errorf("unknown register: %s", name)
	}
	v, err := s.read(ctx, "read "+name, reg)
	if err != nil {
		return 0, err
	}
	if reg.SignBit > 0 {
		return decodeSignMagnitudeBits(v, reg.SignBit), nil
	}
	return int(v), nil
}

// WriteNamed writes a register by its name in the servo's register map.
func (s *Servo) WriteNamed(ctx context.Context, name string, value int) error {
	reg, ok := s.regs.Lookup(name)
	if !ok {
		return fmt.Errorf("unknown register: %s", name)
	}
	if reg.ReadOnly {
		return fmt.Errorf("register %s is read-only", name)
	}

	raw := uint32(value)
	if reg.SignBit > 0 {
		raw = encodeSignMagnitudeBits(value, reg.SignBit)
	} else if value < 0 {
		return fmt.Errorf("%w: %s = %d", ErrInvalidValue, name, value)
	}
	return s.write(ctx, "write "+name, reg, raw)
}

// Sign-magnitude encoding helpers

func decodeSignMagnitude(value uint16, signBit int) int {
	return decodeSignMagnitudeBits(uint32(value), signBit)
}

func encodeSignMagnitude(value, signBit int) uint16 {
	return uint16(encodeSignMagnitudeBits(value, signBit))
}

func decodeSignMagnitudeBits(value uint32, signBit int) int {
	if signBit == 0 {
		return int(value)
	}

	signMask := uint32(1) << signBit
	if value&signMask != 0 {
		return -int(value & (signMask - 1))
	}
	return int(value)
}

func encodeSignMagnitudeBits(value, signBit int) uint32 {
	if signBit == 0 || value >= 0 {
		return uint32(value)
	}
	return uint32(-value) | uint32(1)<<signBit
}
