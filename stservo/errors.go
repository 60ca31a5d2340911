package stservo

import (
	"errors"
	"fmt"
)

// Sentinel errors for caller mistakes, rejected before anything is sent.
var (
	ErrInvalidID     = errors.New("invalid servo ID")
	ErrInvalidWidth  = errors.New("invalid data width")
	ErrDuplicateID   = errors.New("servo ID already in group")
	ErrWidthMismatch = errors.New("data length does not match group width")
	ErrPacketTooLong = errors.New("too many packet parameters")
	ErrInvalidValue  = errors.New("value out of range")
	ErrPortClosed    = errors.New("port is closed")
	ErrInvalidBaud   = errors.New("invalid baud rate")
)

// ErrMotionTimeout is returned when a servo does not settle in time.
var ErrMotionTimeout = errors.New("servo did not stop moving")

// Protocol errors returned by Decode. All of them match ErrInvalidPacket.
var (
	ErrInvalidPacket    = errors.New("invalid packet")
	ErrShortFrame       = fmt.Errorf("%w: frame too short", ErrInvalidPacket)
	ErrBadHeader        = fmt.Errorf("%w: bad header", ErrInvalidPacket)
	ErrLengthMismatch   = fmt.Errorf("%w: length mismatch", ErrInvalidPacket)
	ErrChecksumMismatch = fmt.Errorf("%w: checksum mismatch", ErrInvalidPacket)
)

// CommError represents a transport-level failure of one exchange.
type CommError struct {
	Op     string     // Operation that failed (e.g., "read", "write", "ping")
	Result CommResult // Transport outcome
}

func (e *CommError) Error() string {
	return fmt.Sprintf("communication error during %s: %s", e.Op, e.Result)
}

// ServoError represents a fault reported by a specific servo.
type ServoError struct {
	ID     int         // Servo ID
	Op     string      // Operation that failed
	Status StatusError // Status flags from servo
}

func (e *ServoError) Error() string {
	return fmt.Sprintf("servo %d %s failed: %s", e.ID, e.Op, e.Status.Error())
}

func (e *ServoError) Unwrap() error {
	return e.Status
}

// IsTimeout returns true if the error is a reply timeout.
func IsTimeout(err error) bool {
	var commErr *CommError
	return errors.As(err, &commErr) && commErr.Result == CommRxTimeout
}

// GetServoError extracts a ServoError from an error chain, if present.
func GetServoError(err error) (*ServoError, bool) {
	var servoErr *ServoError
	if errors.As(err, &servoErr) {
		return servoErr, true
	}
	return nil, false
}
