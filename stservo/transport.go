package stservo

import (
	"io"
	"time"
)

// Transport is the interface for low-level communication with the servo bus.
// This abstraction allows for testing with mock implementations.
type Transport interface {
	io.ReadWriteCloser

	// SetReadTimeout sets how long a single Read may block waiting for data.
	SetReadTimeout(timeout time.Duration) error

	// SetBaudRate reconfigures the line speed of an open transport.
	SetBaudRate(baud int) error

	// Flush discards any buffered input data.
	Flush() error
}

// Opener opens a Transport for the given device path and baud rate.
type Opener func(path string, baud int) (Transport, error)

// Direction tells a Tracer which way bytes travelled.
type Direction uint8

const (
	DirectionTx Direction = iota + 1
	DirectionRx
)

func (d Direction) String() string {
	switch d {
	case DirectionTx:
		return "tx"
	case DirectionRx:
		return "rx"
	default:
		return "unknown"
	}
}

// Tracer observes raw bus traffic. Implementations must not retain data.
type Tracer interface {
	Trace(dir Direction, data []byte)
}
