package stservo

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kaidokert/waveshare-stservo-go/transports"
)

// Port defaults.
const (
	DefaultBaudRate     = 1000000
	DefaultLatencyTimer = 50 * time.Millisecond
)

// PortConfig configures a Port.
type PortConfig struct {
	// BaudRate used when the port is opened. Default is 1000000.
	BaudRate int

	// LatencyTimer is the adapter turnaround allowance; the reply window adds
	// it twice. Default is 50ms.
	LatencyTimer time.Duration

	// Opener creates the transport. Defaults to a go.bug.st/serial port.
	Opener Opener

	// Logger receives open/close events and frame dumps at debug level.
	Logger *zap.Logger

	// Tracer, when set, sees every chunk written and read.
	Tracer Tracer
}

// Port owns the connection to the bus. It is not safe for concurrent use;
// Controller serializes access to it.
type Port struct {
	opener  Opener
	latency time.Duration
	logger  *zap.Logger
	tracer  Tracer

	mu        sync.Mutex
	transport Transport
	path      string
	baud      int
	lastTx    time.Time
}

// NewPort creates a closed port.
func NewPort(cfg PortConfig) *Port {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.LatencyTimer == 0 {
		cfg.LatencyTimer = DefaultLatencyTimer
	}
	if cfg.Opener == nil {
		cfg.Opener = openSerial
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Port{
		opener:  cfg.Opener,
		latency: cfg.LatencyTimer,
		logger:  cfg.Logger,
		tracer:  cfg.Tracer,
		baud:    cfg.BaudRate,
	}
}

func openSerial(path string, baud int) (Transport, error) {
	return transports.OpenSerial(transports.SerialConfig{
		Port:     path,
		BaudRate: baud,
	})
}

// Open opens the device at path. Opening an already open port is a no-op.
func (p *Port) Open(path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.transport != nil {
		return nil
	}

	t, err := p.opener(path, p.baud)
	if err != nil {
		p.logger.Warn("Failed to open port", zap.String("port", path), zap.Error(err))
		return fmt.Errorf("open %s: %w", path, err)
	}

	p.transport = t
	p.path = path
	p.lastTx = time.Now()

	p.logger.Info("Port opened", zap.String("port", path), zap.Int("baud_rate", p.baud))
	return nil
}

// Close releases the transport. It is safe to call more than once.
func (p *Port) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.transport == nil {
		return
	}
	if err := p.transport.Close(); err != nil {
		p.logger.Warn("Error closing port", zap.String("port", p.path), zap.Error(err))
	}
	p.transport = nil

	p.logger.Info("Port closed", zap.String("port", p.path))
}

// IsOpen reports whether the port currently holds a transport.
func (p *Port) IsOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.transport != nil
}

// Path returns the device path of the last successful Open.
func (p *Port) Path() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.path
}

// BaudRate returns the configured line speed.
func (p *Port) BaudRate() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.baud
}

// SetBaudRate changes the line speed, reconfiguring the transport if open.
func (p *Port) SetBaudRate(rate int) error {
	if rate <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidBaud, rate)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.transport != nil {
		if err := p.transport.SetBaudRate(rate); err != nil {
			p.logger.Warn("Failed to set baud rate", zap.Int("baud_rate", rate), zap.Error(err))
			return fmt.Errorf("set baud rate %d: %w", rate, err)
		}
	}
	p.baud = rate
	return nil
}

// PacketTimeout is the reply window for a frame of n bytes: its time on the
// wire at 10 bits per byte, twice the latency timer, and 2ms of slack.
func (p *Port) PacketTimeout(n int) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.packetTimeoutLocked(n)
}

func (p *Port) packetTimeoutLocked(n int) time.Duration {
	perByte := 10 * time.Second / time.Duration(p.baud)
	return time.Duration(n)*perByte + 2*p.latency + 2*time.Millisecond
}

// Deadline is the end of the reply window for n bytes, counted from the last
// transmission.
func (p *Port) Deadline(n int) time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastTx.Add(p.packetTimeoutLocked(n))
}

// LastTx returns the time of the last transmission.
func (p *Port) LastTx() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastTx
}

// ClearInput drops anything left in the receive buffer.
func (p *Port) ClearInput() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.transport == nil {
		return ErrPortClosed
	}
	return p.transport.Flush()
}

// WriteBytes transmits buf and restarts the reply clock.
func (p *Port) WriteBytes(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.transport == nil {
		return 0, ErrPortClosed
	}

	n, err := p.transport.Write(buf)
	p.lastTx = time.Now()
	if n > 0 {
		p.trace(DirectionTx, buf[:n])
	}
	if err != nil {
		return n, fmt.Errorf("write failed: %w", err)
	}
	if n != len(buf) {
		return n, fmt.Errorf("incomplete write: %d of %d bytes", n, len(buf))
	}

	p.logger.Debug("tx", zap.Binary("data", buf))
	return n, nil
}

// ReadBytes reads up to maxLen bytes, giving up when timeout elapses. A short
// result without error means the timeout hit first.
func (p *Port) ReadBytes(maxLen int, timeout time.Duration) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.transport == nil {
		return nil, ErrPortClosed
	}

	buf := make([]byte, maxLen)
	total := 0
	deadline := time.Now().Add(timeout)

	for total < maxLen {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		if err := p.transport.SetReadTimeout(remaining); err != nil {
			return buf[:total], fmt.Errorf("set read timeout: %w", err)
		}

		n, err := p.transport.Read(buf[total:])
		if n > 0 {
			p.trace(DirectionRx, buf[total:total+n])
			total += n
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return buf[:total], fmt.Errorf("read error: %w", err)
		}
		if n == 0 {
			// nothing buffered; transports that return immediately would spin
			time.Sleep(time.Millisecond)
		}
	}

	if total > 0 {
		p.logger.Debug("rx", zap.Binary("data", buf[:total]))
	}
	return buf[:total], nil
}

func (p *Port) trace(dir Direction, data []byte) {
	if p.tracer == nil {
		return
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	p.tracer.Trace(dir, cp)
}
