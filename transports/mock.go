package transports

import (
	"io"
	"sync"
	"time"
)

// MockTransport implements the bus transport for testing.
type MockTransport struct {
	mu sync.Mutex

	ReadData    []byte
	ReadErr     error
	WriteData   []byte
	WriteErr    error
	Closed      bool
	ReadTimeout time.Duration
	Flushed     int
	Baud        int

	// Replies are released into ReadData one per Write, modelling a device
	// that answers each request.
	Replies [][]byte

	// ReadFunc allows custom read behavior for complex tests
	ReadFunc func(p []byte) (int, error)
}

func (m *MockTransport) Read(p []byte) (int, error) {
	if m.ReadFunc != nil {
		return m.ReadFunc(p)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ReadErr != nil {
		return 0, m.ReadErr
	}
	n := copy(p, m.ReadData)
	m.ReadData = m.ReadData[n:]
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (m *MockTransport) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.WriteErr != nil {
		return 0, m.WriteErr
	}
	m.WriteData = append(m.WriteData, p...)
	if len(m.Replies) > 0 {
		m.ReadData = append(m.ReadData, m.Replies[0]...)
		m.Replies = m.Replies[1:]
	}
	return len(p), nil
}

func (m *MockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}

func (m *MockTransport) SetReadTimeout(timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ReadTimeout = timeout
	return nil
}

func (m *MockTransport) SetBaudRate(baud int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Baud = baud
	return nil
}

func (m *MockTransport) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Flushed++
	// Don't clear ReadData - tests need to preserve mock response data
	return nil
}

// Written returns a copy of everything written so far.
func (m *MockTransport) Written() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, len(m.WriteData))
	copy(out, m.WriteData)
	return out
}
