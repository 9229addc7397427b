package uio

import (
	"encoding/binary"
	"sync"

	"github.com/ehrlich-b/go-uio/sim"
)

// OpenSimulated creates a simulated device with a size-byte register window
// and opens a Device on it, already mapped. Closing the Device releases the
// library side; the caller closes the returned simulator.
//
// This is useful for unit testing drivers without UIO hardware.
func OpenSimulated(size int, options *Options) (*Device, *sim.Device, error) {
	hw, err := sim.New(size)
	if err != nil {
		return nil, nil, NewError("OPEN", ErrCodeOpen, err.Error())
	}

	dev, err := OpenNode(hw.Node(), "sim:"+sim.Name, options)
	if err != nil {
		hw.Node().Close()
		hw.Close()
		return nil, nil, err
	}

	if err := dev.Map(size); err != nil {
		dev.Close()
		hw.Close()
		return nil, nil, err
	}

	return dev, hw, nil
}

// MockNode provides an in-memory Node for testing. Its register window is a
// plain byte slice and interrupts never arrive (Fd is -1, which poll
// ignores). Errors can be injected per operation and calls are tracked.
type MockNode struct {
	mu sync.Mutex

	window []byte
	tokens []uint32
	closed bool

	// Injected failures
	MapErr   error
	WriteErr error
	ReadErr  error
	CloseErr error
	// ShortWrite makes Write report one byte less than requested
	ShortWrite bool

	// Method call tracking
	mapCalls   int
	unmapCalls int
	writeCalls int
	closeCalls int
}

// NewMockNode creates a mock node with a window of size bytes
func NewMockNode(size int) *MockNode {
	return &MockNode{window: make([]byte, size)}
}

// Fd implements Node
func (m *MockNode) Fd() int {
	return -1
}

// Read implements Node
func (m *MockNode) Read(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ReadErr != nil {
		return 0, m.ReadErr
	}
	return 0, nil
}

// Write implements Node. Successful token writes are recorded.
func (m *MockNode) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.writeCalls++
	if m.WriteErr != nil {
		return 0, m.WriteErr
	}
	if m.ShortWrite {
		return len(p) - 1, nil
	}
	if len(p) == 4 {
		m.tokens = append(m.tokens, binary.NativeEndian.Uint32(p))
	}
	return len(p), nil
}

// Map implements Node
func (m *MockNode) Map(length int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.mapCalls++
	if m.MapErr != nil {
		return nil, m.MapErr
	}
	if length > len(m.window) {
		length = len(m.window)
	}
	return m.window[:length:length], nil
}

// Unmap implements Node
func (m *MockNode) Unmap(region []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.unmapCalls++
	return nil
}

// WindowSize implements the window size discovery of real device nodes
func (m *MockNode) WindowSize() (int, error) {
	return len(m.window), nil
}

// Close implements Node
func (m *MockNode) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closeCalls++
	m.closed = true
	return m.CloseErr
}

// Testing utility methods

// IsClosed returns true if the node has been closed
func (m *MockNode) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Tokens returns the interrupt control tokens written so far
func (m *MockNode) Tokens() []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uint32(nil), m.tokens...)
}

// CallCounts returns the number of Map, Unmap, Write and Close calls
func (m *MockNode) CallCounts() (mapCalls, unmapCalls, writeCalls, closeCalls int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mapCalls, m.unmapCalls, m.writeCalls, m.closeCalls
}

// Compile-time interface check
var _ Node = (*MockNode)(nil)
