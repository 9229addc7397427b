package interfaces

// Node is the device file a UIO handle is built on. For a real device this is
// the opened /dev/uioN character device; the same descriptor carries both the
// register mapping and the interrupt protocol.
type Node interface {
	// Fd returns the descriptor polled for interrupt readiness.
	// It must stay valid until Close.
	Fd() int

	// Read reads the interrupt event count. UIO nodes only accept reads of
	// exactly 4 bytes and block until an interrupt has been delivered.
	Read(p []byte) (n int, err error)

	// Write writes an interrupt control token (1 to unmask, 0 to mask).
	Write(p []byte) (n int, err error)

	// Map maps length bytes of the register window shared and read/write.
	Map(length int) ([]byte, error)

	// Unmap releases a region previously returned by Map.
	Unmap(region []byte) error

	// Close closes the descriptor. After Close is called, no other methods
	// should be called.
	Close() error
}

// WindowSizer is an optional interface for nodes that know the size of the
// register window they expose. Map requests larger than the window are
// rejected before reaching the kernel.
type WindowSizer interface {
	Node

	// WindowSize returns the register window size in bytes.
	WindowSize() (int, error)
}

// Describer is an optional interface for nodes that can describe the
// underlying device (name and driver version).
type Describer interface {
	Node

	// Describe returns the device name and driver version.
	Describe() (name, version string, err error)
}
