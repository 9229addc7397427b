package constants

import "time"

// Default configuration constants
const (
	// DefaultMapSize is the default register window size in bytes (one page)
	DefaultMapSize = 0x1000

	// DefaultIRQTimeout is the default interrupt wait budget used by the CLI
	DefaultIRQTimeout = 10 * time.Second

	// WaitForever makes an interrupt wait block until delivery or cancellation
	WaitForever time.Duration = -1
)

// UIO protocol constants
const (
	// RegisterWidth is the size of one register in bytes
	RegisterWidth = 4

	// IRQTokenSize is the size of the unmask token and the event count
	IRQTokenSize = 4

	// UnmaskToken re-arms the interrupt line when written to the device file
	UnmaskToken uint32 = 1

	// MaskToken disables the interrupt line when written to the device file
	MaskToken uint32 = 0
)

// Kernel interface paths
const (
	// SysfsClassPath is where the kernel publishes UIO device attributes
	SysfsClassPath = "/sys/class/uio"

	// DeviceNamePrefix starts every UIO device name (uio0, uio1, ...)
	DeviceNamePrefix = "uio"
)
