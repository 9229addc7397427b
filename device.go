// Package uio provides userspace access to devices exposed through the Linux
// Userspace I/O (UIO) framework: memory-mapped 32-bit registers and the
// interrupt unmask/wait/acknowledge protocol of /dev/uioN.
package uio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/ehrlich-b/go-uio/internal/constants"
	"github.com/ehrlich-b/go-uio/internal/interfaces"
	"github.com/ehrlich-b/go-uio/internal/logging"
	"github.com/ehrlich-b/go-uio/internal/uiodev"
)

// Node is the device file a Device is built on
type Node = interfaces.Node

// Logger is the structured logger used by devices and coordinators
type Logger = logging.Logger

// LogConfig configures NewLogger
type LogConfig = logging.Config

// NewLogger creates a structured logger
func NewLogger(config *LogConfig) *Logger {
	return logging.NewLogger(config)
}

// DeviceState represents the lifecycle state of a Device
type DeviceState string

const (
	// DeviceStateClosed indicates the descriptor has been released
	DeviceStateClosed DeviceState = "closed"
	// DeviceStateOpen indicates the descriptor is valid but nothing is mapped
	DeviceStateOpen DeviceState = "open"
	// DeviceStateMapped indicates the register window is mapped
	DeviceStateMapped DeviceState = "mapped"
)

// Options contains additional options for opening a device
type Options struct {
	// Logger for lifecycle and interrupt messages (if nil, uses the default logger)
	Logger *Logger

	// Observer for metrics collection (if nil, records to the device's Metrics)
	Observer Observer

	// MapIndex selects the UIO memory window (mapN) for real device nodes
	MapIndex int

	// SysfsRoot overrides /sys/class/uio for window size discovery
	SysfsRoot string
}

// Device is a handle on a UIO device: the open descriptor plus, once
// mapped, the register window.
//
// Register reads and writes are single aligned 32-bit accesses and carry no
// cross-register locking. Interrupt waits on one Device must not overlap;
// use a Coordinator when more than one goroutine may issue them.
type Device struct {
	path  string
	node  Node
	waker *uiodev.Waker

	// mu guards the lifecycle fields below; register accesses hold it
	// shared so the window cannot be unmapped underneath them.
	mu     sync.RWMutex
	state  DeviceState
	region []byte
	regs   []uint32
	size   int

	// inflight tracks blocking interrupt operations so Close can wake them
	// and wait before releasing the descriptor.
	inflight sync.WaitGroup

	logger   *logging.Logger
	metrics  *Metrics
	observer Observer
}

// Open opens a UIO device node (e.g. "/dev/uio0") for read and write.
//
// Example:
//
//	dev, err := uio.Open("/dev/uio0", nil)
//	if err != nil {
//		return err
//	}
//	defer dev.Close()
//	if err := dev.Map(uio.DefaultMapSize); err != nil {
//		return err
//	}
func Open(path string, options *Options) (*Device, error) {
	if options == nil {
		options = &Options{}
	}

	logger := baseLogger(options).WithDevice(path)
	logger.LifecycleStart("OPEN")

	f, err := uiodev.Open(path, uiodev.Config{
		MapIndex:  options.MapIndex,
		SysfsRoot: options.SysfsRoot,
	})
	if err != nil {
		uerr := WrapError("OPEN", path, ErrCodeOpen, err)
		logger.LifecycleError("OPEN", uerr)
		return nil, uerr
	}

	dev, err := newDevice(f, path, options, logger)
	if err != nil {
		f.Close()
		return nil, err
	}

	logger.LifecycleSuccess("OPEN")
	return dev, nil
}

// OpenNode builds a Device over an already opened node, such as a simulated
// device. On success the Device owns the node; on failure the caller does.
func OpenNode(node Node, path string, options *Options) (*Device, error) {
	if options == nil {
		options = &Options{}
	}
	if node == nil {
		return nil, NewDeviceError("OPEN", path, ErrCodeOpen, "nil node")
	}

	logger := baseLogger(options).WithDevice(path)
	dev, err := newDevice(node, path, options, logger)
	if err != nil {
		return nil, err
	}

	logger.LifecycleSuccess("OPEN")
	return dev, nil
}

func baseLogger(options *Options) *logging.Logger {
	if options.Logger != nil {
		return options.Logger
	}
	return logging.Default()
}

func newDevice(node Node, path string, options *Options, logger *logging.Logger) (*Device, error) {
	waker, err := uiodev.NewWaker()
	if err != nil {
		uerr := WrapError("OPEN", path, ErrCodeOpen, err)
		logger.LifecycleError("OPEN", uerr)
		return nil, uerr
	}

	metrics := NewMetrics()
	var observer Observer = NewMetricsObserver(metrics)
	if options.Observer != nil {
		observer = options.Observer
	}

	return &Device{
		path:     path,
		node:     node,
		waker:    waker,
		state:    DeviceStateOpen,
		logger:   logger,
		metrics:  metrics,
		observer: observer,
	}, nil
}

// Map maps size bytes of the register window. size must be a positive
// multiple of the register width and must not exceed the device window.
// Mapping an already mapped device fails and leaves the existing mapping in
// place.
func (d *Device) Map(size int) error {
	const op = "MAP"

	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.state {
	case DeviceStateClosed:
		return &Error{Op: op, Path: d.path, Offset: -1, Size: size, Code: ErrCodeMap, Msg: "device is closed", Inner: ErrNotOpen}
	case DeviceStateMapped:
		return &Error{Op: op, Path: d.path, Offset: -1, Size: size, Code: ErrCodeMap,
			Msg: fmt.Sprintf("already mapped (size=0x%x)", d.size)}
	}

	if size <= 0 {
		return &Error{Op: op, Path: d.path, Offset: -1, Size: size, Code: ErrCodeMap, Msg: "size must be positive"}
	}
	if size%constants.RegisterWidth != 0 {
		return &Error{Op: op, Path: d.path, Offset: -1, Size: size, Code: ErrCodeMap, Msg: "size must be a multiple of 4"}
	}

	if ws, ok := d.node.(interfaces.WindowSizer); ok {
		// an unknown window is not an error; the kernel has the last word
		if window, err := ws.WindowSize(); err == nil && window > 0 && size > window {
			return &Error{Op: op, Path: d.path, Offset: -1, Size: size, Code: ErrCodeMap,
				Msg: fmt.Sprintf("size exceeds device window 0x%x", window)}
		}
	}

	region, err := d.node.Map(size)
	if err != nil {
		uerr := WrapError(op, d.path, ErrCodeMap, err)
		uerr.Size = size
		d.logger.LifecycleError(op, uerr)
		return uerr
	}
	if len(region) < size {
		d.node.Unmap(region)
		return &Error{Op: op, Path: d.path, Offset: -1, Size: size, Code: ErrCodeMap,
			Msg: fmt.Sprintf("short mapping: %d bytes", len(region))}
	}

	d.region = region
	d.regs = unsafe.Slice((*uint32)(unsafe.Pointer(&region[0])), size/constants.RegisterWidth)
	d.size = size
	d.state = DeviceStateMapped

	d.logger.Debug("register window mapped", "size", size)
	return nil
}

// Unmap releases the register window and returns the device to the open state
func (d *Device) Unmap() error {
	const op = "UNMAP"

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != DeviceStateMapped {
		return NewDeviceError(op, d.path, ErrCodeNotMapped, "")
	}

	err := d.node.Unmap(d.region)
	d.region = nil
	d.regs = nil
	d.size = 0
	d.state = DeviceStateOpen
	if err != nil {
		return WrapError(op, d.path, ErrCodeMap, err)
	}
	return nil
}

// checkOffsetLocked validates a register access. Caller holds d.mu.
func (d *Device) checkOffsetLocked(op string, offset uint32) error {
	if d.state != DeviceStateMapped {
		return NewRegisterError(op, d.path, offset, ErrCodeNotMapped, "")
	}
	if offset%constants.RegisterWidth != 0 {
		return NewRegisterError(op, d.path, offset, ErrCodeInvalidOffset, "offset is not 4-byte aligned")
	}
	if uint64(offset) >= uint64(d.size) {
		e := NewRegisterError(op, d.path, offset, ErrCodeInvalidOffset, "offset outside register window")
		e.Size = d.size
		return e
	}
	return nil
}

// ReadRegister performs a single aligned 32-bit load at byte offset. Every
// call reads the hardware; nothing is cached.
func (d *Device) ReadRegister(offset uint32) (uint32, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if err := d.checkOffsetLocked("READ_REG", offset); err != nil {
		d.observer.ObserveRegisterRead(offset, false)
		return 0, err
	}

	value := atomic.LoadUint32(&d.regs[offset/constants.RegisterWidth])
	d.observer.ObserveRegisterRead(offset, true)
	d.logger.RegisterAccess("READ", offset, value)
	return value, nil
}

// WriteRegister performs a single aligned 32-bit store at byte offset, then
// reads the register back and returns what the hardware reports. The
// read-back can differ from value for registers with side effects such as
// self-clearing bits.
func (d *Device) WriteRegister(offset, value uint32) (uint32, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if err := d.checkOffsetLocked("WRITE_REG", offset); err != nil {
		d.observer.ObserveRegisterWrite(offset, value, 0, false)
		return 0, err
	}

	word := &d.regs[offset/constants.RegisterWidth]
	atomic.StoreUint32(word, value)
	readback := atomic.LoadUint32(word)

	d.observer.ObserveRegisterWrite(offset, value, readback, true)
	d.logger.RegisterAccess("WRITE", offset, value)
	if readback != value {
		d.logger.WithRegister(offset).Debug("register read-back differs",
			"written", fmt.Sprintf("0x%08x", value),
			"readback", fmt.Sprintf("0x%08x", readback))
	}
	return readback, nil
}

// UnmaskInterrupt re-arms the interrupt line by writing the 4-byte token 1.
// The kernel masks the line on every delivery, so this must precede each wait.
func (d *Device) UnmaskInterrupt() error {
	err := d.writeIRQControl("UNMASK_IRQ", constants.UnmaskToken)
	d.observer.ObserveUnmask(err == nil)
	return err
}

// MaskInterrupt disables the interrupt line by writing the 4-byte token 0
func (d *Device) MaskInterrupt() error {
	return d.writeIRQControl("MASK_IRQ", constants.MaskToken)
}

func (d *Device) writeIRQControl(op string, token uint32) error {
	node, err := d.acquire(op)
	if err != nil {
		return err
	}
	defer d.inflight.Done()

	var buf [constants.IRQTokenSize]byte
	binary.NativeEndian.PutUint32(buf[:], token)

	n, err := node.Write(buf[:])
	if err != nil {
		return WrapError(op, d.path, ErrCodeIRQ, err)
	}
	if n != len(buf) {
		return NewDeviceError(op, d.path, ErrCodeIRQ, fmt.Sprintf("short write: %d of %d bytes", n, len(buf)))
	}
	return nil
}

// acquire registers a blocking descriptor operation. The caller must call
// d.inflight.Done when it returns without error.
func (d *Device) acquire(op string) (Node, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.state == DeviceStateClosed {
		return nil, NewDeviceError(op, d.path, ErrCodeNotOpen, "")
	}
	d.inflight.Add(1)
	return d.node, nil
}

func (d *Device) closing() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state == DeviceStateClosed
}

// Close releases the mapping if present, then the descriptor. An interrupt
// wait in flight is woken and fails before the descriptor is closed.
// Calling Close on a closed device is a no-op.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.state == DeviceStateClosed {
		d.mu.Unlock()
		return nil
	}
	d.state = DeviceStateClosed
	region := d.region
	d.region = nil
	d.regs = nil
	d.size = 0
	d.mu.Unlock()

	d.logger.LifecycleStart("CLOSE")

	d.waker.Wake()
	d.inflight.Wait()

	var errs []error
	if region != nil {
		if err := d.node.Unmap(region); err != nil {
			errs = append(errs, fmt.Errorf("unmap: %w", err))
		}
	}
	if err := d.node.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close node: %w", err))
	}
	if err := d.waker.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close waker: %w", err))
	}
	d.metrics.Stop()

	if err := errors.Join(errs...); err != nil {
		d.logger.LifecycleError("CLOSE", err)
		return fmt.Errorf("uio: close %s: %w", d.path, err)
	}
	d.logger.LifecycleSuccess("CLOSE")
	return nil
}

// State returns the current lifecycle state
func (d *Device) State() DeviceState {
	if d == nil {
		return DeviceStateClosed
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// IsMapped returns true if registers can be accessed
func (d *Device) IsMapped() bool {
	return d.State() == DeviceStateMapped
}

// Path returns the device node path
func (d *Device) Path() string {
	return d.path
}

// Size returns the mapped window size in bytes (0 when not mapped)
func (d *Device) Size() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.size
}

// Fd returns the raw descriptor used for interrupt primitives, or -1 once
// the device is closed
func (d *Device) Fd() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.state == DeviceStateClosed {
		return -1
	}
	return d.node.Fd()
}

// DeviceInfo contains information about a device
type DeviceInfo struct {
	Path         string      `json:"path"`
	Name         string      `json:"name,omitempty"`
	Version      string      `json:"version,omitempty"`
	State        DeviceState `json:"state"`
	Size         int         `json:"size"`
	LastSequence uint32      `json:"last_sequence"`
}

// Info returns information about the device
func (d *Device) Info() DeviceInfo {
	if d == nil {
		return DeviceInfo{}
	}

	info := DeviceInfo{
		Path:         d.path,
		State:        d.State(),
		Size:         d.Size(),
		LastSequence: d.metrics.LastSequence.Load(),
	}
	if desc, ok := d.node.(interfaces.Describer); ok && info.State != DeviceStateClosed {
		if name, version, err := desc.Describe(); err == nil {
			info.Name = name
			info.Version = version
		}
	}
	return info
}

// Metrics returns the metrics for the device
func (d *Device) Metrics() *Metrics {
	if d == nil {
		return nil
	}
	return d.metrics
}

// MetricsSnapshot returns a point-in-time snapshot of device metrics
func (d *Device) MetricsSnapshot() MetricsSnapshot {
	if d == nil || d.metrics == nil {
		return MetricsSnapshot{}
	}
	return d.metrics.Snapshot()
}
