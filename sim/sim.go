// Package sim provides a simulated UIO device for tests and demos.
//
// The register window is a memfd mapped on both sides, so register accesses
// go through real shared memory. The interrupt channel is an AF_UNIX
// SOCK_SEQPACKET socketpair: the library side behaves like a /dev/uioN
// descriptor (write 4 bytes to unmask, poll, read 4 bytes for the count)
// and the hardware side is driven by Trigger.
package sim

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/eapache/queue"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-uio/internal/interfaces"
)

// ErrClosed is returned by operations on a closed simulator
var ErrClosed = errors.New("sim: device closed")

// Name and Version are reported through Describe
const (
	Name    = "uio-sim"
	Version = "0.1"
)

// event is one interrupt raised while the line was masked
type event struct {
	raised time.Time
}

// Device is the hardware side of a simulated UIO device
type Device struct {
	size   int
	memfd  int
	window []byte
	regs   []uint32
	hwFd   int
	node   *Node

	mu       sync.Mutex
	armed    bool
	count    uint32
	unmasks  uint64
	pending  *queue.Queue
	latched  time.Duration
	armedSig chan struct{}
	closed   bool

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a simulated device with a register window of size bytes
func New(size int) (*Device, error) {
	if size <= 0 || size%4 != 0 {
		return nil, fmt.Errorf("sim: invalid window size %d", size)
	}

	memfd, err := unix.MemfdCreate("uio-sim", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("memfd_create: %w", err)
	}
	if err := unix.Ftruncate(memfd, int64(size)); err != nil {
		unix.Close(memfd)
		return nil, fmt.Errorf("ftruncate: %w", err)
	}

	window, err := unix.Mmap(memfd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(memfd)
		return nil, fmt.Errorf("mmap window: %w", err)
	}

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		unix.Munmap(window)
		unix.Close(memfd)
		return nil, fmt.Errorf("socketpair: %w", err)
	}

	d := &Device{
		size:     size,
		memfd:    memfd,
		window:   window,
		regs:     unsafe.Slice((*uint32)(unsafe.Pointer(&window[0])), size/4),
		hwFd:     fds[1],
		pending:  queue.New(),
		armedSig: make(chan struct{}),
		done:     make(chan struct{}),
	}
	d.node = &Node{dev: d, fd: fds[0]}

	d.wg.Add(1)
	go d.controlLoop()

	return d, nil
}

// Node returns the library side of the device. Ownership passes to the
// caller: closing the node does not close the simulator.
func (d *Device) Node() *Node {
	return d.node
}

// Size returns the register window size in bytes
func (d *Device) Size() int {
	return d.size
}

// controlLoop consumes interrupt control tokens written by the library
func (d *Device) controlLoop() {
	defer d.wg.Done()

	var buf [8]byte
	for {
		n, err := unix.Read(d.hwFd, buf[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil || n == 0 {
			return
		}
		if n != 4 {
			// the kernel rejects anything but 4 bytes with EINVAL
			continue
		}

		switch binary.NativeEndian.Uint32(buf[:4]) {
		case 0:
			d.mu.Lock()
			d.armed = false
			d.mu.Unlock()
		default:
			d.arm()
		}
	}
}

func (d *Device) arm() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}
	d.unmasks++
	close(d.armedSig)
	d.armedSig = make(chan struct{})

	if d.pending.Length() > 0 {
		// interrupts latched while masked collapse into one delivery
		d.latched = time.Since(d.pending.Peek().(event).raised)
		for d.pending.Length() > 0 {
			d.pending.Remove()
		}
		d.deliverLocked()
		return
	}
	d.armed = true
}

// Trigger raises the interrupt line. If the library has unmasked the
// interrupt, the new event count is delivered immediately; otherwise the
// event is latched until the next unmask.
func (d *Device) Trigger() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}

	d.count++
	if !d.armed {
		d.pending.Add(event{raised: time.Now()})
		return nil
	}
	return d.deliverLocked()
}

// TriggerAfter raises the interrupt after delay on a separate goroutine.
// The returned channel receives Trigger's result.
func (d *Device) TriggerAfter(delay time.Duration) <-chan error {
	ch := make(chan error, 1)
	go func() {
		select {
		case <-time.After(delay):
			ch <- d.Trigger()
		case <-d.done:
			ch <- ErrClosed
		}
	}()
	return ch
}

func (d *Device) deliverLocked() error {
	d.armed = false

	var buf [4]byte
	binary.NativeEndian.PutUint32(buf[:], d.count)
	for {
		_, err := unix.SendmsgN(d.hwFd, buf[:], nil, nil, unix.MSG_NOSIGNAL)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("sim: deliver interrupt %d: %w", d.count, err)
		}
		return nil
	}
}

// WaitArmed blocks until the library unmasks the interrupt
func (d *Device) WaitArmed(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	if d.armed {
		d.mu.Unlock()
		return nil
	}
	sig := d.armedSig
	d.mu.Unlock()

	select {
	case <-sig:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-d.done:
		return ErrClosed
	}
}

// Armed reports whether the interrupt is currently unmasked
func (d *Device) Armed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.armed
}

// Count returns the number of interrupts raised so far
func (d *Device) Count() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.count
}

// Pending returns the number of interrupts latched while masked
func (d *Device) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending.Length()
}

// LatchDelay returns how long the oldest latched interrupt waited for the
// unmask that delivered it, as of the most recent latched delivery
func (d *Device) LatchDelay() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.latched
}

// Unmasks returns how many unmask tokens the library has written
func (d *Device) Unmasks() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.unmasks
}

// Peek reads a register from the hardware side
func (d *Device) Peek(offset uint32) uint32 {
	return atomic.LoadUint32(&d.regs[offset/4])
}

// Poke writes a register from the hardware side
func (d *Device) Poke(offset, value uint32) {
	atomic.StoreUint32(&d.regs[offset/4], value)
}

// Close releases the simulator. Mappings handed to the library stay valid
// until the library unmaps them.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.armed = false
	close(d.done)
	d.mu.Unlock()

	unix.Shutdown(d.hwFd, unix.SHUT_RDWR)
	d.wg.Wait()

	var errs []error
	if err := unix.Close(d.hwFd); err != nil {
		errs = append(errs, err)
	}
	if err := unix.Munmap(d.window); err != nil {
		errs = append(errs, err)
	}
	if err := unix.Close(d.memfd); err != nil {
		errs = append(errs, err)
	}
	d.window = nil
	d.regs = nil
	return errors.Join(errs...)
}

// Node is the library side of a simulated device. It implements the same
// contract as an opened /dev/uioN node.
type Node struct {
	dev    *Device
	fd     int
	closed atomic.Bool
}

// Fd implements interfaces.Node
func (n *Node) Fd() int {
	return n.fd
}

// Read implements interfaces.Node
func (n *Node) Read(p []byte) (int, error) {
	if len(p) != 4 {
		return 0, unix.EINVAL
	}
	for {
		r, err := unix.Read(n.fd, p)
		if err == unix.EINTR {
			continue
		}
		return r, err
	}
}

// Write implements interfaces.Node
func (n *Node) Write(p []byte) (int, error) {
	if len(p) != 4 {
		return 0, unix.EINVAL
	}
	for {
		w, err := unix.SendmsgN(n.fd, p, nil, nil, unix.MSG_NOSIGNAL)
		if err == unix.EINTR {
			continue
		}
		return w, err
	}
}

// Map implements interfaces.Node
func (n *Node) Map(length int) ([]byte, error) {
	if length <= 0 || length > n.dev.size {
		return nil, unix.EINVAL
	}
	n.dev.mu.Lock()
	closed := n.dev.closed
	n.dev.mu.Unlock()
	if closed {
		return nil, unix.ENODEV
	}
	return unix.Mmap(n.dev.memfd, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

// Unmap implements interfaces.Node
func (n *Node) Unmap(region []byte) error {
	return unix.Munmap(region)
}

// WindowSize implements interfaces.WindowSizer
func (n *Node) WindowSize() (int, error) {
	return n.dev.size, nil
}

// Describe implements interfaces.Describer
func (n *Node) Describe() (string, string, error) {
	return Name, Version, nil
}

// Close implements interfaces.Node
func (n *Node) Close() error {
	if !n.closed.CompareAndSwap(false, true) {
		return os.ErrClosed
	}
	return unix.Close(n.fd)
}

// Compile-time interface checks
var (
	_ interfaces.Node        = (*Node)(nil)
	_ interfaces.WindowSizer = (*Node)(nil)
	_ interfaces.Describer   = (*Node)(nil)
)
