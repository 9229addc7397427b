package uio

import (
	"context"
	"errors"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-uio/internal/logging"
)

// CoordinatorConfig configures a Coordinator
type CoordinatorConfig struct {
	// Logger for loop and missed-interrupt messages (if nil, uses the device's logger)
	Logger *Logger

	// LockOSThread pins the goroutine blocked in poll to its OS thread for
	// the duration of a cycle
	LockOSThread bool
}

// DefaultCoordinatorConfig returns the recommended coordinator configuration
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{LockOSThread: true}
}

// Coordinator runs interrupt cycles for one Device off the caller's
// goroutine, so the caller can keep touching registers (or raise the
// interrupt) while a wait is outstanding. At most one cycle runs at a time.
type Coordinator struct {
	dev        *Device
	logger     *logging.Logger
	lockThread bool

	busy atomic.Bool

	// last delivered event count, for missed-interrupt accounting
	lastSeq atomic.Uint32
	haveSeq atomic.Bool
}

// NewCoordinator creates a coordinator for dev
func NewCoordinator(dev *Device, config CoordinatorConfig) *Coordinator {
	logger := config.Logger
	if logger == nil {
		logger = dev.logger
	}
	return &Coordinator{
		dev:        dev,
		logger:     logger,
		lockThread: config.LockOSThread,
	}
}

// Device returns the coordinated device
func (c *Coordinator) Device() *Device {
	return c.dev
}

// Busy reports whether a cycle or Run loop is outstanding
func (c *Coordinator) Busy() bool {
	return c.busy.Load()
}

// PendingWait is an interrupt cycle running in the background
type PendingWait struct {
	armed  chan struct{}
	done   chan struct{}
	result IRQResult
	err    error
}

// Armed is closed once the interrupt has been unmasked. If the unmask fails
// it is never closed and Done closes instead.
func (p *PendingWait) Armed() <-chan struct{} {
	return p.armed
}

// Done is closed when the cycle has finished
func (p *PendingWait) Done() <-chan struct{} {
	return p.done
}

// WaitArmed blocks until the interrupt is unmasked. It returns the cycle's
// error if the cycle ends first, or ctx.Err() if ctx is done first.
func (p *PendingWait) WaitArmed(ctx context.Context) error {
	select {
	case <-p.armed:
		return nil
	case <-p.done:
		if p.err != nil {
			return p.err
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until the cycle finishes and returns its result
func (p *PendingWait) Wait() (IRQResult, error) {
	<-p.done
	return p.result, p.err
}

// Start launches one unmask-then-wait cycle on its own goroutine and returns
// immediately. It fails with ErrBusy while another cycle is outstanding.
func (c *Coordinator) Start(ctx context.Context, timeout time.Duration) (*PendingWait, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !c.busy.CompareAndSwap(false, true) {
		return nil, NewDeviceError("START_IRQ", c.dev.path, ErrCodeBusy, "")
	}

	p := &PendingWait{
		armed: make(chan struct{}),
		done:  make(chan struct{}),
	}

	go func() {
		defer close(p.done)
		defer c.busy.Store(false)

		if c.lockThread {
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
		}
		p.result, p.err = c.cycle(ctx, timeout, p.armed)
	}()

	return p, nil
}

// Cycle runs one cycle in the background and waits for it
func (c *Coordinator) Cycle(ctx context.Context, timeout time.Duration) (IRQResult, error) {
	p, err := c.Start(ctx, timeout)
	if err != nil {
		return IRQResult{Outcome: Failed}, err
	}
	return p.Wait()
}

// Handler is called for every completed cycle of Run. Returning an error
// stops the loop.
type Handler func(res IRQResult) error

// Run executes cycles back to back on the calling goroutine until ctx is
// done, the handler returns an error, or a cycle fails. Timeouts are passed
// to the handler and do not stop the loop. Cancellation ends the loop with a
// nil error.
func (c *Coordinator) Run(ctx context.Context, timeout time.Duration, handler Handler) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if !c.busy.CompareAndSwap(false, true) {
		return NewDeviceError("RUN_IRQ", c.dev.path, ErrCodeBusy, "")
	}
	defer c.busy.Store(false)

	if c.lockThread {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}

	c.logger.DebugContext(ctx, "interrupt loop starting", "timeout_ms", timeout.Milliseconds())
	defer c.logger.DebugContext(ctx, "interrupt loop stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		res, err := c.cycle(ctx, timeout, nil)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
				return nil
			}
			return err
		}

		if handler != nil {
			if err := handler(res); err != nil {
				return err
			}
		}
	}
}

func (c *Coordinator) cycle(ctx context.Context, timeout time.Duration, armed chan struct{}) (IRQResult, error) {
	if err := c.dev.UnmaskInterrupt(); err != nil {
		return IRQResult{Outcome: Failed}, err
	}
	if armed != nil {
		close(armed)
	}

	res, err := c.dev.WaitForInterrupt(ctx, timeout)
	if err == nil && res.Outcome == Delivered {
		c.trackSequence(ctx, res.Seq)
	}
	return res, err
}

// trackSequence compares consecutive event counts. The kernel counter
// advances once per interrupt, so a jump of more than one means interrupts
// fired while the line was masked.
func (c *Coordinator) trackSequence(ctx context.Context, seq uint32) {
	if c.haveSeq.Load() {
		delta := seq - c.lastSeq.Load()
		if delta > 1 && delta < 1<<31 {
			missed := delta - 1
			c.dev.observer.ObserveMissed(missed)
			c.logger.WithIRQ(seq).WarnContext(ctx, "missed interrupts", "missed", missed)
		}
	}
	c.lastSeq.Store(seq)
	c.haveSeq.Store(true)
}

// Missed returns the total missed-interrupt count recorded on the device
func (c *Coordinator) Missed() uint64 {
	return c.dev.metrics.MissedInterrupts.Load()
}
