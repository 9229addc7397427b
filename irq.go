package uio

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"github.com/ehrlich-b/go-uio/internal/constants"
	"github.com/ehrlich-b/go-uio/internal/uiodev"
)

// Outcome classifies how an interrupt wait ended
type Outcome int

const (
	// TimedOut means no interrupt arrived within the timeout
	TimedOut Outcome = iota
	// Delivered means an interrupt was read and acknowledged
	Delivered
	// Canceled means the wait was aborted by its context or by Close
	Canceled
	// Failed means the poll or the acknowledge read failed
	Failed
)

func (o Outcome) String() string {
	switch o {
	case TimedOut:
		return "timed_out"
	case Delivered:
		return "delivered"
	case Canceled:
		return "canceled"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// MarshalText lets outcomes print as names in JSON output
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// IRQResult is the result of one interrupt wait. Outcome is Delivered or
// TimedOut whenever the error is nil.
type IRQResult struct {
	Outcome Outcome       `json:"outcome"`
	Seq     uint32        `json:"seq,omitempty"`     // kernel event count, Delivered only
	Latency time.Duration `json:"latency,omitempty"` // time spent blocked
}

// WaitForInterrupt blocks until an interrupt is pending, timeout elapses, or
// ctx is done. A delivered interrupt is acknowledged by reading its 4-byte
// event count. timeout == WaitForever waits indefinitely; zero polls once.
//
// The interrupt must have been unmasked beforehand (see UnmaskInterrupt and
// IRQCycle). Cancellation and a concurrent Close both fail the wait with
// ErrIRQ; the former wraps ctx.Err(), the latter os.ErrClosed.
func (d *Device) WaitForInterrupt(ctx context.Context, timeout time.Duration) (IRQResult, error) {
	const op = "WAIT_IRQ"

	if ctx == nil {
		ctx = context.Background()
	}

	node, err := d.acquire(op)
	if err != nil {
		return IRQResult{Outcome: Failed}, err
	}
	defer d.inflight.Done()

	if err := ctx.Err(); err != nil {
		return d.canceled(ctx, op, err, 0)
	}

	woke := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		d.waker.Wake()
		close(woke)
	})
	defer func() {
		if !stop() {
			// the wake already landed; reset it for the next wait
			<-woke
			d.waker.Drain()
		}
	}()

	start := time.Now()
	remaining := timeout
	for {
		readiness, err := uiodev.WaitReadable(node.Fd(), d.waker, remaining)
		latency := time.Since(start)
		if err != nil {
			uerr := WrapError(op, d.path, ErrCodeIRQ, err)
			d.observer.ObserveIRQ(Failed, 0, uint64(latency))
			d.logger.IRQFailed(uerr)
			return IRQResult{Outcome: Failed, Latency: latency}, uerr
		}

		switch readiness {
		case uiodev.Expired:
			d.observer.ObserveIRQ(TimedOut, 0, uint64(latency))
			d.logger.IRQTimedOut(timeout.Milliseconds())
			return IRQResult{Outcome: TimedOut, Latency: latency}, nil

		case uiodev.Ready:
			return d.acknowledge(op, node, latency)

		case uiodev.Woken:
			if err := ctx.Err(); err != nil {
				return d.canceled(ctx, op, err, latency)
			}
			if d.closing() {
				return d.canceled(ctx, op, os.ErrClosed, latency)
			}
			// stale wake from an earlier cancellation
			d.waker.Drain()
			if timeout > 0 {
				remaining = timeout - latency
				if remaining <= 0 {
					d.observer.ObserveIRQ(TimedOut, 0, uint64(latency))
					return IRQResult{Outcome: TimedOut, Latency: latency}, nil
				}
			}
		}
	}
}

// acknowledge reads the pending event count, which clears the readable
// condition until the next interrupt
func (d *Device) acknowledge(op string, node Node, latency time.Duration) (IRQResult, error) {
	var buf [constants.IRQTokenSize]byte
	n, err := node.Read(buf[:])
	if err != nil {
		uerr := WrapError(op, d.path, ErrCodeIRQ, err)
		d.observer.ObserveIRQ(Failed, 0, uint64(latency))
		d.logger.IRQFailed(uerr)
		return IRQResult{Outcome: Failed, Latency: latency}, uerr
	}
	if n != len(buf) {
		uerr := NewDeviceError(op, d.path, ErrCodeIRQ, fmt.Sprintf("short read: %d of %d bytes", n, len(buf)))
		d.observer.ObserveIRQ(Failed, 0, uint64(latency))
		d.logger.IRQFailed(uerr)
		return IRQResult{Outcome: Failed, Latency: latency}, uerr
	}

	seq := binary.NativeEndian.Uint32(buf[:])
	d.observer.ObserveIRQ(Delivered, seq, uint64(latency))
	d.logger.IRQDelivered(seq, latency.Microseconds())
	return IRQResult{Outcome: Delivered, Seq: seq, Latency: latency}, nil
}

func (d *Device) canceled(ctx context.Context, op string, cause error, latency time.Duration) (IRQResult, error) {
	msg := "wait canceled"
	if cause == os.ErrClosed {
		msg = "device closed during wait"
	}
	d.observer.ObserveIRQ(Canceled, 0, uint64(latency))
	d.logger.DebugContext(ctx, msg, "latency_us", latency.Microseconds())
	return IRQResult{Outcome: Canceled, Latency: latency}, &Error{
		Op:     op,
		Path:   d.path,
		Offset: -1,
		Code:   ErrCodeIRQ,
		Msg:    msg,
		Inner:  cause,
	}
}

// IRQCycle unmasks the interrupt and waits for it: the building block of a
// userspace interrupt handler. Register accesses that service the device
// belong between cycles.
func (d *Device) IRQCycle(ctx context.Context, timeout time.Duration) (IRQResult, error) {
	if err := d.UnmaskInterrupt(); err != nil {
		return IRQResult{Outcome: Failed}, err
	}
	return d.WaitForInterrupt(ctx, timeout)
}
