package uiodev

import (
	"encoding/binary"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Readiness is the outcome of WaitReadable
type Readiness int

const (
	Expired Readiness = iota // timeout elapsed with nothing to read
	Ready                    // the device descriptor is readable
	Woken                    // the waker fired
)

func (r Readiness) String() string {
	switch r {
	case Expired:
		return "expired"
	case Ready:
		return "ready"
	case Woken:
		return "woken"
	default:
		return fmt.Sprintf("readiness(%d)", int(r))
	}
}

// Waker is an eventfd polled next to the device descriptor so a blocked wait
// can be released from another goroutine.
type Waker struct {
	fd int
}

// NewWaker creates a non-blocking eventfd waker
func NewWaker() (*Waker, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	return &Waker{fd: fd}, nil
}

// Fd returns the eventfd descriptor
func (w *Waker) Fd() int {
	return w.fd
}

// Wake makes the waker readable. Safe to call from any goroutine.
func (w *Waker) Wake() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	for {
		_, err := unix.Write(w.fd, buf[:])
		switch err {
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			// counter saturated, already readable
			return nil
		}
		return err
	}
}

// Drain resets the waker so the next wait blocks again
func (w *Waker) Drain() {
	var buf [8]byte
	for {
		_, err := unix.Read(w.fd, buf[:])
		if err == unix.EINTR {
			continue
		}
		return
	}
}

// Close closes the eventfd
func (w *Waker) Close() error {
	if w.fd < 0 {
		return nil
	}
	err := unix.Close(w.fd)
	w.fd = -1
	return err
}

// WaitReadable blocks until fd is readable, the waker fires, or timeout
// elapses. A negative timeout waits indefinitely; zero polls once.
//
// EINTR is retried with the remaining budget. If the descriptor and the waker
// are both ready, Ready wins so a delivered interrupt is never dropped.
func WaitReadable(fd int, w *Waker, timeout time.Duration) (Readiness, error) {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	if w != nil {
		fds = append(fds, unix.PollFd{Fd: int32(w.fd), Events: unix.POLLIN})
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		ms := -1
		if timeout == 0 {
			ms = 0
		} else if timeout > 0 {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return Expired, nil
			}
			ms = pollMillis(remaining)
		}

		for i := range fds {
			fds[i].Revents = 0
		}

		n, err := unix.Poll(fds, ms)
		if err == unix.EINTR {
			// signals only restart the poll; shutdown arrives through the waker
			continue
		}
		if err != nil {
			return Expired, fmt.Errorf("poll fd=%d: %w", fd, err)
		}
		if n == 0 {
			return Expired, nil
		}

		rev := fds[0].Revents
		if rev&unix.POLLIN != 0 {
			return Ready, nil
		}
		if rev&unix.POLLNVAL != 0 {
			return Expired, fmt.Errorf("poll fd=%d: %w", fd, unix.EBADF)
		}
		if rev&(unix.POLLERR|unix.POLLHUP) != 0 {
			return Expired, fmt.Errorf("poll fd=%d revents=0x%x: %w", fd, rev, unix.EIO)
		}
		if w != nil && fds[1].Revents&unix.POLLIN != 0 {
			return Woken, nil
		}
	}
}

// pollMillis rounds up so a sub-millisecond budget still waits.
func pollMillis(d time.Duration) int {
	return int((d + time.Millisecond - 1) / time.Millisecond)
}
