package uio

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
)

// Error represents a structured uio error with device context and errno mapping
type Error struct {
	Op     string        // Operation that failed (e.g., "OPEN", "MAP", "WAIT_IRQ")
	Path   string        // Device node path ("" if not applicable)
	Offset int64         // Register offset (-1 if not applicable)
	Size   int           // Mapping size (0 if not applicable)
	Code   UIOErrorCode  // High-level error category
	Errno  syscall.Errno // Kernel errno (0 if not applicable)
	Msg    string        // Human-readable message
	Inner  error         // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}

	if e.Path != "" {
		parts = append(parts, fmt.Sprintf("dev=%s", e.Path))
	}

	if e.Offset >= 0 {
		parts = append(parts, fmt.Sprintf("offset=0x%x", e.Offset))
	}

	if e.Size != 0 {
		parts = append(parts, fmt.Sprintf("size=0x%x", e.Size))
	}

	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", int(e.Errno)))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("uio: %s (%s)", msg, strings.Join(parts, ", "))
	}

	return fmt.Sprintf("uio: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is provides errors.Is support against sentinels and other structured errors
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}

	if ue, ok := target.(UIOError); ok {
		return e.Code == UIOErrorCode(ue)
	}

	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}

	return false
}

// UIOErrorCode represents high-level error categories
type UIOErrorCode string

const (
	ErrCodeOpen          UIOErrorCode = "open failed"
	ErrCodeMap           UIOErrorCode = "map failed"
	ErrCodeNotMapped     UIOErrorCode = "register window not mapped"
	ErrCodeInvalidOffset UIOErrorCode = "invalid register offset"
	ErrCodeIRQ           UIOErrorCode = "interrupt operation failed"
	ErrCodeNotOpen       UIOErrorCode = "device not open"
	ErrCodeBusy          UIOErrorCode = "interrupt wait already in progress"
)

// UIOError is a sentinel matching every structured Error of the same code
type UIOError string

func (e UIOError) Error() string {
	return "uio: " + string(e)
}

// Sentinels for errors.Is
const (
	ErrOpen          UIOError = UIOError(ErrCodeOpen)
	ErrMap           UIOError = UIOError(ErrCodeMap)
	ErrNotMapped     UIOError = UIOError(ErrCodeNotMapped)
	ErrInvalidOffset UIOError = UIOError(ErrCodeInvalidOffset)
	ErrIRQ           UIOError = UIOError(ErrCodeIRQ)
	ErrNotOpen       UIOError = UIOError(ErrCodeNotOpen)
	ErrBusy          UIOError = UIOError(ErrCodeBusy)
)

// Error constructors

// NewError creates a new structured error
func NewError(op string, code UIOErrorCode, msg string) *Error {
	return &Error{
		Op:     op,
		Offset: -1,
		Code:   code,
		Msg:    msg,
	}
}

// NewDeviceError creates a new device-specific error
func NewDeviceError(op, path string, code UIOErrorCode, msg string) *Error {
	return &Error{
		Op:     op,
		Path:   path,
		Offset: -1,
		Code:   code,
		Msg:    msg,
	}
}

// NewRegisterError creates a new register-access error
func NewRegisterError(op, path string, offset uint32, code UIOErrorCode, msg string) *Error {
	return &Error{
		Op:     op,
		Path:   path,
		Offset: int64(offset),
		Code:   code,
		Msg:    msg,
	}
}

// WrapError wraps an existing error with the given code and device context.
// The errno is extracted from anywhere in the chain.
func WrapError(op, path string, code UIOErrorCode, inner error) *Error {
	if inner == nil {
		return nil
	}

	// Keep the original classification of structured errors
	var ue *Error
	if errors.As(inner, &ue) {
		return &Error{
			Op:     op,
			Path:   firstNonEmpty(path, ue.Path),
			Offset: ue.Offset,
			Size:   ue.Size,
			Code:   ue.Code,
			Errno:  ue.Errno,
			Msg:    ue.Msg,
			Inner:  ue.Inner,
		}
	}

	e := &Error{
		Op:     op,
		Path:   path,
		Offset: -1,
		Code:   code,
		Msg:    inner.Error(),
		Inner:  inner,
	}

	var errno syscall.Errno
	if errors.As(inner, &errno) {
		e.Errno = errno
		e.Msg = fmt.Sprintf("%s: %s", describeErrno(errno), errno.Error())
	}

	return e
}

// describeErrno gives the caller-facing reason behind common device errnos
func describeErrno(errno syscall.Errno) string {
	switch errno {
	case syscall.ENOENT, syscall.ENODEV, syscall.ENXIO:
		return "device not found"
	case syscall.EBUSY:
		return "device busy"
	case syscall.EINVAL:
		return "invalid parameters"
	case syscall.EPERM, syscall.EACCES:
		return "permission denied"
	case syscall.ENOMEM:
		return "insufficient memory"
	case syscall.EINTR:
		return "interrupted"
	case syscall.EBADF:
		return "bad descriptor"
	default:
		return "I/O error"
	}
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code UIOErrorCode) bool {
	var uioErr *Error
	if errors.As(err, &uioErr) {
		return uioErr.Code == code
	}
	return false
}

// IsErrno checks if an error matches a specific errno
func IsErrno(err error, errno syscall.Errno) bool {
	var uioErr *Error
	if errors.As(err, &uioErr) {
		return uioErr.Errno == errno
	}
	return false
}
