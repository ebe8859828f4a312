package dnvme

import (
	"errors"
	"fmt"
	"strings"
	"syscall"

	"github.com/ehrlich-b/go-dnvme/internal/interfaces"
	"github.com/ehrlich-b/go-dnvme/nvme"
)

// Error represents a structured dnvme error with context and errno mapping
type Error struct {
	Op     string        // Operation that failed (e.g., "IDENTIFY", "reap")
	Device string        // Device node ("" if not applicable)
	Queue  int           // Queue id (-1 if not applicable)
	Code   ErrorCode     // High-level error category
	Errno  syscall.Errno // Kernel errno (0 if not applicable)
	Status int           // Raw kernel return value (0 if not applicable)
	Msg    string        // Human-readable message
	Inner  error         // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, "op="+e.Op)
	}
	if e.Device != "" {
		parts = append(parts, "device="+e.Device)
	}
	if e.Queue >= 0 {
		parts = append(parts, fmt.Sprintf("queue=%d", e.Queue))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("dnvme: %s (%s)", msg, strings.Join(parts, ", "))
	}
	return "dnvme: " + msg
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches another *Error by code, so the package sentinels work with
// errors.Is.
func (e *Error) Is(target error) bool {
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorCode represents high-level error categories
type ErrorCode string

const (
	ErrCodeInvalidArgument  ErrorCode = "invalid argument"
	ErrCodeTransportFailure ErrorCode = "transport failure"
	ErrCodeBufferTooSmall   ErrorCode = "buffer too small"
	ErrCodeDeviceNotFound   ErrorCode = "device not found"
	ErrCodePermissionDenied ErrorCode = "permission denied"
	ErrCodeNotSupported     ErrorCode = "not supported by driver"
)

// Sentinels for errors.Is. They match any *Error with the same code.
var (
	ErrInvalidArgument  = &Error{Code: ErrCodeInvalidArgument, Queue: -1}
	ErrTransportFailure = &Error{Code: ErrCodeTransportFailure, Queue: -1}
	ErrBufferTooSmall   = &Error{Code: ErrCodeBufferTooSmall, Queue: -1}
	ErrDeviceNotFound   = &Error{Code: ErrCodeDeviceNotFound, Queue: -1}
	ErrPermissionDenied = &Error{Code: ErrCodePermissionDenied, Queue: -1}
	ErrNotSupported     = &Error{Code: ErrCodeNotSupported, Queue: -1}
)

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{
		Op:    op,
		Queue: -1,
		Code:  code,
		Msg:   msg,
	}
}

// NewQueueError creates a new queue-specific error
func NewQueueError(op string, queue int, code ErrorCode, msg string) *Error {
	return &Error{
		Op:    op,
		Queue: queue,
		Code:  code,
		Msg:   msg,
	}
}

// WrapError wraps an error from the codec, the lifecycle manager or the
// transport with dnvme context. Nothing is downgraded: every input maps to
// a non-nil *Error.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	// If it's already a structured error, just update the operation
	var de *Error
	if errors.As(inner, &de) {
		out := *de
		out.Op = op
		return &out
	}

	e := &Error{Op: op, Queue: -1, Msg: inner.Error(), Inner: inner}

	var te *interfaces.TransportError
	var errno syscall.Errno
	switch {
	case errors.As(inner, &te):
		e.Errno = te.Errno
		e.Status = te.Status
		e.Code = mapErrnoToCode(te.Errno)
	case errors.Is(inner, nvme.ErrBufferTooSmall):
		e.Code = ErrCodeBufferTooSmall
	case errors.Is(inner, nvme.ErrInvalidArgument):
		e.Code = ErrCodeInvalidArgument
	case errors.As(inner, &errno):
		e.Errno = errno
		e.Code = mapErrnoToCode(errno)
	default:
		e.Code = ErrCodeTransportFailure
	}
	return e
}

// mapErrnoToCode maps a kernel errno to an error code. Everything without
// a more specific category is a transport failure.
func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.ENOENT, syscall.ENODEV, syscall.ENXIO:
		return ErrCodeDeviceNotFound
	case syscall.EPERM, syscall.EACCES:
		return ErrCodePermissionDenied
	case syscall.ENOTTY, syscall.ENOSYS, syscall.EOPNOTSUPP:
		return ErrCodeNotSupported
	default:
		return ErrCodeTransportFailure
	}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Code == code
	}
	return false
}

// IsErrno checks if an error matches a specific errno
func IsErrno(err error, errno syscall.Errno) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Errno == errno
	}
	return false
}
