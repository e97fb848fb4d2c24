package tinykv

import (
	"errors"
	"fmt"
	"syscall"
)

// Error is a structured error carrying the operation that failed, a
// high-level category, and (when the failure originated at the
// socket) the kernel errno behind it.
type Error struct {
	Op    string    // Operation that failed (e.g. "listen", "accept", "read")
	Code  ErrorCode // High-level error category
	Errno syscall.Errno
	Msg   string
	Inner error
}

func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("tinykv: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("tinykv: %s", msg)
}

// Unwrap supports errors.Is/errors.As against the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is lets errors.Is match two *Error values by category, the same way
// two errno-backed errors are considered equal regardless of which
// operation produced them.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

// ErrorCode is a high-level error category independent of the
// operation or errno that produced it.
type ErrorCode string

const (
	ErrCodeListenFailed      ErrorCode = "listen failed"
	ErrCodeAcceptFailed      ErrorCode = "accept failed"
	ErrCodeProtocolViolation ErrorCode = "protocol violation"
	ErrCodeConnectionClosed  ErrorCode = "connection closed"
	ErrCodeInvalidConfig     ErrorCode = "invalid configuration"
	ErrCodeIOError           ErrorCode = "I/O error"
)

// NewError builds an *Error carrying just an operation, category, and
// message, with no wrapped cause.
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// NewErrnoError builds an *Error from a raw syscall errno, mapping it
// to a category via mapErrnoToCode.
func NewErrnoError(op string, errno syscall.Errno) *Error {
	return &Error{Op: op, Code: mapErrnoToCode(errno), Errno: errno, Msg: errno.Error()}
}

// WrapError wraps inner with operation context. If inner is already an
// *Error, only Op is replaced; the category, errno, and message survive.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	if e, ok := inner.(*Error); ok {
		return &Error{Op: op, Code: e.Code, Errno: e.Errno, Msg: e.Msg, Inner: e.Inner}
	}
	if errno, ok := inner.(syscall.Errno); ok {
		return &Error{Op: op, Code: mapErrnoToCode(errno), Errno: errno, Msg: errno.Error(), Inner: inner}
	}
	return &Error{Op: op, Code: ErrCodeIOError, Msg: inner.Error(), Inner: inner}
}

func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.EADDRINUSE, syscall.EACCES:
		return ErrCodeListenFailed
	case syscall.ECONNABORTED, syscall.ECONNRESET, syscall.EPIPE:
		return ErrCodeConnectionClosed
	case syscall.EINVAL:
		return ErrCodeInvalidConfig
	default:
		return ErrCodeIOError
	}
}

// IsCode reports whether err is (or wraps) an *Error of the given category.
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsErrno reports whether err is (or wraps) an *Error carrying the
// given syscall errno.
func IsErrno(err error, errno syscall.Errno) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Errno == errno
	}
	return false
}
