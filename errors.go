package ioreq

import (
	"fmt"
	"strings"
	"syscall"
)

// Error represents a structured broker error with context and errno mapping
type Error struct {
	Op     string        // Operation that failed (e.g., "CREATE_SERVER", "MAP_RANGE")
	Domain uint32        // Target domain ID (0 if not applicable)
	Server int           // Server ID (-1 if not applicable)
	VCPU   int           // vCPU ID (-1 if not applicable)
	Code   ErrorCode     // High-level error category
	Errno  syscall.Errno // Errno equivalent surfaced to the toolstack (0 if not applicable)
	Msg    string        // Human-readable message
	Inner  error         // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.Domain != 0 {
		parts = append(parts, fmt.Sprintf("domain=%d", e.Domain))
	}
	if e.Server >= 0 {
		parts = append(parts, fmt.Sprintf("server=%d", e.Server))
	}
	if e.VCPU >= 0 {
		parts = append(parts, fmt.Sprintf("vcpu=%d", e.VCPU))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", int(e.Errno)))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("ioreq: %s (%s)", msg, strings.Join(parts, " "))
	}
	return fmt.Sprintf("ioreq: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches two broker errors by category, so callers can compare against
// the exported Err* sentinels regardless of context fields.
func (e *Error) Is(target error) bool {
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorCode represents high-level error categories
type ErrorCode string

const (
	ErrCodeServerNotFound  ErrorCode = "ioreq server not found"
	ErrCodeNotEmulator     ErrorCode = "caller is not the registered emulator"
	ErrCodeNoSlots         ErrorCode = "all ioreq server slots in use"
	ErrCodeRangeOverlap    ErrorCode = "range overlaps an existing range"
	ErrCodeRangeNotFound   ErrorCode = "range not registered"
	ErrCodeRangesExhausted ErrorCode = "rangeset capacity exhausted"
	ErrCodeInvalidParams   ErrorCode = "invalid parameters"
	ErrCodeNoMemory        ErrorCode = "out of memory"
	ErrCodePageBusy        ErrorCode = "page slot held in the other backing mode"
	ErrCodeDomainDying     ErrorCode = "target domain is dying"
	ErrCodeVCPULimit       ErrorCode = "vcpu id beyond shared page capacity"
)

// errnoFor maps an error category to the errno the control interface
// reports, matching the contract of the original hypercall surface.
func errnoFor(code ErrorCode) syscall.Errno {
	switch code {
	case ErrCodeServerNotFound, ErrCodeRangeNotFound:
		return syscall.ENOENT
	case ErrCodeNotEmulator, ErrCodePageBusy:
		return syscall.EPERM
	case ErrCodeNoSlots, ErrCodeRangesExhausted:
		return syscall.ENOSPC
	case ErrCodeRangeOverlap:
		return syscall.EEXIST
	case ErrCodeInvalidParams, ErrCodeDomainDying, ErrCodeVCPULimit:
		return syscall.EINVAL
	case ErrCodeNoMemory:
		return syscall.ENOMEM
	default:
		return 0
	}
}

// Sentinel errors for errors.Is comparisons
var (
	ErrServerNotFound  = newSentinel(ErrCodeServerNotFound)
	ErrNotEmulator     = newSentinel(ErrCodeNotEmulator)
	ErrNoSlots         = newSentinel(ErrCodeNoSlots)
	ErrRangeOverlap    = newSentinel(ErrCodeRangeOverlap)
	ErrRangeNotFound   = newSentinel(ErrCodeRangeNotFound)
	ErrRangesExhausted = newSentinel(ErrCodeRangesExhausted)
	ErrInvalidParams   = newSentinel(ErrCodeInvalidParams)
	ErrNoMemory        = newSentinel(ErrCodeNoMemory)
	ErrPageBusy        = newSentinel(ErrCodePageBusy)
	ErrDomainDying     = newSentinel(ErrCodeDomainDying)
	ErrVCPULimit       = newSentinel(ErrCodeVCPULimit)
)

func newSentinel(code ErrorCode) *Error {
	return &Error{Server: -1, VCPU: -1, Code: code, Errno: errnoFor(code)}
}

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{
		Op:     op,
		Server: -1,
		VCPU:   -1,
		Code:   code,
		Errno:  errnoFor(code),
		Msg:    msg,
	}
}

// WrapError creates a structured error wrapping an underlying cause
func WrapError(op string, code ErrorCode, inner error) *Error {
	e := NewError(op, code, "")
	e.Inner = inner
	if inner != nil {
		e.Msg = fmt.Sprintf("%s: %v", code, inner)
	}
	return e
}

// WithDomain attaches target-domain context
func (e *Error) WithDomain(id uint32) *Error {
	e.Domain = id
	return e
}

// WithServer attaches server context
func (e *Error) WithServer(id int) *Error {
	e.Server = id
	return e
}

// WithVCPU attaches vCPU context
func (e *Error) WithVCPU(id int) *Error {
	e.VCPU = id
	return e
}
