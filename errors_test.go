package ioreq

import (
	"errors"
	"syscall"
	"testing"
)

func TestStructuredError(t *testing.T) {
	err := NewError("MAP_RANGE", ErrCodeRangeOverlap, "span already claimed").
		WithDomain(3).WithServer(1)

	if err.Op != "MAP_RANGE" {
		t.Errorf("Op = %s, want MAP_RANGE", err.Op)
	}
	if err.Errno != syscall.EEXIST {
		t.Errorf("Errno = %v, want EEXIST", err.Errno)
	}

	expected := "ioreq: span already claimed (op=MAP_RANGE domain=3 server=1 errno=17)"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestSentinelErrors(t *testing.T) {
	// A contextual error matches its sentinel by category.
	err := NewError("DESTROY_SERVER", ErrCodeServerNotFound, "").
		WithDomain(1).WithServer(4)
	if !errors.Is(err, ErrServerNotFound) {
		t.Error("contextual error should match sentinel via errors.Is")
	}
	if errors.Is(err, ErrNotEmulator) {
		t.Error("error matched an unrelated sentinel")
	}

	// Every sentinel carries the errno the control surface reports.
	tests := []struct {
		err   *Error
		errno syscall.Errno
	}{
		{ErrServerNotFound, syscall.ENOENT},
		{ErrRangeNotFound, syscall.ENOENT},
		{ErrNotEmulator, syscall.EPERM},
		{ErrPageBusy, syscall.EPERM},
		{ErrNoSlots, syscall.ENOSPC},
		{ErrRangesExhausted, syscall.ENOSPC},
		{ErrRangeOverlap, syscall.EEXIST},
		{ErrInvalidParams, syscall.EINVAL},
		{ErrDomainDying, syscall.EINVAL},
		{ErrVCPULimit, syscall.EINVAL},
		{ErrNoMemory, syscall.ENOMEM},
	}
	for _, tt := range tests {
		if tt.err.Errno != tt.errno {
			t.Errorf("%s: errno = %v, want %v", tt.err.Code, tt.err.Errno, tt.errno)
		}
	}
}

func TestWrapErrorUnwraps(t *testing.T) {
	inner := errors.New("backing store gone")
	err := WrapError("ALLOC_PAGE", ErrCodeNoMemory, inner)

	if !errors.Is(err, inner) {
		t.Error("wrapped error should unwrap to its cause")
	}
	if !errors.Is(err, ErrNoMemory) {
		t.Error("wrapped error should still match its sentinel")
	}
}

func TestErrorAs(t *testing.T) {
	var cause error = NewError("CREATE_SERVER", ErrCodeNoSlots, "").WithDomain(7)

	var e *Error
	if !errors.As(cause, &e) {
		t.Fatal("errors.As failed on a broker error")
	}
	if e.Domain != 7 {
		t.Errorf("Domain = %d, want 7", e.Domain)
	}
}
