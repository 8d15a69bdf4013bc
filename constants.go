package ioreq

import "github.com/ehrlich-b/go-ioreq/internal/constants"

// Re-exported capacity limits
const (
	// MaxServers is the number of ioreq server slots per target domain.
	// Server ids are indices into that slot table and stay stable for a
	// server's lifetime.
	MaxServers = constants.MaxServers

	// MaxRangesPerKind bounds each server's per-kind rangeset.
	MaxRangesPerKind = constants.MaxRangesPerKind
)

// RangeKind selects which of a server's three rangesets an operation
// addresses.
type RangeKind uint32

const (
	RangePort RangeKind = iota
	RangeMemory
	RangePCI

	nrRangeKinds
)

func (k RangeKind) String() string {
	switch k {
	case RangePort:
		return "port"
	case RangeMemory:
		return "memory"
	case RangePCI:
		return "pci"
	default:
		return "invalid"
	}
}

// BufMode is a server's buffered-delivery handling mode.
type BufMode uint8

const (
	// BufOff disables the buffered ring entirely.
	BufOff BufMode = iota

	// BufOn enables the buffered ring.
	BufOn

	// BufAtomic additionally canonicalizes the ring pointers back toward
	// zero so they cannot grow without bound.
	BufAtomic
)

// Status is the outcome of a delivery attempt.
type Status int

const (
	// StatusUnhandled means the server did not take the request; the
	// caller falls back to default handling or the synchronous path.
	StatusUnhandled Status = iota

	// StatusHandled means the request was delivered and needs nothing
	// further from the vCPU.
	StatusHandled

	// StatusRetry means the request was published to the emulator and
	// the caller must suspend the vCPU until the response is consumed.
	StatusRetry
)

// FrameIndex names a server's mappable frames for GetServerFrame.
type FrameIndex uint32

const (
	// FrameBufioreq is the buffered ring page.
	FrameBufioreq FrameIndex = 0

	// FrameIoreq is the synchronous ring page.
	FrameIoreq FrameIndex = 1
)
