package constants

import "time"

// Capacity limits for the ioreq broker
const (
	// MaxServers is the number of ioreq server slots per target domain
	MaxServers = 8

	// MaxRangesPerKind is the maximum interval count per rangeset
	MaxRangesPerKind = 256

	// DefaultGFNCount is the default size of a domain's ioreq GFN window
	DefaultGFNCount = 8
)

// Timing constants for the demo daemon and test helpers
const (
	// EmulatorStartupTimeout bounds the wait for a device model to attach
	EmulatorStartupTimeout = 5 * time.Second

	// PollInterval is the interval used by bounded predicate waits
	PollInterval = time.Millisecond
)
