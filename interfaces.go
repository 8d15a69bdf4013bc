package ioreq

import (
	"context"

	"github.com/ehrlich-b/go-ioreq/abi"
)

// The broker consumes its surroundings through the interfaces below.
// Scheduling, memory management, and event signalling are supplied by the
// embedder; reference implementations suitable for tests and in-process
// emulators are exported from this package (see NewChannelPorts,
// NewHeapPages, NewPhysmap, and the Test* types).

// Domain is the broker's view of a virtual machine, be it the target of
// emulation or the domain hosting an emulator.
type Domain interface {
	// ID is the stable domain identifier.
	ID() uint32

	// Pause brings all of the domain's vCPUs out of execution. Paired
	// with Unpause; calls nest.
	Pause()
	Unpause()

	// Dying reports whether the domain is being torn down.
	Dying() bool

	// Crash forcibly kills the domain. The broker invokes this only for
	// protocol violations by the domain's own emulator, never for
	// malformed guest input.
	Crash(reason string)

	// VCPUs lists the domain's vCPUs.
	VCPUs() []VCPU
}

// VCPU is one virtual CPU of a target domain.
type VCPU interface {
	// ID is the vCPU index; it selects the vCPU's synchronous slot.
	ID() uint32

	// IO returns the vCPU's in-flight access state. Only the vCPU's own
	// execution context touches it.
	IO() *VCPUIO
}

// VCPUIO is the per-vCPU in-flight access descriptor plus the tag naming
// which post-completion path still has to run.
type VCPUIO struct {
	Req        abi.Ioreq
	Completion Completion
}

// Completion selects the post-processing path that finishes an access
// after its response arrives. Values at or above CompletionArchBase are
// forwarded to the architecture callback.
type Completion uint8

const (
	CompletionNone Completion = iota
	CompletionMMIO
	CompletionPIO
	CompletionArchBase
)

// Port is one interdomain event-channel endpoint.
type Port interface {
	// ID is the port number; it is what crosses the shared page.
	ID() uint32

	// Notify posts an event. One event is latched; notifying a signalled
	// port is a no-op.
	Notify()

	// Wait blocks until an event arrives, the context is cancelled, or
	// the port is closed underneath the waiter.
	Wait(ctx context.Context) error

	Close() error
}

// PortAllocator stands in for the hypervisor's event-channel tables.
type PortAllocator interface {
	// Alloc binds a new unbound channel between the given vCPU of the
	// target and the remote domain.
	Alloc(vcpu, remote uint32) (Port, error)

	// Lookup resolves a port number to its live port, the way an
	// emulator binds the numbers it learns from the shared page.
	Lookup(id uint32) (Port, bool)
}

// Page is one owned page of memory.
type Page interface {
	Bytes() []byte

	// Frame is the machine frame number backing the page.
	Frame() uint64

	// Release drops this holder's reference.
	Release()
}

// PageAllocator allocates hypervisor-private pages accounted to a domain.
type PageAllocator interface {
	AllocPage(owner uint32) (Page, error)
}

// Physmap is one target domain's guest-physical address space.
type Physmap interface {
	// Add maps page at gfn.
	Add(gfn uint64, page Page) error

	// Remove unmaps gfn; the mapping must reference page.
	Remove(gfn uint64, page Page) error

	// Map resolves gfn to a referenced page. The returned page stays
	// valid after a later Remove of the same gfn.
	Map(gfn uint64) (Page, error)
}

// CompletionHandlers are the embedder's post-completion paths. Exactly one
// fires per completed access. A nil handler treats its path as complete.
type CompletionHandlers struct {
	// MMIO re-enters the instruction emulator for a partially handled
	// memory access.
	MMIO func(v VCPU) bool

	// PIO finishes an in/out instruction with the completed transfer.
	PIO func(v VCPU, addr uint64, size uint32, dir uint8) bool

	// Arch handles architecture-specific completions.
	Arch func(v VCPU, c Completion) bool
}
