// Package evtchn provides interdomain event-channel ports: one-bit,
// level-style notification endpoints a vCPU can block on and an emulator
// can kick, and vice versa. The default implementation is in-process;
// eventfd-backed ports are available on linux for emulators living in
// another process.
package evtchn

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Wait when the port is torn down underneath the
// waiter, which happens on server destruction and domain teardown.
var ErrClosed = errors.New("evtchn: port closed")

// Port is one notification channel. Notify latches a single pending event;
// Wait consumes it or blocks until one arrives.
type Port struct {
	id      uint32
	events  chan struct{}
	onClose func()

	mu     sync.Mutex
	done   chan struct{}
	closed bool
}

// ID returns the port number. The number is what travels through shared
// memory; the emulator must echo it back in the slot it services.
func (p *Port) ID() uint32 { return p.id }

// Notify posts an event. Posting to an already-signalled or closed port is
// a no-op, matching the one-bit semantics of the original channels.
func (p *Port) Notify() {
	select {
	case p.events <- struct{}{}:
	default:
	}
}

// Wait blocks until an event is posted, the context is cancelled, or the
// port is closed.
func (p *Port) Wait(ctx context.Context) error {
	select {
	case <-p.events:
		return nil
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close tears the port down, waking any blocked waiter with ErrClosed.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.done)
		if p.onClose != nil {
			p.onClose()
		}
	}
	return nil
}

// Allocator hands out ports and resolves port numbers back to live ports,
// standing in for the hypervisor's event-channel tables.
type Allocator struct {
	mu    sync.Mutex
	next  uint32
	ports map[uint32]*Port
}

// NewAllocator creates an empty port table. Port numbers start at 1; zero
// is never a valid port, so a zeroed shared slot can't alias a real one.
func NewAllocator() *Allocator {
	return &Allocator{next: 1, ports: make(map[uint32]*Port)}
}

// Alloc binds a new unbound port between the target vCPU and the remote
// domain. The identities are recorded only for diagnostics; delivery is
// by port number.
func (a *Allocator) Alloc(vcpu, remote uint32) (*Port, error) {
	_ = vcpu
	_ = remote

	a.mu.Lock()
	defer a.mu.Unlock()

	p := &Port{
		id:     a.next,
		events: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	p.onClose = func() {
		a.mu.Lock()
		delete(a.ports, p.id)
		a.mu.Unlock()
	}
	a.next++
	a.ports[p.id] = p
	return p, nil
}

// Lookup resolves a port number to its live port.
func (a *Allocator) Lookup(id uint32) (*Port, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.ports[id]
	return p, ok
}

// Release closes a port and drops it from the table.
func (a *Allocator) Release(id uint32) {
	a.mu.Lock()
	p, ok := a.ports[id]
	delete(a.ports, id)
	a.mu.Unlock()
	if ok {
		p.Close()
	}
}
