//go:build linux

package evtchn

import (
	"context"
	"sync"

	"golang.org/x/sys/unix"
)

// EventFDPort is a Port backed by a kernel eventfd, for emulators that run
// in a separate process and receive the descriptor over an fd-passing
// channel. Semantics match the in-process Port: Notify latches, Wait
// consumes.
type EventFDPort struct {
	id uint32
	fd int

	mu     sync.Mutex
	closed bool
}

// NewEventFDPort allocates an eventfd-backed port with the given number.
func NewEventFDPort(id uint32) (*EventFDPort, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, err
	}
	return &EventFDPort{id: id, fd: fd}, nil
}

// ID returns the port number.
func (p *EventFDPort) ID() uint32 { return p.id }

// FD exposes the descriptor so it can be handed to another process.
func (p *EventFDPort) FD() int { return p.fd }

// Notify kicks the eventfd. EAGAIN means the counter is already saturated,
// which collapses to the same latched-event semantics.
func (p *EventFDPort) Notify() {
	var one = [8]byte{0: 1}
	for {
		_, err := unix.Write(p.fd, one[:])
		if err != unix.EINTR {
			return
		}
	}
}

// Wait blocks until the eventfd fires, the context is cancelled, or the
// port is closed. The descriptor is nonblocking, so waiting polls with a
// short timeout to observe cancellation.
func (p *EventFDPort) Wait(ctx context.Context) error {
	var buf [8]byte
	for {
		p.mu.Lock()
		closed := p.closed
		p.mu.Unlock()
		if closed {
			return ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		_, err := unix.Read(p.fd, buf[:])
		switch err {
		case nil:
			return nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			fds := []unix.PollFd{{Fd: int32(p.fd), Events: unix.POLLIN}}
			if _, err := unix.Poll(fds, 10); err != nil && err != unix.EINTR {
				return err
			}
		case unix.EBADF:
			return ErrClosed
		default:
			return err
		}
	}
}

// Close tears the port down and releases the descriptor.
func (p *EventFDPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return unix.Close(p.fd)
}
