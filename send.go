package ioreq

import (
	"context"
	"time"

	"github.com/ehrlich-b/go-ioreq/abi"
)

// Dispatch routes a request from the given vCPU to whichever enabled
// server claims its address. StatusUnhandled means no server claimed it
// and the embedder should fall back to its default handling.
func (r *Registry) Dispatch(v VCPU, p *abi.Ioreq) Status {
	s := r.SelectServer(p)
	if s == nil {
		r.metrics.Unrouted.Add(1)
		return StatusUnhandled
	}
	return s.Send(v, p, false)
}

// Send hands a request to this server. With buffered set the buffered
// ring is tried; a full or unsuitable ring reports StatusUnhandled and
// leaves the request untouched so the caller can retry synchronously.
// The synchronous path claims the vCPU's slot, notifies the emulator,
// and reports StatusRetry; the vCPU must not run again until
// HandleCompletion has observed the response.
func (s *Server) Send(v VCPU, p *abi.Ioreq, buffered bool) Status {
	if buffered {
		return s.sendBuffered(p)
	}

	sv := s.findVCPU(v)
	if sv == nil || s.ioreq.sync == nil {
		return StatusUnhandled
	}

	slot := s.slot(v)
	if st := slot.State(); st != abi.StateNone {
		// The emulator owns the slot until it publishes NONE. Finding
		// anything else here means it broke the protocol; the target
		// cannot make progress, so it is crashed rather than wedged.
		s.reg.log.WithServer(s.id).WithVCPU(v.ID()).Error("io slot busy on send",
			"state", st)
		s.reg.metrics.TargetCrashes.Add(1)
		s.target.Crash("emulator left io slot busy")
		return StatusUnhandled
	}
	if port := slot.Port(); port != sv.port.ID() {
		// The slot must still echo the port this side assigned to the
		// vCPU. Anything else means the emulator scribbled on the ring.
		s.reg.log.WithServer(s.id).WithVCPU(v.ID()).Error("io slot port mismatch",
			"slot_port", port, "want", sv.port.ID())
		s.reg.metrics.TargetCrashes.Add(1)
		s.target.Crash("emulator rewrote io slot port")
		return StatusUnhandled
	}

	req := *p
	req.State = abi.StateNone
	req.Port = sv.port.ID()
	slot.StoreRequest(&req)

	sv.pending = true
	slot.SetState(abi.StateReady)
	sv.port.Notify()

	req.State = abi.StateReady
	v.IO().Req = req

	s.reg.metrics.SyncSent.Add(1)
	return StatusRetry
}

// sendBuffered queues a request on the buffered ring. Only small,
// immediate accesses at low addresses fit the 8-byte entry format.
func (s *Server) sendBuffered(p *abi.Ioreq) Status {
	if s.bufioreq.buf == nil {
		return StatusUnhandled
	}
	if p.Addr > abi.BufAddrLimit || p.DataIsPtr || p.Count != 1 {
		return StatusUnhandled
	}
	class, slots, ok := abi.SizeClassFor(p.Size)
	if !ok {
		return StatusUnhandled
	}

	s.bufMu.Lock()
	defer s.bufMu.Unlock()

	buf := s.bufioreq.buf
	read, write := buf.Pointers()
	if abi.BufferedSlots-(write-read) < slots {
		s.reg.metrics.BufferedFull.Add(1)
		return StatusUnhandled
	}

	e := abi.BufIoreq{
		Type:      p.Type,
		Dir:       p.Dir,
		SizeClass: class,
		Addr:      uint32(p.Addr),
		Data:      uint32(p.Data),
	}
	buf.StoreSlot(write, e)
	if slots == 2 {
		e.Data = uint32(p.Data >> 32)
		buf.StoreSlot(write+1, e)
	}
	buf.AdvanceWrite(slots)

	if s.handling == BufAtomic {
		s.canonicalizePointers(buf)
	}

	if s.bufPort != nil {
		s.bufPort.Notify()
	}
	s.reg.metrics.BufferedSent.Add(1)
	return StatusHandled
}

// canonicalizePointers pulls both ring pointers back under one ring
// length once the read pointer has passed it, keeping the pair small for
// emulators that consume entries with an 8-byte compare-and-swap. The
// emulator races this by advancing the read pointer; each attempt
// re-reads, and the loop gives up after a ring length of failed swaps
// rather than spinning against a pathological consumer.
func (s *Server) canonicalizePointers(buf *abi.BufferedPage) {
	for i := 0; i < abi.BufferedSlots; i++ {
		old := buf.PackedPointers()
		read, write := abi.SplitPointers(old)
		if read < abi.BufferedSlots {
			return
		}
		if buf.CompareAndSwapPointers(old,
			abi.PackPointers(read-abi.BufferedSlots, write-abi.BufferedSlots)) {
			return
		}
	}
}

// waitForIO drives one pending slot to completion, blocking on the
// vCPU's event channel while the emulator works. Reports false when the
// wait was cut short and the caller should not let the vCPU resume.
func (s *Server) waitForIO(ctx context.Context, sv *serverVCPU, slot abi.Slot) bool {
	prev := abi.StateReady
	for sv.pending {
		st := slot.State()
		switch {
		case st == abi.StateNone:
			// Resolved without a response payload.
			sv.vcpu.IO().Req.State = abi.StateNone
			sv.pending = false

		case st < prev || st > abi.StateRespReady:
			s.reg.log.WithServer(s.id).WithVCPU(sv.vcpu.ID()).
				Error("io slot state corrupt", "state", st, "prev", prev)
			s.reg.metrics.TargetCrashes.Add(1)
			s.target.Crash("emulator corrupted io slot state")
			sv.pending = false
			return false

		case st == abi.StateRespReady:
			data := slot.Data()
			slot.SetState(abi.StateNone)

			// The request stays at READY here; HandleCompletion
			// finalizes it once every pending slot has drained.
			vio := sv.vcpu.IO()
			if vio.Req.NeedsCompletion() {
				vio.Req.Data = data
			}
			sv.pending = false
			s.reg.metrics.Completions.Add(1)

		default: // READY or INPROCESS
			prev = st
			start := time.Now()
			err := sv.port.Wait(ctx)
			s.reg.metrics.RecordWait(time.Since(start))
			if err != nil {
				if s.target.Dying() {
					slot.SetState(abi.StateNone)
					sv.vcpu.IO().Req.State = abi.StateNone
					sv.pending = false
					return true
				}
				return false
			}
		}
	}
	return true
}

// pendingVCPU finds the server currently holding a synchronous request
// for the vCPU, highest id first.
func (r *Registry) pendingVCPU(v VCPU) (*Server, *serverVCPU) {
	var (
		srv *Server
		sv  *serverVCPU
	)
	r.forEachServer(func(s *Server) bool {
		if cand := s.findVCPU(v); cand != nil && cand.pending {
			srv, sv = s, cand
			return false
		}
		return true
	})
	return srv, sv
}

// IOPending reports whether any server holds an unfinished synchronous
// request for the vCPU.
func (r *Registry) IOPending(v VCPU) bool {
	s, _ := r.pendingVCPU(v)
	return s != nil
}

// HandleCompletion finishes the vCPU's outstanding request: it waits for
// every pending server slot, then replays whatever on-CPU operation was
// cut in half when the request was sent. Reports false when the vCPU
// must not resume, either because the wait failed or because a handler
// asked for another pass.
func (r *Registry) HandleCompletion(ctx context.Context, v VCPU) bool {
	for {
		s, sv := r.pendingVCPU(v)
		if s == nil {
			break
		}
		if !s.waitForIO(ctx, sv, s.slot(v)) {
			return false
		}
	}

	// Finalize the access: a response the vCPU still has to consume is
	// left visible as RESP_READY for the re-entry path below; everything
	// else returns the request to NONE.
	vio := v.IO()
	if vio.Req.NeedsCompletion() {
		vio.Req.State = abi.StateRespReady
	} else {
		vio.Req.State = abi.StateNone
	}

	c := vio.Completion
	vio.Completion = CompletionNone

	switch {
	case c == CompletionNone:
		return true
	case c == CompletionMMIO:
		if r.completions.MMIO == nil {
			return true
		}
		return r.completions.MMIO(v)
	case c == CompletionPIO:
		if r.completions.PIO == nil {
			return true
		}
		return r.completions.PIO(v, vio.Req.Addr, vio.Req.Size, vio.Req.Dir)
	default:
		if r.completions.Arch == nil {
			return true
		}
		return r.completions.Arch(v, c)
	}
}

// Broadcast sends a request to every server, typically a timeoffset or
// invalidate event on the buffered path. Disabled servers are passed
// over; the count reports how many enabled servers failed to take it.
func (r *Registry) Broadcast(v VCPU, p *abi.Ioreq, buffered bool) int {
	failed := 0
	r.forEachServer(func(s *Server) bool {
		if !s.enabled.Load() {
			return true
		}
		if s.Send(v, p, buffered) == StatusUnhandled {
			failed++
		}
		return true
	})
	return failed
}
