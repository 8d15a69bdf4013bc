package ioreq

import (
	"sync"
	"sync/atomic"

	"github.com/ehrlich-b/go-ioreq/abi"
	"github.com/ehrlich-b/go-ioreq/internal/rangeset"
)

const invalidGFN = ^uint64(0)

// serverVCPU is one vCPU's attachment to a server: a dedicated event
// channel and the flag marking a request in flight. Only the vCPU's own
// execution context reads or writes pending.
type serverVCPU struct {
	vcpu    VCPU
	port    Port
	pending bool
}

// ringPage is one of a server's two shared pages. A page is either mapped
// at a guest frame the emulator chose (gfn != invalidGFN) or backed by a
// hypervisor-private allocation, never both.
type ringPage struct {
	gfn  uint64
	page Page
	sync *abi.SharedPage
	buf  *abi.BufferedPage
}

func (rp *ringPage) present() bool { return rp.page != nil }

func (rp *ringPage) zero() {
	b := rp.page.Bytes()
	for i := range b {
		b[i] = 0
	}
}

// Server is a single emulator's registration against a target domain.
type Server struct {
	reg      *Registry
	id       int
	target   Domain
	emulator Domain

	// mu serializes vCPU attach/detach, enable/disable, and event
	// channel updates
	mu       sync.Mutex
	ioreq    ringPage
	bufioreq ringPage
	vcpus    []*serverVCPU

	// bufMu protects only the buffered-ring pointer update; it is never
	// held across a blocking wait
	bufMu    sync.Mutex
	bufPort  Port
	ranges   [nrRangeKinds]*rangeset.Set
	enabled  atomic.Bool
	handling BufMode
}

// ID returns the server's slot index, stable for its lifetime.
func (s *Server) ID() int { return s.id }

// Enabled reports whether accesses are currently routed to the server.
func (s *Server) Enabled() bool { return s.enabled.Load() }

func (s *Server) handleBuf() bool { return s.handling != BufOff }

// init builds a freshly reserved server: rangesets first, then one vCPU
// attachment per existing target vCPU. Unwinds completely on failure.
func (s *Server) init(handling BufMode) error {
	s.ioreq.gfn = invalidGFN
	s.bufioreq.gfn = invalidGFN
	s.handling = handling

	for i := RangeKind(0); i < nrRangeKinds; i++ {
		s.ranges[i] = rangeset.New(i.String(), MaxRangesPerKind)
	}

	for _, v := range s.target.VCPUs() {
		if err := s.addVCPU(v); err != nil {
			s.removeAllVCPUs()
			s.unmapPages()
			return err
		}
	}
	return nil
}

// deinit tears the server down. Unmapping before freeing is deliberate:
// unmap clears the page pointer for gfn-backed slots, so the free pass
// only touches hypervisor-allocated pages.
func (s *Server) deinit() {
	s.removeAllVCPUs()
	s.unmapPages()
	s.freePages()
	for i := range s.ranges {
		s.ranges[i] = nil
	}
}

// addVCPU attaches one vCPU: a dedicated port, plus the shared buffered
// port when vCPU 0 arrives on a buffering server.
func (s *Server) addVCPU(v VCPU) error {
	if int(v.ID()) >= abi.SlotsPerPage {
		return NewError("ADD_VCPU", ErrCodeVCPULimit, "").
			WithDomain(s.target.ID()).WithServer(s.id).WithVCPU(int(v.ID()))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	port, err := s.reg.ports.Alloc(v.ID(), s.emulator.ID())
	if err != nil {
		return WrapError("ADD_VCPU", ErrCodeNoMemory, err).
			WithDomain(s.target.ID()).WithServer(s.id).WithVCPU(int(v.ID()))
	}

	sv := &serverVCPU{vcpu: v, port: port}

	if v.ID() == 0 && s.handleBuf() {
		bufPort, err := s.reg.ports.Alloc(0, s.emulator.ID())
		if err != nil {
			port.Close()
			return WrapError("ADD_VCPU", ErrCodeNoMemory, err).
				WithDomain(s.target.ID()).WithServer(s.id).WithVCPU(0)
		}
		s.bufPort = bufPort
	}

	s.vcpus = append(s.vcpus, sv)

	if s.enabled.Load() {
		s.updatePortLocked(sv)
	}
	return nil
}

// removeVCPU detaches one vCPU, closing its channels.
func (s *Server) removeVCPU(v VCPU) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, sv := range s.vcpus {
		if sv.vcpu != v {
			continue
		}
		s.vcpus = append(s.vcpus[:i], s.vcpus[i+1:]...)

		if v.ID() == 0 && s.handleBuf() && s.bufPort != nil {
			s.bufPort.Close()
			s.bufPort = nil
		}
		sv.port.Close()
		break
	}
}

func (s *Server) removeAllVCPUs() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sv := range s.vcpus {
		if sv.vcpu.ID() == 0 && s.handleBuf() && s.bufPort != nil {
			s.bufPort.Close()
			s.bufPort = nil
		}
		sv.port.Close()
	}
	s.vcpus = nil
}

// updatePortLocked writes a vCPU's port number into its shared slot so
// the emulator can echo it. Caller holds s.mu.
func (s *Server) updatePortLocked(sv *serverVCPU) {
	if s.ioreq.sync != nil {
		s.ioreq.sync.Slot(int(sv.vcpu.ID())).SetPort(sv.port.ID())
	}
}

// slot returns the synchronous slot serving v. Valid only while the
// synchronous page is present.
func (s *Server) slot(v VCPU) abi.Slot {
	return s.ioreq.sync.Slot(int(v.ID()))
}

func (s *Server) page(buf bool) *ringPage {
	if buf {
		return &s.bufioreq
	}
	return &s.ioreq
}

// attachViews builds the typed overlays once a page materializes.
func (s *Server) attachViews(buf bool) error {
	rp := s.page(buf)
	var err error
	if buf {
		rp.buf, err = abi.Buffered(rp.page.Bytes())
	} else {
		rp.sync, err = abi.Shared(rp.page.Bytes())
	}
	return err
}

// mapGFN backs a ring page with a frame from the target's GFN window and
// publishes it in the guest physmap. Refused once a hypervisor-private
// page holds the slot: remapping a live ring out from under in-flight
// accesses would be a use-after-free.
func (s *Server) mapGFN(buf bool) error {
	rp := s.page(buf)

	if rp.present() {
		if rp.gfn == invalidGFN {
			return ErrPageBusy
		}
		return nil
	}

	if s.target.Dying() {
		return ErrDomainDying
	}

	gfn, ok := s.reg.gfns.alloc()
	if !ok {
		return ErrNoMemory
	}

	page, err := s.reg.physmap.Map(gfn)
	if err != nil {
		s.reg.gfns.free(gfn)
		return WrapError("MAP_PAGE", ErrCodeNoMemory, err)
	}

	rp.gfn = gfn
	rp.page = page
	if err := s.attachViews(buf); err != nil {
		s.unmapGFN(buf)
		return WrapError("MAP_PAGE", ErrCodeInvalidParams, err)
	}
	return nil
}

func (s *Server) unmapGFN(buf bool) {
	rp := s.page(buf)
	if rp.gfn == invalidGFN {
		return
	}

	rp.page.Release()
	rp.page = nil
	rp.sync = nil
	rp.buf = nil

	s.reg.gfns.free(rp.gfn)
	rp.gfn = invalidGFN
}

// allocFrame backs a ring page with a hypervisor-private page invisible to
// the guest. Refused once a guest frame holds the slot.
func (s *Server) allocFrame(buf bool) error {
	rp := s.page(buf)

	if rp.present() {
		if rp.gfn != invalidGFN {
			return ErrPageBusy
		}
		return nil
	}

	page, err := s.reg.pages.AllocPage(s.target.ID())
	if err != nil {
		return WrapError("ALLOC_PAGE", ErrCodeNoMemory, err)
	}

	rp.page = page
	rp.zero()
	if err := s.attachViews(buf); err != nil {
		rp.page = nil
		page.Release()
		return WrapError("ALLOC_PAGE", ErrCodeInvalidParams, err)
	}
	return nil
}

func (s *Server) freeFrame(buf bool) {
	rp := s.page(buf)
	if !rp.present() {
		return
	}

	page := rp.page
	rp.page = nil
	rp.sync = nil
	rp.buf = nil
	page.Release()
}

// mapPages maps both rings at guest frames, buffered only when handled.
func (s *Server) mapPages() error {
	err := s.mapGFN(false)
	if err == nil && s.handleBuf() {
		err = s.mapGFN(true)
	}
	if err != nil {
		s.unmapGFN(false)
		return err
	}
	s.seedPorts()
	return nil
}

func (s *Server) unmapPages() {
	s.unmapGFN(true)
	s.unmapGFN(false)
}

// allocPages allocates both rings from hypervisor-private memory.
func (s *Server) allocPages() error {
	err := s.allocFrame(false)
	if err == nil && s.handleBuf() {
		err = s.allocFrame(true)
	}
	if err != nil {
		s.freeFrame(false)
		return err
	}
	s.seedPorts()
	return nil
}

// seedPorts stamps every attached vCPU's port into its slot on a server
// whose rings materialized after it was enabled. Disabled gfn-backed
// rings stay untouched, the guest owns their contents.
func (s *Server) seedPorts() {
	if !s.enabled.Load() {
		return
	}
	for _, sv := range s.vcpus {
		s.updatePortLocked(sv)
	}
}

func (s *Server) freePages() {
	s.freeFrame(true)
	s.freeFrame(false)
}

// hideGFN withdraws a gfn-backed ring from the guest physmap while the
// server is enabled, so the guest cannot observe or corrupt live
// requests.
func (s *Server) hideGFN(buf bool) {
	rp := s.page(buf)
	if rp.gfn == invalidGFN {
		return
	}

	if err := s.reg.physmap.Remove(rp.gfn, rp.page); err != nil {
		s.reg.log.WithServer(s.id).WithError(err).
			Error("failed to hide ioreq gfn", "gfn", rp.gfn)
		s.target.Crash("ioreq page unmap failed")
	}
	rp.zero()
}

// exposeGFN restores a gfn-backed ring into the guest physmap, zeroed, so
// default memory semantics resume while no emulator is bound.
func (s *Server) exposeGFN(buf bool) {
	rp := s.page(buf)
	if rp.gfn == invalidGFN {
		return
	}

	rp.zero()
	if err := s.reg.physmap.Add(rp.gfn, rp.page); err != nil {
		s.reg.log.WithServer(s.id).WithError(err).
			Error("failed to restore ioreq gfn", "gfn", rp.gfn)
	}
}

// enable makes the server routable and republishes every attached vCPU's
// port number.
func (s *Server) enable() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.enabled.Load() {
		return
	}

	s.hideGFN(false)
	s.hideGFN(true)

	s.enabled.Store(true)

	for _, sv := range s.vcpus {
		s.updatePortLocked(sv)
	}
}

func (s *Server) disable() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.enabled.Load() {
		return
	}

	s.exposeGFN(true)
	s.exposeGFN(false)

	s.enabled.Store(false)
}

// findVCPU returns v's attachment, if any. The vCPU list only changes
// while the target domain is paused, so the runtime paths iterate it
// without the server lock.
func (s *Server) findVCPU(v VCPU) *serverVCPU {
	for _, sv := range s.vcpus {
		if sv.vcpu == v {
			return sv
		}
	}
	return nil
}
