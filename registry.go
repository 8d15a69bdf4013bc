package ioreq

import (
	"sync"
	"sync/atomic"

	"github.com/ehrlich-b/go-ioreq/internal/constants"
	"github.com/ehrlich-b/go-ioreq/internal/logging"
)

// gfnPool is the window of guest frame numbers a target domain sets aside
// for ioreq pages: a base plus a free bitmap of up to 64 frames.
type gfnPool struct {
	base  uint64
	avail uint64
}

func newGFNPool(base uint64, count uint32) gfnPool {
	if count == 0 || count > 64 {
		count = constants.DefaultGFNCount
	}
	var mask uint64
	if count == 64 {
		mask = ^uint64(0)
	} else {
		mask = 1<<count - 1
	}
	return gfnPool{base: base, avail: mask}
}

func (p *gfnPool) alloc() (uint64, bool) {
	for i := 0; i < 64; i++ {
		bit := uint64(1) << i
		if p.avail&bit != 0 {
			p.avail &^= bit
			return p.base + uint64(i), true
		}
	}
	return 0, false
}

func (p *gfnPool) free(gfn uint64) {
	i := gfn - p.base
	if i < 64 {
		p.avail |= 1 << i
	}
}

// Config assembles a registry's collaborators.
type Config struct {
	// Target is the domain whose accesses are brokered.
	Target Domain

	// Ports supplies event channels.
	Ports PortAllocator

	// Pages supplies hypervisor-private pages for GetServerFrame.
	Pages PageAllocator

	// Physmap is the target's guest-physical address space.
	Physmap Physmap

	// GFNBase and GFNCount describe the target's reserved window of
	// guest frames for ioreq pages. Count defaults to 8, capped at 64.
	GFNBase  uint64
	GFNCount uint32

	// Completions supplies the post-completion paths.
	Completions CompletionHandlers

	// Logger defaults to the package-level logger.
	Logger *logging.Logger

	// Metrics defaults to a fresh instance; share one to aggregate.
	Metrics *Metrics
}

// Registry is the per-target-domain table of ioreq servers. A server id
// is its index into the fixed slot array and never changes while the
// server lives; a destroyed id may be reused by the next create, which
// takes the lowest free slot.
type Registry struct {
	target      Domain
	ports       PortAllocator
	pages       PageAllocator
	physmap     Physmap
	completions CompletionHandlers
	log         *logging.Logger
	metrics     *Metrics

	// mu serializes all toolstack-driven mutation. Lookup and dispatch
	// read the slot pointers atomically without it; structural changes
	// happen with the target paused, so readers never observe a
	// half-built server.
	mu      sync.Mutex
	servers [constants.MaxServers]atomic.Pointer[Server]
	gfns    gfnPool

	// cf8 is the latched PCI config address for access mechanism #1
	cf8 atomic.Uint32
}

// NewRegistry creates the ioreq broker state for one target domain.
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.Target == nil || cfg.Ports == nil || cfg.Pages == nil || cfg.Physmap == nil {
		return nil, NewError("NEW_REGISTRY", ErrCodeInvalidParams,
			"target, ports, pages, and physmap are required")
	}

	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}

	return &Registry{
		target:      cfg.Target,
		ports:       cfg.Ports,
		pages:       cfg.Pages,
		physmap:     cfg.Physmap,
		completions: cfg.Completions,
		log:         log.WithDomain(cfg.Target.ID()),
		metrics:     metrics,
		gfns:        newGFNPool(cfg.GFNBase, cfg.GFNCount),
	}, nil
}

// Target returns the domain this registry brokers for.
func (r *Registry) Target() Domain { return r.target }

// Metrics returns the registry's counters.
func (r *Registry) Metrics() *Metrics { return r.metrics }

// SetPCIConfigAddr latches a CF8 config-address write. The embedder's
// port handler for 0xCF8 feeds this so config-data accesses can be routed
// as PCI ranges.
func (r *Registry) SetPCIConfigAddr(cf8 uint32) {
	r.cf8.Store(cf8)
}

// annotate copies a broker error before attaching context, so shared
// sentinels coming out of the page paths are never mutated.
func (r *Registry) annotate(err error, id int) error {
	if e, ok := err.(*Error); ok {
		c := *e
		return c.WithDomain(r.target.ID()).WithServer(id)
	}
	return err
}

// server returns the slot contents, nil when empty or out of range.
func (r *Registry) server(id int) *Server {
	if id < 0 || id >= constants.MaxServers {
		return nil
	}
	return r.servers[id].Load()
}

// forEachServer visits occupied slots from highest id to lowest, so more
// recently created servers are favoured by dispatch. Stops early when fn
// returns false. The descending order is a documented contract, kept from
// the days servers lived in a prepend-only list.
func (r *Registry) forEachServer(fn func(s *Server) bool) {
	for id := constants.MaxServers - 1; id >= 0; id-- {
		s := r.servers[id].Load()
		if s == nil {
			continue
		}
		if !fn(s) {
			return
		}
	}
}

// CreateServer registers a new ioreq server for the target, owned by the
// calling emulator domain. Returns the new server's id. The lowest free
// slot wins; callers must not assume a destroyed id stays retired.
func (r *Registry) CreateServer(emulator Domain, handling BufMode) (int, error) {
	const op = "CREATE_SERVER"

	if handling > BufAtomic {
		return -1, NewError(op, ErrCodeInvalidParams, "bad buffered handling mode").
			WithDomain(r.target.ID())
	}

	r.target.Pause()
	defer r.target.Unpause()

	r.mu.Lock()
	defer r.mu.Unlock()

	id := -1
	for i := 0; i < constants.MaxServers; i++ {
		if r.servers[i].Load() == nil {
			id = i
			break
		}
	}
	if id < 0 {
		return -1, NewError(op, ErrCodeNoSlots, "").WithDomain(r.target.ID())
	}

	s := &Server{
		reg:      r,
		id:       id,
		target:   r.target,
		emulator: emulator,
	}

	// Reserving the slot before init is safe: the target is paused, so
	// no dispatch can observe the half-built server, and concurrent
	// lookups see either nil or the finished product.
	r.servers[id].Store(s)

	if err := s.init(handling); err != nil {
		r.servers[id].Store(nil)
		return -1, err
	}

	r.log.WithServer(id).Info("ioreq server created",
		"emulator", emulator.ID(), "buffered", handling != BufOff)
	return id, nil
}

// DestroyServer tears down a server. Only the registered emulator may
// destroy its own server.
func (r *Registry) DestroyServer(emulator Domain, id int) error {
	const op = "DESTROY_SERVER"

	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.server(id)
	if s == nil {
		return NewError(op, ErrCodeServerNotFound, "").
			WithDomain(r.target.ID()).WithServer(id)
	}
	if s.emulator != emulator {
		return NewError(op, ErrCodeNotEmulator, "").
			WithDomain(r.target.ID()).WithServer(id)
	}

	r.target.Pause()
	defer r.target.Unpause()

	s.disable()
	s.deinit()
	r.servers[id].Store(nil)

	r.log.WithServer(id).Info("ioreq server destroyed")
	return nil
}

// ServerInfo is the emulator-visible description of a server's rings.
type ServerInfo struct {
	// IoreqGFN is the guest frame of the synchronous ring.
	IoreqGFN uint64

	// HasBufioreq reports whether the buffered fields are meaningful.
	HasBufioreq bool

	// BufioreqGFN is the guest frame of the buffered ring.
	BufioreqGFN uint64

	// BufioreqPort is the shared event channel for the buffered ring.
	BufioreqPort uint32
}

// GetServerInfo reports a server's ring frames, lazily mapping the rings
// at guest frames on first call. Once mapped this way, the pages can
// never be converted to hypervisor-private backing.
func (r *Registry) GetServerInfo(emulator Domain, id int) (ServerInfo, error) {
	const op = "GET_SERVER_INFO"

	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.server(id)
	if s == nil {
		return ServerInfo{}, NewError(op, ErrCodeServerNotFound, "").
			WithDomain(r.target.ID()).WithServer(id)
	}
	if s.emulator != emulator {
		return ServerInfo{}, NewError(op, ErrCodeNotEmulator, "").
			WithDomain(r.target.ID()).WithServer(id)
	}

	if err := s.mapPages(); err != nil {
		return ServerInfo{}, r.annotate(err, id)
	}

	info := ServerInfo{IoreqGFN: s.ioreq.gfn}
	if s.handleBuf() {
		info.HasBufioreq = true
		info.BufioreqGFN = s.bufioreq.gfn
		if s.bufPort != nil {
			info.BufioreqPort = s.bufPort.ID()
		}
	}
	return info, nil
}

// GetServerFrame returns the machine frame backing one of a server's
// rings, allocating hypervisor-private pages on first call. Once
// allocated this way, the pages can never be mapped at guest frames.
func (r *Registry) GetServerFrame(emulator Domain, id int, idx FrameIndex) (uint64, error) {
	const op = "GET_SERVER_FRAME"

	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.server(id)
	if s == nil {
		return 0, NewError(op, ErrCodeServerNotFound, "").
			WithDomain(r.target.ID()).WithServer(id)
	}
	if s.emulator != emulator {
		return 0, NewError(op, ErrCodeNotEmulator, "").
			WithDomain(r.target.ID()).WithServer(id)
	}

	if err := s.allocPages(); err != nil {
		return 0, r.annotate(err, id)
	}

	switch idx {
	case FrameBufioreq:
		if !s.handleBuf() {
			return 0, NewError(op, ErrCodeServerNotFound, "server does not buffer").
				WithDomain(r.target.ID()).WithServer(id)
		}
		return s.bufioreq.page.Frame(), nil
	case FrameIoreq:
		return s.ioreq.page.Frame(), nil
	default:
		return 0, NewError(op, ErrCodeInvalidParams, "bad frame index").
			WithDomain(r.target.ID()).WithServer(id)
	}
}

// MapRange claims [start, end] of the given kind for a server. Overlap
// with an existing claim of the same server and kind is a caller bug and
// is surfaced, never silently merged.
func (r *Registry) MapRange(emulator Domain, id int, kind RangeKind, start, end uint64) error {
	const op = "MAP_RANGE"

	if start > end || kind >= nrRangeKinds {
		return NewError(op, ErrCodeInvalidParams, "").
			WithDomain(r.target.ID()).WithServer(id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.server(id)
	if s == nil {
		return NewError(op, ErrCodeServerNotFound, "").
			WithDomain(r.target.ID()).WithServer(id)
	}
	if s.emulator != emulator {
		return NewError(op, ErrCodeNotEmulator, "").
			WithDomain(r.target.ID()).WithServer(id)
	}

	rs := s.ranges[kind]
	if rs.Overlaps(start, end) {
		return NewError(op, ErrCodeRangeOverlap, "").
			WithDomain(r.target.ID()).WithServer(id)
	}
	if err := rs.Add(start, end); err != nil {
		return WrapError(op, ErrCodeRangesExhausted, err).
			WithDomain(r.target.ID()).WithServer(id)
	}
	return nil
}

// UnmapRange withdraws [start, end] of the given kind from a server. The
// span must be fully contained by the server's existing claims.
func (r *Registry) UnmapRange(emulator Domain, id int, kind RangeKind, start, end uint64) error {
	const op = "UNMAP_RANGE"

	if start > end || kind >= nrRangeKinds {
		return NewError(op, ErrCodeInvalidParams, "").
			WithDomain(r.target.ID()).WithServer(id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.server(id)
	if s == nil {
		return NewError(op, ErrCodeServerNotFound, "").
			WithDomain(r.target.ID()).WithServer(id)
	}
	if s.emulator != emulator {
		return NewError(op, ErrCodeNotEmulator, "").
			WithDomain(r.target.ID()).WithServer(id)
	}

	rs := s.ranges[kind]
	if !rs.Contains(start, end) {
		return NewError(op, ErrCodeRangeNotFound, "").
			WithDomain(r.target.ID()).WithServer(id)
	}
	if err := rs.Remove(start, end); err != nil {
		return WrapError(op, ErrCodeRangeNotFound, err).
			WithDomain(r.target.ID()).WithServer(id)
	}
	return nil
}

// SetServerState enables or disables routing to a server, with the target
// paused so no dispatch can race the transition.
func (r *Registry) SetServerState(emulator Domain, id int, enabled bool) error {
	const op = "SET_SERVER_STATE"

	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.server(id)
	if s == nil {
		return NewError(op, ErrCodeServerNotFound, "").
			WithDomain(r.target.ID()).WithServer(id)
	}
	if s.emulator != emulator {
		return NewError(op, ErrCodeNotEmulator, "").
			WithDomain(r.target.ID()).WithServer(id)
	}

	r.target.Pause()
	defer r.target.Unpause()

	if enabled {
		s.enable()
	} else {
		s.disable()
	}
	return nil
}

// AddVCPU attaches a hotplugged vCPU to every server, rolling back the
// already-attached ones on failure.
func (r *Registry) AddVCPU(v VCPU) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var attached []*Server
	var failed error
	r.forEachServer(func(s *Server) bool {
		if err := s.addVCPU(v); err != nil {
			failed = err
			return false
		}
		attached = append(attached, s)
		return true
	})
	if failed != nil {
		for _, s := range attached {
			s.removeVCPU(v)
		}
		return failed
	}
	return nil
}

// RemoveVCPU detaches a departing vCPU from every server.
func (r *Registry) RemoveVCPU(v VCPU) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.forEachServer(func(s *Server) bool {
		s.removeVCPU(v)
		return true
	})
}

// DestroyAllServers tears down every server during target-domain
// destruction. No pause is needed; the domain is already being torn down.
func (r *Registry) DestroyAllServers() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.forEachServer(func(s *Server) bool {
		s.disable()
		s.deinit()
		r.servers[s.id].Store(nil)
		return true
	})
}

// IsServerPage reports whether a page backs any server's rings, which the
// embedder's memory manager consults during page-type transitions.
func (r *Registry) IsServerPage(pg Page) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	found := false
	r.forEachServer(func(s *Server) bool {
		if s.ioreq.page == pg || s.bufioreq.page == pg {
			found = true
			return false
		}
		return true
	})
	return found
}

// HasServers reports whether any server slot is occupied.
func (r *Registry) HasServers() bool {
	for i := 0; i < constants.MaxServers; i++ {
		if r.servers[i].Load() != nil {
			return true
		}
	}
	return false
}
