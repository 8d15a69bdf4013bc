// Package emulator implements the device-model side of the ioreq
// protocol: it claims a server, maps its rings, and services guest
// accesses with a pluggable handler.
package emulator

import (
	"context"
	"sync"
	"time"

	"github.com/ehrlich-b/go-ioreq"
	"github.com/ehrlich-b/go-ioreq/abi"
	"github.com/ehrlich-b/go-ioreq/internal/constants"
	"github.com/ehrlich-b/go-ioreq/internal/logging"
)

// Handler services a single guest access. For reads the handler stores
// the result in p.Data before returning.
type Handler interface {
	ServeIO(p *abi.Ioreq)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(p *abi.Ioreq)

func (f HandlerFunc) ServeIO(p *abi.Ioreq) { f(p) }

// Config assembles a device model.
type Config struct {
	// Registry is the target domain's ioreq broker.
	Registry *ioreq.Registry

	// Self is the domain the device model runs as; it owns the server.
	Self ioreq.Domain

	// Ports resolves the event-channel ids found in ring slots. Must be
	// the same allocator the registry was built with.
	Ports ioreq.PortAllocator

	// Physmap is the target's guest address space, used to map the ring
	// pages before the server is enabled.
	Physmap ioreq.Physmap

	// Handler services routed accesses.
	Handler Handler

	// Buffered selects the buffered-ring mode.
	Buffered ioreq.BufMode

	// PollInterval is how often idle slots are re-examined. Defaults to
	// the package-wide poll interval.
	PollInterval time.Duration

	// Logger defaults to the package-level logger.
	Logger *logging.Logger
}

// DeviceModel owns one ioreq server and the goroutines servicing its
// rings. The synchronous slots are polled; response delivery goes
// through the per-vCPU event channel so a waiting vCPU wakes promptly.
type DeviceModel struct {
	reg     *ioreq.Registry
	self    ioreq.Domain
	ports   ioreq.PortAllocator
	handler Handler
	log     *logging.Logger

	id   int
	sync *abi.SharedPage
	buf  *abi.BufferedPage

	bufPort ioreq.Port
	poll    time.Duration

	ringRefs []ioreq.Page

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New registers a server for the target, maps its rings, and returns a
// device model ready to claim ranges and start serving. The server is
// created disabled; Start enables it.
func New(cfg Config) (*DeviceModel, error) {
	if cfg.Registry == nil || cfg.Self == nil || cfg.Ports == nil ||
		cfg.Physmap == nil || cfg.Handler == nil {
		return nil, ioreq.NewError("NEW_DEVICE_MODEL", ioreq.ErrCodeInvalidParams,
			"registry, self, ports, physmap, and handler are required")
	}

	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = constants.PollInterval
	}

	id, err := cfg.Registry.CreateServer(cfg.Self, cfg.Buffered)
	if err != nil {
		return nil, err
	}

	m := &DeviceModel{
		reg:     cfg.Registry,
		self:    cfg.Self,
		ports:   cfg.Ports,
		handler: cfg.Handler,
		log:     log.WithServer(id),
		id:      id,
		poll:    poll,
	}

	if err := m.mapRings(cfg.Physmap); err != nil {
		m.releaseRings()
		cfg.Registry.DestroyServer(cfg.Self, id)
		return nil, err
	}
	return m, nil
}

// mapRings resolves the ring frames and overlays the ABI views. The
// pages are mapped through the target's physmap before the server is
// enabled; the references taken here outlive the guest-visible mapping.
func (m *DeviceModel) mapRings(physmap ioreq.Physmap) error {
	info, err := m.reg.GetServerInfo(m.self, m.id)
	if err != nil {
		return err
	}

	pg, err := physmap.Map(info.IoreqGFN)
	if err != nil {
		return err
	}
	m.ringRefs = append(m.ringRefs, pg)
	if m.sync, err = abi.Shared(pg.Bytes()); err != nil {
		return err
	}

	if info.HasBufioreq {
		bpg, err := physmap.Map(info.BufioreqGFN)
		if err != nil {
			return err
		}
		m.ringRefs = append(m.ringRefs, bpg)
		if m.buf, err = abi.Buffered(bpg.Bytes()); err != nil {
			return err
		}
		if p, ok := m.ports.Lookup(info.BufioreqPort); ok {
			m.bufPort = p
		}
	}
	return nil
}

func (m *DeviceModel) releaseRings() {
	for _, pg := range m.ringRefs {
		pg.Release()
	}
	m.ringRefs = nil
}

// ID returns the server id this device model holds.
func (m *DeviceModel) ID() int { return m.id }

// MapRange claims an address range for this device model.
func (m *DeviceModel) MapRange(kind ioreq.RangeKind, start, end uint64) error {
	return m.reg.MapRange(m.self, m.id, kind, start, end)
}

// UnmapRange withdraws a previously claimed range.
func (m *DeviceModel) UnmapRange(kind ioreq.RangeKind, start, end uint64) error {
	return m.reg.UnmapRange(m.self, m.id, kind, start, end)
}

// Start enables the server and launches the service goroutines, one per
// target vCPU plus a buffered drain when the ring exists.
func (m *DeviceModel) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}

	if err := m.reg.SetServerState(m.self, m.id, true); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	for _, v := range m.reg.Target().VCPUs() {
		m.wg.Add(1)
		go m.serveVCPU(ctx, int(v.ID()))
	}
	if m.buf != nil {
		m.wg.Add(1)
		go m.drainBuffered(ctx)
	}

	m.started = true
	m.log.Info("device model started", "vcpus", len(m.reg.Target().VCPUs()))
	return nil
}

// Stop halts the service goroutines, disables routing, and destroys the
// server. Safe to call more than once.
func (m *DeviceModel) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.wg.Wait()

	if !m.started && m.id < 0 {
		return nil
	}
	m.started = false

	err := m.reg.DestroyServer(m.self, m.id)
	m.releaseRings()
	m.id = -1
	return err
}

// serveVCPU polls one synchronous slot: READY is taken to INPROCESS,
// handed to the handler, answered with RESP_READY, and the owning vCPU
// is notified through the port echoed in the request.
func (m *DeviceModel) serveVCPU(ctx context.Context, vcpu int) {
	defer m.wg.Done()

	slot := m.sync.Slot(vcpu)
	ticker := time.NewTicker(m.poll)
	defer ticker.Stop()

	for {
		if slot.State() == abi.StateReady {
			m.serveSlot(slot, vcpu)
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *DeviceModel) serveSlot(slot abi.Slot, vcpu int) {
	req := slot.LoadRequest()
	slot.SetState(abi.StateInProcess)

	m.handler.ServeIO(&req)

	if req.Dir == abi.DirRead {
		slot.SetData(req.Data)
	}
	slot.SetState(abi.StateRespReady)

	if port, ok := m.ports.Lookup(req.Port); ok {
		port.Notify()
	} else {
		m.log.Warn("no port for completed request", "vcpu", vcpu, "port", req.Port)
	}
}

// drainBuffered consumes the buffered ring whenever its event channel
// fires, reconstructing each entry into a request for the handler.
// Responses are never sent; the buffered path is fire-and-forget.
func (m *DeviceModel) drainBuffered(ctx context.Context) {
	defer m.wg.Done()

	for {
		m.drainOnce()
		if m.bufPort != nil {
			if err := m.bufPort.Wait(ctx); err != nil {
				return
			}
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.poll):
		}
	}
}

func (m *DeviceModel) drainOnce() {
	for {
		read, write := m.buf.Pointers()
		if read == write {
			return
		}

		e := m.buf.LoadSlot(read)
		n := uint32(1)
		req := abi.Ioreq{
			Type:  e.Type,
			Dir:   e.Dir,
			Addr:  uint64(e.Addr),
			Size:  1 << e.SizeClass,
			Count: 1,
			Data:  uint64(e.Data),
			State: abi.StateReady,
		}
		if e.SizeClass == 3 {
			if write-read < 2 {
				// Producer published the low half first; the high half
				// lands with the next pointer update.
				return
			}
			hi := m.buf.LoadSlot(read + 1)
			req.Data |= uint64(hi.Data) << 32
			n = 2
		}

		m.handler.ServeIO(&req)
		m.buf.ConsumeRead(n)
	}
}
