package ioreq

import (
	"github.com/ehrlich-b/go-ioreq/internal/evtchn"
	"github.com/ehrlich-b/go-ioreq/internal/mem"
)

// Adapters wiring the in-process building blocks to the collaborator
// interfaces. Embedders running against a real hypervisor provide their
// own implementations instead.

type channelPorts struct {
	a *evtchn.Allocator
}

// NewChannelPorts returns a PortAllocator backed by in-process channel
// ports. Suitable when target and emulators share one process.
func NewChannelPorts() PortAllocator {
	return &channelPorts{a: evtchn.NewAllocator()}
}

func (c *channelPorts) Alloc(vcpu, remote uint32) (Port, error) {
	return c.a.Alloc(vcpu, remote)
}

func (c *channelPorts) Lookup(id uint32) (Port, bool) {
	p, ok := c.a.Lookup(id)
	if !ok {
		return nil, false
	}
	return p, true
}

type heapPages struct {
	a mem.Allocator
}

// NewHeapPages returns a PageAllocator handing out ordinary heap pages
// with synthetic frame numbers starting at base.
func NewHeapPages(base uint64) PageAllocator {
	return &heapPages{a: mem.NewHeapAllocator(base)}
}

func (h *heapPages) AllocPage(owner uint32) (Page, error) {
	return h.a.AllocPage(owner)
}

type physmapAdapter struct {
	m *mem.Physmap
}

// NewPhysmap returns a Physmap for a target domain, materializing guest
// frames as heap pages on first touch with frame numbers starting at
// base.
func NewPhysmap(owner uint32, base uint64) Physmap {
	return &physmapAdapter{m: mem.NewPhysmap(owner, mem.NewHeapAllocator(base))}
}

func (p *physmapAdapter) Add(gfn uint64, pg Page) error {
	mp, ok := pg.(*mem.Page)
	if !ok {
		return NewError("PHYSMAP_ADD", ErrCodeInvalidParams, "foreign page type")
	}
	return p.m.Add(gfn, mp)
}

func (p *physmapAdapter) Remove(gfn uint64, pg Page) error {
	mp, ok := pg.(*mem.Page)
	if !ok {
		return NewError("PHYSMAP_REMOVE", ErrCodeInvalidParams, "foreign page type")
	}
	return p.m.Remove(gfn, mp)
}

func (p *physmapAdapter) Map(gfn uint64) (Page, error) {
	return p.m.Map(gfn)
}
