// Package mem provides the page-allocation and guest-physmap collaborators
// the broker consumes. The heap allocator works everywhere; on linux an
// mmap-backed allocator is available for pages that must be shareable with
// another process.
package mem

import (
	"fmt"
	"sync"

	"github.com/ehrlich-b/go-ioreq/abi"
)

// Page is one owned page of memory. Release drops the owner's reference;
// the backing storage stays valid for any holder that mapped it earlier,
// mirroring the reference-counted page semantics of the original
// environment.
type Page struct {
	mu      sync.Mutex
	b       []byte
	frame   uint64
	refs    int
	release func(*Page)
}

// Bytes returns the page contents.
func (p *Page) Bytes() []byte { return p.b }

// Frame returns the machine frame number backing the page.
func (p *Page) Frame() uint64 { return p.frame }

// Get takes an additional reference.
func (p *Page) Get() {
	p.mu.Lock()
	p.refs++
	p.mu.Unlock()
}

// Release drops one reference, freeing the page when the count hits zero.
func (p *Page) Release() {
	p.mu.Lock()
	p.refs--
	last := p.refs == 0
	p.mu.Unlock()
	if last && p.release != nil {
		p.release(p)
	}
}

// Zero clears the page.
func (p *Page) Zero() {
	for i := range p.b {
		p.b[i] = 0
	}
}

// HeapAllocator hands out heap-backed pages with monotonically increasing
// frame numbers.
type HeapAllocator struct {
	mu        sync.Mutex
	nextFrame uint64
}

// NewHeapAllocator creates an allocator. Frame numbers start at base.
func NewHeapAllocator(base uint64) *HeapAllocator {
	return &HeapAllocator{nextFrame: base}
}

// AllocPage allocates one zeroed page on behalf of the owner domain.
func (a *HeapAllocator) AllocPage(owner uint32) (*Page, error) {
	_ = owner

	a.mu.Lock()
	frame := a.nextFrame
	a.nextFrame++
	a.mu.Unlock()

	return &Page{
		b:     make([]byte, abi.PageSize),
		frame: frame,
		refs:  1,
	}, nil
}

// Allocator is any source of owned pages.
type Allocator interface {
	AllocPage(owner uint32) (*Page, error)
}

// Physmap tracks one domain's guest-frame-number to page mappings. When an
// allocator is attached, resolving an unmapped gfn materializes a fresh
// page there, standing in for the guest RAM that would already exist.
type Physmap struct {
	owner uint32
	alloc Allocator

	mu      sync.Mutex
	entries map[uint64]*Page
}

// NewPhysmap creates an empty physmap for the owner domain. alloc may be
// nil, in which case unmapped gfns cannot be resolved.
func NewPhysmap(owner uint32, alloc Allocator) *Physmap {
	return &Physmap{owner: owner, alloc: alloc, entries: make(map[uint64]*Page)}
}

// Add maps a page at gfn. The gfn must be unmapped.
func (m *Physmap) Add(gfn uint64, pg *Page) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[gfn]; ok {
		return fmt.Errorf("mem: gfn %#x already mapped", gfn)
	}
	m.entries[gfn] = pg
	return nil
}

// Remove unmaps gfn. The mapping must reference the given page.
func (m *Physmap) Remove(gfn uint64, pg *Page) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.entries[gfn]
	if !ok || cur != pg {
		return fmt.Errorf("mem: gfn %#x not mapped to page %#x", gfn, pg.Frame())
	}
	delete(m.entries, gfn)
	return nil
}

// Map resolves gfn to its page and takes a reference on it, so the caller
// keeps a valid view even after the frame is later removed from the map.
func (m *Physmap) Map(gfn uint64) (*Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pg, ok := m.entries[gfn]
	if !ok {
		if m.alloc == nil {
			return nil, fmt.Errorf("mem: gfn %#x not mapped", gfn)
		}
		var err error
		pg, err = m.alloc.AllocPage(m.owner)
		if err != nil {
			return nil, err
		}
		m.entries[gfn] = pg
	}
	pg.Get()
	return pg, nil
}
