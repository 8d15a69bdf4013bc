//go:build linux

package mem

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-ioreq/abi"
)

// MmapAllocator hands out anonymous shared mmap pages. Unlike heap pages
// these survive fork and can be mapped into a cooperating emulator
// process.
type MmapAllocator struct {
	mu        sync.Mutex
	nextFrame uint64
}

// NewMmapAllocator creates an allocator. Frame numbers start at base.
func NewMmapAllocator(base uint64) (*MmapAllocator, error) {
	return &MmapAllocator{nextFrame: base}, nil
}

// AllocPage maps one zeroed shared page on behalf of the owner domain.
func (a *MmapAllocator) AllocPage(owner uint32) (*Page, error) {
	_ = owner

	b, err := unix.Mmap(-1, 0, abi.PageSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	frame := a.nextFrame
	a.nextFrame++
	a.mu.Unlock()

	return &Page{
		b:     b,
		frame: frame,
		refs:  1,
		release: func(p *Page) {
			unix.Munmap(p.b)
		},
	}, nil
}
