//go:build !linux

package mem

import "errors"

// MmapAllocator is only available on linux.
type MmapAllocator struct{}

// NewMmapAllocator fails on platforms without anonymous shared mappings;
// callers fall back to the heap allocator.
func NewMmapAllocator(base uint64) (*MmapAllocator, error) {
	return nil, errors.New("mem: mmap allocator requires linux")
}

// AllocPage is unreachable on non-linux platforms.
func (a *MmapAllocator) AllocPage(owner uint32) (*Page, error) {
	return nil, errors.New("mem: mmap allocator requires linux")
}
