package abi

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Page geometry. Both ring flavours occupy exactly one page.
const (
	// PageSize is the size of every shared page
	PageSize = 4096

	// SlotSize is the size of one synchronous per-vCPU slot
	SlotSize = 32

	// SlotsPerPage bounds the vCPU count a single shared page can serve
	SlotsPerPage = PageSize / SlotSize

	// BufSlotSize is the size of one buffered-ring entry
	BufSlotSize = 8

	// BufferedSlots is the buffered-ring capacity; the leading 8 bytes of
	// the page hold the packed read/write pointer pair
	BufferedSlots = (PageSize - 8) / BufSlotSize
)

// Compile-time layout checks - the rings must tile a page exactly
var _ [PageSize]byte = [SlotsPerPage * SlotSize]byte{}
var _ [PageSize]byte = [8 + BufferedSlots*BufSlotSize]byte{}

// Synchronous slot layout (32 bytes, little-endian):
//
//	 0  addr     u64
//	 8  data     u64
//	16  count    u32
//	20  size     u32
//	24  port     u32   event-channel port the hypervisor allocated
//	28  control  u32   state bits 0-7, data_is_ptr bit 8, dir bit 9,
//	                   df bit 10, type bits 12-15
const (
	offAddr    = 0
	offData    = 8
	offCount   = 16
	offSize    = 20
	offPort    = 24
	offControl = 28
)

// SharedPage overlays the synchronous per-vCPU slot ring on a mapped page.
type SharedPage struct {
	b []byte
}

// Shared wraps a page of memory as a synchronous ring. The page must be
// exactly PageSize bytes and 8-byte aligned so the control words can be
// accessed atomically.
func Shared(b []byte) (*SharedPage, error) {
	if len(b) != PageSize {
		return nil, fmt.Errorf("abi: shared page is %d bytes, need %d", len(b), PageSize)
	}
	if uintptr(unsafe.Pointer(&b[0]))%8 != 0 {
		return nil, fmt.Errorf("abi: shared page is not 8-byte aligned")
	}
	return &SharedPage{b: b}, nil
}

// Slot returns the synchronous slot belonging to one vCPU.
func (p *SharedPage) Slot(vcpu int) Slot {
	return Slot{b: p.b[vcpu*SlotSize : (vcpu+1)*SlotSize]}
}

// Slot is one per-vCPU request/response record. The control word is the
// only synchronization between the two parties: payload stores happen
// before the release store of the control word, and payload loads happen
// after the acquire load of it.
type Slot struct {
	b []byte
}

func (s Slot) control() *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(&s.b[offControl]))
}

// State returns the slot state with acquire ordering.
func (s Slot) State() uint8 {
	return uint8(s.control().Load() & 0xff)
}

// SetState replaces the state byte, leaving the flag and type bits intact.
func (s Slot) SetState(state uint8) {
	c := s.control()
	for {
		old := c.Load()
		if c.CompareAndSwap(old, old&^uint32(0xff)|uint32(state)) {
			return
		}
	}
}

// Port returns the event-channel port recorded in the slot.
func (s Slot) Port() uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(&s.b[offPort])).Load()
}

// SetPort records the port a newly attached or re-enabled server expects
// the emulator to echo.
func (s Slot) SetPort(port uint32) {
	(*atomic.Uint32)(unsafe.Pointer(&s.b[offPort])).Store(port)
}

// Data returns the response payload. Callers must have observed
// StateRespReady via State() first.
func (s Slot) Data() uint64 {
	return binary.LittleEndian.Uint64(s.b[offData:])
}

// SetData stores the response payload. The emulator calls this before
// publishing StateRespReady.
func (s Slot) SetData(v uint64) {
	binary.LittleEndian.PutUint64(s.b[offData:], v)
}

// StoreRequest copies a request into the slot and publishes it with a
// release store of the control word carrying r.State.
func (s Slot) StoreRequest(r *Ioreq) {
	binary.LittleEndian.PutUint64(s.b[offAddr:], r.Addr)
	binary.LittleEndian.PutUint64(s.b[offData:], r.Data)
	binary.LittleEndian.PutUint32(s.b[offCount:], r.Count)
	binary.LittleEndian.PutUint32(s.b[offSize:], r.Size)
	(*atomic.Uint32)(unsafe.Pointer(&s.b[offPort])).Store(r.Port)
	s.control().Store(packControl(r))
}

// LoadRequest reads the whole record, acquiring the control word first.
func (s Slot) LoadRequest() Ioreq {
	var r Ioreq
	unpackControl(s.control().Load(), &r)
	r.Addr = binary.LittleEndian.Uint64(s.b[offAddr:])
	r.Data = binary.LittleEndian.Uint64(s.b[offData:])
	r.Count = binary.LittleEndian.Uint32(s.b[offCount:])
	r.Size = binary.LittleEndian.Uint32(s.b[offSize:])
	r.Port = binary.LittleEndian.Uint32(s.b[offPort:])
	return r
}

// Buffered-ring entry layout (8 bytes, little-endian):
//
//	word 0: type bits 0-7, dir bit 8, size class bits 9-10, addr bits 12-31
//	word 1: data
//
// The address field is 20 bits; accesses beyond 1MB cannot take this path.
// An 8-byte access occupies two consecutive entries, low word first.

// BufAddrLimit is the highest address a buffered entry can carry.
const BufAddrLimit = 1<<20 - 1

// BufIoreq is the decoded form of one buffered-ring entry.
type BufIoreq struct {
	Type      uint8
	Dir       uint8
	SizeClass uint8
	Addr      uint32
	Data      uint32
}

// SizeClassFor maps an access size in bytes to its 2-bit wire class and
// the number of ring slots the entry needs.
func SizeClassFor(size uint32) (class uint8, slots uint32, ok bool) {
	switch size {
	case 1:
		return 0, 1, true
	case 2:
		return 1, 1, true
	case 4:
		return 2, 1, true
	case 8:
		return 3, 2, true
	default:
		return 0, 0, false
	}
}

// BufferedPage overlays the multi-producer buffered ring on a mapped page.
// The packed pointer pair lives in the first 8 bytes: read pointer in the
// low word, write pointer in the high word, so both can be reset together
// with one compare-and-swap.
type BufferedPage struct {
	b []byte
}

// Buffered wraps a page of memory as a buffered ring.
func Buffered(b []byte) (*BufferedPage, error) {
	if len(b) != PageSize {
		return nil, fmt.Errorf("abi: buffered page is %d bytes, need %d", len(b), PageSize)
	}
	if uintptr(unsafe.Pointer(&b[0]))%8 != 0 {
		return nil, fmt.Errorf("abi: buffered page is not 8-byte aligned")
	}
	return &BufferedPage{b: b}, nil
}

func (p *BufferedPage) ptrs() *atomic.Uint64 {
	return (*atomic.Uint64)(unsafe.Pointer(&p.b[0]))
}

// PackPointers combines a read/write pointer pair into the packed word.
func PackPointers(read, write uint32) uint64 {
	return uint64(read) | uint64(write)<<32
}

// SplitPointers is the inverse of PackPointers.
func SplitPointers(packed uint64) (read, write uint32) {
	return uint32(packed), uint32(packed >> 32)
}

// Pointers returns the current read and write pointers. Both count slots
// monotonically; the ring index is pointer mod BufferedSlots.
func (p *BufferedPage) Pointers() (read, write uint32) {
	return SplitPointers(p.ptrs().Load())
}

// PackedPointers returns the raw pointer word for CAS-based updates.
func (p *BufferedPage) PackedPointers() uint64 {
	return p.ptrs().Load()
}

// CompareAndSwapPointers replaces the packed pointer pair if unchanged.
func (p *BufferedPage) CompareAndSwapPointers(old, new uint64) bool {
	return p.ptrs().CompareAndSwap(old, new)
}

// AdvanceWrite publishes n freshly written slots. The atomic update orders
// the slot stores before the new write pointer.
func (p *BufferedPage) AdvanceWrite(n uint32) {
	c := p.ptrs()
	for {
		old := c.Load()
		read, write := SplitPointers(old)
		if c.CompareAndSwap(old, PackPointers(read, write+n)) {
			return
		}
	}
}

// ConsumeRead retires n slots on the consumer side.
func (p *BufferedPage) ConsumeRead(n uint32) {
	c := p.ptrs()
	for {
		old := c.Load()
		read, write := SplitPointers(old)
		if c.CompareAndSwap(old, PackPointers(read+n, write)) {
			return
		}
	}
}

func (p *BufferedPage) slot(i uint32) []byte {
	off := 8 + (i%BufferedSlots)*BufSlotSize
	return p.b[off : off+BufSlotSize]
}

// StoreSlot writes one entry at ring position i (taken mod the capacity).
// Visibility is deferred until AdvanceWrite.
func (p *BufferedPage) StoreSlot(i uint32, e BufIoreq) {
	w := uint32(e.Type) |
		uint32(e.Dir&1)<<8 |
		uint32(e.SizeClass&3)<<9 |
		(e.Addr&BufAddrLimit)<<12
	b := p.slot(i)
	binary.LittleEndian.PutUint32(b, w)
	binary.LittleEndian.PutUint32(b[4:], e.Data)
}

// LoadSlot reads one entry at ring position i.
func (p *BufferedPage) LoadSlot(i uint32) BufIoreq {
	b := p.slot(i)
	w := binary.LittleEndian.Uint32(b)
	return BufIoreq{
		Type:      uint8(w),
		Dir:       uint8(w>>8) & 1,
		SizeClass: uint8(w>>9) & 3,
		Addr:      w >> 12,
		Data:      binary.LittleEndian.Uint32(b[4:]),
	}
}
