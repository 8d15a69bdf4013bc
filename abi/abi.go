// Package abi defines the shared-page layouts exchanged between the
// hypervisor side of the broker and an emulator. The layouts are a fixed
// little-endian contract: an emulator may live in another process and map
// the same pages, so nothing here can change without revving the protocol.
package abi

// Slot states. Exactly one transition is legal from each state:
// NONE -> READY (request published), READY -> INPROCESS (optional, emulator
// claimed it), READY/INPROCESS -> RESP_READY (response published),
// RESP_READY -> NONE (response consumed).
const (
	StateNone      uint8 = 0
	StateReady     uint8 = 1
	StateInProcess uint8 = 2
	StateRespReady uint8 = 3
)

// Access types
const (
	TypePIO        uint8 = 0 // port I/O
	TypeCopy       uint8 = 1 // memory-mapped I/O
	TypePCIConfig  uint8 = 2 // PCI config space, Addr carries SBDF<<32|reg
	TypeTimeoffset uint8 = 7
	TypeInvalidate uint8 = 8
)

// Access directions
const (
	DirWrite uint8 = 0
	DirRead  uint8 = 1
)

// Ioreq describes one MMIO/PIO/PCI-config access needing emulation. It is
// the Go-side view of a 32-byte shared slot; Slot encodes and decodes it.
type Ioreq struct {
	Addr  uint64
	Data  uint64
	Count uint32
	Size  uint32
	Port  uint32 // event-channel port echoed back by the emulator
	State uint8
	Type  uint8

	// DataIsPtr marks Data as a guest pointer to the real buffer. Such
	// accesses can never take the buffered path.
	DataIsPtr bool
	Dir       uint8
	// DF mirrors the direction flag of repeated string accesses: the span
	// walks downward from Addr when set.
	DF bool
}

// MMIOFirstByte returns the lowest guest-physical byte the access touches,
// accounting for count-based repeats in either direction.
func (r *Ioreq) MMIOFirstByte() uint64 {
	if r.DF {
		return r.Addr - uint64(r.Count-1)*uint64(r.Size)
	}
	return r.Addr
}

// MMIOLastByte returns the highest guest-physical byte the access touches.
func (r *Ioreq) MMIOLastByte() uint64 {
	if r.DF {
		return r.Addr + uint64(r.Size) - 1
	}
	return r.Addr + uint64(r.Count)*uint64(r.Size) - 1
}

// NeedsCompletion reports whether the access produces data the vCPU still
// has to consume. Port writes and pointer-indirect copies complete as soon
// as the emulator has seen them.
func (r *Ioreq) NeedsCompletion() bool {
	return r.State == StateReady &&
		!r.DataIsPtr &&
		(r.Type != TypePIO || r.Dir != DirWrite)
}

// Control-word bit assignments (see Slot). State occupies bits 0-7.
const (
	ctrlDataIsPtr = 1 << 8
	ctrlDirRead   = 1 << 9
	ctrlDF        = 1 << 10
	ctrlTypeShift = 12
	ctrlTypeMask  = 0xf
)

func packControl(r *Ioreq) uint32 {
	w := uint32(r.State)
	if r.DataIsPtr {
		w |= ctrlDataIsPtr
	}
	if r.Dir == DirRead {
		w |= ctrlDirRead
	}
	if r.DF {
		w |= ctrlDF
	}
	w |= uint32(r.Type&ctrlTypeMask) << ctrlTypeShift
	return w
}

func unpackControl(w uint32, r *Ioreq) {
	r.State = uint8(w & 0xff)
	r.DataIsPtr = w&ctrlDataIsPtr != 0
	if w&ctrlDirRead != 0 {
		r.Dir = DirRead
	} else {
		r.Dir = DirWrite
	}
	r.DF = w&ctrlDF != 0
	r.Type = uint8(w>>ctrlTypeShift) & ctrlTypeMask
}

// PCI config-space address handling. A routed PCI access carries
// SBDF<<32 | register in Addr.

// SBDF packs a segment:bus:device:function tuple into its canonical
// 16-bit-segment, 8-bit-bus, 5-bit-device, 3-bit-function encoding.
func SBDF(segment uint16, bus, device, function uint8) uint32 {
	return uint32(segment)<<16 |
		uint32(bus)<<8 |
		uint32(device&0x1f)<<3 |
		uint32(function&0x7)
}

// PCIConfigAddr builds the 64-bit routed address for a config access.
func PCIConfigAddr(sbdf uint32, reg uint32) uint64 {
	return uint64(sbdf)<<32 | uint64(reg)
}

// CF8 latch decoding, config access mechanism #1: bit 31 enables the
// window, bits 16-23 bus, 11-15 device, 8-10 function, 2-7 register.

// CF8Enabled reports whether a latched CF8 value has the enable bit set.
func CF8Enabled(cf8 uint32) bool {
	return cf8&(1<<31) != 0
}

// CF8ToSBDF extracts the segment 0 SBDF addressed by a CF8 latch.
func CF8ToSBDF(cf8 uint32) uint32 {
	bus := uint8(cf8 >> 16)
	device := uint8(cf8>>11) & 0x1f
	function := uint8(cf8>>8) & 0x7
	return SBDF(0, bus, device, function)
}

// CF8Register returns the register offset selected by a CF8 latch combined
// with the low bits of the data-window port actually accessed.
func CF8Register(cf8 uint32, port uint64) uint32 {
	return (cf8 & 0xfc) | uint32(port&3)
}
