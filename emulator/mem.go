package emulator

import (
	"encoding/binary"
	"sync"

	"github.com/ehrlich-b/go-ioreq/abi"
)

// Memory is a flat little-endian register file serving a window of the
// address space, useful for tests and as a model for real device
// handlers. Accesses outside the window read as all-ones and discard
// writes, like a floating bus.
type Memory struct {
	base uint64
	data []byte
	mu   sync.RWMutex
}

// NewMemory creates a memory handler covering [base, base+size).
func NewMemory(base uint64, size int) *Memory {
	return &Memory{
		base: base,
		data: make([]byte, size),
	}
}

// ServeIO implements the Handler interface
func (m *Memory) ServeIO(p *abi.Ioreq) {
	off, ok := m.offset(p)
	if !ok {
		if p.Dir == abi.DirRead {
			p.Data = ^uint64(0) >> (64 - 8*p.Size)
		}
		return
	}

	if p.Dir == abi.DirRead {
		m.mu.RLock()
		p.Data = m.load(off, p.Size)
		m.mu.RUnlock()
	} else {
		m.mu.Lock()
		m.store(off, p.Size, p.Data)
		m.mu.Unlock()
	}
}

// Peek reads directly from the backing store, bypassing the access path.
func (m *Memory) Peek(addr uint64, size uint32) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if addr < m.base || addr+uint64(size) > m.base+uint64(len(m.data)) {
		return 0
	}
	return m.load(addr-m.base, size)
}

func (m *Memory) offset(p *abi.Ioreq) (uint64, bool) {
	if p.Addr < m.base {
		return 0, false
	}
	off := p.Addr - m.base
	if off+uint64(p.Size) > uint64(len(m.data)) {
		return 0, false
	}
	return off, true
}

func (m *Memory) load(off uint64, size uint32) uint64 {
	switch size {
	case 1:
		return uint64(m.data[off])
	case 2:
		return uint64(binary.LittleEndian.Uint16(m.data[off:]))
	case 4:
		return uint64(binary.LittleEndian.Uint32(m.data[off:]))
	case 8:
		return binary.LittleEndian.Uint64(m.data[off:])
	}
	return 0
}

func (m *Memory) store(off uint64, size uint32, v uint64) {
	switch size {
	case 1:
		m.data[off] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(m.data[off:], uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(m.data[off:], uint32(v))
	case 8:
		binary.LittleEndian.PutUint64(m.data[off:], v)
	}
}
