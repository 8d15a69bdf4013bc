package ioreq

import (
	"github.com/ehrlich-b/go-ioreq/abi"
)

// typeAddr canonicalizes a request into the range kind and address used
// for routing. Port accesses hitting the config-data window while the
// latched CF8 has its enable bit set are reinterpreted as PCI accesses;
// everything else routes by its literal address.
func (r *Registry) typeAddr(p *abi.Ioreq) (RangeKind, uint64) {
	switch p.Type {
	case abi.TypePIO:
		cf8 := r.cf8.Load()
		if p.Addr >= 0xCFC && p.Addr < 0xD00 && abi.CF8Enabled(cf8) {
			sbdf := abi.CF8ToSBDF(cf8)
			return RangePCI, abi.PCIConfigAddr(sbdf, abi.CF8Register(cf8, p.Addr))
		}
		return RangePort, p.Addr
	default:
		return RangeMemory, p.Addr
	}
}

// SelectServer picks the enabled server claiming the request's address,
// or nil when no server claims it. Higher server ids are consulted
// first. For PCI accesses the request is rewritten in place to a config
// space access so the emulator sees the routed form, not the raw port
// access.
func (r *Registry) SelectServer(p *abi.Ioreq) *Server {
	if !r.HasServers() {
		return nil
	}
	if p.Type != abi.TypePIO && p.Type != abi.TypeCopy {
		return nil
	}

	kind, addr := r.typeAddr(p)

	var match *Server
	r.forEachServer(func(s *Server) bool {
		if !s.enabled.Load() {
			return true
		}
		rs := s.ranges[kind]

		switch kind {
		case RangePort:
			end := addr + uint64(p.Size) - 1
			if rs.Contains(addr, end) {
				match = s
				return false
			}
		case RangeMemory:
			first := p.MMIOFirstByte()
			last := p.MMIOLastByte()
			if rs.Contains(first, last) {
				match = s
				return false
			}
		case RangePCI:
			if rs.ContainsSingleton(addr >> 32) {
				p.Type = abi.TypePCIConfig
				p.Addr = addr
				match = s
				return false
			}
		}
		return true
	})
	return match
}
