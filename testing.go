package ioreq

import (
	"sync"
	"sync/atomic"

	"github.com/ehrlich-b/go-ioreq/internal/logging"
)

// TestVCPU is an in-memory VCPU implementation for testing.
type TestVCPU struct {
	Num uint32
	io  VCPUIO
}

func (v *TestVCPU) ID() uint32  { return v.Num }
func (v *TestVCPU) IO() *VCPUIO { return &v.io }

// TestDomain is an in-memory Domain implementation for testing. It
// records pause nesting and the first crash reason.
type TestDomain struct {
	Num   uint32
	vcpus []VCPU

	pauses atomic.Int32
	dying  atomic.Bool

	mu          sync.Mutex
	crashReason string
}

// NewTestDomain creates a test domain with the given number of vCPUs.
func NewTestDomain(id uint32, vcpus int) *TestDomain {
	d := &TestDomain{Num: id}
	for i := 0; i < vcpus; i++ {
		d.vcpus = append(d.vcpus, &TestVCPU{Num: uint32(i)})
	}
	return d
}

func (d *TestDomain) ID() uint32    { return d.Num }
func (d *TestDomain) Pause()        { d.pauses.Add(1) }
func (d *TestDomain) Unpause()      { d.pauses.Add(-1) }
func (d *TestDomain) Dying() bool   { return d.dying.Load() }
func (d *TestDomain) VCPUs() []VCPU { return d.vcpus }

// SetDying marks the domain as being torn down.
func (d *TestDomain) SetDying() { d.dying.Store(true) }

func (d *TestDomain) Crash(reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.crashReason == "" {
		d.crashReason = reason
	}
	d.dying.Store(true)
}

// Crashed returns the recorded crash reason, empty if the domain is
// healthy.
func (d *TestDomain) Crashed() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.crashReason
}

// PauseBalance returns outstanding pauses; zero means every Pause was
// matched by an Unpause.
func (d *TestDomain) PauseBalance() int { return int(d.pauses.Load()) }

// TestRig bundles a registry with its test collaborators.
type TestRig struct {
	Target   *TestDomain
	Emulator *TestDomain
	Registry *Registry
	Ports    PortAllocator
	Physmap  Physmap
}

// testGFNBase keeps guest RAM frames and the reserved ioreq window
// disjoint in test rigs.
const testGFNBase = 0x100

// NewTestRig assembles a registry over in-process ports, heap pages, and
// a fresh physmap. The target gets the given number of vCPUs; the
// emulator domain is a separate single-vCPU domain.
func NewTestRig(vcpus int) *TestRig {
	target := NewTestDomain(1, vcpus)
	emulator := NewTestDomain(2, 1)

	log := logging.NewLogger(&logging.Config{Level: logging.LevelDisabled, Sync: true})

	ports := NewChannelPorts()
	physmap := NewPhysmap(target.Num, 0x4000)

	reg, err := NewRegistry(Config{
		Target:  target,
		Ports:   ports,
		Pages:   NewHeapPages(0x8000),
		Physmap: physmap,
		GFNBase: testGFNBase,
		Logger:  log,
	})
	if err != nil {
		panic("ioreq: test rig construction failed: " + err.Error())
	}

	return &TestRig{
		Target:   target,
		Emulator: emulator,
		Registry: reg,
		Ports:    ports,
		Physmap:  physmap,
	}
}
