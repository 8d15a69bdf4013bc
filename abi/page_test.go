package abi

import (
	"testing"
)

func newPage(t *testing.T) []byte {
	t.Helper()
	return make([]byte, PageSize)
}

func TestSharedSlotRoundTrip(t *testing.T) {
	p, err := Shared(newPage(t))
	if err != nil {
		t.Fatalf("Shared: %v", err)
	}

	req := Ioreq{
		Addr:  0xfe000040,
		Data:  0x1122334455667788,
		Count: 1,
		Size:  8,
		Port:  7,
		State: StateReady,
		Type:  TypeCopy,
		Dir:   DirWrite,
	}

	slot := p.Slot(3)
	slot.StoreRequest(&req)

	got := slot.LoadRequest()
	if got != req {
		t.Errorf("LoadRequest = %+v, want %+v", got, req)
	}

	// Slots are independent
	if st := p.Slot(4).State(); st != StateNone {
		t.Errorf("neighbour slot state = %d, want NONE", st)
	}
}

func TestSlotStatePreservesFlags(t *testing.T) {
	p, err := Shared(newPage(t))
	if err != nil {
		t.Fatalf("Shared: %v", err)
	}

	req := Ioreq{State: StateReady, Type: TypeCopy, Dir: DirRead, DF: true}
	slot := p.Slot(0)
	slot.StoreRequest(&req)

	slot.SetState(StateInProcess)
	slot.SetState(StateRespReady)

	got := slot.LoadRequest()
	if got.State != StateRespReady {
		t.Errorf("state = %d, want RESP_READY", got.State)
	}
	if got.Type != TypeCopy || got.Dir != DirRead || !got.DF {
		t.Errorf("flag bits clobbered by state transitions: %+v", got)
	}
}

func TestSlotPortAndData(t *testing.T) {
	p, err := Shared(newPage(t))
	if err != nil {
		t.Fatalf("Shared: %v", err)
	}

	slot := p.Slot(1)
	slot.SetPort(42)
	if slot.Port() != 42 {
		t.Errorf("Port = %d, want 42", slot.Port())
	}

	slot.SetData(0xdeadbeef)
	if slot.Data() != 0xdeadbeef {
		t.Errorf("Data = %#x, want 0xdeadbeef", slot.Data())
	}
}

func TestSharedRejectsBadBuffer(t *testing.T) {
	if _, err := Shared(make([]byte, PageSize-1)); err == nil {
		t.Error("short buffer accepted")
	}
}

func TestBufferedRing(t *testing.T) {
	p, err := Buffered(newPage(t))
	if err != nil {
		t.Fatalf("Buffered: %v", err)
	}

	read, write := p.Pointers()
	if read != 0 || write != 0 {
		t.Fatalf("fresh ring pointers = %d/%d", read, write)
	}

	e := BufIoreq{Type: TypeCopy, Dir: DirWrite, SizeClass: 2, Addr: 0xf1000, Data: 0xcafe}
	p.StoreSlot(0, e)
	p.AdvanceWrite(1)

	read, write = p.Pointers()
	if read != 0 || write != 1 {
		t.Errorf("pointers after publish = %d/%d, want 0/1", read, write)
	}

	got := p.LoadSlot(0)
	if got != e {
		t.Errorf("LoadSlot = %+v, want %+v", got, e)
	}

	p.ConsumeRead(1)
	read, write = p.Pointers()
	if read != 1 || write != 1 {
		t.Errorf("pointers after consume = %d/%d, want 1/1", read, write)
	}
}

func TestBufferedRingWraps(t *testing.T) {
	p, err := Buffered(newPage(t))
	if err != nil {
		t.Fatalf("Buffered: %v", err)
	}

	// An index one full revolution later lands on the same slot.
	e := BufIoreq{Type: TypePIO, SizeClass: 1, Addr: 0x80, Data: 1}
	p.StoreSlot(BufferedSlots+3, e)
	if got := p.LoadSlot(3); got != e {
		t.Errorf("wrapped slot = %+v, want %+v", got, e)
	}
}

func TestBufferedPointerCAS(t *testing.T) {
	p, err := Buffered(newPage(t))
	if err != nil {
		t.Fatalf("Buffered: %v", err)
	}
	p.AdvanceWrite(10)
	p.ConsumeRead(4)

	old := p.PackedPointers()
	read, write := SplitPointers(old)
	if read != 4 || write != 10 {
		t.Fatalf("pointers = %d/%d, want 4/10", read, write)
	}

	if !p.CompareAndSwapPointers(old, PackPointers(read+1, write)) {
		t.Error("CAS with current value failed")
	}
	if p.CompareAndSwapPointers(old, PackPointers(0, 0)) {
		t.Error("CAS with stale value succeeded")
	}
}

func TestSizeClassFor(t *testing.T) {
	tests := []struct {
		size  uint32
		class uint8
		slots uint32
		ok    bool
	}{
		{1, 0, 1, true},
		{2, 1, 1, true},
		{4, 2, 1, true},
		{8, 3, 2, true},
		{3, 0, 0, false},
		{16, 0, 0, false},
		{0, 0, 0, false},
	}

	for _, tt := range tests {
		class, slots, ok := SizeClassFor(tt.size)
		if class != tt.class || slots != tt.slots || ok != tt.ok {
			t.Errorf("SizeClassFor(%d) = %d/%d/%v, want %d/%d/%v",
				tt.size, class, slots, ok, tt.class, tt.slots, tt.ok)
		}
	}
}

func TestBufAddrLimitEncoding(t *testing.T) {
	p, err := Buffered(newPage(t))
	if err != nil {
		t.Fatalf("Buffered: %v", err)
	}

	// The address field is 20 bits wide and survives intact at the limit.
	e := BufIoreq{Type: TypeCopy, SizeClass: 0, Addr: BufAddrLimit, Data: 9}
	p.StoreSlot(0, e)
	if got := p.LoadSlot(0); got.Addr != BufAddrLimit {
		t.Errorf("addr = %#x, want %#x", got.Addr, uint32(BufAddrLimit))
	}
}
