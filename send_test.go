package ioreq

import (
	"context"
	"testing"
	"time"

	"github.com/ehrlich-b/go-ioreq/abi"
	"github.com/ehrlich-b/go-ioreq/internal/wait"
)

// ringViews holds an emulator's-eye view of a server's rings.
type ringViews struct {
	id   int
	sync *abi.SharedPage
	buf  *abi.BufferedPage
}

// openServer creates a server, maps its rings the way an emulator would,
// claims a default MMIO window, and enables it.
func openServer(t *testing.T, rig *TestRig, mode BufMode) *ringViews {
	t.Helper()

	id, err := rig.Registry.CreateServer(rig.Emulator, mode)
	if err != nil {
		t.Fatalf("CreateServer: %v", err)
	}
	info, err := rig.Registry.GetServerInfo(rig.Emulator, id)
	if err != nil {
		t.Fatalf("GetServerInfo: %v", err)
	}

	rv := &ringViews{id: id}

	pg, err := rig.Physmap.Map(info.IoreqGFN)
	if err != nil {
		t.Fatalf("map sync ring: %v", err)
	}
	if rv.sync, err = abi.Shared(pg.Bytes()); err != nil {
		t.Fatalf("Shared: %v", err)
	}
	if info.HasBufioreq {
		bpg, err := rig.Physmap.Map(info.BufioreqGFN)
		if err != nil {
			t.Fatalf("map buffered ring: %v", err)
		}
		if rv.buf, err = abi.Buffered(bpg.Bytes()); err != nil {
			t.Fatalf("Buffered: %v", err)
		}
	}

	if err := rig.Registry.MapRange(rig.Emulator, id, RangeMemory, 0x1000, 0x1fff); err != nil {
		t.Fatalf("MapRange: %v", err)
	}
	if err := rig.Registry.SetServerState(rig.Emulator, id, true); err != nil {
		t.Fatalf("SetServerState: %v", err)
	}
	return rv
}

// respond plays a minimal emulator for one request on one slot.
func respond(t *testing.T, rig *TestRig, rv *ringViews, vcpu int, data uint64) {
	t.Helper()
	slot := rv.sync.Slot(vcpu)

	err := wait.Until(context.Background(), 2*time.Second, time.Millisecond, func() bool {
		return slot.State() == abi.StateReady
	})
	if err != nil {
		t.Error("no request appeared in slot")
		return
	}

	req := slot.LoadRequest()
	slot.SetState(abi.StateInProcess)
	if req.Dir == abi.DirRead {
		slot.SetData(data)
	}
	slot.SetState(abi.StateRespReady)

	port, ok := rig.Ports.Lookup(req.Port)
	if !ok {
		t.Errorf("request carries unknown port %d", req.Port)
		return
	}
	port.Notify()
}

func TestSyncRoundTripRead(t *testing.T) {
	rig := NewTestRig(1)
	rv := openServer(t, rig, BufOff)
	v := rig.Target.VCPUs()[0]

	go respond(t, rig, rv, 0, 0x11223344)

	req := abi.Ioreq{Type: abi.TypeCopy, Addr: 0x1004, Size: 4, Count: 1, Dir: abi.DirRead}
	if st := rig.Registry.Dispatch(v, &req); st != StatusRetry {
		t.Fatalf("Dispatch = %v, want StatusRetry", st)
	}
	if !rig.Registry.IOPending(v) {
		t.Fatal("no pending io after dispatch")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if !rig.Registry.HandleCompletion(ctx, v) {
		t.Fatal("HandleCompletion failed")
	}

	if got := v.IO().Req.Data; got != 0x11223344 {
		t.Errorf("response data = %#x, want 0x11223344", got)
	}
	// A read carries data the vCPU still has to consume, so the request
	// is left showing the response.
	if v.IO().Req.State != abi.StateRespReady {
		t.Errorf("request state = %d after completion, want RESP_READY", v.IO().Req.State)
	}
	if st := rv.sync.Slot(0).State(); st != abi.StateNone {
		t.Errorf("slot state = %d after completion, want NONE", st)
	}
	if rig.Registry.IOPending(v) {
		t.Error("io still pending after completion")
	}
	if reason := rig.Target.Crashed(); reason != "" {
		t.Errorf("target crashed: %s", reason)
	}
}

func TestSyncWriteNoResponseData(t *testing.T) {
	rig := NewTestRig(1)
	rv := openServer(t, rig, BufOff)
	v := rig.Target.VCPUs()[0]

	go respond(t, rig, rv, 0, 0xbad)

	req := abi.Ioreq{Type: abi.TypeCopy, Addr: 0x1000, Size: 4, Count: 1, Dir: abi.DirWrite, Data: 0x55}
	if st := rig.Registry.Dispatch(v, &req); st != StatusRetry {
		t.Fatalf("Dispatch = %v, want StatusRetry", st)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if !rig.Registry.HandleCompletion(ctx, v) {
		t.Fatal("HandleCompletion failed")
	}
	// The written value travels with the request and never changes.
	if v.IO().Req.Data != 0x55 {
		t.Errorf("write data = %#x, want 0x55", v.IO().Req.Data)
	}
}

func TestSendCrashesOnBusySlot(t *testing.T) {
	rig := NewTestRig(1)
	rv := openServer(t, rig, BufOff)
	v := rig.Target.VCPUs()[0]

	// A well-behaved emulator leaves the slot at NONE between requests.
	rv.sync.Slot(0).SetState(abi.StateInProcess)

	req := abi.Ioreq{Type: abi.TypeCopy, Addr: 0x1000, Size: 4, Count: 1, Dir: abi.DirRead}
	if st := rig.Registry.Dispatch(v, &req); st != StatusUnhandled {
		t.Fatalf("Dispatch into busy slot = %v, want StatusUnhandled", st)
	}
	if rig.Target.Crashed() == "" {
		t.Error("target not crashed after protocol violation")
	}
}

func TestSendCrashesOnPortMismatch(t *testing.T) {
	rig := NewTestRig(1)
	rv := openServer(t, rig, BufOff)
	v := rig.Target.VCPUs()[0]

	// The slot must keep echoing the port assigned at enable time.
	rv.sync.Slot(0).SetPort(0xdead)

	req := abi.Ioreq{Type: abi.TypeCopy, Addr: 0x1000, Size: 4, Count: 1, Dir: abi.DirRead}
	if st := rig.Registry.Dispatch(v, &req); st != StatusUnhandled {
		t.Fatalf("Dispatch with rewritten port = %v, want StatusUnhandled", st)
	}
	if rig.Target.Crashed() == "" {
		t.Error("target not crashed after port rewrite")
	}
	if n := rig.Registry.Metrics().TargetCrashes.Load(); n != 1 {
		t.Errorf("TargetCrashes = %d, want 1", n)
	}
	if rig.Registry.IOPending(v) {
		t.Error("request recorded as pending despite refused send")
	}
}

func TestCompletionLeavesResponseVisible(t *testing.T) {
	rig := NewTestRig(1)
	rv := openServer(t, rig, BufOff)
	v := rig.Target.VCPUs()[0]

	var seen uint8
	rig.Registry.completions = CompletionHandlers{
		MMIO: func(cv VCPU) bool {
			seen = cv.IO().Req.State
			return true
		},
	}

	go respond(t, rig, rv, 0, 0xabcd)

	req := abi.Ioreq{Type: abi.TypeCopy, Addr: 0x1008, Size: 4, Count: 1, Dir: abi.DirRead}
	if st := rig.Registry.Dispatch(v, &req); st != StatusRetry {
		t.Fatalf("Dispatch = %v, want StatusRetry", st)
	}
	v.IO().Completion = CompletionMMIO

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if !rig.Registry.HandleCompletion(ctx, v) {
		t.Fatal("HandleCompletion failed")
	}

	// The re-entry path must see the response published.
	if seen != abi.StateRespReady {
		t.Errorf("mmio handler saw state %d, want RESP_READY", seen)
	}
	if v.IO().Req.Data != 0xabcd {
		t.Errorf("response data = %#x, want 0xabcd", v.IO().Req.Data)
	}
}

func TestCompletionFinalizesPortWriteToNone(t *testing.T) {
	rig := NewTestRig(1)
	rv := openServer(t, rig, BufOff)
	v := rig.Target.VCPUs()[0]

	if err := rig.Registry.MapRange(rig.Emulator, rv.id, RangePort, 0x500, 0x50f); err != nil {
		t.Fatalf("MapRange: %v", err)
	}

	go respond(t, rig, rv, 0, 0)

	// A port write completes as soon as the emulator has seen it; there
	// is nothing left for the vCPU to consume.
	req := abi.Ioreq{Type: abi.TypePIO, Addr: 0x504, Size: 2, Count: 1, Dir: abi.DirWrite, Data: 0x77}
	if st := rig.Registry.Dispatch(v, &req); st != StatusRetry {
		t.Fatalf("Dispatch = %v, want StatusRetry", st)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if !rig.Registry.HandleCompletion(ctx, v) {
		t.Fatal("HandleCompletion failed")
	}
	if v.IO().Req.State != abi.StateNone {
		t.Errorf("request state = %d after completion, want NONE", v.IO().Req.State)
	}
}

func TestCompletionResolvesOnDyingTarget(t *testing.T) {
	rig := NewTestRig(1)
	rv := openServer(t, rig, BufOff)
	v := rig.Target.VCPUs()[0]

	req := abi.Ioreq{Type: abi.TypeCopy, Addr: 0x1000, Size: 4, Count: 1, Dir: abi.DirRead}
	if st := rig.Registry.Dispatch(v, &req); st != StatusRetry {
		t.Fatalf("Dispatch = %v, want StatusRetry", st)
	}

	// The emulator never answers; the domain starts dying instead.
	rig.Target.SetDying()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if !rig.Registry.HandleCompletion(ctx, v) {
		t.Fatal("completion on dying target should resolve silently")
	}
	if st := rv.sync.Slot(0).State(); st != abi.StateNone {
		t.Errorf("slot state = %d, want NONE", st)
	}
	if rig.Registry.IOPending(v) {
		t.Error("io still pending on dying target")
	}
}

func TestCompletionFailsOnCancelledContext(t *testing.T) {
	rig := NewTestRig(1)
	openServer(t, rig, BufOff)
	v := rig.Target.VCPUs()[0]

	req := abi.Ioreq{Type: abi.TypeCopy, Addr: 0x1000, Size: 4, Count: 1, Dir: abi.DirRead}
	if st := rig.Registry.Dispatch(v, &req); st != StatusRetry {
		t.Fatalf("Dispatch = %v, want StatusRetry", st)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if rig.Registry.HandleCompletion(ctx, v) {
		t.Fatal("completion succeeded with no emulator and a live target")
	}
	if rig.Target.Crashed() != "" {
		t.Error("cancelled wait must not crash the target")
	}
}

func TestCompletionHandlers(t *testing.T) {
	rig := NewTestRig(1)
	v := rig.Target.VCPUs()[0]

	var gotMMIO bool
	rig.Registry.completions = CompletionHandlers{
		MMIO: func(cv VCPU) bool {
			gotMMIO = cv == v
			return true
		},
	}

	v.IO().Completion = CompletionMMIO
	ctx := context.Background()
	if !rig.Registry.HandleCompletion(ctx, v) {
		t.Fatal("HandleCompletion failed")
	}
	if !gotMMIO {
		t.Error("mmio completion handler not invoked")
	}
	if v.IO().Completion != CompletionNone {
		t.Error("completion tag not cleared")
	}

	// A second pass with the tag cleared does nothing.
	gotMMIO = false
	if !rig.Registry.HandleCompletion(ctx, v) {
		t.Fatal("second HandleCompletion failed")
	}
	if gotMMIO {
		t.Error("handler invoked without a completion tag")
	}
}

func TestBufferedSend(t *testing.T) {
	rig := NewTestRig(1)
	rv := openServer(t, rig, BufOn)
	v := rig.Target.VCPUs()[0]
	s := rig.Registry.server(rv.id)

	req := abi.Ioreq{Type: abi.TypeCopy, Addr: 0x1200, Size: 4, Count: 1, Dir: abi.DirWrite, Data: 0xfeed}
	if st := s.Send(v, &req, true); st != StatusHandled {
		t.Fatalf("buffered Send = %v, want StatusHandled", st)
	}

	read, write := rv.buf.Pointers()
	if write-read != 1 {
		t.Fatalf("ring occupancy = %d, want 1", write-read)
	}
	e := rv.buf.LoadSlot(read)
	if e.Type != abi.TypeCopy || e.Addr != 0x1200 || e.Data != 0xfeed || e.SizeClass != 2 {
		t.Errorf("ring entry = %+v", e)
	}
}

func TestBufferedSendEightBytes(t *testing.T) {
	rig := NewTestRig(1)
	rv := openServer(t, rig, BufOn)
	v := rig.Target.VCPUs()[0]
	s := rig.Registry.server(rv.id)

	req := abi.Ioreq{Type: abi.TypeCopy, Addr: 0x1000, Size: 8, Count: 1, Dir: abi.DirWrite, Data: 0x1122334455667788}
	if st := s.Send(v, &req, true); st != StatusHandled {
		t.Fatalf("buffered Send = %v, want StatusHandled", st)
	}

	read, write := rv.buf.Pointers()
	if write-read != 2 {
		t.Fatalf("ring occupancy = %d, want 2 for an 8-byte access", write-read)
	}
	lo := rv.buf.LoadSlot(read)
	hi := rv.buf.LoadSlot(read + 1)
	if got := uint64(lo.Data) | uint64(hi.Data)<<32; got != 0x1122334455667788 {
		t.Errorf("reassembled data = %#x", got)
	}
}

func TestBufferedSendRejectsUnbufferable(t *testing.T) {
	rig := NewTestRig(1)
	rv := openServer(t, rig, BufOn)
	v := rig.Target.VCPUs()[0]
	s := rig.Registry.server(rv.id)

	tests := []struct {
		name string
		req  abi.Ioreq
	}{
		{"address above window", abi.Ioreq{Type: abi.TypeCopy, Addr: abi.BufAddrLimit + 1, Size: 4, Count: 1}},
		{"pointer indirect", abi.Ioreq{Type: abi.TypeCopy, Addr: 0x100, Size: 4, Count: 1, DataIsPtr: true}},
		{"string access", abi.Ioreq{Type: abi.TypeCopy, Addr: 0x100, Size: 4, Count: 2}},
		{"odd size", abi.Ioreq{Type: abi.TypeCopy, Addr: 0x100, Size: 3, Count: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			if st := s.Send(v, &req, true); st != StatusUnhandled {
				t.Errorf("Send = %v, want StatusUnhandled", st)
			}
		})
	}

	if _, write := rv.buf.Pointers(); write != 0 {
		t.Error("rejected sends touched the ring")
	}
}

func TestBufferedBackpressure(t *testing.T) {
	rig := NewTestRig(1)
	rv := openServer(t, rig, BufOn)
	v := rig.Target.VCPUs()[0]
	s := rig.Registry.server(rv.id)

	req := abi.Ioreq{Type: abi.TypeCopy, Addr: 0x100, Size: 1, Count: 1, Dir: abi.DirWrite, Data: 1}
	for i := 0; i < abi.BufferedSlots; i++ {
		if st := s.Send(v, &req, true); st != StatusHandled {
			t.Fatalf("Send %d = %v, want StatusHandled", i, st)
		}
	}

	// The ring is full; the next send must leave it untouched so the
	// caller can fall back to the synchronous path.
	before := rv.buf.PackedPointers()
	if st := s.Send(v, &req, true); st != StatusUnhandled {
		t.Fatalf("Send into full ring = %v, want StatusUnhandled", st)
	}
	if rv.buf.PackedPointers() != before {
		t.Error("full-ring send moved the pointers")
	}

	// Draining one entry frees one slot.
	rv.buf.ConsumeRead(1)
	if st := s.Send(v, &req, true); st != StatusHandled {
		t.Errorf("Send after drain = %v, want StatusHandled", st)
	}

	// An 8-byte access needs two free slots, and exactly one is free now.
	rv.buf.ConsumeRead(1)
	wide := abi.Ioreq{Type: abi.TypeCopy, Addr: 0x100, Size: 8, Count: 1, Dir: abi.DirWrite}
	if st := s.Send(v, &wide, true); st != StatusUnhandled {
		t.Errorf("two-slot send with one free slot = %v, want StatusUnhandled", st)
	}
}

func TestBufferedAtomicCanonicalization(t *testing.T) {
	rig := NewTestRig(1)
	rv := openServer(t, rig, BufAtomic)
	v := rig.Target.VCPUs()[0]
	s := rig.Registry.server(rv.id)

	req := abi.Ioreq{Type: abi.TypeCopy, Addr: 0x100, Size: 1, Count: 1, Dir: abi.DirWrite}
	for i := 0; i < abi.BufferedSlots; i++ {
		if st := s.Send(v, &req, true); st != StatusHandled {
			t.Fatalf("Send %d = %v", i, st)
		}
	}
	rv.buf.ConsumeRead(abi.BufferedSlots)

	// The read pointer sits exactly one ring length in; the next send
	// pulls both pointers back under the ring length.
	if st := s.Send(v, &req, true); st != StatusHandled {
		t.Fatalf("Send after full drain = %v", st)
	}
	read, write := rv.buf.Pointers()
	if read != 0 || write != 1 {
		t.Errorf("pointers = %d/%d after canonicalization, want 0/1", read, write)
	}
}

func TestBroadcast(t *testing.T) {
	rig := NewTestRig(1)
	v := rig.Target.VCPUs()[0]

	buffered := openServer(t, rig, BufOn)
	plain := openServer(t, rig, BufOff)
	_ = plain

	req := abi.Ioreq{Type: abi.TypeTimeoffset, Addr: 0, Size: 8, Count: 1, Dir: abi.DirWrite, Data: 12345}
	failed := rig.Registry.Broadcast(v, &req, true)

	// The BufOff server has no buffered ring and reports failure; the
	// buffered one takes the event.
	if failed != 1 {
		t.Errorf("failed = %d, want 1", failed)
	}
	read, write := buffered.buf.Pointers()
	if write-read != 2 {
		t.Fatalf("ring occupancy = %d, want 2", write-read)
	}
	e := buffered.buf.LoadSlot(read)
	if e.Type != abi.TypeTimeoffset {
		t.Errorf("entry type = %d, want timeoffset", e.Type)
	}
}

func TestBroadcastSkipsDisabledServer(t *testing.T) {
	rig := NewTestRig(1)
	rv := openServer(t, rig, BufOn)
	v := rig.Target.VCPUs()[0]

	if err := rig.Registry.SetServerState(rig.Emulator, rv.id, false); err != nil {
		t.Fatalf("SetServerState: %v", err)
	}

	req := abi.Ioreq{Type: abi.TypeTimeoffset, Addr: 0, Size: 8, Count: 1, Dir: abi.DirWrite, Data: 9}
	if failed := rig.Registry.Broadcast(v, &req, true); failed != 0 {
		t.Errorf("failed = %d, want 0 with only a disabled server", failed)
	}
	read, write := rv.buf.Pointers()
	if read != write {
		t.Errorf("ring occupancy = %d, want 0", write-read)
	}
}

func TestSendEchoesPortInSlot(t *testing.T) {
	rig := NewTestRig(1)
	rv := openServer(t, rig, BufOff)
	v := rig.Target.VCPUs()[0]

	req := abi.Ioreq{Type: abi.TypeCopy, Addr: 0x1000, Size: 4, Count: 1, Dir: abi.DirRead}
	if st := rig.Registry.Dispatch(v, &req); st != StatusRetry {
		t.Fatalf("Dispatch = %v", st)
	}

	got := rv.sync.Slot(0).LoadRequest()
	if got.Port == 0 {
		t.Fatal("slot carries no port")
	}
	if _, ok := rig.Ports.Lookup(got.Port); !ok {
		t.Errorf("slot port %d does not resolve", got.Port)
	}
	if got.State != abi.StateReady {
		t.Errorf("slot state = %d, want READY", got.State)
	}
}
