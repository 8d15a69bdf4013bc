package evtchn

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNotifyThenWait(t *testing.T) {
	a := NewAllocator()
	p, err := a.Alloc(0, 2)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	p.Notify()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Wait(ctx); err != nil {
		t.Errorf("Wait after Notify: %v", err)
	}
}

func TestNotifyLatchesOnce(t *testing.T) {
	a := NewAllocator()
	p, _ := a.Alloc(0, 2)

	// Repeated notifies collapse into one pending event.
	p.Notify()
	p.Notify()
	p.Notify()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Wait(ctx); err != nil {
		t.Fatalf("first Wait: %v", err)
	}

	short, cancel2 := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel2()
	if err := p.Wait(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("second Wait = %v, want deadline exceeded", err)
	}
}

func TestWaitWakesOnNotify(t *testing.T) {
	a := NewAllocator()
	p, _ := a.Alloc(1, 2)

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		done <- p.Wait(ctx)
	}()

	time.Sleep(10 * time.Millisecond)
	p.Notify()

	if err := <-done; err != nil {
		t.Errorf("Wait: %v", err)
	}
}

func TestCloseWakesWaiter(t *testing.T) {
	a := NewAllocator()
	p, _ := a.Alloc(0, 2)

	done := make(chan error, 1)
	go func() {
		done <- p.Wait(context.Background())
	}()

	time.Sleep(10 * time.Millisecond)
	p.Close()

	if err := <-done; !errors.Is(err, ErrClosed) {
		t.Errorf("Wait on closed port = %v, want ErrClosed", err)
	}

	// Close is idempotent.
	p.Close()
}

func TestAllocatorLookup(t *testing.T) {
	a := NewAllocator()
	p1, _ := a.Alloc(0, 2)
	p2, _ := a.Alloc(1, 2)

	if p1.ID() == p2.ID() {
		t.Fatal("duplicate port ids")
	}
	if p1.ID() == 0 || p2.ID() == 0 {
		t.Fatal("port id zero handed out")
	}

	got, ok := a.Lookup(p2.ID())
	if !ok || got != p2 {
		t.Errorf("Lookup(%d) = %v/%v", p2.ID(), got, ok)
	}

	a.Release(p1.ID())
	if _, ok := a.Lookup(p1.ID()); ok {
		t.Error("released port still resolvable")
	}
	if err := p1.Wait(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Wait on released port = %v, want ErrClosed", err)
	}
}

func TestDirectCloseDropsFromTable(t *testing.T) {
	a := NewAllocator()
	p, _ := a.Alloc(0, 2)

	p.Close()
	if _, ok := a.Lookup(p.ID()); ok {
		t.Error("closed port still in table")
	}
}
