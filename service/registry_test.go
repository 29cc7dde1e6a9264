package service

import (
	"context"
	"testing"
)

func TestRegistryAcquireIsIdempotent(t *testing.T) {
	reg := NewRunRegistry()
	a := reg.Acquire("run-1", 3)
	b := reg.Acquire("run-1", 99) // later concurrency values are ignored
	if a != b {
		t.Fatal("expected the same handle for the same run")
	}
	if got, ok := reg.Get("run-1"); !ok || got != a {
		t.Fatal("Get did not return the acquired handle")
	}
}

func TestRegistrySemaphoreSizedFromConcurrency(t *testing.T) {
	reg := NewRunRegistry()
	h := reg.Acquire("run-1", 2)
	ctx := context.Background()
	if err := h.ImageSem.Acquire(ctx, 1); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if err := h.ImageSem.Acquire(ctx, 1); err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if h.ImageSem.TryAcquire(1) {
		t.Fatal("third acquire succeeded, budget is 2")
	}
	h.ImageSem.Release(2)

	// non-positive concurrency clamps to 1
	tight := reg.Acquire("run-2", 0)
	if !tight.ImageSem.TryAcquire(1) {
		t.Fatal("clamped semaphore admits nothing")
	}
	if tight.ImageSem.TryAcquire(1) {
		t.Fatal("clamped semaphore admits more than 1")
	}
}

func TestRegistryCancelFiresContext(t *testing.T) {
	reg := NewRunRegistry()
	h := reg.Acquire("run-1", 1)
	if err := h.Context().Err(); err != nil {
		t.Fatalf("fresh handle already cancelled: %v", err)
	}
	if !reg.Cancel("run-1") {
		t.Fatal("cancel reported no handle")
	}
	select {
	case <-h.Context().Done():
	default:
		t.Fatal("context not cancelled")
	}
	if reg.Cancel("missing-run") {
		t.Fatal("cancel of unknown run reported a handle")
	}
}

func TestRegistryRemoveCancelsAndForgets(t *testing.T) {
	reg := NewRunRegistry()
	h := reg.Acquire("run-1", 1)
	reg.Remove("run-1")
	select {
	case <-h.Context().Done():
	default:
		t.Fatal("removed handle's context not cancelled")
	}
	if _, ok := reg.Get("run-1"); ok {
		t.Fatal("handle still registered after Remove")
	}
	// a retry after removal starts a fresh context
	h2 := reg.Acquire("run-1", 1)
	if h2 == h {
		t.Fatal("expected a fresh handle after Remove")
	}
	if err := h2.Context().Err(); err != nil {
		t.Fatalf("fresh handle already cancelled: %v", err)
	}
}
