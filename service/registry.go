package service

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// RunHandle carries the per-run cancellation context and the image admission
// semaphore. Cancellation is cooperative: workers observe the context at the
// next suspension point.
type RunHandle struct {
	RunID    string
	ImageSem *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
}

func (h *RunHandle) Context() context.Context {
	return h.ctx
}

func (h *RunHandle) Cancel() {
	h.cancel()
}

// RunRegistry is the only shared mutable state of the pipeline: an
// append/remove map of active runs, safe for concurrent use from the API
// handlers and the background workers.
type RunRegistry struct {
	mu      sync.RWMutex
	handles map[string]*RunHandle
}

func NewRunRegistry() *RunRegistry {
	return &RunRegistry{handles: make(map[string]*RunHandle)}
}

// Acquire returns the run's handle, creating it on first use. The semaphore
// is sized once from the run's configured concurrency.
func (r *RunRegistry) Acquire(runID string, concurrency int) *RunHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.handles[runID]; ok {
		return h
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &RunHandle{
		RunID:    runID,
		ImageSem: semaphore.NewWeighted(int64(concurrency)),
		ctx:      ctx,
		cancel:   cancel,
	}
	r.handles[runID] = h
	return h
}

func (r *RunRegistry) Get(runID string) (*RunHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[runID]
	return h, ok
}

// Cancel fires the run's context. Safe to call repeatedly and for unknown
// runs; reports whether a handle existed.
func (r *RunRegistry) Cancel(runID string) bool {
	r.mu.RLock()
	h, ok := r.handles[runID]
	r.mu.RUnlock()
	if ok {
		h.cancel()
	}
	return ok
}

// Remove drops the handle once the run is terminal, cancelling its context
// so nothing can dispatch against a discarded run.
func (r *RunRegistry) Remove(runID string) {
	r.mu.Lock()
	h, ok := r.handles[runID]
	delete(r.handles, runID)
	r.mu.Unlock()
	if ok {
		h.cancel()
	}
}
