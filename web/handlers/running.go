package handlers

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// RunningBatches tracks batches being processed by this instance so they
// can be cancelled and kept out of stale-batch cleanup.
type RunningBatches struct {
	mu      sync.Mutex
	cancels map[uuid.UUID]context.CancelFunc
}

func NewRunningBatches() *RunningBatches {
	return &RunningBatches{cancels: make(map[uuid.UUID]context.CancelFunc)}
}

func (r *RunningBatches) add(id uuid.UUID, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancels[id] = cancel
}

func (r *RunningBatches) remove(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cancels, id)
}

// Cancel requests cancellation of a running batch. It reports false when
// the batch is not running here.
func (r *RunningBatches) Cancel(id uuid.UUID) bool {
	r.mu.Lock()
	cancel, ok := r.cancels[id]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// IsRunning reports whether id is being processed by this instance.
func (r *RunningBatches) IsRunning(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.cancels[id]
	return ok
}
