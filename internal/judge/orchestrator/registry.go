package orchestrator

import (
	"context"
	"sync"
)

// cancelRegistry maps in-flight submission ids to their cancel funcs so
// Cancel can reach a judging goroutine from another request.
type cancelRegistry struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func newCancelRegistry() *cancelRegistry {
	return &cancelRegistry{cancels: make(map[string]context.CancelFunc)}
}

func (r *cancelRegistry) register(submissionID string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancels[submissionID] = cancel
}

func (r *cancelRegistry) unregister(submissionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cancels, submissionID)
}

func (r *cancelRegistry) cancel(submissionID string) {
	r.mu.Lock()
	cancel := r.cancels[submissionID]
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
