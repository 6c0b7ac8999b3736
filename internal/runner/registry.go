// registry.go tracks live runners for the orchestration layer. The registry
// is owned by the caller and passed down the call chain; shutdown happens at
// explicit lifecycle boundaries, never via a process-wide singleton.
package runner

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
)

// Registry is an arena of active pod runners keyed by an opaque id. Safe for
// concurrent use.
type Registry struct {
	log     logr.Logger
	nextID  atomic.Uint64
	mu      sync.Mutex
	runners map[string]*PodRunner
	closed  bool
}

func NewRegistry(log logr.Logger) *Registry {
	return &Registry{
		log:     log.WithName("runner-registry"),
		runners: map[string]*PodRunner{},
	}
}

// Register adds a runner and returns its handle id. Fails after Shutdown so
// late registrations cannot leak pods.
func (reg *Registry) Register(r *PodRunner) (string, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.closed {
		return "", fmt.Errorf("registry is shut down")
	}
	id := fmt.Sprintf("runner-%d", reg.nextID.Add(1))
	reg.runners[id] = r
	return id, nil
}

// Release removes the runner without stopping it; callers release after a
// runner's own cleanup has run.
func (reg *Registry) Release(id string) {
	reg.mu.Lock()
	delete(reg.runners, id)
	reg.mu.Unlock()
}

// Len reports the number of tracked runners.
func (reg *Registry) Len() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.runners)
}

// Shutdown stops every tracked runner. Stop failures are logged and do not
// abort the sweep; the first error is returned after all runners were tried.
func (reg *Registry) Shutdown(ctx context.Context) error {
	reg.mu.Lock()
	reg.closed = true
	runners := make(map[string]*PodRunner, len(reg.runners))
	for id, r := range reg.runners {
		runners[id] = r
	}
	reg.runners = map[string]*PodRunner{}
	reg.mu.Unlock()

	var firstErr error
	for id, r := range runners {
		if err := r.Stop(ctx); err != nil {
			reg.log.Info("warning: failed to stop runner during shutdown", "id", id, "pod", r.Name(), "error", err.Error())
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
