package dispatch

import (
	"sync"
	"testing"
)

// registry is the process-wide active-dispatcher set. The restart gate sums
// Pending over it.
type registry struct {
	mu  sync.Mutex
	set map[*Dispatcher]struct{}
}

var defaultRegistry = &registry{set: make(map[*Dispatcher]struct{})}

func (r *registry) register(d *Dispatcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.set[d] = struct{}{}
}

func (r *registry) unregister(d *Dispatcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.set, d)
}

// TotalPendingReplies sums Pending over all active dispatchers.
func TotalPendingReplies() int {
	defaultRegistry.mu.Lock()
	dispatchers := make([]*Dispatcher, 0, len(defaultRegistry.set))
	for d := range defaultRegistry.set {
		dispatchers = append(dispatchers, d)
	}
	defaultRegistry.mu.Unlock()

	total := 0
	for _, d := range dispatchers {
		total += d.Pending()
	}
	return total
}

// ActiveDispatchers reports the registry size.
func ActiveDispatchers() int {
	defaultRegistry.mu.Lock()
	defer defaultRegistry.mu.Unlock()
	return len(defaultRegistry.set)
}

// ClearRegistryForTest empties the registry between tests. Panics outside
// `go test`.
func ClearRegistryForTest() {
	if !testing.Testing() {
		panic("dispatch: ClearRegistryForTest called outside tests")
	}
	defaultRegistry.mu.Lock()
	defer defaultRegistry.mu.Unlock()
	defaultRegistry.set = make(map[*Dispatcher]struct{})
}
