package service

import "sync"

// creationGate serializes sandbox creation per sandbox id. Holding the gate
// for an id guarantees at most one goroutine is starting that sandbox's
// container; goroutines for different ids proceed independently.
//
// Gate mutexes are kept forever. The map grows with the number of distinct
// sandboxes seen by this process, which is bounded by the user population
// and small next to a pooled container.
type creationGate struct {
	mu    sync.Mutex
	gates map[string]*sync.Mutex
}

func newCreationGate() *creationGate {
	return &creationGate{gates: make(map[string]*sync.Mutex)}
}

// lock acquires the per-id mutex, creating it on first use, and returns the
// unlock function.
func (g *creationGate) lock(id string) func() {
	g.mu.Lock()
	gate, ok := g.gates[id]
	if !ok {
		gate = &sync.Mutex{}
		g.gates[id] = gate
	}
	g.mu.Unlock()

	gate.Lock()
	return gate.Unlock
}
