package registry

import "sync"

// Binding links an in-flight ride to the two live connections on either side,
// so the location relay avoids a registry lookup per update.
type Binding struct {
	RideID          string
	RequesterID     string
	ProviderID      string
	RequesterConnID string
	ProviderConnID  string
}

// Bindings is the arena of active ride bindings. Entries are inserted on a
// successful accept and removed when the ride reaches a terminal state, so
// the map cannot grow unbounded.
type Bindings struct {
	mu     sync.RWMutex
	byRide map[string]Binding
}

func NewBindings() *Bindings {
	return &Bindings{byRide: make(map[string]Binding)}
}

func (b *Bindings) Put(binding Binding) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byRide[binding.RideID] = binding
}

func (b *Bindings) Get(rideID string) (Binding, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	bd, ok := b.byRide[rideID]
	return bd, ok
}

func (b *Bindings) Remove(rideID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.byRide, rideID)
}

// Len reports the number of active bindings.
func (b *Bindings) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byRide)
}
