package breaker

import "sync"

// Registry lazily creates one breaker per provider key and shares the same
// settings across all of them.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	settings Settings
}

// NewRegistry creates a breaker registry
func NewRegistry(settings Settings) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		settings: settings.withDefaults(),
	}
}

// Get returns the breaker for a key, creating it on first use
func (r *Registry) Get(key string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[key]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[key]; ok {
		return b
	}
	b = NewBreaker(key, r.settings)
	r.breakers[key] = b
	return b
}

// Reset forces the breaker for a key back to Closed. No-op for unknown keys.
func (r *Registry) Reset(key string) {
	r.mu.RLock()
	b, ok := r.breakers[key]
	r.mu.RUnlock()
	if ok {
		b.Reset()
	}
}

// Snapshots returns a stats snapshot of every known breaker
func (r *Registry) Snapshots() map[string]Stats {
	r.mu.RLock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.RUnlock()

	out := make(map[string]Stats, len(breakers))
	for _, b := range breakers {
		s := b.Snapshot()
		out[s.Key] = s
	}
	return out
}
