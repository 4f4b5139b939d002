// Package gate provides the per-account concurrency primitives for the
// gateway data path: an inflight counter map and identity-stable
// token-exchange locks, both keyed by account id.
package gate

import "sync"

// Registry holds per-account inflight counts and token-exchange locks.
// One Registry is created per process; tests create their own.
type Registry struct {
	mu       sync.Mutex
	inflight map[string]int

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		inflight: make(map[string]int),
		locks:    make(map[string]*sync.Mutex),
	}
}

// Guard represents one held inflight slot. Release is idempotent.
type Guard struct {
	reg       *Registry
	accountID string
	once      sync.Once
}

// Acquire increments the inflight count for accountID and returns a Guard
// whose Release decrements it again.
func (r *Registry) Acquire(accountID string) *Guard {
	r.mu.Lock()
	r.inflight[accountID]++
	r.mu.Unlock()
	return &Guard{reg: r, accountID: accountID}
}

// Release decrements the inflight count, removing the map entry when it
// reaches zero so idle accounts do not accumulate.
func (g *Guard) Release() {
	g.once.Do(func() {
		r := g.reg
		r.mu.Lock()
		defer r.mu.Unlock()
		if n := r.inflight[g.accountID]; n > 1 {
			r.inflight[g.accountID] = n - 1
		} else {
			delete(r.inflight, g.accountID)
		}
	})
}

// Inflight returns the current inflight count for accountID.
func (r *Registry) Inflight(accountID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inflight[accountID]
}

// InflightTotal returns the sum of inflight counts across all accounts.
func (r *Registry) InflightTotal() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, n := range r.inflight {
		total += n
	}
	return total
}

// ExchangeLock returns the token-exchange mutex for accountID. Calls with
// the same id return the same mutex instance; the single-flight refresh
// contract depends on that identity.
// Uses double-check locking to minimize contention on the hot path.
func (r *Registry) ExchangeLock(accountID string) *sync.Mutex {
	r.locksMu.Lock()
	mu, ok := r.locks[accountID]
	if !ok {
		mu = &sync.Mutex{}
		r.locks[accountID] = mu
	}
	r.locksMu.Unlock()
	return mu
}

// Reset clears all inflight counts and locks. Test hook only; callers must
// not hold any Guard or ExchangeLock across a Reset.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.inflight = make(map[string]int)
	r.mu.Unlock()

	r.locksMu.Lock()
	r.locks = make(map[string]*sync.Mutex)
	r.locksMu.Unlock()
}
