package metrics

import "sync"

// Counter names used by the relay.
const (
	ConnectionsOpened    = "connections_opened"
	ConnectionsRefused   = "connections_refused"
	Joins                = "joins"
	Leaves               = "leaves"
	RoomsCreated         = "rooms_created"
	RoomsDestroyed       = "rooms_destroyed"
	SignalsRelayed       = "signals_relayed"
	DropUnknownRecipient = "drop_unknown_recipient"
	DropSlowConsumer     = "drop_slow_consumer"
)

// Metrics is a concurrency-safe counter registry.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

// New returns a registry with every counter at zero.
func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

// Inc adds one to the named counter.
func (m *Metrics) Inc(name string) {
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

// Get returns the named counter, zero if it was never incremented.
func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
