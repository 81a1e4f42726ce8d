package metrics

import (
	"sync"
	"sync/atomic"
)

// Event names used across the signaling server.
const (
	EventRoomCreated     = "room_created"
	EventRoomDestroyed   = "room_destroyed"
	EventParticipantJoin = "participant_joined"
	EventParticipantLeft = "participant_left"

	EventSignalRelayed          = "signal_relayed"
	EventSignalDroppedStale     = "signal_dropped_stale_target"
	EventSignalDroppedQueueFull = "signal_dropped_queue_full"

	EventMessageRejected    = "message_rejected"
	EventMessageRateLimited = "message_rate_limited"

	EventChatRelayed = "chat_relayed"
)

// Metrics is a concurrency-safe counter registry keyed by event name.
// Counters are created on first increment; increments after that are a read
// lock and an atomic add. A real metrics backend can replace this without
// touching call sites, which only ever Inc.
type Metrics struct {
	mu       sync.RWMutex
	counters map[string]*atomic.Uint64
}

func New() *Metrics {
	return &Metrics{counters: make(map[string]*atomic.Uint64)}
}

func (m *Metrics) Inc(name string) {
	m.counter(name).Add(1)
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.counters[name]; ok {
		return c.Load()
	}
	return 0
}

// Snapshot copies every counter, for rendering and tests.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]uint64, len(m.counters))
	for name, c := range m.counters {
		out[name] = c.Load()
	}
	return out
}

func (m *Metrics) counter(name string) *atomic.Uint64 {
	m.mu.RLock()
	c, ok := m.counters[name]
	m.mu.RUnlock()
	if ok {
		return c
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.counters[name]; ok {
		return c
	}
	c = new(atomic.Uint64)
	m.counters[name] = c
	return c
}
