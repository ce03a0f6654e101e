// Package connectivity tracks whether the remote store is reachable and
// notifies subscribers on transitions only. Consumers are edge-triggered;
// repeated reports of the same state are swallowed here.
package connectivity

import "sync"

// Observer is the collaborator surface the outbox depends on.
type Observer interface {
	IsConnected() bool
	Subscribe(fn func(connected bool)) (cancel func())
}

type Monitor struct {
	mu        sync.Mutex
	connected bool
	nextID    int
	subs      map[int]func(bool)
}

func NewMonitor(initiallyConnected bool) *Monitor {
	return &Monitor{
		connected: initiallyConnected,
		subs:      make(map[int]func(bool)),
	}
}

func (m *Monitor) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *Monitor) Subscribe(fn func(bool)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// Report feeds the current reachability state. Only transitions fan out.
func (m *Monitor) Report(connected bool) {
	m.mu.Lock()
	if m.connected == connected {
		m.mu.Unlock()
		return
	}
	m.connected = connected
	subs := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	for _, fn := range subs {
		fn(connected)
	}
}
