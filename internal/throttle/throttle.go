// Package throttle wraps a lease with per-terminal window accounting (spec
// §4.E): it pauses delivery once unacked bytes reach the streaming window
// and resumes on ack.
package throttle

import (
	"sync"

	"meshgate/internal/lease"
	"meshgate/internal/streamconst"
	"meshgate/internal/wire"
)

// state tracks one terminal's outstanding unacked byte count and, while
// paused, the signal that ack fires to resume delivery.
type state struct {
	mu      sync.Mutex
	unacked int
	signal  chan struct{}
}

// Manager holds the process-wide unacked-byte state keyed by terminal id,
// mirroring the teacher's registry-style concurrent maps.
type Manager struct {
	window int
	mu     sync.RWMutex
	states map[wire.TerminalID]*state
}

// NewManager creates a Manager enforcing the given window size in bytes.
func NewManager(window int) *Manager {
	if window <= 0 {
		window = streamconst.StreamingWindowSize
	}
	return &Manager{window: window, states: make(map[wire.TerminalID]*state)}
}

func (m *Manager) entry(id wire.TerminalID) *state {
	m.mu.RLock()
	s, ok := m.states[id]
	m.mu.RUnlock()
	if ok {
		return s
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.states[id]; ok {
		return s
	}
	s = &state{}
	m.states[id] = s
	return s
}

// Forget drops a terminal's accounting state, called when the terminal is
// closed.
func (m *Manager) Forget(id wire.TerminalID) {
	m.mu.Lock()
	delete(m.states, id)
	m.mu.Unlock()
}

// Ack subtracts k from id's unacked counter, clamping at zero, and resumes a
// paused stream if one is waiting. Values larger than the outstanding count
// are ignored past zero: acks may race throttling (spec §4.E, P5).
func (m *Manager) Ack(id wire.TerminalID, k int) {
	s := m.entry(id)
	s.mu.Lock()
	s.unacked -= k
	if s.unacked < 0 {
		s.unacked = 0
	}
	sig := s.signal
	s.signal = nil
	s.mu.Unlock()
	if sig != nil {
		close(sig)
	}
}

// Unacked reports the current unacked byte count for id.
func (m *Manager) Unacked(id wire.TerminalID) int {
	s := m.entry(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unacked
}

// Wrap consumes in and produces a throttled copy on the returned channel: a
// Data item's length is added to id's unacked counter before the item is
// forwarded, and once that count
// reaches the window, Wrap blocks until Ack fires before forwarding further
// items. The returned channel closes when in closes.
func (m *Manager) Wrap(id wire.TerminalID, in <-chan lease.Item) <-chan lease.Item {
	out := make(chan lease.Item)
	go func() {
		defer close(out)
		s := m.entry(id)
		for item := range in {
			var wait chan struct{}
			if item.Kind == lease.KindData {
				s.mu.Lock()
				s.unacked += len(item.Data)
				if s.unacked >= m.window {
					wait = make(chan struct{})
					s.signal = wait
				}
				s.mu.Unlock()
			}
			out <- item
			if wait != nil {
				<-wait
			}
		}
	}()
	return out
}
