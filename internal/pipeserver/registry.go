package pipeserver

import (
	"errors"
	"sync"
	"time"

	"meshgate/internal/wire"
)

// ErrNotFound is returned for operations against an unknown correlation id.
var ErrNotFound = errors.New("pipeserver: correlation id not found")

// ErrClosed is returned by Register against a pipe that has already torn
// down.
var ErrClosed = errors.New("pipeserver: pipe closed")

// Registry is the process-wide concurrent map from correlation id to pipe
// state (spec §4.J). Opening a new pipe under an already-used correlation
// id silently evicts the old one, since browsers may retry (spec §4.J).
type Registry struct {
	mu            sync.Mutex
	pipes         map[wire.CorrelationID]*Pipe
	pipeTTL       time.Duration
	keepaliveBoot time.Duration
	onTerminalEnd func(wire.TerminalID)
}

// New creates a Registry using pipeTTL for idle detection and
// keepaliveBoot for the first-keepalive deadline. onTerminalEnd is invoked
// by every pipe when one of its fanned-in terminals reaches EOS or error,
// matching spec §4.I's "schedule an asynchronous close request."
func New(pipeTTL, keepaliveBoot time.Duration, onTerminalEnd func(wire.TerminalID)) *Registry {
	return &Registry{
		pipes:         make(map[wire.CorrelationID]*Pipe),
		pipeTTL:       pipeTTL,
		keepaliveBoot: keepaliveBoot,
		onTerminalEnd: onTerminalEnd,
	}
}

// Open creates a new pipe under id, evicting any pipe already registered
// under the same id.
func (r *Registry) Open(id wire.CorrelationID) *Pipe {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.pipes[id]; ok {
		old.Close()
	}
	p := newPipe(id, r.pipeTTL, r.keepaliveBoot, r.onTerminalEnd)
	r.pipes[id] = p
	go r.reapWhenDone(id, p)
	return p
}

// reapWhenDone removes id from the map once its pipe's Frames channel
// closes, so a torn-down pipe doesn't linger in the registry.
func (r *Registry) reapWhenDone(id wire.CorrelationID, p *Pipe) {
	for range p.Frames() {
	}
	r.mu.Lock()
	if cur, ok := r.pipes[id]; ok && cur == p {
		delete(r.pipes, id)
	}
	r.mu.Unlock()
}

// Get returns the pipe registered under id.
func (r *Registry) Get(id wire.CorrelationID) (*Pipe, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pipes[id]
	return p, ok
}

// Register installs a new terminal's output into the pipe registered under
// id.
func (r *Registry) Register(id wire.CorrelationID, reg Registration) error {
	p, ok := r.Get(id)
	if !ok {
		return ErrNotFound
	}
	return p.Register(reg)
}

// Keepalive rearms the pipe registered under id.
func (r *Registry) Keepalive(id wire.CorrelationID) error {
	p, ok := r.Get(id)
	if !ok {
		return ErrNotFound
	}
	p.Keepalive()
	return nil
}

// Close evicts and tears down the pipe registered under id. Closing an
// already-absent id is a no-op, matching "close_pipe is idempotent."
func (r *Registry) Close(id wire.CorrelationID) {
	r.mu.Lock()
	p, ok := r.pipes[id]
	delete(r.pipes, id)
	r.mu.Unlock()
	if ok {
		p.Close()
	}
}
