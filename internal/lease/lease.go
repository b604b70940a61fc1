// Package lease implements the single-consumer-at-a-time output lease over a
// process's byte stream (spec §4.D): lease_output revokes any current lease,
// awaits its handed-back stream, and wraps it for the new consumer.
package lease

import (
	"errors"
	"sync"
)

// ItemKind distinguishes the payloads a Leased lease can yield.
type ItemKind int

const (
	KindData ItemKind = iota
	KindError
	KindEOS
)

// Item is one value produced by a leased stream.
type Item struct {
	Kind ItemKind
	Data []byte
	Err  error
}

// State is the lease's position in the Leased -> {Revoked, Closed} state
// machine (spec §4.D). Both Revoked and Closed are terminal.
type State int

const (
	StateLeased State = iota
	StateRevoked
	StateClosed
)

// ErrOutputNotSet is returned when lease_output is called on an entry whose
// output slot was never populated; a concurrency/programming bug.
var ErrOutputNotSet = errors.New("lease: output not set")

// ErrCanceled is returned when the exchange's return channel is closed with
// no stream in it. pump hands the stream back before closing that channel
// even after the source ends, so an ended source does not produce it.
var ErrCanceled = errors.New("lease: canceled")

// exchange is the rendezvous a current lease uses to return its stream when
// revoked: a revoke signal (closed, never sent on) and a return-stream
// channel carrying exactly one value.
type exchange struct {
	revoke chan struct{}
	ret    chan (<-chan Item)
}

func newExchange() *exchange {
	return &exchange{
		revoke: make(chan struct{}),
		ret:    make(chan (<-chan Item), 1),
	}
}

// Slot is the output slot of a process I/O entry: at most one exchange is
// present, and it is absent exactly while a handover is in flight (spec
// §3's "I/O entry").
type Slot struct {
	mu sync.Mutex
	ex *exchange
}

// NewSlot creates an empty output slot.
func NewSlot() *Slot { return &Slot{} }

// Set installs the initial exchange backing the given source stream. Call
// once, before any lease_output, typically right after the process starts
// producing output.
func (s *Slot) Set(source <-chan Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ex := newExchange()
	ex.ret <- source
	s.ex = ex
}

// Lease is a single consumer's view of a process's output stream.
type Lease struct {
	mu     sync.Mutex
	state  State
	out    chan Item
	revoke chan struct{}
	slot   *Slot
}

// LeaseOutput performs the lease_output operation on slot: it removes the
// current exchange, signals its revoke channel, awaits the returned stream,
// wraps it in a take-until(new-revoke) forwarder, and installs a fresh
// exchange for the next lease. It blocks until the handover completes.
func (s *Slot) LeaseOutput() (*Lease, error) {
	s.mu.Lock()
	cur := s.ex
	s.ex = nil
	s.mu.Unlock()

	if cur == nil {
		return nil, ErrOutputNotSet
	}

	close(cur.revoke)

	source, ok := <-cur.ret
	if !ok {
		return nil, ErrCanceled
	}

	next := newExchange()
	out := make(chan Item)
	l := &Lease{state: StateLeased, out: out, revoke: next.revoke, slot: s}

	go l.pump(source, next.revoke, next)

	s.mu.Lock()
	s.ex = next
	s.mu.Unlock()

	return l, nil
}

// pump forwards items from source to out until either source ends (Closed)
// or revoke fires (Revoked), at which point it hands source back through
// next.ret for the following lease.
func (l *Lease) pump(source <-chan Item, revoke chan struct{}, next *exchange) {
	defer close(l.out)
	for {
		select {
		case <-revoke:
			next.ret <- source
			l.mu.Lock()
			l.state = StateRevoked
			l.mu.Unlock()
			return
		case item, ok := <-source:
			if !ok {
				l.mu.Lock()
				l.state = StateClosed
				l.mu.Unlock()
				next.ret <- source
				close(next.ret)
				return
			}
			select {
			case l.out <- item:
			case <-revoke:
				next.ret <- source
				l.mu.Lock()
				l.state = StateRevoked
				l.mu.Unlock()
				return
			}
			if item.Kind == KindEOS {
				l.mu.Lock()
				l.state = StateClosed
				l.mu.Unlock()
				next.ret <- source
				close(next.ret)
				return
			}
		}
	}
}

// Items returns the channel of items yielded while Leased. It closes when
// the lease transitions to Revoked or Closed.
func (l *Lease) Items() <-chan Item { return l.out }

// State returns the lease's current state.
func (l *Lease) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Drop releases the lease. It takes no action itself: while the lease is
// still Leased its pump keeps holding the underlying stream, and the next
// lease_output's revoke drives pump to hand the stream back through the
// slot's exchange, per the "drop while Leased" edge of the state diagram.
func (l *Lease) Drop() {
	l.mu.Lock()
	if l.state != StateLeased {
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()
	// No-op: the next LeaseOutput's revoke will drive pump to hand the
	// stream back. Nothing to do until then; Drop exists so callers can
	// express intent without guessing at revoke plumbing.
}
