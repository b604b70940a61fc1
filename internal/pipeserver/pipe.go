// Package pipeserver implements the server-side pipe multiplexer and pipe
// registry (spec §4.I, §4.J): a long-lived server->browser byte stream that
// fans in many terminals' output as newline-delimited JSON chunks, with
// coalescing, idle timeout, and keepalive-boot teardown.
package pipeserver

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"meshgate/internal/lease"
	"meshgate/internal/wire"
)

var log = logrus.WithField("component", "pipeserver")

// Registration pairs a terminal id with the (already throttled) item
// channel its lease produces.
type Registration struct {
	TerminalID wire.TerminalID
	Items      <-chan lease.Item
}

// Pipe is one multiplexed server->browser stream, keyed by correlation id.
// Terminals are fanned in as they're registered; coalesced output is
// delivered on Frames(); the pipe tears itself down on idle timeout, missed
// keepalive boot, or explicit Close.
type Pipe struct {
	id   wire.CorrelationID
	reg  chan Registration
	out  chan wire.Chunk

	closed    chan struct{}
	closeOnce sync.Once

	armed    int32
	activity int32

	onTerminalEnd func(wire.TerminalID)

	pipeTTL       time.Duration
	keepaliveBoot time.Duration
}

func newPipe(id wire.CorrelationID, pipeTTL, keepaliveBoot time.Duration, onTerminalEnd func(wire.TerminalID)) *Pipe {
	p := &Pipe{
		id:            id,
		reg:           make(chan Registration),
		out:           make(chan wire.Chunk),
		closed:        make(chan struct{}),
		onTerminalEnd: onTerminalEnd,
		pipeTTL:       pipeTTL,
		keepaliveBoot: keepaliveBoot,
	}
	go p.run()
	return p
}

// Frames is the coalesced, newline-framed output. It closes when the pipe
// tears down for any reason.
func (p *Pipe) Frames() <-chan wire.Chunk { return p.out }

// Register starts fanning in a new terminal's output into this pipe. It is
// a no-op error if the pipe is already closed.
func (p *Pipe) Register(r Registration) error {
	select {
	case p.reg <- r:
		return nil
	case <-p.closed:
		return ErrClosed
	}
}

// Keepalive arms the pipe (first call) or rearms its idle accounting
// (subsequent calls).
func (p *Pipe) Keepalive() {
	atomic.StoreInt32(&p.armed, 1)
	atomic.StoreInt32(&p.activity, 1)
}

// Close tears the pipe down; idempotent (spec §5's "close_pipe is
// idempotent").
func (p *Pipe) Close() {
	p.closeOnce.Do(func() { close(p.closed) })
}

func (p *Pipe) run() {
	defer close(p.out)

	bootTimer := time.NewTimer(p.keepaliveBoot)
	idleTicker := time.NewTicker(p.pipeTTL)
	defer bootTimer.Stop()
	defer idleTicker.Stop()

	fanIn := make(chan wire.Chunk)
	var wg sync.WaitGroup
	defer wg.Wait()

	idleStrikes := 0

	for {
		select {
		case r := <-p.reg:
			wg.Add(1)
			go p.pump(r, fanIn, &wg)

		case <-bootTimer.C:
			if atomic.LoadInt32(&p.armed) == 0 {
				log.WithField("correlation_id", p.id).Debug("pipe torn down: keepalive boot expired")
				p.Close()
				return
			}

		case <-idleTicker.C:
			if atomic.SwapInt32(&p.activity, 0) == 0 {
				idleStrikes++
			} else {
				idleStrikes = 0
			}
			if idleStrikes >= 2 {
				log.WithField("correlation_id", p.id).Debug("pipe torn down: idle timeout")
				p.Close()
				return
			}

		case chunk := <-fanIn:
			atomic.StoreInt32(&p.activity, 1)
			select {
			case p.out <- chunk:
			case <-p.closed:
				return
			}

		case <-p.closed:
			return
		}
	}
}

// pump fans one terminal's items into out, coalescing up to 10 items per
// emitted chunk (ready_chunks(10)), emitting a final (nil-data) chunk on
// EOS/Error, and invoking onTerminalEnd as the "schedule an async close"
// side effect (spec §4.I step 3).
func (p *Pipe) pump(r Registration, out chan<- wire.Chunk, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		first, ok := <-r.Items
		if !ok || first.Kind != lease.KindData {
			p.emit(out, wire.Chunk{TerminalID: r.TerminalID, Data: nil})
			if p.onTerminalEnd != nil {
				p.onTerminalEnd(r.TerminalID)
			}
			return
		}

		batch := [][]byte{first.Data}
		more, terminal := drainReady(r.Items, 9)
		for _, it := range more {
			if it.Kind == lease.KindData {
				batch = append(batch, it.Data)
			} else {
				terminal = true
			}
		}

		var size int
		for _, b := range batch {
			size += len(b)
		}
		data := make([]byte, 0, size)
		for _, b := range batch {
			data = append(data, b...)
		}
		if len(data) > 0 {
			if !p.emit(out, wire.Chunk{TerminalID: r.TerminalID, Data: data}) {
				return
			}
		}

		if terminal {
			p.emit(out, wire.Chunk{TerminalID: r.TerminalID, Data: nil})
			if p.onTerminalEnd != nil {
				p.onTerminalEnd(r.TerminalID)
			}
			return
		}
	}
}

func (p *Pipe) emit(out chan<- wire.Chunk, c wire.Chunk) bool {
	select {
	case out <- c:
		return true
	case <-p.closed:
		return false
	}
}

// drainReady reads up to max additional items from ch without blocking.
// It stops early (reporting terminal=true) if it observes a non-Data item
// or the channel closes.
func drainReady(ch <-chan lease.Item, max int) (items []lease.Item, terminal bool) {
	for len(items) < max {
		select {
		case it, ok := <-ch:
			if !ok {
				return items, true
			}
			items = append(items, it)
			if it.Kind != lease.KindData {
				return items, true
			}
		default:
			return items, false
		}
	}
	return items, false
}
