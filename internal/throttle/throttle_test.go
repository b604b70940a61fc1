package throttle

import (
	"testing"
	"time"

	"meshgate/internal/lease"
	"meshgate/internal/wire"
)

func TestThrottleEngagesAtWindow(t *testing.T) {
	m := NewManager(200_000)
	id := wire.TerminalID("t1")

	in := make(chan lease.Item)
	out := m.Wrap(id, in)

	send := func(n int) {
		in <- lease.Item{Kind: lease.KindData, Data: make([]byte, n)}
		select {
		case <-out:
		case <-time.After(time.Second):
			t.Fatalf("timed out reading forwarded item of size %d", n)
		}
	}

	send(150_000)
	if m.Unacked(id) != 150_000 {
		t.Fatalf("expected 150000 unacked, got %d", m.Unacked(id))
	}

	// This item crosses the window threshold; it is still delivered, but
	// the stream pauses before delivering the next one.
	send(50_001)
	if m.Unacked(id) != 200_001 {
		t.Fatalf("expected 200001 unacked, got %d", m.Unacked(id))
	}

	done := make(chan struct{})
	go func() { send(1); close(done) }()

	select {
	case <-done:
		t.Fatalf("expected throttle to engage and block delivery")
	case <-time.After(50 * time.Millisecond):
	}

	m.Ack(id, 100_000)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("expected ack to release throttled send")
	}

	if got := m.Unacked(id); got != 100_002 {
		t.Fatalf("expected 100002 unacked after ack, got %d", got)
	}
}

func TestAckNeverNegative(t *testing.T) {
	m := NewManager(200_000)
	id := wire.TerminalID("t1")
	m.Ack(id, 500)
	if got := m.Unacked(id); got != 0 {
		t.Fatalf("expected unacked clamped to 0, got %d", got)
	}
}
