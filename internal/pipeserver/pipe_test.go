package pipeserver

import (
	"testing"
	"time"

	"meshgate/internal/lease"
	"meshgate/internal/wire"
)

func TestRegisterEmitsFrameForTerminal(t *testing.T) {
	ended := make(chan wire.TerminalID, 1)
	reg := New(50*time.Millisecond, time.Second, func(id wire.TerminalID) { ended <- id })
	p := reg.Open("corr-1")
	p.Keepalive()

	items := make(chan lease.Item, 1)
	if err := p.Register(Registration{TerminalID: "t1", Items: items}); err != nil {
		t.Fatalf("register: %v", err)
	}

	items <- lease.Item{Kind: lease.KindData, Data: []byte("hello")}

	select {
	case chunk := <-p.Frames():
		if chunk.TerminalID != "t1" || string(chunk.Data) != "hello" {
			t.Fatalf("unexpected chunk: %+v", chunk)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for frame")
	}

	close(items)

	select {
	case chunk := <-p.Frames():
		if chunk.Data != nil {
			t.Fatalf("expected terminal end-of-stream chunk, got %+v", chunk)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for end-of-stream frame")
	}

	select {
	case id := <-ended:
		if id != "t1" {
			t.Fatalf("unexpected terminal id %q", id)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected onTerminalEnd to fire")
	}
}

func TestPipeTornDownOnMissedKeepaliveBoot(t *testing.T) {
	reg := New(time.Hour, 20*time.Millisecond, nil)
	p := reg.Open("corr-2")

	select {
	case _, ok := <-p.Frames():
		if ok {
			t.Fatalf("expected frames channel to close without any data")
		}
	case <-time.After(time.Second):
		t.Fatalf("expected pipe to tear down after missed keepalive boot")
	}
}

func TestPipeIdleTimeout(t *testing.T) {
	reg := New(10*time.Millisecond, time.Hour, nil)
	p := reg.Open("corr-3")
	p.Keepalive()

	select {
	case _, ok := <-p.Frames():
		if ok {
			t.Fatalf("expected frames channel to close on idle timeout")
		}
	case <-time.After(time.Second):
		t.Fatalf("expected pipe to tear down after idle timeout")
	}
}

func TestOpenEvictsOlderPipe(t *testing.T) {
	reg := New(time.Hour, time.Hour, nil)
	first := reg.Open("corr-4")
	second := reg.Open("corr-4")

	select {
	case <-first.Frames():
	case <-time.After(time.Second):
		t.Fatalf("expected first pipe to close once evicted")
	}

	if got, ok := reg.Get("corr-4"); !ok || got != second {
		t.Fatalf("expected registry to retain the newer pipe")
	}
}
