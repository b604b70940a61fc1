package registry

import (
	"errors"
	"testing"

	"meshgate/internal/lease"
	"meshgate/internal/wire"
)

type fakeWriter struct{ written [][]byte }

func (f *fakeWriter) Write(p []byte) (int, error) {
	f.written = append(f.written, append([]byte(nil), p...))
	return len(p), nil
}

type fakeResizer struct{ calls int }

func (f *fakeResizer) Resize(rows, cols uint16) error {
	f.calls++
	return nil
}

func TestNewIDMonotonic(t *testing.T) {
	r := New()
	first := r.NewID()
	if first != "0" {
		t.Fatalf("expected fresh node to allocate id 0, got %q", first)
	}
	second := r.NewID()
	if second != "1" {
		t.Fatalf("expected next id 1, got %q", second)
	}
}

func TestCloseIdempotentAtTheEdge(t *testing.T) {
	r := New()
	id := r.NewID()
	def := wire.TerminalDef{Address: wire.TerminalAddress{ID: id}}
	io := NewIOEntry(&fakeWriter{}, &fakeResizer{}, lease.NewSlot(), nil)
	r.Insert(def, io)

	if err := r.Close(id); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := r.Close(id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second close, got %v", err)
	}
}

func TestResizeNoOpUnlessForced(t *testing.T) {
	r := New()
	id := r.NewID()
	def := wire.TerminalDef{Address: wire.TerminalAddress{ID: id}}
	rz := &fakeResizer{}
	io := NewIOEntry(&fakeWriter{}, rz, lease.NewSlot(), nil)
	r.Insert(def, io)

	if err := r.Resize(id, 24, 80, false); err != nil {
		t.Fatalf("resize: %v", err)
	}
	if rz.calls != 1 {
		t.Fatalf("expected first resize to issue ioctl, got %d calls", rz.calls)
	}

	if err := r.Resize(id, 24, 80, false); err != nil {
		t.Fatalf("resize: %v", err)
	}
	if rz.calls != 1 {
		t.Fatalf("expected identical resize to be a no-op, got %d calls", rz.calls)
	}

	if err := r.Resize(id, 24, 80, true); err != nil {
		t.Fatalf("resize: %v", err)
	}
	if rz.calls != 2 {
		t.Fatalf("expected forced resize to reissue ioctl, got %d calls", rz.calls)
	}
}

func TestWriteUnknownTerminal(t *testing.T) {
	r := New()
	if err := r.Write("missing", []byte("x")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
