package dispatch

import (
	"context"
	"errors"
	"testing"

	"meshgate/internal/wire"
)

type staticTable struct {
	channels map[wire.ClientName]Channel
}

func (t *staticTable) Get(name wire.ClientName) (Channel, bool) {
	ch, ok := t.channels[name]
	return ch, ok
}

func (t *staticTable) Clients() []wire.ClientName {
	names := make([]wire.ClientName, 0, len(t.channels))
	for n := range t.channels {
		names = append(names, n)
	}
	return names
}

func echoCallback() Callback[string, string] {
	return Callback[string, string]{
		Local: func(ctx context.Context, req string) (string, error) {
			return "local:" + req, nil
		},
		Remote: func(ctx context.Context, ch Channel, rest wire.ClientAddress, req string) (string, error) {
			name := ch.(string)
			inner := echoCallback()
			res, err := inner.Process(ctx, ch.(*staticTable), rest, req)
			return name + ">" + res, err
		},
	}
}

func TestLocalRoundTrip(t *testing.T) {
	cb := echoCallback()
	table := &staticTable{channels: map[wire.ClientName]Channel{}}
	res, err := cb.Process(context.Background(), table, nil, "hi")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != "local:hi" {
		t.Fatalf("got %q", res)
	}
}

func TestRemoteClientNotFound(t *testing.T) {
	cb := echoCallback()
	table := &staticTable{channels: map[wire.ClientName]Channel{}}
	_, err := cb.Process(context.Background(), table, wire.ClientAddress{"missing"}, "hi")
	if !IsNotFound(err) {
		t.Fatalf("expected not-found error, got %v", err)
	}
	var ce *CallbackError
	if !errors.As(err, &ce) || ce.Missing != "missing" {
		t.Fatalf("expected Missing=missing, got %+v", ce)
	}
}

func TestPathRewriting(t *testing.T) {
	// address = [c, b, a] means leaf-to-root forward to a, then b, then c.
	leafTable := &staticTable{channels: map[wire.ClientName]Channel{}}
	midTable := &staticTable{channels: map[wire.ClientName]Channel{"a": leafTable}}
	topTable := &staticTable{channels: map[wire.ClientName]Channel{"b": midTable}}

	var cb Callback[string, string]
	cb = Callback[string, string]{
		Local: func(ctx context.Context, req string) (string, error) {
			return "leaf:" + req, nil
		},
		Remote: func(ctx context.Context, ch Channel, rest wire.ClientAddress, req string) (string, error) {
			inner, ok := ch.(*staticTable)
			if !ok {
				t.Fatalf("channel is not a table")
			}
			return cb.Process(ctx, inner, rest, req)
		},
	}

	res, err := cb.Process(context.Background(), topTable, wire.ClientAddress{"a", "b"}, "payload")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != "leaf:payload" {
		t.Fatalf("got %q", res)
	}
}
