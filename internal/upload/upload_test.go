package upload

import (
	"io"
	"strings"
	"testing"
	"time"
)

type nopCloser struct{ io.Reader }

func (nopCloser) Close() error { return nil }

func TestAddUseRoundTrip(t *testing.T) {
	table := New(3, time.Second)
	stream := nopCloser{strings.NewReader("payload")}

	if err := table.Add("corr-1", stream); err != nil {
		t.Fatalf("add: %v", err)
	}

	got, err := table.Use("corr-1")
	if err != nil {
		t.Fatalf("use: %v", err)
	}
	data, _ := io.ReadAll(got)
	if string(data) != "payload" {
		t.Fatalf("got %q", data)
	}

	if _, err := table.Use("corr-1"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound on second use, got %v", err)
	}
}

func TestMaxPendingChannelsExceeded(t *testing.T) {
	table := New(1, time.Second)
	if err := table.Add("a", nopCloser{strings.NewReader("")}); err != nil {
		t.Fatalf("add a: %v", err)
	}
	if err := table.Add("b", nopCloser{strings.NewReader("")}); err != ErrMaxPendingChannelsExceeded {
		t.Fatalf("expected ErrMaxPendingChannelsExceeded, got %v", err)
	}
}

func TestEntryEvictedAfterTTL(t *testing.T) {
	table := New(3, 20*time.Millisecond)
	if err := table.Add("stale", nopCloser{strings.NewReader("")}); err != nil {
		t.Fatalf("add: %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	if table.Len() != 0 {
		t.Fatalf("expected entry to be evicted after ttl, len=%d", table.Len())
	}
	if _, err := table.Use("stale"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after eviction, got %v", err)
	}
}
