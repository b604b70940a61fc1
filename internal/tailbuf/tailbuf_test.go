package tailbuf

import (
	"strconv"
	"testing"
)

func TestScrollbackSuffix(t *testing.T) {
	buf := New(5)
	for i := 1; i < 1000; i++ {
		buf.Push([]byte(strconv.Itoa(i)))
	}
	buf.End()

	items := buf.Drain(10)

	var got []string
	for _, it := range items {
		if it.Ended {
			break
		}
		got = append(got, string(it.Data))
	}

	want := []string{"996", "997", "998", "999"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
	if items[len(items)-1].Ended != true && len(items) == 10 {
		t.Fatalf("expected stream to terminate before 10 items, got %d", len(items))
	}
}

func TestPushAfterEndIgnored(t *testing.T) {
	buf := New(2)
	buf.Push([]byte("a"))
	buf.End()
	buf.Push([]byte("b"))

	it, ok := buf.Take()
	if !ok || string(it.Data) != "a" {
		t.Fatalf("expected first item %q, got %+v ok=%v", "a", it, ok)
	}
	it, ok = buf.Take()
	if !ok || !it.Ended {
		t.Fatalf("expected ended marker, got %+v ok=%v", it, ok)
	}
	_, ok = buf.Take()
	if ok {
		t.Fatalf("expected drained buffer to report end of stream")
	}
}

func TestDiscardsOldestWhenFull(t *testing.T) {
	buf := New(3)
	for i := 0; i < 5; i++ {
		buf.Push([]byte{byte('a' + i)})
	}
	buf.End()

	items := buf.Drain(4)
	if len(items) != 3 {
		t.Fatalf("expected 3 items (2 data + end), got %d", len(items))
	}
	if string(items[0].Data) != "d" || string(items[1].Data) != "e" {
		t.Fatalf("unexpected retained items: %+v", items)
	}
	if !items[2].Ended {
		t.Fatalf("expected final item to be the end marker")
	}
}
