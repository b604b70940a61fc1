// Package tailbuf provides a bounded ring buffer that serves late subscribers
// a suffix-only view of a byte stream, discarding the oldest item first.
package tailbuf

import "sync"

// Item is one element pushed into the buffer: either a data chunk or the
// terminal end-of-stream marker (Data == nil, Ended == true).
type Item struct {
	Data  []byte
	Ended bool
}

// Buffer is a fixed-capacity ring buffer of Item, guarded by a mutex and
// condition variable. A dedicated producer calls Push (and, once, End);
// any number of consumers call Take to drain in FIFO order. When full,
// Push discards the oldest buffered item before appending the new one.
type Buffer struct {
	mu       sync.Mutex
	cond     *sync.Cond
	cap      int
	items    []Item
	ended    bool
	draining bool
}

// New creates a Buffer holding at most capacity items. capacity must be >= 1.
func New(capacity int) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	b := &Buffer{cap: capacity, items: make([]Item, 0, capacity)}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Push appends a data chunk, discarding the oldest buffered item if full.
// Push after End is a no-op.
func (b *Buffer) Push(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ended {
		return
	}
	b.append(Item{Data: data})
	b.cond.Broadcast()
}

// End marks the stream finished; the terminal marker occupies one slot like
// any other item. Subsequent Push calls are ignored.
func (b *Buffer) End() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ended {
		return
	}
	b.append(Item{Ended: true})
	b.ended = true
	b.cond.Broadcast()
}

func (b *Buffer) append(it Item) {
	if len(b.items) == b.cap {
		b.items = append(b.items[1:], it)
		return
	}
	b.items = append(b.items, it)
}

// Take blocks until at least one item is available and removes it. The
// second return value is false once the buffer is drained and the stream
// has ended.
func (b *Buffer) Take() (Item, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.items) == 0 {
		if b.ended {
			return Item{}, false
		}
		b.cond.Wait()
	}
	it := b.items[0]
	b.items = b.items[1:]
	return it, true
}

// TryTake removes and returns the oldest buffered item without blocking,
// reporting ok=false if nothing is currently buffered (whether or not the
// stream has ended). Used by a late subscriber that wants whatever suffix
// is already captured rather than waiting on more of it to arrive.
func (b *Buffer) TryTake() (Item, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) == 0 {
		return Item{}, false
	}
	it := b.items[0]
	b.items = b.items[1:]
	return it, true
}

// Drain synchronously collects up to n items (stopping early at end of
// stream), used by tests and by callers that want a slice instead of a
// blocking channel-like interface.
func (b *Buffer) Drain(n int) []Item {
	out := make([]Item, 0, n)
	for i := 0; i < n; i++ {
		it, ok := b.Take()
		if !ok {
			break
		}
		out = append(out, it)
		if it.Ended {
			break
		}
	}
	return out
}
