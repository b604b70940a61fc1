package pipeclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"meshgate/internal/wire"
)

type recordingSink struct {
	mu     sync.Mutex
	chunks [][]byte
	closed bool
}

func (s *recordingSink) Data(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, append([]byte(nil), p...))
}

func (s *recordingSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func TestOpenDispatchesChunksAndEOS(t *testing.T) {
	var ackRequests int32
	var mu sync.Mutex

	mux := http.NewServeMux()
	mux.HandleFunc("/api/stream/pipe", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(headerKeepaliveTTL, "1")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "\n")
		enc := json.NewEncoder(w)
		enc.Encode(wire.Chunk{TerminalID: "t1", Data: []byte("hello")})
		flusher.Flush()
		enc.Encode(wire.Chunk{TerminalID: "t1", Data: nil})
		flusher.Flush()
	})
	mux.HandleFunc("/api/terminal/ack", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		ackRequests++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/stream/pipe/keepalive", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(srv.URL, srv.Client())
	sink := &recordingSink{}
	c.RegisterSink("t1", sink)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// The body ends normally after the EOS frame, so Open keeps retrying
	// until ctx's deadline fires; that's expected against this
	// single-shot test server.
	_ = c.Open(ctx)

	deadline := time.After(time.Second)
	for {
		sink.mu.Lock()
		closed := sink.closed
		got := len(sink.chunks)
		sink.mu.Unlock()
		if closed && got == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for dispatch: closed=%v chunks=%d", closed, got)
		case <-time.After(10 * time.Millisecond):
		}
	}

	if string(sink.chunks[0]) != "hello" {
		t.Fatalf("unexpected chunk: %q", sink.chunks[0])
	}
}

func TestPermanentErrorOnUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(srv.URL, srv.Client())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := c.Open(ctx)
	var perm *PermanentError
	if err == nil {
		t.Fatalf("expected an error")
	}
	if !asPermanent(err, &perm) {
		t.Fatalf("expected PermanentError, got %v", err)
	}
}

func asPermanent(err error, target **PermanentError) bool {
	if pe, ok := err.(*PermanentError); ok {
		*target = pe
		return true
	}
	return false
}
