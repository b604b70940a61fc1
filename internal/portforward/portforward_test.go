package portforward

import (
	"context"
	"io"
	"net"
	"testing"
	"time"
)

func TestBindAcceptsAndForwards(t *testing.T) {
	m := New()
	accepted := make(chan net.Conn, 1)

	id, err := m.Bind("127.0.0.1", 0, func(conn net.Conn) {
		accepted <- conn
	})
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	defer m.Unbind(id)

	// Port 0 means "any free port": re-discover the real bound endpoint by
	// dialing via the listener's actual address instead of id.
	m.mu.Lock()
	ln := m.listeners[id]
	m.mu.Unlock()
	addr := ln.Addr().(*net.TCPAddr)

	conn, err := net.DialTimeout("tcp", addr.String(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	select {
	case got := <-accepted:
		defer got.Close()
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for accepted connection")
	}
}

func TestBindDuplicateEndpoint(t *testing.T) {
	m := New()
	id, err := m.Bind("127.0.0.1", 0, func(net.Conn) {})
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	defer m.Unbind(id)

	if _, err := m.Bind(id.Host, id.Port, func(net.Conn) {}); err != ErrEndpointInUse {
		t.Fatalf("expected ErrEndpointInUse, got %v", err)
	}
}

func TestDialRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn)
	}()

	addr := ln.Addr().(*net.TCPAddr)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	conn, err := Dial(ctx, addr.IP.String(), uint16(addr.Port))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 4)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "ping" {
		t.Fatalf("got %q", buf)
	}
}
