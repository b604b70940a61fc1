// Package portforward implements the bind/dial halves of port forwarding,
// supplementing spec §6.2's bind/download methods, grounded on
// original_source/terminal/src/backend/client_service/port_forward_service/bind.rs.
// Bind opens one net.Listener per requested host:port and hands accepted
// connections to a callback (wired through the upload pairing table,
// package upload, for the data-plane rendezvous); Dial connects out to a
// forwarded target.
package portforward

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
)

// ErrEndpointInUse is returned by Bind when the requested host:port is
// already bound by this node.
var ErrEndpointInUse = errors.New("portforward: endpoint in use")

// ErrBind wraps a listener setup failure.
var ErrBind = errors.New("portforward: bind failed")

// ErrHostname wraps a hostname resolution failure.
var ErrHostname = errors.New("portforward: hostname resolution failed")

// EndpointID identifies one bound host:port pair.
type EndpointID struct {
	Host string
	Port uint16
}

func (e EndpointID) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port)))
}

// Manager tracks this node's active listeners.
type Manager struct {
	mu        sync.Mutex
	listeners map[EndpointID]net.Listener
}

// New creates an empty Manager.
func New() *Manager {
	return &Manager{listeners: make(map[EndpointID]net.Listener)}
}

// Bind opens a TCP listener for host:port and, for every accepted
// connection, invokes onAccept in its own goroutine. It fails with
// ErrEndpointInUse if this node already has a listener for the same
// endpoint, or a wrapped ErrBind/ErrHostname on setup failure.
func (m *Manager) Bind(host string, port uint16, onAccept func(net.Conn)) (EndpointID, error) {
	// port == 0 asks the OS for any free port, so the collision check is
	// meaningless until the real port is known; an explicit port is
	// checked up front so two requests for the same endpoint fail fast.
	if port != 0 {
		requested := EndpointID{Host: host, Port: port}
		m.mu.Lock()
		_, exists := m.listeners[requested]
		m.mu.Unlock()
		if exists {
			return EndpointID{}, ErrEndpointInUse
		}
	}

	if _, err := net.LookupHost(host); err != nil && host != "" && host != "0.0.0.0" && host != "localhost" {
		return EndpointID{}, fmt.Errorf("%w: %v", ErrHostname, err)
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(int(port))))
	if err != nil {
		return EndpointID{}, fmt.Errorf("%w: %v", ErrBind, err)
	}

	actualPort := uint16(ln.Addr().(*net.TCPAddr).Port)
	id := EndpointID{Host: host, Port: actualPort}

	m.mu.Lock()
	if _, exists := m.listeners[id]; exists {
		m.mu.Unlock()
		_ = ln.Close()
		return EndpointID{}, ErrEndpointInUse
	}
	m.listeners[id] = ln
	m.mu.Unlock()

	go m.acceptLoop(id, ln, onAccept)

	return id, nil
}

func (m *Manager) acceptLoop(id EndpointID, ln net.Listener, onAccept func(net.Conn)) {
	defer m.Unbind(id)
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go onAccept(conn)
	}
}

// Unbind closes and removes the listener for id, if any.
func (m *Manager) Unbind(id EndpointID) {
	m.mu.Lock()
	ln, ok := m.listeners[id]
	delete(m.listeners, id)
	m.mu.Unlock()
	if ok {
		_ = ln.Close()
	}
}

// Dial connects out to host:port on behalf of a forwarded download request.
func Dial(ctx context.Context, host string, port uint16) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(int(port))))
	if err != nil {
		return nil, fmt.Errorf("portforward: dial %s:%d: %w", host, port, err)
	}
	return conn, nil
}
