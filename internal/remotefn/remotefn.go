// Package remotefn implements the call_server_fn bridge (spec §6.2),
// supplementing a feature the distilled spec.md table names but does not
// specify, following
// original_source/terminal/src/backend/client_service/remote_fn.rs: a
// process-wide, append-only registry of named remote functions populated
// before the server starts accepting traffic (spec §9's "ambient
// registries" guidance) and routed through the Dispatcher (package
// dispatch) like any other operation.
package remotefn

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Handler implements one named remote function over an opaque payload.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// Sentinel error kinds, matching remote_fn.rs's RemoteFnError variants
// (spec §7's "Remote function" error kinds).
var (
	ErrRemoteFnsNotSet     = errors.New("remotefn: registry not set")
	ErrRemoteFnNotFound    = errors.New("remotefn: function not found")
	ErrSerializeRequest    = errors.New("remotefn: serialize request")
	ErrDeserializeRequest  = errors.New("remotefn: deserialize request")
	ErrSerializeResponse   = errors.New("remotefn: serialize response")
	ErrDeserializeResponse = errors.New("remotefn: deserialize response")
)

// Registry is the append-only table of named remote functions. Register
// before the server starts accepting traffic; Seal then forbids further
// registration, matching spec §9's "do not allow mutation after startup."
type Registry struct {
	mu     sync.RWMutex
	fns    map[string]Handler
	sealed bool
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{fns: make(map[string]Handler)}
}

// Register adds a named handler. It panics if called after Seal, since that
// would violate the "populated once at startup" invariant.
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		panic("remotefn: Register called after Seal")
	}
	r.fns[name] = h
}

// Seal forbids further registration.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Call invokes the named handler, or fails with ErrRemoteFnsNotSet if the
// registry has never been sealed (a caller trying to use it before startup
// completes) or ErrRemoteFnNotFound if name is unregistered.
func (r *Registry) Call(ctx context.Context, name string, payload []byte) ([]byte, error) {
	r.mu.RLock()
	sealed := r.sealed
	h, ok := r.fns[name]
	r.mu.RUnlock()
	if !sealed {
		return nil, ErrRemoteFnsNotSet
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRemoteFnNotFound, name)
	}
	return h(ctx, payload)
}
