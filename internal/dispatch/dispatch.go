// Package dispatch implements the generic distributed routing contract
// (spec §4.H): given a client-address path and a request, either run the
// local implementation or forward one hop via the peer table and recurse.
//
// Each RPC method is expressed as one Callback[Req, Res] value built from a
// Local and a Remote function, rather than through runtime reflection or a
// central registry (spec §9's "dynamic dispatch over heterogeneous RPC
// methods"). Go generics stand in for the Rust trait object.
package dispatch

import (
	"context"
	"fmt"

	"meshgate/internal/wire"
)

// Channel is the framed, authenticated, bidirectional transport the peer
// table hands back for a given client name (spec §4.G). Its concrete shape
// lives in package peers; dispatch only needs to pass it through to Remote.
type Channel interface{}

// PeerTable supplies the channel to the next hop.
type PeerTable interface {
	Get(name wire.ClientName) (Channel, bool)
	Clients() []wire.ClientName
}

// ErrorKind distinguishes the three ways Process can fail.
type ErrorKind int

const (
	KindLocalError ErrorKind = iota
	KindRemoteError
	KindRemoteClientNotFound
)

// CallbackError unifies the three failure modes of Process (spec §4.H).
type CallbackError struct {
	Kind    ErrorKind
	Local   error
	Remote  error
	Missing wire.ClientName
}

func (e *CallbackError) Error() string {
	switch e.Kind {
	case KindLocalError:
		return fmt.Sprintf("dispatch: local: %v", e.Local)
	case KindRemoteError:
		return fmt.Sprintf("dispatch: remote: %v", e.Remote)
	case KindRemoteClientNotFound:
		return fmt.Sprintf("dispatch: remote client not found: %s", e.Missing)
	default:
		return "dispatch: unknown error"
	}
}

func (e *CallbackError) Unwrap() error {
	switch e.Kind {
	case KindLocalError:
		return e.Local
	case KindRemoteError:
		return e.Remote
	default:
		return nil
	}
}

// IsNotFound reports whether err is a RemoteClientNotFound failure, which
// maps to HTTP 404 (spec §7). It does not look inside a Local or Remote
// cause.
func IsNotFound(err error) bool {
	ce, ok := err.(*CallbackError)
	return ok && ce.Kind == KindRemoteClientNotFound
}

// Callback is one distributed RPC method: Local executes the request on
// this node, Remote forwards it across an already-resolved hop carrying the
// remaining path.
type Callback[Req any, Res any] struct {
	Local  func(ctx context.Context, req Req) (Res, error)
	Remote func(ctx context.Context, ch Channel, rest wire.ClientAddress, req Req) (Res, error)
}

// Process implements spec §4.H's routing: if address is empty, invoke
// Local; otherwise split off the leaf hop, look it up in table, and invoke
// Remote with the remaining path. Local never sees path contents; Remote
// always receives rest, not address, so the next hop recurses correctly
// (spec §4.H's "rewriting of the embedded address", P7).
func (c Callback[Req, Res]) Process(ctx context.Context, table PeerTable, address wire.ClientAddress, req Req) (Res, error) {
	var zero Res
	leaf, rest, ok := address.Leaf()
	if !ok {
		res, err := c.Local(ctx, req)
		if err != nil {
			return res, &CallbackError{Kind: KindLocalError, Local: err}
		}
		return res, nil
	}
	ch, found := table.Get(leaf)
	if !found {
		return zero, &CallbackError{Kind: KindRemoteClientNotFound, Missing: leaf}
	}
	res, err := c.Remote(ctx, ch, rest, req)
	if err != nil {
		return zero, &CallbackError{Kind: KindRemoteError, Remote: err}
	}
	return res, nil
}
