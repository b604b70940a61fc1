// Package apiserver implements the browser-facing HTTP API (spec §6.1) and
// wires every mutating/querying endpoint through the generic dispatcher
// (package dispatch), following the teacher's cmd/xchainserver/server
// router/middleware shape (gorilla/mux, a RequestLogger and JSONHeaders
// middleware pair).
package apiserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"meshgate/internal/dispatch"
	"meshgate/internal/lease"
	"meshgate/internal/meshauth"
	"meshgate/internal/peers"
	"meshgate/internal/pipeserver"
	"meshgate/internal/portforward"
	"meshgate/internal/process"
	"meshgate/internal/ptydevice"
	"meshgate/internal/registry"
	"meshgate/internal/remotefn"
	"meshgate/internal/streamconst"
	"meshgate/internal/tailbuf"
	"meshgate/internal/throttle"
	"meshgate/internal/upload"
	"meshgate/internal/wire"
	"meshgate/pkg/meshutil"
)

var log = logrus.WithField("component", "apiserver")

// tailBufferCapacity bounds the replay window kept per terminal for a
// Reopen to draw on (supplementing component C, the ring-buffered tail
// stream, which spec.md's distillation names in the module layout but
// never wires to an operation).
const tailBufferCapacity = 64

// Empty is the JSON response body of operations with no payload.
type Empty struct{}

// Server holds the process-wide state the HTTP handlers route through.
type Server struct {
	Registry    *registry.Registry
	Peers       *peers.Table
	Pipes       *pipeserver.Registry
	Throttle    *throttle.Manager
	Auth        meshauth.Validator
	RemoteFns   *remotefn.Registry
	PortForward *portforward.Manager
	Uploads     *upload.Table
	Shell       string
	ShellArgs   []string

	keepaliveTTL time.Duration
}

var meshUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// New builds a Server over freshly created registry/pipe state, wiring the
// pipe registry's onTerminalEnd side effect back to Close (spec §4.I step
// 3's "schedule an asynchronous close request").
func New(auth meshauth.Validator, profile streamconst.Durations) *Server {
	s := &Server{
		Registry:    registry.New(),
		Peers:       peers.New(),
		Throttle:    throttle.NewManager(streamconst.StreamingWindowSize),
		Auth:        auth,
		RemoteFns:   remotefn.New(),
		PortForward: portforward.New(),
		Uploads:     upload.New(profile.MaxPendingChannels, profile.PendingChannelTimeout),
		Shell:       "/bin/sh",

		keepaliveTTL: profile.KeepaliveTTL,
	}
	s.Pipes = pipeserver.New(profile.PipeTTL, streamconst.KeepaliveBoot, s.closeTerminal)
	// Nothing registers a remote function in this build, so the registry
	// seals immediately: Call always returns ErrRemoteFnNotFound rather
	// than the "not set up yet" ErrRemoteFnsNotSet. A deployment that adds
	// functions would call Register between New and Seal instead.
	s.RemoteFns.Seal()
	return s
}

func (s *Server) closeTerminal(id wire.TerminalID) {
	if err := s.Registry.Close(id); err != nil {
		log.WithField("terminal_id", id).WithError(err).Debug("close after pipe teardown")
	}
	s.Throttle.Forget(id)
}

// Router builds the gorilla/mux router for every spec §6.1 endpoint, in the
// same middleware-then-routes shape as the teacher's NewRouter. Mesh (§6.2)
// endpoints sit on their own subrouter without the bearer/cookie middleware:
// per spec §6.4 their authentication is an external collaborator (mTLS/mesh
// handshake), not the browser's Authorization header.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(RequestLogger)

	api := r.NewRoute().Subrouter()
	api.Use(s.Authenticate)

	api.HandleFunc("/api/stream/pipe", s.handlePipeOpen).Methods(http.MethodPost)
	api.HandleFunc("/api/stream/pipe/keepalive", s.handlePipeKeepalive).Methods(http.MethodPost)
	api.HandleFunc("/api/stream/pipe/close", s.handlePipeClose).Methods(http.MethodPost)
	api.HandleFunc("/api/stream/register", s.handleRegister).Methods(http.MethodPost)

	api.HandleFunc("/api/terminal/new_id", s.handleNewID).Methods(http.MethodPost)
	api.HandleFunc("/api/terminal/write", s.handleWrite).Methods(http.MethodPost)
	api.HandleFunc("/api/terminal/resize", s.handleResize).Methods(http.MethodPost)
	api.HandleFunc("/api/terminal/set_title", s.handleSetTitle).Methods(http.MethodPost)
	api.HandleFunc("/api/terminal/set_order", s.handleSetOrder).Methods(http.MethodPost)
	api.HandleFunc("/api/terminal/ack", s.handleAck).Methods(http.MethodPost)
	api.HandleFunc("/api/terminal/close", s.handleClose).Methods(http.MethodPost)
	api.HandleFunc("/api/terminal/list", s.handleList).Methods(http.MethodGet)
	api.HandleFunc("/api/terminal/list_remotes", s.handleListRemotes).Methods(http.MethodGet)
	api.HandleFunc("/api/terminal/call_server_fn", s.handleCallServerFn).Methods(http.MethodPost)
	api.HandleFunc("/api/portforward/bind", s.handlePortForwardBind).Methods(http.MethodPost)
	api.HandleFunc("/api/portforward/download", s.handlePortForwardDownload).Methods(http.MethodPost)

	r.HandleFunc("/api/mesh/connect", s.handleMeshConnect)

	return r
}

// RequestLogger writes basic request info using structured logging,
// matching the teacher's middleware of the same name.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
		}).Info("incoming request")
		next.ServeHTTP(w, r)
	})
}

// Authenticate enforces spec §6.1's bearer/cookie credential check,
// returning 401 plain text on failure (spec §7).
func (s *Server) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Auth == nil {
			next.ServeHTTP(w, r)
			return
		}
		if _, err := s.Auth.Validate(r); err != nil {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprintf(w, "unauthorized: %v", err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDispatchError(w http.ResponseWriter, err error) {
	// dispatch.IsNotFound catches RemoteClientNotFound; errors.Is unwraps a
	// CallbackError's Local cause to catch registry.ErrNotFound raised on
	// this node (spec §7: "NotFound -> 404"). A not-found raised on a peer
	// arrives over the mesh channel as a plain error message, is not
	// matched, and maps to 500.
	if dispatch.IsNotFound(err) || errors.Is(err, registry.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}

func decodeJSON[T any](r *http.Request) (T, error) {
	var v T
	err := json.NewDecoder(r.Body).Decode(&v)
	return v, err
}

// --- new_id ---

func (s *Server) newIDCallback() dispatch.Callback[wire.NewIDRequest, wire.NewIDResponse] {
	return dispatch.Callback[wire.NewIDRequest, wire.NewIDResponse]{
		Local: func(ctx context.Context, req wire.NewIDRequest) (wire.NewIDResponse, error) {
			return wire.NewIDResponse{Next: s.Registry.NewID()}, nil
		},
		Remote: remoteCall[wire.NewIDRequest, wire.NewIDResponse]("new_id", func(req *wire.NewIDRequest, via wire.ClientAddress) {
			req.Via = via
		}),
	}
}

func (s *Server) handleNewID(w http.ResponseWriter, r *http.Request) {
	req, err := decodeJSON[wire.NewIDRequest](r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	res, err := s.newIDCallback().Process(r.Context(), s.Peers, req.Via, req)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- write ---

func (s *Server) writeCallback() dispatch.Callback[wire.WriteRequest, Empty] {
	return dispatch.Callback[wire.WriteRequest, Empty]{
		Local: func(ctx context.Context, req wire.WriteRequest) (Empty, error) {
			return Empty{}, s.Registry.Write(req.Terminal.ID, req.Data)
		},
		Remote: remoteCall[wire.WriteRequest, Empty]("write", func(req *wire.WriteRequest, via wire.ClientAddress) {
			req.Terminal.Via = via
		}),
	}
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	req, err := decodeJSON[wire.WriteRequest](r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	_, err = s.writeCallback().Process(r.Context(), s.Peers, req.Terminal.Via, req)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Empty{})
}

// --- resize ---

func (s *Server) resizeCallback() dispatch.Callback[wire.ResizeRequest, Empty] {
	return dispatch.Callback[wire.ResizeRequest, Empty]{
		Local: func(ctx context.Context, req wire.ResizeRequest) (Empty, error) {
			return Empty{}, s.Registry.Resize(req.Terminal.ID, req.Rows, req.Cols, req.Force)
		},
		Remote: remoteCall[wire.ResizeRequest, Empty]("resize", func(req *wire.ResizeRequest, via wire.ClientAddress) {
			req.Terminal.Via = via
		}),
	}
}

func (s *Server) handleResize(w http.ResponseWriter, r *http.Request) {
	req, err := decodeJSON[wire.ResizeRequest](r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	_, err = s.resizeCallback().Process(r.Context(), s.Peers, req.Terminal.Via, req)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Empty{})
}

// --- set_title / set_order ---

func (s *Server) setTitleCallback() dispatch.Callback[wire.SetTitleRequest, Empty] {
	return dispatch.Callback[wire.SetTitleRequest, Empty]{
		Local: func(ctx context.Context, req wire.SetTitleRequest) (Empty, error) {
			return Empty{}, s.Registry.SetTitle(req.Terminal.ID, req.Title)
		},
		Remote: remoteCall[wire.SetTitleRequest, Empty]("set_title", func(req *wire.SetTitleRequest, via wire.ClientAddress) {
			req.Terminal.Via = via
		}),
	}
}

func (s *Server) handleSetTitle(w http.ResponseWriter, r *http.Request) {
	req, err := decodeJSON[wire.SetTitleRequest](r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	_, err = s.setTitleCallback().Process(r.Context(), s.Peers, req.Terminal.Via, req)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Empty{})
}

func (s *Server) setOrderCallback() dispatch.Callback[wire.SetOrderRequest, Empty] {
	return dispatch.Callback[wire.SetOrderRequest, Empty]{
		Local: func(ctx context.Context, req wire.SetOrderRequest) (Empty, error) {
			return Empty{}, s.Registry.SetOrder(req.Terminal.ID, req.Order)
		},
		Remote: remoteCall[wire.SetOrderRequest, Empty]("set_order", func(req *wire.SetOrderRequest, via wire.ClientAddress) {
			req.Terminal.Via = via
		}),
	}
}

func (s *Server) handleSetOrder(w http.ResponseWriter, r *http.Request) {
	req, err := decodeJSON[wire.SetOrderRequest](r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	_, err = s.setOrderCallback().Process(r.Context(), s.Peers, req.Terminal.Via, req)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Empty{})
}

// --- ack ---

func (s *Server) ackCallback() dispatch.Callback[wire.AckRequest, Empty] {
	return dispatch.Callback[wire.AckRequest, Empty]{
		Local: func(ctx context.Context, req wire.AckRequest) (Empty, error) {
			s.Throttle.Ack(req.Terminal.ID, req.Bytes)
			return Empty{}, nil
		},
		Remote: remoteCall[wire.AckRequest, Empty]("ack", func(req *wire.AckRequest, via wire.ClientAddress) {
			req.Terminal.Via = via
		}),
	}
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	req, err := decodeJSON[wire.AckRequest](r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	_, err = s.ackCallback().Process(r.Context(), s.Peers, req.Terminal.Via, req)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Empty{})
}

// --- close ---

func (s *Server) closeCallback() dispatch.Callback[wire.CloseRequest, Empty] {
	return dispatch.Callback[wire.CloseRequest, Empty]{
		Local: func(ctx context.Context, req wire.CloseRequest) (Empty, error) {
			err := s.Registry.Close(req.Terminal.ID)
			s.Throttle.Forget(req.Terminal.ID)
			return Empty{}, err
		},
		Remote: remoteCall[wire.CloseRequest, Empty]("close", func(req *wire.CloseRequest, via wire.ClientAddress) {
			req.Terminal.Via = via
		}),
	}
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	req, err := decodeJSON[wire.CloseRequest](r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	_, err = s.closeCallback().Process(r.Context(), s.Peers, req.Terminal.Via, req)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Empty{})
}

// --- list: returns this node's own terminals only; peers are not asked
// and no request body is read. ---

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, wire.ListResponse{Terminals: s.Registry.List()})
}

// --- list_remotes (non-dispatcher fan-out, spec §4.H) ---

func (s *Server) handleListRemotes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.listRemotesLocal(r.Context(), nil))
}

// listRemotesLocal iterates this node's known peers, skipping any already
// in visited, asks each of them in turn, and merges the results keeping
// the shortest known path to each remote name on a tie (spec §4.H).
func (s *Server) listRemotesLocal(ctx context.Context, visited []wire.ClientName) wire.ListRemotesResponse {
	out := wire.ListRemotesResponse{Remotes: map[wire.ClientName]wire.ClientAddress{}}
	seen := make(map[wire.ClientName]bool, len(visited))
	for _, v := range visited {
		seen[v] = true
	}

	for _, name := range s.Peers.Clients() {
		if seen[name] {
			continue
		}
		merge(out.Remotes, name, wire.ClientAddress{name})

		chAny, ok := s.Peers.Get(name)
		if !ok {
			continue
		}
		ch, ok := chAny.(*peers.Channel)
		if !ok {
			continue
		}
		nextVisited := append(append([]wire.ClientName{}, visited...), name)
		nested, err := requestListRemotes(ctx, ch, nextVisited)
		if err != nil {
			log.WithField("peer", name).WithError(err).Debug("list_remotes: peer unreachable")
			continue
		}
		for remote, path := range nested.Remotes {
			merge(out.Remotes, remote, append(wire.ClientAddress{name}, path...))
		}
	}
	return out
}

func merge(remotes map[wire.ClientName]wire.ClientAddress, name wire.ClientName, path wire.ClientAddress) {
	if existing, ok := remotes[name]; !ok || len(path) < len(existing) {
		remotes[name] = path
	}
}

func requestListRemotes(ctx context.Context, ch *peers.Channel, visited []wire.ClientName) (wire.ListRemotesResponse, error) {
	var zero wire.ListRemotesResponse
	raw, err := ch.Call(ctx, "list_remotes", wire.ListRemotesRequest{Visited: visited})
	if err != nil {
		return zero, err
	}
	var res wire.ListRemotesResponse
	if err := json.Unmarshal(raw, &res); err != nil {
		return zero, fmt.Errorf("apiserver: decode list_remotes response: %w", err)
	}
	return res, nil
}

// --- call_server_fn (spec §6.2, remotefn.Registry bridge) ---

func (s *Server) callServerFnCallback() dispatch.Callback[wire.CallServerFnRequest, wire.CallServerFnResponse] {
	return dispatch.Callback[wire.CallServerFnRequest, wire.CallServerFnResponse]{
		Local: func(ctx context.Context, req wire.CallServerFnRequest) (wire.CallServerFnResponse, error) {
			payload, err := s.RemoteFns.Call(ctx, req.Name, req.Payload)
			if err != nil {
				return wire.CallServerFnResponse{}, err
			}
			return wire.CallServerFnResponse{Payload: payload}, nil
		},
		Remote: remoteCall[wire.CallServerFnRequest, wire.CallServerFnResponse]("call_server_fn", func(req *wire.CallServerFnRequest, via wire.ClientAddress) {
			req.Via = via
		}),
	}
}

func (s *Server) handleCallServerFn(w http.ResponseWriter, r *http.Request) {
	req, err := decodeJSON[wire.CallServerFnRequest](r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	res, err := s.callServerFnCallback().Process(r.Context(), s.Peers, req.Via, req)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- port-forward bind (spec §6.2's bind/download methods, supplementing
// the distilled spec per SPEC_FULL §4). Binding opens a single listener
// and, for its first accepted connection, pairs the net.Conn into the
// upload table under a freshly minted correlation id; the browser then
// drives the forwarded connection's two halves through
// /api/portforward/download the same way the pipe's upload pairing (§4.K)
// rendezvous any other full-duplex data plane. This accepts one
// connection per Bind call, a deliberate simplification of the bidi
// "bind" peer method noted in DESIGN.md. ---

func (s *Server) handlePortForwardBind(w http.ResponseWriter, r *http.Request) {
	req, err := decodeJSON[wire.BindRequest](r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if len(req.Via) > 0 {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "remote bind not wired in this handler"})
		return
	}

	accepted := make(chan net.Conn, 1)
	id, err := s.PortForward.Bind(req.Host, req.Port, func(conn net.Conn) {
		select {
		case accepted <- conn:
		default:
			_ = conn.Close()
		}
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	select {
	case conn := <-accepted:
		correlationID := wire.CorrelationID(uuid.NewString())
		if err := s.Uploads.Add(string(correlationID), conn); err != nil {
			_ = conn.Close()
			s.PortForward.Unbind(id)
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, wire.BindResponse{CorrelationID: correlationID})
	case <-r.Context().Done():
		s.PortForward.Unbind(id)
		w.WriteHeader(http.StatusRequestTimeout)
	}
}

// handlePortForwardDownload claims the net.Conn paired under correlationID
// (spec §4.K's "use_upload_stream") and copies bytes between it and the
// HTTP body/response in both directions, giving the browser a raw proxy
// onto the forwarded TCP connection.
func (s *Server) handlePortForwardDownload(w http.ResponseWriter, r *http.Request) {
	correlationID := r.URL.Query().Get("correlation_id")
	stream, err := s.Uploads.Use(correlationID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	conn, ok := stream.(net.Conn)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "apiserver: paired stream is not a net.Conn"})
		return
	}
	defer conn.Close()

	flusher, _ := w.(http.Flusher)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = io.Copy(conn, r.Body)
	}()

	buf := make([]byte, 32*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				break
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			break
		}
	}
	<-done
}

// --- register: spawns a local process (Create) or reattaches to a local
// one (Reopen), wiring the resulting lease through throttling and into the
// correlation id's pipe. A request with a non-empty Via is answered with
// 501 Not Implemented; register is not forwarded through the dispatcher. ---

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	req, err := decodeJSON[wire.RegisterRequest](r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	correlationID := wire.CorrelationID(r.Header.Get("terrazzo-correlation-id"))
	if correlationID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing terrazzo-correlation-id"})
		return
	}

	if len(req.Def.Address.Via) > 0 {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "remote register not wired in this handler"})
		return
	}

	id := req.Def.Address.ID
	if id == "" {
		id = s.Registry.NewID()
	}

	if req.Mode == wire.RegisterCreate {
		// The process outlives this request, so it is not bound to r.Context().
		if err := s.createLocalTerminal(context.Background(), id, req.Def); err != nil {
			writeDispatchError(w, err)
			return
		}
	}

	def, io, err := s.Registry.Lookup(id)
	if err != nil {
		writeDispatchError(w, err)
		return
	}

	consumer, err := io.Slot.LeaseOutput()
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	items := consumer.Items()
	if req.Mode == wire.RegisterReopen && io.Tail != nil {
		items = replayTail(io.Tail, items)
	}
	throttled := s.Throttle.Wrap(id, items)

	if err := s.Pipes.Register(correlationID, pipeserver.Registration{TerminalID: id, Items: throttled}); err != nil {
		writeDispatchError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, def)
}

func (s *Server) createLocalTerminal(ctx context.Context, id wire.TerminalID, def wire.TerminalDef) error {
	dev, err := ptydevice.Open()
	if err != nil {
		return meshutil.Wrap(err, "apiserver: open pty")
	}
	p, err := process.Spawn(ctx, process.Options{Program: s.Shell, Args: s.ShellArgs}, dev)
	if err != nil {
		_ = dev.Close()
		return meshutil.Wrap(err, "apiserver: spawn")
	}

	tail := tailbuf.New(tailBufferCapacity)
	slot := lease.NewSlot()
	slot.Set(teeToTail(p.OutputStream(), tail))

	ioEntry := registry.NewIOEntry(dev, dev, slot, tail)
	def.Address.ID = id
	s.Registry.Insert(def, ioEntry)

	go func() {
		_ = p.Wait()
		_ = dev.Close()
	}()

	return nil
}

// teeToTail forwards every item from source unchanged while also copying it
// into tail, so a later Reopen has something to replay.
func teeToTail(source <-chan lease.Item, tail *tailbuf.Buffer) <-chan lease.Item {
	out := make(chan lease.Item)
	go func() {
		defer close(out)
		for item := range source {
			if item.Kind == lease.KindData {
				tail.Push(item.Data)
			} else {
				tail.End()
			}
			out <- item
		}
	}()
	return out
}

// replayTail drains whatever tail currently holds ahead of the live lease
// items, giving a reattaching client the output it missed before it starts
// seeing what the process emits from now on (spec §4.C/§4.I's Reopen path).
func replayTail(tail *tailbuf.Buffer, live <-chan lease.Item) <-chan lease.Item {
	out := make(chan lease.Item)
	go func() {
		defer close(out)
		for {
			it, ok := tail.TryTake()
			if !ok {
				break
			}
			if it.Ended {
				out <- lease.Item{Kind: lease.KindEOS}
				continue
			}
			out <- lease.Item{Kind: lease.KindData, Data: it.Data}
		}
		for item := range live {
			out <- item
		}
	}()
	return out
}

// --- pipe open/keepalive/close (spec §4.I) ---

func (s *Server) handlePipeOpen(w http.ResponseWriter, r *http.Request) {
	correlationID := wire.CorrelationID(r.Header.Get("terrazzo-correlation-id"))
	if correlationID == "" {
		http.Error(w, "missing terrazzo-correlation-id", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	pipe := s.Pipes.Open(correlationID)
	ttl := s.keepaliveTTL

	w.Header().Set("terrazzo-keepalive-ttl", fmt.Sprintf("%d", int(ttl.Seconds())))
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "\n")
	flusher.Flush()

	enc := json.NewEncoder(w)
	for chunk := range pipe.Frames() {
		if err := enc.Encode(chunk); err != nil {
			return
		}
		flusher.Flush()
	}
}

func (s *Server) handlePipeKeepalive(w http.ResponseWriter, r *http.Request) {
	correlationID := wire.CorrelationID(r.Header.Get("terrazzo-correlation-id"))
	if err := s.Pipes.Keepalive(correlationID); err != nil {
		w.WriteHeader(http.StatusRequestTimeout)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handlePipeClose(w http.ResponseWriter, r *http.Request) {
	correlationID := wire.CorrelationID(r.Header.Get("terrazzo-correlation-id"))
	s.Pipes.Close(correlationID)
	w.WriteHeader(http.StatusOK)
}

// remoteCall builds a dispatch Remote function that calls method on the
// peer channel, first rewriting the outgoing request's embedded path to
// rest via setVia (spec §4.H's path-rewriting requirement, P7).
func remoteCall[Req any, Res any](method string, setVia func(*Req, wire.ClientAddress)) func(context.Context, dispatch.Channel, wire.ClientAddress, Req) (Res, error) {
	return func(ctx context.Context, chAny dispatch.Channel, rest wire.ClientAddress, req Req) (Res, error) {
		var zero Res
		ch, ok := chAny.(*peers.Channel)
		if !ok {
			return zero, fmt.Errorf("apiserver: channel is not a peer channel")
		}
		setVia(&req, rest)
		raw, err := ch.Call(ctx, method, req)
		if err != nil {
			return zero, err
		}
		var res Res
		if err := json.Unmarshal(raw, &res); err != nil {
			return zero, fmt.Errorf("apiserver: decode %s response: %w", method, err)
		}
		return res, nil
	}
}

// --- mesh connect (spec §6.2): agents dial this to offer this node a
// bidirectional RPC channel, registering themselves in the peer table
// (§4.G) under the name they present. ---

func (s *Server) handleMeshConnect(w http.ResponseWriter, r *http.Request) {
	name := wire.ClientName(r.URL.Query().Get("name"))
	if name == "" {
		http.Error(w, "missing name", http.StatusBadRequest)
		return
	}
	conn, err := meshUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("mesh connect: upgrade failed")
		return
	}
	ch := peers.NewChannelWithHandler(conn, s.MeshRequestHandler())
	s.Peers.Put(name, ch)
	log.WithField("peer", name).Info("mesh peer connected")
}

// MeshRequestHandler builds the peers.RequestHandler this node uses to
// serve RPC methods a peer sends back over an already-open Channel: the
// same Local/Remote pair each HTTP handler above uses, just sourced from a
// websocket frame instead of an HTTP body (spec §4.H applies identically
// regardless of transport).
func (s *Server) MeshRequestHandler() peers.RequestHandler {
	return func(method string, payload json.RawMessage) (json.RawMessage, error) {
		ctx := context.Background()
		switch method {
		case "new_id":
			return dispatchMesh(ctx, s.Peers, payload, func(r wire.NewIDRequest) wire.ClientAddress { return r.Via }, s.newIDCallback())
		case "write":
			return dispatchMesh(ctx, s.Peers, payload, func(r wire.WriteRequest) wire.ClientAddress { return r.Terminal.Via }, s.writeCallback())
		case "resize":
			return dispatchMesh(ctx, s.Peers, payload, func(r wire.ResizeRequest) wire.ClientAddress { return r.Terminal.Via }, s.resizeCallback())
		case "set_title":
			return dispatchMesh(ctx, s.Peers, payload, func(r wire.SetTitleRequest) wire.ClientAddress { return r.Terminal.Via }, s.setTitleCallback())
		case "set_order":
			return dispatchMesh(ctx, s.Peers, payload, func(r wire.SetOrderRequest) wire.ClientAddress { return r.Terminal.Via }, s.setOrderCallback())
		case "ack":
			return dispatchMesh(ctx, s.Peers, payload, func(r wire.AckRequest) wire.ClientAddress { return r.Terminal.Via }, s.ackCallback())
		case "close":
			return dispatchMesh(ctx, s.Peers, payload, func(r wire.CloseRequest) wire.ClientAddress { return r.Terminal.Via }, s.closeCallback())
		case "call_server_fn":
			return dispatchMesh(ctx, s.Peers, payload, func(r wire.CallServerFnRequest) wire.ClientAddress { return r.Via }, s.callServerFnCallback())
		case "list_terminals":
			return json.Marshal(wire.ListResponse{Terminals: s.Registry.List()})
		case "list_remotes":
			var req wire.ListRemotesRequest
			if err := json.Unmarshal(payload, &req); err != nil {
				return nil, fmt.Errorf("apiserver: decode list_remotes request: %w", err)
			}
			return json.Marshal(s.listRemotesLocal(ctx, req.Visited))
		default:
			return nil, fmt.Errorf("apiserver: unknown mesh method %q", method)
		}
	}
}

// dispatchMesh decodes payload as Req, runs cb.Process with the address
// `via` extracts from it, and re-encodes the result — the shared plumbing
// every case in MeshRequestHandler needs.
func dispatchMesh[Req any, Res any](ctx context.Context, table dispatch.PeerTable, payload json.RawMessage, via func(Req) wire.ClientAddress, cb dispatch.Callback[Req, Res]) (json.RawMessage, error) {
	var req Req
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("apiserver: decode mesh request: %w", err)
	}
	res, err := cb.Process(ctx, table, via(req), req)
	if err != nil {
		return nil, err
	}
	return json.Marshal(res)
}
