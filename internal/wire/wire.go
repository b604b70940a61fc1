// Package wire defines the JSON types shared by the gateway's browser-facing
// HTTP API (spec §6.1) and the gateway-to-agent peer protocol (§6.2).
package wire

// TerminalID is an opaque short string unique within the node that allocated
// it. Routing never interprets its contents.
type TerminalID string

// ClientName names one peer in the mesh.
type ClientName string

// ClientAddress is an ordered hop list interpreted leaf-to-root: [a, b, c]
// means "forward to c, from there to b, from there to a, execute there."
// An empty address means local.
type ClientAddress []ClientName

// Leaf returns the outermost hop and the remaining path, or ok=false if the
// address is already empty.
func (a ClientAddress) Leaf() (leaf ClientName, rest ClientAddress, ok bool) {
	if len(a) == 0 {
		return "", nil, false
	}
	n := len(a)
	return a[n-1], a[:n-1], true
}

// TerminalAddress identifies a terminal globally.
type TerminalAddress struct {
	ID  TerminalID    `json:"id"`
	Via ClientAddress `json:"via,omitempty"`
}

// TerminalDef is a terminal definition: shell title, optional user override
// title (which wins when present), and a stable UI ordering key.
type TerminalDef struct {
	Address       TerminalAddress `json:"address"`
	ShellTitle    string          `json:"shell_title"`
	OverrideTitle *string         `json:"override_title,omitempty"`
	Order         int             `json:"order"`
}

// Title returns the override title if set, else the shell title.
func (d TerminalDef) Title() string {
	if d.OverrideTitle != nil && *d.OverrideTitle != "" {
		return *d.OverrideTitle
	}
	return d.ShellTitle
}

// CorrelationID is a client-chosen token identifying one pipe.
type CorrelationID string

// RegisterMode selects whether register(...) creates a new process or
// reattaches to an existing one.
type RegisterMode string

const (
	RegisterCreate RegisterMode = "Create"
	RegisterReopen RegisterMode = "Reopen"
)

// Chunk is one frame of the newline-delimited JSON pipe body. Data is nil to
// signal end-of-stream for TerminalID.
type Chunk struct {
	TerminalID TerminalID `json:"terminal_id"`
	Data       []byte     `json:"data"`
}

// RegisterRequest is the body of POST .../stream/register.
type RegisterRequest struct {
	Mode RegisterMode `json:"mode"`
	Def  TerminalDef  `json:"def"`
}

// WriteRequest carries bytes to append to a terminal's input.
type WriteRequest struct {
	Terminal TerminalAddress `json:"terminal"`
	Data     []byte          `json:"data"`
}

// ResizeRequest carries a new PTY window size.
type ResizeRequest struct {
	Terminal TerminalAddress `json:"terminal"`
	Rows     uint16          `json:"rows"`
	Cols     uint16          `json:"cols"`
	Force    bool            `json:"force"`
}

// SetTitleRequest overrides a terminal's display title.
type SetTitleRequest struct {
	Terminal TerminalAddress `json:"terminal"`
	Title    string          `json:"title"`
}

// SetOrderRequest updates a terminal's UI ordering key.
type SetOrderRequest struct {
	Terminal TerminalAddress `json:"terminal"`
	Order    int             `json:"order"`
}

// AckRequest acknowledges bytes already delivered to the consumer.
type AckRequest struct {
	Terminal TerminalAddress `json:"terminal"`
	Bytes    int             `json:"bytes"`
}

// CloseRequest closes a terminal.
type CloseRequest struct {
	Terminal TerminalAddress `json:"terminal"`
}

// NewIDRequest is the body of POST .../new_id.
type NewIDRequest struct {
	Via ClientAddress `json:"via,omitempty"`
}

// NewIDResponse is returned by new_id.
type NewIDResponse struct {
	Next TerminalID `json:"next"`
}

// ListRequest is the request shape for listing terminals. No handler decodes
// it: the list endpoint and the list_terminals mesh method return only the
// answering node's own terminals.
type ListRequest struct {
	Via     ClientAddress `json:"via,omitempty"`
	Visited []ClientName  `json:"visited,omitempty"`
}

// ListResponse is the merged terminal listing.
type ListResponse struct {
	Terminals []TerminalDef `json:"terminals"`
}

// ListRemotesRequest asks a node (and, transitively, its mesh) which client
// names are reachable. Visited accumulates hop names already asked, so the
// non-dispatcher fan-out of spec §4.H never revisits a node.
type ListRemotesRequest struct {
	Via     ClientAddress `json:"via,omitempty"`
	Visited []ClientName  `json:"visited,omitempty"`
}

// ListRemotesResponse enumerates reachable client names and the shortest
// known path to each.
type ListRemotesResponse struct {
	Remotes map[ClientName]ClientAddress `json:"remotes"`
}

// BindRequest asks a node to open a listening socket for port-forwarding.
type BindRequest struct {
	Via  ClientAddress `json:"via,omitempty"`
	Host string        `json:"host"`
	Port uint16        `json:"port"`
}

// BindResponse reports the correlation id under which the bind's first
// accepted connection is offered to the uploader/downloader pairing.
type BindResponse struct {
	CorrelationID CorrelationID `json:"correlation_id"`
}

// CallServerFnRequest invokes a named remote function by correlation with an
// opaque, caller-serialized payload.
type CallServerFnRequest struct {
	Via     ClientAddress `json:"via,omitempty"`
	Name    string        `json:"name"`
	Payload []byte        `json:"payload"`
}

// CallServerFnResponse carries the opaque result payload.
type CallServerFnResponse struct {
	Payload []byte `json:"payload"`
}
