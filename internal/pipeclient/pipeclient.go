// Package pipeclient implements the consumer side of the pipe (spec §4.L):
// it opens a pipe, dispatches incoming per-terminal chunks to per-terminal
// sinks, issues acks once half the window is consumed, and reopens on
// loss with exponential backoff.
package pipeclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"meshgate/internal/streamconst"
	"meshgate/internal/wire"
)

var log = logrus.WithField("component", "pipeclient")

const (
	headerCorrelationID = "terrazzo-correlation-id"
	headerKeepaliveTTL  = "terrazzo-keepalive-ttl"
)

// Sink receives the bytes and end-of-stream signal for one terminal.
type Sink interface {
	Data(p []byte)
	Close()
}

// PermanentError wraps a failure Open should not retry (e.g. an
// authorization failure), distinguishing it from the transient connection
// failures that drive the reconnect backoff (spec §4.L's retry policy).
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

type terminalState struct {
	sink Sink

	mu      sync.Mutex
	unacked int

	ackMu sync.Mutex
}

// Client is one browser tab-group's pipe consumer.
type Client struct {
	baseURL       string
	httpClient    *http.Client
	correlationID wire.CorrelationID

	mu    sync.Mutex
	sinks map[wire.TerminalID]*terminalState
}

// New creates a Client against baseURL, using httpClient (or
// http.DefaultClient if nil) and a freshly generated correlation id.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:       baseURL,
		httpClient:    httpClient,
		correlationID: wire.CorrelationID(uuid.NewString()),
		sinks:         make(map[wire.TerminalID]*terminalState),
	}
}

// CorrelationID returns this client's pipe correlation id.
func (c *Client) CorrelationID() wire.CorrelationID { return c.correlationID }

// RegisterSink installs sink as the destination for id's chunks, opening
// the shared pipe lazily the first time the caller calls Open (spec §4.L:
// "register... first installs a per-terminal sink... then calls the
// server").
func (c *Client) RegisterSink(id wire.TerminalID, sink Sink) {
	c.mu.Lock()
	c.sinks[id] = &terminalState{sink: sink}
	c.mu.Unlock()
}

// dropAllSinks signals EOS to every registered sink and forgets them, used
// whenever the pipe fails, transiently or permanently (spec §4.L step 3).
func (c *Client) dropAllSinks() {
	c.mu.Lock()
	sinks := c.sinks
	c.sinks = make(map[wire.TerminalID]*terminalState)
	c.mu.Unlock()
	for _, st := range sinks {
		st.sink.Close()
	}
}

// Open holds the pipe open until ctx is canceled or a PermanentError
// occurs, reconnecting on transient failures with exponential backoff
// starting at streamconst.ReconnectInitialBackoff and doubling up to
// streamconst.ReconnectMaxBackoff (spec §4.L, scenario 6).
func (c *Client) Open(ctx context.Context) error {
	backoff := streamconst.ReconnectInitialBackoff
	for {
		err := c.openOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var perm *PermanentError
		if errors.As(err, &perm) {
			c.dropAllSinks()
			return perm
		}

		log.WithError(err).Debug("pipe disconnected, reconnecting")
		c.dropAllSinks()

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > streamconst.ReconnectMaxBackoff {
			backoff = streamconst.ReconnectMaxBackoff
		}
	}
}

func (c *Client) openOnce(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/stream/pipe", nil)
	if err != nil {
		return err
	}
	req.Header.Set(headerCorrelationID, string(c.correlationID))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("pipeclient: open: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return &PermanentError{Err: fmt.Errorf("pipeclient: unauthorized")}
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("pipeclient: open: unexpected status %d", resp.StatusCode)
	}

	ttl := streamconst.KeepaliveTTLProd
	if h := resp.Header.Get(headerKeepaliveTTL); h != "" {
		if secs, err := strconv.Atoi(h); err == nil {
			ttl = time.Duration(secs) * time.Second
		}
	}

	kaCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.keepaliveLoop(kaCtx, ttl)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	leading := true
	for scanner.Scan() {
		line := scanner.Bytes()
		if leading {
			leading = false
			if len(line) == 0 {
				continue
			}
		}
		if len(line) == 0 {
			continue
		}
		var chunk wire.Chunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			log.WithError(err).Warn("pipeclient: invalid chunk frame")
			continue
		}
		c.dispatch(chunk)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("pipeclient: read body: %w", err)
	}
	return fmt.Errorf("pipeclient: pipe body ended")
}

func (c *Client) keepaliveLoop(ctx context.Context, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	interval := ttl - ttl/4
	if interval <= 0 {
		interval = ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.postKeepalive(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) postKeepalive(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/stream/pipe/keepalive", nil)
	if err != nil {
		return
	}
	req.Header.Set(headerCorrelationID, string(c.correlationID))
	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.WithError(err).Debug("pipeclient: keepalive failed")
		return
	}
	resp.Body.Close()
}

func (c *Client) dispatch(chunk wire.Chunk) {
	c.mu.Lock()
	st, ok := c.sinks[chunk.TerminalID]
	c.mu.Unlock()
	if !ok {
		return
	}

	if chunk.Data == nil {
		st.sink.Close()
		c.mu.Lock()
		delete(c.sinks, chunk.TerminalID)
		c.mu.Unlock()
		return
	}

	st.sink.Data(chunk.Data)

	st.mu.Lock()
	st.unacked += len(chunk.Data)
	var ackAmount int
	shouldAck := st.unacked >= streamconst.AckThreshold
	if shouldAck {
		ackAmount = st.unacked
		st.unacked = 0
	}
	st.mu.Unlock()

	if shouldAck {
		go c.ack(chunk.TerminalID, st, ackAmount)
	}
}

// ack serializes acks per terminal: the ack mutex held here means the next
// threshold-crossing ack for the same terminal waits for this one to
// complete (spec §4.L).
func (c *Client) ack(id wire.TerminalID, st *terminalState, n int) {
	st.ackMu.Lock()
	defer st.ackMu.Unlock()

	body, err := json.Marshal(wire.AckRequest{Terminal: wire.TerminalAddress{ID: id}, Bytes: n})
	if err != nil {
		return
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+"/api/terminal/ack", bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.WithError(err).Warn("pipeclient: ack failed")
		return
	}
	resp.Body.Close()
}
