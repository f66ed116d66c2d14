package streamhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mcplane/mcp-session-go/jsonrpc"
	"github.com/mcplane/mcp-session-go/mcp"
	"github.com/mcplane/mcp-session-go/session"
)

// ErrSessionNotFound reports that the server no longer recognizes the
// session ID this connection holds.
var ErrSessionNotFound = errors.New("session not found")

const (
	defaultMaxListenerRetries = 5
	reconnectBaseDelay        = time.Second
	reconnectMaxDelay         = 30 * time.Second
)

// ClientTransport dials MCP servers over streamable HTTP. A single transport
// can open any number of independent connections.
type ClientTransport struct {
	// Endpoint is the URL of the server's MCP endpoint.
	Endpoint string
	// HTTPClient overrides http.DefaultClient.
	HTTPClient *http.Client
	// Logger defaults to slog.Default.
	Logger *slog.Logger
	// MaxListenerRetries bounds standalone stream reconnect attempts before
	// the listener gives up.
	MaxListenerRetries int
}

// Connect builds a connection ready to be driven by a session.Session. No
// network traffic happens until the first Write.
func (t *ClientTransport) Connect(ctx context.Context) (*ClientConn, error) {
	if t.Endpoint == "" {
		return nil, fmt.Errorf("endpoint required")
	}
	hc := t.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	log := t.Logger
	if log == nil {
		log = slog.Default()
	}
	retries := t.MaxListenerRetries
	if retries <= 0 {
		retries = defaultMaxListenerRetries
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	return &ClientConn{
		endpoint:   t.Endpoint,
		hc:         hc,
		log:        log,
		maxRetries: retries,
		incoming:   make(chan *jsonrpc.AnyMessage, incomingBuffer),
		runCtx:     runCtx,
		cancelRun:  cancel,
	}, nil
}

// ClientConn is the client half of one streamable HTTP session. Every
// outbound message is its own POST; inbound messages arrive on POST response
// bodies and, once the session is initialized, on a standalone GET stream
// that survives reconnects via Last-Event-ID.
type ClientConn struct {
	endpoint   string
	hc         *http.Client
	log        *slog.Logger
	maxRetries int

	incoming chan *jsonrpc.AnyMessage

	mu              sync.Mutex
	sessionID       string
	lastEventID     string
	listenerStarted bool

	runCtx    context.Context
	cancelRun context.CancelFunc
	closeOnce sync.Once
}

var _ session.Conn = (*ClientConn)(nil)

// SessionID returns the server-assigned session ID, once known.
func (c *ClientConn) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *ClientConn) Read(ctx context.Context) (*jsonrpc.AnyMessage, error) {
	select {
	case msg := <-c.incoming:
		return msg, nil
	case <-c.runCtx.Done():
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Write POSTs one message. Responses arriving on the POST body are fed back
// to the session; an SSE body is consumed on its own goroutine so Write
// returns as soon as the exchange is underway.
func (c *ClientConn) Write(ctx context.Context, msg *jsonrpc.AnyMessage) error {
	if c.runCtx.Err() != nil {
		return fmt.Errorf("connection closed")
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	isInitialize := msg.Type() == "request" && msg.Method == string(mcp.InitializeMethod)

	resp, err := c.post(ctx, data)
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusNotFound {
		drain(resp)
		// The server forgot us. Initialize may start over on a fresh
		// session; anything else is a hard failure.
		c.mu.Lock()
		hadSession := c.sessionID != ""
		c.sessionID = ""
		c.mu.Unlock()
		if isInitialize && hadSession {
			resp, err = c.post(ctx, data)
			if err != nil {
				return err
			}
		} else {
			return fmt.Errorf("%w: server returned 404", ErrSessionNotFound)
		}
	}

	if sid := resp.Header.Get(mcpSessionIDHeader); sid != "" {
		c.mu.Lock()
		c.sessionID = sid
		c.mu.Unlock()
	}

	switch resp.StatusCode {
	case http.StatusAccepted:
		drain(resp)
		if msg.Type() == "notification" && msg.Method == string(mcp.InitializedNotificationMethod) {
			c.startListener()
		}
		return nil
	case http.StatusOK:
		ct := resp.Header.Get("Content-Type")
		switch {
		case strings.HasPrefix(ct, "text/event-stream"):
			go c.consumeSSE(resp.Body)
			return nil
		case strings.HasPrefix(ct, "application/json"):
			defer resp.Body.Close()
			var reply jsonrpc.AnyMessage
			if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
				return fmt.Errorf("decode response body: %w", err)
			}
			return c.deliver(ctx, &reply)
		default:
			drain(resp)
			return fmt.Errorf("unexpected response content type %q", ct)
		}
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return fmt.Errorf("unexpected HTTP status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
}

func (c *ClientConn) post(ctx context.Context, data []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	c.mu.Lock()
	if c.sessionID != "" {
		req.Header.Set(mcpSessionIDHeader, c.sessionID)
	}
	c.mu.Unlock()

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post message: %w", err)
	}
	return resp, nil
}

// consumeSSE feeds one POST exchange's event stream into the session. POST
// streams end with the exchange and do not move the resumption cursor; only
// the standalone GET stream does that.
func (c *ClientConn) consumeSSE(body io.ReadCloser) {
	defer body.Close()
	err := readSSEEvents(body, func(evt sseEvent) error {
		if evt.name != "" && evt.name != "message" {
			c.log.Debug("client.sse.unknown_event", slog.String("event", evt.name))
			return nil
		}
		var msg jsonrpc.AnyMessage
		if err := json.Unmarshal(evt.data, &msg); err != nil {
			return fmt.Errorf("decode SSE payload: %w", err)
		}
		return c.deliver(c.runCtx, &msg)
	})
	if err != nil && c.runCtx.Err() == nil {
		c.log.Warn("client.post.stream_fail", slog.String("err", err.Error()))
	}
}

func (c *ClientConn) deliver(ctx context.Context, msg *jsonrpc.AnyMessage) error {
	select {
	case c.incoming <- msg:
		return nil
	case <-c.runCtx.Done():
		return fmt.Errorf("connection closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// startListener opens the standalone GET stream exactly once, after the
// handshake completes. The server uses that stream for requests and
// notifications it initiates outside any POST exchange.
func (c *ClientConn) startListener() {
	c.mu.Lock()
	if c.listenerStarted {
		c.mu.Unlock()
		return
	}
	c.listenerStarted = true
	c.mu.Unlock()
	go c.listen()
}

func (c *ClientConn) listen() {
	attempt := 0
	for {
		if c.runCtx.Err() != nil {
			return
		}

		retriable, err := c.listenOnce()
		if err == nil || !retriable {
			if err != nil {
				c.log.Warn("client.listener.stopped", slog.String("err", err.Error()))
			}
			return
		}

		attempt++
		if attempt > c.maxRetries {
			// Degrade rather than kill the connection: POST exchanges keep
			// working, only server-initiated traffic stops flowing.
			c.log.Warn("client.listener.stopped", slog.Int("attempts", attempt-1), slog.String("err", err.Error()))
			return
		}
		delay := reconnectDelay(attempt)
		c.log.Debug("client.listener.reconnect", slog.Int("attempt", attempt), slog.Duration("delay", delay))
		select {
		case <-time.After(delay):
		case <-c.runCtx.Done():
			return
		}
	}
}

// listenOnce runs one GET stream to completion. It reports whether a failure
// is worth retrying.
func (c *ClientConn) listenOnce() (retriable bool, err error) {
	req, err := http.NewRequestWithContext(c.runCtx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")
	c.mu.Lock()
	if c.sessionID != "" {
		req.Header.Set(mcpSessionIDHeader, c.sessionID)
	}
	if c.lastEventID != "" {
		req.Header.Set(lastEventIDHeader, c.lastEventID)
	}
	c.mu.Unlock()

	resp, err := c.hc.Do(req)
	if err != nil {
		if c.runCtx.Err() != nil {
			return false, nil
		}
		return true, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusMethodNotAllowed:
		// Server offers no standalone stream; that's fine.
		c.log.Debug("client.listener.unsupported")
		return false, nil
	case http.StatusNotFound:
		return false, ErrSessionNotFound
	case http.StatusConflict:
		return false, fmt.Errorf("standalone stream already attached")
	default:
		return true, fmt.Errorf("unexpected HTTP status %d", resp.StatusCode)
	}

	err = readSSEEvents(resp.Body, func(evt sseEvent) error {
		if evt.id != "" {
			c.mu.Lock()
			c.lastEventID = evt.id
			c.mu.Unlock()
		}
		if evt.name != "" && evt.name != "message" {
			c.log.Debug("client.sse.unknown_event", slog.String("event", evt.name))
			return nil
		}
		var msg jsonrpc.AnyMessage
		if err := json.Unmarshal(evt.data, &msg); err != nil {
			return fmt.Errorf("decode SSE payload: %w", err)
		}
		return c.deliver(c.runCtx, &msg)
	})
	if c.runCtx.Err() != nil {
		return false, nil
	}
	if err == nil {
		// Clean server-side end of stream; reconnect to keep listening.
		return true, fmt.Errorf("stream ended")
	}
	return true, err
}

func reconnectDelay(attempt int) time.Duration {
	d := reconnectBaseDelay << (attempt - 1)
	if d > reconnectMaxDelay {
		d = reconnectMaxDelay
	}
	// Jitter spreads reconnect storms from many clients.
	return d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
}

// Close tears the connection down and tells the server to drop the session.
func (c *ClientConn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		sid := c.sessionID
		c.mu.Unlock()
		if sid != "" {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(c.runCtx), 5*time.Second)
			defer cancel()
			req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.endpoint, nil)
			if err == nil {
				req.Header.Set(mcpSessionIDHeader, sid)
				if resp, err := c.hc.Do(req); err == nil {
					drain(resp)
				}
			}
		}
		c.cancelRun()
	})
	return nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}
