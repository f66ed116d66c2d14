package streamhttp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/mcplane/mcp-session-go/eventstore"
	"github.com/mcplane/mcp-session-go/jsonrpc"
	"github.com/mcplane/mcp-session-go/session"
)

// incomingBuffer bounds the channel between HTTP handlers and the session
// read loop. A full buffer pushes back on the producing HTTP exchange rather
// than growing without bound.
const incomingBuffer = 8

// frame is one server-to-client message routed toward an HTTP response body,
// together with the event ID it was durably recorded under.
type frame struct {
	eventID string
	data    []byte
	// final marks the response that completes a request/response exchange.
	final bool
}

// exchange is the server-side state for one POST carrying requests: messages
// with affinity to any of those requests are steered into the POST's own
// response body. A batch POST shares one exchange across all its requests.
type exchange struct {
	streamID string

	ch   chan frame
	done chan struct{}
}

// serverConn adapts one HTTP session to the session.Conn interface. Inbound
// messages from any HTTP exchange funnel through a bounded channel into the
// session read loop; outbound messages are routed to the HTTP exchange that
// carried the originating request, falling back to the standalone GET stream.
type serverConn struct {
	sessionID string
	store     eventstore.Store
	log       *slog.Logger

	incoming chan *jsonrpc.AnyMessage

	mu         sync.Mutex
	exchanges  map[jsonrpc.RequestID]*exchange
	standalone *exchange

	closeOnce sync.Once
	closed    chan struct{}
}

// newServerConn builds a conn for one session. store may be nil for stateless
// sessions, in which case frames carry no event IDs and are not replayable.
func newServerConn(sessionID string, store eventstore.Store, log *slog.Logger) *serverConn {
	return &serverConn{
		sessionID: sessionID,
		store:     store,
		log:       log,
		incoming:  make(chan *jsonrpc.AnyMessage, incomingBuffer),
		exchanges: make(map[jsonrpc.RequestID]*exchange),
		closed:    make(chan struct{}),
	}
}

var _ session.Conn = (*serverConn)(nil)

// deliver hands an inbound message to the session read loop, blocking when
// the buffer is full.
func (c *serverConn) deliver(ctx context.Context, msg *jsonrpc.AnyMessage) error {
	select {
	case c.incoming <- msg:
		return nil
	case <-c.closed:
		return fmt.Errorf("session closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *serverConn) Read(ctx context.Context) (*jsonrpc.AnyMessage, error) {
	select {
	case msg := <-c.incoming:
		return msg, nil
	case <-c.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Write routes an outbound message. Responses go to the exchange that carried
// the matching request; handler-emitted notifications and nested requests go
// to the exchange whose inbound request is on ctx; everything else goes to
// the standalone stream.
func (c *serverConn) Write(ctx context.Context, msg *jsonrpc.AnyMessage) error {
	select {
	case <-c.closed:
		return fmt.Errorf("session closed")
	default:
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	var ex *exchange
	final := false
	if msg.Type() == "response" && !msg.ID.IsNil() {
		ex = c.exchangeFor(msg.ID.Key())
		final = ex != nil
	}
	if ex == nil {
		if id, ok := session.InboundRequestID(ctx); ok && !id.IsNil() {
			ex = c.exchangeFor(id.Key())
		}
	}

	if ex != nil {
		eventID, err := c.record(ctx, ex.streamID, data)
		if err != nil {
			return err
		}
		select {
		case ex.ch <- frame{eventID: eventID, data: data, final: final}:
			return nil
		case <-ex.done:
			// Exchange consumer is gone. The event is recorded; a client
			// resuming with Last-Event-ID can still recover it.
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// Standalone stream. Record first so the message survives even when no
	// GET consumer is currently attached.
	eventID, err := c.record(ctx, c.sessionID, data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	st := c.standalone
	c.mu.Unlock()
	if st == nil {
		c.log.Debug("stream.standalone.unconsumed", slog.String("session_id", c.sessionID))
		return nil
	}
	select {
	case st.ch <- frame{eventID: eventID, data: data}:
		return nil
	case <-st.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *serverConn) record(ctx context.Context, streamID string, data []byte) (string, error) {
	if c.store == nil {
		return "", nil
	}
	eventID, err := c.store.StoreEvent(ctx, streamID, data)
	if err != nil {
		return "", fmt.Errorf("store event: %w", err)
	}
	return eventID, nil
}

func (c *serverConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		for key, ex := range c.exchanges {
			close(ex.done)
			delete(c.exchanges, key)
		}
		if c.standalone != nil {
			close(c.standalone.done)
			c.standalone = nil
		}
		c.mu.Unlock()
	})
	return nil
}

func (c *serverConn) exchangeFor(key jsonrpc.RequestID) *exchange {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exchanges[key]
}

// addExchange registers ex under every request ID it serves. Registration is
// all-or-nothing: a single duplicate ID rejects the whole set.
func (c *serverConn) addExchange(ex *exchange, keys ...jsonrpc.RequestID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		if _, exists := c.exchanges[key]; exists {
			return fmt.Errorf("request id already in flight")
		}
	}
	for _, key := range keys {
		c.exchanges[key] = ex
	}
	return nil
}

func (c *serverConn) removeExchange(ex *exchange) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, cur := range c.exchanges {
		if cur == ex {
			delete(c.exchanges, key)
		}
	}
	close(ex.done)
}

// attachStandalone claims the session's single standalone GET stream. Only
// one consumer may hold it at a time.
func (c *serverConn) attachStandalone() (*exchange, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.standalone != nil {
		return nil, fmt.Errorf("standalone stream already attached")
	}
	st := &exchange{
		streamID: c.sessionID,
		ch:       make(chan frame, incomingBuffer),
		done:     make(chan struct{}),
	}
	c.standalone = st
	return st, nil
}

func (c *serverConn) detachStandalone(st *exchange) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.standalone == st {
		c.standalone = nil
		close(st.done)
	}
}
