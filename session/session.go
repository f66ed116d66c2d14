// Package session implements the bidirectional JSON-RPC request/response
// correlation engine at the heart of the SDK. A Session is transport
// agnostic: it drives an abstract duplex Conn, correlates out-of-order
// responses to their requests by tagged ID, routes inbound notifications and
// requests to registered handlers, and enforces the lifecycle state machine.
//
// The same Session type serves both sides of the wire. A server session
// answers client requests and may itself issue requests back to the client
// (e.g. sampling); a client session does the reverse.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcplane/mcp-session-go/jsonrpc"
	"github.com/mcplane/mcp-session-go/mcp"
)

// Conn is the abstract duplex message channel a Session drives. Read returns
// io.EOF once the connection is closed. Write must be safe for concurrent
// use; the Session writes from multiple goroutines.
type Conn interface {
	Read(ctx context.Context) (*jsonrpc.AnyMessage, error)
	Write(ctx context.Context, msg *jsonrpc.AnyMessage) error
	Close() error
}

// NotificationHandler receives the params of an inbound notification.
// Handlers run on the session's read loop: notifications are delivered in
// arrival order, and a slow handler delays subsequent messages.
type NotificationHandler func(ctx context.Context, params json.RawMessage)

// RequestHandler serves an inbound request. Returning a *jsonrpc.Error sends
// that error to the peer verbatim; any other error maps to an internal
// error response. The ctx is cancelled if the peer cancels the request.
type RequestHandler func(ctx context.Context, method string, params json.RawMessage) (any, error)

// StrayHandler observes protocol-level oddities that resolve no pending
// request: responses with unknown IDs and null-id error responses. The
// session keeps running after the observer returns.
type StrayHandler func(msg *jsonrpc.AnyMessage, err error)

type pendingOutcome struct {
	res *jsonrpc.Response
	err error
}

type pendingRequest struct {
	id *jsonrpc.RequestID
	ch chan pendingOutcome
}

// Session is the stateful request/response correlation engine for one
// logical connection.
type Session struct {
	conn Conn
	log  *slog.Logger
	id   string

	nextID atomic.Int64

	runCtx    context.Context
	cancelRun context.CancelFunc

	defaultTimeout time.Duration

	mu       sync.Mutex
	state    State
	pending  map[jsonrpc.RequestID]*pendingRequest
	inflight map[jsonrpc.RequestID]context.CancelCauseFunc

	notifyHandlers map[string]NotificationHandler
	unknownNotify  NotificationHandler
	reqHandler     RequestHandler
	stray          StrayHandler

	closeOnce sync.Once
	closed    chan struct{}
	reqWG     sync.WaitGroup
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the slog logger used by the session. If not provided, the
// default logger is used.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

// WithSessionID attaches an identifier used for logging.
func WithSessionID(id string) Option {
	return func(s *Session) { s.id = id }
}

// WithDefaultTimeout sets the timeout applied to SendRequest calls that do
// not carry their own. Zero means no default timeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(s *Session) { s.defaultTimeout = d }
}

// WithRequestHandler registers the handler for inbound requests. Without a
// handler every inbound request other than ping fails with MethodNotFound.
func WithRequestHandler(h RequestHandler) Option {
	return func(s *Session) { s.reqHandler = h }
}

// WithNotificationHandler registers a handler for one notification method.
func WithNotificationHandler(method string, h NotificationHandler) Option {
	return func(s *Session) { s.notifyHandlers[method] = h }
}

// WithUnknownNotificationHandler registers the fallback invoked for
// notifications no specific handler claims.
func WithUnknownNotificationHandler(h NotificationHandler) Option {
	return func(s *Session) { s.unknownNotify = h }
}

// WithStrayMessageHandler registers the observer for unmatched and null-id
// responses.
func WithStrayMessageHandler(h StrayHandler) Option {
	return func(s *Session) { s.stray = h }
}

// Stateless starts the session in the Stateless lifecycle state, used for
// single-exchange sessions with no persisted record.
func Stateless() Option {
	return func(s *Session) { s.state = StateStateless }
}

// New creates a Session over conn and starts its read loop. The session runs
// until Close is called or the connection fails.
func New(conn Conn, opts ...Option) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		conn:           conn,
		log:            slog.Default(),
		runCtx:         ctx,
		cancelRun:      cancel,
		state:          StateNotInitialized,
		pending:        make(map[jsonrpc.RequestID]*pendingRequest),
		inflight:       make(map[jsonrpc.RequestID]context.CancelCauseFunc),
		notifyHandlers: make(map[string]NotificationHandler),
		closed:         make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	go s.readLoop()
	return s
}

// ID returns the session identifier, if one was assigned.
func (s *Session) ID() string { return s.id }

// RequestOption configures a single SendRequest call.
type RequestOption func(*requestConfig)

type requestConfig struct {
	timeout time.Duration
}

// WithTimeout sets the timeout for one request, overriding the session
// default. Timeouts are per-request and independent of each other.
func WithTimeout(d time.Duration) RequestOption {
	return func(c *requestConfig) { c.timeout = d }
}

// SendRequest sends a request and blocks until one of: a matching response
// arrives (by tagged ID), the timeout elapses (ErrTimeout), the peer cancels
// the request (ErrCancelled), the connection closes (ErrConnectionClosed),
// or ctx is done. Error responses surface as a *jsonrpc.Error. Resolving one
// request never disturbs any other pending request.
func (s *Session) SendRequest(ctx context.Context, method string, params any, opts ...RequestOption) (json.RawMessage, error) {
	cfg := requestConfig{timeout: s.defaultTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}

	id := jsonrpc.IntID(s.nextID.Add(1))
	req, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	p := &pendingRequest{id: id, ch: make(chan pendingOutcome, 1)}

	s.mu.Lock()
	if s.state == StateClosing || s.state == StateClosed {
		s.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	if method == string(mcp.InitializeMethod) && s.state == StateNotInitialized {
		// Outbound handshake start.
		_ = s.transitionLocked(StateInitializing)
	}
	s.pending[id.Key()] = p
	s.mu.Unlock()

	if err := s.conn.Write(ctx, requestAsAny(req)); err != nil {
		s.removePending(id.Key())
		return nil, fmt.Errorf("%w: %w", ErrConnectionClosed, err)
	}

	var timeoutCh <-chan time.Time
	if cfg.timeout > 0 {
		timer := time.NewTimer(cfg.timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case out := <-p.ch:
		if out.err != nil {
			return nil, out.err
		}
		if out.res.Error != nil {
			return nil, out.res.Error
		}
		return out.res.Result, nil
	case <-timeoutCh:
		s.removePending(id.Key())
		s.cancelPeer(id, "request timed out")
		return nil, fmt.Errorf("%w after %s: %s", ErrTimeout, cfg.timeout, method)
	case <-ctx.Done():
		s.removePending(id.Key())
		s.cancelPeer(id, "caller cancelled")
		return nil, ctx.Err()
	case <-s.closed:
		// The close path resolves every pending request, but the outcome may
		// race this select; report the same terminal error either way.
		s.removePending(id.Key())
		return nil, ErrConnectionClosed
	}
}

// Notify sends a notification (a request with no ID and no reply).
func (s *Session) Notify(ctx context.Context, method string, params any) error {
	req, err := jsonrpc.NewRequest(nil, method, params)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.state == StateClosing || s.state == StateClosed {
		s.mu.Unlock()
		return ErrConnectionClosed
	}
	if method == string(mcp.InitializedNotificationMethod) && s.state == StateInitializing {
		_ = s.transitionLocked(StateInitialized)
	}
	s.mu.Unlock()

	if err := s.conn.Write(ctx, requestAsAny(req)); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionClosed, err)
	}
	return nil
}

// cancelPeer sends a best-effort notifications/cancelled for id. Cancellation
// is advisory: the peer may ignore it and the message may be lost.
func (s *Session) cancelPeer(id *jsonrpc.RequestID, reason string) {
	note, err := jsonrpc.NewRequest(nil, string(mcp.CancelledNotificationMethod), mcp.CancelledNotification{
		RequestID: id,
		Reason:    reason,
	})
	if err != nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(s.runCtx), 5*time.Second)
	defer cancel()
	if err := s.conn.Write(writeCtx, requestAsAny(note)); err != nil {
		s.log.Debug("session.cancel_peer.write_fail", slog.String("err", err.Error()))
	}
}

func (s *Session) removePending(key jsonrpc.RequestID) *pendingRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[key]
	if !ok {
		return nil
	}
	delete(s.pending, key)
	return p
}

// resolvePending removes the pending request for key and delivers the
// outcome. Returns false if no request was waiting under that exact tagged
// ID.
func (s *Session) resolvePending(key jsonrpc.RequestID, out pendingOutcome) bool {
	p := s.removePending(key)
	if p == nil {
		return false
	}
	p.ch <- out
	return true
}

func (s *Session) readLoop() {
	for {
		msg, err := s.conn.Read(s.runCtx)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
				s.log.Warn("session.read.fail", slog.String("session_id", s.id), slog.String("err", err.Error()))
			}
			s.close()
			return
		}
		s.dispatch(msg)
	}
}

// dispatch is the three-way tagged dispatch at the center of the engine:
// responses resolve pending requests, notifications route by method, and
// requests invoke the inbound handler.
func (s *Session) dispatch(msg *jsonrpc.AnyMessage) {
	switch msg.Type() {
	case "response":
		s.dispatchResponse(msg)
	case "notification":
		s.dispatchNotification(msg)
	case "request":
		s.dispatchRequest(msg.AsRequest())
	}
}

func (s *Session) dispatchResponse(msg *jsonrpc.AnyMessage) {
	res := msg.AsResponse()
	if res.ID.IsNil() {
		// Null-id errors come from peer-side parse failures (JSON-RPC
		// ParseError). They can never belong to a pending request.
		s.observeStray(msg, fmt.Errorf("response with null id"))
		return
	}
	if !s.resolvePending(res.ID.Key(), pendingOutcome{res: res}) {
		s.observeStray(msg, fmt.Errorf("response with unknown id %s", res.ID))
	}
}

func (s *Session) observeStray(msg *jsonrpc.AnyMessage, err error) {
	s.log.Info("session.message.stray", slog.String("session_id", s.id), slog.String("err", err.Error()))
	s.mu.Lock()
	stray := s.stray
	s.mu.Unlock()
	if stray != nil {
		stray(msg, err)
	}
}

// Handle registers h for one notification method, replacing any previous
// handler. A nil h removes the registration.
func (s *Session) Handle(method string, h NotificationHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h == nil {
		delete(s.notifyHandlers, method)
		return
	}
	s.notifyHandlers[method] = h
}

// HandleUnknownNotification replaces the fallback notification handler.
func (s *Session) HandleUnknownNotification(h NotificationHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unknownNotify = h
}

// SetRequestHandler replaces the inbound request handler. It affects requests
// dispatched after the call; already-running handlers finish undisturbed.
func (s *Session) SetRequestHandler(h RequestHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqHandler = h
}

// OnStrayMessage replaces the stray-message observer.
func (s *Session) OnStrayMessage(h StrayHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stray = h
}

func (s *Session) dispatchNotification(msg *jsonrpc.AnyMessage) {
	ctx := s.runCtx

	// Custom handlers take precedence over the built-in set.
	s.mu.Lock()
	h := s.notifyHandlers[msg.Method]
	unknown := s.unknownNotify
	s.mu.Unlock()
	if h != nil {
		h(ctx, msg.Params)
		return
	}

	switch msg.Method {
	case string(mcp.CancelledNotificationMethod):
		s.handleCancelled(msg.Params)
	case string(mcp.InitializedNotificationMethod):
		s.mu.Lock()
		if err := s.transitionLocked(StateInitialized); err != nil {
			s.log.Warn("session.initialized.bad_state", slog.String("session_id", s.id), slog.String("err", err.Error()))
		}
		s.mu.Unlock()
	case string(mcp.ProgressNotificationMethod):
		// No registered handler; progress is informational.
		s.log.Debug("session.progress.unhandled", slog.String("session_id", s.id))
	default:
		if unknown != nil {
			unknown(ctx, msg.Params)
		} else {
			s.log.Debug("session.notification.unknown", slog.String("session_id", s.id), slog.String("method", msg.Method))
		}
	}
}

// handleCancelled targets exactly one request: it fails a pending outbound
// wait, or cancels the context of an inbound handler, and touches nothing
// else.
func (s *Session) handleCancelled(params json.RawMessage) {
	var note mcp.CancelledNotification
	if err := json.Unmarshal(params, &note); err != nil || note.RequestID.IsNil() {
		s.log.Warn("session.cancelled.invalid_params", slog.String("session_id", s.id))
		return
	}
	key := note.RequestID.Key()

	if s.resolvePending(key, pendingOutcome{err: fmt.Errorf("%w: %s", ErrCancelled, note.Reason)}) {
		return
	}

	s.mu.Lock()
	cancel := s.inflight[key]
	s.mu.Unlock()
	if cancel != nil {
		reason := note.Reason
		if reason == "" {
			reason = "cancelled by peer"
		}
		cancel(errors.New(reason))
	}
}

func (s *Session) dispatchRequest(req *jsonrpc.Request) {
	key := req.ID.Key()

	reqCtx, cancel := context.WithCancelCause(withInboundRequestID(s.runCtx, req.ID))

	s.mu.Lock()
	if s.state == StateNotInitialized && req.Method == string(mcp.InitializeMethod) {
		_ = s.transitionLocked(StateInitializing)
	}
	if _, exists := s.inflight[key]; exists {
		s.mu.Unlock()
		cancel(nil)
		s.writeResponse(jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "duplicate request id", nil))
		return
	}
	s.inflight[key] = cancel
	handler := s.reqHandler
	s.mu.Unlock()

	// Handlers run off the read loop so that a long-running request cannot
	// stall response correlation or block a reverse-direction exchange.
	s.reqWG.Add(1)
	go func() {
		defer s.reqWG.Done()
		defer cancel(nil)
		defer func() {
			s.mu.Lock()
			delete(s.inflight, key)
			s.mu.Unlock()
		}()
		defer func() {
			// An unhandled panic in a handler is an unhandled exception in
			// this session's task: answer the request, then tear the session
			// down so owners can reap it.
			if r := recover(); r != nil {
				s.log.Error("session.request.handler_panic", slog.String("session_id", s.id), slog.String("method", req.Method), slog.Any("panic", r))
				s.writeResponse(jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil))
				s.close()
			}
		}()

		res := s.serveRequest(reqCtx, handler, req)
		if res != nil {
			s.writeResponse(res)
		}
	}()
}

func (s *Session) serveRequest(ctx context.Context, handler RequestHandler, req *jsonrpc.Request) *jsonrpc.Response {
	if req.Method == string(mcp.PingMethod) {
		res, _ := jsonrpc.NewResultResponse(req.ID, mcp.EmptyResult{})
		return res
	}
	if handler == nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "method not found", nil)
	}

	result, err := handler(ctx, req.Method, req.Params)
	if err != nil {
		if ctx.Err() != nil {
			cause := context.Cause(ctx)
			msg := "request cancelled"
			if cause != nil && !errors.Is(cause, context.Canceled) {
				msg = cause.Error()
			}
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeRequestCancelled, msg, nil)
		}
		var rpcErr *jsonrpc.Error
		if errors.As(err, &rpcErr) {
			return &jsonrpc.Response{JSONRPCVersion: jsonrpc.ProtocolVersion, Error: rpcErr, ID: req.ID}
		}
		s.log.Error("session.request.handler_fail", slog.String("session_id", s.id), slog.String("method", req.Method), slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}

	res, mErr := jsonrpc.NewResultResponse(req.ID, result)
	if mErr != nil {
		s.log.Error("session.request.encode_fail", slog.String("session_id", s.id), slog.String("err", mErr.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
	return res
}

func (s *Session) writeResponse(res *jsonrpc.Response) {
	if err := s.conn.Write(s.runCtx, responseAsAny(res)); err != nil {
		s.log.Warn("session.response.write_fail", slog.String("session_id", s.id), slog.String("err", err.Error()))
	}
}

// MarkInitialized moves the session to Initialized. Transports call this
// when the handshake completes out of band (e.g. the acknowledgement arrived
// on a different HTTP exchange).
func (s *Session) MarkInitialized() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateInitialized {
		return nil
	}
	return s.transitionLocked(StateInitialized)
}

// Close shuts the session down: every still-pending request fails with
// ErrConnectionClosed exactly once, the lifecycle reaches Closed exactly
// once (even if already Closing), and the connection is closed. Close is
// idempotent.
func (s *Session) Close() error {
	s.close()
	return nil
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		// Closing is reachable from every live state; the checked transition
		// table governs handshake edges, while shutdown is always permitted.
		if s.state != StateClosed {
			s.state = StateClosing
			s.state = StateClosed
		}
		orphans := make([]*pendingRequest, 0, len(s.pending))
		for key, p := range s.pending {
			orphans = append(orphans, p)
			delete(s.pending, key)
		}
		inflight := make([]context.CancelCauseFunc, 0, len(s.inflight))
		for _, cancel := range s.inflight {
			inflight = append(inflight, cancel)
		}
		s.mu.Unlock()

		for _, p := range orphans {
			p.ch <- pendingOutcome{err: ErrConnectionClosed}
		}
		for _, cancel := range inflight {
			cancel(ErrConnectionClosed)
		}

		close(s.closed)
		s.cancelRun()
		if err := s.conn.Close(); err != nil {
			s.log.Debug("session.conn.close_fail", slog.String("session_id", s.id), slog.String("err", err.Error()))
		}
		s.log.Debug("session.closed", slog.String("session_id", s.id))
	})
}

// Done is closed when the session has fully shut down.
func (s *Session) Done() <-chan struct{} { return s.closed }

func requestAsAny(req *jsonrpc.Request) *jsonrpc.AnyMessage {
	return &jsonrpc.AnyMessage{
		JSONRPCVersion: req.JSONRPCVersion,
		Method:         req.Method,
		Params:         req.Params,
		ID:             req.ID,
	}
}

func responseAsAny(res *jsonrpc.Response) *jsonrpc.AnyMessage {
	return &jsonrpc.AnyMessage{
		JSONRPCVersion: res.JSONRPCVersion,
		Result:         res.Result,
		Error:          res.Error,
		ID:             res.ID,
	}
}
