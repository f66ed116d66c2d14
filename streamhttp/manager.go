// Package streamhttp implements the streamable HTTP transport: a single MCP
// endpoint serving POST message exchanges, GET standalone event streams with
// Last-Event-ID resumption, and DELETE session termination. Server-side
// sessions are owned by a Manager; the ClientTransport in this package is the
// matching client half.
package streamhttp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"
	"golang.org/x/sync/errgroup"

	"github.com/mcplane/mcp-session-go/eventstore"
	"github.com/mcplane/mcp-session-go/internal/logctx"
	"github.com/mcplane/mcp-session-go/jsonrpc"
	"github.com/mcplane/mcp-session-go/mcp"
	"github.com/mcplane/mcp-session-go/session"
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	jsonMediaTypes        = []contenttype.MediaType{jsonMediaType}
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	mcpSessionIDHeader = "Mcp-Session-Id"
	lastEventIDHeader  = "Last-Event-ID"
)

// Config holds the Manager's tunables. Defaults can be loaded via envdecode.
type Config struct {
	// IdleTimeout after which a quiet session becomes eligible for eviction.
	// ENV: MCP_SESSION_IDLE_TIMEOUT
	IdleTimeout time.Duration `env:"MCP_SESSION_IDLE_TIMEOUT,default=30m"`
	// SweepInterval between eviction passes. ENV: MCP_SESSION_SWEEP_INTERVAL
	SweepInterval time.Duration `env:"MCP_SESSION_SWEEP_INTERVAL,default=5m"`
	// MaxSessionsBeforeCleanup defers eviction work until the tracked session
	// count exceeds this threshold. ENV: MCP_SESSION_CLEANUP_THRESHOLD
	MaxSessionsBeforeCleanup int `env:"MCP_SESSION_CLEANUP_THRESHOLD,default=100"`
	// Stateless serves every request on an ephemeral session with no session
	// ID, no persisted record, and no standalone stream.
	// ENV: MCP_SESSION_STATELESS
	Stateless bool `env:"MCP_SESSION_STATELESS,default=false"`
	// KeepAliveInterval between SSE ping comments on open streams.
	// ENV: MCP_SSE_KEEPALIVE_INTERVAL
	KeepAliveInterval time.Duration `env:"MCP_SSE_KEEPALIVE_INTERVAL,default=25s"`
}

// ConfigFromEnv populates a Config from the environment.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return cfg, err
	}
	return cfg, nil
}

// RequestHandler serves application requests on behalf of a session. It runs
// with the session's request context: emitting notifications via sess with
// that context routes them to the HTTP exchange that carried the request.
type RequestHandler func(ctx context.Context, sess *session.Session, method string, params json.RawMessage) (any, error)

type sessionRecord struct {
	id   string
	sess *session.Session
	conn *serverConn

	lastActive atomic.Int64
}

func (r *sessionRecord) touch() { r.lastActive.Store(time.Now().UnixNano()) }

func (r *sessionRecord) idleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, r.lastActive.Load()))
}

// Manager owns the server side of the transport: it creates sessions on
// initialize, routes subsequent HTTP exchanges to them by session ID, and
// evicts idle sessions. It implements http.Handler for a single MCP endpoint.
type Manager struct {
	log     *slog.Logger
	store   eventstore.Store
	handler RequestHandler
	cfg     Config

	mu      sync.Mutex
	records map[string]*sessionRecord

	running atomic.Bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the slog logger. If not provided, the default logger
// is used, wrapped so request and session data on the context surface as
// attributes.
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithConfig replaces the default Config.
func WithConfig(cfg Config) ManagerOption {
	return func(m *Manager) {
		if cfg.IdleTimeout > 0 {
			m.cfg.IdleTimeout = cfg.IdleTimeout
		}
		if cfg.SweepInterval > 0 {
			m.cfg.SweepInterval = cfg.SweepInterval
		}
		if cfg.MaxSessionsBeforeCleanup > 0 {
			m.cfg.MaxSessionsBeforeCleanup = cfg.MaxSessionsBeforeCleanup
		}
		if cfg.KeepAliveInterval > 0 {
			m.cfg.KeepAliveInterval = cfg.KeepAliveInterval
		}
		m.cfg.Stateless = cfg.Stateless
	}
}

// StatelessMode serves every request on an ephemeral session.
func StatelessMode() ManagerOption {
	return func(m *Manager) { m.cfg.Stateless = true }
}

// NewManager builds a Manager backed by store. Two managers sharing one store
// can replay each other's sessions, so a client may roam between instances.
func NewManager(store eventstore.Store, handler RequestHandler, opts ...ManagerOption) *Manager {
	m := &Manager{
		log:     slog.New(logctx.Handler{Handler: slog.Default().Handler()}),
		store:   store,
		handler: handler,
		cfg: Config{
			IdleTimeout:              30 * time.Minute,
			SweepInterval:            5 * time.Minute,
			MaxSessionsBeforeCleanup: 100,
			KeepAliveInterval:        25 * time.Second,
		},
		records: make(map[string]*sessionRecord),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Run starts the idle-session sweeper and blocks until ctx is done, then
// closes every tracked session. Run must be called at most once; a second
// call panics.
func (m *Manager) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		panic("streamhttp: Manager.Run called more than once")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ticker := time.NewTicker(m.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.sweep()
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})

	err := g.Wait()
	m.closeAll()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// sweep evicts idle sessions, but only once the tracked count exceeds the
// cleanup threshold. Below the threshold idle sessions are left alone.
func (m *Manager) sweep() {
	m.mu.Lock()
	if len(m.records) <= m.cfg.MaxSessionsBeforeCleanup {
		m.mu.Unlock()
		return
	}
	now := time.Now()
	var victims []*sessionRecord
	for _, rec := range m.records {
		if rec.idleFor(now) > m.cfg.IdleTimeout {
			victims = append(victims, rec)
		}
	}
	m.mu.Unlock()

	for _, rec := range victims {
		m.log.Info("session.evict.idle", slog.String("session_id", rec.id))
		_ = rec.sess.Close()
	}
}

func (m *Manager) closeAll() {
	m.mu.Lock()
	recs := make([]*sessionRecord, 0, len(m.records))
	for _, rec := range m.records {
		recs = append(recs, rec)
	}
	m.mu.Unlock()
	for _, rec := range recs {
		_ = rec.sess.Close()
	}
}

// SessionCount reports the number of tracked sessions.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func (m *Manager) lookup(id string) *sessionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[id]
}

func (m *Manager) removeRecord(id string) {
	m.mu.Lock()
	delete(m.records, id)
	m.mu.Unlock()
}

// createSession mints a new tracked session. The record is reaped when the
// session ends for any reason, not only via DELETE.
func (m *Manager) createSession() *sessionRecord {
	id := uuid.NewString()
	conn := newServerConn(id, m.store, m.log)

	rec := &sessionRecord{id: id, conn: conn}
	rec.touch()
	rec.sess = session.New(conn,
		session.WithSessionID(id),
		session.WithLogger(m.log),
		session.WithRequestHandler(m.bindHandler(rec)),
	)

	m.mu.Lock()
	m.records[id] = rec
	m.mu.Unlock()

	go func() {
		defer m.removeRecord(id)
		<-rec.sess.Done()
	}()

	m.log.Info("session.create", slog.String("session_id", id))
	return rec
}

// createEphemeral builds an untracked stateless session for one exchange.
func (m *Manager) createEphemeral() *sessionRecord {
	id := "stateless-" + uuid.NewString()
	conn := newServerConn(id, nil, m.log)
	rec := &sessionRecord{id: id, conn: conn}
	rec.touch()
	rec.sess = session.New(conn,
		session.WithSessionID(id),
		session.WithLogger(m.log),
		session.Stateless(),
		session.WithRequestHandler(m.bindHandler(rec)),
	)
	return rec
}

func (m *Manager) bindHandler(rec *sessionRecord) session.RequestHandler {
	return func(ctx context.Context, method string, params json.RawMessage) (any, error) {
		if m.handler == nil {
			return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeMethodNotFound, Message: "method not found"}
		}
		return m.handler(ctx, rec.sess, method, params)
	}
}

func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})
	r = r.WithContext(ctx)

	switch r.Method {
	case http.MethodPost:
		m.handlePost(w, r)
	case http.MethodGet:
		m.handleGet(w, r)
	case http.MethodDelete:
		m.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "POST, GET, DELETE")
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// writeParseError answers a body that is not JSON at all. This is the one
// transport failure expressed as a JSON-RPC error, so generic clients can
// decode the −32700 envelope.
func writeParseError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusBadRequest)
	// A zero RequestID marshals as null, which is what a parse error calls for.
	resp := jsonrpc.NewErrorResponse(&jsonrpc.RequestID{}, jsonrpc.ErrorCodeParseError, "parse error: "+err.Error(), nil)
	_ = json.NewEncoder(w).Encode(resp)
}

// writeJSONError emits a transport-level error body, never a JSON-RPC error.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	if ct := w.Header().Get("Content-Type"); ct == "" || ct == jsonMediaType.String() {
		w.Header().Set("Content-Type", jsonMediaType.String())
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

func (m *Manager) handlePost(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		m.log.WarnContext(ctx, "http.post.content_type.unsupported")
		return
	}
	// Responses to POST may be plain JSON or an SSE upgrade; the client must
	// accept both.
	if _, _, err := contenttype.GetAcceptableMediaType(r, jsonMediaTypes); err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "accept must include application/json and text/event-stream")
		m.log.WarnContext(ctx, "http.post.accept.unacceptable")
		return
	}
	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "accept must include application/json and text/event-stream")
		m.log.WarnContext(ctx, "http.post.accept.unacceptable")
		return
	}

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeParseError(w, err)
		m.log.WarnContext(ctx, "http.post.decode.fail", slog.String("err", err.Error()))
		return
	}

	// The body is a single message or a batch array of them.
	var msgs []*jsonrpc.AnyMessage
	if len(raw) > 0 && raw[0] == '[' {
		var batch []*jsonrpc.AnyMessage
		if err := json.Unmarshal(raw, &batch); err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			m.log.WarnContext(ctx, "http.post.batch.invalid", slog.String("err", err.Error()))
			return
		}
		if len(batch) == 0 {
			writeJSONError(w, http.StatusBadRequest, "empty batch")
			return
		}
		for _, msg := range batch {
			// A literal null element decodes to a nil pointer.
			if msg == nil {
				writeJSONError(w, http.StatusBadRequest, "null message in batch")
				return
			}
		}
		msgs = batch
	} else {
		var msg jsonrpc.AnyMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			m.log.WarnContext(ctx, "http.post.message.invalid", slog.String("err", err.Error()))
			return
		}
		msgs = []*jsonrpc.AnyMessage{&msg}
	}

	var reqIDs []jsonrpc.RequestID
	hasInitialize := false
	for _, msg := range msgs {
		if msg.Type() == "request" {
			reqIDs = append(reqIDs, msg.ID.Key())
			if msg.Method == string(mcp.InitializeMethod) {
				hasInitialize = true
			}
		}
	}

	if m.cfg.Stateless {
		m.handleStatelessPost(w, r, msgs, reqIDs)
		return
	}

	// A session id header always wins, even on initialize: a stale id gets
	// 404 so the client knows to clear it and start over. Only a headerless
	// initialize mints a fresh session.
	var rec *sessionRecord
	if sessID := r.Header.Get(mcpSessionIDHeader); sessID != "" {
		rec = m.lookup(sessID)
		if rec == nil {
			writeJSONError(w, http.StatusNotFound, "session not found")
			m.log.InfoContext(ctx, "session.load.miss", slog.String("session_id", sessID))
			return
		}
	} else if hasInitialize {
		rec = m.createSession()
		w.Header().Set(mcpSessionIDHeader, rec.id)
	} else {
		writeJSONError(w, http.StatusBadRequest, "missing "+mcpSessionIDHeader+" header")
		return
	}
	rec.touch()
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: rec.id, State: string(rec.sess.State())})

	if len(reqIDs) == 0 {
		// Pure notifications/responses expect no reply.
		for _, msg := range msgs {
			if err := rec.conn.deliver(ctx, msg); err != nil {
				writeJSONError(w, http.StatusServiceUnavailable, "session unavailable")
				return
			}
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}
	m.serveExchange(w, r.WithContext(ctx), rec, msgs, reqIDs)
}

func (m *Manager) handleStatelessPost(w http.ResponseWriter, r *http.Request, msgs []*jsonrpc.AnyMessage, reqIDs []jsonrpc.RequestID) {
	if len(reqIDs) == 0 {
		// Nothing persists between stateless exchanges; acknowledge and drop.
		w.WriteHeader(http.StatusAccepted)
		return
	}
	rec := m.createEphemeral()
	defer rec.sess.Close()
	m.serveExchange(w, r, rec, msgs, reqIDs)
}

// serveExchange delivers the POSTed messages to the session and streams the
// exchange back, ending once every request in the POST has its final
// response. The shape of the body is decided by the first outbound message:
// for a lone request whose first message is the final response, reply with a
// plain JSON body; anything earlier, or more than one request in the POST,
// upgrades the exchange to SSE.
func (m *Manager) serveExchange(w http.ResponseWriter, r *http.Request, rec *sessionRecord, msgs []*jsonrpc.AnyMessage, reqIDs []jsonrpc.RequestID) {
	ctx := r.Context()
	start := time.Now()
	rpcMethod := ""
	for _, msg := range msgs {
		if msg.Type() == "request" {
			rpcMethod = msg.Method
			break
		}
	}

	f, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		m.log.ErrorContext(ctx, "http.post.flusher.missing")
		return
	}

	ex := &exchange{
		streamID: rec.id + "/" + uuid.NewString(),
		ch:       make(chan frame, incomingBuffer),
		done:     make(chan struct{}),
	}
	if err := rec.conn.addExchange(ex, reqIDs...); err != nil {
		writeJSONError(w, http.StatusBadRequest, "request id already in flight")
		return
	}
	defer rec.conn.removeExchange(ex)

	for _, msg := range msgs {
		if err := rec.conn.deliver(ctx, msg); err != nil {
			writeJSONError(w, http.StatusServiceUnavailable, "session unavailable")
			return
		}
	}

	pending := len(reqIDs)
	var wf *lockedWriteFlusher
	var pingC <-chan time.Time
	first := true
	for {
		select {
		case fr := <-ex.ch:
			if first && fr.final && pending == 1 {
				w.Header().Set("Content-Type", jsonMediaType.String())
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write(fr.data)
				_, _ = w.Write([]byte("\n"))
				m.log.InfoContext(ctx, "http.post.ok", slog.String("rpc_method", rpcMethod), slog.Duration("dur", time.Since(start)))
				return
			}
			if first {
				w.Header().Set("Content-Type", eventStreamMediaType.String())
				w.Header().Set("Cache-Control", "no-cache")
				w.WriteHeader(http.StatusOK)
				wf = &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}
				ping := time.NewTicker(m.cfg.KeepAliveInterval)
				defer ping.Stop()
				pingC = ping.C
				first = false
			}
			if err := writeSSEEvent(wf, fr.eventID, fr.data); err != nil {
				m.log.WarnContext(ctx, "http.post.sse.write_fail", slog.String("err", err.Error()))
				return
			}
			if fr.final {
				pending--
				if pending == 0 {
					m.log.InfoContext(ctx, "http.post.ok", slog.String("rpc_method", rpcMethod), slog.Duration("dur", time.Since(start)))
					return
				}
			}
		case <-pingC:
			_ = writeSSEComment(wf, "keep-alive")
		case <-rec.sess.Done():
			if first {
				writeJSONError(w, http.StatusServiceUnavailable, "session closed")
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "accept must include text/event-stream")
		m.log.WarnContext(ctx, "http.get.accept.unacceptable")
		return
	}
	if m.cfg.Stateless {
		w.Header().Set("Allow", "POST")
		writeJSONError(w, http.StatusMethodNotAllowed, "standalone streams unavailable in stateless mode")
		return
	}

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing "+mcpSessionIDHeader+" header")
		return
	}
	lastEventID := r.Header.Get(lastEventIDHeader)
	rec := m.lookup(sessID)
	if rec == nil && lastEventID == "" {
		writeJSONError(w, http.StatusNotFound, "session not found")
		m.log.InfoContext(ctx, "session.load.miss", slog.String("session_id", sessID))
		return
	}
	if rec != nil {
		rec.touch()
	}

	f, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}
	headersWritten := false
	ensureHeaders := func() {
		if headersWritten {
			return
		}
		w.Header().Set("Content-Type", eventStreamMediaType.String())
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)
		headersWritten = true
	}

	// Resumption: replay everything after the client's cursor before going
	// live. The cursor may belong to a stream written by another instance
	// sharing the store; replaying it here is what lets sessions roam, even
	// when this instance holds no live record for them.
	if lastEventID != "" {
		streamID, err := m.store.ReplayEventsAfter(ctx, lastEventID, func(ctx context.Context, evt eventstore.Event) error {
			ensureHeaders()
			return writeSSEEvent(wf, evt.ID, evt.Message)
		})
		if err != nil {
			if errors.Is(err, eventstore.ErrEventNotFound) && !headersWritten {
				if rec == nil {
					writeJSONError(w, http.StatusNotFound, "session not found")
				} else {
					writeJSONError(w, http.StatusBadRequest, "unknown event id")
				}
				return
			}
			m.log.WarnContext(ctx, "http.get.replay.fail", slog.String("err", err.Error()))
			return
		}
		m.log.InfoContext(ctx, "http.get.replay.ok", slog.String("stream_id", streamID))
		if rec == nil || streamID != rec.id {
			// No live session here, or an exchange stream whose history is
			// finite; once replayed there is nothing to go live on.
			ensureHeaders()
			return
		}
	}

	st, err := rec.conn.attachStandalone()
	if err != nil {
		if !headersWritten {
			writeJSONError(w, http.StatusConflict, "standalone stream already attached")
		}
		return
	}
	defer rec.conn.detachStandalone(st)
	ensureHeaders()
	wf.Flush()

	ping := time.NewTicker(m.cfg.KeepAliveInterval)
	defer ping.Stop()
	for {
		select {
		case fr := <-st.ch:
			if err := writeSSEEvent(wf, fr.eventID, fr.data); err != nil {
				m.log.WarnContext(ctx, "http.get.sse.write_fail", slog.String("err", err.Error()))
				return
			}
		case <-ping.C:
			_ = writeSSEComment(wf, "keep-alive")
		case <-rec.sess.Done():
			return
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if m.cfg.Stateless {
		w.Header().Set("Allow", "POST")
		writeJSONError(w, http.StatusMethodNotAllowed, "no sessions to delete in stateless mode")
		return
	}

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing "+mcpSessionIDHeader+" header")
		return
	}
	rec := m.lookup(sessID)
	if rec == nil {
		writeJSONError(w, http.StatusNotFound, "session not found")
		return
	}

	_ = rec.sess.Close()
	m.removeRecord(sessID)
	m.log.InfoContext(ctx, "session.delete", slog.String("session_id", sessID))
	w.WriteHeader(http.StatusOK)
}
