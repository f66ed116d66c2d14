package streamhttp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mcplane/mcp-session-go/eventstore/memstore"
	"github.com/mcplane/mcp-session-go/jsonrpc"
	"github.com/mcplane/mcp-session-go/mcp"
	"github.com/mcplane/mcp-session-go/session"
)

// testAppHandler is a minimal application: it answers the handshake, echoes
// params, relays progress over the exchange, and broadcasts on the standalone
// stream.
func testAppHandler() RequestHandler {
	return func(ctx context.Context, sess *session.Session, method string, params json.RawMessage) (any, error) {
		switch method {
		case string(mcp.InitializeMethod):
			return mcp.InitializeResult{
				ProtocolVersion: "2025-06-18",
				ServerInfo:      mcp.ImplementationInfo{Name: "test-server", Version: "0.0.0"},
			}, nil
		case "echo":
			var v map[string]any
			if err := json.Unmarshal(params, &v); err != nil {
				return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidParams, Message: "bad params"}
			}
			return v, nil
		case "progress/emit":
			// Affinity context: these land on the POST exchange stream.
			_ = sess.Notify(ctx, string(mcp.ProgressNotificationMethod), mcp.ProgressNotificationParams{Progress: 0.5})
			_ = sess.Notify(ctx, string(mcp.ProgressNotificationMethod), mcp.ProgressNotificationParams{Progress: 1})
			return mcp.EmptyResult{}, nil
		case "broadcast":
			// Background context: no exchange affinity, standalone stream.
			_ = sess.Notify(context.Background(), "notifications/tick", map[string]int{"n": 1})
			return mcp.EmptyResult{}, nil
		case "fail":
			return nil, fmt.Errorf("kaput")
		}
		return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeMethodNotFound, Message: "method not found"}
	}
}

func newTestServer(t *testing.T, opts ...ManagerOption) (*Manager, *httptest.Server) {
	t.Helper()
	m := NewManager(memstore.New(), testAppHandler(), opts...)
	ts := httptest.NewServer(m)
	t.Cleanup(ts.Close)
	t.Cleanup(func() { m.closeAll() })
	return m, ts
}

func doPost(t *testing.T, ts *httptest.Server, sessID, body string, mutate ...func(*http.Request)) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.URL, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sessID != "" {
		req.Header.Set(mcpSessionIDHeader, sessID)
	}
	for _, fn := range mutate {
		fn(req)
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func initializeSession(t *testing.T, ts *httptest.Server) string {
	t.Helper()
	resp := doPost(t, ts, "", `{"jsonrpc":"2.0","method":"initialize","params":{"protocolVersion":"2025-06-18","clientInfo":{"name":"c","version":"1"}},"id":1}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("initialize status %d", resp.StatusCode)
	}
	sessID := resp.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		t.Fatal("initialize response missing session id header")
	}
	return sessID
}

func decodeBody(t *testing.T, resp *http.Response) *jsonrpc.AnyMessage {
	t.Helper()
	defer resp.Body.Close()
	var msg jsonrpc.AnyMessage
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return &msg
}

func collectSSE(t *testing.T, body io.Reader) []sseEvent {
	t.Helper()
	var events []sseEvent
	if err := readSSEEvents(body, func(evt sseEvent) error {
		events = append(events, evt)
		return nil
	}); err != nil {
		t.Fatalf("read SSE: %v", err)
	}
	return events
}

func TestHTTPStatusMatrix(t *testing.T) {
	_, ts := newTestServer(t)
	sessID := initializeSession(t, ts)

	t.Run("UnsupportedVerb", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodPut, ts.URL, strings.NewReader("{}"))
		resp, err := ts.Client().Do(req)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Fatalf("status %d, want 405", resp.StatusCode)
		}
		if allow := resp.Header.Get("Allow"); !strings.Contains(allow, "POST") {
			t.Fatalf("Allow header %q", allow)
		}
	})

	t.Run("WrongContentType", func(t *testing.T) {
		resp := doPost(t, ts, sessID, `{"jsonrpc":"2.0","method":"ping","id":2}`, func(r *http.Request) {
			r.Header.Set("Content-Type", "text/plain")
		})
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusUnsupportedMediaType {
			t.Fatalf("status %d, want 415", resp.StatusCode)
		}
	})

	t.Run("NarrowAccept", func(t *testing.T) {
		resp := doPost(t, ts, sessID, `{"jsonrpc":"2.0","method":"ping","id":3}`, func(r *http.Request) {
			r.Header.Set("Accept", "application/json")
		})
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusNotAcceptable {
			t.Fatalf("status %d, want 406", resp.StatusCode)
		}
	})

	t.Run("MalformedJSONGetsParseError", func(t *testing.T) {
		resp := doPost(t, ts, sessID, `{not json`)
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("status %d, want 400", resp.StatusCode)
		}
		var body jsonrpc.AnyMessage
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode error body: %v", err)
		}
		if body.Error == nil || body.Error.Code != jsonrpc.ErrorCodeParseError {
			t.Fatalf("want parse error envelope, got %+v", body.Error)
		}
	})

	t.Run("EmptyBatch", func(t *testing.T) {
		resp := doPost(t, ts, sessID, `[]`)
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("status %d, want 400", resp.StatusCode)
		}
	})

	t.Run("InitializeWithStaleSessionID", func(t *testing.T) {
		resp := doPost(t, ts, "nope", `{"jsonrpc":"2.0","method":"initialize","params":{},"id":4}`)
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("status %d, want 404", resp.StatusCode)
		}
	})

	t.Run("MalformedMessage", func(t *testing.T) {
		resp := doPost(t, ts, sessID, `{"jsonrpc":"2.0","id":5}`)
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("status %d, want 400", resp.StatusCode)
		}
	})

	t.Run("MissingSessionHeader", func(t *testing.T) {
		resp := doPost(t, ts, "", `{"jsonrpc":"2.0","method":"ping","id":6}`)
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("status %d, want 400", resp.StatusCode)
		}
	})

	t.Run("UnknownSession", func(t *testing.T) {
		resp := doPost(t, ts, "nope", `{"jsonrpc":"2.0","method":"ping","id":7}`)
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("status %d, want 404", resp.StatusCode)
		}
	})

	t.Run("GetNarrowAccept", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, ts.URL, nil)
		req.Header.Set("Accept", "application/json")
		req.Header.Set(mcpSessionIDHeader, sessID)
		resp, err := ts.Client().Do(req)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusNotAcceptable {
			t.Fatalf("status %d, want 406", resp.StatusCode)
		}
	})

	t.Run("GetUnknownSession", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, ts.URL, nil)
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set(mcpSessionIDHeader, "nope")
		resp, err := ts.Client().Do(req)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("status %d, want 404", resp.StatusCode)
		}
	})

	t.Run("DeleteUnknownSession", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodDelete, ts.URL, nil)
		req.Header.Set(mcpSessionIDHeader, "nope")
		resp, err := ts.Client().Do(req)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("status %d, want 404", resp.StatusCode)
		}
	})
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	m, ts := newTestServer(t)

	sessID := initializeSession(t, ts)
	if m.SessionCount() != 1 {
		t.Fatalf("session count %d, want 1", m.SessionCount())
	}

	resp := doPost(t, ts, sessID, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("initialized notification status %d, want 202", resp.StatusCode)
	}

	resp = doPost(t, ts, sessID, `{"jsonrpc":"2.0","method":"echo","params":{"hello":"world"},"id":2}`)
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("content type %q", ct)
	}
	msg := decodeBody(t, resp)
	if msg.Error != nil {
		t.Fatalf("echo error: %+v", msg.Error)
	}
	if want := `{"hello":"world"}`; string(msg.Result) != want {
		t.Fatalf("echo result %s, want %s", msg.Result, want)
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL, nil)
	req.Header.Set(mcpSessionIDHeader, sessID)
	dresp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	dresp.Body.Close()
	if dresp.StatusCode != http.StatusOK {
		t.Fatalf("delete status %d, want 200", dresp.StatusCode)
	}

	resp = doPost(t, ts, sessID, `{"jsonrpc":"2.0","method":"ping","id":3}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("post after delete status %d, want 404", resp.StatusCode)
	}
}

func TestExchangeUpgradesToSSEWhenNotificationComesFirst(t *testing.T) {
	_, ts := newTestServer(t)
	sessID := initializeSession(t, ts)

	resp := doPost(t, ts, sessID, `{"jsonrpc":"2.0","method":"progress/emit","params":{},"id":2}`)
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type %q, want SSE upgrade", ct)
	}

	events := collectSSE(t, resp.Body)
	if len(events) != 3 {
		t.Fatalf("got %d events, want 2 progress + 1 response", len(events))
	}
	for i := 0; i < 2; i++ {
		var note jsonrpc.AnyMessage
		if err := json.Unmarshal(events[i].data, &note); err != nil {
			t.Fatalf("event %d: %v", i, err)
		}
		if note.Method != string(mcp.ProgressNotificationMethod) {
			t.Fatalf("event %d method %q", i, note.Method)
		}
		if events[i].id == "" {
			t.Fatalf("event %d missing id for resumption", i)
		}
	}
	var final jsonrpc.AnyMessage
	if err := json.Unmarshal(events[2].data, &final); err != nil {
		t.Fatal(err)
	}
	if final.Type() != "response" {
		t.Fatalf("last event is %q, want response", final.Type())
	}
}

func TestBatchNotificationsAccepted(t *testing.T) {
	_, ts := newTestServer(t)
	sessID := initializeSession(t, ts)

	resp := doPost(t, ts, sessID, `[{"jsonrpc":"2.0","method":"notifications/initialized"},{"jsonrpc":"2.0","method":"notifications/other"}]`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("batch notification status %d, want 202", resp.StatusCode)
	}
}

func TestBatchRequestsStreamAllResponses(t *testing.T) {
	_, ts := newTestServer(t)
	sessID := initializeSession(t, ts)

	resp := doPost(t, ts, sessID, `[{"jsonrpc":"2.0","method":"echo","params":{"a":1},"id":2},{"jsonrpc":"2.0","method":"echo","params":{"b":2},"id":3}]`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("batch status %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type %q, want SSE for multi-request batch", ct)
	}

	events := collectSSE(t, resp.Body)
	if len(events) != 2 {
		t.Fatalf("got %d events, want one response per request", len(events))
	}
	// Handlers run concurrently, so response order is unspecified.
	got := map[jsonrpc.RequestID]bool{}
	for i, evt := range events {
		var msg jsonrpc.AnyMessage
		if err := json.Unmarshal(evt.data, &msg); err != nil {
			t.Fatalf("event %d: %v", i, err)
		}
		if msg.Type() != "response" {
			t.Fatalf("event %d is %q, want response", i, msg.Type())
		}
		got[msg.ID.Key()] = true
	}
	for _, want := range []*jsonrpc.RequestID{jsonrpc.IntID(2), jsonrpc.IntID(3)} {
		if !got[want.Key()] {
			t.Fatalf("no response for request id %v; got %v", want, got)
		}
	}
}

func TestReplayAfterLastEventID(t *testing.T) {
	_, ts := newTestServer(t)
	sessID := initializeSession(t, ts)

	resp := doPost(t, ts, sessID, `{"jsonrpc":"2.0","method":"progress/emit","params":{},"id":2}`)
	events := collectSSE(t, resp.Body)
	resp.Body.Close()
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}

	// Pretend we saw only the first event and resume.
	req, _ := http.NewRequest(http.MethodGet, ts.URL, nil)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set(mcpSessionIDHeader, sessID)
	req.Header.Set(lastEventIDHeader, events[0].id)
	gresp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer gresp.Body.Close()
	if gresp.StatusCode != http.StatusOK {
		t.Fatalf("replay status %d", gresp.StatusCode)
	}

	replayed := collectSSE(t, gresp.Body)
	if len(replayed) != 2 {
		t.Fatalf("replayed %d events, want 2", len(replayed))
	}
	if replayed[0].id != events[1].id || replayed[1].id != events[2].id {
		t.Fatalf("replayed ids %s,%s want %s,%s", replayed[0].id, replayed[1].id, events[1].id, events[2].id)
	}
}

func TestReplayUnknownEventID(t *testing.T) {
	_, ts := newTestServer(t)
	sessID := initializeSession(t, ts)

	req, _ := http.NewRequest(http.MethodGet, ts.URL, nil)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set(mcpSessionIDHeader, sessID)
	req.Header.Set(lastEventIDHeader, "no-such-event")
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", resp.StatusCode)
	}
}

func TestStandaloneStreamSingleConsumer(t *testing.T) {
	m, ts := newTestServer(t)
	sessID := initializeSession(t, ts)

	req, _ := http.NewRequest(http.MethodGet, ts.URL, nil)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set(mcpSessionIDHeader, sessID)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	resp, err := ts.Client().Do(req.WithContext(ctx))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status %d", resp.StatusCode)
	}

	// Wait for the stream to attach server-side.
	rec := m.lookup(sessID)
	deadline := time.Now().Add(2 * time.Second)
	for {
		rec.conn.mu.Lock()
		attached := rec.conn.standalone != nil
		rec.conn.mu.Unlock()
		if attached {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("standalone stream never attached")
		}
		time.Sleep(5 * time.Millisecond)
	}

	req2, _ := http.NewRequest(http.MethodGet, ts.URL, nil)
	req2.Header.Set("Accept", "text/event-stream")
	req2.Header.Set(mcpSessionIDHeader, sessID)
	resp2, err := ts.Client().Do(req2)
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusConflict {
		t.Fatalf("second stream status %d, want 409", resp2.StatusCode)
	}
}

func TestStatelessMode(t *testing.T) {
	m, ts := newTestServer(t, StatelessMode())

	resp := doPost(t, ts, "", `{"jsonrpc":"2.0","method":"echo","params":{"a":1},"id":1}`)
	if resp.Header.Get(mcpSessionIDHeader) != "" {
		t.Fatal("stateless mode must not mint session ids")
	}
	msg := decodeBody(t, resp)
	if msg.Error != nil {
		t.Fatalf("stateless echo error: %+v", msg.Error)
	}
	if m.SessionCount() != 0 {
		t.Fatalf("stateless mode tracked %d sessions", m.SessionCount())
	}

	resp = doPost(t, ts, "", `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("stateless notification status %d, want 202", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL, nil)
	req.Header.Set("Accept", "text/event-stream")
	gresp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	gresp.Body.Close()
	if gresp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("stateless GET status %d, want 405", gresp.StatusCode)
	}

	dreq, _ := http.NewRequest(http.MethodDelete, ts.URL, nil)
	dresp, err := ts.Client().Do(dreq)
	if err != nil {
		t.Fatal(err)
	}
	dresp.Body.Close()
	if dresp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("stateless DELETE status %d, want 405", dresp.StatusCode)
	}
}

func TestHandlerErrorBecomesJSONRPCError(t *testing.T) {
	_, ts := newTestServer(t)
	sessID := initializeSession(t, ts)

	resp := doPost(t, ts, sessID, `{"jsonrpc":"2.0","method":"fail","params":{},"id":2}`)
	msg := decodeBody(t, resp)
	if msg.Error == nil || msg.Error.Code != jsonrpc.ErrorCodeInternalError {
		t.Fatalf("want internal error response, got %+v", msg.Error)
	}
}

func TestIdleEvictionRespectsThreshold(t *testing.T) {
	m, ts := newTestServer(t, WithConfig(Config{
		IdleTimeout:              10 * time.Millisecond,
		MaxSessionsBeforeCleanup: 2,
	}))

	initializeSession(t, ts)
	initializeSession(t, ts)
	time.Sleep(30 * time.Millisecond)

	// At or below the threshold nothing is evicted, idle or not.
	m.sweep()
	if got := m.SessionCount(); got != 2 {
		t.Fatalf("session count after sweep below threshold: %d, want 2", got)
	}

	initializeSession(t, ts)
	time.Sleep(30 * time.Millisecond)
	m.sweep()

	// Eviction closes the sessions; reaping the records is asynchronous.
	deadline := time.Now().Add(2 * time.Second)
	for m.SessionCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("session count after sweep above threshold: %d, want 0", m.SessionCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRunPanicsWhenCalledTwice(t *testing.T) {
	m := NewManager(memstore.New(), testAppHandler())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.Run(ctx); err != nil {
		t.Fatalf("first run: %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Fatal("second Run call must panic")
		}
	}()
	_ = m.Run(context.Background())
}

func TestSessionRecordReapedWhenSessionDies(t *testing.T) {
	m, ts := newTestServer(t)
	sessID := initializeSession(t, ts)

	rec := m.lookup(sessID)
	if rec == nil {
		t.Fatal("record missing")
	}
	_ = rec.sess.Close()

	deadline := time.Now().Add(2 * time.Second)
	for m.lookup(sessID) != nil {
		if time.Now().After(deadline) {
			t.Fatal("record not reaped after session close")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSessionRoamingAcrossManagers(t *testing.T) {
	store := memstore.New()
	m1 := NewManager(store, testAppHandler())
	m2 := NewManager(store, testAppHandler())
	ts1 := httptest.NewServer(m1)
	ts2 := httptest.NewServer(m2)
	t.Cleanup(ts1.Close)
	t.Cleanup(ts2.Close)
	t.Cleanup(m1.closeAll)
	t.Cleanup(m2.closeAll)

	sessID := initializeSession(t, ts1)
	resp := doPost(t, ts1, sessID, `{"jsonrpc":"2.0","method":"progress/emit","params":{},"id":2}`)
	events := collectSSE(t, resp.Body)
	resp.Body.Close()
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}

	// The second instance never saw this session, but shares the store: it
	// can replay the history from the client's cursor.
	req, _ := http.NewRequest(http.MethodGet, ts2.URL, nil)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set(mcpSessionIDHeader, sessID)
	req.Header.Set(lastEventIDHeader, events[0].id)
	gresp, err := ts2.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer gresp.Body.Close()
	if gresp.StatusCode != http.StatusOK {
		t.Fatalf("roamed replay status %d", gresp.StatusCode)
	}
	replayed := collectSSE(t, gresp.Body)
	if len(replayed) != 2 {
		t.Fatalf("roamed replay delivered %d events, want 2", len(replayed))
	}
}
