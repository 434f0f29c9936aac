package testutil

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Request is a command received by a FakeBrowser.
type Request struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"sessionId,omitempty"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// HandlerFunc answers a command automatically. It runs on the connection's
// read goroutine.
type HandlerFunc func(c *FakeConn, req Request)

// FakeBrowser is an in-process DevTools endpoint. It serves /json/version and
// accepts websocket connections on the advertised debugger URL. Commands
// with a registered handler are answered automatically; everything else is
// queued on the connection for the test to inspect with Expect.
type FakeBrowser struct {
	server *httptest.Server
	path   string

	mu       sync.Mutex
	handlers map[string]HandlerFunc
	conns    []*FakeConn

	accepted chan *FakeConn
	wg       sync.WaitGroup
}

// NewFakeBrowser starts a fake browser. It answers Target.setDiscoverTargets
// with an empty result and Browser.close by replying and hanging up. It is
// closed when the test ends.
func NewFakeBrowser(t testing.TB) *FakeBrowser {
	t.Helper()

	b := &FakeBrowser{
		path:     "/devtools/browser/" + uuid.NewString(),
		handlers: make(map[string]HandlerFunc),
		accepted: make(chan *FakeConn, 16),
	}
	b.handlers["Target.setDiscoverTargets"] = func(c *FakeConn, req Request) {
		_ = c.write(map[string]interface{}{"id": req.ID, "result": struct{}{}})
	}
	b.handlers["Browser.close"] = func(c *FakeConn, req Request) {
		_ = c.write(map[string]interface{}{"id": req.ID, "result": struct{}{}})
		c.Close()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", b.serveVersion)
	mux.HandleFunc(b.path, b.serveWebSocket)
	b.server = httptest.NewServer(mux)

	t.Cleanup(b.Close)
	return b
}

// URL returns the http discovery URL, e.g. http://127.0.0.1:41234.
func (b *FakeBrowser) URL() string {
	return b.server.URL
}

// Addr returns host:port.
func (b *FakeBrowser) Addr() string {
	return strings.TrimPrefix(b.server.URL, "http://")
}

// Port returns the listening port.
func (b *FakeBrowser) Port() int {
	_, port, _ := net.SplitHostPort(b.Addr())
	n, _ := strconv.Atoi(port)
	return n
}

// Path returns the debugger path, as written to DevToolsActivePort.
func (b *FakeBrowser) Path() string {
	return b.path
}

// WebSocketURL returns the websocket debugger URL.
func (b *FakeBrowser) WebSocketURL() string {
	return "ws://" + b.Addr() + b.path
}

// Handle registers an automatic answer for method. A nil handler removes the
// default so the command is queued for Expect instead.
func (b *FakeBrowser) Handle(method string, fn HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if fn == nil {
		delete(b.handlers, method)
		return
	}
	b.handlers[method] = fn
}

// Reply returns a handler that answers with result.
func Reply(result interface{}) HandlerFunc {
	return func(c *FakeConn, req Request) {
		_ = c.write(map[string]interface{}{"id": req.ID, "result": result})
	}
}

// Accept waits for the next websocket connection.
func (b *FakeBrowser) Accept(t testing.TB) *FakeConn {
	t.Helper()
	select {
	case c := <-b.accepted:
		return c
	case <-time.After(5 * time.Second):
		t.Fatalf("no connection accepted")
		return nil
	}
}

// Close hangs up every connection and stops the server.
func (b *FakeBrowser) Close() {
	b.mu.Lock()
	conns := append([]*FakeConn(nil), b.conns...)
	b.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
	b.wg.Wait()
	b.server.Close()
}

func (b *FakeBrowser) handler(method string) HandlerFunc {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handlers[method]
}

func (b *FakeBrowser) serveVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"Browser":              "FakeChrome/1.0",
		"Protocol-Version":     "1.3",
		"User-Agent":           "FakeChrome",
		"webSocketDebuggerUrl": "ws://" + r.Host + b.path,
	})
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

func (b *FakeBrowser) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &FakeConn{
		browser:  b,
		ws:       ws,
		requests: make(chan Request, 256),
		closed:   make(chan struct{}),
	}

	b.mu.Lock()
	b.conns = append(b.conns, c)
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		c.readLoop()
	}()
	b.accepted <- c
}

// FakeConn is one client connection to a FakeBrowser.
type FakeConn struct {
	browser  *FakeBrowser
	ws       *websocket.Conn
	requests chan Request

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

func (c *FakeConn) readLoop() {
	defer c.Close()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		if fn := c.browser.handler(req.Method); fn != nil {
			fn(c, req)
			continue
		}
		select {
		case c.requests <- req:
		case <-c.closed:
			return
		}
	}
}

// Next waits for the next unanswered command.
func (c *FakeConn) Next(t testing.TB) Request {
	t.Helper()
	select {
	case req := <-c.requests:
		return req
	case <-time.After(5 * time.Second):
		t.Fatalf("no command received")
		return Request{}
	}
}

// Expect waits for the next unanswered command and checks its method.
func (c *FakeConn) Expect(t testing.TB, method string) Request {
	t.Helper()
	req := c.Next(t)
	if req.Method != method {
		t.Fatalf("expected command %s, got %s", method, req.Method)
	}
	return req
}

// ExpectNone checks that no unanswered command arrives within d.
func (c *FakeConn) ExpectNone(t testing.TB, d time.Duration) {
	t.Helper()
	select {
	case req := <-c.requests:
		t.Fatalf("unexpected command %s", req.Method)
	case <-time.After(d):
	}
}

// Reply answers command id with result.
func (c *FakeConn) Reply(t testing.TB, id int64, result interface{}) {
	t.Helper()
	c.send(t, map[string]interface{}{"id": id, "result": result})
}

// ReplyError answers command id with a protocol error.
func (c *FakeConn) ReplyError(t testing.TB, id int64, code int, message string) {
	t.Helper()
	c.send(t, map[string]interface{}{
		"id":    id,
		"error": map[string]interface{}{"code": code, "message": message},
	})
}

// Emit sends an event. An empty sessionID makes it a browser-level event.
func (c *FakeConn) Emit(t testing.TB, method string, params interface{}, sessionID string) {
	t.Helper()
	msg := map[string]interface{}{"method": method, "params": params}
	if sessionID != "" {
		msg["sessionId"] = sessionID
	}
	c.send(t, msg)
}

// SendRaw writes a frame verbatim.
func (c *FakeConn) SendRaw(t testing.TB, data string) {
	t.Helper()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.TextMessage, []byte(data)); err != nil {
		t.Errorf("writing raw frame: %v", err)
	}
}

// Close hangs up the connection.
func (c *FakeConn) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
}

// Closed is closed once the connection ended.
func (c *FakeConn) Closed() <-chan struct{} {
	return c.closed
}

func (c *FakeConn) send(t testing.TB, v interface{}) {
	t.Helper()
	if err := c.write(v); err != nil {
		t.Errorf("writing frame: %v", err)
	}
}

func (c *FakeConn) write(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// TargetInfo builds a Target.TargetInfo payload.
func TargetInfo(id, kind, url string) map[string]interface{} {
	return map[string]interface{}{
		"targetId":         id,
		"type":             kind,
		"title":            "",
		"url":              url,
		"attached":         false,
		"canAccessOpener":  false,
		"browserContextId": "ctx-1",
	}
}
