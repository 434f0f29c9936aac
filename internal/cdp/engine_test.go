package cdp_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/tomyan/cdpengine/internal/cdp"
	"github.com/tomyan/cdpengine/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// connect starts an engine against a fresh fake browser and closes it when
// the test ends.
func connect(t *testing.T, opts ...cdp.Option) (*cdp.Engine, *testutil.FakeConn) {
	t.Helper()
	fb := testutil.NewFakeBrowser(t)
	fb.Handle("Test.sync", testutil.Reply(struct{}{}))

	e, err := cdp.Connect(testContext(t), fb.URL(), opts...)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	conn := fb.Accept(t)
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e, conn
}

// flush waits until the engine has processed every frame the fake browser
// wrote so far.
func flush(t *testing.T, e *cdp.Engine) {
	t.Helper()
	if _, err := e.Execute(testContext(t), "Test.sync", nil); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
}

type call struct {
	result json.RawMessage
	err    error
}

func executeAsync(ctx context.Context, e *cdp.Engine, method string, params interface{}, opts ...cdp.ExecuteOption) <-chan call {
	ch := make(chan call, 1)
	go func() {
		res, err := e.Execute(ctx, method, params, opts...)
		ch <- call{res, err}
	}()
	return ch
}

func wait(t *testing.T, ch <-chan call) call {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(5 * time.Second):
		t.Fatalf("command did not resolve")
		return call{}
	}
}

func TestConnect_DiscoversWebSocketURL(t *testing.T) {
	fb := testutil.NewFakeBrowser(t)

	e, err := cdp.Connect(testContext(t), fb.Addr())
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer e.Close(context.Background())

	if e.URL() != fb.WebSocketURL() {
		t.Errorf("URL = %q, want %q", e.URL(), fb.WebSocketURL())
	}
	if e.State() != cdp.StateOpen {
		t.Errorf("State = %v, want open", e.State())
	}
	if e.ID() == "" {
		t.Error("expected an engine id")
	}
}

func TestConnect_FailsWithBadEndpoint(t *testing.T) {
	_, err := cdp.Connect(testContext(t), "127.0.0.1:1")
	if err == nil {
		t.Fatal("expected error connecting to closed port")
	}
	if !errors.Is(err, cdp.ErrConnection) {
		t.Errorf("expected ErrConnection, got %v", err)
	}
}

func TestConnect_EnablesTargetDiscovery(t *testing.T) {
	fb := testutil.NewFakeBrowser(t)
	fb.Handle("Target.setDiscoverTargets", nil)

	ctx := testContext(t)
	done := make(chan error, 1)
	var e *cdp.Engine
	go func() {
		var err error
		e, err = cdp.Connect(ctx, fb.URL())
		done <- err
	}()

	conn := fb.Accept(t)
	req := conn.Expect(t, "Target.setDiscoverTargets")
	var params struct {
		Discover bool `json:"discover"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || !params.Discover {
		t.Errorf("expected discover=true, got %s", req.Params)
	}
	conn.Reply(t, req.ID, struct{}{})

	if err := <-done; err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	e.Close(context.Background())
}

func TestEngine_Execute_ReturnsResult(t *testing.T) {
	e, conn := connect(t)
	ctx := testContext(t)

	ch := executeAsync(ctx, e, "Browser.getVersion", nil)
	req := conn.Expect(t, "Browser.getVersion")
	if req.ID <= 0 {
		t.Errorf("expected positive id, got %d", req.ID)
	}
	if req.SessionID != "" {
		t.Errorf("expected browser-level command, got session %q", req.SessionID)
	}
	conn.Reply(t, req.ID, map[string]string{"product": "FakeChrome/1.0"})

	c := wait(t, ch)
	if c.err != nil {
		t.Fatalf("Execute failed: %v", c.err)
	}
	var got struct {
		Product string `json:"product"`
	}
	if err := json.Unmarshal(c.result, &got); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if got.Product != "FakeChrome/1.0" {
		t.Errorf("product = %q", got.Product)
	}
}

func TestEngine_Execute_SendsParams(t *testing.T) {
	e, conn := connect(t)
	ctx := testContext(t)

	ch := executeAsync(ctx, e, "Page.navigate", map[string]string{"url": "https://example.com"}, cdp.WithSession("S1"))
	req := conn.Expect(t, "Page.navigate")
	if req.SessionID != "S1" {
		t.Errorf("sessionId = %q, want S1", req.SessionID)
	}
	if string(req.Params) != `{"url":"https://example.com"}` {
		t.Errorf("params = %s", req.Params)
	}
	conn.Reply(t, req.ID, struct{}{})
	if c := wait(t, ch); c.err != nil {
		t.Fatalf("Execute failed: %v", c.err)
	}
}

func TestEngine_Execute_BrowserError(t *testing.T) {
	e, conn := connect(t)

	ch := executeAsync(testContext(t), e, "Nope.nothing", nil)
	req := conn.Expect(t, "Nope.nothing")
	conn.ReplyError(t, req.ID, -32601, "'Nope.nothing' wasn't found")

	c := wait(t, ch)
	if !errors.Is(c.err, cdp.ErrBrowserError) {
		t.Fatalf("expected ErrBrowserError, got %v", c.err)
	}
	var be *cdp.BrowserError
	if !errors.As(c.err, &be) {
		t.Fatalf("expected *BrowserError, got %T", c.err)
	}
	if be.Code != -32601 {
		t.Errorf("code = %d, want -32601", be.Code)
	}
	if be.Message != "'Nope.nothing' wasn't found" {
		t.Errorf("message = %q", be.Message)
	}
}

func TestEngine_Execute_ConcurrentOutOfOrder(t *testing.T) {
	e, conn := connect(t)
	ctx := testContext(t)

	const n = 10
	results := make([]chan call, n)
	for i := 0; i < n; i++ {
		results[i] = make(chan call, 1)
		go func(i int) {
			res, err := e.Execute(ctx, "Test.echo", map[string]int{"n": i})
			results[i] <- call{res, err}
		}(i)
	}

	reqs := make([]testutil.Request, 0, n)
	seen := make(map[int64]bool)
	for i := 0; i < n; i++ {
		req := conn.Expect(t, "Test.echo")
		if seen[req.ID] {
			t.Fatalf("duplicate command id %d", req.ID)
		}
		seen[req.ID] = true
		reqs = append(reqs, req)
	}

	// Answer in reverse order, echoing the params back.
	for i := len(reqs) - 1; i >= 0; i-- {
		conn.Reply(t, reqs[i].ID, reqs[i].Params)
	}

	for i := 0; i < n; i++ {
		c := wait(t, results[i])
		if c.err != nil {
			t.Fatalf("call %d failed: %v", i, c.err)
		}
		var got struct {
			N int `json:"n"`
		}
		if err := json.Unmarshal(c.result, &got); err != nil {
			t.Fatalf("call %d: bad result %s", i, c.result)
		}
		if got.N != i {
			t.Errorf("call %d received result for call %d", i, got.N)
		}
	}
}

func TestEngine_Execute_Timeout(t *testing.T) {
	e, conn := connect(t, cdp.WithSweepInterval(10*time.Millisecond))
	ctx := testContext(t)

	start := time.Now()
	ch := executeAsync(ctx, e, "Test.slow", nil, cdp.WithTimeout(50*time.Millisecond))
	req := conn.Expect(t, "Test.slow")

	c := wait(t, ch)
	if !errors.Is(c.err, cdp.ErrCommandTimeout) {
		t.Fatalf("expected ErrCommandTimeout, got %v", c.err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("timed out after %v, before the deadline", elapsed)
	}

	// The late response is dropped and the engine keeps working.
	conn.Reply(t, req.ID, struct{}{})
	flush(t, e)
	if e.State() != cdp.StateOpen {
		t.Errorf("State = %v, want open", e.State())
	}
}

func TestEngine_Execute_NonPositiveTimeoutKeepsDeadline(t *testing.T) {
	e, conn := connect(t,
		cdp.WithCommandTimeout(100*time.Millisecond),
		cdp.WithSweepInterval(10*time.Millisecond))
	ctx := testContext(t)

	zero := executeAsync(ctx, e, "Test.zero", nil, cdp.WithTimeout(0))
	conn.Expect(t, "Test.zero")
	negative := executeAsync(ctx, e, "Test.negative", nil, cdp.WithTimeout(-time.Second))
	conn.Expect(t, "Test.negative")

	if c := wait(t, zero); !errors.Is(c.err, cdp.ErrCommandTimeout) {
		t.Errorf("WithTimeout(0): expected ErrCommandTimeout, got %v", c.err)
	}
	if c := wait(t, negative); !errors.Is(c.err, cdp.ErrCommandTimeout) {
		t.Errorf("WithTimeout(-1s): expected ErrCommandTimeout, got %v", c.err)
	}
}

func TestEngine_Execute_CallerCancel(t *testing.T) {
	e, conn := connect(t)

	ctx, cancel := context.WithCancel(context.Background())
	ch := executeAsync(ctx, e, "Test.slow", nil)
	req := conn.Expect(t, "Test.slow")
	cancel()

	c := wait(t, ch)
	if !errors.Is(c.err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", c.err)
	}

	// The abandoned command still resolves inside the engine.
	conn.Reply(t, req.ID, struct{}{})
	flush(t, e)
}

func TestEngine_IgnoresDuplicateAndUnknownResponses(t *testing.T) {
	e, conn := connect(t)

	ch := executeAsync(testContext(t), e, "Test.once", nil)
	req := conn.Expect(t, "Test.once")
	conn.Reply(t, req.ID, map[string]int{"v": 1})
	conn.Reply(t, req.ID, map[string]int{"v": 2})
	conn.Reply(t, 999999, struct{}{})

	c := wait(t, ch)
	if c.err != nil {
		t.Fatalf("Execute failed: %v", c.err)
	}
	if string(c.result) != `{"v":1}` {
		t.Errorf("result = %s, want the first response", c.result)
	}
	flush(t, e)
}

func TestEngine_IgnoresMalformedFrames(t *testing.T) {
	e, conn := connect(t)

	conn.SendRaw(t, "not json")
	conn.SendRaw(t, `{"foo":1}`)
	conn.SendRaw(t, `{"id":-4,"result":{}}`)
	conn.SendRaw(t, `[1,2,3]`)

	flush(t, e)
	if e.State() != cdp.StateOpen {
		t.Errorf("State = %v, want open", e.State())
	}
}

func TestEngine_FrameWithIDAndMethodIsDropped(t *testing.T) {
	e, conn := connect(t)

	ch := executeAsync(testContext(t), e, "Test.once", nil)
	req := conn.Expect(t, "Test.once")
	conn.SendRaw(t, fmt.Sprintf(`{"id":%d,"method":"Page.loadEventFired","params":{}}`, req.ID))
	flush(t, e)

	select {
	case c := <-ch:
		t.Fatalf("command resolved by a malformed frame: %s, %v", c.result, c.err)
	default:
	}

	conn.Reply(t, req.ID, map[string]int{"v": 1})
	if c := wait(t, ch); c.err != nil || string(c.result) != `{"v":1}` {
		t.Errorf("got %s, %v; want the real response", c.result, c.err)
	}
}

func TestEngine_Execute_ResponseWithoutResult(t *testing.T) {
	e, conn := connect(t)

	ch := executeAsync(testContext(t), e, "Test.empty", nil)
	req := conn.Expect(t, "Test.empty")
	conn.SendRaw(t, fmt.Sprintf(`{"id":%d}`, req.ID))

	if c := wait(t, ch); !errors.Is(c.err, cdp.ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %s, %v", c.result, c.err)
	}
	flush(t, e)
	if e.State() != cdp.StateOpen {
		t.Errorf("State = %v, want open", e.State())
	}
}

func TestEngine_Execute_InvalidParams(t *testing.T) {
	e, _ := connect(t)

	_, err := e.Execute(testContext(t), "Test.bad", json.RawMessage(`{not json`))
	if err == nil {
		t.Fatal("expected error for invalid raw params")
	}
	_, err = e.Execute(testContext(t), "Test.bad", func() {})
	if err == nil {
		t.Fatal("expected error for unmarshalable params")
	}
}

func TestEngine_Subscribe_RoutesBySession(t *testing.T) {
	e, conn := connect(t)
	ctx := testContext(t)

	s1, err := e.Subscribe(ctx, "S1", "Runtime.consoleAPICalled")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer s1.Close()
	browser, err := e.Subscribe(ctx, "")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer browser.Close()
	all, err := e.Subscribe(ctx, cdp.AllSessions, "Runtime.consoleAPICalled")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer all.Close()

	conn.Emit(t, "Runtime.consoleAPICalled", map[string]int{"n": 1}, "S1")
	conn.Emit(t, "Runtime.consoleAPICalled", map[string]int{"n": 2}, "S2")
	conn.Emit(t, "Page.loadEventFired", map[string]int{"n": 3}, "S1")
	conn.Emit(t, "Runtime.consoleAPICalled", map[string]int{"n": 4}, "S1")
	conn.Emit(t, "Browser.downloadWillBegin", map[string]int{"n": 5}, "")
	flush(t, e)

	expectEvents(t, s1, 1, 4)
	expectEvents(t, all, 1, 2, 4)
	expectEvents(t, browser, 5)
}

func TestEngine_Subscribe_SessionWithoutMethodFilter(t *testing.T) {
	e, conn := connect(t)
	ctx := testContext(t)

	s1, err := e.Subscribe(ctx, "S1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer s1.Close()
	s2, err := e.Subscribe(ctx, "S2")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer s2.Close()

	conn.Emit(t, "Page.loadEventFired", map[string]int{"n": 1}, "S1")
	flush(t, e)

	expectEvents(t, s1, 1)
	expectEvents(t, s2)
}

// expectEvents drains the queued events of sub and checks their "n" params.
func expectEvents(t *testing.T, sub *cdp.Subscription, want ...int) {
	t.Helper()
	var got []int
drain:
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatalf("subscription closed early")
			}
			var p struct {
				N int `json:"n"`
			}
			if err := ev.Unmarshal(&p); err != nil {
				t.Fatalf("bad event params: %v", err)
			}
			got = append(got, p.N)
		default:
			break drain
		}
	}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
}

func TestEngine_Subscribe_DropsOldestOnOverflow(t *testing.T) {
	e, conn := connect(t, cdp.WithEventBuffer(4))
	ctx := testContext(t)

	sub, err := e.Subscribe(ctx, "S1", "Network.dataReceived")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	for i := 0; i < 10; i++ {
		conn.Emit(t, "Network.dataReceived", map[string]int{"n": i}, "S1")
	}
	flush(t, e)

	expectEvents(t, sub, 6, 7, 8, 9)
	if sub.Dropped() != 6 {
		t.Errorf("Dropped = %d, want 6", sub.Dropped())
	}
}

func TestSubscription_Close_EndsWithEOF(t *testing.T) {
	e, conn := connect(t)
	ctx := testContext(t)

	sub, err := e.Subscribe(ctx, "S1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	conn.Emit(t, "Page.loadEventFired", struct{}{}, "S1")
	flush(t, e)

	if _, err := sub.Next(ctx); err != io.EOF {
		t.Errorf("Next after Close = %v, want io.EOF", err)
	}
	if sub.Err() != nil {
		t.Errorf("Err after Close = %v, want nil", sub.Err())
	}
}

func TestEngine_ConnectionLost(t *testing.T) {
	var (
		mu       sync.Mutex
		closeErr error
		closed   bool
	)
	e, conn := connect(t, cdp.WithOnClose(func(err error) {
		mu.Lock()
		defer mu.Unlock()
		closeErr, closed = err, true
	}))
	ctx := testContext(t)

	sub, err := e.Subscribe(ctx, cdp.AllSessions)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	ch1 := executeAsync(ctx, e, "Test.a", nil)
	ch2 := executeAsync(ctx, e, "Test.b", nil, cdp.WithSession("S1"))
	conn.Next(t)
	conn.Next(t)

	conn.Close()

	for _, ch := range []<-chan call{ch1, ch2} {
		if c := wait(t, ch); !errors.Is(c.err, cdp.ErrConnectionClosed) {
			t.Errorf("expected ErrConnectionClosed, got %v", c.err)
		}
	}

	select {
	case <-e.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not close")
	}
	if e.State() != cdp.StateClosed {
		t.Errorf("State = %v, want closed", e.State())
	}
	if !errors.Is(e.Err(), cdp.ErrConnection) {
		t.Errorf("Err = %v, want a connection error", e.Err())
	}
	var ce *cdp.ConnectionError
	if !errors.As(e.Err(), &ce) || ce.Op != "read" {
		t.Errorf("Err = %#v, want a read ConnectionError", e.Err())
	}

	if _, err := sub.Next(ctx); !errors.Is(err, cdp.ErrConnectionClosed) {
		t.Errorf("subscription Next = %v, want ErrConnectionClosed", err)
	}

	if _, err := e.Execute(ctx, "Test.c", nil); !errors.Is(err, cdp.ErrEngineClosed) {
		t.Errorf("Execute after close = %v, want ErrEngineClosed", err)
	}
	if _, err := e.Subscribe(ctx, ""); !errors.Is(err, cdp.ErrEngineClosed) {
		t.Errorf("Subscribe after close = %v, want ErrEngineClosed", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if !closed {
		t.Fatal("OnClose was not called")
	}
	if !errors.Is(closeErr, cdp.ErrConnection) {
		t.Errorf("OnClose err = %v, want a connection error", closeErr)
	}
}

func TestEngine_Close_SendsBrowserClose(t *testing.T) {
	fb := testutil.NewFakeBrowser(t)
	fb.Handle("Browser.close", nil)
	ctx := testContext(t)

	e, err := cdp.Connect(ctx, fb.URL())
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	conn := fb.Accept(t)

	closed := make(chan error, 1)
	go func() { closed <- e.Close(ctx) }()

	req := conn.Expect(t, "Browser.close")
	conn.Reply(t, req.ID, struct{}{})

	if err := <-closed; err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if e.State() != cdp.StateClosed {
		t.Errorf("State = %v, want closed", e.State())
	}
	if e.Err() != nil {
		t.Errorf("Err after Close = %v, want nil", e.Err())
	}
	if _, err := e.Execute(ctx, "Test.a", nil); !errors.Is(err, cdp.ErrEngineClosed) {
		t.Errorf("Execute after Close = %v, want ErrEngineClosed", err)
	}
	if err := e.Close(ctx); err != nil {
		t.Errorf("second Close = %v", err)
	}
}

func TestEngine_Close_FailsPendingCommands(t *testing.T) {
	e, conn := connect(t, cdp.WithCloseBrowser(false))
	ctx := testContext(t)

	ch := executeAsync(ctx, e, "Test.slow", nil)
	conn.Expect(t, "Test.slow")

	if err := e.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if c := wait(t, ch); !errors.Is(c.err, cdp.ErrConnectionClosed) {
		t.Errorf("pending command = %v, want ErrConnectionClosed", c.err)
	}
	conn.ExpectNone(t, 50*time.Millisecond)
}

func TestEngine_Close_TimesOutWaitingForBrowser(t *testing.T) {
	fb := testutil.NewFakeBrowser(t)
	fb.Handle("Browser.close", func(*testutil.FakeConn, testutil.Request) {})

	cfg := cdp.DefaultConfig()
	cfg.CloseTimeout = 100 * time.Millisecond
	e, err := cdp.Connect(testContext(t), fb.URL(), cdp.WithConfig(cfg))
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}

	start := time.Now()
	if err := e.Close(testContext(t)); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("Close returned after %v, before the close timeout", elapsed)
	}
}

func TestNewEngine_CustomTransport(t *testing.T) {
	fb := testutil.NewFakeBrowser(t)
	ctx := testContext(t)

	transport, err := cdp.Dial(ctx, fb.WebSocketURL(), cdp.DialOptions{})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	e := cdp.NewEngine(transport, cdp.WithCloseBrowser(false))
	defer e.Close(ctx)
	conn := fb.Accept(t)

	ch := executeAsync(ctx, e, "Test.ping", nil)
	req := conn.Expect(t, "Test.ping")
	conn.Reply(t, req.ID, struct{}{})
	if c := wait(t, ch); c.err != nil {
		t.Fatalf("Execute failed: %v", c.err)
	}
}
