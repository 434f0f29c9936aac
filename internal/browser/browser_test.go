package browser_test

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/tomyan/cdpengine/internal/browser"
	"github.com/tomyan/cdpengine/internal/cdp"
	"github.com/tomyan/cdpengine/internal/launcher"
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
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func launch(t *testing.T, fb *testutil.FakeBrowser, opts ...cdp.Option) *browser.Browser {
	t.Helper()
	exe := testutil.FakeExecutable(t, testutil.ExecutableOptions{Browser: fb})
	b, err := browser.Launch(testContext(t), browser.Config{
		Launcher: launcher.Options{
			ExecPath:              exe,
			DiscoveryInitialDelay: 10 * time.Millisecond,
			GracePeriod:           100 * time.Millisecond,
		},
		Engine: opts,
	})
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	return b
}

func TestLaunch_ConnectsEngine(t *testing.T) {
	fb := testutil.NewFakeBrowser(t)
	b := launch(t, fb)
	conn := fb.Accept(t)
	ctx := testContext(t)

	done := make(chan error, 1)
	go func() {
		_, err := b.Engine().Execute(ctx, "Browser.getVersion", nil)
		done <- err
	}()
	req := conn.Expect(t, "Browser.getVersion")
	conn.Reply(t, req.ID, map[string]string{"product": "FakeChrome/1.0"})
	if err := <-done; err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if err := b.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if b.Engine().State() != cdp.StateClosed {
		t.Errorf("engine state = %v, want closed", b.Engine().State())
	}
	if b.Instance().State() != launcher.StateTerminated {
		t.Errorf("process state = %v, want terminated", b.Instance().State())
	}
	if err := b.Close(ctx); err != nil {
		t.Errorf("second Close = %v", err)
	}
}

func TestLaunch_ConnectionLossStopsProcess(t *testing.T) {
	fb := testutil.NewFakeBrowser(t)
	var hookErr error
	hooked := make(chan struct{})
	b := launch(t, fb, cdp.WithOnClose(func(err error) {
		hookErr = err
		close(hooked)
	}))
	conn := fb.Accept(t)

	conn.Close()

	select {
	case <-b.Instance().Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("process still running after the connection was lost")
	}
	<-hooked
	if hookErr == nil {
		t.Error("caller's OnClose hook got a nil error for a lost connection")
	}
	if err := b.Close(testContext(t)); err != nil {
		t.Errorf("Close after loss = %v", err)
	}
}

func TestConnect_WithoutProcess(t *testing.T) {
	fb := testutil.NewFakeBrowser(t)
	ctx := testContext(t)

	b, err := browser.Connect(ctx, fb.URL(), cdp.WithCloseBrowser(false))
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if b.Instance() != nil {
		t.Error("expected no process for Connect")
	}
	if err := b.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}
