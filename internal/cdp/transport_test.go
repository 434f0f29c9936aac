package cdp_test

import (
	"errors"
	"testing"

	"github.com/tomyan/cdpengine/internal/cdp"
	"github.com/tomyan/cdpengine/internal/testutil"
)

func TestDiscoverWebSocketURL_PassesThroughWebSocketURLs(t *testing.T) {
	for _, url := range []string{"ws://127.0.0.1:9222/devtools/browser/x", "wss://example.com/devtools/browser/y"} {
		got, err := cdp.DiscoverWebSocketURL(testContext(t), url)
		if err != nil {
			t.Fatalf("DiscoverWebSocketURL(%q): %v", url, err)
		}
		if got != url {
			t.Errorf("DiscoverWebSocketURL(%q) = %q", url, got)
		}
	}
}

func TestDiscoverWebSocketURL_QueriesVersionEndpoint(t *testing.T) {
	fb := testutil.NewFakeBrowser(t)

	for _, endpoint := range []string{fb.URL(), fb.URL() + "/", fb.Addr()} {
		got, err := cdp.DiscoverWebSocketURL(testContext(t), endpoint)
		if err != nil {
			t.Fatalf("DiscoverWebSocketURL(%q): %v", endpoint, err)
		}
		if got != fb.WebSocketURL() {
			t.Errorf("DiscoverWebSocketURL(%q) = %q, want %q", endpoint, got, fb.WebSocketURL())
		}
	}
}

func TestDiscoverWebSocketURL_EmptyEndpoint(t *testing.T) {
	_, err := cdp.DiscoverWebSocketURL(testContext(t), "  ")
	var ce *cdp.ConnectionError
	if !errors.As(err, &ce) || ce.Op != "discover" {
		t.Errorf("err = %v, want a discover ConnectionError", err)
	}
}

func TestDial_Fails(t *testing.T) {
	_, err := cdp.Dial(testContext(t), "ws://127.0.0.1:1/devtools/browser/x", cdp.DialOptions{})
	var ce *cdp.ConnectionError
	if !errors.As(err, &ce) || ce.Op != "dial" {
		t.Fatalf("err = %v, want a dial ConnectionError", err)
	}
	if !errors.Is(err, cdp.ErrConnection) {
		t.Error("dial error does not match ErrConnection")
	}
}
