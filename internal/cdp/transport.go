package cdp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mafredri/cdp/devtool"
)

// Transport is a full-duplex text message connection to the browser.
// ReadMessage is only called from the engine's reader goroutine and
// WriteMessage only from the driving loop.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// DialOptions configures the websocket transport.
type DialOptions struct {
	HandshakeTimeout time.Duration // default 10s
	WriteTimeout     time.Duration // per message, default 10s
	ReadLimit        int64         // max inbound message size, 0 means unlimited
	Header           http.Header
}

func (o DialOptions) withDefaults() DialOptions {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	return o
}

type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	closeOnce    sync.Once
	closeErr     error
}

// Dial opens a websocket transport to a browser debugger URL (ws:// or wss://).
func Dial(ctx context.Context, wsURL string, opts DialOptions) (Transport, error) {
	opts = opts.withDefaults()

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.HandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, wsURL, opts.Header)
	if err != nil {
		return nil, &ConnectionError{Op: "dial", URL: wsURL, Err: err}
	}
	if opts.ReadLimit > 0 {
		conn.SetReadLimit(opts.ReadLimit)
	}

	return &wsTransport{conn: conn, writeTimeout: opts.WriteTimeout}, nil
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	for {
		typ, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if typ == websocket.TextMessage || typ == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (t *wsTransport) WriteMessage(data []byte) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	t.closeOnce.Do(func() {
		// Best effort close frame; the peer may already be gone.
		deadline := time.Now().Add(time.Second)
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}

// isClosedError reports whether err is an orderly shutdown of the transport
// rather than an I/O failure.
func isClosedError(err error) bool {
	if err == nil {
		return false
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return true
	}
	return errors.Is(err, websocket.ErrCloseSent)
}

// DiscoverWebSocketURL resolves an endpoint to a websocket debugger URL.
// ws:// and wss:// endpoints are returned unchanged; http(s):// endpoints and
// bare host:port pairs are resolved through the browser's /json/version
// discovery document.
func DiscoverWebSocketURL(ctx context.Context, endpoint string) (string, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return "", &ConnectionError{Op: "discover", Err: errors.New("empty endpoint")}
	}
	if strings.HasPrefix(endpoint, "ws://") || strings.HasPrefix(endpoint, "wss://") {
		return endpoint, nil
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = "http://" + endpoint
	}

	version, err := devtool.New(strings.TrimRight(endpoint, "/")).Version(ctx)
	if err != nil {
		return "", &ConnectionError{Op: "discover", URL: endpoint, Err: err}
	}
	if version.WebSocketDebuggerURL == "" {
		return "", &ConnectionError{Op: "discover", URL: endpoint, Err: fmt.Errorf("no WebSocket URL in response")}
	}
	return version.WebSocketDebuggerURL, nil
}
