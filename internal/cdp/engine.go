// Package cdp implements a session engine for the Chrome DevTools Protocol.
//
// An Engine owns one websocket connection to a browser. A single driving
// loop goroutine owns every table (pending commands, targets, sessions,
// subscriptions); callers talk to it only through channels. Commands
// resolve exactly once with a result, a *BrowserError, ErrCommandTimeout,
// ErrTargetGone or ErrConnectionClosed.
package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mafredri/cdp/protocol/target"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// State is the engine's connection state.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// DefaultCommandTimeout is the deadline applied to commands without an
// explicit timeout.
const DefaultCommandTimeout = 30 * time.Second

// Config configures an Engine.
type Config struct {
	CommandTimeout  time.Duration // per-command deadline
	SweepInterval   time.Duration // how often expired commands are resolved
	EventBuffer     int           // per-subscriber queue length
	DiscoverTargets bool          // issue Target.setDiscoverTargets on connect
	AutoAttach      bool          // attach to new targets of AutoAttachKinds
	AutoAttachKinds []TargetKind
	CloseBrowser    bool          // send Browser.close on Close
	CloseTimeout    time.Duration // how long Close waits for Browser.close
	Dial            DialOptions
	Logger          *zap.Logger

	// OnClose is called once, from the engine's loop goroutine, after the
	// engine reached StateClosed and before Done is closed. err is nil after
	// an explicit Close. It must not block or call back into the engine.
	OnClose func(err error)
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		CommandTimeout:  DefaultCommandTimeout,
		SweepInterval:   250 * time.Millisecond,
		EventBuffer:     256,
		DiscoverTargets: true,
		AutoAttach:      true,
		AutoAttachKinds: []TargetKind{KindPage},
		CloseBrowser:    true,
		CloseTimeout:    2 * time.Second,
	}
}

// Option adjusts an engine Config.
type Option func(*Config)

// WithConfig replaces the whole configuration.
func WithConfig(cfg Config) Option {
	return func(c *Config) { *c = cfg }
}

// WithLogger sets the engine logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Config) { c.Logger = log }
}

// WithCommandTimeout sets the default per-command deadline.
func WithCommandTimeout(d time.Duration) Option {
	return func(c *Config) { c.CommandTimeout = d }
}

// WithSweepInterval sets how often expired commands are swept.
func WithSweepInterval(d time.Duration) Option {
	return func(c *Config) { c.SweepInterval = d }
}

// WithEventBuffer sets the per-subscriber queue length.
func WithEventBuffer(n int) Option {
	return func(c *Config) { c.EventBuffer = n }
}

// WithTargetDiscovery toggles Target.setDiscoverTargets on connect.
func WithTargetDiscovery(enabled bool) Option {
	return func(c *Config) { c.DiscoverTargets = enabled }
}

// WithAutoAttach toggles automatic attachment to new targets of the given
// kinds (pages when none are given).
func WithAutoAttach(enabled bool, kinds ...TargetKind) Option {
	return func(c *Config) {
		c.AutoAttach = enabled
		if len(kinds) > 0 {
			c.AutoAttachKinds = kinds
		}
	}
}

// WithCloseBrowser toggles sending Browser.close when the engine is closed.
func WithCloseBrowser(enabled bool) Option {
	return func(c *Config) { c.CloseBrowser = enabled }
}

// WithDialOptions sets websocket transport options.
func WithDialOptions(opts DialOptions) Option {
	return func(c *Config) { c.Dial = opts }
}

// WithOnClose registers the close hook.
func WithOnClose(fn func(error)) Option {
	return func(c *Config) { c.OnClose = fn }
}

func buildConfig(opts []Option) Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 250 * time.Millisecond
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return cfg
}

// Engine is a handle to a running session engine. It is safe for
// concurrent use.
type Engine struct {
	id    string
	url   string
	cfg   Config
	log   *zap.Logger
	state atomic.Int32

	requests chan request  // unbuffered; received only by the loop
	done     chan struct{} // closed when the engine reaches StateClosed
	group    errgroup.Group

	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

// Connect discovers the debugger URL for endpoint (a ws:// URL, an http://
// discovery URL or host:port), dials it and starts an engine.
func Connect(ctx context.Context, endpoint string, opts ...Option) (*Engine, error) {
	cfg := buildConfig(opts)

	wsURL, err := DiscoverWebSocketURL(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	transport, err := Dial(ctx, wsURL, cfg.Dial)
	if err != nil {
		return nil, err
	}

	e := newEngine(transport, wsURL, cfg)
	if cfg.DiscoverTargets {
		if _, err := e.Execute(ctx, "Target.setDiscoverTargets", target.NewSetDiscoverTargetsArgs(true)); err != nil {
			e.shutdown(context.Background(), false)
			return nil, fmt.Errorf("enabling target discovery: %w", err)
		}
	}
	return e, nil
}

// NewEngine starts an engine over an already established transport. Target
// discovery is not enabled automatically.
func NewEngine(transport Transport, opts ...Option) *Engine {
	return newEngine(transport, "", buildConfig(opts))
}

func newEngine(transport Transport, wsURL string, cfg Config) *Engine {
	e := &Engine{
		id:       uuid.NewString(),
		url:      wsURL,
		cfg:      cfg,
		requests: make(chan request),
		done:     make(chan struct{}),
	}
	e.log = cfg.Logger.With(zap.String("engine", e.id))
	e.state.Store(int32(StateOpen))

	l := newLoop(e, transport)
	e.group.Go(func() error {
		l.read()
		return nil
	})
	e.group.Go(func() error {
		l.run()
		return nil
	})
	e.log.Debug("engine open", zap.String("url", wsURL))
	return e
}

// ID returns the engine instance id used in logs.
func (e *Engine) ID() string { return e.id }

// URL returns the websocket debugger URL, if the engine dialed one.
func (e *Engine) URL() string { return e.url }

// State returns the current connection state.
func (e *Engine) State() State { return State(e.state.Load()) }

// Done is closed once the engine reached StateClosed.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Err returns why the engine closed: nil while open or after an explicit
// Close, otherwise a *ConnectionError.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// ExecuteOption adjusts a single Execute call.
type ExecuteOption func(*executeRequest)

// WithSession scopes the command to a session. An empty id targets the browser.
func WithSession(sessionID string) ExecuteOption {
	return func(r *executeRequest) { r.sessionID = sessionID }
}

// WithTimeout overrides the engine's command deadline for one command. A zero
// or negative d keeps the engine's deadline.
func WithTimeout(d time.Duration) ExecuteOption {
	return func(r *executeRequest) { r.timeout = d }
}

// Execute sends a command and waits for its result. params may be nil, a
// json.RawMessage, or any value that marshals to a JSON object. If ctx ends
// first, Execute returns ctx.Err() and the command is still resolved by the
// engine when its response, deadline or the connection's end arrives.
func (e *Engine) Execute(ctx context.Context, method string, params interface{}, opts ...ExecuteOption) (json.RawMessage, error) {
	if e.State() == StateClosed {
		return nil, ErrEngineClosed
	}
	raw, err := encodeParams(params)
	if err != nil {
		return nil, err
	}

	req := &executeRequest{
		method:  method,
		params:  raw,
		timeout: e.cfg.CommandTimeout,
		reply:   make(chan result, 1),
	}
	for _, opt := range opts {
		opt(req)
	}
	if req.timeout <= 0 {
		req.timeout = e.cfg.CommandTimeout
	}

	if err := e.send(ctx, req); err != nil {
		return nil, err
	}

	select {
	case res := <-req.reply:
		return res.Result, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.done:
		// The loop resolves every pending command before closing done.
		select {
		case res := <-req.reply:
			return res.Result, res.Err
		default:
			return nil, ErrConnectionClosed
		}
	}
}

// Subscribe returns a feed of events for sessionID ("" for browser-level
// events, AllSessions for every event) restricted to methods (all when empty).
func (e *Engine) Subscribe(ctx context.Context, sessionID string, methods ...string) (*Subscription, error) {
	if e.State() == StateClosed {
		return nil, ErrEngineClosed
	}
	sub := &Subscription{
		sessionID: sessionID,
		methods:   dedupe(methods),
		stream:    newStream[Event](e.cfg.EventBuffer),
		engine:    e,
	}
	req := &subscribeRequest{sub: sub, reply: make(chan error, 1)}
	if err := e.send(ctx, req); err != nil {
		return nil, err
	}
	if err := e.await(req.reply); err != nil {
		return nil, err
	}
	return sub, nil
}

func (e *Engine) unsubscribe(id uint64) {
	req := &unsubscribeRequest{id: id, reply: make(chan error, 1)}
	if err := e.send(context.Background(), req); err != nil {
		return
	}
	_ = e.await(req.reply)
}

// WatchTargets returns a feed of target lifecycle notifications of the
// given kinds (all when empty).
func (e *Engine) WatchTargets(ctx context.Context, kinds ...TargetEventKind) (*TargetWatch, error) {
	if e.State() == StateClosed {
		return nil, ErrEngineClosed
	}
	w := &TargetWatch{
		kinds:  make(map[TargetEventKind]bool),
		stream: newStream[TargetEvent](e.cfg.EventBuffer),
		engine: e,
	}
	for _, k := range kinds {
		w.kinds[k] = true
	}
	req := &watchRequest{watch: w, reply: make(chan error, 1)}
	if err := e.send(ctx, req); err != nil {
		return nil, err
	}
	if err := e.await(req.reply); err != nil {
		return nil, err
	}
	return w, nil
}

// OnTargetCreated watches for new targets.
func (e *Engine) OnTargetCreated(ctx context.Context) (*TargetWatch, error) {
	return e.WatchTargets(ctx, TargetCreated)
}

// OnTargetDestroyed watches for destroyed targets.
func (e *Engine) OnTargetDestroyed(ctx context.Context) (*TargetWatch, error) {
	return e.WatchTargets(ctx, TargetDestroyed)
}

func (e *Engine) unwatch(id uint64) {
	req := &unwatchRequest{id: id, reply: make(chan error, 1)}
	if err := e.send(context.Background(), req); err != nil {
		return
	}
	_ = e.await(req.reply)
}

// Targets returns the live targets in creation order.
func (e *Engine) Targets(ctx context.Context) ([]TargetInfo, error) {
	if e.State() == StateClosed {
		return nil, ErrEngineClosed
	}
	req := &targetsRequest{reply: make(chan []TargetInfo, 1)}
	if err := e.send(ctx, req); err != nil {
		return nil, err
	}
	select {
	case targets := <-req.reply:
		return targets, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.done:
		return nil, ErrEngineClosed
	}
}

// sessionLive reports whether sessionID is still attached.
func (e *Engine) sessionLive(ctx context.Context, sessionID string) (bool, error) {
	req := &sessionRequest{sessionID: sessionID, reply: make(chan bool, 1)}
	if err := e.send(ctx, req); err != nil {
		return false, err
	}
	select {
	case ok := <-req.reply:
		return ok, nil
	case <-ctx.Done():
		return false, ctx.Err()
	case <-e.done:
		select {
		case ok := <-req.reply:
			return ok, nil
		default:
			return false, ErrEngineClosed
		}
	}
}

// Attach attaches to a target and returns its session id. An existing
// session is reused.
func (e *Engine) Attach(ctx context.Context, targetID string) (string, error) {
	if e.State() == StateClosed {
		return "", ErrEngineClosed
	}
	req := &attachRequest{targetID: targetID, reply: make(chan attachResult, 1)}
	if err := e.send(ctx, req); err != nil {
		return "", err
	}
	select {
	case res := <-req.reply:
		return res.sessionID, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	case <-e.done:
		select {
		case res := <-req.reply:
			return res.sessionID, res.err
		default:
			return "", ErrConnectionClosed
		}
	}
}

// Detach ends a session. Pending commands on it fail with ErrTargetGone and
// its subscriptions end; the target stays alive.
func (e *Engine) Detach(ctx context.Context, sessionID string) error {
	if e.State() == StateClosed {
		return ErrEngineClosed
	}
	req := &detachRequest{sessionID: sessionID, reply: make(chan error, 1)}
	if err := e.send(ctx, req); err != nil {
		return err
	}
	return e.await(req.reply)
}

// TargetOption adjusts a Target.createTarget call.
type TargetOption func(*newTargetRequest)

// NewWindow opens the target in a new window.
func NewWindow() TargetOption {
	return func(r *newTargetRequest) { r.args.SetNewWindow(true) }
}

// Background opens the target without bringing it to the front.
func Background() TargetOption {
	return func(r *newTargetRequest) { r.args.SetBackground(true) }
}

// WindowSize sets the initial frame size in pixels.
func WindowSize(width, height int) TargetOption {
	return func(r *newTargetRequest) { r.args.SetWidth(width).SetHeight(height) }
}

// WithoutAttach creates the target without attaching a session.
func WithoutAttach() TargetOption {
	return func(r *newTargetRequest) { r.attach = false }
}

// NewTarget creates a target navigated to url and, unless WithoutAttach is
// given, attaches a session to it.
func (e *Engine) NewTarget(ctx context.Context, url string, opts ...TargetOption) (*Target, error) {
	if e.State() == StateClosed {
		return nil, ErrEngineClosed
	}
	if url == "" {
		url = "about:blank"
	}
	req := &newTargetRequest{
		args:   target.NewCreateTargetArgs(url),
		url:    url,
		attach: true,
		reply:  make(chan newTargetResult, 1),
	}
	for _, opt := range opts {
		opt(req)
	}
	if err := e.send(ctx, req); err != nil {
		return nil, err
	}

	var res newTargetResult
	select {
	case res = <-req.reply:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.done:
		select {
		case res = <-req.reply:
		default:
			return nil, ErrConnectionClosed
		}
	}
	if res.err != nil {
		return nil, res.err
	}
	return &Target{id: res.targetID, sessionID: res.sessionID, engine: e}, nil
}

// Close shuts the engine down. With CloseBrowser set it first asks the
// browser to exit. Close waits for the engine's goroutines to finish.
func (e *Engine) Close(ctx context.Context) error {
	return e.shutdown(ctx, e.cfg.CloseBrowser)
}

func (e *Engine) shutdown(ctx context.Context, closeBrowser bool) error {
	e.closeOnce.Do(func() {
		req := &closeRequest{closeBrowser: closeBrowser}
		select {
		case e.requests <- req:
		case <-e.done:
		}
	})

	select {
	case <-e.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	_ = e.group.Wait()
	return nil
}

// send hands a request to the loop. It fails with ErrEngineClosed once the
// loop has exited; requests are never queued behind a closed engine.
func (e *Engine) send(ctx context.Context, req request) error {
	select {
	case e.requests <- req:
		return nil
	case <-e.done:
		return ErrEngineClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// await waits for a loop acknowledgement.
func (e *Engine) await(reply <-chan error) error {
	select {
	case err := <-reply:
		return err
	case <-e.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrEngineClosed
		}
	}
}

func (e *Engine) setErr(err error) {
	e.mu.Lock()
	e.err = err
	e.mu.Unlock()
}

func dedupe(methods []string) []string {
	if len(methods) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(methods))
	out := make([]string, 0, len(methods))
	for _, m := range methods {
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}
