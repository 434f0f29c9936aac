// Package browser ties a session engine to the browser process it drives.
package browser

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/tomyan/cdpengine/internal/cdp"
	"github.com/tomyan/cdpengine/internal/launcher"
)

// Config configures Launch.
type Config struct {
	Launcher launcher.Options
	Engine   []cdp.Option
	Logger   *zap.Logger
}

// Browser is a connected engine and, when launched, the process behind it.
// Losing the connection to a launched browser shuts the process down.
type Browser struct {
	engine *cdp.Engine
	inst   *launcher.Instance
	log    *zap.Logger

	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// Launch starts a browser process and connects an engine to it.
func Launch(ctx context.Context, cfg Config) (*Browser, error) {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Launcher.Logger == nil {
		cfg.Launcher.Logger = log.Named("launcher")
	}

	inst, err := launcher.Launch(ctx, cfg.Launcher)
	if err != nil {
		return nil, err
	}

	b := &Browser{inst: inst, log: log}
	engine, err := cdp.Connect(ctx, inst.WebSocketURL(), b.engineOptions(cfg.Engine)...)
	if err != nil {
		_ = inst.Stop()
		return nil, fmt.Errorf("connecting to launched browser: %w", err)
	}
	b.engine = engine
	return b, nil
}

// Connect attaches an engine to an already running browser. Close leaves the
// browser process alone unless the engine is configured to send Browser.close.
func Connect(ctx context.Context, endpoint string, opts ...cdp.Option) (*Browser, error) {
	engine, err := cdp.Connect(ctx, endpoint, opts...)
	if err != nil {
		return nil, err
	}
	return &Browser{engine: engine, log: zap.NewNop()}, nil
}

// engineOptions chains the supervisor's close hook after any hook the caller set.
func (b *Browser) engineOptions(opts []cdp.Option) []cdp.Option {
	cfg := cdp.DefaultConfig()
	if b.log != nil {
		cfg.Logger = b.log.Named("engine")
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	user := cfg.OnClose
	cfg.OnClose = func(err error) {
		if user != nil {
			user(err)
		}
		b.engineClosed(err)
	}
	return []cdp.Option{cdp.WithConfig(cfg)}
}

// engineClosed runs on the engine's loop. An unexpected disconnect means the
// browser is gone or unusable, so the process is reaped in the background.
func (b *Browser) engineClosed(err error) {
	if err == nil || b.inst == nil {
		return
	}
	b.log.Warn("lost connection to browser, shutting it down", zap.Error(err))
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		_ = b.inst.Shutdown(context.Background(), nil)
	}()
}

// Engine returns the session engine.
func (b *Browser) Engine() *cdp.Engine { return b.engine }

// Instance returns the supervised process, or nil for Connect.
func (b *Browser) Instance() *launcher.Instance { return b.inst }

// Close closes the engine and, for a launched browser, shuts the process down
// using the engine's Browser.close as the graceful step.
func (b *Browser) Close(ctx context.Context) error {
	b.closeOnce.Do(func() {
		if b.inst != nil {
			b.closeErr = b.inst.Shutdown(ctx, b.engine.Close)
		}
		if err := b.engine.Close(ctx); err != nil && b.closeErr == nil {
			b.closeErr = err
		}
		b.wg.Wait()
	})
	return b.closeErr
}
