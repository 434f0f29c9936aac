// Package launcher supervises a browser process: it starts the browser with
// remote debugging enabled, discovers its DevTools endpoint and shuts it
// down again, escalating from a graceful request to SIGTERM and SIGKILL.
package launcher

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowchartsman/retry"
	"github.com/mafredri/cdp/devtool"
	"go.uber.org/zap"
)

// ActivePortFile is written by the browser into its profile directory once
// the debugging endpoint is listening.
const ActivePortFile = "DevToolsActivePort"

// ErrBrowserLaunch is matched by every *LaunchError.
var ErrBrowserLaunch = errors.New("browser launch failed")

// LaunchError reports which launch stage failed.
type LaunchError struct {
	Stage string // "start", "discover"
	Err   error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launching browser (%s): %v", e.Stage, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// Is makes every LaunchError match ErrBrowserLaunch.
func (e *LaunchError) Is(target error) bool {
	return target == ErrBrowserLaunch
}

// State is the supervisor state.
type State int32

const (
	StateStarting State = iota
	StateDiscoveringEndpoint
	StateConnected
	StateClosing
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateDiscoveringEndpoint:
		return "discovering"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateTerminated:
		return "terminated"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Options configures a browser launch.
type Options struct {
	ExecPath string   // browser executable
	Args     []string // extra command line flags
	Headless bool
	Port     int    // remote debugging port, 0 lets the OS pick
	DataDir  string // profile directory (temp dir created and removed if empty)
	Env      []string

	DiscoveryAttempts     int           // default 10
	DiscoveryInitialDelay time.Duration // default 50ms
	DiscoveryMaxDelay     time.Duration // default 1s
	StartTimeout          time.Duration // default 30s
	GracePeriod           time.Duration // default 5s

	Logger *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.DiscoveryAttempts <= 0 {
		o.DiscoveryAttempts = 10
	}
	if o.DiscoveryInitialDelay <= 0 {
		o.DiscoveryInitialDelay = 50 * time.Millisecond
	}
	if o.DiscoveryMaxDelay <= 0 {
		o.DiscoveryMaxDelay = time.Second
	}
	if o.StartTimeout <= 0 {
		o.StartTimeout = 30 * time.Second
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// DefaultArgs are the automation flags every launched browser gets.
func DefaultArgs() []string {
	return []string{
		"--disable-gpu",
		"--no-sandbox",
		"--disable-dev-shm-usage",
		"--disable-extensions",
		"--disable-background-networking",
		"--disable-sync",
		"--disable-translate",
		"--mute-audio",
		"--no-first-run",
		"--no-default-browser-check",
		"--disable-default-apps",
	}
}

// LookPath locates a browser executable. If execPath is non-empty it is
// returned when it exists. Otherwise PATH and known install locations are
// searched. It returns "" when nothing is found.
func LookPath(execPath string) string {
	if execPath != "" {
		if _, err := os.Stat(execPath); err == nil {
			return execPath
		}
		return ""
	}

	for _, name := range []string{"google-chrome", "google-chrome-stable", "chromium", "chromium-browser"} {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}

	var paths []string
	switch runtime.GOOS {
	case "darwin":
		paths = []string{
			"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
			"/Applications/Chromium.app/Contents/MacOS/Chromium",
		}
	case "linux":
		paths = []string{
			"/usr/bin/google-chrome",
			"/usr/bin/google-chrome-stable",
			"/usr/bin/chromium",
			"/usr/bin/chromium-browser",
			"/snap/bin/chromium",
		}
	case "windows":
		paths = []string{
			`C:\Program Files\Google\Chrome\Application\chrome.exe`,
			`C:\Program Files (x86)\Google\Chrome\Application\chrome.exe`,
		}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Instance is a supervised browser process.
type Instance struct {
	cmd      *exec.Cmd
	opts     Options
	log      *zap.Logger
	dataDir  string
	ownsData bool

	port  int
	wsURL string
	state atomic.Int32

	exited  chan struct{}
	waitErr error

	shutdownOnce sync.Once
	shutdownErr  error
}

// Launch starts the browser and waits until its DevTools endpoint answers.
// On failure the process is reaped and an owned profile directory removed.
func Launch(ctx context.Context, opts Options) (*Instance, error) {
	opts = opts.withDefaults()
	log := opts.Logger

	if opts.ExecPath == "" {
		return nil, &LaunchError{Stage: "start", Err: errors.New("no browser executable")}
	}

	inst := &Instance{
		opts:    opts,
		log:     log,
		dataDir: opts.DataDir,
		exited:  make(chan struct{}),
	}
	inst.state.Store(int32(StateStarting))

	if inst.dataDir == "" {
		dir, err := os.MkdirTemp("", "cdp-browser-*")
		if err != nil {
			return nil, &LaunchError{Stage: "start", Err: fmt.Errorf("creating profile dir: %w", err)}
		}
		inst.dataDir = dir
		inst.ownsData = true
	}
	// A stale file from an earlier run would point at a dead endpoint.
	_ = os.Remove(filepath.Join(inst.dataDir, ActivePortFile))

	args := DefaultArgs()
	if opts.Headless {
		args = append([]string{"--headless"}, args...)
	}
	args = append(args,
		fmt.Sprintf("--remote-debugging-port=%d", opts.Port),
		fmt.Sprintf("--user-data-dir=%s", inst.dataDir),
	)
	args = append(args, opts.Args...)
	args = append(args, "about:blank")

	cmd := exec.Command(opts.ExecPath, args...)
	cmd.Env = append(os.Environ(), opts.Env...)
	setProcessGroup(cmd)
	if err := cmd.Start(); err != nil {
		inst.removeDataDir()
		return nil, &LaunchError{Stage: "start", Err: err}
	}
	inst.cmd = cmd
	go func() {
		inst.waitErr = cmd.Wait()
		close(inst.exited)
	}()

	log = log.With(zap.Int("pid", cmd.Process.Pid))
	inst.log = log
	log.Debug("browser started", zap.String("path", opts.ExecPath), zap.Strings("args", args))

	inst.state.Store(int32(StateDiscoveringEndpoint))
	if err := inst.discover(ctx); err != nil {
		if inst.hasExited() {
			err = fmt.Errorf("browser exited (%v): %w", inst.waitErr, err)
		}
		inst.forceStop()
		return nil, &LaunchError{Stage: "discover", Err: err}
	}

	inst.state.Store(int32(StateConnected))
	log.Info("browser ready", zap.String("url", inst.wsURL), zap.Int("port", inst.port))
	return inst, nil
}

// discover polls for the endpoint with backoff until it answers, the start
// timeout passes or the process exits.
func (i *Instance) discover(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, i.opts.StartTimeout)
	defer cancel()
	go func() {
		select {
		case <-i.exited:
			cancel()
		case <-ctx.Done():
		}
	}()

	r := retry.NewRetrier(i.opts.DiscoveryAttempts, i.opts.DiscoveryInitialDelay, i.opts.DiscoveryMaxDelay)
	err := r.RunContext(ctx, func(ctx context.Context) error {
		port, path := i.opts.Port, ""
		if port == 0 {
			var err error
			port, path, err = readActivePort(i.dataDir)
			if err != nil {
				return err
			}
		}

		version, err := devtool.New(fmt.Sprintf("http://127.0.0.1:%d", port)).Version(ctx)
		if err != nil {
			return fmt.Errorf("querying endpoint: %w", err)
		}
		wsURL := version.WebSocketDebuggerURL
		if wsURL == "" && path != "" {
			wsURL = fmt.Sprintf("ws://127.0.0.1:%d%s", port, path)
		}
		if wsURL == "" {
			return errors.New("endpoint reported no WebSocket URL")
		}
		i.port = port
		i.wsURL = wsURL
		return nil
	})
	if err != nil {
		return err
	}
	// RunContext may stop early without an attempt error.
	if i.wsURL == "" {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return errors.New("endpoint not discovered")
	}
	return nil
}

// readActivePort parses the DevToolsActivePort file: the port on the first
// line, the browser target path on the second.
func readActivePort(dir string) (int, string, error) {
	f, err := os.Open(filepath.Join(dir, ActivePortFile))
	if err != nil {
		return 0, "", fmt.Errorf("reading %s: %w", ActivePortFile, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	var lines []string
	for sc.Scan() {
		lines = append(lines, strings.TrimSpace(sc.Text()))
	}
	if len(lines) == 0 {
		return 0, "", fmt.Errorf("%s is empty", ActivePortFile)
	}
	port, err := strconv.Atoi(lines[0])
	if err != nil || port <= 0 || port > 65535 {
		return 0, "", fmt.Errorf("%s: invalid port %q", ActivePortFile, lines[0])
	}
	path := ""
	if len(lines) > 1 {
		path = lines[1]
	}
	return port, path, nil
}

// WebSocketURL returns the browser's websocket debugger URL.
func (i *Instance) WebSocketURL() string { return i.wsURL }

// Port returns the debugging port.
func (i *Instance) Port() int { return i.port }

// PID returns the browser process id.
func (i *Instance) PID() int { return i.cmd.Process.Pid }

// DataDir returns the profile directory.
func (i *Instance) DataDir() string { return i.dataDir }

// State returns the supervisor state.
func (i *Instance) State() State { return State(i.state.Load()) }

// Exited is closed when the browser process has exited.
func (i *Instance) Exited() <-chan struct{} { return i.exited }

// ExitErr returns the process exit error. Only valid after Exited is closed.
func (i *Instance) ExitErr() error {
	select {
	case <-i.exited:
		return i.waitErr
	default:
		return nil
	}
}

// Shutdown stops the browser. graceful, if not nil, is asked to close the
// browser first (typically by sending Browser.close); the process then gets
// GracePeriod to exit before it is sent SIGTERM and finally SIGKILL. An owned
// profile directory is removed. Only the first call does any work; later
// calls wait for it and return the same result.
func (i *Instance) Shutdown(ctx context.Context, graceful func(context.Context) error) error {
	i.shutdownOnce.Do(func() {
		i.shutdownErr = i.shutdown(ctx, graceful, false)
	})
	return i.shutdownErr
}

// Stop kills the browser without a graceful phase.
func (i *Instance) Stop() error {
	i.shutdownOnce.Do(func() {
		i.shutdownErr = i.shutdown(context.Background(), nil, true)
	})
	return i.shutdownErr
}

func (i *Instance) shutdown(ctx context.Context, graceful func(context.Context) error, force bool) error {
	i.state.Store(int32(StateClosing))
	defer i.state.Store(int32(StateTerminated))

	var err error
	if force {
		i.forceStop()
	} else {
		if graceful != nil && !i.hasExited() {
			if err = graceful(ctx); err != nil {
				i.log.Debug("graceful close failed", zap.Error(err))
			}
		}
		i.escalate(ctx)
	}

	i.removeDataDir()
	i.log.Debug("browser terminated", zap.Error(i.waitErr))
	return err
}

// escalate waits out the grace period, then sends SIGTERM and SIGKILL as needed.
func (i *Instance) escalate(ctx context.Context) {
	if i.waitExit(ctx, i.opts.GracePeriod) {
		killGroup(i.cmd)
		return
	}
	i.log.Info("browser still running after grace period, terminating")
	if err := terminateProcess(i.cmd); err != nil {
		i.log.Debug("SIGTERM failed", zap.Error(err))
	}
	if i.waitExit(ctx, 2*time.Second) {
		killGroup(i.cmd)
		return
	}
	i.log.Warn("browser ignored SIGTERM, killing")
	i.forceStop()
}

// forceStop kills the whole process group and reaps the browser.
func (i *Instance) forceStop() {
	if i.cmd == nil {
		i.removeDataDir()
		return
	}
	killGroup(i.cmd)
	<-i.exited
	i.removeDataDir()
}

func (i *Instance) hasExited() bool {
	select {
	case <-i.exited:
		return true
	default:
		return false
	}
}

// waitExit reports whether the process exited within d.
func (i *Instance) waitExit(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-i.exited:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return i.hasExited()
	}
}

func (i *Instance) removeDataDir() {
	if i.ownsData && i.dataDir != "" {
		if err := os.RemoveAll(i.dataDir); err != nil {
			i.log.Debug("removing profile dir", zap.String("dir", i.dataDir), zap.Error(err))
		}
		i.ownsData = false
	}
}
