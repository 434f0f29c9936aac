package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mafredri/cdp/protocol/target"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tomyan/cdpengine/internal/browser"
	"github.com/tomyan/cdpengine/internal/cdp"
	"github.com/tomyan/cdpengine/internal/config"
	"github.com/tomyan/cdpengine/internal/launcher"
	"github.com/tomyan/cdpengine/internal/logging"
)

// Exit codes
const (
	ExitSuccess    = 0
	ExitError      = 1
	ExitConnFailed = 2
	ExitTimeout    = 3
)

// Config holds the CLI configuration.
type Config struct {
	Settings config.Config
	Output   string // json, ndjson, text

	// Load resolves settings from the config file and environment.
	Load func(path string) (config.Config, error)

	Stdout io.Writer
	Stderr io.Writer
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Settings: config.Default(),
		Output:   "json",
		Load:     config.Load,
		Stdout:   os.Stdout,
		Stderr:   os.Stderr,
	}
}

func main() {
	os.Exit(run(os.Args[1:], DefaultConfig()))
}

func run(args []string, cfg *Config) int {
	fs := flag.NewFlagSet("cdp", flag.ContinueOnError)
	fs.SetOutput(cfg.Stderr)
	configPath := fs.String("config", "", "Config file (default ./"+config.FileName+" or ~/"+config.FileName+")")
	endpoint := fs.String("endpoint", cfg.Settings.Endpoint, "Browser endpoint: ws://, http:// or host:port (env: "+config.EnvEndpoint+")")
	launch := fs.String("launch", cfg.Settings.Browser, "Launch a browser: executable path or 'auto' (env: "+config.EnvBrowser+")")
	headless := fs.Bool("headless", cfg.Settings.Headless, "Launch headless (env: "+config.EnvHeadless+")")
	port := fs.Int("port", cfg.Settings.Port, "Remote debugging port for a launched browser (0 picks one)")
	timeout := fs.Duration("timeout", cfg.Settings.Timeout, "Command timeout (env: "+config.EnvTimeout+")")
	logLevel := fs.String("log-level", cfg.Settings.LogLevel, "Log level: debug, info, warn, error, off (env: "+config.EnvLogLevel+")")
	metricsAddr := fs.String("metrics-addr", cfg.Settings.MetricsAddr, "Serve Prometheus metrics on this address")
	fs.StringVar(&cfg.Output, "output", cfg.Output, "Output format: json, ndjson, text")

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return ExitSuccess
		}
		return ExitError
	}

	remaining := fs.Args()
	if len(remaining) < 1 {
		fmt.Fprintln(cfg.Stderr, "usage: cdp [flags] <command>")
		fmt.Fprintln(cfg.Stderr, "commands: version, targets, new, raw, events, close")
		fmt.Fprintln(cfg.Stderr, "flags:")
		fs.PrintDefaults()
		return ExitError
	}

	if cfg.Load != nil {
		settings, err := cfg.Load(*configPath)
		if err != nil {
			fmt.Fprintf(cfg.Stderr, "error: %v\n", err)
			return ExitError
		}
		cfg.Settings = settings
	}

	// Flags given on the command line win over file and environment.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "endpoint":
			cfg.Settings.Endpoint = *endpoint
		case "launch":
			cfg.Settings.Browser = *launch
		case "headless":
			cfg.Settings.Headless = *headless
		case "port":
			cfg.Settings.Port = *port
		case "timeout":
			cfg.Settings.Timeout = *timeout
		case "log-level":
			cfg.Settings.LogLevel = *logLevel
		case "metrics-addr":
			cfg.Settings.MetricsAddr = *metricsAddr
		}
	})
	if err := cfg.Settings.Validate(); err != nil {
		fmt.Fprintf(cfg.Stderr, "error: %v\n", err)
		return ExitError
	}

	cmd := remaining[0]

	switch cmd {
	case "version":
		return cmdVersion(cfg)
	case "targets":
		return cmdTargets(cfg)
	case "new":
		return cmdNew(cfg, remaining[1:])
	case "raw":
		return cmdRaw(cfg, remaining[1:])
	case "events":
		return cmdEvents(cfg, remaining[1:])
	case "close":
		if len(remaining) < 2 {
			fmt.Fprintln(cfg.Stderr, "usage: cdp close <targetId>...")
			return ExitError
		}
		return cmdClose(cfg, remaining[1:])
	default:
		fmt.Fprintf(cfg.Stderr, "unknown command: %s\n", cmd)
		return ExitError
	}
}

// connect launches or connects to a browser according to the settings.
func connect(ctx context.Context, cfg *Config, log *zap.Logger) (*browser.Browser, error) {
	s := cfg.Settings
	engineOpts := s.EngineOptions(log.Named("engine"))

	if !s.Launches() {
		// Never close a browser we did not start.
		return browser.Connect(ctx, s.Endpoint, append(engineOpts, cdp.WithCloseBrowser(false))...)
	}

	execPath := ""
	if s.Browser != "auto" {
		execPath = s.Browser
	}
	execPath = launcher.LookPath(execPath)
	if execPath == "" {
		return nil, fmt.Errorf("browser executable not found: %s", s.Browser)
	}
	return browser.Launch(ctx, browser.Config{
		Launcher: s.LauncherOptions(execPath, log.Named("launcher")),
		Engine:   engineOpts,
		Logger:   log,
	})
}

// withEngine runs fn against a connected engine under the command timeout
// and prints its result.
func withEngine(cfg *Config, fn func(ctx context.Context, engine *cdp.Engine) (interface{}, error)) int {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Settings.Timeout)
	defer cancel()

	var result interface{}
	code := session(ctx, cfg, func(ctx context.Context, engine *cdp.Engine) error {
		var err error
		result, err = fn(ctx, engine)
		return err
	})
	if code != ExitSuccess {
		return code
	}
	return outputResult(cfg, result)
}

// session connects, runs fn and closes the browser again, mapping failures
// to exit codes.
func session(ctx context.Context, cfg *Config, fn func(ctx context.Context, engine *cdp.Engine) error) int {
	log, err := logging.New(cfg.Settings.LogLevel, cfg.Settings.LogFormat)
	if err != nil {
		fmt.Fprintf(cfg.Stderr, "error: %v\n", err)
		return ExitError
	}
	defer func() { _ = log.Sync() }()

	if cfg.Settings.MetricsAddr != "" {
		stop, err := serveMetrics(cfg.Settings.MetricsAddr, log)
		if err != nil {
			fmt.Fprintf(cfg.Stderr, "error: %v\n", err)
			return ExitError
		}
		defer stop()
	}

	b, err := connect(ctx, cfg, log)
	if err != nil {
		fmt.Fprintf(cfg.Stderr, "error: %v\n", err)
		return ExitConnFailed
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := b.Close(closeCtx); err != nil {
			log.Warn("closing browser", zap.Error(err))
		}
	}()

	if err := fn(ctx, b.Engine()); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, cdp.ErrCommandTimeout) {
			fmt.Fprintln(cfg.Stderr, "error: timeout")
			return ExitTimeout
		}
		fmt.Fprintf(cfg.Stderr, "error: %v\n", err)
		return ExitError
	}
	return ExitSuccess
}

func serveMetrics(addr string, log *zap.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening for metrics: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("metrics server", zap.Error(err))
		}
	}()
	log.Info("serving metrics", zap.String("addr", ln.Addr().String()))
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

func cmdVersion(cfg *Config) int {
	return withEngine(cfg, func(ctx context.Context, engine *cdp.Engine) (interface{}, error) {
		return engine.Execute(ctx, "Browser.getVersion", nil)
	})
}

// cmdTargets lists the engine's target table, which discovery fills on
// connect.
func cmdTargets(cfg *Config) int {
	return withEngine(cfg, func(ctx context.Context, engine *cdp.Engine) (interface{}, error) {
		infos, err := engine.Targets(ctx)
		if err != nil {
			return nil, err
		}
		targets := make([]TargetResult, 0, len(infos))
		for _, ti := range infos {
			targets = append(targets, TargetResult{
				ID:       ti.ID,
				Type:     string(ti.Type),
				Title:    ti.Title,
				URL:      ti.URL,
				Attached: ti.Attached,
			})
		}
		return targets, nil
	})
}

// TargetResult is one entry of the targets command.
type TargetResult struct {
	ID       string `json:"targetId"`
	Type     string `json:"type"`
	Title    string `json:"title"`
	URL      string `json:"url"`
	Attached bool   `json:"attached"`
}

// NewResult is returned by the new command.
type NewResult struct {
	TargetID  string `json:"targetId"`
	SessionID string `json:"sessionId,omitempty"`
	URL       string `json:"url"`
}

func cmdNew(cfg *Config, args []string) int {
	fs := flag.NewFlagSet("new", flag.ContinueOnError)
	fs.SetOutput(cfg.Stderr)
	window := fs.Bool("window", false, "Open in a new window")
	background := fs.Bool("background", false, "Open without focusing")
	width := fs.Int("width", 0, "Window width")
	height := fs.Int("height", 0, "Window height")
	attach := fs.Bool("attach", false, "Attach a session to the new target")

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return ExitSuccess
		}
		return ExitError
	}

	url := "about:blank"
	if fs.NArg() > 0 {
		url = fs.Arg(0)
	}

	var opts []cdp.TargetOption
	if *window {
		opts = append(opts, cdp.NewWindow())
	}
	if *background {
		opts = append(opts, cdp.Background())
	}
	if *width > 0 && *height > 0 {
		opts = append(opts, cdp.WindowSize(*width, *height))
	}
	if !*attach {
		opts = append(opts, cdp.WithoutAttach())
	}

	return withEngine(cfg, func(ctx context.Context, engine *cdp.Engine) (interface{}, error) {
		t, err := engine.NewTarget(ctx, url, opts...)
		if err != nil {
			return nil, err
		}
		return NewResult{TargetID: t.ID(), SessionID: t.SessionID(), URL: url}, nil
	})
}

func cmdRaw(cfg *Config, args []string) int {
	fs := flag.NewFlagSet("raw", flag.ContinueOnError)
	fs.SetOutput(cfg.Stderr)
	sessionID := fs.String("session", "", "Send the command on this session")
	targetID := fs.String("target", "", "Attach to this target and send the command on its session")

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return ExitSuccess
		}
		return ExitError
	}

	remaining := fs.Args()
	if len(remaining) == 0 || (*sessionID != "" && *targetID != "") {
		fmt.Fprintln(cfg.Stderr, "usage: cdp raw [--session <id> | --target <id>] <method> [params-json]")
		fmt.Fprintln(cfg.Stderr, "")
		fmt.Fprintln(cfg.Stderr, "examples:")
		fmt.Fprintln(cfg.Stderr, "  cdp raw Target.getTargets")
		fmt.Fprintln(cfg.Stderr, "  cdp raw --target <id> Page.navigate '{\"url\":\"https://example.com\"}'")
		fmt.Fprintln(cfg.Stderr, "  cdp raw --session <id> Runtime.evaluate '{\"expression\":\"1+1\"}'")
		return ExitError
	}

	method := remaining[0]
	var params json.RawMessage
	if len(remaining) > 1 {
		params = json.RawMessage(remaining[1])
		if !json.Valid(params) {
			fmt.Fprintln(cfg.Stderr, "error: params must be valid JSON")
			return ExitError
		}
	}

	return withEngine(cfg, func(ctx context.Context, engine *cdp.Engine) (interface{}, error) {
		sid := *sessionID
		if *targetID != "" {
			var err error
			if sid, err = engine.Attach(ctx, *targetID); err != nil {
				return nil, err
			}
		}
		var opts []cdp.ExecuteOption
		if sid != "" {
			opts = append(opts, cdp.WithSession(sid))
		}
		return engine.Execute(ctx, method, params, opts...)
	})
}

func cmdEvents(cfg *Config, args []string) int {
	fs := flag.NewFlagSet("events", flag.ContinueOnError)
	fs.SetOutput(cfg.Stderr)
	sessionID := fs.String("session", "", "Only events from this session")
	targetID := fs.String("target", "", "Attach to this target and stream its events")
	all := fs.Bool("all", false, "Events from every session")
	enable := fs.String("enable", "", "Comma separated domains to enable first, e.g. Page,Network")
	count := fs.Int("count", 0, "Stop after this many events (0 streams until timeout)")

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return ExitSuccess
		}
		return ExitError
	}
	if *sessionID != "" && *targetID != "" {
		fmt.Fprintln(cfg.Stderr, "usage: cdp events [--session <id> | --target <id> | --all] [--enable <domains>] [--count <n>] [method...]")
		return ExitError
	}
	methods := fs.Args()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.Settings.Timeout)
	defer cancel()

	enc := json.NewEncoder(cfg.Stdout)
	return session(ctx, cfg, func(ctx context.Context, engine *cdp.Engine) error {
		sid := *sessionID
		if *targetID != "" {
			var err error
			if sid, err = engine.Attach(ctx, *targetID); err != nil {
				return err
			}
		}
		if *all {
			sid = cdp.AllSessions
		}

		sub, err := engine.Subscribe(ctx, sid, methods...)
		if err != nil {
			return err
		}
		defer sub.Close()

		if *enable != "" {
			var opts []cdp.ExecuteOption
			if sid != "" && sid != cdp.AllSessions {
				opts = append(opts, cdp.WithSession(sid))
			}
			for _, domain := range strings.Split(*enable, ",") {
				if _, err := engine.Execute(ctx, strings.TrimSpace(domain)+".enable", nil, opts...); err != nil {
					return err
				}
			}
		}

		for n := 0; *count == 0 || n < *count; n++ {
			ev, err := sub.Next(ctx)
			if err != nil {
				if ctx.Err() != nil {
					// Timeout or interrupt ends the stream normally.
					return nil
				}
				return err
			}
			if err := enc.Encode(ev); err != nil {
				return fmt.Errorf("writing event: %w", err)
			}
		}
		return nil
	})
}

// CloseResult is returned by the close command.
type CloseResult struct {
	Closed []string `json:"closed"`
}

func cmdClose(cfg *Config, targetIDs []string) int {
	return withEngine(cfg, func(ctx context.Context, engine *cdp.Engine) (interface{}, error) {
		g, ctx := errgroup.WithContext(ctx)
		for _, id := range targetIDs {
			g.Go(func() error {
				if _, err := engine.Execute(ctx, "Target.closeTarget", target.NewCloseTargetArgs(target.ID(id))); err != nil {
					return fmt.Errorf("closing %s: %w", id, err)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		return CloseResult{Closed: targetIDs}, nil
	})
}

func outputResult(cfg *Config, v interface{}) int {
	if raw, ok := v.(json.RawMessage); ok {
		var decoded interface{}
		if err := json.Unmarshal(raw, &decoded); err == nil {
			v = decoded
		}
	}

	switch cfg.Output {
	case "json":
		enc := json.NewEncoder(cfg.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(v); err != nil {
			fmt.Fprintf(cfg.Stderr, "error: %v\n", err)
			return ExitError
		}
	case "ndjson":
		enc := json.NewEncoder(cfg.Stdout)
		if err := enc.Encode(v); err != nil {
			fmt.Fprintf(cfg.Stderr, "error: %v\n", err)
			return ExitError
		}
	case "text":
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			fmt.Fprintf(cfg.Stderr, "error: %v\n", err)
			return ExitError
		}
		fmt.Fprintln(cfg.Stdout, string(data))
	default:
		fmt.Fprintf(cfg.Stderr, "error: unknown output format: %s\n", cfg.Output)
		return ExitError
	}
	return ExitSuccess
}
