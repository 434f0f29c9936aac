// Package config loads settings for the cdp command. Values come from
// defaults, then a .cdp.yaml file, then CDP_* environment variables; command
// line flags are applied last by the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/tomyan/cdpengine/internal/cdp"
	"github.com/tomyan/cdpengine/internal/launcher"
)

// FileName is the config file looked up in the working directory and then
// the home directory.
const FileName = ".cdp.yaml"

// Environment variables read by ApplyEnv.
const (
	EnvEndpoint = "CDP_ENDPOINT"
	EnvBrowser  = "CDP_BROWSER"
	EnvTimeout  = "CDP_TIMEOUT"
	EnvHeadless = "CDP_HEADLESS"
	EnvLogLevel = "CDP_LOG_LEVEL"
)

// Config holds everything needed to reach a browser.
type Config struct {
	// Endpoint of a running browser: ws://, http:// or host:port.
	Endpoint string
	// Browser is an executable to launch, or "auto" to search for one.
	// When set, the browser is launched and Endpoint is ignored.
	Browser     string
	Headless    bool
	Port        int
	DataDir     string
	Args        []string
	GracePeriod time.Duration

	Timeout     time.Duration
	EventBuffer int
	AutoAttach  bool

	LogLevel    string
	LogFormat   string
	MetricsAddr string
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Endpoint:    "localhost:9222",
		Headless:    true,
		GracePeriod: 5 * time.Second,
		Timeout:     cdp.DefaultCommandTimeout,
		EventBuffer: 256,
		AutoAttach:  true,
		LogLevel:    "error",
		LogFormat:   "console",
	}
}

// fileConfig mirrors the YAML file. Pointer fields distinguish unset from zero.
type fileConfig struct {
	Endpoint    *string  `yaml:"endpoint"`
	Browser     *string  `yaml:"browser"`
	Headless    *bool    `yaml:"headless"`
	Port        *int     `yaml:"port"`
	DataDir     *string  `yaml:"dataDir"`
	Args        []string `yaml:"args"`
	GracePeriod *string  `yaml:"gracePeriod"` // duration string, e.g. "5s"
	Timeout     *string  `yaml:"timeout"`
	EventBuffer *int     `yaml:"eventBuffer"`
	AutoAttach  *bool    `yaml:"autoAttach"`
	LogLevel    *string  `yaml:"logLevel"`
	LogFormat   *string  `yaml:"logFormat"`
	MetricsAddr *string  `yaml:"metricsAddr"`
}

// Load builds a Config from defaults, a config file and the environment. An
// explicit path must exist and parse; otherwise the first readable FileName
// in the working directory or the home directory is used and malformed files
// are skipped.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return cfg, err
		}
	} else {
		cfg.LoadDefaultFile()
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadFile applies the YAML file at path.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := c.apply(&fc); err != nil {
		return fmt.Errorf("config %s: %w", path, err)
	}
	return nil
}

// LoadDefaultFile applies the first usable FileName found in the working
// directory or the home directory, and reports its path.
func (c *Config) LoadDefaultFile() string {
	paths := []string{filepath.Join(".", FileName)}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, FileName))
	}

	for _, p := range paths {
		next := *c
		if err := next.LoadFile(p); err != nil {
			continue // missing or malformed
		}
		*c = next
		return p
	}
	return ""
}

func (c *Config) apply(fc *fileConfig) error {
	if fc.Endpoint != nil {
		c.Endpoint = *fc.Endpoint
	}
	if fc.Browser != nil {
		c.Browser = *fc.Browser
	}
	if fc.Headless != nil {
		c.Headless = *fc.Headless
	}
	if fc.Port != nil {
		c.Port = *fc.Port
	}
	if fc.DataDir != nil {
		c.DataDir = *fc.DataDir
	}
	if fc.Args != nil {
		c.Args = fc.Args
	}
	if fc.GracePeriod != nil {
		d, err := time.ParseDuration(*fc.GracePeriod)
		if err != nil {
			return fmt.Errorf("gracePeriod: %w", err)
		}
		c.GracePeriod = d
	}
	if fc.Timeout != nil {
		d, err := time.ParseDuration(*fc.Timeout)
		if err != nil {
			return fmt.Errorf("timeout: %w", err)
		}
		c.Timeout = d
	}
	if fc.EventBuffer != nil {
		c.EventBuffer = *fc.EventBuffer
	}
	if fc.AutoAttach != nil {
		c.AutoAttach = *fc.AutoAttach
	}
	if fc.LogLevel != nil {
		c.LogLevel = *fc.LogLevel
	}
	if fc.LogFormat != nil {
		c.LogFormat = *fc.LogFormat
	}
	if fc.MetricsAddr != nil {
		c.MetricsAddr = *fc.MetricsAddr
	}
	return nil
}

// ApplyEnv overrides settings from CDP_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvEndpoint); ok && v != "" {
		c.Endpoint = v
	}
	if v, ok := lookup(EnvBrowser); ok && v != "" {
		c.Browser = v
	}
	if v, ok := lookup(EnvTimeout); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvTimeout, err)
		}
		c.Timeout = d
	}
	if v, ok := lookup(EnvHeadless); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvHeadless, err)
		}
		c.Headless = b
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.LogLevel = v
	}
	return nil
}

// Validate reports settings that cannot work.
func (c *Config) Validate() error {
	var errs []error
	if c.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("timeout must be positive, got %s", c.Timeout))
	}
	if c.EventBuffer <= 0 {
		errs = append(errs, fmt.Errorf("eventBuffer must be positive, got %d", c.EventBuffer))
	}
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port out of range: %d", c.Port))
	}
	if c.Endpoint == "" && c.Browser == "" {
		errs = append(errs, errors.New("either an endpoint or a browser to launch is required"))
	}
	return errors.Join(errs...)
}

// Launches reports whether the settings ask for a new browser process. A
// configured Browser wins over Endpoint, which always has a default.
func (c *Config) Launches() bool {
	return c.Browser != ""
}

// LauncherOptions converts the settings for launcher.Launch. execPath is the
// resolved executable.
func (c *Config) LauncherOptions(execPath string, log *zap.Logger) launcher.Options {
	return launcher.Options{
		ExecPath:     execPath,
		Args:         c.Args,
		Headless:     c.Headless,
		Port:         c.Port,
		DataDir:      c.DataDir,
		GracePeriod:  c.GracePeriod,
		StartTimeout: c.Timeout,
		Logger:       log,
	}
}

// EngineOptions converts the settings for cdp.Connect.
func (c *Config) EngineOptions(log *zap.Logger) []cdp.Option {
	opts := []cdp.Option{
		cdp.WithCommandTimeout(c.Timeout),
		cdp.WithEventBuffer(c.EventBuffer),
		cdp.WithAutoAttach(c.AutoAttach),
	}
	if log != nil {
		opts = append(opts, cdp.WithLogger(log))
	}
	return opts
}
