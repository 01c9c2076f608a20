package adapter

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/aivorynet/dbgbridge/pkg/breakpoint"
	"github.com/aivorynet/dbgbridge/pkg/protocol"
	"gopkg.in/yaml.v3"
)

// Mode selects how the debuggee runs.
type Mode string

const (
	// ModeSpawn runs the debuggee as a child runtime process.
	ModeSpawn Mode = "spawn"
	// ModeEmbedded runs the debuggee inside the adapter.
	ModeEmbedded Mode = "embedded"
)

// Config holds the adapter configuration.
type Config struct {
	Mode        Mode
	Target      string
	Args        []string
	Runtime     string
	RuntimeArgs []string
	Breakpoints []breakpoint.Location

	HandshakeTimeout time.Duration
	// RequestTimeout bounds every awaited runtime request. Zero waits until
	// the response arrives or the connection closes.
	RequestTimeout time.Duration

	Debug       bool
	LogFile     string
	MetricsAddr string
}

// fileConfig is the YAML layout of a config file.
type fileConfig struct {
	Mode             string     `yaml:"mode"`
	Runtime          string     `yaml:"runtime"`
	RuntimeArgs      []string   `yaml:"runtime_args"`
	Breakpoints      []location `yaml:"breakpoints"`
	HandshakeTimeout string     `yaml:"handshake_timeout"`
	RequestTimeout   string     `yaml:"request_timeout"`
	Debug            bool       `yaml:"debug"`
	LogFile          string     `yaml:"log_file"`
	MetricsAddr      string     `yaml:"metrics_addr"`
}

type location struct {
	File string `yaml:"file"`
	Line int    `yaml:"line"`
}

// LoadConfig builds the configuration from defaults, then the YAML file at
// path if one is given, then DBGBRIDGE_* environment variables, then options.
func LoadConfig(path string, options ...ConfigOption) (*Config, error) {
	cfg := &Config{
		Runtime:          "node",
		HandshakeTimeout: 10 * time.Second,
	}

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.loadEnv(); err != nil {
		return nil, err
	}

	for _, opt := range options {
		opt(cfg)
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	if fc.Mode != "" {
		c.Mode = Mode(fc.Mode)
	}
	if fc.Runtime != "" {
		c.Runtime = fc.Runtime
	}
	if len(fc.RuntimeArgs) > 0 {
		c.RuntimeArgs = fc.RuntimeArgs
	}
	for _, loc := range fc.Breakpoints {
		c.Breakpoints = append(c.Breakpoints, breakpoint.Location{File: loc.File, Line: loc.Line})
	}
	if fc.HandshakeTimeout != "" {
		d, err := time.ParseDuration(fc.HandshakeTimeout)
		if err != nil {
			return fmt.Errorf("parse config %s: handshake_timeout: %w", path, err)
		}
		c.HandshakeTimeout = d
	}
	if fc.RequestTimeout != "" {
		d, err := time.ParseDuration(fc.RequestTimeout)
		if err != nil {
			return fmt.Errorf("parse config %s: request_timeout: %w", path, err)
		}
		c.RequestTimeout = d
	}
	c.Debug = c.Debug || fc.Debug
	if fc.LogFile != "" {
		c.LogFile = fc.LogFile
	}
	if fc.MetricsAddr != "" {
		c.MetricsAddr = fc.MetricsAddr
	}
	return nil
}

func (c *Config) loadEnv() error {
	c.Mode = Mode(getEnvOrDefault("DBGBRIDGE_MODE", string(c.Mode)))
	c.Runtime = getEnvOrDefault("DBGBRIDGE_RUNTIME", c.Runtime)
	if raw := os.Getenv("DBGBRIDGE_DEBUG"); raw != "" {
		debug, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("DBGBRIDGE_DEBUG: %w", err)
		}
		c.Debug = debug
	}
	c.LogFile = getEnvOrDefault("DBGBRIDGE_LOG_FILE", c.LogFile)
	c.MetricsAddr = getEnvOrDefault("DBGBRIDGE_METRICS_ADDR", c.MetricsAddr)
	c.HandshakeTimeout = getEnvDurationOrDefault("DBGBRIDGE_HANDSHAKE_TIMEOUT", c.HandshakeTimeout)
	c.RequestTimeout = getEnvDurationOrDefault("DBGBRIDGE_REQUEST_TIMEOUT", c.RequestTimeout)

	if raw := os.Getenv("DBGBRIDGE_BREAKPOINTS"); raw != "" {
		locs, err := ParseBreakpoints(raw)
		if err != nil {
			return fmt.Errorf("DBGBRIDGE_BREAKPOINTS: %w", err)
		}
		c.Breakpoints = locs
	}
	return nil
}

// ParseBreakpoints decodes a JSON array of {file, line} objects.
func ParseBreakpoints(raw string) ([]breakpoint.Location, error) {
	locs, err := protocol.ParseLocations([]byte(raw))
	if err != nil {
		return nil, err
	}
	out := make([]breakpoint.Location, len(locs))
	for i, loc := range locs {
		out[i] = breakpoint.Location{File: loc.File, Line: loc.Line}
	}
	return out, nil
}

// Validate checks the configuration and fills in the mode from the target's
// extension when it was not set.
func (c *Config) Validate() error {
	if c.Target == "" {
		return fmt.Errorf("no target file")
	}
	if c.Mode == "" {
		c.Mode = ModeFor(c.Target)
	}
	switch c.Mode {
	case ModeSpawn:
		if c.Runtime == "" {
			return fmt.Errorf("spawn mode needs a runtime executable")
		}
	case ModeEmbedded:
		if ext := filepath.Ext(c.Target); !strings.EqualFold(ext, ".lua") {
			return fmt.Errorf("embedded mode runs Lua scripts, got %q", c.Target)
		}
	default:
		return fmt.Errorf("unknown mode %q", c.Mode)
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("handshake timeout must be positive")
	}
	return nil
}

// ModeFor picks the mode for a target file: Lua scripts run embedded,
// everything else is spawned.
func ModeFor(target string) Mode {
	if strings.EqualFold(filepath.Ext(target), ".lua") {
		return ModeEmbedded
	}
	return ModeSpawn
}

// ConfigOption is a function that modifies Config.
type ConfigOption func(*Config)

// WithTarget sets the debuggee file and its arguments.
func WithTarget(file string, args ...string) ConfigOption {
	return func(c *Config) {
		c.Target = file
		c.Args = args
	}
}

// WithMode sets the mode.
func WithMode(mode Mode) ConfigOption {
	return func(c *Config) {
		c.Mode = mode
	}
}

// WithRuntime sets the runtime executable and extra arguments passed to it
// before the target.
func WithRuntime(runtime string, args ...string) ConfigOption {
	return func(c *Config) {
		if runtime != "" {
			c.Runtime = runtime
		}
		if len(args) > 0 {
			c.RuntimeArgs = args
		}
	}
}

// WithBreakpoints sets the initial breakpoints.
func WithBreakpoints(locs []breakpoint.Location) ConfigOption {
	return func(c *Config) {
		c.Breakpoints = locs
	}
}

// WithHandshakeTimeout sets how long a spawned runtime has to announce its
// debugging endpoint.
func WithHandshakeTimeout(d time.Duration) ConfigOption {
	return func(c *Config) {
		c.HandshakeTimeout = d
	}
}

// WithRequestTimeout bounds awaited runtime requests.
func WithRequestTimeout(d time.Duration) ConfigOption {
	return func(c *Config) {
		c.RequestTimeout = d
	}
}

// WithDebug enables debug logging.
func WithDebug(debug bool) ConfigOption {
	return func(c *Config) {
		c.Debug = debug
	}
}

// WithLogFile copies logs to a file.
func WithLogFile(path string) ConfigOption {
	return func(c *Config) {
		c.LogFile = path
	}
}

// WithMetricsAddr serves Prometheus metrics on addr.
func WithMetricsAddr(addr string) ConfigOption {
	return func(c *Config) {
		c.MetricsAddr = addr
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		if ms, err := strconv.Atoi(value); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}
