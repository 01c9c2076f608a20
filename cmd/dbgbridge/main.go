// dbgbridge debugs one program on behalf of a host that speaks line-delimited
// JSON on stdin and stdout.
//
// Usage:
//
//	dbgbridge [flags] <target> [args...]
//
// JavaScript targets run under a spawned node with its inspector enabled.
// Lua targets run inside the bridge.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aivorynet/dbgbridge/pkg/adapter"
	"github.com/aivorynet/dbgbridge/pkg/logging"
	"github.com/aivorynet/dbgbridge/pkg/metrics"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath       string
	mode             string
	runtimePath      string
	runtimeArgs      []string
	breakpoints      string
	debug            bool
	logFile          string
	metricsAddr      string
	handshakeTimeout time.Duration
	requestTimeout   time.Duration

	// exitCode is the process status once the command returns.
	exitCode int

	rootCmd = &cobra.Command{
		Use:   "dbgbridge [flags] <target> [args...]",
		Short: "Debug a program for a host speaking JSON lines on stdio",
		Long: `dbgbridge starts the target halted, reports a stopped event before
any of its code runs and then follows commands read from stdin.
Events are written to stdout, logs to stderr.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
)

func init() {
	flags := rootCmd.Flags()
	// Everything after the target belongs to the debuggee.
	flags.SetInterspersed(false)

	flags.StringVarP(&configPath, "config", "c", "", "YAML config file")
	flags.StringVar(&mode, "mode", "", "debuggee mode (spawn, embedded); inferred from the target extension")
	flags.StringVar(&runtimePath, "runtime", "", "runtime executable for spawn mode (default node)")
	flags.StringArrayVar(&runtimeArgs, "runtime-arg", nil, "argument passed to the runtime before the target, repeatable")
	flags.StringVar(&breakpoints, "breakpoints", "", `initial breakpoints as JSON, e.g. [{"file":"app.js","line":3}]`)
	flags.BoolVar(&debug, "debug", false, "log at debug level")
	flags.StringVar(&logFile, "log-file", "", "also write JSON logs to this file")
	flags.StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	flags.DurationVar(&handshakeTimeout, "handshake-timeout", 0, "how long a spawned runtime has to announce its endpoint")
	flags.DurationVar(&requestTimeout, "request-timeout", 0, "bound on each runtime request, 0 waits indefinitely")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "dbgbridge: %v\n", err)
		os.Exit(2)
	}
	os.Exit(exitCode)
}

func run(cmd *cobra.Command, args []string) error {
	opts, err := configOptions(cmd, args)
	if err != nil {
		return err
	}
	cfg, err := adapter.LoadConfig(configPath, opts...)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, closeLog, err := logging.New(logging.Options{Debug: cfg.Debug, File: cfg.LogFile})
	if err != nil {
		return err
	}
	defer closeLog()

	adapterOpts := []adapter.Option{adapter.WithLogger(logger)}
	if cfg.MetricsAddr != "" {
		adapterOpts = append(adapterOpts, adapter.WithMetrics(metrics.New()))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Debug("starting",
		zap.String("target", cfg.Target),
		zap.String("mode", string(cfg.Mode)),
		zap.Int("breakpoints", len(cfg.Breakpoints)))

	code, err := adapter.New(cfg, adapterOpts...).Run(ctx)
	if err != nil {
		logger.Error("session ended with an error", zap.Error(err))
	}
	exitCode = code
	return nil
}

// configOptions turns the flags the user set into overrides. Unset flags
// leave file and environment values alone.
func configOptions(cmd *cobra.Command, args []string) ([]adapter.ConfigOption, error) {
	flags := cmd.Flags()
	opts := []adapter.ConfigOption{adapter.WithTarget(args[0], args[1:]...)}

	if flags.Changed("mode") {
		opts = append(opts, adapter.WithMode(adapter.Mode(mode)))
	}
	if flags.Changed("runtime") || flags.Changed("runtime-arg") {
		opts = append(opts, adapter.WithRuntime(runtimePath, runtimeArgs...))
	}
	if flags.Changed("breakpoints") {
		locs, err := adapter.ParseBreakpoints(breakpoints)
		if err != nil {
			return nil, fmt.Errorf("--breakpoints: %w", err)
		}
		opts = append(opts, adapter.WithBreakpoints(locs))
	}
	if flags.Changed("debug") {
		opts = append(opts, adapter.WithDebug(debug))
	}
	if flags.Changed("log-file") {
		opts = append(opts, adapter.WithLogFile(logFile))
	}
	if flags.Changed("metrics-addr") {
		opts = append(opts, adapter.WithMetricsAddr(metricsAddr))
	}
	if flags.Changed("handshake-timeout") {
		opts = append(opts, adapter.WithHandshakeTimeout(handshakeTimeout))
	}
	if flags.Changed("request-timeout") {
		opts = append(opts, adapter.WithRequestTimeout(requestTimeout))
	}
	return opts, nil
}
