// Package logging builds the adapter's zap logger. Logs never go to stdout,
// which carries the host protocol.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options selects the log level and destinations.
type Options struct {
	Debug bool
	// File, when set, receives a JSON copy of every log entry.
	File string
}

// New returns a logger writing console-encoded entries to stderr and, if
// configured, JSON entries to a file. The returned close function syncs and
// closes the file.
func New(opts Options) (*zap.Logger, func() error, error) {
	level := zapcore.InfoLevel
	if opts.Debug {
		level = zapcore.DebugLevel
	}

	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stderr), level),
	}

	closeFn := func() error { return nil }
	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		fileCfg := zap.NewProductionEncoderConfig()
		fileCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(fileCfg), zapcore.AddSync(f), level))
		closeFn = f.Close
	}

	logger := zap.New(zapcore.NewTee(cores...)).Named("dbgbridge")
	return logger, func() error {
		_ = logger.Sync()
		return closeFn()
	}, nil
}
