package main

import (
	"testing"
	"time"

	"github.com/aivorynet/dbgbridge/pkg/adapter"
	"github.com/aivorynet/dbgbridge/pkg/breakpoint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlagsOverrideConfig(t *testing.T) {
	require.NoError(t, rootCmd.Flags().Parse([]string{
		"--runtime", "/usr/local/bin/node",
		"--runtime-arg", "--no-warnings",
		"--breakpoints", `[{"file":"app.js","line":3}]`,
		"--handshake-timeout", "2s",
		"app.js", "--port", "80",
	}))
	args := rootCmd.Flags().Args()
	require.Equal(t, []string{"app.js", "--port", "80"}, args)

	opts, err := configOptions(rootCmd, args)
	require.NoError(t, err)
	cfg, err := adapter.LoadConfig("", opts...)
	require.NoError(t, err)

	assert.Equal(t, "app.js", cfg.Target)
	assert.Equal(t, []string{"--port", "80"}, cfg.Args)
	assert.Equal(t, "/usr/local/bin/node", cfg.Runtime)
	assert.Equal(t, []string{"--no-warnings"}, cfg.RuntimeArgs)
	assert.Equal(t, []breakpoint.Location{{File: "app.js", Line: 3}}, cfg.Breakpoints)
	assert.Equal(t, 2*time.Second, cfg.HandshakeTimeout)
	assert.Zero(t, cfg.RequestTimeout)
}
