package adapter

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/aivorynet/dbgbridge/pkg/capture"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

// fakeRuntimeEnv makes the test binary act as a halted runtime with an
// inspector endpoint.
const fakeRuntimeEnv = "DBGBRIDGE_FAKE_RUNTIME"

// fakePIDFileEnv names a file the fake runtime writes its pid to once it
// holds an evaluation of hang() unanswered.
const fakePIDFileEnv = "DBGBRIDGE_FAKE_PID_FILE"

func TestMain(m *testing.M) {
	if os.Getenv(fakeRuntimeEnv) != "" {
		os.Exit(fakeRuntime(os.Args[len(os.Args)-1]))
	}
	os.Exit(m.Run())
}

func fakeRuntime(target string) int {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	disconnected := make(chan struct{})
	upgrader := websocket.Upgrader{}
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer close(disconnected)
		defer conn.Close()
		fmt.Fprintln(os.Stderr, "Debugger attached.")
		serveInspector(conn, capture.FileURL(target))
	})}
	go func() { _ = srv.Serve(ln) }()

	fmt.Fprintf(os.Stderr, "Debugger listening on ws://%s/0f3a6c2e\n", ln.Addr())
	fmt.Fprintln(os.Stderr, "For help, see: https://nodejs.org/en/docs/inspector")

	select {
	case <-disconnected:
		return 0
	case <-time.After(30 * time.Second):
		return 2
	}
}

// serveInspector answers the requests a session makes, pausing on release and
// finishing the program on resume.
func serveInspector(conn *websocket.Conn, url string) {
	frame := map[string]any{
		"callFrameId":  "frame:0",
		"functionName": "",
		"url":          url,
		"location":     map[string]any{"scriptId": "7", "lineNumber": 0, "columnNumber": 0},
		"scopeChain": []any{
			map[string]any{"type": "local", "object": map[string]any{"type": "object", "objectId": "scope:local"}},
			map[string]any{"type": "global", "object": map[string]any{"type": "object", "objectId": "scope:global"}},
		},
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		req := gjson.ParseBytes(data)
		id := req.Get("id").Int()
		reply := func(result any) {
			_ = conn.WriteJSON(map[string]any{"id": id, "result": result})
		}
		notify := func(method string, params any) {
			_ = conn.WriteJSON(map[string]any{"method": method, "params": params})
		}

		switch req.Get("method").String() {
		case "Debugger.enable":
			reply(map[string]any{"debuggerId": "fake"})
			notify("Debugger.scriptParsed", map[string]any{"scriptId": "7", "url": url})
		case "Runtime.runIfWaitingForDebugger":
			reply(map[string]any{})
			notify("Debugger.paused", map[string]any{"reason": "Break on start", "callFrames": []any{frame}})
		case "Runtime.getProperties":
			props := []any{}
			if req.Get("params.objectId").String() == "scope:local" {
				props = append(props, map[string]any{
					"name":  "answer",
					"value": map[string]any{"type": "number", "value": 42, "description": "42"},
				})
			}
			reply(map[string]any{"result": props})
		case "Debugger.evaluateOnCallFrame":
			if req.Get("params.expression").String() == "hang()" {
				if path := os.Getenv(fakePIDFileEnv); path != "" {
					_ = os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
				}
				continue
			}
			reply(map[string]any{"result": map[string]any{"type": "number", "value": 6, "description": "6"}})
		case "Debugger.resume":
			reply(map[string]any{})
			notify("Debugger.resumed", map[string]any{})
			fmt.Println("hello from child")
			fmt.Fprintln(os.Stderr, "Waiting for the debugger to disconnect...")
			notify("Runtime.executionContextDestroyed", map[string]any{"executionContextId": 1})
		default:
			reply(map[string]any{})
		}
	}
}

func spawnConfig(t *testing.T) *Config {
	t.Helper()
	t.Setenv(fakeRuntimeEnv, "1")
	target := filepath.Join(t.TempDir(), "app.js")
	require.NoError(t, os.WriteFile(target, []byte("console.log('hello from child')\n"), 0o644))
	return &Config{
		Target:           target,
		Runtime:          os.Args[0],
		HandshakeTimeout: 5 * time.Second,
		RequestTimeout:   5 * time.Second,
	}
}

func TestSpawnSession(t *testing.T) {
	cfg := spawnConfig(t)
	h := startAdapter(t, cfg)

	entry := h.expect("stopped")
	assert.Equal(t, cfg.Target, entry.Get("file").String())
	assert.Equal(t, int64(1), entry.Get("line").Int())
	assert.Equal(t, "42", entry.Get("locals.answer").String())

	h.send(`{"type":"evaluate","expr":"2 * 3"}`)
	assert.Equal(t, "6", h.expect("evaluate_result").Get("value").String())

	h.send(`{"type":"continue"}`)
	rest, res := h.finish()
	require.Equal(t, []string{"output", "terminated"}, names(rest))
	assert.Equal(t, "hello from child\n", rest[0].Get("body.text").String())
	assert.Equal(t, int64(0), rest[1].Get("body.code").Int())
	assert.True(t, rest[1].Get("body.code").Exists())

	require.NoError(t, res.err)
	assert.Equal(t, 0, res.code)
}

func TestSpawnStop(t *testing.T) {
	h := startAdapter(t, spawnConfig(t))
	h.expect("stopped")

	h.send(`{"type":"stop"}`)
	rest, res := h.finish()
	require.Equal(t, []string{"terminated"}, names(rest))
	assert.False(t, rest[0].Get("body.code").Exists())
	assert.Equal(t, 0, res.code)
}

func TestSpawnKilledOutOfBand(t *testing.T) {
	cfg := spawnConfig(t)
	pidFile := filepath.Join(t.TempDir(), "runtime.pid")
	t.Setenv(fakePIDFileEnv, pidFile)

	h := startAdapter(t, cfg)
	h.expect("stopped")
	h.send(`{"type":"evaluate","expr":"hang()"}`)

	var pid int
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(pidFile)
		if err != nil {
			return false
		}
		pid, err = strconv.Atoi(string(data))
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	proc, err := os.FindProcess(pid)
	require.NoError(t, err)
	require.NoError(t, proc.Kill())

	rest, res := h.finish()
	require.Equal(t, []string{"evaluate_result", "terminated"}, names(rest))
	assert.Equal(t, "hang()", rest[0].Get("body.expr").String())
	assert.NotEmpty(t, rest[0].Get("body.error").String())
	assert.False(t, rest[0].Get("body.value").Exists())
	assert.False(t, rest[1].Get("body.code").Exists())

	require.NoError(t, res.err)
	assert.Equal(t, 1, res.code)
}

func requireShell(t *testing.T) string {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("no shell available")
	}
	return sh
}

func TestSpawnRuntimeExitsBeforeHandshake(t *testing.T) {
	cfg := &Config{
		Target:           "app.js",
		Runtime:          requireShell(t),
		RuntimeArgs:      []string{"-c", "echo boom >&2; exit 3"},
		HandshakeTimeout: 5 * time.Second,
	}
	h := startAdapter(t, cfg)

	rest, res := h.finish()
	require.Equal(t, []string{"output", "exception", "terminated"}, names(rest))
	assert.Equal(t, "boom\n", rest[0].Get("body.text").String())
	assert.Contains(t, rest[1].Get("body.message").String(), "did not announce")
	assert.Equal(t, int64(1), rest[2].Get("body.code").Int())

	assert.True(t, errors.Is(res.err, ErrHandshake))
	assert.Equal(t, 1, res.code)
}

func TestSpawnHandshakeTimeout(t *testing.T) {
	cfg := &Config{
		Target:           "app.js",
		Runtime:          requireShell(t),
		RuntimeArgs:      []string{"-c", "exec sleep 5"},
		HandshakeTimeout: 200 * time.Millisecond,
	}
	h := startAdapter(t, cfg)

	rest, res := h.finish()
	require.Equal(t, []string{"exception", "terminated"}, names(rest))
	assert.Contains(t, rest[0].Get("body.message").String(), "within 200ms")
	assert.ErrorIs(t, res.err, ErrHandshake)
	assert.Equal(t, 1, res.code)
}

func TestSpawnMissingRuntime(t *testing.T) {
	cfg := &Config{
		Target:           "app.js",
		Runtime:          filepath.Join(t.TempDir(), "no-such-runtime"),
		HandshakeTimeout: time.Second,
	}
	h := startAdapter(t, cfg)

	rest, res := h.finish()
	require.Equal(t, []string{"exception", "terminated"}, names(rest))
	assert.Contains(t, rest[0].Get("body.message").String(), "no-such-runtime")
	assert.Error(t, res.err)
	assert.Equal(t, 1, res.code)
}

func TestCommandLine(t *testing.T) {
	s := newSpawned(&Config{
		Target:      "app.js",
		Args:        []string{"--port", "8080"},
		RuntimeArgs: []string{"--no-warnings"},
	}, nil, nil)

	assert.Equal(t,
		[]string{"--no-warnings", "--inspect-brk=127.0.0.1:0", "app.js", "--port", "8080"},
		s.commandLine())
}

func TestEndpointAnnouncement(t *testing.T) {
	m := endpointPattern.FindStringSubmatch("Debugger listening on ws://127.0.0.1:40123/6d1f0c3e-8e5b-4a59-9c36-1f2f0e6f0a11\n")
	require.Len(t, m, 2)
	assert.Equal(t, "ws://127.0.0.1:40123/6d1f0c3e-8e5b-4a59-9c36-1f2f0e6f0a11", m[1])

	assert.Nil(t, endpointPattern.FindStringSubmatch("listening on port 3000"))
}

func TestIsBanner(t *testing.T) {
	assert.True(t, isBanner("Debugger listening on ws://127.0.0.1:1/x\n"))
	assert.True(t, isBanner("For help, see: https://nodejs.org/en/docs/inspector\n"))
	assert.True(t, isBanner("Debugger attached.\n"))
	assert.True(t, isBanner("Waiting for the debugger to disconnect...\n"))
	assert.False(t, isBanner("Debugger is a word\n"))
	assert.False(t, isBanner("error: something broke\n"))
}
