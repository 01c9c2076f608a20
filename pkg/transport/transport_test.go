package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipeDeliversInOrder(t *testing.T) {
	a, b := Pipe()

	for _, msg := range []string{"one", "two", "three"} {
		require.NoError(t, a.Send([]byte(msg)))
	}
	for _, want := range []string{"one", "two", "three"} {
		got, err := b.Receive()
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
	}

	require.NoError(t, b.Send([]byte("back")))
	got, err := a.Receive()
	require.NoError(t, err)
	assert.Equal(t, "back", string(got))
}

func TestPipeDrainsAfterClose(t *testing.T) {
	a, b := Pipe()

	require.NoError(t, a.Send([]byte("last words")))
	require.NoError(t, a.Close())

	got, err := b.Receive()
	require.NoError(t, err)
	assert.Equal(t, "last words", string(got))

	_, err = b.Receive()
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, b.Send([]byte("x")), ErrClosed)
	assert.ErrorIs(t, a.Send([]byte("x")), ErrClosed)

	select {
	case <-b.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestPipeSendCopiesBuffer(t *testing.T) {
	a, b := Pipe()
	buf := []byte("abc")
	require.NoError(t, a.Send(buf))
	buf[0] = 'z'

	got, err := b.Receive()
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
}

func newEchoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWebSocketRoundTrip(t *testing.T) {
	srv := newEchoServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws, err := DialWebSocket(ctx, url)
	require.NoError(t, err)

	require.NoError(t, ws.Send([]byte(`{"id":1,"method":"Debugger.enable"}`)))
	got, err := ws.Receive()
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":1,"method":"Debugger.enable"}`, string(got))

	require.NoError(t, ws.Close())
	require.NoError(t, ws.Close())
	assert.ErrorIs(t, ws.Send([]byte("x")), ErrClosed)
	_, err = ws.Receive()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDialWebSocketGivesUp(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	_, err := DialWebSocket(context.Background(), url, WithDialRetry(2, time.Millisecond))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dial")
}
