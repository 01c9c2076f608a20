package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestCounters(t *testing.T) {
	m := New()

	m.ObserveRequest("Debugger.resume", time.Millisecond, nil)
	m.ObserveRequest("Debugger.resume", time.Millisecond, errors.New("boom"))
	m.EventWritten("stopped")
	m.EventWritten("stopped")
	m.CommandReceived("continue")
	m.Paused("entry")
	m.Paused("breakpoint")
	m.Paused("breakpoint")

	body := scrape(t, m)
	assert.Contains(t, body, `dbgbridge_runtime_requests_total{method="Debugger.resume",outcome="ok"} 1`)
	assert.Contains(t, body, `dbgbridge_runtime_requests_total{method="Debugger.resume",outcome="error"} 1`)
	assert.Contains(t, body, `dbgbridge_events_total{event="stopped"} 2`)
	assert.Contains(t, body, `dbgbridge_commands_total{type="continue"} 1`)
	assert.Contains(t, body, `dbgbridge_pauses_total{cause="entry"} 1`)
	assert.Contains(t, body, `dbgbridge_pauses_total{cause="breakpoint"} 2`)
	assert.Contains(t, body, `dbgbridge_runtime_request_duration_seconds_count{method="Debugger.resume"} 2`)
}

func TestPendingGauge(t *testing.T) {
	m := New()
	m.TrackPending(func() int { return 3 })

	assert.Contains(t, scrape(t, m), "dbgbridge_runtime_requests_pending 3")
}
