package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matheus3301/parley/internal/apperr"
	"github.com/matheus3301/parley/internal/call"
)

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestMetricsEndpoint(t *testing.T) {
	m := New()
	m.Outbound("message:send", nil)
	m.Outbound("message:send", apperr.ErrNotConnected)
	m.Outbound("message:edit", errors.New("boom"))
	m.Resync(nil)
	m.Upload(false)
	m.CallTransition(call.Idle, call.RingingOutgoing)
	m.EventApplied("message_created")
	m.BusDropped("typing.changed")

	srv := httptest.NewServer(Handler(m, func() (string, bool) { return "READY", true }))
	defer srv.Close()

	code, body := get(t, srv.URL+"/metrics")
	require.Equal(t, http.StatusOK, code)
	for _, line := range []string{
		`parley_sync_requests_total{code="OK",op="message:send"} 1`,
		`parley_sync_requests_total{code="NOT_CONNECTED",op="message:send"} 1`,
		`parley_sync_requests_total{code="INTERNAL",op="message:edit"} 1`,
		`parley_sync_resyncs_total{result="ok"} 1`,
		`parley_upload_files_total{result="error"} 1`,
		`parley_call_transitions_total{from="idle",to="ringing-outgoing"} 1`,
		`parley_sync_events_applied_total{kind="message_created"} 1`,
		`parley_bus_dropped_events_total{kind="typing.changed"} 1`,
	} {
		assert.Contains(t, body, line)
	}
}

func TestHealthz(t *testing.T) {
	var ready atomic.Bool
	srv := httptest.NewServer(Handler(New(), func() (string, bool) { return "RECONNECTING", ready.Load() }))
	defer srv.Close()

	code, _ := get(t, srv.URL+"/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	ready.Store(true)
	code, body := get(t, srv.URL+"/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"RECONNECTING","ready":true}`, body)
}

func TestMetricsRejectsPost(t *testing.T) {
	srv := httptest.NewServer(Handler(New(), func() (string, bool) { return "READY", true }))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/metrics", "text/plain", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
