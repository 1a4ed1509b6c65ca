package ops

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/veilnet/veil/internal/mux"
)

func testServer(t *testing.T) (*Server, *mux.Mux, *httptest.Server) {
	t.Helper()

	m, err := mux.Listen("udp", "127.0.0.1:0", nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	s := NewServer("127.0.0.1:0", m, zaptest.NewLogger(t))
	s.interval = 20 * time.Millisecond

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	return s, m, ts
}

func TestHealthz(t *testing.T) {
	_, _, ts := testServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "ok", body["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	_, _, ts := testServer(t)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestFlowsSnapshot(t *testing.T) {
	_, _, ts := testServer(t)

	resp, err := http.Get(ts.URL + "/debug/flows")
	require.NoError(t, err)
	defer resp.Body.Close()

	var stats []mux.FlowStats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	require.Empty(t, stats, "no flows are open yet")
}

func TestFlowsWebsocketStream(t *testing.T) {
	_, _, ts := testServer(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/debug/flows"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var stats []mux.FlowStats
	require.NoError(t, conn.ReadJSON(&stats))
}
