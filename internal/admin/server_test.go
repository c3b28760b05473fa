package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/danmuck/p2pnet/internal/node"
	"github.com/danmuck/p2pnet/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testNodeConfig() node.Config {
	cfg := node.DefaultConfig()
	cfg.AcceptTimeout = 200 * time.Millisecond
	cfg.ShutdownGrace = 200 * time.Millisecond
	return cfg
}

func runNode(t *testing.T) *node.Node {
	t.Helper()
	n := node.New(testNodeConfig(), nil)
	require.NoError(t, n.Start())
	go func() { _ = n.Run(context.Background()) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = n.Shutdown(ctx)
	})
	require.Eventually(t, func() bool { return n.State() == node.StateRunning }, 3*time.Second, 10*time.Millisecond)
	return n
}

func do(t *testing.T, s *Server, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	var out map[string]any
	if rr.Body.Len() > 0 && rr.Header().Get("Content-Type") != "" {
		_ = json.Unmarshal(rr.Body.Bytes(), &out)
	}
	return rr.Code, out
}

func TestHealthReportsNode(t *testing.T) {
	testlog.Start(t)

	n := runNode(t)
	s := New(n, Config{Version: "test"})

	code, body := do(t, s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", body["status"])
	require.Equal(t, "running", body["state"])
	require.Equal(t, n.ID(), body["id"])
	require.Equal(t, "test", body["version"])
}

func TestConnectListAndRemovePeer(t *testing.T) {
	testlog.Start(t)

	local := runNode(t)
	remote := runNode(t)
	s := New(local, Config{})

	code, body := do(t, s, http.MethodPost, "/peers", map[string]any{
		"host": remote.Host(),
		"port": remote.Port(),
	})
	require.Equal(t, http.StatusCreated, code, body)
	peer := body["peer"].(map[string]any)
	require.Equal(t, remote.ID(), peer["id"])
	require.Equal(t, "outbound", peer["direction"])

	code, body = do(t, s, http.MethodPost, "/peers", map[string]any{
		"host": remote.Host(),
		"port": remote.Port(),
	})
	require.Equal(t, http.StatusConflict, code)

	code, body = do(t, s, http.MethodGet, "/peers", nil)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, body["peers"], 1)

	code, _ = do(t, s, http.MethodPost, "/peers/"+remote.ID()+"/send", map[string]any{"message": "hi"})
	require.Equal(t, http.StatusOK, code)

	code, _ = do(t, s, http.MethodDelete, "/peers/"+remote.ID(), nil)
	require.Equal(t, http.StatusOK, code)
	require.Empty(t, local.Outbound())

	code, _ = do(t, s, http.MethodDelete, "/peers/"+remote.ID(), nil)
	require.Equal(t, http.StatusNotFound, code)
}

func TestConnectRejectsBadRequests(t *testing.T) {
	testlog.Start(t)

	n := runNode(t)
	s := New(n, Config{})

	code, _ := do(t, s, http.MethodPost, "/peers", map[string]any{"host": "127.0.0.1"})
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, s, http.MethodPost, "/peers", map[string]any{"host": n.Host(), "port": n.Port()})
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, s, http.MethodPost, "/peers/unknown/send", map[string]any{"message": "x"})
	require.Equal(t, http.StatusNotFound, code)
}

func TestBroadcastCountsDeliveries(t *testing.T) {
	testlog.Start(t)

	hub := runNode(t)
	for i := 0; i < 2; i++ {
		spoke := runNode(t)
		_, err := hub.Connect(context.Background(), spoke.Host(), spoke.Port())
		require.NoError(t, err)
	}
	s := New(hub, Config{})

	code, body := do(t, s, http.MethodPost, "/broadcast", map[string]any{"message": "ping"})
	require.Equal(t, http.StatusOK, code)
	require.EqualValues(t, 2, body["delivered"])

	code, body = do(t, s, http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, code)
	require.EqualValues(t, 2, body["messages_sent"])
}

func TestStopStopsNode(t *testing.T) {
	testlog.Start(t)

	n := runNode(t)
	s := New(n, Config{})

	code, _ := do(t, s, http.MethodPost, "/stop", nil)
	require.Equal(t, http.StatusAccepted, code)
	select {
	case <-n.Stopped():
	case <-time.After(3 * time.Second):
		t.Fatal("node did not stop")
	}
}

func TestMetricsEndpointServesPeerGauge(t *testing.T) {
	testlog.Start(t)

	n := runNode(t)
	s := New(n, Config{})
	do(t, s, http.MethodGet, "/health", nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), "p2pnet_admin_requests_total")
}

func TestServeAndShutdown(t *testing.T) {
	testlog.Start(t)

	n := runNode(t)
	s := New(n, Config{Addr: "127.0.0.1:0"})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- s.Serve(ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, s.Shutdown(context.Background()))
	require.NoError(t, <-done)
}

func TestTokenGuardsMutatingRoutes(t *testing.T) {
	testlog.Start(t)

	n := runNode(t)
	s := New(n, Config{Token: "secret"})

	code, _ := do(t, s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, code)
	code, _ = do(t, s, http.MethodPost, "/broadcast", map[string]any{"message": "x"})
	require.Equal(t, http.StatusUnauthorized, code)

	req := httptest.NewRequest(http.MethodPost, "/broadcast", bytes.NewBufferString(`{"message":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer secret")
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Contains(t, rr.Body.String(), "p2pnet_admin_auth_rejections_total")
}
