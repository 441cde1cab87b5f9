package server

import (
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gelogrammer/speech-metrics-service/internal/config"
	"github.com/gelogrammer/speech-metrics-service/internal/frame"
	"github.com/gelogrammer/speech-metrics-service/internal/metrics"
	"github.com/gelogrammer/speech-metrics-service/internal/protocol"
	"github.com/gelogrammer/speech-metrics-service/internal/stream"
)

type fixture struct {
	cfg     *config.Config
	mgr     *stream.Manager
	metrics *metrics.Metrics
	http    *HTTPServer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	cfg := config.Default()
	cfg.Server.BindAddress = "127.0.0.1"
	cfg.Server.UDPPort = 0
	cfg.Server.Workers = 2

	m := metrics.NewMetrics(prometheus.NewRegistry())
	mgr, err := stream.NewManager(logger, stream.ManagerConfig{
		Engine:      cfg.Engine.ToEngine(),
		Timeout:     time.Minute,
		MaxSessions: 10,
	}, stream.WithMetrics(m))
	require.NoError(t, err)
	t.Cleanup(mgr.Stop)

	return &fixture{
		cfg:     cfg,
		mgr:     mgr,
		metrics: m,
		http:    NewHTTPServer(cfg.HTTP, logger, cfg, mgr, nil, m),
	}
}

func (f *fixture) do(t *testing.T, method, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	f.http.Handler().ServeHTTP(rec, httptest.NewRequest(method, path, nil))

	var body map[string]any
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, sonic.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func speech() protocol.FramePayload {
	return protocol.FramePayload{
		Fluency:       frame.LabelInput{Category: "high", Confidence: 0.9},
		Tempo:         frame.LabelInput{Category: "fast", Confidence: 0.8},
		Pronunciation: frame.LabelInput{Category: "clear", Confidence: 0.9},
	}
}

func encode(t *testing.T, v any) []byte {
	t.Helper()
	data, err := protocol.Encode(v)
	require.NoError(t, err)
	return data
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	rec, body := f.do(t, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])

	service := body["service"].(map[string]any)
	assert.Equal(t, ServiceName, service["name"])

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.HTTPRequests.WithLabelValues("GET", "/health", "200")))
}

func TestSessionsEndpoints(t *testing.T) {
	f := newFixture(t)

	_, err := f.mgr.CreateSession("alice", "test")
	require.NoError(t, err)

	rec, body := f.do(t, http.MethodGet, "/sessions")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1.0, body["total_sessions"])

	rec, body = f.do(t, http.MethodGet, "/sessions/alice")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", body["session_id"])
	assert.Contains(t, body, "metrics")
	assert.Contains(t, body, "activity")

	rec, _ = f.do(t, http.MethodGet, "/sessions/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.HTTPErrors.WithLabelValues("GET", "/sessions/{id}", "client_error")))

	rec, body = f.do(t, http.MethodPost, "/sessions/alice/reset")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", body["session_id"])

	rec, _ = f.do(t, http.MethodPost, "/sessions/missing/reset")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/sessions/alice/reset")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec, _ = f.do(t, http.MethodDelete, "/sessions/alice")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec, _ = f.do(t, http.MethodDelete, "/sessions/alice")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConfigAndStats(t *testing.T) {
	f := newFixture(t)

	rec, body := f.do(t, http.MethodGet, "/config")
	require.Equal(t, http.StatusOK, rec.Code)
	eng := body["engine"].(map[string]any)
	assert.Equal(t, 0.01, eng["energy_threshold"])
	assert.Equal(t, 3.0, eng["inactivity_threshold"])

	_, err := f.mgr.CreateSession("alice", "")
	require.NoError(t, err)

	rec, body = f.do(t, http.MethodGet, "/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	sessions := body["sessions"].(map[string]any)
	assert.Equal(t, 1.0, sessions["active_count"])
	assert.NotContains(t, body, "udp")
}

func TestRoot(t *testing.T) {
	f := newFixture(t)

	rec, body := f.do(t, http.MethodGet, "/")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, body["endpoints"], "GET /ws")

	rec, _ = f.do(t, http.MethodGet, "/unknown")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func readOutbound(t *testing.T, conn *websocket.Conn, wantType string) *protocol.Outbound {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		out, err := protocol.ParseOutbound(data)
		require.NoError(t, err)
		if out.Type == wantType {
			return out
		}
	}
}

func TestWebSocketSession(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.http.Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, encode(t, protocol.Message{Type: protocol.TypeStart, SessionID: "ws-1"})))
	ack := readOutbound(t, conn, protocol.TypeSession)
	assert.Equal(t, "ws-1", ack.SessionID)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, encode(t, protocol.NewFrame("ws-1", 1, speech()))))
	act := readOutbound(t, conn, protocol.TypeActivity)
	require.NotNil(t, act.Activity)
	assert.True(t, act.Activity.IsSpeaking)
	assert.Equal(t, "speech_start", act.Transition)

	// Past the minimum speech duration the next frame is scored
	time.Sleep(600 * time.Millisecond)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, encode(t, protocol.NewFrame("ws-1", 2, speech()))))
	m := readOutbound(t, conn, protocol.TypeMetrics)
	require.NotNil(t, m.Metrics)
	assert.Equal(t, 1, m.Metrics.Observations)
	assert.Greater(t, m.Metrics.OverallScore, 0.8)
	assert.NotEmpty(t, m.Band)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	errMsg := readOutbound(t, conn, protocol.TypeError)
	assert.NotEmpty(t, errMsg.Error)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, encode(t, protocol.Message{Type: protocol.TypeEnd, SessionID: "ws-1"})))
	require.Eventually(t, func() bool {
		_, ok := f.mgr.GetSession("ws-1")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func startUDP(t *testing.T, f *fixture) (*UDPServer, *net.UDPConn) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	udp := NewUDPServer(&f.cfg.Server, logger, f.mgr, f.metrics)
	require.NoError(t, udp.Start())
	t.Cleanup(func() { udp.Stop() })

	client, err := net.DialUDP("udp", nil, udp.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return udp, client
}

func readUDP(t *testing.T, conn *net.UDPConn, wantType string) *protocol.Outbound {
	t.Helper()
	buf := make([]byte, protocol.MaxMessageSize)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		n, err := conn.Read(buf)
		require.NoError(t, err)
		out, err := protocol.ParseOutbound(buf[:n])
		require.NoError(t, err)
		if out.Type == wantType {
			return out
		}
	}
}

func TestUDPStartAndFrames(t *testing.T) {
	f := newFixture(t)
	udp, client := startUDP(t, f)

	_, err := client.Write(encode(t, protocol.Message{Type: protocol.TypeStart}))
	require.NoError(t, err)
	ack := readUDP(t, client, protocol.TypeSession)
	require.NotEmpty(t, ack.SessionID, "start without an ID gets a generated one")

	_, ok := f.mgr.GetSession(ack.SessionID)
	assert.True(t, ok)

	// A frame for an unknown session starts it implicitly
	_, err = client.Write(encode(t, protocol.NewFrame("udp-2", 1, speech())))
	require.NoError(t, err)
	ack = readUDP(t, client, protocol.TypeSession)
	assert.Equal(t, "udp-2", ack.SessionID)
	act := readUDP(t, client, protocol.TypeActivity)
	assert.Equal(t, "speech_start", act.Transition)

	// Reordered frames are rejected
	_, err = client.Write(encode(t, protocol.NewFrame("udp-2", 1, speech())))
	require.NoError(t, err)
	errMsg := readUDP(t, client, protocol.TypeError)
	assert.Contains(t, errMsg.Error, "stale frame")

	require.Eventually(t, func() bool {
		return udp.GetStatistics().PacketsProcessed == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestUDPParseErrors(t *testing.T) {
	f := newFixture(t)
	udp, client := startUDP(t, f)

	_, err := client.Write([]byte(`{"type":"bogus","session_id":"x"}`))
	require.NoError(t, err)
	errMsg := readUDP(t, client, protocol.TypeError)
	assert.Contains(t, errMsg.Error, "unknown message type")

	_, err = client.Write([]byte(`{"type":"frame"}`))
	require.NoError(t, err)
	readUDP(t, client, protocol.TypeError)

	stats := udp.GetStatistics()
	assert.Equal(t, uint64(2), stats.ParseErrors)
	assert.Equal(t, uint64(2), stats.PacketsReceived)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.ParseErrors))
}

func TestUDPEndRemovesSession(t *testing.T) {
	f := newFixture(t)
	_, client := startUDP(t, f)

	_, err := client.Write(encode(t, protocol.Message{Type: protocol.TypeStart, SessionID: "bye"}))
	require.NoError(t, err)
	readUDP(t, client, protocol.TypeSession)

	_, err = client.Write(encode(t, protocol.Message{Type: protocol.TypeEnd, SessionID: "bye"}))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := f.mgr.GetSession("bye")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	_, err = client.Write(encode(t, protocol.Message{Type: protocol.TypeReset, SessionID: "bye"}))
	require.NoError(t, err)
	errMsg := readUDP(t, client, protocol.TypeError)
	assert.Contains(t, errMsg.Error, "session not found")
}

func TestShardIsStable(t *testing.T) {
	f := newFixture(t)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	cfg := f.cfg.Server
	cfg.Workers = 8
	udp := NewUDPServer(&cfg, logger, f.mgr, f.metrics)

	assert.Equal(t, 0, udp.shard(""))
	for _, id := range []string{"a", "b", "session-42"} {
		w := udp.shard(id)
		assert.Equal(t, w, udp.shard(id))
		assert.Less(t, w, 8)
	}
}
