package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gelogrammer/speech-metrics-service/internal/config"
	"github.com/gelogrammer/speech-metrics-service/internal/metrics"
	"github.com/gelogrammer/speech-metrics-service/internal/protocol"
	"github.com/gelogrammer/speech-metrics-service/internal/stream"
)

// ServiceName is reported by /health and /
const ServiceName = "speech-metrics-service"

// Version is overridden at build time
var Version = "dev"

// HTTPServer provides HTTP API endpoints for monitoring and management, plus
// the WebSocket transport when enabled
type HTTPServer struct {
	server    *http.Server
	handler   http.Handler
	logger    *slog.Logger
	config    *config.Config
	streamMgr *stream.Manager
	udpServer *UDPServer
	metrics   *metrics.Metrics

	// Server state
	startTime time.Time
	listener  net.Listener
	mu        sync.RWMutex
}

// NewHTTPServer creates a new HTTP API server. udpServer may be nil.
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger,
	appConfig *config.Config, streamMgr *stream.Manager, udpServer *UDPServer, m *metrics.Metrics) *HTTPServer {

	h := &HTTPServer{
		logger:    logger,
		config:    appConfig,
		streamMgr: streamMgr,
		udpServer: udpServer,
		metrics:   m,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux, cfg.WebSocket)
	h.handler = mux

	h.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux, wsEnabled bool) {
	mux.HandleFunc("GET /health", h.withMetrics("/health", h.handleHealth))

	// Session endpoints
	mux.HandleFunc("GET /sessions", h.withMetrics("/sessions", h.handleSessions))
	mux.HandleFunc("GET /sessions/{id}", h.withMetrics("/sessions/{id}", h.handleSessionDetail))
	mux.HandleFunc("DELETE /sessions/{id}", h.withMetrics("/sessions/{id}", h.handleSessionDelete))
	mux.HandleFunc("POST /sessions/{id}/reset", h.withMetrics("/sessions/{id}/reset", h.handleSessionReset))

	mux.HandleFunc("GET /config", h.withMetrics("/config", h.handleConfig))
	mux.HandleFunc("GET /stats", h.withMetrics("/stats", h.handleStats))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	mux.Handle("GET /metrics", promhttp.Handler())

	if wsEnabled {
		mux.HandleFunc("GET /ws", h.handleWebSocket)
	}

	mux.HandleFunc("GET /{$}", h.withMetrics("/", h.handleRoot))
}

// Handler exposes the routes, mainly for tests
func (h *HTTPServer) Handler() http.Handler {
	return h.handler
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		// Create a response writer wrapper to capture status code
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start binds the listener and serves in the background
func (h *HTTPServer) Start() error {
	ln, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.server.Addr, err)
	}

	h.mu.Lock()
	h.listener = ln
	h.mu.Unlock()

	h.logger.Info("Starting HTTP API server",
		slog.String("address", ln.Addr().String()),
	)

	go func() {
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", slog.Any("error", err))
		}
	}()

	return nil
}

// Addr returns the bound address, or nil before Start
func (h *HTTPServer) Addr() net.Addr {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

func (h *HTTPServer) writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := protocol.Encode(v)
	if err != nil {
		h.logger.Error("Failed to encode response", slog.Any("error", err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func (h *HTTPServer) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, stream.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, stream.ErrTooManySessions):
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, map[string]any{"error": err.Error()})
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	components := map[string]any{
		"stream_manager": map[string]any{
			"status":          "running",
			"active_sessions": h.streamMgr.GetActiveSessionCount(),
		},
	}
	if h.udpServer != nil {
		udpStats := h.udpServer.GetStatistics()
		components["udp_server"] = map[string]any{
			"status":            "running",
			"packets_received":  udpStats.PacketsReceived,
			"packets_processed": udpStats.PacketsProcessed,
			"parse_errors":      udpStats.ParseErrors,
			"queue_size":        udpStats.QueueSize,
		}
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]any{
			"name":    ServiceName,
			"version": Version,
		},
		"components": components,
	})
}

// handleSessions implements the /sessions endpoint
func (h *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.streamMgr.GetAllSessions()
	infos := make([]stream.SessionInfo, 0, len(sessions))

	for _, session := range sessions {
		infos = append(infos, session.GetSessionInfo())
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"total_sessions": len(infos),
		"timestamp":      time.Now().UTC(),
		"sessions":       infos,
	})
}

// handleSessionDetail implements the /sessions/{id} endpoint
func (h *HTTPServer) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	session, exists := h.streamMgr.GetSession(id)
	if !exists {
		h.writeError(w, fmt.Errorf("%w: %s", stream.ErrSessionNotFound, id))
		return
	}

	h.writeJSON(w, http.StatusOK, session.GetSessionInfo())
}

// handleSessionReset implements POST /sessions/{id}/reset
func (h *HTTPServer) handleSessionReset(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.streamMgr.ResetSession(id); err != nil {
		h.writeError(w, err)
		return
	}

	session, exists := h.streamMgr.GetSession(id)
	if !exists {
		h.writeError(w, fmt.Errorf("%w: %s", stream.ErrSessionNotFound, id))
		return
	}
	h.writeJSON(w, http.StatusOK, session.GetSessionInfo())
}

// handleSessionDelete implements DELETE /sessions/{id}
func (h *HTTPServer) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !h.streamMgr.RemoveSession(id) {
		h.writeError(w, fmt.Errorf("%w: %s", stream.ErrSessionNotFound, id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	c := h.config
	h.writeJSON(w, http.StatusOK, map[string]any{
		"server": map[string]any{
			"udp_port":        c.Server.UDPPort,
			"bind_address":    c.Server.BindAddress,
			"buffer_size":     c.Server.BufferSize,
			"workers":         c.Server.Workers,
			"max_sessions":    c.Server.MaxSessions,
			"session_timeout": c.Server.SessionTimeout,
		},
		"http": map[string]any{
			"port":      c.HTTP.Port,
			"address":   c.HTTP.Address,
			"websocket": c.HTTP.WebSocket,
		},
		"engine": map[string]any{
			"energy_threshold":      c.Engine.EnergyThreshold,
			"inactivity_threshold":  c.Engine.InactivityThreshold,
			"min_speech_duration":   c.Engine.MinSpeechDuration,
			"analysis_delay":        c.Engine.AnalysisDelay,
			"force_update_interval": c.Engine.ForceUpdateInterval,
			"include_probabilities": c.Engine.IncludeProbabilities,
			"estimator":             c.Engine.Estimator,
			"scoring":               c.Engine.Scoring,
			"smoothing": map[string]any{
				"base_alpha":     c.Engine.Smoothing.BaseAlpha,
				"speaking_scale": c.Engine.Smoothing.SpeakingScale,
				"idle_scale":     c.Engine.Smoothing.IdleScale,
				"min_alpha":      c.Engine.Smoothing.MinAlpha,
				"max_alpha":      c.Engine.Smoothing.MaxAlpha,
				"dead_band":      c.Engine.Smoothing.DeadBand,
			},
		},
		"logging": map[string]any{
			"level":  c.Logging.Level,
			"format": c.Logging.Format,
			"output": c.Logging.Output,
		},
	})
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	sessions := h.streamMgr.GetAllSessions()

	var speaking, waiting int
	var overall float64
	var scored int
	for _, s := range sessions {
		act := s.Activity()
		if act.IsSpeaking {
			speaking++
		}
		if act.WaitingForVoice {
			waiting++
		}
		if m := s.Metrics(); m.Observations > 0 {
			overall += m.OverallScore
			scored++
		}
	}
	if scored > 0 {
		overall /= float64(scored)
	}

	stats := map[string]any{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"sessions": map[string]any{
			"active_count":       len(sessions),
			"speaking":           speaking,
			"waiting_for_voice":  waiting,
			"mean_overall_score": overall,
		},
	}
	if h.udpServer != nil {
		stats["udp"] = h.udpServer.GetStatistics()
	}

	h.writeJSON(w, http.StatusOK, stats)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	endpoints := map[string]any{
		"GET /":                     "API documentation",
		"GET /health":               "Service health check",
		"GET /sessions":             "List all active sessions",
		"GET /sessions/{id}":        "Get detailed session metrics",
		"DELETE /sessions/{id}":     "End a session",
		"POST /sessions/{id}/reset": "Reset a session's metrics",
		"GET /config":               "Get service configuration",
		"GET /stats":                "Get service statistics",
		"GET /metrics":              "Prometheus metrics",
	}
	if h.config.HTTP.WebSocket {
		endpoints["GET /ws"] = "WebSocket frame ingest and metric updates"
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"service":   ServiceName,
		"version":   Version,
		"endpoints": endpoints,
		"timestamp": time.Now().UTC(),
	})
}
