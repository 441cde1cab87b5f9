package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gelogrammer/speech-metrics-service/internal/vad"
)

// Metrics contains all Prometheus metrics for the speech metrics service
type Metrics struct {
	// UDP packet metrics
	PacketsReceived  prometheus.Counter
	PacketsProcessed prometheus.Counter
	ParseErrors      prometheus.Counter
	QueueSize        prometheus.Gauge

	// Session metrics
	ActiveSessions    prometheus.Gauge
	SessionsCreated   prometheus.Counter
	SessionsDestroyed prometheus.Counter
	SessionDuration   prometheus.Histogram

	// Engine metrics
	FramesReceived    prometheus.Counter
	VoiceFrames       prometheus.Counter
	Analyses          *prometheus.CounterVec
	AnalysisTime      prometheus.Histogram
	OverallScore      prometheus.Histogram
	SpeechTransitions *prometheus.CounterVec
	WaitingForVoice   prometheus.Counter

	// WebSocket metrics
	WSConnections prometheus.Gauge
	WSMessages    *prometheus.CounterVec

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all Prometheus metrics and registers them with reg.
// A nil reg uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		PacketsReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "speech_packets_received_total",
			Help: "Total number of UDP packets received",
		}),
		PacketsProcessed: f.NewCounter(prometheus.CounterOpts{
			Name: "speech_packets_processed_total",
			Help: "Total number of UDP packets successfully processed",
		}),
		ParseErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "speech_parse_errors_total",
			Help: "Total number of message parsing errors",
		}),
		QueueSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "speech_packet_queue_size",
			Help: "Current number of packets waiting for a worker",
		}),

		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "speech_active_sessions",
			Help: "Current number of active sessions",
		}),
		SessionsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "speech_sessions_created_total",
			Help: "Total number of sessions created",
		}),
		SessionsDestroyed: f.NewCounter(prometheus.CounterOpts{
			Name: "speech_sessions_destroyed_total",
			Help: "Total number of sessions removed",
		}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "speech_session_duration_seconds",
			Help:    "Duration of sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1 hour
		}),

		FramesReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "speech_frames_received_total",
			Help: "Total number of classifier frames submitted",
		}),
		VoiceFrames: f.NewCounter(prometheus.CounterOpts{
			Name: "speech_voice_frames_total",
			Help: "Total number of frames above the energy threshold",
		}),
		Analyses: f.NewCounterVec(prometheus.CounterOpts{
			Name: "speech_analyses_total",
			Help: "Total number of accepted metric recomputations",
		}, []string{"trigger"}),
		AnalysisTime: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "speech_analysis_duration_seconds",
			Help:    "Time spent recomputing metrics",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 8), // 10us to ~160ms
		}),
		OverallScore: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "speech_overall_score",
			Help:    "Published overall scores",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11), // 0.0 to 1.0
		}),
		SpeechTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "speech_transitions_total",
			Help: "Total number of speaking/idle transitions",
		}, []string{"transition"}),
		WaitingForVoice: f.NewCounter(prometheus.CounterOpts{
			Name: "speech_waiting_for_voice_total",
			Help: "Total number of times a session started waiting for voice",
		}),

		WSConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "speech_ws_connections",
			Help: "Current number of WebSocket connections",
		}),
		WSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "speech_ws_messages_total",
			Help: "Total number of WebSocket messages",
		}, []string{"direction"}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "speech_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "speech_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "speech_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordPacketReceived increments the packets received counter
func (m *Metrics) RecordPacketReceived() {
	m.PacketsReceived.Inc()
}

// RecordPacketProcessed increments the packets processed counter
func (m *Metrics) RecordPacketProcessed() {
	m.PacketsProcessed.Inc()
}

// RecordParseError increments the parse errors counter
func (m *Metrics) RecordParseError() {
	m.ParseErrors.Inc()
}

// SetQueueSize sets the current queue size
func (m *Metrics) SetQueueSize(size int) {
	m.QueueSize.Set(float64(size))
}

// SetActiveSessions sets the current number of active sessions
func (m *Metrics) SetActiveSessions(count int) {
	m.ActiveSessions.Set(float64(count))
}

// RecordSessionCreated increments the sessions created counter
func (m *Metrics) RecordSessionCreated() {
	m.SessionsCreated.Inc()
}

// RecordSessionDestroyed increments the sessions destroyed counter and records duration
func (m *Metrics) RecordSessionDestroyed(duration time.Duration) {
	m.SessionsDestroyed.Inc()
	m.SessionDuration.Observe(duration.Seconds())
}

// ObserveFrame counts a submitted frame
func (m *Metrics) ObserveFrame(hasVoice bool) {
	m.FramesReceived.Inc()
	if hasVoice {
		m.VoiceFrames.Inc()
	}
}

// ObserveAnalysis records an accepted recomputation
func (m *Metrics) ObserveAnalysis(forced bool, overall float64, took time.Duration) {
	trigger := "speech"
	if forced {
		trigger = "forced"
	}
	m.Analyses.WithLabelValues(trigger).Inc()
	m.AnalysisTime.Observe(took.Seconds())
	m.OverallScore.Observe(overall)
}

// ObserveTransition counts a speaking/idle transition
func (m *Metrics) ObserveTransition(t vad.Transition) {
	m.SpeechTransitions.WithLabelValues(t.String()).Inc()
}

// ObserveWaiting counts sessions entering waiting-for-voice
func (m *Metrics) ObserveWaiting(waiting bool) {
	if waiting {
		m.WaitingForVoice.Inc()
	}
}

// RecordWSConnection adjusts the open connection gauge by delta
func (m *Metrics) RecordWSConnection(delta int) {
	m.WSConnections.Add(float64(delta))
}

// RecordWSMessage counts a WebSocket message in the given direction ("in" or "out")
func (m *Metrics) RecordWSMessage(direction string) {
	m.WSMessages.WithLabelValues(direction).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
