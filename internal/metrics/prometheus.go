package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the conversation service
type Metrics struct {
	// Session lifecycle metrics
	SessionsStarted   prometheus.Counter
	SessionsConnected prometheus.Counter
	SessionsFailed    prometheus.Counter
	SessionsTimedOut  prometheus.Counter
	ConnectDuration   prometheus.Histogram
	SessionDuration   prometheus.Histogram

	// Control channel metrics
	EventsReceived *prometheus.CounterVec
	EventsSent     *prometheus.CounterVec
	DecodeErrors   prometheus.Counter
	ProtocolErrors prometheus.Counter

	// Transcript metrics
	TranscriptEntries prometheus.Gauge
	DroppedDeltas     prometheus.Counter

	// Audio metrics
	AudioFramesForwarded prometheus.Counter
	AudioFramesMuted     prometheus.Counter
	RemoteAudioPackets   prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		SessionsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "spik_sessions_started_total",
			Help: "Total number of conversation sessions started",
		}),
		SessionsConnected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "spik_sessions_connected_total",
			Help: "Total number of sessions that reached the connected state",
		}),
		SessionsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "spik_sessions_failed_total",
			Help: "Total number of sessions that ended in the failed state",
		}),
		SessionsTimedOut: promauto.NewCounter(prometheus.CounterOpts{
			Name: "spik_sessions_timed_out_total",
			Help: "Total number of sessions that exceeded the connection timeout",
		}),
		ConnectDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "spik_session_connect_duration_seconds",
			Help:    "Time from start to connected state",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 8), // 250ms to ~30s
		}),
		SessionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "spik_session_duration_seconds",
			Help:    "Duration of conversation sessions",
			Buckets: prometheus.ExponentialBuckets(5, 2, 10), // 5s to ~40 minutes
		}),

		EventsReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "spik_control_events_received_total",
			Help: "Total number of control-channel events received",
		}, []string{"type"}),
		EventsSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "spik_control_events_sent_total",
			Help: "Total number of control-channel events sent",
		}, []string{"type"}),
		DecodeErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "spik_control_decode_errors_total",
			Help: "Total number of control-channel messages dropped as malformed",
		}),
		ProtocolErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "spik_control_protocol_errors_total",
			Help: "Total number of recoverable error events received from the remote endpoint",
		}),

		TranscriptEntries: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "spik_transcript_entries",
			Help: "Current number of transcript entries in the active session",
		}),
		DroppedDeltas: promauto.NewCounter(prometheus.CounterOpts{
			Name: "spik_transcript_dropped_deltas_total",
			Help: "Total number of out-of-order transcript deltas dropped",
		}),

		AudioFramesForwarded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "spik_audio_frames_forwarded_total",
			Help: "Total number of microphone frames forwarded to the peer connection",
		}),
		AudioFramesMuted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "spik_audio_frames_muted_total",
			Help: "Total number of microphone frames dropped while muted",
		}),
		RemoteAudioPackets: promauto.NewCounter(prometheus.CounterOpts{
			Name: "spik_remote_audio_packets_total",
			Help: "Total number of remote agent audio packets received",
		}),

		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "spik_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "spik_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

// RecordSessionStarted increments the sessions started counter
func (m *Metrics) RecordSessionStarted() {
	m.SessionsStarted.Inc()
}

// RecordSessionConnected records a successful connection and its setup time
func (m *Metrics) RecordSessionConnected(connectSeconds float64) {
	m.SessionsConnected.Inc()
	m.ConnectDuration.Observe(connectSeconds)
}

// RecordSessionFailed increments the failed sessions counter
func (m *Metrics) RecordSessionFailed() {
	m.SessionsFailed.Inc()
}

// RecordSessionTimedOut records a connection timeout
func (m *Metrics) RecordSessionTimedOut() {
	m.SessionsTimedOut.Inc()
	m.SessionsFailed.Inc()
}

// RecordSessionStopped records the duration of an ended session
func (m *Metrics) RecordSessionStopped(durationSeconds float64) {
	m.SessionDuration.Observe(durationSeconds)
}

// RecordEventReceived counts one inbound control event by type
func (m *Metrics) RecordEventReceived(eventType string) {
	m.EventsReceived.WithLabelValues(eventType).Inc()
}

// RecordEventSent counts one outbound control event by type
func (m *Metrics) RecordEventSent(eventType string) {
	m.EventsSent.WithLabelValues(eventType).Inc()
}

// RecordDecodeError counts a dropped malformed control message
func (m *Metrics) RecordDecodeError() {
	m.DecodeErrors.Inc()
}

// RecordProtocolError counts a recoverable remote error event
func (m *Metrics) RecordProtocolError() {
	m.ProtocolErrors.Inc()
}

// SetTranscriptEntries sets the current transcript size
func (m *Metrics) SetTranscriptEntries(count int) {
	m.TranscriptEntries.Set(float64(count))
}

// RecordDroppedDelta counts an out-of-order delta that was dropped
func (m *Metrics) RecordDroppedDelta() {
	m.DroppedDeltas.Inc()
}

// RecordAudioFrame counts one microphone frame, forwarded or muted
func (m *Metrics) RecordAudioFrame(forwarded bool) {
	if forwarded {
		m.AudioFramesForwarded.Inc()
	} else {
		m.AudioFramesMuted.Inc()
	}
}

// RecordRemoteAudioPacket counts one received agent audio packet
func (m *Metrics) RecordRemoteAudioPacket() {
	m.RemoteAudioPackets.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}
