package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline stage labels
const (
	StageTranscribe = "transcribe"
	StageGenerate   = "generate"
	StageSynthesize = "synthesize"
	StageAction     = "action"
	StageMedia      = "media"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_bridge_active_sessions",
		Help: "Number of connected device sessions",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_bridge_sessions_total",
		Help: "Total number of device sessions accepted",
	})

	rejectedSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_bridge_sessions_rejected_total",
		Help: "Device connections refused because the session limit was reached",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_bridge_session_duration_seconds",
		Help:    "Duration of device sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
	})

	// Turn metrics
	turnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bridge_turns_total",
		Help: "Turns by outcome",
	}, []string{"outcome"}) // completed, failed, cancelled, discarded

	turnLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_bridge_first_audio_latency_seconds",
		Help:    "Time from end of utterance to the first response audio chunk",
		Buckets: []float64{0.25, 0.5, 0.75, 1.0, 1.5, 2.0, 3.0, 5.0, 10.0},
	})

	// Stage metrics
	stageRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bridge_stage_requests_total",
		Help: "Pipeline stage invocations by status",
	}, []string{"stage", "status"})

	stageLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "voice_bridge_stage_latency_seconds",
		Help:    "Pipeline stage latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	}, []string{"stage"})

	// Interrupt metrics
	interruptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bridge_interrupts_total",
		Help: "Interrupts by source",
	}, []string{"source"}) // acoustic, explicit

	// Protocol anomalies are never fatal; they are only counted
	protocolAnomalies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bridge_protocol_anomalies_total",
		Help: "Protocol anomalies by kind",
	}, []string{"kind"})

	outputStalls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_bridge_output_stalls_total",
		Help: "Sessions closed because the outbound queue stalled",
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bridge_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voice_bridge_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bridge_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	// Audio metrics
	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bridge_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // direction: "in" or "out"
)

// Metrics tracks metrics for a single device session
type Metrics struct {
	sessionID    string
	startTime    time.Time
	turnEndedAt  time.Time
	awaitedAudio bool
	mu           sync.Mutex
}

// NewSessionMetrics creates a new metrics tracker for a session
func NewSessionMetrics(sessionID string) *Metrics {
	return &Metrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// RecordSessionStart records the start of a session
func (m *Metrics) RecordSessionStart() {
	activeSessions.Inc()
	totalSessions.Inc()
}

// RecordSessionEnd records the end of a session
func (m *Metrics) RecordSessionEnd() {
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordSessionRejected counts a connection refused at admission
func RecordSessionRejected() {
	rejectedSessions.Inc()
}

// RecordUtteranceEnd marks the moment a turn was handed to the pipeline.
// The next RecordFirstAudio measures response latency against it.
func (m *Metrics) RecordUtteranceEnd() {
	m.mu.Lock()
	m.turnEndedAt = time.Now()
	m.awaitedAudio = true
	m.mu.Unlock()
}

// RecordFirstAudio records the first audio chunk of a response
func (m *Metrics) RecordFirstAudio() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.awaitedAudio {
		return
	}
	m.awaitedAudio = false
	turnLatency.Observe(time.Since(m.turnEndedAt).Seconds())
}

// RecordTurn records a finished turn
func (m *Metrics) RecordTurn(outcome string) {
	turnsTotal.WithLabelValues(outcome).Inc()
}

// RecordStage records one invocation of a pipeline stage started at start
func (m *Metrics) RecordStage(stage string, start time.Time, success bool) {
	stageLatency.WithLabelValues(stage).Observe(time.Since(start).Seconds())

	status := "success"
	if !success {
		status = "error"
	}
	stageRequests.WithLabelValues(stage, status).Inc()
}

// RecordInterrupt records an accepted interrupt
func (m *Metrics) RecordInterrupt(source string) {
	interruptsTotal.WithLabelValues(source).Inc()
}

// RecordAnomaly records a protocol anomaly
func (m *Metrics) RecordAnomaly(kind string) {
	protocolAnomalies.WithLabelValues(kind).Inc()
}

// RecordOutputStall records a session closed by outbound back-pressure
func (m *Metrics) RecordOutputStall() {
	outputStalls.Inc()
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordAudioBytes records audio bytes processed
func (m *Metrics) RecordAudioBytes(direction string, bytes int64) {
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
