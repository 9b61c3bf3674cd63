package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CallsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_calls_active",
		Help: "Currently active call sessions",
	})

	CallsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_calls_total",
		Help: "Total calls accepted",
	})

	CallsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_calls_rejected_total",
		Help: "Calls rejected at capacity",
	})

	SessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_session_duration_seconds",
		Help:    "Call length from init to teardown",
		Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200},
	})

	UpstreamConnectDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_upstream_connect_duration_seconds",
		Help:    "Time to open the upstream live session",
		Buckets: []float64{0.05, 0.1, 0.2, 0.3, 0.5, 0.8, 1.0, 2.0, 5.0},
	})

	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_errors_total",
		Help: "Error counts by stage",
	}, []string{"stage", "error_type"})

	AudioChunksIn = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_audio_chunks_in_total",
		Help: "Client audio chunks forwarded upstream",
	})

	FramesOut = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_frames_out_total",
		Help: "20ms audio frames sent to clients",
	})

	FramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_frames_dropped_total",
		Help: "Queued frames discarded by interruption",
	})

	Interruptions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_interruptions_total",
		Help: "Barge-in interruptions signalled by upstream",
	})

	ToolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_tool_calls_total",
		Help: "Tool calls by tool and outcome",
	}, []string{"tool", "outcome"})

	ToolDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relay_tool_duration_seconds",
		Help:    "Per-tool execution latency",
		Buckets: []float64{0.01, 0.05, 0.1, 0.2, 0.5, 1.0, 2.0, 5.0},
	}, []string{"tool"})

	ProtocolErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_protocol_errors_total",
		Help: "Dropped client messages by reason",
	}, []string{"reason"})
)
