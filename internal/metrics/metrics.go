// ABOUTME: Prometheus collectors shared by the sender and receiver paths
// ABOUTME: Registered once at package load via promauto
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ChunksSent counts audio chunks handed to the transport by the sender.
	ChunksSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lansound_chunks_sent_total",
		Help: "Audio chunks sent to the server",
	})

	// SendRejected counts chunks refused because the outstanding-message
	// budget was exhausted.
	SendRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lansound_send_rejected_total",
		Help: "Chunks dropped because the send budget was exhausted",
	})

	// Reconnects counts session teardowns that led to a new attempt.
	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lansound_reconnects_total",
		Help: "Connection attempts after a previous session ended",
	})

	// LivenessProbes counts hello commands sent in place of absent audio.
	LivenessProbes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lansound_liveness_probes_total",
		Help: "Liveness probes sent while the capture stream was silent",
	})

	// ChunksReceived counts audio chunks accepted by the receiver.
	ChunksReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lansound_chunks_received_total",
		Help: "Audio chunks received from producers",
	})

	// BytesReceived counts audio payload bytes accepted by the receiver.
	BytesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lansound_bytes_received_total",
		Help: "Audio payload bytes received from producers",
	})

	// Commands counts control commands by name and outcome.
	Commands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lansound_commands_total",
		Help: "Control commands processed, by command and outcome",
	}, []string{"command", "outcome"})

	// ProtocolErrors counts messages discarded as undecodable.
	ProtocolErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lansound_protocol_errors_total",
		Help: "Messages discarded because they could not be decoded",
	})

	// Underruns counts jitter buffer drains during playback.
	Underruns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lansound_underruns_total",
		Help: "Times the jitter buffer drained while playing",
	})

	// BufferLevel is the current jitter buffer fill in bytes.
	BufferLevel = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lansound_buffer_level_bytes",
		Help: "Current jitter buffer fill level",
	})

	// BufferCapacity is the configured jitter buffer size in bytes.
	BufferCapacity = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lansound_buffer_capacity_bytes",
		Help: "Configured jitter buffer capacity",
	})

	// ProducersConnected is the number of open producer connections.
	ProducersConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lansound_producers_connected",
		Help: "Open producer connections",
	})
)
