// Package metrics exposes Prometheus collectors for stream lifecycle,
// relay traffic and the detection index.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	activeStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "streamrelay_active_streams",
		Help: "Number of streams currently running",
	})

	streamViewers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "streamrelay_stream_viewers",
		Help: "Registered viewer count per stream",
	}, []string{"stream_id"})

	streamCrashes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamrelay_stream_crashes_total",
		Help: "Transcoder processes found dead per stream",
	}, []string{"stream_id"})

	relayConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "streamrelay_relay_connections",
		Help: "Open egress connections per stream",
	}, []string{"stream_id"})

	relayedBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamrelay_relayed_bytes_total",
		Help: "Bytes forwarded to egress connections per stream",
	}, []string{"stream_id"})

	droppedChunks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamrelay_dropped_chunks_total",
		Help: "Chunks dropped for slow consumers per stream",
	}, []string{"stream_id"})

	detectionsInserted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamrelay_detections_inserted_total",
		Help: "Detection records accepted into the index per stream",
	}, []string{"stream_id"})

	bucketsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streamrelay_detection_buckets_evicted_total",
		Help: "Timestamp buckets removed by retention eviction",
	})
)

// SetActiveStreams records the number of running streams.
func SetActiveStreams(n int) {
	activeStreams.Set(float64(n))
}

// SetStreamViewers records the viewer count of one stream.
func SetStreamViewers(streamID, n int) {
	streamViewers.WithLabelValues(strconv.Itoa(streamID)).Set(float64(n))
}

// IncStreamCrashes counts a dead transcoder discovered for a stream.
func IncStreamCrashes(streamID int) {
	streamCrashes.WithLabelValues(strconv.Itoa(streamID)).Inc()
}

// SetRelayConnections records the egress connection count of one stream.
func SetRelayConnections(streamID, n int) {
	relayConnections.WithLabelValues(strconv.Itoa(streamID)).Set(float64(n))
}

// AddRelayedBytes counts bytes successfully forwarded for a stream.
func AddRelayedBytes(streamID, n int) {
	relayedBytes.WithLabelValues(strconv.Itoa(streamID)).Add(float64(n))
}

// IncDroppedChunks counts a chunk dropped for a slow consumer.
func IncDroppedChunks(streamID int) {
	droppedChunks.WithLabelValues(strconv.Itoa(streamID)).Inc()
}

// AddDetectionsInserted counts detection records accepted for a stream.
func AddDetectionsInserted(streamID, n int) {
	detectionsInserted.WithLabelValues(strconv.Itoa(streamID)).Add(float64(n))
}

// AddBucketsEvicted counts buckets removed by retention eviction.
func AddBucketsEvicted(n int) {
	bucketsEvicted.Add(float64(n))
}

// ResetStream drops per-stream label series after a session ends so a
// stopped stream does not linger at its last value.
func ResetStream(streamID int) {
	id := strconv.Itoa(streamID)
	streamViewers.DeleteLabelValues(id)
	relayConnections.DeleteLabelValues(id)
}

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
