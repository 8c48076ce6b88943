package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var connectionsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "mew_gateway_connections",
	Help: "gauge of live participant connections per space",
}, []string{"space"})

var envelopesRoutedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mew_gateway_envelopes_routed_total",
	Help: "counter of envelopes accepted from participants and routed, by kind",
}, []string{"space", "kind"})

var envelopesDroppedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mew_gateway_envelopes_dropped_total",
	Help: "counter of envelopes dropped instead of delivered, by reason",
}, []string{"space", "reason"})

var protocolErrorsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mew_gateway_protocol_errors_total",
	Help: "counter of system/error envelopes issued to senders, by error code",
}, []string{"space", "code"})

var proposalEventsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mew_gateway_proposal_events_total",
	Help: "counter of proposal lifecycle transitions observed by the router",
}, []string{"space", "event"})

var streamsActiveGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "mew_gateway_streams_active",
	Help: "gauge of open stream sessions per space",
}, []string{"space"})

var streamGapCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mew_gateway_stream_sequence_gaps_total",
	Help: "counter of out-of-order or missing stream/data sequence numbers",
}, []string{"space"})

var pauseQueueDepthGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "mew_gateway_pause_queue_depth",
	Help: "gauge of envelopes held for paused participants",
}, []string{"space"})

var routeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "mew_gateway_route_duration_seconds",
	Help:    "histogram of time spent routing one envelope",
	Buckets: prometheus.ExponentialBuckets(0.000_01, 10, 6),
}, []string{"space"})
