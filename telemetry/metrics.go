package telemetry

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every counter/gauge/histogram published by a validator
// process, registered once at startup and handed by reference to each
// component (spec §7's observability surface: round progress, DAG growth,
// mempool occupancy, gateway traffic and peer count).
type Metrics struct {
	CurrentRound        prometheus.Gauge
	CommittedAnchors     prometheus.Counter
	CertificatesStored   prometheus.Gauge
	TransmissionPoolSize prometheus.Gauge
	ConnectedPeers       prometheus.Gauge
	GatewayBytesIn       prometheus.Counter
	GatewayBytesOut      prometheus.Counter
	PeerPenalties        *prometheus.CounterVec
	CommitLatencySeconds prometheus.Histogram
	SyncInProgress       prometheus.Gauge
}

// NewMetrics constructs and registers every metric against reg. Passing a
// fresh prometheus.NewRegistry() keeps tests hermetic; production code
// typically passes prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CurrentRound: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "quorumnet",
			Name:      "current_round",
			Help:      "Current BFT round of the local validator.",
		}),
		CommittedAnchors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quorumnet",
			Name:      "committed_anchors_total",
			Help:      "Total number of anchor certificates committed.",
		}),
		CertificatesStored: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "quorumnet",
			Name:      "dag_certificates",
			Help:      "Number of certificates currently retained in the DAG.",
		}),
		TransmissionPoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "quorumnet",
			Name:      "transmission_pool_size",
			Help:      "Total unconfirmed transmissions across all worker shards.",
		}),
		ConnectedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "quorumnet",
			Name:      "connected_peers",
			Help:      "Number of peers currently in the connected state.",
		}),
		GatewayBytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quorumnet",
			Name:      "gateway_bytes_in_total",
			Help:      "Total bytes read from peer connections.",
		}),
		GatewayBytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quorumnet",
			Name:      "gateway_bytes_out_total",
			Help:      "Total bytes written to peer connections.",
		}),
		PeerPenalties: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quorumnet",
			Name:      "peer_penalties_total",
			Help:      "Penalty events per peer address.",
		}, []string{"peer"}),
		CommitLatencySeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "quorumnet",
			Name:      "commit_latency_seconds",
			Help:      "Time from anchor proposal to commit.",
			Buckets:   prometheus.DefBuckets,
		}),
		SyncInProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "quorumnet",
			Name:      "sync_in_progress",
			Help:      "1 while the sync engine is catching up, 0 once idle.",
		}),
	}
	reg.MustRegister(
		m.CurrentRound,
		m.CommittedAnchors,
		m.CertificatesStored,
		m.TransmissionPoolSize,
		m.ConnectedPeers,
		m.GatewayBytesIn,
		m.GatewayBytesOut,
		m.PeerPenalties,
		m.CommitLatencySeconds,
		m.SyncInProgress,
	)
	return m
}
