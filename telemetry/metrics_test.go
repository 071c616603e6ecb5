package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewMetricsRegistersAndUpdates(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.CurrentRound.Set(42)
	m.CommittedAnchors.Inc()
	m.PeerPenalties.WithLabelValues("peerA").Inc()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := map[string]bool{}
	for _, f := range families {
		found[f.GetName()] = true
	}
	for _, name := range []string{
		"quorumnet_current_round",
		"quorumnet_committed_anchors_total",
		"quorumnet_peer_penalties_total",
	} {
		if !found[name] {
			t.Fatalf("expected metric %s to be registered, got %v", name, found)
		}
	}
}

func TestNewMetricsDuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on duplicate registration")
		}
	}()
	NewMetrics(reg)
}
