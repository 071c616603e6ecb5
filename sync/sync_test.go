package sync

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/tolelom/quorumnet/bft"
	"github.com/tolelom/quorumnet/events"
	"github.com/tolelom/quorumnet/internal/testutil"
	"github.com/tolelom/quorumnet/ledger"
	"github.com/tolelom/quorumnet/storage"
	"github.com/tolelom/quorumnet/telemetry"
	"github.com/tolelom/quorumnet/types"
)

type fakeNetwork struct {
	mu           sync.Mutex
	blockReqs    []blockReq
	disconnected []string
}

type blockReq struct {
	peer       string
	fromHeight uint64
	limit      uint32
}

func (f *fakeNetwork) RequestBlocks(peer string, fromHeight uint64, limit uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blockReqs = append(f.blockReqs, blockReq{peer, fromHeight, limit})
	return nil
}

func (f *fakeNetwork) RequestCertificate(peer string, certID [32]byte) error { return nil }

func (f *fakeNetwork) Disconnect(peer string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = append(f.disconnected, peer)
	return nil
}

func (f *fakeNetwork) Penalize(peer string) {}

func newTestEngine(t *testing.T, c *testutil.Committee, cfg Config) (*Engine, *fakeNetwork, ledger.Service) {
	t.Helper()
	ledgerSvc := testutil.OpenLedger(t, c)
	net := &fakeNetwork{}
	e := New(cfg, c.Lookup(), ledgerSvc, net, net, nil, events.NewEmitter(), zap.NewNop(),
		telemetry.NewMetrics(prometheus.NewRegistry()))
	return e, net, ledgerSvc
}

func TestTickEntersSyncingWhenLagExceedsThreshold(t *testing.T) {
	c := testutil.NewCommittee(t, 4)
	e, net, _ := newTestEngine(t, c, Config{MaxBlockLag: 2, PollInterval: time.Hour})

	e.onLocatorUpdated(context.Background(), "peer1", 10)

	if e.State() != Syncing {
		t.Fatalf("expected Syncing, got %s", e.State())
	}
	net.mu.Lock()
	defer net.mu.Unlock()
	if len(net.blockReqs) != 1 {
		t.Fatalf("expected 1 RequestBlocks call, got %d", len(net.blockReqs))
	}
	if net.blockReqs[0].peer != "peer1" || net.blockReqs[0].fromHeight != 1 {
		t.Fatalf("unexpected request: %+v", net.blockReqs[0])
	}
}

func TestTickStaysIdleWithinLagThreshold(t *testing.T) {
	c := testutil.NewCommittee(t, 4)
	e, net, _ := newTestEngine(t, c, Config{MaxBlockLag: 20, PollInterval: time.Hour})

	e.onLocatorUpdated(context.Background(), "peer1", 10)

	if e.State() != Idle {
		t.Fatalf("expected Idle, got %s", e.State())
	}
	net.mu.Lock()
	defer net.mu.Unlock()
	if len(net.blockReqs) != 0 {
		t.Fatalf("expected no RequestBlocks calls, got %d", len(net.blockReqs))
	}
}

func TestOnBlockResponseAppliesVerifiedBlockAndReturnsIdle(t *testing.T) {
	c := testutil.NewCommittee(t, 4)
	e, _, ledgerSvc := newTestEngine(t, c, Config{PollInterval: time.Hour})

	leader := bft.ElectLeader(c.Committee, 0)
	anchor := c.QuorumCertificate(t, 0, leader, nil, nil)

	referencing := make([]*types.BatchCertificate, 0, 3)
	n := 0
	for _, addr := range c.Addresses {
		if addr == leader {
			continue
		}
		cert := c.SignedCertificate(t, 1, addr, nil, [][32]byte{anchor.ID()}, 1)
		referencing = append(referencing, cert)
		n++
		if n == 3 {
			break
		}
	}

	sb := SyncBlock{
		Block: ledger.Block{Height: 1, AnchorRound: 0},
		Anchor:      anchor,
		Referencing: referencing,
	}
	data, err := json.Marshal(sb)
	if err != nil {
		t.Fatalf("marshal sync block: %v", err)
	}

	e.mu.Lock()
	e.state = Syncing
	e.activePeer = "peer1"
	e.target = 1
	e.mu.Unlock()

	e.onBlockResponse(context.Background(), "peer1", [][]byte{data})

	if ledgerSvc.LatestBlockHeight() != 1 {
		t.Fatalf("expected block applied, height=%d", ledgerSvc.LatestBlockHeight())
	}
	if e.State() != Idle {
		t.Fatalf("expected Idle after reaching target, got %s", e.State())
	}
}

func TestOnBlockResponseRejectsUnverifiableAnchor(t *testing.T) {
	c := testutil.NewCommittee(t, 4)
	e, net, ledgerSvc := newTestEngine(t, c, Config{PollInterval: time.Hour})

	notLeader := c.Addresses[0]
	if notLeader == bft.ElectLeader(c.Committee, 0) {
		notLeader = c.Addresses[1]
	}
	badAnchor := c.QuorumCertificate(t, 0, notLeader, nil, nil)
	sb := SyncBlock{Block: ledger.Block{Height: 1, AnchorRound: 0}, Anchor: badAnchor}
	data, err := json.Marshal(sb)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	e.mu.Lock()
	e.state = Syncing
	e.activePeer = "peer1"
	e.target = 1
	e.mu.Unlock()

	e.onBlockResponse(context.Background(), "peer1", [][]byte{data})

	if ledgerSvc.LatestBlockHeight() != 0 {
		t.Fatalf("expected block rejected, height=%d", ledgerSvc.LatestBlockHeight())
	}
	net.mu.Lock()
	defer net.mu.Unlock()
	if len(net.disconnected) != 1 || net.disconnected[0] != "peer1" {
		t.Fatalf("expected peer1 disconnected, got %v", net.disconnected)
	}
}

func TestOnCertificateResponseSubmitsWantedCertificate(t *testing.T) {
	c := testutil.NewCommittee(t, 4)
	dag := storage.New(0, c.Lookup())
	ledgerSvc := testutil.OpenLedger(t, c)
	engine := bft.New(bft.Config{GenesisRound: 0}, dag, c.Lookup(), ledgerSvc, nil,
		events.NewEmitter(), zap.NewNop(), telemetry.NewMetrics(prometheus.NewRegistry()))
	net := &fakeNetwork{}
	e := New(Config{PollInterval: time.Hour}, c.Lookup(), ledgerSvc, net, net, engine,
		events.NewEmitter(), zap.NewNop(), telemetry.NewMetrics(prometheus.NewRegistry()))

	cert := c.QuorumCertificate(t, 0, c.Addresses[0], nil, nil)
	id := cert.ID()
	e.certMu.Lock()
	e.certAttempts[id] = &certAttempt{tried: make(map[string]bool)}
	e.certMu.Unlock()

	e.onCertificateResponse(context.Background(), "peer1", cert)

	e.certMu.Lock()
	_, stillWanted := e.certAttempts[id]
	e.certMu.Unlock()
	if stillWanted {
		t.Fatalf("expected certificate attempt to be resolved")
	}
}

func TestOnCertificateRefusedAbandonsAttempt(t *testing.T) {
	c := testutil.NewCommittee(t, 4)
	e, _, _ := newTestEngine(t, c, Config{PollInterval: time.Hour})

	certID := [32]byte{1, 2, 3}
	e.certMu.Lock()
	e.certAttempts[certID] = &certAttempt{tried: make(map[string]bool)}
	e.certMu.Unlock()

	e.onCertificateRefused("peer1", certID)

	e.certMu.Lock()
	_, stillTracked := e.certAttempts[certID]
	e.certMu.Unlock()
	if stillTracked {
		t.Fatalf("expected attempt to be dropped after refusal")
	}
}
