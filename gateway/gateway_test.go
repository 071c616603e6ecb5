package gateway

import (
	"crypto/ed25519"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/tolelom/quorumnet/committee"
)

type recordingDispatcher struct {
	mu    sync.Mutex
	seen  []EventID
	wake  chan struct{}
}

func newRecordingDispatcher() *recordingDispatcher {
	return &recordingDispatcher{wake: make(chan struct{}, 16)}
}

func (d *recordingDispatcher) Dispatch(peer *Peer, f Frame) {
	d.mu.Lock()
	d.seen = append(d.seen, f.ID)
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *recordingDispatcher) waitFor(t *testing.T, timeout time.Duration) {
	t.Helper()
	select {
	case <-d.wake:
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for dispatched event")
	}
}

func newTestIdentity(t *testing.T, addr string) (ValidatorIdentity, ed25519.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return ValidatorIdentity{Address: addr, Private: priv}, pub
}

func buildGateway(t *testing.T, listenAddr, addr string, pub ed25519.PublicKey, identity ValidatorIdentity, allAddrs map[string]ed25519.PublicKey, dispatcher Dispatcher) *Gateway {
	t.Helper()
	staticKey, err := GenerateStaticKeypair()
	if err != nil {
		t.Fatalf("static key: %v", err)
	}
	members := make([]committee.Member, 0, len(allAddrs))
	for a := range allAddrs {
		members = append(members, committee.Member{Address: a, Stake: 10})
	}
	c, err := committee.New(0, members)
	if err != nil {
		t.Fatalf("committee: %v", err)
	}
	lookup := func() (*committee.Committee, map[string]ed25519.PublicKey) {
		return c, allAddrs
	}
	logger := zap.NewNop()
	cfg := Config{
		ListenAddr:   listenAddr,
		PingInterval: 50 * time.Millisecond,
		IdleTimeout:  2 * time.Second,
	}
	return New(cfg, staticKey, identity, lookup, dispatcher, nil, logger)
}

func TestGatewayDialEstablishesPeer(t *testing.T) {
	identityA, pubA := newTestIdentity(t, "validator-a")
	identityB, pubB := newTestIdentity(t, "validator-b")
	allAddrs := map[string]ed25519.PublicKey{"validator-a": pubA, "validator-b": pubB}

	dispB := newRecordingDispatcher()
	gwB := buildGateway(t, "127.0.0.2:0", "validator-b", pubB, identityB, allAddrs, dispB)
	if err := gwB.Listen(); err != nil {
		t.Fatalf("listen B: %v", err)
	}
	defer gwB.Stop()

	gwA := buildGateway(t, "127.0.0.1:0", "validator-a", pubA, identityA, allAddrs, newRecordingDispatcher())
	if err := gwA.Listen(); err != nil {
		t.Fatalf("listen A: %v", err)
	}
	defer gwA.Stop()

	if err := gwA.Dial(gwB.listener.Addr().String()); err != nil {
		t.Fatalf("dial: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if gwA.PeerCount() == 1 && gwB.PeerCount() == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if gwA.PeerCount() != 1 {
		t.Fatalf("expected gwA to have 1 peer, got %d", gwA.PeerCount())
	}
	if gwB.PeerCount() != 1 {
		t.Fatalf("expected gwB to have 1 peer, got %d", gwB.PeerCount())
	}
}

func TestGatewayBroadcastDeliversToDispatcher(t *testing.T) {
	identityA, pubA := newTestIdentity(t, "validator-a")
	identityB, pubB := newTestIdentity(t, "validator-b")
	allAddrs := map[string]ed25519.PublicKey{"validator-a": pubA, "validator-b": pubB}

	dispB := newRecordingDispatcher()
	gwB := buildGateway(t, "127.0.0.2:0", "validator-b", pubB, identityB, allAddrs, dispB)
	if err := gwB.Listen(); err != nil {
		t.Fatalf("listen B: %v", err)
	}
	defer gwB.Stop()

	gwA := buildGateway(t, "127.0.0.1:0", "validator-a", pubA, identityA, allAddrs, newRecordingDispatcher())
	if err := gwA.Listen(); err != nil {
		t.Fatalf("listen A: %v", err)
	}
	defer gwA.Stop()

	if err := gwA.Dial(gwB.listener.Addr().String()); err != nil {
		t.Fatalf("dial: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && gwA.PeerCount() != 1 {
		time.Sleep(10 * time.Millisecond)
	}

	f, err := Encode(EventValidatorsRequest, ValidatorsRequestPayload{})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	gwA.Broadcast(f)

	dispB.waitFor(t, 2*time.Second)
	dispB.mu.Lock()
	defer dispB.mu.Unlock()
	if len(dispB.seen) != 1 || dispB.seen[0] != EventValidatorsRequest {
		t.Fatalf("expected gwB to observe ValidatorsRequest, got %v", dispB.seen)
	}
}

func TestGatewayAdmitRejectsSelfConnect(t *testing.T) {
	identityA, pubA := newTestIdentity(t, "validator-a")
	allAddrs := map[string]ed25519.PublicKey{"validator-a": pubA}
	gwA := buildGateway(t, "127.0.0.1:0", "validator-a", pubA, identityA, allAddrs, newRecordingDispatcher())
	if err := gwA.admit("127.0.0.1"); err == nil {
		t.Fatalf("expected self-connect to be rejected")
	}
}

func TestGatewayCheckVersionRejectsOutdated(t *testing.T) {
	identityA, pubA := newTestIdentity(t, "validator-a")
	allAddrs := map[string]ed25519.PublicKey{"validator-a": pubA}
	gwA := buildGateway(t, "127.0.0.1:0", "validator-a", pubA, identityA, allAddrs, newRecordingDispatcher())
	gwA.cfg.MinVersion = 5
	if err := gwA.CheckVersion(1, ""); err == nil {
		t.Fatalf("expected outdated version to be rejected")
	}
	if err := gwA.CheckVersion(5, ""); err != nil {
		t.Fatalf("expected version 5 to be accepted, got %v", err)
	}
}
