// Package primary implements the batch proposer of spec §4.6: the round
// loop that assembles a BatchHeader from locally available transmissions,
// collects quorum signatures from the committee, and hands the resulting
// BatchCertificate to the BFT task for admission.
package primary

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tolelom/quorumnet/bft"
	"github.com/tolelom/quorumnet/committee"
	"github.com/tolelom/quorumnet/mempool"
	"github.com/tolelom/quorumnet/storage"
	"github.com/tolelom/quorumnet/telemetry"
	"github.com/tolelom/quorumnet/types"
)

// Errors returned by ConsiderSigning, per spec §4.6's sign-or-defer rules.
var (
	ErrAuthorNotInCommittee = errors.New("primary: header author not in current committee")
	ErrEquivocatingProposer = errors.New("primary: author proposed two different headers this round")
	ErrTimestampDrift       = errors.New("primary: header timestamp outside allowed drift")
	ErrMissingTransmission  = errors.New("primary: referenced transmission not locally available")
	ErrMissingParent        = errors.New("primary: referenced parent certificate not in storage")
)

// Network is the outbound surface Primary needs from the gateway: proposing
// a batch, answering with a signature, and broadcasting the finished
// certificate. Concrete wiring (framing, noise encryption) lives in the
// gateway package; Primary only depends on this narrow interface (spec §9:
// "collapse the parametric machinery into two or three concrete traits").
type Network interface {
	BroadcastBatchPropose(header types.BatchHeader) error
	SendBatchSignature(to string, certID [32]byte, sig []byte) error
	BroadcastCertificate(cert *types.BatchCertificate) error
}

// PubKeyResolver resolves a committee address to its ed25519 public key,
// used to verify inbound BatchSignature responses.
type PubKeyResolver func(addr string) (ed25519.PublicKey, bool)

// Identity is the local validator's signing key and committee address.
type Identity struct {
	Address string
	Private ed25519.PrivateKey
}

// Config fixes the round-loop timing constants of spec §4.6.
type Config struct {
	MaxBatchDelay             time.Duration
	SignatureCollectionDelay  time.Duration
	MaxTransmissionsPerBatch  int
	MaxTimestampDriftMillis   int64
}

func (c *Config) setDefaults() {
	if c.MaxBatchDelay == 0 {
		c.MaxBatchDelay = 2 * time.Second
	}
	if c.SignatureCollectionDelay == 0 {
		c.SignatureCollectionDelay = 2 * time.Second
	}
	if c.MaxTransmissionsPerBatch == 0 {
		c.MaxTransmissionsPerBatch = 2000
	}
	if c.MaxTimestampDriftMillis == 0 {
		c.MaxTimestampDriftMillis = 5000
	}
}

// Primary is the batch proposer for one validator. It owns the round
// counter and its own pending-header state; all DAG mutation still flows
// through the BFT engine, preserving the single-writer discipline of
// spec §4.7 even for self-authored certificates.
type Primary struct {
	cfg      Config
	identity Identity
	genesis  uint64

	dag     *storage.DAG
	pool    *mempool.Shard
	lookup  storage.CommitteeLookup
	resolve PubKeyResolver
	net     Network
	engine  *bft.Engine
	logger  *zap.Logger
	metrics *telemetry.Metrics

	mu             sync.Mutex
	round          uint64
	pendingHeader  *types.BatchHeader
	pendingSigs    map[string][]byte
	signedHeaders  map[string]types.BatchHeader // "round/author" -> header this validator already signed
	equivocated    map[string]bool              // "round/author" -> never sign for this author again this round
}

// New constructs a Primary. genesisRound is the round below which no
// previous-certificate quorum is required (spec §3 invariant 2's
// exception); the round loop starts proposing at genesisRound+1.
func New(cfg Config, identity Identity, genesisRound uint64, dag *storage.DAG, pool *mempool.Shard, lookup storage.CommitteeLookup, resolve PubKeyResolver, net Network, engine *bft.Engine, logger *zap.Logger, metrics *telemetry.Metrics) *Primary {
	cfg.setDefaults()
	return &Primary{
		cfg:           cfg,
		identity:      identity,
		genesis:       genesisRound,
		dag:           dag,
		pool:          pool,
		lookup:        lookup,
		resolve:       resolve,
		net:           net,
		engine:        engine,
		logger:        logger,
		metrics:       metrics,
		round:         genesisRound + 1,
		pendingSigs:   make(map[string][]byte),
		signedHeaders: make(map[string]types.BatchHeader),
		equivocated:   make(map[string]bool),
	}
}

// Run drives the proposal round loop until ctx is cancelled.
func (p *Primary) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := p.proposeRound(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("batch proposal failed", zap.Uint64("round", p.currentRound()), zap.Error(err))
			time.Sleep(500 * time.Millisecond)
		}
	}
}

func (p *Primary) currentRound() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.round
}

// proposeRound executes one iteration of spec §4.6's five-step round loop.
func (p *Primary) proposeRound(ctx context.Context) error {
	round := p.currentRound()

	parents, err := p.awaitParents(ctx, round)
	if err != nil {
		return err
	}

	comm, err := p.lookup(round)
	if err != nil {
		return fmt.Errorf("primary: committee lookup for round %d: %w", round, err)
	}
	if !comm.Contains(p.identity.Address) {
		// Not a committee member this round: skip proposing but still
		// advance so sync/gossip can catch the node up to the live round.
		p.advanceRound(round)
		time.Sleep(p.cfg.MaxBatchDelay)
		return nil
	}

	referenced := make(map[[33]byte]bool)
	for _, r := range []uint64{round, round + 1} {
		for _, cert := range p.dag.CertificatesAtRound(r) {
			for _, tid := range cert.Header.TransmissionIDs {
				referenced[tid.Key()] = true
			}
		}
	}
	ids := p.pool.CandidateIDs(p.cfg.MaxTransmissionsPerBatch, func(id types.TransmissionID) bool { return referenced[id.Key()] })

	header := types.BatchHeader{
		Author:                 p.identity.Address,
		Round:                  round,
		TimestampMillis:        time.Now().UnixMilli(),
		TransmissionIDs:        ids,
		PreviousCertificateIDs: parents,
	}
	header.Sign(p.identity.Private)

	p.mu.Lock()
	p.pendingHeader = &header
	p.pendingSigs = map[string][]byte{p.identity.Address: header.Signature}
	p.mu.Unlock()

	if err := p.net.BroadcastBatchPropose(header); err != nil {
		return fmt.Errorf("primary: broadcast batch propose: %w", err)
	}

	cert, ok := p.awaitQuorum(ctx, &header, comm)
	if !ok {
		p.mu.Lock()
		p.pendingHeader = nil
		p.mu.Unlock()
		return fmt.Errorf("primary: round %d did not reach quorum signatures in time", round)
	}

	if err := p.engine.Submit(ctx, bft.CertificateInserted{Certificate: cert}); err != nil {
		return fmt.Errorf("primary: submit certificate: %w", err)
	}
	p.engine.MarkAnchorProposed(round)
	if err := p.net.BroadcastCertificate(cert); err != nil {
		p.logger.Warn("broadcast certificate failed", zap.Error(err))
	}

	p.advanceRound(round)
	return nil
}

func (p *Primary) advanceRound(round uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.round == round {
		p.round = round + 1
	}
	p.pendingHeader = nil
	p.pendingSigs = make(map[string][]byte)
}

// awaitParents blocks until the DAG reports round-1 complete (quorum of
// known authors) or, once MaxBatchDelay elapses, at least availability
// quorum of round-1 certificates are known (spec §4.6 step 1).
func (p *Primary) awaitParents(ctx context.Context, round uint64) ([][32]byte, error) {
	parentRound := round - 1
	timer := time.NewTimer(p.cfg.MaxBatchDelay)
	defer timer.Stop()
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()

	for {
		complete, err := p.dag.IsRoundComplete(parentRound)
		if err != nil {
			return nil, fmt.Errorf("primary: round-complete check for round %d: %w", parentRound, err)
		}
		if complete {
			return p.parentIDs(parentRound), nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			comm, err := p.lookup(parentRound)
			if err != nil {
				return nil, err
			}
			authors := p.dag.CertificatesAtRound(parentRound)
			addrs := make([]string, 0, len(authors))
			for a := range authors {
				addrs = append(addrs, a)
			}
			if comm.MeetsAvailability(addrs) {
				return p.parentIDs(parentRound), nil
			}
			timer.Reset(p.cfg.MaxBatchDelay)
		case <-ticker.C:
		}
	}
}

func (p *Primary) parentIDs(round uint64) [][32]byte {
	authors := p.dag.CertificatesAtRound(round)
	ids := make([][32]byte, 0, len(authors))
	for _, c := range authors {
		ids = append(ids, c.ID())
	}
	sort.Slice(ids, func(i, j int) bool { return bytes.Compare(ids[i][:], ids[j][:]) < 0 })
	return ids
}

// awaitQuorum blocks until HandleBatchSignature has collected enough
// signer stake to cross quorum_threshold, or SignatureCollectionDelay
// elapses.
func (p *Primary) awaitQuorum(ctx context.Context, header *types.BatchHeader, comm *committee.Committee) (*types.BatchCertificate, bool) {
	deadline := time.After(p.cfg.SignatureCollectionDelay)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if cert, ok := p.tryAssemble(header, comm); ok {
			return cert, true
		}
		select {
		case <-ctx.Done():
			return nil, false
		case <-deadline:
			return p.tryAssemble(header, comm)
		case <-ticker.C:
		}
	}
}

func (p *Primary) tryAssemble(header *types.BatchHeader, comm *committee.Committee) (*types.BatchCertificate, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pendingHeader == nil || p.pendingHeader.ID() != header.ID() {
		return nil, false
	}
	signers := make([]string, 0, len(p.pendingSigs))
	for a := range p.pendingSigs {
		signers = append(signers, a)
	}
	if !comm.MeetsQuorum(signers) {
		return nil, false
	}
	sigs := make(map[string][]byte, len(p.pendingSigs))
	for a, s := range p.pendingSigs {
		sigs[a] = s
	}
	return &types.BatchCertificate{Header: *header, Signatures: sigs}, true
}

// HandleBatchSignature records a signature response from another
// validator for the header currently pending broadcast. Invoked by the
// gateway dispatcher when an EventBatchSignature frame arrives.
func (p *Primary) HandleBatchSignature(from string, certID [32]byte, sig []byte) error {
	p.mu.Lock()
	header := p.pendingHeader
	p.mu.Unlock()
	if header == nil || header.ID() != certID {
		return nil // stale or unrelated response; ignore rather than error
	}
	pub, ok := p.resolve(from)
	if !ok {
		return fmt.Errorf("primary: unknown signer %s", from)
	}
	if !ed25519.Verify(pub, header.SigningBytes(), sig) {
		return fmt.Errorf("primary: invalid signature from %s", from)
	}
	p.mu.Lock()
	if p.pendingHeader != nil && p.pendingHeader.ID() == certID {
		p.pendingSigs[from] = sig
	}
	p.mu.Unlock()
	return nil
}

// ConsiderSigning evaluates an inbound BatchPropose against spec §4.6's
// sign-or-defer rules and returns this validator's signature over header,
// or an error naming which rule failed. An ErrMissingTransmission or
// ErrMissingParent result means "defer" (the caller should request the
// missing data and retry later), not a permanent rejection.
func (p *Primary) ConsiderSigning(header types.BatchHeader) ([]byte, error) {
	comm, err := p.lookup(header.Round)
	if err != nil {
		return nil, fmt.Errorf("primary: committee lookup for round %d: %w", header.Round, err)
	}
	if !comm.Contains(header.Author) {
		return nil, ErrAuthorNotInCommittee
	}

	key := proposerKey(header.Round, header.Author)
	p.mu.Lock()
	if p.equivocated[key] {
		p.mu.Unlock()
		return nil, ErrEquivocatingProposer
	}
	if existing, ok := p.signedHeaders[key]; ok && existing.ID() != header.ID() {
		p.equivocated[key] = true
		p.mu.Unlock()
		return nil, ErrEquivocatingProposer
	}
	p.mu.Unlock()

	now := time.Now().UnixMilli()
	drift := now - header.TimestampMillis
	if drift < 0 {
		drift = -drift
	}
	if drift > p.cfg.MaxTimestampDriftMillis {
		return nil, ErrTimestampDrift
	}

	for _, tid := range header.TransmissionIDs {
		if _, ok := p.pool.Fetch(tid); !ok {
			return nil, ErrMissingTransmission
		}
	}
	for _, pid := range header.PreviousCertificateIDs {
		if !p.dag.ContainsCertificate(pid) {
			return nil, ErrMissingParent
		}
	}

	sig := ed25519.Sign(p.identity.Private, header.SigningBytes())
	p.mu.Lock()
	p.signedHeaders[key] = header
	p.mu.Unlock()
	return sig, nil
}

func proposerKey(round uint64, author string) string {
	return fmt.Sprintf("%d/%s", round, author)
}
