// Package sync implements the sync engine of spec §4.8: it tracks per-peer
// block locators, fast-forwards the ledger from a lagging height via a
// sliding window of whole blocks, and separately fetches individual missing
// certificates on behalf of the BFT task so the DAG can close a causal gap.
package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tolelom/quorumnet/bft"
	"github.com/tolelom/quorumnet/events"
	"github.com/tolelom/quorumnet/ledger"
	"github.com/tolelom/quorumnet/storage"
	"github.com/tolelom/quorumnet/telemetry"
	"github.com/tolelom/quorumnet/types"
)

// State is the engine's coarse sync/idle status (spec §4.8).
type State int

const (
	Idle State = iota
	Syncing
)

func (s State) String() string {
	if s == Syncing {
		return "syncing"
	}
	return "idle"
}

// Config fixes the tuning constants of spec §4.8.
type Config struct {
	MaxBlockLag           uint64
	MaxBlocksPerRequest    uint32
	FetchTimeout           time.Duration
	MaxCertificateRetries  int
	PollInterval           time.Duration
}

func (c *Config) setDefaults() {
	if c.MaxBlockLag == 0 {
		c.MaxBlockLag = 5
	}
	if c.MaxBlocksPerRequest == 0 {
		c.MaxBlocksPerRequest = 64
	}
	if c.FetchTimeout == 0 {
		c.FetchTimeout = 5 * time.Second
	}
	if c.MaxCertificateRetries == 0 {
		c.MaxCertificateRetries = 3
	}
	if c.PollInterval == 0 {
		c.PollInterval = time.Second
	}
}

// Network is the outbound surface the sync engine needs from the gateway.
type Network interface {
	RequestBlocks(peer string, fromHeight uint64, limit uint32) error
	RequestCertificate(peer string, certID [32]byte) error
	Disconnect(peer string) error
}

// Penalizer records a misbehaving peer (an invalid synced block) so the
// gateway can apply backoff.
type Penalizer interface {
	Penalize(peer string)
}

// SyncBlock is the unit carried inside a BlockResponse frame (wire-opaque
// per spec §6: "blocks: opaque, ledger-encoded"). It bundles a committed
// block with just enough certificate data to re-verify the commit rule
// independently of replaying the full DAG, per spec §4.8 step 3.
type SyncBlock struct {
	Block       ledger.Block             `json:"block"`
	Anchor      *types.BatchCertificate   `json:"anchor"`
	Referencing []*types.BatchCertificate `json:"referencing"`
}

type inputEvent interface{ syncEvent() }

type locatorUpdated struct {
	peer   string
	height uint64
}

func (locatorUpdated) syncEvent() {}

type peerRemoved struct{ peer string }

func (peerRemoved) syncEvent() {}

type blockResponse struct {
	peer   string
	blocks [][]byte
}

func (blockResponse) syncEvent() {}

type certificateResponse struct {
	peer string
	cert *types.BatchCertificate
}

func (certificateResponse) syncEvent() {}

type certificateRefused struct {
	peer   string
	certID [32]byte
}

func (certificateRefused) syncEvent() {}

type certificateFetchRequested struct {
	certID [32]byte
	hint   string
}

func (certificateFetchRequested) syncEvent() {}

// certAttempt tracks one in-flight certificate fetch across retries.
type certAttempt struct {
	tried    map[string]bool
	attempts int
	deadline time.Time
}

// Engine is the sync task: single owner of locator state and the
// syncing/idle state machine, driven off one bounded event channel (mirrors
// the single-writer discipline of the BFT task, spec §4.7/§5).
type Engine struct {
	cfg     Config
	lookup  storage.CommitteeLookup
	ledger  ledger.Service
	net     Network
	penalty Penalizer
	bftEng  *bft.Engine
	emitter *events.Emitter
	logger  *zap.Logger
	metrics *telemetry.Metrics

	input chan inputEvent

	mu         sync.Mutex
	state      State
	locators   map[string]uint64
	activePeer string
	target     uint64
	requestAt  time.Time

	certMu    sync.Mutex
	certAttempts map[[32]byte]*certAttempt
}

// New constructs an Engine.
func New(cfg Config, lookup storage.CommitteeLookup, ledgerSvc ledger.Service, net Network, penalty Penalizer, bftEng *bft.Engine, emitter *events.Emitter, logger *zap.Logger, metrics *telemetry.Metrics) *Engine {
	cfg.setDefaults()
	e := &Engine{
		cfg:          cfg,
		lookup:       lookup,
		ledger:       ledgerSvc,
		net:          net,
		penalty:      penalty,
		bftEng:       bftEng,
		emitter:      emitter,
		logger:       logger,
		metrics:      metrics,
		input:        make(chan inputEvent, 1024),
		locators:     make(map[string]uint64),
		certAttempts: make(map[[32]byte]*certAttempt),
	}
	if emitter != nil {
		emitter.Subscribe(events.EventMissingParents, e.onMissingParents)
	}
	return e
}

func (e *Engine) onMissingParents(ev events.Event) {
	missing, _ := ev.Data["missing_parents"].([][32]byte)
	for _, pid := range missing {
		e.submit(certificateFetchRequested{certID: pid})
	}
}

func (e *Engine) submit(ev inputEvent) {
	select {
	case e.input <- ev:
	default:
		e.logger.Warn("sync input channel full, dropping event")
	}
}

// UpdateLocator records peer's reported chain height.
func (e *Engine) UpdateLocator(peer string, height uint64) {
	e.submit(locatorUpdated{peer: peer, height: height})
}

// RemovePeer forgets a disconnected peer's locator.
func (e *Engine) RemovePeer(peer string) {
	e.submit(peerRemoved{peer: peer})
}

// HandleBlockResponse feeds an inbound BlockResponse frame's payload in.
func (e *Engine) HandleBlockResponse(peer string, blocks [][]byte) {
	e.submit(blockResponse{peer: peer, blocks: blocks})
}

// HandleCertificateResponse feeds an inbound CertificateResponse frame in.
func (e *Engine) HandleCertificateResponse(peer string, cert *types.BatchCertificate) {
	e.submit(certificateResponse{peer: peer, cert: cert})
}

// HandleCertificateRefused feeds in an explicit "gone below the GC horizon"
// answer to an outstanding CertificateRequest, so the attempt stops
// retrying instead of waiting out FetchTimeout × MaxCertificateRetries for
// an answer that will never arrive (Open Question #3).
func (e *Engine) HandleCertificateRefused(peer string, certID [32]byte) {
	e.submit(certificateRefused{peer: peer, certID: certID})
}

// FetchCertificate starts (or joins) an outstanding fetch for certID, tried
// first against hint if given.
func (e *Engine) FetchCertificate(certID [32]byte, hint string) {
	e.submit(certificateFetchRequested{certID: certID, hint: hint})
}

// State returns the engine's current Idle/Syncing status.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Run drains the input channel and drives the periodic lag/timeout checks
// until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.input:
			e.handle(ctx, ev)
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *Engine) handle(ctx context.Context, ev inputEvent) {
	switch v := ev.(type) {
	case locatorUpdated:
		e.onLocatorUpdated(ctx, v.peer, v.height)
	case peerRemoved:
		e.onPeerRemoved(v.peer)
	case blockResponse:
		e.onBlockResponse(ctx, v.peer, v.blocks)
	case certificateResponse:
		e.onCertificateResponse(ctx, v.peer, v.cert)
	case certificateRefused:
		e.onCertificateRefused(v.peer, v.certID)
	case certificateFetchRequested:
		e.onCertificateFetchRequested(v.certID, v.hint)
	}
}

func (e *Engine) onLocatorUpdated(ctx context.Context, peer string, height uint64) {
	e.mu.Lock()
	e.locators[peer] = height
	e.mu.Unlock()
	e.tick(ctx)
}

func (e *Engine) onPeerRemoved(peer string) {
	e.mu.Lock()
	delete(e.locators, peer)
	if e.activePeer == peer {
		e.activePeer = ""
	}
	e.mu.Unlock()
}

// tick evaluates whether to enter Syncing, or whether an in-flight request
// has timed out and should be retried against a different peer (spec §4.8's
// sliding-window fetch has no response-driven retry of its own; the periodic
// tick supplies it).
func (e *Engine) tick(ctx context.Context) {
	e.mu.Lock()
	state := e.state
	requestAt := e.requestAt
	e.mu.Unlock()

	if state == Syncing {
		if !requestAt.IsZero() && time.Since(requestAt) > e.cfg.FetchTimeout {
			e.advanceWindow(ctx, true)
		}
		return
	}

	median, ok := e.medianPeerHeight()
	if !ok {
		return
	}
	local := e.ledger.LatestBlockHeight()
	if median > local && median-local > e.cfg.MaxBlockLag {
		e.enterSyncing(ctx, median)
	}

	e.checkCertificateTimeouts()
}

func (e *Engine) medianPeerHeight() (uint64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.locators) == 0 {
		return 0, false
	}
	heights := make([]uint64, 0, len(e.locators))
	for _, h := range e.locators {
		heights = append(heights, h)
	}
	sort.Slice(heights, func(i, j int) bool { return heights[i] < heights[j] })
	return heights[len(heights)/2], true
}

func (e *Engine) bestPeer(exclude string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var best string
	var bestHeight uint64
	for p, h := range e.locators {
		if p == exclude {
			continue
		}
		if best == "" || h > bestHeight {
			best = p
			bestHeight = h
		}
	}
	return best, best != ""
}

func (e *Engine) enterSyncing(ctx context.Context, target uint64) {
	peer, ok := e.bestPeer("")
	if !ok {
		return
	}
	e.mu.Lock()
	e.state = Syncing
	e.activePeer = peer
	e.target = target
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.SyncInProgress.Set(1)
	}
	if e.emitter != nil {
		e.emitter.Emit(events.Event{Type: events.EventSyncStateChanged, Data: map[string]any{"state": "syncing", "peer": peer, "target": target}})
	}
	e.requestWindow(peer)
}

func (e *Engine) requestWindow(peer string) {
	local := e.ledger.LatestBlockHeight()
	limit := e.cfg.MaxBlocksPerRequest
	e.mu.Lock()
	if e.target > local {
		remaining := e.target - local
		if remaining < uint64(limit) {
			limit = uint32(remaining)
		}
	}
	e.requestAt = time.Now()
	e.mu.Unlock()
	if err := e.net.RequestBlocks(peer, local+1, limit); err != nil {
		e.logger.Warn("request blocks failed", zap.String("peer", peer), zap.Error(err))
	}
}

// advanceWindow is called on a request timeout: it drops the unresponsive
// peer and, if another candidate exists, retries against it; otherwise it
// falls back to Idle until a new locator arrives.
func (e *Engine) advanceWindow(ctx context.Context, dropActive bool) {
	e.mu.Lock()
	stale := e.activePeer
	e.mu.Unlock()
	if dropActive && stale != "" {
		_ = e.net.Disconnect(stale)
		e.onPeerRemoved(stale)
	}
	peer, ok := e.bestPeer("")
	if !ok {
		e.mu.Lock()
		e.state = Idle
		e.activePeer = ""
		e.mu.Unlock()
		if e.metrics != nil {
			e.metrics.SyncInProgress.Set(0)
		}
		return
	}
	e.mu.Lock()
	e.activePeer = peer
	e.mu.Unlock()
	e.requestWindow(peer)
}

func (e *Engine) onBlockResponse(ctx context.Context, peer string, raw [][]byte) {
	e.mu.Lock()
	active := e.activePeer
	syncing := e.state == Syncing
	e.mu.Unlock()
	if !syncing || peer != active {
		return
	}

	for _, data := range raw {
		var sb SyncBlock
		if err := json.Unmarshal(data, &sb); err != nil {
			e.reject(peer, fmt.Errorf("sync: malformed block: %w", err))
			return
		}
		if err := e.verifyBlock(&sb); err != nil {
			e.reject(peer, err)
			return
		}
		if err := e.ledger.AddNextBlock(sb.Block); err != nil {
			e.reject(peer, fmt.Errorf("sync: ledger rejected block %d: %w", sb.Block.Height, err))
			return
		}
	}

	local := e.ledger.LatestBlockHeight()
	e.mu.Lock()
	target := e.target
	e.mu.Unlock()
	if local >= target {
		e.mu.Lock()
		e.state = Idle
		e.activePeer = ""
		e.requestAt = time.Time{}
		e.mu.Unlock()
		if e.metrics != nil {
			e.metrics.SyncInProgress.Set(0)
		}
		if e.emitter != nil {
			e.emitter.Emit(events.Event{Type: events.EventSyncStateChanged, Data: map[string]any{"state": "idle", "height": local}})
		}
		return
	}
	e.requestWindow(peer)
}

// reject penalizes peer for an invalid synced block and falls back to
// choosing a different source, per spec §4.8 step 4.
func (e *Engine) reject(peer string, err error) {
	e.logger.Warn("sync block rejected", zap.String("peer", peer), zap.Error(err))
	if e.penalty != nil {
		e.penalty.Penalize(peer)
	}
	e.advanceWindow(context.Background(), true)
}

// verifyBlock checks the anchor's quorum and the referencing round's
// availability over it, per spec §4.8 step 3 ("verify its certificates'
// quorum and its leader-anchor commit rule against the committee snapshot
// at that round"). It intentionally checks direct references only (each
// referencing certificate names the anchor in its own parent set) rather
// than replaying the full transitive DFS walk bft.Engine performs live —
// a cheaper bound appropriate for fast-forwarding already-committed history.
func (e *Engine) verifyBlock(sb *SyncBlock) error {
	if sb.Anchor == nil {
		return fmt.Errorf("sync: block %d missing anchor certificate", sb.Block.Height)
	}
	if sb.Anchor.Header.Round != sb.Block.AnchorRound {
		return fmt.Errorf("sync: anchor round mismatch for block %d", sb.Block.Height)
	}
	anchorCommittee, err := e.lookup(sb.Block.AnchorRound)
	if err != nil {
		return fmt.Errorf("sync: committee lookup for round %d: %w", sb.Block.AnchorRound, err)
	}
	if !anchorCommittee.MeetsQuorum(sb.Anchor.Signers()) {
		return fmt.Errorf("sync: anchor at round %d lacks quorum", sb.Block.AnchorRound)
	}
	if bft.ElectLeader(anchorCommittee, sb.Block.AnchorRound) != sb.Anchor.Header.Author {
		return fmt.Errorf("sync: anchor at round %d is not the elected leader", sb.Block.AnchorRound)
	}

	referencingCommittee, err := e.lookup(sb.Block.AnchorRound + 1)
	if err != nil {
		return fmt.Errorf("sync: committee lookup for round %d: %w", sb.Block.AnchorRound+1, err)
	}
	anchorID := sb.Anchor.ID()
	var referencing []string
	for _, cert := range sb.Referencing {
		if cert.Header.Round != sb.Block.AnchorRound+1 {
			continue
		}
		for _, pid := range cert.Header.PreviousCertificateIDs {
			if pid == anchorID {
				referencing = append(referencing, cert.Header.Author)
				break
			}
		}
	}
	if !referencingCommittee.MeetsAvailability(referencing) {
		return fmt.Errorf("sync: anchor at round %d lacks availability-quorum reference", sb.Block.AnchorRound)
	}
	return nil
}

// onCertificateFetchRequested starts (or continues) a bounded-retry
// CertificateRequest, per spec §4.8: "a single CertificateRequest(cert_id)
// with deadline FETCH_TIMEOUT; on timeout, retry up to 3× on different
// peers before giving up and disconnecting the source."
func (e *Engine) onCertificateFetchRequested(certID [32]byte, hint string) {
	e.certMu.Lock()
	att, exists := e.certAttempts[certID]
	if !exists {
		att = &certAttempt{tried: make(map[string]bool)}
		e.certAttempts[certID] = att
	}
	e.certMu.Unlock()

	if exists && time.Now().Before(att.deadline) {
		return // already in flight
	}

	peer := hint
	if peer == "" || att.tried[peer] {
		// Prefer the highest untried peer; fall back to the best peer once
		// every known peer has been tried.
		peer = ""
		var bestHeight uint64
		e.mu.Lock()
		for p, h := range e.locators {
			if !att.tried[p] && (peer == "" || h > bestHeight) {
				peer, bestHeight = p, h
			}
		}
		e.mu.Unlock()
		if peer == "" {
			p, ok := e.bestPeer("")
			if !ok {
				return
			}
			peer = p
		}
	}

	e.certMu.Lock()
	att.tried[peer] = true
	att.attempts++
	att.deadline = time.Now().Add(e.cfg.FetchTimeout)
	attempts := att.attempts
	e.certMu.Unlock()

	if attempts > e.cfg.MaxCertificateRetries+1 {
		e.logger.Warn("certificate fetch exhausted retries, disconnecting source", zap.String("peer", peer))
		_ = e.net.Disconnect(peer)
		e.certMu.Lock()
		delete(e.certAttempts, certID)
		e.certMu.Unlock()
		return
	}

	if err := e.net.RequestCertificate(peer, certID); err != nil {
		e.logger.Warn("request certificate failed", zap.String("peer", peer), zap.Error(err))
	}
}

func (e *Engine) checkCertificateTimeouts() {
	e.certMu.Lock()
	var expired [][32]byte
	now := time.Now()
	for id, att := range e.certAttempts {
		if now.After(att.deadline) {
			expired = append(expired, id)
		}
	}
	e.certMu.Unlock()
	for _, id := range expired {
		e.onCertificateFetchRequested(id, "")
	}
}

// onCertificateRefused abandons the fetch for a certificate the peer has
// confirmed is below its GC horizon. The requester's own DAG will never be
// able to insert this ancestor either once it catches up this far behind,
// so the right recovery is a block-level sync rather than further retries;
// dropping the attempt quietly lets the causal gap surface as lag instead.
func (e *Engine) onCertificateRefused(peer string, certID [32]byte) {
	e.certMu.Lock()
	delete(e.certAttempts, certID)
	e.certMu.Unlock()
	e.logger.Info("certificate request refused as garbage collected", zap.String("peer", peer))
}

func (e *Engine) onCertificateResponse(ctx context.Context, peer string, cert *types.BatchCertificate) {
	if cert == nil {
		return
	}
	id := cert.ID()
	e.certMu.Lock()
	_, wanted := e.certAttempts[id]
	if wanted {
		delete(e.certAttempts, id)
	}
	e.certMu.Unlock()
	if !wanted {
		return
	}
	if err := e.bftEng.Submit(ctx, bft.CertificateInserted{Certificate: cert}); err != nil {
		e.logger.Warn("submit fetched certificate failed", zap.Error(err))
	}
}
