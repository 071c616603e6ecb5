package bft

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/tolelom/quorumnet/bfterrors"
	"github.com/tolelom/quorumnet/events"
	"github.com/tolelom/quorumnet/ledger"
	"github.com/tolelom/quorumnet/storage"
	"github.com/tolelom/quorumnet/telemetry"
	"github.com/tolelom/quorumnet/types"
)

// InputEvent is the tagged union of notifications the BFT task consumes off
// its single bounded channel (spec §4.7: "External components submit
// events ... through a bounded channel. The task processes events
// serially").
type InputEvent interface{ bftEvent() }

// CertificateInserted carries a certificate received from the gateway or
// primary for admission into the DAG. The BFT task is the sole caller of
// storage.InsertCertificate (§4.7's single-writer discipline).
type CertificateInserted struct{ Certificate *types.BatchCertificate }

func (CertificateInserted) bftEvent() {}

// TimerExpired notifies the task that round's leader-wait timer elapsed.
// The BFT task itself only uses this to log/emit; round advancement is
// driven by certificate arrival, not by the timer (that governs Primary's
// batch-proposal timeout, spec §4.6).
type TimerExpired struct{ Round uint64 }

func (TimerExpired) bftEvent() {}

// LedgerCommitted notifies the task that a block has been durably applied,
// e.g. after a sync-driven catch-up commit bypassing the normal DFS path.
// The task uses this only to keep its committed-round bookkeeping honest.
type LedgerCommitted struct {
	Height      uint64
	AnchorRound uint64
}

func (LedgerCommitted) bftEvent() {}

// PoolRemover is the subset of mempool.Shard's surface the BFT task needs:
// dropping transmissions once their containing block has committed.
type PoolRemover interface {
	RemoveConfirmed(ids []types.TransmissionID)
}

// Config fixes the constants governing round/commit/GC behavior.
type Config struct {
	GenesisRound uint64
	MaxGCRounds  uint64
	InputDepth   int // bounded channel depth, spec §5 "typical depth 1024"
}

func (c *Config) setDefaults() {
	if c.InputDepth == 0 {
		c.InputDepth = 1024
	}
}

// Engine is the BFT core (spec §4.7): the sole writer of the DAG, advancing
// rounds as certificates arrive and committing anchors once their
// causal-history availability threshold is reached.
type Engine struct {
	cfg     Config
	dag     *storage.DAG
	lookup  storage.CommitteeLookup
	ledger  ledger.Service
	pool    PoolRemover
	emitter *events.Emitter
	logger  *zap.Logger
	metrics *telemetry.Metrics

	input chan InputEvent

	committedAnchors map[uint64]bool    // anchorRound -> committed
	committedCerts   map[[32]byte]bool  // certID -> committed (part of some emitted order)
	anchorStart      map[uint64]time.Time
}

// New constructs an Engine. lookup resolves the committee active at a given
// round; ledgerSvc and pool are the collaborators notified on commit.
func New(cfg Config, dag *storage.DAG, lookup storage.CommitteeLookup, ledgerSvc ledger.Service, pool PoolRemover, emitter *events.Emitter, logger *zap.Logger, metrics *telemetry.Metrics) *Engine {
	cfg.setDefaults()
	return &Engine{
		cfg:              cfg,
		dag:              dag,
		lookup:           lookup,
		ledger:           ledgerSvc,
		pool:             pool,
		emitter:          emitter,
		logger:           logger,
		metrics:          metrics,
		input:            make(chan InputEvent, cfg.InputDepth),
		committedAnchors: make(map[uint64]bool),
		committedCerts:   make(map[[32]byte]bool),
		anchorStart:      make(map[uint64]time.Time),
	}
}

// Submit enqueues ev for processing, blocking if the input channel is full
// (spec §5: "all channel sends with full buffers" are suspension points)
// until ctx is done.
func (e *Engine) Submit(ctx context.Context, ev InputEvent) error {
	select {
	case e.input <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains the input channel until ctx is cancelled. It is the task's
// entire lifetime loop; call it from exactly one goroutine.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.input:
			e.handle(ev)
		}
	}
}

func (e *Engine) handle(ev InputEvent) {
	switch v := ev.(type) {
	case CertificateInserted:
		e.onCertificate(v.Certificate)
	case TimerExpired:
		e.emitter.Emit(events.Event{Type: events.EventTimerExpired, Round: v.Round})
	case LedgerCommitted:
		e.committedAnchors[v.AnchorRound] = true
	}
}

func (e *Engine) onCertificate(c *types.BatchCertificate) {
	round := c.Header.Round
	fresh, err := e.dag.InsertCertificate(c)
	if err != nil {
		e.handleInsertError(c, err)
		return
	}
	_ = fresh // candidate transmission IDs a caller may want to fetch; surfaced via storage directly
	e.emitter.Emit(events.Event{
		Type:  events.EventCertificateInserted,
		Round: round,
		Data:  map[string]any{"author": c.Header.Author},
	})
	if e.metrics != nil {
		e.metrics.CurrentRound.Set(float64(round))
	}

	if round < e.cfg.GenesisRound+2 {
		return
	}
	if complete, err := e.dag.IsRoundComplete(round); err != nil || !complete {
		return
	}
	anchorRound := round - 2
	e.tryCommit(anchorRound)
}

func (e *Engine) handleInsertError(c *types.BatchCertificate, err error) {
	switch {
	case err == bfterrors.ErrRoundGarbageCollected:
		e.logger.Debug("certificate references a garbage-collected round, not retrying",
			zap.Uint64("round", c.Header.Round), zap.String("author", c.Header.Author))
	case bfterrors.Is(err, bfterrors.KindEquivocation):
		e.logger.Error("equivocation detected",
			zap.Uint64("round", c.Header.Round), zap.String("author", c.Header.Author))
		e.emitter.Emit(events.Event{
			Type:  events.EventEquivocationDetected,
			Round: c.Header.Round,
			Data:  map[string]any{"author": c.Header.Author},
		})
	case bfterrors.Is(err, bfterrors.KindMissingParents):
		e.logger.Debug("certificate missing parents, deferring to sync",
			zap.Uint64("round", c.Header.Round), zap.String("author", c.Header.Author))
		e.emitter.Emit(events.Event{
			Type:  events.EventMissingParents,
			Round: c.Header.Round,
			Data: map[string]any{
				"certificate_id":  c.ID(),
				"missing_parents": c.Header.PreviousCertificateIDs,
				"author":          c.Header.Author,
			},
		})
	case bfterrors.Is(err, bfterrors.KindProtocolViolation):
		e.logger.Warn("certificate failed quorum check", zap.Error(err))
	default:
		e.logger.Error("certificate insert failed", zap.Error(err))
	}
}

// tryCommit inspects the leader anchor at anchorRound, per spec §4.7's
// commit rule: triggered once round anchorRound+2 reaches quorum (the
// caller invokes this after round anchorRound+2 has just gained a
// certificate and IsRoundComplete reports quorum for it), it checks whether
// anchorRound+1 carries availability-threshold stake referencing the anchor.
func (e *Engine) tryCommit(anchorRound uint64) {
	if !IsAnchorRound(anchorRound) || e.committedAnchors[anchorRound] {
		return
	}
	anchorCommittee, err := e.lookup(anchorRound)
	if err != nil {
		e.logger.Error("commit: committee lookup failed", zap.Uint64("round", anchorRound), zap.Error(err))
		return
	}
	leader := ElectLeader(anchorCommittee, anchorRound)
	authors := e.dag.CertificatesAtRound(anchorRound)
	anchor, ok := authors[leader]
	if !ok {
		return // anchor certificate not yet observed; wait for it
	}

	referencingCommittee, err := e.lookup(anchorRound + 1)
	if err != nil {
		e.logger.Error("commit: committee lookup failed", zap.Uint64("round", anchorRound+1), zap.Error(err))
		return
	}
	nextRoundCerts := e.dag.CertificatesAtRound(anchorRound + 1)
	var referencing []string
	anchorID := anchor.ID()
	for author, cert := range nextRoundCerts {
		if e.reaches(cert, anchorID, anchorRound) {
			referencing = append(referencing, author)
		}
	}
	if !referencingCommittee.MeetsAvailability(referencing) {
		return
	}

	e.commit(anchorRound, anchor)
}

// reaches reports whether cert's causal history (walked through
// PreviousCertificateIDs) includes anchorID, directly or transitively, per
// spec §4.7. The walk never descends below floor, since an anchor can only
// be referenced from rounds at or above its own.
func (e *Engine) reaches(cert *types.BatchCertificate, anchorID [32]byte, floor uint64) bool {
	visited := map[[32]byte]bool{cert.ID(): true}
	stack := []*types.BatchCertificate{cert}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, pid := range cur.Header.PreviousCertificateIDs {
			if pid == anchorID {
				return true
			}
			if visited[pid] {
				continue
			}
			parent, ok := e.dag.GetCertificate(pid)
			if !ok || parent.Header.Round < floor {
				continue
			}
			visited[pid] = true
			stack = append(stack, parent)
		}
	}
	return false
}

// commit runs the deterministic DFS of spec §4.7 from anchor, hands the
// resulting order to the ledger collaborator, then drops the committed
// transmissions from the pool and advances GC.
func (e *Engine) commit(anchorRound uint64, anchor *types.BatchCertificate) {
	order := e.deterministicOrder(anchor)

	var certIDs [][32]byte
	var txIDs []types.TransmissionID
	seenTx := make(map[[33]byte]bool)
	for _, c := range order {
		certIDs = append(certIDs, c.ID())
		for _, tid := range c.Header.TransmissionIDs {
			k := tid.Key()
			if !seenTx[k] {
				seenTx[k] = true
				txIDs = append(txIDs, tid)
			}
		}
	}

	height := e.ledger.LatestBlockHeight() + 1
	block := ledger.Block{
		Height:          height,
		AnchorRound:     anchorRound,
		CertificateIDs:  certIDs,
		TransmissionIDs: txIDs,
	}
	if err := e.ledger.AddNextBlock(block); err != nil {
		e.logger.Error("ledger rejected committed block", zap.Uint64("height", height), zap.Error(err))
		return
	}

	e.committedAnchors[anchorRound] = true
	for _, id := range certIDs {
		e.committedCerts[id] = true
	}
	if e.pool != nil {
		e.pool.RemoveConfirmed(txIDs)
	}
	if e.cfg.MaxGCRounds > 0 && anchorRound > e.cfg.MaxGCRounds {
		e.dag.GCRound(anchorRound - e.cfg.MaxGCRounds)
	}
	if e.metrics != nil {
		e.metrics.CommittedAnchors.Inc()
		if start, ok := e.anchorStart[anchorRound]; ok {
			e.metrics.CommitLatencySeconds.Observe(time.Since(start).Seconds())
			delete(e.anchorStart, anchorRound)
		}
	}
	e.emitter.Emit(events.Event{
		Type:  events.EventLedgerCommitted,
		Round: anchorRound,
		Data:  map[string]any{"height": height, "certificates": len(certIDs), "transmissions": len(txIDs)},
	})
}

// deterministicOrder implements spec §4.7's commit DFS exactly:
//
//	order = []
//	stack = [anchor]
//	while stack not empty:
//	  c = stack.top()
//	  if all parents of c are visited or committed:
//	    emit c; pop
//	  else:
//	    push unvisited parents in ascending author-address order
func (e *Engine) deterministicOrder(anchor *types.BatchCertificate) []*types.BatchCertificate {
	pushed := map[[32]byte]bool{anchor.ID(): true}
	emitted := map[[32]byte]bool{}
	stack := []*types.BatchCertificate{anchor}
	var order []*types.BatchCertificate

	for len(stack) > 0 {
		c := stack[len(stack)-1]
		id := c.ID()
		if emitted[id] {
			stack = stack[:len(stack)-1]
			continue
		}

		parents := e.sortedParents(c)
		allReady := true
		var toPush []*types.BatchCertificate
		for _, p := range parents {
			pid := p.ID()
			if e.committedCerts[pid] || emitted[pid] {
				continue
			}
			if !pushed[pid] {
				toPush = append(toPush, p)
				pushed[pid] = true
			}
			allReady = false
		}

		if allReady {
			order = append(order, c)
			emitted[id] = true
			stack = stack[:len(stack)-1]
			continue
		}
		stack = append(stack, toPush...)
	}
	return order
}

// sortedParents resolves c's previous-certificate IDs to stored
// certificates (skipping any already GC'd below the horizon — those are
// necessarily already committed) and sorts them by author address
// ascending, per the DFS pseudocode's "push ... in ascending author-address
// order".
func (e *Engine) sortedParents(c *types.BatchCertificate) []*types.BatchCertificate {
	out := make([]*types.BatchCertificate, 0, len(c.Header.PreviousCertificateIDs))
	for _, pid := range c.Header.PreviousCertificateIDs {
		if p, ok := e.dag.GetCertificate(pid); ok {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Header.Author < out[j].Header.Author })
	return out
}

// CurrentRound returns the highest anchor round this engine has committed,
// or GenesisRound before any commit. It does not affect commit logic; RPC,
// ping and GC callers read it as the node's round.
func (e *Engine) CurrentRound() uint64 {
	r := e.cfg.GenesisRound
	for round := range e.committedAnchors {
		if round > r {
			r = round
		}
	}
	return r
}

// MarkAnchorProposed records the wall-clock start of an anchor round for
// commit-latency metrics; callers (Primary) invoke this once the anchor
// author's batch is broadcast.
func (e *Engine) MarkAnchorProposed(round uint64) {
	if IsAnchorRound(round) {
		e.anchorStart[round] = time.Now()
	}
}

// Err wraps msg as a bfterrors.KindStorageFailure, used by callers that need
// to surface an Engine-internal failure in the domain taxonomy.
func Err(msg string) error {
	return bfterrors.New(bfterrors.KindStorageFailure, fmt.Errorf("%s", msg))
}
