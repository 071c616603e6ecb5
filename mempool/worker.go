package mempool

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tolelom/quorumnet/crypto"
	"github.com/tolelom/quorumnet/telemetry"
	"github.com/tolelom/quorumnet/types"
)

// seenCapacity bounds the per-peer recently-seen ID cache (spec §4.2: "a
// bounded set of recently seen inbound/outbound IDs per peer", used to skip
// re-announcing a transmission to a peer that already has it).
const seenCapacity = 4096

// Verifier checks a transmission's well-formedness against ledger state
// before it is admitted into a worker's pool. It is the worker shard's view
// of the ledger collaborator (spec §1's LedgerService.VerifyTransmission).
type Verifier interface {
	VerifyTransmission(id types.TransmissionID, tx *types.Transmission) error
}

// PenaltyReporter records a misbehaving peer so the gateway can apply
// backoff or disconnect it (spec §4.3: "a peer that gossips an invalid
// transmission is penalized").
type PenaltyReporter interface {
	Penalize(peer string)
}

// Worker owns one shard of the transmission pool. Partitioning across
// workers lets verification and storage proceed concurrently per shard
// while each shard itself stays single-writer (spec §4.3).
type Worker struct {
	id       int
	pool     *Pool
	verifier Verifier

	mu   sync.Mutex
	seen map[string]*lru.Cache[[33]byte, struct{}]
}

// NewWorker creates a worker with id identifying its shard index.
func NewWorker(id int, verifier Verifier) *Worker {
	return &Worker{
		id:       id,
		pool:     New(),
		verifier: verifier,
		seen:     make(map[string]*lru.Cache[[33]byte, struct{}]),
	}
}

// ID returns the worker's shard index.
func (w *Worker) ID() int { return w.id }

// Pool exposes the worker's underlying pool for metrics/testing.
func (w *Worker) Pool() *Pool { return w.pool }

func (w *Worker) seenCache(peer string) *lru.Cache[[33]byte, struct{}] {
	w.mu.Lock()
	defer w.mu.Unlock()
	c, ok := w.seen[peer]
	if !ok {
		c, _ = lru.New[[33]byte, struct{}](seenCapacity)
		w.seen[peer] = c
	}
	return c
}

// MarkSeen records that peer has announced or been sent id, so future
// announcements can skip re-sending it.
func (w *Worker) MarkSeen(peer string, id types.TransmissionID) {
	w.seenCache(peer).Add(id.Key(), struct{}{})
}

// HasSeen reports whether peer is already known to have id.
func (w *Worker) HasSeen(peer string, id types.TransmissionID) bool {
	_, ok := w.seenCache(peer).Get(id.Key())
	return ok
}

// ProcessUnconfirmed verifies and admits tx from peer. A verification
// failure penalizes the reporting peer and returns the error without
// inserting the transmission.
func (w *Worker) ProcessUnconfirmed(peer string, tx *types.Transmission, penalties PenaltyReporter) (AddResult, error) {
	if err := w.verifier.VerifyTransmission(tx.ID, tx); err != nil {
		if penalties != nil {
			penalties.Penalize(peer)
		}
		return Duplicate, err
	}
	w.MarkSeen(peer, tx.ID)
	return w.pool.AddUnconfirmed(tx), nil
}

// Fetch returns the transmission for id from this worker's shard.
func (w *Worker) Fetch(id types.TransmissionID) (*types.Transmission, bool) {
	return w.pool.Get(id)
}

// Shard fans transmissions out across W workers by deterministic
// fingerprint, so every validator in the committee routes the same
// transmission to the same worker index without coordination (spec §4.3).
type Shard struct {
	workers []*Worker
	metrics *telemetry.Metrics
}

// NewShard builds a shard of w workers, each verifying admissions via the
// same Verifier (ordinarily the ledger collaborator).
func NewShard(w int, verifier Verifier) *Shard {
	if w <= 0 {
		w = 1
	}
	workers := make([]*Worker, w)
	for i := range workers {
		workers[i] = NewWorker(i, verifier)
	}
	return &Shard{workers: workers}
}

// SetMetrics attaches the process-wide metrics handle. Optional; a nil
// metrics (the default) skips the gauge update below.
func (s *Shard) SetMetrics(m *telemetry.Metrics) { s.metrics = m }

func (s *Shard) reportSize() {
	if s.metrics != nil {
		s.metrics.TransmissionPoolSize.Set(float64(s.Size()))
	}
}

// Len returns the number of workers in the shard.
func (s *Shard) Len() int { return len(s.workers) }

// Worker returns the worker at index i.
func (s *Shard) Worker(i int) *Worker { return s.workers[i%len(s.workers)] }

// WorkerFor returns the worker that owns id, per the double-SHA-256
// fingerprint partition (spec §4.3: "worker_id = fingerprint(id) mod W").
func (s *Shard) WorkerFor(id types.TransmissionID) *Worker {
	idx := crypto.WorkerFingerprint(id.ID[:], len(s.workers))
	return s.workers[idx]
}

// ProcessUnconfirmed routes tx to its owning worker for verification and
// admission.
func (s *Shard) ProcessUnconfirmed(peer string, tx *types.Transmission, penalties PenaltyReporter) (AddResult, error) {
	res, err := s.WorkerFor(tx.ID).ProcessUnconfirmed(peer, tx, penalties)
	if err == nil && res == Inserted {
		s.reportSize()
	}
	return res, err
}

// Fetch looks up id on its owning worker.
func (s *Shard) Fetch(id types.TransmissionID) (*types.Transmission, bool) {
	return s.WorkerFor(id).Fetch(id)
}

// MarkSeen records a seen-ID entry on id's owning worker.
func (s *Shard) MarkSeen(peer string, id types.TransmissionID) {
	s.WorkerFor(id).MarkSeen(peer, id)
}

// HasSeen checks the seen-ID entry on id's owning worker.
func (s *Shard) HasSeen(peer string, id types.TransmissionID) bool {
	return s.WorkerFor(id).HasSeen(peer, id)
}

// CandidateIDs gathers up to limit unconfirmed IDs across all workers,
// round-robining between shards so no single worker starves the others
// when a batch proposal is being assembled.
func (s *Shard) CandidateIDs(limit int, excluded func(types.TransmissionID) bool) []types.TransmissionID {
	out := make([]types.TransmissionID, 0, limit)
	perWorker := make([][]types.TransmissionID, len(s.workers))
	for i, w := range s.workers {
		perWorker[i] = w.pool.CandidateIDs(limit, excluded)
	}
	for idx := 0; len(out) < limit; idx++ {
		progressed := false
		for i := range perWorker {
			if idx < len(perWorker[i]) {
				out = append(out, perWorker[i][idx])
				progressed = true
				if len(out) >= limit {
					break
				}
			}
		}
		if !progressed {
			break
		}
	}
	return out
}

// RemoveConfirmed removes ids from whichever worker shard owns each one.
func (s *Shard) RemoveConfirmed(ids []types.TransmissionID) {
	byWorker := make(map[int][]types.TransmissionID)
	for _, id := range ids {
		idx := crypto.WorkerFingerprint(id.ID[:], len(s.workers))
		byWorker[idx] = append(byWorker[idx], id)
	}
	for idx, group := range byWorker {
		s.workers[idx].pool.RemoveConfirmed(group)
	}
	s.reportSize()
}

// Size returns the total number of unconfirmed transmissions across all
// workers.
func (s *Shard) Size() int {
	total := 0
	for _, w := range s.workers {
		total += w.pool.Size()
	}
	return total
}
