// Package node wires the gateway transport to the consensus, sync and
// mempool components. Every other package depends only on a narrow
// interface (primary.Network, sync.Network, gateway.Dispatcher,
// mempool.PenaltyReporter); Node is the one place that holds concrete
// references to all of them and translates wire frames into collaborator
// calls, mirroring how the teacher's network.Node used to own the
// peer-to-component fan-out for the old PoA loop.
package node

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tolelom/quorumnet/bft"
	"github.com/tolelom/quorumnet/committee"
	"github.com/tolelom/quorumnet/gateway"
	"github.com/tolelom/quorumnet/ledger"
	"github.com/tolelom/quorumnet/mempool"
	"github.com/tolelom/quorumnet/primary"
	"github.com/tolelom/quorumnet/storage"
	syncpkg "github.com/tolelom/quorumnet/sync"
	"github.com/tolelom/quorumnet/telemetry"
	"github.com/tolelom/quorumnet/types"
)

// MaxPenaltiesBeforeDisconnect is how many misbehavior reports a peer may
// accumulate (invalid gossip, a rejected synced block, an equivocating
// propose) before the gateway drops the connection outright.
const MaxPenaltiesBeforeDisconnect = 3

// blockAtLookup is the narrow slice of ledger.Service that BlockRequest
// serving needs; implemented by ledger.Reference.
type blockAtLookup interface {
	BlockAt(height uint64) (ledger.Block, bool)
}

// Node binds one validator's gateway session to its primary, bft, sync and
// mempool engines. It implements gateway.Dispatcher, primary.Network,
// sync.Network and the Penalize contract shared by mempool.PenaltyReporter
// and sync.Penalizer.
type Node struct {
	gw      *gateway.Gateway
	dag     *storage.DAG
	pool    *mempool.Shard
	ledger  ledger.Service
	engine  *bft.Engine
	prim    *primary.Primary
	syncEng *syncpkg.Engine
	lookup  storage.CommitteeLookup
	logger  *zap.Logger
	metrics *telemetry.Metrics

	ctx context.Context

	mu        sync.Mutex
	penalties map[string]int
}

// New constructs a Node. SetGateway must be called once the Gateway itself
// has been constructed, since Gateway and Node hold circular references
// (Gateway needs a Dispatcher, Node needs a Gateway to send on).
func New(dag *storage.DAG, pool *mempool.Shard, ledgerSvc ledger.Service, engine *bft.Engine, lookup storage.CommitteeLookup, logger *zap.Logger, metrics *telemetry.Metrics) *Node {
	return &Node{
		dag:       dag,
		pool:      pool,
		ledger:    ledgerSvc,
		engine:    engine,
		lookup:    lookup,
		logger:    logger,
		metrics:   metrics,
		penalties: make(map[string]int),
	}
}

// SetGateway attaches the gateway this node sends through. Called after
// gateway.New, before Listen/Dial.
func (n *Node) SetGateway(gw *gateway.Gateway) { n.gw = gw }

// SetPrimary attaches the batch proposer, used to route inbound
// BatchPropose/BatchSignature frames.
func (n *Node) SetPrimary(p *primary.Primary) { n.prim = p }

// SetSync attaches the sync engine, used to route inbound locator, block
// and certificate-fetch frames.
func (n *Node) SetSync(s *syncpkg.Engine) { n.syncEng = s }

// Run stores ctx for use by handlers that need to submit into the bft
// engine's bounded input channel. Call once before the gateway starts
// accepting traffic.
func (n *Node) Run(ctx context.Context) {
	n.ctx = ctx
}

// Penalize implements mempool.PenaltyReporter and sync.Penalizer. After
// MaxPenaltiesBeforeDisconnect reports the peer is disconnected as a
// protocol violation, independent of whatever specific rule it broke.
func (n *Node) Penalize(peer string) {
	n.mu.Lock()
	n.penalties[peer]++
	count := n.penalties[peer]
	n.mu.Unlock()
	if n.metrics != nil {
		n.metrics.PeerPenalties.WithLabelValues(peer).Inc()
	}
	if count >= MaxPenaltiesBeforeDisconnect {
		n.logger.Warn("peer exceeded penalty threshold, disconnecting", zap.String("peer", peer), zap.Int("penalties", count))
		if n.gw != nil {
			_ = n.gw.DisconnectByAddress(peer, gateway.ReasonProtocolViolation)
		}
		n.mu.Lock()
		delete(n.penalties, peer)
		n.mu.Unlock()
	}
}

// Dispatch implements gateway.Dispatcher. EventPing and EventDisconnect
// never reach here; the gateway's readLoop handles both before calling out.
func (n *Node) Dispatch(peer *gateway.Peer, f gateway.Frame) {
	switch f.ID {
	case gateway.EventPrimaryPing:
		n.onPrimaryPing(peer, f)
	case gateway.EventBatchPropose:
		n.onBatchPropose(peer, f)
	case gateway.EventBatchSignature:
		n.onBatchSignature(peer, f)
	case gateway.EventCertificateRequest:
		n.onCertificateRequest(peer, f)
	case gateway.EventCertificateResponse:
		n.onCertificateResponse(peer, f)
	case gateway.EventTransmissionRequest:
		n.onTransmissionRequest(peer, f)
	case gateway.EventTransmissionResponse:
		n.onTransmissionResponse(peer, f)
	case gateway.EventValidatorsRequest:
		n.onValidatorsRequest(peer, f)
	case gateway.EventValidatorsResponse:
		// Informational only in the fixed-genesis-committee deployment
		// this node ships with: nothing currently recomputes committee
		// membership from a peer's claim. Kept as a case so it doesn't
		// fall into the "unexpected event" warning below.
	case gateway.EventBlockRequest:
		n.onBlockRequest(peer, f)
	case gateway.EventBlockResponse:
		n.onBlockResponse(peer, f)
	case gateway.EventUnconfirmedSolution:
		n.onUnconfirmedTransmission(peer, f, gateway.EventUnconfirmedSolution)
	case gateway.EventUnconfirmedTransaction:
		n.onUnconfirmedTransmission(peer, f, gateway.EventUnconfirmedTransaction)
	default:
		n.logger.Debug("unexpected event after handshake", zap.String("peer", peer.Address), zap.Stringer("event", f.ID))
	}
}

func (n *Node) onPrimaryPing(peer *gateway.Peer, f gateway.Frame) {
	var payload gateway.PrimaryPingPayload
	if err := gateway.Decode(f, &payload); err != nil {
		n.logger.Debug("malformed PrimaryPing", zap.Error(err))
		return
	}
	if n.syncEng != nil {
		n.syncEng.UpdateLocator(peer.Address, payload.LatestBlockHeight)
	}
}

func (n *Node) onBatchPropose(peer *gateway.Peer, f gateway.Frame) {
	var payload gateway.BatchProposePayload
	if err := gateway.Decode(f, &payload); err != nil {
		n.logger.Debug("malformed BatchPropose", zap.Error(err))
		return
	}
	if n.prim == nil {
		return
	}
	sig, err := n.prim.ConsiderSigning(payload.Header)
	switch {
	case err == nil:
		certID := payload.Header.ID()
		if sendErr := n.SendBatchSignature(payload.Header.Author, certID, sig); sendErr != nil {
			n.logger.Warn("send batch signature failed", zap.Error(sendErr))
		}
	case isDeferrable(err):
		n.recoverMissing(peer.Address, payload.Header)
	default:
		n.logger.Warn("batch propose rejected", zap.String("peer", peer.Address), zap.Error(err))
		n.Penalize(peer.Address)
	}
}

// isDeferrable reports whether err means "come back once the missing data
// arrives" rather than "this proposer broke a rule".
func isDeferrable(err error) bool {
	return err == primary.ErrMissingTransmission || err == primary.ErrMissingParent
}

// recoverMissing requests whatever ConsiderSigning found absent so a
// retried propose (the author rebroadcasts on its own timer) can succeed.
func (n *Node) recoverMissing(hint string, header types.BatchHeader) {
	for _, tid := range header.TransmissionIDs {
		if _, ok := n.pool.Fetch(tid); !ok {
			if err := n.gw.SendTo(hint, mustEncode(gateway.EventTransmissionRequest, gateway.TransmissionRequestPayload{ID: tid})); err != nil {
				n.logger.Debug("request missing transmission failed", zap.Error(err))
			}
		}
	}
	for _, pid := range header.PreviousCertificateIDs {
		if !n.dag.ContainsCertificate(pid) && n.syncEng != nil {
			n.syncEng.FetchCertificate(pid, hint)
		}
	}
}

func (n *Node) onBatchSignature(peer *gateway.Peer, f gateway.Frame) {
	var payload gateway.BatchSignaturePayload
	if err := gateway.Decode(f, &payload); err != nil {
		n.logger.Debug("malformed BatchSignature", zap.Error(err))
		return
	}
	if n.prim == nil {
		return
	}
	if err := n.prim.HandleBatchSignature(peer.Address, payload.CertificateID, payload.Signature); err != nil {
		n.logger.Warn("batch signature rejected", zap.String("peer", peer.Address), zap.Error(err))
		n.Penalize(peer.Address)
	}
}

func (n *Node) onCertificateRequest(peer *gateway.Peer, f gateway.Frame) {
	var payload gateway.CertificateRequestPayload
	if err := gateway.Decode(f, &payload); err != nil {
		n.logger.Debug("malformed CertificateRequest", zap.Error(err))
		return
	}
	if cert, ok := n.dag.GetCertificate(payload.CertificateID); ok {
		n.reply(peer.Address, gateway.EventCertificateResponse, gateway.CertificateResponsePayload{
			Certificate: cert,
			RequestedID: payload.CertificateID,
		})
		return
	}
	if round, known := n.dag.RoundOf(payload.CertificateID); known && round < n.dag.LastGCRound() {
		n.reply(peer.Address, gateway.EventCertificateResponse, gateway.CertificateResponsePayload{
			RequestedID:   payload.CertificateID,
			Refused:       true,
			RefusedReason: "round garbage collected",
		})
		return
	}
	n.reply(peer.Address, gateway.EventCertificateResponse, gateway.CertificateResponsePayload{RequestedID: payload.CertificateID})
}

func (n *Node) onCertificateResponse(peer *gateway.Peer, f gateway.Frame) {
	var payload gateway.CertificateResponsePayload
	if err := gateway.Decode(f, &payload); err != nil {
		n.logger.Debug("malformed CertificateResponse", zap.Error(err))
		return
	}
	if payload.Refused {
		if n.syncEng != nil {
			n.syncEng.HandleCertificateRefused(peer.Address, payload.RequestedID)
		}
		return
	}
	if payload.Certificate == nil {
		return
	}
	// Submitting directly covers unsolicited gossip (BroadcastCertificate);
	// forwarding to the sync engine too clears any matching fetch attempt.
	// InsertCertificate is idempotent on a duplicate id, so doing both is
	// harmless.
	if n.ctx != nil {
		if err := n.engine.Submit(n.ctx, bft.CertificateInserted{Certificate: payload.Certificate}); err != nil {
			n.logger.Debug("submit certificate from response failed", zap.Error(err))
		}
	}
	if n.syncEng != nil {
		n.syncEng.HandleCertificateResponse(peer.Address, payload.Certificate)
	}
}

func (n *Node) onTransmissionRequest(peer *gateway.Peer, f gateway.Frame) {
	var payload gateway.TransmissionRequestPayload
	if err := gateway.Decode(f, &payload); err != nil {
		n.logger.Debug("malformed TransmissionRequest", zap.Error(err))
		return
	}
	tx, _ := n.pool.Fetch(payload.ID)
	n.reply(peer.Address, gateway.EventTransmissionResponse, gateway.TransmissionResponsePayload{Transmission: tx})
}

func (n *Node) onTransmissionResponse(peer *gateway.Peer, f gateway.Frame) {
	var payload gateway.TransmissionResponsePayload
	if err := gateway.Decode(f, &payload); err != nil {
		n.logger.Debug("malformed TransmissionResponse", zap.Error(err))
		return
	}
	if payload.Transmission == nil {
		return
	}
	tx := payload.Transmission
	if _, err := n.pool.ProcessUnconfirmed(peer.Address, tx, n); err != nil {
		n.logger.Debug("fetched transmission failed verification", zap.String("peer", peer.Address), zap.Error(err))
	}
}

func (n *Node) onValidatorsRequest(peer *gateway.Peer, f gateway.Frame) {
	comm, err := n.lookup(n.engine.CurrentRound())
	if err != nil {
		n.logger.Debug("committee lookup for ValidatorsRequest failed", zap.Error(err))
		return
	}
	members := make([]committee.Member, 0, comm.Len())
	for _, addr := range comm.Addresses() {
		m, _ := comm.Member(addr)
		members = append(members, m)
	}
	n.reply(peer.Address, gateway.EventValidatorsResponse, gateway.ValidatorsResponsePayload{Members: members})
}

func (n *Node) onBlockRequest(peer *gateway.Peer, f gateway.Frame) {
	var payload gateway.BlockRequestPayload
	if err := gateway.Decode(f, &payload); err != nil {
		n.logger.Debug("malformed BlockRequest", zap.Error(err))
		return
	}
	lookup, ok := n.ledger.(blockAtLookup)
	if !ok {
		n.reply(peer.Address, gateway.EventBlockResponse, gateway.BlockResponsePayload{})
		return
	}
	limit := payload.Limit
	if limit == 0 || limit > 256 {
		limit = 256
	}
	blocks := make([][]byte, 0, limit)
	for h := payload.FromHeight; h < payload.FromHeight+uint64(limit); h++ {
		block, ok := lookup.BlockAt(h)
		if !ok {
			break
		}
		sb := n.buildSyncBlock(block)
		data, err := syncBlockJSON(sb)
		if err != nil {
			n.logger.Warn("encode sync block failed", zap.Error(err))
			break
		}
		blocks = append(blocks, data)
	}
	n.reply(peer.Address, gateway.EventBlockResponse, gateway.BlockResponsePayload{Blocks: blocks})
}

func (n *Node) buildSyncBlock(block ledger.Block) syncpkg.SyncBlock {
	var anchor *types.BatchCertificate
	if len(block.CertificateIDs) > 0 {
		anchorID := block.CertificateIDs[len(block.CertificateIDs)-1]
		anchor, _ = n.dag.GetCertificate(anchorID)
	}
	var referencing []*types.BatchCertificate
	for _, c := range n.dag.CertificatesAtRound(block.AnchorRound + 1) {
		referencing = append(referencing, c)
	}
	return syncpkg.SyncBlock{Block: block, Anchor: anchor, Referencing: referencing}
}

func (n *Node) onBlockResponse(peer *gateway.Peer, f gateway.Frame) {
	var payload gateway.BlockResponsePayload
	if err := gateway.Decode(f, &payload); err != nil {
		n.logger.Debug("malformed BlockResponse", zap.Error(err))
		return
	}
	if n.syncEng != nil {
		n.syncEng.HandleBlockResponse(peer.Address, payload.Blocks)
	}
}

func (n *Node) onUnconfirmedTransmission(peer *gateway.Peer, f gateway.Frame, id gateway.EventID) {
	var tx types.Transmission
	if id == gateway.EventUnconfirmedSolution {
		var payload gateway.UnconfirmedSolutionPayload
		if err := gateway.Decode(f, &payload); err != nil {
			n.logger.Debug("malformed UnconfirmedSolution", zap.Error(err))
			return
		}
		tx = payload.Transmission
	} else {
		var payload gateway.UnconfirmedTransactionPayload
		if err := gateway.Decode(f, &payload); err != nil {
			n.logger.Debug("malformed UnconfirmedTransaction", zap.Error(err))
			return
		}
		tx = payload.Transmission
	}
	result, err := n.pool.ProcessUnconfirmed(peer.Address, &tx, n)
	if err != nil {
		n.logger.Debug("unconfirmed transmission rejected", zap.String("peer", peer.Address), zap.Error(err))
		return
	}
	if result == mempool.Inserted && n.gw != nil {
		n.gw.Broadcast(mustEncode(id, gatewayBody(id, tx)))
	}
}

func gatewayBody(id gateway.EventID, tx types.Transmission) any {
	if id == gateway.EventUnconfirmedSolution {
		return gateway.UnconfirmedSolutionPayload{Transmission: tx}
	}
	return gateway.UnconfirmedTransactionPayload{Transmission: tx}
}

// reply encodes v under id and sends it back to address, logging (not
// disconnecting) on failure: a dropped reply just means the requester's
// retry/timeout logic runs its course.
func (n *Node) reply(address string, id gateway.EventID, v any) {
	if n.gw == nil {
		return
	}
	if err := n.gw.SendTo(address, mustEncode(id, v)); err != nil {
		n.logger.Debug("reply send failed", zap.String("peer", address), zap.Stringer("event", id), zap.Error(err))
	}
}

func mustEncode(id gateway.EventID, v any) gateway.Frame {
	f, err := gateway.Encode(id, v)
	if err != nil {
		// Only reachable if v's JSON encoding itself fails, which none of
		// the payload types above can do (no channels/funcs/cyclic refs).
		panic(fmt.Sprintf("node: encode %s: %v", id, err))
	}
	return f
}

func syncBlockJSON(sb syncpkg.SyncBlock) ([]byte, error) {
	return json.Marshal(sb)
}

// --- primary.Network ---

// BroadcastBatchPropose implements primary.Network.
func (n *Node) BroadcastBatchPropose(header types.BatchHeader) error {
	if n.gw == nil {
		return fmt.Errorf("node: gateway not attached")
	}
	n.gw.Broadcast(mustEncode(gateway.EventBatchPropose, gateway.BatchProposePayload{Header: header}))
	return nil
}

// SendBatchSignature implements primary.Network.
func (n *Node) SendBatchSignature(to string, certID [32]byte, sig []byte) error {
	if n.gw == nil {
		return fmt.Errorf("node: gateway not attached")
	}
	return n.gw.SendTo(to, mustEncode(gateway.EventBatchSignature, gateway.BatchSignaturePayload{CertificateID: certID, Signature: sig}))
}

// BroadcastCertificate implements primary.Network. There is no dedicated
// wire event for "announce a freshly assembled certificate"; it reuses
// CertificateResponse, which onCertificateResponse above treats as an
// unsolicited gossip announcement when decoded with no outstanding fetch.
func (n *Node) BroadcastCertificate(cert *types.BatchCertificate) error {
	if n.gw == nil {
		return fmt.Errorf("node: gateway not attached")
	}
	n.gw.Broadcast(mustEncode(gateway.EventCertificateResponse, gateway.CertificateResponsePayload{Certificate: cert}))
	return nil
}

// --- sync.Network ---

// RequestBlocks implements sync.Network.
func (n *Node) RequestBlocks(peer string, fromHeight uint64, limit uint32) error {
	if n.gw == nil {
		return fmt.Errorf("node: gateway not attached")
	}
	return n.gw.SendTo(peer, mustEncode(gateway.EventBlockRequest, gateway.BlockRequestPayload{FromHeight: fromHeight, Limit: limit}))
}

// RequestCertificate implements sync.Network.
func (n *Node) RequestCertificate(peer string, certID [32]byte) error {
	if n.gw == nil {
		return fmt.Errorf("node: gateway not attached")
	}
	return n.gw.SendTo(peer, mustEncode(gateway.EventCertificateRequest, gateway.CertificateRequestPayload{CertificateID: certID}))
}

// Disconnect implements sync.Network.
func (n *Node) Disconnect(peer string) error {
	if n.gw == nil {
		return fmt.Errorf("node: gateway not attached")
	}
	return n.gw.DisconnectByAddress(peer, gateway.ReasonProtocolViolation)
}


// PingLoop periodically broadcasts this node's current round and ledger
// height as a PrimaryPing, the block-locator signal the sync engine on
// every peer needs to detect it is lagging (spec §4.8).
func (n *Node) PingLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n.gw == nil {
				continue
			}
			n.gw.Broadcast(mustEncode(gateway.EventPrimaryPing, gateway.PrimaryPingPayload{
				Round:             n.engine.CurrentRound(),
				LatestBlockHeight: n.ledger.LatestBlockHeight(),
			}))
		}
	}
}

// GCLoop periodically garbage-collects DAG rounds older than maxGCRounds
// behind the current round and drops any pool entries that fall out of
// reference as a result (spec §4.7's bounded-memory requirement).
func (n *Node) GCLoop(ctx context.Context, interval time.Duration, maxGCRounds uint64) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			current := n.engine.CurrentRound()
			if current <= maxGCRounds {
				continue
			}
			freed := n.dag.GCRound(current - maxGCRounds)
			if len(freed) > 0 {
				n.pool.RemoveConfirmed(freed)
			}
		}
	}
}
