package rpc

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/tolelom/quorumnet/bft"
	"github.com/tolelom/quorumnet/ledger"
	"github.com/tolelom/quorumnet/mempool"
	"github.com/tolelom/quorumnet/storage"
)

// Handler holds the read-only collaborators exposed over RPC. Per spec.md
// §1, REST/JSON endpoints are pure read views over the ledger — no method
// here mutates DAG, pool, or ledger state.
type Handler struct {
	dag     *storage.DAG
	pool    *mempool.Shard
	ledger  ledger.Service
	engine  *bft.Engine
	lookup  storage.CommitteeLookup
}

// NewHandler creates an RPC Handler over the node's read-only collaborators.
func NewHandler(dag *storage.DAG, pool *mempool.Shard, ledgerSvc ledger.Service, engine *bft.Engine, lookup storage.CommitteeLookup) *Handler {
	return &Handler{dag: dag, pool: pool, ledger: ledgerSvc, engine: engine, lookup: lookup}
}

// Dispatch routes an RPC request to the correct method.
func (h *Handler) Dispatch(req Request) Response {
	switch req.Method {
	case "getCurrentRound":
		return okResponse(req.ID, h.engine.CurrentRound())

	case "getLatestBlockHeight":
		return okResponse(req.ID, h.ledger.LatestBlockHeight())

	case "getBlock":
		return h.getBlock(req)

	case "getCertificate":
		return h.getCertificate(req)

	case "getCertificatesAtRound":
		return h.getCertificatesAtRound(req)

	case "getCommittee":
		return h.getCommittee(req)

	case "getMempoolSize":
		return okResponse(req.ID, h.pool.Size())

	default:
		return errResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("method %q not found", req.Method))
	}
}

func (h *Handler) getBlock(req Request) Response {
	var params struct {
		Height uint64 `json:"height"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, "params: "+err.Error())
	}
	ref, ok := h.ledger.(interface {
		BlockAt(uint64) (ledger.Block, bool)
	})
	if !ok {
		return errResponse(req.ID, CodeInternalError, "ledger implementation does not support block lookup")
	}
	block, ok := ref.BlockAt(params.Height)
	if !ok {
		return errResponse(req.ID, CodeInvalidParams, fmt.Sprintf("no block at height %d", params.Height))
	}
	return okResponse(req.ID, block)
}

func (h *Handler) getCertificate(req Request) Response {
	var params struct {
		ID string `json:"id"` // hex-encoded 32-byte certificate id
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, "params: "+err.Error())
	}
	raw, err := hex.DecodeString(params.ID)
	if err != nil || len(raw) != 32 {
		return errResponse(req.ID, CodeInvalidParams, "id must be a 32-byte hex string")
	}
	var id [32]byte
	copy(id[:], raw)
	cert, ok := h.dag.GetCertificate(id)
	if !ok {
		return errResponse(req.ID, CodeInvalidParams, "certificate not found")
	}
	return okResponse(req.ID, cert)
}

func (h *Handler) getCertificatesAtRound(req Request) Response {
	var params struct {
		Round uint64 `json:"round"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, "params: "+err.Error())
	}
	certs := h.dag.CertificatesAtRound(params.Round)
	out := make(map[string]*json.RawMessage, len(certs))
	for author, c := range certs {
		b, err := json.Marshal(c)
		if err != nil {
			return errResponse(req.ID, CodeInternalError, err.Error())
		}
		raw := json.RawMessage(b)
		out[author] = &raw
	}
	return okResponse(req.ID, out)
}

func (h *Handler) getCommittee(req Request) Response {
	var params struct {
		Round uint64 `json:"round"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, "params: "+err.Error())
	}
	comm, err := h.lookup(params.Round)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	type memberView struct {
		Address       string `json:"address"`
		Stake         uint64 `json:"stake"`
		StakerAddress string `json:"staker_address"`
	}
	members := make([]memberView, 0, comm.Len())
	for _, addr := range comm.Addresses() {
		m, _ := comm.Member(addr)
		members = append(members, memberView{Address: m.Address, Stake: m.Stake, StakerAddress: m.StakerAddress})
	}
	return okResponse(req.ID, map[string]any{
		"round":                 comm.Round(),
		"total_stake":           comm.TotalStake(),
		"quorum_threshold":      comm.QuorumThreshold(),
		"availability_threshold": comm.AvailabilityThreshold(),
		"members":               members,
	})
}
