// Package gateway implements the validator-to-validator overlay: a
// noise-encrypted, authenticated, length-framed transport multiplexing
// consensus, sync and mempool traffic between peers.
package gateway

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/tolelom/quorumnet/committee"
	"github.com/tolelom/quorumnet/types"
)

// EventID tags the payload carried by a frame. Values are wire-stable and
// never renumbered; new event kinds are appended.
type EventID uint16

const (
	EventChallengeRequest       EventID = 0
	EventChallengeResponse      EventID = 1
	EventDisconnect             EventID = 2
	EventPing                   EventID = 3
	EventPrimaryPing            EventID = 4
	EventBatchPropose           EventID = 5
	EventBatchSignature         EventID = 6
	EventCertificateRequest     EventID = 7
	EventCertificateResponse    EventID = 8
	EventTransmissionRequest    EventID = 9
	EventTransmissionResponse   EventID = 10
	EventValidatorsRequest      EventID = 11
	EventValidatorsResponse     EventID = 12
	EventBlockRequest           EventID = 13
	EventBlockResponse          EventID = 14
	EventUnconfirmedSolution    EventID = 15
	EventUnconfirmedTransaction EventID = 16
)

func (id EventID) String() string {
	switch id {
	case EventChallengeRequest:
		return "ChallengeRequest"
	case EventChallengeResponse:
		return "ChallengeResponse"
	case EventDisconnect:
		return "Disconnect"
	case EventPing:
		return "Ping"
	case EventPrimaryPing:
		return "PrimaryPing"
	case EventBatchPropose:
		return "BatchPropose"
	case EventBatchSignature:
		return "BatchSignature"
	case EventCertificateRequest:
		return "CertificateRequest"
	case EventCertificateResponse:
		return "CertificateResponse"
	case EventTransmissionRequest:
		return "TransmissionRequest"
	case EventTransmissionResponse:
		return "TransmissionResponse"
	case EventValidatorsRequest:
		return "ValidatorsRequest"
	case EventValidatorsResponse:
		return "ValidatorsResponse"
	case EventBlockRequest:
		return "BlockRequest"
	case EventBlockResponse:
		return "BlockResponse"
	case EventUnconfirmedSolution:
		return "UnconfirmedSolution"
	case EventUnconfirmedTransaction:
		return "UnconfirmedTransaction"
	default:
		return fmt.Sprintf("unknown(%d)", uint16(id))
	}
}

// DisconnectReason is carried by a Disconnect frame. Never renumbered;
// new reasons are appended.
type DisconnectReason byte

const (
	ReasonInvalidChallengeResponse DisconnectReason = 0
	ReasonNoReasonGiven            DisconnectReason = 1
	ReasonProtocolViolation        DisconnectReason = 2
	ReasonOutdatedClientVersion    DisconnectReason = 3
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonInvalidChallengeResponse:
		return "InvalidChallengeResponse"
	case ReasonNoReasonGiven:
		return "NoReasonGiven"
	case ReasonProtocolViolation:
		return "ProtocolViolation"
	case ReasonOutdatedClientVersion:
		return "OutdatedClientVersion"
	default:
		return fmt.Sprintf("unknown(%d)", byte(r))
	}
}

// MaxMessageSize bounds any post-handshake frame.
const MaxMessageSize = 256 << 20

// MaxHandshakeSize bounds any frame exchanged during the handshake.
const MaxHandshakeSize = 1 << 20

// Frame is one length-delimited unit on the wire: a 4-byte little-endian
// length (covering event id + payload), a 2-byte little-endian event id,
// then the payload.
type Frame struct {
	ID      EventID
	Payload []byte
}

// EncodeBody packs f's event id and payload into the plaintext body that
// gets noise-encrypted (post-handshake) or sent as-is (pre-handshake, where
// Noise itself is the only framing). This is the "event id + payload" part
// of the wire layout in spec §6; the 4-byte length prefix is added by
// whichever layer owns the ciphertext (Peer.writeFrame for encrypted
// transport, WriteFrame below for the plaintext convenience path).
func EncodeBody(f Frame) []byte {
	body := make([]byte, 2+len(f.Payload))
	binary.LittleEndian.PutUint16(body[0:2], uint16(f.ID))
	copy(body[2:], f.Payload)
	return body
}

// DecodeBody parses a plaintext body produced by EncodeBody.
func DecodeBody(body []byte) (Frame, error) {
	if len(body) < 2 {
		return Frame{}, fmt.Errorf("gateway: frame body too short")
	}
	return Frame{
		ID:      EventID(binary.LittleEndian.Uint16(body[0:2])),
		Payload: body[2:],
	}, nil
}

// WriteFrame writes f to w using the wire layout in spec §6, unencrypted.
// Used directly only where no Noise session applies; normal peer traffic
// goes through Peer.writeFrame, which noise-encrypts the body first.
func WriteFrame(w io.Writer, f Frame) error {
	if len(f.Payload) > MaxMessageSize {
		return fmt.Errorf("gateway: frame payload %d exceeds max message size", len(f.Payload))
	}
	body := EncodeBody(f)
	var lenPrefix [4]byte
	binary.LittleEndian.PutUint32(lenPrefix[:], uint32(len(body)))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// ReadFrame reads one frame from r, rejecting any length above maxSize.
func ReadFrame(r io.Reader, maxSize uint32) (Frame, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return Frame{}, err
	}
	length := binary.LittleEndian.Uint32(lenPrefix[:])
	if length < 2 || length > maxSize {
		return Frame{}, fmt.Errorf("gateway: frame length %d out of bounds", length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, err
	}
	return DecodeBody(body)
}

// Below are the JSON payload shapes carried inside a Frame.Payload. The
// outer framing (length + event id) is the binary wire contract; encoding
// the payload itself as JSON keeps every event's Go type self-describing
// without a bespoke binary codec per event.

type ChallengeRequestPayload struct {
	Version             uint32   `json:"version"`
	ListenerPort         uint16   `json:"listener_port"`
	NodeType             string   `json:"node_type"`
	Nonce                [32]byte `json:"nonce"`
	GenesisHeaderDigest  [32]byte `json:"genesis_header_digest"`
	RestrictionsID       uint64   `json:"restrictions_id"`
}

type ChallengeResponsePayload struct {
	Address   string `json:"address"`
	Signature []byte `json:"signature"`
}

type DisconnectPayload struct {
	Reason DisconnectReason `json:"reason"`
}

type PingPayload struct{}

type PrimaryPingPayload struct {
	Round uint64 `json:"round"`
	// LatestBlockHeight is this peer's committed ledger height, the block
	// locator the sync engine needs to decide whether it is lagging
	// (spec §4.8). A fuller locator (ranges + hashes) isn't needed here:
	// the sync engine only ever compares heights, never hashes, before
	// falling back to per-block certificate verification.
	LatestBlockHeight uint64 `json:"latest_block_height"`
}

type BatchProposePayload struct {
	Header types.BatchHeader `json:"header"`
}

type BatchSignaturePayload struct {
	CertificateID [32]byte `json:"certificate_id"`
	Signature     []byte   `json:"signature"`
}

type CertificateRequestPayload struct {
	CertificateID [32]byte `json:"certificate_id"`
}

type CertificateResponsePayload struct {
	Certificate *types.BatchCertificate `json:"certificate"`
	// RequestedID echoes the CertificateRequest this responds to. It is
	// redundant with Certificate.ID() when Certificate is non-nil, but is
	// the only way to identify which outstanding attempt a nil-Certificate
	// answer resolves (not-found, or Refused below).
	RequestedID [32]byte `json:"requested_id,omitempty"`
	// Refused is set when the responder recognizes the id but has
	// already garbage-collected it, so the requester should stop
	// retrying instead of treating a nil Certificate as "not yet
	// available" (spec's CertificateRequest GC-horizon rule).
	Refused       bool   `json:"refused,omitempty"`
	RefusedReason string `json:"refused_reason,omitempty"`
}

type TransmissionRequestPayload struct {
	ID types.TransmissionID `json:"id"`
}

type TransmissionResponsePayload struct {
	Transmission *types.Transmission `json:"transmission"`
}

type ValidatorsRequestPayload struct{}

type ValidatorsResponsePayload struct {
	Members []committee.Member `json:"members"`
}

type BlockRequestPayload struct {
	FromHeight uint64 `json:"from_height"`
	Limit      uint32 `json:"limit"`
}

type BlockResponsePayload struct {
	Blocks [][]byte `json:"blocks"` // opaque, ledger-encoded
}

type UnconfirmedSolutionPayload struct {
	Transmission types.Transmission `json:"transmission"`
}

type UnconfirmedTransactionPayload struct {
	Transmission types.Transmission `json:"transmission"`
}

// Encode marshals v and wraps it as a Frame with the given id.
func Encode(id EventID, v any) (Frame, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Frame{}, err
	}
	return Frame{ID: id, Payload: data}, nil
}

// Decode unmarshals f.Payload into v.
func Decode(f Frame, v any) error {
	return json.Unmarshal(f.Payload, v)
}
