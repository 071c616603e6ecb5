package gateway

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/flynn/noise"

	"github.com/tolelom/quorumnet/committee"
)

// cipherSuite is the fixed Noise_XX_25519_AESGCM_SHA256 suite used by every
// peer session.
func cipherSuite() noise.CipherSuite {
	return noise.NewCipherSuite(noise.DH25519, noise.CipherAESGCM, noise.HashSHA256)
}

// GenerateStaticKeypair creates the node's long-term Noise static keypair.
// This is independent of the validator's ed25519 signing key: the Noise key
// authenticates the transport channel, the ed25519 key authenticates the
// validator identity inside the ChallengeResponse payload.
func GenerateStaticKeypair() (noise.DHKey, error) {
	return noise.DH25519.GenerateKeypair(rand.Reader)
}

// ValidatorIdentity is the long-term signing identity a peer claims during
// the challenge exchange.
type ValidatorIdentity struct {
	Address string
	Private ed25519.PrivateKey
}

// CommitteeLookup resolves an address to its public key within the current
// committee, used to verify a claimed ChallengeResponse signature.
type CommitteeLookup func() (*committee.Committee, map[string]ed25519.PublicKey)

// HandshakeResult is the authenticated, encrypted session established by a
// successful Noise XX exchange plus challenge verification.
type HandshakeResult struct {
	Send          *noise.CipherState
	Recv          *noise.CipherState
	RemoteAddress string // validator address claimed and verified, "" if not a validator peer
}

func challengeDigest(nonce [32]byte, genesisDigest [32]byte, restrictionsID uint64) []byte {
	buf := make([]byte, 0, 32+32+8)
	buf = append(buf, nonce[:]...)
	buf = append(buf, genesisDigest[:]...)
	var rbuf [8]byte
	binary.LittleEndian.PutUint64(rbuf[:], restrictionsID)
	return append(buf, rbuf[:]...)
}

// frameIO reads/writes raw handshake frames (unencrypted, length-delimited,
// capped at MaxHandshakeSize) before the transport cipher exists.
func writeHandshakeFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxHandshakeSize {
		return fmt.Errorf("gateway: handshake payload exceeds max handshake size")
	}
	var lenPrefix [4]byte
	binary.LittleEndian.PutUint32(lenPrefix[:], uint32(len(payload)))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readHandshakeFrame(r io.Reader) ([]byte, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return nil, err
	}
	length := binary.LittleEndian.Uint32(lenPrefix[:])
	if length > MaxHandshakeSize {
		return nil, fmt.Errorf("gateway: handshake frame too large: %d", length)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// PerformInitiatorHandshake runs the dialer side of Noise XX. The dialer
// (initiator) proves its validator identity to the listener by answering
// the embedded ChallengeRequest with a signed ChallengeResponse. genesisDigest
// and restrictionsID are echoed back inside the signature to bind the
// session to this chain and this node's current admission policy.
func PerformInitiatorHandshake(conn net.Conn, staticKey noise.DHKey, identity ValidatorIdentity, genesisDigest [32]byte, restrictionsID uint64) (*HandshakeResult, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite(),
		Pattern:       noise.HandshakeXX,
		Initiator:     true,
		StaticKeypair: staticKey,
	})
	if err != nil {
		return nil, fmt.Errorf("gateway: init handshake state: %w", err)
	}

	// -> e
	msg1, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, err
	}
	if err := writeHandshakeFrame(conn, msg1); err != nil {
		return nil, err
	}

	// <- e, ee, s, es  (carries ChallengeRequestPayload)
	raw2, err := readHandshakeFrame(conn)
	if err != nil {
		return nil, err
	}
	challengePayload, _, _, err := hs.ReadMessage(nil, raw2)
	if err != nil {
		return nil, fmt.Errorf("gateway: %w: %v", ErrInvalidChallengeResponse, err)
	}
	var req ChallengeRequestPayload
	if err := Decode(Frame{Payload: challengePayload}, &req); err != nil {
		return nil, fmt.Errorf("gateway: decode challenge request: %w", err)
	}
	if req.GenesisHeaderDigest != genesisDigest {
		return nil, ErrInvalidChallengeResponse
	}

	sig := ed25519.Sign(identity.Private, challengeDigest(req.Nonce, req.GenesisHeaderDigest, req.RestrictionsID))
	respFrame, err := Encode(EventChallengeResponse, ChallengeResponsePayload{
		Address:   identity.Address,
		Signature: sig,
	})
	if err != nil {
		return nil, err
	}

	// -> s, se (carries ChallengeResponsePayload)
	msg3, cs1, cs2, err := hs.WriteMessage(nil, respFrame.Payload)
	if err != nil {
		return nil, err
	}
	if err := writeHandshakeFrame(conn, msg3); err != nil {
		return nil, err
	}

	return &HandshakeResult{Send: cs1, Recv: cs2, RemoteAddress: ""}, nil
}

// PerformResponderHandshake runs the listener side of Noise XX: it issues a
// ChallengeRequest and verifies the dialer's signed ChallengeResponse against
// lookup. restrictionsID identifies the local admission-control policy in
// effect, so a stale challenge from before a restriction-set change is
// rejected implicitly by signature mismatch.
func PerformResponderHandshake(conn net.Conn, staticKey noise.DHKey, genesisDigest [32]byte, restrictionsID uint64, requireValidator bool, lookup CommitteeLookup) (*HandshakeResult, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite(),
		Pattern:       noise.HandshakeXX,
		Initiator:     false,
		StaticKeypair: staticKey,
	})
	if err != nil {
		return nil, fmt.Errorf("gateway: init handshake state: %w", err)
	}

	// <- e
	raw1, err := readHandshakeFrame(conn)
	if err != nil {
		return nil, err
	}
	if _, _, _, err := hs.ReadMessage(nil, raw1); err != nil {
		return nil, fmt.Errorf("gateway: read msg1: %w", err)
	}

	var nonce [32]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, err
	}
	reqFrame, err := Encode(EventChallengeRequest, ChallengeRequestPayload{
		Nonce:               nonce,
		GenesisHeaderDigest: genesisDigest,
		RestrictionsID:      restrictionsID,
	})
	if err != nil {
		return nil, err
	}

	// -> e, ee, s, es
	msg2, _, _, err := hs.WriteMessage(nil, reqFrame.Payload)
	if err != nil {
		return nil, err
	}
	if err := writeHandshakeFrame(conn, msg2); err != nil {
		return nil, err
	}

	// <- s, se
	raw3, err := readHandshakeFrame(conn)
	if err != nil {
		return nil, err
	}
	respPayload, cs1, cs2, err := hs.ReadMessage(nil, raw3)
	if err != nil {
		return nil, fmt.Errorf("gateway: %w: %v", ErrInvalidChallengeResponse, err)
	}
	var resp ChallengeResponsePayload
	if err := Decode(Frame{Payload: respPayload}, &resp); err != nil {
		return nil, fmt.Errorf("gateway: decode challenge response: %w", err)
	}

	_, pubkeys := lookup()
	pub, ok := pubkeys[resp.Address]
	if !ok {
		if requireValidator {
			return nil, fmt.Errorf("gateway: %w: address %s not in current committee", ErrInvalidChallengeResponse, resp.Address)
		}
		return &HandshakeResult{Send: cs2, Recv: cs1, RemoteAddress: ""}, nil
	}
	if !ed25519.Verify(pub, challengeDigest(nonce, genesisDigest, restrictionsID), resp.Signature) {
		return nil, ErrInvalidChallengeResponse
	}

	return &HandshakeResult{Send: cs2, Recv: cs1, RemoteAddress: resp.Address}, nil
}
