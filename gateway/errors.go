package gateway

import "errors"

var (
	// ErrInvalidChallengeResponse is returned when a handshake challenge
	// fails: bad signature, wrong nonce, mismatched genesis digest, or an
	// address outside the current committee.
	ErrInvalidChallengeResponse = errors.New("gateway: invalid challenge response")
	// ErrAlreadyConnected is returned by admission control when a listener
	// IP is already connected or mid-handshake.
	ErrAlreadyConnected = errors.New("gateway: already connected or handshaking")
	// ErrSelfConnect is returned when a remote IP matches the local IP.
	ErrSelfConnect = errors.New("gateway: refusing to connect to self")
	// ErrTooManyPeers is returned when connected-peer count is at capacity.
	ErrTooManyPeers = errors.New("gateway: max connections reached")
	// ErrIncompatiblePeer is returned when a peer's version or node type
	// fails the minimum compatibility check.
	ErrIncompatiblePeer = errors.New("gateway: incompatible peer version or node type")
)
