package gateway

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/flynn/noise"

	"github.com/tolelom/quorumnet/telemetry"
)

// PeerState is a peer session's position in its lifecycle (spec §3:
// "connecting -> handshaking -> connected -> disconnected").
type PeerState int

const (
	StateConnecting PeerState = iota
	StateHandshaking
	StateConnected
	StateDisconnected
)

func (s PeerState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// OutboundQueueDepth is the bounded MPSC depth per peer (spec §5: "every
// MPSC is bounded, typical depth 1024"). A full queue is fatal for that
// peer, not the node.
const OutboundQueueDepth = 1024

// Peer is one validator-to-validator session: an encrypted, framed duplex
// channel plus the bookkeeping the gateway needs for admission control and
// liveness.
type Peer struct {
	Address      string // claimed validator address, "" until handshake completes
	ListenerAddr string // remote IP, known before handshake
	NodeType     string
	Version      uint32

	conn net.Conn
	send *noise.CipherState
	recv *noise.CipherState

	mu       sync.Mutex
	state    PeerState
	lastSeen time.Time

	outbound  chan Frame
	closeOnce sync.Once
	closed    chan struct{}

	metrics *telemetry.Metrics
}

// newPeer wraps conn with an already-completed handshake result. metrics may
// be nil, in which case byte-count reporting on the read/write path is
// skipped.
func newPeer(conn net.Conn, listenerAddr string, hr *HandshakeResult, metrics *telemetry.Metrics) *Peer {
	return &Peer{
		Address:      hr.RemoteAddress,
		ListenerAddr: listenerAddr,
		conn:         conn,
		send:         hr.Send,
		recv:         hr.Recv,
		state:        StateConnected,
		lastSeen:     time.Now(),
		outbound:     make(chan Frame, OutboundQueueDepth),
		closed:       make(chan struct{}),
		metrics:      metrics,
	}
}

// State returns the peer's current lifecycle state.
func (p *Peer) State() PeerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Peer) setState(s PeerState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// touch updates the last-traffic timestamp used by the idle-timeout check.
func (p *Peer) touch() {
	p.mu.Lock()
	p.lastSeen = time.Now()
	p.mu.Unlock()
}

// Idle reports whether no traffic has been seen from this peer for at
// least d.
func (p *Peer) Idle(d time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Since(p.lastSeen) >= d
}

// Enqueue places f on the peer's bounded outbound queue without blocking.
// A full queue is the per-peer fatal condition described in spec §5; the
// caller (gateway) treats the returned error as "disconnect this peer".
func (p *Peer) Enqueue(f Frame) error {
	select {
	case p.outbound <- f:
		return nil
	case <-p.closed:
		return fmt.Errorf("gateway: peer %s closed", p.displayName())
	default:
		return fmt.Errorf("gateway: peer %s outbound queue full", p.displayName())
	}
}

func (p *Peer) displayName() string {
	if p.Address != "" {
		return p.Address
	}
	return p.ListenerAddr
}

// DrainLoop is the outbound task: it pulls frames off the bounded queue and
// writes them noise-encrypted to the connection until closed or a write
// fails. Run this in its own goroutine per peer (spec §5: "one task for
// outbound draining").
func (p *Peer) DrainLoop() {
	for {
		select {
		case f := <-p.outbound:
			if err := p.writeFrame(f); err != nil {
				p.Close()
				return
			}
		case <-p.closed:
			return
		}
	}
}

// writeFrame noise-encrypts f's body and writes the length-prefixed
// ciphertext to the connection.
func (p *Peer) writeFrame(f Frame) error {
	if len(f.Payload) > MaxMessageSize {
		return fmt.Errorf("gateway: frame payload exceeds max message size")
	}
	body := EncodeBody(f)
	ciphertext, err := p.send.Encrypt(nil, nil, body)
	if err != nil {
		return err
	}
	var lenPrefix [4]byte
	binary.LittleEndian.PutUint32(lenPrefix[:], uint32(len(ciphertext)))
	if _, err := p.conn.Write(lenPrefix[:]); err != nil {
		return err
	}
	n, err := p.conn.Write(ciphertext)
	if p.metrics != nil {
		p.metrics.GatewayBytesOut.Add(float64(len(lenPrefix) + n))
	}
	return err
}

// ReadFrame blocks for and decrypts the next frame from the connection,
// applying a read deadline so a stalled peer cannot block indefinitely.
func (p *Peer) ReadFrame(readTimeout time.Duration) (Frame, error) {
	_ = p.conn.SetReadDeadline(time.Now().Add(readTimeout))
	var lenPrefix [4]byte
	if _, err := io.ReadFull(p.conn, lenPrefix[:]); err != nil {
		return Frame{}, err
	}
	length := binary.LittleEndian.Uint32(lenPrefix[:])
	if length > MaxMessageSize {
		return Frame{}, fmt.Errorf("gateway: incoming frame %d exceeds max message size", length)
	}
	ciphertext := make([]byte, length)
	if _, err := io.ReadFull(p.conn, ciphertext); err != nil {
		return Frame{}, err
	}
	if p.metrics != nil {
		p.metrics.GatewayBytesIn.Add(float64(len(lenPrefix) + len(ciphertext)))
	}
	body, err := p.recv.Decrypt(nil, nil, ciphertext)
	if err != nil {
		return Frame{}, fmt.Errorf("gateway: decrypt frame: %w", err)
	}
	p.touch()
	return DecodeBody(body)
}

// Close terminates the peer session. Safe to call more than once.
func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		p.setState(StateDisconnected)
		close(p.closed)
		p.conn.Close()
	})
}
