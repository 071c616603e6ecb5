package gateway

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/flynn/noise"
	lruexp "github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/tolelom/quorumnet/telemetry"
)

// Defaults per spec §4.4/§5.
const (
	DefaultMaxConnections  = 50
	DefaultMinVersion      = 1
	DefaultPingInterval    = 15 * time.Second
	DefaultIdleTimeout     = 90 * time.Second
	DefaultReadFrameDeadline = 30 * time.Second
	// RestrictedCooldown is how long a peer stays in the restricted set
	// after a protocol violation before a reconnection attempt is allowed.
	RestrictedCooldown = 5 * time.Minute
)

// Dispatcher routes a decoded frame from an established peer session into
// the component that owns that event kind (primary, bft, sync, mempool).
type Dispatcher interface {
	Dispatch(peer *Peer, f Frame)
}

// Config configures one Gateway instance.
type Config struct {
	ListenAddr          string
	MaxConnections      int
	MinVersion          uint32
	NodeType            string
	PingInterval        time.Duration
	IdleTimeout         time.Duration
	GenesisHeaderDigest [32]byte
	RestrictionsID      uint64
	RequireValidator    bool
}

func (c *Config) setDefaults() {
	if c.MaxConnections == 0 {
		c.MaxConnections = DefaultMaxConnections
	}
	if c.MinVersion == 0 {
		c.MinVersion = DefaultMinVersion
	}
	if c.PingInterval == 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
}

// Gateway owns the TCP listener, outbound dialer, and the full set of
// admitted peer sessions for one validator (spec §4.4).
type Gateway struct {
	cfg        Config
	staticKey  noise.DHKey
	identity   ValidatorIdentity
	lookup     CommitteeLookup
	dispatcher Dispatcher
	metrics    *telemetry.Metrics
	logger     *zap.Logger

	mu              sync.RWMutex
	peersByListener map[string]*Peer // admission key: remote IP
	peersByAddress  map[string]*Peer

	restricted *lruexp.LRU[string, struct{}]

	listener net.Listener
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New constructs a Gateway. identity is the local validator's signing key,
// used to answer inbound challenges when dialing out.
func New(cfg Config, staticKey noise.DHKey, identity ValidatorIdentity, lookup CommitteeLookup, dispatcher Dispatcher, metrics *telemetry.Metrics, logger *zap.Logger) *Gateway {
	cfg.setDefaults()
	return &Gateway{
		cfg:             cfg,
		staticKey:       staticKey,
		identity:        identity,
		lookup:          lookup,
		dispatcher:      dispatcher,
		metrics:         metrics,
		logger:          logger,
		peersByListener: make(map[string]*Peer),
		peersByAddress:  make(map[string]*Peer),
		restricted:      lruexp.NewLRU[string, struct{}](4096, nil, RestrictedCooldown),
		stopCh:          make(chan struct{}),
	}
}

// Listen starts the accept loop. Call once.
func (g *Gateway) Listen() error {
	ln, err := net.Listen("tcp", g.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("gateway: listen %s: %w", g.cfg.ListenAddr, err)
	}
	g.listener = ln
	go g.acceptLoop()
	return nil
}

func (g *Gateway) acceptLoop() {
	for {
		conn, err := g.listener.Accept()
		if err != nil {
			select {
			case <-g.stopCh:
				return
			default:
				g.logger.Warn("accept error", zap.Error(err))
				time.Sleep(100 * time.Millisecond)
				continue
			}
		}
		go g.handleInbound(conn)
	}
}

func remoteIP(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}

func localIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// admit applies the address-based admission-control rules of spec §4.4,
// all evaluated before the handshake completes. The version/node-type rule
// is CheckVersion, which admit does not call.
func (g *Gateway) admit(remote string) error {
	if remote == localIP(g.cfg.ListenAddr) {
		return ErrSelfConnect
	}
	g.mu.RLock()
	_, connecting := g.peersByListener[remote]
	count := len(g.peersByListener)
	g.mu.RUnlock()
	if connecting {
		return ErrAlreadyConnected
	}
	if _, cooling := g.restricted.Get(remote); cooling {
		return ErrAlreadyConnected
	}
	if count >= g.cfg.MaxConnections {
		return ErrTooManyPeers
	}
	return nil
}

func (g *Gateway) handleInbound(conn net.Conn) {
	remote := remoteIP(conn)
	if err := g.admit(remote); err != nil {
		g.logger.Debug("rejecting inbound connection", zap.String("remote", remote), zap.Error(err))
		conn.Close()
		return
	}
	g.mu.Lock()
	g.peersByListener[remote] = nil // reserve the admission slot during handshake
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		if g.peersByListener[remote] == nil {
			delete(g.peersByListener, remote)
		}
		g.mu.Unlock()
	}()

	hr, err := PerformResponderHandshake(conn, g.staticKey, g.cfg.GenesisHeaderDigest, g.cfg.RestrictionsID, g.cfg.RequireValidator, g.lookup)
	if err != nil {
		g.logger.Warn("inbound handshake failed", zap.String("remote", remote), zap.Error(err))
		g.restricted.Add(remote, struct{}{})
		conn.Close()
		return
	}
	g.adoptPeer(conn, remote, hr)
}

// Dial opens an outbound connection to listenerAddr (host:port) and runs the
// initiator side of the handshake.
func (g *Gateway) Dial(listenerAddr string) error {
	host := localIP(listenerAddr)
	if err := g.admit(host); err != nil {
		return err
	}
	conn, err := net.Dial("tcp", listenerAddr)
	if err != nil {
		return fmt.Errorf("gateway: dial %s: %w", listenerAddr, err)
	}
	g.mu.Lock()
	g.peersByListener[host] = nil
	g.mu.Unlock()

	hr, err := PerformInitiatorHandshake(conn, g.staticKey, g.identity, g.cfg.GenesisHeaderDigest, g.cfg.RestrictionsID)
	if err != nil {
		g.mu.Lock()
		delete(g.peersByListener, host)
		g.mu.Unlock()
		g.restricted.Add(host, struct{}{})
		conn.Close()
		return fmt.Errorf("gateway: handshake to %s: %w", listenerAddr, err)
	}
	// The dialer authenticates itself to the listener; the listener's own
	// validator identity, if any, is learned later via ValidatorsResponse,
	// not this one-directional handshake. hr.RemoteAddress stays "".
	g.adoptPeer(conn, host, hr)
	return nil
}

func (g *Gateway) adoptPeer(conn net.Conn, listenerKey string, hr *HandshakeResult) {
	p := newPeer(conn, listenerKey, hr, g.metrics)
	g.mu.Lock()
	g.peersByListener[listenerKey] = p
	if p.Address != "" {
		g.peersByAddress[p.Address] = p
	}
	g.mu.Unlock()
	if g.metrics != nil {
		g.metrics.ConnectedPeers.Set(float64(g.PeerCount()))
	}
	go p.DrainLoop()
	go g.livenessLoop(p)
	go g.readLoop(p)
}

func (g *Gateway) readLoop(p *Peer) {
	defer g.removePeer(p)
	for {
		f, err := p.ReadFrame(DefaultReadFrameDeadline)
		if err != nil {
			return
		}
		if f.ID == EventDisconnect {
			return
		}
		if f.ID == EventPing {
			continue // liveness only; touch() already ran in ReadFrame
		}
		if g.dispatcher != nil {
			g.dispatcher.Dispatch(p, f)
		}
	}
}

func (g *Gateway) livenessLoop(p *Peer) {
	ticker := time.NewTicker(g.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if p.Idle(g.cfg.IdleTimeout) {
				g.Disconnect(p, ReasonNoReasonGiven)
				return
			}
			pingFrame, _ := Encode(EventPing, PingPayload{})
			if err := p.Enqueue(pingFrame); err != nil {
				p.Close()
				return
			}
		case <-p.closed:
			return
		case <-g.stopCh:
			return
		}
	}
}

func (g *Gateway) removePeer(p *Peer) {
	p.Close()
	g.mu.Lock()
	if cur, ok := g.peersByListener[p.ListenerAddr]; ok && cur == p {
		delete(g.peersByListener, p.ListenerAddr)
	}
	if p.Address != "" {
		if cur, ok := g.peersByAddress[p.Address]; ok && cur == p {
			delete(g.peersByAddress, p.Address)
		}
	}
	count := len(g.peersByListener)
	g.mu.Unlock()
	if g.metrics != nil {
		g.metrics.ConnectedPeers.Set(float64(count))
	}
}

// Disconnect flushes a Disconnect frame (best-effort) and tears the peer
// down.
func (g *Gateway) Disconnect(p *Peer, reason DisconnectReason) {
	f, err := Encode(EventDisconnect, DisconnectPayload{Reason: reason})
	if err == nil {
		_ = p.Enqueue(f)
	}
	if reason == ReasonProtocolViolation || reason == ReasonInvalidChallengeResponse {
		g.restricted.Add(p.ListenerAddr, struct{}{})
	}
	g.removePeer(p)
}

// Broadcast enqueues f on every connected peer.
func (g *Gateway) Broadcast(f Frame) {
	g.mu.RLock()
	peers := make([]*Peer, 0, len(g.peersByListener))
	for _, p := range g.peersByListener {
		if p != nil {
			peers = append(peers, p)
		}
	}
	g.mu.RUnlock()
	for _, p := range peers {
		if err := p.Enqueue(f); err != nil {
			g.Disconnect(p, ReasonProtocolViolation)
		}
	}
}

// SendTo enqueues f on the peer identified by validator address, if
// connected.
func (g *Gateway) SendTo(address string, f Frame) error {
	g.mu.RLock()
	p, ok := g.peersByAddress[address]
	g.mu.RUnlock()
	if !ok {
		return fmt.Errorf("gateway: no connected peer for address %s", address)
	}
	return p.Enqueue(f)
}

// DisconnectByAddress tears down the peer identified by validator address,
// if connected. Used by primary/sync to act on a validator address without
// holding a *Peer reference themselves.
func (g *Gateway) DisconnectByAddress(address string, reason DisconnectReason) error {
	g.mu.RLock()
	p, ok := g.peersByAddress[address]
	g.mu.RUnlock()
	if !ok {
		return fmt.Errorf("gateway: no connected peer for address %s", address)
	}
	g.Disconnect(p, reason)
	return nil
}

// PeerCount returns the number of fully connected peers.
func (g *Gateway) PeerCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := 0
	for _, p := range g.peersByListener {
		if p != nil {
			n++
		}
	}
	return n
}

// Stop closes the listener and every peer connection.
func (g *Gateway) Stop() {
	g.stopOnce.Do(func() {
		close(g.stopCh)
		if g.listener != nil {
			g.listener.Close()
		}
		g.mu.Lock()
		peers := make([]*Peer, 0, len(g.peersByListener))
		for _, p := range g.peersByListener {
			if p != nil {
				peers = append(peers, p)
			}
		}
		g.mu.Unlock()
		for _, p := range peers {
			g.Disconnect(p, ReasonNoReasonGiven)
		}
	})
}

// CheckVersion reports whether a remote's advertised version and node type
// are acceptable (spec §4.4's compatibility admission rule).
func (g *Gateway) CheckVersion(version uint32, nodeType string) error {
	if version < g.cfg.MinVersion {
		return ErrIncompatiblePeer
	}
	if g.cfg.NodeType != "" && nodeType != "" && !strings.EqualFold(g.cfg.NodeType, nodeType) {
		return ErrIncompatiblePeer
	}
	return nil
}
