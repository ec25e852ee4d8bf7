// Package negotiator drives peer-to-peer data channels from intent to
// open, in either relayed or manual bundle-exchange mode. Both modes share
// the same state machine and verification rules; they differ only in how
// bundles travel.
package negotiator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/pagetrail/pagetrail-go/internal/bundle"
	"github.com/pagetrail/pagetrail-go/internal/protocol"
	"github.com/pagetrail/pagetrail-go/internal/registry"
)

// channelOpenTimeout bounds the wait for a negotiated data channel to
// reach open after the answer is applied.
const channelOpenTimeout = 30 * time.Second

// Config carries the negotiator's identity and collaborators.
type Config struct {
	LocalPeerID string
	DeviceInfo  protocol.DeviceInfo
	// Secret may be empty on a fresh device; it is then adopted from the
	// first verified offer that carries a bootstrap secret.
	Secret      string
	Registry    *registry.Registry
	STUNServers []string
	Logger      *slog.Logger
}

// OfferOptions tunes one CreateOffer call.
type OfferOptions struct {
	// IncludeSecret embeds the room secret for first-contact bootstrap.
	// Only meaningful on the very first offer of a fresh room.
	IncludeSecret bool
	// OnLateCandidate receives candidates gathered after the time-boxed
	// cutoff. Nil in manual mode (late candidates are dropped).
	OnLateCandidate func(connectionID string, candidate bundle.ICECandidate)
}

// Negotiator owns the in-flight negotiation state for one local device.
type Negotiator struct {
	localID    string
	deviceInfo protocol.DeviceInfo
	registry   *registry.Registry
	iceServers []webrtc.ICEServer
	logger     *slog.Logger

	secretMu sync.RWMutex
	secret   string

	pending *pendingTable

	// conns tracks live PeerConnections by connectionId so trickled
	// candidates can be routed and Close can tear everything down.
	connMu sync.Mutex
	conns  map[string]*webrtc.PeerConnection
}

func New(cfg Config) *Negotiator {
	servers := make([]webrtc.ICEServer, 0, len(cfg.STUNServers))
	for _, url := range cfg.STUNServers {
		if url == "" {
			continue
		}
		servers = append(servers, webrtc.ICEServer{URLs: []string{url}})
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Negotiator{
		localID:    cfg.LocalPeerID,
		deviceInfo: cfg.DeviceInfo,
		registry:   cfg.Registry,
		iceServers: servers,
		logger:     logger,
		secret:     cfg.Secret,
		pending:    newPendingTable(),
		conns:      make(map[string]*webrtc.PeerConnection),
	}
}

// Secret returns the current room secret (empty on an unbootstrapped
// device).
func (n *Negotiator) Secret() string {
	n.secretMu.RLock()
	defer n.secretMu.RUnlock()
	return n.secret
}

func (n *Negotiator) adoptSecret(secret string) {
	n.secretMu.Lock()
	defer n.secretMu.Unlock()
	if n.secret == "" {
		n.secret = secret
	}
}

// CreateOffer produces a signed offer bundle and records a
// PendingConnection awaiting the matching answer. Returns the transport
// encoding and the fresh connectionId.
func (n *Negotiator) CreateOffer(ctx context.Context, opts OfferOptions) (string, string, error) {
	pc, err := n.newPeerConnection()
	if err != nil {
		return "", "", fmt.Errorf("creating PeerConnection: %w", err)
	}

	connectionID := uuid.New().String()

	channel := newDataChannel(n.logger)
	ordered := true
	dc, err := pc.CreateDataChannel("history-sync", &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		pc.Close()
		return "", "", fmt.Errorf("creating data channel: %w", err)
	}
	channel.bind(dc)

	var onLate func(bundle.ICECandidate)
	if opts.OnLateCandidate != nil {
		callback := opts.OnLateCandidate
		onLate = func(candidate bundle.ICECandidate) {
			callback(connectionID, candidate)
		}
	}
	collector := newCandidateCollector(pc, onLate)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return "", "", fmt.Errorf("creating offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		return "", "", fmt.Errorf("setting local description: %w", err)
	}

	candidates := collector.wait(ctx)

	b := &bundle.Bundle{
		Version:       bundle.Version,
		Type:          bundle.TypeOffer,
		ConnectionID:  connectionID,
		PeerID:        n.localID,
		DeviceInfo:    n.deviceInfo,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		SDP:           pc.LocalDescription().SDP,
		ICECandidates: candidates,
	}
	if opts.IncludeSecret {
		b.SharedSecret = n.Secret()
	}

	signed, err := bundle.Sign(b, n.Secret())
	if err != nil {
		pc.Close()
		return "", "", err
	}
	encoded, err := bundle.Encode(signed)
	if err != nil {
		pc.Close()
		return "", "", err
	}

	n.pending.add(&pendingConnection{
		connectionID: connectionID,
		pc:           pc,
		channel:      channel,
		created:      time.Now(),
	})
	n.trackConn(connectionID, pc)

	n.logger.Info("offer created",
		"connectionId", connectionID,
		"candidates", len(candidates),
	)
	return encoded, connectionID, nil
}

// ProcessOffer verifies an incoming offer, produces the signed answer, and
// registers the remote peer before the answer is transmitted: the channel
// handler must already be wired when the remote's first messages arrive.
// An offer carrying a bootstrap secret is adopted when the local device has
// none yet.
func (n *Negotiator) ProcessOffer(ctx context.Context, encoded string, onLate func(connectionID string, candidate bundle.ICECandidate)) (string, *registry.Peer, error) {
	b, err := bundle.Decode(encoded)
	if err != nil {
		return "", nil, err
	}
	if b.Type != bundle.TypeOffer {
		return "", nil, fmt.Errorf("%w: expected offer, got %q", protocol.ErrMalformedBundle, b.Type)
	}

	if n.Secret() == "" && b.SharedSecret != "" {
		n.adoptSecret(b.SharedSecret)
		n.logger.Info("adopted bootstrap secret from first offer", "peer", b.PeerID)
	}
	if !bundle.Verify(b, n.Secret()) {
		return "", nil, fmt.Errorf("%w: offer from %s", protocol.ErrInvalidSignature, b.PeerID)
	}

	pc, err := n.newPeerConnection()
	if err != nil {
		return "", nil, fmt.Errorf("creating PeerConnection: %w", err)
	}

	channel := newDataChannel(n.logger)
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		channel.bind(dc)
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  b.SDP,
	}); err != nil {
		pc.Close()
		return "", nil, fmt.Errorf("setting remote description: %w", err)
	}
	for _, candidate := range b.ICECandidates {
		if err := addCandidate(pc, candidate); err != nil {
			n.logger.Warn("adding remote candidate failed", "error", err)
		}
	}

	var lateSink func(bundle.ICECandidate)
	if onLate != nil {
		connectionID := b.ConnectionID
		lateSink = func(candidate bundle.ICECandidate) {
			onLate(connectionID, candidate)
		}
	}
	collector := newCandidateCollector(pc, lateSink)

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return "", nil, fmt.Errorf("creating answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return "", nil, fmt.Errorf("setting local description: %w", err)
	}

	candidates := collector.wait(ctx)

	reply := &bundle.Bundle{
		Version:       bundle.Version,
		Type:          bundle.TypeAnswer,
		ConnectionID:  b.ConnectionID,
		PeerID:        n.localID,
		DeviceInfo:    n.deviceInfo,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		SDP:           pc.LocalDescription().SDP,
		ICECandidates: candidates,
	}
	signed, err := bundle.Sign(reply, n.Secret())
	if err != nil {
		pc.Close()
		return "", nil, err
	}
	encodedAnswer, err := bundle.Encode(signed)
	if err != nil {
		pc.Close()
		return "", nil, err
	}

	peer := registry.NewPeer(b.PeerID, b.DeviceInfo, channel, registry.StateAnswerCreated)
	n.registry.Add(peer)
	n.trackConn(b.ConnectionID, pc)
	go n.watchChannel(peer, channel, pc, b.ConnectionID)

	n.logger.Info("answer created",
		"connectionId", b.ConnectionID,
		"peer", b.PeerID,
		"candidates", len(candidates),
	)
	return encodedAnswer, peer, nil
}

// CompleteConnection consumes the answer matching an earlier offer. The
// pending record is consumed at most once; a stale, already-completed, or
// fabricated connectionId fails with ErrNoPendingConnection and the caller
// must start a fresh offer.
func (n *Negotiator) CompleteConnection(ctx context.Context, encoded string) (*registry.Peer, error) {
	b, err := bundle.Decode(encoded)
	if err != nil {
		return nil, err
	}
	if b.Type != bundle.TypeAnswer {
		return nil, fmt.Errorf("%w: expected answer, got %q", protocol.ErrMalformedBundle, b.Type)
	}
	if !bundle.Verify(b, n.Secret()) {
		return nil, fmt.Errorf("%w: answer from %s", protocol.ErrInvalidSignature, b.PeerID)
	}

	pending, ok, expired := n.pending.take(b.ConnectionID)
	if !ok {
		if expired {
			// The released negotiation must not keep routing trickled
			// candidates into a closed PeerConnection.
			n.untrackConn(b.ConnectionID)
		}
		return nil, fmt.Errorf("%w: %s", protocol.ErrNoPendingConnection, b.ConnectionID)
	}

	if err := pending.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  b.SDP,
	}); err != nil {
		pending.release()
		n.untrackConn(b.ConnectionID)
		return nil, fmt.Errorf("setting remote description: %w", err)
	}
	for _, candidate := range b.ICECandidates {
		if err := addCandidate(pending.pc, candidate); err != nil {
			n.logger.Warn("adding remote candidate failed", "error", err)
		}
	}

	select {
	case <-pending.channel.Ready():
	case <-pending.channel.Done():
		pending.release()
		n.untrackConn(b.ConnectionID)
		return nil, fmt.Errorf("%w: channel closed before opening", protocol.ErrNegotiationTimeout)
	case <-time.After(channelOpenTimeout):
		pending.release()
		n.untrackConn(b.ConnectionID)
		return nil, fmt.Errorf("%w: data channel did not open within %s", protocol.ErrNegotiationTimeout, channelOpenTimeout)
	case <-ctx.Done():
		pending.release()
		n.untrackConn(b.ConnectionID)
		return nil, ctx.Err()
	}

	peer := registry.NewPeer(b.PeerID, b.DeviceInfo, pending.channel, registry.StateAnswerReceived)
	if err := peer.Advance(registry.StateOpen); err != nil {
		return nil, err
	}
	n.registry.Add(peer)
	go n.watchChannel(peer, pending.channel, pending.pc, b.ConnectionID)

	n.logger.Info("connection completed",
		"connectionId", b.ConnectionID,
		"peer", b.PeerID,
	)
	return peer, nil
}

// AddRemoteCandidate routes a trickled candidate to the negotiation it
// belongs to, whether still pending or already registered.
func (n *Negotiator) AddRemoteCandidate(connectionID string, candidate bundle.ICECandidate) error {
	if pending, ok := n.pending.get(connectionID); ok {
		return addCandidate(pending.pc, candidate)
	}
	n.connMu.Lock()
	pc, ok := n.conns[connectionID]
	n.connMu.Unlock()
	if !ok {
		return fmt.Errorf("%w: connection %s", protocol.ErrNoPendingConnection, connectionID)
	}
	return addCandidate(pc, candidate)
}

// CleanupStale discards pending connections older than the expiry and
// releases their transport resources, candidate routing included. Returns
// how many were removed.
func (n *Negotiator) CleanupStale() int {
	swept := n.pending.sweep()
	for _, connectionID := range swept {
		n.untrackConn(connectionID)
	}
	if len(swept) > 0 {
		n.logger.Info("swept stale pending connections", "count", len(swept))
	}
	return len(swept)
}

// RunCleanup sweeps periodically until ctx is cancelled. This runs
// regardless of whether new connection attempts are happening.
func (n *Negotiator) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.CleanupStale()
		}
	}
}

// Close tears down every live and pending PeerConnection.
func (n *Negotiator) Close() {
	n.pending.sweepAll()

	n.connMu.Lock()
	conns := n.conns
	n.conns = make(map[string]*webrtc.PeerConnection)
	n.connMu.Unlock()
	for _, pc := range conns {
		pc.Close()
	}
}

// watchChannel advances the peer to open when its channel becomes ready
// and removes it from the registry when the channel dies. Close, then
// deregister, never the other way around.
func (n *Negotiator) watchChannel(peer *registry.Peer, channel *dataChannel, pc *webrtc.PeerConnection, connectionID string) {
	select {
	case <-channel.Ready():
		if err := peer.Advance(registry.StateOpen); err != nil {
			n.logger.Warn("advancing channel state failed", "peer", peer.ID, "error", err)
		}
		n.logger.Info("data channel open", "peer", peer.ID)
	case <-channel.Done():
	}

	<-channel.Done()
	n.untrackConn(connectionID)
	pc.Close()
	n.registry.Remove(peer.ID)
	n.logger.Info("data channel closed", "peer", peer.ID)
}

func (n *Negotiator) trackConn(connectionID string, pc *webrtc.PeerConnection) {
	n.connMu.Lock()
	defer n.connMu.Unlock()
	n.conns[connectionID] = pc
}

func (n *Negotiator) untrackConn(connectionID string) {
	n.connMu.Lock()
	defer n.connMu.Unlock()
	delete(n.conns, connectionID)
}

// newPeerConnection builds a pion PeerConnection with loopback candidates
// enabled so same-machine pairs (and tests) connect without STUN.
func (n *Negotiator) newPeerConnection() (*webrtc.PeerConnection, error) {
	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	return api.NewPeerConnection(webrtc.Configuration{
		ICEServers: n.iceServers,
	})
}

func addCandidate(pc *webrtc.PeerConnection, candidate bundle.ICECandidate) error {
	return pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     candidate.Candidate,
		SDPMid:        candidate.SDPMid,
		SDPMLineIndex: candidate.SDPMLineIndex,
	})
}
