// Package registry tracks the peers currently connected to this device.
// All room/peer bookkeeping is serialized behind one mutex so a join/leave
// sequence appears atomic to observers.
package registry

import (
	"fmt"
	"log"
	"sync"

	"github.com/pagetrail/pagetrail-go/internal/protocol"
)

// ChannelState is the per-channel negotiation state. States only move
// forward; a closed channel is never resurrected under the same peer
// record.
type ChannelState int

const (
	StateIdle ChannelState = iota
	StateOfferCreated
	StateAwaitingAnswer
	StateOfferReceived
	StateAnswerCreated
	StateAnswerReceived
	StateOpen
	StateClosed
	StateFailed
)

func (s ChannelState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOfferCreated:
		return "offer-created"
	case StateAwaitingAnswer:
		return "awaiting-answer"
	case StateOfferReceived:
		return "offer-received"
	case StateAnswerCreated:
		return "answer-created"
	case StateAnswerReceived:
		return "answer-received"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Channel is an open, ordered, reliable bidirectional message channel to
// one remote peer. Implemented by the negotiator's data-channel wrapper;
// tests substitute in-memory pairs.
type Channel interface {
	Send(payload []byte) error
	Messages() <-chan []byte
	// Ready is closed once the channel can carry messages. A peer may be
	// registered before its channel finishes opening (the answering side
	// must be wired up before the remote's first message can arrive).
	Ready() <-chan struct{}
	Done() <-chan struct{}
	Close() error
}

// Peer is one connected remote device.
type Peer struct {
	ID         string
	DeviceInfo protocol.DeviceInfo
	Channel    Channel

	mu    sync.Mutex
	state ChannelState
}

func NewPeer(id string, info protocol.DeviceInfo, channel Channel, state ChannelState) *Peer {
	return &Peer{ID: id, DeviceInfo: info, Channel: channel, state: state}
}

func (p *Peer) State() ChannelState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Advance moves the channel state forward. Backward transitions are
// rejected, which is what enforces "no resurrection of a closed channel".
func (p *Peer) Advance(next ChannelState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if next < p.state {
		return fmt.Errorf("channel state cannot move from %s back to %s", p.state, next)
	}
	p.state = next
	return nil
}

// SetDeviceInfo records the remote device identity learned from its
// device_info message.
func (p *Peer) SetDeviceInfo(info protocol.DeviceInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.DeviceInfo = info
}

// Registry owns the peer map for a single local device.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]*Peer

	// onAdd runs outside the lock for every registered peer. The sync
	// engine hooks this to attach its per-peer loop.
	onAdd func(*Peer)
}

func New() *Registry {
	return &Registry{peers: make(map[string]*Peer)}
}

// OnAdd installs the hook invoked for each newly registered peer. Must be
// set before peers are added.
func (r *Registry) OnAdd(hook func(*Peer)) {
	r.onAdd = hook
}

// Add registers a peer. Registering a second peer under the same ID
// replaces the old record after closing its channel.
func (r *Registry) Add(peer *Peer) {
	r.mu.Lock()
	previous := r.peers[peer.ID]
	r.peers[peer.ID] = peer
	r.mu.Unlock()

	if previous != nil && previous.Channel != nil {
		previous.Channel.Close()
	}
	if r.onAdd != nil {
		r.onAdd(peer)
	}
}

// Remove disconnects a peer: the channel is closed first, then the record
// is dropped, so an interrupted cleanup fails toward "peer appears gone"
// rather than a registry entry pointing at a dead channel.
func (r *Registry) Remove(peerID string) {
	r.mu.Lock()
	peer, ok := r.peers[peerID]
	r.mu.Unlock()
	if !ok {
		return
	}

	if peer.Channel != nil {
		peer.Channel.Close()
	}
	if err := peer.Advance(StateClosed); err != nil {
		log.Printf("peer %s: %v", peerID, err)
	}

	r.mu.Lock()
	if current, ok := r.peers[peerID]; ok && current == peer {
		delete(r.peers, peerID)
	}
	r.mu.Unlock()
}

func (r *Registry) Get(peerID string) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	peer, ok := r.peers[peerID]
	return peer, ok
}

// List returns a snapshot of the connected peers.
func (r *Registry) List() []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	peers := make([]*Peer, 0, len(r.peers))
	for _, peer := range r.peers {
		peers = append(peers, peer)
	}
	return peers
}

// Broadcast sends payload to every deliverable peer except excludePeerID.
// Send failures are logged and skipped; one dead peer must not block the
// rest.
func (r *Registry) Broadcast(payload []byte, excludePeerID string) {
	for _, peer := range r.List() {
		if peer.ID == excludePeerID || !peer.deliverable() {
			continue
		}
		if err := peer.Channel.Send(payload); err != nil {
			log.Printf("broadcast to peer %s failed: %v", peer.ID, err)
		}
	}
}

// deliverable reports whether a broadcast can reach the peer right now.
// Channel readiness is the deciding signal, not the recorded state: a peer
// registered by the answering side sits in answer-created until its watcher
// observes the open, and a broadcast in that window must not skip it.
func (p *Peer) deliverable() bool {
	if p.Channel == nil {
		return false
	}
	if state := p.State(); state == StateClosed || state == StateFailed {
		return false
	}
	select {
	case <-p.Channel.Ready():
		return true
	default:
		return false
	}
}
