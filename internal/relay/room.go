package relay

import (
	"log"
	"sync"

	"github.com/pagetrail/pagetrail-go/internal/protocol"
)

// Room is one group of peers admitted under the same derived auth key.
// Rooms exist only in memory: a relay restart drops all membership and
// peers must rejoin.
type Room struct {
	ID string

	// authKey is the HMAC key registered by the room's first join. Every
	// envelope for this room verifies against it.
	authKey []byte

	mu    sync.RWMutex
	peers map[string]*Client
}

func newRoom(id string, authKey []byte) *Room {
	return &Room{
		ID:      id,
		authKey: authKey,
		peers:   make(map[string]*Client),
	}
}

func (r *Room) addClient(client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[client.id] = client
}

// removeClient drops the client and reports whether the room is now empty.
func (r *Room) removeClient(clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, clientID)
	return len(r.peers) == 0
}

func (r *Room) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// members lists the room membership, excluding excludeID.
func (r *Room) members(excludeID string) []protocol.PeerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := make([]protocol.PeerInfo, 0, len(r.peers))
	for peerID, client := range r.peers {
		if peerID == excludeID {
			continue
		}
		members = append(members, protocol.PeerInfo{
			PeerID:     peerID,
			DeviceInfo: client.deviceInfo,
		})
	}
	return members
}

// broadcast seals msg under the room key and queues it to every member
// except excludeID.
func (r *Room) broadcast(msg protocol.RelayMessage, excludeID string) {
	payload, err := protocol.Seal(msg, r.authKey)
	if err != nil {
		log.Printf("Failed to seal broadcast for room %s: %v", r.ID, err)
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for peerID, client := range r.peers {
		if peerID != excludeID {
			client.queue(payload)
		}
	}
}

// sendTo seals msg and queues it to a single member. Returns false if the
// target is not in the room; the caller drops the message silently, as the
// sender's own negotiation timeout is the recovery path.
func (r *Room) sendTo(msg protocol.RelayMessage, targetID string) bool {
	r.mu.RLock()
	client, exists := r.peers[targetID]
	r.mu.RUnlock()
	if !exists {
		return false
	}

	payload, err := protocol.Seal(msg, r.authKey)
	if err != nil {
		log.Printf("Failed to seal message for peer %s: %v", targetID, err)
		return false
	}
	client.queue(payload)
	return true
}
