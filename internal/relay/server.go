// Package relay implements the signaling relay: an authenticated message
// broker that forwards connection-negotiation messages between peers in a
// room without ever seeing application data. It has no authority over
// connection state machines; it is a dumb authenticated pipe plus room
// bookkeeping.
package relay

import (
	"encoding/hex"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/pagetrail/pagetrail-go/internal/protocol"
	"github.com/pagetrail/pagetrail-go/internal/redis"
)

const roomTTL = 24 * time.Hour

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// RoomMetadata is the Redis-persisted room record for the admin API.
type RoomMetadata struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	PeerCount int       `json:"peerCount"`
}

// Server owns the in-memory room table. All room state is process-local;
// Redis carries only presence and metadata for the admin API.
type Server struct {
	maxPeers int

	mu    sync.RWMutex
	rooms map[string]*Room
}

func NewServer(maxPeers int) *Server {
	return &Server{
		maxPeers: maxPeers,
		rooms:    make(map[string]*Room),
	}
}

// HandleSignaling upgrades the connection and starts the client pumps.
// The client is anonymous until its first authenticated join.
func (s *Server) HandleSignaling(c *gin.Context) {
	roomID := c.Param("roomId")
	if roomID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "roomId is required"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("Failed to upgrade connection: %v", err)
		return
	}

	client := newClient(conn, s)
	go client.writePump()
	go client.readPump()
}

// handleMessage authenticates and dispatches one inbound message. Returns
// false when the connection must be closed (invalid HMAC: no retry hint,
// no oracle for secret-guessing).
func (s *Server) handleMessage(c *Client, payload []byte) bool {
	envelope, err := protocol.Open(payload)
	if err != nil {
		// Malformed JSON gets an error reply, not a close; the client
		// may retry.
		c.reply(protocol.NewErrorReply("malformed message"), s.replyKey(c))
		return true
	}
	msg, err := protocol.DecodeRelayMessage(envelope.Data)
	if err != nil {
		c.reply(protocol.NewErrorReply("unknown message type"), s.replyKey(c))
		return true
	}

	if c.roomID == "" {
		return s.handleJoin(c, envelope, msg)
	}

	room, ok := s.room(c.roomID)
	if !ok {
		return false
	}
	if !envelope.Verify(room.authKey) {
		log.Printf("Invalid HMAC from peer %s, closing connection", c.id)
		return false
	}

	switch msg := msg.(type) {
	case *protocol.Offer:
		s.forward(c, room, protocol.TypeOffer, msg.Target, msg.Bundle, nil, "")
	case *protocol.Answer:
		s.forward(c, room, protocol.TypeAnswer, msg.Target, msg.Bundle, nil, "")
	case *protocol.ICECandidate:
		s.forward(c, room, protocol.TypeICECandidate, msg.Target, "", msg.Candidate, msg.ConnectionID)
	case *protocol.Leave:
		return false // disconnect handles removal and peer-left
	case *protocol.Join:
		c.reply(protocol.NewErrorReply("already joined"), room.authKey)
	default:
		c.reply(protocol.NewErrorReply("unexpected message type"), room.authKey)
	}
	return true
}

// handleJoin admits an anonymous client. The first join of a fresh room
// registers the room's auth key; joins to an existing room are verified
// against the already-registered key, so a device with a stale or mistyped
// secret fails loudly instead of silently joining the wrong room.
func (s *Server) handleJoin(c *Client, envelope *protocol.Envelope, msg protocol.RelayMessage) bool {
	join, ok := msg.(*protocol.Join)
	if !ok {
		c.reply(protocol.NewErrorReply("must join before signaling"), nil)
		return true
	}
	if join.RoomID == "" || join.PeerID == "" {
		c.reply(protocol.NewErrorReply("roomId and peerId are required"), nil)
		return true
	}

	s.mu.Lock()
	room, exists := s.rooms[join.RoomID]
	if !exists {
		key, err := hex.DecodeString(join.AuthKey)
		if err != nil || len(key) != 32 {
			s.mu.Unlock()
			log.Printf("Join for fresh room %s without a usable auth key", join.RoomID)
			return false
		}
		if !envelope.Verify(key) {
			s.mu.Unlock()
			return false
		}
		room = newRoom(join.RoomID, key)
		s.rooms[join.RoomID] = room
		log.Printf("Created new room: %s", join.RoomID)
		s.storeRoomMetadata(room)
	}
	s.mu.Unlock()

	if exists && !envelope.Verify(room.authKey) {
		log.Printf("Invalid HMAC on join to room %s, closing connection", join.RoomID)
		return false
	}
	if room.size() >= s.maxPeers {
		c.reply(protocol.NewErrorReply("room is full"), room.authKey)
		return true
	}

	c.id = join.PeerID
	c.roomID = join.RoomID
	c.deviceInfo = join.DeviceInfo
	room.addClient(c)

	// Presence in Redis for the admin API.
	redisClient := redis.GetClient()
	if redisClient != nil {
		ctx := redis.GetContext()
		redisClient.SAdd(ctx, "room:"+room.ID+":peers", c.id)
		redisClient.Expire(ctx, "room:"+room.ID+":peers", roomTTL)
	}

	log.Printf("Peer %s joined room %s (%d members)", c.id, room.ID, room.size())

	// The joiner gets the membership as of admission; everyone else
	// learns about the joiner.
	c.reply(protocol.NewRoomPeers(room.ID, room.members(c.id)), room.authKey)
	room.broadcast(protocol.NewPeerJoined(c.id, c.deviceInfo), c.id)
	return true
}

// forward re-signs a negotiation message and delivers it to its target
// only, never broadcast. An absent target is dropped silently: the
// sender's own negotiation timeout is the correct recovery path.
func (s *Server) forward(c *Client, room *Room, kind protocol.RelayMessageType, target, bundle string, candidate json.RawMessage, connectionID string) {
	if target == "" {
		c.reply(protocol.NewErrorReply("target peer is required"), room.authKey)
		return
	}

	var msg protocol.RelayMessage
	switch kind {
	case protocol.TypeOffer:
		msg = &protocol.Offer{Type: kind, From: c.id, Target: target, Bundle: bundle}
	case protocol.TypeAnswer:
		msg = &protocol.Answer{Type: kind, From: c.id, Target: target, Bundle: bundle}
	case protocol.TypeICECandidate:
		msg = &protocol.ICECandidate{Type: kind, From: c.id, Target: target, ConnectionID: connectionID, Candidate: candidate}
	default:
		return
	}

	if !room.sendTo(msg, target) {
		log.Printf("Target peer %s not found in room %s, dropping %s", target, room.ID, kind)
	}
}

// disconnect removes the client from its room, notifies the remaining
// members, and deletes the room if it is now empty.
func (s *Server) disconnect(c *Client) {
	if c.roomID == "" {
		return
	}
	room, ok := s.room(c.roomID)
	if !ok {
		return
	}

	empty := room.removeClient(c.id)

	redisClient := redis.GetClient()
	if redisClient != nil {
		redisClient.SRem(redis.GetContext(), "room:"+room.ID+":peers", c.id)
	}

	if empty {
		s.mu.Lock()
		if current, ok := s.rooms[room.ID]; ok && current == room {
			delete(s.rooms, room.ID)
		}
		s.mu.Unlock()
		if redisClient != nil {
			ctx := redis.GetContext()
			redisClient.Del(ctx, "room:"+room.ID)
			redisClient.Del(ctx, "room:"+room.ID+":peers")
		}
		log.Printf("Removed empty room: %s", room.ID)
	} else {
		room.broadcast(protocol.NewPeerLeft(c.id), c.id)
	}
	log.Printf("Peer %s left room %s", c.id, c.roomID)
}

func (s *Server) room(roomID string) (*Room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[roomID]
	return room, ok
}

// replyKey picks the key for a direct reply: the room key once joined,
// otherwise a zero key (the reply is best-effort; an unjoined client may
// not share any key with us yet).
func (s *Server) replyKey(c *Client) []byte {
	if c.roomID != "" {
		if room, ok := s.room(c.roomID); ok {
			return room.authKey
		}
	}
	return nil
}

func (s *Server) storeRoomMetadata(room *Room) {
	redisClient := redis.GetClient()
	if redisClient == nil {
		return
	}
	metadata := RoomMetadata{
		ID:        room.ID,
		CreatedAt: time.Now(),
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return
	}
	if err := redisClient.Set(redis.GetContext(), "room:"+room.ID, data, roomTTL).Err(); err != nil {
		log.Printf("Failed to store room metadata in Redis: %v", err)
	}
}
