package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Error taxonomy shared across the relay and the peer side.
var (
	ErrInvalidSignature    = errors.New("invalid signature")
	ErrMalformedBundle     = errors.New("malformed bundle")
	ErrMalformedMessage    = errors.New("malformed message")
	ErrNoPendingConnection = errors.New("no pending connection")
	ErrNegotiationTimeout  = errors.New("negotiation timeout")
	ErrPeerNotFound        = errors.New("peer not found")
)

// RelayMessageType discriminates relay wire messages.
type RelayMessageType string

const (
	TypeJoin         RelayMessageType = "join"
	TypeLeave        RelayMessageType = "leave"
	TypeOffer        RelayMessageType = "offer"
	TypeAnswer       RelayMessageType = "answer"
	TypeICECandidate RelayMessageType = "ice-candidate"
	TypeRoomPeers    RelayMessageType = "room-peers"
	TypePeerJoined   RelayMessageType = "peer-joined"
	TypePeerLeft     RelayMessageType = "peer-left"
	TypeError        RelayMessageType = "error"
)

// DeviceInfo identifies one device to other peers in the room.
type DeviceInfo struct {
	DeviceID    string `json:"deviceId"`
	Platform    string `json:"platform"`
	DisplayName string `json:"displayName"`
}

// RelayMessage is the closed set of messages carried inside relay
// envelopes. Decode once at the boundary, then switch exhaustively on the
// concrete type.
type RelayMessage interface {
	relayType() RelayMessageType
}

// Join registers a peer in a room. AuthKey (hex) bootstraps the room's
// envelope key on the first join of a fresh room; for an existing room the
// relay ignores it and verifies against the registered key.
type Join struct {
	Type       RelayMessageType `json:"type"`
	RoomID     string           `json:"roomId"`
	PeerID     string           `json:"peerId"`
	DeviceInfo DeviceInfo       `json:"deviceInfo"`
	AuthKey    string           `json:"authKey,omitempty"`
}

// Leave removes a peer from its room.
type Leave struct {
	Type   RelayMessageType `json:"type"`
	PeerID string           `json:"peerId"`
}

// Offer carries an encoded connection bundle to one peer in the room.
type Offer struct {
	Type   RelayMessageType `json:"type"`
	From   string           `json:"from,omitempty"`
	Target string           `json:"target"`
	Bundle string           `json:"bundle"`
}

// Answer carries an encoded answer bundle back to the offering peer.
type Answer struct {
	Type   RelayMessageType `json:"type"`
	From   string           `json:"from,omitempty"`
	Target string           `json:"target"`
	Bundle string           `json:"bundle"`
}

// ICECandidate forwards a trickled candidate gathered after the offer or
// answer bundle was already sent.
type ICECandidate struct {
	Type         RelayMessageType `json:"type"`
	From         string           `json:"from,omitempty"`
	Target       string           `json:"target"`
	ConnectionID string           `json:"connectionId"`
	Candidate    json.RawMessage  `json:"candidate"`
}

// PeerInfo is one entry of a room membership listing.
type PeerInfo struct {
	PeerID     string     `json:"peerId"`
	DeviceInfo DeviceInfo `json:"deviceInfo"`
}

// RoomPeers is the relay's reply to a join: the membership as of admission,
// excluding the joiner itself.
type RoomPeers struct {
	Type   RelayMessageType `json:"type"`
	RoomID string           `json:"roomId"`
	Peers  []PeerInfo       `json:"peers"`
}

// PeerJoined notifies existing members that a new peer was admitted.
type PeerJoined struct {
	Type       RelayMessageType `json:"type"`
	PeerID     string           `json:"peerId"`
	DeviceInfo DeviceInfo       `json:"deviceInfo"`
}

// PeerLeft notifies remaining members that a peer left or disconnected.
type PeerLeft struct {
	Type   RelayMessageType `json:"type"`
	PeerID string           `json:"peerId"`
}

// ErrorReply is sent for malformed but authenticated messages. The
// connection stays open; the client may retry.
type ErrorReply struct {
	Type    RelayMessageType `json:"type"`
	Message string           `json:"error"`
}

func (*Join) relayType() RelayMessageType         { return TypeJoin }
func (*Leave) relayType() RelayMessageType        { return TypeLeave }
func (*Offer) relayType() RelayMessageType        { return TypeOffer }
func (*Answer) relayType() RelayMessageType       { return TypeAnswer }
func (*ICECandidate) relayType() RelayMessageType { return TypeICECandidate }
func (*RoomPeers) relayType() RelayMessageType    { return TypeRoomPeers }
func (*PeerJoined) relayType() RelayMessageType   { return TypePeerJoined }
func (*PeerLeft) relayType() RelayMessageType     { return TypePeerLeft }
func (*ErrorReply) relayType() RelayMessageType   { return TypeError }

// NewJoin and friends set the Type tag so callers never forget it.
func NewJoin(roomID, peerID string, info DeviceInfo, authKey string) *Join {
	return &Join{Type: TypeJoin, RoomID: roomID, PeerID: peerID, DeviceInfo: info, AuthKey: authKey}
}

func NewLeave(peerID string) *Leave {
	return &Leave{Type: TypeLeave, PeerID: peerID}
}

func NewOffer(target, bundle string) *Offer {
	return &Offer{Type: TypeOffer, Target: target, Bundle: bundle}
}

func NewAnswer(target, bundle string) *Answer {
	return &Answer{Type: TypeAnswer, Target: target, Bundle: bundle}
}

func NewICECandidate(target, connectionID string, candidate json.RawMessage) *ICECandidate {
	return &ICECandidate{Type: TypeICECandidate, Target: target, ConnectionID: connectionID, Candidate: candidate}
}

func NewRoomPeers(roomID string, peers []PeerInfo) *RoomPeers {
	return &RoomPeers{Type: TypeRoomPeers, RoomID: roomID, Peers: peers}
}

func NewPeerJoined(peerID string, info DeviceInfo) *PeerJoined {
	return &PeerJoined{Type: TypePeerJoined, PeerID: peerID, DeviceInfo: info}
}

func NewPeerLeft(peerID string) *PeerLeft {
	return &PeerLeft{Type: TypePeerLeft, PeerID: peerID}
}

func NewErrorReply(message string) *ErrorReply {
	return &ErrorReply{Type: TypeError, Message: message}
}

// DecodeRelayMessage parses envelope data into its concrete variant.
func DecodeRelayMessage(data []byte) (RelayMessage, error) {
	var header struct {
		Type RelayMessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	var msg RelayMessage
	switch header.Type {
	case TypeJoin:
		msg = &Join{}
	case TypeLeave:
		msg = &Leave{}
	case TypeOffer:
		msg = &Offer{}
	case TypeAnswer:
		msg = &Answer{}
	case TypeICECandidate:
		msg = &ICECandidate{}
	case TypeRoomPeers:
		msg = &RoomPeers{}
	case TypePeerJoined:
		msg = &PeerJoined{}
	case TypePeerLeft:
		msg = &PeerLeft{}
	case TypeError:
		msg = &ErrorReply{}
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, header.Type)
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return msg, nil
}
