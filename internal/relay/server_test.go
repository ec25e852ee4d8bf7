package relay

import (
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/pagetrail/pagetrail-go/internal/protocol"
)

// Tests drive handleMessage directly with sealed payloads and read replies
// off the client send buffers, so no live WebSocket or Redis is needed.

var (
	testSecret  = "room-secret"
	testRoomID  = protocol.DeriveRoomID(testSecret)
	testAuthKey = protocol.DeriveAuthKey(testSecret)
)

func seal(t *testing.T, msg protocol.RelayMessage, key []byte) []byte {
	t.Helper()
	payload, err := protocol.Seal(msg, key)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	return payload
}

// recv pops one queued reply and decodes it, verifying the seal when a key
// is given.
func recv(t *testing.T, c *Client, key []byte) protocol.RelayMessage {
	t.Helper()
	select {
	case payload := <-c.send:
		envelope, err := protocol.Open(payload)
		if err != nil {
			t.Fatalf("reply is not an envelope: %v", err)
		}
		if key != nil && !envelope.Verify(key) {
			t.Fatal("reply not sealed under the room key")
		}
		msg, err := protocol.DecodeRelayMessage(envelope.Data)
		if err != nil {
			t.Fatalf("reply does not decode: %v", err)
		}
		return msg
	default:
		t.Fatal("no reply queued")
		return nil
	}
}

func drain(c *Client) {
	for {
		select {
		case <-c.send:
		default:
			return
		}
	}
}

func join(t *testing.T, s *Server, peerID string) *Client {
	t.Helper()
	c := newClient(nil, s)
	msg := protocol.NewJoin(testRoomID, peerID, protocol.DeviceInfo{DeviceID: peerID + "-device"}, hex.EncodeToString(testAuthKey))
	if !s.handleMessage(c, seal(t, msg, testAuthKey)) {
		t.Fatalf("join for %s closed the connection", peerID)
	}
	return c
}

func TestFirstJoinCreatesRoom(t *testing.T) {
	server := NewServer(10)
	c := join(t, server, "peer-a")

	if _, ok := server.room(testRoomID); !ok {
		t.Fatal("first join did not create the room")
	}

	reply := recv(t, c, testAuthKey)
	roomPeers, ok := reply.(*protocol.RoomPeers)
	if !ok {
		t.Fatalf("first reply is %T, want RoomPeers", reply)
	}
	if len(roomPeers.Peers) != 0 {
		t.Errorf("fresh room lists %d peers, want 0", len(roomPeers.Peers))
	}
}

func TestSecondJoinSeesMemberAndNotifies(t *testing.T) {
	server := NewServer(10)
	first := join(t, server, "peer-a")
	drain(first)

	second := join(t, server, "peer-b")

	reply := recv(t, second, testAuthKey)
	roomPeers, ok := reply.(*protocol.RoomPeers)
	if !ok {
		t.Fatalf("joiner's first reply is %T, want RoomPeers", reply)
	}
	if len(roomPeers.Peers) != 1 || roomPeers.Peers[0].PeerID != "peer-a" {
		t.Errorf("joiner sees %+v, want only peer-a", roomPeers.Peers)
	}

	notice := recv(t, first, testAuthKey)
	joined, ok := notice.(*protocol.PeerJoined)
	if !ok {
		t.Fatalf("member's notice is %T, want PeerJoined", notice)
	}
	if joined.PeerID != "peer-b" {
		t.Errorf("PeerJoined names %s, want peer-b", joined.PeerID)
	}
}

func TestJoinWrongKeyClosesConnection(t *testing.T) {
	server := NewServer(10)
	join(t, server, "peer-a")

	wrongKey := protocol.DeriveAuthKey("some-other-secret")
	intruder := newClient(nil, server)
	msg := protocol.NewJoin(testRoomID, "peer-evil", protocol.DeviceInfo{}, hex.EncodeToString(wrongKey))
	if server.handleMessage(intruder, seal(t, msg, wrongKey)) {
		t.Error("join under the wrong key did not close the connection")
	}
	if room, _ := server.room(testRoomID); room.size() != 1 {
		t.Errorf("room has %d members after rejected join, want 1", room.size())
	}
}

func TestFreshRoomJoinNeedsUsableAuthKey(t *testing.T) {
	server := NewServer(10)
	c := newClient(nil, server)
	msg := protocol.NewJoin(testRoomID, "peer-a", protocol.DeviceInfo{}, "not-hex")
	if server.handleMessage(c, seal(t, msg, testAuthKey)) {
		t.Error("fresh-room join with an unusable auth key did not close the connection")
	}
	if _, ok := server.room(testRoomID); ok {
		t.Error("rejected join still created the room")
	}
}

func TestMalformedMessageGetsErrorReplyNotClose(t *testing.T) {
	server := NewServer(10)
	c := newClient(nil, server)

	if !server.handleMessage(c, []byte("not even json")) {
		t.Fatal("malformed message closed the connection")
	}
	if _, ok := recv(t, c, nil).(*protocol.ErrorReply); !ok {
		t.Error("malformed message did not get an error reply")
	}
}

func TestUnknownTypeGetsErrorReply(t *testing.T) {
	server := NewServer(10)
	c := join(t, server, "peer-a")
	drain(c)

	data := json.RawMessage(`{"type":"teleport"}`)
	envelope := protocol.Envelope{Data: data, HMAC: protocol.SignData(data, testAuthKey)}
	raw, _ := json.Marshal(envelope)

	if !server.handleMessage(c, raw) {
		t.Fatal("unknown message type closed the connection")
	}
	if _, ok := recv(t, c, testAuthKey).(*protocol.ErrorReply); !ok {
		t.Error("unknown message type did not get an error reply")
	}
}

func TestSignalingBeforeJoinRejected(t *testing.T) {
	server := NewServer(10)
	c := newClient(nil, server)

	if !server.handleMessage(c, seal(t, protocol.NewOffer("peer-b", "bundle"), testAuthKey)) {
		t.Fatal("pre-join signaling closed the connection")
	}
	if _, ok := recv(t, c, nil).(*protocol.ErrorReply); !ok {
		t.Error("pre-join signaling did not get an error reply")
	}
}

func TestOfferForwardedToTargetOnly(t *testing.T) {
	server := NewServer(10)
	a := join(t, server, "peer-a")
	b := join(t, server, "peer-b")
	c := join(t, server, "peer-c")
	drain(a)
	drain(b)
	drain(c)

	if !server.handleMessage(a, seal(t, protocol.NewOffer("peer-b", "offer-bundle"), testAuthKey)) {
		t.Fatal("offer closed the connection")
	}

	forwarded := recv(t, b, testAuthKey)
	offer, ok := forwarded.(*protocol.Offer)
	if !ok {
		t.Fatalf("target received %T, want Offer", forwarded)
	}
	if offer.From != "peer-a" {
		t.Errorf("forwarded offer From = %s, want peer-a", offer.From)
	}
	if offer.Bundle != "offer-bundle" {
		t.Errorf("forwarded offer bundle = %q", offer.Bundle)
	}

	select {
	case payload := <-c.send:
		t.Errorf("bystander received a targeted offer: %s", payload)
	default:
	}
}

func TestCandidateForwardCarriesConnectionID(t *testing.T) {
	server := NewServer(10)
	a := join(t, server, "peer-a")
	b := join(t, server, "peer-b")
	drain(a)
	drain(b)

	msg := protocol.NewICECandidate("peer-b", "conn-42", json.RawMessage(`{"candidate":"c"}`))
	if !server.handleMessage(a, seal(t, msg, testAuthKey)) {
		t.Fatal("candidate closed the connection")
	}

	forwarded := recv(t, b, testAuthKey)
	candidate, ok := forwarded.(*protocol.ICECandidate)
	if !ok {
		t.Fatalf("target received %T, want ICECandidate", forwarded)
	}
	if candidate.ConnectionID != "conn-42" || candidate.From != "peer-a" {
		t.Errorf("forwarded candidate = %+v", candidate)
	}
}

func TestForwardToAbsentTargetDroppedSilently(t *testing.T) {
	server := NewServer(10)
	a := join(t, server, "peer-a")
	drain(a)

	if !server.handleMessage(a, seal(t, protocol.NewOffer("peer-ghost", "bundle"), testAuthKey)) {
		t.Fatal("offer to an absent target closed the connection")
	}
	select {
	case payload := <-a.send:
		t.Errorf("sender got a reply for an absent target: %s", payload)
	default:
	}
}

func TestInvalidHMACAfterJoinClosesConnection(t *testing.T) {
	server := NewServer(10)
	a := join(t, server, "peer-a")
	drain(a)

	forged := seal(t, protocol.NewOffer("peer-b", "bundle"), protocol.DeriveAuthKey("guessed"))
	if server.handleMessage(a, forged) {
		t.Error("invalid HMAC did not close the connection")
	}
	select {
	case payload := <-a.send:
		t.Errorf("invalid HMAC produced a reply (oracle): %s", payload)
	default:
	}
}

func TestRoomFullRejectsJoin(t *testing.T) {
	server := NewServer(1)
	join(t, server, "peer-a")

	late := newClient(nil, server)
	msg := protocol.NewJoin(testRoomID, "peer-b", protocol.DeviceInfo{}, hex.EncodeToString(testAuthKey))
	if !server.handleMessage(late, seal(t, msg, testAuthKey)) {
		t.Fatal("full-room join closed the connection")
	}
	if _, ok := recv(t, late, testAuthKey).(*protocol.ErrorReply); !ok {
		t.Error("full-room join did not get an error reply")
	}
	if late.roomID != "" {
		t.Error("rejected client was still admitted to the room")
	}
}

func TestDoubleJoinRejected(t *testing.T) {
	server := NewServer(10)
	a := join(t, server, "peer-a")
	drain(a)

	msg := protocol.NewJoin(testRoomID, "peer-a", protocol.DeviceInfo{}, hex.EncodeToString(testAuthKey))
	if !server.handleMessage(a, seal(t, msg, testAuthKey)) {
		t.Fatal("second join closed the connection")
	}
	if _, ok := recv(t, a, testAuthKey).(*protocol.ErrorReply); !ok {
		t.Error("second join did not get an error reply")
	}
}

func TestLeaveSignalsDisconnect(t *testing.T) {
	server := NewServer(10)
	a := join(t, server, "peer-a")
	drain(a)

	if server.handleMessage(a, seal(t, protocol.NewLeave("peer-a"), testAuthKey)) {
		t.Error("leave did not signal the read pump to disconnect")
	}
}

func TestDisconnectNotifiesAndDeletesEmptyRoom(t *testing.T) {
	server := NewServer(10)
	a := join(t, server, "peer-a")
	b := join(t, server, "peer-b")
	drain(a)
	drain(b)

	server.disconnect(b)

	notice := recv(t, a, testAuthKey)
	left, ok := notice.(*protocol.PeerLeft)
	if !ok {
		t.Fatalf("remaining member got %T, want PeerLeft", notice)
	}
	if left.PeerID != "peer-b" {
		t.Errorf("PeerLeft names %s, want peer-b", left.PeerID)
	}

	server.disconnect(a)
	if _, ok := server.room(testRoomID); ok {
		t.Error("empty room was not deleted")
	}
}
