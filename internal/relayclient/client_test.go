package relayclient

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pagetrail/pagetrail-go/internal/protocol"
	"github.com/pagetrail/pagetrail-go/internal/relay"
)

func startRelay(t *testing.T) string {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	server := relay.NewServer(10)
	router.GET("/ws/signal/:roomId", server.HandleSignaling)

	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func nextEvent(t *testing.T, c *Client) protocol.RelayMessage {
	t.Helper()
	select {
	case msg, ok := <-c.Events():
		if !ok {
			t.Fatal("event channel closed")
		}
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("no event from relay")
		return nil
	}
}

func TestJoinAndPeerDiscovery(t *testing.T) {
	relayURL := startRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	secret := "integration-secret"
	roomID := protocol.DeriveRoomID(secret)
	authKey := protocol.DeriveAuthKey(secret)
	logger := slog.Default()

	first, err := Dial(ctx, relayURL, roomID, authKey, logger)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer first.Close()
	if err := first.Join("peer-a", protocol.DeviceInfo{DeviceID: "dev-a"}); err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	msg := nextEvent(t, first)
	roomPeers, ok := msg.(*protocol.RoomPeers)
	if !ok {
		t.Fatalf("first event is %T, want RoomPeers", msg)
	}
	if len(roomPeers.Peers) != 0 {
		t.Errorf("fresh room lists %d peers", len(roomPeers.Peers))
	}

	second, err := Dial(ctx, relayURL, roomID, authKey, logger)
	if err != nil {
		t.Fatalf("second Dial failed: %v", err)
	}
	defer second.Close()
	if err := second.Join("peer-b", protocol.DeviceInfo{DeviceID: "dev-b"}); err != nil {
		t.Fatalf("second Join failed: %v", err)
	}

	msg = nextEvent(t, second)
	roomPeers, ok = msg.(*protocol.RoomPeers)
	if !ok {
		t.Fatalf("joiner's first event is %T, want RoomPeers", msg)
	}
	if len(roomPeers.Peers) != 1 || roomPeers.Peers[0].PeerID != "peer-a" {
		t.Errorf("joiner sees %+v, want only peer-a", roomPeers.Peers)
	}

	msg = nextEvent(t, first)
	joined, ok := msg.(*protocol.PeerJoined)
	if !ok {
		t.Fatalf("member's event is %T, want PeerJoined", msg)
	}
	if joined.PeerID != "peer-b" {
		t.Errorf("PeerJoined names %s", joined.PeerID)
	}
}

func TestTargetedForwardingThroughRelay(t *testing.T) {
	relayURL := startRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	secret := "integration-secret"
	roomID := protocol.DeriveRoomID(secret)
	authKey := protocol.DeriveAuthKey(secret)
	logger := slog.Default()

	first, err := Dial(ctx, relayURL, roomID, authKey, logger)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer first.Close()
	first.Join("peer-a", protocol.DeviceInfo{})
	nextEvent(t, first) // room-peers

	second, err := Dial(ctx, relayURL, roomID, authKey, logger)
	if err != nil {
		t.Fatalf("second Dial failed: %v", err)
	}
	defer second.Close()
	second.Join("peer-b", protocol.DeviceInfo{})
	nextEvent(t, second) // room-peers
	nextEvent(t, first)  // peer-joined

	if err := second.Send(protocol.NewOffer("peer-a", "offer-bundle")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	msg := nextEvent(t, first)
	offer, ok := msg.(*protocol.Offer)
	if !ok {
		t.Fatalf("received %T, want Offer", msg)
	}
	if offer.From != "peer-b" || offer.Bundle != "offer-bundle" {
		t.Errorf("forwarded offer = %+v", offer)
	}
}

func TestLeaveNotifiesRemainingPeer(t *testing.T) {
	relayURL := startRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	secret := "integration-secret"
	roomID := protocol.DeriveRoomID(secret)
	authKey := protocol.DeriveAuthKey(secret)
	logger := slog.Default()

	first, _ := Dial(ctx, relayURL, roomID, authKey, logger)
	defer first.Close()
	first.Join("peer-a", protocol.DeviceInfo{})
	nextEvent(t, first)

	second, _ := Dial(ctx, relayURL, roomID, authKey, logger)
	second.Join("peer-b", protocol.DeviceInfo{})
	nextEvent(t, second)
	nextEvent(t, first)

	if err := second.Leave(); err != nil {
		t.Fatalf("Leave failed: %v", err)
	}

	msg := nextEvent(t, first)
	left, ok := msg.(*protocol.PeerLeft)
	if !ok {
		t.Fatalf("received %T, want PeerLeft", msg)
	}
	if left.PeerID != "peer-b" {
		t.Errorf("PeerLeft names %s", left.PeerID)
	}
}
