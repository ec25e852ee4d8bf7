// Package relayclient is the peer daemon's connection to the signaling
// relay: one WebSocket carrying HMAC-sealed envelopes in both directions.
package relayclient

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pagetrail/pagetrail-go/internal/protocol"
)

const (
	writeTimeout = 10 * time.Second
	readTimeout  = 60 * time.Second
	eventBuffer  = 64
)

// Client is one authenticated relay connection. Inbound envelopes are
// verified and decoded in the read pump and surfaced as typed events; a
// dead relay connection closes Events so callers fail instead of hanging.
type Client struct {
	conn    *websocket.Conn
	authKey []byte
	roomID  string
	peerID  string
	logger  *slog.Logger

	writeMu sync.Mutex

	events    chan protocol.RelayMessage
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the relay's signaling endpoint for roomID. The caller
// must Join before the relay will forward anything.
func Dial(ctx context.Context, relayURL, roomID string, authKey []byte, logger *slog.Logger) (*Client, error) {
	endpoint := fmt.Sprintf("%s/ws/signal/%s", relayURL, roomID)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing relay %s: %w", endpoint, err)
	}

	client := &Client{
		conn:    conn,
		authKey: authKey,
		roomID:  roomID,
		logger:  logger,
		events:  make(chan protocol.RelayMessage, eventBuffer),
		done:    make(chan struct{}),
	}

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPingHandler(func(message string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(message), time.Now().Add(writeTimeout))
		if err == websocket.ErrCloseSent {
			return nil
		}
		if e, ok := err.(net.Error); ok && e.Temporary() {
			return nil
		}
		return err
	})

	go client.readPump()
	return client, nil
}

// Join registers this peer in the room, carrying the derived auth key so
// the first join of a fresh room can register it with the relay.
func (c *Client) Join(peerID string, info protocol.DeviceInfo) error {
	c.peerID = peerID
	return c.Send(protocol.NewJoin(c.roomID, peerID, info, hex.EncodeToString(c.authKey)))
}

// Send seals msg under the room auth key and writes it to the relay.
func (c *Client) Send(msg protocol.RelayMessage) error {
	encoded, err := protocol.Seal(msg, c.authKey)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, encoded); err != nil {
		return fmt.Errorf("writing to relay: %w", err)
	}
	return nil
}

// Events delivers verified relay messages. Closed when the connection
// dies.
func (c *Client) Events() <-chan protocol.RelayMessage {
	return c.events
}

// Done is closed when the relay connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Leave tells the relay we are going, then closes the connection.
func (c *Client) Leave() error {
	if c.peerID != "" {
		if err := c.Send(protocol.NewLeave(c.peerID)); err != nil {
			c.logger.Warn("sending leave failed", "error", err)
		}
	}
	return c.Close()
}

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *Client) readPump() {
	defer func() {
		c.Close()
		close(c.events)
	}()

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("relay connection lost", "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))

		envelope, err := protocol.Open(payload)
		if err != nil {
			c.logger.Warn("malformed relay envelope", "error", err)
			continue
		}
		if !envelope.Verify(c.authKey) {
			// A relay that cannot sign under our key is not our relay.
			c.logger.Error("relay envelope failed verification, disconnecting")
			return
		}
		msg, err := protocol.DecodeRelayMessage(envelope.Data)
		if err != nil {
			c.logger.Warn("undecodable relay message", "error", err)
			continue
		}

		select {
		case c.events <- msg:
		case <-c.done:
			return
		}
	}
}
