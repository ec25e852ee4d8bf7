package relay

import (
	"log"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pagetrail/pagetrail-go/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

// Client is one WebSocket connection to the relay. It is anonymous until
// its first authenticated join; after that it belongs to exactly one room.
type Client struct {
	id         string
	roomID     string
	deviceInfo protocol.DeviceInfo
	conn       *websocket.Conn
	send       chan []byte
	server     *Server
}

func newClient(conn *websocket.Conn, server *Server) *Client {
	return &Client{
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		server: server,
	}
}

// queue enqueues a pre-sealed payload, dropping it if the client's buffer
// is full.
func (c *Client) queue(payload []byte) {
	select {
	case c.send <- payload:
	default:
		log.Printf("Send buffer full for peer %s, dropping message", c.id)
	}
}

// reply seals msg under key and queues it. Used for direct replies
// (room-peers, error) outside of room broadcast paths.
func (c *Client) reply(msg protocol.RelayMessage, key []byte) {
	payload, err := protocol.Seal(msg, key)
	if err != nil {
		log.Printf("Failed to seal reply for peer %s: %v", c.id, err)
		return
	}
	c.queue(payload)
}

func (c *Client) readPump() {
	defer func() {
		c.server.disconnect(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			return
		}
		if !c.server.handleMessage(c, payload) {
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				log.Printf("Failed to write message: %v", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
