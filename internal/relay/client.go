package relay

import (
	"log"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"meshcall/internal/domain"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. SDP with many candidates fits.
	maxMessageSize = 64 * 1024

	sendBuffer = 256
)

// Client is one websocket connection, identified by its participant ID.
type Client struct {
	ID   string
	Hub  *Hub
	Conn *websocket.Conn

	// Send is the outbound queue drained by WritePump. Only the hub closes it.
	Send chan *domain.Message

	// closed is touched only by the hub goroutine.
	closed bool
}

// NewClient wraps conn for participant id.
func NewClient(hub *Hub, conn *websocket.Conn, id string) *Client {
	return &Client{
		ID:   id,
		Hub:  hub,
		Conn: conn,
		Send: make(chan *domain.Message, sendBuffer),
	}
}

// Envelope pairs an inbound message with the connection it arrived on.
type Envelope struct {
	Client  *Client
	Message *domain.Message
}

// ReadPump pumps messages from the websocket connection to the hub.
//
// The application runs ReadPump in a per-connection goroutine. It is the only
// reader of the connection. When it returns the client is unregistered, which
// the hub treats as an implicit leave.
func (c *Client) ReadPump() {
	defer func() {
		c.Hub.unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[relay] read %s: %v", c.ID, err)
			}
			return
		}

		var msg domain.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("[relay] malformed message from %s: %v", c.ID, err)
			continue
		}

		if !c.Hub.dispatch(&Envelope{Client: c, Message: &msg}) {
			return
		}
	}
}

// WritePump pumps messages from the hub to the websocket connection and
// keeps it alive with pings. It is the only writer of the connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			data, err := json.Marshal(msg)
			if err != nil {
				log.Printf("[relay] marshal %s for %s: %v", msg.Type, c.ID, err)
				continue
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Printf("[relay] write %s: %v", c.ID, err)
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
