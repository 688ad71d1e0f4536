package signal

import (
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"meshcall/internal/domain"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

const (
	defaultPingInterval = 30 * time.Second
	writeWait           = 5 * time.Second
)

// ErrNotConnected is returned when a message is sent before Connect.
var ErrNotConnected = errors.New("signaling connection not established")

// Client manages the WebSocket connection to the relay.
type Client struct {
	serverURL     string
	participantID string
	handler       domain.Handler
	pingInterval  time.Duration

	conn *websocket.Conn

	mu     sync.Mutex
	closed chan struct{}
	once   sync.Once
}

// NewClient creates a signaling client. serverURL is the relay's http(s) or
// ws(s) base URL; participantID may be empty to let the relay assign one.
func NewClient(serverURL, participantID string, handler domain.Handler) *Client {
	return &Client{
		serverURL:     serverURL,
		participantID: participantID,
		handler:       handler,
		pingInterval:  defaultPingInterval,
		closed:        make(chan struct{}),
	}
}

// Done is closed once the connection has ended.
func (c *Client) Done() <-chan struct{} {
	return c.closed
}

// DialURL returns the relay WebSocket URL for a base URL and participant ID.
func DialURL(serverURL, participantID string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	if !strings.HasSuffix(u.Path, "/ws") {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	}
	if participantID != "" {
		q := u.Query()
		q.Set("participant", participantID)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Connect dials the relay and starts the read loop.
func (c *Client) Connect() error {
	target, err := DialURL(c.serverURL, c.ID())
	if err != nil {
		return err
	}

	log.Printf("[signal] connecting to %s", target)

	conn, _, err := websocket.DefaultDialer.Dial(target, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop()
	go c.pingLoop()

	return nil
}

// Close shuts down the WebSocket connection.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.closed)

		c.mu.Lock()
		conn := c.conn
		if conn != nil {
			conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait),
			)
		}
		c.mu.Unlock()

		if conn != nil {
			conn.Close()
		}
	})
}

// ID returns the participant ID, as confirmed by the relay once welcomed.
func (c *Client) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.participantID
}

// JoinRoom asks the relay to add this participant to roomID.
func (c *Client) JoinRoom(roomID string) {
	c.send(domain.Message{Type: domain.EventJoinRoom, RoomID: roomID, ParticipantID: c.ID()})
}

// LeaveRoom asks the relay to remove this participant from roomID.
func (c *Client) LeaveRoom(roomID string) {
	c.send(domain.Message{Type: domain.EventLeaveRoom, RoomID: roomID, ParticipantID: c.ID()})
}

// SendSignal forwards an SDP or ICE payload to another participant.
func (c *Client) SendSignal(msg domain.SignalMessage) {
	c.send(domain.Message{Type: domain.EventSignal, Signal: &msg})
}

func (c *Client) send(msg domain.Message) {
	if err := c.sendJSON(msg); err != nil {
		log.Printf("[signal] send %s: %v", msg.Type, err)
	}
}

func (c *Client) sendJSON(msg any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	log.Printf("[signal] >>> %s", string(data))
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) readLoop() {
	defer c.Close()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
			default:
				log.Printf("[signal] read error: %v", err)
			}
			return
		}

		log.Printf("[signal] <<< %s", string(data))

		var msg domain.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("[signal] unmarshal error: %v", err)
			continue
		}

		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg domain.Message) {
	switch msg.Type {
	case domain.EventWelcome:
		log.Printf("[signal] welcome: participant=%s", msg.ParticipantID)
		c.mu.Lock()
		c.participantID = msg.ParticipantID
		c.mu.Unlock()
		c.handler.OnWelcome(msg.ParticipantID)

	case domain.EventRoomUsers:
		c.handler.OnRoomUsers(msg.RoomID, msg.Users)

	case domain.EventUserConnected:
		log.Printf("[signal] user connected: room=%s participant=%s", msg.RoomID, msg.ParticipantID)
		c.handler.OnUserConnected(msg.RoomID, msg.ParticipantID)

	case domain.EventUserDisconnected:
		log.Printf("[signal] user disconnected: room=%s participant=%s", msg.RoomID, msg.ParticipantID)
		c.handler.OnUserDisconnected(msg.RoomID, msg.ParticipantID)

	case domain.EventSignal:
		if msg.Signal == nil {
			log.Printf("[signal] signal event without body")
			return
		}
		c.handler.OnSignal(*msg.Signal)

	case domain.EventError:
		log.Printf("[signal] relay error: %s", msg.Error)
		c.handler.OnRelayError(msg.Error)

	default:
		log.Printf("[signal] unhandled event: %s", msg.Type)
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.mu.Lock()
			err := c.conn.WriteControl(
				websocket.PingMessage,
				[]byte{},
				time.Now().Add(writeWait),
			)
			c.mu.Unlock()
			if err != nil {
				select {
				case <-c.closed:
				default:
					log.Printf("[signal] ping error: %v", err)
				}
				return
			}
		}
	}
}
