package relay

import (
	"context"
	"log"

	"meshcall/internal/domain"
	"meshcall/internal/metrics"
)

// Hub is the relay's event loop. A single goroutine (Run) owns the room
// registry and the table of live connections, so every join, leave,
// disconnect and relay is applied atomically with respect to the others.
//
// Every join sends the full roster to every member of the room: n
// sequential joins into one room cost O(n²) messages. Rooms are expected to
// stay small (full mesh), so the roster broadcast is kept for consistency.
type Hub struct {
	registry *Registry
	clients  map[string]*Client
	metrics  *metrics.Metrics

	Register   chan *Client
	Unregister chan *Client
	Inbound    chan *Envelope

	inspect chan func()
	done    chan struct{}
}

// NewHub creates a hub. m may be nil.
func NewHub(m *metrics.Metrics) *Hub {
	if m == nil {
		m = metrics.New()
	}
	return &Hub{
		registry:   NewRegistry(),
		clients:    make(map[string]*Client),
		metrics:    m,
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		Inbound:    make(chan *Envelope),
		inspect:    make(chan func()),
		done:       make(chan struct{}),
	}
}

// Run processes hub events until ctx is cancelled. On return every client
// queue is closed and all rooms are discarded.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			for _, c := range h.clients {
				h.closeClient(c)
			}
			h.clients = make(map[string]*Client)
			h.registry = NewRegistry()
			log.Printf("[relay] hub stopped")
			return

		case c := <-h.Register:
			h.handleRegister(c)

		case c := <-h.Unregister:
			h.handleUnregister(c)

		case env := <-h.Inbound:
			h.handleMessage(env.Client, env.Message)

		case fn := <-h.inspect:
			fn()
		}
	}
}

// Stats is a point-in-time view of the hub.
type Stats struct {
	Connections int                 `json:"connections"`
	Rooms       map[string][]string `json:"rooms"`
	Counters    map[string]uint64   `json:"counters"`
}

// Stats snapshots the hub state. It returns false if the hub is not running.
func (h *Hub) Stats() (Stats, bool) {
	result := make(chan Stats, 1)
	fn := func() {
		s := Stats{
			Connections: len(h.clients),
			Rooms:       make(map[string][]string),
		}
		for _, id := range h.registry.Rooms() {
			s.Rooms[id], _ = h.registry.Members(id)
		}
		result <- s
	}

	select {
	case h.inspect <- fn:
	case <-h.done:
		return Stats{}, false
	}
	s := <-result
	s.Counters = h.metrics.Snapshot()
	return s, true
}

func (h *Hub) register(c *Client) bool {
	select {
	case h.Register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) unregister(c *Client) {
	select {
	case h.Unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) dispatch(env *Envelope) bool {
	select {
	case h.Inbound <- env:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) handleRegister(c *Client) {
	if _, taken := h.clients[c.ID]; taken {
		log.Printf("[relay] refusing connection: participant %s already connected", c.ID)
		h.metrics.Inc(metrics.ConnectionsRefused)
		h.send(c, &domain.Message{Type: domain.EventError, Error: "participant id already connected"})
		h.closeClient(c)
		return
	}

	h.clients[c.ID] = c
	h.metrics.Inc(metrics.ConnectionsOpened)
	log.Printf("[relay] client registered: %s", c.ID)
	h.send(c, &domain.Message{Type: domain.EventWelcome, ParticipantID: c.ID})
}

func (h *Hub) handleUnregister(c *Client) {
	if h.clients[c.ID] != c {
		// A refused duplicate, or already gone.
		h.closeClient(c)
		return
	}
	delete(h.clients, c.ID)
	log.Printf("[relay] client unregistered: %s", c.ID)

	if dep, ok := h.registry.Disconnect(c.ID); ok {
		h.departed(dep)
	}
	h.closeClient(c)
}

func (h *Hub) handleMessage(c *Client, msg *domain.Message) {
	if h.clients[c.ID] != c {
		return
	}

	switch msg.Type {
	case domain.EventJoinRoom:
		h.join(c, msg.RoomID)

	case domain.EventLeaveRoom:
		h.leave(c, msg.RoomID)

	case domain.EventSignal:
		h.relay(msg)

	default:
		log.Printf("[relay] unknown message type %q from %s", msg.Type, c.ID)
	}
}

func (h *Hub) join(c *Client, roomID string) {
	if roomID == "" {
		h.send(c, &domain.Message{Type: domain.EventError, Error: "join-room requires roomId"})
		return
	}

	res := h.registry.Join(roomID, c.ID)
	if res.Left != nil {
		h.departed(*res.Left)
	}
	if res.Created {
		h.metrics.Inc(metrics.RoomsCreated)
		log.Printf("[relay] room created: %s", roomID)
	}
	h.metrics.Inc(metrics.Joins)
	log.Printf("[relay] %s joined %s (%d members)", c.ID, roomID, len(res.Members))

	if !res.Rejoined {
		connected := &domain.Message{Type: domain.EventUserConnected, RoomID: roomID, ParticipantID: c.ID}
		for _, id := range res.Existing {
			h.sendTo(id, connected)
		}
	}

	roster := &domain.Message{Type: domain.EventRoomUsers, RoomID: roomID, Users: res.Members}
	for _, id := range res.Members {
		h.sendTo(id, roster)
	}
}

func (h *Hub) leave(c *Client, roomID string) {
	if roomID == "" {
		roomID, _ = h.registry.RoomOf(c.ID)
	}
	dep, ok := h.registry.Leave(roomID, c.ID)
	if !ok {
		return
	}
	h.departed(dep)
}

func (h *Hub) departed(dep Departure) {
	h.metrics.Inc(metrics.Leaves)
	if dep.Destroyed {
		h.metrics.Inc(metrics.RoomsDestroyed)
		log.Printf("[relay] room deleted (empty): %s", dep.RoomID)
		return
	}

	log.Printf("[relay] %s left %s (%d members)", dep.ParticipantID, dep.RoomID, len(dep.Remaining))
	gone := &domain.Message{Type: domain.EventUserDisconnected, RoomID: dep.RoomID, ParticipantID: dep.ParticipantID}
	for _, id := range dep.Remaining {
		h.sendTo(id, gone)
	}
}

// relay forwards a signal to its recipient only. Undeliverable signals are
// dropped without telling the sender.
func (h *Hub) relay(msg *domain.Message) {
	if msg.Signal == nil {
		return
	}
	if !h.sendTo(msg.Signal.RecipientID, msg) {
		h.metrics.Inc(metrics.DropUnknownRecipient)
		log.Printf("[relay] dropping signal %s -> %s: %v", msg.Signal.SenderID, msg.Signal.RecipientID, domain.ErrUnknownRecipient)
		return
	}
	h.metrics.Inc(metrics.SignalsRelayed)
}

func (h *Hub) sendTo(id string, msg *domain.Message) bool {
	c, ok := h.clients[id]
	if !ok {
		return false
	}
	h.send(c, msg)
	return true
}

// send queues msg without blocking the loop; a client whose queue is full
// misses the message.
func (h *Hub) send(c *Client, msg *domain.Message) {
	if c.closed {
		return
	}
	select {
	case c.Send <- msg:
	default:
		h.metrics.Inc(metrics.DropSlowConsumer)
		log.Printf("[relay] send queue full for %s, dropping %s", c.ID, msg.Type)
	}
}

func (h *Hub) closeClient(c *Client) {
	if c.closed {
		return
	}
	c.closed = true
	close(c.Send)
}
