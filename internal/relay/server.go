package relay

import (
	"log"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"meshcall/internal/domain"
)

// ParticipantParam is the query parameter a client uses to choose its ID.
const ParticipantParam = "participant"

// Server exposes the hub over HTTP.
type Server struct {
	hub        *Hub
	iceServers []domain.ICEServer
	upgrader   websocket.Upgrader
}

// NewServer builds the HTTP surface for hub. An empty allowedOrigins, or one
// containing "*", accepts any Origin.
func NewServer(hub *Hub, iceServers []domain.ICEServer, allowedOrigins []string) *Server {
	s := &Server{
		hub:        hub,
		iceServers: iceServers,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  maxMessageSize,
		WriteBufferSize: maxMessageSize,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return s
}

// Handler returns the relay's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWs)
	mux.HandleFunc("/health", s.health)
	mux.HandleFunc("/ice-servers", s.serveICEServers)
	mux.HandleFunc("/stats", s.serveStats)
	return mux
}

func (s *Server) serveWs(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get(ParticipantParam)
	if id == "" {
		id = uuid.NewString()
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[relay] failed to upgrade connection: %v", err)
		return
	}

	client := NewClient(s.hub, conn, id)
	if !s.hub.register(client) {
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Signaling relay is healthy."))
}

func (s *Server) serveICEServers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	servers := s.iceServers
	if servers == nil {
		servers = []domain.ICEServer{}
	}
	writeJSON(w, servers)
}

func (s *Server) serveStats(w http.ResponseWriter, r *http.Request) {
	stats, ok := s.hub.Stats()
	if !ok {
		http.Error(w, "hub stopped", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, stats)
}

func writeJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = struct{}{}
	}
	if len(set) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}
