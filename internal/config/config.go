package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"meshcall/internal/domain"
)

const (
	envAddr               = "MESHCALL_ADDR"
	envAllowedOrigins     = "MESHCALL_ALLOWED_ORIGINS"
	envServerURL          = "MESHCALL_SERVER_URL"
	envRoom               = "MESHCALL_ROOM"
	envParticipantID      = "MESHCALL_PARTICIPANT_ID"
	envNegotiationTimeout = "MESHCALL_NEGOTIATION_TIMEOUT"
)

// Defaults used when neither a flag nor the environment sets a value.
const (
	DefaultAddr               = ":3001"
	DefaultServerURL          = "http://localhost:3001"
	DefaultSTUN               = "stun:stun.l.google.com:19302"
	DefaultNegotiationTimeout = 30 * time.Second
)

// ICEOptions carries ICE server flag overrides shared by both commands.
type ICEOptions struct {
	ICEServersJSON string
	STUNURLs       string
	TURNURLs       string
	TURNUsername   string
	TURNCredential string
}

// ServerOptions are the relay's CLI flag overrides.
type ServerOptions struct {
	Addr           string
	AllowedOrigins string
	ICE            ICEOptions
}

// ServerConfig configures the signaling relay.
type ServerConfig struct {
	Addr           string
	AllowedOrigins []string
	// ICEServers is what the relay hands to clients on /ice-servers.
	ICEServers []domain.ICEServer
}

// ClientOptions are the participant's CLI flag overrides.
type ClientOptions struct {
	ServerURL          string
	Room               string
	ParticipantID      string
	NegotiationTimeout string
	ICE                ICEOptions
}

// ClientConfig configures a mesh participant.
type ClientConfig struct {
	ServerURL          string
	Room               string
	ParticipantID      string
	NegotiationTimeout time.Duration
	// ICEServers overrides the list fetched from the relay when non-empty.
	ICEServers []domain.ICEServer
}

// loadDotenv reads a .env file if present. godotenv.Load does not overwrite
// existing env vars.
func loadDotenv() {
	_ = godotenv.Load()
}

// pick returns the flag value, then the environment value, then def.
func pick(flag, env, def string) string {
	if v := strings.TrimSpace(flag); v != "" {
		return v
	}
	if v := strings.TrimSpace(os.Getenv(env)); v != "" {
		return v
	}
	return def
}

// LoadServer reads the relay configuration with the following priority:
// 1. CLI flags (passed via opts)
// 2. Environment variables, including a .env file
// 3. Defaults
func LoadServer(opts ServerOptions) (*ServerConfig, error) {
	loadDotenv()

	ice, err := loadICE(opts.ICE)
	if err != nil {
		return nil, err
	}
	if len(ice) == 0 {
		ice = []domain.ICEServer{{URLs: []string{DefaultSTUN}}}
	}

	return &ServerConfig{
		Addr:           pick(opts.Addr, envAddr, DefaultAddr),
		AllowedOrigins: splitCommaSeparated(pick(opts.AllowedOrigins, envAllowedOrigins, "")),
		ICEServers:     ice,
	}, nil
}

// LoadClient reads the participant configuration with the same priority as
// LoadServer. A participant ID is generated when none is configured.
func LoadClient(opts ClientOptions) (*ClientConfig, error) {
	loadDotenv()

	room := pick(opts.Room, envRoom, "")
	if room == "" {
		return nil, fmt.Errorf("room is required (--room or %s)", envRoom)
	}

	timeout := DefaultNegotiationTimeout
	if raw := pick(opts.NegotiationTimeout, envNegotiationTimeout, ""); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envNegotiationTimeout, err)
		}
		if d < 0 {
			return nil, fmt.Errorf("%s: must not be negative", envNegotiationTimeout)
		}
		timeout = d
	}

	ice, err := loadICE(opts.ICE)
	if err != nil {
		return nil, err
	}

	return &ClientConfig{
		ServerURL:          pick(opts.ServerURL, envServerURL, DefaultServerURL),
		Room:               room,
		ParticipantID:      pick(opts.ParticipantID, envParticipantID, uuid.NewString()),
		NegotiationTimeout: timeout,
		ICEServers:         ice,
	}, nil
}
