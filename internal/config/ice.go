package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"meshcall/internal/domain"
)

const (
	envICEServersJSON = "MESHCALL_ICE_SERVERS_JSON"

	envStunURLs       = "MESHCALL_STUN_URLS"
	envTurnURLs       = "MESHCALL_TURN_URLS"
	envTurnUsername   = "MESHCALL_TURN_USERNAME"
	envTurnCredential = "MESHCALL_TURN_CREDENTIAL"
)

func loadICE(opts ICEOptions) ([]domain.ICEServer, error) {
	return parseICEServersFromValues(
		pick(opts.ICEServersJSON, envICEServersJSON, ""),
		pick(opts.STUNURLs, envStunURLs, ""),
		pick(opts.TURNURLs, envTurnURLs, ""),
		pick(opts.TURNUsername, envTurnUsername, ""),
		pick(opts.TURNCredential, envTurnCredential, ""),
	)
}

func parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential string) ([]domain.ICEServer, error) {
	if raw := strings.TrimSpace(iceServersJSON); raw != "" {
		servers, err := ParseICEServersJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return servers, nil
	}

	return ParseICEServersFromConvenienceEnv(stunURLs, turnURLs, turnUsername, turnCredential)
}

type iceServerJSON struct {
	URLs       stringOrStringSlice `json:"urls"`
	Username   string              `json:"username,omitempty"`
	Credential string              `json:"credential,omitempty"`
}

// stringOrStringSlice accepts "urls" as a single string or a list, as
// RTCIceServer does.
type stringOrStringSlice []string

func (s *stringOrStringSlice) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*s = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// ParseICEServersJSON parses and validates a JSON list of ICE servers.
func ParseICEServersJSON(raw string) ([]domain.ICEServer, error) {
	var servers []iceServerJSON
	if err := json.Unmarshal([]byte(raw), &servers); err != nil {
		return nil, err
	}

	out := make([]domain.ICEServer, 0, len(servers))
	for i, s := range servers {
		server := domain.ICEServer{
			URLs:       trimAll(s.URLs),
			Username:   strings.TrimSpace(s.Username),
			Credential: strings.TrimSpace(s.Credential),
		}
		if err := validateICEServer(server); err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		out = append(out, server)
	}
	return out, nil
}

// ParseICEServersFromConvenienceEnv builds an ICE server list from
// comma-separated STUN and TURN URL lists.
func ParseICEServersFromConvenienceEnv(stunURLs, turnURLs, turnUsername, turnCredential string) ([]domain.ICEServer, error) {
	var servers []domain.ICEServer

	if stunList := splitCommaSeparated(stunURLs); len(stunList) > 0 {
		server := domain.ICEServer{URLs: stunList}
		if err := validateICEServer(server); err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
		servers = append(servers, server)
	}

	if turnList := splitCommaSeparated(turnURLs); len(turnList) > 0 {
		server := domain.ICEServer{
			URLs:       turnList,
			Username:   strings.TrimSpace(turnUsername),
			Credential: strings.TrimSpace(turnCredential),
		}
		if server.Username == "" || server.Credential == "" {
			return nil, fmt.Errorf("%s/%s: both must be set when %s is set", envTurnUsername, envTurnCredential, envTurnURLs)
		}
		if err := validateICEServer(server); err != nil {
			return nil, fmt.Errorf("%s: %w", envTurnURLs, err)
		}
		servers = append(servers, server)
	}

	return servers, nil
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func splitCommaSeparated(value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return trimAll(strings.Split(value, ","))
}

func validateICEServer(server domain.ICEServer) error {
	if len(server.URLs) == 0 {
		return errors.New("missing urls")
	}

	requiresTurnCreds := false
	for _, url := range server.URLs {
		if !isAllowedICEScheme(url) {
			return fmt.Errorf("unsupported url scheme: %q", url)
		}
		if strings.HasPrefix(url, "turn:") || strings.HasPrefix(url, "turns:") {
			requiresTurnCreds = true
		}
	}

	if requiresTurnCreds {
		if server.Username == "" {
			return errors.New("turn urls require username")
		}
		if server.Credential == "" {
			return errors.New("turn urls require credential")
		}
	}
	return nil
}

func isAllowedICEScheme(url string) bool {
	switch {
	case strings.HasPrefix(url, "stun:"),
		strings.HasPrefix(url, "stuns:"),
		strings.HasPrefix(url, "turn:"),
		strings.HasPrefix(url, "turns:"):
		return true
	default:
		return false
	}
}
