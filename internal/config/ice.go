package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

const (
	envICEServersJSON = "ROOMLOOP_ICE_SERVERS_JSON"

	envStunURLs       = "ROOMLOOP_STUN_URLS"
	envTurnURLs       = "ROOMLOOP_TURN_URLS"
	envTurnUsername   = "ROOMLOOP_TURN_USERNAME"
	envTurnCredential = "ROOMLOOP_TURN_CREDENTIAL"
)

func parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential string) ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(iceServersJSON); raw != "" {
		iceServers, err := ParseICEServersJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return iceServers, nil
	}

	return ParseICEServersFromConvenienceEnv(stunURLs, turnURLs, turnUsername, turnCredential)
}

// iceServerSpec is one entry of the configured ICE server list. urls accepts
// both the single-string and list forms browsers accept in RTCIceServer.
type iceServerSpec struct {
	URLs       urlList `json:"urls"`
	Username   string  `json:"username"`
	Credential string  `json:"credential"`
}

type urlList []string

func (l *urlList) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var one string
		if err := json.Unmarshal(b, &one); err != nil {
			return err
		}
		*l = urlList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*l = urlList(many)
	return nil
}

// build validates the spec and produces the webrtc form. TURN entries must
// carry credentials; empty URL entries are dropped.
func (s iceServerSpec) build() (webrtc.ICEServer, error) {
	urls := make([]string, 0, len(s.URLs))
	needsCredentials := false
	for _, raw := range s.URLs {
		u := strings.TrimSpace(raw)
		if u == "" {
			continue
		}
		switch scheme(u) {
		case "stun", "stuns":
		case "turn", "turns":
			needsCredentials = true
		default:
			return webrtc.ICEServer{}, fmt.Errorf("unsupported url scheme: %q", u)
		}
		urls = append(urls, u)
	}
	if len(urls) == 0 {
		return webrtc.ICEServer{}, errors.New("missing urls")
	}

	server := webrtc.ICEServer{URLs: urls, Username: strings.TrimSpace(s.Username)}
	if cred := strings.TrimSpace(s.Credential); cred != "" {
		server.Credential = s.Credential
	}
	if needsCredentials {
		if server.Username == "" {
			return webrtc.ICEServer{}, errors.New("turn urls require username")
		}
		if server.Credential == nil {
			return webrtc.ICEServer{}, errors.New("turn urls require credential")
		}
	}
	return server, nil
}

// ParseICEServersJSON parses and validates the JSON ICE server list. The same
// parser backs the server's config and the published /webrtc/ice payload, so
// clients re-reading that endpoint apply identical rules.
func ParseICEServersJSON(raw string) ([]webrtc.ICEServer, error) {
	var specs []iceServerSpec
	if err := json.Unmarshal([]byte(raw), &specs); err != nil {
		return nil, err
	}

	out := make([]webrtc.ICEServer, 0, len(specs))
	for i, spec := range specs {
		server, err := spec.build()
		if err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		out = append(out, server)
	}
	return out, nil
}

// ParseICEServersFromConvenienceEnv builds the ICE server list from the
// comma-separated STUN/TURN variables.
func ParseICEServersFromConvenienceEnv(stunURLs, turnURLs, turnUsername, turnCredential string) ([]webrtc.ICEServer, error) {
	var servers []webrtc.ICEServer

	if stun := splitCommaSeparated(stunURLs); len(stun) > 0 {
		server, err := iceServerSpec{URLs: stun}.build()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
		servers = append(servers, server)
	}

	if turn := splitCommaSeparated(turnURLs); len(turn) > 0 {
		if strings.TrimSpace(turnUsername) == "" || strings.TrimSpace(turnCredential) == "" {
			return nil, fmt.Errorf("%s/%s: both must be set when %s is set", envTurnUsername, envTurnCredential, envTurnURLs)
		}
		server, err := iceServerSpec{URLs: turn, Username: turnUsername, Credential: turnCredential}.build()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envTurnURLs, err)
		}
		servers = append(servers, server)
	}

	return servers, nil
}

func splitCommaSeparated(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func scheme(url string) string {
	i := strings.IndexByte(url, ':')
	if i < 0 {
		return ""
	}
	return strings.ToLower(url[:i])
}
