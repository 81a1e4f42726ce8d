package config

import (
	"testing"
)

func TestParseICEServersJSON(t *testing.T) {
	raw := `[
		{"urls": "stun:stun.example.com:3478"},
		{"urls": ["turn:turn.example.com:3478", "turns:turn.example.com:5349"], "username": "u", "credential": "c"}
	]`

	servers, err := ParseICEServersJSON(raw)
	if err != nil {
		t.Fatalf("ParseICEServersJSON: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("servers: got %d want 2", len(servers))
	}
	if len(servers[0].URLs) != 1 || servers[0].URLs[0] != "stun:stun.example.com:3478" {
		t.Errorf("servers[0].URLs: got %v", servers[0].URLs)
	}
	if servers[1].Username != "u" {
		t.Errorf("servers[1].Username: got %q", servers[1].Username)
	}
	if cred, ok := servers[1].Credential.(string); !ok || cred != "c" {
		t.Errorf("servers[1].Credential: got %v", servers[1].Credential)
	}
}

func TestParseICEServersJSONRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `nope`},
		{"missing urls", `[{"username": "u"}]`},
		{"bad scheme", `[{"urls": "http://example.com"}]`},
		{"turn without username", `[{"urls": "turn:turn.example.com", "credential": "c"}]`},
		{"turn without credential", `[{"urls": "turn:turn.example.com", "username": "u"}]`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseICEServersJSON(tc.raw); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestParseICEServersFromConvenienceEnv(t *testing.T) {
	servers, err := ParseICEServersFromConvenienceEnv(
		"stun:stun1.example.com, stun:stun2.example.com",
		"turn:turn.example.com",
		"user",
		"pass",
	)
	if err != nil {
		t.Fatalf("ParseICEServersFromConvenienceEnv: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("servers: got %d want 2", len(servers))
	}
	if len(servers[0].URLs) != 2 {
		t.Errorf("stun urls: got %v", servers[0].URLs)
	}
	if servers[1].Username != "user" {
		t.Errorf("turn username: got %q", servers[1].Username)
	}
}

func TestParseICEServersFromConvenienceEnvTurnRequiresCreds(t *testing.T) {
	if _, err := ParseICEServersFromConvenienceEnv("", "turn:turn.example.com", "", ""); err == nil {
		t.Fatal("expected error for TURN without credentials")
	}
}

func TestParseICEServersEmpty(t *testing.T) {
	servers, err := ParseICEServersFromConvenienceEnv("", "", "", "")
	if err != nil {
		t.Fatalf("ParseICEServersFromConvenienceEnv: %v", err)
	}
	if len(servers) != 0 {
		t.Fatalf("servers: got %v want empty", servers)
	}
}
