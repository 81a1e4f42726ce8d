package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// MessageType discriminates every message exchanged on the signaling channel.
type MessageType string

const (
	// Client -> server.
	TypeJoinRoom    MessageType = "join-room"
	TypeSignal      MessageType = "signal" // also server -> client (forwarded)
	TypeSendMessage MessageType = "send-message"
	TypeToggleMedia MessageType = "toggle-media"

	// Server -> client.
	TypeRosterSnapshot    MessageType = "roster-snapshot"
	TypeParticipantJoined MessageType = "participant-joined"
	TypeParticipantLeft   MessageType = "participant-left"
	TypeReceiveMessage    MessageType = "receive-message"
	TypeMediaStateChanged MessageType = "media-state-changed"
	TypeError             MessageType = "error"
)

// SignalKind is the negotiation message kind. The relay forwards all three
// without interpretation.
type SignalKind string

const (
	SignalOffer        SignalKind = "offer"
	SignalAnswer       SignalKind = "answer"
	SignalICECandidate SignalKind = "ice-candidate"
)

// MediaKind identifies which outgoing track a media-state message refers to.
type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

// Error codes carried by TypeError messages.
const (
	ErrCodeRoomNotFound   = "room_not_found"
	ErrCodeAlreadyJoined  = "already_joined"
	ErrCodeNotJoined      = "not_joined"
	ErrCodeInvalidMessage = "invalid_message"
)

// JoinRoom announces a participant's identity to a room. It must be the first
// message on a freshly opened channel.
type JoinRoom struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// RosterEntry describes one existing room member in a roster snapshot or a
// participant-joined/-left event. ConnectionID is the member's current
// transport identity; replies through the relay are addressed to it.
type RosterEntry struct {
	UserID       string `json:"userId"`
	ConnectionID string `json:"connectionId,omitempty"`
	Username     string `json:"username"`
	AudioEnabled bool   `json:"audioEnabled"`
	VideoEnabled bool   `json:"videoEnabled"`
}

// Signal is an opaque negotiation envelope routed between exactly two
// participants. The sender addresses TargetConnectionID; the server stamps
// SenderConnectionID before forwarding so the recipient can address its reply.
type Signal struct {
	SenderUserID       string          `json:"senderUserId"`
	SenderConnectionID string          `json:"senderConnectionId,omitempty"`
	TargetConnectionID string          `json:"targetConnectionId,omitempty"`
	Kind               SignalKind      `json:"kind"`
	Payload            json.RawMessage `json:"payload"`
}

// Chat is a room-wide text message. Chat shares the channel but must never
// block signaling; the server fans it out through the same per-connection
// buffered queues as everything else.
type Chat struct {
	SenderUserID string    `json:"senderUserId,omitempty"`
	Sender       string    `json:"sender,omitempty"`
	Text         string    `json:"text"`
	SentAt       time.Time `json:"sentAt,omitempty"`
}

// MediaState is a track toggle: client -> server carries Kind+Enabled, the
// broadcast to the room additionally carries the originator's UserID.
type MediaState struct {
	UserID  string    `json:"userId,omitempty"`
	Kind    MediaKind `json:"kind"`
	Enabled bool      `json:"enabled"`
}

// Envelope is the single wire message. Exactly one of the optional fields is
// set, matching Type.
type Envelope struct {
	Type MessageType `json:"type"`

	Join   *JoinRoom     `json:"join,omitempty"`
	Roster []RosterEntry `json:"roster,omitempty"`
	Peer   *RosterEntry  `json:"peer,omitempty"`
	Signal *Signal       `json:"signal,omitempty"`
	Chat   *Chat         `json:"chat,omitempty"`
	Media  *MediaState   `json:"media,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// ParseEnvelope decodes and validates a wire message. Unknown fields and
// trailing data are rejected.
func ParseEnvelope(data []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, err
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Envelope{}, fmt.Errorf("unexpected trailing data")
	}
	return env, nil
}

func (e Envelope) Validate() error {
	switch e.Type {
	case TypeJoinRoom:
		if e.Join == nil {
			return fmt.Errorf("join-room message missing join")
		}
		if e.Join.RoomID == "" {
			return fmt.Errorf("join-room message missing roomId")
		}
		if e.Join.UserID == "" {
			return fmt.Errorf("join-room message missing userId")
		}
		if e.hasFieldsOtherThan(fieldJoin) {
			return fmt.Errorf("join-room message has unexpected fields")
		}
	case TypeSignal:
		if e.Signal == nil {
			return fmt.Errorf("signal message missing signal")
		}
		if err := e.Signal.validate(); err != nil {
			return err
		}
		if e.hasFieldsOtherThan(fieldSignal) {
			return fmt.Errorf("signal message has unexpected fields")
		}
	case TypeSendMessage, TypeReceiveMessage:
		if e.Chat == nil {
			return fmt.Errorf("%s message missing chat", e.Type)
		}
		if e.Chat.Text == "" {
			return fmt.Errorf("%s message missing text", e.Type)
		}
		if e.hasFieldsOtherThan(fieldChat) {
			return fmt.Errorf("%s message has unexpected fields", e.Type)
		}
	case TypeToggleMedia, TypeMediaStateChanged:
		if e.Media == nil {
			return fmt.Errorf("%s message missing media", e.Type)
		}
		if e.Media.Kind != MediaAudio && e.Media.Kind != MediaVideo {
			return fmt.Errorf("%s message has kind %q", e.Type, e.Media.Kind)
		}
		if e.hasFieldsOtherThan(fieldMedia) {
			return fmt.Errorf("%s message has unexpected fields", e.Type)
		}
	case TypeRosterSnapshot:
		// An empty roster is valid: the first participant in a room has no peers.
		if e.hasFieldsOtherThan(fieldRoster) {
			return fmt.Errorf("roster-snapshot message has unexpected fields")
		}
	case TypeParticipantJoined, TypeParticipantLeft:
		if e.Peer == nil {
			return fmt.Errorf("%s message missing peer", e.Type)
		}
		if e.Peer.UserID == "" {
			return fmt.Errorf("%s message missing userId", e.Type)
		}
		if e.hasFieldsOtherThan(fieldPeer) {
			return fmt.Errorf("%s message has unexpected fields", e.Type)
		}
	case TypeError:
		if e.Code == "" || e.Message == "" {
			return fmt.Errorf("error message missing code/message")
		}
		if e.hasFieldsOtherThan(fieldErr) {
			return fmt.Errorf("error message has unexpected fields")
		}
	default:
		return fmt.Errorf("unsupported message type %q", e.Type)
	}
	return nil
}

func (s *Signal) validate() error {
	switch s.Kind {
	case SignalOffer, SignalAnswer, SignalICECandidate:
	default:
		return fmt.Errorf("signal message has kind %q", s.Kind)
	}
	if len(s.Payload) == 0 {
		return fmt.Errorf("signal message missing payload")
	}
	return nil
}

type fieldMask uint8

const (
	fieldJoin fieldMask = 1 << iota
	fieldRoster
	fieldPeer
	fieldSignal
	fieldChat
	fieldMedia
	fieldErr
)

func (e Envelope) hasFieldsOtherThan(allowed fieldMask) bool {
	var set fieldMask
	if e.Join != nil {
		set |= fieldJoin
	}
	if e.Roster != nil {
		set |= fieldRoster
	}
	if e.Peer != nil {
		set |= fieldPeer
	}
	if e.Signal != nil {
		set |= fieldSignal
	}
	if e.Chat != nil {
		set |= fieldChat
	}
	if e.Media != nil {
		set |= fieldMedia
	}
	if e.Code != "" || e.Message != "" {
		set |= fieldErr
	}
	return set&^allowed != 0
}
