package peer

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"
)

// TrackSender is the per-track handle the media controller swaps tracks on.
// ReplaceTrack is renegotiation-free.
type TrackSender interface {
	ReplaceTrack(track webrtc.TrackLocal) error
}

// Conn is one peer connection as the orchestrator sees it. Descriptions and
// candidates cross this boundary as wire-ready JSON so the orchestrator never
// interprets negotiation payloads, mirroring the relay.
type Conn interface {
	// CreateOffer creates and applies the local offer, returning its payload.
	CreateOffer() (json.RawMessage, error)
	// CreateAnswer creates and applies the local answer to a previously set
	// remote offer, returning its payload.
	CreateAnswer() (json.RawMessage, error)
	// SetRemoteDescription applies a remote offer or answer payload.
	SetRemoteDescription(desc json.RawMessage) error
	// AddICECandidate applies one remote candidate payload. Callers must only
	// invoke it after SetRemoteDescription has succeeded.
	AddICECandidate(candidate json.RawMessage) error
	// OnICECandidate registers the trickle callback. The callback receives
	// wire-ready candidate payloads and must be registered before negotiation
	// starts.
	OnICECandidate(fn func(candidate json.RawMessage))
	// OnTrack registers the inbound media callback.
	OnTrack(fn func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver))
	// OnConnectionStateChange registers the transport state callback. The
	// engine's own connectivity timeout surfaces here; there is no separate
	// negotiation timeout.
	OnConnectionStateChange(fn func(state webrtc.PeerConnectionState))

	AudioSender() TrackSender
	VideoSender() TrackSender

	Close() error
}

// Engine creates peer connections. The production engine wraps pion/webrtc;
// tests substitute an in-memory fake.
type Engine interface {
	NewConn() (Conn, error)
}
