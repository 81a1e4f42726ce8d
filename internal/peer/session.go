package peer

import "encoding/json"

// SessionState tracks one remote participant's negotiation progress.
type SessionState int

const (
	// StateNew: session exists, no description set either way.
	StateNew SessionState = iota
	// StateOfferPending: local offer sent, awaiting the remote answer.
	StateOfferPending
	// StateAnswerPending: remote offer applied, local answer being produced.
	StateAnswerPending
	// StateConnected: both descriptions set; candidates apply immediately.
	StateConnected
	// StateClosed: terminal. The session is removed, never reused.
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateOfferPending:
		return "offer_pending"
	case StateAnswerPending:
		return "answer_pending"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// session is the orchestrator-private record for one remote participant.
// All access happens on the orchestrator's event goroutine.
type session struct {
	remoteUserID string
	// remoteConnectionID is the relay address for outbound signals. It is
	// refreshed from every inbound signal so replies survive peer reconnects.
	remoteConnectionID string
	remoteUsername     string

	state SessionState
	conn  Conn

	// pendingRemoteCandidates buffers candidates that arrived before the
	// remote description. Applied in receipt order the instant the remote
	// description is set, then cleared.
	pendingRemoteCandidates []json.RawMessage
	hasRemoteDescription    bool
}

// applyRemoteDescription sets the description and flushes the candidate
// buffer in receipt order.
func (s *session) applyRemoteDescription(desc json.RawMessage) error {
	if err := s.conn.SetRemoteDescription(desc); err != nil {
		return err
	}
	s.hasRemoteDescription = true
	for _, cand := range s.pendingRemoteCandidates {
		if err := s.conn.AddICECandidate(cand); err != nil {
			return err
		}
	}
	s.pendingRemoteCandidates = nil
	return nil
}
