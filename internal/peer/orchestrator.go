// Package peer drives the client side of negotiation: one session per remote
// participant, offer/answer/candidate exchange through the signaling relay,
// and candidate buffering until a remote description exists.
package peer

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/roomloop/roomloop/internal/signaling"
)

// Signaler sends negotiation envelopes toward a remote connection identity.
// *sigclient.Client satisfies it.
type Signaler interface {
	SendSignal(targetConnectionID string, kind signaling.SignalKind, payload json.RawMessage) error
}

// Options configures an Orchestrator. Engine, Signaler, and LocalUserID are
// required.
type Options struct {
	Engine      Engine
	Signaler    Signaler
	LocalUserID string
	Logger      *slog.Logger

	// OnStateChange fires on the event goroutine after every session state
	// transition. Optional.
	OnStateChange func(remoteUserID string, state SessionState)
	// OnTrack fires when a remote media track arrives. Optional.
	OnTrack func(remoteUserID string, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	// OnConnCreated fires on the event goroutine for every fresh connection,
	// before negotiation touches it. The media controller attaches the
	// currently active local tracks here, so a session created mid-call sends
	// the same media as the sessions that watched the swaps happen. Optional.
	OnConnCreated func(remoteUserID string, conn Conn)
}

// Orchestrator owns every peer session of one local participant. A single
// goroutine consumes an internal event queue, so roster-driven session
// creation is always ordered before the negotiation messages that follow it,
// and session state needs no locking.
type Orchestrator struct {
	opts Options
	log  *slog.Logger

	queue chan func()

	closeOnce sync.Once
	done      chan struct{}
	stopped   chan struct{}

	// owned by the event goroutine
	sessions map[string]*session
}

func NewOrchestrator(opts Options) *Orchestrator {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	o := &Orchestrator{
		opts:     opts,
		log:      log.With("local_user_id", opts.LocalUserID),
		queue:    make(chan func(), 256),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
		sessions: make(map[string]*session),
	}
	go o.loop()
	return o
}

func (o *Orchestrator) loop() {
	defer close(o.stopped)
	for {
		select {
		case fn := <-o.queue:
			fn()
		case <-o.done:
			o.closeAll()
			return
		}
	}
}

// do enqueues work for the event goroutine. After Close it is a no-op.
func (o *Orchestrator) do(fn func()) {
	select {
	case o.queue <- fn:
	case <-o.done:
	}
}

// Close tears every session down unconditionally and stops the event
// goroutine. It blocks until teardown finished.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() { close(o.done) })
	<-o.stopped
}

// HandleRosterSnapshot seeds sessions for everyone already in the room. As
// the newcomer, this side initiates the offer toward each of them; observers
// of the matching participant-joined event wait for those offers.
func (o *Orchestrator) HandleRosterSnapshot(peers []signaling.RosterEntry) {
	o.do(func() {
		for _, p := range peers {
			s := o.createSession(p.UserID, p.ConnectionID, p.Username)
			if s == nil {
				continue
			}
			o.initiate(s)
		}
	})
}

// HandleParticipantJoined creates a session in New and waits for the
// newcomer's offer.
func (o *Orchestrator) HandleParticipantJoined(p signaling.RosterEntry) {
	o.do(func() {
		o.createSession(p.UserID, p.ConnectionID, p.Username)
	})
}

// HandleParticipantLeft tears down the departed participant's session.
func (o *Orchestrator) HandleParticipantLeft(p signaling.RosterEntry) {
	o.do(func() {
		o.closeSession(p.UserID)
	})
}

// HandleSignal processes one forwarded negotiation envelope.
func (o *Orchestrator) HandleSignal(sig signaling.Signal) {
	o.do(func() {
		switch sig.Kind {
		case signaling.SignalOffer:
			o.handleOffer(sig)
		case signaling.SignalAnswer:
			o.handleAnswer(sig)
		case signaling.SignalICECandidate:
			o.handleCandidate(sig)
		}
	})
}

// SessionStates returns a snapshot of remote user to state. It round-trips
// through the event goroutine, so it reflects everything enqueued before it.
func (o *Orchestrator) SessionStates() map[string]SessionState {
	out := make(map[string]SessionState)
	o.roundTrip(func() {
		for uid, s := range o.sessions {
			out[uid] = s.state
		}
	})
	return out
}

// VideoSenders returns the video track senders of every live session, for
// the media controller to swap tracks on.
func (o *Orchestrator) VideoSenders() []TrackSender {
	var out []TrackSender
	o.roundTrip(func() {
		for _, s := range o.sessions {
			if sender := s.conn.VideoSender(); sender != nil {
				out = append(out, sender)
			}
		}
	})
	return out
}

// AudioSenders returns the audio track senders of every live session.
func (o *Orchestrator) AudioSenders() []TrackSender {
	var out []TrackSender
	o.roundTrip(func() {
		for _, s := range o.sessions {
			if sender := s.conn.AudioSender(); sender != nil {
				out = append(out, sender)
			}
		}
	})
	return out
}

func (o *Orchestrator) roundTrip(fn func()) {
	doneCh := make(chan struct{})
	o.do(func() {
		fn()
		close(doneCh)
	})
	select {
	case <-doneCh:
	case <-o.stopped:
	}
}

// createSession builds a session in New. At most one session per remote
// userId: an existing non-closed session is kept as-is (its relay address is
// refreshed instead).
func (o *Orchestrator) createSession(userID, connectionID, username string) *session {
	if userID == o.opts.LocalUserID {
		return nil
	}
	if existing, ok := o.sessions[userID]; ok {
		existing.remoteConnectionID = connectionID
		return existing
	}

	conn, err := o.opts.Engine.NewConn()
	if err != nil {
		o.log.Error("peer connection creation failed", "remote_user_id", userID, "error", err)
		return nil
	}

	s := &session{
		remoteUserID:       userID,
		remoteConnectionID: connectionID,
		remoteUsername:     username,
		state:              StateNew,
		conn:               conn,
	}
	o.bindConn(s)
	o.connCreated(s)
	o.sessions[userID] = s
	o.notify(s)
	return s
}

func (o *Orchestrator) connCreated(s *session) {
	if o.opts.OnConnCreated != nil {
		o.opts.OnConnCreated(s.remoteUserID, s.conn)
	}
}

// bindConn wires the connection callbacks back onto the event goroutine.
func (o *Orchestrator) bindConn(s *session) {
	userID := s.remoteUserID
	s.conn.OnICECandidate(func(candidate json.RawMessage) {
		o.do(func() {
			cur, ok := o.sessions[userID]
			if !ok || cur.state == StateClosed {
				return
			}
			if err := o.opts.Signaler.SendSignal(cur.remoteConnectionID, signaling.SignalICECandidate, candidate); err != nil {
				o.log.Debug("candidate send failed", "remote_user_id", userID, "error", err)
			}
		})
	})
	if o.opts.OnTrack != nil {
		s.conn.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
			o.opts.OnTrack(userID, track, receiver)
		})
	}
	// The engine's connectivity timeout is the only negotiation timeout:
	// a failed transport tears the session down like any other close. The
	// conn identity check keeps a discarded glare connection's dying
	// callbacks away from its replacement.
	conn := s.conn
	conn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if state != webrtc.PeerConnectionStateFailed && state != webrtc.PeerConnectionStateClosed {
			return
		}
		o.do(func() {
			cur, ok := o.sessions[userID]
			if !ok || cur.conn != conn {
				return
			}
			o.log.Warn("transport lost", "remote_user_id", userID, "transport_state", state.String())
			o.closeSession(userID)
		})
	})
}

// initiate sends the local offer and moves New -> OfferPending.
func (o *Orchestrator) initiate(s *session) {
	if s.state != StateNew {
		return
	}
	offer, err := s.conn.CreateOffer()
	if err != nil {
		o.failSession(s, err)
		return
	}
	if err := o.opts.Signaler.SendSignal(s.remoteConnectionID, signaling.SignalOffer, offer); err != nil {
		o.failSession(s, err)
		return
	}
	s.state = StateOfferPending
	o.notify(s)
}

func (o *Orchestrator) handleOffer(sig signaling.Signal) {
	s, ok := o.sessions[sig.SenderUserID]
	if !ok {
		// Offer from a participant whose join event has not been processed;
		// with the ordered queue this only happens after our own reconnect.
		s = o.createSession(sig.SenderUserID, sig.SenderConnectionID, "")
		if s == nil {
			return
		}
	}
	s.remoteConnectionID = sig.SenderConnectionID

	switch s.state {
	case StateNew:
		o.answer(s, sig.Payload)
	case StateOfferPending:
		// Glare: both sides offered. The lexicographically smaller userId
		// yields, discarding its own attempt and answering the remote offer;
		// the larger side ignores the incoming offer and keeps its own.
		if o.opts.LocalUserID >= s.remoteUserID {
			o.log.Debug("glare: keeping local offer", "remote_user_id", s.remoteUserID)
			return
		}
		o.log.Debug("glare: yielding to remote offer", "remote_user_id", s.remoteUserID)
		_ = s.conn.Close()
		conn, err := o.opts.Engine.NewConn()
		if err != nil {
			o.failSession(s, err)
			return
		}
		s.conn = conn
		s.state = StateNew
		s.hasRemoteDescription = false
		s.pendingRemoteCandidates = nil
		o.bindConn(s)
		o.connCreated(s)
		o.answer(s, sig.Payload)
	default:
		// Duplicate or late offer; the session already has a remote
		// description.
	}
}

// answer applies a remote offer and responds, moving through AnswerPending to
// Connected.
func (o *Orchestrator) answer(s *session, offer json.RawMessage) {
	s.state = StateAnswerPending
	o.notify(s)

	if err := s.applyRemoteDescription(offer); err != nil {
		o.failSession(s, err)
		return
	}
	answer, err := s.conn.CreateAnswer()
	if err != nil {
		o.failSession(s, err)
		return
	}
	if err := o.opts.Signaler.SendSignal(s.remoteConnectionID, signaling.SignalAnswer, answer); err != nil {
		o.failSession(s, err)
		return
	}
	s.state = StateConnected
	o.notify(s)
}

func (o *Orchestrator) handleAnswer(sig signaling.Signal) {
	s, ok := o.sessions[sig.SenderUserID]
	if !ok || s.state != StateOfferPending {
		return
	}
	s.remoteConnectionID = sig.SenderConnectionID
	if err := s.applyRemoteDescription(sig.Payload); err != nil {
		o.failSession(s, err)
		return
	}
	s.state = StateConnected
	o.notify(s)
}

func (o *Orchestrator) handleCandidate(sig signaling.Signal) {
	s, ok := o.sessions[sig.SenderUserID]
	if !ok || s.state == StateClosed {
		return
	}
	if !s.hasRemoteDescription {
		s.pendingRemoteCandidates = append(s.pendingRemoteCandidates, sig.Payload)
		return
	}
	if err := s.conn.AddICECandidate(sig.Payload); err != nil {
		o.failSession(s, err)
	}
}

// failSession logs a negotiation failure and tears the one session down.
// Other sessions are unaffected.
func (o *Orchestrator) failSession(s *session, err error) {
	o.log.Error("session negotiation failed",
		"remote_user_id", s.remoteUserID, "state", s.state.String(), "error", err)
	o.closeSession(s.remoteUserID)
}

func (o *Orchestrator) closeSession(userID string) {
	s, ok := o.sessions[userID]
	if !ok {
		return
	}
	_ = s.conn.Close()
	s.state = StateClosed
	s.pendingRemoteCandidates = nil
	delete(o.sessions, userID)
	o.notify(s)
}

func (o *Orchestrator) closeAll() {
	for uid := range o.sessions {
		o.closeSession(uid)
	}
}

func (o *Orchestrator) notify(s *session) {
	if o.opts.OnStateChange != nil {
		o.opts.OnStateChange(s.remoteUserID, s.state)
	}
}
