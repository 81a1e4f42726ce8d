package signaling

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/roomloop/roomloop/internal/config"
	"github.com/roomloop/roomloop/internal/metrics"
	"github.com/roomloop/roomloop/internal/origin"
	"github.com/roomloop/roomloop/internal/ratelimit"
	"github.com/roomloop/roomloop/internal/rooms"
)

// Server owns the signaling websocket endpoint: it admits participants into
// rooms, relays negotiation envelopes 1:1, and fans room events out to every
// member.
type Server struct {
	cfg      config.Config
	log      *slog.Logger
	registry *rooms.Registry
	metrics  *metrics.Metrics
	clock    ratelimit.Clock
	policy   origin.Policy
	upgrader websocket.Upgrader

	// mu guards conns: roomID -> connectionID -> live connection. Membership
	// itself is the registry's job; this map only resolves where to deliver.
	mu    sync.Mutex
	conns map[string]map[string]*wsConn
}

func NewServer(cfg config.Config, log *slog.Logger, registry *rooms.Registry, m *metrics.Metrics, clock ratelimit.Clock) *Server {
	if clock == nil {
		clock = ratelimit.RealClock{}
	}
	s := &Server{
		cfg:      cfg,
		log:      log,
		registry: registry,
		metrics:  m,
		clock:    clock,
		policy:   origin.NewPolicy(cfg.AllowedOrigins),
		conns:    make(map[string]map[string]*wsConn),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return s.originAllowed(r)
		},
	}
	return s
}

func (s *Server) originAllowed(r *http.Request) bool {
	header := r.Header.Get("Origin")
	if header == "" {
		// Non-browser clients (the bot, tests) send no Origin header.
		return true
	}
	_, ok := s.policy.Check(header, r.Host)
	return ok
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade rejected", "error", err)
		return
	}

	connectionID := uuid.NewString()
	conn := newWSConn(connectionID, ws, s.cfg.SignalingSendQueueLength)
	go conn.writePump(s.cfg.SignalingWSPingInterval)

	s.readLoop(ws, conn)
}

// participantSession is the per-connection state established by join-room.
type participantSession struct {
	roomID   string
	userID   string
	username string
}

func (s *Server) readLoop(ws *websocket.Conn, conn *wsConn) {
	log := s.log.With("connection_id", conn.id)

	ws.SetReadLimit(s.cfg.MaxSignalingMessageBytes)
	_ = ws.SetReadDeadline(time.Now().Add(s.cfg.SignalingWSIdleTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.cfg.SignalingWSIdleTimeout))
	})

	limiter := ratelimit.NewLimiter(s.clock,
		int64(s.cfg.MaxSignalingMessagesPerSecond),
		int64(s.cfg.MaxSignalingMessagesPerSecond))

	var sess *participantSession
	defer func() {
		conn.shutdown(websocket.CloseNormalClosure, "")
		if sess != nil {
			s.handleLeave(log, conn, sess)
		}
	}()

	for {
		msgType, msg, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("websocket read ended", "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			s.reject(conn, websocket.CloseUnsupportedData, ErrCodeInvalidMessage, "expected text message")
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(s.cfg.SignalingWSIdleTimeout))

		if !limiter.Allow(1) {
			s.metrics.Inc(metrics.EventMessageRateLimited)
			s.reject(conn, websocket.ClosePolicyViolation, ErrCodeInvalidMessage, "message rate limit exceeded")
			return
		}

		env, err := ParseEnvelope(msg)
		if err != nil {
			s.metrics.Inc(metrics.EventMessageRejected)
			s.reject(conn, websocket.CloseUnsupportedData, ErrCodeInvalidMessage, err.Error())
			return
		}

		switch env.Type {
		case TypeJoinRoom:
			if sess != nil {
				s.reject(conn, websocket.ClosePolicyViolation, ErrCodeAlreadyJoined, "already joined a room")
				return
			}
			joined, ok := s.handleJoin(log, conn, env.Join)
			if !ok {
				return
			}
			sess = joined
			log = log.With("room_id", sess.roomID, "user_id", sess.userID)

		case TypeSignal:
			if sess == nil {
				s.reject(conn, websocket.ClosePolicyViolation, ErrCodeNotJoined, "join a room first")
				return
			}
			s.handleSignal(log, conn, sess, env.Signal)

		case TypeSendMessage:
			if sess == nil {
				s.reject(conn, websocket.ClosePolicyViolation, ErrCodeNotJoined, "join a room first")
				return
			}
			s.handleChat(sess, env.Chat)

		case TypeToggleMedia:
			if sess == nil {
				s.reject(conn, websocket.ClosePolicyViolation, ErrCodeNotJoined, "join a room first")
				return
			}
			s.handleToggleMedia(conn, sess, env.Media)

		default:
			// Server-originated types are not accepted from clients.
			s.metrics.Inc(metrics.EventMessageRejected)
			s.reject(conn, websocket.CloseUnsupportedData, ErrCodeInvalidMessage, "unexpected message type")
			return
		}
	}
}

// handleJoin admits the participant, sends them the roster snapshot, and
// announces them to the rest of the room.
func (s *Server) handleJoin(log *slog.Logger, conn *wsConn, join *JoinRoom) (*participantSession, bool) {
	p := rooms.Participant{
		UserID:       join.UserID,
		ConnectionID: conn.id,
		Username:     join.Username,
		AudioEnabled: true,
		VideoEnabled: true,
	}
	if err := s.registry.Add(join.RoomID, p); err != nil {
		s.reject(conn, websocket.ClosePolicyViolation, ErrCodeRoomNotFound, "room not found")
		return nil, false
	}

	s.mu.Lock()
	room := s.conns[join.RoomID]
	if room == nil {
		room = make(map[string]*wsConn)
		s.conns[join.RoomID] = room
	}
	room[conn.id] = conn
	s.mu.Unlock()

	s.metrics.Inc(metrics.EventParticipantJoin)

	// Roster snapshot first: the newcomer initiates negotiation toward every
	// member listed here, so it must arrive before any forwarded signal.
	peers := s.registry.List(join.RoomID, join.UserID)
	roster := make([]RosterEntry, 0, len(peers))
	for _, peer := range peers {
		roster = append(roster, rosterEntry(peer))
	}
	conn.trySend(Envelope{Type: TypeRosterSnapshot, Roster: roster})

	self := rosterEntry(p)
	s.broadcast(join.RoomID, conn.id, Envelope{Type: TypeParticipantJoined, Peer: &self})

	log.Info("participant joined",
		"room_id", join.RoomID,
		"user_id", join.UserID,
		"peers", len(roster))
	return &participantSession{
		roomID:   join.RoomID,
		userID:   join.UserID,
		username: join.Username,
	}, true
}

// handleSignal forwards one negotiation envelope to its target connection.
// A target that no longer resolves (left, or reconnected under a fresh
// connection identity) is dropped silently; the sender learns about it through
// the participant-left event, not through a relay error.
func (s *Server) handleSignal(log *slog.Logger, conn *wsConn, sess *participantSession, sig *Signal) {
	// The registry is authoritative: a connection identity replaced by a
	// reconnect stops resolving there even while the old socket lingers.
	_, member := s.registry.Resolve(sess.roomID, sig.TargetConnectionID)
	target, live := s.lookupConn(sess.roomID, sig.TargetConnectionID)
	if !member || !live {
		s.metrics.Inc(metrics.EventSignalDroppedStale)
		log.Debug("signal dropped, stale target",
			"target_connection_id", sig.TargetConnectionID,
			"kind", string(sig.Kind))
		return
	}

	forwarded := *sig
	forwarded.SenderUserID = sess.userID
	forwarded.SenderConnectionID = conn.id
	forwarded.TargetConnectionID = ""

	if !target.trySend(Envelope{Type: TypeSignal, Signal: &forwarded}) {
		s.metrics.Inc(metrics.EventSignalDroppedQueueFull)
		log.Warn("signal dropped, target queue full",
			"target_connection_id", sig.TargetConnectionID,
			"kind", string(sig.Kind))
		return
	}
	s.metrics.Inc(metrics.EventSignalRelayed)
}

// handleChat fans a chat message out to the whole room, sender included, with
// the server-assigned identity and timestamp.
func (s *Server) handleChat(sess *participantSession, chat *Chat) {
	out := Chat{
		SenderUserID: sess.userID,
		Sender:       sess.username,
		Text:         chat.Text,
		SentAt:       s.clock.Now().UTC(),
	}
	s.broadcast(sess.roomID, "", Envelope{Type: TypeReceiveMessage, Chat: &out})
	s.metrics.Inc(metrics.EventChatRelayed)
}

// handleToggleMedia records the flip in the registry and announces it to the
// rest of the room. The originator is not echoed; it already applied the
// toggle locally.
func (s *Server) handleToggleMedia(conn *wsConn, sess *participantSession, media *MediaState) {
	kind := rooms.TrackAudio
	if media.Kind == MediaVideo {
		kind = rooms.TrackVideo
	}
	if _, ok := s.registry.SetMediaState(sess.roomID, sess.userID, kind, media.Enabled); !ok {
		return
	}
	out := MediaState{UserID: sess.userID, Kind: media.Kind, Enabled: media.Enabled}
	s.broadcast(sess.roomID, conn.id, Envelope{Type: TypeMediaStateChanged, Media: &out})
}

// handleLeave unwinds a participant's membership. When the connection being
// torn down is no longer the participant's live one (they reconnected), the
// registry reports no removal and no leave event is emitted.
func (s *Server) handleLeave(log *slog.Logger, conn *wsConn, sess *participantSession) {
	s.mu.Lock()
	if room, ok := s.conns[sess.roomID]; ok {
		if room[conn.id] == conn {
			delete(room, conn.id)
		}
		if len(room) == 0 {
			delete(s.conns, sess.roomID)
		}
	}
	s.mu.Unlock()

	removed, ok := s.registry.Remove(sess.roomID, conn.id)
	if !ok {
		return
	}
	s.metrics.Inc(metrics.EventParticipantLeft)

	left := rosterEntry(removed)
	s.broadcast(sess.roomID, conn.id, Envelope{Type: TypeParticipantLeft, Peer: &left})

	if n, exists := s.registry.Count(sess.roomID); !exists || n == 0 {
		s.metrics.Inc(metrics.EventRoomDestroyed)
		log.Info("room destroyed")
	}
	log.Info("participant left")
}

// broadcast delivers an envelope to every live connection in the room except
// excludeConnID (empty string excludes nobody). Full queues drop.
func (s *Server) broadcast(roomID, excludeConnID string, env Envelope) {
	s.mu.Lock()
	targets := make([]*wsConn, 0, len(s.conns[roomID]))
	for id, c := range s.conns[roomID] {
		if id == excludeConnID {
			continue
		}
		targets = append(targets, c)
	}
	s.mu.Unlock()

	for _, c := range targets {
		if !c.trySend(env) {
			s.metrics.Inc(metrics.EventSignalDroppedQueueFull)
		}
	}
}

func (s *Server) lookupConn(roomID, connectionID string) (*wsConn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[roomID][connectionID]
	return c, ok
}

// reject sends a final error envelope and shuts the connection down.
func (s *Server) reject(conn *wsConn, closeCode int, errCode, message string) {
	conn.trySend(Envelope{Type: TypeError, Code: errCode, Message: message})
	conn.shutdown(closeCode, message)
}

func rosterEntry(p rooms.Participant) RosterEntry {
	return RosterEntry{
		UserID:       p.UserID,
		ConnectionID: p.ConnectionID,
		Username:     p.Username,
		AudioEnabled: p.AudioEnabled,
		VideoEnabled: p.VideoEnabled,
	}
}
