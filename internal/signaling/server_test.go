package signaling

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roomloop/roomloop/internal/config"
	"github.com/roomloop/roomloop/internal/metrics"
	"github.com/roomloop/roomloop/internal/rooms"
)

func testConfig() config.Config {
	return config.Config{
		SignalingWSIdleTimeout:        time.Minute,
		SignalingWSPingInterval:       20 * time.Second,
		MaxSignalingMessageBytes:      64 * 1024,
		MaxSignalingMessagesPerSecond: 1000,
		SignalingSendQueueLength:      32,
	}
}

type testHarness struct {
	srv      *httptest.Server
	registry *rooms.Registry
	metrics  *metrics.Metrics
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := rooms.NewRegistry(time.Minute, nil)
	m := metrics.New()
	server := NewServer(testConfig(), log, registry, m, nil)
	srv := httptest.NewServer(server)
	t.Cleanup(srv.Close)
	return &testHarness{srv: srv, registry: registry, metrics: m}
}

func (h *testHarness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

// join dials, joins the room, and returns the connection plus the roster
// snapshot that confirms admission.
func (h *testHarness) join(t *testing.T, roomID, userID, username string) (*websocket.Conn, Envelope) {
	t.Helper()
	ws := h.dial(t)
	send(t, ws, Envelope{Type: TypeJoinRoom, Join: &JoinRoom{RoomID: roomID, UserID: userID, Username: username}})
	snapshot := recv(t, ws)
	if snapshot.Type != TypeRosterSnapshot {
		t.Fatalf("first message after join: got %s want roster-snapshot", snapshot.Type)
	}
	return ws, snapshot
}

func send(t *testing.T, ws *websocket.Conn, env Envelope) {
	t.Helper()
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func recv(t *testing.T, ws *websocket.Conn) Envelope {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	env, err := ParseEnvelope(data)
	if err != nil {
		t.Fatalf("parse %s: %v", data, err)
	}
	return env
}

func TestJoinDeliversRosterThenAnnounces(t *testing.T) {
	h := newTestHarness(t)
	roomID := h.registry.Create()

	wsA, snapA := h.join(t, roomID, "alice", "Alice")
	if len(snapA.Roster) != 0 {
		t.Fatalf("first joiner roster: got %+v want empty", snapA.Roster)
	}

	_, snapB := h.join(t, roomID, "bob", "Bob")
	if len(snapB.Roster) != 1 {
		t.Fatalf("second joiner roster: got %+v want one entry", snapB.Roster)
	}
	if got := snapB.Roster[0]; got.UserID != "alice" || got.Username != "Alice" || got.ConnectionID == "" {
		t.Fatalf("roster entry: got %+v", got)
	}

	joined := recv(t, wsA)
	if joined.Type != TypeParticipantJoined {
		t.Fatalf("existing member: got %s want participant-joined", joined.Type)
	}
	if joined.Peer.UserID != "bob" || joined.Peer.ConnectionID == "" {
		t.Fatalf("participant-joined peer: got %+v", joined.Peer)
	}
}

func TestJoinUnknownRoomRejected(t *testing.T) {
	h := newTestHarness(t)

	ws := h.dial(t)
	send(t, ws, Envelope{Type: TypeJoinRoom, Join: &JoinRoom{RoomID: "no-such-room", UserID: "alice", Username: "Alice"}})

	errEnv := recv(t, ws)
	if errEnv.Type != TypeError || errEnv.Code != ErrCodeRoomNotFound {
		t.Fatalf("got %+v want room_not_found error", errEnv)
	}
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Fatal("connection should be closed after rejection")
	}
}

func TestMessageBeforeJoinRejected(t *testing.T) {
	h := newTestHarness(t)

	ws := h.dial(t)
	send(t, ws, Envelope{Type: TypeSendMessage, Chat: &Chat{Text: "hi"}})

	errEnv := recv(t, ws)
	if errEnv.Type != TypeError || errEnv.Code != ErrCodeNotJoined {
		t.Fatalf("got %+v want not_joined error", errEnv)
	}
}

func TestSignalRelayedToTargetOnly(t *testing.T) {
	h := newTestHarness(t)
	roomID := h.registry.Create()

	wsA, _ := h.join(t, roomID, "alice", "Alice")
	wsB, snapB := h.join(t, roomID, "bob", "Bob")
	wsC, _ := h.join(t, roomID, "carol", "Carol")

	// Drain the join announcements.
	recv(t, wsA) // bob joined
	recv(t, wsA) // carol joined
	recv(t, wsB) // carol joined

	aliceConnID := snapB.Roster[0].ConnectionID

	offer := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	send(t, wsB, Envelope{Type: TypeSignal, Signal: &Signal{
		TargetConnectionID: aliceConnID,
		Kind:               SignalOffer,
		Payload:            offer,
	}})

	got := recv(t, wsA)
	if got.Type != TypeSignal {
		t.Fatalf("got %s want signal", got.Type)
	}
	if got.Signal.SenderUserID != "bob" {
		t.Fatalf("senderUserId: got %q want bob", got.Signal.SenderUserID)
	}
	if got.Signal.SenderConnectionID == "" {
		t.Fatal("senderConnectionId must be stamped by the server")
	}
	if got.Signal.TargetConnectionID != "" {
		t.Fatalf("targetConnectionId should be cleared, got %q", got.Signal.TargetConnectionID)
	}
	if string(got.Signal.Payload) != string(offer) {
		t.Fatalf("payload: got %s", got.Signal.Payload)
	}

	// Carol must see nothing. Send her a chat to prove the next message she
	// receives is the chat, not the offer.
	send(t, wsC, Envelope{Type: TypeSendMessage, Chat: &Chat{Text: "ping"}})
	env := recv(t, wsC)
	if env.Type != TypeReceiveMessage {
		t.Fatalf("carol: got %s want receive-message", env.Type)
	}
}

func TestSignalToStaleTargetDroppedSilently(t *testing.T) {
	h := newTestHarness(t)
	roomID := h.registry.Create()

	wsA, _ := h.join(t, roomID, "alice", "Alice")

	send(t, wsA, Envelope{Type: TypeSignal, Signal: &Signal{
		TargetConnectionID: "gone",
		Kind:               SignalICECandidate,
		Payload:            json.RawMessage(`{"candidate":""}`),
	}})

	// The connection must survive: a follow-up chat round-trips.
	send(t, wsA, Envelope{Type: TypeSendMessage, Chat: &Chat{Text: "still here"}})
	env := recv(t, wsA)
	if env.Type != TypeReceiveMessage || env.Chat.Text != "still here" {
		t.Fatalf("got %+v want echoed chat", env)
	}

	if got := h.metrics.Get(metrics.EventSignalDroppedStale); got != 1 {
		t.Fatalf("stale drop counter: got %d want 1", got)
	}
}

func TestChatBroadcastIncludesSender(t *testing.T) {
	h := newTestHarness(t)
	roomID := h.registry.Create()

	wsA, _ := h.join(t, roomID, "alice", "Alice")
	wsB, _ := h.join(t, roomID, "bob", "Bob")
	recv(t, wsA) // bob joined

	send(t, wsA, Envelope{Type: TypeSendMessage, Chat: &Chat{Text: "hello room"}})

	for name, ws := range map[string]*websocket.Conn{"alice": wsA, "bob": wsB} {
		env := recv(t, ws)
		if env.Type != TypeReceiveMessage {
			t.Fatalf("%s: got %s want receive-message", name, env.Type)
		}
		if env.Chat.SenderUserID != "alice" || env.Chat.Sender != "Alice" || env.Chat.Text != "hello room" {
			t.Fatalf("%s: got %+v", name, env.Chat)
		}
		if env.Chat.SentAt.IsZero() {
			t.Fatalf("%s: sentAt must be stamped by the server", name)
		}
	}
}

func TestToggleMediaBroadcastAndRegistryUpdate(t *testing.T) {
	h := newTestHarness(t)
	roomID := h.registry.Create()

	wsA, _ := h.join(t, roomID, "alice", "Alice")
	wsB, _ := h.join(t, roomID, "bob", "Bob")
	recv(t, wsA) // bob joined

	send(t, wsA, Envelope{Type: TypeToggleMedia, Media: &MediaState{Kind: MediaAudio, Enabled: false}})

	env := recv(t, wsB)
	if env.Type != TypeMediaStateChanged {
		t.Fatalf("got %s want media-state-changed", env.Type)
	}
	if env.Media.UserID != "alice" || env.Media.Kind != MediaAudio || env.Media.Enabled {
		t.Fatalf("got %+v", env.Media)
	}

	// The originator gets no echo: the next message alice sees is bob's chat,
	// not her own toggle.
	send(t, wsB, Envelope{Type: TypeSendMessage, Chat: &Chat{Text: "saw it"}})
	next := recv(t, wsA)
	if next.Type != TypeReceiveMessage || next.Chat.Text != "saw it" {
		t.Fatalf("alice: got %+v want bob's chat, not a toggle echo", next)
	}

	// Later joiners see the toggle reflected in their roster snapshot.
	_, snapC := h.join(t, roomID, "carol", "Carol")
	for _, entry := range snapC.Roster {
		if entry.UserID == "alice" && entry.AudioEnabled {
			t.Fatal("roster must reflect alice's muted audio")
		}
	}
}

func TestLeaveBroadcastsAndDestroysEmptyRoom(t *testing.T) {
	h := newTestHarness(t)
	roomID := h.registry.Create()

	wsA, _ := h.join(t, roomID, "alice", "Alice")
	wsB, _ := h.join(t, roomID, "bob", "Bob")
	recv(t, wsA) // bob joined

	_ = wsB.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	wsB.Close()

	left := recv(t, wsA)
	if left.Type != TypeParticipantLeft || left.Peer.UserID != "bob" {
		t.Fatalf("got %+v want participant-left for bob", left)
	}

	wsA.Close()
	deadline := time.Now().Add(5 * time.Second)
	for h.registry.Exists(roomID) {
		if time.Now().After(deadline) {
			t.Fatal("room should be destroyed once the last participant leaves")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestReconnectReplacesConnectionWithoutLeaveEvent(t *testing.T) {
	h := newTestHarness(t)
	roomID := h.registry.Create()

	wsObserver, _ := h.join(t, roomID, "observer", "Observer")
	wsOld, _ := h.join(t, roomID, "alice", "Alice")
	recv(t, wsObserver) // alice joined

	_, snapNew := h.join(t, roomID, "alice", "Alice")
	joinedAgain := recv(t, wsObserver)
	if joinedAgain.Type != TypeParticipantJoined || joinedAgain.Peer.UserID != "alice" {
		t.Fatalf("got %+v want participant-joined for alice", joinedAgain)
	}
	if len(snapNew.Roster) != 1 || snapNew.Roster[0].UserID != "observer" {
		t.Fatalf("reconnect roster: got %+v", snapNew.Roster)
	}

	// Closing the superseded connection must not produce a leave event; the
	// next thing the observer sees is this chat.
	wsOld.Close()
	send(t, wsObserver, Envelope{Type: TypeSendMessage, Chat: &Chat{Text: "still two of us"}})
	env := recv(t, wsObserver)
	if env.Type != TypeReceiveMessage || env.Chat.Text != "still two of us" {
		t.Fatalf("got %+v want the chat, not a leave event", env)
	}
}

func TestMalformedMessageRejected(t *testing.T) {
	h := newTestHarness(t)
	roomID := h.registry.Create()

	wsA, _ := h.join(t, roomID, "alice", "Alice")
	if err := wsA.WriteMessage(websocket.TextMessage, []byte(`{"type":"signal"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	errEnv := recv(t, wsA)
	if errEnv.Type != TypeError || errEnv.Code != ErrCodeInvalidMessage {
		t.Fatalf("got %+v want invalid_message error", errEnv)
	}
}

func TestOriginPolicy(t *testing.T) {
	h := newTestHarness(t)

	url := "ws" + strings.TrimPrefix(h.srv.URL, "http")
	header := map[string][]string{"Origin": {"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		t.Fatal("cross-origin dial should be rejected")
	}
	if resp == nil || resp.StatusCode != 403 {
		t.Fatalf("expected 403 handshake rejection, got %+v", resp)
	}
}
