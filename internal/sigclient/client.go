// Package sigclient is the Go client for the room signaling channel. It is
// used by the headless bot and by integration tests; browsers speak the same
// protocol over their native websocket.
package sigclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roomloop/roomloop/internal/signaling"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

var ErrClosed = errors.New("sigclient: client closed")

// Event is a typed message from the signaling server. Consumers switch on the
// concrete type.
type Event interface{ isEvent() }

// RosterSnapshot lists the room members present before this client joined.
// Receiving it confirms admission; the recipient initiates negotiation toward
// every listed peer.
type RosterSnapshot struct{ Peers []signaling.RosterEntry }

// ParticipantJoined announces a newcomer. The newcomer initiates; observers
// wait for its offer.
type ParticipantJoined struct{ Peer signaling.RosterEntry }

// ParticipantLeft announces a departure.
type ParticipantLeft struct{ Peer signaling.RosterEntry }

// SignalReceived carries a forwarded negotiation envelope.
type SignalReceived struct{ Signal signaling.Signal }

// MediaStateChanged reports a peer's track toggle.
type MediaStateChanged struct{ State signaling.MediaState }

// ChatReceived carries a room chat message.
type ChatReceived struct{ Chat signaling.Chat }

// ServerError is a terminal error envelope; the server closes the connection
// after sending it.
type ServerError struct {
	Code    string
	Message string
}

// Disconnected is the final event on the stream. Err is nil on a clean close.
type Disconnected struct{ Err error }

func (RosterSnapshot) isEvent()    {}
func (ParticipantJoined) isEvent() {}
func (ParticipantLeft) isEvent()   {}
func (SignalReceived) isEvent()    {}
func (MediaStateChanged) isEvent() {}
func (ChatReceived) isEvent()      {}
func (ServerError) isEvent()       {}
func (Disconnected) isEvent()      {}

// Options tunes Dial. The zero value is usable.
type Options struct {
	// HTTPClient is used for the REST helpers. Defaults to http.DefaultClient.
	HTTPClient *http.Client
	// Dialer is used for the websocket handshake. Defaults to
	// websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

// Client is one signaling connection. Events arrive on Events(); all Send
// methods enqueue onto the write pump and never block on the network.
type Client struct {
	ws       *websocket.Conn
	events   chan Event
	outgoing chan signaling.Envelope

	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects the signaling websocket at baseURL (an http:// or https://
// service address; the /ws path is appended).
func Dial(ctx context.Context, baseURL string, opts Options) (*Client, error) {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	ws, resp, err := dialer.DialContext(ctx, wsURL(baseURL), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("sigclient: dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("sigclient: dial: %w", err)
	}

	c := &Client{
		ws:       ws,
		events:   make(chan Event, 64),
		outgoing: make(chan signaling.Envelope, 64),
		done:     make(chan struct{}),
	}

	ws.SetReadLimit(maxMessageSize)
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.readPump()
	go c.writePump()
	return c, nil
}

func wsURL(baseURL string) string {
	u := strings.TrimSuffix(baseURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}

// Events returns the inbound event stream. The channel is closed after a
// Disconnected event once the connection ends.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Join announces identity and room membership. It must be the first message
// sent; the server tears the connection down otherwise.
func (c *Client) Join(roomID, userID, username string) error {
	return c.enqueue(signaling.Envelope{
		Type: signaling.TypeJoinRoom,
		Join: &signaling.JoinRoom{RoomID: roomID, UserID: userID, Username: username},
	})
}

// SendSignal routes one negotiation envelope to the peer connection identity
// learned from the roster snapshot or a forwarded signal.
func (c *Client) SendSignal(targetConnectionID string, kind signaling.SignalKind, payload json.RawMessage) error {
	return c.enqueue(signaling.Envelope{
		Type: signaling.TypeSignal,
		Signal: &signaling.Signal{
			TargetConnectionID: targetConnectionID,
			Kind:               kind,
			Payload:            payload,
		},
	})
}

// SendChat broadcasts a text message to the room.
func (c *Client) SendChat(text string) error {
	return c.enqueue(signaling.Envelope{
		Type: signaling.TypeSendMessage,
		Chat: &signaling.Chat{Text: text},
	})
}

// SendMediaToggle reports a local track enable/disable to the room.
func (c *Client) SendMediaToggle(kind signaling.MediaKind, enabled bool) error {
	return c.enqueue(signaling.Envelope{
		Type:  signaling.TypeToggleMedia,
		Media: &signaling.MediaState{Kind: kind, Enabled: enabled},
	})
}

func (c *Client) enqueue(env signaling.Envelope) error {
	select {
	case <-c.done:
		return ErrClosed
	case c.outgoing <- env:
		return nil
	}
}

// Close sends a close frame and tears the connection down. Safe to call more
// than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Client) readPump() {
	defer func() {
		c.Close()
		_ = c.ws.Close()
		close(c.events)
	}()

	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = nil
			}
			c.emit(Disconnected{Err: err})
			return
		}

		env, err := signaling.ParseEnvelope(data)
		if err != nil {
			c.emit(Disconnected{Err: fmt.Errorf("sigclient: bad server message: %w", err)})
			return
		}

		switch env.Type {
		case signaling.TypeRosterSnapshot:
			c.emit(RosterSnapshot{Peers: env.Roster})
		case signaling.TypeParticipantJoined:
			c.emit(ParticipantJoined{Peer: *env.Peer})
		case signaling.TypeParticipantLeft:
			c.emit(ParticipantLeft{Peer: *env.Peer})
		case signaling.TypeSignal:
			c.emit(SignalReceived{Signal: *env.Signal})
		case signaling.TypeMediaStateChanged:
			c.emit(MediaStateChanged{State: *env.Media})
		case signaling.TypeReceiveMessage:
			c.emit(ChatReceived{Chat: *env.Chat})
		case signaling.TypeError:
			c.emit(ServerError{Code: env.Code, Message: env.Message})
		}
	}
}

// emit delivers an event, dropping the oldest queued event when the consumer
// lags so the read pump never stalls the websocket.
func (c *Client) emit(ev Event) {
	for {
		select {
		case c.events <- ev:
			return
		default:
			select {
			case <-c.events:
			default:
			}
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case env := <-c.outgoing:
			data, err := json.Marshal(env)
			if err != nil {
				continue
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}
