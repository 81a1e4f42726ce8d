package peer

import (
	"encoding/json"
	"fmt"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

// PionEngine creates peer connections backed by pion/webrtc. Every connection
// carries one audio and one video transceiver so track swaps later never need
// renegotiation.
type PionEngine struct {
	api        *webrtc.API
	iceServers []webrtc.ICEServer
}

// NewPionEngine builds the engine. verbose routes pion's internal logs at
// debug level, matching dev-mode logging elsewhere. seMods adjust the
// SettingEngine before the API is built (tests use it to pin the engine onto
// a virtual network).
func NewPionEngine(iceServers []webrtc.ICEServer, verbose bool, seMods ...func(*webrtc.SettingEngine)) *PionEngine {
	lf := logging.NewDefaultLoggerFactory()
	if verbose {
		lf.DefaultLogLevel = logging.LogLevelDebug
	} else {
		lf.DefaultLogLevel = logging.LogLevelWarn
	}

	se := webrtc.SettingEngine{LoggerFactory: lf}
	for _, mod := range seMods {
		mod(&se)
	}
	return &PionEngine{
		api:        webrtc.NewAPI(webrtc.WithSettingEngine(se)),
		iceServers: iceServers,
	}
}

func (e *PionEngine) NewConn() (Conn, error) {
	pc, err := e.api.NewPeerConnection(webrtc.Configuration{ICEServers: e.iceServers})
	if err != nil {
		return nil, fmt.Errorf("peer: new peer connection: %w", err)
	}

	audio, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio,
		webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendrecv})
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("peer: add audio transceiver: %w", err)
	}
	video, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo,
		webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendrecv})
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("peer: add video transceiver: %w", err)
	}

	return &pionConn{pc: pc, audio: audio, video: video}, nil
}

type pionConn struct {
	pc    *webrtc.PeerConnection
	audio *webrtc.RTPTransceiver
	video *webrtc.RTPTransceiver
}

func (c *pionConn) CreateOffer() (json.RawMessage, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("peer: create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("peer: set local offer: %w", err)
	}
	return json.Marshal(offer)
}

func (c *pionConn) CreateAnswer() (json.RawMessage, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("peer: create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("peer: set local answer: %w", err)
	}
	return json.Marshal(answer)
}

func (c *pionConn) SetRemoteDescription(desc json.RawMessage) error {
	var sd webrtc.SessionDescription
	if err := json.Unmarshal(desc, &sd); err != nil {
		return fmt.Errorf("peer: decode remote description: %w", err)
	}
	if err := c.pc.SetRemoteDescription(sd); err != nil {
		return fmt.Errorf("peer: set remote description: %w", err)
	}
	return nil
}

func (c *pionConn) AddICECandidate(candidate json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &init); err != nil {
		return fmt.Errorf("peer: decode candidate: %w", err)
	}
	if err := c.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("peer: add candidate: %w", err)
	}
	return nil
}

func (c *pionConn) OnICECandidate(fn func(candidate json.RawMessage)) {
	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			// End of gathering; trickle consumers need no sentinel.
			return
		}
		payload, err := json.Marshal(cand.ToJSON())
		if err != nil {
			return
		}
		fn(payload)
	})
}

func (c *pionConn) OnTrack(fn func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)) {
	c.pc.OnTrack(fn)
}

func (c *pionConn) OnConnectionStateChange(fn func(state webrtc.PeerConnectionState)) {
	c.pc.OnConnectionStateChange(fn)
}

func (c *pionConn) AudioSender() TrackSender { return c.audio.Sender() }
func (c *pionConn) VideoSender() TrackSender { return c.video.Sender() }

func (c *pionConn) Close() error {
	return c.pc.Close()
}
