package peer

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestPionEngineOfferAnswerExchange(t *testing.T) {
	engine := NewPionEngine(nil, false)

	offerer, err := engine.NewConn()
	if err != nil {
		t.Fatalf("NewConn offerer: %v", err)
	}
	defer offerer.Close()
	answerer, err := engine.NewConn()
	if err != nil {
		t.Fatalf("NewConn answerer: %v", err)
	}
	defer answerer.Close()

	// Callbacks must be registerable before negotiation starts.
	offerer.OnICECandidate(func(json.RawMessage) {})
	answerer.OnICECandidate(func(json.RawMessage) {})

	offer, err := offerer.CreateOffer()
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	var sd struct {
		Type string `json:"type"`
		SDP  string `json:"sdp"`
	}
	if err := json.Unmarshal(offer, &sd); err != nil {
		t.Fatalf("offer payload not a session description: %v", err)
	}
	if sd.Type != "offer" {
		t.Fatalf("type: got %q want offer", sd.Type)
	}
	if !strings.Contains(sd.SDP, "m=audio") || !strings.Contains(sd.SDP, "m=video") {
		t.Fatal("offer must carry audio and video sections so track swaps never renegotiate")
	}

	if err := answerer.SetRemoteDescription(offer); err != nil {
		t.Fatalf("SetRemoteDescription: %v", err)
	}
	answer, err := answerer.CreateAnswer()
	if err != nil {
		t.Fatalf("CreateAnswer: %v", err)
	}
	if err := offerer.SetRemoteDescription(answer); err != nil {
		t.Fatalf("SetRemoteDescription answer: %v", err)
	}
}

func TestPionEngineSendersExist(t *testing.T) {
	engine := NewPionEngine(nil, false)

	conn, err := engine.NewConn()
	if err != nil {
		t.Fatalf("NewConn: %v", err)
	}
	defer conn.Close()

	if conn.AudioSender() == nil {
		t.Fatal("audio sender must exist before negotiation")
	}
	if conn.VideoSender() == nil {
		t.Fatal("video sender must exist before negotiation")
	}
}

func TestPionEngineRejectsGarbagePayloads(t *testing.T) {
	engine := NewPionEngine(nil, false)

	conn, err := engine.NewConn()
	if err != nil {
		t.Fatalf("NewConn: %v", err)
	}
	defer conn.Close()

	if err := conn.SetRemoteDescription(json.RawMessage(`{"type":"offer","sdp":"not-sdp"}`)); err == nil {
		t.Fatal("invalid SDP must be rejected")
	}
	if err := conn.AddICECandidate(json.RawMessage(`not json`)); err == nil {
		t.Fatal("invalid candidate payload must be rejected")
	}
}
