package peer

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"
)

// vnetEngine pins an engine onto a virtual network so connectivity can be
// exercised hermetically, without touching host networking.
func vnetEngine(t *testing.T, router *vnet.Router, ip string) *PionEngine {
	t.Helper()
	n, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ip}})
	if err != nil {
		t.Fatalf("new net %s: %v", ip, err)
	}
	if err := router.AddNet(n); err != nil {
		t.Fatalf("add net %s: %v", ip, err)
	}
	return NewPionEngine(nil, false, func(se *webrtc.SettingEngine) {
		se.SetNet(n)
	})
}

func TestPionEngineConnectsOverVirtualNetwork(t *testing.T) {
	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() { _ = router.Stop() })

	engineA := vnetEngine(t, router, "10.0.0.1")
	engineB := vnetEngine(t, router, "10.0.0.2")

	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}

	offerer, err := engineA.NewConn()
	if err != nil {
		t.Fatalf("NewConn offerer: %v", err)
	}
	t.Cleanup(func() { _ = offerer.Close() })
	answerer, err := engineB.NewConn()
	if err != nil {
		t.Fatalf("NewConn answerer: %v", err)
	}
	t.Cleanup(func() { _ = answerer.Close() })

	connectedCh := func(c Conn) chan struct{} {
		ch := make(chan struct{})
		var once sync.Once
		c.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
			if s == webrtc.PeerConnectionStateConnected {
				once.Do(func() { close(ch) })
			}
		})
		return ch
	}
	offererUp := connectedCh(offerer)
	answererUp := connectedCh(answerer)

	// Candidates trickle from the moment the local description is applied, so
	// buffer them and forward only once both sides hold a remote description.
	fromOfferer := make(chan json.RawMessage, 32)
	fromAnswerer := make(chan json.RawMessage, 32)
	offerer.OnICECandidate(func(cand json.RawMessage) { fromOfferer <- cand })
	answerer.OnICECandidate(func(cand json.RawMessage) { fromAnswerer <- cand })

	offer, err := offerer.CreateOffer()
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if err := answerer.SetRemoteDescription(offer); err != nil {
		t.Fatalf("SetRemoteDescription offer: %v", err)
	}
	answer, err := answerer.CreateAnswer()
	if err != nil {
		t.Fatalf("CreateAnswer: %v", err)
	}
	if err := offerer.SetRemoteDescription(answer); err != nil {
		t.Fatalf("SetRemoteDescription answer: %v", err)
	}

	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })
	forward := func(from chan json.RawMessage, to Conn) {
		for {
			select {
			case cand := <-from:
				_ = to.AddICECandidate(cand)
			case <-stop:
				return
			}
		}
	}
	go forward(fromOfferer, answerer)
	go forward(fromAnswerer, offerer)

	for _, wait := range []struct {
		name string
		ch   chan struct{}
	}{
		{"offerer", offererUp},
		{"answerer", answererUp},
	} {
		select {
		case <-wait.ch:
		case <-time.After(15 * time.Second):
			t.Fatalf("timed out waiting for %s transport to connect", wait.name)
		}
	}
}
