package media

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/roomloop/roomloop/internal/peer"
	"github.com/roomloop/roomloop/internal/signaling"
)

type fakeSender struct {
	mu       sync.Mutex
	replaced []webrtc.TrackLocal
	fail     bool
}

func (s *fakeSender) ReplaceTrack(track webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("sender gone")
	}
	s.replaced = append(s.replaced, track)
	return nil
}

func (s *fakeSender) current() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.replaced) == 0 {
		return nil
	}
	return s.replaced[len(s.replaced)-1]
}

func (s *fakeSender) replaceCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.replaced)
}

type fakePreview struct {
	mu      sync.Mutex
	current Source
}

func (p *fakePreview) SetSource(s Source) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = s
}

func (p *fakePreview) source() Source {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

func videoTrack(t *testing.T, id string) *webrtc.TrackLocalStaticSample {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, id, "test-stream")
	if err != nil {
		t.Fatalf("new track: %v", err)
	}
	return track
}

type countingSource struct {
	*StaticSource
	stops int
}

func newCountingSource(t *testing.T, id string) *countingSource {
	s := &countingSource{}
	s.StaticSource = NewStaticSource(videoTrack(t, id), func() { s.stops++ })
	return s
}

func newTestController(t *testing.T, senders []*fakeSender) (*Controller, *countingSource, *fakePreview) {
	t.Helper()
	camera := newCountingSource(t, "camera")
	preview := &fakePreview{}
	c := NewController(Options{
		VideoSource: camera,
		Preview:     preview,
		VideoSenders: func() []peer.TrackSender {
			out := make([]peer.TrackSender, len(senders))
			for i, s := range senders {
				out[i] = s
			}
			return out
		},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return c, camera, preview
}

func TestToggleFlipsStateAndNotifies(t *testing.T) {
	var notified []string
	camera := newCountingSource(t, "camera")
	c := NewController(Options{
		VideoSource: camera,
		Notify: func(kind signaling.MediaKind, enabled bool) {
			state := "on"
			if !enabled {
				state = "off"
			}
			notified = append(notified, string(kind)+"="+state)
		},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	if !c.Enabled(signaling.MediaAudio) || !c.Enabled(signaling.MediaVideo) {
		t.Fatal("tracks must start enabled")
	}
	if got := c.Toggle(signaling.MediaAudio); got {
		t.Fatal("first audio toggle should disable")
	}
	if got := c.Toggle(signaling.MediaAudio); !got {
		t.Fatal("second audio toggle should re-enable")
	}
	if got := c.Toggle(signaling.MediaVideo); got {
		t.Fatal("first video toggle should disable")
	}

	want := []string{"audio=off", "audio=on", "video=off"}
	if len(notified) != len(want) {
		t.Fatalf("notifications: got %v want %v", notified, want)
	}
	for i := range want {
		if notified[i] != want[i] {
			t.Fatalf("notifications[%d]: got %v want %v", i, notified, want)
		}
	}
	if camera.stops != 0 {
		t.Fatal("toggle must not stop the source")
	}
}

func audioTrack(t *testing.T, id string) *webrtc.TrackLocalStaticSample {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, id, "test-stream")
	if err != nil {
		t.Fatalf("new track: %v", err)
	}
	return track
}

func TestAttachInstallsActiveSources(t *testing.T) {
	camera := newCountingSource(t, "camera")
	mic := NewStaticSource(audioTrack(t, "mic"), nil)
	c := NewController(Options{
		AudioSource: mic,
		VideoSource: camera,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	// A swap before the session exists: the late session must start on the
	// replacement, not the original camera.
	replacement := newCountingSource(t, "usb-camera")
	if err := c.SwapVideoSource(replacement); err != nil {
		t.Fatalf("SwapVideoSource: %v", err)
	}

	audioSender := &fakeSender{}
	videoSender := &fakeSender{}
	c.Attach(audioSender, videoSender)

	if audioSender.current() != mic.Track() {
		t.Fatal("audio sender not attached to the mic track")
	}
	if videoSender.current() != replacement.Track() {
		t.Fatal("video sender not attached to the active video track")
	}

	// A kind without a sender is skipped.
	c.Attach(nil, nil)
}

func TestSwapVideoSourceReplacesEverywhereAndStopsPrevious(t *testing.T) {
	senders := []*fakeSender{{}, {}}
	c, camera, preview := newTestController(t, senders)

	replacement := newCountingSource(t, "usb-camera")
	if err := c.SwapVideoSource(replacement); err != nil {
		t.Fatalf("SwapVideoSource: %v", err)
	}

	for i, s := range senders {
		if s.current() != replacement.Track() {
			t.Fatalf("sender %d not switched", i)
		}
	}
	if preview.source() != Source(replacement) {
		t.Fatal("preview not switched")
	}
	if camera.stops != 1 {
		t.Fatalf("previous source stops: got %d want 1", camera.stops)
	}
}

func TestScreenShareOnOffRestoresCamera(t *testing.T) {
	senders := []*fakeSender{{}, {}, {}}
	c, camera, preview := newTestController(t, senders)

	screen := newCountingSource(t, "screen")
	acquisitions := 0
	acquire := func() (Source, error) {
		acquisitions++
		return screen, nil
	}

	if err := c.SetScreenShare(true, acquire); err != nil {
		t.Fatalf("share on: %v", err)
	}
	for i, s := range senders {
		if s.current() != screen.Track() {
			t.Fatalf("sender %d not on screen track", i)
		}
	}
	if camera.stops != 0 {
		t.Fatal("camera must stay alive during screen share")
	}

	// Re-entrant: a second on is a no-op, no second acquisition.
	if err := c.SetScreenShare(true, acquire); err != nil {
		t.Fatalf("share on again: %v", err)
	}
	if acquisitions != 1 {
		t.Fatalf("acquisitions: got %d want 1", acquisitions)
	}

	if err := c.SetScreenShare(false, nil); err != nil {
		t.Fatalf("share off: %v", err)
	}
	for i, s := range senders {
		if s.current() != camera.Track() {
			t.Fatalf("sender %d not restored to camera", i)
		}
	}
	if preview.source() != Source(camera) {
		t.Fatal("preview not restored to camera")
	}
	if screen.stops != 1 {
		t.Fatalf("screen stops: got %d want 1", screen.stops)
	}
	if camera.stops != 0 {
		t.Fatal("camera must survive the round trip")
	}

	if err := c.SetScreenShare(false, nil); err != nil {
		t.Fatalf("share off again: %v", err)
	}
}

func TestSwapSkipsFailingSenderButSwitchesOthers(t *testing.T) {
	healthy := &fakeSender{}
	broken := &fakeSender{fail: true}
	c, _, _ := newTestController(t, []*fakeSender{broken, healthy})

	replacement := newCountingSource(t, "usb-camera")
	if err := c.SwapVideoSource(replacement); err == nil {
		t.Fatal("expected an error from the failing sender")
	}
	if healthy.current() != replacement.Track() {
		t.Fatal("healthy sender must still switch")
	}
}

func TestToggleIsRenegotiationFree(t *testing.T) {
	senders := []*fakeSender{{}}
	c, _, _ := newTestController(t, senders)

	c.Toggle(signaling.MediaVideo)
	c.Toggle(signaling.MediaVideo)
	if n := senders[0].replaceCount(); n != 0 {
		t.Fatalf("toggle must not touch senders, got %d replacements", n)
	}
}

func TestCloseStopsAllSources(t *testing.T) {
	c, camera, _ := newTestController(t, nil)

	screen := newCountingSource(t, "screen")
	if err := c.SetScreenShare(true, func() (Source, error) { return screen, nil }); err != nil {
		t.Fatalf("share on: %v", err)
	}

	c.Close()
	if camera.stops != 1 || screen.stops != 1 {
		t.Fatalf("stops after Close: camera=%d screen=%d want 1,1", camera.stops, screen.stops)
	}
}
