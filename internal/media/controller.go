// Package media owns the outgoing tracks of one local participant: the
// enabled/disabled gate per track kind, and the camera/screen hot swap that
// replaces the outgoing video track across every live peer session without
// renegotiation.
package media

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/roomloop/roomloop/internal/peer"
	"github.com/roomloop/roomloop/internal/signaling"
)

// Source is one capture path: a local track plus the handle to release the
// underlying device.
type Source interface {
	Track() webrtc.TrackLocal
	Stop()
}

// Preview is the local self-view sink.
type Preview interface {
	SetSource(Source)
}

// SenderProvider returns the video senders of every live peer session. The
// orchestrator's VideoSenders method satisfies it.
type SenderProvider func() []peer.TrackSender

// Notifier reports a local track toggle so it can be broadcast to the room.
type Notifier func(kind signaling.MediaKind, enabled bool)

// Options configures a Controller. VideoSenders is required for swaps; the
// rest is optional.
type Options struct {
	AudioSource  Source
	VideoSource  Source
	Preview      Preview
	VideoSenders SenderProvider
	Notify       Notifier
	Logger       *slog.Logger
}

// Controller tracks the active outgoing sources and their enabled state.
type Controller struct {
	log *slog.Logger

	mu           sync.Mutex
	audio        Source
	video        Source
	audioEnabled bool
	videoEnabled bool

	// camera holds the pre-share capture path while screen sharing, so
	// stopping the share restores the original track, not a re-acquired one.
	camera       Source
	screenActive bool

	preview      Preview
	videoSenders SenderProvider
	notify       Notifier
}

func NewController(opts Options) *Controller {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	c := &Controller{
		log:          log,
		audio:        opts.AudioSource,
		video:        opts.VideoSource,
		audioEnabled: true,
		videoEnabled: true,
		preview:      opts.Preview,
		videoSenders: opts.VideoSenders,
		notify:       opts.Notify,
	}
	if c.preview != nil && c.video != nil {
		c.preview.SetSource(c.video)
	}
	return c
}

// Toggle flips the enabled flag for a track kind in place and returns the new
// state. No renegotiation and no track replacement happen; sample writers
// consult Enabled before pushing media.
func (c *Controller) Toggle(kind signaling.MediaKind) bool {
	c.mu.Lock()
	var enabled bool
	switch kind {
	case signaling.MediaAudio:
		c.audioEnabled = !c.audioEnabled
		enabled = c.audioEnabled
	case signaling.MediaVideo:
		c.videoEnabled = !c.videoEnabled
		enabled = c.videoEnabled
	}
	c.mu.Unlock()

	if c.notify != nil {
		c.notify(kind, enabled)
	}
	return enabled
}

// Enabled reports whether samples for the kind should currently be sent.
func (c *Controller) Enabled(kind signaling.MediaKind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if kind == signaling.MediaAudio {
		return c.audioEnabled
	}
	return c.videoEnabled
}

// Attach points a fresh session's senders at the currently active sources.
// Sessions created mid-call start with whatever source a prior swap left
// active, not the one the call started with. A nil sender for a kind skips
// that kind.
func (c *Controller) Attach(audioSender, videoSender peer.TrackSender) {
	c.mu.Lock()
	audio := c.audio
	video := c.video
	c.mu.Unlock()

	if audioSender != nil && audio != nil {
		if err := audioSender.ReplaceTrack(audio.Track()); err != nil {
			c.log.Error("audio track attach failed", "error", err)
		}
	}
	if videoSender != nil && video != nil {
		if err := videoSender.ReplaceTrack(video.Track()); err != nil {
			c.log.Error("video track attach failed", "error", err)
		}
	}
}

// SwapVideoSource replaces the outgoing video track on every live session,
// points the preview at the new source, and stops the previous source to
// release its device.
func (c *Controller) SwapVideoSource(newSource Source) error {
	c.mu.Lock()
	previous := c.video
	c.video = newSource
	c.mu.Unlock()

	err := c.install(newSource)
	if previous != nil {
		previous.Stop()
	}
	return err
}

// SetScreenShare switches the outgoing video between screen capture and the
// camera. acquire is only called when the share actually starts. Re-entrant:
// turning it on twice is a no-op, and on/off restores the original camera
// source end to end, senders and preview included.
func (c *Controller) SetScreenShare(on bool, acquire func() (Source, error)) error {
	c.mu.Lock()
	if on == c.screenActive {
		c.mu.Unlock()
		return nil
	}

	if on {
		c.mu.Unlock()
		screen, err := acquire()
		if err != nil {
			return err
		}

		c.mu.Lock()
		c.camera = c.video
		c.video = screen
		c.screenActive = true
		c.mu.Unlock()

		// The camera stays alive for restoration; only the senders and
		// preview move to the screen track.
		return c.install(screen)
	}

	screen := c.video
	camera := c.camera
	c.video = camera
	c.camera = nil
	c.screenActive = false
	c.mu.Unlock()

	err := c.install(camera)
	if screen != nil {
		screen.Stop()
	}
	return err
}

// install points every live video sender and the preview at the source.
// A sender that fails to replace is logged and skipped; the others still
// switch.
func (c *Controller) install(source Source) error {
	if source == nil {
		return nil
	}
	var errs []error
	if c.videoSenders != nil {
		for _, sender := range c.videoSenders() {
			if err := sender.ReplaceTrack(source.Track()); err != nil {
				c.log.Error("video track replace failed", "error", err)
				errs = append(errs, err)
			}
		}
	}
	if c.preview != nil {
		c.preview.SetSource(source)
	}
	return errors.Join(errs...)
}

// Close stops every held source.
func (c *Controller) Close() {
	c.mu.Lock()
	sources := []Source{c.audio, c.video, c.camera}
	c.audio, c.video, c.camera = nil, nil, nil
	c.screenActive = false
	c.mu.Unlock()

	for _, s := range sources {
		if s != nil {
			s.Stop()
		}
	}
}
