// roomloop-bot is a headless room participant. It joins (or creates) a room,
// negotiates a peer connection with every other member, and sends synthetic
// audio and video. Useful for soak-testing a deployment and for populating a
// room during frontend development.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"

	"github.com/roomloop/roomloop/internal/config"
	"github.com/roomloop/roomloop/internal/media"
	"github.com/roomloop/roomloop/internal/peer"
	"github.com/roomloop/roomloop/internal/sigclient"
	"github.com/roomloop/roomloop/internal/signaling"
)

func main() {
	fs := flag.NewFlagSet("roomloop-bot", flag.ExitOnError)
	serverURL := fs.String("server", "http://127.0.0.1:8080", "signaling service base URL")
	roomID := fs.String("room", "", "room to join; empty creates a fresh room")
	userID := fs.String("user-id", "", "stable user identity; empty generates one")
	username := fs.String("username", "roomloop-bot", "display name")
	shareInterval := fs.Duration("screen-share-interval", 0, "periodically toggle a synthetic screen share (0 disables)")
	verbose := fs.Bool("verbose", false, "debug logging")
	_ = fs.Parse(os.Args[1:])

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := run(logger, *serverURL, *roomID, *userID, *username, *shareInterval, *verbose); err != nil {
		logger.Error("bot exited", "err", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, serverURL, roomID, userID, username string, shareInterval time.Duration, verbose bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if userID == "" {
		userID = uuid.NewString()
	}
	if roomID == "" {
		created, err := sigclient.CreateRoom(ctx, nil, serverURL)
		if err != nil {
			return fmt.Errorf("create room: %w", err)
		}
		roomID = created
		logger.Info("created room", "room_id", roomID)
	} else {
		ok, err := sigclient.RoomExists(ctx, nil, serverURL, roomID)
		if err != nil {
			return fmt.Errorf("room lookup: %w", err)
		}
		if !ok {
			return fmt.Errorf("room %q not found", roomID)
		}
	}

	iceServers, err := fetchICEServers(ctx, serverURL)
	if err != nil {
		logger.Warn("ice config unavailable, continuing without", "err", err)
	}

	client, err := sigclient.Dial(ctx, serverURL, sigclient.Options{})
	if err != nil {
		return err
	}
	defer client.Close()

	// Media device acquisition happens before any session state exists, so a
	// failure here leaves nothing to unwind.
	camera, mic, err := syntheticSources()
	if err != nil {
		return fmt.Errorf("acquire media: %w", err)
	}

	// The controller is built right after the orchestrator; sessions only
	// exist once Join is sent, so the hook never sees it nil.
	var controller *media.Controller

	engine := peer.NewPionEngine(iceServers, verbose)
	orch := peer.NewOrchestrator(peer.Options{
		Engine:      engine,
		Signaler:    client,
		LocalUserID: userID,
		Logger:      logger,
		OnStateChange: func(remote string, state peer.SessionState) {
			logger.Info("session state", "remote_user_id", remote, "state", state.String())
		},
		OnTrack: func(remote string, track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			logger.Info("remote track", "remote_user_id", remote, "kind", track.Kind().String())
			go drainTrack(track)
		},
		OnConnCreated: func(_ string, conn peer.Conn) {
			controller.Attach(conn.AudioSender(), conn.VideoSender())
		},
	})
	defer orch.Close()

	controller = media.NewController(media.Options{
		AudioSource:  mic,
		VideoSource:  camera,
		VideoSenders: orch.VideoSenders,
		Notify: func(kind signaling.MediaKind, enabled bool) {
			_ = client.SendMediaToggle(kind, enabled)
		},
		Logger: logger,
	})
	defer controller.Close()

	go pumpSamples(ctx, controller, camera, mic)
	if shareInterval > 0 {
		go toggleScreenShare(ctx, logger, controller, shareInterval)
	}

	if err := client.Join(roomID, userID, username); err != nil {
		return err
	}
	logger.Info("joining room", "room_id", roomID, "user_id", userID)

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return nil
		case ev, ok := <-client.Events():
			if !ok {
				return fmt.Errorf("signaling channel closed")
			}
			switch ev := ev.(type) {
			case sigclient.RosterSnapshot:
				logger.Info("joined", "peers", len(ev.Peers))
				orch.HandleRosterSnapshot(ev.Peers)
			case sigclient.ParticipantJoined:
				logger.Info("participant joined", "user_id", ev.Peer.UserID, "username", ev.Peer.Username)
				orch.HandleParticipantJoined(ev.Peer)
			case sigclient.ParticipantLeft:
				logger.Info("participant left", "user_id", ev.Peer.UserID, "username", ev.Peer.Username)
				orch.HandleParticipantLeft(ev.Peer)
			case sigclient.SignalReceived:
				orch.HandleSignal(ev.Signal)
			case sigclient.MediaStateChanged:
				logger.Info("peer media state", "user_id", ev.State.UserID, "kind", ev.State.Kind, "enabled", ev.State.Enabled)
			case sigclient.ChatReceived:
				logger.Info("chat", "from", ev.Chat.Sender, "text", ev.Chat.Text)
			case sigclient.ServerError:
				return fmt.Errorf("server error %s: %s", ev.Code, ev.Message)
			case sigclient.Disconnected:
				if ev.Err != nil {
					return fmt.Errorf("disconnected: %w", ev.Err)
				}
				return nil
			}
		}
	}
}

func fetchICEServers(ctx context.Context, serverURL string) ([]webrtc.ICEServer, error) {
	// The service publishes its ICE configuration; parsing reuses the same
	// strict rules the server applied to it.
	raw, err := sigclient.FetchICEConfig(ctx, nil, serverURL)
	if err != nil {
		return nil, err
	}
	return config.ParseICEServersJSON(string(raw))
}

// syntheticSources builds the bot's stand-ins for camera and microphone.
func syntheticSources() (camera *media.StaticSource, mic *media.StaticSource, err error) {
	videoTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "roomloop-bot")
	if err != nil {
		return nil, nil, err
	}
	audioTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "roomloop-bot")
	if err != nil {
		return nil, nil, err
	}
	return media.NewStaticSource(videoTrack, nil), media.NewStaticSource(audioTrack, nil), nil
}

// pumpSamples feeds placeholder frames into whichever sources are live,
// respecting the controller's enabled gates.
func pumpSamples(ctx context.Context, controller *media.Controller, camera, mic *media.StaticSource) {
	ticker := time.NewTicker(40 * time.Millisecond)
	defer ticker.Stop()

	frame := []byte{0x00}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if controller.Enabled(signaling.MediaVideo) {
				if track, ok := camera.Track().(*webrtc.TrackLocalStaticSample); ok {
					_ = track.WriteSample(pionmedia.Sample{Data: frame, Duration: 40 * time.Millisecond})
				}
			}
			if controller.Enabled(signaling.MediaAudio) {
				if track, ok := mic.Track().(*webrtc.TrackLocalStaticSample); ok {
					_ = track.WriteSample(pionmedia.Sample{Data: frame, Duration: 40 * time.Millisecond})
				}
			}
		}
	}
}

func toggleScreenShare(ctx context.Context, logger *slog.Logger, controller *media.Controller, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sharing := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sharing = !sharing
			err := controller.SetScreenShare(sharing, func() (media.Source, error) {
				track, err := webrtc.NewTrackLocalStaticSample(
					webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "screen", "roomloop-bot")
				if err != nil {
					return nil, err
				}
				return media.NewStaticSource(track, nil), nil
			})
			if err != nil {
				logger.Error("screen share toggle failed", "sharing", sharing, "err", err)
				continue
			}
			logger.Info("screen share toggled", "sharing", sharing)
		}
	}
}

// drainTrack keeps the remote track's RTP queue empty; the bot renders
// nothing.
func drainTrack(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}
