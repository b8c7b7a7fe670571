// Command voicemesh-peer is a headless participant: it joins one voice
// channel through the relay, streams synthetic microphone (and optionally
// camera and screen) media to every other participant, and logs what it
// hears.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/meshcall/voicemesh/internal/config"
	"github.com/meshcall/voicemesh/internal/media"
	"github.com/meshcall/voicemesh/internal/metrics"
	"github.com/meshcall/voicemesh/internal/redisconn"
	"github.com/meshcall/voicemesh/internal/registry"
	"github.com/meshcall/voicemesh/internal/signaling"
	"github.com/meshcall/voicemesh/internal/voice"
	"github.com/meshcall/voicemesh/internal/webrtcpeer"
)

const (
	startupTimeout = 15 * time.Second
	leaveTimeout   = 5 * time.Second
)

func main() {
	cfg, err := config.LoadPeer(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg.LogSettings)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("peer exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.PeerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	participant := cfg.ParticipantID
	if participant == "" {
		participant = uuid.NewString()
	}
	logger = logger.With("channel", cfg.Channel, "participant", participant)
	logger.Info("starting voicemesh-peer",
		"relay_url", cfg.RelayURL,
		"auth_mode", cfg.AuthMode,
		"fetch_ice", cfg.FetchICE,
		"registry", cfg.RedisURL != "",
	)

	startCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	iceServers := cfg.ICEServers
	if cfg.FetchICE {
		fetched, err := fetchICEServers(startCtx, http.DefaultClient, cfg, participant)
		if err != nil {
			return err
		}
		iceServers = fetched
	}

	var reg registry.Registry
	if cfg.RedisURL != "" {
		client, err := redisconn.Connect(startCtx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer client.Close()
		reg = registry.NewRedis(client)
	}

	api, err := webrtcpeer.NewAPI(webrtcpeer.Options{Settings: cfg.WebRTCSettings, Logger: logger})
	if err != nil {
		return fmt.Errorf("configure webrtc: %w", err)
	}

	m := metrics.New()
	coord, err := voice.New(voice.Config{
		ChannelID: cfg.Channel,
		LocalID:   participant,
		Signaling: signaling.NewWSChannel(signaling.WSOptions{
			URL:        cfg.RelayURL,
			AuthMode:   cfg.AuthMode,
			Credential: cfg.Credential,
			Logger:     logger,
		}),
		Media:      media.NewSyntheticSource(participant),
		Registry:   reg,
		API:        api,
		ICEServers: iceServers,
		Logger:     logger,
		Metrics:    m,
	})
	if err != nil {
		return err
	}

	if err := coord.Join(startCtx); err != nil {
		coord.Shutdown()
		return fmt.Errorf("join: %w", err)
	}
	if cfg.StartVideo {
		if err := coord.SetVideo(startCtx, true); err != nil {
			logger.Warn("camera unavailable", "err", err, "device_error", voice.IsDeviceError(err))
		}
	}
	if cfg.StartScreen {
		if err := coord.StartScreenShare(startCtx); err != nil {
			logger.Warn("screen share unavailable", "err", err, "device_error", voice.IsDeviceError(err))
		}
	}
	cancel()

	logChanges(ctx, logger, coord)

	leaveCtx, cancelLeave := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancelLeave()
	if err := coord.Leave(leaveCtx); err != nil {
		logger.Warn("leave did not complete, shutting down", "err", err)
		coord.Shutdown()
	}
	logger.Info("left channel", "counters", m.Snapshot())
	return nil
}

// logChanges reports coordinator events until ctx ends or the coordinator
// stops on its own.
func logChanges(ctx context.Context, logger *slog.Logger, coord *voice.Coordinator) {
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutdown signal received")
			return
		case ev, ok := <-coord.Changes():
			if !ok {
				return
			}
			switch ev.Type {
			case voice.ChangePeerState:
				logger.Info("peer state", "peer", ev.PeerID, "state", ev.State)
			case voice.ChangeSignalingLost:
				logger.Warn("signaling connection lost, leaving")
				return
			case voice.ChangeRemoteTrackAdded, voice.ChangeRemoteTrackRemoved:
				logger.Info("remote track", "peer", ev.PeerID, "kind", ev.Kind, "added", ev.Type == voice.ChangeRemoteTrackAdded)
			default:
				logger.Debug("change", "type", ev.Type, "peer", ev.PeerID, "kind", ev.Kind)
			}
		}
	}
}
