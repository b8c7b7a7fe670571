package voice

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/meshcall/voicemesh/internal/media"
	"github.com/meshcall/voicemesh/internal/metrics"
	"github.com/meshcall/voicemesh/internal/registry"
	"github.com/meshcall/voicemesh/internal/signaling"
)

// Join acquires the microphone, subscribes to the channel and offers to every
// present peer this participant initiates to. A DeviceAcquisitionError aborts
// the join; the coordinator may then try again. If ctx ends once the
// subscription is made, the coordinator is shut down.
func (c *Coordinator) Join(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(stateIdle), int32(stateJoining)) {
		if lifecycle(c.state.Load()) == stateLeft {
			return ErrClosed
		}
		return ErrAlreadyJoined
	}

	mic, err := c.cfg.Media.Microphone(ctx, media.DefaultAudioConstraints())
	if err != nil {
		c.state.CompareAndSwap(int32(stateJoining), int32(stateIdle))
		return err
	}
	c.rememberTrack(mic)
	if err := c.do(ctx, func() error {
		c.local.audio = mic
		return nil
	}); err != nil {
		mic.Stop()
		c.state.CompareAndSwap(int32(stateJoining), int32(stateIdle))
		return err
	}

	handler := signaling.Handler{
		Message: func(m signaling.Message) {
			c.post(func() { c.handleSignal(m) })
		},
		Join: func(id string) {
			c.post(func() { c.handlePeerJoined(id, true) })
		},
		Leave: func(id string) {
			c.post(func() { c.handlePeerLeft(id) })
		},
		Lost: func(err error) {
			c.post(func() { c.handleSignalingLost(err) })
		},
	}
	present, err := c.cfg.Signaling.Subscribe(ctx, c.cfg.ChannelID, c.cfg.LocalID, handler)
	if err != nil {
		_ = c.do(context.Background(), func() error {
			c.local.audio = nil
			return nil
		})
		mic.Stop()
		c.state.CompareAndSwap(int32(stateJoining), int32(stateIdle))
		return fmt.Errorf("subscribe to channel %q: %w", c.cfg.ChannelID, err)
	}

	if c.writer != nil {
		c.writer.Upsert(registry.Participant{
			ChannelID: c.cfg.ChannelID,
			ID:        c.cfg.LocalID,
			JoinedAt:  time.Now().UTC(),
		})
	}

	err = c.do(ctx, func() error {
		if !c.state.CompareAndSwap(int32(stateJoining), int32(stateJoined)) {
			return ErrClosed
		}
		for _, id := range present {
			c.handlePeerJoined(id, false)
		}
		c.log.Info("joined voice channel", "present", len(present))
		c.emit(ChangeEvent{Type: ChangeLocalMedia, Kind: media.KindAudio})
		return nil
	})
	switch {
	case errors.Is(err, ErrClosed):
		// Left while subscribing.
		_ = c.cfg.Signaling.Unsubscribe()
	case err != nil:
		// ctx ended with the subscription already made; the channel cannot be
		// reused, so give up on this coordinator.
		c.Shutdown()
	}
	return err
}

// handlePeerJoined starts a session when the local id sorts first. A join
// event replaces an existing session; a snapshot entry keeps it.
func (c *Coordinator) handlePeerJoined(peerID string, replace bool) {
	if peerID == c.cfg.LocalID {
		return
	}
	if !isInitiator(c.cfg.LocalID, peerID) {
		c.log.Debug("waiting for offer", "peer", peerID)
		return
	}
	if _, ok := c.peers[peerID]; ok && !replace {
		return
	}
	sess, err := c.createOrReplace(peerID)
	if err != nil {
		c.log.Warn("create peer session", "peer", peerID, "err", err)
		return
	}
	c.offer(sess, false)
}

func (c *Coordinator) handlePeerLeft(peerID string) {
	sess := c.peers[peerID]
	if sess == nil {
		return
	}
	c.teardown(sess, PeerClosed, "peer left")
}

// handleSignalingLost closes every session, since none of them can be
// renegotiated without signaling.
func (c *Coordinator) handleSignalingLost(err error) {
	if lifecycle(c.state.Load()) == stateLeft {
		return
	}
	c.metrics.Inc(metrics.SignalingLost)
	c.log.Warn("signaling lost", "err", err)
	for _, id := range c.sortedPeerIDs() {
		c.teardown(c.peers[id], PeerClosed, "signaling lost")
	}
	c.emit(ChangeEvent{Type: ChangeSignalingLost})
}

// Leave closes every session, stops every local track and leaves the
// channel. Calling it again does nothing.
func (c *Coordinator) Leave(ctx context.Context) error {
	for {
		st := lifecycle(c.state.Load())
		switch st {
		case stateLeft:
			return nil
		case stateIdle:
			return ErrNotJoined
		}
		if c.state.CompareAndSwap(int32(st), int32(stateLeft)) {
			break
		}
	}

	if err := c.cfg.Signaling.Unsubscribe(); err != nil {
		c.log.Debug("unsubscribe", "err", err)
	}

	sweep := func() error {
		for _, id := range c.sortedPeerIDs() {
			c.teardown(c.peers[id], PeerClosed, "local leave")
		}
		c.local = localTracks{}
		c.stopLoop()
		return nil
	}
	err := c.do(ctx, sweep)
	if err != nil && !errors.Is(err, ErrClosed) {
		// ctx ended before the sweep started; let it run unattended.
		c.post(func() { _ = sweep() })
	}
	c.stopAllTracks()

	if c.writer != nil {
		c.writer.Delete(c.cfg.ChannelID, c.cfg.LocalID)
		flushCtx, cancel := context.WithTimeout(ctx, leaveRegistryFlush)
		_ = c.writer.Close(flushCtx)
		cancel()
	}
	c.closeChanges()
	c.log.Info("left voice channel")
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

// Shutdown is the abrupt-exit path. It stops local capture, queues the
// registry delete and tears down sessions in the background without waiting
// for any of it.
func (c *Coordinator) Shutdown() {
	if lifecycle(c.state.Swap(int32(stateLeft))) == stateLeft {
		return
	}
	c.stopAllTracks()
	if c.writer != nil {
		c.writer.Delete(c.cfg.ChannelID, c.cfg.LocalID)
	}
	c.closeChanges()
	ok := c.post(func() {
		_ = c.cfg.Signaling.Unsubscribe()
		for _, s := range c.peers {
			_ = s.pc.Close()
		}
		c.peers = make(map[string]*peerSession)
		c.local = localTracks{}
		c.stopLoop()
	})
	if !ok {
		go func() { _ = c.cfg.Signaling.Unsubscribe() }()
	}
}
