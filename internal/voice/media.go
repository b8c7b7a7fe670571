package voice

import (
	"context"
	"errors"

	"github.com/meshcall/voicemesh/internal/media"
	"github.com/meshcall/voicemesh/internal/registry"
)

func (c *Coordinator) joined() bool {
	return lifecycle(c.state.Load()) == stateJoined
}

// ToggleAudio flips the microphone's enabled flag and returns the new muted
// state. Senders and sessions are left alone, so nothing is signaled.
func (c *Coordinator) ToggleAudio(ctx context.Context) (muted bool, err error) {
	err = c.do(ctx, func() error {
		if !c.joined() || c.local.audio == nil {
			return ErrNotJoined
		}
		enabled := !c.local.audio.Enabled()
		c.local.audio.SetEnabled(enabled)
		muted = !enabled
		c.updateRegistry(registry.Patch{IsMuted: registry.Bool(muted)})
		c.emit(ChangeEvent{Type: ChangeLocalMedia, Kind: media.KindAudio})
		return nil
	})
	return muted, err
}

// SetVideo turns the camera on or off. Turning it on swaps the camera onto
// every session's video sender and renegotiates once per peer so remote
// sides announce the stream. Turning it off detaches the sender's track and
// keeps the transceiver for next time.
func (c *Coordinator) SetVideo(ctx context.Context, on bool) error {
	if !on {
		return c.do(ctx, func() error {
			if !c.joined() {
				return ErrNotJoined
			}
			if c.local.video == nil {
				return nil
			}
			c.local.video.Stop()
			c.local.video = nil
			for _, id := range c.sortedPeerIDs() {
				sess := c.peers[id]
				if err := c.attach(sess, sess.video.Sender(), media.KindVideo, nil); err != nil {
					c.log.Warn("detach camera", "peer", id, "err", err)
				}
			}
			c.updateRegistry(registry.Patch{IsCameraOn: registry.Bool(false)})
			c.emit(ChangeEvent{Type: ChangeLocalMedia, Kind: media.KindVideo})
			return nil
		})
	}

	if !c.joined() {
		return ErrNotJoined
	}
	if c.LocalMedia().Video {
		return nil
	}
	cam, err := c.cfg.Media.Camera(ctx)
	if err != nil {
		return err
	}
	c.rememberTrack(cam)

	err = c.do(ctx, func() error {
		if !c.joined() {
			return ErrNotJoined
		}
		if c.local.video != nil {
			// Raced with another SetVideo(true).
			cam.Stop()
			return nil
		}
		c.local.video = cam
		for _, id := range c.sortedPeerIDs() {
			sess := c.peers[id]
			if err := c.attach(sess, sess.video.Sender(), media.KindVideo, cam); err != nil {
				c.log.Warn("attach camera", "peer", id, "err", err)
			}
		}
		c.renegotiateAll()
		c.updateRegistry(registry.Patch{IsCameraOn: registry.Bool(true)})
		c.emit(ChangeEvent{Type: ChangeLocalMedia, Kind: media.KindVideo})
		return nil
	})
	if err != nil {
		cam.Stop()
	}
	return err
}

// StartScreenShare layers a display track on top of camera video. A spare
// screen sender left from an earlier share is reused; otherwise a new
// transceiver is added. Either way every session is renegotiated.
func (c *Coordinator) StartScreenShare(ctx context.Context) error {
	if !c.joined() {
		return ErrNotJoined
	}
	if c.LocalMedia().Screen {
		return nil
	}
	display, err := c.cfg.Media.Display(ctx)
	if err != nil {
		return err
	}
	c.rememberTrack(display)

	err = c.do(ctx, func() error {
		if !c.joined() {
			return ErrNotJoined
		}
		if c.local.screen != nil {
			display.Stop()
			return nil
		}
		c.local.screen = display
		for _, id := range c.sortedPeerIDs() {
			sess := c.peers[id]
			if sess.screen != nil {
				if err := c.attach(sess, sess.screen, media.KindScreen, display); err != nil {
					c.log.Warn("attach screen", "peer", id, "err", err)
				}
				continue
			}
			sender, err := sess.pc.AddTrack(display.Local())
			if err != nil {
				c.log.Warn("add screen track", "peer", id, "err", err)
				continue
			}
			sess.screen = sender
			go drainRTCP(sender)
		}
		c.renegotiateAll()
		c.updateRegistry(registry.Patch{IsScreenSharing: registry.Bool(true)})
		c.emit(ChangeEvent{Type: ChangeLocalMedia, Kind: media.KindScreen})
		return nil
	})
	if err != nil {
		display.Stop()
	}
	return err
}

// StopScreenShare releases the display track and leaves each screen sender
// idle for reuse.
func (c *Coordinator) StopScreenShare(ctx context.Context) error {
	return c.do(ctx, func() error {
		if !c.joined() {
			return ErrNotJoined
		}
		if c.local.screen == nil {
			return nil
		}
		c.local.screen.Stop()
		c.local.screen = nil
		for _, id := range c.sortedPeerIDs() {
			sess := c.peers[id]
			if err := c.attach(sess, sess.screen, media.KindScreen, nil); err != nil {
				c.log.Warn("detach screen", "peer", id, "err", err)
			}
		}
		c.updateRegistry(registry.Patch{IsScreenSharing: registry.Bool(false)})
		c.emit(ChangeEvent{Type: ChangeLocalMedia, Kind: media.KindScreen})
		return nil
	})
}

// SetSpeaking records voice activity detected by the host.
func (c *Coordinator) SetSpeaking(ctx context.Context, speaking bool) error {
	return c.do(ctx, func() error {
		if !c.joined() {
			return ErrNotJoined
		}
		if c.speaking == speaking {
			return nil
		}
		c.speaking = speaking
		c.updateRegistry(registry.Patch{IsSpeaking: registry.Bool(speaking)})
		return nil
	})
}

// Renegotiate sends one fresh offer to every peer.
func (c *Coordinator) Renegotiate(ctx context.Context) error {
	return c.do(ctx, func() error {
		if !c.joined() {
			return ErrNotJoined
		}
		c.renegotiateAll()
		return nil
	})
}

// renegotiateAll is one offer per peer; offers to peers mid-negotiation are
// deferred until they are stable again.
func (c *Coordinator) renegotiateAll() {
	for _, id := range c.sortedPeerIDs() {
		c.offer(c.peers[id], false)
	}
}

// IsDeviceError reports whether err came from acquiring a capture device.
func IsDeviceError(err error) bool {
	var de *media.DeviceAcquisitionError
	return errors.As(err, &de)
}
