package voice

import (
	"github.com/pion/webrtc/v4"

	"github.com/meshcall/voicemesh/internal/media"
	"github.com/meshcall/voicemesh/internal/metrics"
)

// peerSession is everything the coordinator knows about one remote peer.
// Exactly one exists per peer id; replacing it closes the old connection.
type peerSession struct {
	id     string
	pc     *webrtc.PeerConnection
	polite bool

	makingOffer bool
	ignoreOffer bool

	// needsOffer records an offer that could not be sent because a
	// negotiation was in progress. It is sent once the state is stable.
	needsOffer      bool
	needsICERestart bool

	// pendingOffer is a polite offer that has been sent but not yet applied
	// to pc.
	pendingOffer *webrtc.SessionDescription

	audio  *webrtc.RTPTransceiver
	video  *webrtc.RTPTransceiver
	screen *webrtc.RTPSender

	// inFlight are the senders described by the outstanding offer or answer;
	// sent holds senders pion has started, which may be detached with a nil
	// track.
	inFlight []*webrtc.RTPSender
	sent     map[*webrtc.RTPSender]bool

	remote            RemoteStream
	pendingCandidates []webrtc.ICECandidateInit

	state            PeerState
	restartAttempted bool
}

// isPolite reports whether local yields to remote on offer collisions. Both
// sides compute it from the ids alone and always disagree.
func isPolite(local, remote string) bool {
	return local > remote
}

// isInitiator reports whether local sends the first offer to remote.
func isInitiator(local, remote string) bool {
	return local < remote
}

func (c *Coordinator) current(s *peerSession) bool {
	return s != nil && c.peers[s.id] == s
}

// createOrReplace opens a fresh connection to peerID, closing any existing
// one. Audio and video transceivers are created up front, in that order, so
// toggling the camera later only swaps a sender's track.
func (c *Coordinator) createOrReplace(peerID string) (*peerSession, error) {
	if old := c.peers[peerID]; old != nil {
		c.metrics.Inc(metrics.PeerClosed)
		c.teardown(old, PeerClosed, "replaced")
	}

	pc, err := c.cfg.API.NewPeerConnection(webrtc.Configuration{ICEServers: c.cfg.ICEServers})
	if err != nil {
		return nil, err
	}
	sess := &peerSession{
		id:     peerID,
		pc:     pc,
		polite: isPolite(c.cfg.LocalID, peerID),
		sent:   make(map[*webrtc.RTPSender]bool),
		remote: RemoteStream{PeerID: peerID},
		state:  PeerNew,
	}

	sendrecv := webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendrecv}
	if sess.audio, err = pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, sendrecv); err != nil {
		_ = pc.Close()
		return nil, err
	}
	if sess.video, err = pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, sendrecv); err != nil {
		_ = pc.Close()
		return nil, err
	}
	// Until a track is attached the senders keep pion's placeholder track,
	// which is never written to.
	if c.local.audio != nil {
		if err := sess.audio.Sender().ReplaceTrack(c.local.audio.Local()); err != nil {
			_ = pc.Close()
			return nil, err
		}
	}
	if c.local.video != nil {
		if err := sess.video.Sender().ReplaceTrack(c.local.video.Local()); err != nil {
			_ = pc.Close()
			return nil, err
		}
	}
	if c.local.screen != nil {
		if sess.screen, err = pc.AddTrack(c.local.screen.Local()); err != nil {
			_ = pc.Close()
			return nil, err
		}
	}
	for _, sender := range pc.GetSenders() {
		go drainRTCP(sender)
	}

	c.wireCallbacks(sess)
	c.peers[peerID] = sess
	c.metrics.Inc(metrics.PeerCreated)
	c.log.Debug("peer session created", "peer", peerID, "polite", sess.polite)
	c.emit(ChangeEvent{Type: ChangePeerAdded, PeerID: peerID, State: PeerNew})
	return sess, nil
}

func (c *Coordinator) wireCallbacks(sess *peerSession) {
	pc := sess.pc

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		init := cand.ToJSON()
		c.post(func() {
			if c.current(sess) {
				c.sendCandidate(sess, init)
			}
		})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.post(func() { c.handleConnectionState(sess, state) })
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		c.post(func() { c.handleRemoteTrack(sess, track, receiver) })
		go func() {
			for {
				if _, _, err := track.ReadRTP(); err != nil {
					c.post(func() { c.handleRemoteTrackEnded(sess, track) })
					return
				}
			}
		}()
	})
}

// drainRTCP reads a sender's RTCP so interceptors (NACK, reports) keep
// working. It returns when the sender stops.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// teardown removes sess from every public map and closes its connection.
func (c *Coordinator) teardown(sess *peerSession, final PeerState, reason string) {
	if c.peers[sess.id] == sess {
		delete(c.peers, sess.id)
	}
	sess.state = final
	sess.pendingCandidates = nil
	if err := sess.pc.Close(); err != nil {
		c.log.Debug("closing peer connection", "peer", sess.id, "err", err)
	}
	c.log.Info("peer session removed", "peer", sess.id, "reason", reason)
	c.emit(ChangeEvent{Type: ChangePeerRemoved, PeerID: sess.id, State: final})
}

func (c *Coordinator) setPeerState(sess *peerSession, state PeerState) {
	if sess.state == state {
		return
	}
	sess.state = state
	c.emit(ChangeEvent{Type: ChangePeerState, PeerID: sess.id, State: state})
}

// handleConnectionState allows one ICE restart per session. The initiator
// sends the restart offer; the other side waits for it.
func (c *Coordinator) handleConnectionState(sess *peerSession, state webrtc.PeerConnectionState) {
	if !c.current(sess) {
		return
	}
	switch state {
	case webrtc.PeerConnectionStateConnecting:
		c.setPeerState(sess, PeerConnecting)
	case webrtc.PeerConnectionStateConnected:
		c.setPeerState(sess, PeerConnected)
	case webrtc.PeerConnectionStateDisconnected:
		if sess.restartAttempted {
			c.failPeer(sess, "disconnected after ice restart")
			return
		}
		sess.restartAttempted = true
		c.setPeerState(sess, PeerDisconnected)
		if isInitiator(c.cfg.LocalID, sess.id) {
			c.metrics.Inc(metrics.ICERestart)
			c.log.Info("restarting ice", "peer", sess.id)
			c.offer(sess, true)
		}
		c.setPeerState(sess, PeerConnecting)
	case webrtc.PeerConnectionStateFailed:
		c.failPeer(sess, "connection failed")
	case webrtc.PeerConnectionStateClosed:
		c.teardown(sess, PeerClosed, "connection closed")
	}
}

func (c *Coordinator) failPeer(sess *peerSession, reason string) {
	c.metrics.Inc(metrics.PeerFailed)
	c.log.Warn("peer connection failed", "peer", sess.id, "reason", reason)
	c.setPeerState(sess, PeerFailed)
	c.teardown(sess, PeerFailed, reason)
}

func (c *Coordinator) sendCandidate(sess *peerSession, init webrtc.ICECandidateInit) {
	msg, err := newCandidateMessage(c.cfg.LocalID, sess.id, init)
	if err != nil {
		c.log.Debug("encode candidate", "peer", sess.id, "err", err)
		return
	}
	c.publish(msg)
}

// addCandidate applies a remote candidate, or queues it until the remote
// description is set.
func (c *Coordinator) addCandidate(sess *peerSession, cand webrtc.ICECandidateInit) {
	if sess.pc.RemoteDescription() == nil {
		sess.pendingCandidates = append(sess.pendingCandidates, cand)
		c.metrics.Inc(metrics.CandidateQueued)
		return
	}
	if err := sess.pc.AddICECandidate(cand); err != nil && !sess.ignoreOffer {
		c.log.Warn("add ice candidate", "peer", sess.id, "err", err)
	}
}

func (c *Coordinator) flushCandidates(sess *peerSession) {
	pending := sess.pendingCandidates
	sess.pendingCandidates = nil
	for _, cand := range pending {
		if err := sess.pc.AddICECandidate(cand); err != nil && !sess.ignoreOffer {
			c.log.Warn("add buffered ice candidate", "peer", sess.id, "err", err)
		}
	}
}

// handleRemoteTrack files a remote track under the kind of the transceiver
// that received it. Video outside the pre-created video transceiver is
// screen share.
func (c *Coordinator) handleRemoteTrack(sess *peerSession, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	if !c.current(sess) {
		return
	}
	var kind media.Kind
	switch {
	case track.Kind() == webrtc.RTPCodecTypeAudio:
		kind = media.KindAudio
		sess.remote.Audio = track
	case sess.video != nil && sess.video.Receiver() == receiver:
		kind = media.KindVideo
		sess.remote.Video = track
	default:
		kind = media.KindScreen
		sess.remote.Screen = track
	}
	c.log.Debug("remote track started", "peer", sess.id, "kind", kind, "track", track.ID())
	c.emit(ChangeEvent{Type: ChangeRemoteTrackAdded, PeerID: sess.id, Kind: kind})
}

func (c *Coordinator) handleRemoteTrackEnded(sess *peerSession, track *webrtc.TrackRemote) {
	if !c.current(sess) {
		return
	}
	var kind media.Kind
	switch track {
	case sess.remote.Audio:
		kind, sess.remote.Audio = media.KindAudio, nil
	case sess.remote.Video:
		kind, sess.remote.Video = media.KindVideo, nil
	case sess.remote.Screen:
		kind, sess.remote.Screen = media.KindScreen, nil
	default:
		return
	}
	c.emit(ChangeEvent{Type: ChangeRemoteTrackRemoved, PeerID: sess.id, Kind: kind})
}

// attach puts track on sender. A nil track detaches: senders pion already
// started take a nil track, others get an idle placeholder because pion
// refuses to start a sender without one.
func (c *Coordinator) attach(sess *peerSession, sender *webrtc.RTPSender, kind media.Kind, track *media.Track) error {
	if sender == nil {
		return nil
	}
	if track != nil {
		return sender.ReplaceTrack(track.Local())
	}
	if sess.sent[sender] {
		return sender.ReplaceTrack(nil)
	}
	idle, err := media.NewTrack(kind, "idle-"+string(kind), c.cfg.LocalID)
	if err != nil {
		return err
	}
	return sender.ReplaceTrack(idle.Local())
}

// markSent records that the senders of the completed exchange have started.
func (c *Coordinator) markSent(sess *peerSession) {
	for _, s := range sess.inFlight {
		sess.sent[s] = true
	}
	sess.inFlight = nil
}

func sendersWithTracks(pc *webrtc.PeerConnection) []*webrtc.RTPSender {
	var out []*webrtc.RTPSender
	for _, s := range pc.GetSenders() {
		if s.Track() != nil {
			out = append(out, s)
		}
	}
	return out
}
