package voice

import (
	"github.com/pion/webrtc/v4"

	"github.com/meshcall/voicemesh/internal/metrics"
	"github.com/meshcall/voicemesh/internal/signaling"
)

var newCandidateMessage = signaling.NewCandidateMessage

// offer sends a fresh offer to sess. When a negotiation is already in
// progress the offer is deferred until the state returns to stable.
//
// pion cannot roll back a local offer, so the polite side keeps its offer out
// of the connection until the answer arrives. A colliding remote offer then
// finds the connection stable and the held offer is simply dropped.
func (c *Coordinator) offer(sess *peerSession, iceRestart bool) {
	if sess.pc.SignalingState() != webrtc.SignalingStateStable || sess.pendingOffer != nil {
		sess.needsOffer = true
		sess.needsICERestart = sess.needsICERestart || iceRestart
		return
	}
	sess.needsOffer = false
	sess.needsICERestart = false

	sess.makingOffer = true
	defer func() { sess.makingOffer = false }()

	offer, err := sess.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
	if err != nil {
		c.log.Warn("create offer", "peer", sess.id, "err", err)
		return
	}
	inFlight := sendersWithTracks(sess.pc)
	if sess.polite {
		sess.pendingOffer = &offer
	} else if err := sess.pc.SetLocalDescription(offer); err != nil {
		c.log.Warn("set local offer", "peer", sess.id, "err", err)
		return
	}
	sess.inFlight = inFlight

	msg, err := signaling.NewDescriptionMessage(c.cfg.LocalID, sess.id, offer)
	if err != nil {
		c.log.Warn("encode offer", "peer", sess.id, "err", err)
		sess.pendingOffer = nil
		return
	}
	c.metrics.Inc(metrics.OfferSent)
	c.publish(msg)
}

// sendPendingOffer flushes an offer deferred by offer.
func (c *Coordinator) sendPendingOffer(sess *peerSession) {
	if !c.current(sess) || !sess.needsOffer || sess.pendingOffer != nil {
		return
	}
	if sess.pc.SignalingState() == webrtc.SignalingStateStable {
		c.offer(sess, sess.needsICERestart)
	}
}

func (c *Coordinator) handleSignal(msg signaling.Message) {
	if msg.From == "" || msg.From == c.cfg.LocalID {
		return
	}
	if msg.To != "" && msg.To != c.cfg.LocalID {
		return
	}
	switch msg.Type {
	case signaling.TypeOffer:
		c.handleOffer(msg)
	case signaling.TypeAnswer:
		c.handleAnswer(msg)
	case signaling.TypeCandidate:
		sess := c.peers[msg.From]
		if sess == nil {
			c.log.Debug("candidate for unknown peer dropped", "peer", msg.From)
			return
		}
		cand, err := msg.Candidate()
		if err != nil {
			c.log.Debug("malformed candidate", "peer", msg.From, "err", err)
			return
		}
		c.addCandidate(sess, cand)
	}
}

// handleOffer resolves collisions: the impolite side ignores an offer that
// collides with its own, the polite side withdraws its offer and answers.
func (c *Coordinator) handleOffer(msg signaling.Message) {
	desc, err := msg.Description()
	if err != nil {
		c.log.Debug("malformed offer", "peer", msg.From, "err", err)
		return
	}

	sess := c.peers[msg.From]
	if sess == nil {
		if sess, err = c.createOrReplace(msg.From); err != nil {
			c.log.Warn("create peer session", "peer", msg.From, "err", err)
			return
		}
	}

	collision := sess.makingOffer || sess.pendingOffer != nil || sess.pc.SignalingState() != webrtc.SignalingStateStable
	sess.ignoreOffer = !sess.polite && collision
	if sess.ignoreOffer {
		c.metrics.Inc(metrics.OfferIgnored)
		c.log.Debug("ignoring colliding offer", "peer", sess.id)
		return
	}

	if collision {
		if sess.pendingOffer != nil {
			c.metrics.Inc(metrics.Rollback)
			c.log.Debug("withdrawing local offer", "peer", sess.id)
			sess.pendingOffer = nil
			sess.inFlight = nil
		} else {
			// An exchange pion left half applied cannot be unwound; accept
			// the remote offer on a fresh connection.
			c.metrics.Inc(metrics.RollbackFallback)
			c.log.Warn("negotiation stuck, recreating connection", "peer", sess.id, "state", sess.pc.SignalingState())
			if sess, err = c.createOrReplace(msg.From); err != nil {
				c.log.Warn("recreate peer session", "peer", msg.From, "err", err)
				return
			}
		}
	}

	if err := sess.pc.SetRemoteDescription(desc); err != nil {
		c.log.Warn("set remote offer", "peer", sess.id, "err", err)
		return
	}
	c.flushCandidates(sess)

	answer, err := sess.pc.CreateAnswer(nil)
	if err != nil {
		c.log.Warn("create answer", "peer", sess.id, "err", err)
		return
	}
	if err := sess.pc.SetLocalDescription(answer); err != nil {
		c.log.Warn("set local answer", "peer", sess.id, "err", err)
		return
	}
	covered, missing := negotiatedSenders(sess.pc, answer)
	sess.inFlight = covered
	c.markSent(sess)
	if missing {
		// Local tracks the remote offer had no m-line for, such as a screen
		// share that predates this session, need an offer of our own.
		sess.needsOffer = true
	}

	reply, err := signaling.NewDescriptionMessage(c.cfg.LocalID, sess.id, answer)
	if err != nil {
		c.log.Warn("encode answer", "peer", sess.id, "err", err)
		return
	}
	c.metrics.Inc(metrics.AnswerSent)
	c.publish(reply)

	c.sendPendingOffer(sess)
}

func (c *Coordinator) handleAnswer(msg signaling.Message) {
	sess := c.peers[msg.From]
	if sess == nil {
		c.log.Debug("answer for unknown peer dropped", "peer", msg.From)
		return
	}
	desc, err := msg.Description()
	if err != nil {
		c.log.Debug("malformed answer", "peer", msg.From, "err", err)
		return
	}
	if held := sess.pendingOffer; held != nil {
		sess.pendingOffer = nil
		if err := sess.pc.SetLocalDescription(*held); err != nil {
			c.log.Warn("set held local offer", "peer", sess.id, "err", err)
			sess.inFlight = nil
			sess.needsOffer = true
			c.sendPendingOffer(sess)
			return
		}
	}
	if sess.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		c.log.Debug("answer without pending offer dropped", "peer", sess.id)
		return
	}
	if err := sess.pc.SetRemoteDescription(desc); err != nil {
		c.log.Warn("set remote answer", "peer", sess.id, "err", err)
		return
	}
	c.markSent(sess)
	c.flushCandidates(sess)
	c.sendPendingOffer(sess)
}

// negotiatedSenders splits the senders carrying a track into those desc has
// an m-line for and reports whether any were left out.
func negotiatedSenders(pc *webrtc.PeerConnection, desc webrtc.SessionDescription) (covered []*webrtc.RTPSender, missing bool) {
	mids := map[string]bool{}
	if parsed, err := desc.Unmarshal(); err == nil {
		for _, md := range parsed.MediaDescriptions {
			if mid, ok := md.Attribute("mid"); ok {
				mids[mid] = true
			}
		}
	}
	for _, t := range pc.GetTransceivers() {
		s := t.Sender()
		if s == nil || s.Track() == nil {
			continue
		}
		if mid := t.Mid(); mid != "" && mids[mid] {
			covered = append(covered, s)
		} else {
			missing = true
		}
	}
	return covered, missing
}
