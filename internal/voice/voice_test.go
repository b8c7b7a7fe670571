package voice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/meshcall/voicemesh/internal/media"
	"github.com/meshcall/voicemesh/internal/metrics"
	"github.com/meshcall/voicemesh/internal/registry"
	"github.com/meshcall/voicemesh/internal/signaling"
	"github.com/meshcall/voicemesh/internal/webrtcpeer"
)

const testChannel = "room"

type testPeer struct {
	id      string
	coord   *Coordinator
	source  *media.SyntheticSource
	metrics *metrics.Metrics
	api     *webrtc.API
}

type testMesh struct {
	hub   *signaling.MemoryHub
	reg   *registry.Memory
	peers map[string]*testPeer
}

// newTestMesh gives every id its own address on one virtual LAN and a
// coordinator wired to a shared in-memory hub and registry.
func newTestMesh(t *testing.T, ids ...string) *testMesh {
	t.Helper()

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}

	m := &testMesh{
		hub:   signaling.NewMemoryHub(),
		reg:   registry.NewMemory(),
		peers: make(map[string]*testPeer),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	for i, id := range ids {
		n, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{fmt.Sprintf("10.0.0.%d", i+1)}})
		if err != nil {
			t.Fatalf("new net %s: %v", id, err)
		}
		if err := router.AddNet(n); err != nil {
			t.Fatalf("add net %s: %v", id, err)
		}
		api, err := webrtcpeer.NewAPI(webrtcpeer.Options{Net: n})
		if err != nil {
			t.Fatalf("NewAPI %s: %v", id, err)
		}
		p := &testPeer{
			id:      id,
			source:  media.NewSyntheticSource(id),
			metrics: metrics.New(),
			api:     api,
		}
		p.coord, err = New(Config{
			ChannelID: testChannel,
			LocalID:   id,
			Signaling: m.hub.Channel(),
			Media:     p.source,
			Registry:  m.reg,
			API:       api,
			Logger:    logger,
			Metrics:   p.metrics,
		})
		if err != nil {
			t.Fatalf("New %s: %v", id, err)
		}
		t.Cleanup(p.coord.Shutdown)
		m.peers[id] = p
	}

	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}
	t.Cleanup(func() { _ = router.Stop() })
	return m
}

func (m *testMesh) join(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if err := m.peers[id].coord.Join(context.Background()); err != nil {
			t.Fatalf("%s Join: %v", id, err)
		}
	}
}

// waitConnected waits until every pair among ids reports a connected session.
func (m *testMesh) waitConnected(t *testing.T, ids ...string) {
	t.Helper()
	for _, a := range ids {
		for _, b := range ids {
			if a == b {
				continue
			}
			pa := m.peers[a]
			waitFor(t, a+" connected to "+b, func() bool {
				return pa.state(b) == PeerConnected
			})
		}
	}
}

func (p *testPeer) state(peerID string) PeerState {
	for _, info := range p.coord.Peers() {
		if info.ID == peerID {
			return info.State
		}
	}
	return ""
}

func (p *testPeer) remote(peerID string) RemoteStream {
	for _, rs := range p.coord.RemoteStreams() {
		if rs.PeerID == peerID {
			return rs
		}
	}
	return RemoteStream{}
}

// inspect runs fn on the coordinator loop against the session for peerID.
func (p *testPeer) inspect(t *testing.T, peerID string, fn func(s *peerSession)) {
	t.Helper()
	err := p.coord.do(context.Background(), func() error {
		s := p.coord.peers[peerID]
		if s == nil {
			return fmt.Errorf("no session for %s", peerID)
		}
		fn(s)
		return nil
	})
	if err != nil {
		t.Fatalf("%s inspect %s: %v", p.id, peerID, err)
	}
}

func (p *testPeer) stable(t *testing.T, peerID string) bool {
	var ok bool
	p.inspect(t, peerID, func(s *peerSession) {
		ok = s.pc.SignalingState() == webrtc.SignalingStateStable
	})
	return ok
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func findParticipant(t *testing.T, reg registry.Registry, id string) (registry.Participant, bool) {
	t.Helper()
	ps, err := reg.List(context.Background(), testChannel)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	for _, p := range ps {
		if p.ID == id {
			return p, true
		}
	}
	return registry.Participant{}, false
}

// sessionOrigin returns the o= line, which names the offerer's session and
// version.
func sessionOrigin(sdp string) string {
	return sdpAttribute(sdp, "o=")
}

func sdpAttribute(sdp, prefix string) string {
	for _, line := range strings.Split(sdp, "\r\n") {
		if strings.HasPrefix(line, prefix) {
			return strings.TrimPrefix(line, prefix)
		}
	}
	return ""
}

func TestPoliteness(t *testing.T) {
	tests := []struct {
		local, remote     string
		polite, initiator bool
	}{
		{"a1", "b2", false, true},
		{"b2", "a1", true, false},
		{"peer-10", "peer-9", false, true},
	}
	for _, tt := range tests {
		if got := isPolite(tt.local, tt.remote); got != tt.polite {
			t.Fatalf("isPolite(%q, %q)=%v, want %v", tt.local, tt.remote, got, tt.polite)
		}
		if got := isInitiator(tt.local, tt.remote); got != tt.initiator {
			t.Fatalf("isInitiator(%q, %q)=%v, want %v", tt.local, tt.remote, got, tt.initiator)
		}
		if isPolite(tt.local, tt.remote) == isPolite(tt.remote, tt.local) {
			t.Fatalf("%q and %q agree on politeness", tt.local, tt.remote)
		}
	}
}

func TestNew_Validation(t *testing.T) {
	api, err := webrtcpeer.NewAPI(webrtcpeer.Options{})
	if err != nil {
		t.Fatalf("NewAPI: %v", err)
	}
	hub := signaling.NewMemoryHub()
	src := media.NewSyntheticSource("x")
	base := Config{ChannelID: testChannel, LocalID: "a1", Signaling: hub.Channel(), Media: src, API: api}

	for name, mutate := range map[string]func(*Config){
		"channel":   func(c *Config) { c.ChannelID = "" },
		"local id":  func(c *Config) { c.LocalID = "" },
		"signaling": func(c *Config) { c.Signaling = nil },
		"media":     func(c *Config) { c.Media = nil },
		"api":       func(c *Config) { c.API = nil },
	} {
		cfg := base
		mutate(&cfg)
		if _, err := New(cfg); err == nil {
			t.Fatalf("missing %s: expected error", name)
		}
	}

	c, err := New(base)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Shutdown()
	if _, err := c.ToggleAudio(context.Background()); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("ToggleAudio before join err=%v, want %v", err, ErrNotJoined)
	}
	if err := c.SetVideo(context.Background(), true); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("SetVideo before join err=%v, want %v", err, ErrNotJoined)
	}
	if err := c.Leave(context.Background()); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("Leave before join err=%v, want %v", err, ErrNotJoined)
	}
	if got := src.Acquired(media.KindVideo); got != 0 {
		t.Fatalf("camera acquired=%d before join, want 0", got)
	}
}

func TestJoin_TwoPeersConnectWithOneExchange(t *testing.T) {
	m := newTestMesh(t, "a1", "b2")
	a, b := m.peers["a1"], m.peers["b2"]

	// Both subscribe before either sees the other's traffic.
	m.hub.Hold()
	m.join(t, "a1", "b2")
	m.hub.Release()

	m.waitConnected(t, "a1", "b2")
	waitFor(t, "remote audio", func() bool {
		return a.remote("b2").Audio != nil && b.remote("a1").Audio != nil
	})

	if got := m.hub.Published(signaling.TypeOffer); got != 1 {
		t.Fatalf("offers=%d, want 1", got)
	}
	if got := m.hub.Published(signaling.TypeAnswer); got != 1 {
		t.Fatalf("answers=%d, want 1", got)
	}

	for _, info := range a.coord.Peers() {
		if info.Polite {
			t.Fatalf("a1 is polite towards %s", info.ID)
		}
	}
	for _, info := range b.coord.Peers() {
		if !info.Polite {
			t.Fatalf("b2 is impolite towards %s", info.ID)
		}
	}
	if got := a.metrics.Get(metrics.OfferSent); got != 1 {
		t.Fatalf("a1 offers=%d, want 1", got)
	}
	if got := b.metrics.Get(metrics.OfferSent); got != 0 {
		t.Fatalf("b2 offers=%d, want 0", got)
	}

	waitFor(t, "registry rows", func() bool {
		_, okA := findParticipant(t, m.reg, "a1")
		_, okB := findParticipant(t, m.reg, "b2")
		return okA && okB
	})

	if err := a.coord.Join(context.Background()); !errors.Is(err, ErrAlreadyJoined) {
		t.Fatalf("second Join err=%v, want %v", err, ErrAlreadyJoined)
	}
}

func TestNegotiation_GlareConvergesOnImpoliteOffer(t *testing.T) {
	m := newTestMesh(t, "a1", "b2")
	a, b := m.peers["a1"], m.peers["b2"]
	m.join(t, "a1", "b2")
	m.waitConnected(t, "a1", "b2")
	waitFor(t, "first exchange", func() bool {
		return m.hub.Published(signaling.TypeAnswer) == 1 && a.stable(t, "b2") && b.stable(t, "a1")
	})

	m.hub.Hold()
	if err := a.coord.Renegotiate(context.Background()); err != nil {
		t.Fatalf("a1 Renegotiate: %v", err)
	}
	if err := b.coord.Renegotiate(context.Background()); err != nil {
		t.Fatalf("b2 Renegotiate: %v", err)
	}
	m.hub.Release()

	// a1 ignores b2's offer; b2 withdraws its own and answers a1's. b2's
	// offer described nothing a1's did not, so it is not sent again.
	waitFor(t, "glare resolved", func() bool {
		return m.hub.Published(signaling.TypeAnswer) == 2 && a.stable(t, "b2") && b.stable(t, "a1")
	})

	if got := b.metrics.Get(metrics.Rollback); got != 1 {
		t.Fatalf("b2 withdrawn offers=%d, want 1", got)
	}
	if got := a.metrics.Get(metrics.Rollback); got != 0 {
		t.Fatalf("a1 withdrawn offers=%d, want 0", got)
	}
	if got := a.metrics.Get(metrics.OfferIgnored); got != 1 {
		t.Fatalf("a1 ignored offers=%d, want 1", got)
	}
	for _, p := range []*testPeer{a, b} {
		if got := p.metrics.Get(metrics.RollbackFallback); got != 0 {
			t.Fatalf("%s recreated connection %d times", p.id, got)
		}
	}
	time.Sleep(200 * time.Millisecond)
	if got := m.hub.Published(signaling.TypeOffer); got != 3 {
		t.Fatalf("offers=%d, want 3", got)
	}
	if got := m.hub.Published(signaling.TypeAnswer); got != 2 {
		t.Fatalf("answers=%d, want 2", got)
	}

	// The session both sides settled on is the one a1 offered.
	var local, remote *webrtc.SessionDescription
	a.inspect(t, "b2", func(s *peerSession) { local = s.pc.CurrentLocalDescription() })
	b.inspect(t, "a1", func(s *peerSession) { remote = s.pc.CurrentRemoteDescription() })
	if local == nil || local.Type != webrtc.SDPTypeOffer {
		t.Fatalf("a1 current local=%v, want an offer", local)
	}
	if remote == nil || remote.Type != webrtc.SDPTypeOffer {
		t.Fatalf("b2 current remote=%v, want an offer", remote)
	}
	if got, want := sessionOrigin(remote.SDP), sessionOrigin(local.SDP); got != want {
		t.Fatalf("b2 settled on %q, want a1's %q", got, want)
	}
	m.waitConnected(t, "a1", "b2")
}

func TestToggleAudio_DoesNotSignal(t *testing.T) {
	m := newTestMesh(t, "a1", "b2")
	a := m.peers["a1"]
	m.join(t, "a1", "b2")
	m.waitConnected(t, "a1", "b2")

	offers, answers := m.hub.Published(signaling.TypeOffer), m.hub.Published(signaling.TypeAnswer)
	var pcBefore *webrtc.PeerConnection
	a.inspect(t, "b2", func(s *peerSession) { pcBefore = s.pc })

	muted, err := a.coord.ToggleAudio(context.Background())
	if err != nil {
		t.Fatalf("ToggleAudio: %v", err)
	}
	if !muted || !a.coord.LocalMedia().Muted {
		t.Fatalf("muted=%v, want true", muted)
	}
	waitFor(t, "registry mute", func() bool {
		p, ok := findParticipant(t, m.reg, "a1")
		return ok && p.IsMuted
	})

	if got := m.hub.Published(signaling.TypeOffer); got != offers {
		t.Fatalf("offers=%d after mute, want %d", got, offers)
	}
	if got := m.hub.Published(signaling.TypeAnswer); got != answers {
		t.Fatalf("answers=%d after mute, want %d", got, answers)
	}
	var pcAfter *webrtc.PeerConnection
	var audioTrack webrtc.TrackLocal
	a.inspect(t, "b2", func(s *peerSession) {
		pcAfter, audioTrack = s.pc, s.audio.Sender().Track()
	})
	if pcAfter != pcBefore {
		t.Fatalf("session replaced by mute")
	}
	if audioTrack == nil {
		t.Fatalf("audio sender lost its track")
	}
	if len(a.coord.Peers()) != 1 {
		t.Fatalf("peers=%v, want one", a.coord.Peers())
	}

	muted, err = a.coord.ToggleAudio(context.Background())
	if err != nil || muted {
		t.Fatalf("unmute: muted=%v err=%v", muted, err)
	}
}

func TestSetSpeaking_UpdatesRegistryOnly(t *testing.T) {
	m := newTestMesh(t, "a1")
	a := m.peers["a1"]
	if err := a.coord.SetSpeaking(context.Background(), true); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("SetSpeaking before join err=%v, want %v", err, ErrNotJoined)
	}
	m.join(t, "a1")
	published := m.hub.PublishedTotal()

	if err := a.coord.SetSpeaking(context.Background(), true); err != nil {
		t.Fatalf("SetSpeaking: %v", err)
	}
	waitFor(t, "registry speaking", func() bool {
		p, ok := findParticipant(t, m.reg, "a1")
		return ok && p.IsSpeaking
	})
	if err := a.coord.SetSpeaking(context.Background(), false); err != nil {
		t.Fatalf("SetSpeaking(false): %v", err)
	}
	waitFor(t, "registry not speaking", func() bool {
		p, ok := findParticipant(t, m.reg, "a1")
		return ok && !p.IsSpeaking
	})
	if got := m.hub.PublishedTotal(); got != published {
		t.Fatalf("published=%d after speaking changes, want %d", got, published)
	}
}

func TestSetVideo_OneRoundPerPeer(t *testing.T) {
	m := newTestMesh(t, "a1", "b2", "c3")
	a, b, c := m.peers["a1"], m.peers["b2"], m.peers["c3"]
	m.join(t, "a1", "b2", "c3")
	m.waitConnected(t, "a1", "b2", "c3")
	waitFor(t, "initial exchanges", func() bool { return m.hub.Published(signaling.TypeAnswer) == 3 })
	if got := m.hub.Published(signaling.TypeOffer); got != 3 {
		t.Fatalf("initial offers=%d, want 3", got)
	}

	pcs := map[string]*webrtc.PeerConnection{}
	for _, id := range []string{"a1", "c3"} {
		b.inspect(t, id, func(s *peerSession) { pcs[id] = s.pc })
	}

	if err := b.coord.SetVideo(context.Background(), true); err != nil {
		t.Fatalf("SetVideo(true): %v", err)
	}
	waitFor(t, "remote video", func() bool {
		return a.remote("b2").Video != nil && c.remote("b2").Video != nil
	})
	waitFor(t, "video exchanges", func() bool {
		return m.hub.Published(signaling.TypeAnswer) == 5 && b.stable(t, "a1") && b.stable(t, "c3")
	})
	if got := m.hub.Published(signaling.TypeOffer); got != 5 {
		t.Fatalf("offers=%d, want 5", got)
	}
	if got := b.source.Acquired(media.KindVideo); got != 1 {
		t.Fatalf("camera acquired=%d, want 1", got)
	}
	waitFor(t, "registry camera on", func() bool {
		p, ok := findParticipant(t, m.reg, "b2")
		return ok && p.IsCameraOn
	})

	// Turning it on again is a no-op.
	if err := b.coord.SetVideo(context.Background(), true); err != nil {
		t.Fatalf("SetVideo(true) again: %v", err)
	}
	if got := b.source.Acquired(media.KindVideo); got != 1 {
		t.Fatalf("camera acquired=%d after repeat, want 1", got)
	}

	if err := b.coord.SetVideo(context.Background(), false); err != nil {
		t.Fatalf("SetVideo(false): %v", err)
	}
	if got := m.hub.Published(signaling.TypeOffer); got != 5 {
		t.Fatalf("offers=%d after camera off, want 5", got)
	}
	if b.coord.LocalMedia().Video {
		t.Fatalf("local video still reported on")
	}
	if got := b.source.Released(media.KindVideo); got != 1 {
		t.Fatalf("camera released=%d, want 1", got)
	}
	for id, pc := range pcs {
		var current *webrtc.PeerConnection
		var videoTrack webrtc.TrackLocal
		b.inspect(t, id, func(s *peerSession) {
			current, videoTrack = s.pc, s.video.Sender().Track()
		})
		if current != pc {
			t.Fatalf("session to %s replaced", id)
		}
		if videoTrack != nil {
			t.Fatalf("video sender to %s still has a track", id)
		}
	}
	waitFor(t, "registry camera off", func() bool {
		p, ok := findParticipant(t, m.reg, "b2")
		return ok && !p.IsCameraOn
	})
}

func TestScreenShare_ReusesSpareSender(t *testing.T) {
	m := newTestMesh(t, "a1", "b2")
	a, b := m.peers["a1"], m.peers["b2"]
	m.join(t, "a1", "b2")
	m.waitConnected(t, "a1", "b2")

	if err := b.coord.StartScreenShare(context.Background()); err != nil {
		t.Fatalf("StartScreenShare: %v", err)
	}
	waitFor(t, "remote screen", func() bool { return a.remote("b2").Screen != nil })
	waitFor(t, "screen exchange", func() bool { return b.stable(t, "a1") && a.stable(t, "b2") })

	var senders int
	b.inspect(t, "a1", func(s *peerSession) { senders = len(s.pc.GetSenders()) })
	if senders != 3 {
		t.Fatalf("b2 senders=%d, want 3", senders)
	}

	if err := b.coord.StopScreenShare(context.Background()); err != nil {
		t.Fatalf("StopScreenShare: %v", err)
	}
	if got := b.source.Released(media.KindScreen); got != 1 {
		t.Fatalf("display released=%d, want 1", got)
	}
	if err := b.coord.StartScreenShare(context.Background()); err != nil {
		t.Fatalf("StartScreenShare again: %v", err)
	}
	waitFor(t, "second screen exchange", func() bool { return b.stable(t, "a1") && a.stable(t, "b2") })
	var after int
	b.inspect(t, "a1", func(s *peerSession) { after = len(s.pc.GetSenders()) })
	if after != senders {
		t.Fatalf("b2 senders=%d after restart, want %d", after, senders)
	}

	// a1 received b2's screen on a receive-only transceiver; its own share
	// takes that transceiver over.
	if err := a.coord.StartScreenShare(context.Background()); err != nil {
		t.Fatalf("a1 StartScreenShare: %v", err)
	}
	waitFor(t, "a1 screen exchange", func() bool { return b.remote("a1").Screen != nil })
	var transceivers int
	a.inspect(t, "b2", func(s *peerSession) { transceivers = len(s.pc.GetTransceivers()) })
	if transceivers != 3 {
		t.Fatalf("a1 transceivers=%d, want 3", transceivers)
	}
	waitFor(t, "registry screen", func() bool {
		p, ok := findParticipant(t, m.reg, "a1")
		return ok && p.IsScreenSharing
	})
}

func TestLeave_TearsDownEverything(t *testing.T) {
	m := newTestMesh(t, "a1", "b2")
	a, b := m.peers["a1"], m.peers["b2"]
	m.join(t, "a1", "b2")
	m.waitConnected(t, "a1", "b2")
	if err := b.coord.SetVideo(context.Background(), true); err != nil {
		t.Fatalf("SetVideo: %v", err)
	}

	if err := b.coord.Leave(context.Background()); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if err := b.coord.Leave(context.Background()); err != nil {
		t.Fatalf("second Leave: %v", err)
	}

	if got := len(b.coord.Peers()); got != 0 {
		t.Fatalf("b2 peers=%d after leave, want 0", got)
	}
	for _, kind := range []media.Kind{media.KindAudio, media.KindVideo} {
		if acq, rel := b.source.Acquired(kind), b.source.Released(kind); acq != rel {
			t.Fatalf("%s acquired=%d released=%d", kind, acq, rel)
		}
	}
	if _, ok := findParticipant(t, m.reg, "b2"); ok {
		t.Fatalf("b2 still in registry")
	}
	if got := m.hub.Members(testChannel); len(got) != 1 || got[0] != "a1" {
		t.Fatalf("members=%v, want [a1]", got)
	}

	waitFor(t, "a1 drops b2", func() bool { return len(a.coord.Peers()) == 0 })

	timeout := time.After(5 * time.Second)
	for open := true; open; {
		select {
		case _, open = <-b.coord.Changes():
		case <-timeout:
			t.Fatalf("changes channel not closed")
		}
	}

	if err := b.coord.Join(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Join after leave err=%v, want %v", err, ErrClosed)
	}
}

func TestShutdown_StopsCaptureImmediately(t *testing.T) {
	m := newTestMesh(t, "a1", "b2")
	a, b := m.peers["a1"], m.peers["b2"]
	m.join(t, "a1", "b2")
	m.waitConnected(t, "a1", "b2")

	b.coord.Shutdown()
	if got := b.source.Released(media.KindAudio); got != 1 {
		t.Fatalf("microphone released=%d, want 1", got)
	}
	b.coord.Shutdown()

	waitFor(t, "a1 drops b2", func() bool { return len(a.coord.Peers()) == 0 })
	waitFor(t, "registry row removed", func() bool {
		_, ok := findParticipant(t, m.reg, "b2")
		return !ok
	})
	if err := b.coord.Leave(context.Background()); err != nil {
		t.Fatalf("Leave after Shutdown: %v", err)
	}
}

func TestJoin_MicrophoneDenied(t *testing.T) {
	m := newTestMesh(t, "a1")
	a := m.peers["a1"]
	a.source.Deny(media.KindAudio, media.ErrPermissionDenied)

	err := a.coord.Join(context.Background())
	if !errors.Is(err, media.ErrPermissionDenied) {
		t.Fatalf("Join err=%v, want %v", err, media.ErrPermissionDenied)
	}
	if !IsDeviceError(err) {
		t.Fatalf("IsDeviceError(%v)=false", err)
	}
	if got := m.hub.Members(testChannel); len(got) != 0 {
		t.Fatalf("members=%v after failed join", got)
	}

	a.source.Deny(media.KindAudio, nil)
	if err := a.coord.Join(context.Background()); err != nil {
		t.Fatalf("retry Join: %v", err)
	}
	if got := a.source.MicrophoneConstraints(); got != media.DefaultAudioConstraints() {
		t.Fatalf("constraints=%+v, want %+v", got, media.DefaultAudioConstraints())
	}
}

func TestSetVideo_CameraDeniedLeavesStateAlone(t *testing.T) {
	m := newTestMesh(t, "a1", "b2")
	a := m.peers["a1"]
	m.join(t, "a1", "b2")
	m.waitConnected(t, "a1", "b2")
	offers := m.hub.Published(signaling.TypeOffer)

	a.source.Deny(media.KindVideo, media.ErrDeviceNotFound)
	if err := a.coord.SetVideo(context.Background(), true); !errors.Is(err, media.ErrDeviceNotFound) {
		t.Fatalf("SetVideo err=%v, want %v", err, media.ErrDeviceNotFound)
	}
	if a.coord.LocalMedia().Video {
		t.Fatalf("video reported on after denial")
	}
	if got := m.hub.Published(signaling.TypeOffer); got != offers {
		t.Fatalf("offers=%d, want %d", got, offers)
	}
}

func TestConnectionHealth_RestartOnceThenFail(t *testing.T) {
	m := newTestMesh(t, "a1", "b2")
	a := m.peers["a1"]
	m.join(t, "a1", "b2")
	m.waitConnected(t, "a1", "b2")
	waitFor(t, "first exchange", func() bool {
		return m.hub.Published(signaling.TypeAnswer) == 1 && a.stable(t, "b2")
	})

	inject := func(state webrtc.PeerConnectionState) {
		a.inspect(t, "b2", func(s *peerSession) { a.coord.handleConnectionState(s, state) })
	}

	inject(webrtc.PeerConnectionStateDisconnected)
	if got := a.metrics.Get(metrics.ICERestart); got != 1 {
		t.Fatalf("ice restarts=%d, want 1", got)
	}
	if got := a.state("b2"); got == "" || got == PeerFailed {
		t.Fatalf("state=%q after first disconnect, want a live session", got)
	}
	waitFor(t, "restart answer", func() bool {
		return m.hub.Published(signaling.TypeAnswer) == 2 && a.stable(t, "b2")
	})

	inject(webrtc.PeerConnectionStateDisconnected)
	if got := a.metrics.Get(metrics.PeerFailed); got != 1 {
		t.Fatalf("failed peers=%d, want 1", got)
	}
	if got := len(a.coord.Peers()); got != 0 {
		t.Fatalf("peers=%d after second disconnect, want 0", got)
	}
	if got := a.metrics.Get(metrics.ICERestart); got != 1 {
		t.Fatalf("ice restarts=%d, want 1", got)
	}
}

func TestConnectionHealth_FailedRemovesSession(t *testing.T) {
	m := newTestMesh(t, "a1", "b2")
	b := m.peers["b2"]
	m.join(t, "a1", "b2")
	m.waitConnected(t, "a1", "b2")

	b.inspect(t, "a1", func(s *peerSession) {
		b.coord.handleConnectionState(s, webrtc.PeerConnectionStateFailed)
	})
	if got := len(b.coord.Peers()); got != 0 {
		t.Fatalf("peers=%d after failure, want 0", got)
	}
	if got := b.metrics.Get(metrics.ICERestart); got != 0 {
		t.Fatalf("ice restarts=%d, want 0", got)
	}
}

func TestCandidates_BufferedUntilRemoteDescription(t *testing.T) {
	m := newTestMesh(t, "a1", "z9")
	a, z := m.peers["a1"], m.peers["z9"]
	m.join(t, "a1")

	remote, err := z.api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("new pc: %v", err)
	}
	t.Cleanup(func() { _ = remote.Close() })
	if _, err := remote.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio); err != nil {
		t.Fatalf("add transceiver: %v", err)
	}
	offer, err := remote.CreateOffer(nil)
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}

	ctx := context.Background()
	if err := a.coord.do(ctx, func() error {
		_, err := a.coord.createOrReplace("z9")
		return err
	}); err != nil {
		t.Fatalf("createOrReplace: %v", err)
	}

	cand, err := signaling.NewCandidateMessage("z9", "a1", webrtc.ICECandidateInit{
		Candidate: "candidate:1 1 udp 2130706431 10.0.0.2 5000 typ host",
	})
	if err != nil {
		t.Fatalf("NewCandidateMessage: %v", err)
	}
	_ = a.coord.do(ctx, func() error {
		a.coord.handleSignal(cand)
		return nil
	})
	var pending int
	a.inspect(t, "z9", func(s *peerSession) { pending = len(s.pendingCandidates) })
	if pending != 1 {
		t.Fatalf("pending=%d, want 1", pending)
	}
	if got := a.metrics.Get(metrics.CandidateQueued); got != 1 {
		t.Fatalf("queued=%d, want 1", got)
	}

	offerMsg, err := signaling.NewDescriptionMessage("z9", "a1", offer)
	if err != nil {
		t.Fatalf("NewDescriptionMessage: %v", err)
	}
	_ = a.coord.do(ctx, func() error {
		a.coord.handleSignal(offerMsg)
		return nil
	})
	var applied bool
	a.inspect(t, "z9", func(s *peerSession) {
		pending, applied = len(s.pendingCandidates), s.pc.RemoteDescription() != nil
	})
	if pending != 0 {
		t.Fatalf("pending=%d after offer, want 0", pending)
	}
	if !applied {
		t.Fatalf("remote description not applied")
	}
	if got := a.metrics.Get(metrics.AnswerSent); got != 1 {
		t.Fatalf("answers=%d, want 1", got)
	}

	// Traffic for sessions that do not exist is dropped.
	stray, _ := signaling.NewCandidateMessage("q7", "a1", webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 10.0.0.3 5000 typ host"})
	_ = a.coord.do(ctx, func() error {
		a.coord.handleSignal(stray)
		return nil
	})
	if got := a.metrics.Get(metrics.CandidateQueued); got != 1 {
		t.Fatalf("queued=%d after stray candidate, want 1", got)
	}
}

func TestPeerJoinEvent_ReplacesStaleSession(t *testing.T) {
	m := newTestMesh(t, "a1", "b2")
	a := m.peers["a1"]
	m.join(t, "a1", "b2")
	m.waitConnected(t, "a1", "b2")

	var before *webrtc.PeerConnection
	a.inspect(t, "b2", func(s *peerSession) { before = s.pc })

	// b2 reconnects without a clean leave.
	_ = a.coord.do(context.Background(), func() error {
		a.coord.handlePeerJoined("b2", true)
		return nil
	})
	var after *webrtc.PeerConnection
	a.inspect(t, "b2", func(s *peerSession) { after = s.pc })
	if after == before {
		t.Fatalf("session not replaced")
	}
	if got := a.metrics.Get(metrics.PeerCreated); got != 2 {
		t.Fatalf("created=%d, want 2", got)
	}
	if got := before.ConnectionState(); got != webrtc.PeerConnectionStateClosed {
		t.Fatalf("old connection state=%v, want closed", got)
	}
}

func TestScreenShare_LateJoinerReceivesExistingShare(t *testing.T) {
	m := newTestMesh(t, "a1", "b2")
	a, b := m.peers["a1"], m.peers["b2"]
	m.join(t, "b2")
	if err := b.coord.StartScreenShare(context.Background()); err != nil {
		t.Fatalf("StartScreenShare: %v", err)
	}

	// a1 offers audio and video only; b2 answers, then offers the screen.
	m.join(t, "a1")
	m.waitConnected(t, "a1", "b2")
	waitFor(t, "remote screen", func() bool { return a.remote("b2").Screen != nil })
	waitFor(t, "follow-up exchange", func() bool {
		return m.hub.Published(signaling.TypeAnswer) == 2 && a.stable(t, "b2") && b.stable(t, "a1")
	})

	if got := b.metrics.Get(metrics.OfferSent); got != 1 {
		t.Fatalf("b2 offers=%d, want 1", got)
	}
	if got := m.hub.Published(signaling.TypeOffer); got != 2 {
		t.Fatalf("offers=%d, want 2", got)
	}
	if got := b.metrics.Get(metrics.RollbackFallback); got != 0 {
		t.Fatalf("b2 recreated connection %d times", got)
	}
	var mid string
	b.inspect(t, "a1", func(s *peerSession) {
		for _, tr := range s.pc.GetTransceivers() {
			if tr.Sender() == s.screen {
				mid = tr.Mid()
			}
		}
	})
	if mid == "" {
		t.Fatalf("b2 screen transceiver has no mid")
	}
}

func TestICERestart_ExchangesFreshCandidates(t *testing.T) {
	m := newTestMesh(t, "a1", "b2")
	a, b := m.peers["a1"], m.peers["b2"]
	m.join(t, "a1", "b2")
	m.waitConnected(t, "a1", "b2")
	waitFor(t, "first exchange", func() bool {
		return m.hub.Published(signaling.TypeAnswer) == 1 && a.stable(t, "b2") && b.stable(t, "a1")
	})

	ufrag := func() string {
		var got string
		b.inspect(t, "a1", func(s *peerSession) {
			if d := s.pc.CurrentRemoteDescription(); d != nil {
				got = sdpAttribute(d.SDP, "a=ice-ufrag:")
			}
		})
		return got
	}
	before := ufrag()
	if before == "" {
		t.Fatalf("b2 has no remote ice-ufrag")
	}
	candidates := m.hub.Published(signaling.TypeCandidate)

	a.inspect(t, "b2", func(s *peerSession) {
		a.coord.handleConnectionState(s, webrtc.PeerConnectionStateDisconnected)
	})
	waitFor(t, "restart exchange", func() bool {
		return m.hub.Published(signaling.TypeAnswer) == 2 && a.stable(t, "b2") && b.stable(t, "a1")
	})
	if after := ufrag(); after == before {
		t.Fatalf("ice-ufrag unchanged after restart: %q", after)
	}
	waitFor(t, "fresh candidates", func() bool {
		return m.hub.Published(signaling.TypeCandidate) > candidates
	})
	m.waitConnected(t, "a1", "b2")
	if got := a.metrics.Get(metrics.PeerFailed); got != 0 {
		t.Fatalf("a1 failed peers=%d, want 0", got)
	}
}

// gatedSource lets a test act between a device opening and the coordinator
// taking the track.
type gatedSource struct {
	*media.SyntheticSource
	afterCamera func()
}

func (s *gatedSource) Camera(ctx context.Context) (*media.Track, error) {
	t, err := s.SyntheticSource.Camera(ctx)
	if err == nil && s.afterCamera != nil {
		s.afterCamera()
	}
	return t, err
}

func TestSetVideo_CanceledBeforeCommitInstallsNothing(t *testing.T) {
	m := newTestMesh(t, "a1", "b2")
	a := m.peers["a1"]

	gate := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.coord.cfg.Media = &gatedSource{
		SyntheticSource: a.source,
		afterCamera: func() {
			// Park the loop so the commit cannot start before ctx ends.
			a.coord.post(func() { <-gate })
			cancel()
		},
	}
	m.join(t, "a1", "b2")
	m.waitConnected(t, "a1", "b2")
	offers := m.hub.Published(signaling.TypeOffer)

	if err := a.coord.SetVideo(ctx, true); !errors.Is(err, context.Canceled) {
		t.Fatalf("SetVideo err=%v, want %v", err, context.Canceled)
	}
	if got := a.source.Released(media.KindVideo); got != 1 {
		t.Fatalf("camera released=%d, want 1", got)
	}
	close(gate)

	if a.coord.LocalMedia().Video {
		t.Fatalf("canceled camera was installed")
	}
	var track webrtc.TrackLocal
	a.inspect(t, "b2", func(s *peerSession) { track = s.video.Sender().Track() })
	if track != nil && track.ID() == string(media.KindVideo) {
		t.Fatalf("video sender carries the canceled camera")
	}
	if got := m.hub.Published(signaling.TypeOffer); got != offers {
		t.Fatalf("offers=%d, want %d", got, offers)
	}

	a.coord.cfg.Media = a.source
	if err := a.coord.SetVideo(context.Background(), true); err != nil {
		t.Fatalf("SetVideo after cancel: %v", err)
	}
	if !a.coord.LocalMedia().Video {
		t.Fatalf("video not on after retry")
	}
}

func TestRememberTrack_ForgetsStoppedTracks(t *testing.T) {
	m := newTestMesh(t, "a1")
	a := m.peers["a1"]
	m.join(t, "a1")

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := a.coord.SetVideo(ctx, true); err != nil {
			t.Fatalf("SetVideo(true) #%d: %v", i, err)
		}
		if err := a.coord.SetVideo(ctx, false); err != nil {
			t.Fatalf("SetVideo(false) #%d: %v", i, err)
		}
	}
	if err := a.coord.SetVideo(ctx, true); err != nil {
		t.Fatalf("SetVideo(true): %v", err)
	}

	a.coord.tracksMu.Lock()
	n := len(a.coord.tracks)
	a.coord.tracksMu.Unlock()
	if n != 2 {
		t.Fatalf("remembered tracks=%d, want 2", n)
	}
	if got := a.source.Released(media.KindVideo); got != 3 {
		t.Fatalf("camera released=%d, want 3", got)
	}
}

func TestSignalingLost_ClosesSessions(t *testing.T) {
	m := newTestMesh(t, "a1", "b2")
	a, b := m.peers["a1"], m.peers["b2"]
	m.join(t, "a1", "b2")
	m.waitConnected(t, "a1", "b2")

	m.hub.Disconnect(testChannel, "b2")

	timeout := time.After(5 * time.Second)
	for seen := false; !seen; {
		select {
		case ev, ok := <-b.coord.Changes():
			if !ok {
				t.Fatalf("changes closed before signaling loss was reported")
			}
			seen = ev.Type == ChangeSignalingLost
		case <-timeout:
			t.Fatalf("no %s event", ChangeSignalingLost)
		}
	}
	if got := len(b.coord.Peers()); got != 0 {
		t.Fatalf("b2 peers=%d after signaling loss, want 0", got)
	}
	if got := b.metrics.Get(metrics.SignalingLost); got != 1 {
		t.Fatalf("signaling lost=%d, want 1", got)
	}
	waitFor(t, "a1 drops b2", func() bool { return len(a.coord.Peers()) == 0 })

	if err := b.coord.Leave(context.Background()); err != nil {
		t.Fatalf("Leave after signaling loss: %v", err)
	}
}
