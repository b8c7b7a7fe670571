// Package voice coordinates a full-mesh voice/video channel: one peer
// connection per remote participant, negotiated over a signaling.Channel with
// perfect negotiation so simultaneous offers resolve without an arbiter.
//
// All coordinator state is owned by a single loop goroutine. Public methods,
// signaling callbacks and pion callbacks post closures to that loop; public
// methods then wait for their closure to finish.
package voice

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/meshcall/voicemesh/internal/media"
	"github.com/meshcall/voicemesh/internal/metrics"
	"github.com/meshcall/voicemesh/internal/registry"
	"github.com/meshcall/voicemesh/internal/signaling"
)

var (
	ErrNotJoined     = errors.New("voice: not joined")
	ErrAlreadyJoined = errors.New("voice: already joined")
	ErrClosed        = errors.New("voice: coordinator closed")
)

const (
	publishTimeout      = 2 * time.Second
	leaveRegistryFlush  = 2 * time.Second
	changeEventsBacklog = 256
)

type Config struct {
	ChannelID string
	LocalID   string

	Signaling signaling.Channel
	Media     media.Source

	// Registry is optional. Writes to it never block the coordinator.
	Registry registry.Registry

	API        *webrtc.API
	ICEServers []webrtc.ICEServer

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// PeerState is the lifecycle of one remote peer's session.
type PeerState string

const (
	PeerNew          PeerState = "new"
	PeerConnecting   PeerState = "connecting"
	PeerConnected    PeerState = "connected"
	PeerDisconnected PeerState = "disconnected"
	PeerFailed       PeerState = "failed"
	PeerClosed       PeerState = "closed"
)

type PeerInfo struct {
	ID     string
	State  PeerState
	Polite bool
}

// RemoteStream groups the tracks received from one peer. Nil fields have
// not started yet.
type RemoteStream struct {
	PeerID string
	Audio  *webrtc.TrackRemote
	Video  *webrtc.TrackRemote
	Screen *webrtc.TrackRemote
}

type LocalMedia struct {
	Audio  bool
	Muted  bool
	Video  bool
	Screen bool
}

type ChangeType string

const (
	ChangePeerAdded          ChangeType = "peer_added"
	ChangePeerState          ChangeType = "peer_state"
	ChangePeerRemoved        ChangeType = "peer_removed"
	ChangeRemoteTrackAdded   ChangeType = "remote_track_added"
	ChangeRemoteTrackRemoved ChangeType = "remote_track_removed"
	ChangeLocalMedia         ChangeType = "local_media"
	// ChangeSignalingLost means the signaling subscription dropped. Every
	// session has been closed; the host should Leave and join again.
	ChangeSignalingLost ChangeType = "signaling_lost"
)

// ChangeEvent tells observers that tracks or peers changed. Observers re-read
// the state they care about instead of relying on object identity.
type ChangeEvent struct {
	Type   ChangeType
	PeerID string
	Kind   media.Kind
	State  PeerState
}

type lifecycle int32

const (
	stateIdle lifecycle = iota
	stateJoining
	stateJoined
	stateLeft
)

type localTracks struct {
	audio  *media.Track
	video  *media.Track
	screen *media.Track
}

// Coordinator is one participant's membership in one voice channel. It is
// single use: after Leave or Shutdown it cannot join again.
type Coordinator struct {
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics
	writer  *registry.AsyncWriter

	state atomic.Int32

	events   *eventQueue
	loopDone chan struct{}

	changesMu     sync.Mutex
	changes       chan ChangeEvent
	changesClosed bool

	// Live acquired tracks, so the abrupt shutdown path can stop them without
	// going through the loop.
	tracksMu sync.Mutex
	tracks   []*media.Track

	// Owned by the loop goroutine.
	peers    map[string]*peerSession
	local    localTracks
	speaking bool
}

func New(cfg Config) (*Coordinator, error) {
	switch {
	case cfg.ChannelID == "":
		return nil, errors.New("voice: missing channel id")
	case cfg.LocalID == "":
		return nil, errors.New("voice: missing local participant id")
	case cfg.Signaling == nil:
		return nil, errors.New("voice: missing signaling channel")
	case cfg.Media == nil:
		return nil, errors.New("voice: missing media source")
	case cfg.API == nil:
		return nil, errors.New("voice: missing webrtc api")
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("channel", cfg.ChannelID, "participant", cfg.LocalID)

	c := &Coordinator{
		cfg:      cfg,
		log:      log,
		metrics:  cfg.Metrics,
		events:   newEventQueue(),
		loopDone: make(chan struct{}),
		changes:  make(chan ChangeEvent, changeEventsBacklog),
		peers:    make(map[string]*peerSession),
	}
	if cfg.Registry != nil {
		c.writer = registry.NewAsyncWriter(cfg.Registry, registry.AsyncOptions{
			Logger:  log,
			Metrics: cfg.Metrics,
		})
	}
	go c.run()
	return c, nil
}

func (c *Coordinator) run() {
	defer close(c.loopDone)
	for {
		fn, ok := c.events.Pop()
		if !ok {
			return
		}
		fn()
	}
}

// post queues fn on the loop. It never blocks.
func (c *Coordinator) post(fn func()) bool {
	return c.events.Push(fn)
}

const (
	callPending int32 = iota
	callRunning
	callAbandoned
)

// do runs fn on the loop and waits for it. If ctx ends before fn starts, fn
// never runs and ctx.Err() is returned; once started, fn is waited for.
func (c *Coordinator) do(ctx context.Context, fn func() error) error {
	var state atomic.Int32
	errc := make(chan error, 1)
	if !c.post(func() {
		if state.CompareAndSwap(callPending, callRunning) {
			errc <- fn()
		}
	}) {
		return ErrClosed
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		if state.CompareAndSwap(callPending, callAbandoned) {
			return ctx.Err()
		}
		return <-errc
	case <-c.loopDone:
		select {
		case err := <-errc:
			return err
		default:
			return ErrClosed
		}
	}
}

// stopLoop ends the loop after the current event. Called from the loop.
func (c *Coordinator) stopLoop() {
	c.events.Close()
}

// Changes delivers change notifications. The channel is closed after Leave or
// Shutdown. Events are dropped when the reader falls behind.
func (c *Coordinator) Changes() <-chan ChangeEvent {
	return c.changes
}

func (c *Coordinator) emit(ev ChangeEvent) {
	c.changesMu.Lock()
	defer c.changesMu.Unlock()
	if c.changesClosed {
		return
	}
	select {
	case c.changes <- ev:
	default:
		c.log.Debug("change event dropped", "type", ev.Type, "peer", ev.PeerID)
	}
}

func (c *Coordinator) closeChanges() {
	c.changesMu.Lock()
	defer c.changesMu.Unlock()
	if !c.changesClosed {
		c.changesClosed = true
		close(c.changes)
	}
}

// rememberTrack records t and forgets tracks that have since stopped.
func (c *Coordinator) rememberTrack(t *media.Track) {
	c.tracksMu.Lock()
	defer c.tracksMu.Unlock()
	live := c.tracks[:0]
	for _, old := range c.tracks {
		if !old.IsStopped() {
			live = append(live, old)
		}
	}
	for i := len(live); i < len(c.tracks); i++ {
		c.tracks[i] = nil
	}
	c.tracks = append(live, t)
}

func (c *Coordinator) stopAllTracks() {
	c.tracksMu.Lock()
	tracks := c.tracks
	c.tracks = nil
	c.tracksMu.Unlock()
	for _, t := range tracks {
		t.Stop()
	}
}

// Peers lists the current sessions ordered by peer id. It is empty once the
// coordinator has left.
func (c *Coordinator) Peers() []PeerInfo {
	var out []PeerInfo
	_ = c.do(context.Background(), func() error {
		for _, id := range c.sortedPeerIDs() {
			s := c.peers[id]
			out = append(out, PeerInfo{ID: id, State: s.state, Polite: s.polite})
		}
		return nil
	})
	return out
}

func (c *Coordinator) RemoteStreams() []RemoteStream {
	var out []RemoteStream
	_ = c.do(context.Background(), func() error {
		for _, id := range c.sortedPeerIDs() {
			out = append(out, c.peers[id].remote)
		}
		return nil
	})
	return out
}

func (c *Coordinator) LocalMedia() LocalMedia {
	var out LocalMedia
	_ = c.do(context.Background(), func() error {
		out = c.localMediaLocked()
		return nil
	})
	return out
}

func (c *Coordinator) localMediaLocked() LocalMedia {
	lm := LocalMedia{
		Audio:  c.local.audio != nil,
		Video:  c.local.video != nil,
		Screen: c.local.screen != nil,
	}
	if c.local.audio != nil {
		lm.Muted = !c.local.audio.Enabled()
	}
	return lm
}

func (c *Coordinator) sortedPeerIDs() []string {
	ids := make([]string, 0, len(c.peers))
	for id := range c.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c *Coordinator) publish(msg signaling.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := c.cfg.Signaling.Publish(ctx, msg); err != nil {
		c.metrics.Inc(metrics.PublishFailed)
		c.log.Debug("signal dropped", "type", msg.Type, "peer", msg.To, "err", err)
	}
}

func (c *Coordinator) updateRegistry(patch registry.Patch) {
	if c.writer != nil {
		c.writer.Update(c.cfg.ChannelID, c.cfg.LocalID, patch)
	}
}
