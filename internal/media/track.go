// Package media owns local capture: the tracks a participant sends and the
// sources they come from.
package media

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

type Kind string

const (
	KindAudio  Kind = "audio"
	KindVideo  Kind = "video"
	KindScreen Kind = "screen"
)

// opusSilence is a single Opus frame carrying 20ms of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// Track is one locally captured track. Disabling it keeps the track attached
// to every sender: audio is replaced by silence, video frames are dropped.
type Track struct {
	kind  Kind
	local *webrtc.TrackLocalStaticSample

	enabled  atomic.Bool
	stopOnce sync.Once
	stopped  chan struct{}
	onStop   func()
}

func codecFor(kind Kind) webrtc.RTPCodecCapability {
	if kind == KindAudio {
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	}
	return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
}

// NewTrack creates an enabled track. streamID groups the tracks of one
// participant on the remote side.
func NewTrack(kind Kind, id, streamID string) (*Track, error) {
	switch kind {
	case KindAudio, KindVideo, KindScreen:
	default:
		return nil, fmt.Errorf("unknown track kind %q", kind)
	}
	local, err := webrtc.NewTrackLocalStaticSample(codecFor(kind), id, streamID)
	if err != nil {
		return nil, fmt.Errorf("new %s track: %w", kind, err)
	}
	t := &Track{kind: kind, local: local, stopped: make(chan struct{})}
	t.enabled.Store(true)
	return t, nil
}

func (t *Track) Kind() Kind { return t.kind }
func (t *Track) ID() string { return t.local.ID() }

// Local is the pion track to hand to a sender.
func (t *Track) Local() webrtc.TrackLocal { return t.local }

func (t *Track) Enabled() bool { return t.enabled.Load() }

func (t *Track) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

// Stop releases the capture device. Only the first call has an effect.
func (t *Track) Stop() {
	t.stopOnce.Do(func() {
		close(t.stopped)
		if t.onStop != nil {
			t.onStop()
		}
	})
}

func (t *Track) Stopped() <-chan struct{} { return t.stopped }

func (t *Track) IsStopped() bool {
	select {
	case <-t.stopped:
		return true
	default:
		return false
	}
}

// WriteSample sends one captured frame to every bound sender. Writes after
// Stop are dropped.
func (t *Track) WriteSample(data []byte, d time.Duration) error {
	if t.IsStopped() {
		return nil
	}
	if !t.Enabled() {
		if t.kind != KindAudio {
			return nil
		}
		data = opusSilence
	}
	return t.local.WriteSample(pionmedia.Sample{Data: data, Duration: d})
}
