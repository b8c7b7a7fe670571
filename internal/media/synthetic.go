package media

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	audioFrameDuration = 20 * time.Millisecond
	videoFrameDuration = 33 * time.Millisecond
)

// vp8Frame is a tiny keyframe header followed by padding. Receivers only
// need packets to flow; nothing decodes it.
var vp8Frame = append([]byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a, 0x10, 0x00, 0x10, 0x00}, make([]byte, 64)...)

// SyntheticSource generates silence and placeholder video frames. It stands
// in for real capture devices in the headless peer and in tests.
type SyntheticSource struct {
	// StreamID tags every track so the remote side can group them.
	StreamID string
	Logger   *slog.Logger

	mu       sync.Mutex
	deny     map[Kind]error
	acquired map[Kind]int
	released map[Kind]int
	lastMic  AudioConstraints
}

func NewSyntheticSource(streamID string) *SyntheticSource {
	return &SyntheticSource{
		StreamID: streamID,
		deny:     make(map[Kind]error),
		acquired: make(map[Kind]int),
		released: make(map[Kind]int),
	}
}

// Deny makes the next acquisitions of kind fail with err until cleared with
// a nil err.
func (s *SyntheticSource) Deny(kind Kind, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.deny, kind)
		return
	}
	s.deny[kind] = err
}

// Acquired and Released count device opens and track stops per kind.
func (s *SyntheticSource) Acquired(kind Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acquired[kind]
}

func (s *SyntheticSource) Released(kind Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released[kind]
}

// MicrophoneConstraints returns the constraints of the last microphone
// acquisition.
func (s *SyntheticSource) MicrophoneConstraints() AudioConstraints {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastMic
}

func (s *SyntheticSource) Microphone(ctx context.Context, c AudioConstraints) (*Track, error) {
	s.mu.Lock()
	s.lastMic = c
	s.mu.Unlock()
	return s.open(ctx, KindAudio, opusSilence, audioFrameDuration)
}

func (s *SyntheticSource) Camera(ctx context.Context) (*Track, error) {
	return s.open(ctx, KindVideo, vp8Frame, videoFrameDuration)
}

func (s *SyntheticSource) Display(ctx context.Context) (*Track, error) {
	return s.open(ctx, KindScreen, vp8Frame, videoFrameDuration)
}

func (s *SyntheticSource) open(ctx context.Context, kind Kind, frame []byte, every time.Duration) (*Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, &DeviceAcquisitionError{Kind: kind, Err: err}
	}
	s.mu.Lock()
	if err := s.deny[kind]; err != nil {
		s.mu.Unlock()
		return nil, &DeviceAcquisitionError{Kind: kind, Err: err}
	}
	s.acquired[kind]++
	s.mu.Unlock()

	t, err := NewTrack(kind, string(kind), s.StreamID)
	if err != nil {
		return nil, &DeviceAcquisitionError{Kind: kind, Err: err}
	}
	t.onStop = func() {
		s.mu.Lock()
		s.released[kind]++
		s.mu.Unlock()
	}
	go s.pump(t, frame, every)
	return t, nil
}

func (s *SyntheticSource) pump(t *Track, frame []byte, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-t.Stopped():
			return
		case <-ticker.C:
			if err := t.WriteSample(frame, every); err != nil && s.Logger != nil {
				s.Logger.Debug("synthetic sample write failed", "kind", t.Kind(), "err", err)
			}
		}
	}
}
