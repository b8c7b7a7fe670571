package media

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrDeviceNotFound   = errors.New("device not found")
)

// DeviceAcquisitionError reports a capture device that could not be opened.
type DeviceAcquisitionError struct {
	Kind Kind
	Err  error
}

func (e *DeviceAcquisitionError) Error() string {
	return fmt.Sprintf("acquire %s: %v", e.Kind, e.Err)
}

func (e *DeviceAcquisitionError) Unwrap() error { return e.Err }

type AudioConstraints struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// DefaultAudioConstraints enables echo cancellation and noise suppression.
func DefaultAudioConstraints() AudioConstraints {
	return AudioConstraints{EchoCancellation: true, NoiseSuppression: true, AutoGainControl: true}
}

// Source opens capture devices. Implementations return a
// *DeviceAcquisitionError when a device cannot be opened.
type Source interface {
	Microphone(ctx context.Context, c AudioConstraints) (*Track, error)
	Camera(ctx context.Context) (*Track, error)
	Display(ctx context.Context) (*Track, error)
}
