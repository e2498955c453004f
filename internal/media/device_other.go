//go:build !linux

package media

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// DeviceCapturer has no capture drivers outside Linux; every request fails
// with ErrNoDevice so callers can run receive-only.
type DeviceCapturer struct{}

func NewDeviceCapturer(DeviceConfig) (*DeviceCapturer, error) {
	log.Warn("local capture is only supported on linux; running receive-only")
	return &DeviceCapturer{}, nil
}

func (d *DeviceCapturer) ConfigureMediaEngine(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (d *DeviceCapturer) GetUserMedia(_ context.Context, c Constraints) ([]Track, error) {
	return nil, fmt.Errorf("%w: no capture drivers on this platform", ErrNoDevice)
}
