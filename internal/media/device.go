package media

import "github.com/pion/webrtc/v4"

// DeviceConfig maps facing modes and the microphone to capture device ids.
// Empty ids leave the choice to the driver.
type DeviceConfig struct {
	Cameras    map[Facing]string
	Microphone string
	MaxWidth   int
	MaxHeight  int
	// VideoBitrate is the VP8 target in bits per second.
	VideoBitrate int
}

// LocalTrack is a captured track that can feed an RTP sender.
type LocalTrack interface {
	Track
	TrackLocal() webrtc.TrackLocal
}

func (c DeviceConfig) withDefaults() DeviceConfig {
	if c.MaxWidth <= 0 {
		c.MaxWidth = 640
	}
	if c.MaxHeight <= 0 {
		c.MaxHeight = 480
	}
	if c.VideoBitrate <= 0 {
		c.VideoBitrate = 1_500_000
	}
	return c
}
