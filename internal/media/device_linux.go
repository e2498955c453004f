//go:build linux

package media

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// DeviceCapturer captures V4L2 cameras and the system microphone through
// pion/mediadevices, encoding VP8 and Opus.
type DeviceCapturer struct {
	cfg      DeviceConfig
	selector *mediadevices.CodecSelector
}

func NewDeviceCapturer(cfg DeviceConfig) (*DeviceCapturer, error) {
	cfg = cfg.withDefaults()

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = cfg.VideoBitrate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	d := &DeviceCapturer{
		cfg: cfg,
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}

	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		log.Warn("no capture devices found")
	}
	for _, dev := range devices {
		log.Infow("capture device", "kind", dev.Kind, "label", dev.Label, "id", dev.DeviceID)
	}
	return d, nil
}

// ConfigureMediaEngine registers the codecs the capturer encodes.
func (d *DeviceCapturer) ConfigureMediaEngine(me *webrtc.MediaEngine) error {
	d.selector.Populate(me)
	return nil
}

func (d *DeviceCapturer) GetUserMedia(ctx context.Context, c Constraints) ([]Track, error) {
	constraints := mediadevices.MediaStreamConstraints{Codec: d.selector}
	if c.Video {
		id := d.cfg.Cameras[c.Facing]
		if c.Exact && id == "" {
			return nil, fmt.Errorf("%w: no camera mapped to %s", ErrNoDevice, c.Facing)
		}
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			// Raw formats only; MJPEG nodes of some webcams poison the encoder.
			mc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			mc.Width = prop.IntRanged{Max: d.cfg.MaxWidth}
			mc.Height = prop.IntRanged{Max: d.cfg.MaxHeight}
			switch {
			case id == "":
			case c.Exact:
				mc.DeviceID = prop.StringExact(id)
			default:
				mc.DeviceID = prop.String(id)
			}
		}
	}
	if c.Audio {
		mic := d.cfg.Microphone
		constraints.Audio = func(mc *mediadevices.MediaTrackConstraints) {
			if mic != "" {
				mc.DeviceID = prop.String(mic)
			}
		}
	}

	type result struct {
		stream mediadevices.MediaStream
		err    error
	}
	done := make(chan result, 1)
	go func() {
		s, err := mediadevices.GetUserMedia(constraints)
		done <- result{s, err}
	}()

	select {
	case <-ctx.Done():
		// The driver call cannot be interrupted; close whatever it opens.
		go func() {
			if r := <-done; r.err == nil {
				for _, t := range r.stream.GetTracks() {
					_ = t.Close()
				}
			}
		}()
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		var tracks []Track
		for _, t := range r.stream.GetTracks() {
			tracks = append(tracks, wrapDeviceTrack(t))
		}
		log.Debugw("capture opened", "constraints", c.String(), "tracks", len(tracks))
		return tracks, nil
	}
}

type deviceTrack struct {
	t     mediadevices.Track
	kind  Kind
	ended atomic.Bool
	once  sync.Once
}

func wrapDeviceTrack(t mediadevices.Track) *deviceTrack {
	dt := &deviceTrack{t: t, kind: KindAudio}
	if t.Kind() == webrtc.RTPCodecTypeVideo {
		dt.kind = KindVideo
	}
	t.OnEnded(func(err error) {
		dt.ended.Store(true)
		if err != nil {
			log.Warnw("local track ended", "id", t.ID(), "err", err)
		}
	})
	return dt
}

func (d *deviceTrack) ID() string                    { return d.t.ID() }
func (d *deviceTrack) Kind() Kind                    { return d.kind }
func (d *deviceTrack) Live() bool                    { return !d.ended.Load() }
func (d *deviceTrack) TrackLocal() webrtc.TrackLocal { return d.t }

func (d *deviceTrack) Stop() {
	d.once.Do(func() {
		d.ended.Store(true)
		if err := d.t.Close(); err != nil {
			log.Warnw("close local track", "id", d.t.ID(), "err", err)
		}
	})
}
