// Package media owns local capture devices and reconciles live capture
// streams with the outgoing slots of the active call.
//
// Capture (Capturer) and slot binding (Binding) are deliberately separate:
// capture is slow and may prompt or fail, slot replacement is synchronous
// once tracks exist.
package media

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the media kind of a track and of an outgoing slot.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Facing is the requested camera orientation.
type Facing string

const (
	FacingUser        Facing = "user"
	FacingEnvironment Facing = "environment"
)

// Flip returns the opposite orientation.
func (f Facing) Flip() Facing {
	if f == FacingEnvironment {
		return FacingUser
	}
	return FacingEnvironment
}

// StreamKind distinguishes the local-preview stream from the sender's
// separately toggled outgoing stream.
type StreamKind int

const (
	Primary StreamKind = iota
	Secondary
)

func (k StreamKind) String() string {
	if k == Secondary {
		return "secondary"
	}
	return "primary"
}

// Track is one live local or remote media track.
type Track interface {
	ID() string
	Kind() Kind
	// Live reports whether the track still produces media.
	Live() bool
	// Stop ends the track and releases the device behind it. Idempotent.
	Stop()
}

// Constraints describe a capture request.
type Constraints struct {
	Audio  bool
	Video  bool
	Facing Facing
	// Exact requires the camera mapped to Facing; otherwise Facing is only
	// a preference.
	Exact bool
}

func (c Constraints) String() string {
	mode := "ideal"
	if c.Exact {
		mode = "exact"
	}
	return fmt.Sprintf("audio=%v video=%v facing=%s(%s)", c.Audio, c.Video, c.Facing, mode)
}

// Capturer obtains tracks from capture devices.
type Capturer interface {
	GetUserMedia(ctx context.Context, c Constraints) ([]Track, error)
}

// Binding is the set of outgoing slots (one audio, one video) of the active
// call. A nil track clears the slot.
type Binding interface {
	ReplaceOutgoingTrack(kind Kind, t Track) error
}

// Surfaces receives local render-surface changes. Implementations must not
// call back into the Manager.
type Surfaces interface {
	ShowLocalVideo(s *Stream)
	HideLocalVideo()
	ShowSelfView(s *Stream)
	HideSelfView()
}

var (
	ErrNoStream     = errors.New("media: no such stream")
	ErrNoDevice     = errors.New("media: no capture device")
	ErrMissingTrack = errors.New("media: device returned no track of the requested kind")
)

// DeviceError reports a failed capture request. The Manager's state is
// unchanged when one is returned.
type DeviceError struct {
	Op          string
	Constraints Constraints
	Err         error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("media: %s (%s): %v", e.Op, e.Constraints, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }
