package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("media")

// Manager owns the primary and secondary capture streams and keeps the
// outgoing slots of the bound call in step with them.
//
// Device acquisition happens outside the lock. Committing a new stream
// happens under it: slots are replaced first and the old tracks are stopped
// afterwards, so the audio slot never points at a stopped track. When
// acquisitions race, whichever commits last wins.
type Manager struct {
	capt Capturer
	surf Surfaces

	mu        sync.Mutex
	facing    Facing
	primary   *Stream
	secondary *Stream

	binding   Binding
	boundKind StreamKind

	localView bool
	selfView  bool
}

// New returns a Manager that starts with the user-facing camera selected.
func New(capt Capturer, surf Surfaces) *Manager {
	return &Manager{
		capt:   capt,
		surf:   surf,
		facing: FacingUser,
	}
}

// Bind makes the stream of kind which the source of b's outgoing slots.
// Subsequent replacements of that stream are pushed into b.
func (m *Manager) Bind(b Binding, which StreamKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.binding = b
	m.boundKind = which
	log.Debugw("binding set", "stream", which.String())
}

// Unbind forgets the current binding without touching its slots.
func (m *Manager) Unbind() {
	m.mu.Lock()
	m.binding = nil
	m.mu.Unlock()
}

// Facing returns the current facing preference.
func (m *Manager) Facing() Facing {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.facing
}

// SetFacing overrides the facing preference without touching any stream.
func (m *Manager) SetFacing(f Facing) {
	m.mu.Lock()
	m.facing = f
	m.mu.Unlock()
}

func (m *Manager) Primary() *Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.primary
}

func (m *Manager) Secondary() *Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.secondary
}

// VideoEnabled reports whether the stream of kind which carries live video.
func (m *Manager) VideoEnabled(which StreamKind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streamLocked(which).VideoEnabled()
}

// AcquirePrimary captures the primary stream if it does not exist yet and
// returns it. Video is requested only when withVideo is set.
func (m *Manager) AcquirePrimary(ctx context.Context, withVideo bool) (*Stream, error) {
	return m.acquire(ctx, Primary, withVideo)
}

// EnsureSecondary captures an audio-only secondary stream if none exists.
func (m *Manager) EnsureSecondary(ctx context.Context) (*Stream, error) {
	return m.acquire(ctx, Secondary, false)
}

func (m *Manager) acquire(ctx context.Context, which StreamKind, withVideo bool) (*Stream, error) {
	m.mu.Lock()
	if s := m.streamLocked(which); s != nil {
		m.mu.Unlock()
		return s, nil
	}
	facing := m.facing
	m.mu.Unlock()

	c := Constraints{Audio: true, Video: withVideo, Facing: facing}
	tracks, err := m.capture(ctx, "acquire "+which.String(), c)
	if err != nil {
		return nil, err
	}
	s := newCaptureStream(which, facing, tracks)

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing := m.streamLocked(which); existing != nil {
		// Lost a race against a concurrent acquisition.
		s.Stop()
		return existing, nil
	}
	if err := m.commitLocked(which, nil, s, false); err != nil {
		s.Stop()
		return nil, err
	}
	log.Infow("stream acquired", "stream", which.String(), "id", s.ID(), "video", s.VideoEnabled())
	return s, nil
}

// ReleasePrimary stops the primary stream, clears the slots bound to it and
// retires the local preview. No-op without a primary stream.
func (m *Manager) ReleasePrimary() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked(Primary)
}

// ReleaseAll stops every capture stream.
func (m *Manager) ReleaseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked(Primary)
	m.releaseLocked(Secondary)
}

func (m *Manager) releaseLocked(which StreamKind) {
	s := m.streamLocked(which)
	if s == nil {
		return
	}
	if m.binding != nil && m.boundKind == which {
		for _, k := range []Kind{KindAudio, KindVideo} {
			if err := m.binding.ReplaceOutgoingTrack(k, nil); err != nil {
				log.Warnw("clear slot", "kind", k, "err", err)
			}
		}
	}
	m.setStreamLocked(which, nil)
	m.refreshSurfaceLocked(which, nil)
	s.Stop()
	log.Infow("stream released", "stream", which.String(), "id", s.ID())
}

// SwitchFacing flips the facing preference and, if the stream of kind which
// carries video, re-captures it with the new camera. The exact camera is
// tried first, then the preference alone. When both fail the flag is
// reverted and the existing stream is left untouched. A stream without
// video only has its preference flipped.
func (m *Manager) SwitchFacing(ctx context.Context, which StreamKind) (*Stream, error) {
	m.mu.Lock()
	cur := m.streamLocked(which)
	if cur == nil {
		m.mu.Unlock()
		return nil, ErrNoStream
	}
	prev := m.facing
	next := prev.Flip()
	m.facing = next
	if !cur.VideoEnabled() {
		m.mu.Unlock()
		log.Debugw("facing flipped without video", "stream", which.String(), "facing", next)
		return cur, nil
	}
	m.mu.Unlock()

	c := Constraints{Audio: true, Video: true, Facing: next, Exact: true}
	tracks, err := m.capture(ctx, "switch facing", c)
	if err != nil {
		log.Warnw("exact facing failed, retrying with preference", "facing", next, "err", err)
		c.Exact = false
		tracks, err = m.capture(ctx, "switch facing", c)
	}
	if err != nil {
		m.mu.Lock()
		if m.facing == next {
			m.facing = prev
		}
		m.mu.Unlock()
		return nil, err
	}
	s := newCaptureStream(which, next, tracks)

	m.mu.Lock()
	defer m.mu.Unlock()
	old := m.streamLocked(which)
	if old == nil {
		// Released while we were capturing.
		s.Stop()
		return nil, ErrNoStream
	}
	if err := m.commitLocked(which, old, s, false); err != nil {
		s.Stop()
		if m.facing == next {
			m.facing = prev
		}
		return nil, err
	}
	log.Infow("camera switched", "stream", which.String(), "facing", next, "exact", c.Exact)
	return s, nil
}

// SetSecondaryVideoEnabled replaces the secondary stream with one that has
// video iff enabled. On a device error the previous stream stays in place
// and its video state is returned.
func (m *Manager) SetSecondaryVideoEnabled(ctx context.Context, enabled bool) (bool, error) {
	return m.setVideo(ctx, Secondary, enabled)
}

// SetPrimaryVideoEnabled is SetSecondaryVideoEnabled for the primary stream.
func (m *Manager) SetPrimaryVideoEnabled(ctx context.Context, enabled bool) (bool, error) {
	return m.setVideo(ctx, Primary, enabled)
}

func (m *Manager) setVideo(ctx context.Context, which StreamKind, enabled bool) (bool, error) {
	facing := m.Facing()
	c := Constraints{Audio: true, Video: enabled, Facing: facing}
	tracks, err := m.capture(ctx, fmt.Sprintf("set %s video", which), c)
	if err != nil {
		return m.VideoEnabled(which), err
	}
	s := newCaptureStream(which, facing, tracks)

	m.mu.Lock()
	defer m.mu.Unlock()
	old := m.streamLocked(which)
	if err := m.commitLocked(which, old, s, !enabled); err != nil {
		s.Stop()
		return old.VideoEnabled(), err
	}
	log.Infow("video toggled", "stream", which.String(), "enabled", s.VideoEnabled())
	return s.VideoEnabled(), nil
}

// capture runs one device request and checks that every requested kind
// came back.
func (m *Manager) capture(ctx context.Context, op string, c Constraints) ([]Track, error) {
	tracks, err := m.capt.GetUserMedia(ctx, c)
	if err != nil {
		var de *DeviceError
		if errors.As(err, &de) {
			return nil, err
		}
		return nil, &DeviceError{Op: op, Constraints: c, Err: err}
	}
	if (c.Audio && !hasKind(tracks, KindAudio)) || (c.Video && !hasKind(tracks, KindVideo)) {
		stopTracks(tracks)
		return nil, &DeviceError{Op: op, Constraints: c, Err: ErrMissingTrack}
	}
	return tracks, nil
}

// commitLocked installs next as the stream of kind which. If that kind is
// bound, the slots are rebound first; on failure nothing changes.
func (m *Manager) commitLocked(which StreamKind, old, next *Stream, clearVideo bool) error {
	if m.binding != nil && m.boundKind == which {
		if err := m.rebindLocked(old, next, clearVideo); err != nil {
			return err
		}
	}
	m.setStreamLocked(which, next)
	m.refreshSurfaceLocked(which, next)
	if old != nil {
		old.Stop()
	}
	return nil
}

// rebindLocked pushes next's tracks into the bound slots, audio first. If
// the video replacement fails the audio slot is restored to old's track.
func (m *Manager) rebindLocked(old, next *Stream, clearVideo bool) error {
	if a := next.AudioTrack(); a != nil {
		if err := m.binding.ReplaceOutgoingTrack(KindAudio, a); err != nil {
			return fmt.Errorf("media: replace audio slot: %w", err)
		}
	}
	var v Track
	if v = next.VideoTrack(); v == nil && !clearVideo {
		return nil
	}
	if err := m.binding.ReplaceOutgoingTrack(KindVideo, v); err != nil {
		if old != nil && old.AudioTrack() != nil && next.AudioTrack() != nil {
			if rerr := m.binding.ReplaceOutgoingTrack(KindAudio, old.AudioTrack()); rerr != nil {
				log.Errorw("restore audio slot", "err", rerr)
			}
		}
		return fmt.Errorf("media: replace video slot: %w", err)
	}
	return nil
}

func (m *Manager) refreshSurfaceLocked(which StreamKind, s *Stream) {
	if m.surf == nil {
		return
	}
	switch which {
	case Primary:
		if s.VideoEnabled() {
			m.surf.ShowLocalVideo(s)
			m.localView = true
		} else if m.localView {
			m.surf.HideLocalVideo()
			m.localView = false
		}
	case Secondary:
		if s.VideoEnabled() {
			m.surf.ShowSelfView(s)
			m.selfView = true
		} else if m.selfView {
			m.surf.HideSelfView()
			m.selfView = false
		}
	}
}

func (m *Manager) streamLocked(which StreamKind) *Stream {
	if which == Secondary {
		return m.secondary
	}
	return m.primary
}

func (m *Manager) setStreamLocked(which StreamKind, s *Stream) {
	if which == Secondary {
		m.secondary = s
	} else {
		m.primary = s
	}
}
