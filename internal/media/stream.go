package media

import "github.com/google/uuid"

// Stream is one set of tracks obtained together, either from a local device
// (a capture stream) or from the remote endpoint.
type Stream struct {
	id     string
	kind   StreamKind
	facing Facing
	tracks []Track
}

// NewStream wraps tracks that did not come from the Manager, typically the
// remote endpoint's.
func NewStream(id string, tracks ...Track) *Stream {
	if id == "" {
		id = uuid.NewString()
	}
	return &Stream{id: id, tracks: append([]Track(nil), tracks...)}
}

func newCaptureStream(kind StreamKind, facing Facing, tracks []Track) *Stream {
	return &Stream{
		id:     uuid.NewString(),
		kind:   kind,
		facing: facing,
		tracks: tracks,
	}
}

func (s *Stream) ID() string         { return s.id }
func (s *Stream) Kind() StreamKind   { return s.kind }
func (s *Stream) Facing() Facing     { return s.facing }
func (s *Stream) AudioTrack() Track  { return s.first(KindAudio) }
func (s *Stream) VideoTrack() Track  { return s.first(KindVideo) }
func (s *Stream) VideoEnabled() bool { return s != nil && s.first(KindVideo) != nil }
func (s *Stream) HasAudio() bool     { return s != nil && s.first(KindAudio) != nil }

// Tracks returns a copy of the stream's tracks.
func (s *Stream) Tracks() []Track {
	return append([]Track(nil), s.tracks...)
}

// first returns the first live track of kind k.
func (s *Stream) first(k Kind) Track {
	for _, t := range s.tracks {
		if t.Kind() == k && t.Live() {
			return t
		}
	}
	return nil
}

// Stop stops every track of the stream.
func (s *Stream) Stop() {
	if s == nil {
		return
	}
	stopTracks(s.tracks)
}

func stopTracks(tracks []Track) {
	for _, t := range tracks {
		t.Stop()
	}
}

func hasKind(tracks []Track, k Kind) bool {
	for _, t := range tracks {
		if t.Kind() == k {
			return true
		}
	}
	return false
}
