package call

import (
	"errors"
	"io"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/livecam/internal/media"
)

// remoteTrack is an inbound track. It is drained continuously; packets are
// handed to the sink while one is set.
type remoteTrack struct {
	tr    *webrtc.TrackRemote
	kind  media.Kind
	ended atomic.Bool
	sink  atomic.Pointer[func(*rtp.Packet)]
}

func newRemoteTrack(tr *webrtc.TrackRemote) *remoteTrack {
	t := &remoteTrack{tr: tr, kind: media.KindAudio}
	if tr.Kind() == webrtc.RTPCodecTypeVideo {
		t.kind = media.KindVideo
	}
	return t
}

func (t *remoteTrack) ID() string       { return t.tr.ID() }
func (t *remoteTrack) Kind() media.Kind { return t.kind }
func (t *remoteTrack) Live() bool       { return !t.ended.Load() }
func (t *remoteTrack) SSRC() uint32     { return uint32(t.tr.SSRC()) }
func (t *remoteTrack) MimeType() string { return t.tr.Codec().MimeType }
func (t *remoteTrack) ClockRate() uint32 {
	return t.tr.Codec().ClockRate
}

// Stop detaches the sink; the remote side owns the track itself.
func (t *remoteTrack) Stop() {
	t.ended.Store(true)
	t.sink.Store(nil)
}

// SetPacketSink routes received packets to fn. nil detaches.
func (t *remoteTrack) SetPacketSink(fn func(*rtp.Packet)) {
	if fn == nil {
		t.sink.Store(nil)
		return
	}
	t.sink.Store(&fn)
}

func (t *remoteTrack) readLoop(callID string) {
	for {
		pkt, _, err := t.tr.ReadRTP()
		if err != nil {
			t.ended.Store(true)
			if !errors.Is(err, io.EOF) {
				log.Debugw("remote track read ended", "call", callID, "track", t.tr.ID(), "err", err)
			}
			return
		}
		if fn := t.sink.Load(); fn != nil {
			(*fn)(pkt)
		}
	}
}
