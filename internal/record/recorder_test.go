package record

import (
	"bytes"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/livecam/internal/media"
)

type tapTrack struct {
	id    string
	kind  media.Kind
	mime  string
	clock uint32

	mu   sync.Mutex
	sink func(*rtp.Packet)
}

func (t *tapTrack) ID() string        { return t.id }
func (t *tapTrack) Kind() media.Kind  { return t.kind }
func (t *tapTrack) Live() bool        { return true }
func (t *tapTrack) Stop()             {}
func (t *tapTrack) MimeType() string  { return t.mime }
func (t *tapTrack) ClockRate() uint32 { return t.clock }

func (t *tapTrack) SetPacketSink(fn func(*rtp.Packet)) {
	t.mu.Lock()
	t.sink = fn
	t.mu.Unlock()
}

func (t *tapTrack) push(p *rtp.Packet) {
	t.mu.Lock()
	fn := t.sink
	t.mu.Unlock()
	if fn != nil {
		fn(p)
	}
}

func (t *tapTrack) attached() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sink != nil
}

// vp8Frame is a VP8 payload descriptor (start of partition) followed by a
// 640x480 frame header.
func vp8Frame(key bool) []byte {
	first := byte(0x01)
	if key {
		first = 0x00
	}
	return []byte{0x10, first, 0x00, 0x00, 0x9D, 0x01, 0x2A, 0x80, 0x02, 0xE0, 0x01, 0xAA, 0xBB}
}

func TestRecorderWritesWebM(t *testing.T) {
	dir := t.TempDir()
	video := &tapTrack{id: "v", kind: media.KindVideo, mime: webrtc.MimeTypeVP8, clock: 90000}
	audio := &tapTrack{id: "a", kind: media.KindAudio, mime: webrtc.MimeTypeOpus, clock: 48000}
	r := New(dir)

	if err := r.Start(media.NewStream("remote", audio, video)); err != nil {
		t.Fatal(err)
	}
	if !r.Active() {
		t.Fatalf("recorder should be active")
	}
	if err := r.Start(media.NewStream("again", video)); !errors.Is(err, ErrActive) {
		t.Fatalf("second start = %v", err)
	}

	for i := 0; i < 10; i++ {
		video.push(&rtp.Packet{
			Header:  rtp.Header{Version: 2, Marker: true, SequenceNumber: uint16(100 + i), Timestamp: uint32(3000 * i), PayloadType: 96},
			Payload: vp8Frame(i%5 == 0),
		})
		audio.push(&rtp.Packet{
			Header:  rtp.Header{Version: 2, Marker: true, SequenceNumber: uint16(500 + i), Timestamp: uint32(960 * i), PayloadType: 111},
			Payload: []byte{0xFC, 0x01, 0x02},
		})
	}

	path := r.Path()
	if err := r.Stop(); err != nil {
		t.Fatal(err)
	}
	if r.Active() || video.attached() || audio.attached() {
		t.Fatalf("stop should detach every track")
	}
	if err := r.Stop(); !errors.Is(err, ErrNotActive) {
		t.Fatalf("second stop = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(data, idEBML) {
		t.Fatalf("file does not start with an EBML header")
	}
	if !bytes.Contains(data, []byte("V_VP8")) || !bytes.Contains(data, []byte("A_OPUS")) {
		t.Fatalf("tracks missing from init segment")
	}
	if !bytes.Contains(data, idCluster) {
		t.Fatalf("no cluster written")
	}
}

func TestRecorderNeedsVideo(t *testing.T) {
	r := New(t.TempDir())
	audio := &tapTrack{id: "a", kind: media.KindAudio, mime: webrtc.MimeTypeOpus, clock: 48000}
	if err := r.Start(media.NewStream("remote", audio)); !errors.Is(err, ErrNoVideo) {
		t.Fatalf("expected ErrNoVideo, got %v", err)
	}
	if r.Active() {
		t.Fatalf("nothing should be recording")
	}
}

func TestWriterWaitsForKeyframe(t *testing.T) {
	var buf bytes.Buffer
	w := newWebmWriter(&buf, false)
	delta := vp8Frame(false)[1:]
	if err := w.WriteVideo(0, delta); err != nil {
		t.Fatal(err)
	}
	if buf.Len() != 0 || w.Started() {
		t.Fatalf("nothing should be written before a keyframe")
	}
	if err := w.WriteVideo(33, vp8Frame(true)[1:]); err != nil {
		t.Fatal(err)
	}
	if !w.Started() || !bytes.Contains(buf.Bytes(), idCluster) {
		t.Fatalf("keyframe should start the file")
	}
}

func TestVint(t *testing.T) {
	cases := map[uint64][]byte{
		0:      {0x80},
		0x7E:   {0xFE},
		0x7F:   {0x40, 0x7F},
		0x3FFF: {0x20, 0x3F, 0xFF},
	}
	for v, want := range cases {
		if got := vint(v); !bytes.Equal(got, want) {
			t.Errorf("vint(%#x) = % x, want % x", v, got, want)
		}
	}
}

func TestRTPClockWraps(t *testing.T) {
	c := &rtpClock{rate: 90000}
	c.ms(0xFFFFFF00)
	if got := c.ms(89744); got != 1000 {
		t.Fatalf("ms after wrap = %d", got)
	}
}
