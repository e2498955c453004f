// Package record writes a remote stream to a WebM file (VP8 video, Opus
// audio) as its RTP packets arrive.
package record

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/samplebuilder"

	"github.com/petervdpas/livecam/internal/media"
)

var log = logging.Logger("record")

var (
	ErrActive    = errors.New("record: already recording")
	ErrNotActive = errors.New("record: not recording")
	ErrNoVideo   = errors.New("record: stream has no recordable video")
)

// PacketSource is a received track whose RTP packets can be tapped.
type PacketSource interface {
	media.Track
	MimeType() string
	ClockRate() uint32
	SetPacketSink(fn func(*rtp.Packet))
}

// Recorder records at most one stream at a time into Dir.
type Recorder struct {
	Dir string

	mu  sync.Mutex
	cur *recording
}

// New returns a Recorder writing into dir.
func New(dir string) *Recorder {
	return &Recorder{Dir: dir}
}

type recording struct {
	path    string
	file    *os.File
	buf     *bufio.Writer
	webm    *webmWriter
	sources []PacketSource

	mu     sync.Mutex
	closed bool
}

// Active reports whether a recording is in progress.
func (r *Recorder) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cur != nil
}

// Path returns the file being written, or "".
func (r *Recorder) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cur == nil {
		return ""
	}
	return r.cur.path
}

// Start begins recording s. The stream needs a live VP8 track; an Opus track
// is recorded alongside when present.
func (r *Recorder) Start(s *media.Stream) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cur != nil {
		return ErrActive
	}

	var video, audio PacketSource
	for _, t := range s.Tracks() {
		src, ok := t.(PacketSource)
		if !ok || !t.Live() {
			continue
		}
		switch {
		case video == nil && strings.EqualFold(src.MimeType(), webrtc.MimeTypeVP8):
			video = src
		case audio == nil && strings.EqualFold(src.MimeType(), webrtc.MimeTypeOpus):
			audio = src
		}
	}
	if video == nil {
		return ErrNoVideo
	}

	if err := os.MkdirAll(r.Dir, 0o755); err != nil {
		return fmt.Errorf("record: %w", err)
	}
	path := filepath.Join(r.Dir, "livecam-"+time.Now().Format("20060102-150405")+".webm")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("record: %w", err)
	}
	rec := &recording{path: path, file: f, buf: bufio.NewWriter(f)}
	rec.webm = newWebmWriter(rec.buf, audio != nil)

	rec.tap(video, &codecs.VP8Packet{}, func(ms int64, data []byte) {
		if err := rec.webm.WriteVideo(ms, data); err != nil {
			log.Warnw("write video", "path", path, "err", err)
		}
	})
	if audio != nil {
		rec.tap(audio, &codecs.OpusPacket{}, rec.webm.WriteAudio)
	}

	r.cur = rec
	log.Infow("recording started", "path", path, "audio", audio != nil)
	return nil
}

// Stop detaches from the stream and closes the file.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	rec := r.cur
	r.cur = nil
	r.mu.Unlock()
	if rec == nil {
		return ErrNotActive
	}
	for _, src := range rec.sources {
		src.SetPacketSink(nil)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.closed = true
	err := rec.buf.Flush()
	if cerr := rec.file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("record: %w", err)
	}
	if !rec.webm.Started() {
		log.Warnw("recording stopped before the first keyframe", "path", rec.path)
	}
	log.Infow("recording saved", "path", rec.path)
	return nil
}

// tap feeds src's packets through a sample builder into emit with a
// millisecond timestamp.
func (rec *recording) tap(src PacketSource, depacketizer rtp.Depacketizer, emit func(ms int64, data []byte)) {
	clockRate := src.ClockRate()
	if clockRate == 0 {
		clockRate = 90000
	}
	sb := samplebuilder.New(64, depacketizer, clockRate)
	clk := &rtpClock{rate: clockRate}

	rec.sources = append(rec.sources, src)
	src.SetPacketSink(func(pkt *rtp.Packet) {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		if rec.closed {
			return
		}
		sb.Push(pkt)
		for sample := sb.Pop(); sample != nil; sample = sb.Pop() {
			emit(clk.ms(sample.PacketTimestamp), sample.Data)
		}
	})
}

// rtpClock unwraps 32-bit RTP timestamps into milliseconds since the first.
type rtpClock struct {
	rate  uint32
	last  uint32
	ticks int64
	set   bool
}

func (c *rtpClock) ms(ts uint32) int64 {
	if !c.set {
		c.last, c.set = ts, true
	}
	c.ticks += int64(int32(ts - c.last))
	c.last = ts
	return c.ticks * 1000 / int64(c.rate)
}
