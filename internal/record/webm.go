package record

// Minimal WebM/EBML muxer for one VP8 video track and an optional Opus audio
// track. Segment size is left unknown so the file is playable while it is
// still being written.

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"sync"
)

// vint encodes v as an EBML element size (up to 4 bytes).
func vint(v uint64) []byte {
	switch {
	case v < 0x7F:
		return []byte{byte(0x80 | v)}
	case v < 0x3FFF:
		return []byte{byte(0x40 | (v >> 8)), byte(v)}
	case v < 0x1FFFFF:
		return []byte{byte(0x20 | (v >> 16)), byte(v >> 8), byte(v)}
	default:
		return []byte{byte(0x10 | (v >> 24)), byte(v >> 16), byte(v >> 8), byte(v)}
	}
}

var unknownSize = []byte{0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

func element(id, data []byte) []byte {
	b := make([]byte, 0, len(id)+8+len(data))
	b = append(b, id...)
	b = append(b, vint(uint64(len(data)))...)
	return append(b, data...)
}

// uintBytes is v in the fewest big-endian bytes.
func uintBytes(v uint64) []byte {
	if v == 0 {
		return []byte{0}
	}
	n := 0
	for x := v; x > 0; x >>= 8 {
		n++
	}
	b := make([]byte, n)
	for i := n - 1; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

func concat(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	b := make([]byte, 0, n)
	for _, p := range parts {
		b = append(b, p...)
	}
	return b
}

var (
	idEBML         = []byte{0x1A, 0x45, 0xDF, 0xA3}
	idEBMLVersion  = []byte{0x42, 0x86}
	idEBMLReadVer  = []byte{0x42, 0xF7}
	idEBMLMaxIDLen = []byte{0x42, 0xF2}
	idEBMLMaxSzLen = []byte{0x42, 0xF3}
	idDocType      = []byte{0x42, 0x82}
	idDocTypeVer   = []byte{0x42, 0x87}
	idDocTypeRdVer = []byte{0x42, 0x85}
	idSegment      = []byte{0x18, 0x53, 0x80, 0x67}
	idInfo         = []byte{0x15, 0x49, 0xA9, 0x66}
	idTcScale      = []byte{0x2A, 0xD7, 0xB1}
	idMuxApp       = []byte{0x4D, 0x80}
	idWrtApp       = []byte{0x57, 0x41}
	idTracks       = []byte{0x16, 0x54, 0xAE, 0x6B}
	idTrackEntry   = []byte{0xAE}
	idTrackNum     = []byte{0xD7}
	idTrackUID     = []byte{0x73, 0xC5}
	idTrackType    = []byte{0x83}
	idCodecID      = []byte{0x86}
	idCodecPrv     = []byte{0x63, 0xA2}
	idVideo        = []byte{0xE0}
	idPixelW       = []byte{0xB0}
	idPixelH       = []byte{0xBA}
	idAudio        = []byte{0xE1}
	idSampFreq     = []byte{0xB5}
	idChannels     = []byte{0x9F}
	idCluster      = []byte{0x1F, 0x43, 0xB6, 0x75}
	idTimecode     = []byte{0xE7}
	idSimpleBlock  = []byte{0xA3}
)

const (
	videoTrack = 1
	audioTrack = 2
)

// opusHead is the OpusHead codec private for mono 48 kHz.
var opusHead = []byte{
	'O', 'p', 'u', 's', 'H', 'e', 'a', 'd',
	0x01,
	0x01,
	0x38, 0x01,
	0x80, 0xBB, 0x00, 0x00,
	0x00, 0x00,
	0x00,
}

// initSegment is the EBML header, the open Segment, Info and Tracks.
func initSegment(width, height uint16, withAudio bool) []byte {
	var buf bytes.Buffer

	buf.Write(element(idEBML, concat(
		element(idEBMLVersion, uintBytes(1)),
		element(idEBMLReadVer, uintBytes(1)),
		element(idEBMLMaxIDLen, uintBytes(4)),
		element(idEBMLMaxSzLen, uintBytes(8)),
		element(idDocType, []byte("webm")),
		element(idDocTypeVer, uintBytes(2)),
		element(idDocTypeRdVer, uintBytes(2)),
	)))

	buf.Write(idSegment)
	buf.Write(unknownSize)

	buf.Write(element(idInfo, concat(
		element(idTcScale, uintBytes(1000000)), // 1 ms ticks
		element(idMuxApp, []byte("livecam")),
		element(idWrtApp, []byte("livecam")),
	)))

	tracks := element(idTrackEntry, concat(
		element(idTrackNum, uintBytes(videoTrack)),
		element(idTrackUID, uintBytes(videoTrack)),
		element(idTrackType, uintBytes(1)),
		element(idCodecID, []byte("V_VP8")),
		element(idVideo, concat(
			element(idPixelW, uintBytes(uint64(width))),
			element(idPixelH, uintBytes(uint64(height))),
		)),
	))
	if withAudio {
		freq := make([]byte, 4)
		binary.BigEndian.PutUint32(freq, math.Float32bits(48000.0))
		tracks = concat(tracks, element(idTrackEntry, concat(
			element(idTrackNum, uintBytes(audioTrack)),
			element(idTrackUID, uintBytes(audioTrack)),
			element(idTrackType, uintBytes(2)),
			element(idCodecID, []byte("A_OPUS")),
			element(idCodecPrv, opusHead),
			element(idAudio, concat(
				element(idSampFreq, freq),
				element(idChannels, uintBytes(1)),
			)),
		)))
	}
	buf.Write(element(idTracks, tracks))
	return buf.Bytes()
}

func cluster(startMs int64, blocks []byte) []byte {
	return element(idCluster, concat(element(idTimecode, uintBytes(uint64(startMs))), blocks))
}

func simpleBlock(track int, relMs int16, keyframe bool, data []byte) []byte {
	tn := vint(uint64(track))
	var flags byte
	if keyframe {
		flags = 0x80
	}
	content := make([]byte, len(tn)+3+len(data))
	copy(content, tn)
	binary.BigEndian.PutUint16(content[len(tn):], uint16(relMs))
	content[len(tn)+2] = flags
	copy(content[len(tn)+3:], data)
	return element(idSimpleBlock, content)
}

// vp8Keyframe reports whether frame is a VP8 key frame and, if so, its size.
func vp8Keyframe(frame []byte) (key bool, w, h uint16) {
	if len(frame) < 1 || frame[0]&0x01 != 0 {
		return false, 0, 0
	}
	if len(frame) >= 10 && frame[3] == 0x9D && frame[4] == 0x01 && frame[5] == 0x2A {
		return true, binary.LittleEndian.Uint16(frame[6:8]) & 0x3FFF, binary.LittleEndian.Uint16(frame[8:10]) & 0x3FFF
	}
	return true, 640, 480
}

type audioFrame struct {
	ms   int64
	data []byte
}

// webmWriter muxes frames into w. Nothing is written until the first video
// keyframe; each video frame closes a cluster, and audio received since the
// previous video frame goes into it.
type webmWriter struct {
	mu        sync.Mutex
	w         io.Writer
	withAudio bool
	started   bool
	err       error

	baseVideo, baseAudio       int64
	baseVideoSet, baseAudioSet bool

	audioQ []audioFrame
}

func newWebmWriter(w io.Writer, withAudio bool) *webmWriter {
	return &webmWriter{w: w, withAudio: withAudio}
}

// WriteVideo adds one VP8 frame at ms.
func (ww *webmWriter) WriteVideo(ms int64, frame []byte) error {
	ww.mu.Lock()
	defer ww.mu.Unlock()
	if ww.err != nil {
		return ww.err
	}
	key, width, height := vp8Keyframe(frame)
	if !ww.started {
		if !key {
			return nil
		}
		if ww.err = ww.write(initSegment(width, height, ww.withAudio)); ww.err != nil {
			return ww.err
		}
		ww.started = true
	}

	if !ww.baseVideoSet {
		ww.baseVideo, ww.baseVideoSet = ms, true
	}
	ts := ms - ww.baseVideo

	// Audio blocks must not predate the cluster timecode.
	start := ts
	if len(ww.audioQ) > 0 && ww.audioQ[0].ms < start {
		start = ww.audioQ[0].ms
	}
	if start < 0 {
		start = 0
	}
	var blocks bytes.Buffer
	for _, af := range ww.audioQ {
		rel := af.ms - start
		if rel < -30000 || rel > 30000 {
			continue
		}
		blocks.Write(simpleBlock(audioTrack, int16(rel), false, af.data))
	}
	ww.audioQ = ww.audioQ[:0]
	blocks.Write(simpleBlock(videoTrack, int16(ts-start), key, frame))

	ww.err = ww.write(cluster(start, blocks.Bytes()))
	return ww.err
}

// WriteAudio queues one Opus packet at ms for the next cluster.
func (ww *webmWriter) WriteAudio(ms int64, data []byte) {
	ww.mu.Lock()
	defer ww.mu.Unlock()
	if !ww.withAudio || !ww.started {
		return
	}
	if !ww.baseAudioSet {
		ww.baseAudio, ww.baseAudioSet = ms, true
	}
	ww.audioQ = append(ww.audioQ, audioFrame{ms: ms - ww.baseAudio, data: append([]byte(nil), data...)})
}

// Started reports whether the init segment has been written.
func (ww *webmWriter) Started() bool {
	ww.mu.Lock()
	defer ww.mu.Unlock()
	return ww.started
}

func (ww *webmWriter) write(b []byte) error {
	_, err := ww.w.Write(b)
	return err
}
