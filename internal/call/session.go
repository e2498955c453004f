package call

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/livecam/internal/media"
	"github.com/petervdpas/livecam/internal/proto"
)

// Session is one call: a PeerConnection with a fixed audio and video slot,
// plus the control data channel.
type Session struct {
	id       string
	remote   string
	outbound bool
	m        *Manager
	pc       *webrtc.PeerConnection
	slots    map[media.Kind]*webrtc.RTPSender
	// idle holds the silent track each slot starts with. Until the call is
	// negotiated an empty slot falls back to it, since pion refuses a
	// description for a sendrecv sender without a track.
	idle map[media.Kind]webrtc.TrackLocal

	mu         sync.Mutex
	dc         *webrtc.DataChannel
	offer      *webrtc.SessionDescription
	remoteSet  bool
	negotiated bool
	candidates []webrtc.ICECandidateInit
	streams    map[string][]media.Track
	remoteVid  []*remoteTrack
	onRemote   func(*media.Stream)
	onClosed   func()
	closed     bool
}

func newSession(m *Manager, id, remote string, outbound bool) (*Session, error) {
	pc, err := m.api.NewPeerConnection(m.cfg.webrtcConfig())
	if err != nil {
		return nil, err
	}
	s := &Session{
		id:       id,
		remote:   remote,
		outbound: outbound,
		m:        m,
		pc:       pc,
		slots:    make(map[media.Kind]*webrtc.RTPSender),
		idle:     make(map[media.Kind]webrtc.TrackLocal),
		streams:  make(map[string][]media.Track),
	}

	// Both slots exist from the start so toggling video later never needs a
	// renegotiation; an empty slot just sends nothing.
	for _, k := range []struct {
		kind media.Kind
		typ  webrtc.RTPCodecType
	}{
		{media.KindAudio, webrtc.RTPCodecTypeAudio},
		{media.KindVideo, webrtc.RTPCodecTypeVideo},
	} {
		tr, err := pc.AddTransceiverFromKind(k.typ, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendrecv,
		})
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add %s transceiver: %w", k.kind, err)
		}
		s.slots[k.kind] = tr.Sender()
		s.idle[k.kind] = tr.Sender().Track()
		go drainRTCP(tr.Sender())
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		if err := s.sendSignal(signal{Type: sigCandidate, Candidate: &init}); err != nil {
			log.Debugw("send candidate", "call", s.id, "err", err)
		}
	})
	pc.OnTrack(s.handleTrack)
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != proto.ControlChannelLabel {
			log.Warnw("unexpected data channel", "call", s.id, "label", dc.Label())
			return
		}
		s.attachChannel(dc)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Infow("connection state", "call", s.id, "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			s.shutdown(false)
		}
	})
	return s, nil
}

// ID returns the call id shared by both endpoints.
func (s *Session) ID() string { return s.id }

// Remote returns the peer's endpoint id.
func (s *Session) Remote() string { return s.remote }

// ReplaceOutgoingTrack binds t to the slot of kind; nil empties the slot.
// Only tracks that can feed an RTP sender are accepted. Before negotiation
// an emptied slot keeps its silent placeholder.
func (s *Session) ReplaceOutgoingTrack(kind media.Kind, t media.Track) error {
	sender, ok := s.slots[kind]
	if !ok {
		return fmt.Errorf("call: no %s slot", kind)
	}
	if t == nil {
		s.mu.Lock()
		negotiated := s.negotiated
		s.mu.Unlock()
		if !negotiated {
			return sender.ReplaceTrack(s.idle[kind])
		}
		return sender.ReplaceTrack(nil)
	}
	lt, ok := t.(media.LocalTrack)
	if !ok {
		return fmt.Errorf("call: track %s cannot be sent", t.ID())
	}
	return sender.ReplaceTrack(lt.TrackLocal())
}

// bindLocal fills the slots local has tracks for; the others stay idle.
func (s *Session) bindLocal(local *media.Stream) error {
	if local == nil {
		return nil
	}
	for kind, t := range map[media.Kind]media.Track{
		media.KindAudio: local.AudioTrack(),
		media.KindVideo: local.VideoTrack(),
	} {
		if t == nil {
			continue
		}
		if err := s.ReplaceOutgoingTrack(kind, t); err != nil {
			return err
		}
	}
	return nil
}

// sendOffer creates the data channel and sends the initial offer.
func (s *Session) sendOffer() error {
	dc, err := s.pc.CreateDataChannel(proto.ControlChannelLabel, nil)
	if err != nil {
		return fmt.Errorf("create data channel: %w", err)
	}
	s.attachChannel(dc)

	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	return s.sendSignal(signal{Type: sigOffer, SDP: offer.SDP})
}

// Answer accepts an incoming call with local as the outgoing media.
func (s *Session) Answer(ctx context.Context, local *media.Stream) error {
	s.mu.Lock()
	offer := s.offer
	s.offer = nil
	s.mu.Unlock()
	if offer == nil {
		return ErrNotAnswered
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.bindLocal(local); err != nil {
		return err
	}
	if err := s.setRemote(*offer); err != nil {
		return err
	}
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	s.mu.Lock()
	s.negotiated = true
	s.mu.Unlock()
	log.Infow("call answered", "call", s.id, "remote", s.remote)
	return s.sendSignal(signal{Type: sigAnswer, SDP: answer.SDP})
}

// setRemote applies the remote description and flushes queued candidates.
func (s *Session) setRemote(desc webrtc.SessionDescription) error {
	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	s.mu.Lock()
	s.remoteSet = true
	if desc.Type == webrtc.SDPTypeAnswer {
		s.negotiated = true
	}
	queued := s.candidates
	s.candidates = nil
	s.mu.Unlock()
	for _, c := range queued {
		if err := s.pc.AddICECandidate(c); err != nil {
			log.Debugw("add queued candidate", "call", s.id, "err", err)
		}
	}
	return nil
}

func (s *Session) addCandidate(c webrtc.ICECandidateInit) {
	s.mu.Lock()
	if !s.remoteSet {
		s.candidates = append(s.candidates, c)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	if err := s.pc.AddICECandidate(c); err != nil {
		log.Debugw("add candidate", "call", s.id, "err", err)
	}
}

func (s *Session) attachChannel(dc *webrtc.DataChannel) {
	s.mu.Lock()
	s.dc = dc
	s.mu.Unlock()

	dc.OnOpen(func() {
		log.Infow("control channel open", "call", s.id)
		s.m.channelReady(s)
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if !msg.IsString {
			log.Debugw("binary control message ignored", "call", s.id)
			return
		}
		m, err := proto.Decode(msg.Data)
		if err != nil {
			log.Warnw("bad control message", "call", s.id, "err", err)
			return
		}
		s.m.deliver(m)
	})
}

func (s *Session) send(msg proto.Message) error {
	b, err := proto.Encode(msg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	dc := s.dc
	s.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrNoChannel
	}
	return dc.SendText(string(b))
}

// OnRemoteStream registers the handler called each time a remote stream
// gains a track.
func (s *Session) OnRemoteStream(fn func(*media.Stream)) {
	s.mu.Lock()
	s.onRemote = fn
	s.mu.Unlock()
}

// OnClosed registers the handler called once when the call ends.
func (s *Session) OnClosed(fn func()) {
	s.mu.Lock()
	s.onClosed = fn
	s.mu.Unlock()
}

func (s *Session) handleTrack(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	rt := newRemoteTrack(tr)
	go rt.readLoop(s.id)

	s.mu.Lock()
	sid := tr.StreamID()
	s.streams[sid] = append(s.streams[sid], rt)
	tracks := append([]media.Track(nil), s.streams[sid]...)
	if rt.kind == media.KindVideo {
		s.remoteVid = append(s.remoteVid, rt)
	}
	fn := s.onRemote
	s.mu.Unlock()

	log.Infow("remote track", "call", s.id, "stream", sid, "kind", rt.kind, "codec", tr.Codec().MimeType)
	if fn != nil {
		fn(media.NewStream(sid, tracks...))
	}
}

// RequestKeyframe asks the peer for a fresh keyframe on every video track.
func (s *Session) RequestKeyframe() error {
	s.mu.Lock()
	vids := append([]*remoteTrack(nil), s.remoteVid...)
	s.mu.Unlock()
	var pkts []rtcp.Packet
	for _, v := range vids {
		pkts = append(pkts, &rtcp.PictureLossIndication{MediaSSRC: v.SSRC()})
	}
	if len(pkts) == 0 {
		return nil
	}
	return s.pc.WriteRTCP(pkts)
}

// Close hangs up and releases the PeerConnection. Idempotent.
func (s *Session) Close() error {
	return s.shutdown(true)
}

func (s *Session) shutdown(notify bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	fn := s.onClosed
	s.mu.Unlock()

	if notify {
		if err := s.sendSignal(signal{Type: sigHangup}); err != nil {
			log.Debugw("send hangup", "call", s.id, "err", err)
		}
	}
	s.m.removeSession(s)
	err := s.pc.Close()
	log.Infow("call closed", "call", s.id, "remote", s.remote)
	if fn != nil {
		go fn()
	}
	return err
}

func (s *Session) sendSignal(sig signal) error {
	sig.Call = s.id
	return s.m.sig.Send(s.remote, sig)
}

// drainRTCP reads sender RTCP so the interceptors keep running.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
