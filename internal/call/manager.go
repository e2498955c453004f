// Package call is the pion/webrtc transport of a livecam endpoint.
// Coupling to the rest of the module is through the Signaler interface and
// the media and proto types only.
package call

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/livecam/internal/media"
	"github.com/petervdpas/livecam/internal/proto"
)

var log = logging.Logger("call")

// Manager owns the endpoint's call sessions and bridges relay signaling to
// them. At most one session carries the control channel at a time.
type Manager struct {
	sig    Signaler
	codecs CodecConfigurer
	cfg    Config
	selfID string

	mu        sync.RWMutex
	api       *webrtc.API
	sessions  map[string]*Session
	active    *Session
	destroyed bool
	cancelSub func()

	onIncoming func(*Session)
	onMessage  func(proto.Message)
	onReady    func()

	done chan struct{}
}

// New creates a Manager for the endpoint selfID. An empty selfID gets a
// fresh random one.
func New(sig Signaler, codecs CodecConfigurer, selfID string, cfg Config) *Manager {
	if selfID == "" {
		selfID = uuid.NewString()
	}
	if codecs == nil {
		codecs = DefaultCodecs
	}
	return &Manager{
		sig:      sig,
		codecs:   codecs,
		cfg:      cfg,
		selfID:   selfID,
		sessions: make(map[string]*Session),
		done:     make(chan struct{}),
	}
}

// Initialize builds the webrtc API and starts listening for signaling.
// It returns the endpoint id.
func (m *Manager) Initialize(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	api, err := newAPI(m.codecs, m.cfg)
	if err != nil {
		return "", fmt.Errorf("call: webrtc api: %w", err)
	}
	ch, cancel := m.sig.Subscribe()

	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		cancel()
		return "", ErrDestroyed
	}
	m.api = api
	m.cancelSub = cancel
	m.mu.Unlock()

	go m.dispatchLoop(ch)
	log.Infow("transport ready", "endpoint", m.selfID)
	return m.selfID, nil
}

// ID returns the endpoint id.
func (m *Manager) ID() string { return m.selfID }

// OnIncomingCall registers the handler for offers from unknown calls. The
// handler must Answer or Close the session.
func (m *Manager) OnIncomingCall(fn func(*Session)) {
	m.mu.Lock()
	m.onIncoming = fn
	m.mu.Unlock()
}

// OnMessage registers the handler for decoded control-channel messages.
func (m *Manager) OnMessage(fn func(proto.Message)) {
	m.mu.Lock()
	m.onMessage = fn
	m.mu.Unlock()
}

// OnControlChannelReady registers the handler fired whenever a control
// channel opens.
func (m *Manager) OnControlChannelReady(fn func()) {
	m.mu.Lock()
	m.onReady = fn
	m.mu.Unlock()
}

// Call places an outbound call to targetID carrying local.
func (m *Manager) Call(ctx context.Context, targetID string, local *media.Stream) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	ready := m.api != nil && !m.destroyed
	m.mu.RUnlock()
	if !ready {
		return nil, ErrDestroyed
	}

	s, err := newSession(m, uuid.NewString(), targetID, true)
	if err != nil {
		return nil, err
	}
	if err := s.bindLocal(local); err != nil {
		_ = s.pc.Close()
		return nil, err
	}
	m.addSession(s)
	if err := s.sendOffer(); err != nil {
		m.removeSession(s)
		_ = s.pc.Close()
		return nil, err
	}
	log.Infow("call placed", "call", s.id, "target", targetID)
	return s, nil
}

// SendMessage sends msg on the active control channel.
func (m *Manager) SendMessage(msg proto.Message) error {
	m.mu.RLock()
	s := m.active
	m.mu.RUnlock()
	if s == nil {
		return ErrNoChannel
	}
	return s.send(msg)
}

// Destroy hangs up every session and stops listening for signaling.
func (m *Manager) Destroy() error {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return nil
	}
	m.destroyed = true
	close(m.done)
	cancel := m.cancelSub
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		_ = s.Close()
	}
	if cancel != nil {
		cancel()
	}
	log.Infow("transport destroyed", "endpoint", m.selfID)
	return nil
}

func (m *Manager) addSession(s *Session) {
	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()
}

func (m *Manager) removeSession(s *Session) {
	m.mu.Lock()
	if m.sessions[s.id] == s {
		delete(m.sessions, s.id)
	}
	if m.active == s {
		m.active = nil
	}
	m.mu.Unlock()
}

func (m *Manager) channelReady(s *Session) {
	m.mu.Lock()
	if m.sessions[s.id] != s {
		m.mu.Unlock()
		return
	}
	m.active = s
	fn := m.onReady
	m.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (m *Manager) deliver(msg proto.Message) {
	m.mu.RLock()
	fn := m.onMessage
	m.mu.RUnlock()
	if fn != nil {
		fn(msg)
	}
}

func (m *Manager) dispatchLoop(ch <-chan *Envelope) {
	for {
		select {
		case <-m.done:
			return
		case env, ok := <-ch:
			if !ok {
				return
			}
			m.dispatch(env)
		}
	}
}

// dispatch routes one signaling envelope to its session, or raises an
// incoming call for an offer with an unknown call id.
func (m *Manager) dispatch(env *Envelope) {
	var sig signal
	if err := json.Unmarshal(env.Payload, &sig); err != nil {
		log.Warnw("bad signaling payload", "from", env.From, "err", err)
		return
	}

	m.mu.RLock()
	s, known := m.sessions[sig.Call]
	m.mu.RUnlock()

	switch sig.Type {
	case sigOffer:
		if known {
			log.Warnw("renegotiation not supported", "call", sig.Call)
			return
		}
		m.incoming(env.From, sig)
	case sigAnswer:
		if !known {
			return
		}
		if err := s.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sig.SDP}); err != nil {
			log.Errorw("apply answer", "call", sig.Call, "err", err)
			_ = s.Close()
		}
	case sigCandidate:
		if known && sig.Candidate != nil {
			s.addCandidate(*sig.Candidate)
		}
	case sigHangup:
		if known {
			log.Infow("remote hangup", "call", sig.Call)
			_ = s.shutdown(false)
		}
	default:
		log.Debugw("unknown signal", "type", sig.Type, "from", env.From)
	}
}

func (m *Manager) incoming(from string, sig signal) {
	m.mu.RLock()
	fn := m.onIncoming
	m.mu.RUnlock()
	if fn == nil {
		log.Infow("rejecting call, not accepting calls", "from", from)
		_ = m.sig.Send(from, signal{Type: sigHangup, Call: sig.Call})
		return
	}

	s, err := newSession(m, sig.Call, from, false)
	if err != nil {
		log.Errorw("create session", "call", sig.Call, "err", err)
		return
	}
	s.offer = &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sig.SDP}
	m.addSession(s)
	log.Infow("incoming call", "call", sig.Call, "from", from)
	go fn(s)
}
