package call

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/pion/webrtc/v4"
)

// Signaler carries call negotiation between endpoints.
type Signaler interface {
	// Send delivers payload to the endpoint registered as to.
	Send(to string, payload any) error
	Subscribe() (ch <-chan *Envelope, cancel func())
}

// Envelope is one relayed signaling message.
type Envelope struct {
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload"`
}

// Signaling message types.
const (
	sigOffer     = "offer"
	sigAnswer    = "answer"
	sigCandidate = "candidate"
	sigHangup    = "hangup"
)

// signal is the payload of every Envelope the call package sends.
type signal struct {
	Type      string                   `json:"type"`
	Call      string                   `json:"call"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

// CodecConfigurer registers the codecs local capture produces.
type CodecConfigurer interface {
	ConfigureMediaEngine(me *webrtc.MediaEngine) error
}

// CodecFunc adapts a function to CodecConfigurer.
type CodecFunc func(me *webrtc.MediaEngine) error

func (f CodecFunc) ConfigureMediaEngine(me *webrtc.MediaEngine) error { return f(me) }

// DefaultCodecs registers pion's default codec set.
var DefaultCodecs = CodecFunc(func(me *webrtc.MediaEngine) error { return me.RegisterDefaultCodecs() })

// Config holds the PeerConnection settings.
type Config struct {
	ICEServers []string
	// ICE timeouts; zero keeps the defaults below.
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
	// IncludeLoopback gathers loopback candidates (single-host setups and tests).
	IncludeLoopback bool
}

var (
	ErrNoChannel   = errors.New("call: control channel not open")
	ErrDestroyed   = errors.New("call: manager destroyed")
	ErrNotAnswered = errors.New("call: no pending offer to answer")
)
