// Package signal is the thin relay the two endpoints use to find each other
// and exchange call setup messages. The relay routes opaque payloads by
// endpoint id and never looks inside them.
package signal

import (
	"encoding/json"
	"errors"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("signal")

// IDParam is the query parameter carrying the connecting endpoint's id.
const IDParam = "id"

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 1 << 20
	sendBufferSize = 64
)

var (
	ErrClosed       = errors.New("signal: connection closed")
	ErrBackpressure = errors.New("signal: send buffer full")
	ErrMissingID    = errors.New("signal: missing endpoint id")
	ErrIDInUse      = errors.New("signal: endpoint id already connected")
)

// Frame is one relayed message. Clients set To; the relay sets From.
// Error is set on frames the relay sends back when delivery failed.
type Frame struct {
	To      string          `json:"to,omitempty"`
	From    string          `json:"from,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Envelope is a frame as delivered to a client subscriber.
type Envelope struct {
	From    string
	Payload json.RawMessage
}
