// Package session drives one endpoint of a livecam session: it wires the
// endpoint's fixed role to the transport's events, performs the initial
// negotiation and reacts to control-channel messages.
package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/petervdpas/livecam/internal/chat"
	"github.com/petervdpas/livecam/internal/media"
	"github.com/petervdpas/livecam/internal/proto"
)

// Role is fixed for the lifetime of a Controller.
type Role string

const (
	// RoleSender created the link and waits for the recipient to call.
	RoleSender Role = "sender"
	// RoleRecipient followed a link and calls the sender.
	RoleRecipient Role = "recipient"
)

// State is the controller's position in its role's state machine.
type State string

const (
	StateIdle                 State = "idle"
	StateAwaitingIncomingCall State = "awaiting_incoming_call"
	StateConnecting           State = "connecting"
	StateSignalingReady       State = "signaling_ready"
	StateInCall               State = "in_call"
	StateTerminated           State = "terminated"
)

// Status texts shown once a remote stream has been classified.
const (
	StatusConnected      = "connected"
	StatusConnectedAudio = "connected (audio)"
)

// Preference keys.
const (
	PrefSecondaryVideo = "secondary_video_enabled"
	PrefPrimaryVideo   = "primary_video_enabled"
	PrefLink           = "link"
	PrefEndpointID     = "endpoint_id"
)

var (
	ErrTerminated = errors.New("session: terminated")
	ErrNoCall     = errors.New("session: no active call")
)

// TransportError wraps a failed transport operation.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Transport is the peer-to-peer transport an endpoint runs on.
type Transport interface {
	Initialize(ctx context.Context) (string, error)
	Call(ctx context.Context, targetID string, local *media.Stream) (Call, error)
	OnIncomingCall(func(Call))
	SendMessage(msg proto.Message) error
	OnMessage(func(proto.Message))
	OnControlChannelReady(func())
	Destroy() error
}

// Call is the handle of one in-flight call. Its outgoing slots are the
// media.Binding the media manager drives.
type Call interface {
	media.Binding
	Answer(ctx context.Context, local *media.Stream) error
	OnRemoteStream(func(*media.Stream))
	OnClosed(func())
	Close() error
}

// Presenter is the presentation sink. The controller never reads from it
// except through Confirm.
type Presenter interface {
	media.Surfaces
	SetStatus(text string, isError bool)
	RenderRemoteVideo(s *media.Stream)
	PlayRemoteAudio(s *media.Stream)
	RetireRemoteVideo()
	ShowLocation(lat, lon float64, addr proto.AddressRecord)
	ShowChat()
	AppendChat(e chat.Entry)
	RemoveChat(id string)
	ShowLink(url string)
	// Confirm asks the user a yes/no question and blocks until answered or
	// ctx is done.
	Confirm(ctx context.Context, question string) (bool, error)
}

// Locator reports the device position. Both calls may fail.
type Locator interface {
	CurrentPosition(ctx context.Context) (lat, lon float64, err error)
	ReverseGeocode(ctx context.Context, lat, lon float64) (proto.AddressRecord, error)
}

// Preferences is the persisted key/value store.
type Preferences interface {
	GetBool(key string, def bool) bool
	SetBool(key string, v bool) error
	Get(key string) (string, bool)
	Set(key, value string) error
	Delete(key string) error
}

// History is the passive connection-history sink.
type History interface {
	RecordConnection(endpointID, username, role, event string) error
}
