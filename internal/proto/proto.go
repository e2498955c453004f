// Package proto defines the control-channel protocol spoken between the
// two endpoints of a livecam session.
// Wire format: one JSON object per data-channel text message, discriminated
// by its "type" field.
package proto

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// ControlChannelLabel is the label of the single data channel that
	// carries every Message.
	ControlChannelLabel = "control"

	// LinkParam is the query parameter carrying the sender's endpoint id in
	// a generated link.
	LinkParam = "r"
)

const (
	TypeChat                   = "chat"
	TypeImage                  = "image"
	TypeLocation               = "location"
	TypeStopCamera             = "stop_camera"
	TypeSenderVideoStopped     = "sender_video_stopped"
	TypeSenderVideoStarted     = "sender_video_started"
	TypeRecipientVideoToggle   = "recipient_video_toggle"
	TypeVideoPermissionRequest = "video_permission_request"
	TypeVideoPermissionGranted = "video_permission_granted"
	TypeVideoPermissionDenied  = "video_permission_denied"
	TypeLinkDeleted            = "link_deleted"
)

var (
	ErrUnknownType    = errors.New("proto: unknown message type")
	ErrInvalidPayload = errors.New("proto: invalid payload")
	ErrEmptyMessage   = errors.New("proto: empty message")
)

// AddressRecord is the structured result of a reverse-geocoding lookup.
type AddressRecord struct {
	Address   string `json:"address"`
	Via       string `json:"via"`
	Numero    string `json:"numero"`
	Bairro    string `json:"bairro"`
	Municipio string `json:"municipio"`
	CEP       string `json:"cep"`
}

// Message is a single self-contained unit on the control channel.
// Only the fields relevant to Type are populated.
type Message struct {
	Type string `json:"type"`

	// chat
	Message string `json:"message,omitempty"`

	// image
	DataURL string `json:"dataUrl,omitempty"`

	// location
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
	Address   string  `json:"address,omitempty"`
	Via       string  `json:"via,omitempty"`
	Numero    string  `json:"numero,omitempty"`
	Bairro    string  `json:"bairro,omitempty"`
	Municipio string  `json:"municipio,omitempty"`
	CEP       string  `json:"cep,omitempty"`

	// recipient_video_toggle
	Enabled *bool `json:"enabled,omitempty"`
}

// Chat builds a chat line.
func Chat(text string) Message { return Message{Type: TypeChat, Message: text} }

// Image builds an image message from an already encoded data URL.
func Image(dataURL string) Message { return Message{Type: TypeImage, DataURL: dataURL} }

// Location builds a geolocation report.
func Location(lat, lon float64, addr AddressRecord) Message {
	return Message{
		Type:      TypeLocation,
		Latitude:  lat,
		Longitude: lon,
		Address:   addr.Address,
		Via:       addr.Via,
		Numero:    addr.Numero,
		Bairro:    addr.Bairro,
		Municipio: addr.Municipio,
		CEP:       addr.CEP,
	}
}

// RecipientVideoToggle reports the recipient's own video state.
func RecipientVideoToggle(enabled bool) Message {
	return Message{Type: TypeRecipientVideoToggle, Enabled: &enabled}
}

// Signal builds a payload-less message (stop_camera, link_deleted, the
// permission handshake and the sender video notices).
func Signal(typ string) Message { return Message{Type: typ} }

// AddressRecord returns the address fields of a location message.
func (m Message) AddressRecord() AddressRecord {
	return AddressRecord{
		Address:   m.Address,
		Via:       m.Via,
		Numero:    m.Numero,
		Bairro:    m.Bairro,
		Municipio: m.Municipio,
		CEP:       m.CEP,
	}
}

// VideoEnabled reports the enabled flag of a recipient_video_toggle message.
func (m Message) VideoEnabled() bool { return m.Enabled != nil && *m.Enabled }

// Validate checks that the message carries the payload its type requires.
func (m Message) Validate() error {
	switch m.Type {
	case TypeChat:
		if m.Message == "" {
			return fmt.Errorf("%w: chat without message", ErrInvalidPayload)
		}
	case TypeImage:
		if _, _, err := ParseDataURL(m.DataURL); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	case TypeLocation:
		if m.Latitude < -90 || m.Latitude > 90 || m.Longitude < -180 || m.Longitude > 180 {
			return fmt.Errorf("%w: coordinates out of range", ErrInvalidPayload)
		}
	case TypeRecipientVideoToggle:
		if m.Enabled == nil {
			return fmt.Errorf("%w: recipient_video_toggle without enabled", ErrInvalidPayload)
		}
	case TypeStopCamera, TypeSenderVideoStopped, TypeSenderVideoStarted, TypeVideoPermissionRequest,
		TypeVideoPermissionGranted, TypeVideoPermissionDenied, TypeLinkDeleted:
	case "":
		return ErrEmptyMessage
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
	return nil
}

// Encode validates and serializes m.
func Encode(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// Decode parses and validates a wire message.
func Decode(b []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}
