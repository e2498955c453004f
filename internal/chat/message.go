package chat

import (
	"time"

	"github.com/google/uuid"
)

// Direction tells which endpoint produced an entry.
type Direction string

const (
	Sent     Direction = "sent"
	Received Direction = "received"
)

// Kind is the content type of an entry.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
)

// Entry is one line of the session's chat history.
type Entry struct {
	ID        string    `json:"id"`
	Direction Direction `json:"direction"`
	Kind      Kind      `json:"kind"`
	Text      string    `json:"text,omitempty"`
	DataURL   string    `json:"dataUrl,omitempty"`
	Timestamp int64     `json:"timestamp"` // unix milliseconds
}

// NewText creates a text entry.
func NewText(dir Direction, text string) Entry {
	return Entry{
		ID:        uuid.NewString(),
		Direction: dir,
		Kind:      KindText,
		Text:      text,
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewImage creates an image entry from a data URL.
func NewImage(dir Direction, dataURL string) Entry {
	return Entry{
		ID:        uuid.NewString(),
		Direction: dir,
		Kind:      KindImage,
		DataURL:   dataURL,
		Timestamp: time.Now().UnixMilli(),
	}
}
