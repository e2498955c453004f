// Package ui is the terminal front end of a livecam endpoint: a Presenter
// that prints to a writer, a line-based intent reader and a drop-folder
// image watcher.
package ui

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/livecam/internal/chat"
	"github.com/petervdpas/livecam/internal/media"
	"github.com/petervdpas/livecam/internal/proto"
)

var log = logging.Logger("ui")

// Console prints session events as lines of text. Yes/no questions are
// answered through Answer, which the intent reader calls.
type Console struct {
	out io.Writer
	// ImageDir, when set, receives a copy of every image from the peer.
	ImageDir string

	mu          sync.Mutex
	status      string
	chatVisible bool
	remote      string
	answers     chan bool
	asking      bool
}

// NewConsole returns a Console writing to out.
func NewConsole(out io.Writer) *Console {
	return &Console{out: out, answers: make(chan bool, 1)}
}

func (c *Console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format+"\n", args...)
}

// Status returns the last status line.
func (c *Console) Status() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Console) SetStatus(text string, isError bool) {
	c.mu.Lock()
	c.status = text
	c.mu.Unlock()
	if isError {
		c.printf("[error] %s", text)
		return
	}
	c.printf("[status] %s", text)
}

func (c *Console) ShowLocalVideo(s *media.Stream) {
	c.printf("[camera] sending %s%s", describe(s), facing(s))
}

func (c *Console) HideLocalVideo() { c.printf("[camera] local preview off") }

func (c *Console) ShowSelfView(s *media.Stream) {
	c.printf("[camera] self view %s%s", describe(s), facing(s))
}

func (c *Console) HideSelfView() { c.printf("[camera] self view off") }

func (c *Console) RenderRemoteVideo(s *media.Stream) {
	c.mu.Lock()
	c.remote = s.ID()
	c.mu.Unlock()
	c.printf("[remote] video %s", describe(s))
}

func (c *Console) PlayRemoteAudio(s *media.Stream) {
	c.mu.Lock()
	c.remote = s.ID()
	c.mu.Unlock()
	c.printf("[remote] audio only %s", describe(s))
}

func (c *Console) RetireRemoteVideo() {
	c.mu.Lock()
	had := c.remote != ""
	c.remote = ""
	c.mu.Unlock()
	if had {
		c.printf("[remote] video off")
	}
}

func (c *Console) ShowLocation(lat, lon float64, addr proto.AddressRecord) {
	c.printf("[location] %.6f, %.6f  https://www.openstreetmap.org/?mlat=%.6f&mlon=%.6f",
		lat, lon, lat, lon)
	if addr.Address != "" {
		c.printf("[location] %s", addr.Address)
	}
	var parts []string
	for _, p := range []string{addr.Via, addr.Numero, addr.Bairro, addr.Municipio, addr.CEP} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) > 0 {
		c.printf("[location] %s", strings.Join(parts, " | "))
	}
}

func (c *Console) ShowChat() {
	c.mu.Lock()
	shown := !c.chatVisible
	c.chatVisible = true
	c.mu.Unlock()
	if shown {
		c.printf("[chat] ---")
	}
}

func (c *Console) AppendChat(e chat.Entry) {
	who := "you"
	if e.Direction == chat.Received {
		who = "peer"
	}
	ts := time.UnixMilli(e.Timestamp).Format("15:04:05")
	if e.Kind == chat.KindText {
		c.printf("[chat %s] %s: %s", ts, who, e.Text)
		return
	}
	ct, data, err := proto.ParseDataURL(e.DataURL)
	if err != nil {
		c.printf("[chat %s] %s: <unreadable image>", ts, who)
		return
	}
	saved := ""
	if e.Direction == chat.Received && c.ImageDir != "" {
		if p, err := c.saveImage(e.ID, ct, data); err != nil {
			log.Warnw("save image", "err", err)
		} else {
			saved = " -> " + p
		}
	}
	c.printf("[chat %s] %s: <%s, %d bytes>%s", ts, who, ct, len(data), saved)
}

func (c *Console) saveImage(id, contentType string, data []byte) (string, error) {
	ext := ".img"
	if mt := mimetype.Lookup(contentType); mt != nil {
		ext = mt.Extension()
	}
	if err := os.MkdirAll(c.ImageDir, 0o755); err != nil {
		return "", err
	}
	p := filepath.Join(c.ImageDir, id+ext)
	return p, os.WriteFile(p, data, 0o644)
}

func (c *Console) RemoveChat(id string) {
	log.Debugw("chat entry superseded", "id", id)
}

func (c *Console) ShowLink(url string) {
	c.printf("[link] %s", url)
}

// Confirm prints question and waits for Answer or ctx.
func (c *Console) Confirm(ctx context.Context, question string) (bool, error) {
	c.mu.Lock()
	c.asking = true
	select {
	case <-c.answers:
	default:
	}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.asking = false
		c.mu.Unlock()
	}()

	c.printf("[question] %s [y/n]", question)
	select {
	case ok := <-c.answers:
		return ok, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Answer resolves an open Confirm. It reports false when nothing is being
// asked.
func (c *Console) Answer(yes bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.asking {
		return false
	}
	select {
	case c.answers <- yes:
		return true
	default:
		return false
	}
}

// Asking reports whether a Confirm is waiting for an answer.
func (c *Console) Asking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.asking
}

func describe(s *media.Stream) string {
	if s == nil {
		return "(none)"
	}
	var kinds []string
	if s.HasAudio() {
		kinds = append(kinds, "audio")
	}
	if s.VideoEnabled() {
		kinds = append(kinds, "video")
	}
	if len(kinds) == 0 {
		kinds = append(kinds, "no tracks")
	}
	return fmt.Sprintf("%s [%s]", s.ID(), strings.Join(kinds, "+"))
}

func facing(s *media.Stream) string {
	if !s.VideoEnabled() {
		return ""
	}
	return fmt.Sprintf(" (facing %s)", s.Facing())
}
