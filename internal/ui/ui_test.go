package ui

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/petervdpas/livecam/internal/chat"
	"github.com/petervdpas/livecam/internal/proto"
)

type recordingIntents struct {
	mu    sync.Mutex
	calls []string
	chats []string
	imgs  int
}

func (r *recordingIntents) add(name string) {
	r.mu.Lock()
	r.calls = append(r.calls, name)
	r.mu.Unlock()
}

func (r *recordingIntents) ToggleMyVideo(context.Context) error   { r.add("video"); return nil }
func (r *recordingIntents) SwitchCamera(context.Context) error    { r.add("switch"); return nil }
func (r *recordingIntents) GenerateLink() (string, error)         { r.add("link"); return "x", nil }
func (r *recordingIntents) DeleteLink() error                     { r.add("unlink"); return nil }
func (r *recordingIntents) ToggleRecording(context.Context) error { r.add("record"); return nil }

func (r *recordingIntents) SendChat(text string) error {
	r.mu.Lock()
	r.chats = append(r.chats, text)
	r.mu.Unlock()
	return nil
}

func (r *recordingIntents) SendImage(data []byte) error {
	r.mu.Lock()
	r.imgs++
	r.mu.Unlock()
	return nil
}

func TestReadIntents(t *testing.T) {
	var out bytes.Buffer
	c := NewConsole(&out)
	in := &recordingIntents{}
	img := filepath.Join(t.TempDir(), "a.gif")
	if err := os.WriteFile(img, []byte("GIF89a"), 0o644); err != nil {
		t.Fatal(err)
	}

	script := strings.Join([]string{
		"hello there",
		"/video",
		"/switch",
		"",
		"/link",
		"/record",
		"/image " + img,
		"/bogus",
		"/unlink",
		"/quit",
		"never read",
	}, "\n")
	err := ReadIntents(context.Background(), strings.NewReader(script), c, in)
	if !errors.Is(err, ErrQuit) {
		t.Fatalf("expected ErrQuit, got %v", err)
	}
	want := []string{"video", "switch", "link", "record", "unlink"}
	if strings.Join(in.calls, ",") != strings.Join(want, ",") {
		t.Fatalf("calls = %v", in.calls)
	}
	if len(in.chats) != 1 || in.chats[0] != "hello there" || in.imgs != 1 {
		t.Fatalf("chats=%v imgs=%d", in.chats, in.imgs)
	}
	if !strings.Contains(out.String(), "unknown command /bogus") {
		t.Fatalf("unknown command not reported:\n%s", out.String())
	}
}

func TestConfirmAnsweredByReader(t *testing.T) {
	var out bytes.Buffer
	c := NewConsole(&out)
	in := &recordingIntents{}

	if c.Answer(true) {
		t.Fatalf("answer without a question should be ignored")
	}

	res := make(chan bool, 1)
	go func() {
		ok, err := c.Confirm(context.Background(), "allow video?")
		if err != nil {
			t.Errorf("confirm: %v", err)
		}
		res <- ok
	}()
	deadline := time.Now().Add(2 * time.Second)
	for !c.Asking() {
		if time.Now().After(deadline) {
			t.Fatalf("question never asked")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := handleLine(context.Background(), "y", c, in); err != nil {
		t.Fatal(err)
	}
	if ok := <-res; !ok {
		t.Fatalf("expected yes")
	}
	if len(in.chats) != 0 {
		t.Fatalf("an answer must not be sent as chat")
	}

	// Outside a question "y" is just chat.
	if err := handleLine(context.Background(), "y", c, in); err != nil {
		t.Fatal(err)
	}
	if len(in.chats) != 1 {
		t.Fatalf("expected chat, got %v", in.chats)
	}
}

func TestConfirmHonoursContext(t *testing.T) {
	c := NewConsole(&bytes.Buffer{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Confirm(ctx, "q"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestReceivedImageSaved(t *testing.T) {
	var out bytes.Buffer
	c := NewConsole(&out)
	c.ImageDir = t.TempDir()
	u, err := proto.ImageDataURL([]byte("GIF89a\x01\x00\x01\x00\x00\x00\x00;"))
	if err != nil {
		t.Fatal(err)
	}
	e := chat.NewImage(chat.Received, u)
	c.AppendChat(e)
	if _, err := os.Stat(filepath.Join(c.ImageDir, e.ID+".gif")); err != nil {
		t.Fatalf("image not saved: %v\n%s", err, out.String())
	}
}

func TestWatchDropDir(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan []byte, 4)
	done := make(chan error, 1)
	go func() {
		done <- WatchDropDir(ctx, dir, func(b []byte) error {
			got <- b
			return nil
		})
	}()
	// Give the watcher time to register.
	time.Sleep(200 * time.Millisecond)

	if err := os.WriteFile(filepath.Join(dir, "note.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "pic.GIF"), []byte("GIF89a"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case b := <-got:
		if string(b) != "GIF89a" {
			t.Fatalf("sent %q", b)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("dropped image not sent")
	}
	select {
	case b := <-got:
		t.Fatalf("unexpected second send %q", b)
	case <-time.After(settleDelay * 2):
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}
