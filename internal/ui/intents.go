package ui

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Intents is what a user can ask an endpoint to do.
type Intents interface {
	ToggleMyVideo(ctx context.Context) error
	SwitchCamera(ctx context.Context) error
	SendChat(text string) error
	SendImage(data []byte) error
	GenerateLink() (string, error)
	DeleteLink() error
	ToggleRecording(ctx context.Context) error
}

// ErrQuit is returned by ReadIntents when the user asks to leave.
var ErrQuit = errors.New("ui: quit")

const help = `commands:
  /video            toggle your camera
  /switch           switch between front and back camera
  /image <path>     send a JPEG or GIF
  /link             show the link for the recipient (sender)
  /unlink           delete the link and end the session (sender)
  /record           start or stop recording (sender)
  /quit             leave
  y | n             answer a question
anything else is sent as a chat message`

// ReadIntents reads commands from r, one per line, until r ends, ctx is done
// or the user quits. Intent errors are already surfaced on the status line
// and only logged here.
func ReadIntents(ctx context.Context, r io.Reader, c *Console, in Intents) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 4096), 1<<20)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-scanErr:
			return err
		case line := <-lines:
			if err := handleLine(ctx, strings.TrimSpace(line), c, in); err != nil {
				if errors.Is(err, ErrQuit) {
					return err
				}
				log.Debugw("intent failed", "line", line, "err", err)
			}
		}
	}
}

func handleLine(ctx context.Context, line string, c *Console, in Intents) error {
	if line == "" {
		return nil
	}
	if c.Asking() {
		switch strings.ToLower(line) {
		case "y", "yes":
			c.Answer(true)
			return nil
		case "n", "no":
			c.Answer(false)
			return nil
		}
	}
	if !strings.HasPrefix(line, "/") {
		return in.SendChat(line)
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/video":
		return in.ToggleMyVideo(ctx)
	case "/switch":
		return in.SwitchCamera(ctx)
	case "/image":
		if arg == "" {
			c.SetStatus("usage: /image <path>", true)
			return nil
		}
		data, err := os.ReadFile(arg)
		if err != nil {
			c.SetStatus(fmt.Sprintf("cannot read %s", arg), true)
			return err
		}
		return in.SendImage(data)
	case "/link":
		_, err := in.GenerateLink()
		return err
	case "/unlink":
		return in.DeleteLink()
	case "/record":
		return in.ToggleRecording(ctx)
	case "/help":
		c.printf("%s", help)
		return nil
	case "/quit", "/exit":
		return ErrQuit
	default:
		c.SetStatus("unknown command "+cmd+" (try /help)", true)
		return nil
	}
}
