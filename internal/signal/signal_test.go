package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func startRelay(t *testing.T) (*Server, string) {
	t.Helper()
	srv := NewServer()
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, url, id string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, url, id)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitPeers(t *testing.T, srv *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for len(srv.Peers()) != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d peers, have %v", n, srv.Peers())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func recv(t *testing.T, ch <-chan Envelope) Envelope {
	t.Helper()
	select {
	case env, ok := <-ch:
		if !ok {
			t.Fatalf("subscription closed")
		}
		return env
	case <-time.After(5 * time.Second):
		t.Fatalf("nothing received")
	}
	return Envelope{}
}

func TestRelayRoutesByID(t *testing.T) {
	srv, url := startRelay(t)
	a := dial(t, url, "a")
	b := dial(t, url, "b")
	waitPeers(t, srv, 2)

	ch, cancel := b.Subscribe()
	defer cancel()

	if err := a.Send("b", map[string]string{"type": "offer"}); err != nil {
		t.Fatal(err)
	}
	env := recv(t, ch)
	if env.From != "a" {
		t.Fatalf("from = %q", env.From)
	}
	var p map[string]string
	if err := json.Unmarshal(env.Payload, &p); err != nil || p["type"] != "offer" {
		t.Fatalf("payload = %s (%v)", env.Payload, err)
	}
}

func TestRelayUnknownTargetIsDropped(t *testing.T) {
	srv, url := startRelay(t)
	a := dial(t, url, "a")
	b := dial(t, url, "b")
	waitPeers(t, srv, 2)

	ch, cancel := b.Subscribe()
	defer cancel()
	if err := a.Send("nobody", "x"); err != nil {
		t.Fatal(err)
	}
	if err := a.Send("b", "y"); err != nil {
		t.Fatal(err)
	}
	env := recv(t, ch)
	if string(env.Payload) != `"y"` {
		t.Fatalf("only the routed frame should arrive, got %s", env.Payload)
	}
}

func TestDuplicateIDRejectedWhileConnected(t *testing.T) {
	srv, url := startRelay(t)
	first := dial(t, url, "a")
	waitPeers(t, srv, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if c, err := Dial(ctx, url, "a"); !errors.Is(err, ErrIDInUse) {
		if c != nil {
			_ = c.Close()
		}
		t.Fatalf("second dial as a = %v, want ErrIDInUse", err)
	}
	select {
	case <-first.Done():
		t.Fatalf("first connection must survive the rejected dial")
	default:
	}

	// Traffic still reaches the original connection.
	b := dial(t, url, "b")
	waitPeers(t, srv, 2)
	ch, stop := first.Subscribe()
	defer stop()
	if err := b.Send("a", 1); err != nil {
		t.Fatal(err)
	}
	if env := recv(t, ch); env.From != "b" {
		t.Fatalf("from = %q", env.From)
	}

	// Once the first connection is gone the id is free again.
	_ = first.Close()
	waitPeers(t, srv, 1)
	again := dial(t, url, "a")
	waitPeers(t, srv, 2)
	if again.ID() != "a" {
		t.Fatalf("id = %q", again.ID())
	}
}

func TestServeRejectsMissingID(t *testing.T) {
	rec := httptest.NewRecorder()
	NewServer().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestSendAfterClose(t *testing.T) {
	_, url := startRelay(t)
	c := dial(t, url, "a")
	_ = c.Close()
	if err := c.Send("b", 1); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
