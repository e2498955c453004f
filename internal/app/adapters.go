package app

import (
	"context"
	"sync"

	"github.com/petervdpas/livecam/internal/call"
	"github.com/petervdpas/livecam/internal/media"
	"github.com/petervdpas/livecam/internal/proto"
	"github.com/petervdpas/livecam/internal/session"
	"github.com/petervdpas/livecam/internal/signal"
)

// relaySignaler feeds the call manager from a relay connection.
type relaySignaler struct {
	c *signal.Client
}

func (r relaySignaler) Send(to string, payload any) error { return r.c.Send(to, payload) }

func (r relaySignaler) Subscribe() (<-chan *call.Envelope, func()) {
	in, cancel := r.c.Subscribe()
	out := make(chan *call.Envelope, 16)
	stop := make(chan struct{})
	go func() {
		defer close(out)
		for {
			select {
			case env, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- &call.Envelope{From: env.From, Payload: env.Payload}:
				case <-stop:
					return
				}
			case <-stop:
				return
			}
		}
	}()
	var once sync.Once
	return out, func() {
		once.Do(func() { close(stop) })
		cancel()
	}
}

// transport presents a call.Manager as a session.Transport.
type transport struct {
	m *call.Manager
}

func (t transport) Initialize(ctx context.Context) (string, error) { return t.m.Initialize(ctx) }

func (t transport) Call(ctx context.Context, targetID string, local *media.Stream) (session.Call, error) {
	s, err := t.m.Call(ctx, targetID, local)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (t transport) OnIncomingCall(fn func(session.Call)) {
	t.m.OnIncomingCall(func(s *call.Session) { fn(s) })
}

func (t transport) SendMessage(msg proto.Message) error { return t.m.SendMessage(msg) }
func (t transport) OnMessage(fn func(proto.Message))    { t.m.OnMessage(fn) }
func (t transport) OnControlChannelReady(fn func())     { t.m.OnControlChannelReady(fn) }
func (t transport) Destroy() error                      { return t.m.Destroy() }
