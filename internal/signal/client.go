package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Client is one endpoint's connection to the relay.
type Client struct {
	id   string
	conn *websocket.Conn

	mu     sync.Mutex
	send   chan []byte
	closed bool
	subs   map[*subscriber]struct{}

	done chan struct{}
}

type subscriber struct {
	ch   chan Envelope
	gone chan struct{}
	once sync.Once
}

// Dial connects to the relay at rawURL and registers as id.
func Dial(ctx context.Context, rawURL, id string) (*Client, error) {
	if id == "" {
		return nil, ErrMissingID
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("signal: relay url: %w", err)
	}
	q := u.Query()
	q.Set(IDParam, id)
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusConflict {
			return nil, fmt.Errorf("signal: dial %s as %s: %w", u.Host, id, ErrIDInUse)
		}
		return nil, fmt.Errorf("signal: dial %s: %w", u.Host, err)
	}
	c := &Client{
		id:   id,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		subs: make(map[*subscriber]struct{}),
		done: make(chan struct{}),
	}
	go c.writePump()
	go c.readPump()
	log.Infow("connected to relay", "relay", u.Host, "id", id)
	return c, nil
}

// ID returns the id this client registered with.
func (c *Client) ID() string { return c.id }

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// Send relays payload, JSON encoded, to the endpoint to.
func (c *Client) Send(to string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("signal: encode payload: %w", err)
	}
	b, err := json.Marshal(Frame{To: to, Payload: raw})
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- b:
		return nil
	default:
		return ErrBackpressure
	}
}

// Subscribe returns a channel of incoming envelopes. The channel is closed
// when the connection ends; cancel stops delivery early.
func (c *Client) Subscribe() (<-chan Envelope, func()) {
	s := &subscriber{ch: make(chan Envelope, sendBufferSize), gone: make(chan struct{})}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		close(s.ch)
		return s.ch, func() {}
	}
	c.subs[s] = struct{}{}
	c.mu.Unlock()

	return s.ch, func() {
		s.once.Do(func() { close(s.gone) })
		c.mu.Lock()
		delete(c.subs, s)
		c.mu.Unlock()
	}
}

// Close disconnects from the relay.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()
	return nil
}

func (c *Client) readPump() {
	defer func() {
		c.mu.Lock()
		if !c.closed {
			c.closed = true
			close(c.send)
		}
		subs := c.subs
		c.subs = nil
		c.mu.Unlock()
		for s := range subs {
			close(s.ch)
		}
		close(c.done)
		log.Infow("relay connection closed", "id", c.id)
	}()

	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warnw("relay read error", "err", err)
			}
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Warnw("bad frame from relay", "err", err)
			continue
		}
		if f.Error != "" {
			log.Warnw("relay could not deliver", "to", f.From, "err", f.Error)
			continue
		}
		c.deliver(Envelope{From: f.From, Payload: f.Payload})
	}
}

func (c *Client) deliver(env Envelope) {
	c.mu.Lock()
	subs := make([]*subscriber, 0, len(c.subs))
	for s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()
	for _, s := range subs {
		select {
		case s.ch <- env:
		case <-s.gone:
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case b, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				log.Warnw("relay write error", "err", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
