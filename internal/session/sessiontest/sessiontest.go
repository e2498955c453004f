// Package sessiontest provides in-memory collaborators for exercising a
// session.Controller without devices or a network.
package sessiontest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/petervdpas/livecam/internal/chat"
	"github.com/petervdpas/livecam/internal/media"
	"github.com/petervdpas/livecam/internal/proto"
	"github.com/petervdpas/livecam/internal/session"
)

// Track is a media.Track that only records whether it was stopped.
type Track struct {
	id   string
	kind media.Kind

	mu      sync.Mutex
	stopped bool
}

func NewTrack(id string, kind media.Kind) *Track { return &Track{id: id, kind: kind} }

func (t *Track) ID() string       { return t.id }
func (t *Track) Kind() media.Kind { return t.kind }

func (t *Track) Live() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.stopped
}

func (t *Track) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

// Capturer hands out new Tracks for every request.
type Capturer struct {
	mu     sync.Mutex
	n      int
	Fail   error
	Issued []*Track
}

func (c *Capturer) GetUserMedia(_ context.Context, want media.Constraints) ([]media.Track, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Fail != nil {
		return nil, c.Fail
	}
	c.n++
	var out []media.Track
	if want.Audio {
		t := NewTrack(fmt.Sprintf("mic-%d", c.n), media.KindAudio)
		c.Issued = append(c.Issued, t)
		out = append(out, t)
	}
	if want.Video {
		t := NewTrack(fmt.Sprintf("cam-%d-%s", c.n, want.Facing), media.KindVideo)
		c.Issued = append(c.Issued, t)
		out = append(out, t)
	}
	return out, nil
}

// LiveTracks returns the issued tracks that were never stopped.
func (c *Capturer) LiveTracks() []*Track {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Track
	for _, t := range c.Issued {
		if t.Live() {
			out = append(out, t)
		}
	}
	return out
}

// Call is an in-memory call handle.
type Call struct {
	mu       sync.Mutex
	slots    map[media.Kind]media.Track
	answered *media.Stream
	closed   bool
	onRemote func(*media.Stream)
	onClosed func()
}

func NewCall() *Call { return &Call{slots: map[media.Kind]media.Track{}} }

func (c *Call) ReplaceOutgoingTrack(kind media.Kind, t media.Track) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("call closed")
	}
	if t == nil {
		delete(c.slots, kind)
	} else {
		c.slots[kind] = t
	}
	return nil
}

func (c *Call) Answer(_ context.Context, local *media.Stream) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.answered = local
	if local != nil {
		for _, t := range local.Tracks() {
			c.slots[t.Kind()] = t
		}
	}
	return nil
}

func (c *Call) OnRemoteStream(fn func(*media.Stream)) {
	c.mu.Lock()
	c.onRemote = fn
	c.mu.Unlock()
}

func (c *Call) OnClosed(fn func()) {
	c.mu.Lock()
	c.onClosed = fn
	c.mu.Unlock()
}

// Close marks the call closed and fires the closed callback once.
func (c *Call) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	fn := c.onClosed
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
	return nil
}

// Deliver surfaces a remote stream to the controller.
func (c *Call) Deliver(s *media.Stream) {
	c.mu.Lock()
	fn := c.onRemote
	c.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (c *Call) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Slot returns the track bound to kind, or nil.
func (c *Call) Slot(kind media.Kind) media.Track {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slots[kind]
}

// Transport is an in-memory session.Transport.
type Transport struct {
	ID      string
	SendErr error

	mu        sync.Mutex
	sent      []proto.Message
	placed    []*Call
	destroyed bool
	onMsg     func(proto.Message)
	onReady   func()
	onCall    func(session.Call)
}

func (t *Transport) Initialize(context.Context) (string, error) {
	if t.ID == "" {
		return "endpoint-test", nil
	}
	return t.ID, nil
}

func (t *Transport) Call(context.Context, string, *media.Stream) (session.Call, error) {
	c := NewCall()
	t.mu.Lock()
	t.placed = append(t.placed, c)
	t.mu.Unlock()
	return c, nil
}

func (t *Transport) OnIncomingCall(fn func(session.Call)) {
	t.mu.Lock()
	t.onCall = fn
	t.mu.Unlock()
}

func (t *Transport) SendMessage(msg proto.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.SendErr != nil {
		return t.SendErr
	}
	t.sent = append(t.sent, msg)
	return nil
}

func (t *Transport) OnMessage(fn func(proto.Message)) {
	t.mu.Lock()
	t.onMsg = fn
	t.mu.Unlock()
}

func (t *Transport) OnControlChannelReady(fn func()) {
	t.mu.Lock()
	t.onReady = fn
	t.mu.Unlock()
}

func (t *Transport) Destroy() error {
	t.mu.Lock()
	t.destroyed = true
	t.mu.Unlock()
	return nil
}

// Ring delivers an incoming call and returns it.
func (t *Transport) Ring() *Call {
	c := NewCall()
	t.mu.Lock()
	fn := t.onCall
	t.mu.Unlock()
	fn(c)
	return c
}

// Receive delivers msg as if it came from the peer.
func (t *Transport) Receive(msg proto.Message) {
	t.mu.Lock()
	fn := t.onMsg
	t.mu.Unlock()
	fn(msg)
}

// Ready fires the control-channel-ready callback.
func (t *Transport) Ready() {
	t.mu.Lock()
	fn := t.onReady
	t.mu.Unlock()
	fn()
}

// Sent returns the messages sent so far.
func (t *Transport) Sent() []proto.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]proto.Message(nil), t.sent...)
}

// SentTypes returns the types of the messages sent so far.
func (t *Transport) SentTypes() []string {
	var out []string
	for _, m := range t.Sent() {
		out = append(out, m.Type)
	}
	return out
}

// Placed returns the calls placed through Call.
func (t *Transport) Placed() []*Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Call(nil), t.placed...)
}

func (t *Transport) Destroyed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.destroyed
}

// Status is one SetStatus call.
type Status struct {
	Text    string
	IsError bool
}

// Presenter records every presentation call.
type Presenter struct {
	Answer bool

	mu        sync.Mutex
	statuses  []Status
	rendered  []*media.Stream
	played    []*media.Stream
	retired   int
	locations []proto.AddressRecord
	entries   map[string]chat.Entry
	chatShown int
	links     []string
	prompts   int
	localOn   bool
	selfOn    bool
}

func (p *Presenter) SetStatus(text string, isError bool) {
	p.mu.Lock()
	p.statuses = append(p.statuses, Status{text, isError})
	p.mu.Unlock()
}

func (p *Presenter) RenderRemoteVideo(s *media.Stream) {
	p.mu.Lock()
	p.rendered = append(p.rendered, s)
	p.mu.Unlock()
}

func (p *Presenter) PlayRemoteAudio(s *media.Stream) {
	p.mu.Lock()
	p.played = append(p.played, s)
	p.mu.Unlock()
}

func (p *Presenter) RetireRemoteVideo() {
	p.mu.Lock()
	p.retired++
	p.mu.Unlock()
}

func (p *Presenter) ShowLocation(_, _ float64, addr proto.AddressRecord) {
	p.mu.Lock()
	p.locations = append(p.locations, addr)
	p.mu.Unlock()
}

func (p *Presenter) ShowChat() {
	p.mu.Lock()
	p.chatShown++
	p.mu.Unlock()
}

func (p *Presenter) AppendChat(e chat.Entry) {
	p.mu.Lock()
	if p.entries == nil {
		p.entries = map[string]chat.Entry{}
	}
	p.entries[e.ID] = e
	p.mu.Unlock()
}

func (p *Presenter) RemoveChat(id string) {
	p.mu.Lock()
	delete(p.entries, id)
	p.mu.Unlock()
}

func (p *Presenter) ShowLink(url string) {
	p.mu.Lock()
	p.links = append(p.links, url)
	p.mu.Unlock()
}

func (p *Presenter) Confirm(context.Context, string) (bool, error) {
	p.mu.Lock()
	p.prompts++
	p.mu.Unlock()
	return p.Answer, nil
}

func (p *Presenter) ShowLocalVideo(*media.Stream) { p.setLocal(true) }
func (p *Presenter) HideLocalVideo()              { p.setLocal(false) }
func (p *Presenter) ShowSelfView(*media.Stream)   { p.setSelf(true) }
func (p *Presenter) HideSelfView()                { p.setSelf(false) }

func (p *Presenter) setLocal(on bool) {
	p.mu.Lock()
	p.localOn = on
	p.mu.Unlock()
}

func (p *Presenter) setSelf(on bool) {
	p.mu.Lock()
	p.selfOn = on
	p.mu.Unlock()
}

func (p *Presenter) Statuses() []Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Status(nil), p.statuses...)
}

// LastStatus returns the latest status, or the zero Status.
func (p *Presenter) LastStatus() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.statuses) == 0 {
		return Status{}
	}
	return p.statuses[len(p.statuses)-1]
}

func (p *Presenter) Rendered() []*media.Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*media.Stream(nil), p.rendered...)
}

func (p *Presenter) Played() []*media.Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*media.Stream(nil), p.played...)
}

func (p *Presenter) Retired() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.retired
}

func (p *Presenter) Locations() []proto.AddressRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]proto.AddressRecord(nil), p.locations...)
}

// Entries returns the chat entries currently displayed.
func (p *Presenter) Entries() []chat.Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]chat.Entry, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e)
	}
	return out
}

func (p *Presenter) ChatShown() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.chatShown
}

func (p *Presenter) Links() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.links...)
}

func (p *Presenter) Prompts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.prompts
}

func (p *Presenter) SelfViewOn() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.selfOn
}

// Prefs is an in-memory session.Preferences.
type Prefs struct {
	mu sync.Mutex
	kv map[string]string
}

func NewPrefs(kv map[string]string) *Prefs {
	p := &Prefs{kv: map[string]string{}}
	for k, v := range kv {
		p.kv[k] = v
	}
	return p
}

func (p *Prefs) GetBool(key string, def bool) bool {
	v, ok := p.Get(key)
	if !ok {
		return def
	}
	return v == "true"
}

func (p *Prefs) SetBool(key string, v bool) error {
	return p.Set(key, fmt.Sprint(v))
}

func (p *Prefs) Get(key string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.kv[key]
	return v, ok
}

func (p *Prefs) Set(key, value string) error {
	p.mu.Lock()
	p.kv[key] = value
	p.mu.Unlock()
	return nil
}

func (p *Prefs) Delete(key string) error {
	p.mu.Lock()
	delete(p.kv, key)
	p.mu.Unlock()
	return nil
}

// Locator returns fixed results.
type Locator struct {
	Lat, Lon   float64
	Addr       proto.AddressRecord
	PosErr     error
	GeocodeErr error

	mu    sync.Mutex
	calls int
}

func (l *Locator) CurrentPosition(context.Context) (float64, float64, error) {
	l.mu.Lock()
	l.calls++
	l.mu.Unlock()
	return l.Lat, l.Lon, l.PosErr
}

func (l *Locator) ReverseGeocode(context.Context, float64, float64) (proto.AddressRecord, error) {
	return l.Addr, l.GeocodeErr
}

func (l *Locator) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

// History records connection events.
type History struct {
	mu     sync.Mutex
	events []string
}

func (h *History) RecordConnection(_, _, _, event string) error {
	h.mu.Lock()
	h.events = append(h.events, event)
	h.mu.Unlock()
	return nil
}

func (h *History) Events() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.events...)
}

// Endpoint bundles a controller with its fakes.
type Endpoint struct {
	Ctrl      *session.Controller
	Media     *media.Manager
	Transport *Transport
	Presenter *Presenter
	Capturer  *Capturer
	Prefs     *Prefs
	Locator   *Locator
	History   *History
}

// NewEndpoint builds a controller for role over fresh fakes. It is not
// started.
func NewEndpoint(role session.Role, prefs map[string]string) (*Endpoint, error) {
	e := &Endpoint{
		Transport: &Transport{},
		Presenter: &Presenter{},
		Capturer:  &Capturer{},
		Prefs:     NewPrefs(prefs),
		Locator:   &Locator{},
		History:   &History{},
	}
	e.Media = media.New(e.Capturer, e.Presenter)
	target := ""
	if role == session.RoleRecipient {
		target = "sender-endpoint"
	}
	ctrl, err := session.New(session.Options{
		Role:      role,
		Target:    target,
		Username:  "tester",
		Transport: e.Transport,
		Media:     e.Media,
		Presenter: e.Presenter,
		Locator:   e.Locator,
		Prefs:     e.Prefs,
		History:   e.History,
	})
	if err != nil {
		return nil, err
	}
	e.Ctrl = ctrl
	return e, nil
}
