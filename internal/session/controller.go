package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/livecam/internal/chat"
	"github.com/petervdpas/livecam/internal/media"
	"github.com/petervdpas/livecam/internal/proto"
)

var log = logging.Logger("session")

// Options collects a Controller's collaborators. Locator and History may be
// nil.
type Options struct {
	Role Role
	// Target is the sender's endpoint id; required for RoleRecipient.
	Target   string
	Username string

	Transport Transport
	Media     *media.Manager
	Presenter Presenter
	Locator   Locator
	Prefs     Preferences
	History   History

	ChatSize int
}

// Controller is one endpoint's session. All exported methods are safe for
// concurrent use; transport callbacks may arrive on any goroutine.
type Controller struct {
	role     Role
	target   string
	username string

	transport Transport
	media     *media.Manager
	ui        Presenter
	loc       Locator
	prefs     Preferences
	hist      History
	chat      *chat.History

	handlers map[string]func(proto.Message)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	state      State
	status     string
	endpointID string
	active     Call
	remote     *media.Stream
	intercept  func(proto.Message)
	located    bool
}

func New(opts Options) (*Controller, error) {
	switch {
	case opts.Role != RoleSender && opts.Role != RoleRecipient:
		return nil, fmt.Errorf("session: unknown role %q", opts.Role)
	case opts.Role == RoleRecipient && opts.Target == "":
		return nil, errors.New("session: recipient needs a target endpoint id")
	case opts.Transport == nil || opts.Media == nil || opts.Presenter == nil || opts.Prefs == nil:
		return nil, errors.New("session: transport, media, presenter and prefs are required")
	}
	c := &Controller{
		role:      opts.Role,
		target:    opts.Target,
		username:  opts.Username,
		transport: opts.Transport,
		media:     opts.Media,
		ui:        opts.Presenter,
		loc:       opts.Locator,
		prefs:     opts.Prefs,
		hist:      opts.History,
		chat:      chat.NewHistory(opts.ChatSize),
		state:     StateIdle,
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	if c.role == RoleSender {
		c.handlers = c.senderHandlers()
	} else {
		c.handlers = c.recipientHandlers()
	}
	return c, nil
}

func (c *Controller) Role() Role { return c.role }

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns the last status text set through the controller.
func (c *Controller) Status() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Controller) EndpointID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpointID
}

func (c *Controller) ActiveCall() Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// RemoteStream returns the most recently classified remote stream.
func (c *Controller) RemoteStream() *media.Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

func (c *Controller) Media() *media.Manager      { return c.media }
func (c *Controller) Presenter() Presenter       { return c.ui }
func (c *Controller) Prefs() Preferences         { return c.prefs }
func (c *Controller) ChatHistory() *chat.History { return c.chat }

// Context is cancelled when the session terminates.
func (c *Controller) Context() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx
}

// SetInterceptor installs fn to run before the normal reaction table for
// every inbound message. nil removes it.
func (c *Controller) SetInterceptor(fn func(proto.Message)) {
	c.mu.Lock()
	c.intercept = fn
	c.mu.Unlock()
}

// SetStatus records text as the current status and forwards it.
func (c *Controller) SetStatus(text string, isError bool) {
	c.mu.Lock()
	c.status = text
	c.mu.Unlock()
	c.ui.SetStatus(text, isError)
}

// Start registers the transport reactions and runs the role's initial
// negotiation. For the recipient it returns once the outbound call is
// placed.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return fmt.Errorf("session: already started (%s)", c.state)
	}
	c.cancel()
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	c.transport.OnMessage(c.handleMessage)
	c.transport.OnControlChannelReady(c.handleControlReady)
	if c.role == RoleSender {
		c.transport.OnIncomingCall(c.handleIncomingCall)
	}

	id, err := c.transport.Initialize(c.Context())
	if err != nil {
		terr := &TransportError{Op: "initialize", Err: err}
		c.SetStatus(terr.Error(), true)
		return terr
	}
	c.mu.Lock()
	c.endpointID = id
	c.mu.Unlock()
	c.record("initialized")
	log.Infow("session started", "role", c.role, "endpoint", id)

	if c.role == RoleSender {
		return c.startSender()
	}
	return c.startRecipient()
}

func (c *Controller) startSender() error {
	c.setState(StateAwaitingIncomingCall)
	c.SetStatus("waiting for the recipient", false)

	// Restoring saved video does not gate answering; the manager rebinds
	// whatever call is active when the capture lands.
	if c.prefs.GetBool(PrefSecondaryVideo, false) {
		c.goTracked(func() {
			if _, err := c.media.EnsureSecondary(c.Context()); err != nil {
				c.reportError(err)
				return
			}
			if _, err := c.media.SetSecondaryVideoEnabled(c.Context(), true); err != nil {
				c.reportError(err)
			}
		})
	}
	return nil
}

func (c *Controller) startRecipient() error {
	c.setState(StateConnecting)
	c.SetStatus("connecting", false)

	withVideo := c.prefs.GetBool(PrefPrimaryVideo, true)
	local, err := c.media.AcquirePrimary(c.Context(), withVideo)
	if err != nil {
		c.reportError(err)
		return err
	}

	call, err := c.transport.Call(c.Context(), c.target, local)
	if err != nil {
		terr := &TransportError{Op: "call " + c.target, Err: err}
		c.reportError(terr)
		return terr
	}
	c.attachCall(call, media.Primary)
	c.record("call_started")
	return nil
}

func (c *Controller) handleIncomingCall(call Call) {
	if c.terminated() {
		_ = call.Close()
		return
	}
	log.Infow("incoming call")

	if _, err := c.media.EnsureSecondary(c.Context()); err != nil {
		c.reportError(err)
		_ = call.Close()
		return
	}
	c.attachCall(call, media.Secondary)

	if err := call.Answer(c.Context(), c.media.Secondary()); err != nil {
		c.reportError(&TransportError{Op: "answer", Err: err})
		return
	}
	c.setState(StateInCall)
	if c.RemoteStream() == nil {
		c.SetStatus("recipient joined", false)
	}
	c.record("call_started")
}

// attachCall makes call the active call, releasing the previous one first,
// and binds the stream of kind which to its slots.
func (c *Controller) attachCall(call Call, which media.StreamKind) {
	c.mu.Lock()
	old := c.active
	c.active = nil
	c.remote = nil
	c.mu.Unlock()

	if old != nil {
		c.media.Unbind()
		if err := old.Close(); err != nil {
			log.Warnw("close previous call", "err", err)
		}
	}

	c.mu.Lock()
	c.active = call
	c.mu.Unlock()

	c.media.Bind(call, which)
	call.OnRemoteStream(func(s *media.Stream) { c.handleRemoteStream(call, s) })
	call.OnClosed(func() { c.handleCallClosed(call) })
}

// handleRemoteStream classifies each arriving remote stream by its video.
func (c *Controller) handleRemoteStream(call Call, s *media.Stream) {
	c.mu.Lock()
	if c.active != call || c.state == StateTerminated {
		c.mu.Unlock()
		return
	}
	c.remote = s
	c.state = StateInCall
	c.mu.Unlock()

	if s.VideoEnabled() {
		c.ui.RenderRemoteVideo(s)
		c.SetStatus(StatusConnected, false)
	} else {
		c.ui.PlayRemoteAudio(s)
		c.SetStatus(StatusConnectedAudio, false)
	}
	log.Infow("remote stream", "id", s.ID(), "video", s.VideoEnabled())
}

// resumeRemoteVideo shows the remote video again after the peer re-enabled
// it. A replaced track keeps its receiver, so no new remote stream follows;
// video the peer never sent before still arrives through handleRemoteStream.
func (c *Controller) resumeRemoteVideo() {
	c.mu.Lock()
	s := c.remote
	c.mu.Unlock()
	if !s.VideoEnabled() {
		return
	}
	c.ui.RenderRemoteVideo(s)
	c.SetStatus(StatusConnected, false)
}

func (c *Controller) handleCallClosed(call Call) {
	c.mu.Lock()
	if c.active != call {
		c.mu.Unlock()
		return
	}
	c.active = nil
	c.remote = nil
	terminated := c.state == StateTerminated
	c.mu.Unlock()
	if terminated {
		return
	}

	c.media.Unbind()
	c.ui.RetireRemoteVideo()
	c.record("call_ended")

	if c.role == RoleRecipient {
		c.Terminate("call closed")
		return
	}
	c.setState(StateAwaitingIncomingCall)
	c.SetStatus("recipient disconnected, waiting", false)
}

func (c *Controller) handleControlReady() {
	c.mu.Lock()
	if c.state == StateTerminated {
		c.mu.Unlock()
		return
	}
	if c.role == RoleRecipient && c.state == StateConnecting {
		c.state = StateSignalingReady
	}
	report := c.role == RoleRecipient && !c.located
	c.located = true
	c.mu.Unlock()

	log.Debugw("control channel ready", "role", c.role)
	if report {
		c.goTracked(c.reportLocation)
	}
}

// reportLocation sends one location message. Every failure is swallowed.
func (c *Controller) reportLocation() {
	if c.loc == nil {
		return
	}
	lat, lon, err := c.loc.CurrentPosition(c.Context())
	if err != nil {
		log.Debugw("position unavailable", "err", err)
		return
	}
	addr, err := c.loc.ReverseGeocode(c.Context(), lat, lon)
	if err != nil {
		log.Debugw("reverse geocode failed", "err", err)
		addr = proto.AddressRecord{}
	}
	if err := c.Send(proto.Location(lat, lon, addr)); err != nil {
		log.Debugw("location not delivered", "err", err)
	}
}

// Send delivers msg to the peer.
func (c *Controller) Send(msg proto.Message) error {
	if c.terminated() {
		return ErrTerminated
	}
	if err := c.transport.SendMessage(msg); err != nil {
		return &TransportError{Op: "send " + msg.Type, Err: err}
	}
	return nil
}

// Post sends a chat or image message and adds it to the local history.
func (c *Controller) Post(msg proto.Message) error {
	if err := c.Send(msg); err != nil {
		return err
	}
	switch msg.Type {
	case proto.TypeChat:
		c.appendChat(chat.NewText(chat.Sent, msg.Message))
	case proto.TypeImage:
		c.appendChat(chat.NewImage(chat.Sent, msg.DataURL))
	}
	return nil
}

func (c *Controller) appendChat(e chat.Entry) {
	for _, old := range c.chat.Add(e) {
		c.ui.RemoveChat(old.ID)
	}
	c.ui.AppendChat(e)
}

// Terminate tears the session down: streams released, call closed,
// transport destroyed. Later messages and sends are refused. Idempotent.
func (c *Controller) Terminate(reason string) {
	c.mu.Lock()
	if c.state == StateTerminated {
		c.mu.Unlock()
		return
	}
	c.state = StateTerminated
	call := c.active
	c.active = nil
	c.remote = nil
	c.intercept = nil
	c.mu.Unlock()

	c.media.Unbind()
	c.media.ReleaseAll()
	if call != nil {
		if err := call.Close(); err != nil {
			log.Warnw("close call", "err", err)
		}
	}
	if err := c.transport.Destroy(); err != nil {
		log.Warnw("destroy transport", "err", err)
	}
	c.ui.RetireRemoteVideo()
	c.SetStatus("session ended: "+reason, false)
	c.record("terminated")
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	cancel()
	log.Infow("session terminated", "role", c.role, "reason", reason)
}

// Wait blocks until background reactions started by the controller finish.
func (c *Controller) Wait() { c.wg.Wait() }

func (c *Controller) terminated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateTerminated
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	if c.state != StateTerminated {
		c.state = s
	}
	c.mu.Unlock()
}

func (c *Controller) goTracked(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

func (c *Controller) reportError(err error) {
	var de *media.DeviceError
	if errors.As(err, &de) {
		log.Warnw("device error", "op", de.Op, "err", de.Err)
	} else {
		log.Errorw("session error", "err", err)
	}
	c.SetStatus(err.Error(), true)
}

// ReportError surfaces err through status and the log.
func (c *Controller) ReportError(err error) { c.reportError(err) }

// Record appends event to the connection history.
func (c *Controller) Record(event string) { c.record(event) }

func (c *Controller) record(event string) {
	if c.hist == nil {
		return
	}
	if err := c.hist.RecordConnection(c.EndpointID(), c.username, string(c.role), event); err != nil {
		log.Warnw("record connection", "event", event, "err", err)
	}
}
