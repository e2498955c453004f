// Package command turns user intents into media and session operations and
// owns the video-permission handshake between the two endpoints.
package command

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/livecam/internal/media"
	"github.com/petervdpas/livecam/internal/proto"
	"github.com/petervdpas/livecam/internal/session"
)

var log = logging.Logger("command")

var (
	ErrHandshakePending = errors.New("command: video permission request already pending")
	ErrWrongRole        = errors.New("command: intent not available for this role")
	ErrNoLink           = errors.New("command: no link base configured")
	ErrNoRemoteVideo    = errors.New("command: no remote video to record")
	ErrNoRecorder       = errors.New("command: recording not configured")
)

// DenialStatusHold is how long a refusal stays on the status line before the
// previous status is restored.
const DenialStatusHold = 3 * time.Second

// Recorder writes the remote stream to disk.
type Recorder interface {
	Start(s *media.Stream) error
	Stop() error
	Active() bool
}

type keyframeRequester interface {
	RequestKeyframe() error
}

type handshakeState int

const (
	handshakeNone handshakeState = iota
	handshakeAwaitingReply
)

// Dispatcher maps intents onto one session.Controller.
type Dispatcher struct {
	ctrl     *session.Controller
	media    *media.Manager
	rec      Recorder
	linkBase string

	denialHold time.Duration
	wg         sync.WaitGroup

	mu         sync.Mutex
	pending    handshakeState
	prevStatus string
}

// New returns a Dispatcher for ctrl. rec may be nil; linkBase may be empty
// for the recipient.
func New(ctrl *session.Controller, rec Recorder, linkBase string) *Dispatcher {
	return &Dispatcher{
		ctrl:       ctrl,
		media:      ctrl.Media(),
		rec:        rec,
		linkBase:   linkBase,
		denialHold: DenialStatusHold,
	}
}

// PendingHandshake reports whether a video permission request awaits a reply.
func (d *Dispatcher) PendingHandshake() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending == handshakeAwaitingReply
}

// Wait blocks until background work started by intents finishes.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// ToggleMyVideo enables or disables this endpoint's outgoing video. The
// sender needs the recipient's consent to enable; the reply is handled
// asynchronously.
func (d *Dispatcher) ToggleMyVideo(ctx context.Context) error {
	if d.ctrl.Role() == session.RoleRecipient {
		return d.toggleRecipientVideo(ctx)
	}
	if d.media.VideoEnabled(media.Secondary) {
		return d.disableSenderVideo(ctx)
	}
	return d.requestVideoPermission()
}

func (d *Dispatcher) toggleRecipientVideo(ctx context.Context) error {
	enabled := !d.media.VideoEnabled(media.Primary)
	on, err := d.media.SetPrimaryVideoEnabled(ctx, enabled)
	if err != nil {
		d.ctrl.ReportError(err)
		return err
	}
	d.savePref(session.PrefPrimaryVideo, on)
	if err := d.ctrl.Send(proto.RecipientVideoToggle(on)); err != nil {
		d.ctrl.ReportError(err)
		return err
	}
	if on {
		d.ctrl.SetStatus("your camera is on", false)
	} else {
		d.ctrl.SetStatus("your camera is off", false)
	}
	return nil
}

func (d *Dispatcher) disableSenderVideo(ctx context.Context) error {
	on, err := d.media.SetSecondaryVideoEnabled(ctx, false)
	if err != nil {
		d.ctrl.ReportError(err)
		return err
	}
	d.savePref(session.PrefSecondaryVideo, on)
	if err := d.ctrl.Send(proto.Signal(proto.TypeSenderVideoStopped)); err != nil {
		d.ctrl.ReportError(err)
		return err
	}
	d.ctrl.SetStatus("video stopped", false)
	return nil
}

func (d *Dispatcher) requestVideoPermission() error {
	if d.ctrl.ActiveCall() == nil {
		return session.ErrNoCall
	}
	d.mu.Lock()
	if d.pending == handshakeAwaitingReply {
		d.mu.Unlock()
		return ErrHandshakePending
	}
	d.pending = handshakeAwaitingReply
	d.prevStatus = d.ctrl.Status()
	d.mu.Unlock()

	d.ctrl.SetInterceptor(d.handleHandshakeReply)
	if err := d.ctrl.Send(proto.Signal(proto.TypeVideoPermissionRequest)); err != nil {
		d.clearHandshake()
		d.ctrl.ReportError(err)
		return err
	}
	d.ctrl.SetStatus("requesting permission to send video", false)
	log.Infow("video permission requested")
	return nil
}

// handleHandshakeReply runs ahead of the controller's own reactions while a
// request is outstanding. Exactly one reply resolves it.
func (d *Dispatcher) handleHandshakeReply(msg proto.Message) {
	if msg.Type != proto.TypeVideoPermissionGranted && msg.Type != proto.TypeVideoPermissionDenied {
		return
	}
	prev, ok := d.clearHandshake()
	if !ok {
		return
	}

	if msg.Type == proto.TypeVideoPermissionDenied {
		log.Infow("video permission denied")
		d.ctrl.SetStatus("the recipient declined video", true)
		d.goTracked(func() {
			if d.denialHold > 0 {
				t := time.NewTimer(d.denialHold)
				defer t.Stop()
				select {
				case <-t.C:
				case <-d.ctrl.Context().Done():
					return
				}
			}
			d.ctrl.SetStatus(prev, false)
		})
		return
	}

	log.Infow("video permission granted")
	d.goTracked(func() {
		on, err := d.media.SetSecondaryVideoEnabled(d.ctrl.Context(), true)
		if err != nil {
			d.ctrl.ReportError(err)
			return
		}
		d.savePref(session.PrefSecondaryVideo, on)
		if !on {
			return
		}
		if err := d.ctrl.Send(proto.Signal(proto.TypeSenderVideoStarted)); err != nil {
			d.ctrl.ReportError(err)
			return
		}
		d.ctrl.SetStatus("sending video", false)
	})
}

// clearHandshake removes the interceptor and returns the status saved when
// the request went out. ok is false when nothing was pending.
func (d *Dispatcher) clearHandshake() (prev string, ok bool) {
	d.mu.Lock()
	if d.pending != handshakeAwaitingReply {
		d.mu.Unlock()
		return "", false
	}
	d.pending = handshakeNone
	prev = d.prevStatus
	d.prevStatus = ""
	d.mu.Unlock()
	d.ctrl.SetInterceptor(nil)
	return prev, true
}

// SwitchCamera flips the facing mode of the stream this endpoint owns.
func (d *Dispatcher) SwitchCamera(ctx context.Context) error {
	which := media.Primary
	if d.ctrl.Role() == session.RoleSender {
		which = media.Secondary
	}
	s, err := d.media.SwitchFacing(ctx, which)
	if err != nil {
		d.ctrl.ReportError(err)
		return err
	}
	log.Debugw("camera switched", "facing", d.media.Facing(), "video", s.VideoEnabled())
	return nil
}

// SendChat sends one chat line. Blank lines are ignored.
func (d *Dispatcher) SendChat(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if err := d.ctrl.Post(proto.Chat(text)); err != nil {
		d.ctrl.ReportError(err)
		return err
	}
	return nil
}

// SendImage sends a JPEG or GIF image.
func (d *Dispatcher) SendImage(data []byte) error {
	u, err := proto.ImageDataURL(data)
	if err != nil {
		d.ctrl.SetStatus("only JPEG or GIF images can be sent", true)
		return err
	}
	if err := d.ctrl.Post(proto.Image(u)); err != nil {
		d.ctrl.ReportError(err)
		return err
	}
	return nil
}

// GenerateLink builds the link the recipient follows, remembers it and
// shows it.
func (d *Dispatcher) GenerateLink() (string, error) {
	if d.ctrl.Role() != session.RoleSender {
		return "", ErrWrongRole
	}
	if d.linkBase == "" {
		return "", ErrNoLink
	}
	id := d.ctrl.EndpointID()
	if id == "" {
		return "", session.ErrTerminated
	}
	base, err := url.Parse(d.linkBase)
	if err != nil {
		return "", fmt.Errorf("command: link base: %w", err)
	}
	q := base.Query()
	q.Set(proto.LinkParam, id)
	base.RawQuery = q.Encode()
	link := base.String()

	if err := d.ctrl.Prefs().Set(session.PrefLink, link); err != nil {
		log.Warnw("persist link", "err", err)
	}
	d.ctrl.Presenter().ShowLink(link)
	d.ctrl.SetStatus("link active", false)
	return link, nil
}

// DeleteLink revokes the link: the peer is told to stop (best effort), the
// persisted link and endpoint id are cleared and the session is torn down.
func (d *Dispatcher) DeleteLink() error {
	if d.ctrl.Role() != session.RoleSender {
		return ErrWrongRole
	}
	for _, typ := range []string{proto.TypeLinkDeleted, proto.TypeStopCamera} {
		if err := d.ctrl.Send(proto.Signal(typ)); err != nil {
			log.Warnw("teardown notice not delivered", "type", typ, "err", err)
		}
	}
	prefs := d.ctrl.Prefs()
	for _, key := range []string{session.PrefLink, session.PrefEndpointID} {
		if err := prefs.Delete(key); err != nil {
			log.Warnw("clear preference", "key", key, "err", err)
		}
	}
	if d.rec != nil && d.rec.Active() {
		if err := d.rec.Stop(); err != nil {
			log.Warnw("stop recording", "err", err)
		}
	}
	d.ctrl.Record("link_deleted")
	d.media.ReleaseAll()
	d.ctrl.Terminate("link deleted")
	return nil
}

// ToggleRecording starts recording the remote stream, or stops it and asks
// the recipient to release its camera.
func (d *Dispatcher) ToggleRecording(ctx context.Context) error {
	if d.ctrl.Role() != session.RoleSender {
		return ErrWrongRole
	}
	if d.rec == nil {
		return ErrNoRecorder
	}
	if d.rec.Active() {
		if err := d.rec.Stop(); err != nil {
			d.ctrl.ReportError(err)
			return err
		}
		if err := d.ctrl.Send(proto.Signal(proto.TypeStopCamera)); err != nil {
			log.Warnw("stop_camera not delivered", "err", err)
		}
		d.ctrl.SetStatus("recording saved", false)
		return nil
	}

	remote := d.ctrl.RemoteStream()
	if !remote.VideoEnabled() {
		d.ctrl.SetStatus("nothing to record yet", true)
		return ErrNoRemoteVideo
	}
	if err := d.rec.Start(remote); err != nil {
		d.ctrl.ReportError(err)
		return err
	}
	if kf, ok := d.ctrl.ActiveCall().(keyframeRequester); ok {
		if err := kf.RequestKeyframe(); err != nil {
			log.Debugw("keyframe request", "err", err)
		}
	}
	d.ctrl.SetStatus("recording", false)
	return nil
}

func (d *Dispatcher) savePref(key string, v bool) {
	if err := d.ctrl.Prefs().SetBool(key, v); err != nil {
		log.Warnw("persist preference", "key", key, "err", err)
	}
}

func (d *Dispatcher) goTracked(fn func()) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn()
	}()
}
