package session

import (
	"github.com/petervdpas/livecam/internal/chat"
	"github.com/petervdpas/livecam/internal/proto"
)

const permissionQuestion = "The sender wants to start sending video. Allow?"

// handleMessage runs the interceptor, if any, then the role's reaction.
func (c *Controller) handleMessage(msg proto.Message) {
	c.mu.Lock()
	if c.state == StateTerminated {
		c.mu.Unlock()
		log.Debugw("message after termination dropped", "type", msg.Type)
		return
	}
	icpt := c.intercept
	c.mu.Unlock()

	if icpt != nil {
		icpt(msg)
	}
	h, ok := c.handlers[msg.Type]
	if !ok {
		log.Debugw("no reaction for message", "role", c.role, "type", msg.Type)
		return
	}
	h(msg)
}

func (c *Controller) commonHandlers() map[string]func(proto.Message) {
	return map[string]func(proto.Message){
		proto.TypeChat:  c.onChat,
		proto.TypeImage: c.onImage,
	}
}

func (c *Controller) senderHandlers() map[string]func(proto.Message) {
	h := c.commonHandlers()
	h[proto.TypeLocation] = c.onLocation
	h[proto.TypeRecipientVideoToggle] = c.onRecipientVideoToggle
	// Replies are consumed by the command dispatcher's interceptor.
	h[proto.TypeVideoPermissionGranted] = func(proto.Message) {}
	h[proto.TypeVideoPermissionDenied] = func(proto.Message) {}
	return h
}

func (c *Controller) recipientHandlers() map[string]func(proto.Message) {
	h := c.commonHandlers()
	h[proto.TypeStopCamera] = c.onStopCamera
	h[proto.TypeSenderVideoStopped] = c.onSenderVideoStopped
	h[proto.TypeSenderVideoStarted] = func(proto.Message) { c.resumeRemoteVideo() }
	h[proto.TypeVideoPermissionRequest] = c.onPermissionRequest
	h[proto.TypeLinkDeleted] = c.onLinkDeleted
	return h
}

func (c *Controller) onChat(msg proto.Message) {
	c.ui.ShowChat()
	c.appendChat(chat.NewText(chat.Received, msg.Message))
}

func (c *Controller) onImage(msg proto.Message) {
	c.ui.ShowChat()
	c.appendChat(chat.NewImage(chat.Received, msg.DataURL))
}

func (c *Controller) onLocation(msg proto.Message) {
	c.ui.ShowLocation(msg.Latitude, msg.Longitude, msg.AddressRecord())
}

func (c *Controller) onRecipientVideoToggle(msg proto.Message) {
	if msg.VideoEnabled() {
		c.resumeRemoteVideo()
		return
	}
	c.ui.RetireRemoteVideo()
	c.SetStatus(StatusConnectedAudio, false)
}

func (c *Controller) onStopCamera(proto.Message) {
	c.media.ReleasePrimary()
	c.SetStatus("camera stopped by the sender", false)
}

func (c *Controller) onSenderVideoStopped(proto.Message) {
	c.ui.RetireRemoteVideo()
	c.SetStatus(StatusConnectedAudio, false)
}

func (c *Controller) onPermissionRequest(proto.Message) {
	c.goTracked(func() {
		ok, err := c.ui.Confirm(c.Context(), permissionQuestion)
		if err != nil {
			log.Warnw("permission prompt failed", "err", err)
			ok = false
		}
		reply := proto.TypeVideoPermissionDenied
		if ok {
			reply = proto.TypeVideoPermissionGranted
		}
		if err := c.Send(proto.Signal(reply)); err != nil {
			c.reportError(err)
		}
	})
}

func (c *Controller) onLinkDeleted(proto.Message) {
	c.record("link_deleted")
	c.Terminate("link deleted by the sender")
}
