package session_test

import (
	"context"
	"errors"
	"testing"

	"github.com/petervdpas/livecam/internal/media"
	"github.com/petervdpas/livecam/internal/proto"
	"github.com/petervdpas/livecam/internal/session"
	"github.com/petervdpas/livecam/internal/session/sessiontest"
)

func startEndpoint(t *testing.T, role session.Role, prefs map[string]string) *sessiontest.Endpoint {
	t.Helper()
	e, err := sessiontest.NewEndpoint(role, prefs)
	if err != nil {
		t.Fatalf("new endpoint: %v", err)
	}
	if err := e.Ctrl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(e.Ctrl.Wait)
	return e
}

func audioOnly(id string) *media.Stream {
	return media.NewStream(id, sessiontest.NewTrack(id+"-a", media.KindAudio))
}

func withVideo(id string) *media.Stream {
	return media.NewStream(id,
		sessiontest.NewTrack(id+"-a", media.KindAudio),
		sessiontest.NewTrack(id+"-v", media.KindVideo))
}

func TestRecipientAudioOnlyPreference(t *testing.T) {
	rcpt := startEndpoint(t, session.RoleRecipient, map[string]string{session.PrefPrimaryVideo: "false"})
	if rcpt.Ctrl.State() != session.StateConnecting {
		t.Fatalf("recipient state = %s", rcpt.Ctrl.State())
	}
	if rcpt.Media.Primary().VideoEnabled() {
		t.Fatalf("recipient should join audio-only")
	}
	placed := rcpt.Transport.Placed()
	if len(placed) != 1 {
		t.Fatalf("expected one outbound call, got %d", len(placed))
	}

	// What the sender sees of that stream.
	sender := startEndpoint(t, session.RoleSender, nil)
	call := sender.Transport.Ring()
	call.Deliver(audioOnly("remote"))

	if got := sender.Presenter.LastStatus().Text; got != session.StatusConnectedAudio {
		t.Fatalf("status = %q, want %q", got, session.StatusConnectedAudio)
	}
	if n := len(sender.Presenter.Rendered()); n != 0 {
		t.Fatalf("no remote video surface expected, got %d", n)
	}
	if n := len(sender.Presenter.Played()); n != 1 {
		t.Fatalf("audio sink should play the stream, got %d", n)
	}
	if sender.Ctrl.State() != session.StateInCall {
		t.Fatalf("sender state = %s", sender.Ctrl.State())
	}
}

func TestRemoteStreamReclassified(t *testing.T) {
	sender := startEndpoint(t, session.RoleSender, nil)
	call := sender.Transport.Ring()

	call.Deliver(audioOnly("first"))
	if got := sender.Presenter.LastStatus().Text; got != session.StatusConnectedAudio {
		t.Fatalf("status = %q", got)
	}
	second := withVideo("second")
	call.Deliver(second)
	if got := sender.Presenter.LastStatus().Text; got != session.StatusConnected {
		t.Fatalf("status = %q", got)
	}
	if r := sender.Presenter.Rendered(); len(r) != 1 || r[0] != second {
		t.Fatalf("video stream should be rendered")
	}
	if sender.Ctrl.RemoteStream() != second {
		t.Fatalf("remote stream should track the latest arrival")
	}
}

func TestSenderAnswersWithAudio(t *testing.T) {
	sender := startEndpoint(t, session.RoleSender, nil)
	if sender.Ctrl.State() != session.StateAwaitingIncomingCall {
		t.Fatalf("state = %s", sender.Ctrl.State())
	}
	call := sender.Transport.Ring()
	if call.Slot(media.KindAudio) == nil {
		t.Fatalf("answer should carry audio")
	}
	if call.Slot(media.KindVideo) != nil {
		t.Fatalf("sender starts without video")
	}
	if sender.Ctrl.ActiveCall() == nil || sender.Ctrl.State() != session.StateInCall {
		t.Fatalf("sender should be in call")
	}
}

func TestSenderRestoresSavedVideo(t *testing.T) {
	sender := startEndpoint(t, session.RoleSender, map[string]string{session.PrefSecondaryVideo: "true"})
	sender.Ctrl.Wait()
	if !sender.Media.Secondary().VideoEnabled() {
		t.Fatalf("saved preference should re-acquire video")
	}
	call := sender.Transport.Ring()
	if call.Slot(media.KindVideo) == nil {
		t.Fatalf("answer should carry restored video")
	}
	if !sender.Presenter.SelfViewOn() {
		t.Fatalf("self-view should be active")
	}
}

func TestSecondIncomingCallReplacesFirst(t *testing.T) {
	sender := startEndpoint(t, session.RoleSender, nil)
	first := sender.Transport.Ring()
	second := sender.Transport.Ring()
	if !first.Closed() {
		t.Fatalf("previous call should be closed")
	}
	if sender.Ctrl.ActiveCall() != session.Call(second) {
		t.Fatalf("active call should be the new one")
	}
	if sender.Ctrl.State() != session.StateInCall {
		t.Fatalf("closing the replaced call must not leave the call state, got %s", sender.Ctrl.State())
	}
}

func TestTeardownOrderIndependent(t *testing.T) {
	orders := map[string][]string{
		"link_deleted first": {proto.TypeLinkDeleted, proto.TypeStopCamera},
		"stop_camera first":  {proto.TypeStopCamera, proto.TypeLinkDeleted},
	}
	for name, order := range orders {
		t.Run(name, func(t *testing.T) {
			rcpt := startEndpoint(t, session.RoleRecipient, nil)
			rcpt.Transport.Ready()
			for _, typ := range order {
				rcpt.Transport.Receive(proto.Signal(typ))
			}
			rcpt.Ctrl.Wait()
			if live := rcpt.Capturer.LiveTracks(); len(live) != 0 {
				t.Fatalf("%d local tracks still live", len(live))
			}
			if rcpt.Ctrl.State() != session.StateTerminated {
				t.Fatalf("state = %s", rcpt.Ctrl.State())
			}
			if !rcpt.Transport.Destroyed() {
				t.Fatalf("transport should be destroyed")
			}
			if err := rcpt.Ctrl.Send(proto.Chat("still there?")); !errors.Is(err, session.ErrTerminated) {
				t.Fatalf("send after teardown = %v", err)
			}
		})
	}
}

func TestStopCameraKeepsSession(t *testing.T) {
	rcpt := startEndpoint(t, session.RoleRecipient, nil)
	rcpt.Transport.Receive(proto.Signal(proto.TypeStopCamera))
	if rcpt.Media.Primary() != nil {
		t.Fatalf("primary should be released")
	}
	if rcpt.Ctrl.State() == session.StateTerminated {
		t.Fatalf("stop_camera alone must not terminate")
	}
}

func TestMessagesDispatchedPerRole(t *testing.T) {
	sender := startEndpoint(t, session.RoleSender, nil)
	sender.Transport.Ring()
	before := sender.Media.Secondary()

	// Recipient-only reactions are ignored by the sender.
	sender.Transport.Receive(proto.Signal(proto.TypeStopCamera))
	sender.Transport.Receive(proto.Signal(proto.TypeLinkDeleted))
	if sender.Ctrl.State() == session.StateTerminated || sender.Media.Secondary() != before {
		t.Fatalf("sender must ignore recipient-only messages")
	}

	sender.Transport.Receive(proto.Location(-23.5, -46.6, proto.AddressRecord{Municipio: "São Paulo"}))
	if locs := sender.Presenter.Locations(); len(locs) != 1 || locs[0].Municipio != "São Paulo" {
		t.Fatalf("location should be shown, got %v", locs)
	}

	sender.Transport.Receive(proto.RecipientVideoToggle(false))
	if sender.Presenter.Retired() == 0 {
		t.Fatalf("recipient video off should retire the remote surface")
	}
}

func TestChatAndSingleImage(t *testing.T) {
	rcpt := startEndpoint(t, session.RoleRecipient, nil)
	rcpt.Transport.Receive(proto.Chat("olá"))
	if rcpt.Presenter.ChatShown() == 0 {
		t.Fatalf("chat panel should be re-shown")
	}
	rcpt.Transport.Receive(proto.Image("data:image/gif;base64,R0lGODlhAQABAAAAADs="))
	rcpt.Transport.Receive(proto.Image("data:image/gif;base64,R0lGODlhAQABAAAAADs="))

	images := 0
	for _, e := range rcpt.Presenter.Entries() {
		if e.Kind == "image" {
			images++
		}
	}
	if images != 1 {
		t.Fatalf("expected one displayed image, got %d", images)
	}
	if n := len(rcpt.Presenter.Entries()); n != 2 {
		t.Fatalf("expected chat line plus image, got %d", n)
	}
}

func TestLocationReportedOnceBestEffort(t *testing.T) {
	t.Run("geocode failure still reports coordinates", func(t *testing.T) {
		rcpt, err := sessiontest.NewEndpoint(session.RoleRecipient, nil)
		if err != nil {
			t.Fatal(err)
		}
		rcpt.Locator.Lat, rcpt.Locator.Lon = -22.9, -43.2
		rcpt.Locator.GeocodeErr = errors.New("geocoder down")
		if err := rcpt.Ctrl.Start(context.Background()); err != nil {
			t.Fatal(err)
		}
		rcpt.Transport.Ready()
		rcpt.Transport.Ready()
		rcpt.Ctrl.Wait()

		if rcpt.Ctrl.State() != session.StateSignalingReady {
			t.Fatalf("state = %s", rcpt.Ctrl.State())
		}
		if rcpt.Locator.Calls() != 1 {
			t.Fatalf("position requested %d times", rcpt.Locator.Calls())
		}
		sent := rcpt.Transport.Sent()
		if len(sent) != 1 || sent[0].Type != proto.TypeLocation || sent[0].Latitude != -22.9 {
			t.Fatalf("sent = %+v", sent)
		}
	})
	t.Run("position failure is swallowed", func(t *testing.T) {
		rcpt, err := sessiontest.NewEndpoint(session.RoleRecipient, nil)
		if err != nil {
			t.Fatal(err)
		}
		rcpt.Locator.PosErr = errors.New("denied")
		if err := rcpt.Ctrl.Start(context.Background()); err != nil {
			t.Fatal(err)
		}
		rcpt.Transport.Ready()
		rcpt.Ctrl.Wait()
		if len(rcpt.Transport.Sent()) != 0 {
			t.Fatalf("nothing should be sent")
		}
		if s := rcpt.Presenter.LastStatus(); s.IsError {
			t.Fatalf("location failure must not surface: %q", s.Text)
		}
	})
}

func TestRecipientAnswersPermissionRequest(t *testing.T) {
	for _, allow := range []bool{true, false} {
		rcpt := startEndpoint(t, session.RoleRecipient, nil)
		rcpt.Presenter.Answer = allow
		rcpt.Transport.Receive(proto.Signal(proto.TypeVideoPermissionRequest))
		rcpt.Ctrl.Wait()

		want := proto.TypeVideoPermissionDenied
		if allow {
			want = proto.TypeVideoPermissionGranted
		}
		types := rcpt.Transport.SentTypes()
		if len(types) != 1 || types[0] != want {
			t.Fatalf("allow=%v: sent %v", allow, types)
		}
	}
}

func TestCallClosedPerRole(t *testing.T) {
	rcpt := startEndpoint(t, session.RoleRecipient, nil)
	rcpt.Transport.Placed()[0].Close()
	if rcpt.Ctrl.State() != session.StateTerminated {
		t.Fatalf("recipient should terminate, got %s", rcpt.Ctrl.State())
	}

	sender := startEndpoint(t, session.RoleSender, nil)
	call := sender.Transport.Ring()
	call.Close()
	if sender.Ctrl.State() != session.StateAwaitingIncomingCall {
		t.Fatalf("sender should wait for the next call, got %s", sender.Ctrl.State())
	}
	if sender.Ctrl.ActiveCall() != nil {
		t.Fatalf("active call should be cleared")
	}
}

func TestInterceptorRunsBeforeTable(t *testing.T) {
	sender := startEndpoint(t, session.RoleSender, nil)
	var seen []string
	sender.Ctrl.SetInterceptor(func(m proto.Message) { seen = append(seen, "intercept:"+m.Type) })
	sender.Transport.Receive(proto.Chat("hi"))
	if len(seen) != 1 || seen[0] != "intercept:chat" {
		t.Fatalf("interceptor calls = %v", seen)
	}
	if len(sender.Presenter.Entries()) != 1 {
		t.Fatalf("normal reaction must still run")
	}
}

func TestDeviceErrorOnJoinSurfaces(t *testing.T) {
	rcpt, err := sessiontest.NewEndpoint(session.RoleRecipient, nil)
	if err != nil {
		t.Fatal(err)
	}
	rcpt.Capturer.Fail = errors.New("permission denied")
	err = rcpt.Ctrl.Start(context.Background())
	var de *media.DeviceError
	if !errors.As(err, &de) {
		t.Fatalf("expected DeviceError, got %v", err)
	}
	if s := rcpt.Presenter.LastStatus(); !s.IsError {
		t.Fatalf("device error should be surfaced, got %+v", s)
	}
	if len(rcpt.Transport.Placed()) != 0 {
		t.Fatalf("no call should be placed")
	}
}

func TestRemoteVideoToggledOffThenOn(t *testing.T) {
	t.Run("recipient camera", func(t *testing.T) {
		sender := startEndpoint(t, session.RoleSender, nil)
		call := sender.Transport.Ring()
		call.Deliver(withVideo("remote"))
		if n := len(sender.Presenter.Rendered()); n != 1 {
			t.Fatalf("rendered = %d", n)
		}

		sender.Transport.Receive(proto.RecipientVideoToggle(false))
		if got := sender.Presenter.LastStatus().Text; got != session.StatusConnectedAudio {
			t.Fatalf("status after off = %q", got)
		}

		// No new remote stream follows: the track was swapped in place.
		sender.Transport.Receive(proto.RecipientVideoToggle(true))
		if n := len(sender.Presenter.Rendered()); n != 2 {
			t.Fatalf("remote video should be rendered again, rendered = %d", n)
		}
		if got := sender.Presenter.LastStatus().Text; got != session.StatusConnected {
			t.Fatalf("status after on = %q", got)
		}
	})

	t.Run("sender camera", func(t *testing.T) {
		rcpt := startEndpoint(t, session.RoleRecipient, nil)
		call := rcpt.Transport.Placed()[0]
		call.Deliver(withVideo("remote"))

		rcpt.Transport.Receive(proto.Signal(proto.TypeSenderVideoStopped))
		if got := rcpt.Presenter.LastStatus().Text; got != session.StatusConnectedAudio {
			t.Fatalf("status after stop = %q", got)
		}
		rcpt.Transport.Receive(proto.Signal(proto.TypeSenderVideoStarted))
		if n := len(rcpt.Presenter.Rendered()); n != 2 {
			t.Fatalf("remote video should be rendered again, rendered = %d", n)
		}
		if got := rcpt.Presenter.LastStatus().Text; got != session.StatusConnected {
			t.Fatalf("status after start = %q", got)
		}
	})

	t.Run("no remote video yet", func(t *testing.T) {
		sender := startEndpoint(t, session.RoleSender, nil)
		call := sender.Transport.Ring()
		call.Deliver(audioOnly("remote"))
		sender.Transport.Receive(proto.RecipientVideoToggle(true))
		if n := len(sender.Presenter.Rendered()); n != 0 {
			t.Fatalf("nothing to render until the video track arrives, rendered = %d", n)
		}
	})
}
