package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/livecam/internal/call"
	"github.com/petervdpas/livecam/internal/command"
	"github.com/petervdpas/livecam/internal/config"
	"github.com/petervdpas/livecam/internal/location"
	"github.com/petervdpas/livecam/internal/media"
	"github.com/petervdpas/livecam/internal/record"
	"github.com/petervdpas/livecam/internal/session"
	"github.com/petervdpas/livecam/internal/signal"
	"github.com/petervdpas/livecam/internal/storage"
	"github.com/petervdpas/livecam/internal/ui"
	"github.com/petervdpas/livecam/internal/util"
)

var log = logging.Logger("app")

type Mode string

const (
	ModeSender Mode = "sender"
	ModeJoin   Mode = "join"
	ModeRelay  Mode = "relay"
)

type Options struct {
	Dir     string
	CfgPath string
	Cfg     config.Config
	Mode    Mode

	// Target is the link or endpoint id a joining endpoint calls.
	Target string

	// Sender credentials; asked for on In when empty. Profile is the one
	// the sender signs in as, operator when empty.
	Username string
	Password string
	Profile  string

	In  io.Reader
	Out io.Writer

	Progress func(step, total int, label string)
}

func Run(ctx context.Context, opt Options) error {
	if lvl, err := logging.LevelFromString(opt.Cfg.Log.Level); err == nil {
		logging.SetAllLoggers(lvl)
	}
	if opt.In == nil {
		opt.In = os.Stdin
	}
	if opt.Out == nil {
		opt.Out = os.Stdout
	}
	if opt.Progress == nil {
		opt.Progress = func(int, int, string) {}
	}

	logBanner(opt)

	switch opt.Mode {
	case ModeRelay:
		return runRelay(ctx, opt)
	case ModeSender, ModeJoin:
		return runEndpoint(ctx, opt)
	default:
		return fmt.Errorf("unknown mode %q", opt.Mode)
	}
}

func runRelay(ctx context.Context, o Options) error {
	cfg := o.Cfg.Signal
	o.Progress(1, 1, "Starting relay")

	relay := signal.NewServer()
	router := relayRouter(relay, cfg.Path, o.Cfg.Log.Level == "debug")

	addr, wsURL := NormalizeListenAddr(cfg.ListenAddr, cfg.Path)
	srv := &http.Server{Addr: addr, Handler: router, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	log.Infow("relay listening", "addr", addr, "url", wsURL)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

func runEndpoint(ctx context.Context, o Options) error {
	cfg := o.Cfg
	sender := o.Mode == ModeSender
	in := bufio.NewReader(o.In)

	step, total := 0, 4
	if sender {
		total++
	}
	progress := func(label string) {
		step++
		o.Progress(step, total, label)
	}

	progress("Opening database")
	db, err := storage.Open(util.ResolvePath(o.Dir, cfg.Storage.Dir))
	if err != nil {
		return err
	}
	defer db.Close()

	role := session.RoleRecipient
	username := o.Username
	target := ""
	selfID := ""
	if sender {
		progress("Signing in")
		profile := o.Profile
		if profile == "" {
			profile = storage.ProfileOperator
		}
		u, err := PromptLogin(in, o.Out, db, o.Username, o.Password, profile)
		if err != nil {
			return err
		}
		role = session.RoleSender
		username = u.Username
		selfID, err = endpointID(db)
		if err != nil {
			return err
		}
	} else {
		if target, err = ParseTarget(o.Target); err != nil {
			return err
		}
	}

	progress("Connecting to relay")
	id := selfID
	if id == "" {
		id = uuid.NewString()
	}
	timeout := time.Duration(cfg.Signal.ConnectTimeoutSec) * time.Second
	if timeout == 0 {
		timeout = util.DefaultConnectTimeout
	}
	dialCtx, cancelDial := context.WithTimeout(ctx, timeout)
	client, err := signal.Dial(dialCtx, cfg.Signal.RelayURL, id)
	cancelDial()
	if err != nil {
		return err
	}
	defer client.Close()

	progress("Opening capture devices")
	capt, err := media.NewDeviceCapturer(deviceConfig(cfg.Media))
	if err != nil {
		return err
	}

	recordDir := util.ResolvePath(o.Dir, cfg.Record.Dir)
	console := ui.NewConsole(o.Out)
	console.ImageDir = filepath.Join(recordDir, "images")

	mgr := call.New(relaySignaler{c: client}, capt, id, callConfig(cfg.Signal))

	sopts := session.Options{
		Role:      role,
		Target:    target,
		Username:  username,
		Transport: transport{m: mgr},
		Media:     media.New(capt, console),
		Presenter: console,
		Prefs:     db,
		History:   db,
		ChatSize:  cfg.Chat.HistorySize,
	}
	if !sender {
		sopts.Locator = location.New(location.Options{
			Enabled:    cfg.Location.Enabled,
			Latitude:   cfg.Location.Latitude,
			Longitude:  cfg.Location.Longitude,
			GeocodeURL: cfg.Location.GeocodeURL,
			UserAgent:  cfg.Location.UserAgent,
			Timeout:    time.Duration(cfg.Location.TimeoutSec) * time.Second,
		})
	}
	ctrl, err := session.New(sopts)
	if err != nil {
		return err
	}

	var rec command.Recorder
	if sender {
		rec = record.New(recordDir)
	}
	disp := command.New(ctrl, rec, cfg.Link.BaseURL)

	progress("Starting session")
	if err := ctrl.Start(ctx); err != nil {
		ctrl.Terminate(err.Error())
		return err
	}
	if sender {
		if link, ok := db.Get(session.PrefLink); ok {
			console.ShowLink(link)
		} else if cfg.Link.BaseURL != "" {
			if _, err := disp.GenerateLink(); err != nil {
				log.Warnw("generate link", "err", err)
			}
		} else {
			console.ShowLink(ctrl.EndpointID())
		}
	}

	sctx := ctrl.Context()
	go watchRelay(sctx, client.Done(), ctrl, relayPollInterval)

	if dir := cfg.Share.WatchDir; dir != "" {
		dir = util.ResolvePath(o.Dir, dir)
		go func() {
			if err := ui.WatchDropDir(sctx, dir, disp.SendImage); err != nil && !errors.Is(err, context.Canceled) {
				log.Warnw("drop folder", "dir", dir, "err", err)
			}
		}()
	}

	err = ui.ReadIntents(sctx, in, console, disp)
	if err == nil {
		// Input ended; keep serving until the session or process stops.
		<-sctx.Done()
	}

	if rec != nil && rec.Active() {
		if err := rec.Stop(); err != nil {
			log.Warnw("stop recording", "err", err)
		}
	}
	ctrl.Terminate("endpoint closed")
	disp.Wait()
	ctrl.Wait()

	switch {
	case err == nil, errors.Is(err, ui.ErrQuit), errors.Is(err, context.Canceled):
		return nil
	default:
		return err
	}
}

const relayPollInterval = 500 * time.Millisecond

// callHolder is the part of the session controller the relay watch uses.
type callHolder interface {
	ActiveCall() session.Call
	Terminate(reason string)
}

// watchRelay ends the session once the relay is gone and no call is up. A
// call already established runs peer to peer without the relay, so the
// session lasts until that call closes.
func watchRelay(ctx context.Context, relayDone <-chan struct{}, ctrl callHolder, poll time.Duration) {
	select {
	case <-relayDone:
	case <-ctx.Done():
		return
	}
	if ctrl.ActiveCall() == nil {
		ctrl.Terminate("relay connection lost")
		return
	}
	log.Warnw("relay connection lost, keeping the active call")

	tick := time.NewTicker(poll)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if ctrl.ActiveCall() == nil {
				ctrl.Terminate("relay connection lost")
				return
			}
		}
	}
}

// endpointID returns the sender's persisted endpoint id, creating one on
// first use so links survive restarts.
func endpointID(db *storage.DB) (string, error) {
	if id, ok := db.Get(session.PrefEndpointID); ok && id != "" {
		return id, nil
	}
	id := uuid.NewString()
	if err := db.Set(session.PrefEndpointID, id); err != nil {
		return "", err
	}
	return id, nil
}

func deviceConfig(m config.Media) media.DeviceConfig {
	cams := make(map[media.Facing]string, len(m.Cameras))
	for facing, dev := range m.Cameras {
		cams[media.Facing(facing)] = dev
	}
	return media.DeviceConfig{
		Cameras:      cams,
		Microphone:   m.Microphone,
		MaxWidth:     m.MaxWidth,
		MaxHeight:    m.MaxHeight,
		VideoBitrate: m.VideoBitrate,
	}
}

func callConfig(s config.Signal) call.Config {
	return call.Config{
		ICEServers:          s.ICEServers,
		DisconnectedTimeout: time.Duration(s.ICEDisconnectedSec) * time.Second,
		FailedTimeout:       time.Duration(s.ICEFailedSec) * time.Second,
	}
}
