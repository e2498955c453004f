package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/livecam/internal/util"
)

// FileName is the config file name inside an endpoint directory.
const FileName = "livecam.json"

type Config struct {
	Signal   Signal   `json:"signal"`
	Media    Media    `json:"media"`
	Location Location `json:"location"`
	Link     Link     `json:"link"`
	Record   Record   `json:"record"`
	Share    Share    `json:"share"`
	Storage  Storage  `json:"storage"`
	Chat     Chat     `json:"chat"`
	Log      Log      `json:"log"`
}

type Signal struct {
	// Relay the endpoint connects to (ws:// or wss://).
	RelayURL string `json:"relay_url"`

	// Listen address and path used by "livecam relay".
	ListenAddr string `json:"listen_addr"`
	Path       string `json:"path"`

	ICEServers []string `json:"ice_servers"`

	// ICE timeouts (seconds). 0 = transport default.
	ICEDisconnectedSec int `json:"ice_disconnected_seconds"`
	ICEFailedSec       int `json:"ice_failed_seconds"`

	ConnectTimeoutSec int `json:"connect_timeout_seconds"`
}

type Media struct {
	// Device id per facing mode ("user", "environment"). Empty lets the
	// capture layer pick.
	Cameras      map[string]string `json:"cameras"`
	Microphone   string            `json:"microphone"`
	MaxWidth     int               `json:"max_width"`
	MaxHeight    int               `json:"max_height"`
	VideoBitrate int               `json:"video_bitrate"`
}

type Location struct {
	Enabled    bool    `json:"enabled"`
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	GeocodeURL string  `json:"geocode_url"`
	UserAgent  string  `json:"user_agent"`
	TimeoutSec int     `json:"timeout_seconds"`
}

type Link struct {
	// Base of the link handed to the recipient; the endpoint id is appended
	// as a query parameter.
	BaseURL string `json:"base_url"`
}

type Record struct {
	Dir string `json:"dir"`
}

type Share struct {
	// JPEG/GIF files created here are sent as images. Empty disables.
	WatchDir string `json:"watch_dir"`
}

type Storage struct {
	Dir string `json:"dir"`
}

type Chat struct {
	HistorySize int `json:"history_size"`
}

type Log struct {
	Level string `json:"level"`
}

func Default() Config {
	return Config{
		Signal: Signal{
			RelayURL:           "ws://127.0.0.1:8787/ws",
			ListenAddr:         "127.0.0.1:8787",
			Path:               "/ws",
			ICEServers:         []string{"stun:stun.l.google.com:19302"},
			ICEDisconnectedSec: 30,
			ICEFailedSec:       120,
			ConnectTimeoutSec:  10,
		},
		Media: Media{
			Cameras:      map[string]string{},
			MaxWidth:     640,
			MaxHeight:    480,
			VideoBitrate: 1_500_000,
		},
		Location: Location{
			Enabled:    false,
			GeocodeURL: "https://nominatim.openstreetmap.org/reverse",
			UserAgent:  "livecam",
			TimeoutSec: 5,
		},
		Record:  Record{Dir: "recordings"},
		Storage: Storage{Dir: "data"},
		Chat:    Chat{HistorySize: 200},
		Log:     Log{Level: "info"},
	}
}

func (c *Config) Validate() error {
	// Signal
	if err := validateURL(c.Signal.RelayURL, "ws", "wss"); err != nil {
		return fmt.Errorf("signal.relay_url: %w", err)
	}
	if a := strings.TrimSpace(c.Signal.ListenAddr); a != "" {
		if _, _, err := net.SplitHostPort(a); err != nil {
			return fmt.Errorf("signal.listen_addr: %w", err)
		}
	}
	if !strings.HasPrefix(c.Signal.Path, "/") {
		return errors.New("signal.path must start with /")
	}
	if c.Signal.ICEDisconnectedSec < 0 || c.Signal.ICEFailedSec < 0 {
		return errors.New("signal ICE timeouts must be >= 0")
	}
	if c.Signal.ConnectTimeoutSec < 0 {
		return errors.New("signal.connect_timeout_seconds must be >= 0")
	}

	// Media
	for facing := range c.Media.Cameras {
		if facing != "user" && facing != "environment" {
			return fmt.Errorf("media.cameras: unknown facing mode %q", facing)
		}
	}
	if c.Media.MaxWidth <= 0 || c.Media.MaxHeight <= 0 {
		return errors.New("media.max_width and media.max_height must be > 0")
	}
	if c.Media.VideoBitrate < 0 {
		return errors.New("media.video_bitrate must be >= 0")
	}

	// Location
	if c.Location.Enabled {
		if c.Location.Latitude < -90 || c.Location.Latitude > 90 {
			return errors.New("location.latitude must be -90..90")
		}
		if c.Location.Longitude < -180 || c.Location.Longitude > 180 {
			return errors.New("location.longitude must be -180..180")
		}
		if err := validateURL(c.Location.GeocodeURL, "http", "https"); err != nil {
			return fmt.Errorf("location.geocode_url: %w", err)
		}
	}
	if c.Location.TimeoutSec < 0 {
		return errors.New("location.timeout_seconds must be >= 0")
	}

	// Link
	if b := strings.TrimSpace(c.Link.BaseURL); b != "" {
		if err := validateURL(b, "http", "https"); err != nil {
			return fmt.Errorf("link.base_url: %w", err)
		}
	}

	if strings.TrimSpace(c.Storage.Dir) == "" {
		return errors.New("storage.dir is required")
	}
	if strings.TrimSpace(c.Record.Dir) == "" {
		return errors.New("record.dir is required")
	}
	if c.Chat.HistorySize < 0 {
		return errors.New("chat.history_size must be >= 0")
	}
	if _, err := logging.LevelFromString(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

func validateURL(raw string, schemes ...string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	ok := false
	for _, s := range schemes {
		if u.Scheme == s {
			ok = true
		}
	}
	if !ok {
		return fmt.Errorf("scheme must be one of %s", strings.Join(schemes, ", "))
	}
	if u.Hostname() == "" {
		return errors.New("missing host")
	}
	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
