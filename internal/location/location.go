// Package location provides the recipient's position and a best-effort
// reverse geocoder backed by a Nominatim-compatible HTTP service.
package location

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/livecam/internal/proto"
	"github.com/petervdpas/livecam/internal/util"
)

var log = logging.Logger("location")

var ErrUnavailable = errors.New("location: position unavailable")

// DefaultGeocodeURL is the public Nominatim reverse endpoint.
const DefaultGeocodeURL = "https://nominatim.openstreetmap.org/reverse"

// Options configures a Service.
type Options struct {
	Enabled    bool
	Latitude   float64
	Longitude  float64
	GeocodeURL string
	UserAgent  string
	Timeout    time.Duration
	Client     *http.Client
}

// Service answers position and address queries.
type Service struct {
	opts   Options
	client *http.Client
}

// New returns a Service. Empty options fall back to the public geocoder and
// util.DefaultFetchTimeout.
func New(opts Options) *Service {
	if opts.GeocodeURL == "" {
		opts.GeocodeURL = DefaultGeocodeURL
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "livecam"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = util.DefaultFetchTimeout
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	return &Service{opts: opts, client: client}
}

// CurrentPosition returns the configured position.
func (s *Service) CurrentPosition(ctx context.Context) (lat, lon float64, err error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	if !s.opts.Enabled {
		return 0, 0, ErrUnavailable
	}
	return s.opts.Latitude, s.opts.Longitude, nil
}

type nominatimReply struct {
	DisplayName string `json:"display_name"`
	Error       string `json:"error"`
	Address     struct {
		Road          string `json:"road"`
		Pedestrian    string `json:"pedestrian"`
		HouseNumber   string `json:"house_number"`
		Suburb        string `json:"suburb"`
		Neighbourhood string `json:"neighbourhood"`
		City          string `json:"city"`
		Town          string `json:"town"`
		Village       string `json:"village"`
		Municipality  string `json:"municipality"`
		Postcode      string `json:"postcode"`
	} `json:"address"`
}

func firstOf(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// ReverseGeocode looks up the address at lat, lon.
func (s *Service) ReverseGeocode(ctx context.Context, lat, lon float64) (proto.AddressRecord, error) {
	u, err := url.Parse(s.opts.GeocodeURL)
	if err != nil {
		return proto.AddressRecord{}, fmt.Errorf("location: geocoder url: %w", err)
	}
	q := u.Query()
	q.Set("format", "jsonv2")
	q.Set("addressdetails", "1")
	q.Set("lat", strconv.FormatFloat(lat, 'f', 6, 64))
	q.Set("lon", strconv.FormatFloat(lon, 'f', 6, 64))
	u.RawQuery = q.Encode()

	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return proto.AddressRecord{}, err
	}
	req.Header.Set("User-Agent", s.opts.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return proto.AddressRecord{}, fmt.Errorf("location: geocode: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return proto.AddressRecord{}, fmt.Errorf("location: geocode: %s", resp.Status)
	}

	var r nominatimReply
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return proto.AddressRecord{}, fmt.Errorf("location: decode: %w", err)
	}
	if r.Error != "" {
		return proto.AddressRecord{}, fmt.Errorf("location: geocode: %s", r.Error)
	}
	a := r.Address
	rec := proto.AddressRecord{
		Address:   r.DisplayName,
		Via:       firstOf(a.Road, a.Pedestrian),
		Numero:    a.HouseNumber,
		Bairro:    firstOf(a.Suburb, a.Neighbourhood),
		Municipio: firstOf(a.City, a.Town, a.Village, a.Municipality),
		CEP:       a.Postcode,
	}
	log.Debugw("reverse geocoded", "lat", lat, "lon", lon, "address", rec.Address)
	return rec, nil
}
