package location

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestReverseGeocode(t *testing.T) {
	var gotUA, gotLat string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotLat = r.URL.Query().Get("lat")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"display_name": "Rua Augusta, 100, Consolação, São Paulo",
			"address": {
				"road": "Rua Augusta",
				"house_number": "100",
				"neighbourhood": "Consolação",
				"city": "São Paulo",
				"postcode": "01305-000"
			}
		}`))
	}))
	defer srv.Close()

	s := New(Options{GeocodeURL: srv.URL, UserAgent: "livecam-test"})
	addr, err := s.ReverseGeocode(context.Background(), -23.55, -46.65)
	if err != nil {
		t.Fatal(err)
	}
	if gotUA != "livecam-test" || gotLat != "-23.550000" {
		t.Fatalf("request ua=%q lat=%q", gotUA, gotLat)
	}
	if addr.Via != "Rua Augusta" || addr.Numero != "100" || addr.Bairro != "Consolação" ||
		addr.Municipio != "São Paulo" || addr.CEP != "01305-000" {
		t.Fatalf("address = %+v", addr)
	}
	if addr.Address == "" {
		t.Fatalf("display name missing")
	}
}

func TestReverseGeocodeFailures(t *testing.T) {
	t.Run("http error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "busy", http.StatusTooManyRequests)
		}))
		defer srv.Close()
		if _, err := New(Options{GeocodeURL: srv.URL}).ReverseGeocode(context.Background(), 1, 2); err == nil {
			t.Fatalf("expected an error")
		}
	})
	t.Run("service error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"error":"Unable to geocode"}`))
		}))
		defer srv.Close()
		if _, err := New(Options{GeocodeURL: srv.URL}).ReverseGeocode(context.Background(), 1, 2); err == nil {
			t.Fatalf("expected an error")
		}
	})
}

func TestCurrentPosition(t *testing.T) {
	if _, _, err := New(Options{}).CurrentPosition(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("disabled = %v", err)
	}
	lat, lon, err := New(Options{Enabled: true, Latitude: 1.5, Longitude: -2}).CurrentPosition(context.Background())
	if err != nil || lat != 1.5 || lon != -2 {
		t.Fatalf("position = %v,%v (%v)", lat, lon, err)
	}
}
