package system

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

type stubPinger struct{ err error }

func (s stubPinger) Ping(context.Context) error { return s.err }

type stubPush bool

func (s stubPush) Available() bool { return bool(s) }

func setupRouter(store Pinger, push Availability) *chi.Mux {
	h := New(store, push)
	h.now = func() time.Time { return time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC) }
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return r
}

func TestNow(t *testing.T) {
	r := setupRouter(stubPinger{}, stubPush(true))
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/now", nil))

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["nowUtc"] != "2025-01-02T03:04:05Z" {
		t.Fatalf("unexpected nowUtc %q", body["nowUtc"])
	}
}

func TestHealth(t *testing.T) {
	cases := []struct {
		name     string
		store    Pinger
		push     Availability
		status   int
		realtime bool
	}{
		{"healthy", stubPinger{}, stubPush(true), http.StatusOK, true},
		{"push down", stubPinger{}, stubPush(false), http.StatusOK, false},
		{"no push", stubPinger{}, nil, http.StatusOK, false},
		{"store down", stubPinger{err: errors.New("disk gone")}, stubPush(true), http.StatusServiceUnavailable, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := setupRouter(tc.store, tc.push)
			resp := httptest.NewRecorder()
			r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/health", nil))

			if resp.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, resp.Code)
			}
			var body struct {
				OK       bool  `json:"ok"`
				Realtime check `json:"realtime"`
				Storage  check `json:"storage"`
			}
			if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Realtime.OK != tc.realtime {
				t.Fatalf("expected realtime ok=%t", tc.realtime)
			}
			if body.OK != (tc.status == http.StatusOK) {
				t.Fatalf("unexpected ok flag %t", body.OK)
			}
		})
	}
}
