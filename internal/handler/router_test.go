package handler

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/zhouzirui/kudos-pass/backend/internal/ratelimit"
	"github.com/zhouzirui/kudos-pass/backend/internal/realtime"
	kudosService "github.com/zhouzirui/kudos-pass/backend/internal/service/kudos"
	"github.com/zhouzirui/kudos-pass/backend/internal/storage/memory"
)

func setupRouter() http.Handler {
	store := memory.New()
	hub := realtime.NewHub(0)
	gateway := realtime.NewGateway(hub)
	return NewRouter(Deps{
		Origins:    "https://kudos.example.com",
		Kudos:      kudosService.NewService(store, gateway),
		Guard:      ratelimit.NewGuard(ratelimit.DefaultConfig()),
		Store:      store,
		Gateway:    gateway,
		Hub:        hub,
		Negotiator: realtime.NewNegotiator("secret", "http://localhost:8080", time.Minute),
	})
}

func TestRouterMountsAPI(t *testing.T) {
	r := setupRouter()
	cases := []struct {
		method, path string
		body         string
		status       int
	}{
		{http.MethodGet, "/api/now", "", http.StatusOK},
		{http.MethodGet, "/api/health", "", http.StatusOK},
		{http.MethodGet, "/api/webpubsub/negotiate?user=x", "", http.StatusOK},
		{http.MethodPost, "/api/session", `{"title":"Retro","settings":{"roundSeconds":60}}`, http.StatusOK},
		{http.MethodGet, "/api/session?code=NOPE42", "", http.StatusNotFound},
		{http.MethodGet, "/api/unknown", "", http.StatusNotFound},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, tc.path, bytes.NewReader([]byte(tc.body)))
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, req)
		if resp.Code != tc.status {
			t.Fatalf("%s %s: expected %d, got %d", tc.method, tc.path, tc.status, resp.Code)
		}
	}
}

func TestRouterPreflight(t *testing.T) {
	r := setupRouter()
	req := httptest.NewRequest(http.MethodOptions, "/api/note", nil)
	req.Header.Set("Origin", "https://kudos.example.com")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.Code)
	}
	if got := resp.Header().Get("Access-Control-Allow-Origin"); got != "https://kudos.example.com" {
		t.Fatalf("unexpected allow origin %q", got)
	}
}

func TestRouterAdmitsPushAndSystemRoutes(t *testing.T) {
	store := memory.New()
	hub := realtime.NewHub(0)
	gateway := realtime.NewGateway(hub)
	r := NewRouter(Deps{
		Kudos:      kudosService.NewService(store, gateway),
		Guard:      ratelimit.NewGuard(ratelimit.Config{SourceRate: 0.001, SourceBurst: 1, ActionRate: 1, ActionBurst: 1, IdleTTL: time.Minute}),
		Store:      store,
		Gateway:    gateway,
		Hub:        hub,
		Negotiator: realtime.NewNegotiator("secret", "http://localhost:8080", time.Minute),
	})

	for _, path := range []string{"/api/now", "/api/health", "/api/webpubsub/negotiate?user=x", "/api/realtime/sse/ABC123"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = "203.0.113.9:" + strconv.Itoa(len(path))
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, req)
		if path == "/api/now" {
			if resp.Code != http.StatusOK {
				t.Fatalf("first request: expected 200, got %d", resp.Code)
			}
			continue
		}
		if resp.Code != http.StatusTooManyRequests {
			t.Fatalf("%s: expected 429 after the burst, got %d", path, resp.Code)
		}
	}
}
