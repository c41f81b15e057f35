package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func serve(origins, method, origin string) *httptest.ResponseRecorder {
	h := CORS(origins)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	req := httptest.NewRequest(method, "/api/session", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, req)
	return resp
}

func TestCORSAllowsConfiguredOrigin(t *testing.T) {
	resp := serve("https://kudos.example.com/, https://admin.example.com", http.MethodGet, "https://kudos.example.com")
	if resp.Code != http.StatusTeapot {
		t.Fatalf("expected handler to run, got %d", resp.Code)
	}
	if got := resp.Header().Get("Access-Control-Allow-Origin"); got != "https://kudos.example.com" {
		t.Fatalf("unexpected allow origin %q", got)
	}
	if got := resp.Header().Get("Access-Control-Expose-Headers"); got != "ETag" {
		t.Fatalf("expected ETag exposed, got %q", got)
	}
}

func TestCORSRejectsOtherOrigin(t *testing.T) {
	resp := serve("https://kudos.example.com", http.MethodGet, "https://evil.example.com")
	if got := resp.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("expected no allow origin, got %q", got)
	}
}

func TestCORSWildcardAndPreflight(t *testing.T) {
	resp := serve("", http.MethodOptions, "https://anything.example.com")
	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for preflight, got %d", resp.Code)
	}
	if got := resp.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("expected wildcard, got %q", got)
	}
}
