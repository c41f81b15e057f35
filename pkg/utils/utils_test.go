package utils

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRespondErrorHint(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondErrorHint(rec, http.StatusUnprocessableEntity, "content rejected", "unkind")

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unexpected content type %q", ct)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"] != "content rejected" || body["hint"] != "unkind" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestDecodeJSONRejectsOversizedBody(t *testing.T) {
	payload := `{"text":"` + strings.Repeat("a", MaxBodyBytes) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(payload))
	rec := httptest.NewRecorder()

	var v struct{ Text string }
	if err := DecodeJSON(rec, req, &v); err == nil {
		t.Fatal("expected oversized body to fail")
	}

	req = httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{"text":"ok"}`))
	if err := DecodeJSON(rec, req, &v); err != nil || v.Text != "ok" {
		t.Fatalf("decode small body: %v %q", err, v.Text)
	}
}

func TestSendSSEEvent(t *testing.T) {
	rec := httptest.NewRecorder()
	SetupSSEHeaders(rec)
	if err := SendSSEEvent(rec, rec, "round:start", json.RawMessage(`{"roundIndex":1}`)); err != nil {
		t.Fatalf("send: %v", err)
	}

	if got := rec.Body.String(); got != "event: round:start\ndata: {\"roundIndex\":1}\n\n" {
		t.Fatalf("unexpected frame %q", got)
	}
	if !rec.Flushed {
		t.Fatal("expected flush")
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("sse headers must leave cors to middleware")
	}
	if err := SendSSEEvent(rec, rec, "bad", func() {}); err == nil {
		t.Fatal("expected marshal error")
	}
}
