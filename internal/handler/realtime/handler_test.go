package realtime

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/kudos-pass/backend/internal/realtime"
)

func setupServer(t *testing.T, secret string) (*httptest.Server, *realtime.Hub) {
	t.Helper()
	hub := realtime.NewHub(8)
	mux := chi.NewRouter()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	h := New(hub, realtime.NewNegotiator(secret, srv.URL, time.Minute))
	mux.Route("/api", h.RegisterRoutes)
	return srv, hub
}

func negotiate(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	resp, err := http.Get(srv.URL + "/api/webpubsub/negotiate?user=tester")
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode negotiate: %v", err)
	}
	if !strings.HasPrefix(body.URL, "ws://") {
		t.Fatalf("expected ws url, got %s", body.URL)
	}
	return body.URL
}

func TestNegotiateUnavailableWithoutSecret(t *testing.T) {
	srv, _ := setupServer(t, "")
	resp, err := http.Get(srv.URL + "/api/webpubsub/negotiate")
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}

func TestWebSocketJoinGroupReceivesEvents(t *testing.T) {
	srv, hub := setupServer(t, "secret")
	url := negotiate(t, srv)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	if err := conn.WriteJSON(map[string]any{"type": "joinGroup", "group": realtime.Group("ABC123"), "ackId": 1}); err != nil {
		t.Fatalf("write join: %v", err)
	}
	var ack ackMessage
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if !ack.Success || ack.AckID != 1 {
		t.Fatalf("unexpected ack %+v", ack)
	}

	gateway := realtime.NewGateway(hub)
	gateway.Publish(context.Background(), "ABC123", realtime.EventRoundStart, map[string]int{"roundIndex": 2})

	var envelope realtime.Envelope
	if err := conn.ReadJSON(&envelope); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if envelope.Event != realtime.EventRoundStart || string(envelope.Payload) != `{"roundIndex":2}` {
		t.Fatalf("unexpected envelope %+v", envelope)
	}

	if err := conn.WriteJSON(map[string]any{"type": "joinGroup", "group": "other:1", "ackId": 2}); err != nil {
		t.Fatalf("write join: %v", err)
	}
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack.Success || ack.AckID != 2 {
		t.Fatalf("expected rejected ack, got %+v", ack)
	}
}

func TestWebSocketRejectsBadToken(t *testing.T) {
	srv, _ := setupServer(t, "secret")
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/realtime/ws?access_token=forged"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}
}

func TestSSEStreamsSessionEvents(t *testing.T) {
	srv, hub := setupServer(t, "")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/realtime/sse/abc123", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("sse request: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	readEvent := func() (string, string) {
		var event, data string
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				t.Fatalf("read sse: %v", err)
			}
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, "event: "):
				event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			case line == "":
				return event, data
			}
		}
	}

	if event, _ := readEvent(); event != "ready" {
		t.Fatalf("expected ready event, got %q", event)
	}

	realtime.NewGateway(hub).Publish(context.Background(), "ABC123", realtime.EventNoteSubmitted, map[string]string{"noteId": "note_1"})
	event, data := readEvent()
	if event != realtime.EventNoteSubmitted || data != `{"noteId":"note_1"}` {
		t.Fatalf("unexpected event %q %q", event, data)
	}
}
