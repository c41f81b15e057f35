package livesync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/kudos-pass/backend/internal/realtime"
)

// fakeServer 模拟 /api 下的推送协商、快照、时间与结束轮次接口。
type fakeServer struct {
	*httptest.Server

	pushEnabled atomic.Bool
	conns       chan *websocket.Conn
	hydrates    atomic.Int32
	ends        atomic.Int32

	mu        sync.Mutex
	etag      string
	body      string
	endRounds []string
	serverNow time.Time
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	f := &fakeServer{conns: make(chan *websocket.Conn, 4), etag: `W/"v1"`, body: `{"session":{"sessionCode":"ABC123","status":"lobby"}}`}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/webpubsub/negotiate", func(w http.ResponseWriter, r *http.Request) {
		if !f.pushEnabled.Load() {
			http.Error(w, `{"error":"unavailable"}`, http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"url": "ws" + strings.TrimPrefix(f.URL, "http") + "/ws"})
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		var join map[string]any
		if err := conn.ReadJSON(&join); err != nil {
			conn.Close()
			return
		}
		conn.WriteJSON(map[string]any{"type": "ack", "ackId": join["ackId"], "success": join["group"] == "session:ABC123"})
		f.conns <- conn
	})
	mux.HandleFunc("/api/session", func(w http.ResponseWriter, r *http.Request) {
		f.hydrates.Add(1)
		f.mu.Lock()
		etag, body := f.etag, f.body
		f.mu.Unlock()
		w.Header().Set("ETag", etag)
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Write([]byte(body))
	})
	mux.HandleFunc("/api/now", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		now := f.serverNow
		f.mu.Unlock()
		if now.IsZero() {
			now = time.Now()
		}
		json.NewEncoder(w).Encode(map[string]string{"nowUtc": now.UTC().Format(time.RFC3339Nano)})
	})
	mux.HandleFunc("/api/round/end", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(adminTokenHeader) != "admin" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.ends.Add(1)
		f.mu.Lock()
		f.endRounds = append(f.endRounds, r.URL.Query().Get("code")+"/"+r.URL.Query().Get("round"))
		f.mu.Unlock()
		w.Write([]byte(`{"ok":true}`))
	})

	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func (f *fakeServer) setState(etag, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.etag, f.body = etag, body
}

func (f *fakeServer) nextConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-f.conns:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("no websocket connection")
		return nil
	}
}

type stateLog struct {
	ch chan State
}

func newStateLog() *stateLog { return &stateLog{ch: make(chan State, 32)} }

func (l *stateLog) record(s State) { l.ch <- s }

func (l *stateLog) waitFor(t *testing.T, want State) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case got := <-l.ch:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("state %s not reached", want)
		}
	}
}

func start(t *testing.T, cfg Config) *Syncer {
	t.Helper()
	s, err := New(cfg)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return s
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{SessionCode: "ABC123"})
	assert.Error(t, err)
	_, err = New(Config{BaseURL: "http://x"})
	assert.Error(t, err)

	s, err := New(Config{BaseURL: "http://x/", SessionCode: " abc123 "})
	require.NoError(t, err)
	assert.Equal(t, "ABC123", s.cfg.SessionCode)
	assert.Equal(t, DefaultPollInterval, s.cfg.PollInterval)
	assert.Equal(t, StateConnecting, s.State())
}

func TestPollingSkipsUnchangedState(t *testing.T) {
	f := newFakeServer(t)
	states := newStateLog()
	var snapshots atomic.Int32

	s := start(t, Config{
		BaseURL:           f.URL,
		SessionCode:       "ABC123",
		PollInterval:      20 * time.Millisecond,
		ReconnectInterval: time.Hour,
		OnState:           states.record,
		OnSnapshot:        func(Snapshot) { snapshots.Add(1) },
	})
	states.waitFor(t, StatePolling)

	require.Eventually(t, func() bool { return f.hydrates.Load() >= 5 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), snapshots.Load())

	f.setState(`W/"v2"`, `{"session":{"sessionCode":"ABC123","status":"running","roundIndex":0}}`)
	require.Eventually(t, func() bool { return snapshots.Load() == 2 }, 5*time.Second, 10*time.Millisecond)
	snap, ok := s.Snapshot()
	require.True(t, ok)
	assert.Equal(t, "running", string(snap.Session.Status))
}

func TestLiveRoundStartAndFallback(t *testing.T) {
	f := newFakeServer(t)
	f.pushEnabled.Store(true)
	states := newStateLog()
	rounds := make(chan RoundStart, 4)

	start(t, Config{
		BaseURL:           f.URL,
		SessionCode:       "ABC123",
		PollInterval:      20 * time.Millisecond,
		ReconnectInterval: 100 * time.Millisecond,
		OnState:           states.record,
		OnRoundStart:      func(r RoundStart) { rounds <- r },
	})

	conn := f.nextConn(t)
	states.waitFor(t, StateLive)

	startedAt := time.Now().UTC()
	payload, _ := json.Marshal(RoundStart{RoundIndex: 3, RoundStartUtc: &startedAt, RoundSeconds: 60})
	require.NoError(t, conn.WriteJSON(realtime.Envelope{Event: realtime.EventRoundStart, Payload: payload}))

	select {
	case r := <-rounds:
		assert.Equal(t, 3, r.RoundIndex)
		assert.Equal(t, 60, r.RoundSeconds)
	case <-time.After(5 * time.Second):
		t.Fatal("round start not delivered")
	}

	// 推送通道关闭后退化为轮询，随后重新连上。
	conn.Close()
	states.waitFor(t, StatePolling)
	f.nextConn(t)
	states.waitFor(t, StateLive)
}

func TestAutoEndRoundOncePerRound(t *testing.T) {
	f := newFakeServer(t)
	startedAt := time.Now().Add(-2 * time.Minute).UTC().Format(time.RFC3339Nano)
	f.setState(`W/"r0"`, `{"session":{"sessionCode":"ABC123","status":"running","roundIndex":0,"roundStartUtc":"`+startedAt+`","settings":{"roundSeconds":60}}}`)

	s := start(t, Config{
		BaseURL:           f.URL,
		SessionCode:       "ABC123",
		AdminToken:        "admin",
		PollInterval:      20 * time.Millisecond,
		ReconnectInterval: time.Hour,
		TickInterval:      10 * time.Millisecond,
	})

	require.Eventually(t, func() bool { return f.ends.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), f.ends.Load())
	f.mu.Lock()
	assert.Equal(t, []string{"ABC123/0"}, f.endRounds)
	f.mu.Unlock()

	remaining, ok := s.Remaining()
	assert.True(t, ok)
	assert.Equal(t, time.Duration(0), remaining)
}

func TestProbeClock(t *testing.T) {
	f := newFakeServer(t)
	f.mu.Lock()
	f.serverNow = time.Now().Add(time.Hour)
	f.mu.Unlock()

	s, err := New(Config{BaseURL: f.URL, SessionCode: "ABC123"})
	require.NoError(t, err)
	skew, err := s.ProbeClock(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, float64(time.Hour), float64(skew), float64(time.Second))
	assert.Equal(t, skew, s.Skew())
}

func TestCountdown(t *testing.T) {
	start := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, 60*time.Second, Countdown(start, 60, start, 0))
	assert.Equal(t, 30*time.Second, Countdown(start, 60, start.Add(30*time.Second), 0))
	// 客户端时钟慢 10 秒：服务器时间已过去 40 秒。
	assert.Equal(t, 20*time.Second, Countdown(start, 60, start.Add(30*time.Second), 10*time.Second))
	assert.Equal(t, time.Duration(0), Countdown(start, 60, start.Add(2*time.Minute), 0))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "live", StateLive.String())
	assert.Equal(t, "degraded-polling", StatePolling.String())
	assert.Equal(t, "connecting", StateConnecting.String())
}
