// Package livesync keeps a client's view of one session current. It prefers a
// pushed websocket subscription and silently degrades to conditional polling
// when push is unavailable or drops, reconnecting in the background.
package livesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zhouzirui/kudos-pass/backend/internal/realtime"
)

// Defaults for Config.
const (
	DefaultPollInterval      = 3500 * time.Millisecond
	DefaultReconnectInterval = 15 * time.Second
	DefaultTickInterval      = 500 * time.Millisecond
	adminTokenHeader         = "X-Admin-Token"
)

// Config configures a Syncer.
type Config struct {
	// BaseURL is the http(s) origin serving /api.
	BaseURL     string
	SessionCode string
	UserID      string
	// AdminToken, when set, makes this client end rounds whose countdown expired.
	AdminToken string

	PollInterval      time.Duration
	ReconnectInterval time.Duration
	TickInterval      time.Duration

	HTTPClient *http.Client
	Dialer     *websocket.Dialer

	OnState      func(State)
	OnSnapshot   func(Snapshot)
	OnEvent      func(realtime.Envelope)
	OnRoundStart func(RoundStart)

	Now func() time.Time
}

// Syncer runs the connecting / live / degraded-polling state machine.
type Syncer struct {
	cfg Config

	mu        sync.Mutex
	state     State
	etag      string
	snapshot  *Snapshot
	round     roundClock
	skew      time.Duration
	lastEnded int
}

// New validates cfg and fills defaults.
func New(cfg Config) (*Syncer, error) {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		return nil, errors.New("livesync: base url is required")
	}
	cfg.SessionCode = strings.ToUpper(strings.TrimSpace(cfg.SessionCode))
	if cfg.SessionCode == "" {
		return nil, errors.New("livesync: session code is required")
	}
	if cfg.UserID == "" {
		cfg.UserID = cfg.SessionCode
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = DefaultReconnectInterval
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Syncer{cfg: cfg, state: StateConnecting, lastEnded: -1}, nil
}

// State returns the current connectivity mode.
func (s *Syncer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns the last hydrated view.
func (s *Syncer) Snapshot() (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshot == nil {
		return Snapshot{}, false
	}
	return *s.snapshot, true
}

// Skew returns the last measured server minus client clock offset.
func (s *Syncer) Skew() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.skew
}

// Remaining returns the countdown of the current round, or false when no
// round is running.
func (s *Syncer) Remaining() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.round.running {
		return 0, false
	}
	return Countdown(s.round.start, s.round.seconds, s.cfg.Now(), s.skew), true
}

func (s *Syncer) setState(state State) {
	s.mu.Lock()
	changed := s.state != state
	s.state = state
	s.mu.Unlock()

	if changed {
		log.Printf("[livesync] session=%s state=%s", s.cfg.SessionCode, state)
		if s.cfg.OnState != nil {
			s.cfg.OnState(state)
		}
	}
}

// Run blocks until ctx is done.
func (s *Syncer) Run(ctx context.Context) error {
	if _, err := s.ProbeClock(ctx); err != nil {
		log.Printf("[livesync] session=%s clock probe failed: %v", s.cfg.SessionCode, err)
	}
	if _, err := s.Refresh(ctx); err != nil {
		log.Printf("[livesync] session=%s initial hydrate failed: %v", s.cfg.SessionCode, err)
	}
	if s.cfg.AdminToken != "" {
		go s.autoEnd(ctx)
	}

	for {
		s.setState(StateConnecting)
		conn, err := s.connect(ctx)
		if err == nil {
			s.setState(StateLive)
			// 推送建立期间可能错过变更，补一次条件请求。
			if _, err := s.Refresh(ctx); err != nil {
				log.Printf("[livesync] session=%s refresh failed: %v", s.cfg.SessionCode, err)
			}
			err = s.consume(ctx, conn)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Printf("[livesync] session=%s push unavailable, polling: %v", s.cfg.SessionCode, err)

		s.setState(StatePolling)
		if err := s.poll(ctx); err != nil {
			return err
		}
	}
}

// poll refreshes on PollInterval until it is time to retry push.
func (s *Syncer) poll(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	reconnect := time.NewTimer(s.cfg.ReconnectInterval)
	defer reconnect.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-reconnect.C:
			return nil
		case <-ticker.C:
			if _, err := s.Refresh(ctx); err != nil {
				log.Printf("[livesync] session=%s poll failed: %v", s.cfg.SessionCode, err)
			}
		}
	}
}

type ack struct {
	Type    string `json:"type"`
	AckID   uint64 `json:"ackId"`
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// connect negotiates a subscription URL, dials it and joins the session group.
func (s *Syncer) connect(ctx context.Context) (*websocket.Conn, error) {
	endpoint := s.cfg.BaseURL + "/api/webpubsub/negotiate?user=" + url.QueryEscape(s.cfg.UserID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("negotiate: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("negotiate: status %d", resp.StatusCode)
	}
	var negotiated struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&negotiated); err != nil {
		return nil, fmt.Errorf("decode negotiate: %w", err)
	}

	conn, _, err := s.cfg.Dialer.DialContext(ctx, negotiated.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	join := map[string]any{"type": "joinGroup", "group": realtime.Group(s.cfg.SessionCode), "ackId": 1}
	if err := conn.WriteJSON(join); err != nil {
		conn.Close()
		return nil, fmt.Errorf("join group: %w", err)
	}
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var reply ack
	if err := conn.ReadJSON(&reply); err != nil {
		conn.Close()
		return nil, fmt.Errorf("join ack: %w", err)
	}
	if !reply.Success {
		conn.Close()
		return nil, fmt.Errorf("join rejected: %s", reply.Error)
	}
	conn.SetReadDeadline(time.Time{})
	return conn, nil
}

// consume handles pushed events until the connection closes or ctx is done.
func (s *Syncer) consume(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("push channel closed: %w", err)
		}
		var envelope realtime.Envelope
		if err := json.Unmarshal(data, &envelope); err != nil || envelope.Event == "" {
			continue
		}
		s.handleEvent(ctx, envelope)
	}
}

func (s *Syncer) handleEvent(ctx context.Context, envelope realtime.Envelope) {
	if envelope.Event == realtime.EventRoundStart {
		var start RoundStart
		if err := json.Unmarshal(envelope.Payload, &start); err == nil {
			if start.RoundStartUtc != nil {
				s.mu.Lock()
				s.round = roundClock{running: true, index: start.RoundIndex, start: *start.RoundStartUtc, seconds: start.RoundSeconds}
				s.mu.Unlock()
			}
			if s.cfg.OnRoundStart != nil {
				s.cfg.OnRoundStart(start)
			}
		}
	}
	if s.cfg.OnEvent != nil {
		s.cfg.OnEvent(envelope)
	}
	if _, err := s.Refresh(ctx); err != nil {
		log.Printf("[livesync] session=%s refresh after %s failed: %v", s.cfg.SessionCode, envelope.Event, err)
	}
}

// Refresh performs a conditional hydrate. It reports whether the snapshot changed.
func (s *Syncer) Refresh(ctx context.Context) (bool, error) {
	endpoint := s.cfg.BaseURL + "/api/session?code=" + url.QueryEscape(s.cfg.SessionCode)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	etag := s.etag
	s.mu.Unlock()
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotModified:
		return false, nil
	case http.StatusOK:
	default:
		io.Copy(io.Discard, resp.Body)
		return false, fmt.Errorf("hydrate: status %d", resp.StatusCode)
	}

	var snap Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return false, fmt.Errorf("decode hydrate: %w", err)
	}
	s.mu.Lock()
	s.etag = resp.Header.Get("ETag")
	s.snapshot = &snap
	s.round = clockFromSnapshot(snap)
	s.mu.Unlock()

	if s.cfg.OnSnapshot != nil {
		s.cfg.OnSnapshot(snap)
	}
	return true, nil
}

// ProbeClock measures the server clock offset against /api/now, assuming the
// response was produced halfway through the round trip.
func (s *Syncer) ProbeClock(ctx context.Context) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.BaseURL+"/api/now", nil)
	if err != nil {
		return 0, err
	}
	sent := s.cfg.Now()
	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	received := s.cfg.Now()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("now: status %d", resp.StatusCode)
	}

	var body struct {
		NowUTC time.Time `json:"nowUtc"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("decode now: %w", err)
	}
	midpoint := sent.Add(received.Sub(sent) / 2)
	skew := body.NowUTC.Sub(midpoint)

	s.mu.Lock()
	s.skew = skew
	s.mu.Unlock()
	return skew, nil
}

// autoEnd ends each round once when its countdown reaches zero. Other admin
// clients may race on the same round; the server collapses those calls.
func (s *Syncer) autoEnd(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		round, lastEnded, skew := s.round, s.lastEnded, s.skew
		s.mu.Unlock()
		if !round.running || round.index <= lastEnded {
			continue
		}
		if Countdown(round.start, round.seconds, s.cfg.Now(), skew) > 0 {
			continue
		}

		if err := s.endRound(ctx, round.index); err != nil {
			log.Printf("[livesync] session=%s end round=%d failed: %v", s.cfg.SessionCode, round.index, err)
			continue
		}
		s.mu.Lock()
		if round.index > s.lastEnded {
			s.lastEnded = round.index
		}
		s.mu.Unlock()
	}
}

// endRound reports an expired round. Any HTTP response counts as delivered.
func (s *Syncer) endRound(ctx context.Context, index int) error {
	query := url.Values{}
	query.Set("code", s.cfg.SessionCode)
	query.Set("round", strconv.Itoa(index))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+"/api/round/end?"+query.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set(adminTokenHeader, s.cfg.AdminToken)

	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		log.Printf("[livesync] session=%s end round=%d status %d", s.cfg.SessionCode, index, resp.StatusCode)
	}
	return nil
}
