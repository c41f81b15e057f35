package kudos

import "time"

// Status 表示会话生命周期所处的阶段。
type Status string

const (
	StatusLobby    Status = "lobby"
	StatusRunning  Status = "running"
	StatusFinished Status = "finished"
)

// Retention is the fixed lifetime of a session and every record scoped to it.
const Retention = 24 * time.Hour

// Settings are fixed when the session is created.
type Settings struct {
	Anonymity    bool   `json:"anonymity"`
	RoundSeconds int    `json:"roundSeconds"`
	RoundCount   int    `json:"roundCount"`
	Language     string `json:"language"`
}

// RoundDuration converts the configured seconds into a duration.
func (s Settings) RoundDuration() time.Duration {
	return time.Duration(s.RoundSeconds) * time.Second
}

// Session is the root record of one kudos exchange.
type Session struct {
	ID               string     `json:"id"`
	Code             string     `json:"sessionCode"`
	Title            string     `json:"title"`
	Settings         Settings   `json:"settings"`
	Status           Status     `json:"status"`
	RoundIndex       int        `json:"roundIndex"`
	RoundStartedAt   *time.Time `json:"roundStartUtc,omitempty"`
	SubmissionLocked bool       `json:"submissionLocked"`
	CreatedAt        time.Time  `json:"createdAt"`
	LastActivityAt   time.Time  `json:"lastActivityUtc"`
	AdminToken       string     `json:"adminToken,omitempty"`
	Revision         int64      `json:"revision"`
	ExpiresAt        time.Time  `json:"expiresAt"`
}

// Finished reports whether the session reached its terminal state.
func (s Session) Finished() bool {
	return s.Status == StatusFinished
}

// Public 返回去除管理令牌后的会话副本，可安全下发给参与者。
func (s Session) Public() Session {
	s.AdminToken = ""
	return s
}

// Expired reports whether the retention window has elapsed at now.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}
